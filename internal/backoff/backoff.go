// Package backoff maps consecutive failures and their class to a retry decision.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"repocapture/internal/models"
)

// Policy holds the tunables of the exponential formula.
type Policy struct {
	Base           time.Duration
	CapExponent    int
	JitterFraction float64
	MaxDelay       time.Duration
	// ResetSlack is added to the budget reset time for rate-limited waits.
	ResetSlack time.Duration
	// MaxResetWait bounds how far in the future a rate-limited wait may land.
	MaxResetWait time.Duration
}

// DefaultPolicy returns the documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		Base:           2 * time.Second,
		CapExponent:    8,
		JitterFraction: 0.2,
		MaxDelay:       15 * time.Minute,
		ResetSlack:     time.Minute,
		MaxResetWait:   time.Hour,
	}
}

// Decision is what a worker should do after a failed attempt.
type Decision struct {
	// Delay before the job may be attempted again.
	Delay time.Duration
	// Fail means retrying cannot help and the job fails now.
	Fail bool
	// CountsAsError is false for rate-limit waits, which never consume
	// the job's consecutive-error allowance.
	CountsAsError bool
}

// ComputeDelay is the pure backoff function. jitterSample must be in [-1, 1]; for a fixed
// sample the transient delay never decreases as consecutiveErrors grows.
func ComputeDelay(p Policy, consecutiveErrors int, class models.ErrorClass, resetAt, now time.Time, jitterSample float64) Decision {
	switch class {
	case models.ErrorClassPermanent, models.ErrorClassDataIntegrity:
		return Decision{Fail: true, CountsAsError: true}
	case models.ErrorClassRateLimited:
		return Decision{Delay: untilReset(p, resetAt, now)}
	}

	if consecutiveErrors < 0 {
		consecutiveErrors = 0
	}
	exp := consecutiveErrors
	if p.CapExponent >= 0 && exp > p.CapExponent {
		exp = p.CapExponent
	}

	if jitterSample > 1 {
		jitterSample = 1
	} else if jitterSample < -1 {
		jitterSample = -1
	}

	delay := float64(p.Base) * math.Pow(2, float64(exp)) * (1 + p.JitterFraction*jitterSample)
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return Decision{Delay: time.Duration(delay), CountsAsError: true}
}

func untilReset(p Policy, resetAt, now time.Time) time.Duration {
	if resetAt.IsZero() || !resetAt.After(now) {
		return p.ResetSlack
	}
	wait := resetAt.Sub(now) + p.ResetSlack
	if p.MaxResetWait > 0 && wait > p.MaxResetWait {
		wait = p.MaxResetWait
	}
	return wait
}

// ResetSource reports when the upstream budget refills.
type ResetSource interface {
	ResetAt() time.Time
}

// Calculator draws jitter and reads the current reset time for ComputeDelay.
type Calculator struct {
	policy Policy
	resets ResetSource
	now    func() time.Time

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewCalculator builds a calculator. resets may be nil when rate-limit
// waits should fall back to the policy slack.
func NewCalculator(p Policy, resets ResetSource) *Calculator {
	return &Calculator{
		policy: p,
		resets: resets,
		now:    time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Policy returns the configured policy.
func (c *Calculator) Policy() Policy {
	return c.policy
}

// Decide computes the retry decision for a failure, using retryAt when the
// upstream told us exactly when to come back.
func (c *Calculator) Decide(consecutiveErrors int, class models.ErrorClass, retryAt time.Time) Decision {
	resetAt := retryAt
	if resetAt.IsZero() && c.resets != nil {
		resetAt = c.resets.ResetAt()
	}

	c.mu.Lock()
	sample := c.rnd.Float64()*2 - 1
	c.mu.Unlock()

	return ComputeDelay(c.policy, consecutiveErrors, class, resetAt, c.now(), sample)
}

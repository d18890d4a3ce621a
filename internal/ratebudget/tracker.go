// Package ratebudget tracks the upstream API call budget shared by all workers.
package ratebudget

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Upstream rate-limit resources. Each one is metered by the API independently.
const (
	ResourceCore    = "core"
	ResourceGraphQL = "graphql"
)

// Snapshot is the budget of one resource as reported by the upstream API.
// An empty Resource means ResourceCore. Cost is the price of the call that
// produced the snapshot, when the API reports it.
type Snapshot struct {
	Resource   string    `json:"resource"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	ObservedAt time.Time `json:"observed_at"`
	Cost       int       `json:"cost,omitempty"`
}

// Reservation is the result of Reserve. A granted reservation must be passed to
// Commit or Release exactly once.
type Reservation struct {
	ID        uint64
	Resource  string
	Cost      int
	Granted   bool
	WaitUntil time.Time
}

// Options configures a Tracker.
type Options struct {
	DefaultLimit  int
	SafetyMargin  int
	PacePerSecond float64
	PaceBurst     int
	// RetryAfter is how long a denied caller waits when the reset time is unknown
	// or already passed and only in-flight reservations hold the budget.
	RetryAfter time.Duration
	Now        func() time.Time
}

// bucket is the budget of one resource. remaining only ever comes from the API;
// in-flight reservations are tracked in pending.
type bucket struct {
	limit          int
	remaining      int
	resetAt        time.Time
	lastObservedAt time.Time
	pending        int
	lastCost       int
}

// Tracker holds the remaining budget for one upstream credential, one bucket
// per rate-limit resource, so that concurrent workers cannot oversell any of them.
type Tracker struct {
	mu           sync.Mutex
	buckets      map[string]*bucket
	outstanding  map[uint64]Reservation
	nextID       uint64
	defaultLimit int

	safetyMargin int
	retryAfter   time.Duration
	limiter      *rate.Limiter
	now          func() time.Time
}

// New creates a tracker whose resources start with the optimistic default budget.
func New(opts Options) *Tracker {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 5000
	}
	if opts.SafetyMargin < 0 {
		opts.SafetyMargin = 0
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	limit := rate.Inf
	if opts.PacePerSecond > 0 {
		limit = rate.Limit(opts.PacePerSecond)
	}
	burst := opts.PaceBurst
	if burst <= 0 {
		burst = 1
	}

	return &Tracker{
		buckets:      make(map[string]*bucket),
		outstanding:  make(map[uint64]Reservation),
		defaultLimit: opts.DefaultLimit,
		safetyMargin: opts.SafetyMargin,
		retryAfter:   opts.RetryAfter,
		limiter:      rate.NewLimiter(limit, burst),
		now:          opts.Now,
	}
}

// Reserve atomically claims cost units of a resource's budget. It is denied when
// the claim would leave less than the safety margin; the caller must wait until
// WaitUntil.
func (t *Tracker) Reserve(resource string, cost int) Reservation {
	resource = normalize(resource)
	if cost <= 0 {
		cost = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	b := t.bucket(resource)
	t.rollover(b, now)

	if b.remaining-b.pending-cost < t.safetyMargin {
		return Reservation{Resource: resource, Cost: cost, WaitUntil: t.waitUntil(b, now)}
	}

	t.nextID++
	res := Reservation{ID: t.nextID, Resource: resource, Cost: cost, Granted: true}
	b.pending += cost
	t.outstanding[res.ID] = res
	return res
}

// Commit settles a granted reservation and applies the API's own accounting
// when the call produced one. A snapshot without a resource is booked against
// the reservation's resource.
func (t *Tracker) Commit(res Reservation, snap *Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.settle(res)
	if snap != nil {
		s := *snap
		if s.Resource == "" {
			s.Resource = res.Resource
		}
		t.observe(s)
	}
}

// Release gives back a granted reservation whose call never reached the API.
func (t *Tracker) Release(res Reservation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.settle(res)
}

// Observe applies budget metadata reported by the API outside a reservation.
func (t *Tracker) Observe(snap Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observe(snap)
}

// Pace blocks until the sustained request rate allows another call.
func (t *Tracker) Pace(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

// Snapshot returns the current view of one resource's budget.
func (t *Tracker) Snapshot(resource string) Snapshot {
	resource = normalize(resource)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view(resource, t.bucket(resource))
}

// Snapshots returns every resource seen so far, ordered by name.
func (t *Tracker) Snapshots() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Snapshot, 0, len(t.buckets))
	for name, b := range t.buckets {
		out = append(out, t.view(name, b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out
}

// Pending returns the budget held by in-flight reservations across resources.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, b := range t.buckets {
		total += b.pending
	}
	return total
}

// EstimateCost is the cost the API charged for the last call against a resource,
// at least 1.
func (t *Tracker) EstimateCost(resource string) int {
	resource = normalize(resource)
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.buckets[resource]; ok && b.lastCost > 0 {
		return b.lastCost
	}
	return 1
}

// ResetAt returns the latest refill time among exhausted resources, or zero when
// no resource is exhausted.
func (t *Tracker) ResetAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var latest time.Time
	for _, b := range t.buckets {
		t.rollover(b, now)
		if b.remaining-b.pending-1 >= t.safetyMargin {
			continue
		}
		if b.resetAt.After(latest) {
			latest = b.resetAt
		}
	}
	return latest
}

func normalize(resource string) string {
	if resource == "" {
		return ResourceCore
	}
	return resource
}

// bucket must be called with mu held.
func (t *Tracker) bucket(resource string) *bucket {
	b, ok := t.buckets[resource]
	if !ok {
		b = &bucket{limit: t.defaultLimit, remaining: t.defaultLimit}
		t.buckets[resource] = b
	}
	return b
}

func (t *Tracker) view(resource string, b *bucket) Snapshot {
	t.rollover(b, t.now())
	return Snapshot{
		Resource:   resource,
		Limit:      b.limit,
		Remaining:  b.remaining,
		ResetAt:    b.resetAt,
		ObservedAt: b.lastObservedAt,
		Cost:       b.lastCost,
	}
}

func (t *Tracker) settle(res Reservation) {
	if !res.Granted {
		return
	}
	held, ok := t.outstanding[res.ID]
	if !ok {
		return
	}
	delete(t.outstanding, res.ID)
	b := t.bucket(held.Resource)
	b.pending -= held.Cost
	if b.pending < 0 {
		b.pending = 0
	}
}

// observe must be called with mu held. Within one reset window the API's remaining
// count only goes down, so a higher value from a late, out-of-order response is stale.
func (t *Tracker) observe(snap Snapshot) {
	b := t.bucket(normalize(snap.Resource))
	if snap.ObservedAt.IsZero() {
		snap.ObservedAt = t.now()
	}
	if snap.Remaining < 0 {
		snap.Remaining = 0
	}
	if snap.Cost > 0 {
		b.lastCost = snap.Cost
	}

	switch {
	case b.resetAt.IsZero() || snap.ResetAt.After(b.resetAt):
		b.remaining = snap.Remaining
		b.resetAt = snap.ResetAt
	case snap.ResetAt.Equal(b.resetAt):
		if snap.Remaining < b.remaining && snap.ObservedAt.Before(b.resetAt) {
			b.remaining = snap.Remaining
		}
	default:
		// Report from a previous window.
		return
	}
	if snap.Limit > 0 {
		b.limit = snap.Limit
	}
	if snap.ObservedAt.After(b.lastObservedAt) {
		b.lastObservedAt = snap.ObservedAt
	}
}

// rollover restores the optimistic default once the reset time has passed
// without a newer observation.
func (t *Tracker) rollover(b *bucket, now time.Time) {
	if b.resetAt.IsZero() || now.Before(b.resetAt) {
		return
	}
	if b.lastObservedAt.Before(b.resetAt) {
		b.remaining = b.limit
	}
}

func (t *Tracker) waitUntil(b *bucket, now time.Time) time.Time {
	if b.resetAt.After(now) {
		return b.resetAt
	}
	return now.Add(t.retryAfter)
}

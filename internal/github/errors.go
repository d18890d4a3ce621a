package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"repocapture/internal/models"
	"repocapture/internal/ratebudget"
)

// APIError is an upstream failure with its recovery class.
type APIError struct {
	Class      models.ErrorClass
	StatusCode int
	Message    string
	// RetryAt is set for rate-limited errors when the upstream said when to come back.
	RetryAt time.Time
	// Rate is the budget reported alongside the failure, if any.
	Rate *ratebudget.Snapshot
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("github %s error (%d): %s", e.Class, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("github %s error: %s", e.Class, e.Message)
}

// Classify maps any error returned by this package to a recovery class.
// Unknown errors are treated as transient.
func Classify(err error) models.ErrorClass {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	return models.ErrorClassTransient
}

// RetryAt returns the upstream-provided retry time of a rate-limited error.
func RetryAt(err error) time.Time {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAt
	}
	return time.Time{}
}

// RateOf returns the budget snapshot attached to an error, if any.
func RateOf(err error) *ratebudget.Snapshot {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Rate
	}
	return nil
}

func transportError(err error) error {
	msg := err.Error()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		msg = "request interrupted: " + msg
	}
	return &APIError{Class: models.ErrorClassTransient, Message: msg}
}

// responseError classifies a non-2xx REST or GraphQL HTTP response.
func responseError(resp *resty.Response, now time.Time) error {
	snap := rateFromHeaders(resp.Header(), now)
	status := resp.StatusCode()
	apiErr := &APIError{StatusCode: status, Message: upstreamMessage(resp), Rate: snap}

	switch {
	case status == http.StatusForbidden || status == http.StatusTooManyRequests:
		if retry := retryAfter(resp.Header(), now); !retry.IsZero() {
			apiErr.Class = models.ErrorClassRateLimited
			apiErr.RetryAt = retry
		} else if snap != nil && snap.Remaining == 0 {
			apiErr.Class = models.ErrorClassRateLimited
			apiErr.RetryAt = snap.ResetAt
		} else if status == http.StatusTooManyRequests {
			apiErr.Class = models.ErrorClassRateLimited
		} else {
			apiErr.Class = models.ErrorClassPermanent
		}
	case status == http.StatusUnauthorized,
		status == http.StatusNotFound,
		status == http.StatusGone,
		status == http.StatusUnavailableForLegalReasons:
		apiErr.Class = models.ErrorClassPermanent
	case status >= 500 || status == http.StatusRequestTimeout:
		apiErr.Class = models.ErrorClassTransient
	default:
		apiErr.Class = models.ErrorClassPermanent
	}
	return apiErr
}

// graphQLError classifies the errors array of a 200 GraphQL response.
func graphQLError(errs []gqlError, snap *ratebudget.Snapshot) error {
	msgs := make([]string, 0, len(errs))
	class := models.ErrorClassTransient
	for _, e := range errs {
		msgs = append(msgs, e.Message)
		switch e.Type {
		case "NOT_FOUND", "FORBIDDEN":
			class = models.ErrorClassPermanent
		case "RATE_LIMITED":
			if class != models.ErrorClassPermanent {
				class = models.ErrorClassRateLimited
			}
		}
	}
	apiErr := &APIError{Class: class, StatusCode: http.StatusOK, Message: strings.Join(msgs, "; "), Rate: snap}
	if class == models.ErrorClassRateLimited && snap != nil {
		apiErr.RetryAt = snap.ResetAt
	}
	return apiErr
}

func upstreamMessage(resp *resty.Response) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := decodeJSON(resp.Body(), &body); err == nil && body.Message != "" {
		return body.Message
	}
	msg := strings.TrimSpace(string(resp.Body()))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode())
	}
	return msg
}

func retryAfter(h http.Header, now time.Time) time.Time {
	v := h.Get("Retry-After")
	if v == "" {
		return time.Time{}
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return now.Add(time.Duration(secs) * time.Second)
	}
	if at, err := http.ParseTime(v); err == nil {
		return at
	}
	return time.Time{}
}

// rateFromHeaders reads X-RateLimit-* headers; nil when they are absent. The
// resource is left empty when the response does not name one.
func rateFromHeaders(h http.Header, now time.Time) *ratebudget.Snapshot {
	remaining, err := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	if err != nil {
		return nil
	}
	reset, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64)
	if err != nil {
		return nil
	}
	limit, _ := strconv.Atoi(h.Get("X-RateLimit-Limit"))
	return &ratebudget.Snapshot{
		Resource:   h.Get("X-RateLimit-Resource"),
		Limit:      limit,
		Remaining:  remaining,
		ResetAt:    time.Unix(reset, 0).UTC(),
		ObservedAt: now,
	}
}

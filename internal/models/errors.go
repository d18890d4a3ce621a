package models

// ErrorClass is the recovery category of a capture failure.
type ErrorClass string

const (
	// ErrorClassRateLimited waits for the budget reset and does not count as an error.
	ErrorClassRateLimited ErrorClass = "rate_limited"
	// ErrorClassTransient retries with exponential backoff.
	ErrorClassTransient ErrorClass = "transient"
	// ErrorClassPermanent fails the job immediately.
	ErrorClassPermanent ErrorClass = "permanent"
	// ErrorClassDataIntegrity aborts a backfill series and flags it for review.
	ErrorClassDataIntegrity ErrorClass = "data_integrity"
)

// CountsTowardRollback reports whether failures of this class feed the rollout error rate.
func (c ErrorClass) CountsTowardRollback() bool {
	return c == ErrorClassPermanent || c == ErrorClassDataIntegrity
}

package meterapi

import "errors"

var (
	// ErrRateLimitExhausted signals the provider's daily quota is spent.
	// Callers must stop issuing requests for that provider for the
	// remainder of the run.
	ErrRateLimitExhausted = errors.New("rate_limit_exhausted")

	// ErrIncompleteDay signals that pagination failed after exhausting
	// retries. Any partial pages were discarded; committing them would
	// under-count a day that later resumes working.
	ErrIncompleteDay = errors.New("incomplete_day")

	ErrSessionFailed = errors.New("session_auth_failed")
)

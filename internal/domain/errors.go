package domain

import (
	"errors"
)

// Fatal resolution errors indicate a data or configuration problem
// upstream. They surface to the caller as a 400 and are never retried.
var (
	ErrUnknownApplication   = errors.New("unknown application")
	ErrUnknownWorker        = errors.New("unknown worker")
	ErrAmbiguousOpportunity = errors.New("application resolves to more than one active opportunity")
	ErrMissingPaymentUnit   = errors.New("deliverable type has no payment unit configured")
	ErrDuplicateAssessment  = errors.New("assessment already recorded for this submission")
	ErrInvalidSubmission    = errors.New("invalid submission")
)

// ErrAlreadyProcessed marks redelivery of a known submission id. Intake
// treats it as a no-op success, not an error condition for the caller.
var ErrAlreadyProcessed = errors.New("submission already processed")

// ErrNotFound is returned by Store lookups when no record matches.
var ErrNotFound = errors.New("record not found")

// IsFatalResolution reports whether err belongs to the taxonomy of
// non-retryable configuration errors that map to HTTP 400.
func IsFatalResolution(err error) bool {
	return errors.Is(err, ErrUnknownApplication) ||
		errors.Is(err, ErrUnknownWorker) ||
		errors.Is(err, ErrAmbiguousOpportunity) ||
		errors.Is(err, ErrMissingPaymentUnit) ||
		errors.Is(err, ErrDuplicateAssessment) ||
		errors.Is(err, ErrInvalidSubmission)
}

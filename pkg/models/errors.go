package models

import (
	"errors"
	"fmt"
)

// ── Error Taxonomy ───────────────────────────────────────────
//
// ErrValidation and ErrPolicyDenied are local and recoverable: the caller
// may resubmit a corrected proposal. ErrApplyFailed is recovered
// automatically via rollback. ErrRestoreFailed is fatal for the affected
// path and must never be swallowed.

var (
	// ErrValidation marks malformed suites, proposals, or policy documents.
	// Raised before any state mutation.
	ErrValidation = errors.New("validation error")

	// ErrPolicyDenied marks a path, capability, or reviewer mismatch.
	ErrPolicyDenied = errors.New("policy denied")

	// ErrInvalidState marks an operation against a proposal that is not in
	// the required state (e.g. apply on a non-APPROVED proposal).
	ErrInvalidState = errors.New("invalid proposal state")

	// ErrShapeMismatch marks a drift check across incompatible suites.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrApplyFailed marks a post-apply validation failure. The applier
	// rolls back automatically; the system keeps running.
	ErrApplyFailed = errors.New("apply failed")

	// ErrRestoreFailed marks a rollback that itself failed. Fatal for the
	// target path: further applies against it are refused until manual
	// intervention clears the quarantine.
	ErrRestoreFailed = errors.New("restore failed")

	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")
)

// Validationf wraps ErrValidation with a formatted detail message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

// Deniedf wraps ErrPolicyDenied with a formatted detail message.
func Deniedf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrPolicyDenied}, args...)...)
}

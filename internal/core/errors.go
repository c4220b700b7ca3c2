package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatNotFound    ErrorCategory = "not_found"   // Resource not found
	ErrCatPermission  ErrorCategory = "permission"  // Action denied by policy
	ErrCatState       ErrorCategory = "state"       // Invalid lifecycle transition or conflict
	ErrCatConsensus   ErrorCategory = "consensus"   // Consensus not reached
	ErrCatValidation  ErrorCategory = "validation"  // Invalid input
	ErrCatConcurrency ErrorCategory = "concurrency" // Lock contention
	ErrCatNetwork     ErrorCategory = "network"     // Coordinator unreachable
	ErrCatGit         ErrorCategory = "git"         // Git subprocess failure
	ErrCatPolicy      ErrorCategory = "policy"      // Rate/budget limits
	ErrCatTimeout     ErrorCategory = "timeout"     // Operation timed out
	ErrCatInternal    ErrorCategory = "internal"    // Unexpected internal error
)

// DomainError represents a structured error from the domain layer.
// Code is one of the stable caller-observable reasons below.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrNotFound creates a not-found error for a resource.
func ErrNotFound(code, resource, id string) *DomainError {
	return &DomainError{
		Category: ErrCatNotFound,
		Code:     code,
		Message:  fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// ErrPermission creates a permission-denied error.
func ErrPermission(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatPermission,
		Code:     code,
		Message:  message,
	}
}

// ErrState creates a state error.
func ErrState(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatState,
		Code:     code,
		Message:  message,
	}
}

// ErrConsensus creates a consensus error.
func ErrConsensus(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatConsensus,
		Code:     code,
		Message:  message,
	}
}

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatValidation,
		Code:     code,
		Message:  message,
	}
}

// ErrConcurrency creates a lock-contention error. Callers may retry.
func ErrConcurrency(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatConcurrency,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrNetwork creates a network error. Retried internally with backoff.
func ErrNetwork(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatNetwork,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrGit creates a git failure error. Merge conflicts are never retried.
func ErrGit(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatGit,
		Code:     code,
		Message:  message,
	}
}

// ErrPolicy creates a rate-limit or budget error.
func ErrPolicy(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatPolicy,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatTimeout,
		Code:      "timeout",
		Message:   message,
		Retryable: true,
	}
}

// ErrInternal wraps an unexpected failure.
func ErrInternal(message string, cause error) *DomainError {
	return &DomainError{
		Category: ErrCatInternal,
		Code:     "internal",
		Message:  message,
		Cause:    cause,
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// IsCode checks if an error carries a specific reason code.
func IsCode(err error, code string) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Code == code
	}
	return false
}

// Stable reason codes surfaced to callers.
const (
	CodeRepoNotFound   = "repo_not_found"
	CodeStreamNotFound = "stream_not_found"
	CodeAgentNotFound  = "agent_not_found"

	CodeInsufficientPermissions = "insufficient_permissions"
	CodeBranchProtected         = "branch_protected"
	CodeMaintainersOnly         = "maintainers_only"
	CodeGatedMode               = "gated_mode"

	CodeCannotCommitNonActive = "cannot_commit_non_active"
	CodeInvalidTransition     = "invalid_transition"
	CodeParentNotMerged       = "parent_not_merged"
	CodeConcurrentMerge       = "concurrent_merge"
	CodeAlreadyMerged         = "already_merged"

	CodeInsufficientReviews = "insufficient_reviews"
	CodeBelowThreshold      = "below_threshold"
	CodeAwaitingOwner       = "awaiting_owner"
	CodeNoMaintainerReviews = "no_maintainer_reviews"
	CodeNoReviews           = "no_reviews"

	CodeInvalidVerdict = "invalid_verdict"
	CodeSelfReview     = "self_review"
	CodeInvalidStage   = "invalid_stage"
	CodeBadConfig      = "bad_config"

	CodeLockHeld    = "lock_held"
	CodeLockTimeout = "lock_timeout"

	CodeServerUnavailable         = "server_unavailable"
	CodeServerUnavailableForGated = "server_unavailable_for_gated"
	CodeReviewSyncIncomplete      = "review_sync_incomplete"

	CodeMergeConflict = "merge_conflict"
	CodePromoteFailed = "promote_failed"
	CodeTagFailed     = "tag_failed"
	CodeRevertError   = "revert_error"

	CodeRateLimited     = "rate_limited"
	CodeBudgetExhausted = "budget_exhausted"
)

// ExitCode maps an error to the CLI process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch GetCategory(err) {
	case ErrCatPermission:
		return 2
	case ErrCatConsensus:
		return 3
	case ErrCatGit:
		if IsCode(err, CodeMergeConflict) {
			return 4
		}
		return 1
	case ErrCatNetwork, ErrCatTimeout:
		return 5
	case ErrCatConcurrency:
		return 6
	default:
		return 1
	}
}

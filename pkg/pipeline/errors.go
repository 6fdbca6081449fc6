package pipeline

import (
	"errors"
	"fmt"
)

// FailureClass classifies a pipeline failure for propagation and retry logic.
type FailureClass string

const (
	// FailureClassValidation indicates a fatal configuration problem such as
	// a cyclic dependency or an unresolvable target. Validation failures
	// block execution entirely and are never retried.
	FailureClassValidation FailureClass = "validation"

	// FailureClassCommand indicates a local command failure that may be
	// retried per policy.
	FailureClassCommand FailureClass = "command"

	// FailureClassBehavior aggregates command failures; its severity follows
	// the failing commands' classification.
	FailureClassBehavior FailureClass = "behavior"

	// FailureClassAggregator aggregates behavior failures.
	FailureClassAggregator FailureClass = "aggregator"

	// FailureClassTimeout indicates a step was aborted after its configured
	// timeout.
	FailureClassTimeout FailureClass = "timeout"

	// FailureClassCancelled indicates the run was cancelled; distinct from
	// failure.
	FailureClassCancelled FailureClass = "cancelled"

	// FailureClassInternal indicates a defect in the engine itself.
	FailureClassInternal FailureClass = "internal"
)

// PipelineError represents a classified pipeline failure with context.
// nolint:revive // PipelineError is intentionally named to distinguish from standard errors
type PipelineError struct {
	// Class is the failure classification for propagation logic.
	Class FailureClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Step is the step, behavior, or command ID that caused the failure.
	Step string `json:"step,omitempty"`

	// Attempt is the retry attempt that produced the failure, if retried.
	Attempt int `json:"attempt,omitempty"`

	// Severity is the hard/soft classification of the failing unit.
	Severity FailureSeverity `json:"severity,omitempty"`

	// Err is the underlying error, if any.
	Err error `json:"-"`

	// Causes collects the child failures when this error aggregates a
	// behavior or aggregator outcome. Nothing is discarded: the complete
	// failure tree is reachable from the top-level error.
	Causes []*PipelineError `json:"causes,omitempty"`
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.Step != "" {
		if msg := e.unwrapMessage(); msg != "" {
			return fmt.Sprintf("[%s] %s (step=%s): %s", e.Class, e.Message, e.Step, msg)
		}
		return fmt.Sprintf("[%s] %s (step=%s)", e.Class, e.Message, e.Step)
	}
	if msg := e.unwrapMessage(); msg != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Class, e.Message)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

func (e *PipelineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality for errors.Is.
func (e *PipelineError) Is(target error) bool {
	t, ok := target.(*PipelineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithStep adds step context to an error.
func (e *PipelineError) WithStep(stepID string) *PipelineError {
	e.Step = stepID
	return e
}

// WithCode adds an error code to an error.
func (e *PipelineError) WithCode(code string) *PipelineError {
	e.Code = code
	return e
}

// WithAttempt records the retry attempt that produced the error.
func (e *PipelineError) WithAttempt(attempt int) *PipelineError {
	e.Attempt = attempt
	return e
}

// WithSeverity records the hard/soft classification of the failing unit.
func (e *PipelineError) WithSeverity(sev FailureSeverity) *PipelineError {
	e.Severity = sev
	return e
}

// WithCause appends a child failure to the aggregated failure tree.
func (e *PipelineError) WithCause(cause *PipelineError) *PipelineError {
	if cause != nil {
		e.Causes = append(e.Causes, cause)
	}
	return e
}

// NewValidationError creates a fatal validation error.
func NewValidationError(message string, err error) *PipelineError {
	return &PipelineError{Class: FailureClassValidation, Message: message, Err: err}
}

// NewCommandFailure creates a local command failure.
func NewCommandFailure(message string, err error) *PipelineError {
	return &PipelineError{Class: FailureClassCommand, Message: message, Err: err, Severity: SeverityHard}
}

// NewBehaviorFailure creates a behavior failure aggregating command failures.
func NewBehaviorFailure(message string, err error) *PipelineError {
	return &PipelineError{Class: FailureClassBehavior, Message: message, Err: err}
}

// NewAggregatorFailure creates an aggregator failure aggregating behavior failures.
func NewAggregatorFailure(message string, err error) *PipelineError {
	return &PipelineError{Class: FailureClassAggregator, Message: message, Err: err}
}

// NewTimeoutFailure creates a timeout outcome for a step.
func NewTimeoutFailure(message string, err error) *PipelineError {
	return &PipelineError{Class: FailureClassTimeout, Message: message, Err: err, Code: ErrCodeTimeout}
}

// NewCancelledOutcome creates a cancellation outcome, distinct from failure.
func NewCancelledOutcome(message string, err error) *PipelineError {
	return &PipelineError{Class: FailureClassCancelled, Message: message, Err: err, Code: ErrCodeCancelled}
}

// NewInternalError creates an internal engine error.
func NewInternalError(message string, err error) *PipelineError {
	return &PipelineError{Class: FailureClassInternal, Message: message, Err: err, Code: ErrCodeInternal}
}

// IsValidationError returns true if the error is a fatal validation error.
func IsValidationError(err error) bool {
	return hasClass(err, FailureClassValidation)
}

// IsTimeout returns true if the error is a timeout outcome.
func IsTimeout(err error) bool {
	return hasClass(err, FailureClassTimeout)
}

// IsCancelled returns true if the error is a cancellation outcome.
func IsCancelled(err error) bool {
	return hasClass(err, FailureClassCancelled)
}

// IsRetryable returns true if the error can be retried under a retry policy.
// Command failures and timeouts are retryable; validation errors,
// cancellations, and internal errors are not.
func IsRetryable(err error) bool {
	return hasClass(err, FailureClassCommand) || hasClass(err, FailureClassTimeout)
}

func hasClass(err error, class FailureClass) bool {
	var e *PipelineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// ValidationWarning is a non-fatal validation finding. Warnings are logged
// and reported but never block execution.
type ValidationWarning struct {
	// Code identifies the warning kind.
	Code string `json:"code"`

	// Message is the human-readable warning message.
	Message string `json:"message"`

	// Step is the step ID the warning refers to, if applicable.
	Step string `json:"step,omitempty"`
}

func (w ValidationWarning) String() string {
	if w.Step != "" {
		return fmt.Sprintf("[%s] %s (step=%s)", w.Code, w.Message, w.Step)
	}
	return fmt.Sprintf("[%s] %s", w.Code, w.Message)
}

// Common error and warning codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeCyclicDependency  = "CYCLIC_DEPENDENCY"
	ErrCodeUnresolvedTarget  = "UNRESOLVED_TARGET"
	ErrCodeDuplicateID       = "DUPLICATE_ID"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeDependencyFailed  = "DEPENDENCY_FAILED"
	ErrCodeResourceExhausted = "RESOURCE_EXHAUSTED"
	ErrCodeCompositionLocked = "COMPOSITION_LOCKED"

	WarnCodeMissingEstimate    = "MISSING_DURATION_ESTIMATE"
	WarnCodeResourceOvercommit = "RESOURCE_OVERCOMMIT"
)

// IsResourceExhausted returns true if the error reports that the external
// resource budget has no headroom for the request.
func IsResourceExhausted(err error) bool {
	var e *PipelineError
	if errors.As(err, &e) {
		return e.Code == ErrCodeResourceExhausted
	}
	return false
}

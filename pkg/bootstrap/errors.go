package bootstrap

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrorKind classifies control-plane and orchestration failures. Retry and
// rollback decisions are driven by the kind, never by message text.
type ErrorKind string

const (
	// KindAlreadyExists means the resource was already present. Provisioners
	// treat it as the adopt-or-diff path, not as a failure.
	KindAlreadyExists ErrorKind = "already_exists"
	// KindNotFound means the addressed resource does not exist.
	KindNotFound ErrorKind = "not_found"
	// KindConflicting means a resource exists that this orchestrator does not own.
	KindConflicting ErrorKind = "conflicting"
	// KindManualIntervention means an operator has to resolve the state by hand.
	KindManualIntervention ErrorKind = "manual_intervention_required"
	// KindAccessDenied means the caller lacks permission for the action.
	KindAccessDenied ErrorKind = "access_denied"
	// KindTransient covers throttling, timeouts and service unavailability.
	KindTransient ErrorKind = "transient_unavailable"
	// KindDependencyNotReady means a precondition of the action has not settled yet.
	KindDependencyNotReady ErrorKind = "dependency_not_ready"
	// KindPartialFailure means some independent resources failed while others succeeded.
	KindPartialFailure ErrorKind = "partial_failure"
	// KindValidation means the input or configuration is invalid.
	KindValidation ErrorKind = "validation"
	// KindLocked means another run holds the environment's advisory lock.
	KindLocked ErrorKind = "locked"
	// KindCancelled means the run stopped because its context was cancelled.
	KindCancelled ErrorKind = "cancelled"
	// KindInternal is everything else.
	KindInternal ErrorKind = "internal"
)

// Retryable reports whether the orchestrator retries errors of this kind.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindDependencyNotReady
}

// Error is the structured error returned by every control-plane wrapper.
type Error struct {
	// Kind classifies the failure.
	Kind ErrorKind

	// Message is a human-readable description.
	Message string

	// Action is the control-plane action that failed, e.g. "iam:CreateRole".
	Action string

	// ResourceKind is the kind of resource involved.
	ResourceKind ResourceKind

	// Resource is the name or ARN of the resource involved.
	Resource string

	// Cause is the underlying error.
	Cause error

	// RetrySafe tells the operator whether re-running the command is safe.
	RetrySafe bool

	// Compensation holds failures of compensating actions attempted after
	// the primary failure.
	Compensation []error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Message)
	if e.Resource != "" {
		fmt.Fprintf(&b, " (%s %s)", e.ResourceKind, e.Resource)
	}
	if e.Action != "" {
		fmt.Fprintf(&b, " during %s", e.Action)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	for _, c := range e.Compensation {
		fmt.Fprintf(&b, "; compensation failed: %v", c)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// NewError creates a new Error. The retry-safe flag defaults to the kind's
// retryability.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		RetrySafe: kind.Retryable() || kind == KindAlreadyExists,
	}
}

// Errorf creates a new Error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return NewError(kind, fmt.Sprintf(format, args...))
}

// WithAction sets the failing control-plane action.
func (e *Error) WithAction(action string) *Error {
	e.Action = action
	return e
}

// WithResource sets the resource kind and identifier.
func (e *Error) WithResource(kind ResourceKind, id string) *Error {
	e.ResourceKind = kind
	e.Resource = id
	return e
}

// WithCause sets the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithRetrySafe overrides the retry-safe flag.
func (e *Error) WithRetrySafe(safe bool) *Error {
	e.RetrySafe = safe
	return e
}

// ErrConflicting creates a conflicting-resource error.
func ErrConflicting(kind ResourceKind, id, reason string) *Error {
	return NewError(KindConflicting, reason).WithResource(kind, id)
}

// ErrValidation creates a validation error.
func ErrValidation(message string) *Error {
	return NewError(KindValidation, message)
}

// ErrInternal creates an internal error.
func ErrInternal(message string) *Error {
	return NewError(KindInternal, message)
}

// KindOf extracts the kind of err. Context cancellation maps to
// KindCancelled; anything unclassified is KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var te *TeardownError
	if errors.As(err, &te) {
		return te.Kind()
	}
	if isContextError(err) {
		return KindCancelled
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}

// RetrySafe reports whether a re-run after err is safe. Unclassified errors are
// assumed unsafe.
func RetrySafe(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.RetrySafe
	}
	var te *TeardownError
	if errors.As(err, &te) {
		return te.RetrySafe()
	}
	return isContextError(err)
}

// withCompensation attaches the failures of compensating actions to primary
// as secondary errors. The primary error keeps its kind. A failed
// compensation leaves state behind, so the result is never retry-safe.
func withCompensation(primary error, compensation []error) error {
	if len(compensation) == 0 {
		return primary
	}
	var e *Error
	if errors.As(primary, &e) {
		e.RetrySafe = false
		e.Compensation = append(e.Compensation, compensation...)
	}
	for _, c := range compensation {
		primary = errors.WithSecondaryError(primary, c)
	}
	return primary
}

// SecondaryErrors returns the compensation failures attached to err.
func SecondaryErrors(err error) []error {
	var e *Error
	if errors.As(err, &e) {
		return e.Compensation
	}
	return nil
}

// ResourceOutcome records what happened to a single resource during teardown.
type ResourceOutcome struct {
	Resource Resource       `json:"resource"`
	Final    LifecycleState `json:"final_state"`
	Steps    []string       `json:"steps,omitempty"`
	// Retained is set for shared resources deliberately left in place, such
	// as a trust provider still trusted by another environment's roles.
	Retained bool      `json:"retained,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Err      error     `json:"-"`
	Error    string    `json:"error,omitempty"`
	Kind     ErrorKind `json:"error_kind,omitempty"`
}

// remaining reports whether the outcome counts against teardown completeness.
func (o ResourceOutcome) remaining() bool {
	return o.Final != StateAbsent && !o.Retained
}

// TeardownError reports a teardown in which at least one resource did not
// reach Absent. It always carries the per-resource outcomes.
type TeardownError struct {
	Environment string
	Outcomes    []ResourceOutcome
}

// Error implements the error interface.
func (e *TeardownError) Error() string {
	var failed []string
	for _, o := range e.Outcomes {
		if !o.remaining() {
			continue
		}
		line := fmt.Sprintf("%s %s: %s", o.Resource.Kind, o.Resource.Name, o.Final)
		if o.Error != "" {
			line += " (" + o.Error + ")"
		}
		failed = append(failed, line)
	}
	return fmt.Sprintf("teardown of %s incomplete, %d resource(s) remain: %s",
		e.Environment, len(failed), strings.Join(failed, "; "))
}

// Kind returns Conflicting when the only survivors are conflicting
// resources, PartialFailure otherwise.
func (e *TeardownError) Kind() ErrorKind {
	for _, o := range e.Outcomes {
		if o.remaining() && o.Final != StateConflicting {
			return KindPartialFailure
		}
	}
	return KindConflicting
}

// RetrySafe is true when every surviving resource failed with a retryable
// kind, was blocked by one, or was interrupted by cancellation.
func (e *TeardownError) RetrySafe() bool {
	for _, o := range e.Outcomes {
		if !o.remaining() {
			continue
		}
		if o.Final == StateConflicting {
			return false
		}
		if o.Kind != "" && !o.Kind.Retryable() && o.Kind != KindCancelled {
			return false
		}
	}
	return true
}

// teardownFailure returns a *TeardownError when any outcome remains.
func teardownFailure(env string, outcomes []ResourceOutcome) error {
	for _, o := range outcomes {
		if o.remaining() {
			return &TeardownError{Environment: env, Outcomes: outcomes}
		}
	}
	return nil
}

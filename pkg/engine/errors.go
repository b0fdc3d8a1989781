package engine

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// ErrorClass tells the caller whether repeating a request can help.
type ErrorClass string

const (
	// ErrorClassTransient is a failure a later run may not see, such as a
	// 5xx from ARM or an expired long-running operation.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled is a rate limit or quota response.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict is a concurrent modification of the same resource.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent is a request that fails the same way every time.
	ErrorClassPermanent ErrorClass = "permanent"
)

// retryable lists the classes a re-run may clear.
var retryable = map[ErrorClass]bool{
	ErrorClassTransient: true,
	ErrorClassThrottled: true,
	ErrorClassConflict:  true,
}

// EngineError is a classified failure of a request, an invoke or a run.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`

	// Code is one of the ErrCode constants.
	Code string `json:"code,omitempty"`

	// Resource is the URN of the resource the failure belongs to.
	Resource string `json:"resource,omitempty"`

	// Operation is the provider call that failed (apply, read, invoke, build).
	Operation string `json:"operation,omitempty"`

	Err     error                  `json:"-"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error renders "[class/code] message (resource, operation): cause".
func (e *EngineError) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Class))
	if e.Code != "" {
		b.WriteString("/")
		b.WriteString(e.Code)
	}
	b.WriteString("] ")
	b.WriteString(e.Message)

	var where []string
	if e.Resource != "" {
		where = append(where, e.Resource)
	}
	if e.Operation != "" {
		where = append(where, e.Operation)
	}
	if len(where) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(where, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the provider error or upstream failure.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches another EngineError with the same class and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newEngineError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return newEngineError(ErrorClassTransient, message, err)
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return newEngineError(ErrorClassThrottled, message, err)
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return newEngineError(ErrorClassConflict, message, err)
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return newEngineError(ErrorClassPermanent, message, err)
}

// WithResource sets the URN of the failing resource.
func (e *EngineError) WithResource(urn string) *EngineError {
	e.Resource = urn
	return e
}

// WithOperation sets the failing provider call.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode sets the error code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail attaches a value that is published with the failure event.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the outermost EngineError in err's chain,
// or "" when there is none.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsTransient reports whether err is classified transient.
func IsTransient(err error) bool { return ClassOf(err) == ErrorClassTransient }

// IsThrottled reports whether err is classified throttled.
func IsThrottled(err error) bool { return ClassOf(err) == ErrorClassThrottled }

// IsConflict reports whether err is classified as a conflict.
func IsConflict(err error) bool { return ClassOf(err) == ErrorClassConflict }

// IsPermanent reports whether err is classified permanent.
func IsPermanent(err error) bool { return ClassOf(err) == ErrorClassPermanent }

// IsRetryable reports whether re-running the deployment may clear err.
// Nothing retries inside a run.
func IsRetryable(err error) bool {
	return retryable[ClassOf(err)]
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeProviderFailed   = "PROVIDER_FAILED"

	// ErrCodeRequestRejected marks a request the provider refused outright
	// (invalid parameters, quota, naming collision).
	ErrCodeRequestRejected = "REQUEST_REJECTED"

	// ErrCodeBuildFailed marks a failed image build or push.
	ErrCodeBuildFailed = "BUILD_FAILED"

	// ErrCodeDependencyUnresolved marks a request that was never submitted
	// because one of its inputs failed to resolve.
	ErrCodeDependencyUnresolved = "DEPENDENCY_UNRESOLVED"

	// ErrCodePartialDeployment marks a run where some resources were
	// provisioned and others failed.
	ErrCodePartialDeployment = "PARTIAL_DEPLOYMENT"

	// ErrCodeSecretsUnavailable marks a generated secret that was not
	// persisted and cannot be read back without issuing a new one.
	ErrCodeSecretsUnavailable = "SECRETS_UNAVAILABLE"
)

// NewRequestRejectedError creates a permanent error for a refused request.
func NewRequestRejectedError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeRequestRejected)
}

// NewBuildFailedError creates a permanent error for a failed image build.
func NewBuildFailedError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeBuildFailed)
}

// NewDependencyUnresolvedError wraps the upstream failure that kept a
// request from being submitted. The cause stays reachable via errors.Is.
func NewDependencyUnresolvedError(urn string, cause error) *EngineError {
	return NewPermanentError("dependency unresolved", cause).
		WithCode(ErrCodeDependencyUnresolved).
		WithResource(urn)
}

// NewSecretsUnavailableError reports that the recorded secret of urn is
// gone. Generating it again would rotate a live credential.
func NewSecretsUnavailableError(urn string) *EngineError {
	return NewPermanentError("recorded secret is unavailable and cannot be regenerated without rotating it", nil).
		WithCode(ErrCodeSecretsUnavailable).
		WithResource(urn).
		WithOperation(string(OperationRead))
}

// ErrorCode returns the code of the outermost EngineError in err's chain.
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsDependencyUnresolved reports whether err is a Dependency Unresolved error.
func IsDependencyUnresolved(err error) bool {
	return ErrorCode(err) == ErrCodeDependencyUnresolved
}

// ClassifyHTTPStatus maps a provider HTTP status code onto an EngineError.
func ClassifyHTTPStatus(status int, message string, err error) *EngineError {
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return NewRequestRejectedError(message, err).WithDetail("status", status)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewPermanentError(message, err).WithCode(ErrCodePermissionDenied).WithDetail("status", status)
	case status == http.StatusNotFound:
		return NewPermanentError(message, err).WithCode(ErrCodeNotFound).WithDetail("status", status)
	case status == http.StatusConflict:
		return NewConflictError(message, err).WithCode(ErrCodeConflict).WithDetail("status", status)
	case status == http.StatusTooManyRequests:
		return NewThrottledError(message, err).WithCode(ErrCodeRateLimited).WithDetail("status", status)
	case status >= 500:
		return NewTransientError(message, err).WithCode(ErrCodeProviderFailed).WithDetail("status", status)
	default:
		return NewRequestRejectedError(message, err).WithDetail("status", status)
	}
}

// ResourceFailure names a resource whose request failed or was never
// submitted.
type ResourceFailure struct {
	URN  string `json:"urn"`
	Kind string `json:"kind"`
	Name string `json:"name"`
	Code string `json:"code"`
	Err  error  `json:"-"`
}

// DeploymentError is returned when a deployment did not fully succeed. It
// lists every failed resource; resources that succeeded remain in place.
type DeploymentError struct {
	Status   RunStatus
	Failures []ResourceFailure
}

// Error implements the error interface.
func (e *DeploymentError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		names = append(names, fmt.Sprintf("%s (%s)", f.Name, f.Code))
	}
	sort.Strings(names)
	return fmt.Sprintf("deployment %s: %d resource(s) failed: %s",
		e.Status, len(e.Failures), strings.Join(names, ", "))
}

// Code returns PARTIAL_DEPLOYMENT when some resources succeeded.
func (e *DeploymentError) Code() string {
	if e.Status == RunStatusPartial {
		return ErrCodePartialDeployment
	}
	return ErrCodeProviderFailed
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (e *DeploymentError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}

// Failed returns the names of the failed resources, sorted.
func (e *DeploymentError) Failed() []string {
	names := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

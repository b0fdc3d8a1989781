package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of a deployment run.
type RunStatus string

const (
	// RunStatusPending indicates the run has been created but nothing was submitted.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates requests are being submitted.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every declared resource resolved.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates no resource succeeded and at least one failed.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled by the user.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusPartial indicates some resources succeeded while others failed.
	RunStatusPartial RunStatus = "partial"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusPartial
}

// IsActive returns true if the run is currently active (pending or running).
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled, RunStatusPartial:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// OperationType represents what the engine did (or will do) with a request.
type OperationType string

const (
	// OperationCreate indicates the resource had no recorded state.
	OperationCreate OperationType = "create"

	// OperationUpdate indicates the recorded inputs differ from the request.
	OperationUpdate OperationType = "update"

	// OperationNoop indicates the recorded inputs match; nothing is submitted.
	OperationNoop OperationType = "noop"

	// OperationRead indicates outputs were refreshed from the provider.
	OperationRead OperationType = "read"
)

// IsMutating returns true if the operation submits a request to a provider.
func (o OperationType) IsMutating() bool {
	return o == OperationCreate || o == OperationUpdate
}

// Validate checks if the operation type is valid.
func (o OperationType) Validate() error {
	switch o {
	case OperationCreate, OperationUpdate, OperationNoop, OperationRead:
		return nil
	default:
		return fmt.Errorf("invalid operation type: %s", o)
	}
}

// ResourceStatus represents the status of a registered resource within a run.
type ResourceStatus string

const (
	// ResourceStatusWaiting indicates the resource is waiting on its inputs.
	ResourceStatusWaiting ResourceStatus = "waiting"

	// ResourceStatusSubmitted indicates the request was handed to the provider.
	ResourceStatusSubmitted ResourceStatus = "submitted"

	// ResourceStatusReady indicates the resource resolved.
	ResourceStatusReady ResourceStatus = "ready"

	// ResourceStatusFailed indicates the provider rejected or failed the request.
	ResourceStatusFailed ResourceStatus = "failed"

	// ResourceStatusSkipped indicates the request was never submitted because
	// an input failed.
	ResourceStatusSkipped ResourceStatus = "skipped"
)

// IsTerminal returns true if the status represents a final state.
func (s ResourceStatus) IsTerminal() bool {
	return s == ResourceStatusReady || s == ResourceStatusFailed || s == ResourceStatusSkipped
}

// Validate checks if the resource status is valid.
func (s ResourceStatus) Validate() error {
	switch s {
	case ResourceStatusWaiting, ResourceStatusSubmitted, ResourceStatusReady,
		ResourceStatusFailed, ResourceStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid resource status: %s", s)
	}
}

// EventType represents the type of event in the deployment timeline.
type EventType string

const (
	// EventTypeRunStarted indicates a run has started.
	EventTypeRunStarted EventType = "run_started"

	// EventTypeRunCompleted indicates a run has completed.
	EventTypeRunCompleted EventType = "run_completed"

	// EventTypeRunFailed indicates a run ended failed or partial.
	EventTypeRunFailed EventType = "run_failed"

	// EventTypeResourceRegistered indicates a resource was declared.
	EventTypeResourceRegistered EventType = "resource_registered"

	// EventTypeResourceSubmitted indicates a request was submitted.
	EventTypeResourceSubmitted EventType = "resource_submitted"

	// EventTypeResourceReady indicates a resource resolved.
	EventTypeResourceReady EventType = "resource_ready"

	// EventTypeResourceFailed indicates a request failed.
	EventTypeResourceFailed EventType = "resource_failed"

	// EventTypeResourceSkipped indicates a request was never submitted.
	EventTypeResourceSkipped EventType = "resource_skipped"

	// EventTypeInvokeCompleted indicates a provider function call returned.
	EventTypeInvokeCompleted EventType = "invoke_completed"

	// EventTypePolicyViolation indicates a policy flagged a request.
	EventTypePolicyViolation EventType = "policy_violation"

	// EventTypeWarning indicates a warning was raised.
	EventTypeWarning EventType = "warning"

	// EventTypeInfo indicates informational event.
	EventTypeInfo EventType = "info"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypeResourceFailed:
		return "error"
	case EventTypeWarning, EventTypePolicyViolation, EventTypeResourceSkipped:
		return "warning"
	default:
		return "info"
	}
}

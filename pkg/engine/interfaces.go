package engine

import (
	"context"
	"io"
	"time"
)

// StateManager persists resource state, runs and events.
type StateManager interface {
	// GetResourceState returns the recorded state of a resource, or nil if
	// the resource has never been provisioned.
	GetResourceState(ctx context.Context, urn string) (*ResourceState, error)

	// SaveResourceState records the state of a resource. Implementations
	// must not store Secrets in plaintext.
	SaveResourceState(ctx context.Context, state *ResourceState) error

	// ListResourceStates lists all recorded resources of a stack.
	ListResourceStates(ctx context.Context, stack string) ([]ResourceState, error)

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// SaveRun persists a run.
	SaveRun(ctx context.Context, run *Run) error

	// AppendEvent appends an event to the event log.
	AppendEvent(ctx context.Context, event *Event) error

	// SaveOutputs records the stack outputs published by a run.
	SaveOutputs(ctx context.Context, runID string, outputs []StackOutput) error
}

// InputHashKeyer is implemented by state managers that supply the key for
// digests of requests carrying secret inputs. The key must be stable for the
// life of the state.
type InputHashKeyer interface {
	InputHashKey(ctx context.Context) ([]byte, error)
}

// PolicyEvaluator checks requests before they are submitted.
type PolicyEvaluator interface {
	// EvaluateRequest evaluates policies against a single resolved request.
	EvaluateRequest(ctx context.Context, req *Request) (*PolicyResult, error)
}

// PolicyResult represents the result of policy evaluation.
type PolicyResult struct {
	// Allowed indicates if the request may be submitted.
	Allowed bool `json:"allowed"`

	// Violations lists policy violations.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists policy warnings.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	// Policy is the policy name that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity (error, warning).
	Severity string `json:"severity"`

	// ResourceID is the URN of the offending resource.
	ResourceID string `json:"resource_id,omitempty"`
}

// EventPublisher publishes events to subscribers.
type EventPublisher interface {
	// Publish publishes an event.
	Publish(ctx context.Context, event *Event) error
}

// SecretTracker receives every secret value the engine resolves so that
// log output can be scrubbed.
type SecretTracker interface {
	Track(value string)
}

// BackupManager handles backup and restore of the state database.
type BackupManager interface {
	// Backup writes a snapshot of all state data.
	Backup(ctx context.Context, dest io.Writer) error

	// Restore replaces state data from a snapshot.
	Restore(ctx context.Context, src io.Reader) error
}

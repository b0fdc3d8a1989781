package policy

import (
	"time"

	"github.com/openfroyo/tstack/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that are reported but do not block.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block the request.
	SeverityError Severity = "error"
)

// Policy represents a policy rule with its Rego code. A policy module
// contributes "deny" rules, which block, and "warn" rules, which report.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`

	// LoadedAt is when the policy was loaded.
	LoadedAt time.Time `json:"loaded_at"`
}

// RequestInput is the document bound to "input" when a policy evaluates a
// provisioning request.
type RequestInput struct {
	// Request is the resolved request.
	Request *engine.Request `json:"request"`

	// Context carries run information.
	Context *PolicyContext `json:"context"`
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// Stack is the stack being deployed.
	Stack string `json:"stack,omitempty"`

	// Enforce reports whether warnings block.
	Enforce bool `json:"enforce"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// Report aggregates policy results over a set of requests.
type Report struct {
	// Allowed is false when any request was blocked.
	Allowed bool `json:"allowed"`

	// Violations lists every finding, blocking or not.
	Violations []engine.PolicyViolation `json:"violations,omitempty"`

	// Requests is the number of requests evaluated.
	Requests int `json:"requests"`

	// Blocked is the number of requests that would be rejected.
	Blocked int `json:"blocked"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ResourceKind is a provider token of the form "<package>:<module>:<Type>",
// e.g. "azure:dbformysql:Server". The package selects the provider.
type ResourceKind string

// Package returns the provider package of the kind.
func (k ResourceKind) Package() string {
	s := string(k)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return s
}

// Validate checks the kind has three non-empty segments.
func (k ResourceKind) Validate() error {
	parts := strings.Split(string(k), ":")
	if len(parts) != 3 {
		return fmt.Errorf("invalid resource kind %q: want <package>:<module>:<Type>", k)
	}
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("invalid resource kind %q: empty segment", k)
		}
	}
	return nil
}

// URN builds the stable identity of a resource within a stack.
func URN(stack string, kind ResourceKind, name string) string {
	return fmt.Sprintf("urn:%s:%s::%s", stack, kind, name)
}

// Properties is a resolved property bag. Values are JSON compatible:
// strings, numbers, booleans, nil, []any and map[string]any (or Properties).
type Properties map[string]any

// Get looks up a dotted path. Numeric segments index into lists, so
// "passwords.0.value" reads the first password.
func (p Properties) Get(path string) (any, bool) {
	var cur any = map[string]any(p)
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case Properties:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// String returns the value at path rendered as a string, or "" if absent.
func (p Properties) String(path string) string {
	v, ok := p.Get(path)
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprint(s)
	}
}

// Clone returns a deep copy through a JSON round trip.
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	var out Properties
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// Split separates the keys listed in secret from the rest.
func (p Properties) Split(secret []string) (plain, sealed Properties) {
	plain = Properties{}
	sealed = Properties{}
	isSecret := make(map[string]bool, len(secret))
	for _, k := range secret {
		isSecret[k] = true
	}
	for k, v := range p {
		if isSecret[k] {
			sealed[k] = v
		} else {
			plain[k] = v
		}
	}
	return plain, sealed
}

// Merge returns p with every key of other copied over it.
func (p Properties) Merge(other Properties) Properties {
	out := make(Properties, len(p)+len(other))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Keys returns the top-level keys in sorted order.
func (p Properties) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Request is an immutable description of a desired resource.
type Request struct {
	// URN is the stable identity of the resource in the stack.
	URN string `json:"urn"`

	// Kind is the provider token of the resource.
	Kind ResourceKind `json:"kind"`

	// Name is the logical name the resource was registered under.
	Name string `json:"name"`

	// Properties is the resolved property bag sent to the provider.
	Properties Properties `json:"properties"`

	// Secret is set when any input that produced Properties was secret.
	Secret bool `json:"secret"`

	// DependsOn lists the URNs this request waited on.
	DependsOn []string `json:"depends_on,omitempty"`
}

// ResourceState is the recorded result of a resource. Outputs holds plain
// values; Secrets holds the output keys that must never be stored in
// plaintext.
type ResourceState struct {
	URN       string        `json:"urn"`
	Kind      ResourceKind  `json:"kind"`
	Name      string        `json:"name"`
	ID        string        `json:"id"`
	InputHash string        `json:"input_hash"`
	Outputs   Properties    `json:"outputs"`
	Secrets   Properties    `json:"-"`
	Operation OperationType `json:"operation"`
	RunID     string        `json:"run_id"`
	UpdatedAt time.Time     `json:"updated_at"`

	// SecretsUnavailable is set by a store that could not unseal Secrets,
	// for example because no passphrase was configured.
	SecretsUnavailable bool `json:"-"`
}

// AllOutputs returns Outputs and Secrets merged together.
func (s *ResourceState) AllOutputs() Properties {
	return s.Outputs.Merge(s.Secrets)
}

// SecretKeys returns the keys held in Secrets.
func (s *ResourceState) SecretKeys() []string {
	return s.Secrets.Keys()
}

// Run represents one execution of a stack.
type Run struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`

	// Stack is the name of the stack being deployed.
	Stack string `json:"stack"`

	// Status is the current status of the run.
	Status RunStatus `json:"status"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run completed.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Duration is the total duration of the run.
	Duration time.Duration `json:"duration"`

	// Summary contains statistics about the run.
	Summary RunSummary `json:"summary"`

	// Error is the run level error, if any.
	Error string `json:"error,omitempty"`
}

// RunSummary contains statistics about a run.
type RunSummary struct {
	// Total is the number of registered resources.
	Total int `json:"total"`

	// Created is the number of resources created.
	Created int `json:"created"`

	// Updated is the number of resources updated in place.
	Updated int `json:"updated"`

	// Unchanged is the number of resources whose recorded inputs matched.
	Unchanged int `json:"unchanged"`

	// Failed is the number of requests that failed.
	Failed int `json:"failed"`

	// Skipped is the number of requests never submitted.
	Skipped int `json:"skipped"`

	// Invokes is the number of provider function calls.
	Invokes int `json:"invokes"`

	// Submitted is the number of requests that reached a provider's Apply.
	Submitted int `json:"submitted"`
}

// Succeeded returns the number of resources that resolved.
func (s RunSummary) Succeeded() int {
	return s.Created + s.Updated + s.Unchanged
}

// Status derives the final run status from the counts.
func (s RunSummary) Status() RunStatus {
	switch {
	case s.Failed == 0 && s.Skipped == 0:
		return RunStatusSucceeded
	case s.Succeeded() > 0:
		return RunStatusPartial
	default:
		return RunStatusFailed
	}
}

// Event represents an entry in the deployment timeline.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the event type.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the run this event belongs to.
	RunID string `json:"run_id"`

	// URN is the resource this event concerns, if any.
	URN string `json:"urn,omitempty"`

	// Message is a human-readable message.
	Message string `json:"message"`

	// Level is the severity level (info, warning, error).
	Level string `json:"level"`

	// Details contains additional event data. Secret values never appear here.
	Details map[string]interface{} `json:"details,omitempty"`
}

// StackOutput is a value published at the process boundary.
type StackOutput struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Secret bool   `json:"secret"`
}

// GraphNode is a registered resource in the dependency graph.
type GraphNode struct {
	// URN identifies the resource.
	URN string `json:"urn"`

	// Kind and Name describe the resource.
	Kind ResourceKind `json:"kind"`
	Name string       `json:"name"`

	// Level is the topological level; nodes at the same level are independent.
	Level int `json:"level"`

	// Dependencies lists URNs this node waits on.
	Dependencies []string `json:"dependencies"`

	// Dependents lists URNs waiting on this node.
	Dependents []string `json:"dependents"`

	// Operation is the planned operation, filled in by preview.
	Operation OperationType `json:"operation,omitempty"`
}

// GraphEdge is a dependency between two resources.
type GraphEdge struct {
	From string         `json:"from"`
	To   string         `json:"to"`
	Type DependencyType `json:"type"`
}

// DependencyType distinguishes edges derived from consumed outputs from
// explicitly declared ordering edges.
type DependencyType string

const (
	// DependencyData is an edge created by consuming another resource's output.
	DependencyData DependencyType = "data"

	// DependencyOrder is an explicit DependsOn edge.
	DependencyOrder DependencyType = "order"
)

// ExecutionGraph is the static dependency graph of a deployment.
type ExecutionGraph struct {
	// Nodes maps URNs to graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Edges lists all dependency edges.
	Edges []GraphEdge `json:"edges"`

	// Roots lists URNs with no dependencies.
	Roots []string `json:"roots"`

	// Depth is the number of levels.
	Depth int `json:"depth"`
}

// Level returns the URNs at a given level, sorted.
func (g *ExecutionGraph) Level(level int) []string {
	var urns []string
	for urn, n := range g.Nodes {
		if n.Level == level {
			urns = append(urns, urn)
		}
	}
	sort.Strings(urns)
	return urns
}

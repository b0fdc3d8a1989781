package engine

import (
	"fmt"
	"sort"
	"strings"
)

// NodeSpec describes a registered resource for graph construction.
type NodeSpec struct {
	URN       string
	Kind      ResourceKind
	Name      string
	DataDeps  []string
	OrderDeps []string
	Operation OperationType
}

// DAGBuilder builds a directed acyclic graph from registered resources.
// The deployment itself never walks the graph level by level (requests are
// released by output resolution), but the graph is what preview prints and
// what cycle and dangling-reference checks run on.
type DAGBuilder struct {
	// nodes maps URNs to their specs
	nodes map[string]*NodeSpec

	// adjacencyList maps URNs to their dependents
	adjacencyList map[string][]string

	// reverseAdjacencyList maps URNs to their dependencies
	reverseAdjacencyList map[string][]string

	// edgeTypes records the type of each from->to edge
	edgeTypes map[string]DependencyType

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// levels maps execution level to URNs at that level
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		nodes:                make(map[string]*NodeSpec),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		edgeTypes:            make(map[string]DependencyType),
		inDegree:             make(map[string]int),
		levels:               make([][]string, 0),
	}
}

// BuildGraph constructs an execution graph from node specs.
// It validates dependencies, detects cycles, and computes levels.
func (b *DAGBuilder) BuildGraph(specs []NodeSpec) (*ExecutionGraph, error) {
	if len(specs) == 0 {
		return &ExecutionGraph{
			Nodes: make(map[string]*GraphNode),
			Edges: make([]GraphEdge, 0),
			Roots: make([]string, 0),
			Depth: 0,
		}, nil
	}

	if err := b.initialize(specs); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildExecutionGraph(), nil
}

func edgeKey(from, to string) string {
	return from + "\x00" + to
}

// initialize sets up the internal data structures from node specs.
func (b *DAGBuilder) initialize(specs []NodeSpec) error {
	for i := range specs {
		spec := &specs[i]
		if spec.URN == "" {
			return NewPermanentError("resource has empty URN", nil).
				WithCode(ErrCodeValidation)
		}

		if _, exists := b.nodes[spec.URN]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate resource: %s", spec.URN), nil).
				WithCode(ErrCodeAlreadyExists)
		}

		b.nodes[spec.URN] = spec
		b.adjacencyList[spec.URN] = make([]string, 0)
		b.reverseAdjacencyList[spec.URN] = make([]string, 0)
		b.inDegree[spec.URN] = 0
	}

	for i := range specs {
		spec := &specs[i]
		add := func(target string, typ DependencyType) error {
			if _, exists := b.nodes[target]; !exists {
				return NewPermanentError(
					fmt.Sprintf("resource %s depends on unregistered resource %s", spec.URN, target),
					nil,
				).WithCode(ErrCodeValidation).WithResource(spec.URN)
			}
			key := edgeKey(target, spec.URN)
			if _, seen := b.edgeTypes[key]; seen {
				return nil
			}
			b.edgeTypes[key] = typ
			b.adjacencyList[target] = append(b.adjacencyList[target], spec.URN)
			b.reverseAdjacencyList[spec.URN] = append(b.reverseAdjacencyList[spec.URN], target)
			b.inDegree[spec.URN]++
			return nil
		}
		for _, dep := range spec.DataDeps {
			if err := add(dep, DependencyData); err != nil {
				return err
			}
		}
		for _, dep := range spec.OrderDeps {
			if err := add(dep, DependencyOrder); err != nil {
				return err
			}
		}
	}

	return nil
}

// detectCycles walks the graph depth first with white/grey/black marking
// and reports the first cycle found, in URN order.
func (b *DAGBuilder) detectCycles() error {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(b.nodes))

	type frame struct {
		urn  string
		next int
	}

	for _, root := range b.sortedURNs() {
		if color[root] != white {
			continue
		}
		stack := []frame{{urn: root}}
		color[root] = grey

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			dependents := b.adjacencyList[top.urn]
			if top.next == len(dependents) {
				color[top.urn] = black
				stack = stack[:len(stack)-1]
				continue
			}
			dep := dependents[top.next]
			top.next++

			switch color[dep] {
			case white:
				color[dep] = grey
				stack = append(stack, frame{urn: dep})
			case grey:
				cycle := []string{dep}
				for i := len(stack) - 1; i >= 0 && stack[i].urn != dep; i-- {
					cycle = append(cycle, stack[i].urn)
				}
				cycle = append(cycle, dep)
				for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
					cycle[i], cycle[j] = cycle[j], cycle[i]
				}
				return NewPermanentError(
					"circular dependency detected: "+strings.Join(cycle, " -> "), nil,
				).WithCode(ErrCodeValidation)
			}
		}
	}
	return nil
}

// computeLevels places every resource one level below its deepest
// dependency. Resources on the same level have no path between them.
func (b *DAGBuilder) computeLevels() error {
	remaining := make(map[string]int, len(b.inDegree))
	level := make(map[string]int, len(b.nodes))
	var queue []string
	for _, urn := range b.sortedURNs() {
		remaining[urn] = b.inDegree[urn]
		if remaining[urn] == 0 {
			queue = append(queue, urn)
		}
	}
	if len(queue) == 0 {
		return NewPermanentError("every resource has a dependency", nil).WithCode(ErrCodeValidation)
	}

	placed := 0
	for len(queue) > 0 {
		urn := queue[0]
		queue = queue[1:]
		placed++

		for len(b.levels) <= level[urn] {
			b.levels = append(b.levels, nil)
		}
		b.levels[level[urn]] = append(b.levels[level[urn]], urn)

		for _, dep := range b.adjacencyList[urn] {
			if level[urn]+1 > level[dep] {
				level[dep] = level[urn] + 1
			}
			if remaining[dep]--; remaining[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if placed != len(b.nodes) {
		return NewPermanentError(fmt.Sprintf("%d resources unreachable from a root", len(b.nodes)-placed), nil).
			WithCode(ErrCodeInternal)
	}

	for _, urns := range b.levels {
		sort.Strings(urns)
	}
	return nil
}

func (b *DAGBuilder) buildExecutionGraph() *ExecutionGraph {
	graph := &ExecutionGraph{
		Nodes: make(map[string]*GraphNode, len(b.nodes)),
		Edges: make([]GraphEdge, 0),
		Roots: make([]string, 0),
		Depth: len(b.levels),
	}

	for level, urns := range b.levels {
		for _, urn := range urns {
			spec := b.nodes[urn]
			graph.Nodes[urn] = &GraphNode{
				URN:          urn,
				Kind:         spec.Kind,
				Name:         spec.Name,
				Level:        level,
				Dependencies: b.reverseAdjacencyList[urn],
				Dependents:   b.adjacencyList[urn],
				Operation:    spec.Operation,
			}
		}
	}
	if len(b.levels) > 0 {
		graph.Roots = append(graph.Roots, b.levels[0]...)
	}

	for _, to := range b.sortedURNs() {
		for _, from := range b.reverseAdjacencyList[to] {
			graph.Edges = append(graph.Edges, GraphEdge{From: from, To: to, Type: b.edgeTypes[edgeKey(from, to)]})
		}
	}
	return graph
}

// GetLevels returns the computed levels.
func (b *DAGBuilder) GetLevels() [][]string {
	return b.levels
}

// ToDOT renders the graph for Graphviz. Resources are boxed by provider
// package, ranked by level and filled by planned operation; order-only
// edges are dotted.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder
	sb.WriteString("digraph Deployment {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=\"filled,rounded\"];\n\n")

	byPackage := make(map[string][]string)
	for _, urn := range b.sortedURNs() {
		pkg := b.nodes[urn].Kind.Package()
		byPackage[pkg] = append(byPackage[pkg], urn)
	}
	packages := make([]string, 0, len(byPackage))
	for pkg := range byPackage {
		packages = append(packages, pkg)
	}
	sort.Strings(packages)

	for _, pkg := range packages {
		fmt.Fprintf(&sb, "  subgraph \"cluster_%s\" {\n", pkg)
		fmt.Fprintf(&sb, "    label=%q;\n    style=dashed;\n", pkg)
		for _, urn := range byPackage[pkg] {
			spec := b.nodes[urn]
			op := string(spec.Operation)
			if op == "" {
				op = "not submitted"
			}
			fmt.Fprintf(&sb, "    %q [label=\"%s\\n%s\\n%s\", fillcolor=%q];\n",
				urn, spec.Name, spec.Kind, op, operationColor(spec.Operation))
		}
		sb.WriteString("  }\n")
	}

	for _, urns := range b.levels {
		quoted := make([]string, len(urns))
		for i, urn := range urns {
			quoted[i] = fmt.Sprintf("%q", urn)
		}
		fmt.Fprintf(&sb, "  { rank=same; %s; }\n", strings.Join(quoted, "; "))
	}
	sb.WriteString("\n")

	for _, to := range b.sortedURNs() {
		for _, from := range b.reverseAdjacencyList[to] {
			fmt.Fprintf(&sb, "  %q -> %q [%s];\n", from, to, edgeStyle(b.edgeTypes[edgeKey(from, to)]))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func (b *DAGBuilder) sortedURNs() []string {
	urns := make([]string, 0, len(b.nodes))
	for urn := range b.nodes {
		urns = append(urns, urn)
	}
	sort.Strings(urns)
	return urns
}

func operationColor(op OperationType) string {
	switch op {
	case OperationCreate:
		return "lightgreen"
	case OperationUpdate:
		return "lightblue"
	case OperationNoop, OperationRead:
		return "lightgray"
	default:
		return "mistyrose"
	}
}

func edgeStyle(t DependencyType) string {
	if t == DependencyOrder {
		return "style=dotted, color=gray"
	}
	return "style=solid, color=black"
}

// ValidateGraph performs additional validation on the built graph.
func (b *DAGBuilder) ValidateGraph(graph *ExecutionGraph) error {
	if len(graph.Nodes) != len(b.nodes) {
		return NewPermanentError("graph node count mismatch", nil).
			WithCode(ErrCodeInternal)
	}

	for _, edge := range graph.Edges {
		if _, exists := graph.Nodes[edge.From]; !exists {
			return NewPermanentError(fmt.Sprintf("edge references non-existent node: %s", edge.From), nil).
				WithCode(ErrCodeInternal)
		}
		if _, exists := graph.Nodes[edge.To]; !exists {
			return NewPermanentError(fmt.Sprintf("edge references non-existent node: %s", edge.To), nil).
				WithCode(ErrCodeInternal)
		}
	}

	for _, rootID := range graph.Roots {
		node := graph.Nodes[rootID]
		if len(node.Dependencies) > 0 {
			return NewPermanentError(fmt.Sprintf("root node %s has dependencies", rootID), nil).
				WithCode(ErrCodeInternal)
		}
	}

	return nil
}

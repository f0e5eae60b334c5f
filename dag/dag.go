// Package dag implements the DAG component (spec §4.1): building a graph
// from a stage list, validating it for cycles and missing dependencies,
// and computing ready sets during execution. Cycle detection follows the
// spec's three-color DFS; find_ready and the parent/children bookkeeping
// are grounded on the Kahn's-algorithm worker-pool dispatcher in the
// other_examples DAG engine (dag_engine.go's buildDAG/executeDAG shape),
// adapted here to the spec's pull-based find_ready contract rather than
// that engine's push-based channel dispatch.
package dag

import (
	"fmt"

	"github.com/flowstack/agentgraph/agenterrors"
	"github.com/flowstack/agentgraph/spec"
)

// Node is one stage's graph-local bookkeeping: its declared dependencies
// and the stages that depend on it.
type Node struct {
	Name      string
	DependsOn []string
	Children  []string
	order     int // declaration order, for stable tie-breaking
}

// DAG is the built, validated graph over a stage list.
type DAG struct {
	Nodes   map[string]*Node
	Order   []string // stage names in declaration order
}

// Build constructs a DAG from stages without validating it. Validate
// must be called separately (spec §4.1 keeps build/validate distinct
// operations).
func Build(stages []spec.StageSpec) *DAG {
	d := &DAG{
		Nodes: make(map[string]*Node, len(stages)),
		Order: make([]string, 0, len(stages)),
	}
	for i, s := range stages {
		d.Nodes[s.Name] = &Node{Name: s.Name, DependsOn: append([]string(nil), s.DependsOn...), order: i}
		d.Order = append(d.Order, s.Name)
	}
	for _, s := range stages {
		for _, dep := range s.DependsOn {
			if parent, ok := d.Nodes[dep]; ok {
				parent.Children = append(parent.Children, s.Name)
			}
		}
	}
	return d
}

const (
	colorWhite = 0
	colorGray  = 1
	colorBlack = 2
)

// Validate checks for missing dependencies and cycles. A missing
// dependency is detected first (cheaper, and a more specific error);
// cycle detection uses three-color DFS per spec §4.1.
func Validate(d *DAG) error {
	if len(d.Nodes) == 0 {
		return agenterrors.ExecutionError("", "agent spec declares no stages", nil)
	}
	for name, n := range d.Nodes {
		for _, dep := range n.DependsOn {
			if _, ok := d.Nodes[dep]; !ok {
				return agenterrors.ExecutionError(name, fmt.Sprintf("missing dependency %q", dep), nil)
			}
		}
	}

	color := make(map[string]int, len(d.Nodes))
	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case colorGray:
			return agenterrors.ExecutionError(name, "cycle detected in stage graph", nil)
		case colorBlack:
			return nil
		}
		color[name] = colorGray
		for _, dep := range d.Nodes[name].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[name] = colorBlack
		return nil
	}
	for _, name := range d.Order {
		if color[name] == colorWhite {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// FindReady returns the stages whose DependsOn is a subset of completed
// and which are not themselves in completed, in declaration order
// (stable tie-break per spec §4.1).
func FindReady(d *DAG, completed map[string]bool) []string {
	var ready []string
	for _, name := range d.Order {
		if completed[name] {
			continue
		}
		n := d.Nodes[name]
		allDepsDone := true
		for _, dep := range n.DependsOn {
			if !completed[dep] {
				allDepsDone = false
				break
			}
		}
		if allDepsDone {
			ready = append(ready, name)
		}
	}
	return ready
}

// TopologicalOrder returns one valid topological ordering of the DAG's
// stages, using declaration order as the tie-break at every step —
// useful for deterministic tests and for sequential fallbacks.
func TopologicalOrder(d *DAG) []string {
	completed := make(map[string]bool, len(d.Nodes))
	var order []string
	for len(completed) < len(d.Nodes) {
		ready := FindReady(d, completed)
		if len(ready) == 0 {
			// Unreachable under a validated DAG; guards against infinite loop
			// if TopologicalOrder is called before Validate.
			break
		}
		for _, name := range ready {
			completed[name] = true
			order = append(order, name)
		}
	}
	return order
}

package plan

import (
	"errors"
	"fmt"
)

// ErrInvalidPlan is the sentinel error category for every static defect a
// Plan can have: cycles, dangling edges, duplicate IDs, and malformed
// control-flow configuration. Callers should use errors.Is(err,
// ErrInvalidPlan) to classify a Validate failure; the wrapped message gives
// the specific reason.
var ErrInvalidPlan = errors.New("invalid plan")

// Validate checks a Plan for the static invariants described in the data
// model: unique node IDs, edges (explicit and implicit via Inputs) that
// only reference existing nodes, an acyclic graph, and well-formed
// control-flow blocks. It performs no I/O and has no side effects.
func Validate(p *Plan) error {
	if p == nil {
		return fmt.Errorf("%w: nil plan", ErrInvalidPlan)
	}

	ids := make(map[string]struct{}, len(p.Nodes))
	for _, n := range p.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: node with empty id", ErrInvalidPlan)
		}
		if _, dup := ids[n.ID]; dup {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalidPlan, n.ID)
		}
		ids[n.ID] = struct{}{}
	}

	for _, e := range p.Edges {
		if _, ok := ids[e.From]; !ok {
			return fmt.Errorf("%w: edge references unknown node %q", ErrInvalidPlan, e.From)
		}
		if _, ok := ids[e.To]; !ok {
			return fmt.Errorf("%w: edge references unknown node %q", ErrInvalidPlan, e.To)
		}
	}

	for _, n := range p.Nodes {
		for _, in := range n.Inputs {
			if _, ok := ids[in]; !ok {
				return fmt.Errorf("%w: node %q depends on unknown node %q", ErrInvalidPlan, n.ID, in)
			}
		}
		if err := validateControlFlow(p, n, ids); err != nil {
			return err
		}
	}

	if err := validateForEachOwnership(p); err != nil {
		return err
	}

	if cyc, ok := findCycle(p); ok {
		return fmt.Errorf("%w: cycle detected through node %q", ErrInvalidPlan, cyc)
	}

	return nil
}

// validateForEachOwnership enforces that a for_each node's body nodes are
// driven exclusively by their owning for_each, never by the outer ready
// set: each body node id may belong to at most one for_each, and no
// EdgeSpec or NodeSpec.Inputs entry may reference a body node id in either
// direction. Without this, a body node would also satisfy the outer DAG's
// readiness test (zero remaining predecessors, pending status) and the
// scheduler would dispatch it a second time outside its iteration.
func validateForEachOwnership(p *Plan) error {
	owner := make(map[string]string, len(p.Nodes))
	for _, n := range p.Nodes {
		if n.ForEach == nil {
			continue
		}
		for _, b := range n.ForEach.Body {
			if existing, dup := owner[b]; dup {
				return fmt.Errorf("%w: node %q is claimed as a for_each body node by both %q and %q", ErrInvalidPlan, b, existing, n.ID)
			}
			owner[b] = n.ID
		}
	}
	if len(owner) == 0 {
		return nil
	}

	for _, e := range p.Edges {
		if o, ok := owner[e.To]; ok {
			return fmt.Errorf("%w: edge %s->%s targets for_each body node %q, which is driven exclusively by its owning for_each node %q", ErrInvalidPlan, e.From, e.To, e.To, o)
		}
		if o, ok := owner[e.From]; ok {
			return fmt.Errorf("%w: edge %s->%s originates from for_each body node %q, which is driven exclusively by its owning for_each node %q and never reports completion to the outer DAG", ErrInvalidPlan, e.From, e.To, e.From, o)
		}
	}
	for _, n := range p.Nodes {
		for _, in := range n.Inputs {
			if o, ok := owner[in]; ok {
				return fmt.Errorf("%w: node %q depends on for_each body node %q, which is driven exclusively by its owning for_each node %q and never reports completion to the outer DAG", ErrInvalidPlan, n.ID, in, o)
			}
		}
		if o, ok := owner[n.ID]; ok && len(n.Inputs) > 0 {
			return fmt.Errorf("%w: for_each body node %q declares outer Inputs %v, but it is driven exclusively by its owning for_each node %q, not the outer ready set", ErrInvalidPlan, n.ID, n.Inputs, o)
		}
	}
	return nil
}

func validateControlFlow(p *Plan, n NodeSpec, ids map[string]struct{}) error {
	blocks := 0
	if n.Conditional != nil {
		blocks++
	}
	if n.ForEach != nil {
		blocks++
	}
	if blocks > 1 {
		return fmt.Errorf("%w: node %q declares more than one control-flow block", ErrInvalidPlan, n.ID)
	}

	switch n.Type {
	case NodeTypeTask:
		if blocks != 0 {
			return fmt.Errorf("%w: task node %q must not declare a control-flow block", ErrInvalidPlan, n.ID)
		}
	case NodeTypeConditional:
		if n.Conditional == nil {
			return fmt.Errorf("%w: conditional node %q missing ConditionalConfig", ErrInvalidPlan, n.ID)
		}
		return validateConditional(n.ID, n.Conditional, ids)
	case NodeTypeForEach:
		if n.ForEach == nil {
			return fmt.Errorf("%w: for_each node %q missing ForEachConfig", ErrInvalidPlan, n.ID)
		}
		return validateForEach(p, n.ID, n.ForEach)
	case NodeTypeSubflow:
		return fmt.Errorf("%w: node %q has unsupported type %q (subflow is a future extension)", ErrInvalidPlan, n.ID, n.Type)
	default:
		return fmt.Errorf("%w: node %q has unknown type %q", ErrInvalidPlan, n.ID, n.Type)
	}
	return nil
}

func validateConditional(nodeID string, c *ConditionalConfig, ids map[string]struct{}) error {
	if c.Expression == "" {
		return fmt.Errorf("%w: conditional node %q has empty expression", ErrInvalidPlan, nodeID)
	}

	for label, branch := range c.Branches {
		for _, t := range branch.Targets {
			if _, ok := ids[t]; !ok {
				return fmt.Errorf("%w: conditional node %q branch %q targets unknown node %q", ErrInvalidPlan, nodeID, label, t)
			}
		}
	}

	switch c.Kind {
	case ConditionalIf:
		if _, ok := c.Branches["true"]; !ok {
			return fmt.Errorf("%w: if node %q missing branch \"true\"", ErrInvalidPlan, nodeID)
		}
		if _, ok := c.Branches["false"]; !ok {
			return fmt.Errorf("%w: if node %q missing branch \"false\"", ErrInvalidPlan, nodeID)
		}
	case ConditionalSwitch:
		if len(c.Branches) == 0 && c.Default == "" {
			return fmt.Errorf("%w: switch node %q has no branches and no default", ErrInvalidPlan, nodeID)
		}
	default:
		return fmt.Errorf("%w: conditional node %q has unknown kind %q", ErrInvalidPlan, nodeID, c.Kind)
	}
	return nil
}

func validateForEach(p *Plan, nodeID string, f *ForEachConfig) error {
	if f.Collection == "" {
		return fmt.Errorf("%w: for_each node %q has empty collection expression", ErrInvalidPlan, nodeID)
	}
	if f.MaxParallel < 0 {
		return fmt.Errorf("%w: for_each node %q has negative max_parallel", ErrInvalidPlan, nodeID)
	}
	if len(f.Body) == 0 {
		return fmt.Errorf("%w: for_each node %q has an empty body", ErrInvalidPlan, nodeID)
	}
	for _, b := range f.Body {
		bn, ok := p.NodeByID(b)
		if !ok {
			return fmt.Errorf("%w: for_each node %q body references unknown node %q", ErrInvalidPlan, nodeID, b)
		}
		if bn.Type != NodeTypeTask {
			return fmt.Errorf("%w: for_each node %q body node %q must be a task node (nested control-flow bodies are not supported)", ErrInvalidPlan, nodeID, b)
		}
	}
	return nil
}

// findCycle performs a depth-first search over the graph induced by
// EdgeSpec.From->To plus NodeSpec.Inputs (treated as predecessor->node
// edges), returning the first node found to participate in a cycle.
func findCycle(p *Plan) (string, bool) {
	adj := make(map[string][]string, len(p.Nodes))
	for _, e := range p.Edges {
		adj[e.From] = append(adj[e.From], e.To)
	}
	for _, n := range p.Nodes {
		for _, in := range n.Inputs {
			adj[in] = append(adj[in], n.ID)
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(p.Nodes))
	var stack []string

	var visit func(id string) (string, bool)
	visit = func(id string) (string, bool) {
		color[id] = gray
		stack = append(stack, id)
		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				return next, true
			case white:
				if cyc, found := visit(next); found {
					return cyc, true
				}
			}
		}
		color[id] = black
		stack = stack[:len(stack)-1]
		return "", false
	}

	for _, n := range p.Nodes {
		if color[n.ID] == white {
			if cyc, found := visit(n.ID); found {
				return cyc, true
			}
		}
	}
	return "", false
}

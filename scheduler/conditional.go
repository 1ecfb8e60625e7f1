package scheduler

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dagwright/flowengine/plan"
	"github.com/dagwright/flowengine/runtime"
)

// runConditional evaluates a NodeTypeConditional node: it selects exactly
// one branch, skips every node reachable only through the other branches,
// and then succeeds so the selected branch's targets unlock through the
// normal predecessor-count path.
func (s *Scheduler) runConditional(rc *runContext, nodeID string) {
	spec := rc.nodes[nodeID]
	cfg := spec.Conditional

	startedAt := time.Now()
	rc.setStatus(nodeID, runtime.NodeRunning)
	s.persistNodeState(rc, runtime.NodeState{NodeID: nodeID, Status: runtime.NodeRunning, StartedAt: &startedAt})
	s.appendEvent(rc.ctx, rc.runID, runtime.EventNodeStatus, nodeID, map[string]any{
		"runId": rc.runID, "nodeId": nodeID, "status": string(runtime.NodeRunning),
	})

	vars, err := buildEnv(rc.ctx, s.store, rc, nodeID, nil)
	if err != nil {
		s.failControlNode(rc, nodeID, startedAt, fmt.Errorf("%w: building environment: %v", ErrExpressionFailed, err))
		return
	}

	selected, result, err := s.selectBranch(rc, nodeID, cfg, vars)
	if err != nil {
		s.failControlNode(rc, nodeID, startedAt, err)
		return
	}

	s.appendEvent(rc.ctx, rc.runID, runtime.EventConditionEvaluated, nodeID, map[string]any{
		"expression": cfg.Expression, "result": result,
	})
	s.appendEvent(rc.ctx, rc.runID, runtime.EventBranchSelected, nodeID, map[string]any{
		"branch": selected, "expression": cfg.Expression,
	})

	finishedAt := time.Now()
	rc.setStatus(nodeID, runtime.NodeSucceeded)
	ec := 0
	s.persistNodeState(rc, runtime.NodeState{
		NodeID: nodeID, Status: runtime.NodeSucceeded, StartedAt: &startedAt, FinishedAt: &finishedAt, ExitCode: &ec,
	})
	s.appendEvent(rc.ctx, rc.runID, runtime.EventNodeStatus, nodeID, map[string]any{
		"runId": rc.runID, "nodeId": nodeID, "status": string(runtime.NodeSucceeded),
	})

	// Unlock every direct dependent (both the selected and non-selected
	// branch targets) before deciding which of them to skip: a target
	// reachable through more than one branch must only lose one
	// predecessor here, exactly like any other dependent.
	s.onNodeSucceeded(rc, nodeID)

	for label, branch := range cfg.Branches {
		if label == selected {
			continue
		}
		s.skipBranch(rc, nodeID, label, branch.Targets)
	}
}

// selectBranch evaluates cfg's expression and maps the result to a branch
// label, per ConditionalKind.
func (s *Scheduler) selectBranch(rc *runContext, nodeID string, cfg *plan.ConditionalConfig, vars map[string]any) (label string, result any, err error) {
	switch cfg.Kind {
	case plan.ConditionalIf:
		b, evalErr := s.eval.EvaluateBool(rc.ctx, cfg.Expression, vars)
		if evalErr != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrExpressionFailed, evalErr)
		}
		if b {
			return "true", b, nil
		}
		return "false", b, nil

	case plan.ConditionalSwitch:
		v, evalErr := s.eval.Evaluate(rc.ctx, cfg.Expression, vars)
		if evalErr != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrExpressionFailed, evalErr)
		}
		key := stringifyResult(v)
		if _, ok := cfg.Branches[key]; ok {
			return key, v, nil
		}
		if cfg.Default != "" {
			return cfg.Default, v, nil
		}
		return "", v, fmt.Errorf("%w: switch result %q on node %s matches no branch and no default", ErrExpressionFailed, key, nodeID)

	default:
		return "", nil, fmt.Errorf("%w: node %s has unknown conditional kind %q", ErrExpressionFailed, nodeID, cfg.Kind)
	}
}

// skipBranch marks the subgraph reachable from targets as skipped, but
// stops descending into any node whose remaining-predecessor count has
// not yet reached zero: that node is still reachable through a different,
// live predecessor (possibly the selected branch) and must not be skipped
// — it simply has one fewer predecessor left to wait for.
func (s *Scheduler) skipBranch(rc *runContext, conditionalID, branch string, targets []string) {
	queue := append([]string(nil), targets...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		if rc.status(id).Terminal() {
			continue
		}
		if rc.remaining(id) > 0 {
			continue
		}

		now := time.Now()
		rc.setStatus(id, runtime.NodeSkipped)
		_ = s.store.UpdateNodeState(rc.ctx, rc.runID, runtime.NodeState{NodeID: id, Status: runtime.NodeSkipped, FinishedAt: &now})
		s.appendEvent(rc.ctx, rc.runID, runtime.EventBranchSkipped, id, map[string]any{
			"conditional_node": conditionalID, "branch": branch,
		})
		s.appendEvent(rc.ctx, rc.runID, runtime.EventNodeStatus, id, map[string]any{
			"runId": rc.runID, "nodeId": id, "status": string(runtime.NodeSkipped),
		})

		for _, d := range rc.dependentsOf(id) {
			if rc.decrementPred(d) == 0 {
				queue = append(queue, d)
			}
		}
	}
}

// failControlNode marks a control-flow node failed with no retry: the
// expression is the only "work" it does, and a failed expression can
// never succeed by re-running it unchanged.
func (s *Scheduler) failControlNode(rc *runContext, nodeID string, startedAt time.Time, err error) {
	finishedAt := time.Now()
	rc.setStatus(nodeID, runtime.NodeFailed)
	s.persistNodeState(rc, runtime.NodeState{
		NodeID: nodeID, Status: runtime.NodeFailed, StartedAt: &startedAt, FinishedAt: &finishedAt, Error: err.Error(),
	})
	s.appendEvent(rc.ctx, rc.runID, runtime.EventNodeStatus, nodeID, map[string]any{
		"runId": rc.runID, "nodeId": nodeID, "status": string(runtime.NodeFailed), "reason": err.Error(),
	})
}

func stringifyResult(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

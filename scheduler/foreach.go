package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dagwright/flowengine/plan"
	"github.com/dagwright/flowengine/runtime"
)

// runForEach evaluates a NodeTypeForEach node's collection and executes its
// body subgraph once per item, bounded by MaxParallel. Body node
// executions still consume the scheduler's global parallelism budget (see
// execAttempt) but do not participate in the outer DAG's
// remaining-predecessor bookkeeping — they are scoped entirely to their
// iteration.
func (s *Scheduler) runForEach(rc *runContext, nodeID string) {
	spec := rc.nodes[nodeID]
	cfg := spec.ForEach

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

	items, err := s.eval.EvaluateSlice(rc.ctx, cfg.Collection, vars)
	if err != nil {
		s.failControlNode(rc, nodeID, startedAt, fmt.Errorf("%w: %v", ErrExpressionFailed, err))
		return
	}

	bound := cfg.MaxParallel
	if bound < 1 {
		bound = 1
	}
	s.appendEvent(rc.ctx, rc.runID, runtime.EventLoopStarted, nodeID, map[string]any{
		"collection": cfg.Collection, "item_count": len(items), "max_parallel": bound,
	})

	if len(items) == 0 {
		s.appendEvent(rc.ctx, rc.runID, runtime.EventLoopComplete, nodeID, map[string]any{
			"iterations": 0, "skipped": true,
		})
		s.succeedControlNode(rc, nodeID, startedAt)
		return
	}

	loopErr := s.runIterations(rc, nodeID, cfg, items, bound)

	s.appendEvent(rc.ctx, rc.runID, runtime.EventLoopComplete, nodeID, map[string]any{
		"iterations": len(items), "error": loopErr != nil,
	})
	if loopErr != nil {
		s.failControlNode(rc, nodeID, startedAt, loopErr)
		return
	}
	s.succeedControlNode(rc, nodeID, startedAt)
}

// runIterations executes every item's body subgraph, at most bound at a
// time. It stops issuing new iterations on the first body failure
// (fail-fast) but waits for iterations already in flight to finish before
// returning.
func (s *Scheduler) runIterations(rc *runContext, nodeID string, cfg *plan.ForEachConfig, items []any, bound int) error {
	sem := semaphore.NewWeighted(int64(bound))
	iterCtx, cancel := context.WithCancel(rc.ctx)
	defer cancel()

	var mu sync.Mutex
	var firstErr error
	var wg sync.WaitGroup

	for i, item := range items {
		if iterCtx.Err() != nil {
			break
		}
		if err := sem.Acquire(iterCtx, 1); err != nil {
			break
		}

		wg.Add(1)
		go func(index int, item any) {
			defer wg.Done()
			defer sem.Release(1)

			s.appendEvent(rc.ctx, rc.runID, runtime.EventLoopIteration, nodeID, map[string]any{
				"index": index, "item": item, "total": len(items),
			})

			if err := s.runIterationBody(rc, nodeID, cfg, index, item); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				mu.Unlock()
			}
		}(i, item)
	}

	wg.Wait()
	return firstErr
}

// runIterationBody executes cfg.Body's nodes in order for one iteration,
// binding the configured item/index variable names (and mirroring them to
// the driver as ITERATION_INDEX and LOOP_<var> environment variables for
// scalar values).
func (s *Scheduler) runIterationBody(rc *runContext, loopID string, cfg *plan.ForEachConfig, index int, item any) error {
	extraEnv := map[string]string{"ITERATION_INDEX": strconv.Itoa(index)}
	if scalar, ok := scalarEnvValue(item); ok && cfg.ItemVar != "" {
		extraEnv["LOOP_"+cfg.ItemVar] = scalar
	}
	if cfg.IndexVar != "" {
		extraEnv["LOOP_"+cfg.IndexVar] = strconv.Itoa(index)
	}

	for _, bodyID := range cfg.Body {
		if err := s.execTaskWithRetries(rc, bodyID, extraEnv); err != nil {
			return fmt.Errorf("for_each %s: iteration %d: %w", loopID, index, err)
		}
	}
	return nil
}

func scalarEnvValue(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), true
	default:
		return "", false
	}
}

// succeedControlNode marks a conditional or for-each node succeeded and
// unlocks its dependents, mirroring the generic task success path.
func (s *Scheduler) succeedControlNode(rc *runContext, nodeID string, startedAt time.Time) {
	finishedAt := time.Now()
	ec := 0
	rc.setStatus(nodeID, runtime.NodeSucceeded)
	s.persistNodeState(rc, runtime.NodeState{
		NodeID: nodeID, Status: runtime.NodeSucceeded, StartedAt: &startedAt, FinishedAt: &finishedAt, ExitCode: &ec,
	})
	s.appendEvent(rc.ctx, rc.runID, runtime.EventNodeStatus, nodeID, map[string]any{
		"runId": rc.runID, "nodeId": nodeID, "status": string(runtime.NodeSucceeded),
	})
	s.onNodeSucceeded(rc, nodeID)
}

package scheduler

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dagwright/flowengine/driver"
	"github.com/dagwright/flowengine/plan"
	"github.com/dagwright/flowengine/runtime"
)

const maxBackoff = 60 * time.Second

// execTaskWithRetries runs a single task node to completion, including its
// full retry loop, and reports the final outcome. extraEnv is merged into
// the node's own Env for every attempt — for-each iterations use it to
// surface loop variables; a top-level dispatch passes nil.
//
// The same goroutine owns every attempt: it stays in rc.active for the
// node's entire retry lifetime, so the main loop never re-dispatches a
// node that is merely sleeping through backoff.
func (s *Scheduler) execTaskWithRetries(rc *runContext, nodeID string, extraEnv map[string]string) error {
	spec := rc.nodes[nodeID]
	attempts := 0

	for {
		attempts++
		startedAt := time.Now()
		rc.setStatus(nodeID, runtime.NodeRunning)
		s.persistNodeState(rc, runtime.NodeState{
			NodeID: nodeID, Status: runtime.NodeRunning, StartedAt: &startedAt, Retries: attempts - 1,
		})
		s.appendEvent(rc.ctx, rc.runID, runtime.EventNodeStatus, nodeID, map[string]any{
			"runId": rc.runID, "nodeId": nodeID, "status": string(runtime.NodeRunning),
		})

		exitCode, runErr := s.execAttempt(rc, spec, nodeID, attempts, extraEnv)

		if runErr == nil && exitCode == 0 {
			finishedAt := time.Now()
			ec := 0
			s.publishOutputs(rc, nodeID)
			rc.setStatus(nodeID, runtime.NodeSucceeded)
			s.persistNodeState(rc, runtime.NodeState{
				NodeID: nodeID, Status: runtime.NodeSucceeded, StartedAt: &startedAt,
				FinishedAt: &finishedAt, ExitCode: &ec, Retries: attempts - 1,
			})
			s.appendEvent(rc.ctx, rc.runID, runtime.EventNodeStatus, nodeID, map[string]any{
				"runId": rc.runID, "nodeId": nodeID, "status": string(runtime.NodeSucceeded),
			})
			s.metrics.observeNodeLatency(nodeID, "succeeded", time.Since(startedAt))
			return nil
		}

		errMsg := attemptErrorMessage(runErr, exitCode)
		s.metrics.observeNodeLatency(nodeID, "failed", time.Since(startedAt))

		if rc.isCancelled() {
			rc.setStatus(nodeID, runtime.NodeFailed)
			finishedAt := time.Now()
			s.persistNodeState(rc, runtime.NodeState{
				NodeID: nodeID, Status: runtime.NodeFailed, StartedAt: &startedAt,
				FinishedAt: &finishedAt, Retries: attempts - 1, Error: ErrCancelled.Error(),
			})
			s.appendEvent(rc.ctx, rc.runID, runtime.EventNodeStatus, nodeID, map[string]any{
				"runId": rc.runID, "nodeId": nodeID, "status": string(runtime.NodeFailed), "reason": ErrCancelled.Error(),
			})
			return fmt.Errorf("%w: node %s", ErrCancelled, nodeID)
		}

		if attempts <= spec.Retries {
			backoff := computeBackoff(attempts, s.cfg.DefaultBackoff)
			rc.setStatus(nodeID, runtime.NodePending)
			s.persistNodeState(rc, runtime.NodeState{
				NodeID: nodeID, Status: runtime.NodePending, Retries: attempts, Error: errMsg,
			})
			s.metrics.incRetries(nodeID)
			s.appendEvent(rc.ctx, rc.runID, runtime.EventNodeStatus, nodeID, map[string]any{
				"runId": rc.runID, "nodeId": nodeID, "status": "queued",
				"attempts": attempts, "retry_in": backoff.Seconds(),
			})

			select {
			case <-time.After(backoff):
			case <-rc.ctx.Done():
				rc.setStatus(nodeID, runtime.NodeFailed)
				finishedAt := time.Now()
				s.persistNodeState(rc, runtime.NodeState{
					NodeID: nodeID, Status: runtime.NodeFailed, FinishedAt: &finishedAt,
					Retries: attempts, Error: ErrCancelled.Error(),
				})
				s.appendEvent(rc.ctx, rc.runID, runtime.EventNodeStatus, nodeID, map[string]any{
					"runId": rc.runID, "nodeId": nodeID, "status": string(runtime.NodeFailed), "reason": ErrCancelled.Error(),
				})
				return fmt.Errorf("%w: node %s", ErrCancelled, nodeID)
			}
			continue
		}

		finishedAt := time.Now()
		ec := exitCode
		rc.setStatus(nodeID, runtime.NodeFailed)
		s.persistNodeState(rc, runtime.NodeState{
			NodeID: nodeID, Status: runtime.NodeFailed, StartedAt: &startedAt,
			FinishedAt: &finishedAt, ExitCode: &ec, Retries: attempts - 1, Error: errMsg,
		})
		s.appendEvent(rc.ctx, rc.runID, runtime.EventNodeStatus, nodeID, map[string]any{
			"runId": rc.runID, "nodeId": nodeID, "status": string(runtime.NodeFailed), "reason": errMsg,
		})
		return fmt.Errorf("%w: %s", ErrDriverFailed, errMsg)
	}
}

// execAttempt resolves and runs a single attempt's command, bounded by the
// scheduler's global parallelism semaphore. A resolver-produced empty
// command is a no-op success, without consuming a parallelism slot.
func (s *Scheduler) execAttempt(rc *runContext, spec plan.NodeSpec, nodeID string, attempt int, extraEnv map[string]string) (int, error) {
	cmd := s.resolver(spec)
	if len(cmd) == 0 {
		return 0, nil
	}

	env := mergeEnv(spec.Env, extraEnv)
	env["ATTEMPT"] = strconv.Itoa(attempt)

	if err := s.acquireGlobal(rc.ctx); err != nil {
		return 1, err
	}
	defer s.releaseGlobal()

	return s.driver.RunNode(rc.ctx, rc.runID, nodeID, cmd, env, spec.Timeout)
}

// publishOutputs asks the driver for nodeID's captured outputs, if it
// implements driver.OutputProducer, and publishes them to the store before
// the node's success is recorded — so a dependent that becomes ready off
// the back of this success never observes a predecessor missing outputs.
func (s *Scheduler) publishOutputs(rc *runContext, nodeID string) {
	producer, ok := s.driver.(driver.OutputProducer)
	if !ok {
		return
	}
	outs, err := producer.NodeOutputs(rc.ctx, rc.runID, nodeID)
	if err != nil {
		s.log.Error("fetch node outputs failed", "run_id", rc.runID, "node_id", nodeID, "error", err)
		return
	}
	if outs == nil {
		return
	}
	if err := s.store.SetNodeOutputs(rc.ctx, rc.runID, nodeID, outs); err != nil {
		s.log.Error("publish node outputs failed", "run_id", rc.runID, "node_id", nodeID, "error", err)
	}
}

func (s *Scheduler) persistNodeState(rc *runContext, state runtime.NodeState) {
	if err := s.store.UpdateNodeState(rc.ctx, rc.runID, state); err != nil {
		s.log.Error("persist node state failed", "run_id", rc.runID, "node_id", state.NodeID, "status", state.Status, "error", err)
	}
}

// computeBackoff returns min(base * 2^attempt, maxBackoff). attempt is the
// number of attempts already made (1 after the first failure), matching
// the monotonically increasing retry_in observed across successive
// queued events for the same node.
func computeBackoff(attempt int, base time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func mergeEnv(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func attemptErrorMessage(err error, exitCode int) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("exit code %d", exitCode)
}

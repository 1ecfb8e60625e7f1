package scheduler

import (
	"context"
	"time"

	"github.com/dagwright/flowengine/runtime"
)

// classifyRun inspects a run's cached node statuses and reports the
// terminal RunStatus it has reached, if any. A cancelled run only
// finalizes once every active node task has actually stopped.
func classifyRun(rc *runContext) (runtime.RunStatus, bool) {
	if rc.isCancelled() {
		if rc.activeCount() == 0 {
			return runtime.RunCancelled, true
		}
		return "", false
	}

	counts := rc.statusCounts()
	total := len(rc.nodes) - len(rc.loopOwned)
	succeeded := counts[runtime.NodeSucceeded]
	skipped := counts[runtime.NodeSkipped]
	failed := counts[runtime.NodeFailed]
	running := counts[runtime.NodeRunning]
	pending := counts[runtime.NodePending]

	if succeeded+skipped == total {
		return runtime.RunSucceeded, true
	}
	if failed > 0 && running == 0 && pending == 0 {
		return runtime.RunFailed, true
	}
	return "", false
}

// finalize persists a run's terminal status, emits the final run_status
// event, releases driver resources, and drops the run from the
// in-process registry.
func (s *Scheduler) finalize(rc *runContext, status runtime.RunStatus) {
	ctx := context.Background()
	now := time.Now()

	// A cancelled run's terminal status and finished_at were already
	// persisted by CancelRun at the moment cancellation was requested;
	// only succeeded/failed transitions are persisted here.
	if status != runtime.RunCancelled {
		if err := s.store.UpdateRunStatus(ctx, rc.runID, status, nil, &now); err != nil {
			s.log.Error("finalize: updating run status failed", "run_id", rc.runID, "status", status, "error", err)
		}
	}
	s.appendEvent(ctx, rc.runID, runtime.EventRunStatus, "", map[string]any{
		"runId": rc.runID, "status": string(status),
	})

	if err := s.driver.CleanupRun(ctx, rc.runID); err != nil {
		s.log.Error("finalize: driver cleanup failed", "run_id", rc.runID, "error", err)
	}

	s.metrics.incRunFinished(string(status))
	s.unregister(rc.runID)
}

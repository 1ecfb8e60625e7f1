package scheduler

import (
	"context"
	"sort"
	"sync"

	"github.com/dagwright/flowengine/plan"
	"github.com/dagwright/flowengine/runtime"
)

// runContext is the scheduler's transient, in-memory view of one active
// run: dependency indexes derived from the plan, remaining-predecessor
// counters, active node task handles, and a cache of each node's last
// known status. It is rebuilt from the Plan and Store on RegisterRun and
// discarded once the run reaches a terminal status — nothing here is
// itself durable.
type runContext struct {
	runID string
	plan  *plan.Plan

	// nodes holds each NodeSpec with scheduler defaults backfilled
	// (currently: Retries, when the plan left it at zero).
	nodes map[string]plan.NodeSpec

	// order records each node's position in Plan.Nodes so readySet can
	// break ties deterministically instead of following map iteration.
	order map[string]int

	dependents     map[string]map[string]struct{}
	remainingPreds map[string]int

	// loopOwned holds every node id declared as a for_each body node
	// (across the whole plan). These ids are still present in nodes/
	// localStatus for observability, but they are never dispatched or
	// counted by the outer scheduling loop: they run exclusively through
	// runForEach/runIterationBody, which is the only thing that invokes
	// execTaskWithRetries for them. plan.Validate rejects any plan that
	// would let one become reachable from the outer ready set.
	loopOwned map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	localStatus map[string]runtime.NodeStatus
	active      map[string]struct{}
	cancelled   bool

	wake chan struct{}
}

func newRunContext(runID string, p *plan.Plan, defaultRetries int) *runContext {
	nodes := make(map[string]plan.NodeSpec, len(p.Nodes))
	order := make(map[string]int, len(p.Nodes))
	dependents := make(map[string]map[string]struct{}, len(p.Nodes))
	remainingPreds := make(map[string]int, len(p.Nodes))
	localStatus := make(map[string]runtime.NodeStatus, len(p.Nodes))
	loopOwned := make(map[string]struct{})

	for i, n := range p.Nodes {
		n = n.WithDefaults()
		if n.Type == plan.NodeTypeTask && n.Retries == 0 {
			n.Retries = defaultRetries
		}
		nodes[n.ID] = n
		order[n.ID] = i
		dependents[n.ID] = make(map[string]struct{})
		localStatus[n.ID] = runtime.NodePending

		if n.ForEach != nil {
			for _, b := range n.ForEach.Body {
				loopOwned[b] = struct{}{}
			}
		}
	}

	addDependent := func(from, to string) {
		if _, ok := dependents[from]; ok {
			dependents[from][to] = struct{}{}
			remainingPreds[to]++
		}
	}
	for _, e := range p.Edges {
		addDependent(e.From, e.To)
	}
	for _, n := range p.Nodes {
		for _, pred := range n.Inputs {
			addDependent(pred, n.ID)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &runContext{
		runID:          runID,
		plan:           p,
		nodes:          nodes,
		order:          order,
		dependents:     dependents,
		remainingPreds: remainingPreds,
		loopOwned:      loopOwned,
		ctx:            ctx,
		cancel:         cancel,
		localStatus:    localStatus,
		active:         make(map[string]struct{}),
		wake:           make(chan struct{}, 1),
	}
}

func (rc *runContext) dependentsOf(id string) []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]string, 0, len(rc.dependents[id]))
	for d := range rc.dependents[id] {
		out = append(out, d)
	}
	return out
}

func (rc *runContext) status(id string) runtime.NodeStatus {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.localStatus[id]
}

func (rc *runContext) setStatus(id string, status runtime.NodeStatus) {
	rc.mu.Lock()
	rc.localStatus[id] = status
	rc.mu.Unlock()
}

func (rc *runContext) remaining(id string) int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.remainingPreds[id]
}

func (rc *runContext) decrementPred(id string) int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.remainingPreds[id]--
	return rc.remainingPreds[id]
}

func (rc *runContext) markActive(id string) {
	rc.mu.Lock()
	rc.active[id] = struct{}{}
	rc.mu.Unlock()
}

func (rc *runContext) clearActive(id string) {
	rc.mu.Lock()
	delete(rc.active, id)
	rc.mu.Unlock()
}

func (rc *runContext) isActive(id string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	_, ok := rc.active[id]
	return ok
}

func (rc *runContext) activeCount() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.active)
}

func (rc *runContext) setCancelled() {
	rc.mu.Lock()
	rc.cancelled = true
	rc.mu.Unlock()
	rc.cancel()
}

func (rc *runContext) isCancelled() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.cancelled
}

// readySet returns node ids that are pending, have no remaining
// predecessors, and are not already being worked on. for_each body nodes
// are never included here regardless of their predecessor count or
// status: they are driven exclusively by their owning for_each node's
// iteration loop, never by the outer dispatch loop. The result is sorted
// by each node's position in the plan so that dispatch order is
// deterministic across runs of the same plan, not an artifact of Go's
// randomized map iteration.
func (rc *runContext) readySet() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	var ready []string
	for id := range rc.nodes {
		if _, owned := rc.loopOwned[id]; owned {
			continue
		}
		if rc.localStatus[id] != runtime.NodePending {
			continue
		}
		if _, ok := rc.active[id]; ok {
			continue
		}
		if rc.remainingPreds[id] > 0 {
			continue
		}
		ready = append(ready, id)
	}
	sort.Slice(ready, func(i, j int) bool { return rc.order[ready[i]] < rc.order[ready[j]] })
	return ready
}

// statusCounts classifies every outer-DAG node's cached status for
// finalization. for_each body nodes are excluded from the tally: their
// completion is reported through their owning for_each node's own
// success/failure, not tracked independently by the outer run, and a
// for_each with an empty collection never executes its body at all — so
// counting a body node here would leave it permanently "pending" and the
// run would never finalize.
func (rc *runContext) statusCounts() map[runtime.NodeStatus]int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	counts := make(map[runtime.NodeStatus]int, 5)
	for id := range rc.nodes {
		if _, owned := rc.loopOwned[id]; owned {
			continue
		}
		counts[rc.localStatus[id]]++
	}
	return counts
}

// signalWake wakes the run's main loop promptly instead of waiting for the
// next poll tick. Non-blocking: a pending wake already queued is enough.
func (rc *runContext) signalWake() {
	select {
	case rc.wake <- struct{}{}:
	default:
	}
}

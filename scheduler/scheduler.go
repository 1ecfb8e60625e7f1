// Package scheduler drives a registered run to completion: computing the
// ready set from predecessor counts, dispatching task nodes to a Driver
// with retry/backoff, evaluating conditional and for-each control-flow
// nodes, enforcing a global parallelism bound, and reacting to
// cancellation. It never mutates a run's durable state directly — every
// transition goes through the Store.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dagwright/flowengine/driver"
	"github.com/dagwright/flowengine/expr"
	"github.com/dagwright/flowengine/plan"
	"github.com/dagwright/flowengine/runtime"
	"github.com/dagwright/flowengine/store"
)

// CommandResolver maps a NodeSpec to the concrete command line a Driver
// should execute. An empty return value is treated as a successful no-op,
// letting callers model pure data-flow or placeholder nodes without a
// Driver implementation bothering to special-case them.
type CommandResolver func(plan.NodeSpec) []string

// DefaultCommandResolver resolves a node's own Command field verbatim.
func DefaultCommandResolver(n plan.NodeSpec) []string {
	return n.Command
}

// Config holds scheduler-wide tunables, mirroring the engine configuration
// surface described alongside the Store and Driver contracts.
type Config struct {
	// MaxParallelism bounds the number of Driver.RunNode calls in flight at
	// once across every run this Scheduler drives. 0 means unlimited.
	MaxParallelism int

	// DefaultMaxRetries backfills NodeSpec.Retries for task nodes that
	// leave it at zero.
	DefaultMaxRetries int

	// DefaultBackoff is the base duration used in the exponential backoff
	// computed between retry attempts.
	DefaultBackoff time.Duration

	// PollInterval bounds how long the main loop waits for a wake signal
	// before re-checking readiness on its own.
	PollInterval time.Duration
}

// withDefaults fills zero-valued Config fields with the scheduler's
// built-in defaults.
func (c Config) withDefaults() Config {
	if c.DefaultBackoff <= 0 {
		c.DefaultBackoff = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	return c
}

// Scheduler drives registered runs to completion against a Store and a
// Driver. The zero value is not usable; construct with New.
type Scheduler struct {
	store    store.Store
	driver   driver.Driver
	eval     *expr.Evaluator
	resolver CommandResolver
	cfg      Config
	metrics  *PrometheusMetrics
	log      *slog.Logger

	globalSem *semaphore.Weighted

	mu   sync.Mutex
	runs map[string]*runContext
}

// New constructs a Scheduler. evaluator and resolver must not be nil;
// metrics and log may be nil (metrics become no-ops, log defaults to
// slog.Default()).
func New(st store.Store, drv driver.Driver, evaluator *expr.Evaluator, resolver CommandResolver, cfg Config, metrics *PrometheusMetrics, log *slog.Logger) *Scheduler {
	if resolver == nil {
		resolver = DefaultCommandResolver
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	var sem *semaphore.Weighted
	if cfg.MaxParallelism > 0 {
		sem = semaphore.NewWeighted(int64(cfg.MaxParallelism))
	}

	return &Scheduler{
		store:     st,
		driver:    drv,
		eval:      evaluator,
		resolver:  resolver,
		cfg:       cfg,
		metrics:   metrics,
		log:       log,
		globalSem: sem,
		runs:      make(map[string]*runContext),
	}
}

// RegisterRun loads runID's plan from the Store, builds its runContext, and
// emits the initial queued events for the run and every node. The run is
// not yet started: call StartRun to begin execution.
func (s *Scheduler) RegisterRun(ctx context.Context, runID string) error {
	p, err := s.store.GetPlan(ctx, runID)
	if err != nil {
		return fmt.Errorf("scheduler: loading plan for run %s: %w", runID, err)
	}

	rc := newRunContext(runID, p, s.cfg.DefaultMaxRetries)

	s.mu.Lock()
	s.runs[runID] = rc
	s.mu.Unlock()

	for _, n := range p.Nodes {
		s.appendEvent(ctx, runID, runtime.EventNodeStatus, n.ID, map[string]any{
			"runId": runID, "nodeId": n.ID, "status": "queued",
		})
	}
	s.appendEvent(ctx, runID, runtime.EventRunStatus, "", map[string]any{
		"runId": runID, "status": string(runtime.RunQueued),
	})
	return nil
}

// StartRun transitions runID to running and launches its main loop in the
// background. It returns as soon as the transition and hello event are
// recorded; the run continues to completion asynchronously.
func (s *Scheduler) StartRun(ctx context.Context, runID string) error {
	rc, err := s.runContextFor(runID)
	if err != nil {
		return err
	}
	if rc.isCancelled() {
		// Cancelled before it ever started: the Store already reflects
		// this (CancelRun persisted it), so just emit the closing event
		// and drop the run from this process.
		s.appendEvent(ctx, runID, runtime.EventRunStatus, "", map[string]any{
			"runId": runID, "status": string(runtime.RunCancelled),
		})
		s.unregister(runID)
		return nil
	}

	now := time.Now()
	if err := s.store.UpdateRunStatus(ctx, runID, runtime.RunRunning, &now, nil); err != nil {
		return fmt.Errorf("scheduler: starting run %s: %w", runID, err)
	}
	s.metrics.setActiveRuns(len(s.activeRunIDs()))

	s.appendEvent(ctx, runID, runtime.EventHello, "", map[string]any{"runId": runID})
	s.appendEvent(ctx, runID, runtime.EventRunStatus, "", map[string]any{
		"runId": runID, "status": string(runtime.RunRunning),
	})

	go s.loop(rc)
	return nil
}

// CancelRun cooperatively cancels a run: idempotent, and a no-op if the run
// is already terminal in the Store. A non-terminal run that this process is
// not driving (e.g. after a restart) is marked cancelled in the Store and
// gets a closing run_status event. An error from the Store lookup, such as
// an unknown run id, is returned.
func (s *Scheduler) CancelRun(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	now := time.Now()
	if err := s.store.CancelRun(ctx, runID, now); err != nil {
		return err
	}

	rc, err := s.runContextFor(runID)
	if err != nil {
		// Nothing in-process is driving this run (different process, or
		// already unregistered); the Store transition above is enough.
		s.appendEvent(ctx, runID, runtime.EventRunStatus, "", map[string]any{
			"runId": runID, "status": string(runtime.RunCancelled),
		})
		return nil
	}

	rc.setCancelled()
	rc.signalWake()
	return nil
}

func (s *Scheduler) runContextFor(runID string) (*runContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("scheduler: run %s is not registered in this process", runID)
	}
	return rc, nil
}

func (s *Scheduler) activeRunIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	return ids
}

func (s *Scheduler) unregister(runID string) {
	s.mu.Lock()
	delete(s.runs, runID)
	s.mu.Unlock()
	s.metrics.setActiveRuns(len(s.activeRunIDs()))
}

// loop is a run's main scheduling loop: compute the ready set, dispatch
// node tasks, and wait for the next wake signal or poll tick. Node tasks
// run as separate goroutines; this loop itself never blocks on a Driver
// call.
func (s *Scheduler) loop(rc *runContext) {
	for {
		for _, id := range rc.readySet() {
			s.dispatch(rc, id)
		}

		if status, terminal := classifyRun(rc); terminal {
			s.finalize(rc, status)
			return
		}

		select {
		case <-rc.wake:
		case <-time.After(s.cfg.PollInterval):
		case <-rc.ctx.Done():
		}
	}
}

// dispatch marks id active and launches its node task. Control-flow nodes
// are evaluated inline (no Driver call, no global semaphore); task nodes
// run their retry loop against the Driver.
func (s *Scheduler) dispatch(rc *runContext, id string) {
	if rc.isCancelled() {
		return
	}
	rc.markActive(id)
	s.metrics.setInflightNodes(s.totalActive())

	go func() {
		defer func() {
			rc.clearActive(id)
			s.metrics.setInflightNodes(s.totalActive())
			rc.signalWake()
		}()

		spec := rc.nodes[id]
		switch spec.Type {
		case plan.NodeTypeConditional:
			s.runConditional(rc, id)
		case plan.NodeTypeForEach:
			s.runForEach(rc, id)
		default:
			s.runTaskNode(rc, id)
		}
	}()
}

func (s *Scheduler) totalActive() int {
	s.mu.Lock()
	runs := make([]*runContext, 0, len(s.runs))
	for _, rc := range s.runs {
		runs = append(runs, rc)
	}
	s.mu.Unlock()

	total := 0
	for _, rc := range runs {
		total += rc.activeCount()
	}
	return total
}

// runTaskNode drives a plain task node through its full retry loop and
// applies the generic success/failure completion effects.
func (s *Scheduler) runTaskNode(rc *runContext, id string) {
	// A failed task never decrements its dependents' counters (no call
	// here on error): they remain permanently unreachable and the run
	// finalizes as failed once nothing else is in flight.
	if err := s.execTaskWithRetries(rc, id, nil); err == nil {
		s.onNodeSucceeded(rc, id)
	}
}

// onNodeSucceeded decrements the remaining-predecessor count of every
// dependent, unlocking them for the next readiness pass.
func (s *Scheduler) onNodeSucceeded(rc *runContext, id string) {
	for _, d := range rc.dependentsOf(id) {
		rc.decrementPred(d)
	}
}

// appendEvent appends an event and logs store failures; event emission
// failures never abort the run, since the Store is the sole authority for
// run/node status and the event log is an observability side channel.
func (s *Scheduler) appendEvent(ctx context.Context, runID string, eventType runtime.EventType, nodeID string, data map[string]any) {
	if _, err := s.store.AppendEvent(ctx, runID, eventType, nodeID, data); err != nil {
		s.log.Error("append event failed", "run_id", runID, "event_type", eventType, "error", err)
	}
}

func (s *Scheduler) acquireGlobal(ctx context.Context) error {
	if s.globalSem == nil {
		return nil
	}
	return s.globalSem.Acquire(ctx, 1)
}

func (s *Scheduler) releaseGlobal() {
	if s.globalSem == nil {
		return
	}
	s.globalSem.Release(1)
}

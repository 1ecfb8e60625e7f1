package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dagwright/flowengine/driver"
	"github.com/dagwright/flowengine/expr"
	"github.com/dagwright/flowengine/fanout"
	"github.com/dagwright/flowengine/plan"
	"github.com/dagwright/flowengine/runtime"
	"github.com/dagwright/flowengine/scheduler"
	"github.com/dagwright/flowengine/store"
)

// EngineError is the caller-facing classification of a failure: callers
// that only care about the category can switch on Code without parsing
// the message.
type EngineError struct {
	Code    string
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error { return e.Err }

func invalidPlanError(err error) *EngineError {
	return &EngineError{Code: "INVALID_PLAN", Message: "plan failed validation", Err: err}
}

// Engine is the façade/lifecycle layer: it accepts plans, registers them
// with the Scheduler and Store, and coordinates start/cancel/status across
// them. An Engine is safe for concurrent use by multiple callers submitting
// and managing different runs.
type Engine struct {
	store  store.Store
	sched  *scheduler.Scheduler
	log    *slog.Logger
	tracer *fanout.SpanEmitter
}

// New builds an Engine wired against st (the Run Store) and drv (the
// execution backend). A fresh expr.Evaluator is created internally — the
// expression language is pure and stateless aside from its compile cache,
// so there is no reason for callers to supply their own.
func New(st store.Store, drv driver.Driver, opts ...Option) (*Engine, error) {
	cfg := &config{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("engine: applying option: %w", err)
		}
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	evaluator := expr.NewEvaluator()
	sched := scheduler.New(st, drv, evaluator, cfg.resolver, cfg.schedulerCfg, cfg.metrics, cfg.logger)

	e := &Engine{store: st, sched: sched, log: cfg.logger}
	if cfg.tracer != nil {
		e.tracer = fanout.NewSpanEmitter(cfg.tracer)
	}
	return e, nil
}

// Submit validates p, persists it as a new Run via the Store, and registers
// it with the Scheduler (emitting the initial queued events for the run and
// every node) without starting execution. Returns *EngineError wrapping
// plan.ErrInvalidPlan if p fails validation — no run is created in that
// case.
func (e *Engine) Submit(ctx context.Context, name string, p *plan.Plan) (runID string, err error) {
	if err := plan.Validate(p); err != nil {
		return "", invalidPlanError(err)
	}

	runID, err = e.store.CreateRun(ctx, name, p)
	if err != nil {
		return "", fmt.Errorf("engine: creating run: %w", err)
	}

	// Subscribe for tracing before RegisterRun emits the run's first
	// events, so the span trace starts at queued/pending rather than
	// missing everything emitted before a subscriber existed.
	if e.tracer != nil {
		e.traceRun(runID)
	}

	if err := e.sched.RegisterRun(ctx, runID); err != nil {
		return "", fmt.Errorf("engine: registering run %s: %w", runID, err)
	}
	return runID, nil
}

// traceRun mirrors runID's entire event log into OpenTelemetry spans via
// e.tracer, one event at a time, through its own Store subscription. It
// stops once the run's terminal run_status event is
// observed, or the Store drops the subscription for falling behind
// (mirroring fanout.Handler's own backpressure handling).
func (e *Engine) traceRun(runID string) {
	ch, unsub, err := e.store.SubscribeEvents(context.Background(), runID)
	if err != nil {
		e.log.Error("engine: subscribing for tracing failed", "run_id", runID, "error", err)
		return
	}
	go func() {
		defer unsub()
		for ev := range ch {
			e.tracer.Emit(ev)
			if ev.Type == runtime.EventRunStatus {
				if status, _ := ev.Data["status"].(string); runtime.RunStatus(status).Terminal() {
					return
				}
			}
		}
	}()
}

// Start transitions a submitted run to running and begins executing it in
// the background. Returns once the transition and hello event are recorded;
// callers observe progress via the Store or a fanout subscription, not by
// blocking on Start.
func (e *Engine) Start(ctx context.Context, runID string) error {
	return e.sched.StartRun(ctx, runID)
}

// SubmitAndStart is a convenience combining Submit and Start for the common
// case of running a plan to completion with no inspection step in between.
func (e *Engine) SubmitAndStart(ctx context.Context, name string, p *plan.Plan) (string, error) {
	runID, err := e.Submit(ctx, name, p)
	if err != nil {
		return "", err
	}
	if err := e.Start(ctx, runID); err != nil {
		return "", err
	}
	return runID, nil
}

// Cancel cooperatively cancels a run. Idempotent; a no-op on a run already
// terminal in the Store. A non-terminal run not driven by this process is
// still marked cancelled in the Store; a run id the Store does not know
// returns the Store's error.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	return e.sched.CancelRun(ctx, runID)
}

// Status returns a run's current record from the Store.
func (e *Engine) Status(ctx context.Context, runID string) (runtime.Run, error) {
	return e.store.GetRun(ctx, runID)
}

// NodeStatus returns a single node's current state within a run.
func (e *Engine) NodeStatus(ctx context.Context, runID, nodeID string) (runtime.NodeState, error) {
	return e.store.GetNodeState(ctx, runID, nodeID)
}

// ListRuns returns runs matching filter.
func (e *Engine) ListRuns(ctx context.Context, filter store.RunFilter) ([]runtime.Run, error) {
	return e.store.ListRuns(ctx, filter)
}

// Store exposes the underlying Store so callers that also need event
// replay (package fanout) or output inspection can share the same backend
// an Engine is using, without the Engine needing to re-export every Store
// method itself.
func (e *Engine) Store() store.Store { return e.store }

// NewRunName generates a short, human-distinguishable default name for a
// submitted plan when the caller has no better label (e.g. an ad hoc run
// from a CLI), grounded on the pack's pervasive use of google/uuid for
// externally-visible identifiers.
func NewRunName(planName string) string {
	return fmt.Sprintf("%s-%s", planName, uuid.NewString()[:8])
}

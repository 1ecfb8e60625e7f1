package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dagwright/flowengine/driver"
	"github.com/dagwright/flowengine/expr"
	"github.com/dagwright/flowengine/plan"
	"github.com/dagwright/flowengine/runtime"
	"github.com/dagwright/flowengine/store"
	"github.com/stretchr/testify/require"
)

// fakeDriver is a scripted Driver for exercising the scheduler without any
// real subprocess or network call.
type fakeDriver struct {
	mu          sync.Mutex
	failUntil   map[string]int            // nodeID -> number of attempts that must fail before succeeding
	attempts    map[string]int
	outputs     map[string]map[string]any // nodeID -> outputs published on success
	concurrency int32
	maxObserved int32
	delay       time.Duration
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		failUntil: make(map[string]int),
		attempts:  make(map[string]int),
		outputs:   make(map[string]map[string]any),
	}
}

// NodeOutputs implements driver.OutputProducer: it returns whatever was
// pre-registered in d.outputs for nodeID, so tests can assert that the
// scheduler publishes a predecessor's outputs before dependents observe
// them.
func (d *fakeDriver) NodeOutputs(_ context.Context, _, nodeID string) (map[string]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outputs[nodeID], nil
}

func (d *fakeDriver) RunNode(ctx context.Context, runID, nodeID string, cmd []string, env map[string]string, timeout time.Duration) (int, error) {
	cur := atomic.AddInt32(&d.concurrency, 1)
	defer atomic.AddInt32(&d.concurrency, -1)
	for {
		observed := atomic.LoadInt32(&d.maxObserved)
		if cur <= observed || atomic.CompareAndSwapInt32(&d.maxObserved, observed, cur) {
			break
		}
	}

	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return 1, ctx.Err()
		}
	}

	d.mu.Lock()
	d.attempts[nodeID]++
	attempt := d.attempts[nodeID]
	mustFail := d.failUntil[nodeID]
	d.mu.Unlock()

	if attempt <= mustFail {
		return 1, nil
	}
	return 0, nil
}

func (d *fakeDriver) GetNodeStatus(ctx context.Context, runID, nodeID string) (driver.Status, error) {
	return driver.StatusUnknown, nil
}

func (d *fakeDriver) CancelNode(ctx context.Context, runID, nodeID string) error { return nil }
func (d *fakeDriver) CleanupRun(ctx context.Context, runID string) error        { return nil }

// taskNode builds a minimal task NodeSpec with an arbitrary non-empty
// command, since the scheduler treats an empty command as an automatic
// no-op success and these tests need the fakeDriver to actually observe
// the call.
func taskNode(id string, inputs ...string) plan.NodeSpec {
	return plan.NodeSpec{ID: id, Type: plan.NodeTypeTask, Command: []string{"run", id}, Inputs: inputs}
}

func waitTerminal(t *testing.T, st store.Store, runID string) runtime.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := st.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if run.Status.Terminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("run did not reach a terminal status in time")
	return runtime.Run{}
}

func newTestScheduler(st store.Store, drv *fakeDriver, cfg Config) *Scheduler {
	return New(st, drv, expr.NewEvaluator(), DefaultCommandResolver, cfg, nil, nil)
}

func TestScheduler_LinearTwoNodeSuccess(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	p := &plan.Plan{Name: "linear", Nodes: []plan.NodeSpec{
		taskNode("a"),
		taskNode("b", "a"),
	}}
	runID, err := st.CreateRun(ctx, "s1", p)
	require.NoError(t, err)

	drv := newFakeDriver()
	s := newTestScheduler(st, drv, Config{})
	require.NoError(t, s.RegisterRun(ctx, runID))
	require.NoError(t, s.StartRun(ctx, runID))

	run := waitTerminal(t, st, runID)
	require.Equal(t, runtime.RunSucceeded, run.Status)

	states, err := st.ListNodeStates(ctx, runID)
	require.NoError(t, err)
	for _, ns := range states {
		require.Equal(t, runtime.NodeSucceeded, ns.Status)
	}
}

func TestScheduler_RetryThenSucceed(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	p := &plan.Plan{Name: "retry", Nodes: []plan.NodeSpec{
		{ID: "a", Type: plan.NodeTypeTask, Command: []string{"run", "a"}, Retries: 3},
	}}
	runID, err := st.CreateRun(ctx, "s2", p)
	require.NoError(t, err)

	drv := newFakeDriver()
	drv.failUntil["a"] = 2 // fails twice, succeeds on the third attempt

	s := newTestScheduler(st, drv, Config{DefaultBackoff: time.Millisecond})
	require.NoError(t, s.RegisterRun(ctx, runID))
	require.NoError(t, s.StartRun(ctx, runID))

	run := waitTerminal(t, st, runID)
	require.Equal(t, runtime.RunSucceeded, run.Status)

	state, err := st.GetNodeState(ctx, runID, "a")
	require.NoError(t, err)
	require.Equal(t, runtime.NodeSucceeded, state.Status)
	require.Equal(t, 2, state.Retries)
}

func TestScheduler_RetriesExhaustedFails(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	p := &plan.Plan{Name: "exhaust", Nodes: []plan.NodeSpec{
		{ID: "a", Type: plan.NodeTypeTask, Command: []string{"run", "a"}, Retries: 1},
	}}
	runID, err := st.CreateRun(ctx, "s2b", p)
	require.NoError(t, err)

	drv := newFakeDriver()
	drv.failUntil["a"] = 100 // never succeeds

	s := newTestScheduler(st, drv, Config{DefaultBackoff: time.Millisecond})
	require.NoError(t, s.RegisterRun(ctx, runID))
	require.NoError(t, s.StartRun(ctx, runID))

	run := waitTerminal(t, st, runID)
	require.Equal(t, runtime.RunFailed, run.Status)
}

func TestScheduler_ConditionalIfSkipsFalseBranch(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	p := &plan.Plan{Name: "cond", Nodes: []plan.NodeSpec{
		{ID: "c", Type: plan.NodeTypeConditional, Conditional: &plan.ConditionalConfig{
			Kind:       plan.ConditionalIf,
			Expression: "1 > 0",
			Branches: map[string]plan.Branch{
				"true":  {Targets: []string{"ok"}},
				"false": {Targets: []string{"bad"}},
			},
		}},
		taskNode("ok", "c"),
		taskNode("bad", "c"),
	}}
	runID, err := st.CreateRun(ctx, "s3", p)
	require.NoError(t, err)

	drv := newFakeDriver()
	s := newTestScheduler(st, drv, Config{})
	require.NoError(t, s.RegisterRun(ctx, runID))
	require.NoError(t, s.StartRun(ctx, runID))

	run := waitTerminal(t, st, runID)
	require.Equal(t, runtime.RunSucceeded, run.Status)

	okState, err := st.GetNodeState(ctx, runID, "ok")
	require.NoError(t, err)
	require.Equal(t, runtime.NodeSucceeded, okState.Status)

	badState, err := st.GetNodeState(ctx, runID, "bad")
	require.NoError(t, err)
	require.Equal(t, runtime.NodeSkipped, badState.Status)
}

func TestScheduler_SwitchDefaultBranch(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	p := &plan.Plan{Name: "switch", Nodes: []plan.NodeSpec{
		{ID: "c", Type: plan.NodeTypeConditional, Conditional: &plan.ConditionalConfig{
			Kind:       plan.ConditionalSwitch,
			Expression: `"unmatched-category"`,
			Default:    "fallback",
			Branches: map[string]plan.Branch{
				"known":    {Targets: []string{"known_path"}},
				"fallback": {Targets: []string{"fallback"}},
			},
		}},
		taskNode("known_path", "c"),
		taskNode("fallback", "c"),
	}}
	runID, err := st.CreateRun(ctx, "s4", p)
	require.NoError(t, err)

	drv := newFakeDriver()
	s := newTestScheduler(st, drv, Config{})
	require.NoError(t, s.RegisterRun(ctx, runID))
	require.NoError(t, s.StartRun(ctx, runID))

	run := waitTerminal(t, st, runID)
	require.Equal(t, runtime.RunSucceeded, run.Status)

	fallback, err := st.GetNodeState(ctx, runID, "fallback")
	require.NoError(t, err)
	require.Equal(t, runtime.NodeSucceeded, fallback.Status)

	known, err := st.GetNodeState(ctx, runID, "known_path")
	require.NoError(t, err)
	require.Equal(t, runtime.NodeSkipped, known.Status)
}

func TestScheduler_ForEachBoundsParallelism(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()

	itemsLiteral := "[0, 1, 2, 3, 4, 5]"
	p := &plan.Plan{Name: "foreach", Nodes: []plan.NodeSpec{
		{ID: "loop", Type: plan.NodeTypeForEach, ForEach: &plan.ForEachConfig{
			Collection:  itemsLiteral,
			ItemVar:     "item",
			MaxParallel: 3,
			Body:        []string{"item_task"},
		}},
		// item_task must be declared in Plan.Nodes (for_each bodies are
		// ordinary task nodes) but carries no outer Inputs/edges: it is
		// owned by "loop" and driven exclusively by its iteration loop,
		// never by the outer ready set.
		taskNode("item_task"),
	}}
	runID, err := st.CreateRun(ctx, "s5", p)
	require.NoError(t, err)

	drv := newFakeDriver()
	drv.delay = 20 * time.Millisecond

	s := newTestScheduler(st, drv, Config{})
	require.NoError(t, s.RegisterRun(ctx, runID))
	require.NoError(t, s.StartRun(ctx, runID))

	run := waitTerminal(t, st, runID)
	require.Equal(t, runtime.RunSucceeded, run.Status)
	require.LessOrEqual(t, int(atomic.LoadInt32(&drv.maxObserved)), 3)
	// One invocation per item; item_task never runs outside its iterations.
	require.Equal(t, 6, drv.attempts["item_task"])
}

func TestScheduler_CancelRunStopsInFlightWork(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	p := &plan.Plan{Name: "cancel", Nodes: []plan.NodeSpec{
		{ID: "a", Type: plan.NodeTypeTask, Command: []string{"run", "a"}},
	}}
	runID, err := st.CreateRun(ctx, "s6", p)
	require.NoError(t, err)

	drv := newFakeDriver()
	drv.delay = time.Second

	s := newTestScheduler(st, drv, Config{})
	require.NoError(t, s.RegisterRun(ctx, runID))
	require.NoError(t, s.StartRun(ctx, runID))

	require.Eventually(t, func() bool {
		run, err := st.GetRun(ctx, runID)
		require.NoError(t, err)
		return run.Status == runtime.RunRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.CancelRun(ctx, runID))

	run := waitTerminal(t, st, runID)
	require.Equal(t, runtime.RunCancelled, run.Status)
}

// TestScheduler_PublishesOutputsToDependentExpression exercises spec
// scenario S3: a predecessor's outputs must be visible to a downstream
// conditional's expression (inputs.<predecessorId>.<field>) once the
// predecessor succeeds, not just to direct Go callers of the Store.
func TestScheduler_PublishesOutputsToDependentExpression(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	p := &plan.Plan{Name: "outputs", Nodes: []plan.NodeSpec{
		taskNode("input"),
		{ID: "check", Type: plan.NodeTypeConditional, Inputs: []string{"input"}, Conditional: &plan.ConditionalConfig{
			Kind:       plan.ConditionalIf,
			Expression: "inputs.input.score > 0.5",
			Branches: map[string]plan.Branch{
				"true":  {Targets: []string{"ok"}},
				"false": {Targets: []string{"bad"}},
			},
		}},
		taskNode("ok", "check"),
		taskNode("bad", "check"),
	}}
	runID, err := st.CreateRun(ctx, "s3-outputs", p)
	require.NoError(t, err)

	drv := newFakeDriver()
	drv.outputs["input"] = map[string]any{"score": 0.9}
	s := newTestScheduler(st, drv, Config{})
	require.NoError(t, s.RegisterRun(ctx, runID))
	require.NoError(t, s.StartRun(ctx, runID))

	run := waitTerminal(t, st, runID)
	require.Equal(t, runtime.RunSucceeded, run.Status)

	okState, err := st.GetNodeState(ctx, runID, "ok")
	require.NoError(t, err)
	require.Equal(t, runtime.NodeSucceeded, okState.Status)

	badState, err := st.GetNodeState(ctx, runID, "bad")
	require.NoError(t, err)
	require.Equal(t, runtime.NodeSkipped, badState.Status)

	published, err := st.GetNodeOutputs(ctx, runID, "input")
	require.NoError(t, err)
	require.Equal(t, 0.9, published["score"])
}

func TestComputeBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	require.Equal(t, 200*time.Millisecond, computeBackoff(1, base))
	require.Equal(t, 400*time.Millisecond, computeBackoff(2, base))
	require.Equal(t, maxBackoff, computeBackoff(30, base))
}

func TestMergeEnv(t *testing.T) {
	base := map[string]string{"A": "1", "B": "2"}
	extra := map[string]string{"B": "override", "C": "3"}
	merged := mergeEnv(base, extra)
	require.Equal(t, "1", merged["A"])
	require.Equal(t, "override", merged["B"])
	require.Equal(t, "3", merged["C"])
}

func TestAttemptErrorMessage(t *testing.T) {
	require.Equal(t, "boom", attemptErrorMessage(fmt.Errorf("boom"), 0))
	require.Equal(t, "exit code 7", attemptErrorMessage(nil, 7))
}

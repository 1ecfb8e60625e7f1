package engine

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dagwright/flowengine/driver"
	"github.com/dagwright/flowengine/plan"
	flowruntime "github.com/dagwright/flowengine/runtime"
	"github.com/dagwright/flowengine/store"
)

func shellCmd(script string) []string {
	if runtime.GOOS == "windows" {
		return []string{"cmd", "/C", script}
	}
	return []string{"sh", "-c", script}
}

func linearPlan() *plan.Plan {
	return &plan.Plan{
		Name: "linear",
		Nodes: []plan.NodeSpec{
			{ID: "a", Type: plan.NodeTypeTask, Command: shellCmd("exit 0")},
			{ID: "b", Type: plan.NodeTypeTask, Command: shellCmd("exit 0"), Inputs: []string{"a"}},
		},
	}
}

func waitTerminal(t *testing.T, e *Engine, runID string) flowruntime.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := e.Status(context.Background(), runID)
		require.NoError(t, err)
		if run.Status.Terminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("run did not reach a terminal status in time")
	return flowruntime.Run{}
}

func TestEngine_SubmitRejectsInvalidPlanWithoutCreatingRun(t *testing.T) {
	st := store.NewMemStore()
	e, err := New(st, driver.NewLocalDriver())
	require.NoError(t, err)

	bad := &plan.Plan{Nodes: []plan.NodeSpec{{ID: "a", Type: plan.NodeTypeTask, Inputs: []string{"ghost"}}}}
	_, err = e.Submit(context.Background(), "bad", bad)
	require.Error(t, err)

	var engErr *EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, "INVALID_PLAN", engErr.Code)
	assert.True(t, errors.Is(err, plan.ErrInvalidPlan))

	runs, err := st.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestEngine_SubmitAndStartRunsToCompletion(t *testing.T) {
	st := store.NewMemStore()
	e, err := New(st, driver.NewLocalDriver())
	require.NoError(t, err)

	runID, err := e.SubmitAndStart(context.Background(), "demo", linearPlan())
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	run := waitTerminal(t, e, runID)
	assert.Equal(t, flowruntime.RunSucceeded, run.Status)

	nodeA, err := e.NodeStatus(context.Background(), runID, "a")
	require.NoError(t, err)
	assert.Equal(t, flowruntime.NodeSucceeded, nodeA.Status)
}

func TestEngine_SubmitThenStartSeparately(t *testing.T) {
	st := store.NewMemStore()
	e, err := New(st, driver.NewLocalDriver())
	require.NoError(t, err)

	runID, err := e.Submit(context.Background(), "demo", linearPlan())
	require.NoError(t, err)

	run, err := e.Status(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, flowruntime.RunQueued, run.Status)

	require.NoError(t, e.Start(context.Background(), runID))
	run = waitTerminal(t, e, runID)
	assert.Equal(t, flowruntime.RunSucceeded, run.Status)
}

func TestEngine_Cancel(t *testing.T) {
	st := store.NewMemStore()
	e, err := New(st, driver.NewLocalDriver())
	require.NoError(t, err)

	p := &plan.Plan{Nodes: []plan.NodeSpec{
		{ID: "a", Type: plan.NodeTypeTask, Command: shellCmd("sleep 5")},
	}}
	runID, err := e.SubmitAndStart(context.Background(), "cancel-me", p)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		run, err := e.Status(context.Background(), runID)
		require.NoError(t, err)
		return run.Status == flowruntime.RunRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, e.Cancel(context.Background(), runID))

	run := waitTerminal(t, e, runID)
	assert.Equal(t, flowruntime.RunCancelled, run.Status)
}

func TestEngine_ListRuns(t *testing.T) {
	st := store.NewMemStore()
	e, err := New(st, driver.NewLocalDriver())
	require.NoError(t, err)

	_, err = e.Submit(context.Background(), "run-one", linearPlan())
	require.NoError(t, err)
	_, err = e.Submit(context.Background(), "run-two", linearPlan())
	require.NoError(t, err)

	runs, err := e.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestEngine_StoreExposesUnderlyingStore(t *testing.T) {
	st := store.NewMemStore()
	e, err := New(st, driver.NewLocalDriver())
	require.NoError(t, err)
	assert.Same(t, st, e.Store())
}

func TestEngine_WithTracerEmitsSpansForRunEvents(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	st := store.NewMemStore()
	e, err := New(st, driver.NewLocalDriver(), WithTracer(tp.Tracer("flowengine-test")))
	require.NoError(t, err)

	runID, err := e.SubmitAndStart(context.Background(), "traced", linearPlan())
	require.NoError(t, err)

	run := waitTerminal(t, e, runID)
	assert.Equal(t, flowruntime.RunSucceeded, run.Status)

	require.Eventually(t, func() bool {
		return len(exporter.GetSpans()) > 0
	}, time.Second, 5*time.Millisecond)

	spans := exporter.GetSpans()
	sawQueued := false
	for _, span := range spans {
		if span.Name == string(flowruntime.EventRunStatus) {
			sawQueued = true
		}
	}
	assert.True(t, sawQueued, "expected at least one run_status span")
}

func TestNewRunName(t *testing.T) {
	name := NewRunName("my-plan")
	assert.Contains(t, name, "my-plan-")
	assert.Len(t, name, len("my-plan-")+8)
}

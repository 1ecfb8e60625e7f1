package driver

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shellCmd(script string) []string {
	if runtime.GOOS == "windows" {
		return []string{"cmd", "/C", script}
	}
	return []string{"sh", "-c", script}
}

func TestLocalDriver_Success(t *testing.T) {
	d := NewLocalDriver()
	code, err := d.RunNode(context.Background(), "run-1", "a", shellCmd("exit 0"), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestLocalDriver_NonZeroExit(t *testing.T) {
	d := NewLocalDriver()
	code, err := d.RunNode(context.Background(), "run-1", "a", shellCmd("exit 7"), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 7, code)
}

func TestLocalDriver_EmptyCommandIsNoop(t *testing.T) {
	d := NewLocalDriver()
	code, err := d.RunNode(context.Background(), "run-1", "a", nil, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestLocalDriver_Timeout(t *testing.T) {
	d := NewLocalDriver()
	code, err := d.RunNode(context.Background(), "run-1", "a", shellCmd("sleep 5"), nil, 20*time.Millisecond)
	require.NoError(t, err)
	assert.NotEqual(t, 0, code)
}

func TestLocalDriver_CancelNode(t *testing.T) {
	d := NewLocalDriver()
	done := make(chan struct{})
	go func() {
		code, err := d.RunNode(context.Background(), "run-1", "a", shellCmd("sleep 5"), nil, 0)
		require.NoError(t, err)
		assert.NotEqual(t, 0, code)
		close(done)
	}()

	require.Eventually(t, func() bool {
		st, _ := d.GetNodeStatus(context.Background(), "run-1", "a")
		return st == StatusRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, d.CancelNode(context.Background(), "run-1", "a"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cancel did not stop the process in time")
	}
}

func TestLocalDriver_GetNodeStatusUnknown(t *testing.T) {
	d := NewLocalDriver()
	st, err := d.GetNodeStatus(context.Background(), "run-1", "ghost")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, st)
}

func TestLocalDriver_CapturesJSONStdoutAsOutputs(t *testing.T) {
	d := NewLocalDriver()
	code, err := d.RunNode(context.Background(), "run-1", "a", shellCmd(`echo '{"score": 0.9, "label": "ok"}'`), nil, 0)
	require.NoError(t, err)
	require.Equal(t, 0, code)

	outs, err := d.NodeOutputs(context.Background(), "run-1", "a")
	require.NoError(t, err)
	assert.Equal(t, 0.9, outs["score"])
	assert.Equal(t, "ok", outs["label"])
}

func TestLocalDriver_NonJSONStdoutProducesNoOutputs(t *testing.T) {
	d := NewLocalDriver()
	code, err := d.RunNode(context.Background(), "run-1", "a", shellCmd("echo plain text"), nil, 0)
	require.NoError(t, err)
	require.Equal(t, 0, code)

	outs, err := d.NodeOutputs(context.Background(), "run-1", "a")
	require.NoError(t, err)
	assert.Nil(t, outs)
}

func TestLocalDriver_CleanupRun(t *testing.T) {
	d := NewLocalDriver()
	go func() { _, _ = d.RunNode(context.Background(), "run-1", "a", shellCmd("sleep 5"), nil, 0) }()

	require.Eventually(t, func() bool {
		st, _ := d.GetNodeStatus(context.Background(), "run-1", "a")
		return st == StatusRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, d.CleanupRun(context.Background(), "run-1"))

	require.Eventually(t, func() bool {
		st, _ := d.GetNodeStatus(context.Background(), "run-1", "a")
		return st == StatusUnknown
	}, time.Second, 5*time.Millisecond)
}

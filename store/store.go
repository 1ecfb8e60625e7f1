// Package store provides the authoritative, concurrency-safe persistence
// layer for runs: run/node status, node outputs, and the append-only event
// log subscribers replay from. Every implementation — in-memory or
// database-backed — satisfies the same Store interface, so an engine built
// against it is durability-agnostic: swapping backends never changes
// behavior observable through the interface.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dagwright/flowengine/plan"
	"github.com/dagwright/flowengine/runtime"
)

// ErrNotFound is returned when a requested run or node ID is unknown to
// the store.
var ErrNotFound = errors.New("store: not found")

// ErrInvalidTransition is returned when a requested run or node status
// change is not permitted by the transition automaton in package runtime.
var ErrInvalidTransition = errors.New("store: invalid state transition")

// ErrOutputsNotAvailable is returned by GetNodeOutputs when the node has
// not yet succeeded: only a node's own successful execution may publish
// its outputs, and dependents must not observe partial results.
var ErrOutputsNotAvailable = errors.New("store: node outputs not available")

// RunFilter narrows ListRuns results. A zero value matches every run.
type RunFilter struct {
	Status runtime.RunStatus // empty matches any status
	Name   string            // empty matches any name
}

// Store is the authoritative persistence contract for runs. All methods
// must be safe for concurrent callers; AppendEvent in particular must
// serialize sequence-number assignment per run.
type Store interface {
	// CreateRun persists a new plan and initializes its run as queued.
	CreateRun(ctx context.Context, name string, p *plan.Plan) (runID string, err error)

	// GetRun returns the run record, or ErrNotFound.
	GetRun(ctx context.Context, runID string) (runtime.Run, error)

	// GetPlan returns the plan a run was created from.
	GetPlan(ctx context.Context, runID string) (*plan.Plan, error)

	// ListRuns returns runs matching filter, most-recently-created first.
	ListRuns(ctx context.Context, filter RunFilter) ([]runtime.Run, error)

	// UpdateRunStatus enforces runtime.RunTransitionAllowed and persists
	// the new status plus any provided timestamps.
	UpdateRunStatus(ctx context.Context, runID string, status runtime.RunStatus, startedAt, finishedAt *time.Time) error

	// CancelRun transitions a queued or running run to cancelled. It is a
	// no-op returning nil if the run is already terminal.
	CancelRun(ctx context.Context, runID string, finishedAt time.Time) error

	// GetNodeState returns the node's current state, or ErrNotFound.
	GetNodeState(ctx context.Context, runID, nodeID string) (runtime.NodeState, error)

	// ListNodeStates returns every node state tracked for a run.
	ListNodeStates(ctx context.Context, runID string) ([]runtime.NodeState, error)

	// UpdateNodeState enforces runtime.NodeTransitionAllowed (except for
	// the initial lazy creation of a node's pending state) and persists
	// the new state.
	UpdateNodeState(ctx context.Context, runID string, state runtime.NodeState) error

	// SetNodeOutputs publishes a node's outputs. Callers must only invoke
	// this for the node's own execution, after it has succeeded.
	SetNodeOutputs(ctx context.Context, runID, nodeID string, outputs runtime.NodeOutputs) error

	// GetNodeOutputs returns a node's outputs, or ErrOutputsNotAvailable if
	// the node has not succeeded, or ErrNotFound if the node is unknown.
	GetNodeOutputs(ctx context.Context, runID, nodeID string) (runtime.NodeOutputs, error)

	// AppendEvent assigns the next contiguous sequence number for runID,
	// timestamps and persists the event, and delivers it to every live
	// subscriber before returning.
	AppendEvent(ctx context.Context, runID string, eventType runtime.EventType, nodeID string, data map[string]any) (runtime.Event, error)

	// GetEventsSince returns events with Seq > lastSeq, in increasing Seq
	// order.
	GetEventsSince(ctx context.Context, runID string, lastSeq int64) ([]runtime.Event, error)

	// GetLastNEvents returns up to n of the most recent events, in
	// increasing Seq order.
	GetLastNEvents(ctx context.Context, runID string, n int) ([]runtime.Event, error)

	// SubscribeEvents returns a channel of events appended after the call
	// returns, and an unsubscribe function to release it. The channel is
	// closed by the store if the subscriber falls far enough behind that
	// delivering more events would require unbounded buffering (the store
	// never blocks AppendEvent on a slow subscriber).
	SubscribeEvents(ctx context.Context, runID string) (<-chan runtime.Event, func(), error)

	// SetRetention configures how many trailing events a terminal run
	// keeps; 0 (the default) means unbounded. Non-terminal runs always
	// retain every event regardless of this setting.
	SetRetention(ctx context.Context, runID string, keepLast int) error

	// Close releases any resources the store holds (database handles,
	// background goroutines).
	Close() error
}

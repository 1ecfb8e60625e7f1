package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dagwright/flowengine/plan"
	"github.com/dagwright/flowengine/runtime"
)

// SQLiteStore is a SQLite-backed Store implementation.
//
// It is designed for:
//   - Development and single-process deployments with zero external setup
//   - Durable runs that must survive process restarts
//   - Prototyping before migrating to a networked database
//
// SQLiteStore uses WAL mode for concurrent reads and a single writer
// connection, matching SQLite's own concurrency model. Live subscriber
// fanout (SubscribeEvents) is necessarily in-process: a subscriber only
// ever observes events appended by the same process, same as any other
// Store implementation — durability of the underlying log is what
// SQLite buys, not cross-process delivery.
type SQLiteStore struct {
	db   *sql.DB
	path string

	mu   sync.Mutex
	subs map[string]map[int]chan runtime.Event // runID -> subID -> chan
	next map[string]int                        // runID -> next subID
}

// NewSQLiteStore opens (creating if necessary) a SQLite database at path
// and ensures its schema exists. Use ":memory:" for an ephemeral database
// useful in tests that still want to exercise the SQL code path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite store: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{
		db:   db,
		path: path,
		subs: make(map[string]map[int]chan runtime.Event),
		next: make(map[string]int),
	}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			plan_name TEXT NOT NULL,
			plan_json TEXT NOT NULL,
			retention INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP NULL,
			finished_at TIMESTAMP NULL
		)`,
		`CREATE TABLE IF NOT EXISTS node_states (
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMP NULL,
			finished_at TIMESTAMP NULL,
			exit_code INTEGER NULL,
			retries INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (run_id, node_id)
		)`,
		`CREATE TABLE IF NOT EXISTS node_outputs (
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			outputs_json TEXT NOT NULL,
			PRIMARY KEY (run_id, node_id)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			id TEXT NOT NULL,
			type TEXT NOT NULL,
			node_id TEXT NOT NULL,
			data_json TEXT NOT NULL,
			ts TIMESTAMP NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_seq ON events(run_id, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// CreateRun implements Store.
func (s *SQLiteStore) CreateRun(ctx context.Context, name string, p *plan.Plan) (string, error) {
	id := newRunID()
	planJSON, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("sqlite store: marshal plan: %w", err)
	}
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("sqlite store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, name, status, plan_name, plan_json, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, name, string(runtime.RunQueued), p.Name, string(planJSON), now)
	if err != nil {
		return "", fmt.Errorf("sqlite store: insert run: %w", err)
	}

	for _, n := range p.Nodes {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO node_states (run_id, node_id, status) VALUES (?, ?, ?)`,
			id, n.ID, string(runtime.NodePending))
		if err != nil {
			return "", fmt.Errorf("sqlite store: insert node state: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("sqlite store: commit: %w", err)
	}
	return id, nil
}

// GetRun implements Store.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (runtime.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, plan_name, created_at, started_at, finished_at FROM runs WHERE id = ?`, runID)
	return scanRun(row)
}

func scanRun(row *sql.Row) (runtime.Run, error) {
	var (
		r         runtime.Run
		startedAt sql.NullTime
		finished  sql.NullTime
		status    string
	)
	if err := row.Scan(&r.ID, &r.Name, &status, &r.PlanName, &r.CreatedAt, &startedAt, &finished); err != nil {
		if err == sql.ErrNoRows {
			return runtime.Run{}, ErrNotFound
		}
		return runtime.Run{}, fmt.Errorf("sqlite store: scan run: %w", err)
	}
	r.Status = runtime.RunStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		r.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return r, nil
}

// GetPlan implements Store.
func (s *SQLiteStore) GetPlan(ctx context.Context, runID string) (*plan.Plan, error) {
	var planJSON string
	err := s.db.QueryRowContext(ctx, `SELECT plan_json FROM runs WHERE id = ?`, runID).Scan(&planJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite store: scan plan: %w", err)
	}
	var p plan.Plan
	if err := json.Unmarshal([]byte(planJSON), &p); err != nil {
		return nil, fmt.Errorf("sqlite store: unmarshal plan: %w", err)
	}
	return &p, nil
}

// ListRuns implements Store.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]runtime.Run, error) {
	query := `SELECT id, name, status, plan_name, created_at, started_at, finished_at FROM runs WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Name != "" {
		query += ` AND name = ?`
		args = append(args, filter.Name)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []runtime.Run
	for rows.Next() {
		var (
			r         runtime.Run
			startedAt sql.NullTime
			finished  sql.NullTime
			status    string
		)
		if err := rows.Scan(&r.ID, &r.Name, &status, &r.PlanName, &r.CreatedAt, &startedAt, &finished); err != nil {
			return nil, fmt.Errorf("sqlite store: scan run row: %w", err)
		}
		r.Status = runtime.RunStatus(status)
		if startedAt.Valid {
			t := startedAt.Time
			r.StartedAt = &t
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateRunStatus implements Store.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status runtime.RunStatus, startedAt, finishedAt *time.Time) error {
	cur, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !runtime.RunTransitionAllowed(cur.Status, status) {
		return fmt.Errorf("%w: run %s: %s -> %s", ErrInvalidTransition, runID, cur.Status, status)
	}

	if startedAt != nil {
		cur.StartedAt = startedAt
	}
	if finishedAt != nil {
		cur.FinishedAt = finishedAt
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, started_at = ?, finished_at = ? WHERE id = ?`,
		string(status), cur.StartedAt, cur.FinishedAt, runID)
	if err != nil {
		return fmt.Errorf("sqlite store: update run status: %w", err)
	}
	return nil
}

// CancelRun implements Store.
func (s *SQLiteStore) CancelRun(ctx context.Context, runID string, finishedAt time.Time) error {
	cur, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if cur.Status.Terminal() {
		return nil
	}
	if !runtime.RunTransitionAllowed(cur.Status, runtime.RunCancelled) {
		return fmt.Errorf("%w: run %s: %s -> cancelled", ErrInvalidTransition, runID, cur.Status)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		string(runtime.RunCancelled), finishedAt, runID)
	if err != nil {
		return fmt.Errorf("sqlite store: cancel run: %w", err)
	}
	return nil
}

// GetNodeState implements Store.
func (s *SQLiteStore) GetNodeState(ctx context.Context, runID, nodeID string) (runtime.NodeState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT node_id, status, started_at, finished_at, exit_code, retries, error FROM node_states WHERE run_id = ? AND node_id = ?`,
		runID, nodeID)
	return scanNodeState(row)
}

func scanNodeState(row *sql.Row) (runtime.NodeState, error) {
	var (
		st        runtime.NodeState
		status    string
		startedAt sql.NullTime
		finished  sql.NullTime
		exitCode  sql.NullInt64
	)
	if err := row.Scan(&st.NodeID, &status, &startedAt, &finished, &exitCode, &st.Retries, &st.Error); err != nil {
		if err == sql.ErrNoRows {
			return runtime.NodeState{}, ErrNotFound
		}
		return runtime.NodeState{}, fmt.Errorf("sqlite store: scan node state: %w", err)
	}
	st.Status = runtime.NodeStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		st.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		st.FinishedAt = &t
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		st.ExitCode = &v
	}
	return st, nil
}

// ListNodeStates implements Store.
func (s *SQLiteStore) ListNodeStates(ctx context.Context, runID string) ([]runtime.NodeState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, status, started_at, finished_at, exit_code, retries, error FROM node_states WHERE run_id = ? ORDER BY node_id`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list node states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []runtime.NodeState
	for rows.Next() {
		var (
			st        runtime.NodeState
			status    string
			startedAt sql.NullTime
			finished  sql.NullTime
			exitCode  sql.NullInt64
		)
		if err := rows.Scan(&st.NodeID, &status, &startedAt, &finished, &exitCode, &st.Retries, &st.Error); err != nil {
			return nil, fmt.Errorf("sqlite store: scan node state row: %w", err)
		}
		st.Status = runtime.NodeStatus(status)
		if startedAt.Valid {
			t := startedAt.Time
			st.StartedAt = &t
		}
		if finished.Valid {
			t := finished.Time
			st.FinishedAt = &t
		}
		if exitCode.Valid {
			v := int(exitCode.Int64)
			st.ExitCode = &v
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpdateNodeState implements Store.
func (s *SQLiteStore) UpdateNodeState(ctx context.Context, runID string, state runtime.NodeState) error {
	cur, err := s.GetNodeState(ctx, runID, state.NodeID)
	if err == nil && !runtime.NodeTransitionAllowed(cur.Status, state.Status) && cur.Status != state.Status {
		return fmt.Errorf("%w: node %s/%s: %s -> %s", ErrInvalidTransition, runID, state.NodeID, cur.Status, state.Status)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO node_states (run_id, node_id, status, started_at, finished_at, exit_code, retries, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, node_id) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			exit_code = excluded.exit_code,
			retries = excluded.retries,
			error = excluded.error`,
		runID, state.NodeID, string(state.Status), state.StartedAt, state.FinishedAt, state.ExitCode, state.Retries, state.Error)
	if err != nil {
		return fmt.Errorf("sqlite store: update node state: %w", err)
	}
	return nil
}

// SetNodeOutputs implements Store.
func (s *SQLiteStore) SetNodeOutputs(ctx context.Context, runID, nodeID string, outputs runtime.NodeOutputs) error {
	data, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("sqlite store: marshal outputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO node_outputs (run_id, node_id, outputs_json) VALUES (?, ?, ?)
		 ON CONFLICT(run_id, node_id) DO UPDATE SET outputs_json = excluded.outputs_json`,
		runID, nodeID, string(data))
	if err != nil {
		return fmt.Errorf("sqlite store: set node outputs: %w", err)
	}
	return nil
}

// GetNodeOutputs implements Store.
func (s *SQLiteStore) GetNodeOutputs(ctx context.Context, runID, nodeID string) (runtime.NodeOutputs, error) {
	st, err := s.GetNodeState(ctx, runID, nodeID)
	if err != nil {
		return nil, err
	}
	if st.Status != runtime.NodeSucceeded {
		return nil, ErrOutputsNotAvailable
	}

	var data string
	err = s.db.QueryRowContext(ctx, `SELECT outputs_json FROM node_outputs WHERE run_id = ? AND node_id = ?`, runID, nodeID).Scan(&data)
	if err == sql.ErrNoRows {
		return runtime.NodeOutputs{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite store: get node outputs: %w", err)
	}
	var out runtime.NodeOutputs
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("sqlite store: unmarshal outputs: %w", err)
	}
	return out, nil
}

// AppendEvent implements Store. Sequence assignment happens inside a
// transaction keyed by (run_id, seq) uniqueness so concurrent appends for
// the same run serialize through SQLite's single-writer connection.
func (s *SQLiteStore) AppendEvent(ctx context.Context, runID string, eventType runtime.EventType, nodeID string, data map[string]any) (runtime.Event, error) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return runtime.Event{}, fmt.Errorf("sqlite store: marshal event data: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return runtime.Event{}, fmt.Errorf("sqlite store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM events WHERE run_id = ?`, runID).Scan(&maxSeq); err != nil {
		return runtime.Event{}, fmt.Errorf("sqlite store: max seq: %w", err)
	}
	seq := maxSeq.Int64 + 1
	now := time.Now()
	id := fmt.Sprintf("%d", seq)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, seq, id, type, node_id, data_json, ts) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, seq, id, string(eventType), nodeID, string(dataJSON), now)
	if err != nil {
		return runtime.Event{}, fmt.Errorf("sqlite store: insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return runtime.Event{}, fmt.Errorf("sqlite store: commit event: %w", err)
	}

	ev := runtime.Event{Seq: seq, ID: id, RunID: runID, Type: eventType, NodeID: nodeID, Data: data, Ts: now}
	s.broadcast(runID, ev)
	return ev, nil
}

func (s *SQLiteStore) broadcast(runID string, ev runtime.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs[runID] {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(s.subs[runID], id)
		}
	}
}

// GetEventsSince implements Store.
func (s *SQLiteStore) GetEventsSince(ctx context.Context, runID string, lastSeq int64) ([]runtime.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, type, node_id, data_json, ts FROM events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`,
		runID, lastSeq)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: events since: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows, runID)
}

// GetLastNEvents implements Store.
func (s *SQLiteStore) GetLastNEvents(ctx context.Context, runID string, n int) ([]runtime.Event, error) {
	query := `SELECT seq, id, type, node_id, data_json, ts FROM events WHERE run_id = ? ORDER BY seq DESC`
	args := []any{runID}
	if n > 0 {
		query += ` LIMIT ?`
		args = append(args, n)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: last n events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out, err := scanEvents(rows, runID)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func scanEvents(rows *sql.Rows, runID string) ([]runtime.Event, error) {
	var out []runtime.Event
	for rows.Next() {
		var (
			ev       runtime.Event
			typ      string
			dataJSON string
		)
		if err := rows.Scan(&ev.Seq, &ev.ID, &typ, &ev.NodeID, &dataJSON, &ev.Ts); err != nil {
			return nil, fmt.Errorf("sqlite store: scan event row: %w", err)
		}
		ev.RunID = runID
		ev.Type = runtime.EventType(typ)
		if err := json.Unmarshal([]byte(dataJSON), &ev.Data); err != nil {
			return nil, fmt.Errorf("sqlite store: unmarshal event data: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SubscribeEvents implements Store.
func (s *SQLiteStore) SubscribeEvents(ctx context.Context, runID string) (<-chan runtime.Event, func(), error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[runID] == nil {
		s.subs[runID] = make(map[int]chan runtime.Event)
	}
	id := s.next[runID]
	s.next[runID] = id + 1
	ch := make(chan runtime.Event, subscriberQueueDepth)
	s.subs[runID][id] = ch

	unsub := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.subs[runID][id]; ok {
			delete(s.subs[runID], id)
			close(existing)
		}
	}
	return ch, unsub, nil
}

// SetRetention implements Store. It records keepLast and trims the event
// log only if the run is already terminal at the time of the call; the
// recorded value is not applied when a run becomes terminal later or to
// events appended after the call.
func (s *SQLiteStore) SetRetention(ctx context.Context, runID string, keepLast int) error {
	r, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE runs SET retention = ? WHERE id = ?`, keepLast, runID)
	if err != nil {
		return fmt.Errorf("sqlite store: set retention: %w", err)
	}
	if keepLast <= 0 || !r.Status.Terminal() {
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM events WHERE run_id = ? AND seq NOT IN (
			SELECT seq FROM events WHERE run_id = ? ORDER BY seq DESC LIMIT ?
		)`, runID, runID, keepLast)
	if err != nil {
		return fmt.Errorf("sqlite store: trim events: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

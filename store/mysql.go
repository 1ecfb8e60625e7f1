package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/dagwright/flowengine/plan"
	"github.com/dagwright/flowengine/runtime"
)

// MySQLStore is a MySQL/MariaDB-backed Store implementation.
//
// Designed for production deployments with multiple engine processes
// sharing one database: durable runs, audit trails, and restart survival.
// Unlike SQLiteStore, its connection pool is sized for concurrent writers.
//
// The DSN follows the go-sql-driver/mysql format:
//
//	user:password@tcp(host:3306)/dbname?parseTime=true
//
// parseTime=true is required so TIMESTAMP columns scan into time.Time.
type MySQLStore struct {
	db *sql.DB

	mu   sync.Mutex
	subs map[string]map[int]chan runtime.Event
	next map[string]int
}

// NewMySQLStore opens a MySQL connection pool and ensures schema exists.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql store: open: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysql store: ping: %w", err)
	}

	s := &MySQLStore{
		db:   db,
		subs: make(map[string]map[int]chan runtime.Event),
		next: make(map[string]int),
	}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysql store: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			plan_name VARCHAR(255) NOT NULL,
			plan_json JSON NOT NULL,
			retention INT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at TIMESTAMP NULL,
			finished_at TIMESTAMP NULL,
			INDEX idx_runs_status (status)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS node_states (
			run_id VARCHAR(64) NOT NULL,
			node_id VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			started_at TIMESTAMP NULL,
			finished_at TIMESTAMP NULL,
			exit_code INT NULL,
			retries INT NOT NULL DEFAULT 0,
			error TEXT NOT NULL,
			PRIMARY KEY (run_id, node_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS node_outputs (
			run_id VARCHAR(64) NOT NULL,
			node_id VARCHAR(255) NOT NULL,
			outputs_json JSON NOT NULL,
			PRIMARY KEY (run_id, node_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS events (
			run_id VARCHAR(64) NOT NULL,
			seq BIGINT NOT NULL,
			id VARCHAR(64) NOT NULL,
			type VARCHAR(64) NOT NULL,
			node_id VARCHAR(255) NOT NULL,
			data_json JSON NOT NULL,
			ts TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (run_id, seq)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		// run_seq_counters backs monotonic per-run sequence assignment: MySQL
		// has no single-writer guarantee like SQLite, so AppendEvent takes a
		// row lock here instead of computing MAX(seq) racily.
		`CREATE TABLE IF NOT EXISTS run_seq_counters (
			run_id VARCHAR(64) PRIMARY KEY,
			seq BIGINT NOT NULL DEFAULT 0
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// CreateRun implements Store.
func (s *MySQLStore) CreateRun(ctx context.Context, name string, p *plan.Plan) (string, error) {
	id := newRunID()
	planJSON, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("mysql store: marshal plan: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("mysql store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, name, status, plan_name, plan_json) VALUES (?, ?, ?, ?, ?)`,
		id, name, string(runtime.RunQueued), p.Name, string(planJSON))
	if err != nil {
		return "", fmt.Errorf("mysql store: insert run: %w", err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO run_seq_counters (run_id, seq) VALUES (?, 0)`, id)
	if err != nil {
		return "", fmt.Errorf("mysql store: insert seq counter: %w", err)
	}

	for _, n := range p.Nodes {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO node_states (run_id, node_id, status, error) VALUES (?, ?, ?, '')`,
			id, n.ID, string(runtime.NodePending))
		if err != nil {
			return "", fmt.Errorf("mysql store: insert node state: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("mysql store: commit: %w", err)
	}
	return id, nil
}

// GetRun implements Store.
func (s *MySQLStore) GetRun(ctx context.Context, runID string) (runtime.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, plan_name, created_at, started_at, finished_at FROM runs WHERE id = ?`, runID)
	return scanRun(row)
}

// GetPlan implements Store.
func (s *MySQLStore) GetPlan(ctx context.Context, runID string) (*plan.Plan, error) {
	var planJSON string
	err := s.db.QueryRowContext(ctx, `SELECT plan_json FROM runs WHERE id = ?`, runID).Scan(&planJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mysql store: scan plan: %w", err)
	}
	var p plan.Plan
	if err := json.Unmarshal([]byte(planJSON), &p); err != nil {
		return nil, fmt.Errorf("mysql store: unmarshal plan: %w", err)
	}
	return &p, nil
}

// ListRuns implements Store.
func (s *MySQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]runtime.Run, error) {
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
		return nil, fmt.Errorf("mysql store: list runs: %w", err)
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
			return nil, fmt.Errorf("mysql store: scan run row: %w", err)
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
func (s *MySQLStore) UpdateRunStatus(ctx context.Context, runID string, status runtime.RunStatus, startedAt, finishedAt *time.Time) error {
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
		return fmt.Errorf("mysql store: update run status: %w", err)
	}
	return nil
}

// CancelRun implements Store.
func (s *MySQLStore) CancelRun(ctx context.Context, runID string, finishedAt time.Time) error {
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
		return fmt.Errorf("mysql store: cancel run: %w", err)
	}
	return nil
}

// GetNodeState implements Store.
func (s *MySQLStore) GetNodeState(ctx context.Context, runID, nodeID string) (runtime.NodeState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT node_id, status, started_at, finished_at, exit_code, retries, error FROM node_states WHERE run_id = ? AND node_id = ?`,
		runID, nodeID)
	return scanNodeState(row)
}

// ListNodeStates implements Store.
func (s *MySQLStore) ListNodeStates(ctx context.Context, runID string) ([]runtime.NodeState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, status, started_at, finished_at, exit_code, retries, error FROM node_states WHERE run_id = ? ORDER BY node_id`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("mysql store: list node states: %w", err)
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
			return nil, fmt.Errorf("mysql store: scan node state row: %w", err)
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
func (s *MySQLStore) UpdateNodeState(ctx context.Context, runID string, state runtime.NodeState) error {
	cur, err := s.GetNodeState(ctx, runID, state.NodeID)
	if err == nil && !runtime.NodeTransitionAllowed(cur.Status, state.Status) && cur.Status != state.Status {
		return fmt.Errorf("%w: node %s/%s: %s -> %s", ErrInvalidTransition, runID, state.NodeID, cur.Status, state.Status)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO node_states (run_id, node_id, status, started_at, finished_at, exit_code, retries, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			started_at = VALUES(started_at),
			finished_at = VALUES(finished_at),
			exit_code = VALUES(exit_code),
			retries = VALUES(retries),
			error = VALUES(error)`,
		runID, state.NodeID, string(state.Status), state.StartedAt, state.FinishedAt, state.ExitCode, state.Retries, state.Error)
	if err != nil {
		return fmt.Errorf("mysql store: update node state: %w", err)
	}
	return nil
}

// SetNodeOutputs implements Store.
func (s *MySQLStore) SetNodeOutputs(ctx context.Context, runID, nodeID string, outputs runtime.NodeOutputs) error {
	data, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("mysql store: marshal outputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO node_outputs (run_id, node_id, outputs_json) VALUES (?, ?, ?)
		 ON DUPLICATE KEY UPDATE outputs_json = VALUES(outputs_json)`,
		runID, nodeID, string(data))
	if err != nil {
		return fmt.Errorf("mysql store: set node outputs: %w", err)
	}
	return nil
}

// GetNodeOutputs implements Store.
func (s *MySQLStore) GetNodeOutputs(ctx context.Context, runID, nodeID string) (runtime.NodeOutputs, error) {
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
		return nil, fmt.Errorf("mysql store: get node outputs: %w", err)
	}
	var out runtime.NodeOutputs
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("mysql store: unmarshal outputs: %w", err)
	}
	return out, nil
}

// AppendEvent implements Store. It locks the run's counter row with
// SELECT ... FOR UPDATE to serialize sequence assignment across concurrent
// engine processes sharing this database.
func (s *MySQLStore) AppendEvent(ctx context.Context, runID string, eventType runtime.EventType, nodeID string, data map[string]any) (runtime.Event, error) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return runtime.Event{}, fmt.Errorf("mysql store: marshal event data: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return runtime.Event{}, fmt.Errorf("mysql store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	err = tx.QueryRowContext(ctx, `SELECT seq FROM run_seq_counters WHERE run_id = ? FOR UPDATE`, runID).Scan(&seq)
	if err == sql.ErrNoRows {
		return runtime.Event{}, ErrNotFound
	}
	if err != nil {
		return runtime.Event{}, fmt.Errorf("mysql store: lock seq counter: %w", err)
	}
	seq++

	if _, err := tx.ExecContext(ctx, `UPDATE run_seq_counters SET seq = ? WHERE run_id = ?`, seq, runID); err != nil {
		return runtime.Event{}, fmt.Errorf("mysql store: advance seq counter: %w", err)
	}

	now := time.Now()
	id := fmt.Sprintf("%d", seq)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, seq, id, type, node_id, data_json, ts) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, seq, id, string(eventType), nodeID, string(dataJSON), now)
	if err != nil {
		return runtime.Event{}, fmt.Errorf("mysql store: insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return runtime.Event{}, fmt.Errorf("mysql store: commit event: %w", err)
	}

	ev := runtime.Event{Seq: seq, ID: id, RunID: runID, Type: eventType, NodeID: nodeID, Data: data, Ts: now}
	s.broadcast(runID, ev)
	return ev, nil
}

func (s *MySQLStore) broadcast(runID string, ev runtime.Event) {
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
func (s *MySQLStore) GetEventsSince(ctx context.Context, runID string, lastSeq int64) ([]runtime.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, type, node_id, data_json, ts FROM events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`,
		runID, lastSeq)
	if err != nil {
		return nil, fmt.Errorf("mysql store: events since: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows, runID)
}

// GetLastNEvents implements Store.
func (s *MySQLStore) GetLastNEvents(ctx context.Context, runID string, n int) ([]runtime.Event, error) {
	query := `SELECT seq, id, type, node_id, data_json, ts FROM events WHERE run_id = ? ORDER BY seq DESC`
	args := []any{runID}
	if n > 0 {
		query += ` LIMIT ?`
		args = append(args, n)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mysql store: last n events: %w", err)
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

// SubscribeEvents implements Store.
func (s *MySQLStore) SubscribeEvents(ctx context.Context, runID string) (<-chan runtime.Event, func(), error) {
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
func (s *MySQLStore) SetRetention(ctx context.Context, runID string, keepLast int) error {
	r, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE runs SET retention = ? WHERE id = ?`, keepLast, runID)
	if err != nil {
		return fmt.Errorf("mysql store: set retention: %w", err)
	}
	if keepLast <= 0 || !r.Status.Terminal() {
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM events WHERE run_id = ? AND seq NOT IN (
			SELECT seq FROM (
				SELECT seq FROM events WHERE run_id = ? ORDER BY seq DESC LIMIT ?
			) AS keep
		 )`, runID, runID, keepLast)
	if err != nil {
		return fmt.Errorf("mysql store: trim events: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

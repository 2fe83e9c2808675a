package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store, grounded on the teacher's
// SQLiteStore[S] (same WAL-mode, single-writer-connection, auto-migrate
// shape), generalized from a single workflow_steps/checkpoints schema into
// the full sessions/runs/dag_nodes/dag_edges/execution_events/branches
// schema spec.md §6 describes as "persisted state layout".
//
// Designed for single-process deployments and local development; the
// pure-Go modernc.org/sqlite driver means no cgo toolchain is required.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string

	validateTransition func(from, to RunStatus) error
}

// NewSQLiteStore opens (and migrates) a SQLite-backed store. path may be a
// file path or ":memory:". validateTransition enforces spec.md §4.5's
// legal-edge table against every UpdateRunState call; pass nil to skip (see
// MemStore's NewMemStore for why the predicate is injected rather than
// imported).
func NewSQLiteStore(path string, validateTransition func(from, to RunStatus) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
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
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path, validateTransition: validateTransition}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			last_active_at TIMESTAMP NOT NULL,
			run_count INTEGER NOT NULL DEFAULT 0,
			aggregated_cost REAL NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			task TEXT NOT NULL,
			mode TEXT NOT NULL,
			preferred_agent TEXT NOT NULL DEFAULT '',
			preferred_model TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			aggregate_cost REAL NOT NULL DEFAULT 0,
			last_heartbeat_at TIMESTAMP,
			mode_config TEXT NOT NULL DEFAULT '{}',
			parent_branch_id TEXT NOT NULL DEFAULT '',
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE TABLE IF NOT EXISTS dag_nodes (
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			persona TEXT NOT NULL DEFAULT '',
			step_index INTEGER NOT NULL DEFAULT 0,
			goal TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			error_msg TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 0,
			payload TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (run_id, node_id)
		)`,
		`CREATE TABLE IF NOT EXISTS dag_edges (
			run_id TEXT NOT NULL,
			from_node TEXT NOT NULL,
			to_node TEXT NOT NULL,
			PRIMARY KEY (run_id, from_node, to_node)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_from ON dag_edges(run_id, from_node)`,
		`CREATE TABLE IF NOT EXISTS execution_events (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			execution_order INTEGER NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			event_type TEXT NOT NULL,
			event_subtype TEXT NOT NULL DEFAULT '',
			parent_event_id TEXT NOT NULL DEFAULT '',
			agent_name TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT '',
			inputs TEXT NOT NULL DEFAULT '{}',
			outputs TEXT NOT NULL DEFAULT '{}',
			meta TEXT NOT NULL DEFAULT '{}',
			error_message TEXT NOT NULL DEFAULT '',
			UNIQUE(run_id, execution_order)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run ON execution_events(run_id, execution_order)`,
		`CREATE INDEX IF NOT EXISTS idx_events_node ON execution_events(run_id, node_id, execution_order)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON execution_events(run_id, event_type)`,
		`CREATE TABLE IF NOT EXISTS branches (
			id TEXT PRIMARY KEY,
			parent_run_id TEXT NOT NULL,
			parent_branch_id TEXT NOT NULL DEFAULT '',
			fork_node_id TEXT NOT NULL,
			hypothesis TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			status TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS run_locks (
			run_id TEXT PRIMARY KEY,
			next_execution_order INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// AppendEvent assigns the next execution_order for the run inside a
// transaction against run_locks, mirroring the teacher's events_outbox
// transactional-write pattern but folded into a single events table plus a
// row-locking counter table (spec.md §5's "single append-lock per run").
func (s *SQLiteStore) AppendEvent(ctx context.Context, e Event) (string, int64, error) {
	if err := s.checkOpen(); err != nil {
		return "", 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO run_locks (run_id, next_execution_order) VALUES (?, 0)
		 ON CONFLICT(run_id) DO NOTHING`, e.RunID); err != nil {
		return "", 0, fmt.Errorf("ensure run lock row: %w", err)
	}

	var order int64
	if err := tx.QueryRowContext(ctx,
		`UPDATE run_locks SET next_execution_order = next_execution_order + 1
		 WHERE run_id = ? RETURNING next_execution_order`, e.RunID).Scan(&order); err != nil {
		return "", 0, fmt.Errorf("increment execution order: %w", err)
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.ExecutionOrder = order
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO execution_events
			(id, run_id, node_id, session_id, execution_order, timestamp, event_type,
			 event_subtype, parent_event_id, agent_name, duration_ms, status,
			 inputs, outputs, meta, error_message)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.RunID, e.NodeID, e.SessionID, e.ExecutionOrder, e.Timestamp, e.EventType,
		e.EventSubtype, e.ParentEventID, e.AgentName, e.DurationMS, e.Status,
		jsonOrEmpty(e.Inputs), jsonOrEmpty(e.Outputs), jsonOrEmpty(e.Meta), e.ErrorMessage,
	); err != nil {
		return "", 0, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", 0, fmt.Errorf("commit event append: %w", err)
	}
	return e.ID, order, nil
}

func jsonOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func (s *SQLiteStore) UpsertNode(ctx context.Context, n NodeRow) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dag_nodes
			(run_id, node_id, label, type, status, persona, step_index, goal, summary,
			 description, started_at, completed_at, error_msg, attempt, max_attempts, payload)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(run_id, node_id) DO UPDATE SET
			label=excluded.label, type=excluded.type, status=excluded.status,
			persona=excluded.persona, step_index=excluded.step_index, goal=excluded.goal,
			summary=excluded.summary, description=excluded.description,
			started_at=excluded.started_at, completed_at=excluded.completed_at,
			error_msg=excluded.error_msg, attempt=excluded.attempt,
			max_attempts=excluded.max_attempts, payload=excluded.payload`,
		n.RunID, n.NodeID, n.Label, n.Type, n.Status, n.Persona, n.StepIndex, n.Goal, n.Summary,
		n.Description, n.StartedAt, n.CompletedAt, n.ErrorMsg, n.Attempt, n.MaxAttempts,
		jsonOrEmpty(n.Payload),
	)
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

// UpsertEdge rejects cycle-creating edges by checking reachability of `from`
// from `to` over the run's stored edges before inserting.
func (s *SQLiteStore) UpsertEdge(ctx context.Context, e EdgeRow) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if e.From == e.To {
		return ErrCycle
	}

	rows, err := s.db.QueryContext(ctx, `SELECT from_node, to_node FROM dag_edges WHERE run_id = ?`, e.RunID)
	if err != nil {
		return fmt.Errorf("load edges for cycle check: %w", err)
	}
	adj := make(map[string][]string)
	for rows.Next() {
		var f, t string
		if err := rows.Scan(&f, &t); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan edge: %w", err)
		}
		adj[f] = append(adj[f], t)
	}
	_ = rows.Close()
	if reachable(adj, e.To, e.From) {
		return ErrCycle
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dag_edges (run_id, from_node, to_node) VALUES (?,?,?)
		 ON CONFLICT(run_id, from_node, to_node) DO NOTHING`,
		e.RunID, e.From, e.To)
	if err != nil {
		return fmt.Errorf("insert edge: %w", err)
	}
	return nil
}

func reachable(adj map[string][]string, start, target string) bool {
	if start == target {
		return true
	}
	visited := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range adj[n] {
			if next == target {
				return true
			}
			if !visited[next] {
				visited[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

func (s *SQLiteStore) UpdateRunState(ctx context.Context, runID string, from, to RunStatus, ts time.Time) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.validateTransition != nil {
		if err := s.validateTransition(from, to); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?,
			started_at = CASE WHEN ? = 'executing' AND started_at IS NULL THEN ? ELSE started_at END,
			completed_at = CASE WHEN ? IN ('completed','failed','cancelled') THEN ? ELSE completed_at END
		 WHERE id = ? AND status = ?`,
		string(to), string(to), ts, string(to), ts, runID, string(from))
	if err != nil {
		return fmt.Errorf("update run state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return tx.Commit()
}

func scanEvent(row interface {
	Scan(dest ...interface{}) error
}) (Event, error) {
	var e Event
	var inputs, outputs, meta string
	err := row.Scan(&e.ID, &e.RunID, &e.NodeID, &e.SessionID, &e.ExecutionOrder, &e.Timestamp,
		&e.EventType, &e.EventSubtype, &e.ParentEventID, &e.AgentName, &e.DurationMS, &e.Status,
		&inputs, &outputs, &meta, &e.ErrorMessage)
	if err != nil {
		return Event{}, err
	}
	e.Inputs = json.RawMessage(inputs)
	e.Outputs = json.RawMessage(outputs)
	e.Meta = json.RawMessage(meta)
	return e, nil
}

const eventColumns = `id, run_id, node_id, session_id, execution_order, timestamp, event_type,
	event_subtype, parent_event_id, agent_name, duration_ms, status, inputs, outputs, meta, error_message`

func (s *SQLiteStore) EventsForRun(ctx context.Context, runID string, filters EventFilters) ([]Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM execution_events WHERE run_id = ? ORDER BY execution_order ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query events for run: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return filterEvents(out, filters), nil
}

func (s *SQLiteStore) EventsForNode(ctx context.Context, nodeID, runID string, filters EventFilters) ([]Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM execution_events WHERE run_id = ? AND node_id = ? ORDER BY execution_order ASC`,
		runID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("query events for node: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return filterEvents(out, filters), nil
}

func (s *SQLiteStore) FilesForRun(ctx context.Context, runID string) ([]FileView, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM execution_events WHERE run_id = ? AND event_type = 'file_gen' ORDER BY execution_order ASC`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("query files for run: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []FileView
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, fileViewFromEvent(e))
	}
	return out, nil
}

func (s *SQLiteStore) GetNode(ctx context.Context, nodeID, runID string) (NodeRow, error) {
	if err := s.checkOpen(); err != nil {
		return NodeRow{}, err
	}
	var n NodeRow
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, node_id, label, type, status, persona, step_index, goal, summary,
			description, started_at, completed_at, error_msg, attempt, max_attempts, payload
		 FROM dag_nodes WHERE run_id = ? AND node_id = ?`, runID, nodeID).Scan(
		&n.RunID, &n.NodeID, &n.Label, &n.Type, &n.Status, &n.Persona, &n.StepIndex, &n.Goal,
		&n.Summary, &n.Description, &n.StartedAt, &n.CompletedAt, &n.ErrorMsg, &n.Attempt,
		&n.MaxAttempts, &payload)
	if err == sql.ErrNoRows {
		return NodeRow{}, ErrNotFound
	}
	if err != nil {
		return NodeRow{}, fmt.Errorf("get node: %w", err)
	}
	n.Payload = json.RawMessage(payload)
	return n, nil
}

func (s *SQLiteStore) NodesForRun(ctx context.Context, runID string) ([]NodeRow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, node_id, label, type, status, persona, step_index, goal, summary,
			description, started_at, completed_at, error_msg, attempt, max_attempts, payload
		 FROM dag_nodes WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("list nodes for run: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []NodeRow
	for rows.Next() {
		var n NodeRow
		var payload string
		if err := rows.Scan(&n.RunID, &n.NodeID, &n.Label, &n.Type, &n.Status, &n.Persona,
			&n.StepIndex, &n.Goal, &n.Summary, &n.Description, &n.StartedAt, &n.CompletedAt,
			&n.ErrorMsg, &n.Attempt, &n.MaxAttempts, &payload); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n.Payload = json.RawMessage(payload)
		out = append(out, n)
	}
	return out, nil
}

func (s *SQLiteStore) EdgesForRun(ctx context.Context, runID string) ([]EdgeRow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, from_node, to_node FROM dag_edges WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("list edges for run: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []EdgeRow
	for rows.Next() {
		var e EdgeRow
		if err := rows.Scan(&e.RunID, &e.From, &e.To); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, r RunRow) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, session_id, task, mode, preferred_agent, preferred_model, status,
			created_at, started_at, completed_at, aggregate_cost, last_heartbeat_at, mode_config,
			parent_branch_id)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.SessionID, r.Task, r.Mode, r.PreferredAgent, r.PreferredModel, r.Status,
		r.CreatedAt, r.StartedAt, r.CompletedAt, r.AggregateCost, r.LastHeartbeatAt,
		jsonOrEmpty(r.ModeConfig), r.ParentBranchID)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (RunRow, error) {
	if err := s.checkOpen(); err != nil {
		return RunRow{}, err
	}
	var r RunRow
	var modeConfig string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, task, mode, preferred_agent, preferred_model, status, created_at,
			started_at, completed_at, aggregate_cost, last_heartbeat_at, mode_config, parent_branch_id
		 FROM runs WHERE id = ?`, runID).Scan(
		&r.ID, &r.SessionID, &r.Task, &r.Mode, &r.PreferredAgent, &r.PreferredModel, &r.Status,
		&r.CreatedAt, &r.StartedAt, &r.CompletedAt, &r.AggregateCost, &r.LastHeartbeatAt,
		&modeConfig, &r.ParentBranchID)
	if err == sql.ErrNoRows {
		return RunRow{}, ErrNotFound
	}
	if err != nil {
		return RunRow{}, fmt.Errorf("get run: %w", err)
	}
	r.ModeConfig = json.RawMessage(modeConfig)
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, sessionID string, filters RunFilters, page Pagination) ([]RunRow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `SELECT id, session_id, task, mode, preferred_agent, preferred_model, status, created_at,
		started_at, completed_at, aggregate_cost, last_heartbeat_at, mode_config, parent_branch_id
		FROM runs WHERE 1=1`
	var args []interface{}
	if sessionID != "" {
		query += " AND session_id = ?"
		args = append(args, sessionID)
	}
	if filters.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filters.Status))
	}
	query += " ORDER BY created_at ASC"
	if page.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, page.Limit, page.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RunRow
	for rows.Next() {
		var r RunRow
		var modeConfig string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Task, &r.Mode, &r.PreferredAgent, &r.PreferredModel,
			&r.Status, &r.CreatedAt, &r.StartedAt, &r.CompletedAt, &r.AggregateCost,
			&r.LastHeartbeatAt, &modeConfig, &r.ParentBranchID); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.ModeConfig = json.RawMessage(modeConfig)
		out = append(out, r)
	}
	return out, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess SessionRow) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, name, created_at, last_active_at, run_count, aggregated_cost)
		 VALUES (?,?,?,?,?,?)`,
		sess.ID, sess.Name, sess.CreatedAt, sess.LastActiveAt, sess.RunCount, sess.AggregatedCost)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (SessionRow, error) {
	if err := s.checkOpen(); err != nil {
		return SessionRow{}, err
	}
	var row SessionRow
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at, last_active_at, run_count, aggregated_cost FROM sessions WHERE id = ?`,
		sessionID).Scan(&row.ID, &row.Name, &row.CreatedAt, &row.LastActiveAt, &row.RunCount, &row.AggregatedCost)
	if err == sql.ErrNoRows {
		return SessionRow{}, ErrNotFound
	}
	if err != nil {
		return SessionRow{}, fmt.Errorf("get session: %w", err)
	}
	return row, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filters SessionFilters, page Pagination) ([]SessionRow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `SELECT id, name, created_at, last_active_at, run_count, aggregated_cost FROM sessions WHERE 1=1`
	var args []interface{}
	if filters.NamePrefix != "" {
		query += " AND name LIKE ?"
		args = append(args, filters.NamePrefix+"%")
	}
	query += " ORDER BY created_at ASC"
	if page.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, page.Limit, page.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SessionRow
	for rows.Next() {
		var row SessionRow
		if err := rows.Scan(&row.ID, &row.Name, &row.CreatedAt, &row.LastActiveAt, &row.RunCount, &row.AggregatedCost); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, row)
	}
	return out, nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM runs WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("list session runs: %w", err)
	}
	var runIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan run id: %w", err)
		}
		runIDs = append(runIDs, id)
	}
	_ = rows.Close()

	for _, runID := range runIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM execution_events WHERE run_id = ?`, runID); err != nil {
			return fmt.Errorf("delete events: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM dag_edges WHERE run_id = ?`, runID); err != nil {
			return fmt.Errorf("delete edges: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM dag_nodes WHERE run_id = ?`, runID); err != nil {
			return fmt.Errorf("delete nodes: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM run_locks WHERE run_id = ?`, runID); err != nil {
			return fmt.Errorf("delete run lock: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete runs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) CreateBranch(ctx context.Context, b BranchRow) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO branches (id, parent_run_id, parent_branch_id, fork_node_id, hypothesis, name, created_at, status)
		 VALUES (?,?,?,?,?,?,?,?)`,
		b.ID, b.ParentRunID, b.ParentBranchID, b.ForkNodeID, b.Hypothesis, b.Name, b.CreatedAt, b.Status)
	if err != nil {
		return fmt.Errorf("create branch: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetBranch(ctx context.Context, branchID string) (BranchRow, error) {
	if err := s.checkOpen(); err != nil {
		return BranchRow{}, err
	}
	var b BranchRow
	err := s.db.QueryRowContext(ctx,
		`SELECT id, parent_run_id, parent_branch_id, fork_node_id, hypothesis, name, created_at, status
		 FROM branches WHERE id = ?`, branchID).Scan(
		&b.ID, &b.ParentRunID, &b.ParentBranchID, &b.ForkNodeID, &b.Hypothesis, &b.Name, &b.CreatedAt, &b.Status)
	if err == sql.ErrNoRows {
		return BranchRow{}, ErrNotFound
	}
	if err != nil {
		return BranchRow{}, fmt.Errorf("get branch: %w", err)
	}
	return b, nil
}

// CloneRunPrefix copies the source run's prefix (nodes/edges/events up to
// and including the pivot node's completion) into a new run row, resetting
// downstream node state — the SQL-backed twin of MemStore.CloneRunPrefix.
// The source run is read-only throughout; nothing is deleted or mutated.
func (s *SQLiteStore) CloneRunPrefix(ctx context.Context, srcRunID, newRunID, pivotNodeID string) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	if _, err := s.GetNode(ctx, pivotNodeID, srcRunID); err != nil {
		return 0, err
	}

	// Read the source rows before opening the transaction: the store has a
	// single connection, which the transaction holds until it ends.
	nodes, err := s.NodesForRun(ctx, srcRunID)
	if err != nil {
		return 0, err
	}
	edges, err := s.EdgesForRun(ctx, srcRunID)
	if err != nil {
		return 0, err
	}
	events, err := s.EventsForRun(ctx, srcRunID, EventFilters{IncludeInternal: true})
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	adj := make(map[string][]string)
	for _, e := range edges {
		adj[e.From] = append(adj[e.From], e.To)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dag_edges (run_id, from_node, to_node) VALUES (?,?,?)`, newRunID, e.From, e.To); err != nil {
			return 0, fmt.Errorf("clone edge: %w", err)
		}
	}

	downstream := map[string]bool{}
	stack := append([]string{}, adj[pivotNodeID]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if downstream[id] {
			continue
		}
		downstream[id] = true
		stack = append(stack, adj[id]...)
	}

	for _, n := range nodes {
		n.RunID = newRunID
		if downstream[n.NodeID] {
			n.Status = "pending"
			n.StartedAt = nil
			n.CompletedAt = nil
			n.ErrorMsg = ""
			n.Attempt = 0
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dag_nodes (run_id, node_id, label, type, status, persona, step_index, goal,
				summary, description, started_at, completed_at, error_msg, attempt, max_attempts, payload)
			 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			n.RunID, n.NodeID, n.Label, n.Type, n.Status, n.Persona, n.StepIndex, n.Goal, n.Summary,
			n.Description, n.StartedAt, n.CompletedAt, n.ErrorMsg, n.Attempt, n.MaxAttempts,
			jsonOrEmpty(n.Payload)); err != nil {
			return 0, fmt.Errorf("clone node: %w", err)
		}
	}

	var copied int
	for _, e := range events {
		e.ID = uuid.NewString()
		e.RunID = newRunID
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO execution_events
				(id, run_id, node_id, session_id, execution_order, timestamp, event_type,
				 event_subtype, parent_event_id, agent_name, duration_ms, status,
				 inputs, outputs, meta, error_message)
			 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			e.ID, e.RunID, e.NodeID, e.SessionID, e.ExecutionOrder, e.Timestamp, e.EventType,
			e.EventSubtype, e.ParentEventID, e.AgentName, e.DurationMS, e.Status,
			jsonOrEmpty(e.Inputs), jsonOrEmpty(e.Outputs), jsonOrEmpty(e.Meta), e.ErrorMessage); err != nil {
			return 0, fmt.Errorf("clone event: %w", err)
		}
		copied++
		if e.NodeID == pivotNodeID && e.EventType == "node_completed" {
			break
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO run_locks (run_id, next_execution_order) VALUES (?, ?)`, newRunID, copied); err != nil {
		return 0, fmt.Errorf("seed run lock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit clone: %w", err)
	}
	return copied, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database file path, useful for logging.
func (s *SQLiteStore) Path() string { return s.path }

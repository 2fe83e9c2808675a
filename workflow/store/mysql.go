package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
)

// MySQLStore is a MySQL-backed Store, grounded on the same
// sessions/runs/dag_nodes/dag_edges/execution_events/branches schema as
// SQLiteStore but using InnoDB row locking (SELECT ... FOR UPDATE) in place
// of SQLite's single-writer connection for the append-lock-per-run
// discipline spec.md §5 requires. Intended for multi-process deployments
// where several Supervisor processes share one database.
type MySQLStore struct {
	db *sql.DB

	validateTransition func(from, to RunStatus) error
}

// NewMySQLStore opens a MySQL-backed store using a standard
// go-sql-driver/mysql DSN (e.g. "user:pass@tcp(host:3306)/dbname?parseTime=true").
// parseTime=true is required so TIMESTAMP columns scan into time.Time.
// validateTransition enforces spec.md §4.5's legal-edge table against every
// UpdateRunState call; pass nil to skip (see MemStore's NewMemStore for why
// the predicate is injected rather than imported).
func NewMySQLStore(dsn string, validateTransition func(from, to RunStatus) error) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql connection: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxLifetime(time.Hour)

	s := &MySQLStore{db: db, validateTransition: validateTransition}
	if err := s.createTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			created_at DATETIME NOT NULL,
			last_active_at DATETIME NOT NULL,
			run_count INT NOT NULL DEFAULT 0,
			aggregated_cost DOUBLE NOT NULL DEFAULT 0
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS runs (
			id VARCHAR(64) PRIMARY KEY,
			session_id VARCHAR(64) NOT NULL,
			task TEXT NOT NULL,
			mode VARCHAR(64) NOT NULL,
			preferred_agent VARCHAR(255) NOT NULL DEFAULT '',
			preferred_model VARCHAR(255) NOT NULL DEFAULT '',
			status VARCHAR(32) NOT NULL,
			created_at DATETIME NOT NULL,
			started_at DATETIME NULL,
			completed_at DATETIME NULL,
			aggregate_cost DOUBLE NOT NULL DEFAULT 0,
			last_heartbeat_at DATETIME NULL,
			mode_config JSON NOT NULL,
			parent_branch_id VARCHAR(64) NOT NULL DEFAULT '',
			INDEX idx_runs_session (session_id),
			INDEX idx_runs_status (status)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS dag_nodes (
			run_id VARCHAR(64) NOT NULL,
			node_id VARCHAR(128) NOT NULL,
			label VARCHAR(255) NOT NULL DEFAULT '',
			type VARCHAR(32) NOT NULL,
			status VARCHAR(32) NOT NULL,
			persona VARCHAR(255) NOT NULL DEFAULT '',
			step_index INT NOT NULL DEFAULT 0,
			goal TEXT NOT NULL,
			summary TEXT NOT NULL,
			description TEXT NOT NULL,
			started_at DATETIME NULL,
			completed_at DATETIME NULL,
			error_msg TEXT NOT NULL,
			attempt INT NOT NULL DEFAULT 0,
			max_attempts INT NOT NULL DEFAULT 0,
			payload JSON NOT NULL,
			PRIMARY KEY (run_id, node_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS dag_edges (
			run_id VARCHAR(64) NOT NULL,
			from_node VARCHAR(128) NOT NULL,
			to_node VARCHAR(128) NOT NULL,
			PRIMARY KEY (run_id, from_node, to_node),
			INDEX idx_edges_from (run_id, from_node)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS execution_events (
			id VARCHAR(64) PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL,
			node_id VARCHAR(128) NOT NULL DEFAULT '',
			session_id VARCHAR(64) NOT NULL DEFAULT '',
			execution_order BIGINT NOT NULL,
			timestamp DATETIME(6) NOT NULL,
			event_type VARCHAR(64) NOT NULL,
			event_subtype VARCHAR(64) NOT NULL DEFAULT '',
			parent_event_id VARCHAR(64) NOT NULL DEFAULT '',
			agent_name VARCHAR(255) NOT NULL DEFAULT '',
			duration_ms BIGINT NOT NULL DEFAULT 0,
			status VARCHAR(32) NOT NULL DEFAULT '',
			inputs JSON NOT NULL,
			outputs JSON NOT NULL,
			meta JSON NOT NULL,
			error_message TEXT NOT NULL,
			UNIQUE KEY uniq_run_order (run_id, execution_order),
			INDEX idx_events_node (run_id, node_id, execution_order),
			INDEX idx_events_type (run_id, event_type)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS branches (
			id VARCHAR(64) PRIMARY KEY,
			parent_run_id VARCHAR(64) NOT NULL,
			parent_branch_id VARCHAR(64) NOT NULL DEFAULT '',
			fork_node_id VARCHAR(128) NOT NULL,
			hypothesis TEXT NOT NULL,
			name VARCHAR(255) NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			status VARCHAR(32) NOT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS run_locks (
			run_id VARCHAR(64) PRIMARY KEY,
			next_execution_order BIGINT NOT NULL DEFAULT 0
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

// AppendEvent takes the run's row lock with SELECT ... FOR UPDATE inside a
// transaction, mirroring the single-writer-per-run discipline the SQLite
// backend gets for free from its one-connection pool.
func (s *MySQLStore) AppendEvent(ctx context.Context, e Event) (string, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT IGNORE INTO run_locks (run_id, next_execution_order) VALUES (?, 0)`, e.RunID); err != nil {
		return "", 0, fmt.Errorf("ensure run lock row: %w", err)
	}

	var order int64
	if err := tx.QueryRowContext(ctx,
		`SELECT next_execution_order FROM run_locks WHERE run_id = ? FOR UPDATE`, e.RunID).Scan(&order); err != nil {
		return "", 0, fmt.Errorf("lock run counter: %w", err)
	}
	order++
	if _, err := tx.ExecContext(ctx,
		`UPDATE run_locks SET next_execution_order = ? WHERE run_id = ?`, order, e.RunID); err != nil {
		return "", 0, fmt.Errorf("advance run counter: %w", err)
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

func (s *MySQLStore) UpsertNode(ctx context.Context, n NodeRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dag_nodes
			(run_id, node_id, label, type, status, persona, step_index, goal, summary,
			 description, started_at, completed_at, error_msg, attempt, max_attempts, payload)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON DUPLICATE KEY UPDATE
			label=VALUES(label), type=VALUES(type), status=VALUES(status), persona=VALUES(persona),
			step_index=VALUES(step_index), goal=VALUES(goal), summary=VALUES(summary),
			description=VALUES(description), started_at=VALUES(started_at),
			completed_at=VALUES(completed_at), error_msg=VALUES(error_msg),
			attempt=VALUES(attempt), max_attempts=VALUES(max_attempts), payload=VALUES(payload)`,
		n.RunID, n.NodeID, n.Label, n.Type, n.Status, n.Persona, n.StepIndex, n.Goal, n.Summary,
		n.Description, n.StartedAt, n.CompletedAt, n.ErrorMsg, n.Attempt, n.MaxAttempts,
		jsonOrEmpty(n.Payload))
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

func (s *MySQLStore) UpsertEdge(ctx context.Context, e EdgeRow) error {
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
		`INSERT IGNORE INTO dag_edges (run_id, from_node, to_node) VALUES (?,?,?)`, e.RunID, e.From, e.To)
	if err != nil {
		return fmt.Errorf("insert edge: %w", err)
	}
	return nil
}

func (s *MySQLStore) UpdateRunState(ctx context.Context, runID string, from, to RunStatus, ts time.Time) error {
	if s.validateTransition != nil {
		if err := s.validateTransition(from, to); err != nil {
			return err
		}
	}

	res, err := s.db.ExecContext(ctx,
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
	return nil
}

func (s *MySQLStore) EventsForRun(ctx context.Context, runID string, filters EventFilters) ([]Event, error) {
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

func (s *MySQLStore) EventsForNode(ctx context.Context, nodeID, runID string, filters EventFilters) ([]Event, error) {
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

func (s *MySQLStore) FilesForRun(ctx context.Context, runID string) ([]FileView, error) {
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

func (s *MySQLStore) GetNode(ctx context.Context, nodeID, runID string) (NodeRow, error) {
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

func (s *MySQLStore) NodesForRun(ctx context.Context, runID string) ([]NodeRow, error) {
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

func (s *MySQLStore) EdgesForRun(ctx context.Context, runID string) ([]EdgeRow, error) {
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

func (s *MySQLStore) CreateRun(ctx context.Context, r RunRow) error {
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

func (s *MySQLStore) GetRun(ctx context.Context, runID string) (RunRow, error) {
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

func (s *MySQLStore) ListRuns(ctx context.Context, sessionID string, filters RunFilters, page Pagination) ([]RunRow, error) {
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

func (s *MySQLStore) CreateSession(ctx context.Context, sess SessionRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, name, created_at, last_active_at, run_count, aggregated_cost)
		 VALUES (?,?,?,?,?,?)`,
		sess.ID, sess.Name, sess.CreatedAt, sess.LastActiveAt, sess.RunCount, sess.AggregatedCost)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *MySQLStore) GetSession(ctx context.Context, sessionID string) (SessionRow, error) {
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

func (s *MySQLStore) ListSessions(ctx context.Context, filters SessionFilters, page Pagination) ([]SessionRow, error) {
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

func (s *MySQLStore) DeleteSession(ctx context.Context, sessionID string) error {
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

func (s *MySQLStore) CreateBranch(ctx context.Context, b BranchRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO branches (id, parent_run_id, parent_branch_id, fork_node_id, hypothesis, name, created_at, status)
		 VALUES (?,?,?,?,?,?,?,?)`,
		b.ID, b.ParentRunID, b.ParentBranchID, b.ForkNodeID, b.Hypothesis, b.Name, b.CreatedAt, b.Status)
	if err != nil {
		return fmt.Errorf("create branch: %w", err)
	}
	return nil
}

func (s *MySQLStore) GetBranch(ctx context.Context, branchID string) (BranchRow, error) {
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

func (s *MySQLStore) CloneRunPrefix(ctx context.Context, srcRunID, newRunID, pivotNodeID string) (int, error) {
	if _, err := s.GetNode(ctx, pivotNodeID, srcRunID); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	nodes, err := s.NodesForRun(ctx, srcRunID)
	if err != nil {
		return 0, err
	}
	edges, err := s.EdgesForRun(ctx, srcRunID)
	if err != nil {
		return 0, err
	}

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

	events, err := s.EventsForRun(ctx, srcRunID, EventFilters{IncludeInternal: true})
	if err != nil {
		return 0, err
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

func (s *MySQLStore) Close() error { return s.db.Close() }

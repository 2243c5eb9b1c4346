// ABOUTME: Durable append-only store of steps and variable snapshots.
// ABOUTME: SQLite with WAL; powers post-hoc time-travel history queries.

// Package ledger persists debug session steps and variable snapshots so the
// agent can query history after the debuggee has moved on.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	ended_at TEXT,
	total_steps INTEGER NOT NULL DEFAULT 0,
	breakpoints_hit INTEGER NOT NULL DEFAULT 0,
	exceptions_thrown INTEGER NOT NULL DEFAULT 0,
	summary_md TEXT
);
CREATE TABLE IF NOT EXISTS steps (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	step_number INTEGER NOT NULL,
	timestamp TEXT NOT NULL,
	file TEXT NOT NULL,
	line INTEGER NOT NULL,
	function TEXT,
	reason TEXT NOT NULL,
	UNIQUE(session_id, step_number)
);
CREATE TABLE IF NOT EXISTS variables (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	step_number INTEGER NOT NULL,
	timestamp TEXT NOT NULL,
	file TEXT NOT NULL,
	line INTEGER NOT NULL,
	name TEXT NOT NULL,
	value_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_variables_lookup
	ON variables(session_id, name, step_number DESC);
`

// Location pins a record to a source position.
type Location struct {
	File     string
	Line     int
	Function string
}

// HistoryEntry is one row of a variable history query.
type HistoryEntry struct {
	Step      int    `json:"step"`
	Value     any    `json:"value"`
	File      string `json:"file"`
	Line      int    `json:"line"`
	Timestamp string `json:"timestamp"`
}

// Store is the ledger database handle. One writer (the runtime) plus
// occasional readers; WAL keeps a crash between writes a consistent prefix.
type Store struct {
	db      *sql.DB
	dataDir string
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool

	insertStep *sql.Stmt
	bumpStep   *sql.Stmt
	insertVar  *sql.Stmt
	history    *sql.Stmt
}

// Open creates the data directory if needed, opens sessions.db with WAL
// journaling, and ensures the schema exists.
func Open(dataDir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
		filepath.Join(dataDir, "sessions.db"))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}
	// Single writer; serialize access at the pool level.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}

	s := &Store{db: db, dataDir: dataDir, logger: logger}
	if err := s.prepare(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// prepare keeps the hot-path statements compiled for reuse.
func (s *Store) prepare() error {
	var err error
	if s.insertStep, err = s.db.Prepare(
		`INSERT OR REPLACE INTO steps (session_id, step_number, timestamp, file, line, function, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`); err != nil {
		return fmt.Errorf("preparing step insert: %w", err)
	}
	if s.bumpStep, err = s.db.Prepare(
		`UPDATE sessions SET total_steps = total_steps + 1,
			breakpoints_hit = breakpoints_hit + ?,
			exceptions_thrown = exceptions_thrown + ?
		 WHERE id = ?`); err != nil {
		return fmt.Errorf("preparing step counter update: %w", err)
	}
	if s.insertVar, err = s.db.Prepare(
		`INSERT INTO variables (session_id, step_number, timestamp, file, line, name, value_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`); err != nil {
		return fmt.Errorf("preparing variable insert: %w", err)
	}
	if s.history, err = s.db.Prepare(
		`SELECT step_number, value_json, file, line, timestamp FROM variables
		 WHERE session_id = ? AND name = ? AND step_number <= ?
		 ORDER BY step_number DESC LIMIT ?`); err != nil {
		return fmt.Errorf("preparing history query: %w", err)
	}
	return nil
}

// InitSession inserts the session header with started_at = now.
func (s *Store) InitSession(ctx context.Context, sid string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, started_at) VALUES (?, ?)`,
		sid, now())
	if err != nil {
		return fmt.Errorf("initializing session %s: %w", sid, err)
	}
	return nil
}

// RecordStep appends one step and bumps the session counters. An exception
// reason counts toward exceptions_thrown, everything else toward
// breakpoints_hit.
func (s *Store) RecordStep(ctx context.Context, sid string, step int, loc Location, reason string) error {
	if _, err := s.insertStep.ExecContext(ctx, sid, step, now(), loc.File, loc.Line, loc.Function, reason); err != nil {
		return fmt.Errorf("recording step %d: %w", step, err)
	}
	breakInc, excInc := 1, 0
	if reason == "exception" {
		breakInc, excInc = 0, 1
	}
	if _, err := s.bumpStep.ExecContext(ctx, breakInc, excInc, sid); err != nil {
		return fmt.Errorf("updating step counters: %w", err)
	}
	return nil
}

// RecordVariable appends one variable snapshot. Serialization is total:
// failures are stored as an error marker, never raised.
func (s *Store) RecordVariable(ctx context.Context, sid string, step int, loc Location, name string, value any) error {
	if _, err := s.insertVar.ExecContext(ctx, sid, step, now(), loc.File, loc.Line, name, SafeStringify(value)); err != nil {
		return fmt.Errorf("recording variable %s: %w", name, err)
	}
	return nil
}

// VariableHistory returns up to limit snapshots of name at or before
// fromStep, newest first. Values are JSON-parsed; malformed rows fall back
// to the raw string.
func (s *Store) VariableHistory(ctx context.Context, sid, name string, fromStep, limit int) ([]HistoryEntry, error) {
	rows, err := s.history.QueryContext(ctx, sid, name, fromStep, limit)
	if err != nil {
		return nil, fmt.Errorf("querying variable history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var (
			e   HistoryEntry
			raw string
		)
		if err := rows.Scan(&e.Step, &raw, &e.File, &e.Line, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		e.Value = value
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FinalizeSession stamps ended_at, recomputes the counters from the steps
// table, and stores the Markdown summary in the row and as a file next to
// the database. The store does not itself reject later writes for the
// session.
func (s *Store) FinalizeSession(ctx context.Context, sid string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET
			ended_at = ?,
			total_steps = (SELECT COUNT(*) FROM steps WHERE session_id = sessions.id),
			breakpoints_hit = (SELECT COUNT(*) FROM steps WHERE session_id = sessions.id AND reason != 'exception'),
			exceptions_thrown = (SELECT COUNT(*) FROM steps WHERE session_id = sessions.id AND reason = 'exception')
		 WHERE id = ?`, now(), sid); err != nil {
		return fmt.Errorf("finalizing session %s: %w", sid, err)
	}

	summary, err := s.buildSummary(ctx, sid)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET summary_md = ? WHERE id = ?`, summary, sid); err != nil {
		return fmt.Errorf("storing session summary: %w", err)
	}

	prefix := sid
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	path := filepath.Join(s.dataDir, fmt.Sprintf("session_%s_summary.md", prefix))
	if err := os.WriteFile(path, []byte(summary), 0o644); err != nil {
		// Summary file is a convenience; the row copy is authoritative.
		s.logger.Warn("writing summary file failed", zap.Error(err))
	}
	return nil
}

// Close releases the database handle. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, stmt := range []*sql.Stmt{s.insertStep, s.bumpStep, s.insertVar, s.history} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return s.db.Close()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

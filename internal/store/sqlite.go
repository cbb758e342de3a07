// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides command/output/trace/audit persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists, except for in-memory databases
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS commands (
			id           TEXT PRIMARY KEY,
			agent_id     TEXT NOT NULL,
			content      TEXT NOT NULL,
			priority     INTEGER NOT NULL DEFAULT 0,
			status       TEXT NOT NULL,
			exit_code    INTEGER,
			created_at   TEXT NOT NULL,
			started_at   TEXT,
			completed_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_commands_agent ON commands(agent_id);
		CREATE INDEX IF NOT EXISTS idx_commands_status ON commands(status);
		CREATE INDEX IF NOT EXISTS idx_commands_created ON commands(created_at);

		CREATE TABLE IF NOT EXISTS output_chunks (
			command_id  TEXT NOT NULL,
			sequence    INTEGER NOT NULL,
			stream_type TEXT NOT NULL,
			content     TEXT NOT NULL,
			received_at TEXT NOT NULL,

			PRIMARY KEY (command_id, sequence)
		);

		CREATE INDEX IF NOT EXISTS idx_output_command ON output_chunks(command_id);

		CREATE TABLE IF NOT EXISTS trace_events (
			id            TEXT NOT NULL,
			command_id    TEXT NOT NULL,
			parent_id     TEXT,
			type          TEXT NOT NULL,
			name          TEXT NOT NULL,
			started_at    TEXT,
			completed_at  TEXT,
			duration_ms   INTEGER NOT NULL DEFAULT 0,
			input_tokens  INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,

			PRIMARY KEY (command_id, id)
		);

		CREATE INDEX IF NOT EXISTS idx_trace_command ON trace_events(command_id);

		CREATE TABLE IF NOT EXISTS audit_log (
			id         TEXT PRIMARY KEY,
			actor      TEXT NOT NULL,
			action     TEXT NOT NULL,
			target_id  TEXT NOT NULL,
			detail     TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// SaveCommand inserts a new command record
func (s *SQLiteStore) SaveCommand(ctx context.Context, cmd *CommandRecord) error {
	query := `
		INSERT INTO commands (id, agent_id, content, priority, status, exit_code, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		cmd.ID,
		cmd.AgentID,
		cmd.Content,
		cmd.Priority,
		cmd.Status,
		nullInt(cmd.ExitCode),
		cmd.CreatedAt.UTC().Format(time.RFC3339Nano),
		nullTime(cmd.StartedAt),
		nullTime(cmd.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting command: %w", err)
	}

	s.logger.Debug("saved command", "id", cmd.ID, "agent_id", cmd.AgentID)
	return nil
}

// UpdateCommandStatus updates the mutable fields of a command record
func (s *SQLiteStore) UpdateCommandStatus(ctx context.Context, cmd *CommandRecord) error {
	query := `
		UPDATE commands
		SET status = ?, exit_code = ?, started_at = ?, completed_at = ?
		WHERE id = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		cmd.Status,
		nullInt(cmd.ExitCode),
		nullTime(cmd.StartedAt),
		nullTime(cmd.CompletedAt),
		cmd.ID,
	)
	if err != nil {
		return fmt.Errorf("updating command: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// GetCommand retrieves a command by ID
func (s *SQLiteStore) GetCommand(ctx context.Context, id string) (*CommandRecord, error) {
	query := `
		SELECT id, agent_id, content, priority, status, exit_code, created_at, started_at, completed_at
		FROM commands
		WHERE id = ?
	`

	cmd, err := scanCommand(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying command: %w", err)
	}
	return cmd, nil
}

// ListCommands returns all commands ordered by creation time
func (s *SQLiteStore) ListCommands(ctx context.Context) ([]*CommandRecord, error) {
	query := `
		SELECT id, agent_id, content, priority, status, exit_code, created_at, started_at, completed_at
		FROM commands
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying commands: %w", err)
	}
	defer rows.Close()

	var cmds []*CommandRecord
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

// SaveOutputChunk inserts one terminal output chunk. Redelivered chunks
// (same command and sequence) are ignored.
func (s *SQLiteStore) SaveOutputChunk(ctx context.Context, out *OutputRecord) error {
	query := `
		INSERT OR IGNORE INTO output_chunks (command_id, sequence, stream_type, content, received_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		out.CommandID,
		out.Sequence,
		out.StreamType,
		out.Content,
		out.ReceivedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting output chunk: %w", err)
	}
	return nil
}

// ListOutputChunks returns a command's output ordered by sequence number
func (s *SQLiteStore) ListOutputChunks(ctx context.Context, commandID string) ([]*OutputRecord, error) {
	query := `
		SELECT command_id, sequence, stream_type, content, received_at
		FROM output_chunks
		WHERE command_id = ?
		ORDER BY sequence ASC
	`

	rows, err := s.db.QueryContext(ctx, query, commandID)
	if err != nil {
		return nil, fmt.Errorf("querying output chunks: %w", err)
	}
	defer rows.Close()

	var outs []*OutputRecord
	for rows.Next() {
		var out OutputRecord
		var receivedAt string
		if err := rows.Scan(&out.CommandID, &out.Sequence, &out.StreamType, &out.Content, &receivedAt); err != nil {
			return nil, fmt.Errorf("scanning output chunk: %w", err)
		}
		out.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedAt)
		outs = append(outs, &out)
	}
	return outs, rows.Err()
}

// SaveTraceEvent inserts or replaces one trace event. A redelivered event
// with the same id replaces the previous row, matching in-memory behavior.
func (s *SQLiteStore) SaveTraceEvent(ctx context.Context, ev *TraceRecord) error {
	query := `
		INSERT OR REPLACE INTO trace_events
			(id, command_id, parent_id, type, name, started_at, completed_at, duration_ms, input_tokens, output_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		ev.ID,
		ev.CommandID,
		nullString(ev.ParentID),
		ev.Type,
		ev.Name,
		nullTime(ev.StartedAt),
		nullTime(ev.CompletedAt),
		ev.DurationMs,
		ev.InputTokens,
		ev.OutputTokens,
	)
	if err != nil {
		return fmt.Errorf("inserting trace event: %w", err)
	}
	return nil
}

// ListTraceEvents returns a command's trace events in insertion order
func (s *SQLiteStore) ListTraceEvents(ctx context.Context, commandID string) ([]*TraceRecord, error) {
	query := `
		SELECT id, command_id, parent_id, type, name, started_at, completed_at, duration_ms, input_tokens, output_tokens
		FROM trace_events
		WHERE command_id = ?
		ORDER BY rowid ASC
	`

	rows, err := s.db.QueryContext(ctx, query, commandID)
	if err != nil {
		return nil, fmt.Errorf("querying trace events: %w", err)
	}
	defer rows.Close()

	var evs []*TraceRecord
	for rows.Next() {
		var ev TraceRecord
		var parentID sql.NullString
		var startedAt, completedAt sql.NullString
		if err := rows.Scan(&ev.ID, &ev.CommandID, &parentID, &ev.Type, &ev.Name,
			&startedAt, &completedAt, &ev.DurationMs, &ev.InputTokens, &ev.OutputTokens); err != nil {
			return nil, fmt.Errorf("scanning trace event: %w", err)
		}
		ev.ParentID = parentID.String
		ev.StartedAt = parseNullTime(startedAt)
		ev.CompletedAt = parseNullTime(completedAt)
		evs = append(evs, &ev)
	}
	return evs, rows.Err()
}

// AppendAuditEvent inserts one audit log entry
func (s *SQLiteStore) AppendAuditEvent(ctx context.Context, ev *AuditEvent) error {
	query := `
		INSERT INTO audit_log (id, actor, action, target_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		ev.ID,
		ev.Actor,
		ev.Action,
		ev.TargetID,
		nullString(ev.Detail),
		ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns the most recent audit entries, newest first
func (s *SQLiteStore) ListAuditEvents(ctx context.Context, limit int) ([]*AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, actor, action, target_id, detail, created_at
		FROM audit_log
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var evs []*AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var detail sql.NullString
		var createdAt string
		if err := rows.Scan(&ev.ID, &ev.Actor, &ev.Action, &ev.TargetID, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		ev.Detail = detail.String
		ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		evs = append(evs, &ev)
	}
	return evs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*CommandRecord, error) {
	var cmd CommandRecord
	var exitCode sql.NullInt64
	var createdAt string
	var startedAt, completedAt sql.NullString

	if err := row.Scan(&cmd.ID, &cmd.AgentID, &cmd.Content, &cmd.Priority, &cmd.Status,
		&exitCode, &createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}

	if exitCode.Valid {
		code := int(exitCode.Int64)
		cmd.ExitCode = &code
	}
	cmd.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	cmd.StartedAt = parseNullTime(startedAt)
	cmd.CompletedAt = parseNullTime(completedAt)
	return &cmd, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

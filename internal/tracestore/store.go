// Package tracestore persists completed execution traces in a local SQLite
// database. It backs two orchestrator collaborators: the learning sink
// (recording traces for later pattern mining) and the session-context
// provider (a condensed prefix built from the session's most recent
// completed execution).
package tracestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/floegence/agentfleet/internal/orchestrator"
)

const sessionContextMaxChars = 2000

type Store struct {
	log *slog.Logger
	db  *sql.DB
}

// Open creates or opens the trace database. WAL keeps concurrent readers
// working while the single writer appends.
func Open(log *slog.Logger, path string) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("missing db path")
	}
	p = filepath.Clean(p)
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{log: log, db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`CREATE TABLE IF NOT EXISTS executions (
			execution_id TEXT PRIMARY KEY,
			session_id   TEXT NOT NULL DEFAULT '',
			prompt       TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL DEFAULT '',
			synthesis    TEXT NOT NULL DEFAULT '',
			started_at_unix_ms   INTEGER NOT NULL DEFAULT 0,
			completed_at_unix_ms INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_session
			ON executions (session_id, completed_at_unix_ms DESC)`,
		`CREATE TABLE IF NOT EXISTS agent_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL,
			agent_id     TEXT NOT NULL DEFAULT '',
			agent_type   TEXT NOT NULL DEFAULT '',
			success      INTEGER NOT NULL DEFAULT 0,
			timed_out    INTEGER NOT NULL DEFAULT 0,
			tool_calls   INTEGER NOT NULL DEFAULT 0,
			tokens_used  INTEGER NOT NULL DEFAULT 0,
			cost_usd     REAL NOT NULL DEFAULT 0,
			output       TEXT NOT NULL DEFAULT '',
			errors       TEXT NOT NULL DEFAULT '',
			files_modified TEXT NOT NULL DEFAULT '',
			files_read     TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_results_execution
			ON agent_results (execution_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Record implements orchestrator.LearningSink. Failures are logged and
// swallowed; recording is never allowed to disturb the execution path.
func (s *Store) Record(ctx context.Context, trace orchestrator.ExecutionTrace) {
	if s == nil || s.db == nil {
		return
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.log.Warn("tracestore record failed", "error", err)
		return
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO executions
			(execution_id, session_id, prompt, status, synthesis, started_at_unix_ms, completed_at_unix_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		trace.ExecutionID, trace.SessionID, trace.Prompt, string(trace.Status), trace.Synthesis,
		trace.StartedAt.UnixMilli(), trace.CompletedAt.UnixMilli(),
	)
	if err != nil {
		s.log.Warn("tracestore record failed", "error", err)
		return
	}

	for _, res := range trace.Results {
		if res == nil {
			continue
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO agent_results
				(execution_id, agent_id, agent_type, success, timed_out, tool_calls, tokens_used, cost_usd, output, errors, files_modified, files_read)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			trace.ExecutionID, res.AgentID, res.AgentType,
			boolToInt(res.Success), boolToInt(res.TimedOut),
			res.ToolCalls, res.TokensUsed, res.CostUSD,
			res.Output,
			strings.Join(res.Errors, "\n"),
			strings.Join(res.FilesModified, "\n"),
			strings.Join(res.FilesRead, "\n"),
		)
		if err != nil {
			s.log.Warn("tracestore record failed", "error", err)
			return
		}
	}

	if err := tx.Commit(); err != nil {
		s.log.Warn("tracestore record failed", "error", err)
	}
}

// ContextForSession implements orchestrator.SessionContextProvider: a
// condensed prefix from the session's most recent completed execution, empty
// when the session has no history.
func (s *Store) ContextForSession(ctx context.Context, sessionID string) (string, error) {
	if s == nil || s.db == nil {
		return "", nil
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", nil
	}

	var prompt, synthesis string
	var completedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT prompt, synthesis, completed_at_unix_ms
		FROM executions
		WHERE session_id = ? AND status = ?
		ORDER BY completed_at_unix_ms DESC
		LIMIT 1`,
		sessionID, string(orchestrator.StatusComplete),
	).Scan(&prompt, &synthesis, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("## Prior turn in this session\n")
	fmt.Fprintf(&sb, "Completed %s.\n", time.UnixMilli(completedAt).UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "Request: %s\n", condense(prompt, 400))
	fmt.Fprintf(&sb, "Outcome: %s\n", condense(synthesis, sessionContextMaxChars))
	return sb.String(), nil
}

func condense(s string, maxChars int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxChars {
		return s
	}
	return s[:maxChars] + "..."
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Package audit persists workflow audit entries to PostgreSQL.
//
// Only events are written. Nothing is ever read back to restore a workflow.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/JonMunkholm/paperwork/internal/core"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the subset of *pgxpool.Pool the sink needs.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS workflow_audit (
    id          UUID PRIMARY KEY,
    workflow_id TEXT        NOT NULL,
    attempt     BIGINT,
    action      TEXT        NOT NULL,
    severity    TEXT        NOT NULL,
    file_name   TEXT,
    media_type  TEXT,
    bytes       INTEGER,
    ip_address  TEXT,
    user_agent  TEXT,
    reason      TEXT,
    created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_audit_workflow_idx ON workflow_audit (workflow_id, created_at);
`

const insertSQL = `
INSERT INTO workflow_audit (
    id, workflow_id, attempt, action, severity, file_name, media_type,
    bytes, ip_address, user_agent, reason, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

// PostgresSink writes audit entries with a bounded per-insert timeout.
type PostgresSink struct {
	db      DBTX
	timeout time.Duration
}

// NewPostgresSink creates a sink writing through db.
func NewPostgresSink(db DBTX, timeout time.Duration) *PostgresSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PostgresSink{db: db, timeout: timeout}
}

// Connect opens a pool for url and verifies it with a ping.
func Connect(ctx context.Context, url string, maxConns, minConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	cfg.MaxConns = int32(maxConns)
	cfg.MinConns = int32(minConns)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the audit table if it does not exist.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

// Record inserts one entry.
func (s *PostgresSink) Record(ctx context.Context, e core.AuditEntry) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.db.Exec(ctx, insertSQL, insertArgs(e)...); err != nil {
		return fmt.Errorf("insert audit entry %s: %w", e.Action, err)
	}
	return nil
}

// Count returns the number of entries stored for a workflow.
func (s *PostgresSink) Count(ctx context.Context, workflowID string) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM workflow_audit WHERE workflow_id = $1`, workflowID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

// insertArgs converts an entry to positional arguments for insertSQL.
// Optional columns are stored as NULL when empty.
func insertArgs(e core.AuditEntry) []any {
	return []any{
		e.ID,
		e.WorkflowID,
		pgtype.Int8{Int64: int64(e.Attempt), Valid: e.Attempt > 0},
		string(e.Action),
		string(e.Severity),
		toPgText(e.FileName),
		toPgText(e.MediaType),
		pgtype.Int4{Int32: int32(e.Bytes), Valid: e.FileName != ""},
		toPgText(e.IPAddress),
		toPgText(e.UserAgent),
		toPgText(e.Reason),
		pgtype.Timestamptz{Time: e.CreatedAt, Valid: !e.CreatedAt.IsZero()},
	}
}

func toPgText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

var _ core.AuditSink = (*PostgresSink)(nil)

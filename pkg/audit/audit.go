package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"tenure/pkg/models"
)

// ErrStorage marks the backing store as unavailable. Callers surface it but
// never use it to undo an already-performed side effect.
var ErrStorage = errors.New("audit store unavailable")

// Trail is the append-only audit record of every decision and execution
// outcome, keyed by correlation id.
type Trail interface {
	Record(ctx context.Context, entry models.AuditEntry) error
	ListByCorrelationID(ctx context.Context, correlationID string) ([]models.AuditEntry, error)
}

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Schema is the append-only persistence layout. Entries are only ever
// inserted; there is no update or delete path in this package.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id BIGSERIAL PRIMARY KEY,
	correlation_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	actor_id TEXT NOT NULL,
	actor_role TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	capability_name TEXT NOT NULL DEFAULT '',
	workflow_name TEXT NOT NULL DEFAULT '',
	node_id TEXT NOT NULL DEFAULT '',
	decision TEXT NOT NULL,
	outcome TEXT NOT NULL,
	error_code TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL DEFAULT 0,
	attempt INT NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_audit_entries_correlation ON audit_entries (correlation_id);
CREATE INDEX IF NOT EXISTS idx_audit_entries_created_at ON audit_entries (created_at);
`

// Writer appends entries to Postgres. Concurrent appends are accepted;
// ordering across requests is by timestamp only.
type Writer struct {
	DB auditDB
}

func (w *Writer) Record(ctx context.Context, entry models.AuditEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	attempt := entry.Attempt
	if attempt <= 0 {
		attempt = 1
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_entries
		(correlation_id, created_at, actor_id, actor_role, tenant_id, capability_name, workflow_name, node_id, decision, outcome, error_code, duration_ms, attempt)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, entry.CorrelationID, ts, entry.ActorID, string(entry.ActorRole), entry.TenantID,
		entry.Capability, entry.Workflow, entry.NodeID, entry.Decision, entry.Outcome,
		entry.ErrorCode, entry.Duration.Milliseconds(), attempt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func (w *Writer) ListByCorrelationID(ctx context.Context, correlationID string) ([]models.AuditEntry, error) {
	rows, err := w.DB.Query(ctx, `
		SELECT correlation_id, created_at, actor_id, actor_role, tenant_id, capability_name, workflow_name, node_id, decision, outcome, error_code, duration_ms, attempt
		FROM audit_entries WHERE correlation_id=$1 ORDER BY id
	`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	defer rows.Close()
	var out []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var role string
		var durationMS int64
		if err := rows.Scan(&e.CorrelationID, &e.Timestamp, &e.ActorID, &role, &e.TenantID,
			&e.Capability, &e.Workflow, &e.NodeID, &e.Decision, &e.Outcome, &e.ErrorCode,
			&durationMS, &e.Attempt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		e.ActorRole = models.Role(role)
		e.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return out, nil
}

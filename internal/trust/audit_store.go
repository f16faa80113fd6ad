package trust

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/zerofleet/backend/internal/core"
)

// PostgresAuditSink appends every committed score adjustment to a Postgres
// table. The table is the durable audit trail behind the bounded in-memory
// history; analysts query it directly.
type PostgresAuditSink struct {
	db *sql.DB
}

// NewPostgresAuditSink ensures the audit table exists and returns the sink.
// Caller opens the *sql.DB (lib/pq) and owns its lifetime.
func NewPostgresAuditSink(db *sql.DB) (*PostgresAuditSink, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS trust_audit (
			id         BIGSERIAL PRIMARY KEY,
			device_id  TEXT NOT NULL,
			delta      INTEGER NOT NULL,
			new_score  INTEGER NOT NULL,
			reason     TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return nil, fmt.Errorf("ensure trust_audit table: %w", err)
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS trust_audit_device_idx ON trust_audit (device_id, created_at)`)
	if err != nil {
		return nil, fmt.Errorf("ensure trust_audit index: %w", err)
	}
	return &PostgresAuditSink{db: db}, nil
}

// Append records one adjustment.
func (p *PostgresAuditSink) Append(ctx context.Context, deviceID string, entry core.ScoreEntry, newScore int) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO trust_audit (device_id, delta, new_score, reason, created_at) VALUES ($1, $2, $3, $4, $5)`,
		deviceID, entry.Delta, newScore, entry.Reason, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("insert trust_audit: %w", err)
	}
	return nil
}

// RecentEntries returns the latest adjustments for a device, newest first.
func (p *PostgresAuditSink) RecentEntries(ctx context.Context, deviceID string, limit int) ([]core.ScoreEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT delta, reason, created_at FROM trust_audit WHERE device_id = $1 ORDER BY created_at DESC LIMIT $2`,
		deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query trust_audit: %w", err)
	}
	defer rows.Close()

	var out []core.ScoreEntry
	for rows.Next() {
		var e core.ScoreEntry
		if err := rows.Scan(&e.Delta, &e.Reason, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan trust_audit row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

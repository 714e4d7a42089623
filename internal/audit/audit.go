// Package audit records manual override actions for later review.
package audit

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// Postgres appends override entries to the override_audit table.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates an audit log backed by Postgres.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// RecordOverride appends one audit entry.
func (p *Postgres) RecordOverride(ctx context.Context, sessionID, studentID, reason, actor string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO override_audit (session_id, student_id, reason, actor, recorded_at)
		VALUES ($1,$2,$3,$4,$5)
	`, sessionID, studentID, reason, actor, time.Now().UTC())
	return err
}

// Logger writes audit entries to the process log; dev/test fallback.
type Logger struct{}

// RecordOverride logs the override.
func (Logger) RecordOverride(ctx context.Context, sessionID, studentID, reason, actor string) error {
	log.Printf("override audit: session=%s student=%s actor=%s reason=%q", sessionID, studentID, actor, reason)
	return nil
}

package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Repository is the Postgres-backed Store.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

var _ Store = (*Repository)(nil)

// PutSession upserts a session row.
func (r *Repository) PutSession(ctx context.Context, ses Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, class_id, scheduled_start, scheduled_end, status, late_window_seconds, auto_mark_absent, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = NOW()
	`, ses.ID, ses.ClassID, ses.ScheduledStart, ses.ScheduledEnd, ses.Status,
		int64(ses.LateWindow.Seconds()), ses.AutoMarkAbsent, ses.CreatedAt)
	return err
}

// GetSession returns a session by id.
func (r *Repository) GetSession(ctx context.Context, sessionID string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, class_id, scheduled_start, scheduled_end, status, late_window_seconds, auto_mark_absent, created_at
		FROM sessions WHERE id = $1
	`, sessionID)
	return scanSession(row)
}

// ActiveSessionForClass finds an open session overlapping the window.
func (r *Repository) ActiveSessionForClass(ctx context.Context, classID string, start, end time.Time) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, class_id, scheduled_start, scheduled_end, status, late_window_seconds, auto_mark_absent, created_at
		FROM sessions
		WHERE class_id = $1
		  AND status IN ('scheduled', 'active')
		  AND scheduled_start < $3 AND $2 < scheduled_end
		LIMIT 1
	`, classID, start, end)
	ses, err := scanSession(row)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ses, nil
}

// ListSessionsByClass returns a class's sessions starting in [from, to].
func (r *Repository) ListSessionsByClass(ctx context.Context, classID string, from, to time.Time) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, class_id, scheduled_start, scheduled_end, status, late_window_seconds, auto_mark_absent, created_at
		FROM sessions
		WHERE class_id = $1 AND scheduled_start BETWEEN $2 AND $3
		ORDER BY scheduled_start
	`, classID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		ses, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ses)
	}
	return out, rows.Err()
}

// PutRecord upserts the record for its (session, student) pair. The
// composite primary key enforces the one-record-per-pair invariant.
func (r *Repository) PutRecord(ctx context.Context, rec Record) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records (session_id, student_id, status, resolved_at, source_event_id, overridden, override_reason, needs_review)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (session_id, student_id) DO UPDATE SET
			status = EXCLUDED.status,
			resolved_at = EXCLUDED.resolved_at,
			source_event_id = EXCLUDED.source_event_id,
			overridden = EXCLUDED.overridden,
			override_reason = EXCLUDED.override_reason,
			needs_review = EXCLUDED.needs_review,
			updated_at = NOW()
	`, rec.SessionID, rec.StudentID, rec.Status, rec.ResolvedAt,
		nullable(rec.SourceEventID), rec.Overridden, nullable(rec.OverrideReason), rec.NeedsReview)
	return err
}

// GetRecord returns the record for a (session, student) pair.
func (r *Repository) GetRecord(ctx context.Context, sessionID, studentID string) (Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT session_id, student_id, status, resolved_at, source_event_id, overridden, override_reason, needs_review
		FROM attendance_records WHERE session_id = $1 AND student_id = $2
	`, sessionID, studentID)
	return scanRecord(row)
}

// ListRecords returns all records for a session.
func (r *Repository) ListRecords(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, student_id, status, resolved_at, source_event_id, overridden, override_reason, needs_review
		FROM attendance_records WHERE session_id = $1
		ORDER BY student_id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AppendEvent writes an event. Events are append-only; a replayed id is
// ignored and the stored row returned unchanged.
func (r *Repository) AppendEvent(ctx context.Context, evt Event) (Event, error) {
	var lat, lng *float64
	if evt.Location != nil {
		lat, lng = &evt.Location.Lat, &evt.Location.Lng
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO verification_events (id, session_id, student_id, method, occurred_at, confidence, low_confidence, lat, lng, evidence_url, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO NOTHING
	`, evt.ID, evt.SessionID, evt.StudentID, evt.Method, evt.OccurredAt,
		evt.Confidence, evt.LowConfidence, lat, lng, nullable(evt.EvidenceURL), evt.CreatedAt)
	if err != nil {
		return Event{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.getEvent(ctx, evt.ID)
	}
	return evt, nil
}

func (r *Repository) getEvent(ctx context.Context, id string) (Event, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, session_id, student_id, method, occurred_at, confidence, low_confidence, lat, lng, evidence_url, created_at
		FROM verification_events WHERE id = $1
	`, id)
	return scanEvent(row)
}

// ListEvents returns a pair's events ordered by occurrence.
func (r *Repository) ListEvents(ctx context.Context, sessionID, studentID string) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, student_id, method, occurred_at, confidence, low_confidence, lat, lng, evidence_url, created_at
		FROM verification_events
		WHERE session_id = $1 AND student_id = $2
		ORDER BY occurred_at
	`, sessionID, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// RecentEvent finds a same-method event within epsilon of at.
func (r *Repository) RecentEvent(ctx context.Context, sessionID, studentID string, method Method, at time.Time, epsilon time.Duration) (*Event, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, session_id, student_id, method, occurred_at, confidence, low_confidence, lat, lng, evidence_url, created_at
		FROM verification_events
		WHERE session_id = $1 AND student_id = $2 AND method = $3
		  AND occurred_at BETWEEN $4::timestamptz - ($5 * interval '1 second') AND $4::timestamptz + ($5 * interval '1 second')
		ORDER BY occurred_at
		LIMIT 1
	`, sessionID, studentID, method, at, epsilon.Seconds())
	evt, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &evt, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var ses Session
	var lateSeconds int64
	err := row.Scan(&ses.ID, &ses.ClassID, &ses.ScheduledStart, &ses.ScheduledEnd,
		&ses.Status, &lateSeconds, &ses.AutoMarkAbsent, &ses.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	ses.LateWindow = time.Duration(lateSeconds) * time.Second
	return ses, nil
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var sourceEventID, overrideReason sql.NullString
	err := row.Scan(&rec.SessionID, &rec.StudentID, &rec.Status, &rec.ResolvedAt,
		&sourceEventID, &rec.Overridden, &overrideReason, &rec.NeedsReview)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrRecordNotFound
	}
	if err != nil {
		return Record{}, err
	}
	rec.SourceEventID = sourceEventID.String
	rec.OverrideReason = overrideReason.String
	return rec, nil
}

func scanEvent(row rowScanner) (Event, error) {
	var evt Event
	var lat, lng sql.NullFloat64
	var evidenceURL sql.NullString
	err := row.Scan(&evt.ID, &evt.SessionID, &evt.StudentID, &evt.Method, &evt.OccurredAt,
		&evt.Confidence, &evt.LowConfidence, &lat, &lng, &evidenceURL, &evt.CreatedAt)
	if err != nil {
		return Event{}, err
	}
	if lat.Valid && lng.Valid {
		evt.Location = &Location{Lat: lat.Float64, Lng: lng.Float64}
	}
	evt.EvidenceURL = evidenceURL.String
	return evt, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

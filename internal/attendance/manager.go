package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/metrics"
)

// Manager owns session state transitions. The status machine only
// moves forward: Scheduled -> Active -> Completed, with Cancelled
// reachable from Scheduled or Active. Terminal states never change.
type Manager struct {
	store        Store
	roster       Roster
	audit        AuditLog
	resolver     *Resolver
	gate         *Gate
	drainTimeout time.Duration
	clock        func() time.Time
	newID        func() string
}

// NewManager creates a session manager. drainTimeout bounds how long
// EndSession waits for in-flight submissions before sweeping anyway.
func NewManager(store Store, roster Roster, audit AuditLog, resolver *Resolver, gate *Gate, drainTimeout time.Duration) *Manager {
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	return &Manager{
		store:        store,
		roster:       roster,
		audit:        audit,
		resolver:     resolver,
		gate:         gate,
		drainTimeout: drainTimeout,
		clock:        func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
	}
}

// StartSession opens an Active session for the class and seeds a
// Pending record for every enrolled student. It fails with
// ErrInvalidStateTransition when an open session already overlaps the
// scheduled window for that class.
func (m *Manager) StartSession(ctx context.Context, classID string, start, end time.Time, pol SessionPolicy) (Session, error) {
	if classID == "" {
		return Session{}, errors.New("class id required")
	}
	if !end.After(start) {
		return Session{}, fmt.Errorf("scheduled end %s is not after start %s", end, start)
	}
	if pol.LateWindow < 0 {
		return Session{}, errors.New("late window must not be negative")
	}

	existing, err := m.store.ActiveSessionForClass(ctx, classID, start, end)
	if err != nil {
		return Session{}, persistenceOp("start: conflict check", err)
	}
	if existing != nil {
		return Session{}, fmt.Errorf("%w: class %s already has open session %s", ErrInvalidStateTransition, classID, existing.ID)
	}

	students, err := m.roster.EnrolledStudents(ctx, classID)
	if err != nil {
		return Session{}, persistenceOp("start: roster lookup", err)
	}

	ses := Session{
		ID:             m.newID(),
		ClassID:        classID,
		ScheduledStart: start,
		ScheduledEnd:   end,
		Status:         SessionActive,
		LateWindow:     pol.LateWindow,
		AutoMarkAbsent: pol.AutoMarkAbsent,
		CreatedAt:      m.clock(),
	}
	// The session row is written last so a failed start leaves no
	// Active session behind and the call stays retryable end to end.
	for _, studentID := range students {
		rec := Record{SessionID: ses.ID, StudentID: studentID, Status: StatusPending}
		if err := m.store.PutRecord(ctx, rec); err != nil {
			return Session{}, persistenceOp("start: seed record", err)
		}
	}
	if err := m.store.PutSession(ctx, ses); err != nil {
		return Session{}, persistenceOp("start: write session", err)
	}
	metrics.SessionTransitions.WithLabelValues(string(SessionActive)).Inc()
	return ses, nil
}

// EndSession completes an Active session. It fences off new event
// submissions, drains in-flight resolution passes (bounded by the
// drain timeout), then finalizes every remaining Pending record. A
// storage failure mid-sweep aborts: the session stays Active, the
// fence lifts, and the call is safe to retry since already-resolved
// records are skipped. Calling EndSession on a Completed session
// returns ErrInvalidStateTransition with no side effects.
func (m *Manager) EndSession(ctx context.Context, sessionID string) (Session, error) {
	ses, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, persistenceOp("end: load session", err)
	}
	if ses.Status != SessionActive {
		return Session{}, fmt.Errorf("%w: cannot end session in state %s", ErrInvalidStateTransition, ses.Status)
	}

	if !m.gate.CloseAndDrain(sessionID, m.drainTimeout) {
		log.Printf("session %s: drain timeout after %s, finalizing anyway", sessionID, m.drainTimeout)
	}

	if err := m.finalizeSweep(ctx, ses); err != nil {
		m.gate.Reopen(sessionID)
		return Session{}, err
	}

	ses.Status = SessionCompleted
	if err := m.store.PutSession(ctx, ses); err != nil {
		m.gate.Reopen(sessionID)
		return Session{}, persistenceOp("end: write session", err)
	}
	metrics.SessionTransitions.WithLabelValues(string(SessionCompleted)).Inc()
	return ses, nil
}

func (m *Manager) finalizeSweep(ctx context.Context, ses Session) error {
	records, err := m.store.ListRecords(ctx, ses.ID)
	if err != nil {
		return persistenceOp("end: load records", err)
	}
	for _, rec := range records {
		if rec.Status != StatusPending || rec.Overridden {
			continue
		}
		unlock := m.gate.LockRecord(ses.ID, rec.StudentID)
		_, err := m.resolver.Finalize(ctx, ses, rec.StudentID)
		unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// CancelSession cancels a Scheduled or Active session and marks every
// non-overridden record Excused. No finalize logic runs; a cancelled
// meeting holds nothing against anyone.
func (m *Manager) CancelSession(ctx context.Context, sessionID string) (Session, error) {
	ses, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, persistenceOp("cancel: load session", err)
	}
	if ses.Status.Terminal() {
		return Session{}, fmt.Errorf("%w: cannot cancel session in state %s", ErrInvalidStateTransition, ses.Status)
	}

	m.gate.CloseAndDrain(sessionID, m.drainTimeout)

	records, err := m.store.ListRecords(ctx, ses.ID)
	if err != nil {
		m.gate.Reopen(sessionID)
		return Session{}, persistenceOp("cancel: load records", err)
	}
	now := m.clock()
	for _, rec := range records {
		if rec.Overridden {
			continue
		}
		unlock := m.gate.LockRecord(ses.ID, rec.StudentID)
		rec.Status = StatusExcused
		rec.ResolvedAt = &now
		rec.SourceEventID = ""
		rec.NeedsReview = false
		err := m.store.PutRecord(ctx, rec)
		unlock()
		if err != nil {
			m.gate.Reopen(sessionID)
			return Session{}, persistenceOp("cancel: write record", err)
		}
	}

	ses.Status = SessionCancelled
	if err := m.store.PutSession(ctx, ses); err != nil {
		m.gate.Reopen(sessionID)
		return Session{}, persistenceOp("cancel: write session", err)
	}
	metrics.SessionTransitions.WithLabelValues(string(SessionCancelled)).Inc()
	return ses, nil
}

// OverrideRecord applies a manual, audited status assignment. It is
// permitted in any session state, including after completion, and
// permanently wins over automatic resolution: the resolver never
// reconsiders an overridden record. A later override may replace an
// earlier one; each is audited.
func (m *Manager) OverrideRecord(ctx context.Context, sessionID, studentID string, status RecordStatus, reason, actor string) (Record, error) {
	switch status {
	case StatusPresent, StatusLate, StatusAbsent, StatusExcused:
	default:
		return Record{}, fmt.Errorf("cannot override to status %q", status)
	}
	if reason == "" {
		return Record{}, errors.New("override reason required")
	}

	ses, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return Record{}, persistenceOp("override: load session", err)
	}

	unlock := m.gate.LockRecord(ses.ID, studentID)
	defer unlock()

	rec, err := m.store.GetRecord(ctx, ses.ID, studentID)
	if err != nil {
		return Record{}, persistenceOp("override: load record", err)
	}

	now := m.clock()
	rec.Status = status
	rec.ResolvedAt = &now
	rec.SourceEventID = ""
	rec.Overridden = true
	rec.OverrideReason = reason
	rec.NeedsReview = false
	if err := m.store.PutRecord(ctx, rec); err != nil {
		return Record{}, persistenceOp("override: write record", err)
	}
	metrics.Overrides.Inc()

	if err := m.audit.RecordOverride(ctx, sessionID, studentID, reason, actor); err != nil {
		// The override itself committed; surface the audit failure so
		// the caller can re-log it.
		return rec, fmt.Errorf("override applied but audit failed: %w", err)
	}
	m.resolver.publish(ctx, ses, rec)
	return rec, nil
}

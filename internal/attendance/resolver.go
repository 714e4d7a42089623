package attendance

import (
	"context"
	"errors"
	"time"

	"rollcall/internal/metrics"
	"rollcall/internal/notify"
)

// Resolver derives a record's status from its accumulated events.
// Callers must hold the record lock for the pair being resolved; the
// Ingestor and Manager both route through the shared Gate.
type Resolver struct {
	store  Store
	broker notify.Broker
	clock  func() time.Time
}

// NewResolver creates a resolver. broker may be nil when no live
// consumers exist (tests, batch tools).
func NewResolver(store Store, broker notify.Broker) *Resolver {
	return &Resolver{store: store, broker: broker, clock: func() time.Time { return time.Now().UTC() }}
}

// Resolve recomputes the record for one (session, student) pair from
// its stored events. An overridden record is returned unchanged:
// overrides always win and are never reconsidered.
func (r *Resolver) Resolve(ctx context.Context, ses Session, studentID string) (Record, error) {
	started := r.clock()
	defer func() { metrics.ResolveDuration.Observe(r.clock().Sub(started).Seconds()) }()

	rec, err := r.store.GetRecord(ctx, ses.ID, studentID)
	if errors.Is(err, ErrRecordNotFound) {
		rec = Record{SessionID: ses.ID, StudentID: studentID, Status: StatusPending}
	} else if err != nil {
		return Record{}, persistenceOp("resolve: load record", err)
	}
	if rec.Overridden {
		return rec, nil
	}

	events, err := r.store.ListEvents(ctx, ses.ID, studentID)
	if err != nil {
		return Record{}, persistenceOp("resolve: load events", err)
	}

	pick := earliestQualifying(events)
	if pick == nil {
		// Stays Pending while the session runs; the finalize sweep
		// settles it at session end.
		return rec, nil
	}

	status := classify(ses, pick.OccurredAt)
	if rec.Status == status && rec.SourceEventID == pick.ID {
		return rec, nil
	}

	now := r.clock()
	rec.Status = status
	rec.SourceEventID = pick.ID
	rec.ResolvedAt = &now
	rec.NeedsReview = false
	if err := r.store.PutRecord(ctx, rec); err != nil {
		return Record{}, persistenceOp("resolve: write record", err)
	}
	metrics.Resolutions.WithLabelValues(string(status)).Inc()
	r.publish(ctx, ses, rec)
	return rec, nil
}

// Finalize settles a still-Pending record at session end. A record
// whose only events were low confidence resolves Absent with
// NeedsReview set; with autoMarkAbsent off the Absent is also flagged
// for review since no automatic policy vouched for it.
func (r *Resolver) Finalize(ctx context.Context, ses Session, studentID string) (Record, error) {
	rec, err := r.Resolve(ctx, ses, studentID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != StatusPending {
		// Already terminal; the sweep is idempotent and skips it.
		return rec, nil
	}

	events, err := r.store.ListEvents(ctx, ses.ID, studentID)
	if err != nil {
		return Record{}, persistenceOp("finalize: load events", err)
	}

	now := r.clock()
	rec.Status = StatusAbsent
	rec.ResolvedAt = &now
	rec.SourceEventID = ""
	rec.NeedsReview = len(events) > 0 || !ses.AutoMarkAbsent
	if err := r.store.PutRecord(ctx, rec); err != nil {
		return Record{}, persistenceOp("finalize: write record", err)
	}
	metrics.Resolutions.WithLabelValues(string(StatusAbsent)).Inc()
	r.publish(ctx, ses, rec)
	return rec, nil
}

func (r *Resolver) publish(ctx context.Context, ses Session, rec Record) {
	if r.broker == nil {
		return
	}
	n := notify.Notice{
		SessionID:  rec.SessionID,
		ClassID:    ses.ClassID,
		StudentID:  rec.StudentID,
		Status:     string(rec.Status),
		Overridden: rec.Overridden,
	}
	if rec.ResolvedAt != nil {
		n.ResolvedAt = *rec.ResolvedAt
	}
	// Notification delivery is best effort; resolution already
	// committed.
	_ = r.broker.Publish(ctx, n)
}

// earliestQualifying picks the event that determines the record: the
// earliest qualifying one, with simultaneous timestamps broken by
// method rank.
func earliestQualifying(events []Event) *Event {
	var best *Event
	for i := range events {
		ev := &events[i]
		if !ev.Qualifies() {
			continue
		}
		if best == nil || beats(ev, best) {
			best = ev
		}
	}
	return best
}

func beats(a, b *Event) bool {
	if a.OccurredAt.Before(b.OccurredAt) {
		return true
	}
	if b.OccurredAt.Before(a.OccurredAt) {
		return false
	}
	return methodRank[a.Method] < methodRank[b.Method]
}

// classify maps a qualifying event's timestamp to a status. Anything
// past the late window is Late, including check-ins after scheduled
// end: a late check-in still counts, it is never demoted to Absent.
func classify(ses Session, at time.Time) RecordStatus {
	if !at.After(ses.ScheduledStart.Add(ses.LateWindow)) {
		return StatusPresent
	}
	return StatusLate
}

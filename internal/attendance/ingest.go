package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/metrics"
)

// Ingestor validates and records raw check-in events and triggers a
// resolution pass for the affected record.
type Ingestor struct {
	store         Store
	roster        Roster
	resolver      *Resolver
	gate          *Gate
	faceThreshold float64
	epsilon       time.Duration
	clock         func() time.Time
	newID         func() string
}

// NewIngestor creates an ingestor. faceThreshold is the confidence
// floor below which Face events are stored but never qualify; epsilon
// is the duplicate-detection window.
func NewIngestor(store Store, roster Roster, resolver *Resolver, gate *Gate, faceThreshold float64, epsilon time.Duration) *Ingestor {
	if epsilon <= 0 {
		epsilon = 2 * time.Second
	}
	return &Ingestor{
		store:         store,
		roster:        roster,
		resolver:      resolver,
		gate:          gate,
		faceThreshold: faceThreshold,
		epsilon:       epsilon,
		clock:         func() time.Time { return time.Now().UTC() },
		newID:         uuid.NewString,
	}
}

// Submission is the input to SubmitEvent. Confidence is required for
// Face and implied 1.0 for every other method.
type Submission struct {
	SessionID   string
	StudentID   string
	Method      Method
	OccurredAt  time.Time
	Confidence  *float64
	Location    *Location
	EvidenceURL string
}

// SubmitEvent validates and stores one verification event, then
// resolves the affected record synchronously. Submitting the same
// signal twice within the duplicate window returns the stored event
// without side effects.
func (ing *Ingestor) SubmitEvent(ctx context.Context, sub Submission) (Event, error) {
	ses, err := ing.store.GetSession(ctx, sub.SessionID)
	if err != nil {
		return Event{}, persistenceOp("submit: load session", err)
	}
	if ses.Status != SessionActive {
		metrics.EventsRejected.WithLabelValues("session_closed").Inc()
		return Event{}, ErrSessionClosed
	}

	if !ValidMethod(sub.Method) {
		return Event{}, fmt.Errorf("unknown verification method %q", sub.Method)
	}

	confidence := 1.0
	if sub.Method == MethodFace {
		if sub.Confidence == nil {
			return Event{}, errors.New("confidence is required for face events")
		}
		confidence = *sub.Confidence
		if confidence < 0 || confidence > 1 {
			return Event{}, fmt.Errorf("confidence %v outside [0,1]", confidence)
		}
	}

	occurredAt := sub.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = ing.clock()
	}

	// Fence against the endSession barrier: once the gate closes, fail
	// fast instead of racing the finalize sweep.
	if err := ing.gate.Enter(ses.ID); err != nil {
		metrics.EventsRejected.WithLabelValues("session_closed").Inc()
		return Event{}, err
	}
	defer ing.gate.Leave(ses.ID)

	seed, err := ing.checkEnrollment(ctx, ses, sub.StudentID)
	if err != nil {
		return Event{}, err
	}

	// Submit-and-resolve is one atomic unit per record.
	unlock := ing.gate.LockRecord(ses.ID, sub.StudentID)
	defer unlock()

	// A straggler can sit in the roster lookup long enough for the
	// endSession drain to time out. Once the session is sealed the
	// finalize sweep owns the record set, so re-check under the record
	// lock and reject before writing anything.
	if ing.gate.Sealed(ses.ID) {
		metrics.EventsRejected.WithLabelValues("session_closed").Inc()
		return Event{}, ErrSessionClosed
	}
	if seed {
		rec := Record{SessionID: ses.ID, StudentID: sub.StudentID, Status: StatusPending}
		if err := ing.store.PutRecord(ctx, rec); err != nil {
			return Event{}, persistenceOp("submit: seed record", err)
		}
	}

	if dup, err := ing.store.RecentEvent(ctx, ses.ID, sub.StudentID, sub.Method, occurredAt, ing.epsilon); err != nil {
		return Event{}, persistenceOp("submit: duplicate check", err)
	} else if dup != nil {
		metrics.EventsDuplicate.Inc()
		return *dup, nil
	}

	evt := Event{
		ID:            ing.newID(),
		SessionID:     ses.ID,
		StudentID:     sub.StudentID,
		Method:        sub.Method,
		OccurredAt:    occurredAt,
		Confidence:    confidence,
		LowConfidence: sub.Method == MethodFace && confidence < ing.faceThreshold,
		Location:      sub.Location,
		EvidenceURL:   sub.EvidenceURL,
	}

	stored, err := ing.store.AppendEvent(ctx, evt)
	if err != nil {
		return Event{}, persistenceOp("submit: append event", err)
	}
	metrics.EventsSubmitted.WithLabelValues(string(sub.Method)).Inc()
	if stored.LowConfidence {
		metrics.EventsLowConfidence.Inc()
	}

	if _, err := ing.resolver.Resolve(ctx, ses, sub.StudentID); err != nil {
		return Event{}, err
	}
	return stored, nil
}

// checkEnrollment verifies roster membership. The seeded Pending record
// is the fast path; a missing record falls back to the roster
// collaborator so a student enrolled after session start is admitted.
// It reports whether the caller must lazily create the record, which
// happens later under the record lock so a rejected straggler never
// leaves a stray Pending record behind.
func (ing *Ingestor) checkEnrollment(ctx context.Context, ses Session, studentID string) (seed bool, err error) {
	_, err = ing.store.GetRecord(ctx, ses.ID, studentID)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrRecordNotFound) {
		return false, persistenceOp("submit: load record", err)
	}

	students, err := ing.roster.EnrolledStudents(ctx, ses.ClassID)
	if err != nil {
		return false, persistenceOp("submit: roster lookup", err)
	}
	for _, id := range students {
		if id == studentID {
			return true, nil
		}
	}
	metrics.EventsRejected.WithLabelValues("not_enrolled").Inc()
	return false, ErrNotEnrolled
}

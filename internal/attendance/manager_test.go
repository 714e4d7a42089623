package attendance

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStartSessionSeedsRoster(t *testing.T) {
	e := newEnv(t)
	ses := e.startSession(t, "cs101", "alice", "bob", "carol")

	if ses.Status != SessionActive {
		t.Fatalf("status = %s, want %s", ses.Status, SessionActive)
	}
	records, err := e.store.ListRecords(context.Background(), ses.ID)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("seeded %d records, want 3", len(records))
	}
	for _, rec := range records {
		if rec.Status != StatusPending {
			t.Errorf("record %s seeded as %s, want %s", rec.StudentID, rec.Status, StatusPending)
		}
	}
}

func TestStartSessionRejectsOverlap(t *testing.T) {
	e := newEnv(t)
	e.startSession(t, "cs101", "alice")

	_, err := e.manager.StartSession(context.Background(), "cs101",
		sessionStart.Add(30*time.Minute), sessionStart.Add(90*time.Minute), SessionPolicy{LateWindow: time.Minute})
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("overlapping start error = %v, want ErrInvalidStateTransition", err)
	}
}

func TestStartSessionRetryAfterRosterFailure(t *testing.T) {
	e := newEnv(t)
	fr := &flakyRoster{students: []string{"alice", "bob"}, fail: true}
	e.manager.roster = fr
	pol := SessionPolicy{LateWindow: 10 * time.Minute, AutoMarkAbsent: true}

	_, err := e.manager.StartSession(context.Background(), "cs101", sessionStart, sessionStart.Add(time.Hour), pol)
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("start with failing roster error = %v, want PersistenceError", err)
	}
	ghost, err := e.store.ActiveSessionForClass(context.Background(), "cs101", sessionStart, sessionStart.Add(time.Hour))
	if err != nil {
		t.Fatalf("active session lookup: %v", err)
	}
	if ghost != nil {
		t.Fatalf("aborted start left session %s behind", ghost.ID)
	}

	fr.fail = false
	ses, err := e.manager.StartSession(context.Background(), "cs101", sessionStart, sessionStart.Add(time.Hour), pol)
	if err != nil {
		t.Fatalf("retried start: %v", err)
	}
	records, err := e.store.ListRecords(context.Background(), ses.ID)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("retried start seeded %d records, want 2", len(records))
	}
}

func TestStartSessionRetryAfterSeedFailure(t *testing.T) {
	e := newEnv(t)
	e.roster["cs101"] = []string{"alice"}
	fs := &failingStore{Store: e.store, failPutRecord: true}
	e.manager.store = fs
	pol := SessionPolicy{LateWindow: 10 * time.Minute, AutoMarkAbsent: true}

	_, err := e.manager.StartSession(context.Background(), "cs101", sessionStart, sessionStart.Add(time.Hour), pol)
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("start with failing seed error = %v, want PersistenceError", err)
	}
	ghost, err := e.store.ActiveSessionForClass(context.Background(), "cs101", sessionStart, sessionStart.Add(time.Hour))
	if err != nil {
		t.Fatalf("active session lookup: %v", err)
	}
	if ghost != nil {
		t.Fatalf("aborted start left session %s behind", ghost.ID)
	}

	fs.failPutRecord = false
	ses, err := e.manager.StartSession(context.Background(), "cs101", sessionStart, sessionStart.Add(time.Hour), pol)
	if err != nil {
		t.Fatalf("retried start: %v", err)
	}
	if rec := e.record(t, ses.ID, "alice"); rec.Status != StatusPending {
		t.Fatalf("alice seeded as %s, want %s", rec.Status, StatusPending)
	}
}

func TestEndSessionFinalizesPending(t *testing.T) {
	e := newEnv(t)
	ses := e.startSession(t, "cs101", "alice", "bob")
	e.submit(t, ses, "alice", MethodNFC, sessionStart.Add(3*time.Minute), nil)

	ended, err := e.manager.EndSession(context.Background(), ses.ID)
	if err != nil {
		t.Fatalf("end session: %v", err)
	}
	if ended.Status != SessionCompleted {
		t.Fatalf("status = %s, want %s", ended.Status, SessionCompleted)
	}

	if rec := e.record(t, ses.ID, "alice"); rec.Status != StatusPresent {
		t.Errorf("alice = %s, want %s", rec.Status, StatusPresent)
	}
	bob := e.record(t, ses.ID, "bob")
	if bob.Status != StatusAbsent {
		t.Errorf("bob = %s, want %s", bob.Status, StatusAbsent)
	}
	if bob.NeedsReview {
		t.Errorf("bob flagged for review despite auto-mark-absent with no events")
	}
	if bob.ResolvedAt == nil {
		t.Errorf("bob has no resolvedAt after finalize")
	}
}

func TestEndSessionTwiceFailsWithoutSideEffects(t *testing.T) {
	e := newEnv(t)
	ses := e.startSession(t, "cs101", "alice")
	if _, err := e.manager.EndSession(context.Background(), ses.ID); err != nil {
		t.Fatalf("first end: %v", err)
	}
	before := e.record(t, ses.ID, "alice")

	_, err := e.manager.EndSession(context.Background(), ses.ID)
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("second end error = %v, want ErrInvalidStateTransition", err)
	}
	after := e.record(t, ses.ID, "alice")
	if before != after {
		t.Fatalf("second end mutated record: %+v -> %+v", before, after)
	}
}

func TestEndSessionBlocksSubsequentEvents(t *testing.T) {
	e := newEnv(t)
	ses := e.startSession(t, "cs101", "alice")
	if _, err := e.manager.EndSession(context.Background(), ses.ID); err != nil {
		t.Fatalf("end session: %v", err)
	}

	_, err := e.ingestor.SubmitEvent(context.Background(), Submission{
		SessionID: ses.ID, StudentID: "alice", Method: MethodNFC,
	})
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("submit after end error = %v, want ErrSessionClosed", err)
	}
}

func TestFinalizeFlagsLowConfidenceOnly(t *testing.T) {
	e := newEnv(t)
	ses := e.startSession(t, "cs101", "alice")
	e.submit(t, ses, "alice", MethodFace, sessionStart.Add(2*time.Minute), conf(0.3))

	if rec := e.record(t, ses.ID, "alice"); rec.Status != StatusPending {
		t.Fatalf("low-confidence event resolved record to %s", rec.Status)
	}

	if _, err := e.manager.EndSession(context.Background(), ses.ID); err != nil {
		t.Fatalf("end session: %v", err)
	}
	rec := e.record(t, ses.ID, "alice")
	if rec.Status != StatusAbsent {
		t.Errorf("status = %s, want %s", rec.Status, StatusAbsent)
	}
	if !rec.NeedsReview {
		t.Errorf("record with only low-confidence events not flagged for review")
	}
}

func TestEndSessionRetryAfterStorageFailure(t *testing.T) {
	e := newEnv(t)
	ses := e.startSession(t, "cs101", "alice", "bob")

	fs := &failingStore{Store: e.store, failPutRecord: true}
	e.manager.store = fs
	e.resolver.store = fs

	_, err := e.manager.EndSession(context.Background(), ses.ID)
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("end with failing store error = %v, want PersistenceError", err)
	}
	got, err := e.store.GetSession(context.Background(), ses.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != SessionActive {
		t.Fatalf("session status after aborted sweep = %s, want %s", got.Status, SessionActive)
	}

	// The fence must lift so the still-Active session accepts events.
	fs.failPutRecord = false
	e.submit(t, ses, "alice", MethodBLE, sessionStart.Add(5*time.Minute), nil)

	if _, err := e.manager.EndSession(context.Background(), ses.ID); err != nil {
		t.Fatalf("retried end: %v", err)
	}
	if rec := e.record(t, ses.ID, "alice"); rec.Status != StatusPresent {
		t.Errorf("alice = %s, want %s", rec.Status, StatusPresent)
	}
	if rec := e.record(t, ses.ID, "bob"); rec.Status != StatusAbsent {
		t.Errorf("bob = %s, want %s", rec.Status, StatusAbsent)
	}
}

func TestCancelSessionExcusesEveryone(t *testing.T) {
	e := newEnv(t)
	ses := e.startSession(t, "cs101", "alice", "bob")
	e.submit(t, ses, "alice", MethodNFC, sessionStart.Add(3*time.Minute), nil)

	cancelled, err := e.manager.CancelSession(context.Background(), ses.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != SessionCancelled {
		t.Fatalf("status = %s, want %s", cancelled.Status, SessionCancelled)
	}
	for _, studentID := range []string{"alice", "bob"} {
		if rec := e.record(t, ses.ID, studentID); rec.Status != StatusExcused {
			t.Errorf("%s = %s, want %s", studentID, rec.Status, StatusExcused)
		}
	}

	if _, err := e.manager.CancelSession(context.Background(), ses.ID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("second cancel error = %v, want ErrInvalidStateTransition", err)
	}
}

func TestCancelKeepsOverride(t *testing.T) {
	e := newEnv(t)
	ses := e.startSession(t, "cs101", "alice")
	if _, err := e.manager.OverrideRecord(context.Background(), ses.ID, "alice", StatusPresent, "attended remotely", "dr-jones"); err != nil {
		t.Fatalf("override: %v", err)
	}
	if _, err := e.manager.CancelSession(context.Background(), ses.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if rec := e.record(t, ses.ID, "alice"); rec.Status != StatusPresent || !rec.Overridden {
		t.Fatalf("override lost on cancel: %+v", rec)
	}
}

func TestOverrideWinsOverLaterEvents(t *testing.T) {
	e := newEnv(t)
	ses := e.startSession(t, "cs101", "alice")

	rec, err := e.manager.OverrideRecord(context.Background(), ses.ID, "alice", StatusExcused, "medical leave", "dr-jones")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if !rec.Overridden || rec.OverrideReason != "medical leave" {
		t.Fatalf("override not recorded: %+v", rec)
	}
	if len(e.audit.entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(e.audit.entries))
	}

	e.submit(t, ses, "alice", MethodManual, sessionStart.Add(time.Minute), nil)
	if got := e.record(t, ses.ID, "alice"); got.Status != StatusExcused {
		t.Fatalf("event after override changed status to %s", got.Status)
	}

	// Override-then-complete keeps the override; finalize skips it.
	if _, err := e.manager.EndSession(context.Background(), ses.ID); err != nil {
		t.Fatalf("end session: %v", err)
	}
	if got := e.record(t, ses.ID, "alice"); got.Status != StatusExcused {
		t.Fatalf("finalize touched overridden record: %s", got.Status)
	}
}

func TestOverridePermittedAfterCompletion(t *testing.T) {
	e := newEnv(t)
	ses := e.startSession(t, "cs101", "alice")
	if _, err := e.manager.EndSession(context.Background(), ses.ID); err != nil {
		t.Fatalf("end session: %v", err)
	}

	rec, err := e.manager.OverrideRecord(context.Background(), ses.ID, "alice", StatusLate, "signed paper sheet", "dr-jones")
	if err != nil {
		t.Fatalf("post-completion override: %v", err)
	}
	if rec.Status != StatusLate {
		t.Fatalf("status = %s, want %s", rec.Status, StatusLate)
	}
}

func TestOverrideRejectsPending(t *testing.T) {
	e := newEnv(t)
	ses := e.startSession(t, "cs101", "alice")
	if _, err := e.manager.OverrideRecord(context.Background(), ses.ID, "alice", StatusPending, "oops", "dr-jones"); err == nil {
		t.Fatal("override to pending accepted")
	}
	if _, err := e.manager.OverrideRecord(context.Background(), ses.ID, "alice", StatusAbsent, "", "dr-jones"); err == nil {
		t.Fatal("override without reason accepted")
	}
}

// flakyRoster fails lookups until cleared.
type flakyRoster struct {
	students []string
	fail     bool
}

func (r *flakyRoster) EnrolledStudents(ctx context.Context, classID string) ([]string, error) {
	if r.fail {
		return nil, errors.New("roster service down")
	}
	return r.students, nil
}

// failingStore injects PutRecord failures over a working Store.
type failingStore struct {
	Store
	failPutRecord bool
}

func (f *failingStore) PutRecord(ctx context.Context, rec Record) error {
	if f.failPutRecord {
		return errors.New("disk full")
	}
	return f.Store.PutRecord(ctx, rec)
}

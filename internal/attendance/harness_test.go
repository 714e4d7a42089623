package attendance

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"rollcall/internal/roster"
)

var sessionStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// env wires the core against the in-memory store with a fixed clock
// and deterministic ids.
type env struct {
	store    *MemStore
	roster   roster.Static
	audit    *captureAudit
	gate     *Gate
	resolver *Resolver
	ingestor *Ingestor
	manager  *Manager
	agg      *Aggregator
	now      time.Time
}

type captureAudit struct {
	entries []string
}

func (a *captureAudit) RecordOverride(ctx context.Context, sessionID, studentID, reason, actor string) error {
	a.entries = append(a.entries, fmt.Sprintf("%s/%s by %s: %s", sessionID, studentID, actor, reason))
	return nil
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store:  NewMemStore(),
		roster: roster.Static{},
		audit:  &captureAudit{},
		gate:   NewGate(),
		now:    sessionStart,
	}
	e.resolver = NewResolver(e.store, nil)
	e.resolver.clock = e.clock
	e.ingestor = NewIngestor(e.store, e.roster, e.resolver, e.gate, 0.6, 2*time.Second)
	e.ingestor.clock = e.clock
	var nextEvent atomic.Int64
	e.ingestor.newID = func() string {
		return fmt.Sprintf("evt-%d", nextEvent.Add(1))
	}
	e.manager = NewManager(e.store, e.roster, e.audit, e.resolver, e.gate, 50*time.Millisecond)
	e.manager.clock = e.clock
	nextSession := 0
	e.manager.newID = func() string {
		nextSession++
		return fmt.Sprintf("ses-%d", nextSession)
	}
	e.agg = NewAggregator(e.store, RatePolicy{})
	e.agg.clock = e.clock
	return e
}

func (e *env) clock() time.Time { return e.now }

// startSession opens a one-hour session with a 10 minute late window.
func (e *env) startSession(t *testing.T, classID string, students ...string) Session {
	t.Helper()
	e.roster[classID] = students
	ses, err := e.manager.StartSession(context.Background(), classID, sessionStart, sessionStart.Add(time.Hour), SessionPolicy{
		LateWindow:     10 * time.Minute,
		AutoMarkAbsent: true,
	})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return ses
}

func (e *env) submit(t *testing.T, ses Session, studentID string, method Method, at time.Time, confidence *float64) Event {
	t.Helper()
	evt, err := e.ingestor.SubmitEvent(context.Background(), Submission{
		SessionID:  ses.ID,
		StudentID:  studentID,
		Method:     method,
		OccurredAt: at,
		Confidence: confidence,
	})
	if err != nil {
		t.Fatalf("submit %s/%s: %v", method, studentID, err)
	}
	return evt
}

func (e *env) record(t *testing.T, sessionID, studentID string) Record {
	t.Helper()
	rec, err := e.store.GetRecord(context.Background(), sessionID, studentID)
	if err != nil {
		t.Fatalf("get record %s/%s: %v", sessionID, studentID, err)
	}
	return rec
}

func conf(v float64) *float64 { return &v }

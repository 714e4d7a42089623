package attendance

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store for dev and tests. It mirrors the
// Postgres repository's semantics: upsert for sessions and records,
// append-only for events.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	records  map[string]map[string]Record // sessionID -> studentID
	events   map[string][]Event           // sessionID
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]Session),
		records:  make(map[string]map[string]Record),
		events:   make(map[string][]Event),
	}
}

// PutSession upserts a session.
func (m *MemStore) PutSession(ctx context.Context, ses Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[ses.ID] = ses
	return nil
}

// GetSession returns a session by id.
func (m *MemStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ses, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return ses, nil
}

// ActiveSessionForClass returns an open session overlapping the window.
func (m *MemStore) ActiveSessionForClass(ctx context.Context, classID string, start, end time.Time) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ses := range m.sessions {
		if ses.ClassID != classID || ses.Status.Terminal() {
			continue
		}
		if ses.ScheduledStart.Before(end) && start.Before(ses.ScheduledEnd) {
			s := ses
			return &s, nil
		}
	}
	return nil, nil
}

// ListSessionsByClass returns sessions for a class whose scheduled
// start falls in [from, to], ordered by start time.
func (m *MemStore) ListSessionsByClass(ctx context.Context, classID string, from, to time.Time) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Session
	for _, ses := range m.sessions {
		if ses.ClassID != classID {
			continue
		}
		if ses.ScheduledStart.Before(from) || ses.ScheduledStart.After(to) {
			continue
		}
		out = append(out, ses)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledStart.Before(out[j].ScheduledStart) })
	return out, nil
}

// PutRecord upserts the record for its (session, student) pair.
func (m *MemStore) PutRecord(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byStudent, ok := m.records[rec.SessionID]
	if !ok {
		byStudent = make(map[string]Record)
		m.records[rec.SessionID] = byStudent
	}
	byStudent[rec.StudentID] = rec
	return nil
}

// GetRecord returns the record for a (session, student) pair.
func (m *MemStore) GetRecord(ctx context.Context, sessionID, studentID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[sessionID][studentID]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return rec, nil
}

// ListRecords returns all records for a session ordered by student id.
func (m *MemStore) ListRecords(ctx context.Context, sessionID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, rec := range m.records[sessionID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out, nil
}

// AppendEvent stores an event. A second append with the same id is a
// no-op that returns the stored copy.
func (m *MemStore) AppendEvent(ctx context.Context, evt Event) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events[evt.SessionID] {
		if e.ID == evt.ID {
			return e, nil
		}
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	m.events[evt.SessionID] = append(m.events[evt.SessionID], evt)
	return evt, nil
}

// ListEvents returns events for a (session, student) pair in insertion
// order.
func (m *MemStore) ListEvents(ctx context.Context, sessionID, studentID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, e := range m.events[sessionID] {
		if e.StudentID == studentID {
			out = append(out, e)
		}
	}
	return out, nil
}

// RecentEvent returns a stored event matching the pair and method with
// a timestamp within epsilon of at.
func (m *MemStore) RecentEvent(ctx context.Context, sessionID, studentID string, method Method, at time.Time, epsilon time.Duration) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.events[sessionID] {
		if e.StudentID != studentID || e.Method != method {
			continue
		}
		d := at.Sub(e.OccurredAt)
		if d < 0 {
			d = -d
		}
		if d <= epsilon {
			dup := e
			return &dup, nil
		}
	}
	return nil, nil
}

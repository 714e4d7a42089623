package attendance

import (
	"context"
	"time"
)

// Store is the persistence collaborator. Sessions and records are
// upserted; events are append-only. Implementations must return
// ErrSessionNotFound / ErrRecordNotFound for missing rows so callers
// can distinguish absence from failure.
type Store interface {
	PutSession(ctx context.Context, ses Session) error
	GetSession(ctx context.Context, sessionID string) (Session, error)
	// ActiveSessionForClass returns an uncancelled, unfinished session
	// whose scheduled window overlaps [start, end), if one exists.
	ActiveSessionForClass(ctx context.Context, classID string, start, end time.Time) (*Session, error)
	ListSessionsByClass(ctx context.Context, classID string, from, to time.Time) ([]Session, error)

	PutRecord(ctx context.Context, rec Record) error
	GetRecord(ctx context.Context, sessionID, studentID string) (Record, error)
	ListRecords(ctx context.Context, sessionID string) ([]Record, error)

	AppendEvent(ctx context.Context, evt Event) (Event, error)
	ListEvents(ctx context.Context, sessionID, studentID string) ([]Event, error)
	// RecentEvent returns a stored event for the same pair and method
	// within epsilon of at, used for idempotent submission.
	RecentEvent(ctx context.Context, sessionID, studentID string, method Method, at time.Time, epsilon time.Duration) (*Event, error)
}

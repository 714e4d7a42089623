package attendance

import (
	"context"
	"time"
)

// SessionStatus tracks the lifecycle of a class session.
type SessionStatus string

const (
	SessionScheduled SessionStatus = "scheduled"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transition.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionCancelled
}

// RecordStatus is the attendance outcome for one student in one session.
type RecordStatus string

const (
	StatusPending RecordStatus = "pending"
	StatusPresent RecordStatus = "present"
	StatusLate    RecordStatus = "late"
	StatusAbsent  RecordStatus = "absent"
	StatusExcused RecordStatus = "excused"
)

// Method identifies the verification channel that produced an event.
type Method string

const (
	MethodFace   Method = "face"
	MethodNFC    Method = "nfc"
	MethodBLE    Method = "ble"
	MethodManual Method = "manual"
)

// methodRank orders channels for the simultaneous-timestamp tie-break.
// Manual beats Face beats NFC beats BLE. This is deliberate policy, not
// an artifact of iteration order.
var methodRank = map[Method]int{
	MethodManual: 0,
	MethodFace:   1,
	MethodNFC:    2,
	MethodBLE:    3,
}

// ValidMethod reports whether m is a known verification channel.
func ValidMethod(m Method) bool {
	_, ok := methodRank[m]
	return ok
}

// Location is an optional coordinate pair attached to an event.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Session is one scheduled class meeting during which attendance is
// tracked. Sessions are never deleted; terminal ones are retained for
// audit and history.
type Session struct {
	ID             string        `json:"id"`
	ClassID        string        `json:"class_id"`
	ScheduledStart time.Time     `json:"scheduled_start"`
	ScheduledEnd   time.Time     `json:"scheduled_end"`
	Status         SessionStatus `json:"status"`
	LateWindow     time.Duration `json:"late_window"`
	AutoMarkAbsent bool          `json:"auto_mark_absent"`
	CreatedAt      time.Time     `json:"created_at"`
}

// SessionPolicy carries the per-session knobs supplied at start time.
type SessionPolicy struct {
	LateWindow     time.Duration
	AutoMarkAbsent bool
}

// Record is the single authoritative attendance outcome for one
// (session, student) pair.
type Record struct {
	SessionID      string       `json:"session_id"`
	StudentID      string       `json:"student_id"`
	Status         RecordStatus `json:"status"`
	ResolvedAt     *time.Time   `json:"resolved_at,omitempty"`
	SourceEventID  string       `json:"source_event_id,omitempty"`
	Overridden     bool         `json:"overridden"`
	OverrideReason string       `json:"override_reason,omitempty"`
	NeedsReview    bool         `json:"needs_review"`
}

// Event is one raw check-in signal. Events are append-only and never
// mutated once stored; they feed resolution and serve as audit trail.
type Event struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	StudentID     string    `json:"student_id"`
	Method        Method    `json:"method"`
	OccurredAt    time.Time `json:"occurred_at"`
	Confidence    float64   `json:"confidence"`
	LowConfidence bool      `json:"low_confidence"`
	Location      *Location `json:"location,omitempty"`
	EvidenceURL   string    `json:"evidence_url,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Qualifies reports whether the event is eligible to determine a
// record's status. Face events below the confidence threshold are
// stored but never qualify.
func (e Event) Qualifies() bool {
	return !(e.Method == MethodFace && e.LowConfidence)
}

// RatePolicy controls how the attendance rate is computed.
type RatePolicy struct {
	// CountLateAsPresent includes Late records in the numerator.
	CountLateAsPresent bool
}

// Stats is a derived summary over attendance records. It is computed on
// demand and never stored authoritatively. Session summaries fill
// TotalEnrolled; per-student history fills SessionsCounted, since its
// denominator is completed sessions rather than roster size.
type Stats struct {
	TotalEnrolled   int        `json:"total_enrolled,omitempty"`
	SessionsCounted int        `json:"sessions_counted,omitempty"`
	PresentCount    int        `json:"present_count"`
	LateCount       int        `json:"late_count"`
	AbsentCount     int        `json:"absent_count"`
	ExcusedCount    int        `json:"excused_count"`
	AttendanceRate  float64    `json:"attendance_rate"`
	Provisional     bool       `json:"provisional"`
	LastAttendance  *time.Time `json:"last_attendance,omitempty"`
}

// TrendPoint is one day's attendance rate for a class.
type TrendPoint struct {
	Date time.Time `json:"date"`
	Rate float64   `json:"rate"`
}

// Roster looks up class enrollment. It is an external collaborator;
// student identity beyond the id lives behind it.
type Roster interface {
	EnrolledStudents(ctx context.Context, classID string) ([]string, error)
}

// AuditLog records manual overrides for later review.
type AuditLog interface {
	RecordOverride(ctx context.Context, sessionID, studentID, reason, actor string) error
}

package attendance

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// Twenty enrolled, 18 present, 1 late, 1 absent.
func sessionOfTwenty(t *testing.T, e *env) Session {
	t.Helper()
	students := make([]string, 20)
	for i := range students {
		students[i] = fmt.Sprintf("s%02d", i)
	}
	ses := e.startSession(t, "cs101", students...)
	for _, studentID := range students[:18] {
		e.submit(t, ses, studentID, MethodNFC, sessionStart.Add(2*time.Minute), nil)
	}
	e.submit(t, ses, students[18], MethodBLE, sessionStart.Add(15*time.Minute), nil)
	if _, err := e.manager.EndSession(context.Background(), ses.ID); err != nil {
		t.Fatalf("end session: %v", err)
	}
	return ses
}

func TestSessionStatsRate(t *testing.T) {
	e := newEnv(t)
	ses := sessionOfTwenty(t, e)

	stats, err := e.agg.SessionStats(context.Background(), ses.ID, false)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalEnrolled != 20 || stats.PresentCount != 18 || stats.LateCount != 1 || stats.AbsentCount != 1 {
		t.Fatalf("counts = %+v", stats)
	}
	if stats.AttendanceRate != 90.0 {
		t.Errorf("rate = %v, want 90.0 counting present only", stats.AttendanceRate)
	}
	if stats.Provisional {
		t.Errorf("completed session stats flagged provisional")
	}

	e.agg.rate = RatePolicy{CountLateAsPresent: true}
	stats, err = e.agg.SessionStats(context.Background(), ses.ID, false)
	if err != nil {
		t.Fatalf("stats with late: %v", err)
	}
	if stats.AttendanceRate != 95.0 {
		t.Errorf("rate = %v, want 95.0 counting late", stats.AttendanceRate)
	}
}

func TestSessionStatsRequiresFinalization(t *testing.T) {
	e := newEnv(t)
	ses := e.startSession(t, "cs101", "alice", "bob")
	e.submit(t, ses, "alice", MethodNFC, sessionStart.Add(time.Minute), nil)

	if _, err := e.agg.SessionStats(context.Background(), ses.ID, false); !errors.Is(err, ErrSessionNotFinalized) {
		t.Fatalf("error = %v, want ErrSessionNotFinalized", err)
	}

	stats, err := e.agg.SessionStats(context.Background(), ses.ID, true)
	if err != nil {
		t.Fatalf("provisional stats: %v", err)
	}
	if !stats.Provisional {
		t.Fatalf("active-session snapshot not labeled provisional")
	}
	if stats.PresentCount != 1 {
		t.Errorf("present = %d, want 1", stats.PresentCount)
	}
}

func TestStudentHistory(t *testing.T) {
	e := newEnv(t)

	// Three completed sessions on consecutive days: present, late,
	// absent; plus one still-active session that must not count.
	days := []struct {
		offset time.Duration
		attend func(ses Session, day time.Time)
	}{
		{0, func(ses Session, day time.Time) { e.submit(t, ses, "alice", MethodNFC, day.Add(time.Minute), nil) }},
		{24 * time.Hour, func(ses Session, day time.Time) { e.submit(t, ses, "alice", MethodBLE, day.Add(20*time.Minute), nil) }},
		{48 * time.Hour, func(ses Session, day time.Time) {}},
	}
	e.roster["cs101"] = []string{"alice"}
	for _, d := range days {
		day := sessionStart.Add(d.offset)
		e.now = day
		ses, err := e.manager.StartSession(context.Background(), "cs101", day, day.Add(time.Hour), SessionPolicy{
			LateWindow:     10 * time.Minute,
			AutoMarkAbsent: true,
		})
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		d.attend(ses, day)
		e.now = day.Add(90 * time.Minute)
		if _, err := e.manager.EndSession(context.Background(), ses.ID); err != nil {
			t.Fatalf("end: %v", err)
		}
	}
	openDay := sessionStart.Add(72 * time.Hour)
	if _, err := e.manager.StartSession(context.Background(), "cs101", openDay, openDay.Add(time.Hour), SessionPolicy{}); err != nil {
		t.Fatalf("start open session: %v", err)
	}

	stats, err := e.agg.StudentHistory(context.Background(), "cs101", "alice", sessionStart.Add(-time.Hour), openDay.Add(time.Hour))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if stats.SessionsCounted != 3 {
		t.Fatalf("counted %d sessions, want 3 completed", stats.SessionsCounted)
	}
	if stats.TotalEnrolled != 0 {
		t.Fatalf("history stats carry enrollment %d, want none", stats.TotalEnrolled)
	}
	if stats.PresentCount != 1 || stats.LateCount != 1 || stats.AbsentCount != 1 {
		t.Fatalf("counts = %+v", stats)
	}
	if stats.LastAttendance == nil {
		t.Fatal("lastAttendance not set")
	}
	// The late check-in on day two is the most recent Present/Late
	// resolution; the absent day must not advance it.
	if got := *stats.LastAttendance; got.Before(sessionStart.Add(24 * time.Hour)) {
		t.Errorf("lastAttendance = %s, want day-two resolution", got)
	}
}

func TestTrendIteratorIsFiniteAndRestartable(t *testing.T) {
	e := newEnv(t)

	e.roster["cs101"] = []string{"alice", "bob"}
	for dayOffset := 0; dayOffset < 3; dayOffset++ {
		day := sessionStart.Add(time.Duration(dayOffset) * 24 * time.Hour)
		e.now = day
		ses, err := e.manager.StartSession(context.Background(), "cs101", day, day.Add(time.Hour), SessionPolicy{
			LateWindow:     10 * time.Minute,
			AutoMarkAbsent: true,
		})
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		if dayOffset < 2 {
			e.submit(t, ses, "alice", MethodNFC, day.Add(time.Minute), nil)
		}
		e.now = day.Add(2 * time.Hour)
		if _, err := e.manager.EndSession(context.Background(), ses.ID); err != nil {
			t.Fatalf("end: %v", err)
		}
	}

	it, err := e.agg.Trend(context.Background(), "cs101", 30)
	if err != nil {
		t.Fatalf("trend: %v", err)
	}
	collect := func() []TrendPoint {
		var points []TrendPoint
		for {
			point, ok, err := it.Next(context.Background())
			if err != nil {
				t.Fatalf("next: %v", err)
			}
			if !ok {
				return points
			}
			points = append(points, point)
		}
	}

	first := collect()
	if len(first) != 3 {
		t.Fatalf("trend has %d points, want 3", len(first))
	}
	if first[0].Date.After(first[1].Date) {
		t.Errorf("points out of order: %s then %s", first[0].Date, first[1].Date)
	}
	if first[2].Rate != 0 {
		t.Errorf("no-show day rate = %v, want 0", first[2].Rate)
	}

	it.Reset()
	second := collect()
	if len(second) != len(first) {
		t.Fatalf("restart produced %d points, want %d", len(second), len(first))
	}
}

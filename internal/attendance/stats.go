package attendance

import (
	"context"
	"errors"
	"time"
)

// Aggregator computes attendance metrics from resolved records. It
// only reads; rates over unfinished sessions are refused unless the
// caller explicitly asks for a provisional snapshot.
type Aggregator struct {
	store Store
	rate  RatePolicy
	clock func() time.Time
}

// NewAggregator creates an aggregator with the given rate policy.
func NewAggregator(store Store, rate RatePolicy) *Aggregator {
	return &Aggregator{store: store, rate: rate, clock: func() time.Time { return time.Now().UTC() }}
}

// SessionStats computes the summary for one session. Unless provisional
// is set, the session must be Completed or Cancelled; a provisional
// snapshot of an Active session is labeled as such in the result.
func (a *Aggregator) SessionStats(ctx context.Context, sessionID string, provisional bool) (Stats, error) {
	ses, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return Stats{}, persistenceOp("stats: load session", err)
	}
	if !ses.Status.Terminal() && !provisional {
		return Stats{}, ErrSessionNotFinalized
	}

	records, err := a.store.ListRecords(ctx, sessionID)
	if err != nil {
		return Stats{}, persistenceOp("stats: load records", err)
	}

	stats := a.fold(records)
	stats.TotalEnrolled = len(records)
	stats.Provisional = !ses.Status.Terminal()
	return stats, nil
}

// StudentHistory folds one student's records across all Completed
// sessions of a class in [from, to]. LastAttendance is the most recent
// resolution among Present and Late records.
func (a *Aggregator) StudentHistory(ctx context.Context, classID, studentID string, from, to time.Time) (Stats, error) {
	sessions, err := a.store.ListSessionsByClass(ctx, classID, from, to)
	if err != nil {
		return Stats{}, persistenceOp("history: load sessions", err)
	}

	var records []Record
	var last *time.Time
	for _, ses := range sessions {
		if ses.Status != SessionCompleted {
			continue
		}
		rec, err := a.store.GetRecord(ctx, ses.ID, studentID)
		if errors.Is(err, ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return Stats{}, persistenceOp("history: load record", err)
		}
		records = append(records, rec)
		if (rec.Status == StatusPresent || rec.Status == StatusLate) && rec.ResolvedAt != nil {
			if last == nil || rec.ResolvedAt.After(*last) {
				t := *rec.ResolvedAt
				last = &t
			}
		}
	}

	stats := a.fold(records)
	stats.SessionsCounted = len(records)
	stats.LastAttendance = last
	return stats, nil
}

// fold tallies records and computes the rate per policy. The rate is a
// percentage; Late counts toward it only when the policy says so. The
// caller labels the denominator (enrollment or sessions counted).
func (a *Aggregator) fold(records []Record) Stats {
	var stats Stats
	for _, rec := range records {
		switch rec.Status {
		case StatusPresent:
			stats.PresentCount++
		case StatusLate:
			stats.LateCount++
		case StatusAbsent:
			stats.AbsentCount++
		case StatusExcused:
			stats.ExcusedCount++
		}
	}
	if len(records) > 0 {
		attended := stats.PresentCount
		if a.rate.CountLateAsPresent {
			attended += stats.LateCount
		}
		stats.AttendanceRate = float64(attended) / float64(len(records)) * 100
	}
	return stats
}

// Trend returns a restartable iterator over per-day attendance rates
// for the class, covering the last `days` days. Days without a
// Completed session produce no point. The iterator is a finite pull
// sequence, not a live subscription; callers wanting fresh data invoke
// Trend again.
func (a *Aggregator) Trend(ctx context.Context, classID string, days int) (*TrendIterator, error) {
	if days <= 0 {
		days = 30
	}
	now := a.clock()
	from := now.AddDate(0, 0, -days)

	sessions, err := a.store.ListSessionsByClass(ctx, classID, from, now)
	if err != nil {
		return nil, persistenceOp("trend: load sessions", err)
	}

	byDay := make(map[time.Time][]string)
	var order []time.Time
	for _, ses := range sessions {
		if ses.Status != SessionCompleted {
			continue
		}
		day := ses.ScheduledStart.UTC().Truncate(24 * time.Hour)
		if _, seen := byDay[day]; !seen {
			order = append(order, day)
		}
		byDay[day] = append(byDay[day], ses.ID)
	}

	return &TrendIterator{agg: a, days: order, sessions: byDay}, nil
}

// TrendIterator walks day buckets lazily; each Next computes one day's
// rate from the store. Reset rewinds to the first day.
type TrendIterator struct {
	agg      *Aggregator
	days     []time.Time
	sessions map[time.Time][]string
	cursor   int
}

// Next returns the next day's point. The second return is false once
// the sequence is exhausted.
func (it *TrendIterator) Next(ctx context.Context) (TrendPoint, bool, error) {
	if it.cursor >= len(it.days) {
		return TrendPoint{}, false, nil
	}
	day := it.days[it.cursor]
	it.cursor++

	var attended, total int
	for _, sessionID := range it.sessions[day] {
		records, err := it.agg.store.ListRecords(ctx, sessionID)
		if err != nil {
			return TrendPoint{}, false, persistenceOp("trend: load records", err)
		}
		for _, rec := range records {
			total++
			if rec.Status == StatusPresent || (it.agg.rate.CountLateAsPresent && rec.Status == StatusLate) {
				attended++
			}
		}
	}
	point := TrendPoint{Date: day}
	if total > 0 {
		point.Rate = float64(attended) / float64(total) * 100
	}
	return point, true, nil
}

// Reset rewinds the iterator so the sequence can be replayed.
func (it *TrendIterator) Reset() { it.cursor = 0 }

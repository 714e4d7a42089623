package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters and histograms exposed on /metrics. Registered on the
// default registry so promhttp picks them up without extra wiring.
var (
	EventsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_events_submitted_total",
		Help: "Verification events accepted, by method.",
	}, []string{"method"})

	EventsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_events_duplicate_total",
		Help: "Submissions coalesced into a previously stored event.",
	})

	EventsLowConfidence = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_events_low_confidence_total",
		Help: "Face events stored below the confidence threshold.",
	})

	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_events_rejected_total",
		Help: "Submissions rejected at validation, by reason.",
	}, []string{"reason"})

	Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_resolutions_total",
		Help: "Record resolutions written, by resulting status.",
	}, []string{"status"})

	ResolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rollcall_resolve_duration_seconds",
		Help:    "Wall time of a single resolution pass.",
		Buckets: prometheus.DefBuckets,
	})

	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_session_transitions_total",
		Help: "Session status transitions, by target status.",
	}, []string{"to"})

	Overrides = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_overrides_total",
		Help: "Manual record overrides applied.",
	})
)

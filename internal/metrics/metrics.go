package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// unitsEnqueued counts dispatch units written to the queue.
	unitsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mailcampaign",
		Subsystem: "dispatch",
		Name:      "units_enqueued_total",
		Help:      "Dispatch units enqueued by campaign sends.",
	})

	// unitsProcessed counts worker outcomes.
	// Labels:
	// - outcome: "sent", "failed", "retried", "parked", "dropped"
	unitsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailcampaign",
			Subsystem: "dispatch",
			Name:      "units_processed_total",
			Help:      "Dispatch units handled by the worker pool, by outcome.",
		},
		[]string{"outcome"},
	)

	// sendDuration observes transport latency.
	// Labels:
	// - status: "success" or "failure"
	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mailcampaign",
			Subsystem: "dispatch",
			Name:      "send_duration_seconds",
			Help:      "Mail transport send latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	// eventsRecorded counts campaign events appended to the log.
	eventsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailcampaign",
			Subsystem: "events",
			Name:      "recorded_total",
			Help:      "Campaign events recorded, by type.",
		},
		[]string{"type"},
	)

	// campaignTransitions counts successful status changes.
	campaignTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailcampaign",
			Subsystem: "campaign",
			Name:      "transitions_total",
			Help:      "Campaign status transitions, by source and target status.",
		},
		[]string{"from", "to"},
	)
)

func AddUnitsEnqueued(n int) {
	if n > 0 {
		unitsEnqueued.Add(float64(n))
	}
}

// IncUnitProcessed increments the worker outcome counter.
func IncUnitProcessed(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	unitsProcessed.WithLabelValues(outcome).Inc()
}

func ObserveSend(d time.Duration, ok bool) {
	status := "success"
	if !ok {
		status = "failure"
	}
	sendDuration.WithLabelValues(status).Observe(d.Seconds())
}

func IncEventRecorded(eventType string) {
	if eventType == "" {
		eventType = "unknown"
	}
	eventsRecorded.WithLabelValues(eventType).Inc()
}

func IncTransition(from, to string) {
	if from == "" {
		from = "unknown"
	}
	if to == "" {
		to = "unknown"
	}
	campaignTransitions.WithLabelValues(from, to).Inc()
}

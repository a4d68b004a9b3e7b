// Package observability holds Prometheus collectors for the attendance engine.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	transitionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance_service",
		Subsystem: "engine",
		Name:      "transitions_total",
		Help:      "Number of attendance transitions applied, labeled by action.",
	}, []string{"action"})

	rejectionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance_service",
		Subsystem: "engine",
		Name:      "rejections_total",
		Help:      "Number of attendance transitions rejected, labeled by action and reason.",
	}, []string{"action", "reason"})

	lastTransitionGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "attendance_service",
		Subsystem: "engine",
		Name:      "last_transition_timestamp_seconds",
		Help:      "Unix timestamp of the most recent attendance transition applied.",
	})

	recordPersistGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "attendance_service",
		Subsystem: "persistence",
		Name:      "last_record_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent record write committed, labeled by store.",
	}, []string{"store"})

	eventsPublishedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "attendance_service",
		Subsystem: "persistence",
		Name:      "last_events_published_timestamp_seconds",
		Help:      "Unix timestamp of the most recent outbox batch marked published.",
	})
)

func init() {
	prometheus.MustRegister(transitionCounter, rejectionCounter, lastTransitionGauge, recordPersistGauge, eventsPublishedGauge)
}

// RecordTransition counts an applied transition and advances the watermark.
func RecordTransition(action string, ts time.Time) {
	transitionCounter.WithLabelValues(action).Inc()
	if ts.IsZero() {
		return
	}
	lastTransitionGauge.Set(float64(ts.Unix()))
}

// RecordRejection counts a rejected transition.
func RecordRejection(action, reason string) {
	rejectionCounter.WithLabelValues(action, reason).Inc()
}

// RecordPersisted updates the persistence watermark for a store.
func RecordPersisted(store string, ts time.Time) {
	if ts.IsZero() {
		return
	}
	recordPersistGauge.WithLabelValues(store).Set(float64(ts.Unix()))
}

// RecordEventsPublished updates the outbox publish watermark.
func RecordEventsPublished(ts time.Time) {
	if ts.IsZero() {
		return
	}
	eventsPublishedGauge.Set(float64(ts.Unix()))
}

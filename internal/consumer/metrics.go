package consumer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeProcessed = "processed"
	outcomeFailed    = "failed"
	outcomeMalformed = "malformed"
)

var (
	messagesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance_service",
		Subsystem: "consumer",
		Name:      "messages_total",
		Help:      "Kafka messages seen by the consumer, by topic, event type and outcome.",
	}, []string{"topic", "event_type", "outcome"})

	handlerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "attendance_service",
		Subsystem: "consumer",
		Name:      "handler_duration_seconds",
		Help:      "Duration of single handler attempts.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	watermarkGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "attendance_service",
		Subsystem: "consumer",
		Name:      "last_message_timestamp_seconds",
		Help:      "Kafka timestamp of the latest committed message per topic.",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(messagesCounter, handlerDuration, watermarkGauge)
}

func recordOutcome(topic, eventType, outcome string) {
	messagesCounter.WithLabelValues(topic, eventType, outcome).Inc()
}

func observeHandler(eventType string, start time.Time) {
	handlerDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
}

func recordWatermark(msg Message) {
	if msg.Timestamp.IsZero() {
		return
	}
	watermarkGauge.WithLabelValues(msg.Topic).Set(float64(msg.Timestamp.Unix()))
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Reminder pipeline metrics
	RemindersFiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kilo_reminders_fired_total",
			Help: "Total number of reminders fired by the scheduler",
		},
	)

	RemindersConfirmedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kilo_reminders_confirmed_total",
			Help: "Total number of reminder confirmations by kind (taken, late)",
		},
		[]string{"kind"},
	)

	RemindersMissedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kilo_reminders_missed_total",
			Help: "Total number of reminders that passed their grace window",
		},
	)

	RemindersSnoozedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kilo_reminders_snoozed_total",
			Help: "Total number of reminder snoozes",
		},
	)

	ClaimBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kilo_scheduler_claim_batch_size",
			Help:    "Number of due reminders claimed per scheduler cycle",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64},
		},
	)

	// Event bus metrics
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kilo_events_published_total",
			Help: "Total number of events published by topic",
		},
		[]string{"topic"},
	)

	EventsDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kilo_events_delivered_total",
			Help: "Total number of events delivered by subscriber",
		},
		[]string{"subscriber"},
	)

	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kilo_events_dropped_total",
			Help: "Total number of events dropped from full subscriber queues",
		},
		[]string{"subscriber"},
	)

	EventsDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kilo_events_dead_lettered_total",
			Help: "Total number of events written to the dead-letter log",
		},
		[]string{"subscriber", "topic"},
	)

	// Coaching metrics
	PatternsDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kilo_patterns_detected_total",
			Help: "Total number of patterns detected by kind",
		},
		[]string{"kind"},
	)

	MessagesGeneratedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kilo_coaching_messages_generated_total",
			Help: "Total number of coaching messages generated by kind",
		},
		[]string{"kind"},
	)

	MessagesSuppressedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kilo_coaching_messages_suppressed_total",
			Help: "Total number of coaching messages suppressed by cooldown",
		},
	)

	// Gateway metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kilo_http_requests_total",
			Help: "Total number of gateway requests by backend and status",
		},
		[]string{"backend", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kilo_http_request_duration_seconds",
			Help:    "Gateway request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)
)

// Register registers all collectors with the default registry
func Register() {
	prometheus.MustRegister(
		RemindersFiredTotal,
		RemindersConfirmedTotal,
		RemindersMissedTotal,
		RemindersSnoozedTotal,
		ClaimBatchSize,
		EventsPublishedTotal,
		EventsDeliveredTotal,
		EventsDroppedTotal,
		EventsDeadLetteredTotal,
		PatternsDetectedTotal,
		MessagesGeneratedTotal,
		MessagesSuppressedTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// Handler returns the HTTP handler exposing the metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration and records it to a histogram
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to the given histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(time.Since(t.start).Seconds())
}

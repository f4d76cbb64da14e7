package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EventMetrics counts traffic through the event pipeline of one service.
type EventMetrics struct {
	Published    *prometheus.CounterVec
	PublishFails *prometheus.CounterVec
	Consumed     *prometheus.CounterVec
	Requeued     *prometheus.CounterVec
	DeadLettered *prometheus.CounterVec
}

// NewEventMetrics creates event pipeline metrics for a service.
func NewEventMetrics(serviceName string) *EventMetrics {
	return &EventMetrics{
		Published: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_events_published_total",
				Help: "Total number of events published to the broker",
			},
			[]string{"topic"},
		),
		PublishFails: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_events_publish_failures_total",
				Help: "Total number of publishes that exhausted their retries",
			},
			[]string{"topic"},
		),
		Consumed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_events_consumed_total",
				Help: "Total number of deliveries processed, by verdict",
			},
			[]string{"queue", "verdict"},
		),
		Requeued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_events_requeued_total",
				Help: "Total number of deliveries republished with an incremented retry header",
			},
			[]string{"queue"},
		),
		DeadLettered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_events_dead_lettered_total",
				Help: "Total number of deliveries rejected to the dead-letter queue",
			},
			[]string{"queue"},
		),
	}
}

// SagaMetrics counts reservation lifecycle outcomes.
type SagaMetrics struct {
	ReservationsCreated   prometheus.Counter
	ReservationsRejected  prometheus.Counter
	ReservationsReleased  prometheus.Counter
	ReservationsFinalized prometheus.Counter
	ReservationsExpired   prometheus.Counter
}

// NewSagaMetrics creates reservation lifecycle metrics.
func NewSagaMetrics(serviceName string) *SagaMetrics {
	counter := func(name, help string) prometheus.Counter {
		return promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_" + name,
			Help: help,
		})
	}
	return &SagaMetrics{
		ReservationsCreated:   counter("reservations_created_total", "Reservations successfully created"),
		ReservationsRejected:  counter("reservations_rejected_total", "Orders rejected for insufficient stock"),
		ReservationsReleased:  counter("reservations_released_total", "Reservations released by cancel or failure"),
		ReservationsFinalized: counter("reservations_finalized_total", "Reservations converted to stock deductions"),
		ReservationsExpired:   counter("reservations_expired_total", "Reservations released by the expirer"),
	}
}

// Handler returns the Prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

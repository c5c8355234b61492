// Package metrics holds the Prometheus collectors of the operator. They are registered on the
// controller-runtime registry so the manager's metrics endpoint serves them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appsession_watch_events_total",
			Help: "Watch events received per resource kind and action",
		},
		[]string{"kind", "action"},
	)

	staleEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appsession_watch_stale_events_total",
			Help: "Watch events discarded because a newer resource version was already seen",
		},
		[]string{"kind"},
	)

	handlerErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appsession_handler_errors_total",
			Help: "Handler invocations that returned an error",
		},
		[]string{"kind"},
	)

	reservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appsession_slot_reservations_total",
			Help: "Pooled slot reservation attempts by result",
		},
		[]string{"result"},
	)

	sessionsKilledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "appsession_sessions_killed_total",
			Help: "Sessions deleted by the kill-after scanner",
		},
	)

	urlPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appsession_url_polls_total",
			Help: "Session URL availability polls by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		eventsTotal,
		staleEventsTotal,
		handlerErrorsTotal,
		reservationsTotal,
		sessionsKilledTotal,
		urlPollsTotal,
	)
}

func RecordEvent(kind, action string) { eventsTotal.WithLabelValues(kind, action).Inc() }

func RecordStaleEvent(kind string) { staleEventsTotal.WithLabelValues(kind).Inc() }

func RecordHandlerError(kind string) { handlerErrorsTotal.WithLabelValues(kind).Inc() }

// Reservation results.
const (
	ReservationClaimed         = "claimed"
	ReservationAlreadyReserved = "already_reserved"
	ReservationConflict        = "conflict"
	ReservationExhausted       = "no_slot"
)

func RecordReservation(result string) { reservationsTotal.WithLabelValues(result).Inc() }

func RecordSessionKilled() { sessionsKilledTotal.Inc() }

// URL poll outcomes.
const (
	PollAvailable = "available"
	PollGaveUp    = "gave_up"
	PollForced    = "forced"
)

func RecordURLPoll(outcome string) { urlPollsTotal.WithLabelValues(outcome).Inc() }

package observability

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agent-relay/internal/event"
	"agent-relay/internal/transport"
)

// Metrics holds the relay's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Labels: auth_kind, status (ok|error|missing_credential)
	Turns *prometheus.CounterVec
	// Labels: auth_kind
	TurnDuration *prometheus.HistogramVec
	// Labels: kind (text.delta|text.done|tool.call|tool.output)
	Events *prometheus.CounterVec
	// Labels: transport (sdk|sse), reason (timeout|http_NNN|stream|cancelled)
	TransportErrors *prometheus.CounterVec
	// Labels: transport
	SkippedPayloads *prometheus.CounterVec
	// Labels: status (ok|error)
	CredentialFetches *prometheus.CounterVec
}

// NewMetrics registers every collector on a fresh registry so several
// instances can coexist in one process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Turns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_turns_total",
				Help: "Chat turns relayed by auth kind and outcome",
			},
			[]string{"auth_kind", "status"},
		),
		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_turn_duration_seconds",
				Help:    "Wall time of a relayed turn in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 180},
			},
			[]string{"auth_kind"},
		),
		Events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_events_total",
				Help: "Normalized agent events by kind",
			},
			[]string{"kind"},
		),
		TransportErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_transport_errors_total",
				Help: "Failed agent streams by transport and reason",
			},
			[]string{"transport", "reason"},
		),
		SkippedPayloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_sse_skipped_total",
				Help: "Malformed stream payloads that were skipped",
			},
			[]string{"transport"},
		),
		CredentialFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_credential_fetches_total",
				Help: "Database credential fetch attempts by outcome",
			},
			[]string{"status"},
		),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TurnFinished records one relayed turn.
func (m *Metrics) TurnFinished(authKind string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(authKind, TurnStatus(err)).Inc()
	m.TurnDuration.WithLabelValues(authKind).Observe(elapsed.Seconds())
}

// EventSeen counts a normalized event.
func (m *Metrics) EventSeen(ev event.Event) {
	if m == nil || ev == nil {
		return
	}
	m.Events.WithLabelValues(string(ev.Kind())).Inc()
}

// PayloadSkipped implements transport.Observer.
func (m *Metrics) PayloadSkipped(transportName string) {
	if m == nil {
		return
	}
	m.SkippedPayloads.WithLabelValues(transportName).Inc()
}

// StreamFailed implements transport.Observer.
func (m *Metrics) StreamFailed(transportName, reason string) {
	if m == nil {
		return
	}
	m.TransportErrors.WithLabelValues(transportName, reason).Inc()
}

// CredentialFetch implements credential.FetchObserver.
func (m *Metrics) CredentialFetch(err error) {
	if m == nil {
		return
	}
	m.CredentialFetches.WithLabelValues(outcome(err)).Inc()
}

// TurnStatus labels err for the turn counter; missing credentials are
// reported separately from transport failures.
func TurnStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, transport.ErrMissingCredential):
		return "missing_credential"
	default:
		return "error"
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}

var _ transport.Observer = (*Metrics)(nil)

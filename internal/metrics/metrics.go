// Package metrics exposes Prometheus counters for the authorization engine.
// Counters are fed from the engine's event hook.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alexjbarnes/authflow/internal/engine"
)

const namespace = "authflow"

// Metrics holds the engine counters and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	authorizations *prometheus.CounterVec
	decisions      *prometheus.CounterVec
	tokensIssued   *prometheus.CounterVec
	refreshes      prometheus.Counter
	reuse          prometheus.Counter
	revocations    *prometheus.CounterVec
	clients        *prometheus.CounterVec
}

// New creates the counters on a fresh registry together with the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorizations_created_total",
			Help:      "Authorization requests accepted, by client.",
		}, []string{"client_id"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorization_decisions_total",
			Help:      "Authorization decisions by outcome (approved, auto_approved, denied).",
		}, []string{"outcome"}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Token bundles issued for new sessions, by grant type.",
		}, []string{"grant_type"}),
		refreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_rotations_total",
			Help:      "Refresh tokens rotated.",
		}),
		reuse: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_reuse_detected_total",
			Help:      "Rotated refresh tokens presented again.",
		}),
		revocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revocations_total",
			Help:      "Sessions and consents revoked, by kind.",
		}, []string{"kind"}),
		clients: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_changes_total",
			Help:      "Client registrations and deletions.",
		}, []string{"change"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.authorizations,
		m.decisions,
		m.tokensIssued,
		m.refreshes,
		m.reuse,
		m.revocations,
		m.clients,
	)

	return m
}

// Observe records an engine event. Pass it to engine.WithEventHook.
func (m *Metrics) Observe(_ context.Context, ev engine.Event) {
	switch ev.Type {
	case engine.EventAuthorizationCreated:
		m.authorizations.WithLabelValues(ev.ClientID).Inc()
	case engine.EventAuthorizationApproved:
		outcome := "approved"
		if ev.AutoApproved {
			outcome = "auto_approved"
		}

		m.decisions.WithLabelValues(outcome).Inc()
	case engine.EventAuthorizationDenied:
		m.decisions.WithLabelValues("denied").Inc()
	case engine.EventTokensIssued:
		m.tokensIssued.WithLabelValues(ev.Grant).Inc()
	case engine.EventRefreshRotated:
		m.refreshes.Inc()
	case engine.EventRefreshReuseDetected:
		m.reuse.Inc()
	case engine.EventSessionRevoked:
		m.revocations.WithLabelValues("session").Inc()
	case engine.EventConsentRevoked:
		m.revocations.WithLabelValues("consent").Inc()
	case engine.EventClientRegistered:
		m.clients.WithLabelValues("registered").Inc()
	case engine.EventClientDeleted:
		m.clients.WithLabelValues("deleted").Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

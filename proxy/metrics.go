package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsTotal counts accepted client connections.
	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pgtokenproxy",
		Name:      "sessions_total",
		Help:      "Total number of accepted client connections",
	})

	// SessionFailures counts sessions that terminated with an error, by kind.
	SessionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pgtokenproxy",
		Name:      "session_failures_total",
		Help:      "Total number of failed sessions by failure kind",
	}, []string{"kind"})

	// ActiveSessions tracks the current number of live sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pgtokenproxy",
		Name:      "active_sessions",
		Help:      "Current number of active sessions",
	})

	// RelayedBytes counts bytes relayed after authentication, by direction.
	RelayedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pgtokenproxy",
		Name:      "relayed_bytes_total",
		Help:      "Total bytes relayed between client and backend by direction",
	}, []string{"direction"})

	// TokenFetches counts token provider calls.
	TokenFetches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pgtokenproxy",
		Name:      "token_fetches_total",
		Help:      "Total number of auth token fetches",
	})

	// TokenFetchFailures counts failed token provider calls.
	TokenFetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pgtokenproxy",
		Name:      "token_fetch_failures_total",
		Help:      "Total number of failed auth token fetches",
	})

	// AuthRetries counts the single permitted fresh-token retry after a
	// backend rejection.
	AuthRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pgtokenproxy",
		Name:      "auth_retries_total",
		Help:      "Total number of backend auth retries with a fresh token",
	})

	// AuthzDenials counts connect-time authorization denials.
	AuthzDenials = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pgtokenproxy",
		Name:      "authz_denials_total",
		Help:      "Total number of connect-time authorization denials",
	})
)

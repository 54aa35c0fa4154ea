package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	authAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_attempts_total",
			Help: "Authentication attempts by outcome.",
		},
		[]string{"outcome"},
	)

	authzDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Authorization decisions by result.",
		},
		[]string{"decision"},
	)
)

// Init registers the counters with the default registry. Call once at
// application startup; the counters work unregistered in tests.
func Init() {
	prometheus.MustRegister(authAttemptsTotal, authzDecisionsTotal)
}

// Handler exposes the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAuthAttempt counts one authentication attempt.
func ObserveAuthAttempt(success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	authAttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveDecision counts one authorization decision.
func ObserveDecision(allowed bool) {
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	authzDecisionsTotal.WithLabelValues(decision).Inc()
}

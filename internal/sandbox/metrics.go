package sandbox

import "github.com/prometheus/client_golang/prometheus"

var (
	apiHealthy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "keel_api_healthy",
		Help: "Whether the last control-plane API check succeeded.",
	})
	healthChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keel_health_checks_total",
		Help: "Health loop API checks by result.",
	}, []string{"result"})
	runState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "keel_sandbox_state",
		Help: "Current runtime pipeline state (1 for the active state).",
	}, []string{"state"})
)

func init() {
	prometheus.MustRegister(apiHealthy, healthChecks, runState)
}

func observeState(previous, next State) {
	if previous != "" {
		runState.WithLabelValues(string(previous)).Set(0)
	}
	runState.WithLabelValues(string(next)).Set(1)
}

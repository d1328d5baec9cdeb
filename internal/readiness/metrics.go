package readiness

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeReady     = "ready"
	outcomeTimeout   = "timeout"
	outcomeDied      = "process_died"
	outcomeCancelled = "cancelled"
)

var waitDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "keel_readiness_wait_seconds",
		Help:    "Time spent waiting on a readiness probe, by probe and outcome.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200},
	},
	[]string{"probe", "outcome"},
)

func init() {
	prometheus.MustRegister(waitDuration)
}

func observeWait(probe, outcome string, elapsed time.Duration) {
	waitDuration.WithLabelValues(probe, outcome).Observe(elapsed.Seconds())
}

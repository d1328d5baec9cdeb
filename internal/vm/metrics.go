package vm

import "github.com/prometheus/client_golang/prometheus"

// Shutdown tiers, in escalation order.
const (
	TierNone  = "none"
	TierGuest = "guest"
	TierACPI  = "acpi"
	TierTerm  = "sigterm"
	TierKill  = "sigkill"
)

var (
	vmUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keel_vm_up",
			Help: "1 while the supervised VM process is running.",
		},
	)

	vmBoots = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keel_vm_boots_total",
			Help: "Number of VM processes launched.",
		},
	)

	vmResets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keel_vm_guest_resets_total",
			Help: "Guest resets observed on the QMP event stream.",
		},
	)

	shutdownTiers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keel_vm_shutdown_tier_total",
			Help: "Shutdowns by the ladder tier that stopped the VM.",
		},
		[]string{"tier"},
	)
)

func init() {
	prometheus.MustRegister(vmUp)
	prometheus.MustRegister(vmBoots)
	prometheus.MustRegister(vmResets)
	prometheus.MustRegister(shutdownTiers)

	for _, tier := range []string{TierNone, TierGuest, TierACPI, TierTerm, TierKill} {
		shutdownTiers.WithLabelValues(tier)
	}
}

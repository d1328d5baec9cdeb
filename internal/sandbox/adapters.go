package sandbox

import (
	"context"

	"github.com/cochaviz/keel/internal/disk"
	"github.com/cochaviz/keel/internal/guest"
	"github.com/cochaviz/keel/internal/network"
	"github.com/cochaviz/keel/internal/remote"
	"github.com/cochaviz/keel/internal/vm"
)

// TemplateBuilder materializes a missing template.
type TemplateBuilder interface {
	Run(ctx context.Context) error
}

// DiskPreparer derives the ephemeral disk from the template.
type DiskPreparer interface {
	Prepare(ctx context.Context, templatePath, diskPath string) (disk.Method, error)
}

// ModeSelector picks the network mode for this boot.
type ModeSelector interface {
	Select(ctx context.Context) (network.Mode, error)
}

// LeaseChecker reports whether the guest took its DHCP lease.
type LeaseChecker interface {
	LeasePresent(mac string) bool
}

// Launcher boots a VM.
type Launcher interface {
	Launch(ctx context.Context, spec vm.MachineSpec) (vm.Instance, error)
}

// APIReconciler converges the guest's API exposure.
type APIReconciler interface {
	Reconcile(ctx context.Context, runner remote.Runner) (guest.Outcome, error)
}

// APIChecker probes the control-plane API.
type APIChecker interface {
	Check(ctx context.Context, endpoint network.Endpoint) error
}

package build

import (
	"context"

	"github.com/cochaviz/keel/internal/guest"
	"github.com/cochaviz/keel/internal/network"
	"github.com/cochaviz/keel/internal/remote"
	"github.com/cochaviz/keel/internal/vm"
)

// DiskProvisioner creates the build disk and promotes it to the template.
type DiskProvisioner interface {
	Create(ctx context.Context, path, size string) error
	Finalize(buildDisk, templatePath string) error
	Remove(path string) error
}

// Launcher boots a VM.
type Launcher interface {
	Launch(ctx context.Context, spec vm.MachineSpec) (vm.Instance, error)
}

// Dialer opens the control channel for the active network mode.
type Dialer func(mode network.Mode) remote.Session

// ServiceInstaller installs the engine service inside the guest.
type ServiceInstaller interface {
	Provision(ctx context.Context, runner remote.Runner) (rebooting bool, err error)
	Installed(ctx context.Context, runner remote.Runner) (bool, error)
}

// APIReconciler converges the guest's API exposure.
type APIReconciler interface {
	Reconcile(ctx context.Context, runner remote.Runner) (guest.Outcome, error)
}

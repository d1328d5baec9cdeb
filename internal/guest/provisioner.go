package guest

import (
	"context"
	"log/slog"
	"strings"

	"github.com/cochaviz/keel/internal/logging"
	"github.com/cochaviz/keel/internal/remote"
)

// Provisioner installs the container engine service into a freshly installed
// guest. Each script checks before acting, so a retry after a partial run or
// a reboot picks up where the last attempt stopped.
type Provisioner struct {
	Profile Profile
	Logger  *slog.Logger
}

// Provision runs the install scripts and writes the completion marker. When
// enabling the containers feature requires a reboot, the guest is restarted
// after the marker is written and Provision reports rebooting=true.
func (p *Provisioner) Provision(ctx context.Context, runner remote.Runner) (rebooting bool, err error) {
	logger := logging.Ensure(p.Logger).With("component", "provision", "service", p.Profile.ServiceName)

	feature, err := mustRun(ctx, runner, p.Profile.enableFeature())
	if err != nil {
		return false, err
	}
	restart := strings.Contains(feature.Stdout, "RESTART")
	logger.Info("containers feature enabled", "restart_needed", restart)

	for _, cmd := range []remote.Command{
		p.Profile.installEngine(),
		p.Profile.register(),
		p.Profile.writeMarker(),
	} {
		if _, err := mustRun(ctx, runner, cmd); err != nil {
			return false, err
		}
		logger.Debug("step complete", "step", cmd.Description)
	}

	if !restart {
		return false, nil
	}
	// The session ends with the reboot, so the outcome of this command does
	// not tell us much.
	if result, err := runner.Run(ctx, rebootGuest()); err != nil || !result.OK() {
		logger.Warn("reboot request failed", "error", err, "result", result.Summary())
		return false, nil
	}
	logger.Info("guest rebooting to finish feature install")
	return true, nil
}

// Installed reports whether the completion marker exists in the guest.
func (p *Provisioner) Installed(ctx context.Context, runner remote.Runner) (bool, error) {
	result, err := mustRun(ctx, runner, p.Profile.checkMarker())
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(result.Stdout) == "present", nil
}

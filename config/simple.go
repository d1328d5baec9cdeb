package simple

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"time"

	"github.com/cochaviz/keel/internal/build"
	"github.com/cochaviz/keel/internal/config"
	"github.com/cochaviz/keel/internal/disk"
	"github.com/cochaviz/keel/internal/guest"
	"github.com/cochaviz/keel/internal/logging"
	"github.com/cochaviz/keel/internal/network"
	"github.com/cochaviz/keel/internal/remote"
	"github.com/cochaviz/keel/internal/sandbox"
	"github.com/cochaviz/keel/internal/status"
	"github.com/cochaviz/keel/internal/vm"
)

// Guest-side ports that are fixed by the guest image.
const (
	guestAppPort     = 8080
	guestControlPort = 5985
)

const (
	remoteTimeout = 60 * time.Second
	apiTimeout    = 5 * time.Second
)

func guestPorts(profile guest.Profile) network.Ports {
	return network.Ports{API: profile.APIPort, App: guestAppPort, Control: guestControlPort}
}

func hostPorts(cfg config.Config) network.Ports {
	return network.Ports{API: cfg.HostDockerPort, App: cfg.HostAppPort, Control: cfg.HostWinRMPort}
}

func dialer(cfg config.Config, logger *slog.Logger) func(network.Mode) remote.Session {
	d := remote.Dialer{
		Credentials: remote.Credentials{User: cfg.WinRMUser, Password: cfg.WinRMPassword},
		Timeout:     remoteTimeout,
		Logger:      logger.With("component", "remote"),
	}
	return func(mode network.Mode) remote.Session { return d.For(mode) }
}

// NewBuildPipeline wires the build pipeline. Builds always run in NAT mode:
// the guest needs outbound access for provisioning and nothing else needs to
// reach it.
func NewBuildPipeline(cfg config.Config, force bool, logger *slog.Logger) *build.Pipeline {
	logger = logging.Ensure(logger)
	profile := guest.DefaultProfile()
	return &build.Pipeline{
		Config:     cfg,
		Network:    &network.NAT{MAC: cfg.GuestMAC, Rules: network.NATRules(hostPorts(cfg), guestPorts(profile))},
		Disks:      &disk.Provisioner{Logger: logger},
		Launcher:   &vm.Supervisor{LogDir: filepath.Join(cfg.WorkDir(), "build"), Logger: logger},
		Dial:       dialer(cfg, logger),
		Installer:  &guest.Provisioner{Profile: profile, Logger: logger},
		Reconciler: &guest.Reconciler{Profile: profile, Logger: logger},
		Service:    profile.ServiceName,
		Force:      force,
		Logger:     logger,
	}
}

// NewSelector wires the network selector and its DHCP responder.
func NewSelector(cfg config.Config, dryRun bool, logger *slog.Logger) (*network.Selector, *network.DHCPResponder) {
	logger = logging.Ensure(logger)
	dhcp := network.NewDHCPResponder(filepath.Join(cfg.StorageDir, "dhcp"), logger)
	var guestIP net.IP
	if cfg.GuestIP != "" {
		guestIP = net.ParseIP(cfg.GuestIP)
	}
	return &network.Selector{
		Host:       network.LinuxHost{},
		DHCP:       dhcp,
		Candidates: cfg.BridgeCandidates,
		Helper:     cfg.BridgeHelper,
		ACLFile:    cfg.BridgeConf,
		GuestIP:    guestIP,
		MAC:        cfg.GuestMAC,
		DNSServer:  cfg.DNSServer,
		GuestPorts: guestPorts(guest.DefaultProfile()),
		HostPorts:  hostPorts(cfg),
		DryRun:     dryRun,
		Logger:     logger,
	}, dhcp
}

// NewWorker wires the runtime pipeline, including the lazy template build.
func NewWorker(cfg config.Config, logger *slog.Logger) *sandbox.Worker {
	logger = logging.Ensure(logger)
	profile := guest.DefaultProfile()
	selector, dhcp := NewSelector(cfg, false, logger)

	w := sandbox.NewWorker(cfg)
	w.Builder = NewBuildPipeline(cfg, false, logger)
	w.Disks = &disk.Provisioner{Logger: logger}
	w.Network = selector
	w.Leases = dhcp
	w.Launcher = &vm.Supervisor{LogDir: cfg.WorkDir(), Logger: logger}
	w.Dial = dialer(cfg, logger)
	w.Reconciler = &guest.Reconciler{Profile: profile, Logger: logger}
	w.API = sandbox.EngineChecker{Timeout: apiTimeout}
	w.Logger = logger
	return w
}

// Build produces the template unless it already exists (or force is set).
func Build(ctx context.Context, cfg config.Config, force bool, logger *slog.Logger) error {
	return NewBuildPipeline(cfg, force, logger).Run(ctx)
}

// Run boots the sandbox and serves it until ctx is cancelled. When a status
// address is configured the status server runs alongside.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger = logging.Ensure(logger)
	worker := NewWorker(cfg, logger)
	if cfg.StatusAddr == "" {
		return worker.Run(ctx)
	}

	statusCtx, stopStatus := context.WithCancel(ctx)
	defer stopStatus()
	server := status.NewServer(cfg.StatusAddr, worker, logger)
	statusErr := make(chan error, 1)
	go func() { statusErr <- server.Run(statusCtx) }()

	err := worker.Run(ctx)
	stopStatus()
	if serr := <-statusErr; serr != nil {
		logger.Warn("status server failed", "error", serr)
	}
	return err
}

// ProbeNetwork reports the mode Run would choose without changing the host.
func ProbeNetwork(ctx context.Context, cfg config.Config, logger *slog.Logger) (network.Mode, error) {
	selector, _ := NewSelector(cfg, true, logger)
	mode, err := selector.Select(ctx)
	if err != nil {
		return nil, err
	}
	if mode == nil {
		return nil, errors.New("no network mode selected")
	}
	return mode, nil
}

// Describe renders mode for humans.
func Describe(mode network.Mode) string {
	return fmt.Sprintf("%s: %s\n  control %s\n  api     %s\n  app     %s",
		mode.Kind(), mode.Describe(), mode.ControlEndpoint(), mode.APIEndpoint(), mode.AppEndpoint())
}

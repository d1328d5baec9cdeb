package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cochaviz/keel/internal/artifacts"
	"github.com/cochaviz/keel/internal/config"
	"github.com/cochaviz/keel/internal/disk"
	"github.com/cochaviz/keel/internal/logging"
	"github.com/cochaviz/keel/internal/network"
	"github.com/cochaviz/keel/internal/readiness"
	"github.com/cochaviz/keel/internal/remote"
	"github.com/cochaviz/keel/internal/vm"
)

const (
	defaultPollInterval = 10 * time.Second
	mediaLabel          = "OEMDRV"
	reapTimeout         = 5 * time.Second
)

// Pipeline produces the template image from the installation media. It never
// writes to the template path until the finished disk is renamed over it.
type Pipeline struct {
	Config     config.Config
	Network    network.Mode
	Disks      DiskProvisioner
	Launcher   Launcher
	Dial       Dialer
	Installer  ServiceInstaller
	Reconciler APIReconciler

	// Service is recorded in the template sidecar.
	Service string
	// Force rebuilds even when a template already exists.
	Force                bool
	MaxProvisionAttempts int
	PollInterval         time.Duration
	Logger               *slog.Logger

	mu    sync.Mutex
	state State
}

// State is the step the pipeline is in.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == "" {
		return StateIdle
	}
	return p.state
}

func (p *Pipeline) setState(s State, logger *slog.Logger) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	logger.Debug("build state", "state", s)
}

// build holds what one run owns and must release on failure.
type build struct {
	workDir  string
	partial  string
	media    string
	instance vm.Instance
	session  remote.Session
}

// Run executes the build. On failure the VM is shut down and the partial
// disk and install media are removed; the template path is left untouched.
func (p *Pipeline) Run(ctx context.Context) (err error) {
	cfg := p.Config
	logger := logging.Ensure(p.Logger).With("component", "build", "template", cfg.TemplatePath)
	started := time.Now()

	p.setState(StateCheckPrereqs, logger)
	present, err := p.checkPrereqs()
	if err != nil {
		p.setState(StateFailed, logger)
		return err
	}
	if present && !p.Force {
		logger.Info("template present, nothing to build")
		p.setState(StateDone, logger)
		return nil
	}
	if present {
		logger.Warn("rebuilding existing template")
	}

	b := &build{
		workDir: filepath.Join(cfg.WorkDir(), "build"),
		partial: PartialPath(cfg.TemplatePath),
	}
	defer func() {
		if err == nil {
			return
		}
		failedIn := p.State()
		p.setState(StateFailed, logger)
		p.abort(ctx, b, logger)
		logger.Error("build failed", "state", failedIn, "error", err)
	}()

	p.setState(StateBuildInstallMedia, logger)
	if err := os.MkdirAll(b.workDir, 0o755); err != nil {
		return fmt.Errorf("create build directory: %w", err)
	}
	b.media, err = disk.WriteInstallMedia(b.workDir, cfg.AnswerFile, mediaLabel, cfg.MediaFiles...)
	if err != nil {
		return err
	}
	logger.Info("install media written", "path", b.media)

	p.setState(StateCreateDisk, logger)
	if err := p.Disks.Create(ctx, b.partial, cfg.DiskSize); err != nil {
		return err
	}

	p.setState(StateBootWithInstallMedia, logger)
	b.instance, err = p.Launcher.Launch(ctx, p.machineSpec(b))
	if err != nil {
		return fmt.Errorf("boot installer: %w", err)
	}
	b.session = p.Dial(p.Network)
	poller := readiness.Poller{Liveness: b.instance.Alive, Exited: b.instance.Done(), Logger: logger}

	p.setState(StateAwaitInstallReboot, logger)
	if err := poller.Await(ctx, p.installRebootProbe(b)); err != nil {
		return err
	}

	p.setState(StateAwaitControlChannel, logger)
	if err := poller.Await(ctx, p.controlProbe(b.session, cfg.InstallTimeout)); err != nil {
		return err
	}
	logging.Success(logger, "installation finished, control channel up")

	if err := p.installService(ctx, b, poller, logger); err != nil {
		return err
	}

	p.setState(StateReconcileAPI, logger)
	outcome, err := p.Reconciler.Reconcile(ctx, b.session)
	if err != nil {
		return fmt.Errorf("reconcile api: %w", err)
	}
	logger.Info("api reconciled", "changed", outcome.Changed())

	p.setState(StateShutdown, logger)
	tier := vm.Shutdown(ctx, p.shutdownRequest(b, logger, b.media))
	// A killed emulator stays visible until the wait goroutine reaps it.
	select {
	case <-b.instance.Done():
	case <-time.After(reapTimeout):
	}
	if b.instance.Alive() {
		return errors.New("build vm still running after shutdown")
	}
	b.instance = nil
	logger.Info("build vm stopped", "tier", tier)

	p.setState(StateFinalizeTemplate, logger)
	if err := artifacts.RemoveRecord(cfg.TemplatePath); err != nil {
		logger.Warn("could not remove previous template record", "error", err)
	}
	if err := p.Disks.Finalize(b.partial, cfg.TemplatePath); err != nil {
		return fmt.Errorf("finalize template: %w", err)
	}
	p.writeRecord(time.Since(started), logger)
	_ = os.RemoveAll(b.workDir)

	p.setState(StateDone, logger)
	logging.Success(logger, "template built", "duration", time.Since(started).Round(time.Second))
	return nil
}

// checkPrereqs reports whether the template already exists and verifies the
// external inputs a build needs.
func (p *Pipeline) checkPrereqs() (bool, error) {
	cfg := p.Config
	present, err := fileExists(cfg.TemplatePath)
	if err != nil {
		return false, fmt.Errorf("stat template: %w", err)
	}
	if present && !p.Force {
		return true, nil
	}
	inputs := []struct{ kind, path string }{
		{"installation image", cfg.InstallISO},
		{"answer file", cfg.AnswerFile},
	}
	if cfg.DriverISO != "" {
		inputs = append(inputs, struct{ kind, path string }{"driver image", cfg.DriverISO})
	}
	for _, input := range inputs {
		ok, err := fileExists(input.path)
		if err != nil {
			return false, fmt.Errorf("stat %s: %w", input.kind, err)
		}
		if !ok {
			return false, config.Missing(input.kind, input.path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(cfg.TemplatePath), 0o755); err != nil {
		return false, &config.PreconditionError{What: "template directory", Err: err}
	}
	return present, nil
}

func (p *Pipeline) machineSpec(b *build) vm.MachineSpec {
	cfg := p.Config
	a := cfg.Architecture()
	cdroms := []string{cfg.InstallISO, b.media}
	if cfg.DriverISO != "" {
		cdroms = append(cdroms, cfg.DriverISO)
	}
	return vm.MachineSpec{
		Name:        "keel-build",
		Arch:        a,
		Accel:       vm.DetectAccel(a),
		MemorySize:  cfg.RAMSize,
		CPUs:        cfg.CPUCores,
		Disks:       []vm.Disk{{Path: b.partial}},
		CDROMs:      cdroms,
		BootOnce:    "d",
		NetworkArgs: p.Network.QemuArgs(),
		VNC:         cfg.EnableVNC,
		QMPSocket:   filepath.Join(b.workDir, "qmp.sock"),
		PIDFile:     filepath.Join(b.workDir, "qemu.pid"),
	}
}

// installRebootProbe waits for setup's first reboot. The control channel
// answering also counts, since it only comes up after that reboot.
func (p *Pipeline) installRebootProbe(b *build) readiness.Probe {
	return readiness.Probe{
		Name:     "install reboot",
		Timeout:  p.Config.InstallTimeout,
		Interval: p.pollInterval(),
		Check: func(ctx context.Context) bool {
			return b.instance.ResetCount() >= 1 || b.session.Ping(ctx)
		},
	}
}

func (p *Pipeline) controlProbe(session remote.Session, timeout time.Duration) readiness.Probe {
	return readiness.Probe{
		Name:     "control channel",
		Timeout:  timeout,
		Interval: p.pollInterval(),
		Check:    session.Ping,
	}
}

// restartProbe waits for the guest to go down after it asked for a reboot.
func (p *Pipeline) restartProbe(b *build, resets int64) readiness.Probe {
	return readiness.Probe{
		Name:     "guest restart",
		Timeout:  p.Config.BootTimeout,
		Interval: p.pollInterval(),
		Check: func(ctx context.Context) bool {
			return b.instance.ResetCount() > resets || !b.session.Ping(ctx)
		},
	}
}

// installService provisions the engine service. The guest may reboot or drop
// the channel mid-install, so after every attempt the pipeline waits for the
// channel and trusts only the completion marker.
func (p *Pipeline) installService(ctx context.Context, b *build, poller readiness.Poller, logger *slog.Logger) error {
	attempts := p.MaxProvisionAttempts
	if attempts <= 0 {
		attempts = DefaultMaxProvisionAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		p.setState(StateProvisionGuestService, logger)
		resets := b.instance.ResetCount()
		rebooting, err := p.Installer.Provision(ctx, b.session)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		lastErr = err
		if err != nil {
			logger.Warn("provisioning attempt failed", "attempt", attempt, "error", err)
		}

		p.setState(StateAwaitServiceInstalled, logger)
		if rebooting {
			if err := poller.Await(ctx, p.restartProbe(b, resets)); err != nil {
				return err
			}
		}
		if err := poller.Await(ctx, p.controlProbe(b.session, p.Config.BootTimeout)); err != nil {
			return err
		}

		installed, err := p.Installer.Installed(ctx, b.session)
		switch {
		case err != nil:
			lastErr = err
			logger.Warn("completion marker check failed", "attempt", attempt, "error", err)
		case installed:
			logging.Success(logger, "guest service installed", "attempts", attempt)
			return nil
		case lastErr == nil:
			lastErr = errors.New("completion marker missing")
		}
	}
	return fmt.Errorf("guest service not installed after %d attempts: %w", attempts, lastErr)
}

func (p *Pipeline) shutdownRequest(b *build, logger *slog.Logger, extra ...string) vm.ShutdownRequest {
	req := vm.ShutdownRequest{
		Machine: b.instance,
		Grace:   p.Config.ShutdownGrace,
		Cleanup: append([]string{
			filepath.Join(b.workDir, "qmp.sock"),
			filepath.Join(b.workDir, "qemu.pid"),
		}, extra...),
		Logger: logger,
	}
	if b.session != nil {
		req.Guest = b.session
	}
	return req
}

// abort releases everything a failed run created.
func (p *Pipeline) abort(ctx context.Context, b *build, logger *slog.Logger) {
	if b.instance != nil {
		vm.Shutdown(ctx, p.shutdownRequest(b, logger))
	}
	if err := p.Disks.Remove(b.partial); err != nil {
		logger.Warn("could not remove partial disk", "path", b.partial, "error", err)
	}
	if b.workDir != "" {
		if err := os.RemoveAll(b.workDir); err != nil {
			logger.Warn("could not remove build directory", "path", b.workDir, "error", err)
		}
	}
}

func (p *Pipeline) writeRecord(took time.Duration, logger *slog.Logger) {
	cfg := p.Config
	rec := artifacts.NewTemplateRecord(cfg.TemplatePath)
	rec.Arch = cfg.Arch
	rec.DiskSize = cfg.DiskSize
	rec.Service = p.Service
	rec.BuildDuration = took.Round(time.Second)
	if info, err := os.Stat(cfg.TemplatePath); err == nil {
		rec.SizeBytes = info.Size()
	}
	if err := artifacts.SaveRecord(cfg.TemplatePath, rec); err != nil {
		logger.Warn("could not write template record", "error", err)
		return
	}
	logger.Debug("template record written", "id", rec.ID, "path", artifacts.RecordPath(cfg.TemplatePath))
}

func (p *Pipeline) pollInterval() time.Duration {
	if p.PollInterval > 0 {
		return p.PollInterval
	}
	return defaultPollInterval
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/keel/internal/artifacts"
	"github.com/cochaviz/keel/internal/config"
	"github.com/cochaviz/keel/internal/logging"
	"github.com/cochaviz/keel/internal/network"
	"github.com/cochaviz/keel/internal/readiness"
	"github.com/cochaviz/keel/internal/remote"
	"github.com/cochaviz/keel/internal/vm"
)

const (
	defaultPollInterval = 5 * time.Second
	// After this many failed API checks in a row the health loop re-runs
	// reconciliation.
	reconcileAfterFailures = 3
	vncPort                = 5900
)

// Worker boots one ephemeral sandbox VM from the template and keeps it
// healthy until ctx is cancelled or the VM dies. A Worker owns its VM and
// ephemeral disk end to end and is used for a single Run.
type Worker struct {
	Config     config.Config
	Builder    TemplateBuilder
	Disks      DiskPreparer
	Network    ModeSelector
	Leases     LeaseChecker
	Launcher   Launcher
	Dial       func(mode network.Mode) remote.Session
	Reconciler APIReconciler
	API        APIChecker

	PollInterval time.Duration
	// Out receives the connection instructions printed at Ready.
	Out    io.Writer
	Logger *slog.Logger

	RunID string

	mu       sync.Mutex
	snapshot Snapshot
}

// NewWorker returns a worker with a fresh run id.
func NewWorker(cfg config.Config) *Worker {
	return &Worker{Config: cfg, RunID: uuid.NewString()}
}

// Snapshot returns the current run state.
func (w *Worker) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.snapshot
	if s.State == "" {
		s.State = StatePending
	}
	s.RunID = w.RunID
	return s
}

func (w *Worker) update(fn func(s *Snapshot)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn(&w.snapshot)
}

func (w *Worker) setState(s State, logger *slog.Logger) {
	w.mu.Lock()
	previous := w.snapshot.State
	w.snapshot.State = s
	w.mu.Unlock()
	observeState(previous, s)
	logger.Debug("runtime state", "state", s)
}

// run holds what one Run owns.
type run struct {
	disk     string
	qmp      string
	pidFile  string
	mode     network.Mode
	instance vm.Instance
	session  remote.Session
}

// Run drives the sandbox through its states. Every exit path goes through
// the shutdown protocol exactly once. Cancellation of ctx is a graceful stop
// and returns nil.
func (w *Worker) Run(ctx context.Context) (err error) {
	if w.RunID == "" {
		w.RunID = uuid.NewString()
	}
	cfg := w.Config
	logger := logging.Ensure(w.Logger).With("component", "sandbox", "run_id", w.RunID)
	w.update(func(s *Snapshot) { s.StartedAt = time.Now().UTC() })

	workDir := cfg.WorkDir()
	r := &run{
		disk:    filepath.Join(workDir, "ephemeral.qcow2"),
		qmp:     filepath.Join(workDir, "qmp.sock"),
		pidFile: filepath.Join(workDir, "qemu.pid"),
	}

	defer func() {
		w.setState(StateShutdown, logger)
		w.shutdown(ctx, r, logger)
		if err != nil && errors.Is(ctx.Err(), context.Canceled) {
			logger.Info("stopped on request", "interrupted", err)
			err = nil
		}
		if err != nil {
			w.update(func(s *Snapshot) { s.Error = err.Error() })
			logger.Error("sandbox failed", "error", err)
		}
		w.setState(StateStopped, logger)
	}()

	w.setState(StateCheckPrereqs, logger)
	if err := w.ensureTemplate(ctx, logger); err != nil {
		return err
	}

	w.setState(StatePrepareEphemeralDisk, logger)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create work directory: %w", err)
	}
	method, err := w.Disks.Prepare(ctx, cfg.TemplatePath, r.disk)
	if err != nil {
		return err
	}
	logger.Info("ephemeral disk ready", "path", r.disk, "method", method)

	w.setState(StateSelectNetworkMode, logger)
	r.mode, err = w.Network.Select(ctx)
	if err != nil {
		return err
	}
	w.update(func(s *Snapshot) { s.setMode(r.mode) })

	w.setState(StateBoot, logger)
	r.instance, err = w.Launcher.Launch(ctx, w.machineSpec(r))
	if err != nil {
		return fmt.Errorf("boot sandbox: %w", err)
	}
	pid := r.instance.PID()
	w.update(func(s *Snapshot) { s.PID = pid })
	r.session = w.Dial(r.mode)
	poller := readiness.Poller{Liveness: r.instance.Alive, Exited: r.instance.Done(), Logger: logger}

	if bridge, ok := r.mode.(*network.Bridge); ok && w.Leases != nil {
		w.setState(StateAwaitGuestNetwork, logger)
		if err := poller.Await(ctx, w.probe("guest network", cfg.BootTimeout, func(context.Context) bool {
			return w.Leases.LeasePresent(bridge.MAC)
		})); err != nil {
			return err
		}
	}

	w.setState(StateAwaitControlChannel, logger)
	if err := poller.Await(ctx, w.probe("control channel", cfg.BootTimeout, r.session.Ping)); err != nil {
		return err
	}

	w.setState(StateReconcileAPI, logger)
	outcome, err := w.Reconciler.Reconcile(ctx, r.session)
	if err != nil {
		return fmt.Errorf("reconcile api: %w", err)
	}
	logger.Info("api reconciled", "changed", outcome.Changed())

	w.setState(StateAwaitAPIHealthy, logger)
	api := r.mode.APIEndpoint()
	if err := poller.Await(ctx, w.probe("control-plane api", cfg.APITimeout, func(ctx context.Context) bool {
		return w.API.Check(ctx, api) == nil
	})); err != nil {
		return err
	}
	w.recordCheck(true)

	w.setState(StateReady, logger)
	w.announce(r.mode, logger)

	w.setState(StateHealthLoop, logger)
	return w.healthLoop(ctx, r, logger)
}

// ensureTemplate builds the template when it is missing.
func (w *Worker) ensureTemplate(ctx context.Context, logger *slog.Logger) error {
	path := w.Config.TemplatePath
	_, err := os.Stat(path)
	switch {
	case err == nil:
		if rec, err := artifacts.LoadRecord(path); err == nil && rec != nil {
			if !rec.Describes(path) {
				logger.Warn("template record was written for another image", "record_uri", rec.URI)
			}
			logger.Info("using template", "path", path, "template_id", rec.ID, "created_at", rec.CreatedAt)
		} else {
			logger.Info("using template", "path", path)
		}
		return nil
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("stat template: %w", err)
	case w.Builder == nil:
		return config.Missing("template", path)
	}

	logger.Warn("template missing, building it first", "path", path)
	w.setState(StateBuildTemplate, logger)
	if err := w.Builder.Run(ctx); err != nil {
		return fmt.Errorf("build template: %w", err)
	}
	if _, err := os.Stat(path); err != nil {
		return config.Missing("template", path)
	}
	return nil
}

func (w *Worker) machineSpec(r *run) vm.MachineSpec {
	cfg := w.Config
	a := cfg.Architecture()
	return vm.MachineSpec{
		Name:        "keel-" + shortID(w.RunID),
		Arch:        a,
		Accel:       vm.DetectAccel(a),
		MemorySize:  cfg.RAMSize,
		CPUs:        cfg.CPUCores,
		Disks:       []vm.Disk{{Path: r.disk}},
		NetworkArgs: r.mode.QemuArgs(),
		VNC:         cfg.EnableVNC,
		QMPSocket:   r.qmp,
		PIDFile:     r.pidFile,
	}
}

func (w *Worker) probe(name string, timeout time.Duration, check func(ctx context.Context) bool) readiness.Probe {
	interval := w.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return readiness.Probe{Name: name, Timeout: timeout, Interval: interval, Check: check}
}

// announce prints how to reach the sandbox in the active mode.
func (w *Worker) announce(mode network.Mode, logger *slog.Logger) {
	out := w.Out
	if out == nil {
		out = os.Stdout
	}
	api := mode.APIEndpoint()
	fmt.Fprintf(out, "DOCKER_HOST=tcp://%s\n", api)
	fmt.Fprintf(out, "APP_URL=http://%s\n", mode.AppEndpoint())
	if w.Config.EnableVNC {
		fmt.Fprintf(out, "VNC=localhost:%d\n", vncPort)
	}
	logging.Success(logger, "sandbox ready",
		"mode", mode.Kind(),
		"docker_host", "tcp://"+api.String(),
		"control", mode.ControlEndpoint().String(),
	)
}

// healthLoop watches the VM and the API until ctx ends or the VM dies. API
// failures only warn; a streak of them triggers a reconciliation pass.
func (w *Worker) healthLoop(ctx context.Context, r *run, logger *slog.Logger) error {
	interval := w.Config.HealthInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	api := r.mode.APIEndpoint()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.instance.Done():
			return fmt.Errorf("%w: %v", vm.ErrProcessExited, r.instance.ExitErr())
		case <-ticker.C:
		}

		if !r.instance.Alive() {
			return fmt.Errorf("%w: pid %d gone", vm.ErrProcessExited, r.instance.PID())
		}

		checkCtx, cancel := context.WithTimeout(ctx, interval)
		err := w.API.Check(checkCtx, api)
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			if failures > 0 {
				logger.Info("api reachable again", "after_failures", failures)
			}
			failures = 0
			w.recordCheck(true)
			continue
		}

		failures++
		w.recordCheck(false)
		logger.Warn("api unreachable", "endpoint", api.String(), "consecutive", failures, "error", err)
		if failures%reconcileAfterFailures == 0 {
			if _, err := w.Reconciler.Reconcile(ctx, r.session); err != nil {
				logger.Warn("steady-state reconcile failed", "error", err)
			}
		}
	}
}

func (w *Worker) recordCheck(ok bool) {
	result := "ok"
	value := 1.0
	if !ok {
		result = "failed"
		value = 0
	}
	healthChecks.WithLabelValues(result).Inc()
	apiHealthy.Set(value)
	w.update(func(s *Snapshot) {
		s.APIHealthy = ok
		s.LastCheck = time.Now().UTC()
	})
}

// shutdown stops the VM if one was started and removes the run's files.
func (w *Worker) shutdown(ctx context.Context, r *run, logger *slog.Logger) {
	req := vm.ShutdownRequest{
		Grace:   w.Config.ShutdownGrace,
		Cleanup: []string{r.disk, r.qmp, r.pidFile},
		Logger:  logger,
	}
	if r.instance != nil {
		req.Machine = r.instance
	}
	if r.session != nil {
		req.Guest = r.session
	}
	vm.Shutdown(ctx, req)
	apiHealthy.Set(0)
	w.update(func(s *Snapshot) { s.APIHealthy = false })
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

package vm

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/cochaviz/keel/internal/logging"
	"github.com/cochaviz/keel/internal/remote"
)

const (
	defaultGrace        = 60 * time.Second
	defaultTermWait     = 5 * time.Second
	defaultPollInterval = time.Second
	guestCommandTimeout = 30 * time.Second
)

// Machine is the part of a VM process the shutdown ladder drives.
type Machine interface {
	Alive() bool
	Done() <-chan struct{}
	Signal(sig os.Signal) error
	Powerdown() error
}

// GuestShutdown asks the guest OS to power off immediately.
var GuestShutdown = remote.Native("guest shutdown", "shutdown /s /t 0")

// ShutdownRequest describes one run of the shutdown ladder.
type ShutdownRequest struct {
	Machine Machine
	// Guest, when set, carries the guest-native shutdown command.
	Guest        remote.Runner
	Grace        time.Duration
	TermWait     time.Duration
	PollInterval time.Duration
	// Cleanup lists files removed after the process is stopped (the
	// ephemeral disk, QMP socket, pid file). Missing files are ignored.
	Cleanup []string
	Logger  *slog.Logger
}

// Shutdown stops the VM and removes its files. It escalates from a
// guest-native shutdown (or ACPI powerdown) to SIGTERM to SIGKILL, ignores
// cancellation of ctx, and never fails: problems are logged. It returns the
// tier that ended the process. Calling it on a dead process only cleans up.
func Shutdown(ctx context.Context, req ShutdownRequest) string {
	ctx = context.WithoutCancel(ctx)
	logger := logging.Ensure(req.Logger).With("component", "shutdown")

	tier := stopMachine(ctx, req, logger)
	shutdownTiers.WithLabelValues(tier).Inc()

	if p, ok := req.Machine.(*Process); ok && p != nil {
		p.closeMonitor()
	}
	for _, path := range req.Cleanup {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("cleanup failed", "path", path, "error", err)
			continue
		}
		logger.Debug("removed", "path", path)
	}
	logger.Info("shutdown complete", "tier", tier)
	return tier
}

func stopMachine(ctx context.Context, req ShutdownRequest, logger *slog.Logger) string {
	m := req.Machine
	if m == nil || isNil(m) || !m.Alive() {
		logger.Info("vm already stopped")
		return TierNone
	}

	grace := orDefault(req.Grace, defaultGrace)
	termWait := orDefault(req.TermWait, defaultTermWait)
	poll := orDefault(req.PollInterval, defaultPollInterval)

	requested := ""
	if req.Guest != nil {
		guestCtx, cancel := context.WithTimeout(ctx, guestCommandTimeout)
		result, err := req.Guest.Run(guestCtx, GuestShutdown)
		cancel()
		switch {
		case err != nil:
			logger.Warn("guest shutdown command failed", "error", err)
		case !result.OK():
			logger.Warn("guest shutdown command rejected", "result", result.Summary())
		default:
			requested = TierGuest
		}
	}
	if requested == "" {
		if err := m.Powerdown(); err != nil {
			logger.Warn("acpi powerdown failed", "error", err)
		} else {
			requested = TierACPI
		}
	}

	if requested != "" {
		logger.Info("waiting for guest to power off", "via", requested, "grace", grace)
		if waitExit(m, grace, poll) {
			return requested
		}
		logger.Warn("guest did not power off within grace window", "grace", grace)
	}

	if err := m.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, ErrProcessExited) {
		logger.Warn("SIGTERM failed", "error", err)
	}
	if waitExit(m, termWait, poll) {
		return TierTerm
	}

	logger.Warn("vm ignored SIGTERM, killing")
	if err := m.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, ErrProcessExited) {
		logger.Error("SIGKILL failed", "error", err)
	}
	return TierKill
}

// waitExit polls Alive every interval until the process exits or limit
// elapses.
func waitExit(m Machine, limit, interval time.Duration) bool {
	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if !m.Alive() {
			return true
		}
		select {
		case <-m.Done():
			return true
		case <-ticker.C:
		case <-deadline.C:
			return !m.Alive()
		}
	}
}

func isNil(m Machine) bool {
	p, ok := m.(*Process)
	return ok && p == nil
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

package vm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/digitalocean/go-qemu/qmp"
	"golang.org/x/sys/unix"

	"github.com/cochaviz/keel/internal/config"
	"github.com/cochaviz/keel/internal/logging"
)

// ErrProcessExited reports that the supervised VM process is gone.
var ErrProcessExited = errors.New("vm process exited")

// Supervisor launches VM processes. It holds no per-VM state; each Start
// returns the handle the caller owns.
type Supervisor struct {
	// LogDir receives qemu.log with the emulator's stdout and stderr.
	LogDir string
	// QMPWait bounds the wait for the QMP socket after launch.
	QMPWait time.Duration
	Logger  *slog.Logger
}

// Process is one running VM.
type Process struct {
	cmd    *exec.Cmd
	pid    int
	logger *slog.Logger

	done    chan struct{}
	exitErr error

	resets atomic.Int64

	mu      sync.Mutex
	monitor *qmp.SocketMonitor
	cancel  context.CancelFunc
}

// Start launches the emulator described by spec. The process outlives ctx;
// stopping it is the job of Shutdown.
func (s *Supervisor) Start(ctx context.Context, spec MachineSpec) (*Process, error) {
	logger := logging.Ensure(s.Logger).With("component", "vm", "name", spec.Name)

	binary, err := exec.LookPath(spec.EmulatorBinary())
	if err != nil {
		return nil, &config.PreconditionError{What: "emulator " + spec.EmulatorBinary(), Err: err}
	}
	for _, path := range []string{spec.QMPSocket, spec.PIDFile} {
		if path != "" {
			_ = os.Remove(path)
		}
	}

	var output *os.File
	if s.LogDir != "" {
		if err := os.MkdirAll(s.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		output, err = os.OpenFile(filepath.Join(s.LogDir, "qemu.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open qemu log: %w", err)
		}
	}

	args := spec.Args()
	cmd := exec.Command(binary, args...)
	// Own process group: terminal signals reach the orchestrator only, which
	// then runs the shutdown ladder.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if output != nil {
		cmd.Stdout = output
		cmd.Stderr = output
	}

	logger.Debug("launching vm", "binary", binary, "args", args)
	if err := cmd.Start(); err != nil {
		if output != nil {
			output.Close()
		}
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}

	p := &Process{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		logger: logger,
		done:   make(chan struct{}),
	}
	vmBoots.Inc()
	vmUp.Set(1)

	go func() {
		err := cmd.Wait()
		if output != nil {
			output.Close()
		}
		p.exitErr = err
		vmUp.Set(0)
		close(p.done)
		logger.Info("vm process exited", "pid", p.pid, "status", exitStatus(err))
	}()

	logger.Info("vm process started", "pid", p.pid, "cpus", spec.CPUs, "memory", spec.MemorySize, "accel", spec.Accel)

	if spec.QMPSocket != "" {
		wait := s.QMPWait
		if wait <= 0 {
			wait = 10 * time.Second
		}
		monitor, err := connectQMP(spec.QMPSocket, wait, p.done)
		if err != nil {
			if !p.Alive() {
				return p, fmt.Errorf("%w: %v", ErrProcessExited, err)
			}
			logger.Warn("qmp unavailable, acpi shutdown and reset tracking disabled", "error", err)
		} else {
			eventCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			p.mu.Lock()
			p.monitor = monitor
			p.cancel = cancel
			p.mu.Unlock()
			go p.watchEvents(eventCtx, monitor, logger)
		}
	}
	return p, nil
}

// Instance is a running VM as the pipelines drive it.
type Instance interface {
	Machine
	PID() int
	ResetCount() int64
	ExitErr() error
}

// Launch is Start returning an Instance. A process that died during startup
// comes back with the error so the caller can still clean up after it.
func (s *Supervisor) Launch(ctx context.Context, spec MachineSpec) (Instance, error) {
	p, err := s.Start(ctx, spec)
	if p == nil {
		return nil, err
	}
	return p, err
}

// PID is the emulator's process id.
func (p *Process) PID() int { return p.pid }

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr is the wait status; valid after Done is closed.
func (p *Process) ExitErr() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

// Alive reports whether the process is still running.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
	}
	err := unix.Kill(p.pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// ResetCount is the number of guest resets seen on QMP since launch.
func (p *Process) ResetCount() int64 {
	return p.resets.Load()
}

// Signal delivers sig to the emulator.
func (p *Process) Signal(sig os.Signal) error {
	if !p.Alive() {
		return ErrProcessExited
	}
	return p.cmd.Process.Signal(sig)
}

// Powerdown injects an ACPI power button press.
func (p *Process) Powerdown() error {
	p.mu.Lock()
	monitor := p.monitor
	p.mu.Unlock()
	if monitor == nil {
		return errors.New("qmp not connected")
	}
	return runQMP(monitor, "system_powerdown")
}

// closeMonitor stops event watching and drops the QMP connection.
func (p *Process) closeMonitor() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	if p.monitor != nil {
		_ = p.monitor.Disconnect()
		p.monitor = nil
	}
}

func exitStatus(err error) string {
	if err == nil {
		return "exit 0"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ProcessState.String()
	}
	return err.Error()
}

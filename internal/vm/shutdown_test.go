package vm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/keel/internal/remote"
)

// fakeMachine stops on the configured trigger.
type fakeMachine struct {
	mu      sync.Mutex
	alive   bool
	done    chan struct{}
	signals []os.Signal

	powerdownErr    error
	powerdowns      int
	stopOnPowerdown bool
	stopOnTerm      bool
}

func newFakeMachine() *fakeMachine {
	return &fakeMachine{alive: true, done: make(chan struct{})}
}

func (m *fakeMachine) stop() {
	if m.alive {
		m.alive = false
		close(m.done)
	}
}

func (m *fakeMachine) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alive
}

func (m *fakeMachine) Done() <-chan struct{} { return m.done }

func (m *fakeMachine) Signal(sig os.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.alive {
		return ErrProcessExited
	}
	m.signals = append(m.signals, sig)
	if sig == syscall.SIGKILL || (sig == syscall.SIGTERM && m.stopOnTerm) {
		m.stop()
	}
	return nil
}

func (m *fakeMachine) Powerdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.powerdowns++
	if m.powerdownErr != nil {
		return m.powerdownErr
	}
	if m.stopOnPowerdown {
		m.stop()
	}
	return nil
}

type guestRunner struct {
	machine *fakeMachine
	err     error
	cmds    []remote.Command
}

func (g *guestRunner) Run(_ context.Context, cmd remote.Command) (remote.Result, error) {
	g.cmds = append(g.cmds, cmd)
	if g.err != nil {
		return remote.Result{}, g.err
	}
	if g.machine != nil {
		go func() {
			time.Sleep(20 * time.Millisecond)
			g.machine.mu.Lock()
			g.machine.stop()
			g.machine.mu.Unlock()
		}()
	}
	return remote.Result{}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func diskFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.qcow2")
	require.NoError(t, os.WriteFile(path, []byte("overlay"), 0o644))
	return path
}

func request(m Machine, guest remote.Runner, cleanup ...string) ShutdownRequest {
	return ShutdownRequest{
		Machine:      m,
		Guest:        guest,
		Grace:        100 * time.Millisecond,
		TermWait:     50 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		Cleanup:      cleanup,
		Logger:       quietLogger(),
	}
}

func TestShutdownGuestNative(t *testing.T) {
	m := newFakeMachine()
	guest := &guestRunner{machine: m}
	disk := diskFile(t)

	tier := Shutdown(context.Background(), request(m, guest, disk))

	assert.Equal(t, TierGuest, tier)
	require.Len(t, guest.cmds, 1)
	assert.Equal(t, "shutdown /s /t 0", guest.cmds[0].Body)
	assert.Empty(t, m.signals)
	assert.Equal(t, 0, m.powerdowns)
	_, err := os.Stat(disk)
	assert.True(t, os.IsNotExist(err))
}

func TestShutdownFallsBackToACPI(t *testing.T) {
	m := newFakeMachine()
	m.stopOnPowerdown = true

	tier := Shutdown(context.Background(), request(m, &guestRunner{err: errors.New("connection refused")}))

	assert.Equal(t, TierACPI, tier)
	assert.Equal(t, 1, m.powerdowns)
}

func TestShutdownEscalatesToSIGTERM(t *testing.T) {
	m := newFakeMachine()
	m.stopOnTerm = true
	guest := &guestRunner{}

	tier := Shutdown(context.Background(), request(m, guest))

	assert.Equal(t, TierTerm, tier)
	assert.Equal(t, []os.Signal{syscall.SIGTERM}, m.signals)
}

func TestShutdownEscalatesToSIGKILL(t *testing.T) {
	m := newFakeMachine()
	m.powerdownErr = errors.New("qmp not connected")
	disk := diskFile(t)

	started := time.Now()
	tier := Shutdown(context.Background(), request(m, nil, disk))

	assert.Equal(t, TierKill, tier)
	assert.Equal(t, []os.Signal{syscall.SIGTERM, syscall.SIGKILL}, m.signals)
	assert.Less(t, time.Since(started), 2*time.Second)
	_, err := os.Stat(disk)
	assert.True(t, os.IsNotExist(err))
}

func TestShutdownDeadProcessOnlyCleansUp(t *testing.T) {
	m := newFakeMachine()
	m.stop()
	guest := &guestRunner{}
	disk := diskFile(t)

	tier := Shutdown(context.Background(), request(m, guest, disk, filepath.Join(t.TempDir(), "missing.sock")))

	assert.Equal(t, TierNone, tier)
	assert.Empty(t, guest.cmds)
	assert.Empty(t, m.signals)
	_, err := os.Stat(disk)
	assert.True(t, os.IsNotExist(err))

	assert.Equal(t, TierNone, Shutdown(context.Background(), request(m, guest, disk)))
}

func TestShutdownIgnoresCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := newFakeMachine()
	m.stopOnTerm = true
	tier := Shutdown(ctx, request(m, nil))

	assert.Equal(t, TierTerm, tier)
}

func TestShutdownNilMachine(t *testing.T) {
	disk := diskFile(t)
	assert.Equal(t, TierNone, Shutdown(context.Background(), request(nil, nil, disk)))
	var p *Process
	assert.Equal(t, TierNone, Shutdown(context.Background(), request(p, nil)))
}

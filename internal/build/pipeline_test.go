package build

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/keel/internal/artifacts"
	"github.com/cochaviz/keel/internal/config"
	"github.com/cochaviz/keel/internal/guest"
	"github.com/cochaviz/keel/internal/network"
	"github.com/cochaviz/keel/internal/readiness"
	"github.com/cochaviz/keel/internal/remote"
	"github.com/cochaviz/keel/internal/vm"
)

type fakeInstance struct {
	mu     sync.Mutex
	alive  bool
	done   chan struct{}
	resets int64

	// stubborn ignores everything short of SIGKILL; a killed process is
	// reaped only after reapDelay.
	stubborn  bool
	reapDelay time.Duration
}

func newFakeInstance() *fakeInstance {
	return &fakeInstance{alive: true, done: make(chan struct{}), resets: 1}
}

func (f *fakeInstance) stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.alive {
		f.alive = false
		close(f.done)
	}
}

// requestStop is a polite stop (guest command, ACPI, SIGTERM).
func (f *fakeInstance) requestStop() {
	if !f.stubborn {
		f.stop()
	}
}

func (f *fakeInstance) reboot() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakeInstance) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeInstance) Done() <-chan struct{} { return f.done }

func (f *fakeInstance) Signal(sig os.Signal) error {
	switch sig {
	case syscall.SIGTERM:
		f.requestStop()
	case syscall.SIGKILL:
		time.AfterFunc(f.reapDelay, f.stop)
	}
	return nil
}

func (f *fakeInstance) Powerdown() error { f.requestStop(); return nil }
func (f *fakeInstance) PID() int         { return 4242 }
func (f *fakeInstance) ExitErr() error   { return nil }

func (f *fakeInstance) ResetCount() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

type fakeLauncher struct {
	instance *fakeInstance
	specs    []vm.MachineSpec
}

func (l *fakeLauncher) Launch(_ context.Context, spec vm.MachineSpec) (vm.Instance, error) {
	l.specs = append(l.specs, spec)
	return l.instance, nil
}

// fakeSession answers pings from reachable and powers the instance off on
// the guest shutdown command.
type fakeSession struct {
	instance  *fakeInstance
	reachable func() bool
}

func (s *fakeSession) Run(_ context.Context, cmd remote.Command) (remote.Result, error) {
	if cmd.Description == vm.GuestShutdown.Description {
		s.instance.requestStop()
	}
	return remote.Result{}, nil
}

func (s *fakeSession) Ping(context.Context) bool {
	if s.reachable == nil {
		return true
	}
	return s.reachable()
}

type fakeDisks struct{}

func (fakeDisks) Create(_ context.Context, path, _ string) error {
	return os.WriteFile(path, []byte("qcow2"), 0o644)
}

func (fakeDisks) Finalize(buildDisk, templatePath string) error {
	if err := os.Rename(buildDisk, templatePath); err != nil {
		return err
	}
	return os.Chmod(templatePath, 0o444)
}

func (fakeDisks) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

type fakeInstaller struct {
	provisionErrs []error
	calls         int
	marker        bool
	// reboot makes Provision report a pending restart and runs before it
	// returns.
	reboot func()
}

func (f *fakeInstaller) Provision(context.Context, remote.Runner) (bool, error) {
	f.calls++
	if len(f.provisionErrs) > 0 {
		err := f.provisionErrs[0]
		f.provisionErrs = f.provisionErrs[1:]
		if err != nil {
			return false, err
		}
	}
	f.marker = true
	if f.reboot != nil {
		f.reboot()
		return true, nil
	}
	return false, nil
}

func (f *fakeInstaller) Installed(context.Context, remote.Runner) (bool, error) {
	return f.marker, nil
}

type fakeReconciler struct{ err error }

func (f fakeReconciler) Reconcile(context.Context, remote.Runner) (guest.Outcome, error) {
	return guest.Outcome{ConfigWritten: true, Restarted: true}, f.err
}

type fixture struct {
	pipeline  *Pipeline
	instance  *fakeInstance
	launcher  *fakeLauncher
	session   *fakeSession
	installer *fakeInstaller
	cfg       config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.StorageDir = dir
	cfg.TemplatePath = filepath.Join(dir, "template.qcow2")
	cfg.InstallISO = filepath.Join(dir, "install.iso")
	cfg.AnswerFile = filepath.Join(dir, "autounattend.xml")
	cfg.InstallTimeout = time.Second
	cfg.BootTimeout = time.Second
	cfg.ShutdownGrace = time.Second
	require.NoError(t, os.WriteFile(cfg.InstallISO, []byte("iso"), 0o644))
	require.NoError(t, os.WriteFile(cfg.AnswerFile, []byte("<unattend/>"), 0o644))

	instance := newFakeInstance()
	launcher := &fakeLauncher{instance: instance}
	session := &fakeSession{instance: instance}
	installer := &fakeInstaller{}

	hostPorts := network.Ports{API: cfg.HostDockerPort, App: cfg.HostAppPort, Control: cfg.HostWinRMPort}
	guestPorts := network.Ports{API: 2375, App: 8080, Control: 5985}

	return &fixture{
		pipeline: &Pipeline{
			Config:       cfg,
			Network:      &network.NAT{MAC: cfg.GuestMAC, Rules: network.NATRules(hostPorts, guestPorts)},
			Disks:        fakeDisks{},
			Launcher:     launcher,
			Dial:         func(network.Mode) remote.Session { return session },
			Installer:    installer,
			Reconciler:   fakeReconciler{},
			Service:      "docker",
			PollInterval: 5 * time.Millisecond,
			Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		},
		instance:  instance,
		launcher:  launcher,
		session:   session,
		installer: installer,
		cfg:       cfg,
	}
}

func TestBuildProducesTemplate(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.pipeline.Run(context.Background()))

	assert.Equal(t, StateDone, f.pipeline.State())
	info, err := os.Stat(f.cfg.TemplatePath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o444), info.Mode().Perm())
	_, err = os.Stat(PartialPath(f.cfg.TemplatePath))
	assert.True(t, os.IsNotExist(err))
	assert.False(t, f.instance.Alive())

	rec, err := artifacts.LoadRecord(f.cfg.TemplatePath)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "docker", rec.Service)
	assert.Equal(t, "x86_64", rec.Arch)
	assert.NotEmpty(t, rec.ID)

	require.Len(t, f.launcher.specs, 1)
	spec := f.launcher.specs[0]
	assert.Equal(t, "d", spec.BootOnce)
	assert.Equal(t, PartialPath(f.cfg.TemplatePath), spec.Disks[0].Path)
	require.Len(t, spec.CDROMs, 2)
	assert.Equal(t, f.cfg.InstallISO, spec.CDROMs[0])

	_, err = os.Stat(filepath.Join(f.cfg.WorkDir(), "build"))
	assert.True(t, os.IsNotExist(err), "build directory is removed")
}

func TestBuildSkipsExistingTemplate(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.cfg.TemplatePath, []byte("done"), 0o444))
	require.NoError(t, os.Remove(f.cfg.InstallISO))

	require.NoError(t, f.pipeline.Run(context.Background()))

	assert.Equal(t, StateDone, f.pipeline.State())
	assert.Empty(t, f.launcher.specs)
}

func TestBuildForceReplacesTemplate(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.cfg.TemplatePath, []byte("old"), 0o444))
	old := artifacts.NewTemplateRecord(f.cfg.TemplatePath)
	require.NoError(t, artifacts.SaveRecord(f.cfg.TemplatePath, old))
	f.pipeline.Force = true

	require.NoError(t, f.pipeline.Run(context.Background()))

	data, err := os.ReadFile(f.cfg.TemplatePath)
	require.NoError(t, err)
	assert.Equal(t, "qcow2", string(data))

	rec, err := artifacts.LoadRecord(f.cfg.TemplatePath)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.NotEqual(t, old.ID, rec.ID)
	assert.True(t, rec.Describes(f.cfg.TemplatePath))
}

func TestBuildMissingInstallImage(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.Remove(f.cfg.InstallISO))

	err := f.pipeline.Run(context.Background())

	var pre *config.PreconditionError
	require.ErrorAs(t, err, &pre)
	assert.Contains(t, pre.What, "installation image")
	assert.Equal(t, StateFailed, f.pipeline.State())
	assert.Empty(t, f.launcher.specs)
}

func TestBuildAttachesDriverImage(t *testing.T) {
	f := newFixture(t)
	f.pipeline.Config.DriverISO = filepath.Join(f.cfg.StorageDir, "virtio-win.iso")
	require.NoError(t, os.WriteFile(f.pipeline.Config.DriverISO, []byte("iso"), 0o644))

	require.NoError(t, f.pipeline.Run(context.Background()))

	require.Len(t, f.launcher.specs, 1)
	assert.Equal(t, f.pipeline.Config.DriverISO, f.launcher.specs[0].CDROMs[2])
}

func TestBuildMissingDriverImage(t *testing.T) {
	f := newFixture(t)
	f.pipeline.Config.DriverISO = filepath.Join(f.cfg.StorageDir, "virtio-win.iso")

	err := f.pipeline.Run(context.Background())

	var pre *config.PreconditionError
	require.ErrorAs(t, err, &pre)
	assert.Contains(t, pre.What, "driver image")
	assert.Empty(t, f.launcher.specs)
}

func TestBuildFailureLeavesNoTemplate(t *testing.T) {
	f := newFixture(t)
	f.pipeline.Reconciler = fakeReconciler{err: &guest.ReconcileError{Step: guest.StepWriteConfig, Result: remote.Result{ExitCode: 5}}}

	err := f.pipeline.Run(context.Background())

	var rerr *guest.ReconcileError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, StateFailed, f.pipeline.State())
	_, statErr := os.Stat(f.cfg.TemplatePath)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(PartialPath(f.cfg.TemplatePath))
	assert.True(t, os.IsNotExist(statErr))
	assert.False(t, f.instance.Alive(), "vm is shut down on failure")
}

func TestBuildRetriesProvisioning(t *testing.T) {
	f := newFixture(t)
	f.installer.provisionErrs = []error{errors.New("session dropped")}

	require.NoError(t, f.pipeline.Run(context.Background()))
	assert.Equal(t, 2, f.installer.calls)
}

func TestBuildGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("download failed")
	f.installer.provisionErrs = []error{boom, boom, boom, boom}

	err := f.pipeline.Run(context.Background())

	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, DefaultMaxProvisionAttempts, f.installer.calls)
}

func TestBuildAbortsWhenVMDies(t *testing.T) {
	f := newFixture(t)
	f.pipeline.Config.InstallTimeout = time.Minute
	f.session.reachable = func() bool {
		f.instance.stop()
		return false
	}

	started := time.Now()
	err := f.pipeline.Run(context.Background())

	require.ErrorIs(t, err, readiness.ErrProcessDied)
	assert.Less(t, time.Since(started), 10*time.Second)
}

func TestBuildWaitsForKilledVMToBeReaped(t *testing.T) {
	f := newFixture(t)
	f.pipeline.Config.ShutdownGrace = 20 * time.Millisecond
	f.instance.stubborn = true
	f.instance.reapDelay = 200 * time.Millisecond

	require.NoError(t, f.pipeline.Run(context.Background()))

	assert.Equal(t, StateDone, f.pipeline.State())
	assert.False(t, f.instance.Alive())
	_, err := os.Stat(f.cfg.TemplatePath)
	assert.NoError(t, err, "installed disk is kept")
}

func TestBuildToleratesRebootDuringProvisioning(t *testing.T) {
	cases := map[string]struct {
		reset bool
	}{
		"reset observed":       {reset: true},
		"channel dropped only": {reset: false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			var down, failedPings atomic.Int32
			f.session.reachable = func() bool {
				if down.Load() > 0 {
					down.Add(-1)
					failedPings.Add(1)
					return false
				}
				return true
			}
			f.installer.reboot = func() {
				if tc.reset {
					f.instance.reboot()
				}
				down.Store(3)
			}

			require.NoError(t, f.pipeline.Run(context.Background()))

			assert.Equal(t, StateDone, f.pipeline.State())
			assert.Equal(t, 1, f.installer.calls)
			assert.Equal(t, int32(3), failedPings.Load(), "waited for the channel to return")
			_, err := os.Stat(f.cfg.TemplatePath)
			assert.NoError(t, err)
		})
	}
}

func TestBuildTimesOutWhenChannelNeverReturns(t *testing.T) {
	f := newFixture(t)
	var lost atomic.Bool
	f.session.reachable = func() bool { return !lost.Load() }
	f.installer.reboot = func() {
		f.instance.reboot()
		lost.Store(true)
	}

	err := f.pipeline.Run(context.Background())

	require.ErrorIs(t, err, readiness.ErrTimeout)
	assert.Equal(t, StateFailed, f.pipeline.State())
	assert.Equal(t, 1, f.installer.calls)
	_, statErr := os.Stat(f.cfg.TemplatePath)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(PartialPath(f.cfg.TemplatePath))
	assert.True(t, os.IsNotExist(statErr))
}

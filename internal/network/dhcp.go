package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/keel/internal/logging"
)

// Lease is the single static assignment the responder serves.
type Lease struct {
	Interface string
	MAC       string
	IP        net.IP
	Subnet    *net.IPNet
	Router    net.IP
	DNS       string
}

const leaseTime = "12h"

// DHCPResponder runs a dnsmasq instance bound to one bridge. The instance is
// left running after the orchestrator exits; Start replaces any previous one.
type DHCPResponder struct {
	Binary    string
	PIDFile   string
	LeaseFile string
	Logger    *slog.Logger

	// StopTimeout bounds the wait for a previous instance to exit.
	StopTimeout time.Duration
}

// NewDHCPResponder keeps the responder's pid and lease files under dir.
func NewDHCPResponder(dir string, logger *slog.Logger) *DHCPResponder {
	return &DHCPResponder{
		Binary:    "dnsmasq",
		PIDFile:   filepath.Join(dir, "dnsmasq.pid"),
		LeaseFile: filepath.Join(dir, "dnsmasq.leases"),
		Logger:    logger,
	}
}

// Start terminates any previous instance and launches a new one serving lease.
func (d *DHCPResponder) Start(ctx context.Context, lease Lease) error {
	logger := logging.Ensure(d.Logger).With("component", "dhcp", "interface", lease.Interface)

	if err := d.stopPrevious(logger); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(d.PIDFile), 0o755); err != nil {
		return fmt.Errorf("make dhcp state dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(d.LeaseFile), 0o755); err != nil {
		return fmt.Errorf("make dhcp lease dir: %w", err)
	}

	args, err := d.args(lease)
	if err != nil {
		return err
	}
	binary := d.Binary
	if binary == "" {
		binary = "dnsmasq"
	}
	if _, err := exec.LookPath(binary); err != nil {
		return fmt.Errorf("%s not found: %w", binary, err)
	}

	// dnsmasq daemonizes; the parent returns once the child is bound.
	cmd := exec.CommandContext(ctx, binary, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("start dnsmasq: %w: %s", err, strings.TrimSpace(string(out)))
	}
	logger.Info("dhcp responder started", "mac", lease.MAC, "ip", lease.IP.String(), "lease", leaseTime)
	return nil
}

func (d *DHCPResponder) args(lease Lease) ([]string, error) {
	if lease.IP.To4() == nil {
		return nil, fmt.Errorf("lease address %v is not IPv4", lease.IP)
	}
	if lease.Subnet == nil {
		return nil, errors.New("lease subnet is required")
	}
	if _, err := net.ParseMAC(lease.MAC); err != nil {
		return nil, fmt.Errorf("lease mac: %w", err)
	}
	netmask := net.IP(lease.Subnet.Mask).String()

	args := []string{
		"--interface=" + lease.Interface,
		"--bind-interfaces",
		"--except-interface=lo",
		"--port=0",
		"--pid-file=" + d.PIDFile,
		"--dhcp-leasefile=" + d.LeaseFile,
		fmt.Sprintf("--dhcp-range=%s,static,%s,%s", lease.IP, netmask, leaseTime),
		fmt.Sprintf("--dhcp-host=%s,%s,%s", strings.ToLower(lease.MAC), lease.IP, leaseTime),
	}
	if lease.Router != nil {
		args = append(args, "--dhcp-option=option:router,"+lease.Router.String())
	}
	if lease.DNS != "" {
		args = append(args, "--dhcp-option=option:dns-server,"+lease.DNS)
	}
	return args, nil
}

func (d *DHCPResponder) stopPrevious(logger *slog.Logger) error {
	data, err := os.ReadFile(d.PIDFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read dhcp pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		logger.Warn("ignoring malformed dhcp pid file", "path", d.PIDFile)
		return removeIfExists(d.PIDFile)
	}

	if processAlive(pid) {
		logger.Info("stopping previous dhcp responder", "pid", pid)
		if err := unix.Kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("signal previous dnsmasq %d: %w", pid, err)
		}
		timeout := d.StopTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		deadline := time.Now().Add(timeout)
		for processAlive(pid) {
			if time.Now().After(deadline) {
				logger.Warn("previous dhcp responder ignored SIGTERM, killing", "pid", pid)
				_ = unix.Kill(pid, unix.SIGKILL)
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
	}
	return removeIfExists(d.PIDFile)
}

// LeasePresent reports whether the lease file records an active lease for mac.
func (d *DHCPResponder) LeasePresent(mac string) bool {
	f, err := os.Open(d.LeaseFile)
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		// <expiry> <mac> <ip> <hostname> <client-id>
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 3 && strings.EqualFold(fields[1], mac) {
			return true
		}
	}
	return false
}

func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

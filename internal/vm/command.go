package vm

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cochaviz/keel/arch"
)

const (
	AccelKVM = "kvm"
	AccelTCG = "tcg"
)

// Disk is a block device attached to the guest.
type Disk struct {
	Path   string
	Format string
}

// MachineSpec is everything needed to derive the QEMU command line.
type MachineSpec struct {
	Name string
	Arch arch.Architecture
	// Binary overrides the emulator chosen from Arch.
	Binary string
	// Accel is kvm or tcg; DetectAccel picks one when empty.
	Accel      string
	MemorySize string
	CPUs       int
	Disks      []Disk
	CDROMs     []string
	// BootOnce boots from the given device letter on first boot only ("d"
	// for the first CD-ROM).
	BootOnce    string
	NetworkArgs []string
	VNC         bool
	QMPSocket   string
	PIDFile     string
}

// DetectAccel returns kvm when the guest is native and /dev/kvm is usable.
func DetectAccel(a arch.Architecture) string {
	if !a.Native() {
		return AccelTCG
	}
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return AccelTCG
	}
	f.Close()
	return AccelKVM
}

// EmulatorBinary is the QEMU executable for the machine.
func (s MachineSpec) EmulatorBinary() string {
	if s.Binary != "" {
		return s.Binary
	}
	return s.Arch.QemuBinary()
}

// Args renders the QEMU argument vector (without the binary).
func (s MachineSpec) Args() []string {
	accel := s.Accel
	if accel == "" {
		accel = AccelTCG
	}
	cpu := "max"
	if accel == AccelKVM {
		cpu = "host"
	}
	machineType := s.Arch.MachineType()
	if machineType == "" {
		machineType = "q35"
	}

	b := newQemuCommand().
		add("-name", s.Name).
		add("-no-user-config", "").
		add("-nodefaults", "").
		add("-machine", machineType, "accel="+accel).
		add("-cpu", cpu).
		add("-smp", strconv.Itoa(s.CPUs)).
		add("-m", s.MemorySize).
		add("-rtc", "base=localtime")

	for i, d := range s.Disks {
		format := d.Format
		if format == "" {
			format = "qcow2"
		}
		b.add("-drive", fmt.Sprintf("file=%s", d.Path), "if=virtio", "format="+format, fmt.Sprintf("index=%d", i), "cache=writeback", "discard=unmap")
	}
	for i, iso := range s.CDROMs {
		b.add("-drive", fmt.Sprintf("file=%s", iso), "media=cdrom", "readonly=on", fmt.Sprintf("index=%d", i+len(s.Disks)))
	}
	if s.BootOnce != "" {
		b.add("-boot", "once="+s.BootOnce)
	}

	b.raw(s.NetworkArgs...)

	b.add("-vga", "std").
		add("-usb", "").
		add("-device", "usb-tablet").
		add("-display", "none")
	if s.VNC {
		b.add("-vnc", ":0")
	}
	if s.QMPSocket != "" {
		b.add("-qmp", "unix:"+s.QMPSocket, "server=on", "wait=off")
	}
	if s.PIDFile != "" {
		b.add("-pidfile", s.PIDFile)
	}
	return b.build()
}

// qemuCommand accumulates arguments; add joins option values with commas.
type qemuCommand struct {
	args []string
}

func newQemuCommand() *qemuCommand {
	return &qemuCommand{args: make([]string, 0, 48)}
}

func (c *qemuCommand) add(flag, value string, options ...string) *qemuCommand {
	c.args = append(c.args, flag)
	if value == "" && len(options) == 0 {
		return c
	}
	parts := append([]string{value}, options...)
	c.args = append(c.args, strings.Join(parts, ","))
	return c
}

func (c *qemuCommand) raw(args ...string) *qemuCommand {
	c.args = append(c.args, args...)
	return c
}

func (c *qemuCommand) build() []string {
	return append([]string(nil), c.args...)
}

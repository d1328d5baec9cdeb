package arch

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Architecture names a guest CPU architecture in QEMU's vocabulary.
type Architecture string

const (
	X86_64  Architecture = "x86_64"
	AArch64 Architecture = "aarch64"
)

// machine describes how QEMU is launched for one architecture.
type machine struct {
	binary  string
	machine string
	goArch  string
}

var machines = map[Architecture]machine{
	X86_64:  {binary: "qemu-system-x86_64", machine: "q35", goArch: "amd64"},
	AArch64: {binary: "qemu-system-aarch64", machine: "virt", goArch: "arm64"},
}

// Supported returns the architectures a guest can be booted as.
func Supported() []Architecture {
	out := make([]Architecture, 0, len(machines))
	for a := range machines {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (a Architecture) String() string {
	return string(a)
}

// Parse returns the canonical Architecture for value.
func Parse(value string) (Architecture, error) {
	if a := Normalize(value); a != "" {
		return a, nil
	}
	names := make([]string, 0, len(machines))
	for _, a := range Supported() {
		names = append(names, a.String())
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(names, ", "))
}

// Normalize maps common aliases onto a supported Architecture, or "" if none match.
func Normalize(value string) Architecture {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "x86_64", "x86-64", "amd64":
		return X86_64
	case "aarch64", "arm64":
		return AArch64
	default:
		return ""
	}
}

// QemuBinary is the system emulator used to boot a guest of this architecture.
func (a Architecture) QemuBinary() string {
	return machines[a].binary
}

// MachineType is the -machine board for this architecture.
func (a Architecture) MachineType() string {
	return machines[a].machine
}

// Native reports whether the guest matches the host CPU, which is when KVM
// acceleration can be requested.
func (a Architecture) Native() bool {
	return machines[a].goArch == runtime.GOARCH
}

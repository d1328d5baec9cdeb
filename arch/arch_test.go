package arch

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAliases(t *testing.T) {
	for input, want := range map[string]Architecture{
		"x86_64":  X86_64,
		" AMD64 ": X86_64,
		"arm64":   AArch64,
		"aarch64": AArch64,
		"x86-64":  X86_64,
	} {
		got, err := Parse(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}
}

func TestParseRejectsUnknown(t *testing.T) {
	_, err := Parse("sparc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aarch64, x86_64")
}

func TestMachineDetails(t *testing.T) {
	assert.Equal(t, "qemu-system-x86_64", X86_64.QemuBinary())
	assert.Equal(t, "q35", X86_64.MachineType())
	assert.Equal(t, "virt", AArch64.MachineType())
	assert.Equal(t, runtime.GOARCH == "amd64", X86_64.Native())
}

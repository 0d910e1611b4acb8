package hypervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildArgsIncludesCoreFields(t *testing.T) {
	spec := GuestSpec{
		GuestID:           "guest-1",
		MachineProfile:    "microvm",
		VCPUCount:         2,
		MemoryBytes:       512 * 1024 * 1024,
		FirmwarePath:      "/usr/share/firmware/edk2.fd",
		DrivePaths:        []string{"/var/lib/infrasimd/volumes/vol-1.raw"},
		NICBridges:        []string{"br-nat0"},
		MonitorSocketPath: "/var/lib/infrasimd/guests/guest-1/monitor.sock",
		ConsoleEndpoint:   "/var/lib/infrasimd/guests/guest-1/console",
		CloudInitSeedPath: "/var/lib/infrasimd/guests/guest-1/seed.iso",
	}

	args := buildArgs(spec)

	assert.Contains(t, args, "microvm")
	assert.Contains(t, args, "2")
	assert.Contains(t, args, "512")
	assert.Contains(t, args, "file=/var/lib/infrasimd/volumes/vol-1.raw")
	assert.Contains(t, args, "bridge,br=br-nat0")
	assert.Contains(t, args, spec.MonitorSocketPath)
	assert.Contains(t, args, spec.CloudInitSeedPath)
}

func TestBuildArgsOmitsOptionalFields(t *testing.T) {
	spec := GuestSpec{
		MachineProfile: "microvm",
		VCPUCount:      1,
		MemoryBytes:    256 * 1024 * 1024,
	}
	args := buildArgs(spec)

	for _, a := range args {
		assert.NotEqual(t, "-cdrom", a)
	}
}

func TestStatusOfUnknownGuestReportsStopped(t *testing.T) {
	a := New(nil)
	status, found := a.StatusOf("missing")
	assert.False(t, found)
	assert.Equal(t, "stopped", string(status.ProcessState))
}

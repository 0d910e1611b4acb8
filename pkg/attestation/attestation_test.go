package attestation

import (
	"testing"
	"time"

	"github.com/rng-ops/infrasim/pkg/cryptosvc"
	"github.com/rng-ops/infrasim/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInput() Input {
	return Input{
		Guest: &types.Guest{
			ID:              "guest-1",
			MachineProfile:  "microvm",
			VCPUCount:       2,
			MemoryBytes:     512 * 1024 * 1024,
			FirmwareProfile: "edk2",
			VolumeRefs:      []types.VolumeRef{{VolumeID: "vol-1", Role: "root"}},
		},
		Volumes: []*types.Volume{
			{ID: "vol-1", SourceDigest: "sha256:abc", DeclaredSize: 1024},
		},
		Networks: []*types.Network{
			{ID: "net-1", Mode: types.NetworkModeNAT, CIDR: "10.0.0.0/24"},
		},
		Host: types.HostFingerprint{
			OS: "linux", Arch: "amd64", HardwareModel: "generic",
		},
		BinaryVersions: []types.BinaryVersion{{Name: "infrasimd", Version: "0.1.0", Digest: "sha256:def"}},
		DaemonVersion:  "0.1.0",
		Now:            time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestSubjectDigestDeterministic(t *testing.T) {
	in := testInput()
	d1, err := SubjectDigest(in)
	require.NoError(t, err)
	d2, err := SubjectDigest(in)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestSubjectDigestChangesWithInput(t *testing.T) {
	in := testInput()
	d1, err := SubjectDigest(in)
	require.NoError(t, err)

	in.Guest.VCPUCount = 4
	d2, err := SubjectDigest(in)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)
}

func TestGenerateAndVerify(t *testing.T) {
	signer, err := cryptosvc.Bootstrap(t.TempDir())
	require.NoError(t, err)

	record, err := Generate(testInput(), signer)
	require.NoError(t, err)
	assert.Equal(t, "guest-1", record.GuestID)
	assert.NotEmpty(t, record.SubjectDigest)

	require.NoError(t, Verify(record))
}

func TestVerifyRejectsTamperedDigest(t *testing.T) {
	signer, err := cryptosvc.Bootstrap(t.TempDir())
	require.NoError(t, err)

	record, err := Generate(testInput(), signer)
	require.NoError(t, err)

	record.SubjectDigest = "sha256:0000000000000000000000000000000000000000000000000000000000000000"
	err = Verify(record)
	require.Error(t, err)
}

func TestVerifyRejectsTamperedDeclaredField(t *testing.T) {
	signer, err := cryptosvc.Bootstrap(t.TempDir())
	require.NoError(t, err)

	record, err := Generate(testInput(), signer)
	require.NoError(t, err)
	require.NoError(t, Verify(record))

	record.HostFingerprint.OS = "windows"
	err = Verify(record)
	require.Error(t, err, "mutating a declared field without re-signing must fail even though SubjectDigest and Signature are untouched")
}

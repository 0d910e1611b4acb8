package storage

import (
	"testing"

	"github.com/rng-ops/infrasim/pkg/errkind"
	"github.com/rng-ops/infrasim/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateGetNetwork(t *testing.T) {
	s := newTestStore(t)
	n := &types.Network{ID: "net-1", Name: "default", Mode: types.NetworkModeNAT, CIDR: "10.0.0.0/24"}
	require.NoError(t, s.CreateNetwork(n))

	got, err := s.GetNetwork("net-1")
	require.NoError(t, err)
	assert.Equal(t, "default", got.Name)
	assert.EqualValues(t, 1, got.Version)
}

func TestCreateNetworkDuplicate(t *testing.T) {
	s := newTestStore(t)
	n := &types.Network{ID: "net-1", Name: "default"}
	require.NoError(t, s.CreateNetwork(n))
	err := s.CreateNetwork(n)
	require.Error(t, err)
	assert.Equal(t, errkind.Conflict, errkind.KindOf(err))
}

func TestGetNetworkNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetNetwork("missing")
	require.Error(t, err)
	assert.Equal(t, errkind.NotFound, errkind.KindOf(err))
}

func TestUpdateNetworkOptimisticConcurrency(t *testing.T) {
	s := newTestStore(t)
	n := &types.Network{ID: "net-1", Name: "default"}
	require.NoError(t, s.CreateNetwork(n))

	n.Name = "renamed"
	require.NoError(t, s.UpdateNetwork(n, 1))

	got, err := s.GetNetwork("net-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.EqualValues(t, 2, got.Version)

	// stale write must fail
	n.Name = "stale"
	err = s.UpdateNetwork(n, 1)
	require.Error(t, err)
	assert.Equal(t, errkind.Conflict, errkind.KindOf(err))
}

func TestDeleteNetwork(t *testing.T) {
	s := newTestStore(t)
	n := &types.Network{ID: "net-1"}
	require.NoError(t, s.CreateNetwork(n))
	require.NoError(t, s.DeleteNetwork("net-1"))

	_, err := s.GetNetwork("net-1")
	require.Error(t, err)
	assert.Equal(t, errkind.NotFound, errkind.KindOf(err))
}

func TestUpdateImmutableVolumeRejected(t *testing.T) {
	s := newTestStore(t)
	v := &types.Volume{ID: "vol-1", SourceDigest: "sha256:abc", Verified: true}
	require.NoError(t, s.CreateVolume(v))

	v.DeclaredSize = 1024
	err := s.UpdateVolume(v, 1)
	require.Error(t, err)
	assert.Equal(t, errkind.Precondition, errkind.KindOf(err))
}

func TestUpdateCompleteSnapshotRejected(t *testing.T) {
	s := newTestStore(t)
	snap := &types.Snapshot{ID: "snap-1", GuestID: "guest-1", Complete: true}
	require.NoError(t, s.CreateSnapshot(snap))

	snap.Complete = false
	err := s.UpdateSnapshot(snap, 1)
	require.Error(t, err)
	assert.Equal(t, errkind.Precondition, errkind.KindOf(err))
}

func TestListSnapshotsByGuest(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateSnapshot(&types.Snapshot{ID: "s1", GuestID: "g1"}))
	require.NoError(t, s.CreateSnapshot(&types.Snapshot{ID: "s2", GuestID: "g2"}))
	require.NoError(t, s.CreateSnapshot(&types.Snapshot{ID: "s3", GuestID: "g1"}))

	got, err := s.ListSnapshotsByGuest("g1")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestAttestationIsAppendOnly(t *testing.T) {
	s := newTestStore(t)
	a := &types.AttestationRecord{ID: "att-1", GuestID: "g1", SubjectDigest: "sha256:deadbeef"}
	require.NoError(t, s.CreateAttestation(a))

	got, err := s.GetAttestation("att-1")
	require.NoError(t, err)
	assert.Equal(t, "g1", got.GuestID)

	err = s.CreateAttestation(a)
	require.Error(t, err)
	assert.Equal(t, errkind.Conflict, errkind.KindOf(err))
}

func TestChangesSinceOrdering(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateGuest(&types.Guest{ID: "g1"}))
	require.NoError(t, s.CreateGuest(&types.Guest{ID: "g2"}))
	require.NoError(t, s.DeleteGuest("g1"))

	changes, err := s.ChangesSince(0)
	require.NoError(t, err)
	require.Len(t, changes, 3)
	assert.EqualValues(t, 1, changes[0].Seq)
	assert.EqualValues(t, 2, changes[1].Seq)
	assert.EqualValues(t, 3, changes[2].Seq)
	assert.Equal(t, types.ChangeOpCreate, changes[0].Op)
	assert.Equal(t, types.ChangeOpDelete, changes[2].Op)

	latest, err := s.LatestSeq()
	require.NoError(t, err)
	assert.EqualValues(t, 3, latest)

	tail, err := s.ChangesSince(2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.EqualValues(t, 3, tail[0].Seq)
}

func TestListSnapshots(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateSnapshot(&types.Snapshot{ID: "s1", GuestID: "g1"}))
	require.NoError(t, s.CreateSnapshot(&types.Snapshot{ID: "s2", GuestID: "g2"}))

	all, err := s.ListSnapshots()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCreateGuestSetsInitialGeneration(t *testing.T) {
	s := newTestStore(t)
	g := &types.Guest{ID: "g1", Name: "vm1"}
	require.NoError(t, s.CreateGuest(g))
	assert.EqualValues(t, 1, g.Generation)
	assert.EqualValues(t, 1, g.Version)
}

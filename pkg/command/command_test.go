package command

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rng-ops/infrasim/pkg/cas"
	"github.com/rng-ops/infrasim/pkg/cryptosvc"
	"github.com/rng-ops/infrasim/pkg/events"
	"github.com/rng-ops/infrasim/pkg/graph"
	"github.com/rng-ops/infrasim/pkg/hypervisor"
	"github.com/rng-ops/infrasim/pkg/qos"
	"github.com/rng-ops/infrasim/pkg/reconciler"
	"github.com/rng-ops/infrasim/pkg/security"
	"github.com/rng-ops/infrasim/pkg/storage"
	"github.com/rng-ops/infrasim/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopRunner struct{}

func (noopRunner) Run(name string, args ...string) (string, error) { return "", nil }

func newTestService(t *testing.T) *Service {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus(store)
	bus.Start()
	t.Cleanup(bus.Stop)

	shaper := qos.NewWithRunner(noopRunner{})
	artifacts, err := cas.New(t.TempDir())
	require.NoError(t, err)
	adapter := hypervisor.New(nil)
	graphEngine := graph.NewEngine(store)
	crypto, err := cryptosvc.Bootstrap(t.TempDir())
	require.NoError(t, err)
	cloudInit, err := security.Bootstrap(t.TempDir())
	require.NoError(t, err)

	recon := reconciler.New(store, adapter, bus, shaper, artifacts, cloudInit, time.Hour, 2, 30*time.Second, "/bin/true", "", t.TempDir())

	return New(store, graphEngine, bus, recon, adapter, shaper, artifacts, crypto, cloudInit, 30*time.Second, "test-version")
}

func TestCreateVMGeneratesIDAndIsIdempotent(t *testing.T) {
	s := newTestService(t)

	guest, err := s.CreateVM(CreateVMRequest{Name: "web-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, guest.ID)
	assert.Equal(t, types.GuestStateStopped, guest.DesiredState)

	again, err := s.CreateVM(CreateVMRequest{ID: guest.ID, Name: "web-1"})
	require.NoError(t, err)
	assert.Equal(t, guest.ID, again.ID)
}

func TestCreateVMRejectsEmptyName(t *testing.T) {
	s := newTestService(t)
	_, err := s.CreateVM(CreateVMRequest{})
	require.Error(t, err)
}

func TestStartVMSetsDesiredRunning(t *testing.T) {
	s := newTestService(t)
	guest, err := s.CreateVM(CreateVMRequest{Name: "web-1"})
	require.NoError(t, err)

	updated, err := s.StartVM(guest.ID)
	require.NoError(t, err)
	assert.Equal(t, types.GuestStateRunning, updated.DesiredState)
}

func TestDeleteVMCancelsReconcilerWork(t *testing.T) {
	s := newTestService(t)
	guest, err := s.CreateVM(CreateVMRequest{Name: "web-1"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteVM(guest.ID))

	_, err = s.GetVM(guest.ID)
	assert.Error(t, err)
}

func TestCreateNetworkAndDeleteBlockedWhileInUse(t *testing.T) {
	s := newTestService(t)

	net, err := s.CreateNetwork(CreateNetworkRequest{Name: "lan", Mode: types.NetworkModeNAT})
	require.NoError(t, err)

	guest, err := s.CreateVM(CreateVMRequest{
		Name:        "web-1",
		NetworkRefs: []types.NetworkRef{{NetworkID: net.ID}},
	})
	require.NoError(t, err)

	err = s.DeleteNetwork(net.ID)
	assert.Error(t, err, "network still referenced by a guest must not delete")

	require.NoError(t, s.DeleteVM(guest.ID))
	require.NoError(t, s.DeleteNetwork(net.ID))
}

func TestCreateVolumeBlankIsVerifiedImmediately(t *testing.T) {
	s := newTestService(t)
	vol, err := s.CreateVolume(CreateVolumeRequest{Name: "data", Kind: types.VolumeKindDisk})
	require.NoError(t, err)
	assert.True(t, vol.Verified)
}

func TestDeleteVolumeBlockedWhileInUse(t *testing.T) {
	s := newTestService(t)
	vol, err := s.CreateVolume(CreateVolumeRequest{Name: "data", Kind: types.VolumeKindDisk})
	require.NoError(t, err)

	guest, err := s.CreateVM(CreateVMRequest{
		Name:       "web-1",
		VolumeRefs: []types.VolumeRef{{VolumeID: vol.ID, Role: "root"}},
	})
	require.NoError(t, err)

	err = s.DeleteVolume(vol.ID)
	assert.Error(t, err)

	require.NoError(t, s.DeleteVM(guest.ID))
	require.NoError(t, s.DeleteVolume(vol.ID))
}

func TestGraphPlanAndApply(t *testing.T) {
	s := newTestService(t)

	net := &types.Network{Name: "lan", Mode: types.NetworkModeNAT}
	plan, err := s.GraphPlan([]graph.Op{{Action: graph.ActionCreate, Kind: types.KindNetwork, Network: net}})
	require.NoError(t, err)

	require.NoError(t, s.GraphApply(plan.ID))

	nets, err := s.ListNetworks()
	require.NoError(t, err)
	assert.Len(t, nets, 1)
}

func TestStatusReportsCounts(t *testing.T) {
	s := newTestService(t)
	_, err := s.CreateVM(CreateVMRequest{Name: "web-1"})
	require.NoError(t, err)

	status, err := s.Status()
	require.NoError(t, err)
	assert.Equal(t, 1, status.GuestCount)
	assert.Equal(t, "test-version", status.Version)
}

func TestSubscribeEventsReceivesCreate(t *testing.T) {
	s := newTestService(t)

	sub, err := s.SubscribeEvents(events.Filter{}, 0)
	require.NoError(t, err)
	defer s.UnsubscribeEvents(sub)

	_, err = s.CreateVM(CreateVMRequest{Name: "web-1"})
	require.NoError(t, err)

	select {
	case ev := <-sub:
		assert.Equal(t, types.KindGuest, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a create event")
	}
}

func TestImportVolumeDigestsContent(t *testing.T) {
	s := newTestService(t)
	vol, err := s.ImportVolume("imported", strings.NewReader("hello world"), "")
	require.NoError(t, err)
	assert.True(t, vol.Verified)
	assert.NotEmpty(t, vol.SourceDigest)
}

func TestCreateSnapshotRequiresRunningGuest(t *testing.T) {
	s := newTestService(t)
	guest, err := s.CreateVM(CreateVMRequest{Name: "web-1"})
	require.NoError(t, err)

	_, err = s.CreateSnapshot(context.Background(), CreateSnapshotRequest{GuestID: guest.ID, IncludeDisk: true})
	assert.Error(t, err, "stopped guest cannot be snapshotted")
}

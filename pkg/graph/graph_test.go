package graph

import (
	"testing"

	"github.com/rng-ops/infrasim/pkg/errkind"
	"github.com/rng-ops/infrasim/pkg/storage"
	"github.com/rng-ops/infrasim/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPlanCreateNetworkThenGuest(t *testing.T) {
	store := newTestStore(t)
	e := NewEngine(store)

	plan, err := e.Plan([]Op{
		{Action: ActionCreate, Kind: types.KindNetwork, Network: &types.Network{ID: "net-1", Mode: types.NetworkModeNAT}},
		{Action: ActionCreate, Kind: types.KindVolume, Volume: &types.Volume{ID: "vol-1"}},
		{Action: ActionCreate, Kind: types.KindGuest, Guest: &types.Guest{
			ID:          "guest-1",
			VolumeRefs:  []types.VolumeRef{{VolumeID: "vol-1", Role: "root"}},
			NetworkRefs: []types.NetworkRef{{NetworkID: "net-1"}},
		}},
	})
	require.NoError(t, err)
	require.NoError(t, e.Apply(plan.ID))

	g, err := e.Snapshot()
	require.NoError(t, err)
	assert.Len(t, g.nodes, 3)
}

func TestPlanRejectsUnknownVolumeReference(t *testing.T) {
	store := newTestStore(t)
	e := NewEngine(store)

	_, err := e.Plan([]Op{
		{Action: ActionCreate, Kind: types.KindGuest, Guest: &types.Guest{
			ID:         "guest-1",
			VolumeRefs: []types.VolumeRef{{VolumeID: "missing-vol"}},
		}},
	})
	require.Error(t, err)
	assert.Equal(t, errkind.Validation, errkind.KindOf(err))
}

func TestPlanRejectsDeleteOfInUseVolume(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateVolume(&types.Volume{ID: "vol-1"}))
	require.NoError(t, store.CreateGuest(&types.Guest{
		ID:         "guest-1",
		VolumeRefs: []types.VolumeRef{{VolumeID: "vol-1"}},
	}))

	e := NewEngine(store)
	_, err := e.Plan([]Op{
		{Action: ActionDelete, Kind: types.KindVolume, ID: "vol-1"},
	})
	require.Error(t, err)
	assert.Equal(t, errkind.Conflict, errkind.KindOf(err))
}

func TestApplyFailsOnStalePlan(t *testing.T) {
	store := newTestStore(t)
	e := NewEngine(store)

	plan, err := e.Plan([]Op{
		{Action: ActionCreate, Kind: types.KindNetwork, Network: &types.Network{ID: "net-1"}},
	})
	require.NoError(t, err)

	// Mutate the desired graph out from under the plan.
	require.NoError(t, store.CreateVolume(&types.Volume{ID: "vol-1"}))

	err = e.Apply(plan.ID)
	require.Error(t, err)
	assert.Equal(t, errkind.Conflict, errkind.KindOf(err))
}

func TestValidateReportsOrphanVolume(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateVolume(&types.Volume{ID: "vol-orphan"}))

	e := NewEngine(store)
	warnings, err := e.Validate()
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, "vol-orphan", warnings[0].ResourceID)
}

func TestPlanRejectsDuplicateCreate(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateNetwork(&types.Network{ID: "net-1"}))

	e := NewEngine(store)
	_, err := e.Plan([]Op{
		{Action: ActionCreate, Kind: types.KindNetwork, Network: &types.Network{ID: "net-1"}},
	})
	require.Error(t, err)
	assert.Equal(t, errkind.Conflict, errkind.KindOf(err))
}

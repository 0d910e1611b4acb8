package events

import (
	"testing"
	"time"

	"github.com/rng-ops/infrasim/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	records []*types.ChangeRecord
}

func (f *fakeSource) ChangesSince(since uint64) ([]*types.ChangeRecord, error) {
	var out []*types.ChangeRecord
	for _, r := range f.records {
		if r.Seq > since {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeSource) LatestSeq() (uint64, error) {
	var max uint64
	for _, r := range f.records {
		if r.Seq > max {
			max = r.Seq
		}
	}
	return max, nil
}

func TestSubscribeReplaysChangelog(t *testing.T) {
	src := &fakeSource{records: []*types.ChangeRecord{
		{Seq: 1, ID: "g1", Kind: types.KindGuest, Op: types.ChangeOpCreate, Ts: time.Now()},
		{Seq: 2, ID: "g2", Kind: types.KindGuest, Op: types.ChangeOpCreate, Ts: time.Now()},
	}}
	bus := NewBus(src)
	bus.Start()
	defer bus.Stop()

	sub, err := bus.Subscribe(Filter{}, 0)
	require.NoError(t, err)

	e1 := <-sub
	e2 := <-sub
	assert.EqualValues(t, 1, e1.Seq)
	assert.EqualValues(t, 2, e2.Seq)
}

func TestSubscribeReplaysOnlyAfterSinceSeq(t *testing.T) {
	src := &fakeSource{records: []*types.ChangeRecord{
		{Seq: 1, ID: "g1", Kind: types.KindGuest, Op: types.ChangeOpCreate},
		{Seq: 2, ID: "g2", Kind: types.KindGuest, Op: types.ChangeOpCreate},
	}}
	bus := NewBus(src)
	bus.Start()
	defer bus.Stop()

	sub, err := bus.Subscribe(Filter{}, 1)
	require.NoError(t, err)

	e := <-sub
	assert.EqualValues(t, 2, e.Seq)
}

func TestFilterRestrictsToKind(t *testing.T) {
	src := &fakeSource{}
	bus := NewBus(src)
	bus.Start()
	defer bus.Stop()

	sub, err := bus.Subscribe(Filter{Kinds: []types.ResourceKind{types.KindNetwork}}, 0)
	require.NoError(t, err)

	bus.Publish(&types.Event{Seq: 1, Kind: types.KindGuest, ResourceID: "g1"})
	bus.Publish(&types.Event{Seq: 2, Kind: types.KindNetwork, ResourceID: "n1"})

	select {
	case e := <-sub:
		assert.Equal(t, types.KindNetwork, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(&fakeSource{})
	bus.Start()
	defer bus.Stop()

	sub, err := bus.Subscribe(Filter{}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(sub)
	assert.Equal(t, 0, bus.SubscriberCount())

	_, ok := <-sub
	assert.False(t, ok)
}

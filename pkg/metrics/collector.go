package metrics

import (
	"time"

	"github.com/rng-ops/infrasim/pkg/storage"
	"github.com/rng-ops/infrasim/pkg/types"
)

// Collector periodically samples the State Store and updates gauges; it
// replaces the teacher's manager-polling collector with one over the
// Store interface.
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
	onTick func()
}

// NewCollector creates a new metrics collector over store.
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// OnTick registers fn to run at the end of every collection cycle, for
// gauges Collector has no Store-backed source for (event bus subscriber
// count, component health).
func (c *Collector) OnTick(fn func()) {
	c.onTick = fn
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectGuestMetrics()
	c.collectNetworkMetrics()
	c.collectVolumeMetrics()
	c.collectSnapshotMetrics()
	if c.onTick != nil {
		c.onTick()
	}
}

func (c *Collector) collectGuestMetrics() {
	guests, err := c.store.ListGuests()
	if err != nil {
		return
	}

	counts := make(map[types.GuestState]int)
	for _, g := range guests {
		counts[g.ObservedState]++
	}
	for state, count := range counts {
		GuestsTotal.WithLabelValues(string(state)).Set(float64(count))
	}
}

func (c *Collector) collectNetworkMetrics() {
	networks, err := c.store.ListNetworks()
	if err != nil {
		return
	}
	NetworksTotal.Set(float64(len(networks)))
}

func (c *Collector) collectVolumeMetrics() {
	volumes, err := c.store.ListVolumes()
	if err != nil {
		return
	}
	VolumesTotal.Set(float64(len(volumes)))
}

func (c *Collector) collectSnapshotMetrics() {
	snapshots, err := c.store.ListSnapshots()
	if err != nil {
		return
	}
	SnapshotsTotal.Set(float64(len(snapshots)))
}

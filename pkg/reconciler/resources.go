package reconciler

import (
	"context"
	"time"

	"github.com/rng-ops/infrasim/pkg/errkind"
	"github.com/rng-ops/infrasim/pkg/log"
	"github.com/rng-ops/infrasim/pkg/metrics"
	"github.com/rng-ops/infrasim/pkg/types"
)

// reconcileNetwork converges a Network's observed_active flag toward
// desired_active. Bridge provisioning itself is host-networking setup
// outside the daemon's scope; this only flips the bookkeeping flag the
// Guest launch path checks.
func (r *Reconciler) reconcileNetwork(ctx context.Context, networkID string) {
	if !r.shouldAttempt("network:" + networkID) {
		return
	}

	net, err := r.store.GetNetwork(networkID)
	if errkind.Is(err, errkind.NotFound) {
		return
	}
	if err != nil {
		metrics.ReconciliationFailuresTotal.WithLabelValues(string(types.KindNetwork)).Inc()
		r.recordFailure("network:" + networkID)
		return
	}

	if net.ObservedActive == net.DesiredActive {
		r.recordSuccess("network:" + networkID)
		return
	}

	net.ObservedActive = net.DesiredActive
	if err := r.store.UpdateNetwork(net, net.Version); err != nil {
		metrics.ReconciliationFailuresTotal.WithLabelValues(string(types.KindNetwork)).Inc()
		r.recordFailure("network:" + networkID)
		log.WithResourceID(networkID).Warn().Err(err).Msg("network reconciliation failed")
		return
	}
	r.recordSuccess("network:" + networkID)
	r.publish(types.KindNetwork, types.ChangeOpUpdate, networkID, "observed_active updated")
}

// reconcileVolume verifies a digest-sourced Volume against the Artifact
// Store the first time it is seen. A verified volume is immutable and
// never re-verified; a failed verification leaves it unverified so the
// Guest launch path (buildGuestSpec) refuses to launch any guest that
// references it.
func (r *Reconciler) reconcileVolume(ctx context.Context, volumeID string) {
	if !r.shouldAttempt("volume:" + volumeID) {
		return
	}

	vol, err := r.store.GetVolume(volumeID)
	if errkind.Is(err, errkind.NotFound) {
		return
	}
	if err != nil {
		metrics.ReconciliationFailuresTotal.WithLabelValues(string(types.KindVolume)).Inc()
		r.recordFailure("volume:" + volumeID)
		return
	}

	if vol.SourceDigest == "" || vol.Verified || r.artifacts == nil {
		r.recordSuccess("volume:" + volumeID)
		return
	}

	if err := r.artifacts.Verify(vol.SourceDigest); err != nil {
		metrics.ReconciliationFailuresTotal.WithLabelValues(string(types.KindVolume)).Inc()
		r.recordFailure("volume:" + volumeID)
		log.WithResourceID(volumeID).Warn().Err(err).Msg("volume verification failed")
		return
	}

	vol.Verified = true
	vol.UpdatedAt = time.Now()
	if err := r.store.UpdateVolume(vol, vol.Version); err != nil {
		metrics.ReconciliationFailuresTotal.WithLabelValues(string(types.KindVolume)).Inc()
		r.recordFailure("volume:" + volumeID)
		return
	}
	r.recordSuccess("volume:" + volumeID)
	r.publish(types.KindVolume, types.ChangeOpUpdate, volumeID, "verified")
}

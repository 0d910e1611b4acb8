package reconciler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rng-ops/infrasim/pkg/errkind"
	"github.com/rng-ops/infrasim/pkg/hypervisor"
	"github.com/rng-ops/infrasim/pkg/log"
	"github.com/rng-ops/infrasim/pkg/metrics"
	"github.com/rng-ops/infrasim/pkg/types"
)

// reconcileGuest runs one convergence attempt for guestID, honouring its
// backoff window and recording the outcome.
func (r *Reconciler) reconcileGuest(ctx context.Context, guestID string) {
	if !r.shouldAttempt(guestID) {
		return
	}

	err := r.convergeGuest(ctx, guestID)
	if err != nil {
		metrics.ReconciliationFailuresTotal.WithLabelValues(string(types.KindGuest)).Inc()
		r.recordFailure(guestID)
		r.recordGuestError(guestID, err)
		log.WithGuestID(guestID).Warn().Err(err).Msg("guest reconciliation failed")
		return
	}
	r.recordSuccess(guestID)
}

// convergeGuest implements the desired/observed action table (spec §4.H):
// it loads the guest, decides the single next action, applies it through
// the Hypervisor Adapter, and persists the resulting observed state in one
// transaction that also advances last_reconciled_at and clears last_error.
func (r *Reconciler) convergeGuest(ctx context.Context, guestID string) error {
	guest, err := r.store.GetGuest(guestID)
	if errkind.Is(err, errkind.NotFound) {
		r.forgetGuest(guestID)
		return nil
	}
	if err != nil {
		return err
	}

	lastApplied := r.appliedGeneration(guestID)
	stable := guest.DesiredState == guest.ObservedState && lastApplied == guest.Generation

	switch {
	case stable:
		return nil

	case guest.DesiredState == types.GuestStateRunning && guest.ObservedState == types.GuestStateStopped:
		return r.launchGuest(ctx, guest)

	case guest.DesiredState == types.GuestStateRunning && guest.ObservedState == types.GuestStateRunning && lastApplied != guest.Generation:
		return r.updateOnlineOrRestart(ctx, guest)

	case guest.DesiredState == types.GuestStateStopped && guest.ObservedState == types.GuestStateRunning:
		return r.stopGuest(ctx, guest, hypervisor.StopGraceful)

	case guest.DesiredState == types.GuestStatePaused && guest.ObservedState == types.GuestStateRunning:
		return r.pauseGuest(ctx, guest)

	case guest.DesiredState == types.GuestStateRunning && guest.ObservedState == types.GuestStatePaused:
		return r.resumeGuest(ctx, guest)

	case guest.ObservedState == types.GuestStateCrashed && guest.DesiredState == types.GuestStateRunning:
		return r.launchGuest(ctx, guest)

	default:
		return nil
	}
}

func (r *Reconciler) launchGuest(ctx context.Context, guest *types.Guest) error {
	if guest.MonitorSocketPath == "" {
		guest.MonitorSocketPath = filepath.Join(r.runDir, guest.ID+".sock")
	}

	spec, err := r.buildGuestSpec(guest)
	if err != nil {
		return err
	}
	if len(guest.CloudInitBlob) > 0 {
		seedPath, err := r.writeCloudInitSeed(guest)
		if err != nil {
			return err
		}
		spec.CloudInitSeedPath = seedPath
	}

	timer := metrics.NewTimer()
	pid, err := r.adapter.Launch(ctx, spec)
	if err != nil {
		return err
	}
	timer.ObserveDuration(metrics.GuestLaunchDuration)

	if !guest.Qos.Disabled() {
		if err := r.shaper.Install(nicName(guest.ID), guest.Qos); err != nil {
			log.WithGuestID(guest.ID).Warn().Err(err).Msg("apply qos after launch")
		}
	}

	guest.PID = pid
	guest.ObservedState = types.GuestStateRunning
	guest.StartedAt = time.Now()
	guest.FailureCount = 0
	return r.commit(guest, "launched")
}

// updateOnlineOrRestart applies the only mutable field the adapter can
// change without a restart (QoS) when that is the only thing that drifted
// since the last applied generation; any other spec drift (vcpu, memory,
// volumes, networks, boot order, firmware profile) falls back to a
// stop-then-launch cycle, per the desired/observed action table.
func (r *Reconciler) updateOnlineOrRestart(ctx context.Context, guest *types.Guest) error {
	if specHash(guest) == r.appliedSpecHash(guest.ID) {
		if err := r.shaper.Update(nicName(guest.ID), guest.Qos); err != nil {
			return err
		}
		return r.commit(guest, "updated online")
	}

	if err := r.stopGuest(ctx, guest, hypervisor.StopGraceful); err != nil {
		return err
	}
	return r.launchGuest(ctx, guest)
}

func (r *Reconciler) stopGuest(ctx context.Context, guest *types.Guest, mode hypervisor.StopMode) error {
	timer := metrics.NewTimer()
	if err := r.adapter.Stop(ctx, guest.ID, mode, r.gracefulTimeout); err != nil {
		return err
	}
	timer.ObserveDuration(metrics.GuestStopDuration)

	if err := r.shaper.Remove(nicName(guest.ID)); err != nil {
		log.WithGuestID(guest.ID).Warn().Err(err).Msg("remove qos after stop")
	}

	guest.ObservedState = types.GuestStateStopped
	guest.FinishedAt = time.Now()
	return r.commit(guest, "stopped")
}

func (r *Reconciler) pauseGuest(ctx context.Context, guest *types.Guest) error {
	if err := r.adapter.Pause(ctx, guest.ID); err != nil {
		return err
	}
	guest.ObservedState = types.GuestStatePaused
	return r.commit(guest, "paused")
}

func (r *Reconciler) resumeGuest(ctx context.Context, guest *types.Guest) error {
	if err := r.adapter.Resume(ctx, guest.ID); err != nil {
		return err
	}
	guest.ObservedState = types.GuestStateRunning
	return r.commit(guest, "resumed")
}

// commit persists guest's new observed state, advances last_reconciled_at,
// clears last_error, and records the generation this attempt applied, all
// before publishing the transition.
func (r *Reconciler) commit(guest *types.Guest, message string) error {
	guest.LastError = ""
	guest.LastReconciledAt = time.Now()
	if err := r.store.UpdateGuest(guest, guest.Version); err != nil {
		return err
	}
	r.setApplied(guest.ID, guest.Generation, specHash(guest))
	r.publish(types.KindGuest, types.ChangeOpUpdate, guest.ID, message)
	return nil
}

// recordGuestError persists last_error and increments the failure counter
// on a best-effort basis; it re-reads the guest to avoid clobbering a
// version bumped by a concurrent command.
func (r *Reconciler) recordGuestError(guestID string, cause error) {
	guest, err := r.store.GetGuest(guestID)
	if err != nil {
		return
	}
	guest.LastError = cause.Error()
	guest.FailureCount++
	_ = r.store.UpdateGuest(guest, guest.Version)
}

func (r *Reconciler) buildGuestSpec(guest *types.Guest) (hypervisor.GuestSpec, error) {
	var drivePaths []string
	for _, ref := range guest.VolumeRefs {
		vol, err := r.store.GetVolume(ref.VolumeID)
		if err != nil {
			return hypervisor.GuestSpec{}, fmt.Errorf("resolve volume %s for guest %s: %w", ref.VolumeID, guest.ID, err)
		}
		if vol.SourceDigest != "" && !vol.Verified {
			return hypervisor.GuestSpec{}, errkind.Newf(errkind.Precondition, "volume %s is unverified, refusing to launch guest %s", vol.ID, guest.ID)
		}
		drivePaths = append(drivePaths, vol.LocalPath)
	}

	var nicBridges []string
	for _, ref := range guest.NetworkRefs {
		net, err := r.store.GetNetwork(ref.NetworkID)
		if err != nil {
			return hypervisor.GuestSpec{}, fmt.Errorf("resolve network %s for guest %s: %w", ref.NetworkID, guest.ID, err)
		}
		if !net.ObservedActive {
			return hypervisor.GuestSpec{}, errkind.Newf(errkind.Precondition, "network %s is not active, refusing to launch guest %s", net.ID, guest.ID)
		}
		bridge := net.Name
		if bridge == "" {
			bridge = net.ID
		}
		nicBridges = append(nicBridges, bridge)
	}

	return hypervisor.GuestSpec{
		GuestID:           guest.ID,
		Binary:            r.hypervisorBinary,
		MachineProfile:    guest.MachineProfile,
		VCPUCount:         guest.VCPUCount,
		MemoryBytes:       guest.MemoryBytes,
		FirmwarePath:      r.firmwarePath,
		DrivePaths:        drivePaths,
		NICBridges:        nicBridges,
		MonitorSocketPath: guest.MonitorSocketPath,
		ConsoleEndpoint:   guest.ConsoleEndpoint,
	}, nil
}

// writeCloudInitSeed decrypts guest.CloudInitBlob (stored encrypted at
// rest) and writes it to a per-guest seed file the Hypervisor Adapter can
// hand to the guest at boot. Overwritten on every launch so a relaunch
// always picks up the current decrypted blob.
func (r *Reconciler) writeCloudInitSeed(guest *types.Guest) (string, error) {
	blob := guest.CloudInitBlob
	if r.cloudInit != nil {
		decrypted, err := r.cloudInit.Decrypt(guest.CloudInitBlob)
		if err != nil {
			return "", fmt.Errorf("decrypt cloud-init blob for guest %s: %w", guest.ID, err)
		}
		blob = decrypted
	}
	path := filepath.Join(r.runDir, guest.ID+".cloudinit")
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return "", fmt.Errorf("write cloud-init seed for guest %s: %w", guest.ID, err)
	}
	return path, nil
}

// specHash summarizes the fields of guest that the adapter cannot change on
// a running process, so updateOnlineOrRestart can tell a QoS-only edit apart
// from drift that requires a stop-then-launch cycle.
func specHash(guest *types.Guest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d|%s|%v|%v|%v",
		guest.MachineProfile, guest.VCPUCount, guest.MemoryBytes, guest.FirmwareProfile,
		guest.BootOrder, guest.VolumeRefs, guest.NetworkRefs)
	return hex.EncodeToString(h.Sum(nil))
}

// ReattachAll rebuilds the Hypervisor Adapter's in-memory handle for every
// Guest this daemon believes is running or starting, using the pid recorded
// at launch (spec invariant 3: handles are caches reconstructible from the
// State Store after a restart). A guest whose recorded process is gone, or
// was never recorded, is marked crashed so the normal convergence table
// relaunches it on the next cycle. Call once at startup, before Start.
func (r *Reconciler) ReattachAll(ctx context.Context) {
	guests, err := r.store.ListGuests()
	if err != nil {
		log.WithComponent("reconciler").Error().Err(err).Msg("list guests for reattach")
		return
	}

	for _, guest := range guests {
		if guest.ObservedState != types.GuestStateRunning && guest.ObservedState != types.GuestStateStarting {
			continue
		}
		if guest.PID == 0 {
			r.markCrashed(guest, "no recorded pid to reattach after restart")
			continue
		}

		if err := r.adapter.Reattach(ctx, guest.ID, guest.PID, guest.MonitorSocketPath, guest.ConsoleEndpoint); err != nil {
			log.WithGuestID(guest.ID).Warn().Err(err).Msg("reattach failed, marking crashed")
			r.markCrashed(guest, err.Error())
			continue
		}

		// The state store reflects the generation that was successfully
		// applied before the restart, so treat it as already converged
		// rather than replaying updateOnlineOrRestart against it.
		r.setApplied(guest.ID, guest.Generation, specHash(guest))
		log.WithGuestID(guest.ID).Info().Int("pid", guest.PID).Msg("reattached to running guest process")
	}
}

func (r *Reconciler) markCrashed(guest *types.Guest, reason string) {
	guest.ObservedState = types.GuestStateCrashed
	guest.LastError = reason
	guest.FinishedAt = time.Now()
	if err := r.store.UpdateGuest(guest, guest.Version); err != nil {
		log.WithGuestID(guest.ID).Warn().Err(err).Msg("record guest as crashed after failed reattach")
	}
}

func nicName(guestID string) string {
	if len(guestID) > 8 {
		return "vnic-" + guestID[:8]
	}
	return "vnic-" + guestID
}

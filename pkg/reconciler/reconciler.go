// Package reconciler implements the Reconciler: a continuous loop that
// diffs desired state against observed state for every Guest, Network, and
// Volume and drives the Hypervisor Adapter, Traffic Shaper, and Artifact
// Store to close the gap. Grounded on the teacher's reconciler loop shape
// (ticker-driven, per-kind dispatch, metrics-wrapped cycle) generalized
// from a node/container state machine to the Guest state machine.
package reconciler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rng-ops/infrasim/pkg/cas"
	"github.com/rng-ops/infrasim/pkg/events"
	"github.com/rng-ops/infrasim/pkg/hypervisor"
	"github.com/rng-ops/infrasim/pkg/log"
	"github.com/rng-ops/infrasim/pkg/metrics"
	"github.com/rng-ops/infrasim/pkg/qos"
	"github.com/rng-ops/infrasim/pkg/security"
	"github.com/rng-ops/infrasim/pkg/storage"
	"github.com/rng-ops/infrasim/pkg/types"
	"golang.org/x/sync/errgroup"
)

const (
	backoffInitial = time.Second
	backoffCap     = 5 * time.Minute
)

// backoffState tracks the next retry delay for one resource id.
type backoffState struct {
	next  time.Duration
	until time.Time
}

// appliedRecord tracks the generation and spec hash the reconciler last
// successfully converged for a guest, so a later cycle can tell a QoS-only
// edit apart from drift that needs a stop-then-launch cycle.
type appliedRecord struct {
	generation uint64
	specHash   string
}

// Reconciler converges observed state toward desired state for every Guest,
// Network, and Volume in the State Store. It exposes no synchronous API:
// callers drive it only through Notify (a wake signal) and Cancel (to stop
// in-flight work ahead of a delete).
type Reconciler struct {
	store     storage.Store
	adapter   *hypervisor.Adapter
	bus       *events.Bus
	shaper    *qos.Shaper
	artifacts *cas.Store
	cloudInit *security.CloudInitCipher

	tickInterval     time.Duration
	concurrency      int
	gracefulTimeout  time.Duration
	hypervisorBinary string
	firmwarePath     string
	runDir           string

	mu       sync.Mutex
	inFlight map[string]struct{}
	cancels  map[string]context.CancelFunc
	backoff  map[string]*backoffState
	applied  map[string]appliedRecord // guest id -> last generation/spec successfully converged

	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Reconciler. artifacts may be nil if no volume is ever
// sourced from a CAS digest. cloudInit may be nil if no guest is ever
// launched with a cloud-init blob.
func New(store storage.Store, adapter *hypervisor.Adapter, bus *events.Bus, shaper *qos.Shaper, artifacts *cas.Store, cloudInit *security.CloudInitCipher, tickInterval time.Duration, concurrency int, gracefulTimeout time.Duration, hypervisorBinary, firmwarePath, runDir string) *Reconciler {
	if concurrency <= 0 {
		concurrency = 1
	}
	if tickInterval <= 0 {
		tickInterval = 5 * time.Second
	}
	return &Reconciler{
		store:            store,
		adapter:          adapter,
		bus:              bus,
		shaper:           shaper,
		artifacts:        artifacts,
		cloudInit:        cloudInit,
		tickInterval:     tickInterval,
		concurrency:      concurrency,
		gracefulTimeout:  gracefulTimeout,
		hypervisorBinary: hypervisorBinary,
		firmwarePath:     firmwarePath,
		runDir:           runDir,
		inFlight:         make(map[string]struct{}),
		cancels:          make(map[string]context.CancelFunc),
		backoff:          make(map[string]*backoffState),
		applied:          make(map[string]appliedRecord),
		wake:             make(chan struct{}, 1),
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
}

// Start begins the convergence loop in a background goroutine.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop halts the convergence loop and waits for the in-flight cycle, if
// any, to finish.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// Notify wakes the reconciler for an immediate cycle, coalescing with any
// already-pending wake. Called on a changelog signal, a guest-exit event,
// and a plan-apply commit.
func (r *Reconciler) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Cancel stops in-flight reconciliation work for id, if any is running. A
// delete command calls this before tearing a resource down itself, so the
// reconciler never races a delete with a launch or stop it already started.
func (r *Reconciler) Cancel(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.cancels[id]; ok {
		cancel()
	}
}

func (r *Reconciler) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.cycle()
		case <-r.wake:
			r.cycle()
		case <-r.stopCh:
			return
		}
	}
}

// cycle reconciles every Guest, Network, and Volume once. Different
// resources converge concurrently up to the configured fan-out; the same
// resource is never reconciled by two goroutines at once.
func (r *Reconciler) cycle() {
	timer := metrics.NewTimer()

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(r.concurrency)

	guests, err := r.store.ListGuests()
	if err != nil {
		log.WithComponent("reconciler").Error().Err(err).Msg("list guests")
	}
	for _, guest := range guests {
		id := guest.ID
		workCtx, ok := r.acquire(id, ctx)
		if !ok {
			continue
		}
		g.Go(func() error {
			defer r.release(id)
			r.reconcileGuest(workCtx, id)
			return nil
		})
	}

	networks, err := r.store.ListNetworks()
	if err != nil {
		log.WithComponent("reconciler").Error().Err(err).Msg("list networks")
	}
	for _, n := range networks {
		id := "network:" + n.ID
		workCtx, ok := r.acquire(id, ctx)
		if !ok {
			continue
		}
		netID := n.ID
		g.Go(func() error {
			defer r.release(id)
			r.reconcileNetwork(workCtx, netID)
			return nil
		})
	}

	volumes, err := r.store.ListVolumes()
	if err != nil {
		log.WithComponent("reconciler").Error().Err(err).Msg("list volumes")
	}
	for _, v := range volumes {
		id := "volume:" + v.ID
		workCtx, ok := r.acquire(id, ctx)
		if !ok {
			continue
		}
		volID := v.ID
		g.Go(func() error {
			defer r.release(id)
			r.reconcileVolume(workCtx, volID)
			return nil
		})
	}

	_ = g.Wait()

	metrics.ReconciliationDuration.Observe(timer.Duration().Seconds())
	metrics.ReconciliationCyclesTotal.Inc()
}

// acquire marks id as in-flight and returns a cancellable context derived
// from parent, or false if id is already being reconciled.
func (r *Reconciler) acquire(id string, parent context.Context) (context.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.inFlight[id]; busy {
		return nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	r.inFlight[id] = struct{}{}
	r.cancels[id] = cancel
	return ctx, true
}

func (r *Reconciler) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.cancels[id]; ok {
		cancel()
		delete(r.cancels, id)
	}
	delete(r.inFlight, id)
}

func (r *Reconciler) shouldAttempt(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.backoff[id]
	if !ok {
		return true
	}
	return !time.Now().Before(b.until)
}

func (r *Reconciler) recordFailure(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.backoff[id]
	if !ok {
		b = &backoffState{next: backoffInitial}
	} else {
		b.next *= 2
		if b.next > backoffCap {
			b.next = backoffCap
		}
	}
	b.until = time.Now().Add(b.next)
	r.backoff[id] = b
}

func (r *Reconciler) recordSuccess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.backoff, id)
}

func (r *Reconciler) appliedGeneration(guestID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applied[guestID].generation
}

func (r *Reconciler) appliedSpecHash(guestID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applied[guestID].specHash
}

func (r *Reconciler) setApplied(guestID string, gen uint64, hash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied[guestID] = appliedRecord{generation: gen, specHash: hash}
}

func (r *Reconciler) forgetGuest(guestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.applied, guestID)
	delete(r.backoff, guestID)
}

// OnGuestExit is wired as the Hypervisor Adapter's exit callback. It flips
// the guest's observed state (crashed for an unexpected exit, stopped for
// an expected one) and wakes the reconciler so the next action is decided
// without waiting for the periodic tick.
func (r *Reconciler) OnGuestExit(ev hypervisor.ExitEvent) {
	guest, err := r.store.GetGuest(ev.GuestID)
	if err != nil {
		return
	}

	newState := types.GuestStateStopped
	if strings.HasPrefix(ev.Reason, "unexpected exit") {
		newState = types.GuestStateCrashed
	}

	guest.ObservedState = newState
	guest.LastError = ev.Reason
	guest.FinishedAt = time.Now()
	if err := r.store.UpdateGuest(guest, guest.Version); err != nil {
		log.WithGuestID(ev.GuestID).Warn().Err(err).Msg("record guest exit")
	}
	r.publish(types.KindGuest, types.ChangeOpUpdate, ev.GuestID, "guest exited: "+ev.Reason)
	r.Notify()
}

func (r *Reconciler) publish(kind types.ResourceKind, op types.ChangeOp, id, message string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(&types.Event{
		Ts:         time.Now(),
		Kind:       kind,
		Op:         op,
		ResourceID: id,
		Message:    message,
	})
}

// Package daemon wires every core component into a single lifecycle:
// State Store, Artifact Store, Crypto Service, Hypervisor Adapter, Traffic
// Shaper, Resource Graph & Plan Engine, Reconciler, Event Bus, and Command
// Interface. Grounded on the teacher's worker/manager start-stop shape in
// cmd/warren/main.go's workerStartCmd: build every dependency, start
// background loops, wait for a signal, shut down in reverse order.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rng-ops/infrasim/pkg/cas"
	"github.com/rng-ops/infrasim/pkg/command"
	"github.com/rng-ops/infrasim/pkg/config"
	"github.com/rng-ops/infrasim/pkg/cryptosvc"
	"github.com/rng-ops/infrasim/pkg/events"
	"github.com/rng-ops/infrasim/pkg/graph"
	"github.com/rng-ops/infrasim/pkg/hypervisor"
	"github.com/rng-ops/infrasim/pkg/log"
	"github.com/rng-ops/infrasim/pkg/metrics"
	"github.com/rng-ops/infrasim/pkg/qos"
	"github.com/rng-ops/infrasim/pkg/reconciler"
	"github.com/rng-ops/infrasim/pkg/security"
	"github.com/rng-ops/infrasim/pkg/storage"
)

// Daemon is the assembled infrasimd process: every core component plus the
// background loops that keep them alive.
type Daemon struct {
	cfg     *config.Config
	Command *command.Service

	store      storage.Store
	bus        *events.Bus
	adapter    *hypervisor.Adapter
	shaper     *qos.Shaper
	artifacts  *cas.Store
	crypto     *cryptosvc.Service
	cloudInit  *security.CloudInitCipher
	graph      *graph.Engine
	reconciler *reconciler.Reconciler
	health     *HealthServer
	collector  *metrics.Collector
}

// New builds every core component from cfg but starts nothing yet.
func New(cfg *config.Config, version string) (*Daemon, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	stateDir := filepath.Join(cfg.DataDir, "state")
	objectsDir := filepath.Join(cfg.DataDir, "objects")
	runDir := filepath.Join(cfg.DataDir, "run")
	for _, dir := range []string{stateDir, objectsDir, runDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	store, err := storage.NewBoltStore(stateDir)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	artifacts, err := cas.New(objectsDir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open artifact store: %w", err)
	}

	crypto, err := cryptosvc.Bootstrap(cfg.DataDir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("bootstrap crypto service: %w", err)
	}

	cloudInit, err := security.Bootstrap(cfg.DataDir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("bootstrap cloud-init cipher: %w", err)
	}

	bus := events.NewBus(store)
	shaper := qos.New()
	graphEngine := graph.NewEngine(store)

	// The Hypervisor Adapter's exit callback must forward into the
	// Reconciler, but the Reconciler needs the Adapter to exist first.
	// recon is filled in immediately below and never reassigned after.
	var recon *reconciler.Reconciler
	adapter := hypervisor.New(func(ev hypervisor.ExitEvent) {
		if recon != nil {
			recon.OnGuestExit(ev)
		}
	})

	recon = reconciler.New(store, adapter, bus, shaper, artifacts, cloudInit,
		cfg.ReconcileTickInterval, cfg.ReconcileConcurrency, cfg.GracefulStopTimeout,
		cfg.HypervisorBinary, cfg.FirmwarePath, runDir)

	cmdService := command.New(store, graphEngine, bus, recon, adapter, shaper, artifacts, crypto, cloudInit, cfg.GracefulStopTimeout, version)

	d := &Daemon{
		cfg:        cfg,
		Command:    cmdService,
		store:      store,
		bus:        bus,
		adapter:    adapter,
		shaper:     shaper,
		artifacts:  artifacts,
		crypto:     crypto,
		cloudInit:  cloudInit,
		graph:      graphEngine,
		reconciler: recon,
		collector:  metrics.NewCollector(store),
	}
	d.health = NewHealthServer(d, version)
	d.collector.OnTick(func() {
		metrics.EventBusSubscribers.Set(float64(d.bus.SubscriberCount()))
		d.health.updateStorageHealth()
	})
	return d, nil
}

// Start reattaches to any guest process left running by a prior daemon
// instance, then begins every background loop: the Event Bus fanout, the
// Reconciler's convergence loop, the metrics collector, and the
// health/metrics HTTP server.
func (d *Daemon) Start() error {
	d.bus.Start()
	d.reconciler.ReattachAll(context.Background())
	d.reconciler.Start()
	d.collector.Start()

	if d.cfg.ListenAddress != "" {
		go func() {
			if err := d.health.Start(d.cfg.ListenAddress); err != nil {
				log.WithComponent("daemon").Error().Err(err).Msg("health server stopped")
			}
		}()
	}
	return nil
}

// Shutdown stops every background loop in the reverse of the order Start
// began them, then closes the State Store.
func (d *Daemon) Shutdown(ctx context.Context) error {
	if err := d.health.Shutdown(ctx); err != nil {
		log.WithComponent("daemon").Warn().Err(err).Msg("health server shutdown")
	}

	d.collector.Stop()
	d.reconciler.Stop()
	d.bus.Stop()
	return d.store.Close()
}

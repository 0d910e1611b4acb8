// Package command implements the Command Interface: the synchronous, typed
// boundary external adapters call into. One function per resource kind per
// operation, plus graph plan/apply/validate and event subscription.
// Grounded on the teacher's Server in pkg/api/server.go — one method per
// RPC, ensureLeader-style precondition checks up front, request fields
// copied into a domain struct before the call into the core — generalized
// from gRPC request/response types to direct Go parameters since the wire
// transport is out of scope here.
package command

import (
	"time"

	"github.com/rng-ops/infrasim/pkg/cas"
	"github.com/rng-ops/infrasim/pkg/cryptosvc"
	"github.com/rng-ops/infrasim/pkg/events"
	"github.com/rng-ops/infrasim/pkg/graph"
	"github.com/rng-ops/infrasim/pkg/hypervisor"
	"github.com/rng-ops/infrasim/pkg/metrics"
	"github.com/rng-ops/infrasim/pkg/qos"
	"github.com/rng-ops/infrasim/pkg/reconciler"
	"github.com/rng-ops/infrasim/pkg/security"
	"github.com/rng-ops/infrasim/pkg/storage"
	"github.com/rng-ops/infrasim/pkg/types"
)

// Service is the Command Interface. It is the only entry point daemon
// adapters (RPC/HTTP servers, CLI-over-loopback, tests) use to reach the
// core.
type Service struct {
	store      storage.Store
	graph      *graph.Engine
	bus        *events.Bus
	reconciler *reconciler.Reconciler
	adapter    *hypervisor.Adapter
	shaper     *qos.Shaper
	artifacts  *cas.Store
	crypto     *cryptosvc.Service
	cloudInit  *security.CloudInitCipher

	daemonVersion       string
	gracefulStopTimeout time.Duration
}

// New builds a Command Interface over the given core components.
// gracefulStopTimeout bounds how long DeleteVM waits for a running guest to
// shut down on its own before forcing it, mirroring the Reconciler's own
// graceful-stop escalation.
func New(
	store storage.Store,
	graphEngine *graph.Engine,
	bus *events.Bus,
	recon *reconciler.Reconciler,
	adapter *hypervisor.Adapter,
	shaper *qos.Shaper,
	artifacts *cas.Store,
	crypto *cryptosvc.Service,
	cloudInit *security.CloudInitCipher,
	gracefulStopTimeout time.Duration,
	daemonVersion string,
) *Service {
	return &Service{
		store:               store,
		graph:               graphEngine,
		bus:                 bus,
		reconciler:          recon,
		adapter:             adapter,
		shaper:              shaper,
		artifacts:           artifacts,
		crypto:              crypto,
		cloudInit:           cloudInit,
		gracefulStopTimeout: gracefulStopTimeout,
		daemonVersion:       daemonVersion,
	}
}

// instrument wraps fn with the Command Interface's request-count and
// duration metrics, labelled by operation.
func instrument(op string, fn func() error) error {
	timer := metrics.NewTimer()
	err := fn()

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.CommandRequestsTotal.WithLabelValues(op, status).Inc()
	timer.ObserveDurationVec(metrics.CommandRequestDuration, op)
	return err
}

func (s *Service) publish(kind types.ResourceKind, op types.ChangeOp, id, message string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(&types.Event{
		Ts:         time.Now(),
		Kind:       kind,
		Op:         op,
		ResourceID: id,
		Message:    message,
	})
}

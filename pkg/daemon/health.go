package daemon

import (
	"context"
	"net/http"
	"time"

	"github.com/rng-ops/infrasim/pkg/metrics"
)

// HealthServer exposes /health, /ready, /live, and /metrics over the
// daemon's listen address. Grounded on the teacher's health.go HTTP handler
// shape; the component health checker itself is the teacher's
// pkg/metrics.HealthChecker, registered here with this daemon's own
// critical components instead of left unwired.
type HealthServer struct {
	daemon *Daemon
	mux    *http.ServeMux
	server *http.Server
}

// NewHealthServer builds the health/metrics mux without starting to listen,
// and registers the components GetReadiness checks for.
func NewHealthServer(d *Daemon, version string) *HealthServer {
	metrics.SetVersion(version)
	metrics.RegisterComponent("storage", true, "")
	metrics.RegisterComponent("hypervisor", true, "")
	metrics.RegisterComponent("command", true, "")

	mux := http.NewServeMux()
	hs := &HealthServer{daemon: d, mux: mux}
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	mux.Handle("/metrics", metrics.Handler())
	return hs
}

// Start blocks serving on addr until Shutdown is called.
func (hs *HealthServer) Start(addr string) error {
	hs.server = &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	err := hs.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the health server, if it was started.
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	if hs.server == nil {
		return nil
	}
	return hs.server.Shutdown(ctx)
}

// updateStorageHealth refreshes the "storage" component GetReadiness checks,
// so a caller behind a load balancer doesn't get routed to a daemon whose
// bbolt file failed a read.
func (hs *HealthServer) updateStorageHealth() {
	if _, err := hs.daemon.store.ListGuests(); err != nil {
		metrics.UpdateComponent("storage", false, err.Error())
		return
	}
	metrics.UpdateComponent("storage", true, "")
}

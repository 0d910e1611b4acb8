package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/rng-ops/infrasim/pkg/command"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rng-ops/infrasim/pkg/config"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	cfg.ListenAddress = ""
	cfg.ReconcileTickInterval = time.Hour

	d, err := New(cfg, "test-version")
	require.NoError(t, err)
	return d
}

func TestNewWiresCommandService(t *testing.T) {
	d := newTestDaemon(t)
	require.NotNil(t, d.Command)

	status, err := d.Command.Status()
	require.NoError(t, err)
	assert.Equal(t, "test-version", status.Version)
}

func TestStartAndShutdown(t *testing.T) {
	d := newTestDaemon(t)
	require.NoError(t, d.Start())

	_, err := d.Command.CreateVM(command.CreateVMRequest{Name: "web-1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
}

// Package hypervisor implements the Hypervisor Adapter: it spawns and
// supervises the external guest-runtime binary per Guest, speaks its
// length-delimited JSON monitor protocol over a unix socket, and exposes
// launch/stop/pause/resume/snapshot/restore/qos_apply/status. Grounded on
// the teacher's containerd runtime's SIGTERM-then-SIGKILL stop escalation
// and the worker's ticker-poll supervision loop.
package hypervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rng-ops/infrasim/pkg/errkind"
	"github.com/rng-ops/infrasim/pkg/log"
	"github.com/rng-ops/infrasim/pkg/types"
)

// StopMode selects how a guest is asked to power off.
type StopMode string

const (
	StopGraceful StopMode = "graceful"
	StopForce    StopMode = "force"
)

const defaultGracefulTimeout = 30 * time.Second

// GuestSpec is the resolved argument material for one launch: Volume and
// Network references have already been turned into host paths and bridge
// names by the caller (the reconciler).
type GuestSpec struct {
	GuestID           string
	Binary            string
	MachineProfile    string
	VCPUCount         int
	MemoryBytes       int64
	FirmwarePath      string
	DrivePaths        []string
	NICBridges        []string
	MonitorSocketPath string
	ConsoleEndpoint   string
	CloudInitSeedPath string
}

// SnapshotSpec describes what a snapshot should capture.
type SnapshotSpec struct {
	IncludeMemory bool
	IncludeDisk   bool
	DiskPath      string
	MemoryPath    string
}

// Status is the adapter's point-in-time view of a running guest.
type Status struct {
	ProcessState    types.GuestState
	Uptime          time.Duration
	ConsoleEndpoint string
}

// ExitEvent is posted when a guest process exits, expectedly or not.
type ExitEvent struct {
	GuestID string
	Code    int
	Reason  string
}

// handle is the adapter's internal bookkeeping for one running guest. cmd is
// nil for a handle rebuilt by Reattach, since that process is not a child of
// this daemon instance and cannot be waited on with cmd.Wait.
type handle struct {
	guestID  string
	cmd      *exec.Cmd
	process  *os.Process
	monitor  *monitorConn
	state    types.GuestState
	startAt  time.Time
	console  string
	sockPath string
	exited   chan struct{}
}

// Adapter supervises every running guest process on the host.
type Adapter struct {
	mu      sync.Mutex
	handles map[string]*handle

	onExit func(ExitEvent)
}

// New builds an Adapter. onExit is invoked (from a background goroutine)
// whenever a supervised guest process exits.
func New(onExit func(ExitEvent)) *Adapter {
	return &Adapter{
		handles: make(map[string]*handle),
		onExit:  onExit,
	}
}

// Launch spawns the guest-runtime binary for spec, waits for the monitor
// handshake, and returns the child's pid once the guest is running. The
// caller persists the pid so a later daemon restart can reattach to the
// still-running process via Reattach.
func (a *Adapter) Launch(ctx context.Context, spec GuestSpec) (int, error) {
	args := buildArgs(spec)
	cmd := exec.Command(spec.Binary, args...)

	if err := cmd.Start(); err != nil {
		return 0, errkind.Newf(errkind.External, "spawn guest runtime for %s: %v", spec.GuestID, err)
	}

	h := &handle{
		guestID:  spec.GuestID,
		cmd:      cmd,
		process:  cmd.Process,
		state:    types.GuestStateStarting,
		startAt:  time.Now(),
		console:  spec.ConsoleEndpoint,
		sockPath: spec.MonitorSocketPath,
		exited:   make(chan struct{}),
	}

	a.mu.Lock()
	a.handles[spec.GuestID] = h
	a.mu.Unlock()

	go a.supervise(h)

	mc, err := a.waitForMonitor(ctx, spec.MonitorSocketPath)
	if err != nil {
		_ = a.killHandle(h)
		return cmd.Process.Pid, errkind.Newf(errkind.External, "monitor handshake for %s: %v", spec.GuestID, err)
	}

	a.mu.Lock()
	h.monitor = mc
	h.state = types.GuestStateRunning
	a.mu.Unlock()

	return cmd.Process.Pid, nil
}

const reattachPollInterval = time.Second

// Reattach rebuilds an in-memory handle for a guest whose process predates
// this Adapter instance (spec invariant 3: handles are caches reconstructible
// from the State Store after a daemon restart). It verifies pid is still
// alive and redials the guest's monitor socket; it returns an error if the
// process is gone, so the caller can mark the guest crashed and let the
// convergence table relaunch it.
func (a *Adapter) Reattach(ctx context.Context, guestID string, pid int, monitorSocketPath, consoleEndpoint string) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return errkind.Newf(errkind.NotFound, "guest %s process %d not found: %v", guestID, pid, err)
	}
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return errkind.Newf(errkind.NotFound, "guest %s process %d is not running: %v", guestID, pid, err)
	}

	mc, err := dialMonitor(ctx, monitorSocketPath)
	if err != nil {
		return errkind.Newf(errkind.External, "reattach monitor for guest %s: %v", guestID, err)
	}
	if err := mc.Handshake(ctx); err != nil {
		mc.Close()
		return errkind.Newf(errkind.External, "reattach handshake for guest %s: %v", guestID, err)
	}

	h := &handle{
		guestID:  guestID,
		process:  process,
		monitor:  mc,
		state:    types.GuestStateRunning,
		startAt:  time.Now(),
		console:  consoleEndpoint,
		sockPath: monitorSocketPath,
		exited:   make(chan struct{}),
	}

	a.mu.Lock()
	a.handles[guestID] = h
	a.mu.Unlock()

	go a.superviseReattached(h)
	return nil
}

// waitForMonitor polls for the monitor socket to appear, then dials and
// handshakes, mirroring the teacher's readiness-polling pattern.
func (a *Adapter) waitForMonitor(ctx context.Context, socketPath string) (*monitorConn, error) {
	deadline := time.Now().Add(handshakeTimeout)
	for {
		if _, err := os.Stat(socketPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("monitor socket %s never appeared", socketPath)
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	mc, err := dialMonitor(ctx, socketPath)
	if err != nil {
		return nil, err
	}
	if err := mc.Handshake(ctx); err != nil {
		mc.Close()
		return nil, err
	}
	return mc, nil
}

// supervise waits for the guest process to exit and reports the reason. An
// exit while the adapter still believes the guest is running or starting is
// unexpected and surfaces as "crashed".
func (a *Adapter) supervise(h *handle) {
	err := h.cmd.Wait()
	close(h.exited)

	code := 0
	reason := "exited"
	if err != nil {
		reason = err.Error()
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	a.finishExit(h, code, reason)
}

// superviseReattached polls a reattached process for liveness, since
// cmd.Wait only works on a child of this process and a reattached guest's
// runtime binary predates this Adapter instance.
func (a *Adapter) superviseReattached(h *handle) {
	ticker := time.NewTicker(reattachPollInterval)
	defer ticker.Stop()
	for range ticker.C {
		if err := h.process.Signal(syscall.Signal(0)); err != nil {
			break
		}
	}
	close(h.exited)
	a.finishExit(h, -1, "exited")
}

func (a *Adapter) finishExit(h *handle, code int, reason string) {
	a.mu.Lock()
	prevState := h.state
	delete(a.handles, h.guestID)
	a.mu.Unlock()

	cleanupSocket(h.sockPath)
	if h.monitor != nil {
		h.monitor.Close()
	}

	if prevState != types.GuestStateStopping && prevState != types.GuestStateStopped {
		reason = "unexpected exit: " + reason
		log.WithGuestID(h.guestID).Warn().Int("code", code).Msg("guest process exited unexpectedly")
	}

	if a.onExit != nil {
		a.onExit(ExitEvent{GuestID: h.guestID, Code: code, Reason: reason})
	}
}

// Stop asks the guest to power off. Graceful mode sends SIGTERM and waits
// up to gracefulTimeout before escalating to SIGKILL; force mode sends
// SIGKILL immediately. A non-positive gracefulTimeout falls back to
// defaultGracefulTimeout.
func (a *Adapter) Stop(ctx context.Context, guestID string, mode StopMode, gracefulTimeout time.Duration) error {
	a.mu.Lock()
	h, ok := a.handles[guestID]
	if ok {
		h.state = types.GuestStateStopping
	}
	a.mu.Unlock()
	if !ok {
		return nil // already stopped
	}

	if mode == StopForce {
		return a.killHandle(h)
	}

	if gracefulTimeout <= 0 {
		gracefulTimeout = defaultGracefulTimeout
	}

	if err := h.process.Signal(syscall.SIGTERM); err != nil {
		return errkind.Newf(errkind.External, "signal guest %s: %v", guestID, err)
	}

	select {
	case <-h.exited:
		return nil
	case <-time.After(gracefulTimeout):
		return a.killHandle(h)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) killHandle(h *handle) error {
	if h.process == nil {
		return nil
	}
	if err := h.process.Signal(syscall.SIGKILL); err != nil && err != os.ErrProcessDone {
		return errkind.Newf(errkind.External, "force kill guest %s: %v", h.guestID, err)
	}
	return nil
}

// Pause suspends a running guest via the monitor protocol.
func (a *Adapter) Pause(ctx context.Context, guestID string) error {
	mc, err := a.monitorFor(guestID)
	if err != nil {
		return err
	}
	if _, err := mc.Send(ctx, "pause", nil); err != nil {
		return errkind.Newf(errkind.External, "pause guest %s: %v", guestID, err)
	}
	a.setState(guestID, types.GuestStatePaused)
	return nil
}

// Resume unsuspends a paused guest via the monitor protocol.
func (a *Adapter) Resume(ctx context.Context, guestID string) error {
	mc, err := a.monitorFor(guestID)
	if err != nil {
		return err
	}
	if _, err := mc.Send(ctx, "resume", nil); err != nil {
		return errkind.Newf(errkind.External, "resume guest %s: %v", guestID, err)
	}
	a.setState(guestID, types.GuestStateRunning)
	return nil
}

// Snapshot asks the monitor to capture disk and/or memory state per spec,
// returning the artifact paths it wrote.
func (a *Adapter) Snapshot(ctx context.Context, guestID string, spec SnapshotSpec) ([]string, error) {
	mc, err := a.monitorFor(guestID)
	if err != nil {
		return nil, err
	}
	result, err := mc.Send(ctx, "snapshot", spec)
	if err != nil {
		return nil, errkind.Newf(errkind.External, "snapshot guest %s: %v", guestID, err)
	}

	var paths struct {
		Paths []string `json:"paths"`
	}
	if err := unmarshalResult(result, &paths); err != nil {
		return nil, err
	}
	return paths.Paths, nil
}

// Restore asks the monitor to load a previously captured snapshot.
func (a *Adapter) Restore(ctx context.Context, guestID string, snap SnapshotSpec) error {
	mc, err := a.monitorFor(guestID)
	if err != nil {
		return err
	}
	if _, err := mc.Send(ctx, "restore", snap); err != nil {
		return errkind.Newf(errkind.External, "restore guest %s: %v", guestID, err)
	}
	return nil
}

// QosApplyPayload is the rule set sent to the monitor's qos_apply command.
// Rules are always fully replaced, never incrementally adjusted.
type QosApplyPayload struct {
	NIC           string `json:"nic"`
	LatencyMs     int    `json:"latency_ms"`
	JitterMs      int    `json:"jitter_ms"`
	LossPPM       int    `json:"loss_ppm"`
	BandwidthKbps int    `json:"bandwidth_kbps"`
}

// QosApply replaces the guest's traffic-shaping rule set.
func (a *Adapter) QosApply(ctx context.Context, guestID string, payload QosApplyPayload) error {
	mc, err := a.monitorFor(guestID)
	if err != nil {
		return err
	}
	if _, err := mc.Send(ctx, "qos_apply", payload); err != nil {
		return errkind.Newf(errkind.External, "apply qos for guest %s: %v", guestID, err)
	}
	return nil
}

// StatusOf reports the adapter's current view of guestID.
func (a *Adapter) StatusOf(guestID string) (Status, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	h, ok := a.handles[guestID]
	if !ok {
		return Status{ProcessState: types.GuestStateStopped}, false
	}
	return Status{
		ProcessState:    h.state,
		Uptime:          time.Since(h.startAt),
		ConsoleEndpoint: h.console,
	}, true
}

func (a *Adapter) monitorFor(guestID string) (*monitorConn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	h, ok := a.handles[guestID]
	if !ok || h.monitor == nil {
		return nil, errkind.Newf(errkind.Precondition, "guest %s has no active monitor connection", guestID)
	}
	return h.monitor, nil
}

func (a *Adapter) setState(guestID string, state types.GuestState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if h, ok := a.handles[guestID]; ok {
		h.state = state
	}
}

func buildArgs(spec GuestSpec) []string {
	args := []string{
		"-machine", spec.MachineProfile,
		"-smp", fmt.Sprintf("%d", spec.VCPUCount),
		"-m", fmt.Sprintf("%d", spec.MemoryBytes/(1024*1024)),
		"-bios", spec.FirmwarePath,
		"-monitor-socket", spec.MonitorSocketPath,
	}
	for _, drive := range spec.DrivePaths {
		args = append(args, "-drive", "file="+drive)
	}
	for _, bridge := range spec.NICBridges {
		args = append(args, "-netdev", "bridge,br="+bridge)
	}
	if spec.CloudInitSeedPath != "" {
		args = append(args, "-cdrom", spec.CloudInitSeedPath)
	}
	if spec.ConsoleEndpoint != "" {
		args = append(args, "-serial", spec.ConsoleEndpoint)
	}
	return args
}

func unmarshalResult(raw []byte, v any) error {
	if raw == nil {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// cleanupSocket removes a guest's monitor socket file after it exits, so a
// stale path is never mistaken for a live one on the next launch.
func cleanupSocket(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}

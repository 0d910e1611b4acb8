// Package qos implements the Traffic Shaper: it applies latency, jitter,
// loss, and bandwidth shaping to a guest's host-side NIC endpoint via the
// host kernel's queueing discipline. Grounded on the teacher's
// HostPortPublisher, which wraps exec.Command("iptables", ...) with
// CombinedOutput error surfacing; this package wraps "tc" the same way.
package qos

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/rng-ops/infrasim/pkg/metrics"
	"github.com/rng-ops/infrasim/pkg/types"
)

// Runner executes a host command and returns its combined output. The
// production path is execRunner; tests substitute a recording fake.
type Runner interface {
	Run(name string, args ...string) (output string, err error)
}

type execRunner struct{}

func (execRunner) Run(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).CombinedOutput()
	return string(out), err
}

// Shaper applies and removes tc/netem rule sets on guest NIC endpoints.
type Shaper struct {
	runner Runner
}

// New builds a Shaper that executes real tc commands.
func New() *Shaper {
	return &Shaper{runner: execRunner{}}
}

// NewWithRunner builds a Shaper over a custom Runner, for tests.
func NewWithRunner(r Runner) *Shaper {
	return &Shaper{runner: r}
}

// Install replaces nic's qdisc with a fresh netem discipline built from
// qos, or removes any existing discipline if qos is disabled. A rule set is
// always fully replaced, never incrementally adjusted, per the traffic
// shaper's no-half-applied-state requirement.
func (s *Shaper) Install(nic string, qos *types.QosSpec) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.QosApplyDuration)

	if err := s.clear(nic); err != nil {
		return err
	}
	if qos.Disabled() {
		return nil
	}

	args := []string{"qdisc", "add", "dev", nic, "root", "netem"}
	args = append(args, netemArgs(qos)...)

	if out, err := s.runner.Run("tc", args...); err != nil {
		return fmt.Errorf("tc qdisc add on %s: %w (%s)", nic, err, strings.TrimSpace(out))
	}
	return nil
}

// Update is equivalent to Install: the traffic shaper never incrementally
// adjusts a live rule set.
func (s *Shaper) Update(nic string, qos *types.QosSpec) error {
	return s.Install(nic, qos)
}

// Remove clears nic's shaping rules. Idempotent: removing an already-clear
// nic is not an error.
func (s *Shaper) Remove(nic string) error {
	return s.clear(nic)
}

func (s *Shaper) clear(nic string) error {
	out, err := s.runner.Run("tc", "qdisc", "del", "dev", nic, "root")
	if err != nil && !strings.Contains(out, "No such file or directory") && !strings.Contains(out, "Cannot find device") {
		// Absence of a prior qdisc surfaces as an error from tc on some
		// kernels; the overlapping substring checks above distinguish that
		// from a real failure.
		if !strings.Contains(err.Error(), "exit status 2") {
			return fmt.Errorf("tc qdisc del on %s: %w (%s)", nic, err, strings.TrimSpace(out))
		}
	}
	return nil
}

func netemArgs(qos *types.QosSpec) []string {
	var args []string
	if qos.LatencyMs > 0 {
		args = append(args, "delay", fmt.Sprintf("%dms", qos.LatencyMs))
		if qos.JitterMs > 0 {
			args = append(args, fmt.Sprintf("%dms", qos.JitterMs))
		}
	}
	if qos.LossPPM > 0 {
		lossPercent := float64(qos.LossPPM) / 10000
		args = append(args, "loss", fmt.Sprintf("%.4f%%", lossPercent))
	}
	if qos.BandwidthKbps > 0 {
		args = append(args, "rate", fmt.Sprintf("%dkbit", qos.BandwidthKbps))
	}
	return args
}

package qos

import (
	"testing"

	"github.com/rng-ops/infrasim/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	calls [][]string
	err   error
}

func (r *recordingRunner) Run(name string, args ...string) (string, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	return "", r.err
}

func TestInstallClearsThenAddsQdisc(t *testing.T) {
	r := &recordingRunner{}
	s := NewWithRunner(r)

	qos := &types.QosSpec{LatencyMs: 50, JitterMs: 10, LossPPM: 100, BandwidthKbps: 1000}
	require.NoError(t, s.Install("nic0", qos))

	require.Len(t, r.calls, 2)
	assert.Equal(t, []string{"tc", "qdisc", "del", "dev", "nic0", "root"}, r.calls[0])
	assert.Equal(t, "tc", r.calls[1][0])
	assert.Contains(t, r.calls[1], "netem")
	assert.Contains(t, r.calls[1], "delay")
	assert.Contains(t, r.calls[1], "50ms")
}

func TestInstallDisabledOnlyClears(t *testing.T) {
	r := &recordingRunner{}
	s := NewWithRunner(r)

	require.NoError(t, s.Install("nic0", &types.QosSpec{}))
	require.Len(t, r.calls, 1)
	assert.Equal(t, []string{"tc", "qdisc", "del", "dev", "nic0", "root"}, r.calls[0])
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := &recordingRunner{}
	s := NewWithRunner(r)

	require.NoError(t, s.Remove("nic0"))
	require.NoError(t, s.Remove("nic0"))
	assert.Len(t, r.calls, 2)
}

func TestUpdateFullyReplacesRules(t *testing.T) {
	r := &recordingRunner{}
	s := NewWithRunner(r)

	require.NoError(t, s.Install("nic0", &types.QosSpec{LatencyMs: 10}))
	require.NoError(t, s.Update("nic0", &types.QosSpec{BandwidthKbps: 500}))

	// Update must clear before re-adding, never incrementally adjust.
	require.Len(t, r.calls, 4)
	assert.Contains(t, r.calls[3], "rate")
	for _, arg := range r.calls[3] {
		assert.NotEqual(t, "delay", arg)
	}
}

package hypervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeMonitorServer accepts one connection and echoes back an OK reply for
// every command it receives, correlating on id.
func fakeMonitorServer(t *testing.T, socketPath string) net.Listener {
	t.Helper()
	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			var cmd monitorCommand
			if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
				continue
			}
			reply := monitorReply{ID: cmd.ID, OK: true}
			data, _ := json.Marshal(reply)
			conn.Write(append(data, '\n'))
		}
	}()

	return ln
}

func TestMonitorSendReceivesCorrelatedReply(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "monitor.sock")
	ln := fakeMonitorServer(t, socketPath)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	mc, err := dialMonitor(ctx, socketPath)
	require.NoError(t, err)
	defer mc.Close()

	_, err = mc.Send(ctx, "ping", nil)
	require.NoError(t, err)
}

func TestMonitorHandshakeSucceeds(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "monitor.sock")
	ln := fakeMonitorServer(t, socketPath)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	mc, err := dialMonitor(ctx, socketPath)
	require.NoError(t, err)
	defer mc.Close()

	require.NoError(t, mc.Handshake(ctx))
}

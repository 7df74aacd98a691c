package lanshare

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// newTestController builds a controller with a fixed peer id that is
// "in a room" without any sockets, so link-level behavior can be
// driven over net.Pipe.
func newTestController(t *testing.T, peerID string) *Controller {
	t.Helper()

	settings := NewMemorySettings()
	require.NoError(t, settings.SavePeerID(peerID))

	cfg := DefaultConfig()
	cfg.AckTimeout = 200 * time.Millisecond
	cfg.DialTimeout = 2 * time.Second
	cfg.HandshakeTimeout = 2 * time.Second

	c, err := New(cfg, settings, NewMemoryPendingShares(), zerolog.Nop())
	require.NoError(t, err)

	c.mu.Lock()
	c.active = true
	c.roomCode = "RIVER1"
	c.displayName = "node " + peerID
	c.discovered = make(map[string]*DiscoveredPeer)
	c.connected = make(map[string]*connectedPeer)
	c.connecting = make(map[string]bool)
	c.acks = make(map[string]*pendingAck)
	c.stop = make(chan struct{})
	c.mu.Unlock()

	t.Cleanup(c.LeaveRoom)
	return c
}

// attachTestPeer installs a connected peer backed by one end of a
// pipe and returns the remote end, which plays the other process.
func attachTestPeer(t *testing.T, c *Controller, peerID string) net.Conn {
	t.Helper()

	local, remote := net.Pipe()
	p := newConnectedPeer(peerID, "node "+peerID, local)
	sc := newFrameScanner(local)

	c.mu.Lock()
	c.connected[peerID] = p
	c.wg.Add(2)
	c.mu.Unlock()
	go c.writeLoop(p)
	go c.readLoop(p, sc)

	t.Cleanup(func() { remote.Close() })
	return remote
}

func readRemoteFrame(t *testing.T, sc *bufio.Scanner) Message {
	t.Helper()
	require.True(t, sc.Scan(), "expected a frame, got: %v", sc.Err())
	var msg Message
	require.NoError(t, json.Unmarshal(sc.Bytes(), &msg))
	return msg
}

func writeRemoteFrame(t *testing.T, conn net.Conn, msg Message) {
	t.Helper()
	_, err := conn.Write(encodeFrame(msg))
	require.NoError(t, err)
}

// waitForEvent drains the channel until an event of type T arrives.
func waitForEvent[T Event](t *testing.T, events <-chan Event) T {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("event channel closed")
			}
			if typed, match := ev.(T); match {
				return typed
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

// expectNoEvent asserts no event of type T arrives within the window.
func expectNoEvent[T Event](t *testing.T, events <-chan Event, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, match := ev.(T); match {
				t.Fatalf("unexpected %T", ev)
			}
		case <-deadline:
			return
		}
	}
}

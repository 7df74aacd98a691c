package lanshare

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig isolates each test on its own port block so suites can
// run back to back without rebinding conflicts.
func testConfig(basePort int) Config {
	cfg := DefaultConfig()
	cfg.DiscoveryPort = basePort
	cfg.TCPPortMin = basePort + 1
	cfg.TCPPortMax = basePort + 5
	cfg.BroadcastInterval = 200 * time.Millisecond
	cfg.HeartbeatInterval = 200 * time.Millisecond
	cfg.DeadWindow = 5 * time.Second
	cfg.AckTimeout = 2 * time.Second
	cfg.DialTimeout = 2 * time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	return cfg
}

func newNode(t *testing.T, cfg Config) *Controller {
	t.Helper()
	c, err := New(cfg, NewMemorySettings(), NewMemoryPendingShares(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(c.LeaveRoom)
	return c
}

func nodeTCPPort(c *Controller) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tcpPort
}

// introduce feeds dst a discovery announcement for src, standing in
// for the UDP broadcast so the exchange stays deterministic on one
// host.
func introduce(dst, src *Controller) {
	dst.handleAnnouncement(announcement{
		Type:        discoveryResponse,
		RoomCode:    "RIVER1",
		PeerID:      src.PeerID(),
		DisplayName: "node " + src.PeerID()[:8],
		TCPPort:     nodeTCPPort(src),
		Timestamp:   nowMillis(),
	}, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 52170})
}

func connectNodes(t *testing.T, a, b *Controller) {
	t.Helper()
	introduce(a, b)
	introduce(b, a)
	require.Eventually(t, func() bool {
		return len(connectedIDs(a)) == 1 && len(connectedIDs(b)) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestJoinLeaveTeardown(t *testing.T) {
	cfg := testConfig(47310)
	c := newNode(t, cfg)

	require.NoError(t, c.JoinRoom("river1", "alice"))
	status := c.Status()
	assert.True(t, status.InRoom)
	assert.Equal(t, "RIVER1", status.RoomCode)

	room, ok := c.LastRoom()
	require.True(t, ok)
	assert.Equal(t, "RIVER1", room)

	c.LeaveRoom()
	status = c.Status()
	assert.False(t, status.InRoom)
	assert.Empty(t, status.Peers)
	_, ok = c.LastRoom()
	assert.False(t, ok)

	// Every socket is released: the ports bind again immediately.
	ln, err := net.Listen("tcp4", fmt.Sprintf(":%d", cfg.TCPPortMin))
	require.NoError(t, err)
	ln.Close()
	udp, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.DiscoveryPort})
	require.NoError(t, err)
	udp.Close()

	// Leaving again is a no-op, and the room can be rejoined.
	c.LeaveRoom()
	require.NoError(t, c.JoinRoom("RIVER1", "alice"))
	c.LeaveRoom()
}

func TestJoinRoomRejectsBadCode(t *testing.T) {
	c := newNode(t, testConfig(47330))
	assert.Error(t, c.JoinRoom("nope", "alice"))
	assert.Error(t, c.JoinRoom("", "alice"))
	assert.False(t, c.Status().InRoom)
}

func TestJoinRoomPortHunting(t *testing.T) {
	cfg := testConfig(47340)

	// Occupy the first port in the range; the join must hunt past it.
	taken, err := net.Listen("tcp4", fmt.Sprintf(":%d", cfg.TCPPortMin))
	require.NoError(t, err)
	defer taken.Close()

	c := newNode(t, cfg)
	require.NoError(t, c.JoinRoom("RIVER1", "alice"))
	assert.Equal(t, cfg.TCPPortMin+1, nodeTCPPort(c))
}

func TestJoinRoomPortExhaustion(t *testing.T) {
	cfg := testConfig(47350)
	cfg.TCPPortMax = cfg.TCPPortMin

	taken, err := net.Listen("tcp4", fmt.Sprintf(":%d", cfg.TCPPortMin))
	require.NoError(t, err)
	defer taken.Close()

	c := newNode(t, cfg)
	err = c.JoinRoom("RIVER1", "alice")
	assert.ErrorIs(t, err, ErrNoFreePort)
	assert.False(t, c.Status().InRoom)

	// The failed join left nothing behind.
	udp, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.DiscoveryPort})
	require.NoError(t, err)
	udp.Close()
}

func TestTwoNodesShareArticles(t *testing.T) {
	a := newNode(t, testConfig(47360))
	b := newNode(t, testConfig(47370))
	require.NoError(t, a.JoinRoom("RIVER1", "alice"))
	require.NoError(t, b.JoinRoom("RIVER1", "bob"))

	events, cancel := b.Subscribe()
	defer cancel()
	connectNodes(t, a, b)

	require.NoError(t, a.SendArticlesWithAck(b.PeerID(), []Article{
		{Title: "one", URL: "https://example.com/1"},
	}))
	single := waitForEvent[ArticleReceived](t, events)
	assert.Equal(t, a.PeerID(), single.PeerID)
	assert.Equal(t, "https://example.com/1", single.Article.URL)

	require.NoError(t, a.SendArticlesWithAck(b.PeerID(), []Article{
		{Title: "one", URL: "https://example.com/1"},
		{Title: "two", URL: "https://example.com/2"},
	}))
	batch := waitForEvent[ArticlesBatchReceived](t, events)
	assert.Len(t, batch.Articles, 2)
}

func TestEchoBetweenNodes(t *testing.T) {
	a := newNode(t, testConfig(47380))
	b := newNode(t, testConfig(47390))
	require.NoError(t, a.JoinRoom("RIVER1", "alice"))
	require.NoError(t, b.JoinRoom("RIVER1", "bob"))

	events, cancel := a.Subscribe()
	defer cancel()
	connectNodes(t, a, b)

	require.True(t, a.SendEcho(b.PeerID()))
	resp := waitForEvent[EchoResponse](t, events)
	assert.Equal(t, b.PeerID(), resp.PeerID)
}

func TestOfflineShareRedeliveredOnConnect(t *testing.T) {
	a := newNode(t, testConfig(47400))
	b := newNode(t, testConfig(47410))
	require.NoError(t, a.JoinRoom("RIVER1", "alice"))

	// B is offline: the share queues durably.
	res := a.SendArticleWithQueue(b.PeerID(), Article{Title: "later", URL: "https://example.com/later"})
	require.False(t, res.Success)
	require.True(t, res.Queued)

	counts, err := a.PendingShareCounts()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[b.PeerID()])

	// B comes online; promotion drains the queue automatically.
	events, cancel := b.Subscribe()
	defer cancel()
	require.NoError(t, b.JoinRoom("RIVER1", "bob"))
	connectNodes(t, a, b)

	got := waitForEvent[ArticleReceived](t, events)
	assert.Equal(t, "https://example.com/later", got.Article.URL)

	require.Eventually(t, func() bool {
		counts, err := a.PendingShareCounts()
		return err == nil && len(counts) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestLeaveRoomSendsGoodbye(t *testing.T) {
	a := newNode(t, testConfig(47420))
	b := newNode(t, testConfig(47430))
	require.NoError(t, a.JoinRoom("RIVER1", "alice"))
	require.NoError(t, b.JoinRoom("RIVER1", "bob"))

	events, cancel := b.Subscribe()
	defer cancel()
	connectNodes(t, a, b)

	a.LeaveRoom()

	gone := waitForEvent[PeerDisconnected](t, events)
	assert.Equal(t, a.PeerID(), gone.PeerID)
	assert.Equal(t, "goodbye", gone.Reason)

	require.Eventually(t, func() bool {
		return len(connectedIDs(b)) == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, a.Status().Peers)
}

func TestForeignRoomNeverConnects(t *testing.T) {
	a := newNode(t, testConfig(47440))
	b := newNode(t, testConfig(47450))
	require.NoError(t, a.JoinRoom("RIVER1", "alice"))
	require.NoError(t, b.JoinRoom("DELTA2", "bob"))

	// A room mismatch drops the announcement before the peer maps.
	a.handleAnnouncement(announcement{
		Type:     discoveryResponse,
		RoomCode: "DELTA2",
		PeerID:   b.PeerID(),
		TCPPort:  nodeTCPPort(b),
	}, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 52170})

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, a.Status().Peers)
	assert.Empty(t, connectedIDs(a))
}

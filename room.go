// Package lanshare implements a self-organizing LAN overlay for
// sharing articles between peers in a shared "room": UDP broadcast
// discovery, direct TCP links with a handshake, newline-delimited JSON
// messaging with delivery acknowledgement, durable retry of
// undelivered shares, and heartbeat liveness.
package lanshare

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

var (
	// ErrNotInRoom is returned by operations that need an active room.
	ErrNotInRoom = errors.New("lanshare: not in a room")
	// ErrNotConnected is returned when the target peer has no live link.
	ErrNotConnected = errors.New("lanshare: peer not connected")
	// ErrAckTimeout is returned when a peer fails to acknowledge a
	// batch within the ack window.
	ErrAckTimeout = errors.New("lanshare: acknowledgement timed out")
	// ErrNoFreePort is returned when every port in the configured TCP
	// range is taken.
	ErrNoFreePort = errors.New("lanshare: no free port in range")
	// ErrRoomClosed resolves outstanding sends when the room is left.
	ErrRoomClosed = errors.New("lanshare: room closed")
	// ErrSendFailed is returned when a frame could not be queued on
	// the peer's socket.
	ErrSendFailed = errors.New("lanshare: send failed")
)

// seenBatchLimit bounds the duplicate-suppression cache of recently
// received batch ids.
const seenBatchLimit = 512

// Controller owns all state of one room: the identity, the discovered
// and connected peer sets, outstanding acknowledgements, sockets and
// timers. All of it lives and dies with JoinRoom/LeaveRoom, and every
// mutation of the peer maps is serialized through one mutex because
// discovery, handshakes, inbound frames and heartbeat sweeps race to
// touch the same peer ids.
type Controller struct {
	cfg      Config
	log      zerolog.Logger
	settings SettingsStore
	queue    PendingShareStore
	bus      *eventBus
	peerID   string
	seen     *lru.Cache[string, struct{}]

	mu          sync.Mutex
	active      bool
	roomCode    string
	displayName string
	listener    net.Listener
	tcpPort     int
	udp         *net.UDPConn
	discovered  map[string]*DiscoveredPeer
	connected   map[string]*connectedPeer
	connecting  map[string]bool
	acks        map[string]*pendingAck
	stop        chan struct{}
	wg          sync.WaitGroup
}

// New builds a controller around the given persistence boundaries.
// The peer id is loaded from settings, generated on first run.
func New(cfg Config, settings SettingsStore, queue PendingShareStore, logger zerolog.Logger) (*Controller, error) {
	peerID, err := loadOrCreatePeerID(settings)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	seen, err := lru.New[string, struct{}](seenBatchLimit)
	if err != nil {
		return nil, err
	}
	return &Controller{
		cfg:      cfg,
		log:      logger,
		settings: settings,
		queue:    queue,
		bus:      newEventBus(),
		peerID:   peerID,
		seen:     seen,
	}, nil
}

// PeerID returns the persistent local identity.
func (c *Controller) PeerID() string { return c.peerID }

// Subscribe registers an event listener. Cancel to stop receiving.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	return c.bus.Subscribe()
}

// LastRoom returns the persisted room membership, if any, so a host
// can rejoin on startup.
func (c *Controller) LastRoom() (string, bool) {
	code, err := c.settings.LoadRoom()
	if err != nil || code == "" {
		return "", false
	}
	return code, true
}

// JoinRoom activates the given room: it normalizes and validates the
// code, starts the TCP listener (hunting through the configured port
// range), the UDP discovery socket, the periodic broadcast and the
// liveness monitor, and announces presence immediately. If the
// controller is already in a room it leaves it first. Any startup
// step failing tears down whatever was already started.
func (c *Controller) JoinRoom(code, displayName string) error {
	code = NormalizeRoomCode(code)
	if err := ValidateRoomCode(code); err != nil {
		return err
	}
	c.LeaveRoom()

	ln, port, err := c.listenTCP()
	if err != nil {
		return err
	}
	udp, err := net.ListenUDP("udp4", &net.UDPAddr{Port: c.cfg.DiscoveryPort})
	if err != nil {
		ln.Close()
		return fmt.Errorf("discovery socket: %w", err)
	}

	c.mu.Lock()
	c.active = true
	c.roomCode = code
	c.displayName = displayName
	c.listener = ln
	c.tcpPort = port
	c.udp = udp
	c.discovered = make(map[string]*DiscoveredPeer)
	c.connected = make(map[string]*connectedPeer)
	c.connecting = make(map[string]bool)
	c.acks = make(map[string]*pendingAck)
	c.stop = make(chan struct{})
	stop := c.stop
	c.mu.Unlock()

	c.wg.Add(4)
	go c.acceptLoop(ln, stop)
	go c.discoveryLoop(udp, stop)
	go c.broadcastLoop(stop)
	go c.heartbeatLoop(stop)

	c.announce(discoveryRequest, nil)

	if err := c.settings.SaveRoom(code); err != nil {
		c.log.Warn().Err(err).Msg("failed to persist room membership")
	}
	c.log.Info().Str("room", code).Int("tcpPort", port).Msg("joined room")
	return nil
}

// LeaveRoom sends a best-effort goodbye to every connected peer, stops
// all timers and loops, fails outstanding acknowledgements with
// ErrRoomClosed, closes every socket and clears the peer maps. It is
// a no-op when no room is active and the subsystem is fully quiesced
// when it returns.
func (c *Controller) LeaveRoom() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	close(c.stop)
	goodbye := encodeFrame(Message{
		Type:        frameGoodbye,
		PeerID:      c.peerID,
		DisplayName: c.displayName,
		Timestamp:   nowMillis(),
	})
	peers := make([]*connectedPeer, 0, len(c.connected))
	for _, p := range c.connected {
		peers = append(peers, p)
	}
	acks := c.acks
	ln, udp := c.listener, c.udp
	c.connected = make(map[string]*connectedPeer)
	c.discovered = make(map[string]*DiscoveredPeer)
	c.connecting = make(map[string]bool)
	c.acks = make(map[string]*pendingAck)
	c.listener = nil
	c.udp = nil
	c.roomCode = ""
	c.mu.Unlock()

	for _, p := range peers {
		// Goodbye is a notification, not a handshake: write it
		// directly after stopping the writer, never wait for a reply.
		p.halt()
		p.conn.SetWriteDeadline(time.Now().Add(time.Second))
		p.conn.Write(goodbye)
		p.conn.Close()
	}
	for _, a := range acks {
		a.resolve(ErrRoomClosed)
	}
	if ln != nil {
		ln.Close()
	}
	if udp != nil {
		udp.Close()
	}
	c.wg.Wait()

	if err := c.settings.ClearRoom(); err != nil {
		c.log.Warn().Err(err).Msg("failed to clear room membership")
	}
	c.bus.publish(PeerSetChanged{})
	c.log.Info().Msg("left room")
}

// Status returns a snapshot of room membership and the known peer set,
// connected peers first.
func (c *Controller) Status() RoomStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	return RoomStatus{
		InRoom:   c.active,
		RoomCode: c.roomCode,
		Peers:    c.peerSnapshotLocked(),
	}
}

func (c *Controller) peerSnapshotLocked() []PeerStatus {
	peers := make([]PeerStatus, 0, len(c.connected)+len(c.discovered))
	for _, p := range c.connected {
		peers = append(peers, PeerStatus{PeerID: p.peerID, DisplayName: p.displayName, Connected: true})
	}
	for id, dp := range c.discovered {
		if _, ok := c.connected[id]; ok {
			continue
		}
		peers = append(peers, PeerStatus{PeerID: dp.PeerID, DisplayName: dp.DisplayName})
	}
	return peers
}

func (c *Controller) publishPeerSet() {
	c.mu.Lock()
	peers := c.peerSnapshotLocked()
	c.mu.Unlock()
	c.bus.publish(PeerSetChanged{Peers: peers})
}

// peerName resolves a display name from either peer map.
func (c *Controller) peerName(peerID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.connected[peerID]; ok {
		return p.displayName
	}
	if dp, ok := c.discovered[peerID]; ok {
		return dp.DisplayName
	}
	return ""
}

func (c *Controller) listenTCP() (net.Listener, int, error) {
	for port := c.cfg.TCPPortMin; port <= c.cfg.TCPPortMax; port++ {
		ln, err := net.Listen("tcp4", fmt.Sprintf(":%d", port))
		if err == nil {
			return ln, port, nil
		}
	}
	return nil, 0, ErrNoFreePort
}

package lanshare

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"
)

const (
	// maxFrameSize bounds how much unterminated data a link may buffer
	// before the connection is dropped.
	maxFrameSize = 1 << 20
	sendBuffer   = 32
)

// connectedPeer is one live, handshaken link. lastSeen and
// lastHeartbeat are guarded by the controller mutex.
type connectedPeer struct {
	peerID      string
	displayName string
	conn        net.Conn
	send        chan []byte

	done chan struct{}
	once sync.Once

	reasonMu sync.Mutex
	reason   string

	lastSeen      time.Time
	lastHeartbeat time.Time
}

func newConnectedPeer(peerID, displayName string, conn net.Conn) *connectedPeer {
	return &connectedPeer{
		peerID:      peerID,
		displayName: displayName,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		lastSeen:    time.Now(),
	}
}

// enqueue hands a frame to the writer goroutine. It never blocks; a
// full channel drops the frame and reports failure.
func (p *connectedPeer) enqueue(frame []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- frame:
		return true
	default:
		return false
	}
}

// halt stops the read/write loops without closing the socket.
func (p *connectedPeer) halt() {
	p.once.Do(func() { close(p.done) })
}

// shutdown stops the loops and closes the socket.
func (p *connectedPeer) shutdown() {
	p.halt()
	p.conn.Close()
}

func (p *connectedPeer) setReason(reason string) {
	p.reasonMu.Lock()
	defer p.reasonMu.Unlock()
	if p.reason == "" {
		p.reason = reason
	}
}

func (p *connectedPeer) disconnectReason() string {
	p.reasonMu.Lock()
	defer p.reasonMu.Unlock()
	if p.reason == "" {
		return "error"
	}
	return p.reason
}

// newFrameScanner wraps a connection in a newline-splitting scanner
// with a bounded buffer.
func newFrameScanner(conn net.Conn) *bufio.Scanner {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 4096), maxFrameSize)
	return sc
}

func (c *Controller) acceptLoop(ln net.Listener, stop chan struct{}) {
	defer c.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
				return
			default:
				c.log.Debug().Err(err).Msg("accept error")
				continue
			}
		}
		c.wg.Add(1)
		go c.handleInbound(conn)
	}
}

// handleInbound waits for the first frame on an accepted connection.
// Anything but a handshake invalidates the connection; on a valid one
// it replies handshake-ack and promotes the link.
func (c *Controller) handleInbound(conn net.Conn) {
	defer c.wg.Done()

	sc := newFrameScanner(conn)
	msg, err := readFrame(conn, sc, c.cfg.HandshakeTimeout)
	if err != nil || msg.Type != frameHandshake || msg.PeerID == "" {
		conn.Close()
		return
	}

	ack := encodeFrame(Message{
		Type:        frameHandshakeAck,
		PeerID:      c.peerID,
		DisplayName: c.localName(),
		Timestamp:   nowMillis(),
	})
	conn.SetWriteDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	if _, err := conn.Write(ack); err != nil {
		conn.Close()
		return
	}
	conn.SetWriteDeadline(time.Time{})

	c.promote(msg.PeerID, msg.DisplayName, conn, sc)
}

// dialPeer runs the outbound side of the handshake: connect, send
// handshake, wait for handshake-ack, promote. Failure leaves the peer
// in the discovered set, eligible for retry on the next broadcast.
func (c *Controller) dialPeer(peerID, addr string) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.connecting, peerID)
		c.mu.Unlock()
	}()

	conn, err := net.DialTimeout("tcp4", addr, c.cfg.DialTimeout)
	if err != nil {
		c.log.Debug().Str("peer", peerID).Str("addr", addr).Err(err).Msg("dial failed")
		return
	}

	hs := encodeFrame(Message{
		Type:        frameHandshake,
		PeerID:      c.peerID,
		DisplayName: c.localName(),
		Timestamp:   nowMillis(),
	})
	conn.SetWriteDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	if _, err := conn.Write(hs); err != nil {
		conn.Close()
		return
	}
	conn.SetWriteDeadline(time.Time{})

	sc := newFrameScanner(conn)
	msg, err := readFrame(conn, sc, c.cfg.HandshakeTimeout)
	if err != nil || msg.Type != frameHandshakeAck || msg.PeerID == "" {
		conn.Close()
		return
	}

	c.promote(msg.PeerID, msg.DisplayName, conn, sc)
}

// readFrame scans one frame under a deadline.
func readFrame(conn net.Conn, sc *bufio.Scanner, timeout time.Duration) (Message, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	var msg Message
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return msg, err
		}
		return msg, fmt.Errorf("connection closed before frame")
	}
	if err := decodeFrame(sc.Bytes(), &msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// promote installs a handshaken link as a connected peer. At most one
// link exists per peer id; a superseded link is closed. Promotion
// triggers redelivery of any pending shares queued for the peer.
func (c *Controller) promote(peerID, displayName string, conn net.Conn, sc *bufio.Scanner) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		conn.Close()
		return
	}
	if old, ok := c.connected[peerID]; ok {
		old.setReason("superseded")
		old.shutdown()
	}
	p := newConnectedPeer(peerID, displayName, conn)
	c.connected[peerID] = p
	delete(c.connecting, peerID)
	c.wg.Add(2)
	c.mu.Unlock()

	go c.writeLoop(p)
	go c.readLoop(p, sc)

	c.log.Info().Str("peer", peerID).Str("name", displayName).Msg("peer connected")
	c.publishPeerSet()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.ProcessPendingSharesForPeer(peerID)
	}()
}

func (c *Controller) writeLoop(p *connectedPeer) {
	defer c.wg.Done()

	for {
		select {
		case <-p.done:
			return
		case frame := <-p.send:
			if _, err := p.conn.Write(frame); err != nil {
				p.setReason("error")
				p.shutdown()
				return
			}
		}
	}
}

func (c *Controller) readLoop(p *connectedPeer, sc *bufio.Scanner) {
	defer c.wg.Done()

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := decodeFrame(line, &msg); err != nil {
			// One malformed frame never tears down the link.
			c.log.Debug().Str("peer", p.peerID).Err(err).Msg("discarding malformed frame")
			continue
		}
		c.handleFrame(p, &msg)
		select {
		case <-p.done:
			// Goodbye and supersede close the link mid-loop.
			c.dropPeer(p)
			return
		default:
		}
	}
	p.shutdown()
	c.dropPeer(p)
}

// dropPeer removes a link from the connected set, if it is still the
// installed one, and reports the disconnect. A superseded link is
// gone from the map already and produces no events.
func (c *Controller) dropPeer(p *connectedPeer) {
	c.mu.Lock()
	removed := c.connected[p.peerID] == p
	if removed {
		delete(c.connected, p.peerID)
	}
	c.mu.Unlock()

	if !removed {
		return
	}
	reason := p.disconnectReason()
	c.log.Info().Str("peer", p.peerID).Str("reason", reason).Msg("peer disconnected")
	c.bus.publish(PeerDisconnected{PeerID: p.peerID, DisplayName: p.displayName, Reason: reason})
	c.publishPeerSet()
}

// touch refreshes the liveness timestamp; every inbound frame counts.
func (c *Controller) touch(p *connectedPeer) {
	c.mu.Lock()
	p.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *Controller) localName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.displayName
}

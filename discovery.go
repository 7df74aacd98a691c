package lanshare

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// discoveryLoop receives announcement datagrams until the room stops.
// A short read deadline keeps the loop responsive to shutdown.
func (c *Controller) discoveryLoop(udp *net.UDPConn, stop chan struct{}) {
	defer c.wg.Done()

	buf := make([]byte, 2048)
	for {
		select {
		case <-stop:
			return
		default:
		}

		udp.SetReadDeadline(time.Now().Add(time.Second))
		n, src, err := udp.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-stop:
				return
			default:
				c.log.Debug().Err(err).Msg("discovery read error")
				continue
			}
		}

		var pkt announcement
		if err := json.Unmarshal(buf[:n], &pkt); err != nil {
			continue
		}
		c.handleAnnouncement(pkt, src)
	}
}

// broadcastLoop announces presence on a fixed interval for as long as
// the room is active.
func (c *Controller) broadcastLoop(stop chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.announce(discoveryRequest, nil)
		case <-stop:
			return
		}
	}
}

// announce sends one discovery datagram. With a nil destination it
// goes to the broadcast address; otherwise it is a unicast reply.
func (c *Controller) announce(kind string, to *net.UDPAddr) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	pkt := announcement{
		Type:        kind,
		RoomCode:    c.roomCode,
		PeerID:      c.peerID,
		DisplayName: c.displayName,
		TCPPort:     c.tcpPort,
		Timestamp:   nowMillis(),
	}
	udp := c.udp
	c.mu.Unlock()
	if udp == nil {
		return
	}

	if to == nil {
		to = &net.UDPAddr{IP: net.ParseIP(c.cfg.BroadcastAddr), Port: c.cfg.DiscoveryPort}
	}
	b, err := json.Marshal(pkt)
	if err != nil {
		return
	}
	if _, err := udp.WriteToUDP(b, to); err != nil {
		c.log.Debug().Err(err).Msg("discovery send error")
	}
}

// shouldInitiate decides which side of a freshly discovered pair dials
// the TCP connection: the lexicographically lower peer id does, so
// exactly one link forms. Plain byte-wise string comparison.
func shouldInitiate(localID, remoteID string) bool {
	return localID < remoteID
}

// handleAnnouncement classifies one inbound discovery datagram:
// self-echoes and foreign rooms are ignored, everything else refreshes
// the discovered set and may trigger an outbound dial per the
// tie-break. A "discovery" request gets a unicast response so both
// sides converge without waiting for the next broadcast tick.
func (c *Controller) handleAnnouncement(pkt announcement, src *net.UDPAddr) {
	if pkt.PeerID == c.peerID {
		return
	}

	c.mu.Lock()
	if !c.active || pkt.RoomCode != c.roomCode {
		c.mu.Unlock()
		return
	}

	host := src.IP.String()
	_, known := c.discovered[pkt.PeerID]
	c.discovered[pkt.PeerID] = &DiscoveredPeer{
		PeerID:      pkt.PeerID,
		DisplayName: pkt.DisplayName,
		Addr:        host,
		TCPPort:     pkt.TCPPort,
		LastSeen:    time.Now(),
	}

	_, isConnected := c.connected[pkt.PeerID]
	dial := !isConnected && !c.connecting[pkt.PeerID] && shouldInitiate(c.peerID, pkt.PeerID)
	if dial {
		c.connecting[pkt.PeerID] = true
		c.wg.Add(1)
	}
	c.mu.Unlock()

	if pkt.Type == discoveryRequest {
		c.announce(discoveryResponse, src)
	}
	if !known {
		c.log.Info().Str("peer", pkt.PeerID).Str("name", pkt.DisplayName).Msg("discovered peer")
		c.publishPeerSet()
	}
	if dial {
		go c.dialPeer(pkt.PeerID, fmt.Sprintf("%s:%d", host, pkt.TCPPort))
	}
}

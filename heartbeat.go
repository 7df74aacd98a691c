package lanshare

import "time"

// heartbeatLoop sweeps the connected set on a fixed interval: peers
// silent for longer than the dead window are removed and reported,
// everyone else gets a heartbeat. Heartbeat traffic is deliberately
// not logged.
func (c *Controller) heartbeatLoop(stop chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweepPeers()
		case <-stop:
			return
		}
	}
}

// sweepPeers performs one liveness pass. TCP keepalive is no
// substitute here: a peer whose process is wedged keeps its socket
// open but stops answering heartbeats.
func (c *Controller) sweepPeers() {
	frame := encodeFrame(Message{Type: frameHeartbeat, PeerID: c.peerID, Timestamp: nowMillis()})

	now := time.Now()
	c.mu.Lock()
	var dead []*connectedPeer
	for id, p := range c.connected {
		if now.Sub(p.lastSeen) > c.cfg.DeadWindow {
			dead = append(dead, p)
			delete(c.connected, id)
			continue
		}
		p.enqueue(frame)
	}
	c.mu.Unlock()

	if len(dead) == 0 {
		return
	}
	for _, p := range dead {
		p.setReason("timeout")
		p.shutdown()
		c.log.Info().Str("peer", p.peerID).Msg("peer timed out")
		c.bus.publish(PeerDisconnected{PeerID: p.peerID, DisplayName: p.displayName, Reason: "timeout"})
	}
	c.publishPeerSet()
}

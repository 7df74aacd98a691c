package lanshare

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// pendingAck tracks one sent batch awaiting acknowledgement. done is
// buffered and resolved at most once; the loser of a resolve race
// (matching ack vs. timeout vs. room teardown) is ignored.
type pendingAck struct {
	peerID string
	sentAt time.Time
	once   sync.Once
	done   chan error
}

func newPendingAck(peerID string) *pendingAck {
	return &pendingAck{
		peerID: peerID,
		sentAt: time.Now(),
		done:   make(chan error, 1),
	}
}

func (a *pendingAck) resolve(err error) {
	a.once.Do(func() { a.done <- err })
}

// takeAck removes an ack record from the pending set, returning nil
// when the id is unknown or already resolved. Stale acks fall through
// here and are silently ignored.
func (c *Controller) takeAck(id string) *pendingAck {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.acks[id]
	if a != nil {
		delete(c.acks, id)
	}
	return a
}

// handleFrame dispatches one inbound frame. Any frame, heartbeats
// included, refreshes the peer's liveness timestamp. Unknown kinds
// are discarded without affecting the link.
func (c *Controller) handleFrame(p *connectedPeer, msg *Message) {
	c.touch(p)

	switch msg.Type {
	case frameArticleBatch:
		c.handleBatch(p, msg)

	case frameArticleAck:
		if a := c.takeAck(msg.ID); a != nil {
			a.resolve(nil)
		}

	case frameHeartbeat:
		p.enqueue(encodeFrame(Message{Type: frameHeartbeatAck, PeerID: c.peerID, Timestamp: nowMillis()}))

	case frameHeartbeatAck:
		c.mu.Lock()
		p.lastHeartbeat = time.Now()
		c.mu.Unlock()

	case frameEchoRequest:
		p.enqueue(encodeFrame(Message{Type: frameEchoResponse, PeerID: c.peerID, Timestamp: msg.Timestamp}))

	case frameEchoResponse:
		rtt := time.Duration(nowMillis()-msg.Timestamp) * time.Millisecond
		if rtt < 0 {
			rtt = 0
		}
		c.bus.publish(EchoResponse{PeerID: p.peerID, RTT: rtt})

	case frameGoodbye:
		p.setReason("goodbye")
		p.shutdown()

	case frameHandshake, frameHandshakeAck:
		// Already promoted; repeated handshakes carry nothing new.

	default:
		c.log.Debug().Str("peer", p.peerID).Str("kind", msg.Type).Msg("discarding unknown frame kind")
	}
}

// handleBatch acknowledges immediately, suppresses redelivered
// duplicates by message id, and surfaces the articles: a single
// article as an individual event fit for an interactive prompt, a
// larger batch as one silent-collection event so a drained backlog
// does not raise one dialog per item.
func (c *Controller) handleBatch(p *connectedPeer, msg *Message) {
	if msg.ID != "" {
		p.enqueue(encodeFrame(Message{Type: frameArticleAck, ID: msg.ID, PeerID: c.peerID}))
		if _, dup := c.seen.Get(msg.ID); dup {
			return
		}
		c.seen.Add(msg.ID, struct{}{})
	}

	switch len(msg.Articles) {
	case 0:
	case 1:
		c.log.Info().Str("peer", p.peerID).Str("url", msg.Articles[0].URL).Msg("article received")
		c.bus.publish(ArticleReceived{PeerID: p.peerID, DisplayName: p.displayName, Article: msg.Articles[0]})
	default:
		c.log.Info().Str("peer", p.peerID).Int("count", len(msg.Articles)).Msg("article batch received")
		c.bus.publish(ArticlesBatchReceived{PeerID: p.peerID, DisplayName: p.displayName, Articles: msg.Articles})
	}
}

// SendArticlesWithAck transmits one batch and waits for the matching
// acknowledgement. It fails with ErrNotConnected when no link exists,
// ErrAckTimeout when the peer stays silent past the ack window, and
// ErrRoomClosed when the room is torn down mid-flight. Nothing is
// persisted on failure; see SendArticleWithQueue for that.
func (c *Controller) SendArticlesWithAck(peerID string, articles []Article) error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return ErrNotInRoom
	}
	p := c.connected[peerID]
	if p == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	id := uuid.NewString()
	ack := newPendingAck(peerID)
	c.acks[id] = ack
	c.mu.Unlock()

	frame := encodeFrame(Message{
		Type:      frameArticleBatch,
		ID:        id,
		PeerID:    c.peerID,
		Articles:  articles,
		Timestamp: nowMillis(),
	})
	if !p.enqueue(frame) {
		c.takeAck(id)
		return ErrSendFailed
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case err := <-ack.done:
		return err
	case <-timer.C:
		c.takeAck(id)
		ack.resolve(ErrAckTimeout)
		return <-ack.done
	}
}

// SendArticleWithQueue shares one article with queue-on-failure
// semantics: when the peer is offline or fails to acknowledge, the
// article is persisted as a pending share for redelivery on the next
// (re)connect.
func (c *Controller) SendArticleWithQueue(peerID string, article Article) ShareResult {
	err := c.SendArticlesWithAck(peerID, []Article{article})
	if err == nil {
		return ShareResult{Success: true}
	}
	if qerr := c.queueShares(peerID, c.peerName(peerID), []Article{article}); qerr != nil {
		return ShareResult{Err: qerr}
	}
	return ShareResult{Queued: true, Err: err}
}

// BroadcastArticlesWithAck fans a batch out to every connected peer
// independently; one peer's failure does not affect the others. The
// result map holds nil for successful deliveries.
func (c *Controller) BroadcastArticlesWithAck(articles []Article) map[string]error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.connected))
	for id := range c.connected {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	results := make(map[string]error, len(ids))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := c.SendArticlesWithAck(id, articles)
			mu.Lock()
			results[id] = err
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return results
}

// Broadcast enqueues a raw frame to every connected peer and reports
// how many accepted it. No delivery guarantee beyond the socket.
func (c *Controller) Broadcast(msg Message) int {
	if msg.PeerID == "" {
		msg.PeerID = c.peerID
	}
	frame := encodeFrame(msg)

	c.mu.Lock()
	peers := make([]*connectedPeer, 0, len(c.connected))
	for _, p := range c.connected {
		peers = append(peers, p)
	}
	c.mu.Unlock()

	sent := 0
	for _, p := range peers {
		if p.enqueue(frame) {
			sent++
		}
	}
	return sent
}

// SendToPeer enqueues a raw frame to one connected peer.
func (c *Controller) SendToPeer(peerID string, msg Message) bool {
	if msg.PeerID == "" {
		msg.PeerID = c.peerID
	}
	c.mu.Lock()
	p := c.connected[peerID]
	c.mu.Unlock()
	if p == nil {
		return false
	}
	return p.enqueue(encodeFrame(msg))
}

// SendEcho fires a round-trip probe; the answer arrives asynchronously
// as an EchoResponse event.
func (c *Controller) SendEcho(peerID string) bool {
	return c.SendToPeer(peerID, Message{Type: frameEchoRequest, Timestamp: nowMillis()})
}

// queueShares persists one pending share per article and reports the
// changed counts.
func (c *Controller) queueShares(peerID, peerName string, articles []Article) error {
	now := time.Now()
	for _, a := range articles {
		share := &PendingShare{
			PeerID:    peerID,
			PeerName:  peerName,
			Article:   a,
			CreatedAt: now,
		}
		if err := c.queue.Add(share); err != nil {
			return err
		}
	}
	c.log.Info().Str("peer", peerID).Int("count", len(articles)).Msg("queued shares for redelivery")
	c.publishPendingCounts()
	return nil
}

// ProcessPendingSharesForPeer drains the durable queue for one peer as
// a single acknowledged batch. Success removes every entry; failure
// increments attempt counters and evicts entries that exhausted the
// attempt budget. Runs automatically when a peer link is promoted.
func (c *Controller) ProcessPendingSharesForPeer(peerID string) {
	shares, err := c.queue.ForPeer(peerID)
	if err != nil {
		c.log.Warn().Str("peer", peerID).Err(err).Msg("pending share lookup failed")
		return
	}
	if len(shares) == 0 {
		return
	}

	articles := make([]Article, len(shares))
	for i, s := range shares {
		articles[i] = s.Article
	}

	if err := c.SendArticlesWithAck(peerID, articles); err != nil {
		dropped := 0
		for _, s := range shares {
			attempts, ierr := c.queue.IncrementAttempts(s.ID)
			if ierr != nil {
				c.log.Warn().Str("share", s.ID).Err(ierr).Msg("attempt count update failed")
				continue
			}
			if attempts >= c.cfg.MaxSendAttempts {
				if rerr := c.queue.Remove(s.ID); rerr == nil {
					dropped++
				}
			}
		}
		c.log.Info().Str("peer", peerID).Err(err).Int("dropped", dropped).Msg("pending share redelivery failed")
		c.publishPendingCounts()
		return
	}

	for _, s := range shares {
		if err := c.queue.Remove(s.ID); err != nil {
			c.log.Warn().Str("share", s.ID).Err(err).Msg("pending share removal failed")
		}
	}
	c.log.Info().Str("peer", peerID).Int("count", len(shares)).Msg("pending shares delivered")
	c.publishPendingCounts()
}

// PendingShareCounts returns the per-peer pending share counts.
func (c *Controller) PendingShareCounts() (map[string]int, error) {
	return c.queue.CountsByPeer()
}

// PendingShares returns every queued share.
func (c *Controller) PendingShares() ([]PendingShare, error) {
	return c.queue.All()
}

// RemovePendingShare deletes one queued share by id.
func (c *Controller) RemovePendingShare(id string) error {
	if err := c.queue.Remove(id); err != nil {
		return err
	}
	c.publishPendingCounts()
	return nil
}

// ClearPendingSharesOlderThan drops shares older than the given number
// of days and reports how many were removed.
func (c *Controller) ClearPendingSharesOlderThan(days int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	removed, err := c.queue.RemoveOlderThan(cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		c.publishPendingCounts()
	}
	return removed, nil
}

func (c *Controller) publishPendingCounts() {
	counts, err := c.queue.CountsByPeer()
	if err != nil {
		c.log.Warn().Err(err).Msg("pending share counts unavailable")
		return
	}
	c.bus.publish(PendingSharesChanged{Counts: counts})
}

package lanshare

import (
	"sync"
	"time"
)

// Event is a notification pushed to subscribers. The UI layer reacts
// to these; the subsystem never blocks on a slow subscriber.
type Event interface{ isEvent() }

// PeerSetChanged carries a full snapshot of known peers after any
// change to the discovered or connected sets.
type PeerSetChanged struct {
	Peers []PeerStatus
}

// PeerDisconnected reports one peer leaving the connected set.
// Reason is "timeout", "goodbye" or "error".
type PeerDisconnected struct {
	PeerID      string
	DisplayName string
	Reason      string
}

// ArticleReceived surfaces a single-article share, suitable for an
// interactive prompt.
type ArticleReceived struct {
	PeerID      string
	DisplayName string
	Article     Article
}

// ArticlesBatchReceived surfaces a multi-article share, suitable for
// silent collection (e.g. a drained backlog).
type ArticlesBatchReceived struct {
	PeerID      string
	DisplayName string
	Articles    []Article
}

// EchoResponse reports the round trip time of an earlier SendEcho.
type EchoResponse struct {
	PeerID string
	RTT    time.Duration
}

// PendingSharesChanged reports new per-peer pending share counts.
type PendingSharesChanged struct {
	Counts map[string]int
}

func (PeerSetChanged) isEvent()        {}
func (PeerDisconnected) isEvent()      {}
func (ArticleReceived) isEvent()       {}
func (ArticlesBatchReceived) isEvent() {}
func (EchoResponse) isEvent()          {}
func (PendingSharesChanged) isEvent()  {}

const eventBuffer = 64

// eventBus fans events out to subscribers. Delivery is best-effort:
// a subscriber that stops draining its channel loses events rather
// than stalling the room.
type eventBus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener. The returned cancel func removes it
// and closes the channel.
func (b *eventBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, eventBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (b *eventBus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

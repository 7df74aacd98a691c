package lanshare

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PendingShare is one queued article awaiting delivery to a peer that
// was offline (or failed to acknowledge) when the share was made.
// Entries outlive process restarts.
type PendingShare struct {
	ID          string    `json:"id"`
	PeerID      string    `json:"peerId"`
	PeerName    string    `json:"peerName"`
	Article     Article   `json:"article"`
	CreatedAt   time.Time `json:"createdAt"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"lastAttempt,omitempty"`
}

// PendingShareStore is the durable queue boundary. The subsystem only
// ever touches it through this interface; store failures surface as
// operation errors and never corrupt in-memory peer state.
type PendingShareStore interface {
	// Add appends a share. The store assigns ID when empty.
	Add(share *PendingShare) error
	// ForPeer returns shares for one peer in insertion order.
	ForPeer(peerID string) ([]PendingShare, error)
	// All returns every share, grouped by peer, insertion-ordered.
	All() ([]PendingShare, error)
	Remove(id string) error
	// IncrementAttempts bumps the attempt counter and stamps the
	// attempt time, returning the new count.
	IncrementAttempts(id string) (int, error)
	// RemoveOlderThan drops shares created before the cutoff and
	// reports how many were removed.
	RemoveOlderThan(cutoff time.Time) (int, error)
	CountsByPeer() (map[string]int, error)
}

// newShareID builds a share id that sorts by creation time within a
// peer, which keeps durable iteration in FIFO order.
func newShareID(peerID string, t time.Time) string {
	return fmt.Sprintf("%s/%020d-%s", peerID, t.UnixNano(), uuid.NewString()[:8])
}

// MemoryPendingShares is an in-memory PendingShareStore, used in tests
// and by hosts that bring their own persistence.
type MemoryPendingShares struct {
	mu     sync.Mutex
	shares []PendingShare
}

func NewMemoryPendingShares() *MemoryPendingShares {
	return &MemoryPendingShares{}
}

func (m *MemoryPendingShares) Add(share *PendingShare) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if share.ID == "" {
		share.ID = newShareID(share.PeerID, share.CreatedAt)
	}
	m.shares = append(m.shares, *share)
	return nil
}

func (m *MemoryPendingShares) ForPeer(peerID string) ([]PendingShare, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []PendingShare
	for _, s := range m.shares {
		if s.PeerID == peerID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemoryPendingShares) All() ([]PendingShare, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PendingShare, len(m.shares))
	copy(out, m.shares)
	sort.SliceStable(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out, nil
}

func (m *MemoryPendingShares) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, s := range m.shares {
		if s.ID == id {
			m.shares = append(m.shares[:i], m.shares[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryPendingShares) IncrementAttempts(id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.shares {
		if m.shares[i].ID == id {
			m.shares[i].Attempts++
			m.shares[i].LastAttempt = time.Now()
			return m.shares[i].Attempts, nil
		}
	}
	return 0, ErrNotFound
}

func (m *MemoryPendingShares) RemoveOlderThan(cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.shares[:0]
	removed := 0
	for _, s := range m.shares {
		if s.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	m.shares = kept
	return removed, nil
}

func (m *MemoryPendingShares) CountsByPeer() (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[string]int)
	for _, s := range m.shares {
		counts[s.PeerID]++
	}
	return counts, nil
}

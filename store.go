package lanshare

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	keyPeerID   = "settings/peer-id"
	keyRoom     = "settings/room"
	sharePrefix = "share/"
)

// Store is a LevelDB-backed implementation of both SettingsStore and
// PendingShareStore. One database file holds both keyspaces.
type Store struct {
	db *leveldb.DB
}

// OpenStore opens (or creates) the database at path.
func OpenStore(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) getString(key string) (string, error) {
	v, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func (s *Store) LoadPeerID() (string, error) {
	return s.getString(keyPeerID)
}

func (s *Store) SavePeerID(id string) error {
	return s.db.Put([]byte(keyPeerID), []byte(id), nil)
}

func (s *Store) LoadRoom() (string, error) {
	return s.getString(keyRoom)
}

func (s *Store) SaveRoom(code string) error {
	return s.db.Put([]byte(keyRoom), []byte(code), nil)
}

func (s *Store) ClearRoom() error {
	return s.db.Delete([]byte(keyRoom), nil)
}

func shareKey(id string) []byte {
	return []byte(sharePrefix + id)
}

func (s *Store) Add(share *PendingShare) error {
	if share.ID == "" {
		share.ID = newShareID(share.PeerID, share.CreatedAt)
	}
	v, err := json.Marshal(share)
	if err != nil {
		return err
	}
	return s.db.Put(shareKey(share.ID), v, nil)
}

func (s *Store) scan(prefix []byte) ([]PendingShare, error) {
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []PendingShare
	for it.Next() {
		var share PendingShare
		if err := json.Unmarshal(it.Value(), &share); err != nil {
			// A corrupt row is skipped rather than wedging the queue.
			continue
		}
		out = append(out, share)
	}
	return out, it.Error()
}

func (s *Store) ForPeer(peerID string) ([]PendingShare, error) {
	return s.scan([]byte(sharePrefix + peerID + "/"))
}

func (s *Store) All() ([]PendingShare, error) {
	return s.scan([]byte(sharePrefix))
}

func (s *Store) Remove(id string) error {
	ok, err := s.db.Has(shareKey(id), nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return s.db.Delete(shareKey(id), nil)
}

func (s *Store) IncrementAttempts(id string) (int, error) {
	v, err := s.db.Get(shareKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	var share PendingShare
	if err := json.Unmarshal(v, &share); err != nil {
		return 0, err
	}
	share.Attempts++
	share.LastAttempt = time.Now()
	nv, err := json.Marshal(&share)
	if err != nil {
		return 0, err
	}
	if err := s.db.Put(shareKey(id), nv, nil); err != nil {
		return 0, err
	}
	return share.Attempts, nil
}

func (s *Store) RemoveOlderThan(cutoff time.Time) (int, error) {
	shares, err := s.All()
	if err != nil {
		return 0, err
	}
	batch := new(leveldb.Batch)
	removed := 0
	for _, share := range shares {
		if share.CreatedAt.Before(cutoff) {
			batch.Delete(shareKey(share.ID))
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *Store) CountsByPeer() (map[string]int, error) {
	shares, err := s.All()
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, share := range shares {
		counts[share.PeerID]++
	}
	return counts, nil
}

package lanshare

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SettingsStore persists the local identity and room membership across
// restarts. Implementations must return ErrNotFound for absent keys.
type SettingsStore interface {
	LoadPeerID() (string, error)
	SavePeerID(id string) error
	LoadRoom() (string, error)
	SaveRoom(code string) error
	ClearRoom() error
}

// ErrNotFound is returned by stores when a key has never been written.
var ErrNotFound = errors.New("lanshare: not found")

// loadOrCreatePeerID returns the persistent peer id, generating and
// saving a fresh one on first use.
func loadOrCreatePeerID(s SettingsStore) (string, error) {
	id, err := s.LoadPeerID()
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	id = uuid.NewString()
	if err := s.SavePeerID(id); err != nil {
		return "", fmt.Errorf("save peer id: %w", err)
	}
	return id, nil
}

// RoomCodeLength is the fixed length of a room code.
const RoomCodeLength = 6

// roomCodeAlphabet omits visually ambiguous characters (0/O, 1/I/L)
// so codes read aloud or retyped survive the trip. Validation is
// looser: any uppercase alphanumeric code of the right length joins.
const roomCodeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// GenerateRoomCode returns a fresh random room code.
func GenerateRoomCode() string {
	buf := make([]byte, RoomCodeLength)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	for i, b := range buf {
		buf[i] = roomCodeAlphabet[int(b)%len(roomCodeAlphabet)]
	}
	return string(buf)
}

// NormalizeRoomCode uppercases and trims a user-supplied code.
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidateRoomCode reports whether a normalized code is well-formed.
func ValidateRoomCode(code string) error {
	if len(code) != RoomCodeLength {
		return fmt.Errorf("lanshare: room code must be %d characters", RoomCodeLength)
	}
	for _, r := range code {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		default:
			return fmt.Errorf("lanshare: room code contains invalid character %q", r)
		}
	}
	return nil
}

// MemorySettings is an in-memory SettingsStore for tests and for
// hosts that manage persistence themselves.
type MemorySettings struct {
	peerID string
	room   string
}

func NewMemorySettings() *MemorySettings { return &MemorySettings{} }

func (m *MemorySettings) LoadPeerID() (string, error) {
	if m.peerID == "" {
		return "", ErrNotFound
	}
	return m.peerID, nil
}

func (m *MemorySettings) SavePeerID(id string) error {
	m.peerID = id
	return nil
}

func (m *MemorySettings) LoadRoom() (string, error) {
	if m.room == "" {
		return "", ErrNotFound
	}
	return m.room, nil
}

func (m *MemorySettings) SaveRoom(code string) error {
	m.room = code
	return nil
}

func (m *MemorySettings) ClearRoom() error {
	m.room = ""
	return nil
}

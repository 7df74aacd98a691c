package lanshare

import (
	"encoding/json"
	"time"
)

// Frame kinds carried over the TCP link.
const (
	frameHandshake    = "handshake"
	frameHandshakeAck = "handshake-ack"
	frameArticleBatch = "article-share-batch"
	frameArticleAck   = "article-share-ack"
	frameHeartbeat    = "heartbeat"
	frameHeartbeatAck = "heartbeat-ack"
	frameEchoRequest  = "echo-request"
	frameEchoResponse = "echo-response"
	frameGoodbye      = "goodbye"
)

// Discovery datagram kinds. A "discovery" invites a unicast reply,
// a "discovery-response" does not.
const (
	discoveryRequest  = "discovery"
	discoveryResponse = "discovery-response"
)

// Article is one shared item. Feed fields are optional context the
// receiving side may use to subscribe to the source feed.
type Article struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	FeedName    string `json:"feedName,omitempty"`
	FeedURL     string `json:"feedUrl,omitempty"`
	FeedIconURL string `json:"feedIconUrl,omitempty"`
}

// Message is a single newline-delimited JSON frame on a peer link.
// Fields are populated according to Type; unused ones are omitted.
type Message struct {
	Type        string    `json:"type"`
	ID          string    `json:"id,omitempty"`
	PeerID      string    `json:"peerId,omitempty"`
	DisplayName string    `json:"displayName,omitempty"`
	Articles    []Article `json:"articles,omitempty"`
	Timestamp   int64     `json:"timestamp,omitempty"`
}

// announcement is the UDP discovery datagram.
type announcement struct {
	Type        string `json:"type"`
	RoomCode    string `json:"roomCode"`
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName"`
	TCPPort     int    `json:"tcpPort"`
	Timestamp   int64  `json:"timestamp"`
}

// DiscoveredPeer is a peer known from discovery but not necessarily
// connected. Entries are refreshed on every announcement and dropped
// when the room is left.
type DiscoveredPeer struct {
	PeerID      string
	DisplayName string
	Addr        string
	TCPPort     int
	LastSeen    time.Time
}

// PeerStatus is one entry of a room status snapshot.
type PeerStatus struct {
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName"`
	Connected   bool   `json:"connected"`
}

// RoomStatus is the full state snapshot exposed to the UI layer.
type RoomStatus struct {
	InRoom   bool         `json:"inRoom"`
	RoomCode string       `json:"roomCode"`
	Peers    []PeerStatus `json:"peers"`
}

// ShareResult reports the outcome of a queue-on-failure send.
type ShareResult struct {
	Success bool
	Queued  bool
	Err     error
}

// decodeFrame parses one frame without its delimiter.
func decodeFrame(line []byte, msg *Message) error {
	return json.Unmarshal(line, msg)
}

// encodeFrame marshals a message and appends the frame delimiter.
func encodeFrame(msg Message) []byte {
	b, err := json.Marshal(msg)
	if err != nil {
		// Message contains only marshalable fields.
		panic(err)
	}
	return append(b, '\n')
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

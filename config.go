package lanshare

import "time"

// Config carries the tunables of one room controller. Zero values are
// not usable; start from DefaultConfig and override what you need.
type Config struct {
	// DiscoveryPort is the well-known UDP port announcements are
	// broadcast to and received on.
	DiscoveryPort int `yaml:"discoveryPort"`

	// BroadcastAddr is the IPv4 address announcements are sent to.
	BroadcastAddr string `yaml:"broadcastAddr"`

	// TCPPortMin/TCPPortMax bound the range the data listener hunts
	// through. The bound port is advertised via discovery.
	TCPPortMin int `yaml:"tcpPortMin"`
	TCPPortMax int `yaml:"tcpPortMax"`

	BroadcastInterval time.Duration `yaml:"broadcastInterval"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`

	// DeadWindow is the maximum silence before a connected peer is
	// presumed dead. Must exceed HeartbeatInterval.
	DeadWindow time.Duration `yaml:"deadWindow"`

	AckTimeout       time.Duration `yaml:"ackTimeout"`
	DialTimeout      time.Duration `yaml:"dialTimeout"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`

	// MaxSendAttempts bounds redelivery of a pending share before it
	// is dropped from the queue.
	MaxSendAttempts int `yaml:"maxSendAttempts"`
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		DiscoveryPort:     52170,
		BroadcastAddr:     "255.255.255.255",
		TCPPortMin:        52171,
		TCPPortMax:        52190,
		BroadcastInterval: 3 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		DeadWindow:        30 * time.Second,
		AckTimeout:        5 * time.Second,
		DialTimeout:       5 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		MaxSendAttempts:   5,
	}
}

package matchmaking

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/cheildo/nexus-clash-matchmaker/internal/lobby"
)

// JoinCodeKey is the lobby data key carrying the relay join code.
const JoinCodeKey = "relayJoinCode"

const (
	DefaultLobbyName         = "nexus-clash-match"
	DefaultMaxConnections    = 1
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultCallTimeout       = 10 * time.Second
	DefaultPeerTimeout       = 2 * time.Minute
)

// Config holds the coordinator settings.
type Config struct {
	PlayerID  string
	LobbyName string
	// MaxConnections is the number of joiners a hosted session accepts.
	MaxConnections    int
	Visibility        lobby.Visibility
	HeartbeatInterval time.Duration
	// CallTimeout bounds every directory, relay and transport call.
	CallTimeout time.Duration
	// PeerTimeout bounds the wait in WaitingForPeer. Zero waits forever.
	PeerTimeout time.Duration
	Clock       clock.Clock
}

func DefaultConfig() Config {
	return Config{
		LobbyName:         DefaultLobbyName,
		MaxConnections:    DefaultMaxConnections,
		Visibility:        lobby.VisibilityPublic,
		HeartbeatInterval: DefaultHeartbeatInterval,
		CallTimeout:       DefaultCallTimeout,
		PeerTimeout:       DefaultPeerTimeout,
		Clock:             clock.New(),
	}
}

// withDefaults fills zero fields from DefaultConfig. PeerTimeout is left as
// given since zero is meaningful.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.LobbyName == "" {
		c.LobbyName = def.LobbyName
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.Visibility == "" {
		c.Visibility = def.Visibility
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.PeerTimeout < 0 {
		c.PeerTimeout = 0
	}
	if c.Clock == nil {
		c.Clock = def.Clock
	}
	return c
}

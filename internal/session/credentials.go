package session

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Role identifies which side of a relay session a set of credentials belongs to.
type Role int

const (
	RoleHost Role = iota + 1
	RoleJoiner
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleJoiner:
		return "joiner"
	default:
		return "unknown"
	}
}

var ErrInvalidCredentials = errors.New("invalid session credentials")

// Params is the raw input for building Credentials.
type Params struct {
	JoinToken          string
	RelayAddress       string
	RelayPort          uint16
	AllocationID       string
	AllocationIDBytes  []byte
	ConnectionData     []byte
	HostConnectionData []byte
	Key                []byte
}

// Credentials holds everything a transport needs to open a relay connection.
// All byte fields are copied on construction and on read, so a Credentials
// value cannot be mutated after it is built.
type Credentials struct {
	role               Role
	joinToken          string
	relayAddress       string
	relayPort          uint16
	allocationID       string
	allocationIDBytes  []byte
	connectionData     []byte
	hostConnectionData []byte
	key                []byte
}

// NewHostCredentials builds host-side credentials. HostConnectionData must be empty.
func NewHostCredentials(p Params) (Credentials, error) {
	if len(p.HostConnectionData) != 0 {
		return Credentials{}, fmt.Errorf("%w: host connection data is only valid for joiners", ErrInvalidCredentials)
	}
	return build(RoleHost, p)
}

// NewJoinerCredentials builds joiner-side credentials. HostConnectionData is required.
func NewJoinerCredentials(p Params) (Credentials, error) {
	if len(p.HostConnectionData) == 0 {
		return Credentials{}, fmt.Errorf("%w: joiner requires host connection data", ErrInvalidCredentials)
	}
	return build(RoleJoiner, p)
}

func build(role Role, p Params) (Credentials, error) {
	if p.RelayAddress == "" || p.RelayPort == 0 {
		return Credentials{}, fmt.Errorf("%w: relay endpoint is required", ErrInvalidCredentials)
	}
	if p.AllocationID == "" {
		return Credentials{}, fmt.Errorf("%w: allocation id is required", ErrInvalidCredentials)
	}
	required := map[string][]byte{
		"allocation id bytes": p.AllocationIDBytes,
		"connection data":     p.ConnectionData,
		"key":                 p.Key,
	}
	for name, b := range required {
		if len(b) == 0 {
			return Credentials{}, fmt.Errorf("%w: %s is empty", ErrInvalidCredentials, name)
		}
	}

	return Credentials{
		role:               role,
		joinToken:          p.JoinToken,
		relayAddress:       p.RelayAddress,
		relayPort:          p.RelayPort,
		allocationID:       p.AllocationID,
		allocationIDBytes:  bytes.Clone(p.AllocationIDBytes),
		connectionData:     bytes.Clone(p.ConnectionData),
		hostConnectionData: bytes.Clone(p.HostConnectionData),
		key:                bytes.Clone(p.Key),
	}, nil
}

func (c Credentials) Role() Role                { return c.role }
func (c Credentials) JoinToken() string         { return c.joinToken }
func (c Credentials) RelayAddress() string      { return c.relayAddress }
func (c Credentials) RelayPort() uint16         { return c.relayPort }
func (c Credentials) AllocationID() string      { return c.allocationID }
func (c Credentials) AllocationIDBytes() []byte { return bytes.Clone(c.allocationIDBytes) }
func (c Credentials) ConnectionData() []byte    { return bytes.Clone(c.connectionData) }
func (c Credentials) Key() []byte               { return bytes.Clone(c.key) }

// HostConnectionData returns the host's connection blob. It is nil for host credentials.
func (c Credentials) HostConnectionData() []byte {
	if c.role != RoleJoiner {
		return nil
	}
	return bytes.Clone(c.hostConnectionData)
}

// IsZero reports whether c was never built.
func (c Credentials) IsZero() bool {
	return c.role == 0
}

// Endpoint returns the relay endpoint as host:port.
func (c Credentials) Endpoint() string {
	return net.JoinHostPort(c.relayAddress, strconv.Itoa(int(c.relayPort)))
}

// WithJoinToken returns a copy of c carrying the given join token.
func (c Credentials) WithJoinToken(token string) Credentials {
	c.joinToken = token
	return c
}

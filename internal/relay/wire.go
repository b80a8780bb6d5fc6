package relay

import (
	"github.com/cheildo/nexus-clash-matchmaker/internal/session"
)

// Control message types sent by the hub as text frames. Payload traffic uses binary frames.
const (
	ControlPeerConnected    = "peer_connected"
	ControlPeerDisconnected = "peer_disconnected"
)

// ControlMessage is a hub-to-peer notification.
type ControlMessage struct {
	Type   string `json:"type"`
	PeerID string `json:"peerId"`
}

type allocateRequest struct {
	MaxConnections int `json:"maxConnections"`
}

type joinRequest struct {
	JoinCode string `json:"joinCode"`
}

type joinCodeResponse struct {
	JoinCode string `json:"joinCode"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// credentialsPayload is the JSON form of session.Credentials. Byte fields are base64 encoded.
type credentialsPayload struct {
	Role               string `json:"role"`
	JoinToken          string `json:"joinToken,omitempty"`
	RelayAddress       string `json:"relayAddress"`
	RelayPort          uint16 `json:"relayPort"`
	AllocationID       string `json:"allocationId"`
	AllocationIDBytes  []byte `json:"allocationIdBytes"`
	ConnectionData     []byte `json:"connectionData"`
	HostConnectionData []byte `json:"hostConnectionData,omitempty"`
	Key                []byte `json:"key"`
}

func newCredentialsPayload(c session.Credentials) credentialsPayload {
	return credentialsPayload{
		Role:               c.Role().String(),
		JoinToken:          c.JoinToken(),
		RelayAddress:       c.RelayAddress(),
		RelayPort:          c.RelayPort(),
		AllocationID:       c.AllocationID(),
		AllocationIDBytes:  c.AllocationIDBytes(),
		ConnectionData:     c.ConnectionData(),
		HostConnectionData: c.HostConnectionData(),
		Key:                c.Key(),
	}
}

func (p credentialsPayload) credentials() (session.Credentials, error) {
	params := session.Params{
		JoinToken:          p.JoinToken,
		RelayAddress:       p.RelayAddress,
		RelayPort:          p.RelayPort,
		AllocationID:       p.AllocationID,
		AllocationIDBytes:  p.AllocationIDBytes,
		ConnectionData:     p.ConnectionData,
		HostConnectionData: p.HostConnectionData,
		Key:                p.Key,
	}
	if p.Role == session.RoleJoiner.String() {
		return session.NewJoinerCredentials(params)
	}
	return session.NewHostCredentials(params)
}

var errorCodes = map[error]string{
	ErrAllocationNotFound: "allocation_not_found",
	ErrJoinCodeNotFound:   "join_code_not_found",
	ErrAllocationFull:     "allocation_full",
	ErrInvalidToken:       "invalid_token",
	ErrInvalidRequest:     "invalid_request",
}

package event

import "time"

const (
	TypeStateChanged = "state_changed"
	TypeMatchFound   = "match_found"
)

// Event represents a typed event with an occurrence timestamp.
type Event interface {
	Type() string
	Timestamp() time.Time
}

// StateChanged carries human-readable status text for the presentation layer.
type StateChanged struct {
	Text       string    `json:"text"`
	State      string    `json:"state"`
	PlayerID   string    `json:"playerID,omitempty"`
	Err        string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

func NewStateChanged(playerID, state, text string) StateChanged {
	return StateChanged{
		Text:       text,
		State:      state,
		PlayerID:   playerID,
		OccurredAt: time.Now().UTC(),
	}
}

func (e StateChanged) Type() string         { return TypeStateChanged }
func (e StateChanged) Timestamp() time.Time { return e.OccurredAt }

// MatchFound is published once a transport connection to the counterparty exists.
type MatchFound struct {
	PlayerID     string    `json:"playerID,omitempty"`
	Role         string    `json:"role"`
	LobbyID      string    `json:"lobbyID,omitempty"`
	AllocationID string    `json:"allocationID,omitempty"`
	PeerID       string    `json:"peerID,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
}

func NewMatchFound(playerID, role, lobbyID, allocationID, peerID string) MatchFound {
	return MatchFound{
		PlayerID:     playerID,
		Role:         role,
		LobbyID:      lobbyID,
		AllocationID: allocationID,
		PeerID:       peerID,
		OccurredAt:   time.Now().UTC(),
	}
}

func (e MatchFound) Type() string         { return TypeMatchFound }
func (e MatchFound) Timestamp() time.Time { return e.OccurredAt }

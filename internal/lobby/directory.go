package lobby

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoMatch is returned by QuickJoin when no open lobby is available.
	// Callers treat it as an expected outcome, not a fault.
	ErrNoMatch      = errors.New("no open lobby available")
	ErrLobbyExpired = errors.New("lobby record expired")
)

// Visibility controls whether a lobby can be found through QuickJoin.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// DataVisibility controls who can read a lobby data entry.
type DataVisibility string

const (
	DataPublic  DataVisibility = "public"
	DataMember  DataVisibility = "member"
	DataPrivate DataVisibility = "private"
)

// DataObject is a single entry of lobby metadata.
type DataObject struct {
	Visibility DataVisibility `json:"visibility"`
	Value      string         `json:"value"`
}

// Record is a discoverable lobby advertising a match.
type Record struct {
	ID         string                `json:"id"`
	Name       string                `json:"name"`
	HostID     string                `json:"hostID"`
	MaxPlayers int                   `json:"maxPlayers"`
	Visibility Visibility            `json:"visibility"`
	Data       map[string]DataObject `json:"data"`
	CreatedAt  time.Time             `json:"createdAt"`
}

// Value returns the data value stored under key.
func (r *Record) Value(key string) (string, bool) {
	if r == nil || r.Data == nil {
		return "", false
	}
	obj, ok := r.Data[key]
	if !ok {
		return "", false
	}
	return obj.Value, true
}

// QuickJoinOptions narrows which lobby QuickJoin may claim.
type QuickJoinOptions struct {
	PlayerID string
}

// CreateOptions describes a new lobby.
type CreateOptions struct {
	HostID     string
	Visibility Visibility
	Data       map[string]DataObject
}

// Directory is the shared discovery service holding lobby records.
type Directory interface {
	QuickJoin(ctx context.Context, opts QuickJoinOptions) (*Record, error)
	Create(ctx context.Context, name string, maxPlayers int, opts CreateOptions) (*Record, error)
	// Heartbeat keeps a hosted lobby alive. It is best-effort.
	Heartbeat(ctx context.Context, lobbyID string) error
	// Delete removes a lobby. Deleting an unknown or empty id is a no-op.
	Delete(ctx context.Context, lobbyID string) error
	// Release offers a claimed lobby to other joiners again. It returns
	// ErrLobbyExpired if the record is gone.
	Release(ctx context.Context, lobbyID string) error
}

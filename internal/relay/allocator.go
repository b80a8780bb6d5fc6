package relay

import (
	"context"
	"errors"

	"github.com/cheildo/nexus-clash-matchmaker/internal/session"
)

var (
	ErrAllocationNotFound = errors.New("allocation not found")
	ErrJoinCodeNotFound   = errors.New("join code not found")
	ErrAllocationFull     = errors.New("allocation has no free connection slots")
	ErrInvalidToken       = errors.New("invalid relay token")
	ErrInvalidRequest     = errors.New("invalid allocation request")
)

// Allocator is the relay/rendezvous service used to set up a session between
// a host and its joiners.
type Allocator interface {
	// AllocateHost reserves a host session accepting up to maxConnections joiners.
	AllocateHost(ctx context.Context, maxConnections int) (session.Credentials, error)
	// JoinCode returns the code joiners use to reach the given host allocation.
	JoinCode(ctx context.Context, allocationID string) (string, error)
	// JoinByCode binds a new joiner allocation to the host behind code.
	JoinByCode(ctx context.Context, code string) (session.Credentials, error)
}

package matchmaking

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrAttemptInFlight  = errors.New("a matchmaking attempt is already in progress")
	ErrAlreadyConnected = errors.New("already connected to a match")
	ErrClosed           = errors.New("coordinator is closed")
	ErrPeerTimeout      = errors.New("no peer connected before the wait timeout")
)

// ServiceError is a directory, relay or transport fault, including timeouts.
type ServiceError struct {
	Op  string
	Err error
}

func (e *ServiceError) Error() string {
	if e.Timeout() {
		return fmt.Sprintf("%s timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Timeout reports whether the call hit its deadline.
func (e *ServiceError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// ConfigurationError means a found lobby does not carry usable join data.
type ConfigurationError struct {
	LobbyID string
	Key     string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("lobby %s: %s %q", e.LobbyID, e.Reason, e.Key)
}

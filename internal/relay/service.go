package relay

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cheildo/nexus-clash-matchmaker/internal/session"
)

const (
	joinCodeLength   = 6
	joinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	joinCodeAttempts = 8
)

// Config holds the settings of the relay allocation service.
type Config struct {
	// PublicAddress and PublicPort are handed to peers as the relay endpoint.
	PublicAddress string
	PublicPort    uint16
}

// Service is the server-side Allocator backed by a Store.
type Service struct {
	store  Store
	tokens *Tokens
	config Config
}

func NewService(store Store, tokens *Tokens, config Config) *Service {
	return &Service{store: store, tokens: tokens, config: config}
}

var _ Allocator = (*Service)(nil)

func (s *Service) AllocateHost(ctx context.Context, maxConnections int) (session.Credentials, error) {
	if maxConnections < 1 {
		return session.Credentials{}, fmt.Errorf("%w: maxConnections must be at least 1", ErrInvalidRequest)
	}

	id := uuid.New()
	alloc := &Allocation{
		ID:               id.String(),
		HostAllocationID: id.String(),
		Role:             session.RoleHost.String(),
		MaxConnections:   maxConnections,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.store.SaveAllocation(ctx, alloc); err != nil {
		slog.Error("Failed to store host allocation", "allocationID", alloc.ID, "error", err)
		return session.Credentials{}, err
	}

	token, err := s.tokens.Issue(alloc.ID, alloc.ID, session.RoleHost)
	if err != nil {
		return session.Credentials{}, err
	}
	key, err := s.tokens.SessionKey(alloc.ID)
	if err != nil {
		return session.Credentials{}, err
	}

	slog.Info("Host allocation created", "allocationID", alloc.ID, "maxConnections", maxConnections)
	return session.NewHostCredentials(session.Params{
		RelayAddress:      s.config.PublicAddress,
		RelayPort:         s.config.PublicPort,
		AllocationID:      alloc.ID,
		AllocationIDBytes: id[:],
		ConnectionData:    []byte(token),
		Key:               key,
	})
}

// JoinCode returns the join code of a host allocation, creating one on first use.
func (s *Service) JoinCode(ctx context.Context, allocationID string) (string, error) {
	alloc, err := s.store.GetAllocation(ctx, allocationID)
	if err != nil {
		return "", err
	}
	if alloc.Role != session.RoleHost.String() {
		return "", fmt.Errorf("%w: join codes exist for host allocations only", ErrInvalidRequest)
	}
	if alloc.JoinCode != "" {
		return alloc.JoinCode, nil
	}

	for i := 0; i < joinCodeAttempts; i++ {
		code, err := newJoinCode()
		if err != nil {
			return "", err
		}
		ok, err := s.store.ClaimJoinCode(ctx, code, alloc.ID)
		if err != nil {
			return "", err
		}
		if !ok {
			continue
		}
		alloc.JoinCode = code
		if err := s.store.SaveAllocation(ctx, alloc); err != nil {
			return "", err
		}
		slog.Info("Join code issued", "allocationID", alloc.ID, "joinCode", code)
		return code, nil
	}
	return "", errors.New("could not find a free join code")
}

func (s *Service) JoinByCode(ctx context.Context, code string) (session.Credentials, error) {
	code = NormalizeJoinCode(code)
	if code == "" {
		return session.Credentials{}, fmt.Errorf("%w: join code is required", ErrInvalidRequest)
	}

	hostID, err := s.store.ResolveJoinCode(ctx, code)
	if err != nil {
		return session.Credentials{}, err
	}
	host, err := s.store.GetAllocation(ctx, hostID)
	if err != nil {
		return session.Credentials{}, err
	}
	if err := s.store.ReserveSlot(ctx, host.ID, host.MaxConnections); err != nil {
		if errors.Is(err, ErrAllocationFull) {
			slog.Warn("Join rejected, allocation full", "allocationID", host.ID, "joinCode", code)
		}
		return session.Credentials{}, err
	}

	id := uuid.New()
	alloc := &Allocation{
		ID:               id.String(),
		HostAllocationID: host.ID,
		Role:             session.RoleJoiner.String(),
		JoinCode:         code,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.store.SaveAllocation(ctx, alloc); err != nil {
		slog.Error("Failed to store joiner allocation", "allocationID", alloc.ID, "error", err)
		return session.Credentials{}, err
	}

	hostUUID, err := uuid.Parse(host.ID)
	if err != nil {
		return session.Credentials{}, fmt.Errorf("corrupt host allocation id %q: %w", host.ID, err)
	}
	token, err := s.tokens.Issue(alloc.ID, host.ID, session.RoleJoiner)
	if err != nil {
		return session.Credentials{}, err
	}
	key, err := s.tokens.SessionKey(host.ID)
	if err != nil {
		return session.Credentials{}, err
	}

	slog.Info("Joiner allocation created", "allocationID", alloc.ID, "hostAllocationID", host.ID)
	return session.NewJoinerCredentials(session.Params{
		JoinToken:          code,
		RelayAddress:       s.config.PublicAddress,
		RelayPort:          s.config.PublicPort,
		AllocationID:       alloc.ID,
		AllocationIDBytes:  id[:],
		ConnectionData:     []byte(token),
		HostConnectionData: hostUUID[:],
		Key:                key,
	})
}

// NormalizeJoinCode upper-cases and trims user-entered codes.
func NormalizeJoinCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func newJoinCode() (string, error) {
	buf := make([]byte, joinCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = joinCodeAlphabet[int(b)%len(joinCodeAlphabet)]
	}
	return string(buf), nil
}

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Allocation is the server-side record of a relay allocation.
type Allocation struct {
	ID               string    `json:"id"`
	HostAllocationID string    `json:"hostAllocationID"`
	Role             string    `json:"role"`
	MaxConnections   int       `json:"maxConnections,omitempty"`
	JoinCode         string    `json:"joinCode,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Store persists allocations and the join-code index.
type Store interface {
	SaveAllocation(ctx context.Context, a *Allocation) error
	GetAllocation(ctx context.Context, id string) (*Allocation, error)
	// ClaimJoinCode binds code to a host allocation. It returns false if the code is taken.
	ClaimJoinCode(ctx context.Context, code, hostAllocationID string) (bool, error)
	ResolveJoinCode(ctx context.Context, code string) (string, error)
	// ReserveSlot takes one joiner slot of a host allocation, failing with
	// ErrAllocationFull once maxConnections slots are in use.
	ReserveSlot(ctx context.Context, hostAllocationID string, maxConnections int) error
}

type redisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore returns a Store whose keys all expire after ttl.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &redisStore{rdb: rdb, ttl: ttl}
}

func allocationKey(id string) string { return "relay:alloc:" + id }
func joinCodeKey(code string) string { return "relay:code:" + code }
func slotsKey(hostID string) string  { return "relay:slots:" + hostID }

// SaveAllocation writes a new allocation, or overwrites an existing one keeping its TTL.
func (s *redisStore) SaveAllocation(ctx context.Context, a *Allocation) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	key := allocationKey(a.ID)
	ttl, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return err
	}
	if ttl > 0 {
		return s.rdb.Set(ctx, key, payload, redis.KeepTTL).Err()
	}
	return s.rdb.Set(ctx, key, payload, s.ttl).Err()
}

func (s *redisStore) GetAllocation(ctx context.Context, id string) (*Allocation, error) {
	payload, err := s.rdb.Get(ctx, allocationKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrAllocationNotFound
	}
	if err != nil {
		return nil, err
	}
	var a Allocation
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("decode allocation %s: %w", id, err)
	}
	return &a, nil
}

func (s *redisStore) ClaimJoinCode(ctx context.Context, code, hostAllocationID string) (bool, error) {
	return s.rdb.SetNX(ctx, joinCodeKey(code), hostAllocationID, s.ttl).Result()
}

func (s *redisStore) ResolveJoinCode(ctx context.Context, code string) (string, error) {
	id, err := s.rdb.Get(ctx, joinCodeKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrJoinCodeNotFound
	}
	return id, err
}

func (s *redisStore) ReserveSlot(ctx context.Context, hostAllocationID string, maxConnections int) error {
	key := slotsKey(hostAllocationID)
	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if incr.Val() > int64(maxConnections) {
		if err := s.rdb.Decr(ctx, key).Err(); err != nil {
			return err
		}
		return ErrAllocationFull
	}
	return nil
}

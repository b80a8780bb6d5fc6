package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis-backed directory.
type RedisConfig struct {
	// KeyPrefix namespaces every key the directory writes.
	KeyPrefix string
	// TTL is how long a lobby survives without a heartbeat.
	TTL time.Duration
}

type redisDirectory struct {
	rdb       *redis.Client
	keyPrefix string
	ttl       time.Duration
	now       func() time.Time
}

// NewRedisDirectory returns a Directory storing lobbies in Redis.
//
// Each lobby lives under its own key with a TTL refreshed by Heartbeat. Public
// lobbies are also indexed in a sorted set scored by creation time; QuickJoin
// pops the oldest entry, so a lobby can be claimed by one joiner only.
func NewRedisDirectory(rdb *redis.Client, cfg RedisConfig) Directory {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "lobby"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	return &redisDirectory{
		rdb:       rdb,
		keyPrefix: cfg.KeyPrefix,
		ttl:       cfg.TTL,
		now:       time.Now,
	}
}

func (d *redisDirectory) recordKey(lobbyID string) string {
	return fmt.Sprintf("%s:record:%s", d.keyPrefix, lobbyID)
}

func (d *redisDirectory) openKey() string {
	return d.keyPrefix + ":open"
}

// Create stores a new lobby record and indexes it if it is public.
func (d *redisDirectory) Create(ctx context.Context, name string, maxPlayers int, opts CreateOptions) (*Record, error) {
	if maxPlayers < 2 {
		return nil, fmt.Errorf("lobby needs room for at least 2 players, got %d", maxPlayers)
	}
	if opts.Visibility == "" {
		opts.Visibility = VisibilityPublic
	}

	record := &Record{
		ID:         uuid.NewString(),
		Name:       name,
		HostID:     opts.HostID,
		MaxPlayers: maxPlayers,
		Visibility: opts.Visibility,
		Data:       opts.Data,
		CreatedAt:  d.now().UTC(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}

	pipe := d.rdb.TxPipeline()
	pipe.Set(ctx, d.recordKey(record.ID), payload, d.ttl)
	if record.Visibility == VisibilityPublic {
		score := float64(record.CreatedAt.UnixNano())
		pipe.ZAdd(ctx, d.openKey(), redis.Z{Score: score, Member: record.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("Failed to create lobby in Redis", "lobbyID", record.ID, "error", err)
		return nil, err
	}

	slog.Info("Lobby created", "lobbyID", record.ID, "name", name, "visibility", record.Visibility)
	return record, nil
}

// QuickJoin claims the oldest open lobby. Entries whose record has already
// expired are discarded; the caller's own lobbies are skipped and put back.
func (d *redisDirectory) QuickJoin(ctx context.Context, opts QuickJoinOptions) (*Record, error) {
	var skipped []redis.Z
	defer func() {
		if len(skipped) == 0 {
			return
		}
		if err := d.rdb.ZAdd(context.WithoutCancel(ctx), d.openKey(), skipped...).Err(); err != nil {
			slog.Error("Failed to restore skipped lobbies", "count", len(skipped), "error", err)
		}
	}()

	for {
		popped, err := d.rdb.ZPopMin(ctx, d.openKey(), 1).Result()
		if err != nil {
			return nil, err
		}
		if len(popped) == 0 {
			return nil, ErrNoMatch
		}

		lobbyID, _ := popped[0].Member.(string)
		record, err := d.get(ctx, lobbyID)
		if errors.Is(err, ErrLobbyExpired) {
			slog.Debug("Skipping expired lobby", "lobbyID", lobbyID)
			continue
		}
		if err != nil {
			skipped = append(skipped, popped[0])
			return nil, err
		}
		if opts.PlayerID != "" && record.HostID == opts.PlayerID {
			skipped = append(skipped, popped[0])
			continue
		}

		slog.Info("Lobby claimed", "lobbyID", lobbyID, "playerID", opts.PlayerID)
		return record, nil
	}
}

// Release puts a claimed public lobby back into the open index with its
// original position.
func (d *redisDirectory) Release(ctx context.Context, lobbyID string) error {
	record, err := d.get(ctx, lobbyID)
	if err != nil {
		return err
	}
	if record.Visibility != VisibilityPublic {
		return nil
	}
	score := float64(record.CreatedAt.UnixNano())
	if err := d.rdb.ZAdd(ctx, d.openKey(), redis.Z{Score: score, Member: lobbyID}).Err(); err != nil {
		slog.Error("Failed to release lobby", "lobbyID", lobbyID, "error", err)
		return err
	}
	slog.Info("Lobby released", "lobbyID", lobbyID)
	return nil
}

func (d *redisDirectory) get(ctx context.Context, lobbyID string) (*Record, error) {
	payload, err := d.rdb.Get(ctx, d.recordKey(lobbyID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrLobbyExpired
	}
	if err != nil {
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("decode lobby %s: %w", lobbyID, err)
	}
	return &record, nil
}

// Heartbeat refreshes the lobby TTL.
func (d *redisDirectory) Heartbeat(ctx context.Context, lobbyID string) error {
	ok, err := d.rdb.Expire(ctx, d.recordKey(lobbyID), d.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrLobbyExpired
	}
	return nil
}

// Delete removes the lobby record and its index entry.
func (d *redisDirectory) Delete(ctx context.Context, lobbyID string) error {
	if lobbyID == "" {
		return nil
	}
	pipe := d.rdb.TxPipeline()
	pipe.Del(ctx, d.recordKey(lobbyID))
	pipe.ZRem(ctx, d.openKey(), lobbyID)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("Failed to delete lobby from Redis", "lobbyID", lobbyID, "error", err)
		return err
	}
	slog.Info("Lobby deleted", "lobbyID", lobbyID)
	return nil
}

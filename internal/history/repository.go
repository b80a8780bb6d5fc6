package history

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

var ErrInvalidAttempt = errors.New("attempt is missing player id or outcome")

type Outcome string

const (
	OutcomeConnected Outcome = "connected"
	OutcomeFailed    Outcome = "failed"
)

// Attempt is the stored result of one matchmaking attempt.
type Attempt struct {
	PlayerID     string
	Role         string
	LobbyID      string
	AllocationID string
	PeerID       string
	Outcome      Outcome
	Error        string
	OccurredAt   time.Time
}

// Schema creates the match_attempts table.
const Schema = `
	CREATE TABLE IF NOT EXISTS match_attempts (
		id            BIGSERIAL PRIMARY KEY,
		player_id     TEXT        NOT NULL,
		role          TEXT        NOT NULL DEFAULT '',
		lobby_id      TEXT        NOT NULL DEFAULT '',
		allocation_id TEXT        NOT NULL DEFAULT '',
		peer_id       TEXT        NOT NULL DEFAULT '',
		outcome       TEXT        NOT NULL,
		error         TEXT        NOT NULL DEFAULT '',
		occurred_at   TIMESTAMPTZ NOT NULL
	);
`

// Repository defines the database operations for match history.
type Repository interface {
	EnsureSchema(ctx context.Context) error
	RecordAttempt(ctx context.Context, a Attempt) error
	RecentAttempts(ctx context.Context, playerID string, limit int) ([]Attempt, error)
}

type postgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &postgresRepository{db: db}
}

func (r *postgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		slog.Error("Failed to create match_attempts table", "error", err)
		return err
	}
	return nil
}

// RecordAttempt inserts one attempt outcome.
func (r *postgresRepository) RecordAttempt(ctx context.Context, a Attempt) error {
	if a.PlayerID == "" || a.Outcome == "" {
		return ErrInvalidAttempt
	}
	if a.OccurredAt.IsZero() {
		a.OccurredAt = time.Now().UTC()
	}

	query := `
		INSERT INTO match_attempts (player_id, role, lobby_id, allocation_id, peer_id, outcome, error, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
	`
	_, err := r.db.ExecContext(ctx, query,
		a.PlayerID, a.Role, a.LobbyID, a.AllocationID, a.PeerID, string(a.Outcome), a.Error, a.OccurredAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			slog.Error("Postgres rejected match attempt", "code", pqErr.Code.Name(), "error", err)
		} else {
			slog.Error("Failed to record match attempt", "playerID", a.PlayerID, "error", err)
		}
		return err
	}
	return nil
}

// RecentAttempts returns the newest attempts of a player, newest first.
func (r *postgresRepository) RecentAttempts(ctx context.Context, playerID string, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT player_id, role, lobby_id, allocation_id, peer_id, outcome, error, occurred_at
		FROM match_attempts
		WHERE player_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2;
	`
	rows, err := r.db.QueryContext(ctx, query, playerID, limit)
	if err != nil {
		slog.Error("Failed to query match attempts", "playerID", playerID, "error", err)
		return nil, err
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var a Attempt
		var outcome string
		if err := rows.Scan(&a.PlayerID, &a.Role, &a.LobbyID, &a.AllocationID, &a.PeerID, &outcome, &a.Error, &a.OccurredAt); err != nil {
			return nil, err
		}
		a.Outcome = Outcome(outcome)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

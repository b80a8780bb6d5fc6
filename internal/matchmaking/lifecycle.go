package matchmaking

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/cheildo/nexus-clash-matchmaker/internal/lobby"
)

var ErrHeartbeatActive = errors.New("a lobby heartbeat is already running")

// Lifecycle keeps a hosted lobby alive with periodic heartbeats and deletes it
// on teardown. It owns at most one heartbeat task at a time.
type Lifecycle struct {
	dir         lobby.Directory
	clock       clock.Clock
	interval    time.Duration
	callTimeout time.Duration

	mu      sync.Mutex
	lobbyID string
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewLifecycle(dir lobby.Directory, clk clock.Clock, interval, callTimeout time.Duration) *Lifecycle {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Lifecycle{
		dir:         dir,
		clock:       clk,
		interval:    interval,
		callTimeout: callTimeout,
	}
}

// Start begins heartbeating lobbyID. The id is recorded before the ticker is
// armed, so the first tick always sees it.
func (l *Lifecycle) Start(lobbyID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return ErrHeartbeatActive
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.lobbyID = lobbyID
	l.cancel = cancel
	l.done = make(chan struct{})
	ticker := l.clock.Ticker(l.interval)

	go l.run(ctx, ticker, lobbyID, l.done)
	slog.Info("Lobby heartbeat started", "lobbyID", lobbyID, "interval", l.interval)
	return nil
}

func (l *Lifecycle) run(ctx context.Context, ticker *clock.Ticker, lobbyID string, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.beat(ctx, lobbyID)
		}
	}
}

// beat sends one heartbeat. Failures are logged and otherwise ignored; the
// directory expires lobbies that stop beating.
func (l *Lifecycle) beat(ctx context.Context, lobbyID string) {
	callCtx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()
	if err := l.dir.Heartbeat(callCtx, lobbyID); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("Lobby heartbeat failed", "lobbyID", lobbyID, "error", err)
	}
}

// LobbyID returns the lobby currently kept alive, or "".
func (l *Lifecycle) LobbyID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lobbyID
}

// Active reports whether a heartbeat task is running.
func (l *Lifecycle) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

// Teardown stops the heartbeat task, waits for it to exit and only then
// deletes the lobby. Deletion is attempted even when no lobby was started; the
// directory treats that as a no-op. Errors are logged, not returned.
func (l *Lifecycle) Teardown(ctx context.Context) {
	l.mu.Lock()
	lobbyID := l.lobbyID
	cancel, done := l.cancel, l.done
	l.lobbyID = ""
	l.cancel = nil
	l.done = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		slog.Info("Lobby heartbeat stopped", "lobbyID", lobbyID)
	}

	callCtx, cancelCall := context.WithTimeout(ctx, l.callTimeout)
	defer cancelCall()
	if err := l.dir.Delete(callCtx, lobbyID); err != nil {
		slog.Error("Failed to delete lobby on teardown", "lobbyID", lobbyID, "error", err)
	}
}

package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/cheildo/nexus-clash-matchmaker/internal/event"
	"github.com/cheildo/nexus-clash-matchmaker/internal/matchmaking"
)

const recordTimeout = 5 * time.Second

// Recorder stores terminal matchmaking outcomes published on the bus.
type Recorder struct {
	repo Repository
	bus  *event.Bus[event.Event]
}

func NewRecorder(repo Repository, bus *event.Bus[event.Event]) *Recorder {
	return &Recorder{repo: repo, bus: bus}
}

// Run consumes events until ctx is done or the bus closes. Store failures are
// logged and the event is dropped.
func (r *Recorder) Run(ctx context.Context) {
	events, cancel := r.bus.SubscribeTypes(event.TypeMatchFound, event.TypeStateChanged)
	defer cancel()
	slog.Info("Match history recorder started")

	for {
		select {
		case <-ctx.Done():
			slog.Info("Match history recorder stopping.")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			attempt, ok := attemptFrom(ev)
			if !ok {
				continue
			}
			recordCtx, cancelRecord := context.WithTimeout(ctx, recordTimeout)
			if err := r.repo.RecordAttempt(recordCtx, attempt); err != nil {
				slog.Warn("Dropping match history entry", "playerID", attempt.PlayerID, "outcome", attempt.Outcome, "error", err)
			}
			cancelRecord()
		}
	}
}

// attemptFrom maps an event to a stored outcome. Only MatchFound and failed
// state changes are terminal.
func attemptFrom(ev event.Event) (Attempt, bool) {
	switch e := ev.(type) {
	case event.MatchFound:
		return Attempt{
			PlayerID:     e.PlayerID,
			Role:         e.Role,
			LobbyID:      e.LobbyID,
			AllocationID: e.AllocationID,
			PeerID:       e.PeerID,
			Outcome:      OutcomeConnected,
			OccurredAt:   e.OccurredAt,
		}, true
	case event.StateChanged:
		if e.State != matchmaking.StateFailed.String() {
			return Attempt{}, false
		}
		return Attempt{
			PlayerID:   e.PlayerID,
			Outcome:    OutcomeFailed,
			Error:      e.Err,
			OccurredAt: e.OccurredAt,
		}, true
	}
	return Attempt{}, false
}

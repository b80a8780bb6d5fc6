package matchmaking

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/cheildo/nexus-clash-matchmaker/internal/event"
	"github.com/cheildo/nexus-clash-matchmaker/internal/lobby"
	"github.com/cheildo/nexus-clash-matchmaker/internal/relay"
	"github.com/cheildo/nexus-clash-matchmaker/internal/session"
)

// Transport is the peer transport the coordinator configures and starts.
type Transport interface {
	StartHost(ctx context.Context, creds session.Credentials) error
	StartClient(ctx context.Context, creds session.Credentials) error
	// OnPeerConnected registers fn and returns a func that removes it.
	OnPeerConnected(fn func(peerID string)) func()
}

// Coordinator drives one player through quick-join, host fallback and
// transport start. Only one attempt runs at a time.
type Coordinator struct {
	dir       lobby.Directory
	alloc     relay.Allocator
	transport Transport
	bus       *event.Bus[event.Event]
	cfg       Config
	lifecycle *Lifecycle

	mu          sync.Mutex
	state       State
	attempt     uint64
	closed      bool
	creds       session.Credentials
	lobbyID     string
	lastErr     error
	pendingPeer string
	stopWatch   func()
	peerTimer   *clock.Timer
}

func NewCoordinator(dir lobby.Directory, alloc relay.Allocator, transport Transport, bus *event.Bus[event.Event], cfg Config) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		dir:       dir,
		alloc:     alloc,
		transport: transport,
		bus:       bus,
		cfg:       cfg,
		lifecycle: NewLifecycle(dir, cfg.Clock, cfg.HeartbeatInterval, cfg.CallTimeout),
		state:     StateIdle,
	}
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Credentials returns the session credentials of the current attempt. They
// are zero until a relay allocation succeeds.
func (c *Coordinator) Credentials() session.Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds
}

// LobbyID returns the lobby hosted by the current attempt, or "".
func (c *Coordinator) LobbyID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lobbyID
}

// Err returns the error that moved the coordinator to StateFailed.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// FindMatch joins an open lobby as a joiner, or hosts one when none is open.
// It returns once the transport is started. A hosted attempt then waits in
// StateWaitingForPeer until a joiner connects.
func (c *Coordinator) FindMatch(ctx context.Context) error {
	attempt, err := c.begin(StateSearching, TextSearching)
	if err != nil {
		return err
	}

	var record *lobby.Record
	err = c.call(ctx, func(ctx context.Context) error {
		var err error
		record, err = c.dir.QuickJoin(ctx, lobby.QuickJoinOptions{PlayerID: c.cfg.PlayerID})
		return err
	})
	if errors.Is(err, lobby.ErrNoMatch) {
		slog.Info("No open lobby found, hosting a new one", "playerID", c.cfg.PlayerID)
		if err := c.transition(attempt, StateCreating, TextCreating); err != nil {
			return err
		}
		return c.host(ctx, attempt)
	}
	if err != nil {
		return c.fail(attempt, &ServiceError{Op: "quick join", Err: err})
	}
	if err := c.current(attempt); err != nil {
		return err
	}
	return c.join(ctx, attempt, record)
}

// CreateMatch skips the search and hosts a new lobby.
func (c *Coordinator) CreateMatch(ctx context.Context) error {
	attempt, err := c.begin(StateCreating, TextCreating)
	if err != nil {
		return err
	}
	return c.host(ctx, attempt)
}

func (c *Coordinator) join(ctx context.Context, attempt uint64, record *lobby.Record) error {
	code, ok := record.Value(JoinCodeKey)
	if !ok {
		return c.fail(attempt, &ConfigurationError{LobbyID: record.ID, Key: JoinCodeKey, Reason: "missing"})
	}
	if strings.TrimSpace(code) == "" {
		return c.fail(attempt, &ConfigurationError{LobbyID: record.ID, Key: JoinCodeKey, Reason: "empty"})
	}
	slog.Info("Joined lobby", "playerID", c.cfg.PlayerID, "lobbyID", record.ID, "hostID", record.HostID)

	var creds session.Credentials
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		creds, err = c.alloc.JoinByCode(ctx, code)
		return err
	})
	if err != nil {
		c.releaseClaim(record.ID, err)
		return c.fail(attempt, &ServiceError{Op: "join relay allocation", Err: err})
	}
	if creds.JoinToken() == "" {
		creds = creds.WithJoinToken(code)
	}
	if err := c.setCredentials(attempt, creds); err != nil {
		return err
	}

	err = c.call(ctx, func(ctx context.Context) error {
		return c.transport.StartClient(ctx, creds)
	})
	if err != nil {
		c.releaseClaim(record.ID, err)
		return c.fail(attempt, &ServiceError{Op: "start client", Err: err})
	}

	c.mu.Lock()
	if c.attempt != attempt || c.state != StateSearching {
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = StateConnected
	c.mu.Unlock()

	slog.Info("Connected to host", "playerID", c.cfg.PlayerID, "lobbyID", record.ID, "allocationID", creds.AllocationID())
	c.publish(event.NewMatchFound(c.cfg.PlayerID, session.RoleJoiner.String(), record.ID, creds.AllocationID(), record.HostID))
	c.publishState(StateConnected, TextMatchFound, nil)
	return nil
}

func (c *Coordinator) host(ctx context.Context, attempt uint64) error {
	var creds session.Credentials
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		creds, err = c.alloc.AllocateHost(ctx, c.cfg.MaxConnections)
		return err
	})
	if err != nil {
		return c.fail(attempt, &ServiceError{Op: "allocate host", Err: err})
	}

	var code string
	err = c.call(ctx, func(ctx context.Context) error {
		var err error
		code, err = c.alloc.JoinCode(ctx, creds.AllocationID())
		return err
	})
	if err != nil {
		return c.fail(attempt, &ServiceError{Op: "get join code", Err: err})
	}
	creds = creds.WithJoinToken(code)
	if err := c.setCredentials(attempt, creds); err != nil {
		return err
	}

	var record *lobby.Record
	err = c.call(ctx, func(ctx context.Context) error {
		var err error
		record, err = c.dir.Create(ctx, c.cfg.LobbyName, c.cfg.MaxConnections+1, lobby.CreateOptions{
			HostID:     c.cfg.PlayerID,
			Visibility: c.cfg.Visibility,
			Data: map[string]lobby.DataObject{
				JoinCodeKey: {Visibility: lobby.DataMember, Value: code},
			},
		})
		return err
	})
	if err != nil {
		return c.fail(attempt, &ServiceError{Op: "create lobby", Err: err})
	}

	c.mu.Lock()
	if c.attempt != attempt || c.state != StateCreating {
		c.mu.Unlock()
		// Closed while the lobby was being created; nothing else owns it.
		c.deleteOrphan(record.ID)
		return ErrClosed
	}
	c.lobbyID = record.ID
	if err := c.lifecycle.Start(record.ID); err != nil {
		c.mu.Unlock()
		return c.fail(attempt, err)
	}
	c.mu.Unlock()

	// The listener is registered before the host transport starts so that an
	// early joiner is never missed.
	stop := c.transport.OnPeerConnected(func(peerID string) {
		c.peerConnected(attempt, peerID)
	})
	c.mu.Lock()
	if c.attempt != attempt || c.state != StateCreating {
		c.mu.Unlock()
		stop()
		return ErrClosed
	}
	c.stopWatch = stop
	c.mu.Unlock()
	slog.Info("Hosting lobby", "playerID", c.cfg.PlayerID, "lobbyID", record.ID, "allocationID", creds.AllocationID())

	err = c.call(ctx, func(ctx context.Context) error {
		return c.transport.StartHost(ctx, creds)
	})
	if err != nil {
		return c.fail(attempt, &ServiceError{Op: "start host", Err: err})
	}

	// The waiting text goes out while still Creating: a peer arriving now is
	// held as pending, so MatchFound can never precede it.
	c.publishState(StateWaitingForPeer, TextWaitingForPeer, nil)

	c.mu.Lock()
	if c.attempt != attempt || c.state != StateCreating {
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = StateWaitingForPeer
	pending := c.pendingPeer
	c.pendingPeer = ""
	if c.cfg.PeerTimeout > 0 && pending == "" {
		c.peerTimer = c.cfg.Clock.AfterFunc(c.cfg.PeerTimeout, func() {
			c.peerTimedOut(attempt)
		})
	}
	c.mu.Unlock()

	if pending != "" {
		c.peerConnected(attempt, pending)
	}
	return nil
}

// peerConnected completes a hosted attempt. A peer that connects while the
// host transport is still starting is held until WaitingForPeer is reached.
func (c *Coordinator) peerConnected(attempt uint64, peerID string) {
	c.mu.Lock()
	if c.attempt != attempt {
		c.mu.Unlock()
		return
	}
	switch c.state {
	case StateCreating:
		if c.pendingPeer == "" {
			c.pendingPeer = peerID
		}
		c.mu.Unlock()
		return
	case StateWaitingForPeer:
	default:
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	stop := c.releaseWaitLocked()
	lobbyID, creds := c.lobbyID, c.creds
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	slog.Info("Peer connected", "playerID", c.cfg.PlayerID, "lobbyID", lobbyID, "peerID", peerID)
	c.publish(event.NewMatchFound(c.cfg.PlayerID, session.RoleHost.String(), lobbyID, creds.AllocationID(), peerID))
	c.publishState(StateConnected, TextMatchFound, nil)
}

func (c *Coordinator) peerTimedOut(attempt uint64) {
	c.mu.Lock()
	waiting := c.attempt == attempt && c.state == StateWaitingForPeer
	c.mu.Unlock()
	if waiting {
		c.fail(attempt, ErrPeerTimeout)
	}
}

// Close stops any running attempt, cancels the heartbeat and deletes the
// hosted lobby. Later attempts return ErrClosed.
func (c *Coordinator) Close(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.attempt++
	c.state = StateIdle
	stop := c.releaseWaitLocked()
	c.pendingPeer = ""
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	c.lifecycle.Teardown(ctx)
	slog.Info("Matchmaking coordinator closed", "playerID", c.cfg.PlayerID)
}

// begin starts a new attempt. Attempts are accepted from Idle and Failed.
func (c *Coordinator) begin(next State, text string) (uint64, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return 0, ErrClosed
	case c.state.inFlight():
		c.mu.Unlock()
		return 0, ErrAttemptInFlight
	case c.state == StateConnected:
		c.mu.Unlock()
		return 0, ErrAlreadyConnected
	}
	c.attempt++
	attempt := c.attempt
	c.state = next
	c.creds = session.Credentials{}
	c.lobbyID = ""
	c.lastErr = nil
	c.pendingPeer = ""
	c.mu.Unlock()

	c.publishState(next, text, nil)
	return attempt, nil
}

func (c *Coordinator) transition(attempt uint64, next State, text string) error {
	c.mu.Lock()
	if c.attempt != attempt {
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = next
	c.mu.Unlock()
	c.publishState(next, text, nil)
	return nil
}

// current returns ErrClosed when attempt is no longer the running one.
func (c *Coordinator) current(attempt uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt != attempt {
		return ErrClosed
	}
	return nil
}

func (c *Coordinator) setCredentials(attempt uint64, creds session.Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt != attempt {
		return ErrClosed
	}
	c.creds = creds
	return nil
}

// fail moves a running attempt to StateFailed and tears down anything it
// hosted. It returns err unchanged, or ErrClosed if the attempt was replaced.
func (c *Coordinator) fail(attempt uint64, err error) error {
	c.mu.Lock()
	if c.attempt != attempt {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.state.inFlight() {
		c.mu.Unlock()
		return err
	}
	c.state = StateFailed
	c.lastErr = err
	c.pendingPeer = ""
	stop := c.releaseWaitLocked()
	hosted := c.lobbyID != ""
	lobbyID := c.lobbyID
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if hosted {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
		c.lifecycle.Teardown(ctx)
		cancel()
	}

	slog.Error("Matchmaking attempt failed", "playerID", c.cfg.PlayerID, "lobbyID", lobbyID, "error", err)
	c.publishState(StateFailed, TextFailedPrefix+err.Error(), err)
	return err
}

// releaseWaitLocked stops the peer timer and returns the peer listener's
// cancel func. c.mu must be held.
func (c *Coordinator) releaseWaitLocked() func() {
	if c.peerTimer != nil {
		c.peerTimer.Stop()
		c.peerTimer = nil
	}
	stop := c.stopWatch
	c.stopWatch = nil
	return stop
}

// releaseClaim reopens a lobby this joiner claimed but could not use, unless
// the relay reports that the host's allocation is unusable.
func (c *Coordinator) releaseClaim(lobbyID string, cause error) {
	if errors.Is(cause, relay.ErrJoinCodeNotFound) ||
		errors.Is(cause, relay.ErrAllocationNotFound) ||
		errors.Is(cause, relay.ErrAllocationFull) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
	defer cancel()
	if err := c.dir.Release(ctx, lobbyID); err != nil {
		slog.Warn("Failed to release claimed lobby", "lobbyID", lobbyID, "error", err)
	}
}

func (c *Coordinator) deleteOrphan(lobbyID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
	defer cancel()
	if err := c.dir.Delete(ctx, lobbyID); err != nil {
		slog.Error("Failed to delete orphaned lobby", "lobbyID", lobbyID, "error", err)
	}
}

// call runs fn with the configured per-call timeout.
func (c *Coordinator) call(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	return fn(callCtx)
}

func (c *Coordinator) publishState(state State, text string, err error) {
	ev := event.NewStateChanged(c.cfg.PlayerID, state.String(), text)
	if err != nil {
		ev.Err = err.Error()
	}
	c.publish(ev)
}

func (c *Coordinator) publish(ev event.Event) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(ev)
}

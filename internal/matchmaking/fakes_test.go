package matchmaking

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cheildo/nexus-clash-matchmaker/internal/event"
	"github.com/cheildo/nexus-clash-matchmaker/internal/lobby"
	"github.com/cheildo/nexus-clash-matchmaker/internal/session"
)

// callLog records calls across all doubles in the order they happen.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(call string) int {
	n := 0
	for _, c := range l.snapshot() {
		if c == call {
			n++
		}
	}
	return n
}

func (l *callLog) index(call string) int {
	for i, c := range l.snapshot() {
		if c == call {
			return i
		}
	}
	return -1
}

type fakeDirectory struct {
	log *callLog

	quickJoinRecord *lobby.Record
	quickJoinErr    error
	// quickJoinBlock, when set, holds QuickJoin until it is closed or the
	// call context ends.
	quickJoinBlock chan struct{}
	createErr      error
	deleteErr      error
	heartbeatErr   error
	// createBlock, when set, holds Create until it is closed.
	createBlock chan struct{}
	// heartbeatBlock, when set, holds Heartbeat until the call context ends.
	heartbeatBlock bool

	mu      sync.Mutex
	created []lobby.CreateOptions
	names   []string
	max     []int
}

func (d *fakeDirectory) QuickJoin(ctx context.Context, opts lobby.QuickJoinOptions) (*lobby.Record, error) {
	d.log.add("quick_join:%s", opts.PlayerID)
	if d.quickJoinBlock != nil {
		select {
		case <-d.quickJoinBlock:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.quickJoinErr != nil {
		return nil, d.quickJoinErr
	}
	return d.quickJoinRecord, nil
}

func (d *fakeDirectory) Create(ctx context.Context, name string, maxPlayers int, opts lobby.CreateOptions) (*lobby.Record, error) {
	d.log.add("create:%s", name)
	if d.createBlock != nil {
		select {
		case <-d.createBlock:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.createErr != nil {
		return nil, d.createErr
	}
	d.mu.Lock()
	d.created = append(d.created, opts)
	d.names = append(d.names, name)
	d.max = append(d.max, maxPlayers)
	d.mu.Unlock()
	return &lobby.Record{
		ID:         "lobby-1",
		Name:       name,
		HostID:     opts.HostID,
		MaxPlayers: maxPlayers,
		Visibility: opts.Visibility,
		Data:       opts.Data,
		CreatedAt:  time.Now(),
	}, nil
}

func (d *fakeDirectory) Heartbeat(ctx context.Context, lobbyID string) error {
	d.log.add("heartbeat:%s", lobbyID)
	if d.heartbeatBlock {
		<-ctx.Done()
		d.log.add("heartbeat_done:%s", lobbyID)
		return ctx.Err()
	}
	return d.heartbeatErr
}

func (d *fakeDirectory) Release(ctx context.Context, lobbyID string) error {
	d.log.add("release:%s", lobbyID)
	return nil
}

func (d *fakeDirectory) Delete(ctx context.Context, lobbyID string) error {
	d.log.add("delete:%s", lobbyID)
	return d.deleteErr
}

type fakeAllocator struct {
	log *callLog

	host   session.Credentials
	joiner session.Credentials
	code   string

	allocateErr error
	codeErr     error
	joinErr     error
}

func (a *fakeAllocator) AllocateHost(ctx context.Context, maxConnections int) (session.Credentials, error) {
	a.log.add("allocate_host:%d", maxConnections)
	if a.allocateErr != nil {
		return session.Credentials{}, a.allocateErr
	}
	return a.host, nil
}

func (a *fakeAllocator) JoinCode(ctx context.Context, allocationID string) (string, error) {
	a.log.add("join_code:%s", allocationID)
	if a.codeErr != nil {
		return "", a.codeErr
	}
	return a.code, nil
}

func (a *fakeAllocator) JoinByCode(ctx context.Context, code string) (session.Credentials, error) {
	a.log.add("join_by_code:%s", code)
	if a.joinErr != nil {
		return session.Credentials{}, a.joinErr
	}
	return a.joiner, nil
}

type fakeTransport struct {
	log *callLog

	startHostErr   error
	startClientErr error
	// earlyPeer is reported to listeners from inside StartHost.
	earlyPeer string

	mu        sync.Mutex
	nextID    int
	listeners map[int]func(string)
	started   session.Credentials
}

func (f *fakeTransport) StartHost(ctx context.Context, creds session.Credentials) error {
	f.log.add("start_host:%s", creds.AllocationID())
	if f.startHostErr != nil {
		return f.startHostErr
	}
	f.mu.Lock()
	f.started = creds
	f.mu.Unlock()
	if f.earlyPeer != "" {
		f.connectPeer(f.earlyPeer)
	}
	return nil
}

func (f *fakeTransport) StartClient(ctx context.Context, creds session.Credentials) error {
	f.log.add("start_client:%s", creds.AllocationID())
	if f.startClientErr != nil {
		return f.startClientErr
	}
	f.mu.Lock()
	f.started = creds
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) OnPeerConnected(fn func(peerID string)) func() {
	f.log.add("watch_peers")
	f.mu.Lock()
	if f.listeners == nil {
		f.listeners = make(map[int]func(string))
	}
	f.nextID++
	id := f.nextID
	f.listeners[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *fakeTransport) connectPeer(peerID string) {
	f.mu.Lock()
	fns := make([]func(string), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(peerID)
	}
}

func (f *fakeTransport) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

func testHostCredentials(t *testing.T) session.Credentials {
	t.Helper()
	creds, err := session.NewHostCredentials(session.Params{
		RelayAddress:      "1.2.3.4",
		RelayPort:         7777,
		AllocationID:      "host-alloc",
		AllocationIDBytes: []byte("host-alloc"),
		ConnectionData:    []byte("host-conn"),
		Key:               []byte("session-key"),
	})
	if err != nil {
		t.Fatalf("host credentials: %v", err)
	}
	return creds
}

func testJoinerCredentials(t *testing.T) session.Credentials {
	t.Helper()
	creds, err := session.NewJoinerCredentials(session.Params{
		RelayAddress:       "1.2.3.4",
		RelayPort:          7777,
		AllocationID:       "joiner-alloc",
		AllocationIDBytes:  []byte("joiner-alloc"),
		ConnectionData:     []byte("joiner-conn"),
		HostConnectionData: []byte("host-conn"),
		Key:                []byte("session-key"),
	})
	if err != nil {
		t.Fatalf("joiner credentials: %v", err)
	}
	return creds
}

func openLobby(code string) *lobby.Record {
	return &lobby.Record{
		ID:         "lobby-open",
		Name:       DefaultLobbyName,
		HostID:     "player-host",
		MaxPlayers: 2,
		Visibility: lobby.VisibilityPublic,
		Data: map[string]lobby.DataObject{
			JoinCodeKey: {Visibility: lobby.DataMember, Value: code},
		},
	}
}

type harness struct {
	log       *callLog
	dir       *fakeDirectory
	alloc     *fakeAllocator
	transport *fakeTransport
	events    <-chan event.Event
	coord     *Coordinator
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	log := &callLog{}
	h := &harness{
		log: log,
		dir: &fakeDirectory{log: log, quickJoinErr: lobby.ErrNoMatch},
		alloc: &fakeAllocator{
			log:    log,
			host:   testHostCredentials(t),
			joiner: testJoinerCredentials(t),
			code:   "ABC123",
		},
		transport: &fakeTransport{log: log},
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	bus := event.NewBus[event.Event](ctx, event.BusOptions{Name: "matchmaking-test", SubscriberBufferSize: 64})
	events, unsubscribe := bus.Subscribe()
	t.Cleanup(unsubscribe)
	h.events = events

	if cfg.PlayerID == "" {
		cfg.PlayerID = "player-1"
	}
	h.coord = NewCoordinator(h.dir, h.alloc, h.transport, bus, cfg)
	return h
}

// nextEvent returns the next published event or fails after a short wait.
func (h *harness) nextEvent(t *testing.T) event.Event {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func (h *harness) expectState(t *testing.T, state State, text string) event.StateChanged {
	t.Helper()
	ev := h.nextEvent(t)
	sc, ok := ev.(event.StateChanged)
	if !ok {
		t.Fatalf("expected StateChanged(%s), got %T", state, ev)
	}
	if sc.State != state.String() {
		t.Fatalf("expected state %s, got %s (%q)", state, sc.State, sc.Text)
	}
	if text != "" && sc.Text != text {
		t.Fatalf("expected text %q, got %q", text, sc.Text)
	}
	return sc
}

func (h *harness) expectMatchFound(t *testing.T) event.MatchFound {
	t.Helper()
	ev := h.nextEvent(t)
	mf, ok := ev.(event.MatchFound)
	if !ok {
		t.Fatalf("expected MatchFound, got %T", ev)
	}
	return mf
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

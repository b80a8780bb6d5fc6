package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cheildo/nexus-clash-matchmaker/internal/relay"
	"github.com/cheildo/nexus-clash-matchmaker/internal/session"
)

const writeWait = 10 * time.Second

var (
	ErrAlreadyStarted = errors.New("transport already started")
	ErrNotStarted     = errors.New("transport not started")
	ErrWrongRole      = errors.New("credentials do not match the requested role")
)

// WebsocketTransport connects a peer to the relay hub using its session credentials.
type WebsocketTransport struct {
	dialer *websocket.Dialer
	scheme string
	path   string

	mu        sync.Mutex
	conn      *websocket.Conn
	listeners map[uint64]func(peerID string)
	nextID    uint64
	messages  chan []byte
	done      chan struct{}
	closeOnce sync.Once
	writeMu   sync.Mutex
}

// Options tune how the transport reaches the relay.
type Options struct {
	// Secure selects wss instead of ws.
	Secure bool
	// Path is the relay endpoint path, defaulting to /v1/relay.
	Path             string
	HandshakeTimeout time.Duration
	InboxSize        int
}

func NewWebsocketTransport(opts Options) *WebsocketTransport {
	if opts.Path == "" {
		opts.Path = "/v1/relay"
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 256
	}
	scheme := "ws"
	if opts.Secure {
		scheme = "wss"
	}
	return &WebsocketTransport{
		dialer:    &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		scheme:    scheme,
		path:      opts.Path,
		listeners: make(map[uint64]func(string)),
		messages:  make(chan []byte, opts.InboxSize),
		done:      make(chan struct{}),
	}
}

// StartHost connects as the host of an allocation.
func (t *WebsocketTransport) StartHost(ctx context.Context, creds session.Credentials) error {
	if creds.Role() != session.RoleHost {
		return ErrWrongRole
	}
	return t.start(ctx, creds)
}

// StartClient connects as a joiner of an allocation.
func (t *WebsocketTransport) StartClient(ctx context.Context, creds session.Credentials) error {
	if creds.Role() != session.RoleJoiner {
		return ErrWrongRole
	}
	return t.start(ctx, creds)
}

func (t *WebsocketTransport) start(ctx context.Context, creds session.Credentials) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return ErrAlreadyStarted
	}

	u := url.URL{
		Scheme:   t.scheme,
		Host:     creds.Endpoint(),
		Path:     t.path,
		RawQuery: url.Values{"token": {string(creds.ConnectionData())}}.Encode(),
	}
	conn, resp, err := t.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial relay %s: status %d: %w", creds.Endpoint(), resp.StatusCode, err)
		}
		return fmt.Errorf("dial relay %s: %w", creds.Endpoint(), err)
	}

	t.conn = conn
	slog.Info("Relay transport connected", "role", creds.Role(), "allocationID", creds.AllocationID(), "endpoint", creds.Endpoint())

	go t.readPump(conn)
	return nil
}

// OnPeerConnected registers fn to be called with the peer id each time the
// relay reports a new peer. The returned func unregisters it.
func (t *WebsocketTransport) OnPeerConnected(fn func(peerID string)) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.listeners[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.listeners, id)
			t.mu.Unlock()
		})
	}
}

// Messages returns payload frames received from the relay. It is closed when
// the connection ends.
func (t *WebsocketTransport) Messages() <-chan []byte {
	return t.messages
}

// Done is closed when the connection ends.
func (t *WebsocketTransport) Done() <-chan struct{} {
	return t.done
}

// Send writes a payload frame to the counterparty.
func (t *WebsocketTransport) Send(payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotStarted
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.BinaryMessage, payload)
}

// Close sends a close frame and tears the connection down.
func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	t.writeMu.Unlock()
	return conn.Close()
}

func (t *WebsocketTransport) readPump(conn *websocket.Conn) {
	defer t.closeOnce.Do(func() {
		close(t.messages)
		close(t.done)
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("Relay transport closed unexpectedly", "error", err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			t.handleControl(data)
		case websocket.BinaryMessage:
			select {
			case t.messages <- data:
			default:
				slog.Warn("Relay transport inbox full, dropping frame", "bytes", len(data))
			}
		}
	}
}

func (t *WebsocketTransport) handleControl(data []byte) {
	var msg relay.ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("Malformed relay control message", "error", err)
		return
	}

	switch msg.Type {
	case relay.ControlPeerConnected:
		slog.Info("Peer connected through relay", "peerID", msg.PeerID)
		t.mu.Lock()
		listeners := make([]func(string), 0, len(t.listeners))
		for _, fn := range t.listeners {
			listeners = append(listeners, fn)
		}
		t.mu.Unlock()
		for _, fn := range listeners {
			fn(msg.PeerID)
		}
	case relay.ControlPeerDisconnected:
		slog.Info("Peer disconnected from relay", "peerID", msg.PeerID)
	}
}

package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 * 1024
)

// upgrader is used to upgrade an HTTP connection to a persistent WebSocket connection.
var upgrader = websocket.Upgrader{
	// Peers are game clients, not browsers; the relay token is the access check.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

type peer struct {
	id      string
	hostID  string
	isHost  bool
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *peer) write(messageType int, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(messageType, data)
}

func (p *peer) notify(msgType, peerID string) {
	payload, _ := json.Marshal(ControlMessage{Type: msgType, PeerID: peerID})
	if err := p.write(websocket.TextMessage, payload); err != nil {
		slog.Warn("Failed to send relay control message", "allocationID", p.id, "type", msgType, "error", err)
	}
}

// room holds the connections of one host allocation.
type room struct {
	host    *peer
	joiners map[string]*peer
}

// Hub pairs the host and joiners of an allocation and forwards binary frames
// between them: host frames go to every joiner, joiner frames go to the host.
type Hub struct {
	tokens *Tokens
	mu     sync.Mutex
	rooms  map[string]*room
}

func NewHub(tokens *Tokens) *Hub {
	return &Hub{tokens: tokens, rooms: make(map[string]*room)}
}

// ServeHTTP authenticates the relay token, upgrades the connection and runs it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := h.tokens.Parse(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "invalid relay token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade relay connection", "error", err)
		return
	}

	p := &peer{
		id:     claims.AllocationID,
		hostID: claims.HostAllocationID,
		isHost: claims.IsHost(),
		conn:   conn,
	}
	if !h.attach(p) {
		slog.Warn("Rejected duplicate relay connection", "allocationID", p.id)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "allocation already connected"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	slog.Info("Relay connection established", "allocationID", p.id, "hostAllocationID", p.hostID, "host", p.isHost)

	h.handleConnection(p)
}

// attach registers p in its room and tells the host about joiners it has not
// seen yet. It returns false if the allocation already has a live connection.
func (h *Hub) attach(p *peer) bool {
	h.mu.Lock()
	rm, ok := h.rooms[p.hostID]
	if !ok {
		rm = &room{joiners: make(map[string]*peer)}
		h.rooms[p.hostID] = rm
	}

	var host *peer
	var joined []string
	if p.isHost {
		if rm.host != nil {
			h.mu.Unlock()
			return false
		}
		rm.host = p
		host = p
		for id := range rm.joiners {
			joined = append(joined, id)
		}
	} else {
		if _, exists := rm.joiners[p.id]; exists {
			h.mu.Unlock()
			return false
		}
		rm.joiners[p.id] = p
		host = rm.host
		joined = []string{p.id}
	}
	h.mu.Unlock()

	if host != nil {
		for _, id := range joined {
			host.notify(ControlPeerConnected, id)
		}
	}
	return true
}

func (h *Hub) detach(p *peer) {
	h.mu.Lock()
	rm, ok := h.rooms[p.hostID]
	if !ok {
		h.mu.Unlock()
		return
	}
	var others []*peer
	if p.isHost {
		if rm.host == p {
			rm.host = nil
		}
		for _, j := range rm.joiners {
			others = append(others, j)
		}
	} else {
		delete(rm.joiners, p.id)
		if rm.host != nil {
			others = append(others, rm.host)
		}
	}
	if rm.host == nil && len(rm.joiners) == 0 {
		delete(h.rooms, p.hostID)
	}
	h.mu.Unlock()

	for _, other := range others {
		other.notify(ControlPeerDisconnected, p.id)
	}
}

func (h *Hub) targets(p *peer) []*peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm, ok := h.rooms[p.hostID]
	if !ok {
		return nil
	}
	if !p.isHost {
		if rm.host == nil {
			return nil
		}
		return []*peer{rm.host}
	}
	out := make([]*peer, 0, len(rm.joiners))
	for _, j := range rm.joiners {
		out = append(out, j)
	}
	return out
}

// handleConnection runs the read pump of a single relay connection until it breaks.
func (h *Hub) handleConnection(p *peer) {
	done := make(chan struct{})
	defer func() {
		close(done)
		h.detach(p)
		p.conn.Close()
		slog.Info("Relay connection closed", "allocationID", p.id)
	}()

	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("Relay connection closed unexpectedly", "allocationID", p.id, "error", err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		for _, target := range h.targets(p) {
			if err := target.write(websocket.BinaryMessage, data); err != nil {
				slog.Warn("Failed to forward relay frame", "from", p.id, "to", target.id, "error", err)
			}
		}
	}
}

// Rooms returns the number of allocations with at least one live connection.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Package notify fans ledger change events out to a user's connected
// devices over websockets.
//
// The server publishes a ledger_changed message after every write that moves
// a user's ledger; daemons subscribed for that user start a sync cycle early
// instead of waiting for their next tick. Messages are hints only: a device
// that misses one still converges on its next scheduled cycle.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/fintrack/fintrack/internal/money"
)

// MessageType names a hub message.
type MessageType string

const (
	// MessageHello is sent once when a client connects.
	MessageHello MessageType = "hello"

	// MessageLedgerChanged says the user's server ledger moved.
	MessageLedgerChanged MessageType = "ledger_changed"
)

// Message is one websocket frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// LedgerChanged is the payload of a ledger_changed message.
type LedgerChanged struct {
	// Source is the operation that changed the ledger: push, create,
	// update, delete or settings.
	Source  string       `json:"source"`
	Balance money.Amount `json:"balance"`
}

// NewLedgerChanged builds a ledger_changed message.
func NewLedgerChanged(source string, balance money.Amount) Message {
	data, _ := json.Marshal(LedgerChanged{Source: source, Balance: balance})
	return Message{Type: MessageLedgerChanged, Timestamp: time.Now(), Data: data}
}

// Stats are the hub's health counters.
type Stats struct {
	Clients   int   `json:"clients"`
	Published int64 `json:"published"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
}

type client struct {
	conn   *websocket.Conn
	userID string
}

type envelope struct {
	userID string
	msg    Message
}

const writeTimeout = 5 * time.Second

// Hub tracks websocket clients per user and broadcasts to them.
type Hub struct {
	clients   map[*client]struct{}
	clientsMu sync.RWMutex

	broadcast chan envelope

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// NewHub creates a hub and starts its broadcast loop. Call Close to stop it.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:   make(map[*client]struct{}),
		broadcast: make(chan envelope, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With("component", "notify"),
	}
	h.wg.Add(1)
	go h.broadcastLoop()
	return h
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() error {
	h.cancel()

	h.clientsMu.Lock()
	for c := range h.clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.clients, c)
	}
	h.clientsMu.Unlock()

	h.wg.Wait()
	return nil
}

// Publish queues msg for every connection of userID. It never blocks: when
// the queue is full the message is dropped and counted.
func (h *Hub) Publish(userID string, msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case <-h.ctx.Done():
		return
	default:
	}
	select {
	case h.broadcast <- envelope{userID: userID, msg: msg}:
		h.published.Add(1)
	default:
		h.dropped.Add(1)
		h.logger.Warn("broadcast queue full, dropping message", "user", userID, "type", msg.Type)
	}
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case env := <-h.broadcast:
			data, err := json.Marshal(env.msg)
			if err != nil {
				h.logger.Error("failed to marshal message", "error", err)
				continue
			}

			h.clientsMu.RLock()
			targets := make([]*client, 0, len(h.clients))
			for c := range h.clients {
				if c.userID == env.userID {
					targets = append(targets, c)
				}
			}
			h.clientsMu.RUnlock()

			// Writes happen outside the lock so a slow client cannot
			// stall registration.
			for _, c := range targets {
				ctx, cancel := context.WithTimeout(h.ctx, writeTimeout)
				err := c.conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					h.logger.Debug("failed to send to client", "user", c.userID, "error", err)
					h.removeClient(c)
					continue
				}
				h.delivered.Add(1)
			}
		}
	}
}

// ServeWS upgrades the request and registers the connection for userID.
// The caller must have authenticated the request.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string, originPatterns []string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, userID: userID}
	h.clientsMu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.clientsMu.Unlock()
	h.logger.Debug("client connected", "user", userID, "clients", count)

	hello, _ := json.Marshal(Message{Type: MessageHello, Timestamp: time.Now()})
	ctx, cancel := context.WithTimeout(h.ctx, writeTimeout)
	_ = conn.Write(ctx, websocket.MessageText, hello)
	cancel()

	h.wg.Add(1)
	go h.readLoop(c)
}

// readLoop notices disconnects. Client frames are ignored.
func (h *Hub) readLoop(c *client) {
	defer h.wg.Done()
	defer h.removeClient(c)

	for {
		if _, _, err := c.conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) removeClient(c *client) {
	h.clientsMu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.clientsMu.Unlock()
		return
	}
	delete(h.clients, c)
	count := len(h.clients)
	h.clientsMu.Unlock()

	_ = c.conn.Close(websocket.StatusNormalClosure, "")
	h.logger.Debug("client disconnected", "user", c.userID, "clients", count)
}

// ClientCount returns the number of connections, or only those of userID
// when it is non-empty.
func (h *Hub) ClientCount(userID string) int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	if userID == "" {
		return len(h.clients)
	}
	n := 0
	for c := range h.clients {
		if c.userID == userID {
			n++
		}
	}
	return n
}

// Stats returns the hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Clients:   h.ClientCount(""),
		Published: h.published.Load(),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
	}
}

// Subscribe dials the server's websocket endpoint and calls fn for every
// message until ctx is canceled or the connection drops. wsURL is the full
// ws:// or wss:// URL; token is sent as a bearer credential.
func Subscribe(ctx context.Context, wsURL, token string, fn func(Message)) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", wsURL, err)
	}
	defer conn.CloseNow()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("websocket read failed: %w", err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		fn(msg)
	}
}

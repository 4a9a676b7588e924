package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PrabalParihar/omnimonster-sub000/internal/storage"
	"github.com/PrabalParihar/omnimonster-sub000/pkg/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // API-level auth is out front; origin is not it
	},
}

// wsClient is one subscriber to one swap's event stream.
type wsClient struct {
	hub    *WSHub
	conn   *websocket.Conn
	swapID string
	send   chan *storage.SwapEvent
}

// WSHub fans swap events out to websocket subscribers, keyed by swap id.
// Subscribers replay the persisted history before going live, so a missed
// event can't hide a transition.
type WSHub struct {
	store *storage.Storage
	log   *logging.Logger

	mu      sync.RWMutex
	clients map[string]map[*wsClient]struct{}
}

// NewWSHub builds the hub and registers it as the store's event sink.
func NewWSHub(store *storage.Storage, log *logging.Logger) *WSHub {
	h := &WSHub{
		store:   store,
		log:     log.With("component", "ws"),
		clients: make(map[string]map[*wsClient]struct{}),
	}
	store.SetEventSink(h.Broadcast)
	return h
}

// Broadcast delivers a committed event to every subscriber of its swap.
// Slow clients are dropped rather than allowed to block the store.
func (h *WSHub) Broadcast(ev *storage.SwapEvent) {
	h.mu.RLock()
	subs := h.clients[ev.SwapID]
	var stale []*wsClient
	for c := range subs {
		select {
		case c.send <- ev:
		default:
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.unregister(c)
	}
}

func (h *WSHub) register(c *wsClient) {
	h.mu.Lock()
	if h.clients[c.swapID] == nil {
		h.clients[c.swapID] = make(map[*wsClient]struct{})
	}
	h.clients[c.swapID][c] = struct{}{}
	h.mu.Unlock()
}

func (h *WSHub) unregister(c *wsClient) {
	h.mu.Lock()
	if subs := h.clients[c.swapID]; subs != nil {
		if _, ok := subs[c]; ok {
			delete(subs, c)
			close(c.send)
			if len(subs) == 0 {
				delete(h.clients, c.swapID)
			}
		}
	}
	h.mu.Unlock()
}

// Close tears down every client connection.
func (h *WSHub) Close() {
	h.mu.Lock()
	for _, subs := range h.clients {
		for c := range subs {
			close(c.send)
			c.conn.Close()
		}
	}
	h.clients = make(map[string]map[*wsClient]struct{})
	h.mu.Unlock()
}

// handleSubscribe upgrades the connection and streams one swap's events:
// full history first, then live updates as they commit.
func (h *WSHub) handleSubscribe(w http.ResponseWriter, r *http.Request, swapID string) {
	if _, err := h.store.GetSwap(swapID); err != nil {
		http.Error(w, "swap not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		hub:    h,
		conn:   conn,
		swapID: swapID,
		send:   make(chan *storage.SwapEvent, sendBufferSize),
	}
	h.register(c)

	// Register before replaying, then dedupe by seq in the write pump:
	// events committed during replay land in the buffer and are skipped
	// when replay already covered them.
	history, err := h.store.ListEvents(swapID, 0)
	if err != nil {
		h.log.Error("Event replay failed", "swap", swapID, "error", err)
		h.unregister(c)
		conn.Close()
		return
	}

	go c.writePump(history)
	go c.readPump()
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		// Subscribers don't send anything meaningful; reads only surface
		// disconnects and keep pong handling alive.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump(history []*storage.SwapEvent) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	var lastSeq int64
	for _, ev := range history {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(ev); err != nil {
			return
		}
		lastSeq = ev.Seq
	}

	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if ev.Seq <= lastSeq {
				continue // already covered by replay
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
			lastSeq = ev.Seq
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

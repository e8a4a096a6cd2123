package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxnote/voxnote/internal/domain"
)

// ─── Balance Event Hub ──────────────────────────────────────────────────────

// BalanceHub fans balance changes out to SSE and WebSocket clients. Publish never blocks:
// a client whose buffer is full misses the event.
type BalanceHub struct {
	mu      sync.Mutex
	clients map[chan []byte]struct{}

	// checkOrigin vets WebSocket upgrades. nil means same-origin only.
	checkOrigin func(r *http.Request) bool
}

// NewBalanceHub creates a new balance broadcast hub.
func NewBalanceHub() *BalanceHub {
	return &BalanceHub{
		clients: make(map[chan []byte]struct{}),
	}
}

// SetOriginCheck sets the WebSocket origin policy. Call before serving.
func (h *BalanceHub) SetOriginCheck(fn func(r *http.Request) bool) { h.checkOrigin = fn }

// Publish sends a balance change to all connected clients. Its signature
// matches credit.Listener.
func (h *BalanceHub) Publish(change domain.BalanceChange) {
	data, err := json.Marshal(change)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- data:
		default:
			// Client too slow, drop the message.
		}
	}
}

// Subscribe registers a new client. Returns the channel and an unsubscribe func.
func (h *BalanceHub) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 32)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// ClientCount returns the number of connected clients.
func (h *BalanceHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleSSE serves the balance feed via Server-Sent Events.
// GET /api/credits/events
func (h *BalanceHub) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	ch, unsub := h.Subscribe()
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("event: balance\ndata: "))
			w.Write(data)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

// ─── WebSocket ──────────────────────────────────────────────────────────────

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

func (h *BalanceHub) upgrader() *websocket.Upgrader {
	// A nil CheckOrigin makes gorilla reject cross-origin upgrades.
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
}

// HandleWS serves the balance feed over a WebSocket. Each message is one
// JSON balance change. Client messages are read and discarded.
// GET /api/credits/ws
func (h *BalanceHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		return
	}
	defer conn.Close()

	ch, unsub := h.Subscribe()
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/tutu-network/creditledger/internal/domain"
)

// ─── Live Event Feed ────────────────────────────────────────────────────────
// Committed ledger events, delivered via Server-Sent Events:
// {"kind":"CreditsUsed","owner":"0x…","nonce":"…","timestamp":…}

// EventHub fans committed ledger events out to SSE subscribers. It
// implements domain.EventSink.
type EventHub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
}

// NewEventHub creates a new event broadcast hub.
func NewEventHub() *EventHub {
	return &EventHub{
		clients: make(map[chan []byte]struct{}),
	}
}

var _ domain.EventSink = (*EventHub)(nil)

// Publish sends an event to all connected clients. Slow clients drop messages.
func (h *EventHub) Publish(ev domain.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients {
		select {
		case ch <- data:
		default:
		}
	}
}

// Subscribe registers a new client. Returns the channel and an unsubscribe func.
func (h *EventHub) Subscribe() (chan []byte, func()) {
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
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleEventsSSE serves the live event feed.
// GET /api/events/live
func (h *EventHub) HandleEventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ch, unsub := h.Subscribe()
	defer unsub()

	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-ch:
			w.Write([]byte("data: "))
			w.Write(data)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hochfrequenz/devicerun/internal/events"
)

// SSEEvent represents a server-sent event
type SSEEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// EventPayload is the data of a run lifecycle event
type EventPayload struct {
	Time      time.Time         `json:"time"`
	Pool      string            `json:"pool"`
	Device    string            `json:"device,omitempty"`
	BatchID   uint64            `json:"batch_id,omitempty"`
	Test      string            `json:"test,omitempty"`
	Attempt   int               `json:"attempt,omitempty"`
	Trace     string            `json:"trace,omitempty"`
	Metrics   map[string]string `json:"metrics,omitempty"`
	TestCount int               `json:"test_count,omitempty"`
}

// clientBuffer bounds the events queued for one slow client
const clientBuffer = 64

// SSEHub manages SSE connections
type SSEHub struct {
	clients    map[chan SSEEvent]bool
	broadcast  chan SSEEvent
	register   chan chan SSEEvent
	unregister chan chan SSEEvent
	mu         sync.RWMutex
}

// NewSSEHub creates a new SSE hub
func NewSSEHub() *SSEHub {
	return &SSEHub{
		clients:    make(map[chan SSEEvent]bool),
		broadcast:  make(chan SSEEvent, clientBuffer),
		register:   make(chan chan SSEEvent),
		unregister: make(chan chan SSEEvent),
	}
}

// Run starts the SSE hub and disconnects every client when ctx is done
func (h *SSEHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client <- event:
				default:
					// Too slow, drop the client
					close(client)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Clients returns the number of connected clients
func (h *SSEHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues an event for all clients. It drops the event when the
// hub is not keeping up.
func (h *SSEHub) Broadcast(event SSEEvent) {
	select {
	case h.broadcast <- event:
	default:
	}
}

// Handle implements events.Listener
func (h *SSEHub) Handle(e events.Event) error {
	p := EventPayload{
		Time:      e.Time,
		Pool:      e.Pool,
		Device:    e.Device.ID,
		BatchID:   e.BatchID,
		Attempt:   e.Attempt,
		Trace:     e.Trace,
		Metrics:   e.Metrics,
		TestCount: e.TestCount,
	}
	if e.Test.Class != "" {
		p.Test = e.Test.ID()
	}
	h.Broadcast(SSEEvent{Type: string(e.Kind), Data: p})
	return nil
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		client := make(chan SSEEvent, clientBuffer)
		select {
		case s.sseHub.register <- client:
		case <-r.Context().Done():
			return
		}

		for {
			select {
			case <-r.Context().Done():
				// The hub may be gone already
				select {
				case s.sseHub.unregister <- client:
				case <-time.After(time.Second):
				}
				return
			case event, ok := <-client:
				if !ok {
					return
				}
				data, _ := json.Marshal(event)
				fmt.Fprintf(w, "event: %s\n", event.Type)
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}

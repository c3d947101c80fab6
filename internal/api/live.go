package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/p-n-ai/pai-eval/internal/evaluation"
)

// Hub fans out stats change notifications to live websocket clients.
// It implements evaluation.EventLogger so the Service can feed it directly.
type Hub struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan struct{}]struct{})}
}

// LogEvent notifies subscribers when an event changes the statistics.
func (h *Hub) LogEvent(event evaluation.Event) error {
	switch event.EventType {
	case evaluation.EventSessionSubmitted, evaluation.EventDataCleared:
		h.notify()
	}
	return nil
}

func (h *Hub) notify() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		// A pending notification already covers this change.
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe registers a listener. The returned func unregisters it.
func (h *Hub) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

// Subscribers returns the number of connected listeners.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// handleLive streams the report over a websocket: once on connect and
// again after every submitted evaluation or reset.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	updates, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	// The client never sends; CloseRead handles pings and reports disconnects.
	ctx := conn.CloseRead(r.Context())

	if err := s.pushReport(ctx, conn); err != nil {
		slog.Debug("live stats client gone", "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-updates:
			if err := s.pushReport(ctx, conn); err != nil {
				slog.Debug("live stats client gone", "error", err)
				return
			}
		}
	}
}

func (s *Server) pushReport(ctx context.Context, conn *websocket.Conn) error {
	rep, err := s.report()
	if err != nil {
		slog.Warn("live stats report unavailable", "error", err)
		_ = conn.Close(websocket.StatusInternalError, "report unavailable")
		return err
	}
	data, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is one server-sent event on the /api/events stream
type Event struct {
	ID   uint64          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	At   time.Time       `json:"at"`
}

const (
	// clientBuffer is each subscriber's queue; a client that falls this
	// far behind is dropped rather than allowed to stall the publisher.
	clientBuffer = 64
	// historySize is how many events a late subscriber can replay
	historySize = 256
)

// Broadcaster fans scan lifecycle events out to SSE subscribers. Publish
// never blocks: slow clients lose their subscription, not the server.
type Broadcaster struct {
	log *zap.Logger

	mu      sync.Mutex
	nextID  uint64
	clients map[chan Event]struct{}
	history []Event
	closed  bool
}

// NewBroadcaster builds an empty broadcaster
func NewBroadcaster(log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{
		log:     log,
		clients: make(map[chan Event]struct{}),
	}
}

// Publish emits one typed event to every subscriber. The payload is
// marshaled once; a payload that fails to marshal is dropped with a log
// line.
func (b *Broadcaster) Publish(eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.log.Warn("marshaling event payload",
			zap.String("type", eventType),
			zap.Error(err))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.nextID++
	ev := Event{ID: b.nextID, Type: eventType, Data: data, At: time.Now()}

	b.history = append(b.history, ev)
	if len(b.history) > historySize {
		b.history = b.history[len(b.history)-historySize:]
	}

	for ch := range b.clients {
		select {
		case ch <- ev:
		default:
			delete(b.clients, ch)
			close(ch)
			b.log.Warn("dropping slow event subscriber")
		}
	}
}

// Subscribe registers a client, replaying history newer than lastID
// first. The returned cancel must be called when the client goes away.
func (b *Broadcaster) Subscribe(lastID uint64) (<-chan Event, func()) {
	ch := make(chan Event, clientBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	for _, ev := range b.history {
		if ev.ID > lastID {
			select {
			case ch <- ev:
			default:
			}
		}
	}
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[ch]; ok {
			delete(b.clients, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// Close drops every subscriber; further publishes are no-ops
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.clients {
		close(ch)
	}
	b.clients = make(map[chan Event]struct{})
}

// Subscribers reports the current client count
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// handleEvents streams the broadcaster over SSE. Last-Event-ID is
// honored for replay after a reconnect.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported", "")
		return
	}

	var lastID uint64
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		fmt.Sscanf(raw, "%d", &lastID)
	}

	ch, cancel := s.events.Subscribe(lastID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data)
			flusher.Flush()
		}
	}
}

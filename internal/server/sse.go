package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/goatkit/extensionhost/internal/extension"
)

// Event is one server-sent event.
type Event struct {
	Extension string // source extension id
	Type      string // added, updated, removed
	Data      string // JSON snapshot
}

// Broker fans registry changes out to SSE clients.
type Broker struct {
	mu      sync.RWMutex
	clients map[chan Event]string // channel -> extension filter ("" = all)
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{clients: make(map[chan Event]string)}
}

// Subscribe adds a client. The filter limits events to one extension id
// ("" receives all).
func (b *Broker) Subscribe(filter string) chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.clients[ch] = filter
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a client channel.
func (b *Broker) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.clients, ch)
	b.mu.Unlock()
	close(ch)
}

// Publish sends an event to all matching clients. Slow clients have their
// events dropped rather than blocking the publisher.
func (b *Broker) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, filter := range b.clients {
		if filter != "" && filter != event.Extension {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
}

// ExtensionChanged publishes a registry change. It runs on the registry
// thread and never blocks.
func (b *Broker) ExtensionChanged(c extension.Change) {
	snap := c.Extension.Snapshot()
	data, err := json.Marshal(struct {
		extension.Snapshot
		Index int `json:"index"`
	}{snap, c.Index})
	if err != nil {
		return
	}
	b.Publish(Event{Extension: snap.ID, Type: c.Kind.String(), Data: string(data)})
}

// ServeHTTP streams events. Query params:
//   - extension: only events of this extension id (optional)
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	filter := r.URL.Query().Get("extension")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch := b.Subscribe(filter)
	defer b.Unsubscribe(ch)

	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, event.Data)
			flusher.Flush()
		}
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

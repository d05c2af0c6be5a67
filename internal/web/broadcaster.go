package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Event levels.
const (
	LevelInfo  = "info"
	LevelError = "error"
	LevelDone  = "done" // a capture finished, Data holds its result
)

// subscriberBuffer is the number of events queued per SSE client before
// new events are dropped for it.
const subscriberBuffer = 64

// StatusEvent is one message pushed to SSE clients.
type StatusEvent struct {
	Time  string          `json:"t"`
	Level string          `json:"l,omitempty"`
	Msg   string          `json:"msg"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StatusBroadcaster fans status events out to every SSE client.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
}

func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel of JSON encoded events and a cleanup func
// that must be called when the client goes away. Cleanup may be called
// more than once.
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, subscriberBuffer)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Clients returns the number of subscribed clients.
func (b *StatusBroadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast sends msg at level to every client. Slow clients miss events
// rather than block the caller.
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.publish(StatusEvent{Level: level, Msg: msg})
}

// BroadcastData sends msg with v encoded as the event payload.
func (b *StatusBroadcaster) BroadcastData(level, msg string, v any) {
	evt := StatusEvent{Level: level, Msg: msg}
	if data, err := json.Marshal(v); err == nil {
		evt.Data = data
	}
	b.publish(evt)
}

func (b *StatusBroadcaster) publish(evt StatusEvent) {
	evt.Time = time.Now().Format(time.RFC3339)
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
		}
	}
}

// BroadcastWriter adapts the broadcaster to io.Writer so the debug log can
// be mirrored to the browser. Each non-blank line is one info event.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			w.b.Broadcast(LevelInfo, line)
		}
	}
	return len(p), nil
}

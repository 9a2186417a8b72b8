// Package eventbus implements the live push channel to observers
// (spec §4.I): a many-writer, many-reader broadcast of request
// lifecycle events over WebSocket, with non-blocking delivery so a
// slow subscriber never stalls the proxy.
package eventbus

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Kind names one of the three event kinds the bus carries.
type Kind string

const (
	KindRequestStart       Kind = "request:start"
	KindRequestComplete    Kind = "request:complete"
	KindOpenRouterEnriched Kind = "openrouter:enriched"
)

// Event is a single broadcast message.
type Event struct {
	Kind    Kind        `json:"kind"`
	Payload interface{} `json:"payload"`
}

// subscriberBuffer bounds how many pending events a slow subscriber
// may hold before new events are dropped for it, rather than blocking
// the publisher.
const subscriberBuffer = 64

// Bus is the process-wide subscriber registry, guarded by a mutex the
// way the teacher guards its account pool map.
type Bus struct {
	mu          sync.Mutex
	subscribers map[chan Event]struct{}
	upgrader    websocket.Upgrader
	logger      *zap.SugaredLogger
}

// New constructs an empty bus, logging through logger the way every
// other ambient component in this repo does.
func New(logger *zap.SugaredLogger) *Bus {
	return &Bus{
		subscribers: make(map[chan Event]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Subscribe registers a new subscriber channel. A subscriber joining
// later never sees past events. Call the returned func to unsubscribe.
func (b *Bus) Subscribe() (ch chan Event, unsubscribe func()) {
	ch = make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
}

// Publish broadcasts an event to every current subscriber. Delivery is
// non-blocking: a subscriber whose buffer is full drops the event
// instead of stalling the proxy.
func (b *Bus) Publish(kind Kind, payload interface{}) {
	ev := Event{Kind: kind, Payload: payload}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// ServeWS upgrades an HTTP connection to a WebSocket and streams
// events to it until the client disconnects or the write fails.
func (b *Bus) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	for ev := range ch {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			b.logger.Errorw("eventbus write failed, dropping subscriber", "err", err)
			return
		}
	}
}

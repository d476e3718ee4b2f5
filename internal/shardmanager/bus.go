package shardmanager

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/meridian/internal/obslog"
)

// eventBufferSize bounds each subscriber's channel. A slow subscriber whose
// channel is full misses events rather than blocking publication; it stays
// subscribed.
const eventBufferSize = 64

// Subscription is a live feed of shard-manager events. Its first received
// value is always StreamStarted.
type Subscription struct {
	ch     chan Event
	bus    *eventBus
	closed bool
	mu     sync.Mutex
}

// Events returns the receive-only channel of events.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close unsubscribes; further events are not delivered.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.bus.remove(s)
	close(s.ch)
}

// eventBus is the in-process pub/sub at the heart of ShardingEvents. It
// also optionally upgrades external HTTP connections to a websocket and
// mirrors every published event onto them, so a runner on another process
// can subscribe without a polling loop (spec.md §4.2 "streaming
// ShardingEvents subscription").
type eventBus struct {
	log *logrus.Entry

	mu   sync.Mutex
	subs map[*Subscription]struct{}
	ws   map[*websocket.Conn]struct{}

	upgrader websocket.Upgrader
}

func newEventBus() *eventBus {
	return &eventBus{
		log:  obslog.For("shardmanager.bus"),
		subs: make(map[*Subscription]struct{}),
		ws:   make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Subscribe registers a new in-process subscriber and immediately queues
// StreamStarted for it.
func (b *eventBus) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan Event, eventBufferSize), bus: b}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	sub.ch <- StreamStarted{}
	return sub
}

// NewExternalSubscription builds a Subscription that is never registered
// with any eventBus, for adapters that receive events from a remote shard
// manager over a transport of their own (sharding's websocket-backed
// ShardManagerClient) rather than from an in-process Publish call. Close
// still works; remove() on the subscription's own empty bus is a no-op.
func NewExternalSubscription() *Subscription {
	return &Subscription{ch: make(chan Event, eventBufferSize), bus: &eventBus{subs: make(map[*Subscription]struct{})}}
}

// Push delivers evt to this subscription without blocking, reporting
// whether the buffer had room. Only external adapters call this; the
// in-process eventBus uses Publish instead.
func (s *Subscription) Push(evt Event) bool {
	select {
	case s.ch <- evt:
		return true
	default:
		return false
	}
}

func (b *eventBus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

// Publish fans an event out to every in-process subscriber and every open
// websocket connection. An event that finds a subscriber channel full is
// dropped for that subscriber rather than blocking the rebalance loop (the
// subscriber stays registered); best-effort delivery is acceptable because
// spec.md §4.1 treats missed events as "subscribers reload the full map".
func (b *eventBus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			b.log.Warn("subscriber channel full, dropping event")
		}
	}

	for conn := range b.ws {
		if err := conn.WriteJSON(evt); err != nil {
			b.log.WithError(err).Warn("websocket publish failed, dropping connection")
			conn.Close()
			delete(b.ws, conn)
		}
	}
}

// ServeHTTP upgrades the connection to a websocket and registers it as an
// event sink until the client disconnects.
func (b *eventBus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	b.mu.Lock()
	b.ws[conn] = struct{}{}
	b.mu.Unlock()

	if err := conn.WriteJSON(StreamStarted{}); err != nil {
		conn.Close()
		b.mu.Lock()
		delete(b.ws, conn)
		b.mu.Unlock()
		return
	}

	// Drain reads so the client's close/ping frames are processed; this
	// connection is publish-only from the server's perspective.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			b.mu.Lock()
			delete(b.ws, conn)
			b.mu.Unlock()
			conn.Close()
			return
		}
	}
}

package unison

import "sync"

// ConnectionEventKind selects a ConnectionEvent's variant.
type ConnectionEventKind string

const (
	ConnectionConnected    ConnectionEventKind = "Connected"
	ConnectionDisconnected ConnectionEventKind = "Disconnected"
)

// ConnectionEvent is published on the server's connection-event
// broadcast (spec.md §4.7). Context is populated for Connected events
// and nil for Disconnected.
type ConnectionEvent struct {
	Kind       ConnectionEventKind
	RemoteAddr string
	Context    *ConnectionContext
}

// connectionBroadcastBuffer bounds each subscriber's private buffer. A
// slow subscriber that falls behind drops its oldest undelivered events
// rather than blocking the publisher — connection lifecycle events are
// informational, not part of any correctness-critical path.
const connectionBroadcastBuffer = 64

// connectionBroadcaster is a multi-consumer broadcast source with
// bounded per-subscriber buffers (Design Notes, "Broadcast of
// connection events"). Late subscribers miss events published before
// they subscribed; this is documented, expected behavior.
type connectionBroadcaster struct {
	mu      sync.Mutex
	nextID  uint64
	subs    map[uint64]chan ConnectionEvent
}

func newConnectionBroadcaster() *connectionBroadcaster {
	return &connectionBroadcaster{subs: make(map[uint64]chan ConnectionEvent)}
}

// subscribe returns a receive-only channel of future events and an
// unsubscribe function the caller must eventually invoke.
func (b *connectionBroadcaster) subscribe() (<-chan ConnectionEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan ConnectionEvent, connectionBroadcastBuffer)
	b.subs[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

// publish fans ev out to every current subscriber, dropping it for any
// subscriber whose buffer is full rather than blocking.
func (b *connectionBroadcaster) publish(ev ConnectionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}

// closeAll closes every subscriber channel; called on server shutdown.
func (b *connectionBroadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
}

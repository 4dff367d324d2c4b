package unison

import (
	"sync"

	"github.com/google/uuid"
)

// ChannelHandle is the per-connection record of one opened channel
// (spec.md §3).
type ChannelHandle struct {
	ChannelName string
	StreamID    uint64
	Direction   ChannelDirection
}

// ConnectionContext is created once per accepted or dialed QUIC
// connection and lives until that connection closes (spec.md §3). Reads
// (identity lookups, channel handle lookups) are frequent; writes
// (identity mutation, channel registration) are rare, so it is guarded
// by a single RWMutex rather than finer-grained locks.
type ConnectionContext struct {
	mu           sync.RWMutex
	connectionID uuid.UUID
	identity     *ServerIdentity
	channels     map[string]ChannelHandle
}

// newConnectionContext allocates a fresh ConnectionContext with a random
// connection id.
func newConnectionContext() *ConnectionContext {
	return &ConnectionContext{
		connectionID: uuid.New(),
		channels:     make(map[string]ChannelHandle),
	}
}

// ConnectionID returns this connection's random 128-bit identifier.
func (c *ConnectionContext) ConnectionID() uuid.UUID { return c.connectionID }

// Identity returns the currently known ServerIdentity, or nil if none
// has been received/advertised yet.
func (c *ConnectionContext) Identity() *ServerIdentity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// setIdentity installs or replaces the connection's ServerIdentity.
func (c *ConnectionContext) setIdentity(id *ServerIdentity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = id
}

// applyChannelUpdate mutates the stored identity's channel list in
// place to reflect a ChannelUpdate received on the identity stream.
func (c *ConnectionContext) applyChannelUpdate(u ChannelUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return
	}
	switch u.Kind {
	case ChannelUpdateAdded:
		if u.Channel != nil {
			c.identity.Channels = append(c.identity.Channels, *u.Channel)
		}
	case ChannelUpdateRemoved:
		filtered := c.identity.Channels[:0]
		for _, ch := range c.identity.Channels {
			if ch.Name != u.Name {
				filtered = append(filtered, ch)
			}
		}
		c.identity.Channels = filtered
	case ChannelUpdateStatusChanged:
		for i := range c.identity.Channels {
			if c.identity.Channels[i].Name == u.Name {
				c.identity.Channels[i].Status = u.Status
			}
		}
	}
}

// ChannelHandle looks up a registered channel handle by name.
func (c *ConnectionContext) ChannelHandle(name string) (ChannelHandle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.channels[name]
	return h, ok
}

// registerChannelHandle records a newly opened channel's handle.
func (c *ConnectionContext) registerChannelHandle(h ChannelHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[h.ChannelName] = h
}

// removeChannelHandle forgets a closed channel's handle.
func (c *ConnectionContext) removeChannelHandle(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, name)
}

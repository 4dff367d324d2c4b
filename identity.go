package unison

import "encoding/json"

// ChannelDirection describes the informational traffic direction
// advertised for a channel (spec.md §3). It does not gate who may open
// the channel — opens are always client-initiated (Open Question 4).
type ChannelDirection string

const (
	DirectionClientToServer ChannelDirection = "ClientToServer"
	DirectionServerToClient ChannelDirection = "ServerToClient"
	DirectionBidirectional  ChannelDirection = "Bidirectional"
)

// ChannelLifetime describes a channel's intended lifetime. It is
// advisory only (Open Question 2): the core never auto-closes a
// Transient channel after its first exchange.
type ChannelLifetime string

const (
	LifetimePersistent ChannelLifetime = "Persistent"
	LifetimeTransient  ChannelLifetime = "Transient"
)

// ChannelStatus is a channel handler's current availability.
type ChannelStatus string

const (
	StatusAvailable   ChannelStatus = "Available"
	StatusBusy        ChannelStatus = "Busy"
	StatusUnavailable ChannelStatus = "Unavailable"
)

// ChannelInfo describes one channel in a ServerIdentity (spec.md §3).
type ChannelInfo struct {
	Name      string           `json:"name"`
	Direction ChannelDirection `json:"direction"`
	Lifetime  ChannelLifetime  `json:"lifetime"`
	Status    ChannelStatus    `json:"status"`
}

// ServerIdentity is emitted by the server on connection setup (spec.md
// §3/§4.4). Channel names must be unique within one identity.
type ServerIdentity struct {
	Name      string          `json:"name"`
	Version   string          `json:"version"`
	Namespace string          `json:"namespace"`
	Channels  []ChannelInfo   `json:"channels"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// channelNamesUnique reports whether every ChannelInfo.Name in id is
// distinct.
func (id *ServerIdentity) channelNamesUnique() bool {
	seen := make(map[string]struct{}, len(id.Channels))
	for _, c := range id.Channels {
		if _, ok := seen[c.Name]; ok {
			return false
		}
		seen[c.Name] = struct{}{}
	}
	return true
}

// ChannelUpdateKind selects which variant a ChannelUpdate carries.
type ChannelUpdateKind string

const (
	ChannelUpdateAdded         ChannelUpdateKind = "Added"
	ChannelUpdateRemoved       ChannelUpdateKind = "Removed"
	ChannelUpdateStatusChanged ChannelUpdateKind = "StatusChanged"
)

// ChannelUpdate is the payload of a follow-up __identity Event sent on
// the identity stream after the initial ServerIdentity (spec.md §4.4).
// It is a tagged union over its Kind: Added carries Channel, Removed
// carries Name, StatusChanged carries Name and Status.
type ChannelUpdate struct {
	Kind    ChannelUpdateKind `json:"kind"`
	Channel *ChannelInfo      `json:"channel,omitempty"`
	Name    string            `json:"name,omitempty"`
	Status  ChannelStatus     `json:"status,omitempty"`
}

func ChannelAdded(info ChannelInfo) ChannelUpdate {
	return ChannelUpdate{Kind: ChannelUpdateAdded, Channel: &info}
}

func ChannelRemoved(name string) ChannelUpdate {
	return ChannelUpdate{Kind: ChannelUpdateRemoved, Name: name}
}

func ChannelStatusChanged(name string, status ChannelStatus) ChannelUpdate {
	return ChannelUpdate{Kind: ChannelUpdateStatusChanged, Name: name, Status: status}
}

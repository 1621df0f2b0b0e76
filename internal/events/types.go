// Package events defines event types and the publish-subscribe bus used to
// fan room lifecycle changes out to the telemetry and history subscribers.
package events

import "github.com/beacon-project/beacon/internal/transport"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Room lifecycle
	EventRoomCreated EventType = "room_created"
	EventRoomUpdated EventType = "room_updated"
	EventRoomClosed  EventType = "room_closed"

	// Membership
	EventPlayerJoined EventType = "player_joined"
	EventPlayerLeft   EventType = "player_left"
	EventPlayerKicked EventType = "player_kicked"

	// Connections
	EventClientAuthenticated EventType = "client_authenticated"
	EventClientDisconnected  EventType = "client_disconnected"
	EventPunchResolved       EventType = "punch_resolved"

	// System
	EventShutdown EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// RoomPayload describes a room at the moment of a lifecycle event.
type RoomPayload struct {
	RoomID     string           `json:"room_id"`
	Name       string           `json:"name"`
	Public     bool             `json:"public"`
	MaxPlayers int              `json:"max_players"`
	Owner      transport.ConnID `json:"owner"`
	Players    int              `json:"players"`
	UsesPunch  bool             `json:"uses_punch"`
}

// MemberPayload describes a membership change in a room.
type MemberPayload struct {
	RoomID string           `json:"room_id"`
	Conn   transport.ConnID `json:"conn"`
	Owner  transport.ConnID `json:"owner"`
	Kicked bool             `json:"kicked,omitempty"`
}

// ConnPayload describes a connection-scoped event.
type ConnPayload struct {
	Conn transport.ConnID `json:"conn"`
}

// PunchPayload describes a resolved NAT punch.
type PunchPayload struct {
	Conn     transport.ConnID `json:"conn"`
	Endpoint string           `json:"endpoint"`
}

// Package chat implements room-scoped real-time messaging and presence:
// the room registry, message log, presence table, fan-out broadcaster and
// the join/leave coordinator that keeps them consistent.
package chat

import (
	"time"

	"github.com/google/uuid"
)

// RoomID identifies a room. It is opaque to clients.
type RoomID string

// Identity is a resolved user identity supplied by the authentication layer.
type Identity string

// NewRoomID returns a fresh globally unique room identifier.
func NewRoomID() RoomID {
	return RoomID(uuid.NewString())
}

// Room is the durable record of a room as kept by the Registry.
// Messages are only populated by detail lookups that join the message log.
type Room struct {
	ID           RoomID     `json:"id"`
	Topic        string     `json:"topic"`
	Capacity     int        `json:"capacity"`
	Members      []Identity `json:"members"`
	Messages     []Message  `json:"messages"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastActivity time.Time  `json:"lastActivity"`
}

// Summary is the browsing view of a room. Occupancy counts registry
// members, including those inside their grace period, since those seats
// are what capacity gates. Join acks and presence frames count live
// connections instead.
type Summary struct {
	ID        RoomID `json:"id"`
	Topic     string `json:"topic"`
	Occupancy int    `json:"occupancy"`
	Capacity  int    `json:"capacity"`
}

// Summary returns the browsing view of r.
func (r Room) Summary() Summary {
	return Summary{ID: r.ID, Topic: r.Topic, Occupancy: len(r.Members), Capacity: r.Capacity}
}

// Message is one immutable entry of a room's log. Seq is strictly increasing
// within a room, starting at 1.
type Message struct {
	Seq       uint64    `json:"seq"`
	Room      RoomID    `json:"room"`
	Author    Identity  `json:"author"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

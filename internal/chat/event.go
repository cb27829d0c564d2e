package chat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// EventType is the closed set of frame kinds carried over the transport.
type EventType string

const (
	EventJoin     EventType = "join"
	EventChat     EventType = "chat"
	EventLeave    EventType = "leave"
	EventPresence EventType = "presence"
	EventError    EventType = "error"
)

// Presence notice kinds.
const (
	PresenceJoined   = "joined"
	PresenceDeparted = "departed"
)

// MaxBodyLength bounds the body of an inbound chat frame.
const MaxBodyLength = 4096

// Request is an inbound frame after boundary validation.
type Request struct {
	Type  EventType `json:"type" validate:"required,oneof=join chat leave"`
	Room  RoomID    `json:"room,omitempty" validate:"required_if=Type join,max=128"`
	Body  string    `json:"body,omitempty" validate:"required_if=Type chat,max=4096"`
	Since *uint64   `json:"since,omitempty"`
}

// Event is an outbound frame.
type Event struct {
	Type      EventType `json:"type"`
	Room      RoomID    `json:"room,omitempty"`
	Author    Identity  `json:"author,omitempty"`
	Body      string    `json:"body,omitempty"`
	Seq       uint64    `json:"seq,omitempty"`
	Presence  string    `json:"event,omitempty"`
	Occupancy int       `json:"occupancy,omitempty"`
	Code      string    `json:"code,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseRequest decodes and validates a raw inbound frame. Anything that is not
// one of the known request kinds is rejected here and never reaches the core.
func ParseRequest(raw []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, fmt.Errorf("%w: malformed frame: %v", ErrInvalidArgument, err)
	}
	if err := validate.Struct(req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return req, nil
}

// ChatEvent renders a logged message as an outbound frame.
func ChatEvent(m Message) Event {
	return Event{
		Type:      EventChat,
		Room:      m.Room,
		Author:    m.Author,
		Body:      m.Body,
		Seq:       m.Seq,
		Timestamp: m.Timestamp,
	}
}

// PresenceEvent builds a joined/departed notice.
func PresenceEvent(room RoomID, who Identity, kind string, occupancy int, at time.Time) Event {
	return Event{
		Type:      EventPresence,
		Room:      room,
		Author:    who,
		Presence:  kind,
		Occupancy: occupancy,
		Timestamp: at,
	}
}

// ErrorEvent reports a failed request back to the requesting connection.
func ErrorEvent(err error, at time.Time) Event {
	return Event{Type: EventError, Code: Code(err), Error: err.Error(), Timestamp: at}
}

// Encode marshals e for the wire.
func (e Event) Encode() []byte {
	b, err := json.Marshal(e)
	if err != nil {
		// Event only holds plain values; Marshal cannot fail.
		panic(err)
	}
	return b
}

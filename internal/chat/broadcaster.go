package chat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/metrics"
)

// Broadcaster fans payloads out to a room's live connections and persists
// chat messages before they are delivered.
//
// Callers hold the room's lock, which gives every room a single send order.
type Broadcaster struct {
	presence *Presence
	log      MessageLog
	logger   zerolog.Logger

	mu   sync.Mutex
	last map[RoomID]uint64
}

func NewBroadcaster(presence *Presence, log MessageLog, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		presence: presence,
		log:      log,
		logger:   logger.With().Str("component", "broadcaster").Logger(),
		last:     make(map[RoomID]uint64),
	}
}

// Publish makes one append attempt and, if it succeeds, delivers the
// message live. When persistence fails nothing is delivered. The returned
// connections could not accept the message and have been dropped from
// presence.
func (b *Broadcaster) Publish(ctx context.Context, room RoomID, author Identity, body string, at time.Time) (Message, []Conn, error) {
	msg, err := b.log.Append(ctx, room, author, body, at)
	if err != nil {
		return Message{}, nil, err
	}

	b.mu.Lock()
	b.last[room] = msg.Seq
	b.mu.Unlock()

	return msg, b.Broadcast(room, ChatEvent(msg)), nil
}

// LastSeq returns the sequence of the newest message published to room by
// this process, or 0.
func (b *Broadcaster) LastSeq(room RoomID) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last[room]
}

// Forget drops what is known about room.
func (b *Broadcaster) Forget(room RoomID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.last, room)
}

// Broadcast delivers ev to every connection subscribed to room. A connection
// whose buffer is full or closed is unsubscribed and closed, and returned so
// the caller can run the disconnect path for it.
func (b *Broadcaster) Broadcast(room RoomID, ev Event) []Conn {
	return b.BroadcastExcept(room, ev, nil)
}

// BroadcastExcept is Broadcast skipping one connection, usually the one
// that caused the event and was answered directly.
func (b *Broadcaster) BroadcastExcept(room RoomID, ev Event, skip Conn) []Conn {
	payload := ev.Encode()
	conns := b.presence.Connections(room)

	var dropped []Conn
	for _, conn := range conns {
		if skip != nil && conn.ID() == skip.ID() {
			continue
		}
		if conn.Send(payload) {
			continue
		}
		b.presence.Unsubscribe(conn)
		conn.Close()
		dropped = append(dropped, conn)
	}

	if len(dropped) > 0 {
		metrics.FanoutDrops.Add(float64(len(dropped)))
		b.logger.Info().Str("room", string(room)).Int("dropped", len(dropped)).Msg("dropped unresponsive connections")
	}
	b.logger.Debug().Str("room", string(room)).Str("type", string(ev.Type)).Int("recipients", len(conns)-len(dropped)).Msg("broadcast")
	return dropped
}

// Deliver sends ev to a single connection.
func (b *Broadcaster) Deliver(conn Conn, ev Event) bool {
	return conn.Send(ev.Encode())
}

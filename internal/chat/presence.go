package chat

import (
	"fmt"
	"sync"

	"github.com/samber/lo"
)

// Conn is one live transport session as seen by the core. Send must not
// block: it queues payload and returns false when the connection cannot
// accept it (buffer full or already closed).
type Conn interface {
	ID() string
	Identity() Identity
	Send(payload []byte) bool
	Close()
}

// Presence maps rooms to the connections currently subscribed to them.
// A connection is subscribed to at most one room. Presence is process-local
// and rebuilt from nothing on restart.
type Presence struct {
	mu     sync.RWMutex
	rooms  map[RoomID]map[string]Conn
	byConn map[string]RoomID
}

func NewPresence() *Presence {
	return &Presence{
		rooms:  make(map[RoomID]map[string]Conn),
		byConn: make(map[string]RoomID),
	}
}

// Subscribe adds conn to room's live set.
func (p *Presence) Subscribe(conn Conn, room RoomID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if current, ok := p.byConn[conn.ID()]; ok {
		if current == room {
			return nil
		}
		return fmt.Errorf("%w: connection %s already subscribed to %s", ErrInvalidArgument, conn.ID(), current)
	}
	set, ok := p.rooms[room]
	if !ok {
		set = make(map[string]Conn)
		p.rooms[room] = set
	}
	set[conn.ID()] = conn
	p.byConn[conn.ID()] = room
	return nil
}

// Unsubscribe removes conn from whichever room it is in and returns that room.
func (p *Presence) Unsubscribe(conn Conn) (RoomID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	room, ok := p.byConn[conn.ID()]
	if !ok {
		return "", false
	}
	delete(p.byConn, conn.ID())
	if set := p.rooms[room]; set != nil {
		delete(set, conn.ID())
		if len(set) == 0 {
			delete(p.rooms, room)
		}
	}
	return room, true
}

// RoomOf returns the room conn is subscribed to.
func (p *Presence) RoomOf(conn Conn) (RoomID, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	room, ok := p.byConn[conn.ID()]
	return room, ok
}

// Count returns the number of live connections in room.
func (p *Presence) Count(room RoomID) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.rooms[room])
}

// Connections returns a snapshot of room's live set.
func (p *Presence) Connections(room RoomID) []Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return lo.Values(p.rooms[room])
}

// IsPresent reports whether who has at least one live connection in room.
func (p *Presence) IsPresent(room RoomID, who Identity) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, found := lo.FindKeyBy(p.rooms[room], func(_ string, c Conn) bool {
		return c.Identity() == who
	})
	return found
}

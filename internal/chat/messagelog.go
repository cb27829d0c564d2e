package chat

import (
	"context"
	"sync"
	"time"
)

// MessageLog is the append-only, per-room store of chat messages.
// Append assigns the next sequence number of the room.
type MessageLog interface {
	Append(ctx context.Context, room RoomID, author Identity, body string, at time.Time) (Message, error)
	// Messages returns up to limit messages with Seq > after, oldest first.
	// A limit <= 0 means no limit.
	Messages(ctx context.Context, room RoomID, after uint64, limit int) ([]Message, error)
	Drop(ctx context.Context, room RoomID) error
}

// MemoryLog keeps messages in process memory.
type MemoryLog struct {
	mu    sync.RWMutex
	rooms map[RoomID][]Message
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{rooms: make(map[RoomID][]Message)}
}

func (l *MemoryLog) Append(_ context.Context, room RoomID, author Identity, body string, at time.Time) (Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msgs := l.rooms[room]
	msg := Message{
		Seq:       uint64(len(msgs)) + 1,
		Room:      room,
		Author:    author,
		Body:      body,
		Timestamp: at,
	}
	l.rooms[room] = append(msgs, msg)
	return msg, nil
}

func (l *MemoryLog) Messages(_ context.Context, room RoomID, after uint64, limit int) ([]Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	msgs := l.rooms[room]
	if after >= uint64(len(msgs)) {
		return []Message{}, nil
	}
	tail := msgs[after:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	return append([]Message(nil), tail...), nil
}

func (l *MemoryLog) Drop(_ context.Context, room RoomID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rooms, room)
	return nil
}

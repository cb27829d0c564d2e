package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Registry is the durable source of truth for rooms and their member sets.
//
// TryJoin must perform the capacity check and the member insertion as one
// atomic step: two concurrent joins can never both observe the last free seat.
type Registry interface {
	CreateRoom(ctx context.Context, topic string, capacity int) (RoomID, error)
	GetRoom(ctx context.Context, id RoomID) (Room, error)
	ListRooms(ctx context.Context) ([]Summary, error)
	TryJoin(ctx context.Context, id RoomID, who Identity) error
	// Leave is idempotent: removing an identity that is not a member succeeds.
	Leave(ctx context.Context, id RoomID, who Identity) error
	Touch(ctx context.Context, id RoomID) error
	// IdleRooms lists rooms whose last activity is before cutoff.
	IdleRooms(ctx context.Context, cutoff time.Time) ([]RoomID, error)
	DeleteRoom(ctx context.Context, id RoomID) error
}

// Clock returns the current time. Tests substitute a controllable one.
type Clock func() time.Time

// ValidateRoomParams checks the arguments of a CreateRoom call.
func ValidateRoomParams(topic string, capacity int) error {
	if strings.TrimSpace(topic) == "" {
		return fmt.Errorf("%w: topic must not be empty", ErrInvalidArgument)
	}
	if capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidArgument, capacity)
	}
	return nil
}

// CheckInvariant reports ErrFatal when a room holds more members than seats.
func CheckInvariant(r Room) error {
	if len(r.Members) > r.Capacity {
		return fmt.Errorf("%w: room %s has %d members for capacity %d", ErrFatal, r.ID, len(r.Members), r.Capacity)
	}
	return nil
}

type roomRecord struct {
	room        Room
	members     map[Identity]struct{}
	quarantined bool
}

// MemoryRegistry is a process-local Registry.
type MemoryRegistry struct {
	mu    sync.RWMutex
	rooms map[RoomID]*roomRecord
	order []RoomID
	now   Clock
}

// NewMemoryRegistry creates an empty registry. A nil clock means time.Now.
func NewMemoryRegistry(now Clock) *MemoryRegistry {
	if now == nil {
		now = time.Now
	}
	return &MemoryRegistry{rooms: make(map[RoomID]*roomRecord), now: now}
}

func (r *MemoryRegistry) CreateRoom(_ context.Context, topic string, capacity int) (RoomID, error) {
	if err := ValidateRoomParams(topic, capacity); err != nil {
		return "", err
	}
	id := NewRoomID()
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms[id] = &roomRecord{
		room: Room{
			ID:           id,
			Topic:        topic,
			Capacity:     capacity,
			CreatedAt:    now,
			LastActivity: now,
		},
		members: make(map[Identity]struct{}),
	}
	r.order = append(r.order, id)
	return id, nil
}

func (r *MemoryRegistry) GetRoom(_ context.Context, id RoomID) (Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.rooms[id]
	if !ok {
		return Room{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	room := rec.snapshot()
	if err := CheckInvariant(room); err != nil {
		rec.quarantined = true
		return Room{}, err
	}
	return room, nil
}

func (r *MemoryRegistry) ListRooms(_ context.Context) ([]Summary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.FilterMap(r.order, func(id RoomID, _ int) (Summary, bool) {
		rec, ok := r.rooms[id]
		if !ok {
			return Summary{}, false
		}
		return rec.snapshot().Summary(), true
	}), nil
}

func (r *MemoryRegistry) TryJoin(_ context.Context, id RoomID, who Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.rooms[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.quarantined {
		return fmt.Errorf("%w: room %s is quarantined", ErrFatal, id)
	}
	if _, exists := rec.members[who]; exists {
		return fmt.Errorf("%w: %s in %s", ErrAlreadyMember, who, id)
	}
	if len(rec.members) >= rec.room.Capacity {
		return fmt.Errorf("%w: %s (%d/%d)", ErrRoomFull, id, len(rec.members), rec.room.Capacity)
	}
	rec.members[who] = struct{}{}
	rec.room.Members = append(rec.room.Members, who)
	rec.room.LastActivity = r.now()
	return nil
}

func (r *MemoryRegistry) Leave(_ context.Context, id RoomID, who Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.rooms[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if _, exists := rec.members[who]; !exists {
		return nil
	}
	delete(rec.members, who)
	rec.room.Members = lo.Without(rec.room.Members, who)
	rec.room.LastActivity = r.now()
	return nil
}

func (r *MemoryRegistry) Touch(_ context.Context, id RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.rooms[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.room.LastActivity = r.now()
	return nil
}

func (r *MemoryRegistry) IdleRooms(_ context.Context, cutoff time.Time) ([]RoomID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Filter(r.order, func(id RoomID, _ int) bool {
		rec, ok := r.rooms[id]
		return ok && rec.room.LastActivity.Before(cutoff)
	}), nil
}

func (r *MemoryRegistry) DeleteRoom(_ context.Context, id RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[id]; !ok {
		return nil
	}
	delete(r.rooms, id)
	r.order = lo.Without(r.order, id)
	return nil
}

func (rec *roomRecord) snapshot() Room {
	room := rec.room
	room.Members = append(make([]Identity, 0, len(rec.room.Members)), rec.room.Members...)
	return room
}

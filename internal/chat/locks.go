package chat

import (
	"context"
	"fmt"
	"sync"
)

// roomLocks serializes operations on the same room while letting different
// rooms proceed in parallel. Acquisition honours context cancellation.
type roomLocks struct {
	mu    sync.Mutex
	locks map[RoomID]*roomLock
}

type roomLock struct {
	sem  chan struct{}
	refs int
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: make(map[RoomID]*roomLock)}
}

// acquire blocks until the room's lock is held or ctx ends. The returned
// func releases it.
func (l *roomLocks) acquire(ctx context.Context, id RoomID) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &roomLock{sem: make(chan struct{}, 1)}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.sem <- struct{}{}:
		return func() {
			<-lk.sem
			l.release(id, lk)
		}, nil
	case <-ctx.Done():
		l.release(id, lk)
		return nil, fmt.Errorf("%w: room %s busy: %v", ErrTransientIO, id, ctx.Err())
	}
}

func (l *roomLocks) release(id RoomID, lk *roomLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, id)
	}
}

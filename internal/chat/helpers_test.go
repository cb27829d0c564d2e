package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var connSeq atomic.Int64

// fakeConn records every frame it is sent.
type fakeConn struct {
	id  string
	who Identity

	mu     sync.Mutex
	frames [][]byte
	closed bool
	refuse bool
}

func newFakeConn(who Identity) *fakeConn {
	return &fakeConn{id: "conn-" + strconv.FormatInt(connSeq.Add(1), 10), who: who}
}

func (c *fakeConn) ID() string         { return c.id }
func (c *fakeConn) Identity() Identity { return c.who }

func (c *fakeConn) Send(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.refuse {
		return false
	}
	c.frames = append(c.frames, payload)
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) setRefuse(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refuse = v
}

func (c *fakeConn) events(t *testing.T) []Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Event, 0, len(c.frames))
	for _, f := range c.frames {
		var ev Event
		require.NoError(t, json.Unmarshal(f, &ev))
		out = append(out, ev)
	}
	return out
}

// ofType filters events by type, and for presence notices by kind.
func ofType(events []Event, typ EventType, kind string) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == typ && (kind == "" || ev.Presence == kind) {
			out = append(out, ev)
		}
	}
	return out
}

// fakeClock is a settable Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyLog fails the first failures appends, or every append when
// failures is negative.
type flakyLog struct {
	*MemoryLog
	failures int
	calls    atomic.Int32
}

var errDiskGone = errors.New("disk unavailable")

func (l *flakyLog) Append(ctx context.Context, room RoomID, author Identity, body string, at time.Time) (Message, error) {
	n := int(l.calls.Add(1))
	if l.failures < 0 || n <= l.failures {
		return Message{}, errors.Join(ErrTransientIO, errDiskGone)
	}
	return l.MemoryLog.Append(ctx, room, author, body, at)
}

type harness struct {
	coord    *Coordinator
	registry *MemoryRegistry
	log      MessageLog
	presence *Presence
	clock    *fakeClock
}

func newHarness(t *testing.T, opts Options, log MessageLog) *harness {
	t.Helper()
	clock := newFakeClock()
	if log == nil {
		log = NewMemoryLog()
	}
	if opts.Retry.Attempts == 0 {
		opts.Retry = RetryPolicy{Attempts: 3, Backoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
	}
	opts.Clock = clock.Now

	registry := NewMemoryRegistry(clock.Now)
	presence := NewPresence()
	coord := NewCoordinator(registry, log, presence, zerolog.Nop(), opts)
	t.Cleanup(coord.Shutdown)

	return &harness{coord: coord, registry: registry, log: log, presence: presence, clock: clock}
}

func (h *harness) room(t *testing.T, capacity int) RoomID {
	t.Helper()
	id, err := h.coord.CreateRoom(context.Background(), "general", capacity)
	require.NoError(t, err)
	return id
}

// connect opens a session for who.
func (h *harness) connect(who Identity) *fakeConn {
	conn := newFakeConn(who)
	h.coord.OnConnect(conn)
	return conn
}

// joined opens a session for who and joins it to room.
func (h *harness) joined(t *testing.T, room RoomID, who Identity) *fakeConn {
	t.Helper()
	conn := h.connect(who)
	require.NoError(t, h.coord.Join(context.Background(), conn, room, nil))
	return conn
}

func (h *harness) members(t *testing.T, room RoomID) []Identity {
	t.Helper()
	r, err := h.registry.GetRoom(context.Background(), room)
	require.NoError(t, err)
	return r.Members
}

func contextDeadline() error {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	<-ctx.Done()
	return ctx.Err()
}

func testLogger() zerolog.Logger { return zerolog.Nop() }

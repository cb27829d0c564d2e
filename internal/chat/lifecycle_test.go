package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAbruptDisconnectWithoutGraceDepartsAtOnce(t *testing.T) {
	h := newHarness(t, Options{GracePeriod: 0}, nil)
	room := h.room(t, 2)

	alice := h.joined(t, room, "alice")
	bob := h.joined(t, room, "bob")

	h.coord.OnDisconnect(alice)

	assert.Equal(t, []Identity{"bob"}, h.members(t, room))
	departed := ofType(bob.events(t), EventPresence, PresenceDeparted)
	require.Len(t, departed, 1)
	assert.Equal(t, Identity("alice"), departed[0].Author)
	assert.Equal(t, StateDisconnected, h.coord.StateOf(alice))
}

func TestReconnectWithinGraceKeepsMembership(t *testing.T) {
	h := newHarness(t, Options{GracePeriod: time.Hour}, nil)
	room := h.room(t, 2)
	ctx := context.Background()

	alice := h.joined(t, room, "alice")
	bob := h.joined(t, room, "bob")
	_, err := h.coord.Send(ctx, bob, "while you were away")
	require.NoError(t, err)

	h.coord.OnDisconnect(alice)
	assert.Equal(t, 1, h.presence.Count(room))
	assert.ElementsMatch(t, []Identity{"alice", "bob"}, h.members(t, room), "membership survives the blip")

	// The seat stays reserved while the timer runs.
	carol := h.connect("carol")
	require.ErrorIs(t, h.coord.Join(ctx, carol, room, nil), ErrRoomFull)

	back := h.connect("alice")
	since := uint64(0)
	require.NoError(t, h.coord.Join(ctx, back, room, &since))

	assert.ElementsMatch(t, []Identity{"alice", "bob"}, h.members(t, room))
	assert.Equal(t, 2, h.presence.Count(room))

	bobEvents := bob.events(t)
	assert.Empty(t, ofType(bobEvents, EventPresence, PresenceDeparted))
	assert.Empty(t, ofType(bobEvents, EventPresence, PresenceJoined), "a resume is not announced")

	chats := ofType(back.events(t), EventChat, "")
	require.Len(t, chats, 1)
	assert.Equal(t, "while you were away", chats[0].Body)
}

func TestGraceExpiryReleasesMembership(t *testing.T) {
	h := newHarness(t, Options{GracePeriod: 20 * time.Millisecond}, nil)
	room := h.room(t, 2)

	alice := h.joined(t, room, "alice")
	bob := h.joined(t, room, "bob")

	h.coord.OnDisconnect(alice)
	assert.ElementsMatch(t, []Identity{"alice", "bob"}, h.members(t, room))

	require.Eventually(t, func() bool {
		return len(ofType(bob.events(t), EventPresence, PresenceDeparted)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Identity{"bob"}, h.members(t, room))
}

func TestSecondConnectionKeepsIdentityPresent(t *testing.T) {
	h := newHarness(t, Options{GracePeriod: 0}, nil)
	first := h.room(t, 2)
	second := h.room(t, 2)

	// alice holds two connections, each in its own room.
	a1 := h.joined(t, first, "alice")
	a2 := h.joined(t, second, "alice")

	h.coord.OnDisconnect(a1)
	assert.Empty(t, h.members(t, first))
	assert.Equal(t, []Identity{"alice"}, h.members(t, second))
	assert.Equal(t, StateJoined, h.coord.StateOf(a2))
}

func TestRejoinAfterRestartIsAnnounced(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	room := h.room(t, 2)
	ctx := context.Background()

	// Durable membership with no live connection, as after a process restart.
	require.NoError(t, h.registry.TryJoin(ctx, room, "alice"))
	bob := h.joined(t, room, "bob")

	alice := h.connect("alice")
	require.NoError(t, h.coord.Join(ctx, alice, room, nil))

	assert.ElementsMatch(t, []Identity{"alice", "bob"}, h.members(t, room))
	joined := ofType(bob.events(t), EventPresence, PresenceJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, Identity("alice"), joined[0].Author)
}

func TestRejoinPathsRefreshLastActivity(t *testing.T) {
	ctx := context.Background()

	t.Run("resume within grace", func(t *testing.T) {
		h := newHarness(t, Options{GracePeriod: time.Hour}, nil)
		room := h.room(t, 2)

		alice := h.joined(t, room, "alice")
		h.coord.OnDisconnect(alice)
		h.clock.Advance(10 * time.Minute)

		require.NoError(t, h.coord.Join(ctx, h.connect("alice"), room, nil))

		r, err := h.registry.GetRoom(ctx, room)
		require.NoError(t, err)
		assert.Equal(t, h.clock.Now(), r.LastActivity)
	})

	t.Run("durable member after restart", func(t *testing.T) {
		h := newHarness(t, Options{}, nil)
		room := h.room(t, 2)
		require.NoError(t, h.registry.TryJoin(ctx, room, "alice"))
		h.clock.Advance(10 * time.Minute)

		require.NoError(t, h.coord.Join(ctx, h.connect("alice"), room, nil))

		r, err := h.registry.GetRoom(ctx, room)
		require.NoError(t, err)
		assert.Equal(t, h.clock.Now(), r.LastActivity)
	})
}

// Summaries count seats, which a member keeps through its grace period.
// Frames count live connections.
func TestSummaryOccupancyCountsMembersInGrace(t *testing.T) {
	h := newHarness(t, Options{GracePeriod: time.Hour}, nil)
	room := h.room(t, 3)
	ctx := context.Background()

	alice := h.joined(t, room, "alice")
	bob := h.joined(t, room, "bob")
	h.coord.OnDisconnect(alice)

	summaries, err := h.coord.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 2, summaries[0].Occupancy)
	assert.Equal(t, 1, h.presence.Count(room))

	carol := h.joined(t, room, "carol")
	require.NotNil(t, carol)
	joined := ofType(bob.events(t), EventPresence, PresenceJoined)
	require.NotEmpty(t, joined)
	assert.Equal(t, 2, joined[len(joined)-1].Occupancy, "live count excludes alice")
}

func TestReapIdleRoom(t *testing.T) {
	const threshold = 30 * time.Minute
	h := newHarness(t, Options{GracePeriod: 0, IdleThreshold: threshold}, nil)
	room := h.room(t, 2)
	ctx := context.Background()

	alice := h.joined(t, room, "alice")
	_, err := h.coord.Send(ctx, alice, "bye")
	require.NoError(t, err)
	h.coord.OnDisconnect(alice)

	n, err := h.coord.ReapIdle(ctx, threshold)
	require.NoError(t, err)
	assert.Zero(t, n, "a freshly abandoned room is not reaped")
	_, err = h.registry.GetRoom(ctx, room)
	require.NoError(t, err)

	h.clock.Advance(threshold + time.Second)

	n, err = h.coord.ReapIdle(ctx, threshold)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = h.registry.GetRoom(ctx, room)
	require.ErrorIs(t, err, ErrNotFound)
	msgs, err := h.log.Messages(ctx, room, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestReapNeverRemovesOccupiedRoom(t *testing.T) {
	const threshold = time.Minute
	h := newHarness(t, Options{}, nil)
	room := h.room(t, 2)
	ctx := context.Background()

	h.joined(t, room, "alice")
	h.clock.Advance(24 * time.Hour)

	n, err := h.coord.ReapIdle(ctx, threshold)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = h.registry.GetRoom(ctx, room)
	require.NoError(t, err)
}

func TestReapCancelsPendingGrace(t *testing.T) {
	const threshold = time.Minute
	h := newHarness(t, Options{GracePeriod: time.Hour}, nil)
	room := h.room(t, 2)
	ctx := context.Background()

	alice := h.joined(t, room, "alice")
	h.coord.OnDisconnect(alice)
	h.clock.Advance(2 * threshold)

	n, err := h.coord.ReapIdle(ctx, threshold)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h.coord.mu.Lock()
	pending := len(h.coord.grace)
	h.coord.mu.Unlock()
	assert.Zero(t, pending)
}

func TestQuarantinedRoomIsRefusedAndKept(t *testing.T) {
	const threshold = time.Minute
	h := newHarness(t, Options{}, nil)
	room := h.room(t, 1)
	ctx := context.Background()

	// Corrupt the record behind the registry's back.
	h.registry.mu.Lock()
	rec := h.registry.rooms[room]
	for _, who := range []Identity{"x", "y"} {
		rec.members[who] = struct{}{}
		rec.room.Members = append(rec.room.Members, who)
	}
	h.registry.mu.Unlock()

	_, err := h.registry.GetRoom(ctx, room)
	require.ErrorIs(t, err, ErrFatal)

	conn := h.connect("alice")
	err = h.coord.Join(ctx, conn, room, nil)
	require.ErrorIs(t, err, ErrFatal)
	assert.Equal(t, "fatal", Code(err))

	h.clock.Advance(2 * threshold)
	n, err := h.coord.ReapIdle(ctx, threshold)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunReapsOnTick(t *testing.T) {
	h := newHarness(t, Options{ReapInterval: 10 * time.Millisecond, IdleThreshold: time.Minute}, nil)
	room := h.room(t, 2)
	h.clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.coord.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := h.registry.GetRoom(context.Background(), room)
		return err != nil
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestShutdownClosesConnectionsAndRefusesNewOnes(t *testing.T) {
	h := newHarness(t, Options{GracePeriod: time.Hour}, nil)
	room := h.room(t, 3)

	alice := h.joined(t, room, "alice")
	bob := h.joined(t, room, "bob")
	h.coord.OnDisconnect(bob)

	h.coord.Shutdown()
	assert.True(t, alice.isClosed())

	late := newFakeConn("carol")
	h.coord.OnConnect(late)
	assert.True(t, late.isClosed())

	h.coord.mu.Lock()
	pending := len(h.coord.grace)
	h.coord.mu.Unlock()
	assert.Zero(t, pending)
}

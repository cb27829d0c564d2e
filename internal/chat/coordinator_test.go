package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapacityTwoScenario(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	room := h.room(t, 2)
	ctx := context.Background()

	a := h.joined(t, room, "alice")
	h.joined(t, room, "bob")

	c := h.connect("carol")
	err := h.coord.Join(ctx, c, room, nil)
	require.ErrorIs(t, err, ErrRoomFull)
	assert.Equal(t, StateDisconnected, h.coord.StateOf(c))

	require.NoError(t, h.coord.Leave(ctx, a))
	assert.True(t, a.isClosed(), "explicit leave closes the transport")

	require.NoError(t, h.coord.Join(ctx, c, room, nil))
	assert.ElementsMatch(t, []Identity{"bob", "carol"}, h.members(t, room))
}

func TestJoinFullRoomLeavesStateUntouched(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	room := h.room(t, 1)
	alice := h.joined(t, room, "alice")

	bob := h.connect("bob")
	require.ErrorIs(t, h.coord.Join(context.Background(), bob, room, nil), ErrRoomFull)

	assert.Equal(t, []Identity{"alice"}, h.members(t, room))
	assert.Equal(t, 1, h.presence.Count(room))
	_, subscribed := h.presence.RoomOf(bob)
	assert.False(t, subscribed)
	assert.Empty(t, ofType(alice.events(t), EventPresence, PresenceJoined))

	errs := ofType(bob.events(t), EventError, "")
	assert.Empty(t, errs, "Join reports to the caller; error frames come from OnMessage")
}

func TestConcurrentJoinsNeverExceedCapacity(t *testing.T) {
	const capacity = 5
	const joiners = 64

	h := newHarness(t, Options{}, nil)
	room := h.room(t, capacity)

	conns := make([]*fakeConn, joiners)
	for i := range conns {
		conns[i] = h.connect(Identity(fmt.Sprintf("user-%d", i)))
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		full     int
	)
	start := make(chan struct{})
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *fakeConn) {
			defer wg.Done()
			<-start
			err := h.coord.Join(context.Background(), conn, room, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case assert.ErrorIs(t, err, ErrRoomFull):
				full++
			}
		}(conn)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, capacity, admitted)
	assert.Equal(t, joiners-capacity, full)
	assert.Len(t, h.members(t, room), capacity)
	assert.Equal(t, capacity, h.presence.Count(room))
}

func TestLeaveIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	room := h.room(t, 3)
	ctx := context.Background()

	alice := h.joined(t, room, "alice")
	bob := h.joined(t, room, "bob")

	require.NoError(t, h.coord.Leave(ctx, alice))
	require.NoError(t, h.coord.Leave(ctx, alice))

	require.NoError(t, h.registry.Leave(ctx, room, "alice"))
	require.NoError(t, h.registry.Leave(ctx, room, "alice"))

	departed := ofType(bob.events(t), EventPresence, PresenceDeparted)
	require.Len(t, departed, 1)
	assert.Equal(t, Identity("alice"), departed[0].Author)
	assert.Equal(t, 1, departed[0].Occupancy)
	assert.Equal(t, []Identity{"bob"}, h.members(t, room))
}

func TestChatReachesOtherMembersOnce(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	room := h.room(t, 2)
	ctx := context.Background()

	alice := h.joined(t, room, "alice")
	bob := h.joined(t, room, "bob")

	before, err := h.log.Messages(ctx, room, 0, 0)
	require.NoError(t, err)

	msg, err := h.coord.Send(ctx, alice, "hi")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), msg.Seq)

	chats := ofType(bob.events(t), EventChat, "")
	require.Len(t, chats, 1)
	assert.Equal(t, "hi", chats[0].Body)
	assert.Equal(t, Identity("alice"), chats[0].Author)

	after, err := h.log.Messages(ctx, room, 0, 0)
	require.NoError(t, err)
	assert.Len(t, after, len(before)+1)
}

func TestMessagesArriveInSendOrder(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	room := h.room(t, 3)
	ctx := context.Background()

	alice := h.joined(t, room, "alice")
	bob := h.joined(t, room, "bob")
	carol := h.joined(t, room, "carol")

	const n = 50
	var wg sync.WaitGroup
	for _, sender := range []*fakeConn{alice, bob} {
		wg.Add(1)
		go func(sender *fakeConn) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				_, err := h.coord.Send(ctx, sender, fmt.Sprintf("%s-%d", sender.who, i))
				assert.NoError(t, err)
			}
		}(sender)
	}
	wg.Wait()

	logged, err := h.log.Messages(ctx, room, 0, 0)
	require.NoError(t, err)
	require.Len(t, logged, 2*n)

	for _, conn := range []*fakeConn{alice, bob, carol} {
		chats := ofType(conn.events(t), EventChat, "")
		require.Len(t, chats, 2*n)
		for i, ev := range chats {
			assert.Equal(t, logged[i].Seq, ev.Seq)
			assert.Equal(t, logged[i].Body, ev.Body)
		}
	}
}

func TestPersistFailureSuppressesBroadcast(t *testing.T) {
	log := &flakyLog{MemoryLog: NewMemoryLog(), failures: -1}
	h := newHarness(t, Options{}, log)
	room := h.room(t, 2)

	alice := h.joined(t, room, "alice")
	bob := h.joined(t, room, "bob")

	_, err := h.coord.Send(context.Background(), alice, "lost")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransientIO)
	assert.True(t, Retryable(err))
	assert.Equal(t, int32(3), log.calls.Load())

	assert.Empty(t, ofType(bob.events(t), EventChat, ""))
	assert.Empty(t, ofType(alice.events(t), EventChat, ""))
}

func TestTransientPersistFailureIsRetried(t *testing.T) {
	log := &flakyLog{MemoryLog: NewMemoryLog(), failures: 2}
	h := newHarness(t, Options{}, log)
	room := h.room(t, 2)

	alice := h.joined(t, room, "alice")
	bob := h.joined(t, room, "bob")

	msg, err := h.coord.Send(context.Background(), alice, "eventually")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), msg.Seq)
	assert.Len(t, ofType(bob.events(t), EventChat, ""), 1)
}

func TestJoinIsNotBlockedByRetryingSend(t *testing.T) {
	log := &flakyLog{MemoryLog: NewMemoryLog(), failures: -1}
	slow := RetryPolicy{Attempts: 4, Backoff: 300 * time.Millisecond, MaxBackoff: 300 * time.Millisecond}
	h := newHarness(t, Options{Retry: slow}, log)
	room := h.room(t, 3)

	alice := h.joined(t, room, "alice")

	sendErr := make(chan error, 1)
	go func() {
		_, err := h.coord.Send(context.Background(), alice, "stuck")
		sendErr <- err
	}()
	require.Eventually(t, func() bool { return log.calls.Load() >= 1 }, time.Second, time.Millisecond)

	start := time.Now()
	bob := h.joined(t, room, "bob")
	assert.Less(t, time.Since(start), 150*time.Millisecond, "join waited behind the send's backoff")
	require.NoError(t, h.coord.Leave(context.Background(), bob))

	select {
	case err := <-sendErr:
		require.ErrorIs(t, err, ErrTransientIO)
	case <-time.After(3 * time.Second):
		t.Fatal("send did not finish")
	}
	assert.Equal(t, int32(4), log.calls.Load())
	assert.Empty(t, ofType(alice.events(t), EventChat, ""))
}

func TestSendStopsRetryingOnceSenderLeaves(t *testing.T) {
	log := &flakyLog{MemoryLog: NewMemoryLog(), failures: -1}
	slow := RetryPolicy{Attempts: 10, Backoff: 50 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}
	h := newHarness(t, Options{Retry: slow}, log)
	room := h.room(t, 2)

	alice := h.joined(t, room, "alice")

	sendErr := make(chan error, 1)
	go func() {
		_, err := h.coord.Send(context.Background(), alice, "never mind")
		sendErr <- err
	}()
	require.Eventually(t, func() bool { return log.calls.Load() >= 1 }, time.Second, time.Millisecond)
	require.NoError(t, h.coord.Leave(context.Background(), alice))

	select {
	case err := <-sendErr:
		require.ErrorIs(t, err, ErrNotJoined)
	case <-time.After(3 * time.Second):
		t.Fatal("send did not finish")
	}
	assert.Less(t, log.calls.Load(), int32(10))
}

func TestJoinRequiresIdentity(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	room := h.room(t, 2)

	anon := h.connect("")
	err := h.coord.Join(context.Background(), anon, room, nil)
	require.ErrorIs(t, err, ErrUnauthenticated)
	assert.Empty(t, h.members(t, room))
}

func TestJoinUnknownRoom(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	conn := h.connect("alice")

	err := h.coord.Join(context.Background(), conn, "no-such-room", nil)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, StateDisconnected, h.coord.StateOf(conn))
}

func TestJoinWhileJoinedIsRejected(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	first := h.room(t, 2)
	second := h.room(t, 2)

	conn := h.joined(t, first, "alice")
	err := h.coord.Join(context.Background(), conn, second, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)

	room, ok := h.presence.RoomOf(conn)
	require.True(t, ok)
	assert.Equal(t, first, room)
}

func TestSecondLiveConnectionForIdentityIsAlreadyMember(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	room := h.room(t, 3)
	h.joined(t, room, "alice")

	again := h.connect("alice")
	err := h.coord.Join(context.Background(), again, room, nil)
	require.ErrorIs(t, err, ErrAlreadyMember)
	assert.Equal(t, 1, h.presence.Count(room))
}

func TestSendRequiresJoin(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	conn := h.connect("alice")

	_, err := h.coord.Send(context.Background(), conn, "hello?")
	require.ErrorIs(t, err, ErrNotJoined)
}

func TestSendRejectsBadBodies(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	room := h.room(t, 1)
	conn := h.joined(t, room, "alice")

	_, err := h.coord.Send(context.Background(), conn, "   ")
	require.ErrorIs(t, err, ErrInvalidArgument)

	big := make([]byte, MaxBodyLength+1)
	for i := range big {
		big[i] = 'x'
	}
	_, err = h.coord.Send(context.Background(), conn, string(big))
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestJoinAckAndPresenceNotices(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	room := h.room(t, 3)

	alice := h.joined(t, room, "alice")
	bob := h.joined(t, room, "bob")

	acks := ofType(bob.events(t), EventJoin, "")
	require.Len(t, acks, 1)
	assert.Equal(t, room, acks[0].Room)
	assert.Equal(t, 2, acks[0].Occupancy)

	joined := ofType(alice.events(t), EventPresence, PresenceJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, Identity("bob"), joined[0].Author)
	assert.Equal(t, 2, joined[0].Occupancy)

	assert.Empty(t, ofType(bob.events(t), EventPresence, PresenceJoined), "joiner is answered by the ack only")
}

func TestJoinWithSinceReplaysBacklog(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	room := h.room(t, 2)
	ctx := context.Background()

	alice := h.joined(t, room, "alice")
	for _, body := range []string{"one", "two", "three"} {
		_, err := h.coord.Send(ctx, alice, body)
		require.NoError(t, err)
	}

	bob := h.connect("bob")
	since := uint64(1)
	require.NoError(t, h.coord.Join(ctx, bob, room, &since))

	events := bob.events(t)
	require.Len(t, events, 3)
	assert.Equal(t, EventJoin, events[0].Type)
	assert.Equal(t, "two", events[1].Body)
	assert.Equal(t, uint64(2), events[1].Seq)
	assert.Equal(t, "three", events[2].Body)
}

// readHookLog runs onRead once, after its first backlog read.
type readHookLog struct {
	*MemoryLog
	once   sync.Once
	onRead func()
}

func (l *readHookLog) Messages(ctx context.Context, room RoomID, after uint64, limit int) ([]Message, error) {
	msgs, err := l.MemoryLog.Messages(ctx, room, after, limit)
	l.once.Do(l.onRead)
	return msgs, err
}

func TestJoinWithSinceCatchesUpOnMessagesSentDuringJoin(t *testing.T) {
	log := &readHookLog{MemoryLog: NewMemoryLog()}
	h := newHarness(t, Options{}, log)
	room := h.room(t, 2)
	ctx := context.Background()

	alice := h.joined(t, room, "alice")
	_, err := h.coord.Send(ctx, alice, "before")
	require.NoError(t, err)

	// alice speaks after bob's backlog was read but before bob holds the room.
	log.onRead = func() {
		_, err := h.coord.Send(ctx, alice, "during")
		require.NoError(t, err)
	}

	bob := h.connect("bob")
	since := uint64(0)
	require.NoError(t, h.coord.Join(ctx, bob, room, &since))

	chats := ofType(bob.events(t), EventChat, "")
	require.Len(t, chats, 2)
	assert.Equal(t, "before", chats[0].Body)
	assert.Equal(t, "during", chats[1].Body)
	assert.Equal(t, uint64(2), chats[1].Seq)
}

func TestOnMessageDispatchesAndReportsErrors(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	room := h.room(t, 2)
	ctx := context.Background()

	conn := h.connect("alice")

	err := h.coord.OnMessage(ctx, conn, []byte(`{"type":"presence","room":"x"}`))
	require.ErrorIs(t, err, ErrInvalidArgument)
	err = h.coord.OnMessage(ctx, conn, []byte(`not json`))
	require.ErrorIs(t, err, ErrInvalidArgument)
	err = h.coord.OnMessage(ctx, conn, []byte(`{"type":"chat","body":"early"}`))
	require.ErrorIs(t, err, ErrNotJoined)

	require.NoError(t, h.coord.OnMessage(ctx, conn, []byte(fmt.Sprintf(`{"type":"join","room":%q}`, room))))
	require.NoError(t, h.coord.OnMessage(ctx, conn, []byte(`{"type":"chat","body":"hello"}`)))
	require.NoError(t, h.coord.OnMessage(ctx, conn, []byte(`{"type":"leave"}`)))

	events := conn.events(t)
	errs := ofType(events, EventError, "")
	require.Len(t, errs, 3)
	assert.Equal(t, "invalid_argument", errs[0].Code)
	assert.Equal(t, "invalid_argument", errs[1].Code)
	assert.Equal(t, "not_joined", errs[2].Code)

	require.Len(t, ofType(events, EventChat, ""), 1)
	assert.True(t, conn.isClosed())
	assert.Empty(t, h.members(t, room))
}

func TestUnresponsiveConnectionIsDroppedOnFanout(t *testing.T) {
	h := newHarness(t, Options{GracePeriod: 0}, nil)
	room := h.room(t, 2)

	alice := h.joined(t, room, "alice")
	bob := h.joined(t, room, "bob")
	bob.setRefuse(true)

	_, err := h.coord.Send(context.Background(), alice, "anyone there?")
	require.NoError(t, err)

	assert.True(t, bob.isClosed())
	assert.Equal(t, 1, h.presence.Count(room))
	assert.Equal(t, []Identity{"alice"}, h.members(t, room))

	departed := ofType(alice.events(t), EventPresence, PresenceDeparted)
	require.Len(t, departed, 1)
	assert.Equal(t, Identity("bob"), departed[0].Author)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "joining", StateJoining.String())
	assert.Equal(t, "joined", StateJoined.String())
	assert.Equal(t, "leaving", StateLeaving.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestJoinTimesOutOnBusyRoom(t *testing.T) {
	h := newHarness(t, Options{OpTimeout: 20 * time.Millisecond}, nil)
	room := h.room(t, 2)

	unlock, err := h.coord.locks.acquire(context.Background(), room)
	require.NoError(t, err)
	defer unlock()

	conn := h.connect("alice")
	err = h.coord.Join(context.Background(), conn, room, nil)
	require.ErrorIs(t, err, ErrTransientIO)
	assert.True(t, Retryable(err))
	assert.Equal(t, StateDisconnected, h.coord.StateOf(conn))
	assert.Empty(t, h.members(t, room))
}

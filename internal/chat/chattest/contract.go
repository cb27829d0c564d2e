// Package chattest holds behaviour checks shared by every Registry and
// MessageLog implementation.
package chattest

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// RegistryContract exercises Registry implementations built by newRegistry.
// advance must move the clock those registries read.
func RegistryContract(t *testing.T, newRegistry func(t *testing.T) chat.Registry, advance func(time.Duration)) {
	t.Run("CreateRejectsBadParams", func(t *testing.T) {
		r := newRegistry(t)
		ctx := context.Background()

		_, err := r.CreateRoom(ctx, "", 3)
		require.ErrorIs(t, err, chat.ErrInvalidArgument)
		_, err = r.CreateRoom(ctx, "  ", 3)
		require.ErrorIs(t, err, chat.ErrInvalidArgument)
		_, err = r.CreateRoom(ctx, "go", 0)
		require.ErrorIs(t, err, chat.ErrInvalidArgument)
		_, err = r.CreateRoom(ctx, "go", -1)
		require.ErrorIs(t, err, chat.ErrInvalidArgument)
	})

	t.Run("CreateAndGet", func(t *testing.T) {
		r := newRegistry(t)
		ctx := context.Background()

		id, err := r.CreateRoom(ctx, "golang", 4)
		require.NoError(t, err)
		require.NotEmpty(t, id)

		room, err := r.GetRoom(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, room.ID)
		assert.Equal(t, "golang", room.Topic)
		assert.Equal(t, 4, room.Capacity)
		assert.NotNil(t, room.Members)
		assert.Empty(t, room.Members)

		_, err = r.GetRoom(ctx, "missing")
		require.ErrorIs(t, err, chat.ErrNotFound)
	})

	t.Run("ListInInsertionOrder", func(t *testing.T) {
		r := newRegistry(t)
		ctx := context.Background()

		var ids []chat.RoomID
		for i := 0; i < 5; i++ {
			id, err := r.CreateRoom(ctx, fmt.Sprintf("topic-%d", i), i+1)
			require.NoError(t, err)
			ids = append(ids, id)
		}
		require.NoError(t, r.TryJoin(ctx, ids[2], "alice"))

		rooms, err := r.ListRooms(ctx)
		require.NoError(t, err)
		require.Len(t, rooms, len(ids))
		for i, s := range rooms {
			assert.Equal(t, ids[i], s.ID)
			assert.Equal(t, fmt.Sprintf("topic-%d", i), s.Topic)
			assert.Equal(t, i+1, s.Capacity)
		}
		assert.Equal(t, 1, rooms[2].Occupancy)
	})

	t.Run("TryJoinOutcomes", func(t *testing.T) {
		r := newRegistry(t)
		ctx := context.Background()

		id, err := r.CreateRoom(ctx, "pair", 2)
		require.NoError(t, err)

		require.NoError(t, r.TryJoin(ctx, id, "a"))
		require.ErrorIs(t, r.TryJoin(ctx, id, "a"), chat.ErrAlreadyMember)
		require.NoError(t, r.TryJoin(ctx, id, "b"))
		require.ErrorIs(t, r.TryJoin(ctx, id, "c"), chat.ErrRoomFull)
		require.ErrorIs(t, r.TryJoin(ctx, "missing", "a"), chat.ErrNotFound)

		require.NoError(t, r.Leave(ctx, id, "a"))
		require.NoError(t, r.TryJoin(ctx, id, "c"))

		room, err := r.GetRoom(ctx, id)
		require.NoError(t, err)
		assert.ElementsMatch(t, []chat.Identity{"b", "c"}, room.Members)
	})

	t.Run("LeaveIsIdempotent", func(t *testing.T) {
		r := newRegistry(t)
		ctx := context.Background()

		id, err := r.CreateRoom(ctx, "solo", 1)
		require.NoError(t, err)
		require.NoError(t, r.TryJoin(ctx, id, "a"))

		require.NoError(t, r.Leave(ctx, id, "a"))
		require.NoError(t, r.Leave(ctx, id, "a"))
		require.NoError(t, r.Leave(ctx, id, "never-joined"))
		require.ErrorIs(t, r.Leave(ctx, "missing", "a"), chat.ErrNotFound)

		room, err := r.GetRoom(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, room.Members)
	})

	t.Run("ConcurrentJoinsRespectCapacity", func(t *testing.T) {
		r := newRegistry(t)
		ctx := context.Background()

		const capacity = 3
		id, err := r.CreateRoom(ctx, "storm", capacity)
		require.NoError(t, err)

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			admitted int
		)
		for i := 0; i < 40; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := r.TryJoin(ctx, id, chat.Identity(fmt.Sprintf("u%d", i))); err == nil {
					mu.Lock()
					admitted++
					mu.Unlock()
				} else {
					assert.ErrorIs(t, err, chat.ErrRoomFull)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, capacity, admitted)
		room, err := r.GetRoom(ctx, id)
		require.NoError(t, err)
		assert.Len(t, room.Members, capacity)
	})

	t.Run("IdleAndDelete", func(t *testing.T) {
		r := newRegistry(t)
		ctx := context.Background()

		stale, err := r.CreateRoom(ctx, "stale", 2)
		require.NoError(t, err)
		advance(time.Hour)
		fresh, err := r.CreateRoom(ctx, "fresh", 2)
		require.NoError(t, err)

		room, err := r.GetRoom(ctx, fresh)
		require.NoError(t, err)
		cutoff := room.LastActivity.Add(-time.Minute)

		idle, err := r.IdleRooms(ctx, cutoff)
		require.NoError(t, err)
		assert.Equal(t, []chat.RoomID{stale}, idle)

		advance(time.Second)
		require.NoError(t, r.Touch(ctx, stale))
		idle, err = r.IdleRooms(ctx, cutoff)
		require.NoError(t, err)
		assert.Empty(t, idle)
		require.ErrorIs(t, r.Touch(ctx, "missing"), chat.ErrNotFound)

		require.NoError(t, r.DeleteRoom(ctx, stale))
		_, err = r.GetRoom(ctx, stale)
		require.ErrorIs(t, err, chat.ErrNotFound)
		rooms, err := r.ListRooms(ctx)
		require.NoError(t, err)
		require.Len(t, rooms, 1)
		assert.Equal(t, fresh, rooms[0].ID)
	})
}

// MessageLogContract exercises a fresh MessageLog from newLog.
func MessageLogContract(t *testing.T, newLog func(t *testing.T) chat.MessageLog) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("AppendAssignsSequence", func(t *testing.T) {
		l := newLog(t)
		ctx := context.Background()

		for i := 1; i <= 3; i++ {
			msg, err := l.Append(ctx, "r1", "alice", fmt.Sprintf("m%d", i), at)
			require.NoError(t, err)
			assert.Equal(t, uint64(i), msg.Seq)
			assert.Equal(t, chat.RoomID("r1"), msg.Room)
		}
		other, err := l.Append(ctx, "r2", "bob", "elsewhere", at)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), other.Seq, "sequences are per room")
	})

	t.Run("MessagesPaging", func(t *testing.T) {
		l := newLog(t)
		ctx := context.Background()

		for i := 1; i <= 12; i++ {
			_, err := l.Append(ctx, "r", "alice", fmt.Sprintf("m%d", i), at.Add(time.Duration(i)*time.Second))
			require.NoError(t, err)
		}

		all, err := l.Messages(ctx, "r", 0, 0)
		require.NoError(t, err)
		require.Len(t, all, 12)
		for i, m := range all {
			assert.Equal(t, uint64(i+1), m.Seq)
			assert.Equal(t, fmt.Sprintf("m%d", i+1), m.Body)
			assert.Equal(t, chat.Identity("alice"), m.Author)
			assert.True(t, m.Timestamp.Equal(at.Add(time.Duration(i+1)*time.Second)))
		}

		page, err := l.Messages(ctx, "r", 9, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, uint64(10), page[0].Seq)
		assert.Equal(t, uint64(11), page[1].Seq)

		tail, err := l.Messages(ctx, "r", 12, 5)
		require.NoError(t, err)
		assert.NotNil(t, tail)
		assert.Empty(t, tail)

		none, err := l.Messages(ctx, "unknown", 0, 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("MessagesAfterLargestSequence", func(t *testing.T) {
		l := newLog(t)
		ctx := context.Background()

		for i := 1; i <= 3; i++ {
			_, err := l.Append(ctx, "r", "alice", fmt.Sprintf("m%d", i), at)
			require.NoError(t, err)
		}

		for _, after := range []uint64{math.MaxUint64, math.MaxUint64 - 1, 1 << 63} {
			msgs, err := l.Messages(ctx, "r", after, 0)
			require.NoError(t, err)
			assert.NotNil(t, msgs)
			assert.Empty(t, msgs, "after=%d", after)
		}
	})

	t.Run("DropForgetsRoom", func(t *testing.T) {
		l := newLog(t)
		ctx := context.Background()

		_, err := l.Append(ctx, "gone", "alice", "x", at)
		require.NoError(t, err)
		_, err = l.Append(ctx, "kept", "alice", "y", at)
		require.NoError(t, err)

		require.NoError(t, l.Drop(ctx, "gone"))

		msgs, err := l.Messages(ctx, "gone", 0, 0)
		require.NoError(t, err)
		assert.Empty(t, msgs)
		kept, err := l.Messages(ctx, "kept", 0, 0)
		require.NoError(t, err)
		assert.Len(t, kept, 1)

		msg, err := l.Append(ctx, "gone", "alice", "again", at)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), msg.Seq, "a dropped room starts over")
	})
}

// Package storage provides networked and on-disk backends for the chat
// registry and message log.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/roomchat/internal/chat"
)

const defaultPrefix = "roomchat:"

// tryJoinScript admits an identity only while the member set is below
// capacity. Check and insert run as one script, so concurrent joins from any
// number of processes cannot overshoot.
//
// KEYS: room hash, member zset, activity zset
// ARGV: identity, now (unix ms), room id
var tryJoinScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 'not_found' end
if redis.call('HGET', KEYS[1], 'quarantined') == '1' then return 'quarantined' end
if redis.call('ZSCORE', KEYS[2], ARGV[1]) then return 'already_member' end
local cap = tonumber(redis.call('HGET', KEYS[1], 'capacity'))
local n = redis.call('ZCARD', KEYS[2])
if n > cap then
  redis.call('HSET', KEYS[1], 'quarantined', '1')
  return 'quarantined'
end
if n >= cap then return 'full' end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[1], 'lastActivity', ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[3])
return 'ok'
`)

// leaveScript removes an identity; removing a non-member is a no-op.
var leaveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 'not_found' end
if redis.call('ZREM', KEYS[2], ARGV[1]) == 1 then
  redis.call('HSET', KEYS[1], 'lastActivity', ARGV[2])
  redis.call('ZADD', KEYS[3], ARGV[2], ARGV[3])
end
return 'ok'
`)

// touchScript bumps last activity of an existing room.
var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 'not_found' end
redis.call('HSET', KEYS[1], 'lastActivity', ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
return 'ok'
`)

// RedisRegistry is a chat.Registry shared by every process pointing at the
// same Redis. Membership changes go through Lua scripts.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	now    chat.Clock
}

// NewRedisRegistry connects to redisURL and verifies connectivity.
func NewRedisRegistry(ctx context.Context, redisURL string, now chat.Clock) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return NewRedisRegistryFromClient(client, now), nil
}

// NewRedisRegistryFromClient wraps an existing client.
func NewRedisRegistryFromClient(client *redis.Client, now chat.Clock) *RedisRegistry {
	if now == nil {
		now = time.Now
	}
	return &RedisRegistry{client: client, prefix: defaultPrefix, now: now}
}

// Close closes the Redis connection.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

// Ping checks the Redis connection.
func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRegistry) roomKey(id chat.RoomID) string    { return r.prefix + "room:" + string(id) }
func (r *RedisRegistry) membersKey(id chat.RoomID) string { return r.prefix + "room:" + string(id) + ":members" }
func (r *RedisRegistry) roomsKey() string                 { return r.prefix + "rooms" }
func (r *RedisRegistry) activityKey() string              { return r.prefix + "rooms:activity" }
func (r *RedisRegistry) seqKey() string                   { return r.prefix + "rooms:seq" }

func (r *RedisRegistry) CreateRoom(ctx context.Context, topic string, capacity int) (chat.RoomID, error) {
	if err := chat.ValidateRoomParams(topic, capacity); err != nil {
		return "", err
	}
	id := chat.NewRoomID()
	now := r.now().UnixMilli()

	order, err := r.client.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		return "", transient(err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.roomKey(id),
			"id", string(id),
			"topic", topic,
			"capacity", capacity,
			"createdAt", now,
			"lastActivity", now,
			"quarantined", "0",
		)
		pipe.ZAdd(ctx, r.roomsKey(), redis.Z{Score: float64(order), Member: string(id)})
		pipe.ZAdd(ctx, r.activityKey(), redis.Z{Score: float64(now), Member: string(id)})
		return nil
	})
	if err != nil {
		return "", transient(err)
	}
	return id, nil
}

func (r *RedisRegistry) GetRoom(ctx context.Context, id chat.RoomID) (chat.Room, error) {
	var fields *redis.MapStringStringCmd
	var members *redis.StringSliceCmd
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		fields = pipe.HGetAll(ctx, r.roomKey(id))
		members = pipe.ZRange(ctx, r.membersKey(id), 0, -1)
		return nil
	})
	if err != nil {
		return chat.Room{}, transient(err)
	}

	h := fields.Val()
	if len(h) == 0 {
		return chat.Room{}, fmt.Errorf("%w: %s", chat.ErrNotFound, id)
	}
	room, err := decodeRoom(h)
	if err != nil {
		return chat.Room{}, err
	}
	room.Members = make([]chat.Identity, 0, len(members.Val()))
	for _, m := range members.Val() {
		room.Members = append(room.Members, chat.Identity(m))
	}

	if err := chat.CheckInvariant(room); err != nil {
		if qerr := r.client.HSet(ctx, r.roomKey(id), "quarantined", "1").Err(); qerr != nil {
			return chat.Room{}, errors.Join(err, transient(qerr))
		}
		return chat.Room{}, err
	}
	if h["quarantined"] == "1" {
		return chat.Room{}, fmt.Errorf("%w: room %s is quarantined", chat.ErrFatal, id)
	}
	return room, nil
}

func (r *RedisRegistry) ListRooms(ctx context.Context) ([]chat.Summary, error) {
	ids, err := r.client.ZRange(ctx, r.roomsKey(), 0, -1).Result()
	if err != nil {
		return nil, transient(err)
	}

	type row struct {
		fields *redis.SliceCmd
		count  *redis.IntCmd
	}
	rows := make([]row, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			rows[i].fields = pipe.HMGet(ctx, r.roomKey(chat.RoomID(id)), "topic", "capacity")
			rows[i].count = pipe.ZCard(ctx, r.membersKey(chat.RoomID(id)))
		}
		return nil
	})
	if err != nil {
		return nil, transient(err)
	}

	out := make([]chat.Summary, 0, len(ids))
	for i, id := range ids {
		vals := rows[i].fields.Val()
		topic, ok := vals[0].(string)
		if !ok {
			// Deleted between the two reads.
			continue
		}
		capStr, _ := vals[1].(string)
		capacity, _ := strconv.Atoi(capStr)
		out = append(out, chat.Summary{
			ID:        chat.RoomID(id),
			Topic:     topic,
			Occupancy: int(rows[i].count.Val()),
			Capacity:  capacity,
		})
	}
	return out, nil
}

func (r *RedisRegistry) TryJoin(ctx context.Context, id chat.RoomID, who chat.Identity) error {
	res, err := tryJoinScript.Run(ctx, r.client,
		[]string{r.roomKey(id), r.membersKey(id), r.activityKey()},
		string(who), r.now().UnixMilli(), string(id),
	).Text()
	if err != nil {
		return transient(err)
	}
	switch res {
	case "ok":
		return nil
	case "not_found":
		return fmt.Errorf("%w: %s", chat.ErrNotFound, id)
	case "already_member":
		return fmt.Errorf("%w: %s in %s", chat.ErrAlreadyMember, who, id)
	case "full":
		return fmt.Errorf("%w: %s", chat.ErrRoomFull, id)
	case "quarantined":
		return fmt.Errorf("%w: room %s is quarantined", chat.ErrFatal, id)
	default:
		return fmt.Errorf("unexpected join result %q", res)
	}
}

func (r *RedisRegistry) Leave(ctx context.Context, id chat.RoomID, who chat.Identity) error {
	res, err := leaveScript.Run(ctx, r.client,
		[]string{r.roomKey(id), r.membersKey(id), r.activityKey()},
		string(who), r.now().UnixMilli(), string(id),
	).Text()
	if err != nil {
		return transient(err)
	}
	if res == "not_found" {
		return fmt.Errorf("%w: %s", chat.ErrNotFound, id)
	}
	return nil
}

func (r *RedisRegistry) Touch(ctx context.Context, id chat.RoomID) error {
	res, err := touchScript.Run(ctx, r.client,
		[]string{r.roomKey(id), r.activityKey()},
		r.now().UnixMilli(), string(id),
	).Text()
	if err != nil {
		return transient(err)
	}
	if res == "not_found" {
		return fmt.Errorf("%w: %s", chat.ErrNotFound, id)
	}
	return nil
}

func (r *RedisRegistry) IdleRooms(ctx context.Context, cutoff time.Time) ([]chat.RoomID, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.activityKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", cutoff.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, transient(err)
	}
	out := make([]chat.RoomID, len(ids))
	for i, id := range ids {
		out[i] = chat.RoomID(id)
	}
	return out, nil
}

func (r *RedisRegistry) DeleteRoom(ctx context.Context, id chat.RoomID) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.roomKey(id), r.membersKey(id))
		pipe.ZRem(ctx, r.roomsKey(), string(id))
		pipe.ZRem(ctx, r.activityKey(), string(id))
		return nil
	})
	return transient(err)
}

func decodeRoom(h map[string]string) (chat.Room, error) {
	capacity, err := strconv.Atoi(h["capacity"])
	if err != nil {
		return chat.Room{}, fmt.Errorf("%w: bad capacity %q for room %s", chat.ErrFatal, h["capacity"], h["id"])
	}
	created, _ := strconv.ParseInt(h["createdAt"], 10, 64)
	active, _ := strconv.ParseInt(h["lastActivity"], 10, 64)
	return chat.Room{
		ID:           chat.RoomID(h["id"]),
		Topic:        h["topic"],
		Capacity:     capacity,
		CreatedAt:    time.UnixMilli(created).UTC(),
		LastActivity: time.UnixMilli(active).UTC(),
	}, nil
}

// transient marks store failures as retryable.
func transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: redis: %v", chat.ErrTransientIO, err)
}

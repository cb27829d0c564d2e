package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/metrics"
)

// State is the lifecycle position of one connection.
type State int

const (
	StateDisconnected State = iota
	StateJoining
	StateJoined
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options tunes the coordinator. Zero values fall back to defaults.
type Options struct {
	GracePeriod   time.Duration
	IdleThreshold time.Duration
	ReapInterval  time.Duration
	OpTimeout     time.Duration
	BacklogLimit  int
	Retry         RetryPolicy
	Clock         Clock
}

func (o Options) withDefaults() Options {
	if o.GracePeriod < 0 {
		o.GracePeriod = 0
	}
	if o.IdleThreshold <= 0 {
		o.IdleThreshold = 30 * time.Minute
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = time.Minute
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 5 * time.Second
	}
	if o.BacklogLimit <= 0 {
		o.BacklogLimit = 100
	}
	if o.Retry.Attempts <= 0 {
		o.Retry = DefaultRetryPolicy
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

type session struct {
	conn  Conn
	state State
	room  RoomID
	gone  bool
}

type graceKey struct {
	room RoomID
	who  Identity
}

type graceEntry struct {
	timer *time.Timer
	gen   uint64
}

// Coordinator is the only component that mutates membership. It keeps the
// Registry and the Presence table consistent and drives every connection
// through Disconnected -> Joining -> Joined -> Leaving -> Disconnected.
//
// Side effects of a departure are ordered: registry first, then presence,
// then the notification broadcast.
type Coordinator struct {
	registry Registry
	log      MessageLog
	presence *Presence
	bcast    *Broadcaster
	locks    *roomLocks
	opts     Options
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	grace    map[graceKey]graceEntry
	graceGen uint64
	closed   bool
}

func NewCoordinator(registry Registry, log MessageLog, presence *Presence, logger zerolog.Logger, opts Options) *Coordinator {
	opts = opts.withDefaults()
	return &Coordinator{
		registry: registry,
		log:      log,
		presence: presence,
		bcast:    NewBroadcaster(presence, log, logger),
		locks:    newRoomLocks(),
		opts:     opts,
		logger:   logger.With().Str("component", "coordinator").Logger(),
		sessions: make(map[string]*session),
		grace:    make(map[graceKey]graceEntry),
	}
}

func (c *Coordinator) now() time.Time { return c.opts.Clock() }

func (c *Coordinator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.OpTimeout)
}

// CreateRoom registers a new room.
func (c *Coordinator) CreateRoom(ctx context.Context, topic string, capacity int) (RoomID, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	id, err := c.registry.CreateRoom(ctx, strings.TrimSpace(topic), capacity)
	if err != nil {
		return "", err
	}
	metrics.RoomsCreated.Inc()
	c.logger.Info().Str("room", string(id)).Str("topic", topic).Int("capacity", capacity).Msg("room created")
	return id, nil
}

// ListRooms returns room summaries in creation order.
func (c *Coordinator) ListRooms(ctx context.Context) ([]Summary, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.registry.ListRooms(ctx)
}

// RoomDetail returns the room record together with its full message log.
func (c *Coordinator) RoomDetail(ctx context.Context, id RoomID) (Room, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	room, err := c.registry.GetRoom(ctx, id)
	if err != nil {
		return Room{}, err
	}
	msgs, err := c.log.Messages(ctx, id, 0, 0)
	if err != nil {
		return Room{}, fmt.Errorf("%w: reading log of %s: %v", ErrTransientIO, id, err)
	}
	room.Messages = msgs
	return room, nil
}

// History pages through a room's log.
func (c *Coordinator) History(ctx context.Context, id RoomID, after uint64, limit int) ([]Message, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if _, err := c.registry.GetRoom(ctx, id); err != nil {
		return nil, err
	}
	msgs, err := c.log.Messages(ctx, id, after, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: reading log of %s: %v", ErrTransientIO, id, err)
	}
	return msgs, nil
}

// StateOf reports the lifecycle state of conn.
func (c *Coordinator) StateOf(conn Conn) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess, ok := c.sessions[conn.ID()]; ok {
		return sess.state
	}
	return StateDisconnected
}

// Join attaches conn to room. When since is set the joiner first receives
// the logged messages after that sequence number.
func (c *Coordinator) Join(ctx context.Context, conn Conn, room RoomID, since *uint64) error {
	err := c.join(ctx, conn, room, since)
	metrics.JoinResults.WithLabelValues(resultLabel(err)).Inc()
	return err
}

func (c *Coordinator) join(ctx context.Context, conn Conn, room RoomID, since *uint64) error {
	if conn.Identity() == "" {
		return fmt.Errorf("%w: join requires a resolved identity", ErrUnauthenticated)
	}

	c.mu.Lock()
	sess, ok := c.sessions[conn.ID()]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: unknown connection %s", ErrInvalidArgument, conn.ID())
	}
	if sess.state != StateDisconnected {
		state, current := sess.state, sess.room
		c.mu.Unlock()
		return fmt.Errorf("%w: connection is %s in room %s", ErrInvalidArgument, state, current)
	}
	sess.state = StateJoining
	c.mu.Unlock()

	dropped, refresh, err := c.admit(ctx, conn, room, since)

	c.mu.Lock()
	gone := sess.gone
	if err != nil {
		sess.state = StateDisconnected
	} else {
		sess.state = StateJoined
		sess.room = room
	}
	c.mu.Unlock()

	if err == nil && refresh {
		c.touch(ctx, room)
	}
	if err == nil && gone {
		// The transport closed while the join was in flight.
		c.disconnectJoined(conn, room)
	}
	c.handleDropped(dropped)
	return err
}

// admit runs the join under the room lock: grace resume or capacity gate,
// presence subscription, then notifications. refresh reports a join that
// the registry did not record, whose last activity the caller must bump.
func (c *Coordinator) admit(ctx context.Context, conn Conn, room RoomID, since *uint64) (dropped []Conn, refresh bool, err error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	// The backlog is read before the lock. Only messages published while
	// waiting for it are fetched under the lock.
	var backlog []Message
	if since != nil {
		backlog = c.readBacklog(ctx, room, *since, c.opts.BacklogLimit)
	}

	unlock, err := c.locks.acquire(ctx, room)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	who := conn.Identity()
	resumed := c.cancelGrace(graceKey{room: room, who: who})
	newMember := false
	if !resumed {
		if c.presence.IsPresent(room, who) {
			return nil, false, fmt.Errorf("%w: %s already connected to %s", ErrAlreadyMember, who, room)
		}
		switch err := c.registry.TryJoin(ctx, room, who); {
		case err == nil:
			newMember = true
		case errors.Is(err, ErrAlreadyMember):
			// Durable member with no live connection, e.g. after a restart.
		default:
			return nil, false, err
		}
	}

	if err := c.presence.Subscribe(conn, room); err != nil {
		if newMember {
			if lerr := c.registry.Leave(ctx, room, who); lerr != nil {
				c.logger.Error().Err(lerr).Str("room", string(room)).Str("identity", string(who)).Msg("rollback of membership failed")
			}
		}
		return nil, false, err
	}

	now := c.now()
	occupancy := c.presence.Count(room)
	c.bcast.Deliver(conn, Event{Type: EventJoin, Room: room, Author: who, Occupancy: occupancy, Timestamp: now})

	if since != nil {
		through := *since
		if n := len(backlog); n > 0 {
			through = backlog[n-1].Seq
		}
		if left := c.opts.BacklogLimit - len(backlog); left > 0 && c.bcast.LastSeq(room) > through {
			backlog = append(backlog, c.readBacklog(ctx, room, through, left)...)
		}
		for _, m := range backlog {
			c.bcast.Deliver(conn, ChatEvent(m))
		}
	}

	if resumed {
		c.logger.Info().Str("room", string(room)).Str("identity", string(who)).Msg("member resumed within grace period")
		return nil, true, nil
	}

	c.logger.Info().Str("room", string(room)).Str("identity", string(who)).Int("occupancy", occupancy).Msg("member joined")
	return c.bcast.BroadcastExcept(room, PresenceEvent(room, who, PresenceJoined, occupancy, now), conn), !newMember, nil
}

func (c *Coordinator) readBacklog(ctx context.Context, room RoomID, after uint64, limit int) []Message {
	msgs, err := c.log.Messages(ctx, room, after, limit)
	if err != nil {
		c.logger.Warn().Err(err).Str("room", string(room)).Msg("backlog unavailable")
	}
	return msgs
}

// Send persists body as a chat message from conn and fans it out to the room.
// Each append attempt holds the room lock for that attempt only; the lock
// is free while the retry policy backs off.
func (c *Coordinator) Send(ctx context.Context, conn Conn, body string) (Message, error) {
	if strings.TrimSpace(body) == "" {
		return Message{}, fmt.Errorf("%w: empty message body", ErrInvalidArgument)
	}
	if len(body) > MaxBodyLength {
		return Message{}, fmt.Errorf("%w: message body exceeds %d bytes", ErrInvalidArgument, MaxBodyLength)
	}

	room, err := c.joinedRoom(conn)
	if err != nil {
		return Message{}, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var (
		msg     Message
		dropped []Conn
	)
	err = c.opts.Retry.Do(ctx, func(ctx context.Context) error {
		unlock, err := c.locks.acquire(ctx, room)
		if err != nil {
			return err
		}
		defer unlock()

		// The sender may have left while the previous attempt backed off.
		if current, err := c.joinedRoom(conn); err != nil || current != room {
			return ErrNotJoined
		}
		var lost []Conn
		msg, lost, err = c.bcast.Publish(ctx, room, conn.Identity(), body, c.now())
		dropped = append(dropped, lost...)
		return err
	})
	c.handleDropped(dropped)
	if err != nil {
		if !errors.Is(err, ErrNotJoined) {
			metrics.PersistFailures.Inc()
			c.logger.Warn().Err(err).Str("room", string(room)).Str("author", string(conn.Identity())).Msg("message not persisted")
		}
		return Message{}, err
	}

	metrics.MessagesPersisted.Inc()
	c.touch(ctx, room)
	return msg, nil
}

// joinedRoom returns the room conn is joined to.
func (c *Coordinator) joinedRoom(conn Conn) (RoomID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[conn.ID()]
	if !ok || sess.state != StateJoined {
		return "", ErrNotJoined
	}
	return sess.room, nil
}

// Leave detaches conn from its room and closes the transport. Leaving a
// connection that is not joined is a no-op.
func (c *Coordinator) Leave(ctx context.Context, conn Conn) error {
	c.mu.Lock()
	sess, ok := c.sessions[conn.ID()]
	if !ok || sess.state != StateJoined {
		c.mu.Unlock()
		return nil
	}
	sess.state = StateLeaving
	room := sess.room
	c.mu.Unlock()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	dropped, err := c.leave(ctx, conn, room)
	if err != nil {
		c.mu.Lock()
		sess.state = StateJoined
		gone := sess.gone
		c.mu.Unlock()
		if gone {
			c.disconnectJoined(conn, room)
		}
		return err
	}

	c.mu.Lock()
	sess.state = StateDisconnected
	sess.room = ""
	c.mu.Unlock()

	c.touch(ctx, room)
	metrics.Departures.WithLabelValues("leave").Inc()
	conn.Close()
	c.handleDropped(dropped)
	return nil
}

func (c *Coordinator) leave(ctx context.Context, conn Conn, room RoomID) ([]Conn, error) {
	unlock, err := c.locks.acquire(ctx, room)
	if err != nil {
		return nil, err
	}
	defer unlock()

	who := conn.Identity()
	if err := c.registry.Leave(ctx, room, who); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	c.presence.Unsubscribe(conn)

	c.logger.Info().Str("room", string(room)).Str("identity", string(who)).Msg("member left")
	return c.bcast.Broadcast(room, PresenceEvent(room, who, PresenceDeparted, c.presence.Count(room), c.now())), nil
}

// OnMessage decodes one inbound frame and dispatches it. Failures are
// reported back to conn as an error frame.
func (c *Coordinator) OnMessage(ctx context.Context, conn Conn, raw []byte) error {
	req, err := ParseRequest(raw)
	if err == nil {
		switch req.Type {
		case EventJoin:
			err = c.Join(ctx, conn, req.Room, req.Since)
		case EventChat:
			_, err = c.Send(ctx, conn, req.Body)
		case EventLeave:
			err = c.Leave(ctx, conn)
		}
	}
	if err != nil {
		c.bcast.Deliver(conn, ErrorEvent(err, c.now()))
	}
	return err
}

// touch bumps last activity. It runs after the room lock is released.
func (c *Coordinator) touch(ctx context.Context, room RoomID) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.registry.Touch(ctx, room); err != nil && !errors.Is(err, ErrNotFound) {
		c.logger.Warn().Err(err).Str("room", string(room)).Msg("touch failed")
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return Code(err)
}

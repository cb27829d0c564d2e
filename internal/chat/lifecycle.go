package chat

import (
	"context"
	"errors"
	"time"

	"github.com/Tyrowin/roomchat/internal/metrics"
)

// OnConnect registers a freshly opened transport session.
func (c *Coordinator) OnConnect(conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		conn.Close()
		return
	}
	c.sessions[conn.ID()] = &session{conn: conn, state: StateDisconnected}
	metrics.LiveConnections.Inc()
	c.logger.Debug().Str("conn", conn.ID()).Str("identity", string(conn.Identity())).Msg("connection opened")
}

// OnDisconnect handles transport closure. A joined connection loses its
// presence at once; its membership is released only when the grace period
// passes without the same identity coming back to the room.
func (c *Coordinator) OnDisconnect(conn Conn) {
	c.mu.Lock()
	sess, ok := c.sessions[conn.ID()]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.sessions, conn.ID())
	sess.gone = true
	state, room := sess.state, sess.room
	if state == StateJoined {
		sess.state = StateLeaving
	}
	c.mu.Unlock()

	metrics.LiveConnections.Dec()
	c.logger.Debug().Str("conn", conn.ID()).Str("state", state.String()).Msg("connection closed")

	// Joining and Leaving sessions are finished by the goroutine driving them.
	if state == StateJoined {
		c.disconnectJoined(conn, room)
	}
}

// disconnectJoined is the abrupt-loss path: drop presence, then start the
// grace timer for the member.
func (c *Coordinator) disconnectJoined(conn Conn, room RoomID) {
	unlock := c.lockRoom(room)
	c.presence.Unsubscribe(conn)

	who := conn.Identity()
	if c.presence.IsPresent(room, who) {
		unlock()
		return
	}
	if c.opts.GracePeriod > 0 {
		c.startGrace(graceKey{room: room, who: who})
		unlock()
		return
	}
	unlock()
	c.depart(room, who, "disconnect")
}

// handleDropped runs the disconnect path for connections the broadcaster
// could not deliver to.
func (c *Coordinator) handleDropped(conns []Conn) {
	for _, conn := range conns {
		c.OnDisconnect(conn)
	}
}

// lockRoom takes the room lock for cleanup work, which must not be abandoned.
func (c *Coordinator) lockRoom(room RoomID) func() {
	unlock, err := c.locks.acquire(context.Background(), room)
	if err != nil {
		// Background never ends, so acquire cannot fail.
		panic(err)
	}
	return unlock
}

// depart releases who's membership and tells the room. Each attempt takes
// the room lock for itself, so a failing registry does not stall the room
// between attempts. An attempt that finds who live in the room again stops:
// the member came back. If the registry cannot be updated no notice is sent.
func (c *Coordinator) depart(room RoomID, who Identity, reason string) {
	ctx, cancel := c.withTimeout(context.Background())
	defer cancel()

	var (
		dropped  []Conn
		released bool
	)
	err := c.opts.Retry.Do(ctx, func(ctx context.Context) error {
		unlock, err := c.locks.acquire(ctx, room)
		if err != nil {
			return err
		}
		defer unlock()

		if c.presence.IsPresent(room, who) {
			return nil
		}
		if err := c.registry.Leave(ctx, room, who); err != nil {
			return err
		}
		released = true
		dropped = c.bcast.Broadcast(room, PresenceEvent(room, who, PresenceDeparted, c.presence.Count(room), c.now()))
		return nil
	})
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		c.logger.Error().Err(err).Str("room", string(room)).Str("identity", string(who)).Msg("membership release failed")
	case released:
		c.touch(ctx, room)
		metrics.Departures.WithLabelValues(reason).Inc()
		c.logger.Info().Str("room", string(room)).Str("identity", string(who)).Str("reason", reason).Msg("member departed")
	}
	c.handleDropped(dropped)
}

// startGrace arms (or re-arms) the grace timer for key.
func (c *Coordinator) startGrace(key graceKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if old, ok := c.grace[key]; ok {
		old.timer.Stop()
		metrics.PendingGrace.Dec()
	}
	c.graceGen++
	gen := c.graceGen
	c.grace[key] = graceEntry{
		gen:   gen,
		timer: time.AfterFunc(c.opts.GracePeriod, func() { c.graceExpired(key, gen) }),
	}
	metrics.PendingGrace.Inc()
	c.logger.Debug().Str("room", string(key.room)).Str("identity", string(key.who)).Dur("grace", c.opts.GracePeriod).Msg("grace period started")
}

// cancelGrace stops a pending grace timer. Whichever of cancelGrace and
// graceExpired removes the entry first wins.
func (c *Coordinator) cancelGrace(key graceKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.grace[key]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(c.grace, key)
	metrics.PendingGrace.Dec()
	return true
}

func (c *Coordinator) graceExpired(key graceKey, gen uint64) {
	c.mu.Lock()
	entry, ok := c.grace[key]
	if !ok || entry.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.grace, key)
	c.mu.Unlock()
	metrics.PendingGrace.Dec()

	c.depart(key.room, key.who, "grace_expired")
}

// ReapIdle deletes rooms that have had no activity for threshold and have no
// live connections. It returns the number of rooms removed.
func (c *Coordinator) ReapIdle(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := c.now().Add(-threshold)
	ids, err := c.registry.IdleRooms(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, id := range ids {
		ok, err := c.reapRoom(ctx, id, cutoff)
		if err != nil {
			return reaped, err
		}
		if ok {
			reaped++
		}
	}
	return reaped, nil
}

func (c *Coordinator) reapRoom(ctx context.Context, id RoomID, cutoff time.Time) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	unlock, err := c.locks.acquire(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	if c.presence.Count(id) > 0 {
		return false, nil
	}
	room, err := c.registry.GetRoom(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		return false, nil
	case errors.Is(err, ErrFatal):
		c.logger.Error().Err(err).Str("room", string(id)).Msg("quarantined room left in place")
		return false, nil
	case err != nil:
		return false, err
	}
	if !room.LastActivity.Before(cutoff) {
		return false, nil
	}

	c.cancelRoomGrace(id)
	if err := c.registry.DeleteRoom(ctx, id); err != nil {
		return false, err
	}
	c.bcast.Forget(id)
	if err := c.log.Drop(ctx, id); err != nil {
		c.logger.Warn().Err(err).Str("room", string(id)).Msg("message log not dropped")
	}
	metrics.RoomsReaped.Inc()
	c.logger.Info().Str("room", string(id)).Time("lastActivity", room.LastActivity).Msg("idle room reaped")
	return true, nil
}

func (c *Coordinator) cancelRoomGrace(room RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.grace {
		if key.room != room {
			continue
		}
		entry.timer.Stop()
		delete(c.grace, key)
		metrics.PendingGrace.Dec()
		metrics.Departures.WithLabelValues("reaped").Inc()
	}
}

// Run reaps idle rooms on every ReapInterval tick until ctx ends.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.ReapInterval)
	defer ticker.Stop()

	c.logger.Info().Dur("interval", c.opts.ReapInterval).Dur("idleThreshold", c.opts.IdleThreshold).Msg("reaper started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("reaper stopped")
			return nil
		case <-ticker.C:
			n, err := c.ReapIdle(ctx, c.opts.IdleThreshold)
			if err != nil && ctx.Err() == nil {
				c.logger.Warn().Err(err).Int("reaped", n).Msg("reap pass incomplete")
			}
		}
	}
}

// Shutdown stops grace timers and closes every live connection. Further
// connections are refused.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	c.closed = true
	for key, entry := range c.grace {
		entry.timer.Stop()
		delete(c.grace, key)
		metrics.PendingGrace.Dec()
	}
	conns := make([]Conn, 0, len(c.sessions))
	for _, sess := range c.sessions {
		conns = append(conns, sess.conn)
	}
	c.mu.Unlock()

	c.logger.Info().Int("connections", len(conns)).Msg("closing live connections")
	for _, conn := range conns {
		conn.Close()
	}
}

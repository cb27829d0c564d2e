package chat

import (
	"context"
	"errors"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("room not found")
	ErrRoomFull        = errors.New("room is full")
	ErrAlreadyMember   = errors.New("already a member")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNotJoined       = errors.New("connection has not joined a room")
	// ErrTransientIO marks a store or transport hiccup; callers may retry.
	ErrTransientIO = errors.New("transient i/o failure")
	// ErrFatal marks an invariant violation. The affected room is quarantined.
	ErrFatal = errors.New("invariant violation")
)

// Code maps an error onto the stable code sent to clients.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRoomFull):
		return "room_full"
	case errors.Is(err, ErrAlreadyMember):
		return "already_member"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrNotJoined):
		return "not_joined"
	case errors.Is(err, ErrTransientIO), errors.Is(err, context.DeadlineExceeded):
		return "transient_io"
	case errors.Is(err, ErrFatal):
		return "fatal"
	default:
		return "internal"
	}
}

// Retryable reports whether the failed operation may be retried by the caller.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransientIO) || errors.Is(err, context.DeadlineExceeded)
}

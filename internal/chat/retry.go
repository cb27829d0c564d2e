package chat

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy bounds how often a failed persistence call is repeated.
type RetryPolicy struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultRetryPolicy is used when none is configured.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Backoff: 50 * time.Millisecond, MaxBackoff: time.Second}

// Do runs fn until it succeeds, the attempts are exhausted or ctx ends.
// Exhaustion is reported as ErrTransientIO wrapping the last failure.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	wait := p.Backoff

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if permanent(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrTransientIO, ctx.Err())
		case <-time.After(wait):
		}
		wait *= 2
		if p.MaxBackoff > 0 && wait > p.MaxBackoff {
			wait = p.MaxBackoff
		}
	}
	return fmt.Errorf("%w: after %d attempts: %v", ErrTransientIO, attempts, err)
}

// permanent errors describe the request, not the store, and are never retried.
func permanent(err error) bool {
	for _, target := range []error{ErrInvalidArgument, ErrNotFound, ErrRoomFull, ErrAlreadyMember, ErrUnauthenticated, ErrNotJoined, ErrFatal, context.Canceled} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

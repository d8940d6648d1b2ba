// Package coordinator turns the would-block signal of nbsftp sessions into waits.
//
// Sessions and clients never wait or retry by themselves. A call that cannot
// make progress returns ErrWouldBlock, and the session reports which direction
// of its transport it is blocked on. This package offers the caller-side half:
// waiting for that direction to become ready, either for one session (Wait, Do)
// or for many at once on a single poll(2) call (Poller).
package coordinator

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/pkg/nbsftp/transport"
)

// ErrTimeout is returned when a wait outlasts the session's timeout.
var ErrTimeout = errors.New("timed out waiting for the transport")

// Blocker is a session whose calls may block, such as *nbsftp.Session.
type Blocker interface {
	BlockedDirection() transport.Direction
	Transport() transport.Transport
	Timeout() time.Duration
}

// BlockedDirection reports which direction b's last call was blocked on.
func BlockedDirection(b Blocker) transport.Direction {
	return b.BlockedDirection()
}

// ready reports whether b can make progress in the direction it is blocked on.
// A blocker that is not blocked is always ready.
func ready(b Blocker) bool {
	t := b.Transport()

	switch b.BlockedDirection() {
	case transport.DirectionRead:
		return t.PollReadable()
	case transport.DirectionWrite:
		return t.PollWritable()
	}
	return true
}

// withTimeout bounds ctx by b's timeout, if it has one.
func withTimeout(ctx context.Context, b Blocker) (context.Context, context.CancelFunc) {
	if d := b.Timeout(); d > 0 {
		return context.WithTimeoutCause(ctx, d, ErrTimeout)
	}
	return context.WithCancel(ctx)
}

// newBackOff returns the schedule used to re-check transports that cannot be waited on directly.
func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Wait returns once the direction b is blocked on is ready, or immediately if b is not blocked.
//
// Transports with a descriptor are waited on with poll(2); transports that
// implement transport.Notifier are waited on through their channel; anything
// else is re-checked on an exponential backoff schedule.
// b's timeout, if set, bounds the wait and turns into ErrTimeout.
func Wait(ctx context.Context, b Blocker) error {
	if b.BlockedDirection() == transport.DirectionNone {
		return nil
	}

	ctx, cancel := withTimeout(ctx, b)
	defer cancel()

	var err error
	switch t := b.Transport().(type) {
	case transport.Notifier:
		err = waitNotifier(ctx, b, t)
	default:
		_, err = waitAll(ctx, []Blocker{b})
	}

	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return err
	}

	return nil
}

func waitNotifier(ctx context.Context, b Blocker, n transport.Notifier) error {
	for {
		// Fetch the channel before checking, so a change in between is not missed.
		ch := n.Ready()
		if ready(b) {
			return nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Do calls fn until it returns anything but ErrWouldBlock, waiting on b in between.
//
// It is the blocking helper for callers that dedicate a goroutine to a session:
//
//	err := coordinator.Do(ctx, sess, sess.BeginHandshake)
func Do(ctx context.Context, b Blocker, fn func() error) error {
	for {
		err := fn()
		if !errors.Is(err, transport.ErrWouldBlock) {
			return err
		}

		if err := Wait(ctx, b); err != nil {
			return err
		}
	}
}

// Call is Do for functions that also return a value.
func Call[T any](ctx context.Context, b Blocker, fn func() (T, error)) (T, error) {
	var v T
	err := Do(ctx, b, func() (err error) {
		v, err = fn()
		return err
	})
	return v, err
}

package coordinator

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/pkg/nbsftp/transport"
)

// maxPollSlice bounds a single poll(2) call, so cancellation is noticed.
const maxPollSlice = 100 * time.Millisecond

// Poller waits on many sessions at once.
//
// An event loop adds every session it drives, calls Wait, and then resumes
// the calls of the sessions Wait returned. A session that is not blocked is
// always returned as ready.
type Poller struct {
	mu      sync.Mutex
	members []Blocker
}

// NewPoller returns an empty Poller.
func NewPoller() *Poller {
	return &Poller{}
}

// Add starts watching b. Adding b twice has no effect.
func (p *Poller) Add(b Blocker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !slices.Contains(p.members, b) {
		p.members = append(p.members, b)
	}
}

// Remove stops watching b.
func (p *Poller) Remove(b Blocker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.members = slices.DeleteFunc(p.members, func(m Blocker) bool { return m == b })
}

// Len returns the number of watched sessions.
func (p *Poller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.members)
}

// Wait returns the watched sessions that can make progress,
// waiting up to timeout (or without limit if timeout is zero) for at least one.
// It returns nil and no error when the timeout passes with none ready.
func (p *Poller) Wait(ctx context.Context, timeout time.Duration) ([]Blocker, error) {
	p.mu.Lock()
	members := slices.Clone(p.members)
	p.mu.Unlock()

	if len(members) == 0 {
		return nil, nil
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, ErrTimeout)
		defer cancel()
	}

	ready, err := waitAll(ctx, members)
	if err != nil && context.Cause(ctx) == ErrTimeout {
		return nil, nil
	}
	return ready, err
}

// waitAll waits until at least one of bs is ready, and returns those that are.
func waitAll(ctx context.Context, bs []Blocker) ([]Blocker, error) {
	bo := newBackOff()

	for {
		var (
			runnable []Blocker
			fds      []pollFd
		)

		for _, b := range bs {
			if ready(b) {
				runnable = append(runnable, b)
				continue
			}

			if d, ok := b.Transport().(transport.Descriptor); ok && d.Fd() >= 0 {
				fds = append(fds, pollFd{fd: d.Fd(), dir: b.BlockedDirection()})
			}
		}

		if len(runnable) > 0 {
			return runnable, nil
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// With every transport pollable, one poll(2) call covers them all.
		// Otherwise the others are re-checked on the backoff schedule.
		slice := maxPollSlice
		if len(fds) < len(bs) {
			slice = bo.NextBackOff()
		}

		if deadline, ok := ctx.Deadline(); ok {
			slice = min(slice, time.Until(deadline))
		}

		if err := poll(ctx, fds, max(slice, 0)); err != nil {
			return nil, err
		}
	}
}

//go:build unix

package coordinator

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/pkg/nbsftp/transport"
)

type pollFd struct {
	fd  int
	dir transport.Direction
}

// poll waits up to timeout for any of fds to become ready in its direction.
// With no descriptors it just sleeps.
func poll(ctx context.Context, fds []pollFd, timeout time.Duration) error {
	if len(fds) == 0 {
		return sleep(ctx, timeout)
	}

	pfds := make([]unix.PollFd, len(fds))
	for i, f := range fds {
		events := int16(unix.POLLIN)
		if f.dir == transport.DirectionWrite {
			events = unix.POLLOUT
		}

		pfds[i] = unix.PollFd{Fd: int32(f.fd), Events: events}
	}

	for {
		_, err := unix.Poll(pfds, int(timeout.Milliseconds()))
		if err == unix.EINTR {
			continue
		}

		return errors.Wrap(err, "poll")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

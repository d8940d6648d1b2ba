//go:build !unix

package coordinator

import (
	"context"
	"time"

	"github.com/pkg/nbsftp/transport"
)

type pollFd struct {
	fd  int
	dir transport.Direction
}

// poll sleeps for timeout: without poll(2), readiness is re-checked by the caller.
func poll(ctx context.Context, fds []pollFd, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

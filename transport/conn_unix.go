//go:build unix

package transport

import (
	"io"
	"net"
	"sync/atomic"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Conn is a Transport over a connected socket.
//
// Each Read and Write is a single read(2) or write(2) on the descriptor;
// the Go runtime poller is never used to wait.
type Conn struct {
	conn   net.Conn
	raw    syscall.RawConn
	block  blockState
	closed atomic.Bool
}

// NewConn wraps c, which must expose its descriptor through syscall.Conn
// (as *net.TCPConn and *net.UnixConn do).
func NewConn(c net.Conn) (*Conn, error) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return nil, errors.Errorf("transport: %T does not expose a raw descriptor", c)
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, errors.Wrap(err, "transport: raw connection")
	}

	return &Conn{
		conn: c,
		raw:  raw,
	}, nil
}

// RemoteAddr returns the address of the connected peer.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Fd returns the socket descriptor, or -1 once the connection is closed.
func (c *Conn) Fd() int {
	fd := -1
	if err := c.raw.Control(func(s uintptr) {
		fd = int(s)
	}); err != nil {
		return -1
	}

	return fd
}

// Read reads whatever is immediately available into p.
func (c *Conn) Read(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}

	if len(p) == 0 {
		return 0, nil
	}

	var (
		n     int
		opErr error
	)

	err := c.raw.Read(func(fd uintptr) bool {
		for {
			n, opErr = unix.Read(int(fd), p)
			if opErr != unix.EINTR {
				return true
			}
		}
	})
	if err != nil {
		return 0, errors.Wrap(err, "transport: read")
	}

	switch {
	case opErr == unix.EAGAIN || opErr == unix.EWOULDBLOCK:
		c.block.set(DirectionRead)
		return 0, ErrWouldBlock
	case opErr != nil:
		c.block.set(DirectionNone)
		return 0, errors.Wrap(opErr, "transport: read")
	case n == 0:
		c.block.set(DirectionNone)
		return 0, io.EOF
	}

	c.block.set(DirectionNone)
	return n, nil
}

// Write writes as much of p as the socket accepts without waiting.
func (c *Conn) Write(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}

	if len(p) == 0 {
		return 0, nil
	}

	var (
		n     int
		opErr error
	)

	err := c.raw.Write(func(fd uintptr) bool {
		for {
			n, opErr = unix.Write(int(fd), p)
			if opErr != unix.EINTR {
				return true
			}
		}
	})
	if err != nil {
		return 0, errors.Wrap(err, "transport: write")
	}

	switch {
	case opErr == unix.EAGAIN || opErr == unix.EWOULDBLOCK:
		c.block.set(DirectionWrite)
		return 0, ErrWouldBlock
	case opErr != nil:
		c.block.set(DirectionNone)
		return 0, errors.Wrap(opErr, "transport: write")
	}

	c.block.set(DirectionNone)
	return n, nil
}

// PollReadable reports whether a Read would make progress now.
// Hang-ups and errors count as readable, so the Read reports them.
func (c *Conn) PollReadable() bool {
	return c.poll(unix.POLLIN)
}

// PollWritable reports whether a Write would make progress now.
func (c *Conn) PollWritable() bool {
	return c.poll(unix.POLLOUT)
}

func (c *Conn) poll(events int16) bool {
	if c.closed.Load() {
		return true
	}

	var ready bool
	err := c.raw.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
		for {
			n, err := unix.Poll(fds, 0)
			if err == unix.EINTR {
				continue
			}

			ready = err == nil && n > 0 && fds[0].Revents != 0
			return
		}
	})

	return err != nil || ready
}

// BlockedDirection reports which direction the last Read or Write blocked on.
func (c *Conn) BlockedDirection() Direction {
	return c.block.get()
}

// Close closes the socket. Closing twice is not an error.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	return c.conn.Close()
}

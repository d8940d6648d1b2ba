// Package transport adapts byte streams to the non-blocking contract used by
// nbsftp sessions: every Read and Write either makes progress immediately or
// reports ErrWouldBlock, and the direction that blocked is remembered.
package transport

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

var (
	// ErrWouldBlock is returned when an operation cannot make progress
	// without waiting on the underlying stream.
	ErrWouldBlock = errors.New("operation would block")

	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport closed")

	// ErrUnsupported is returned when the platform offers no non-blocking socket access.
	ErrUnsupported = errors.New("non-blocking sockets are not supported on this platform")
)

// Direction names the half of a stream an operation is waiting on.
type Direction uint32

// Directions an operation may block on.
const (
	DirectionNone Direction = iota
	DirectionRead
	DirectionWrite
)

func (d Direction) String() string {
	switch d {
	case DirectionNone:
		return "none"
	case DirectionRead:
		return "read"
	case DirectionWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Transport is a bidirectional, non-blocking byte stream.
//
// Read and Write never wait: when no progress is possible they return
// ErrWouldBlock and record the direction, which BlockedDirection reports
// until the next Read or Write.
type Transport interface {
	PollReadable() bool
	PollWritable() bool

	Read(p []byte) (int, error)
	Write(p []byte) (int, error)

	BlockedDirection() Direction

	Close() error
}

// Notifier is implemented by transports that can announce readiness changes.
//
// The returned channel is closed on the next state change after the call,
// so callers must fetch it before checking readiness.
type Notifier interface {
	Ready() <-chan struct{}
}

// Descriptor is implemented by transports backed by an operating system
// file descriptor that can be handed to poll(2).
type Descriptor interface {
	Fd() int
}

// blockState tracks the direction of the last operation that would block.
type blockState struct {
	dir atomic.Uint32
}

func (s *blockState) set(d Direction) {
	s.dir.Store(uint32(d))
}

func (s *blockState) get() Direction {
	return Direction(s.dir.Load())
}

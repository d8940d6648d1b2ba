package nbsftp

import (
	"encoding/binary"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pkg/nbsftp/transport"
)

// operation is one resumable session call.
//
// step advances the operation as far as the transport allows.
// When it returns ErrWouldBlock, the operation is parked on the session,
// and the next call with the same opKey resumes it by calling step again.
type operation interface {
	step() error
}

// opFunc adapts a function to an operation whose progress lives elsewhere.
type opFunc func() error

func (f opFunc) step() error { return f() }

// opKey identifies a call by its name and arguments,
// so a retry can be told apart from a different call.
type opKey struct {
	name string
	args string
}

// digest condenses arguments that are too large, or too sensitive, to keep in an opKey.
// Each part is length-prefixed, so ("ab", "c") and ("a", "bc") differ.
func digest(parts ...[]byte) string {
	d := xxhash.New()

	var n [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(n[:], uint64(len(p)))
		d.Write(n[:])
		d.Write(p)
	}

	return strconv.FormatUint(d.Sum64(), 16)
}

// run resumes the pending operation for key, or starts a new one with start.
//
// It enforces the one-operation-at-a-time rule: if another goroutine is inside
// the session, or a different operation is pending, the call fails with ErrSessionBusy
// and nothing is disturbed.
func run[O operation](s *Session, key opKey, start func() O) (O, error) {
	var zero O

	if !s.mu.TryLock() {
		return zero, s.record(newError(CodeSessionBusy, key.name, errors.New("session in use by another goroutine")))
	}
	defer s.mu.Unlock()

	if err := s.usable(key.name); err != nil {
		return zero, s.record(err)
	}

	var op O
	if s.pending != nil {
		pending, ok := s.pending.(O)
		if !ok || s.pendingKey != key {
			return zero, s.record(newError(CodeSessionBusy, key.name, errors.Errorf("%s is pending", s.pendingKey.name)))
		}
		op = pending
	} else {
		op = start()
	}

	return op, s.drive(key, op)
}

// drive steps op once and settles the outcome. s.mu must be held.
func (s *Session) drive(key opKey, op operation) error {
	err := op.step()

	switch {
	case err == nil:
		s.pending = nil
		s.pendingKey = opKey{}
		s.blocked.Store(uint32(transport.DirectionNone))
		s.metrics.operation(key.name, CodeNone)
		return nil

	case errors.Is(err, ErrWouldBlock):
		s.pending = op
		s.pendingKey = key
		s.blocked.Store(uint32(s.t.BlockedDirection()))
		return s.record(ErrWouldBlock)
	}

	s.pending = nil
	s.pendingKey = opKey{}
	s.blocked.Store(uint32(transport.DirectionNone))

	var e *Error
	if errors.As(err, &e) && e.fatal() {
		s.fail(err)
	}

	s.metrics.operation(key.name, CodeOf(err))
	s.log.Debug("operation failed", zap.String("op", key.name), zap.Error(err))

	return s.record(err)
}

// exec runs fn as a call that keeps no state between attempts.
//
// The busy rules of run still apply, but ErrWouldBlock does not park anything:
// the next attempt simply calls fn again.
func (s *Session) exec(name string, fn func() error) error {
	if !s.mu.TryLock() {
		return s.record(newError(CodeSessionBusy, name, errors.New("session in use by another goroutine")))
	}
	defer s.mu.Unlock()

	if err := s.usable(name); err != nil {
		return s.record(err)
	}

	if s.pending != nil {
		return s.record(newError(CodeSessionBusy, name, errors.Errorf("%s is pending", s.pendingKey.name)))
	}

	err := fn()

	switch {
	case err == nil:
		s.blocked.Store(uint32(transport.DirectionNone))
		return nil

	case errors.Is(err, ErrWouldBlock):
		s.blocked.Store(uint32(s.t.BlockedDirection()))
		return s.record(ErrWouldBlock)
	}

	s.blocked.Store(uint32(transport.DirectionNone))

	var e *Error
	if errors.As(err, &e) && e.fatal() {
		s.fail(err)
	}

	return s.record(err)
}

package nbsftp

import (
	"time"

	"github.com/pkg/errors"
)

const keepaliveRequest = "keepalive@openssh.com"

// ConfigureKeepalive sets how SendKeepalive behaves.
//
// interval is the idle time after which a keepalive is due; zero disables keepalives.
// With wantReply set, the server is asked to answer each keepalive.
func (s *Session) ConfigureKeepalive(wantReply bool, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keepaliveWantReply = wantReply
	s.keepaliveInterval = interval
}

// SendKeepalive sends a keepalive@openssh.com global request if nothing has been sent
// for the configured interval, and returns how long until the next one is due.
//
// Call it from the event loop whenever the returned duration has passed.
// With keepalives disabled it returns 0 and does nothing. The session must be Ready.
func (s *Session) SendKeepalive() (time.Duration, error) {
	op, err := run(s, opKey{name: "keepalive"}, func() *keepaliveOp {
		return &keepaliveOp{s: s}
	})
	if err != nil {
		return 0, err
	}

	return op.next, nil
}

type keepaliveOp struct {
	s    *Session
	sent bool
	next time.Duration
}

func (op *keepaliveOp) step() error {
	s := op.s

	if s.keepaliveInterval <= 0 {
		op.next = 0
		return nil
	}

	if st := s.State(); st != StateReady {
		return newError(CodeInvalidState, "keepalive", errors.Errorf("session %s, not ready", st))
	}

	if !op.sent {
		if idle := s.now().Sub(s.lastTx); idle < s.keepaliveInterval {
			op.next = s.keepaliveInterval - idle
			return nil
		}

		if err := s.send(globalRequestMsg{
			Type:      keepaliveRequest,
			WantReply: s.keepaliveWantReply,
		}); err != nil {
			return err
		}

		if s.keepaliveWantReply {
			s.globalReplies++
		}
		op.sent = true
	}

	if err := s.conn.flush(); err != nil {
		return err
	}

	op.next = s.keepaliveInterval
	return nil
}

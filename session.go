package nbsftp

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/pkg/nbsftp/transport"
)

// DefaultClientVersion is the identification string sent unless WithClientVersion overrides it.
const DefaultClientVersion = "SSH-2.0-nbsftp_1.0"

// State is the lifecycle state of a Session.
type State int32

// Session states.
const (
	StateUnconnected State = iota
	StateKeyExchange
	StateAuthenticating
	StateReady
	StateDisconnected
	StateFailed
)

var stateNames = [...]string{
	StateUnconnected:    "unconnected",
	StateKeyExchange:    "key exchange",
	StateAuthenticating: "authenticating",
	StateReady:          "ready",
	StateDisconnected:   "disconnected",
	StateFailed:         "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// errorRecord boxes the last error so it can be stored atomically.
type errorRecord struct {
	err error
}

// Session is the client side of one SSH connection over a non-blocking transport.
//
// No method ever waits on the transport. A call that cannot complete returns
// ErrWouldBlock, and must be repeated with identical arguments once the
// direction reported by BlockedDirection is ready; the repeated call resumes
// the same operation rather than starting over.
//
// A Session serves one operation at a time. A different call made while an
// operation is pending, or any call made while another goroutine is inside
// the Session, fails with ErrSessionBusy.
type Session struct {
	// mu is held for the whole of every call that touches protocol state.
	mu sync.Mutex

	t    transport.Transport
	conn *packetConn

	log             *zap.Logger
	metrics         *Metrics
	rand            io.Reader
	keyFS           afero.Fs
	hostKeyCallback ssh.HostKeyCallback
	hostname        string
	clientVersion   string
	windowSize      uint32
	now             func() time.Time

	state   atomic.Int32
	lastErr atomic.Pointer[errorRecord]
	blocked atomic.Uint32
	timeout atomic.Int64

	pending    operation
	pendingKey opKey

	prefs      [numMethodCategories][]string
	negotiated [numMethodCategories]string
	kexInit    []byte // our KEXINIT payload, once built

	serverVersion string
	sessionID     []byte
	hostKey       ssh.PublicKey

	banner      string
	authMethods []string

	channels map[uint32]*Channel
	nextID   uint32

	// globalReplies counts our global requests still awaiting a reply.
	globalReplies int

	keepaliveWantReply bool
	keepaliveInterval  time.Duration
	lastTx             time.Time
}

// NewSession returns an unconnected Session that owns t.
// A host key callback must be supplied with WithHostKeyCallback.
func NewSession(t transport.Transport, opts ...Option) (*Session, error) {
	if t == nil {
		return nil, errors.New("nbsftp: nil transport")
	}

	s := &Session{
		t:             t,
		log:           zap.NewNop(),
		rand:          rand.Reader,
		keyFS:         afero.NewOsFs(),
		clientVersion: DefaultClientVersion,
		windowSize:    channelWindowSize,
		now:           time.Now,
		channels:      make(map[uint32]*Channel),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.hostKeyCallback == nil {
		return nil, errors.New("nbsftp: a host key callback is required")
	}

	if s.hostname == "" {
		if addr := s.remoteAddr(); addr != nil {
			s.hostname = addr.String()
		}
	}

	s.conn = newPacketConn(t, s.rand, s.metrics)
	s.metrics.sessionState(-1, StateUnconnected)

	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev == next {
		return
	}

	s.metrics.sessionState(prev, next)
	s.log.Debug("session state", zap.Stringer("from", prev), zap.Stringer("to", next))
}

// LastError returns the code of the most recent unsuccessful outcome.
// It has no side effects, and is not reset by later successes.
func (s *Session) LastError() ErrorCode {
	return CodeOf(s.LastErr())
}

// LastErr returns the most recent unsuccessful outcome, or nil if there was none.
func (s *Session) LastErr() error {
	if rec := s.lastErr.Load(); rec != nil {
		return rec.err
	}
	return nil
}

// record notes err as the most recent outcome, if it was unsuccessful, and returns it.
func (s *Session) record(err error) error {
	if CodeOf(err) != CodeNone {
		s.lastErr.Store(&errorRecord{err: err})
	}
	return err
}

// BlockedDirection reports the transport direction the last ErrWouldBlock was waiting on,
// or DirectionNone when the last call did not block.
func (s *Session) BlockedDirection() transport.Direction {
	return transport.Direction(s.blocked.Load())
}

// Transport returns the transport the session owns.
func (s *Session) Transport() transport.Transport {
	return s.t
}

// SetTimeout sets the limit callers' blocking helpers apply to each wait.
// Zero means no limit. The session itself never waits.
func (s *Session) SetTimeout(d time.Duration) {
	s.timeout.Store(int64(d))
}

// Timeout returns the value set by SetTimeout.
func (s *Session) Timeout() time.Duration {
	return time.Duration(s.timeout.Load())
}

// HostKey returns the server's host key, once key exchange has verified it.
func (s *Session) HostKey() ssh.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.hostKey
}

// SessionID returns the exchange hash of the first key exchange.
func (s *Session) SessionID() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]byte(nil), s.sessionID...)
}

// ServerVersion returns the server's identification string.
func (s *Session) ServerVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.serverVersion
}

// Banner returns the last authentication banner sent by the server.
func (s *Session) Banner() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.banner
}

// AuthMethods returns the methods the server listed in its last authentication failure.
func (s *Session) AuthMethods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.authMethods...)
}

// usable fails once the session can no longer carry traffic.
func (s *Session) usable(op string) error {
	switch st := s.State(); st {
	case StateDisconnected, StateFailed:
		return newError(CodeDisconnected, op, errors.Errorf("session %s", st))
	}
	return nil
}

// fail moves the session to Failed after a fatal error. s.mu must be held.
func (s *Session) fail(err error) {
	if st := s.State(); st == StateDisconnected || st == StateFailed {
		return
	}

	s.log.Debug("session failed", zap.Error(err))

	s.setState(StateFailed)
	s.teardown()
}

// teardown releases the transport and invalidates every channel. s.mu must be held.
func (s *Session) teardown() {
	s.pending = nil
	s.pendingKey = opKey{}
	s.blocked.Store(uint32(transport.DirectionNone))

	for id, ch := range s.channels {
		ch.invalidate()
		delete(s.channels, id)
	}

	if err := s.t.Close(); err != nil {
		s.log.Debug("closing transport", zap.Error(err))
	}
}

// Flush writes queued outgoing packets to the transport.
func (s *Session) Flush() error {
	_, err := run(s, opKey{name: "flush"}, func() opFunc {
		return func() error {
			return s.conn.flush()
		}
	})
	return err
}

// Disconnect sends SSH_MSG_DISCONNECT if the connection is far enough along to carry it,
// closes the transport and moves the session to Disconnected.
//
// Any pending operation is abandoned. Channels and handles derived from the session
// fail from then on. Disconnect is idempotent, and never returns ErrWouldBlock.
func (s *Session) Disconnect(reason string) error {
	const op = "disconnect"

	if !s.mu.TryLock() {
		return s.record(newError(CodeSessionBusy, op, nil))
	}
	defer s.mu.Unlock()

	switch s.State() {
	case StateDisconnected:
		return nil
	case StateFailed:
		s.setState(StateDisconnected)
		return nil
	}

	if s.serverVersion != "" {
		err := s.send(disconnectMsg{
			Reason:  disconnectByApplication,
			Message: reason,
		})
		if err == nil {
			err = s.conn.flush()
		}
		if err != nil {
			s.log.Debug("sending disconnect", zap.Error(err))
		}
	}

	s.setState(StateDisconnected)
	s.teardown()

	return nil
}

// send marshals msg and queues it for transmission. s.mu must be held.
func (s *Session) send(msg any) error {
	return s.sendPayload(marshal(msg))
}

// sendPayload queues an already marshaled message. s.mu must be held.
func (s *Session) sendPayload(payload []byte) error {
	if err := s.conn.writePacket(payload); err != nil {
		return err
	}

	s.lastTx = s.now()
	return nil
}

// nextPacket returns the next message an operation must look at,
// consuming the transport-level messages any state may receive.
func (s *Session) nextPacket() ([]byte, error) {
	if err := s.conn.flush(); err != nil {
		return nil, err
	}

	for {
		payload, err := s.conn.readPacket()
		if err != nil {
			return nil, err
		}

		switch payload[0] {
		case msgIgnore, msgDebug, msgExtInfo:
			continue

		case msgUnimplemented:
			var msg unimplementedMsg
			if err := ssh.Unmarshal(payload, &msg); err != nil {
				return nil, newError(CodeProtocolError, "unimplemented", err)
			}

			s.log.Debug("server reported unimplemented packet", zap.Uint32("seq", msg.Seq))
			continue

		case msgDisconnect:
			var msg disconnectMsg
			if err := ssh.Unmarshal(payload, &msg); err != nil {
				return nil, newError(CodeProtocolError, "disconnect", err)
			}

			return nil, newError(CodeDisconnected, "", &DisconnectError{
				Reason:  msg.Reason,
				Message: msg.Message,
			})
		}

		return payload, nil
	}
}

// pumpUntil flushes outgoing packets and dispatches incoming ones until done reports true.
// It is only used once the session is Ready.
func (s *Session) pumpUntil(done func() bool) error {
	for {
		if err := s.conn.flush(); err != nil {
			return err
		}

		if done() {
			return nil
		}

		payload, err := s.nextPacket()
		if err != nil {
			return err
		}

		if err := s.dispatch(payload); err != nil {
			return err
		}
	}
}

// flushQueued writes what it can of the outgoing queue,
// leaving the rest for the next call that touches the transport.
func (s *Session) flushQueued() error {
	if err := s.conn.flush(); err != nil && !errors.Is(err, ErrWouldBlock) {
		return err
	}
	return nil
}

// dispatch handles one connection protocol message in the Ready state.
func (s *Session) dispatch(payload []byte) error {
	switch payload[0] {
	case msgKexInit:
		return protocolErrorf("dispatch", "server initiated key re-exchange, which is not supported")

	case msgGlobalRequest:
		var msg globalRequestMsg
		if err := ssh.Unmarshal(payload, &msg); err != nil {
			return newError(CodeProtocolError, "global request", err)
		}

		s.log.Debug("global request", zap.String("type", msg.Type), zap.Bool("want_reply", msg.WantReply))
		if msg.WantReply {
			return s.send(globalRequestFailureMsg{})
		}
		return nil

	case msgRequestOK, msgRequestFail:
		if s.globalReplies == 0 {
			return protocolErrorf("dispatch", "unsolicited global request reply")
		}
		s.globalReplies--
		return nil

	case msgChannelOpen:
		var msg channelOpenMsg
		if err := ssh.Unmarshal(payload, &msg); err != nil {
			return newError(CodeProtocolError, "channel open", err)
		}

		s.log.Debug("rejecting server channel", zap.String("type", msg.ChanType))
		return s.send(channelOpenFailureMsg{
			PeersID: msg.PeersID,
			Reason:  openAdministrativelyProhibited,
			Message: "channel open not supported",
		})

	case msgChannelOpenConfirm, msgChannelOpenFailure, msgChannelWindowAdj,
		msgChannelData, msgChannelExtData, msgChannelEOF, msgChannelClose,
		msgChannelRequest, msgChannelSuccess, msgChannelFailure:
		return s.dispatchChannel(payload)
	}

	s.log.Debug("unimplemented message", zap.Uint8("type", payload[0]))
	return s.send(unimplementedMsg{Seq: s.conn.lastSeq})
}

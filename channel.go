package nbsftp

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const (
	channelWindowSize = 2 * 1024 * 1024
	channelMaxPacket  = 32 * 1024

	extendedDataStderr = 1
)

// ChannelKind is the type of channel to open.
type ChannelKind int

// Channel kinds.
const (
	ChannelSession ChannelKind = iota
)

func (k ChannelKind) String() string {
	switch k {
	case ChannelSession:
		return "session"
	default:
		return fmt.Sprintf("ChannelKind(%d)", int(k))
	}
}

// ChannelState is the lifecycle state of a Channel.
type ChannelState int

// Channel states.
const (
	ChannelOpening ChannelState = iota
	ChannelOpen
	ChannelClosing
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelOpening:
		return "opening"
	case ChannelOpen:
		return "open"
	case ChannelClosing:
		return "closing"
	case ChannelClosed:
		return "closed"
	default:
		return fmt.Sprintf("ChannelState(%d)", int(s))
	}
}

type replyState int

const (
	replyNone replyState = iota
	replyWaiting
	replySuccess
	replyFailure
)

// Channel is one logical stream multiplexed over a Session.
//
// All of its state is guarded by the owning session's lock.
type Channel struct {
	s    *Session
	kind ChannelKind

	localID  uint32
	remoteID uint32
	state    ChannelState

	openErr error

	// localWindow is what the server may still send; consumed is what the
	// caller has read since the last WINDOW_ADJUST.
	localWindow uint32
	consumed    uint32

	remoteWindow    uint32
	remoteMaxPacket uint32

	data   []byte
	stderr []byte

	readEOF      bool // server sent EOF or CLOSE
	writeEOF     bool // we sent EOF or CLOSE
	localClosed  bool // we sent CLOSE
	remoteClosed bool // server sent CLOSE

	reply replyState

	exitStatus    int
	hasExitStatus bool
	exitSignal    string
}

// invalidate marks the channel dead after the session ends. s.mu must be held.
func (ch *Channel) invalidate() {
	ch.state = ChannelClosed
	ch.readEOF = true
	ch.writeEOF = true
	ch.localClosed = true
	ch.remoteClosed = true
	ch.reply = replyNone
}

// ID returns the channel's local identifier, unique within its session.
func (ch *Channel) ID() uint32 {
	return ch.localID
}

// Session returns the session the channel belongs to.
func (ch *Channel) Session() *Session {
	return ch.s
}

// State returns the channel's lifecycle state.
func (ch *Channel) State() ChannelState {
	ch.s.mu.Lock()
	defer ch.s.mu.Unlock()

	return ch.state
}

// ReadEOF reports whether the server has finished sending.
func (ch *Channel) ReadEOF() bool {
	ch.s.mu.Lock()
	defer ch.s.mu.Unlock()

	return ch.readEOF
}

// WriteEOF reports whether the client has finished sending.
func (ch *Channel) WriteEOF() bool {
	ch.s.mu.Lock()
	defer ch.s.mu.Unlock()

	return ch.writeEOF
}

// ExitStatus returns the exit status reported by the server, if any.
func (ch *Channel) ExitStatus() (int, bool) {
	ch.s.mu.Lock()
	defer ch.s.mu.Unlock()

	return ch.exitStatus, ch.hasExitStatus
}

// ExitSignal returns the name of the signal that terminated the remote command, if any.
func (ch *Channel) ExitSignal() string {
	ch.s.mu.Lock()
	defer ch.s.mu.Unlock()

	return ch.exitSignal
}

// usable fails unless the channel can carry requests and data. s.mu must be held.
func (ch *Channel) usable(op string) error {
	switch {
	case ch.state == ChannelOpen:
		return nil
	case ch.s.State() == StateDisconnected || ch.s.State() == StateFailed:
		return newError(CodeDisconnected, op, errors.New("session ended"))
	default:
		return newError(CodeInvalidState, op, errors.Errorf("channel %d is %s", ch.localID, ch.state))
	}
}

func (ch *Channel) key(name string) opKey {
	return opKey{name: name, args: fmt.Sprint(ch.localID)}
}

type openChannelOp struct {
	s    *Session
	kind ChannelKind
	ch   *Channel
}

// OpenChannel opens a channel of the given kind. The session must be Ready.
// A refusal by the server is reported as ErrChannelFailure wrapping an *OpenChannelError.
func (s *Session) OpenChannel(kind ChannelKind) (*Channel, error) {
	op, err := run(s, opKey{name: "channel.open", args: kind.String()}, func() *openChannelOp {
		return &openChannelOp{s: s, kind: kind}
	})
	if err != nil {
		return nil, err
	}
	return op.ch, nil
}

func (op *openChannelOp) step() error {
	s := op.s
	const name = "channel.open"

	if op.ch == nil {
		if st := s.State(); st != StateReady {
			return newError(CodeInvalidState, name, errors.Errorf("session %s, not ready", st))
		}

		if op.kind != ChannelSession {
			return newError(CodeUnsupported, name, errors.Errorf("channel kind %s", op.kind))
		}

		ch := &Channel{
			s:           s,
			kind:        op.kind,
			localID:     s.nextID,
			state:       ChannelOpening,
			localWindow: s.windowSize,
		}
		s.nextID++

		if err := s.send(channelOpenMsg{
			ChanType:      op.kind.String(),
			PeersID:       ch.localID,
			PeersWindow:   ch.localWindow,
			MaxPacketSize: channelMaxPacket,
		}); err != nil {
			return err
		}

		s.channels[ch.localID] = ch
		op.ch = ch
	}

	ch := op.ch
	if err := s.pumpUntil(func() bool { return ch.state != ChannelOpening }); err != nil {
		return err
	}

	if ch.state != ChannelOpen {
		return ch.openErr
	}

	s.log.Debug("channel open", zap.Uint32("local", ch.localID), zap.Uint32("remote", ch.remoteID))
	return nil
}

// channelRequest tracks one want-reply channel request across retries.
type channelRequest struct {
	sent bool
	done bool
}

// request sends a channel request with want_reply set and waits for the answer. s.mu must be held.
func (ch *Channel) request(st *channelRequest, op, name string, payload []byte) error {
	s := ch.s

	if st.done {
		return nil
	}

	if !st.sent {
		if err := ch.usable(op); err != nil {
			return err
		}

		if ch.reply == replyWaiting {
			return newError(CodeInvalidState, op, errors.New("a channel request is already waiting for its reply"))
		}

		if err := s.send(channelRequestMsg{
			PeersID:             ch.remoteID,
			Request:             name,
			WantReply:           true,
			RequestSpecificData: payload,
		}); err != nil {
			return err
		}

		ch.reply = replyWaiting
		st.sent = true
	}

	if err := s.pumpUntil(func() bool { return ch.reply != replyWaiting }); err != nil {
		return err
	}

	result := ch.reply
	ch.reply = replyNone

	switch result {
	case replySuccess:
		st.done = true
		return nil
	case replyFailure:
		return newError(CodeChannelFailure, op, errors.Errorf("server refused %q request", name))
	default:
		return newError(CodeChannelFailure, op, errors.Errorf("channel closed before %q was answered", name))
	}
}

func (ch *Channel) runRequest(op, name string, payload []byte) error {
	var st channelRequest
	key := ch.key(op)
	key.args += "\x00" + digest(payload)

	_, err := run(ch.s, key, func() opFunc {
		return func() error {
			return ch.request(&st, op, name, payload)
		}
	})
	return err
}

// RequestSubsystem starts the named subsystem, such as "sftp", on the channel.
func (ch *Channel) RequestSubsystem(name string) error {
	return ch.runRequest("channel.subsystem", "subsystem", marshal(subsystemRequestMsg{Subsystem: name}))
}

// Exec starts cmd on the server, with the channel carrying its standard streams.
func (ch *Channel) Exec(cmd string) error {
	return ch.runRequest("channel.exec", "exec", marshal(execRequestMsg{Command: cmd}))
}

// Shell starts the user's login shell on the channel.
func (ch *Channel) Shell() error {
	return ch.runRequest("channel.shell", "shell", nil)
}

// Read reads data the server sent on the channel.
// It returns io.EOF once the server has finished sending and all data has been read.
func (ch *Channel) Read(p []byte) (n int, err error) {
	err = ch.s.exec("channel.read", func() error {
		n, err = ch.read(p, false)
		return err
	})
	return n, err
}

// ReadStderr reads extended data of type stderr the server sent on the channel.
func (ch *Channel) ReadStderr(p []byte) (n int, err error) {
	err = ch.s.exec("channel.read stderr", func() error {
		n, err = ch.read(p, true)
		return err
	})
	return n, err
}

// read is Read with s.mu held.
func (ch *Channel) read(p []byte, stderr bool) (int, error) {
	s := ch.s

	buf := &ch.data
	if stderr {
		buf = &ch.stderr
	}

	if len(*buf) == 0 && !ch.readEOF {
		if ch.state != ChannelOpen && ch.state != ChannelClosing {
			return 0, ch.usable("channel.read")
		}

		if err := s.pumpUntil(func() bool { return len(*buf) > 0 || ch.readEOF }); err != nil {
			return 0, err
		}
	}

	if len(*buf) == 0 {
		return 0, io.EOF
	}

	n := copy(p, *buf)
	*buf = (*buf)[n:]

	if err := ch.consume(n); err != nil {
		return n, err
	}

	return n, nil
}

// consume returns n bytes of receive window to the server once half the window is used.
func (ch *Channel) consume(n int) error {
	ch.consumed += uint32(n)

	if ch.consumed < ch.s.windowSize/2 || ch.readEOF {
		return nil
	}

	adj := ch.consumed
	if err := ch.s.send(windowAdjustMsg{
		PeersID:         ch.remoteID,
		AdditionalBytes: adj,
	}); err != nil {
		return err
	}

	ch.localWindow += adj
	ch.consumed = 0

	return ch.s.flushQueued()
}

// Write sends p as channel data, within the server's window and packet size.
//
// Like a non-blocking write(2), it may accept only part of p; n reports how much.
// ErrWouldBlock is returned only when nothing could be accepted.
func (ch *Channel) Write(p []byte) (n int, err error) {
	err = ch.s.exec("channel.write", func() error {
		n, err = ch.write(p)
		return err
	})
	return n, err
}

// write is Write with s.mu held.
func (ch *Channel) write(p []byte) (int, error) {
	s := ch.s
	const op = "channel.write"

	if err := ch.usable(op); err != nil {
		return 0, err
	}

	if ch.writeEOF {
		return 0, newError(CodeInvalidState, op, errors.New("write after EOF"))
	}

	if len(p) == 0 {
		return 0, nil
	}

	if err := s.flushQueued(); err != nil {
		return 0, err
	}

	if s.conn.queued() >= maxQueued {
		return 0, ErrWouldBlock
	}

	if ch.remoteWindow == 0 {
		if err := s.pumpUntil(func() bool { return ch.remoteWindow > 0 || ch.remoteClosed }); err != nil {
			return 0, err
		}

		if ch.remoteClosed {
			return 0, newError(CodeChannelFailure, op, errors.New("channel closed by server"))
		}
	}

	var n int
	for n < len(p) && ch.remoteWindow > 0 && s.conn.queued() < maxQueued {
		chunk := min(len(p)-n, int(ch.remoteWindow), int(ch.remoteMaxPacket))

		if err := s.send(channelDataMsg{
			PeersID: ch.remoteID,
			Data:    p[n : n+chunk],
		}); err != nil {
			return n, err
		}

		ch.remoteWindow -= uint32(chunk)
		n += chunk
	}

	return n, s.flushQueued()
}

// SendEOF tells the server the client will send no more data.
func (ch *Channel) SendEOF() error {
	return ch.s.exec("channel.eof", func() error {
		if ch.writeEOF {
			return nil
		}

		if err := ch.usable("channel.eof"); err != nil {
			return err
		}

		if err := ch.s.send(channelEOFMsg{PeersID: ch.remoteID}); err != nil {
			return err
		}

		ch.writeEOF = true
		return ch.s.flushQueued()
	})
}

type closeChannelOp struct {
	ch *Channel
}

// Close closes the channel. It must be repeated after ErrWouldBlock until it returns nil,
// and cannot be abandoned short of disconnecting the session.
func (ch *Channel) Close() error {
	_, err := run(ch.s, ch.key("channel.close"), func() *closeChannelOp {
		return &closeChannelOp{ch: ch}
	})
	return err
}

func (op *closeChannelOp) step() error {
	ch := op.ch
	s := ch.s

	switch ch.state {
	case ChannelClosed:
		return nil
	case ChannelOpening:
		return newError(CodeInvalidState, "channel.close", errors.New("channel is still opening"))
	}

	if !ch.localClosed {
		if err := s.send(channelCloseMsg{PeersID: ch.remoteID}); err != nil {
			return err
		}

		ch.localClosed = true
		ch.writeEOF = true
		ch.state = ChannelClosing
	}

	if err := s.pumpUntil(func() bool { return ch.remoteClosed }); err != nil {
		return err
	}

	ch.finish()
	return nil
}

// finish retires a channel both sides have closed. s.mu must be held.
func (ch *Channel) finish() {
	ch.state = ChannelClosed
	delete(ch.s.channels, ch.localID)

	ch.s.log.Debug("channel closed", zap.Uint32("local", ch.localID))
}

// dispatchChannel routes one channel message to its channel.
func (s *Session) dispatchChannel(payload []byte) error {
	const op = "dispatch"

	if len(payload) < 5 {
		return protocolErrorf(op, "short channel message %d", payload[0])
	}

	id := uint32(payload[1])<<24 | uint32(payload[2])<<16 | uint32(payload[3])<<8 | uint32(payload[4])

	ch, ok := s.channels[id]
	if !ok {
		return protocolErrorf(op, "message %d for unknown channel %d", payload[0], id)
	}

	switch payload[0] {
	case msgChannelOpenConfirm:
		var msg channelOpenConfirmMsg
		if err := ssh.Unmarshal(payload, &msg); err != nil {
			return newError(CodeProtocolError, op, err)
		}

		if ch.state != ChannelOpening {
			return protocolErrorf(op, "open confirmation for channel %d in state %s", id, ch.state)
		}

		ch.remoteID = msg.MyID
		ch.remoteWindow = msg.MyWindow
		ch.remoteMaxPacket = min(msg.MaxPacketSize, channelMaxPacket)
		if ch.remoteMaxPacket == 0 {
			return protocolErrorf(op, "channel %d: zero max packet size", id)
		}
		ch.state = ChannelOpen

	case msgChannelOpenFailure:
		var msg channelOpenFailureMsg
		if err := ssh.Unmarshal(payload, &msg); err != nil {
			return newError(CodeProtocolError, op, err)
		}

		if ch.state != ChannelOpening {
			return protocolErrorf(op, "open failure for channel %d in state %s", id, ch.state)
		}

		ch.openErr = newError(CodeChannelFailure, "channel.open", &OpenChannelError{
			Reason:  msg.Reason,
			Message: msg.Message,
		})
		ch.state = ChannelClosed
		delete(s.channels, id)

	case msgChannelWindowAdj:
		var msg windowAdjustMsg
		if err := ssh.Unmarshal(payload, &msg); err != nil {
			return newError(CodeProtocolError, op, err)
		}

		if ch.remoteWindow+msg.AdditionalBytes < ch.remoteWindow {
			return protocolErrorf(op, "channel %d: window overflow", id)
		}
		ch.remoteWindow += msg.AdditionalBytes

	case msgChannelData:
		var msg channelDataMsg
		if err := ssh.Unmarshal(payload, &msg); err != nil {
			return newError(CodeProtocolError, op, err)
		}

		if err := ch.receive(&ch.data, msg.Data); err != nil {
			return err
		}

	case msgChannelExtData:
		var msg channelExtendedDataMsg
		if err := ssh.Unmarshal(payload, &msg); err != nil {
			return newError(CodeProtocolError, op, err)
		}

		if msg.DataType != extendedDataStderr {
			// Unknown extended data still uses up window.
			return ch.receive(nil, msg.Data)
		}

		if err := ch.receive(&ch.stderr, msg.Data); err != nil {
			return err
		}

	case msgChannelEOF:
		ch.readEOF = true

	case msgChannelClose:
		ch.readEOF = true
		ch.remoteClosed = true

		if ch.reply == replyWaiting {
			ch.reply = replyNone
		}

		if !ch.localClosed {
			if err := s.send(channelCloseMsg{PeersID: ch.remoteID}); err != nil {
				return err
			}

			ch.localClosed = true
			ch.writeEOF = true
		}

		ch.finish()

	case msgChannelRequest:
		var msg channelRequestMsg
		if err := ssh.Unmarshal(payload, &msg); err != nil {
			return newError(CodeProtocolError, op, err)
		}

		return ch.handleRequest(&msg)

	case msgChannelSuccess, msgChannelFailure:
		if ch.reply != replyWaiting {
			return protocolErrorf(op, "channel %d: unsolicited request reply", id)
		}

		ch.reply = replySuccess
		if payload[0] == msgChannelFailure {
			ch.reply = replyFailure
		}
	}

	return nil
}

// receive accounts for data the server sent against the receive window.
func (ch *Channel) receive(buf *[]byte, data []byte) error {
	if uint32(len(data)) > ch.localWindow {
		return protocolErrorf("dispatch", "channel %d: server sent %d bytes with %d window left", ch.localID, len(data), ch.localWindow)
	}

	ch.localWindow -= uint32(len(data))

	if buf == nil {
		return ch.consume(len(data))
	}

	*buf = append(*buf, data...)
	return nil
}

// handleRequest records exit reports and refuses everything else that wants a reply.
func (ch *Channel) handleRequest(msg *channelRequestMsg) error {
	switch msg.Request {
	case "exit-status":
		var status exitStatusMsg
		if err := ssh.Unmarshal(msg.RequestSpecificData, &status); err != nil {
			return newError(CodeProtocolError, "dispatch", err)
		}

		ch.exitStatus = int(status.Status)
		ch.hasExitStatus = true
		return nil

	case "exit-signal":
		var sig exitSignalMsg
		if err := ssh.Unmarshal(msg.RequestSpecificData, &sig); err != nil {
			return newError(CodeProtocolError, "dispatch", err)
		}

		ch.exitSignal = sig.Signal
		return nil
	}

	if msg.WantReply {
		return ch.s.send(channelRequestFailureMsg{PeersID: ch.remoteID})
	}

	return nil
}

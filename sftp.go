package nbsftp

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	sshfx "github.com/pkg/nbsftp/encoding/ssh/filexfer"
	"github.com/pkg/nbsftp/encoding/ssh/filexfer/openssh"
)

const (
	sftpVersion = 3

	// maxSFTPPacket bounds incoming SFTP packets; OpenSSH's sftp-server uses the same limit.
	maxSFTPPacket = 256 * 1024
)

// ClientOption specifies an option for InitSFTP.
type ClientOption func(*Client) error

// WithPOSIXRename forces Rename to use, or avoid, posix-rename@openssh.com.
//
// Without this option the capability follows what the server advertised in SSH_FXP_VERSION.
func WithPOSIXRename(enabled bool) ClientOption {
	return func(cl *Client) error {
		cl.posixRenameSet = true
		cl.posixRename = enabled
		return nil
	}
}

// WithMaxDataLength sets the largest data payload of a single read or write request.
//
// The default, and the largest length every server must accept, is 32768 bytes.
func WithMaxDataLength(length int) ClientOption {
	return func(cl *Client) error {
		if length < 1 || length > sshfx.DefaultMaxDataLength {
			return errors.Errorf("nbsftp: max data length must be between 1 and %d", sshfx.DefaultMaxDataLength)
		}

		cl.maxDataLen = length
		return nil
	}
}

// Client is an SFTP version 3 client running on one Channel.
//
// Like the rest of the package, it never waits: any method may return
// ErrWouldBlock, and must then be called again with the same arguments.
type Client struct {
	s  *Session
	ch *Channel

	version uint32
	exts    map[string]string

	posixRename    bool
	posixRenameSet bool

	maxDataLen int

	nextID uint32

	// in holds channel data not yet assembled into a whole SFTP packet.
	in   []byte
	rbuf []byte
}

type initOp struct {
	cl  *Client
	req channelRequest

	out     []byte
	started bool
}

// InitSFTP starts the sftp subsystem on ch and negotiates SFTP version 3.
// The channel must be Open and must not have been used for anything else.
func InitSFTP(ch *Channel, opts ...ClientOption) (*Client, error) {
	cl := &Client{
		s:          ch.s,
		ch:         ch,
		exts:       make(map[string]string),
		maxDataLen: sshfx.DefaultMaxDataLength,
		rbuf:       make([]byte, readChunk),
	}

	for _, opt := range opts {
		if err := opt(cl); err != nil {
			return nil, err
		}
	}

	op, err := run(ch.s, ch.key("sftp.init"), func() *initOp {
		return &initOp{cl: cl}
	})
	if err != nil {
		return nil, err
	}

	return op.cl, nil
}

func (op *initOp) step() error {
	cl := op.cl
	const name = "sftp.init"

	if err := cl.ch.request(&op.req, name, "subsystem", marshal(subsystemRequestMsg{Subsystem: "sftp"})); err != nil {
		return err
	}

	if !op.started {
		pkt := &sshfx.InitPacket{Version: sftpVersion}

		data, err := pkt.MarshalBinary()
		if err != nil {
			return newError(CodeProtocolError, name, err)
		}

		op.out = data
		op.started = true
	}

	if err := cl.transmit(&op.out); err != nil {
		return err
	}

	frame, err := cl.readFrame()
	if err != nil {
		return err
	}

	if sshfx.PacketType(frame[0]) != sshfx.PacketTypeVersion {
		return protocolErrorf(name, "unexpected packet type %s, want SSH_FXP_VERSION", sshfx.PacketType(frame[0]))
	}

	var version sshfx.VersionPacket
	if err := version.UnmarshalBinary(frame[1:]); err != nil {
		return newError(CodeProtocolError, name, err)
	}

	if version.Version != sftpVersion {
		return newError(CodeUnsupported, name, errors.Errorf("server speaks SFTP version %d", version.Version))
	}

	cl.version = version.Version
	for _, ext := range version.Extensions {
		cl.exts[ext.Name] = ext.Data
	}

	if !cl.posixRenameSet {
		cl.posixRename = cl.hasExtension(openssh.ExtensionPOSIXRename())
	}

	cl.s.log.Debug("sftp initialized",
		zap.Uint32("version", cl.version),
		zap.Int("extensions", len(cl.exts)),
		zap.Bool("posix_rename", cl.posixRename),
	)

	return nil
}

// Channel returns the channel the client runs on.
func (cl *Client) Channel() *Channel {
	return cl.ch
}

// Version returns the negotiated SFTP protocol version.
func (cl *Client) Version() uint32 {
	return cl.version
}

// Extensions returns the extensions the server advertised, by name.
func (cl *Client) Extensions() map[string]string {
	exts := make(map[string]string, len(cl.exts))
	for name, data := range cl.exts {
		exts[name] = data
	}
	return exts
}

// HasPOSIXRename reports whether Rename overwrites an existing destination.
func (cl *Client) HasPOSIXRename() bool {
	return cl.posixRename
}

func (cl *Client) hasExtension(ext *sshfx.ExtensionPair) bool {
	return cl.exts[ext.Name] == ext.Data
}

// key scopes an operation's arguments to this client's channel.
func (cl *Client) key(name, args string) opKey {
	return opKey{name: name, args: fmt.Sprintf("%d\x00%s", cl.ch.localID, args)}
}

// transmit writes out to the channel, consuming it as it goes. s.mu must be held.
func (cl *Client) transmit(out *[]byte) error {
	for len(*out) > 0 {
		n, err := cl.ch.write(*out)
		*out = (*out)[n:]
		if err != nil {
			return err
		}
	}
	return nil
}

// readFrame returns the body of the next SFTP packet, type byte first. s.mu must be held.
func (cl *Client) readFrame() ([]byte, error) {
	for {
		if len(cl.in) >= 4 {
			length := sshfx.NewBuffer(cl.in[:4]).ConsumeUint32()
			if length == 0 || length > maxSFTPPacket {
				return nil, protocolErrorf("sftp", "packet length %d", length)
			}

			if uint32(len(cl.in)-4) >= length {
				frame := append([]byte(nil), cl.in[4:4+length]...)
				cl.in = cl.in[4+length:]
				return frame, nil
			}
		}

		n, err := cl.ch.read(cl.rbuf, false)
		cl.in = append(cl.in, cl.rbuf[:n]...)

		switch {
		case err == io.EOF:
			return nil, newError(CodeChannelFailure, "sftp", errors.New("server closed the sftp channel"))
		case err != nil:
			return nil, err
		}
	}
}

// request is an SFTP request packet.
type request interface {
	sshfx.PacketMarshaller
	Type() sshfx.PacketType
}

// call is one request/response round trip that survives ErrWouldBlock.
// The request is marshaled and given an id once; a retry continues
// sending what is left of it, or waits for its response.
type call struct {
	started bool
	id      uint32
	out     []byte
	resp    []byte
}

// exchange sends req unless it was already sent, and returns its response. s.mu must be held.
func (c *call) exchange(cl *Client, req request) (*sshfx.RawPacket, error) {
	if !c.started {
		data, err := sshfx.ComposePacket(req.MarshalPacket(cl.nextID, nil))
		if err != nil {
			return nil, errors.Wrapf(err, "marshaling %s", req.Type())
		}

		c.id = cl.nextID
		cl.nextID++
		c.out = data
		c.started = true

		cl.s.log.Debug("sftp request", zap.Stringer("type", req.Type()), zap.Uint32("id", c.id))
	}

	if err := cl.transmit(&c.out); err != nil {
		return nil, err
	}

	if c.resp == nil {
		frame, err := cl.readFrame()
		if err != nil {
			return nil, err
		}
		c.resp = frame
	}

	// Decode from the saved bytes every time: the caller may need the
	// response again after a later step of the same operation blocks.
	var raw sshfx.RawPacket
	if err := raw.UnmarshalFrom(sshfx.NewBuffer(c.resp)); err != nil {
		return nil, newError(CodeProtocolError, "sftp", err)
	}

	if raw.RequestID != c.id {
		return nil, protocolErrorf("sftp", "response to request %d, want %d", raw.RequestID, c.id)
	}

	return &raw, nil
}

type respPacket[PKT any] interface {
	*PKT
	sshfx.Packet
}

// expect decodes raw as a PKT response, or turns a status response into an error.
func expect[PKT any, P respPacket[PKT]](raw *sshfx.RawPacket, op string) (*PKT, error) {
	var resp P

	switch raw.PacketType {
	case resp.Type():
		resp = new(PKT)
		if err := resp.UnmarshalPacketBody(&raw.Data); err != nil {
			return nil, newError(CodeProtocolError, op, err)
		}

		return resp, nil

	case sshfx.PacketTypeStatus:
		var status sshfx.StatusPacket
		if err := status.UnmarshalPacketBody(&raw.Data); err != nil {
			return nil, newError(CodeProtocolError, op, err)
		}

		if status.StatusCode == sshfx.StatusOK {
			return nil, protocolErrorf(op, "unexpected SSH_FX_OK")
		}

		return nil, statusToError(&status, op)
	}

	return nil, protocolErrorf(op, "unexpected packet type %s", raw.PacketType)
}

// expectStatus decodes raw as a status response.
func expectStatus(raw *sshfx.RawPacket, op string) error {
	if raw.PacketType != sshfx.PacketTypeStatus {
		return protocolErrorf(op, "unexpected packet type %s", raw.PacketType)
	}

	var status sshfx.StatusPacket
	if err := status.UnmarshalPacketBody(&raw.Data); err != nil {
		return newError(CodeProtocolError, op, err)
	}

	return statusToError(&status, op)
}

// statusToError maps a status response to the error it reports.
// The *sshfx.StatusPacket stays in the chain, so errors.Is matches fs.ErrNotExist,
// fs.ErrPermission and sshfx.Status values.
func statusToError(status *sshfx.StatusPacket, op string) error {
	switch status.StatusCode {
	case sshfx.StatusOK:
		return nil
	case sshfx.StatusEOF:
		return io.EOF
	}

	return newError(CodeSFTPStatus, op, status)
}

// sftpOp is a client operation of at most two round trips,
// where the second is only sent when the first one's outcome calls for it.
type sftpOp[T any] struct {
	primary  call
	fallback call

	run    func(op *sftpOp[T]) (T, error)
	result T
}

func (op *sftpOp[T]) step() (err error) {
	op.result, err = op.run(op)
	return err
}

// doSFTP runs fn as the operation name with args, resuming a pending one if this is a retry.
//
// A failed operation still reports what fn returned with the error, such as the
// bytes a multi-request Write got through before it failed. A parked one reports
// nothing, as its retry will.
func doSFTP[T any](cl *Client, name, args string, fn func(op *sftpOp[T]) (T, error)) (T, error) {
	op, err := run(cl.s, cl.key(name, args), func() *sftpOp[T] {
		return &sftpOp[T]{run: fn}
	})
	if op == nil || errors.Is(err, ErrWouldBlock) {
		var zero T
		return zero, err
	}

	return op.result, err
}

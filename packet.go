package nbsftp

import (
	"bytes"
	"io"

	"github.com/pkg/errors"

	"github.com/pkg/nbsftp/transport"
)

const (
	readChunk = 32 * 1024

	// maxQueued bounds the bytes waiting to be written before producers are told to wait.
	maxQueued = 256 * 1024

	// maxVersionLine bounds each line read during the version exchange, RFC 4253 section 4.2.
	maxVersionLine = 255
)

// packetConn frames SSH binary packets over a non-blocking transport.
//
// Outgoing packets are sealed immediately and queued; flush moves the queue
// to the transport as far as it accepts. Incoming bytes are buffered until a
// whole packet can be opened. Neither direction ever waits.
type packetConn struct {
	t       transport.Transport
	rand    io.Reader
	metrics *Metrics

	out []byte
	in  []byte
	buf []byte

	writeSeq uint32
	readSeq  uint32
	lastSeq  uint32 // sequence number of the last packet read

	writeCipher packetCipher
	readCipher  packetCipher
}

func newPacketConn(t transport.Transport, rand io.Reader, m *Metrics) *packetConn {
	return &packetConn{
		t:           t,
		rand:        rand,
		metrics:     m,
		buf:         make([]byte, readChunk),
		writeCipher: noneCipher{},
		readCipher:  noneCipher{},
	}
}

// queued returns the number of bytes not yet accepted by the transport.
func (c *packetConn) queued() int {
	return len(c.out)
}

// writeRaw queues b without framing. It is used for the identification string.
func (c *packetConn) writeRaw(b []byte) {
	c.out = append(c.out, b...)
}

// writePacket seals payload with the current cipher and queues it.
func (c *packetConn) writePacket(payload []byte) error {
	if len(payload) == 0 {
		return errors.New("empty packet payload")
	}

	pkt, err := c.writeCipher.seal(c.writeSeq, payload, c.rand)
	if err != nil {
		return newError(CodeTransportError, "write packet", err)
	}

	c.writeSeq++
	c.out = append(c.out, pkt...)

	c.metrics.packetSent(len(pkt))
	return nil
}

// flush writes queued bytes until the queue is empty or the transport would block.
func (c *packetConn) flush() error {
	for len(c.out) > 0 {
		n, err := c.t.Write(c.out)
		c.out = c.out[n:]

		if err != nil {
			if errors.Is(err, transport.ErrWouldBlock) {
				c.metrics.wouldBlock(transport.DirectionWrite)
				return transport.ErrWouldBlock
			}

			return newError(CodeTransportError, "write", err)
		}
	}

	// Release the backing array of a drained queue.
	c.out = nil
	return nil
}

// fill reads whatever the transport has available onto the input buffer.
func (c *packetConn) fill() error {
	n, err := c.t.Read(c.buf)
	c.in = append(c.in, c.buf[:n]...)

	if err != nil {
		switch {
		case errors.Is(err, transport.ErrWouldBlock):
			c.metrics.wouldBlock(transport.DirectionRead)
			return transport.ErrWouldBlock
		case err == io.EOF:
			return newError(CodeTransportError, "read", io.ErrUnexpectedEOF)
		default:
			return newError(CodeTransportError, "read", err)
		}
	}

	return nil
}

// readLine returns the next CRLF or LF terminated line, without its terminator.
func (c *packetConn) readLine() (string, error) {
	for {
		if i := bytes.IndexByte(c.in, '\n'); i >= 0 {
			line := c.in[:i]
			c.in = c.in[i+1:]
			return string(bytes.TrimSuffix(line, []byte{'\r'})), nil
		}

		if len(c.in) > maxVersionLine {
			return "", protocolErrorf("version exchange", "identification line longer than %d bytes", maxVersionLine)
		}

		if err := c.fill(); err != nil {
			return "", err
		}
	}
}

// readPacket returns the next packet payload.
func (c *packetConn) readPacket() ([]byte, error) {
	for {
		payload, n, err := c.readCipher.open(c.readSeq, c.in)
		if err != nil {
			return nil, newError(CodeProtocolError, "read packet", err)
		}

		if n > 0 {
			c.in = c.in[n:]
			c.lastSeq = c.readSeq
			c.readSeq++

			c.metrics.packetReceived(n)

			if len(payload) == 0 {
				return nil, protocolErrorf("read packet", "empty payload")
			}
			return payload, nil
		}

		if err := c.fill(); err != nil {
			return nil, err
		}
	}
}

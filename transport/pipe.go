package transport

import (
	"io"
	"net"
	"sync"
	"time"
)

// PipeOption configures an in-memory pipe.
type PipeOption func(*pipe)

// WithCapacity bounds how many bytes may sit unread in each direction.
// Writes beyond the bound return ErrWouldBlock on the non-blocking end,
// and wait on the peer end.
func WithCapacity(n int) PipeOption {
	return func(p *pipe) {
		if n > 0 {
			p.capacity = n
		}
	}
}

// WithChunkSize limits every Read and Write on the non-blocking end to at most n bytes,
// which forces callers through many partial transfers.
func WithChunkSize(n int) PipeOption {
	return func(p *pipe) {
		if n > 0 {
			p.chunk = n
		}
	}
}

const defaultPipeCapacity = 64 * 1024

type pipe struct {
	mu   sync.Mutex
	cond *sync.Cond

	toPeer []byte // written by the PipeEnd, read by the peer
	toEnd  []byte // written by the peer, read by the PipeEnd

	capacity int
	chunk    int

	endClosed  bool
	peerClosed bool

	notify chan struct{}
}

// Pipe creates an in-memory, full duplex connection.
//
// The returned PipeEnd is a non-blocking Transport; the returned net.Conn
// is its blocking peer, suitable for code such as golang.org/x/crypto/ssh servers.
func Pipe(opts ...PipeOption) (*PipeEnd, net.Conn) {
	p := &pipe{
		capacity: defaultPipeCapacity,
		notify:   make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	for _, opt := range opts {
		opt(p)
	}

	return &PipeEnd{p: p}, &pipePeer{p: p}
}

// signal wakes everything waiting on either end. p.mu must be held.
func (p *pipe) signal() {
	p.cond.Broadcast()
	close(p.notify)
	p.notify = make(chan struct{})
}

func (p *pipe) limit(n int) int {
	if p.chunk > 0 && n > p.chunk {
		return p.chunk
	}
	return n
}

// PipeEnd is the non-blocking end of an in-memory pipe.
type PipeEnd struct {
	p     *pipe
	block blockState
}

// Read reads whatever the peer has written, without waiting.
func (e *PipeEnd) Read(b []byte) (int, error) {
	p := e.p
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.endClosed {
		return 0, ErrClosed
	}

	if len(b) == 0 {
		return 0, nil
	}

	if len(p.toEnd) == 0 {
		if p.peerClosed {
			e.block.set(DirectionNone)
			return 0, io.EOF
		}

		e.block.set(DirectionRead)
		return 0, ErrWouldBlock
	}

	n := copy(b[:p.limit(len(b))], p.toEnd)
	p.toEnd = p.toEnd[n:]

	e.block.set(DirectionNone)
	p.signal()
	return n, nil
}

// Write queues as much of b as the pipe capacity allows, without waiting.
func (e *PipeEnd) Write(b []byte) (int, error) {
	p := e.p
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.endClosed || p.peerClosed {
		return 0, ErrClosed
	}

	if len(b) == 0 {
		return 0, nil
	}

	space := p.capacity - len(p.toPeer)
	if space <= 0 {
		e.block.set(DirectionWrite)
		return 0, ErrWouldBlock
	}

	n := p.limit(min(space, len(b)))
	p.toPeer = append(p.toPeer, b[:n]...)

	e.block.set(DirectionNone)
	p.signal()
	return n, nil
}

// PollReadable reports whether a Read would make progress now.
func (e *PipeEnd) PollReadable() bool {
	p := e.p
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.toEnd) > 0 || p.peerClosed || p.endClosed
}

// PollWritable reports whether a Write would make progress now.
func (e *PipeEnd) PollWritable() bool {
	p := e.p
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.toPeer) < p.capacity || p.peerClosed || p.endClosed
}

// BlockedDirection reports which direction the last Read or Write blocked on.
func (e *PipeEnd) BlockedDirection() Direction {
	return e.block.get()
}

// Ready returns a channel closed on the next change of pipe state.
func (e *PipeEnd) Ready() <-chan struct{} {
	p := e.p
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.notify
}

// RemoteAddr returns a placeholder address.
func (e *PipeEnd) RemoteAddr() net.Addr {
	return pipeAddr{}
}

// Close closes the non-blocking end. The peer observes io.EOF after draining.
func (e *PipeEnd) Close() error {
	p := e.p
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.endClosed {
		p.endClosed = true
		p.signal()
	}

	return nil
}

// pipePeer is the blocking end of an in-memory pipe.
type pipePeer struct {
	p *pipe
}

func (c *pipePeer) Read(b []byte) (int, error) {
	p := c.p
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.toPeer) == 0 {
		if p.peerClosed {
			return 0, io.ErrClosedPipe
		}

		if p.endClosed {
			return 0, io.EOF
		}

		p.cond.Wait()
	}

	n := copy(b, p.toPeer)
	p.toPeer = p.toPeer[n:]

	p.signal()
	return n, nil
}

func (c *pipePeer) Write(b []byte) (int, error) {
	p := c.p
	p.mu.Lock()
	defer p.mu.Unlock()

	var written int
	for len(b) > 0 {
		if p.peerClosed || p.endClosed {
			return written, io.ErrClosedPipe
		}

		space := p.capacity - len(p.toEnd)
		if space <= 0 {
			p.cond.Wait()
			continue
		}

		n := min(space, len(b))
		p.toEnd = append(p.toEnd, b[:n]...)
		b = b[n:]
		written += n

		p.signal()
	}

	return written, nil
}

func (c *pipePeer) Close() error {
	p := c.p
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.peerClosed {
		p.peerClosed = true
		p.signal()
	}

	return nil
}

func (c *pipePeer) LocalAddr() net.Addr                { return pipeAddr{} }
func (c *pipePeer) RemoteAddr() net.Addr               { return pipeAddr{} }
func (c *pipePeer) SetDeadline(t time.Time) error      { return nil }
func (c *pipePeer) SetReadDeadline(t time.Time) error  { return nil }
func (c *pipePeer) SetWriteDeadline(t time.Time) error { return nil }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }

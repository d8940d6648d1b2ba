//go:build !unix

package transport

import (
	"net"
)

// Conn is a Transport over a connected socket.
// This platform offers no non-blocking descriptor access, so NewConn always fails.
type Conn struct{}

// NewConn returns ErrUnsupported on this platform.
func NewConn(c net.Conn) (*Conn, error) {
	return nil, ErrUnsupported
}

func (c *Conn) RemoteAddr() net.Addr        { return nil }
func (c *Conn) Fd() int                     { return -1 }
func (c *Conn) Read(p []byte) (int, error)  { return 0, ErrUnsupported }
func (c *Conn) Write(p []byte) (int, error) { return 0, ErrUnsupported }
func (c *Conn) PollReadable() bool          { return false }
func (c *Conn) PollWritable() bool          { return false }
func (c *Conn) BlockedDirection() Direction { return DirectionNone }
func (c *Conn) Close() error                { return nil }

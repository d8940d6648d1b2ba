package nbsftp

import (
	"context"
	"flag"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pkg/nbsftp/coordinator"
	"github.com/pkg/nbsftp/internal/sshtest"
	"github.com/pkg/nbsftp/transport"
)

var testIntegration = flag.Bool("integration", false, "perform integration tests against the server named by NBSFTP_TEST_ADDR")

const (
	testUser     = "tester"
	testPassword = "secret"

	testTimeout = 10 * time.Second
)

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestServer(t *testing.T, cfg sshtest.Config) *sshtest.Server {
	t.Helper()

	if cfg.User == "" {
		cfg.User = testUser
	}
	if cfg.Password == "" && len(cfg.AuthorizedKeys) == 0 {
		cfg.Password = testPassword
	}
	cfg.Logger = zaptest.NewLogger(t).Named("server")

	srv, err := sshtest.NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	return srv
}

func newTestSession(t *testing.T, srv *sshtest.Server, tr transport.Transport, opts ...Option) *Session {
	t.Helper()

	opts = append([]Option{
		WithLogger(zaptest.NewLogger(t)),
		WithHostKeyCallback(srv.HostKeyCallback()),
	}, opts...)

	s, err := NewSession(tr, opts...)
	require.NoError(t, err)
	s.SetTimeout(testTimeout)

	t.Cleanup(func() { s.Disconnect("test finished") })

	return s
}

func handshake(t *testing.T, s *Session) {
	t.Helper()

	require.NoError(t, coordinator.Do(testContext(t), s, s.BeginHandshake))
	require.Equal(t, StateAuthenticating, s.State())
}

func authenticate(t *testing.T, s *Session) {
	t.Helper()

	require.NoError(t, coordinator.Do(testContext(t), s, func() error {
		return s.AuthenticatePassword(testUser, testPassword)
	}))
	require.Equal(t, StateReady, s.State())
}

// connect returns a Ready session to srv over an in-memory pipe.
func connect(t *testing.T, srv *sshtest.Server, opts ...Option) *Session {
	t.Helper()

	s := newTestSession(t, srv, srv.Pipe(), opts...)
	handshake(t, s)
	authenticate(t, s)
	return s
}

func openChannel(t *testing.T, s *Session) *Channel {
	t.Helper()

	ch, err := coordinator.Call(testContext(t), s, func() (*Channel, error) {
		return s.OpenChannel(ChannelSession)
	})
	require.NoError(t, err)
	require.Equal(t, ChannelOpen, ch.State())
	return ch
}

func openSFTP(t *testing.T, s *Session, opts ...ClientOption) *Client {
	t.Helper()

	ch := openChannel(t, s)

	cl, err := coordinator.Call(testContext(t), s, func() (*Client, error) {
		return InitSFTP(ch, opts...)
	})
	require.NoError(t, err)
	return cl
}

// do runs fn to completion on s, waiting whenever it would block.
func do(t *testing.T, s *Session, fn func() error) error {
	t.Helper()
	return coordinator.Do(testContext(t), s, fn)
}

// gatedTransport withholds incoming data while held,
// so that a call can be parked on ErrWouldBlock at a known point.
type gatedTransport struct {
	*transport.PipeEnd

	held    atomic.Bool
	stalled atomic.Bool
}

func (g *gatedTransport) Read(p []byte) (int, error) {
	if g.held.Load() {
		g.stalled.Store(true)
		return 0, transport.ErrWouldBlock
	}

	g.stalled.Store(false)
	return g.PipeEnd.Read(p)
}

func (g *gatedTransport) PollReadable() bool {
	return !g.held.Load() && g.PipeEnd.PollReadable()
}

func (g *gatedTransport) BlockedDirection() transport.Direction {
	if g.stalled.Load() {
		return transport.DirectionRead
	}
	return g.PipeEnd.BlockedDirection()
}

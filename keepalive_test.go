package nbsftp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkg/nbsftp/coordinator"
	"github.com/pkg/nbsftp/internal/sshtest"
)

// fakeClock replaces the session's clock. It must be installed before the handshake.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) install(s *Session) {
	s.now = func() time.Time { return c.now }
}

func (c *fakeClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func keepalive(t *testing.T, s *Session) time.Duration {
	t.Helper()

	next, err := coordinator.Call(testContext(t), s, s.SendKeepalive)
	require.NoError(t, err)
	return next
}

func TestKeepalive(t *testing.T) {
	srv := newTestServer(t, sshtest.Config{})
	s := newTestSession(t, srv, srv.Pipe())

	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	clock.install(s)

	handshake(t, s)
	authenticate(t, s)

	// Disabled until configured.
	assert.Zero(t, keepalive(t, s))

	s.ConfigureKeepalive(false, 30*time.Second)
	assert.Equal(t, 30*time.Second, keepalive(t, s))

	clock.advance(10 * time.Second)
	assert.Equal(t, 20*time.Second, keepalive(t, s))

	clock.advance(25 * time.Second)
	assert.Equal(t, 30*time.Second, keepalive(t, s), "sent, so a full interval remains")
	assert.Equal(t, 30*time.Second, keepalive(t, s))

	s.ConfigureKeepalive(false, 0)
	clock.advance(time.Hour)
	assert.Zero(t, keepalive(t, s))
	assert.Equal(t, StateReady, s.State())
}

func TestKeepaliveWantReply(t *testing.T) {
	srv := newTestServer(t, sshtest.Config{})
	s := newTestSession(t, srv, srv.Pipe())

	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	clock.install(s)

	handshake(t, s)
	authenticate(t, s)

	s.ConfigureKeepalive(true, time.Second)
	for range 3 {
		clock.advance(2 * time.Second)
		assert.Equal(t, time.Second, keepalive(t, s))
	}
	assert.Equal(t, 3, s.globalReplies)

	// The replies are consumed by whatever reads next.
	ch := openChannel(t, s)
	require.NoError(t, do(t, s, func() error { return ch.Exec("echo pong") }))
	assert.Equal(t, "pong\n", readAll(t, s, ch.Read))

	assert.Zero(t, s.globalReplies)
	assert.Equal(t, StateReady, s.State())
}

func TestKeepaliveState(t *testing.T) {
	srv := newTestServer(t, sshtest.Config{})
	s := newTestSession(t, srv, srv.Pipe())

	s.ConfigureKeepalive(false, time.Minute)

	_, err := s.SendKeepalive()
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, s.Disconnect(""))

	_, err = s.SendKeepalive()
	assert.ErrorIs(t, err, ErrDisconnected)
}

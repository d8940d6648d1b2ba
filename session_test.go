package nbsftp

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/pkg/nbsftp/coordinator"
	"github.com/pkg/nbsftp/internal/sshtest"
	"github.com/pkg/nbsftp/transport"
)

func TestNewSessionRequiresHostKeyCallback(t *testing.T) {
	end, peer := transport.Pipe()
	defer peer.Close()

	_, err := NewSession(end)
	assert.Error(t, err)

	_, err = NewSession(nil, WithHostKeyCallback(ssh.InsecureIgnoreHostKey()))
	assert.Error(t, err)
}

func TestNewSessionOptions(t *testing.T) {
	end, peer := transport.Pipe()
	defer peer.Close()

	cb := WithHostKeyCallback(ssh.InsecureIgnoreHostKey())

	_, err := NewSession(end, cb, WithClientVersion("SSH-1.5-old"))
	assert.Error(t, err)

	_, err = NewSession(end, cb, WithWindowSize(1024))
	assert.Error(t, err)

	_, err = NewSession(end, cb, WithLogger(nil))
	assert.Error(t, err)

	s, err := NewSession(end, cb)
	require.NoError(t, err)
	assert.Equal(t, StateUnconnected, s.State())
	assert.Equal(t, CodeNone, s.LastError())
	assert.Equal(t, transport.DirectionNone, s.BlockedDirection())
	assert.Same(t, end, s.Transport())
}

func TestHandshake(t *testing.T) {
	srv := newTestServer(t, sshtest.Config{})
	s := newTestSession(t, srv, srv.Pipe(), WithClientVersion("SSH-2.0-nbsftp_test"))

	err := s.BeginHandshake()
	if err != nil {
		require.ErrorIs(t, err, ErrWouldBlock)
		assert.Equal(t, StateKeyExchange, s.State())
		assert.Equal(t, CodeWouldBlock, s.LastError())
	}

	handshake(t, s)

	assert.Equal(t, "SSH-2.0-nbsftp_sshtest", s.ServerVersion())
	assert.Equal(t, srv.HostKey().Marshal(), s.HostKey().Marshal())
	assert.NotEmpty(t, s.SessionID())

	// Once the handshake is done, calling it again changes nothing.
	require.NoError(t, s.BeginHandshake())
	assert.Equal(t, StateAuthenticating, s.State())
}

func TestHandshakeTCP(t *testing.T) {
	srv := newTestServer(t, sshtest.Config{})

	addr, err := srv.Listen()
	require.NoError(t, err)

	c, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)

	conn, err := transport.NewConn(c)
	if errors.Is(err, transport.ErrUnsupported) {
		t.Skip(err)
	}
	require.NoError(t, err)

	s := newTestSession(t, srv, conn)
	handshake(t, s)
	authenticate(t, s)

	ch := openChannel(t, s)
	require.NoError(t, do(t, s, func() error { return ch.Exec("echo over tcp") }))

	out := readAll(t, s, ch.Read)
	assert.Equal(t, "over tcp\n", out)
}

func TestHandshakeHostKeyRejected(t *testing.T) {
	srv := newTestServer(t, sshtest.Config{})

	other, err := sshtest.NewSigner(sshtest.KeyEd25519)
	require.NoError(t, err)

	s := newTestSession(t, srv, srv.Pipe(), WithHostKeyCallback(ssh.FixedHostKey(other.PublicKey())))

	err = coordinator.Do(testContext(t), s, s.BeginHandshake)
	require.ErrorIs(t, err, ErrHostKeyRejected)
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, CodeHostKeyRejected, s.LastError())

	// A failed session refuses everything after.
	err = s.AuthenticatePassword(testUser, testPassword)
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestHandshakeHostname(t *testing.T) {
	srv := newTestServer(t, sshtest.Config{})

	var got []string
	cb := func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		got = append(got, hostname)
		return srv.HostKeyCallback()(hostname, remote, key)
	}

	s := newTestSession(t, srv, srv.Pipe(), WithHostKeyCallback(cb), WithHostname("sftp.example.com:22"))
	handshake(t, s)

	assert.Equal(t, []string{"sftp.example.com:22"}, got)
}

func TestHandshakeMethods(t *testing.T) {
	type test struct {
		category MethodCategory
		method   string
		server   sshtest.Config
	}

	var tests []test
	for _, kex := range SupportedMethods(MethodKex) {
		tests = append(tests, test{MethodKex, kex, sshtest.Config{KeyExchanges: []string{kex}}})
	}
	for _, cipher := range SupportedMethods(MethodCipherClientToServer) {
		tests = append(tests, test{MethodCipherClientToServer, cipher, sshtest.Config{Ciphers: []string{cipher}}})
	}
	for _, mac := range SupportedMethods(MethodMACClientToServer) {
		// Force a cipher that uses the MAC.
		tests = append(tests, test{MethodMACClientToServer, mac, sshtest.Config{
			Ciphers: []string{CipherAES128CTR},
			MACs:    []string{mac},
		}})
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			srv := newTestServer(t, tt.server)
			s := connect(t, srv)

			assert.Equal(t, tt.method, s.Methods(tt.category))
			assert.Equal(t, CompressionNone, s.Methods(MethodCompressionServerToClient))

			// Traffic in both directions goes through the negotiated keys.
			ch := openChannel(t, s)
			require.NoError(t, do(t, s, func() error { return ch.Exec("echo " + tt.method) }))
			assert.Equal(t, tt.method+"\n", readAll(t, s, ch.Read))
		})
	}
}

func TestHandshakeHostKeyTypes(t *testing.T) {
	for _, typ := range []sshtest.KeyType{sshtest.KeyEd25519, sshtest.KeyECDSAP256, sshtest.KeyRSA} {
		t.Run(string(typ), func(t *testing.T) {
			signer, err := sshtest.NewSigner(typ)
			require.NoError(t, err)

			srv := newTestServer(t, sshtest.Config{HostKeys: []ssh.Signer{signer}})
			s := newTestSession(t, srv, srv.Pipe())
			handshake(t, s)

			assert.Equal(t, signer.PublicKey().Type(), s.HostKey().Type())
		})
	}
}

func TestSetMethodPreference(t *testing.T) {
	srv := newTestServer(t, sshtest.Config{})
	s := newTestSession(t, srv, srv.Pipe())

	err := s.SetMethodPreference(MethodKex, []string{"diffie-hellman-group1-sha1"})
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.Equal(t, CodeUnsupported, s.LastError())

	err = s.SetMethodPreference(MethodCategory(42), []string{KexCurve25519})
	assert.ErrorIs(t, err, ErrInvalidState)

	// Unknown names are dropped, and later calls replace earlier ones.
	require.NoError(t, s.SetMethodPreference(MethodCipherClientToServer, []string{CipherAES128GCM}))
	require.NoError(t, s.SetMethodPreference(MethodCipherClientToServer, []string{"blowfish-cbc", CipherAES256CTR}))
	require.NoError(t, s.SetMethodPreference(MethodCipherServerToClient, []string{CipherAES192CTR}))
	require.NoError(t, s.SetMethodPreference(MethodMACClientToServer, []string{MACSHA512}))
	require.NoError(t, s.SetMethodPreference(MethodKex, []string{KexECDHP384}))

	assert.Empty(t, s.Methods(MethodKex))

	handshake(t, s)

	assert.Equal(t, KexECDHP384, s.Methods(MethodKex))
	assert.Equal(t, CipherAES256CTR, s.Methods(MethodCipherClientToServer))
	assert.Equal(t, CipherAES192CTR, s.Methods(MethodCipherServerToClient))
	assert.Equal(t, MACSHA512, s.Methods(MethodMACClientToServer))
	assert.Empty(t, s.Methods(MethodCategory(-1)))

	err = s.SetMethodPreference(MethodKex, []string{KexCurve25519})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestHandshakeNoCommonMethod(t *testing.T) {
	srv := newTestServer(t, sshtest.Config{Ciphers: []string{"chacha20-poly1305@openssh.com"}})
	s := newTestSession(t, srv, srv.Pipe())

	err := coordinator.Do(testContext(t), s, s.BeginHandshake)
	require.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, StateFailed, s.State())
}

func TestSupportedMethods(t *testing.T) {
	kex := SupportedMethods(MethodKex)
	assert.Equal(t, KexCurve25519, kex[0])

	// The returned slice is a copy.
	kex[0] = "changed"
	assert.Equal(t, KexCurve25519, SupportedMethods(MethodKex)[0])

	assert.Equal(t, []string{CompressionNone}, SupportedMethods(MethodCompressionClientToServer))
	assert.Nil(t, SupportedMethods(numMethodCategories))
}

func TestHandshakeBusy(t *testing.T) {
	// Nobody answers on the other end, so the handshake stays pending.
	end, peer := transport.Pipe()
	defer peer.Close()

	s, err := NewSession(end, WithHostKeyCallback(ssh.InsecureIgnoreHostKey()))
	require.NoError(t, err)

	require.ErrorIs(t, s.BeginHandshake(), ErrWouldBlock)
	assert.Equal(t, StateKeyExchange, s.State())
	assert.Equal(t, transport.DirectionRead, s.BlockedDirection())
	assert.Equal(t, transport.DirectionRead, coordinator.BlockedDirection(s))

	err = s.AuthenticatePassword(testUser, testPassword)
	assert.ErrorIs(t, err, ErrSessionBusy)
	assert.Equal(t, CodeSessionBusy, s.LastError())

	// The pending handshake is untouched by the refused call.
	require.ErrorIs(t, s.BeginHandshake(), ErrWouldBlock)
	assert.Equal(t, CodeWouldBlock, s.LastError())

	buf := make([]byte, 64)
	n, err := peer.Read(buf)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(buf[:n]), DefaultClientVersion+"\r\n"))
}

func TestSessionBusyWhileLocked(t *testing.T) {
	end, peer := transport.Pipe()
	defer peer.Close()

	s, err := NewSession(end, WithHostKeyCallback(ssh.InsecureIgnoreHostKey()))
	require.NoError(t, err)

	// Another goroutine inside the session.
	s.mu.Lock()
	err = s.BeginHandshake()
	assert.ErrorIs(t, err, ErrSessionBusy)
	assert.ErrorIs(t, s.Disconnect("busy"), ErrSessionBusy)
	s.mu.Unlock()

	assert.Equal(t, StateUnconnected, s.State())
}

func TestDisconnect(t *testing.T) {
	srv := newTestServer(t, sshtest.Config{})
	s := connect(t, srv)
	ch := openChannel(t, s)

	require.NoError(t, s.Disconnect("bye"))
	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, ChannelClosed, ch.State())

	require.NoError(t, s.Disconnect("bye again"))

	_, err := s.OpenChannel(ChannelSession)
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.Equal(t, CodeDisconnected, s.LastError())

	_, err = ch.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrDisconnected)

	assert.ErrorIs(t, s.Flush(), ErrDisconnected)
}

func TestDisconnectPending(t *testing.T) {
	end, peer := transport.Pipe()
	defer peer.Close()

	s, err := NewSession(end, WithHostKeyCallback(ssh.InsecureIgnoreHostKey()))
	require.NoError(t, err)

	require.ErrorIs(t, s.BeginHandshake(), ErrWouldBlock)

	// Disconnect abandons the pending handshake.
	require.NoError(t, s.Disconnect("giving up"))
	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, transport.DirectionNone, s.BlockedDirection())

	assert.ErrorIs(t, s.BeginHandshake(), ErrDisconnected)
}

func TestDisconnectAfterFailure(t *testing.T) {
	srv := newTestServer(t, sshtest.Config{})
	s := newTestSession(t, srv, srv.Pipe(), WithHostKeyCallback(func(string, net.Addr, ssh.PublicKey) error {
		return errors.New("untrusted")
	}))

	require.Error(t, coordinator.Do(testContext(t), s, s.BeginHandshake))
	require.Equal(t, StateFailed, s.State())

	require.NoError(t, s.Disconnect("cleanup"))
	assert.Equal(t, StateDisconnected, s.State())
}

func TestServerDisconnect(t *testing.T) {
	srv := newTestServer(t, sshtest.Config{})
	s := connect(t, srv)
	ch := openChannel(t, s)

	require.NoError(t, srv.Close())

	_, err := coordinator.Call(testContext(t), s, func() (int, error) {
		return ch.Read(make([]byte, 16))
	})
	require.Error(t, err)
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, ChannelClosed, ch.State())
}

func TestLastErrorPersists(t *testing.T) {
	srv := newTestServer(t, sshtest.Config{})
	s := newTestSession(t, srv, srv.Pipe())
	handshake(t, s)

	err := coordinator.Do(testContext(t), s, func() error {
		return s.AuthenticatePassword(testUser, "wrong")
	})
	require.ErrorIs(t, err, ErrAuthRejected)

	// Successes leave the last error in place.
	authenticate(t, s)
	assert.Equal(t, CodeAuthRejected, s.LastError())
	assert.ErrorIs(t, s.LastErr(), ErrAuthRejected)
}

func TestTimeout(t *testing.T) {
	end, peer := transport.Pipe()
	defer peer.Close()

	s, err := NewSession(end, WithHostKeyCallback(ssh.InsecureIgnoreHostKey()))
	require.NoError(t, err)

	assert.Zero(t, s.Timeout())
	s.SetTimeout(20 * time.Millisecond)

	err = coordinator.Do(testContext(t), s, s.BeginHandshake)
	assert.ErrorIs(t, err, coordinator.ErrTimeout)

	// The handshake is still pending, and resumes once data arrives.
	assert.Equal(t, StateKeyExchange, s.State())
	assert.ErrorIs(t, s.BeginHandshake(), ErrWouldBlock)
}

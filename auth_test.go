package nbsftp

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/pkg/nbsftp/coordinator"
	"github.com/pkg/nbsftp/internal/sshtest"
)

func TestAuthenticatePassword(t *testing.T) {
	srv := newTestServer(t, sshtest.Config{Banner: "authorized use only\n"})
	s := newTestSession(t, srv, srv.Pipe())

	err := s.AuthenticatePassword(testUser, testPassword)
	assert.ErrorIs(t, err, ErrInvalidState, "not before the handshake")

	handshake(t, s)

	err = coordinator.Do(testContext(t), s, func() error {
		return s.AuthenticatePassword(testUser, "wrong")
	})
	require.ErrorIs(t, err, ErrAuthRejected)
	assert.Equal(t, StateAuthenticating, s.State())
	assert.Contains(t, s.AuthMethods(), "password")

	authenticate(t, s)
	assert.Equal(t, "authorized use only\n", s.Banner())

	err = s.AuthenticatePassword(testUser, testPassword)
	assert.ErrorIs(t, err, ErrInvalidState, "not after success")
	assert.Equal(t, StateReady, s.State())
}

func TestAuthenticatePublicKey(t *testing.T) {
	tests := []struct {
		typ        sshtest.KeyType
		passphrase string
	}{
		{sshtest.KeyEd25519, ""},
		{sshtest.KeyECDSAP256, ""},
		{sshtest.KeyRSA, ""},
		{sshtest.KeyEd25519, "correct horse"},
	}

	for _, tt := range tests {
		name := string(tt.typ)
		if tt.passphrase != "" {
			name += " encrypted"
		}

		t.Run(name, func(t *testing.T) {
			keyFS := afero.NewMemMapFs()
			keys, err := sshtest.WriteKeyPair(keyFS, "/home/tester/.ssh", "id", tt.typ, tt.passphrase)
			require.NoError(t, err)

			srv := newTestServer(t, sshtest.Config{AuthorizedKeys: []ssh.PublicKey{keys.PublicKey}})
			s := newTestSession(t, srv, srv.Pipe(), WithKeyFS(keyFS))
			handshake(t, s)

			err = coordinator.Do(testContext(t), s, func() error {
				return s.AuthenticatePublicKey(testUser, keys.PublicPath, keys.PrivatePath, tt.passphrase)
			})
			require.NoError(t, err)
			assert.Equal(t, StateReady, s.State())
		})
	}
}

func TestAuthenticatePublicKeyRejected(t *testing.T) {
	keyFS := afero.NewMemMapFs()

	authorized, err := sshtest.WriteKeyPair(keyFS, "/keys", "authorized", sshtest.KeyEd25519, "")
	require.NoError(t, err)
	stranger, err := sshtest.WriteKeyPair(keyFS, "/keys", "stranger", sshtest.KeyEd25519, "")
	require.NoError(t, err)

	srv := newTestServer(t, sshtest.Config{AuthorizedKeys: []ssh.PublicKey{authorized.PublicKey}})
	s := newTestSession(t, srv, srv.Pipe(), WithKeyFS(keyFS))
	handshake(t, s)

	err = coordinator.Do(testContext(t), s, func() error {
		return s.AuthenticatePublicKey(testUser, "", stranger.PrivatePath, "")
	})
	require.ErrorIs(t, err, ErrAuthRejected)
	assert.Equal(t, []string{"publickey"}, s.AuthMethods())

	// Without a public key file the private key alone is enough.
	err = coordinator.Do(testContext(t), s, func() error {
		return s.AuthenticatePublicKey(testUser, "", authorized.PrivatePath, "")
	})
	require.NoError(t, err)
}

func TestAuthenticatePublicKeyFiles(t *testing.T) {
	keyFS := afero.NewMemMapFs()

	keys, err := sshtest.WriteKeyPair(keyFS, "/keys", "id", sshtest.KeyEd25519, "")
	require.NoError(t, err)
	other, err := sshtest.WriteKeyPair(keyFS, "/keys", "other", sshtest.KeyECDSAP256, "")
	require.NoError(t, err)
	locked, err := sshtest.WriteKeyPair(keyFS, "/keys", "locked", sshtest.KeyEd25519, "hunter2")
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(keyFS, "/keys/garbage", []byte("not a key"), 0o600))

	tests := []struct {
		name       string
		pub, priv  string
		passphrase string
	}{
		{"missing private key", "", "/keys/nope", ""},
		{"unparsable private key", "", "/keys/garbage", ""},
		{"missing public key", "/keys/nope.pub", keys.PrivatePath, ""},
		{"unparsable public key", "/keys/garbage", keys.PrivatePath, ""},
		{"mismatched public key", other.PublicPath, keys.PrivatePath, ""},
		{"encrypted without passphrase", "", locked.PrivatePath, ""},
		{"wrong passphrase", "", locked.PrivatePath, "hunter3"},
	}

	srv := newTestServer(t, sshtest.Config{AuthorizedKeys: []ssh.PublicKey{keys.PublicKey}})
	s := newTestSession(t, srv, srv.Pipe(), WithKeyFS(keyFS))
	handshake(t, s)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := coordinator.Do(testContext(t), s, func() error {
				return s.AuthenticatePublicKey(testUser, tt.pub, tt.priv, tt.passphrase)
			})
			assert.ErrorIs(t, err, ErrKeyFile)
			assert.Equal(t, CodeKeyFile, s.LastError())

			// Key problems are the caller's, the session carries on.
			assert.Equal(t, StateAuthenticating, s.State())
		})
	}

	err = coordinator.Do(testContext(t), s, func() error {
		return s.AuthenticatePublicKey(testUser, keys.PublicPath, keys.PrivatePath, "")
	})
	require.NoError(t, err)
}

func TestAuthenticateRetryArguments(t *testing.T) {
	srv := newTestServer(t, sshtest.Config{})

	g := &gatedTransport{PipeEnd: srv.Pipe()}
	s := newTestSession(t, srv, g)
	handshake(t, s)

	g.held.Store(true)

	err := s.AuthenticatePassword(testUser, "wrong")
	require.ErrorIs(t, err, ErrWouldBlock)

	// Another password is another call, not a retry of the pending one.
	err = s.AuthenticatePassword(testUser, testPassword)
	assert.ErrorIs(t, err, ErrSessionBusy)
	assert.Equal(t, StateAuthenticating, s.State())

	g.held.Store(false)

	err = coordinator.Do(testContext(t), s, func() error {
		return s.AuthenticatePassword(testUser, "wrong")
	})
	require.ErrorIs(t, err, ErrAuthRejected)

	authenticate(t, s)
}

package nbsftp

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const serviceConnection = "ssh-connection"

// authOp sends one USERAUTH_REQUEST and waits for the verdict.
type authOp struct {
	s       *Session
	method  string
	started bool

	// build returns the method-specific request payload. It runs once.
	build func() ([]byte, error)
}

// AuthenticatePassword authenticates as user with a password.
//
// It is only valid while the session is Authenticating. A rejected password
// returns ErrAuthRejected and leaves the session Authenticating, so another
// attempt can follow.
func (s *Session) AuthenticatePassword(user, password string) error {
	_, err := run(s, opKey{name: "auth.password", args: user + "\x00" + digest([]byte(password))}, func() *authOp {
		return &authOp{
			s:      s,
			method: "password",
			build: func() ([]byte, error) {
				return marshal(userAuthRequestMsg{
					User:    user,
					Service: serviceConnection,
					Method:  "password",
					Payload: marshal(passwordAuthMsg{Password: password}),
				}), nil
			},
		}
	})
	return err
}

// AuthenticatePublicKey authenticates as user with the private key stored at privPath.
//
// Key files are read through the session's key filesystem (see WithKeyFS).
// An encrypted private key needs passphrase. When pubPath is not empty,
// the public key it holds must match the private key.
// RSA keys sign with rsa-sha2-256.
func (s *Session) AuthenticatePublicKey(user, pubPath, privPath, passphrase string) error {
	_, err := run(s, opKey{
		name: "auth.publickey",
		args: user + "\x00" + digest([]byte(pubPath), []byte(privPath), []byte(passphrase)),
	}, func() *authOp {
		return &authOp{
			s:      s,
			method: "publickey",
			build: func() ([]byte, error) {
				signer, err := loadSigner(s.keyFS, pubPath, privPath, passphrase)
				if err != nil {
					return nil, err
				}

				return s.publickeyRequest(user, signer)
			},
		}
	})
	return err
}

func (op *authOp) step() error {
	s := op.s
	name := "auth." + op.method

	if !op.started {
		if st := s.State(); st != StateAuthenticating {
			return newError(CodeInvalidState, name, errors.Errorf("session %s, not authenticating", st))
		}

		req, err := op.build()
		if err != nil {
			return err
		}

		if err := s.sendPayload(req); err != nil {
			return err
		}

		op.started = true
	}

	for {
		payload, err := s.nextPacket()
		if err != nil {
			return err
		}

		switch payload[0] {
		case msgUserAuthOK:
			s.log.Debug("authenticated", zap.String("method", op.method))
			s.setState(StateReady)
			return nil

		case msgUserAuthFail:
			var msg userAuthFailureMsg
			if err := ssh.Unmarshal(payload, &msg); err != nil {
				return newError(CodeProtocolError, name, err)
			}

			s.authMethods = msg.Methods
			return newError(CodeAuthRejected, name, errors.Errorf("server continues with %q", msg.Methods))

		case msgUserAuthBnr:
			var msg userAuthBannerMsg
			if err := ssh.Unmarshal(payload, &msg); err != nil {
				return newError(CodeProtocolError, name, err)
			}

			s.banner = msg.Message
			continue

		case msgUserAuthInfo:
			if op.method == "password" {
				return newError(CodeAuthRejected, name, errors.New("server requires a password change"))
			}
		}

		return protocolErrorf(name, "unexpected message %d during authentication", payload[0])
	}
}

// publickeyRequest signs the authentication request for signer, RFC 4252 section 7.
func (s *Session) publickeyRequest(user string, signer ssh.Signer) ([]byte, error) {
	pub := signer.PublicKey()
	algo := pub.Type()

	sign := signer.Sign
	if algo == ssh.KeyAlgoRSA {
		as, ok := signer.(ssh.AlgorithmSigner)
		if !ok {
			return nil, newError(CodeKeyFile, "auth.publickey", errors.New("rsa key cannot sign with rsa-sha2-256"))
		}

		algo = ssh.KeyAlgoRSASHA256
		sign = func(rand io.Reader, data []byte) (*ssh.Signature, error) {
			return as.SignWithAlgorithm(rand, data, algo)
		}
	}

	data := marshal(publickeySignedData{
		SessionID: s.sessionID,
		Type:      msgUserAuthReq,
		User:      user,
		Service:   serviceConnection,
		Method:    "publickey",
		HasSig:    true,
		Algorithm: algo,
		PubKey:    pub.Marshal(),
	})

	sig, err := sign(s.rand, data)
	if err != nil {
		return nil, newError(CodeKeyFile, "auth.publickey", errors.Wrap(err, "signing request"))
	}

	return marshal(userAuthRequestMsg{
		User:    user,
		Service: serviceConnection,
		Method:  "publickey",
		Payload: marshal(publickeyAuthMsg{
			HasSig:    true,
			Algorithm: algo,
			PubKey:    pub.Marshal(),
			Signature: marshal(sig),
		}),
	}), nil
}

// loadSigner reads and parses the key pair used for public key authentication.
func loadSigner(fsys afero.Fs, pubPath, privPath, passphrase string) (ssh.Signer, error) {
	const op = "auth.publickey"

	pem, err := afero.ReadFile(fsys, privPath)
	if err != nil {
		return nil, newError(CodeKeyFile, op, errors.Wrapf(err, "reading private key %s", privPath))
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(pem)
	}
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, newError(CodeKeyFile, op, errors.Errorf("private key %s is encrypted, a passphrase is required", privPath))
		}

		return nil, newError(CodeKeyFile, op, errors.Wrapf(err, "parsing private key %s", privPath))
	}

	if pubPath == "" {
		return signer, nil
	}

	data, err := afero.ReadFile(fsys, pubPath)
	if err != nil {
		return nil, newError(CodeKeyFile, op, errors.Wrapf(err, "reading public key %s", pubPath))
	}

	pub, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		pub, err = ssh.ParsePublicKey(data)
		if err != nil {
			return nil, newError(CodeKeyFile, op, errors.Wrapf(err, "parsing public key %s", pubPath))
		}
	}

	if !bytes.Equal(pub.Marshal(), signer.PublicKey().Marshal()) {
		return nil, newError(CodeKeyFile, op, errors.Errorf("public key %s does not match private key %s", pubPath, privPath))
	}

	return signer, nil
}

package nbsftp

import (
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// Option configures a Session at construction time.
type Option func(*Session) error

// WithLogger sets the logger used for debug output of state transitions,
// negotiated methods and protocol events.
func WithLogger(log *zap.Logger) Option {
	return func(s *Session) error {
		if log == nil {
			return errors.New("nbsftp: nil logger")
		}

		s.log = log
		return nil
	}
}

// WithHostKeyCallback sets the callback that decides whether the server's host key is trusted.
// It is required, use ssh.InsecureIgnoreHostKey explicitly to disable checking.
func WithHostKeyCallback(cb ssh.HostKeyCallback) Option {
	return func(s *Session) error {
		s.hostKeyCallback = cb
		return nil
	}
}

// WithHostname sets the hostname passed to the host key callback.
// It defaults to the transport's remote address when the transport exposes one.
func WithHostname(name string) Option {
	return func(s *Session) error {
		s.hostname = name
		return nil
	}
}

// WithKeyFS sets the filesystem public key authentication reads key files from.
// It defaults to the operating system filesystem.
func WithKeyFS(fsys afero.Fs) Option {
	return func(s *Session) error {
		s.keyFS = fsys
		return nil
	}
}

// WithClientVersion overrides the identification string sent to the server.
// It must start with "SSH-2.0-".
func WithClientVersion(version string) Option {
	return func(s *Session) error {
		if len(version) < len("SSH-2.0-")+1 || version[:len("SSH-2.0-")] != "SSH-2.0-" {
			return errors.Errorf("nbsftp: invalid client version %q", version)
		}

		s.clientVersion = version
		return nil
	}
}

// WithMetrics records session activity into m.
func WithMetrics(m *Metrics) Option {
	return func(s *Session) error {
		s.metrics = m
		return nil
	}
}

// WithRand sets the source of randomness for key exchange and packet padding.
func WithRand(r io.Reader) Option {
	return func(s *Session) error {
		s.rand = r
		return nil
	}
}

// WithWindowSize sets the receive window advertised for new channels.
func WithWindowSize(size uint32) Option {
	return func(s *Session) error {
		if size < channelMaxPacket {
			return errors.Errorf("nbsftp: window size %d smaller than max packet %d", size, channelMaxPacket)
		}

		s.windowSize = size
		return nil
	}
}

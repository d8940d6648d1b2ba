// Package sshtest runs in-process SSH servers for tests.
//
// A Server speaks the server side of SSH through golang.org/x/crypto/ssh,
// and serves the sftp subsystem and a few exec commands on session channels.
// Connections come either from the blocking end of a transport.Pipe or from
// a loopback TCP listener.
package sshtest

import (
	"bytes"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	upstream "github.com/pkg/sftp"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/pkg/nbsftp/transport"
)

// ExecFunc runs the command of an exec request and returns its exit status.
type ExecFunc func(cmd string, stdin io.Reader, stdout, stderr io.Writer) uint32

// Config configures a Server.
type Config struct {
	User     string
	Password string

	// AuthorizedKeys are accepted for User with public key authentication.
	AuthorizedKeys []ssh.PublicKey

	// HostKeys default to a single new ed25519 key.
	HostKeys []ssh.Signer

	// Banner is sent before authentication when set.
	Banner string

	// KeyExchanges, Ciphers and MACs restrict the server's algorithms when set.
	KeyExchanges []string
	Ciphers      []string
	MACs         []string

	// SFTP configures the sftp subsystem. Extensions default to DefaultExtensions;
	// set NoExtensions to advertise none.
	SFTP         SFTPConfig
	NoExtensions bool

	// Upstream serves the sftp subsystem with github.com/pkg/sftp's in-memory
	// request server instead of SFTPServer.
	Upstream bool

	// Exec runs exec requests. It defaults to Commands.
	Exec ExecFunc

	Logger *zap.Logger
}

// Server is an in-process SSH server.
type Server struct {
	cfg     Config
	conf    *ssh.ServerConfig
	log     *zap.Logger
	hostKey ssh.PublicKey

	memHandlers upstream.Handlers

	mu        sync.Mutex
	conns     []net.Conn
	listeners []net.Listener
	closed    bool

	wg sync.WaitGroup
}

// NewServer returns a Server for cfg. It does not accept connections until
// Pipe, ServeConn or Listen is called.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Exec == nil {
		cfg.Exec = Commands
	}
	if cfg.SFTP.Logger == nil {
		cfg.SFTP.Logger = cfg.Logger.Named("sftp")
	}
	if cfg.SFTP.Root == "" && cfg.SFTP.FS == nil {
		cfg.SFTP.FS = afero.NewMemMapFs()
	}
	if cfg.SFTP.Extensions == nil && !cfg.NoExtensions {
		cfg.SFTP.Extensions = DefaultExtensions()
	}

	if len(cfg.HostKeys) == 0 {
		signer, err := NewSigner(KeyEd25519)
		if err != nil {
			return nil, errors.Wrap(err, "generating host key")
		}
		cfg.HostKeys = []ssh.Signer{signer}
	}

	srv := &Server{
		cfg:         cfg,
		log:         cfg.Logger,
		hostKey:     cfg.HostKeys[0].PublicKey(),
		memHandlers: upstream.InMemHandler(),
	}

	conf := &ssh.ServerConfig{
		ServerVersion: "SSH-2.0-nbsftp_sshtest",
	}
	conf.KeyExchanges = cfg.KeyExchanges
	conf.Ciphers = cfg.Ciphers
	conf.MACs = cfg.MACs

	for _, key := range cfg.HostKeys {
		conf.AddHostKey(key)
	}

	if cfg.Password != "" {
		conf.PasswordCallback = srv.checkPassword
	}
	if len(cfg.AuthorizedKeys) > 0 {
		conf.PublicKeyCallback = srv.checkPublicKey
	}
	if cfg.Banner != "" {
		conf.BannerCallback = func(ssh.ConnMetadata) string { return cfg.Banner }
	}

	srv.conf = conf
	return srv, nil
}

func (srv *Server) checkPassword(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
	if c.User() == srv.cfg.User && string(pass) == srv.cfg.Password {
		return nil, nil
	}
	return nil, errors.Errorf("password rejected for %q", c.User())
}

func (srv *Server) checkPublicKey(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	if c.User() == srv.cfg.User {
		for _, k := range srv.cfg.AuthorizedKeys {
			if bytes.Equal(k.Marshal(), key.Marshal()) {
				return nil, nil
			}
		}
	}
	return nil, errors.Errorf("public key rejected for %q", c.User())
}

// HostKey returns the public half of the server's first host key.
func (srv *Server) HostKey() ssh.PublicKey {
	return srv.hostKey
}

// HostKeyCallback returns a callback accepting only the server's host key.
func (srv *Server) HostKeyCallback() ssh.HostKeyCallback {
	return ssh.FixedHostKey(srv.hostKey)
}

// FS returns the filesystem the sftp subsystem serves, for seeding and inspection.
func (srv *Server) FS() afero.Fs {
	if srv.cfg.SFTP.Root != "" {
		return afero.NewBasePathFs(afero.NewOsFs(), srv.cfg.SFTP.Root)
	}
	return srv.cfg.SFTP.FS
}

// Pipe returns the non-blocking end of a new in-memory connection served by srv.
func (srv *Server) Pipe(opts ...transport.PipeOption) *transport.PipeEnd {
	end, peer := transport.Pipe(opts...)
	srv.ServeConn(peer)
	return end
}

// ServeConn serves c in the background until it ends or srv is closed.
func (srv *Server) ServeConn(c net.Conn) {
	if !srv.track(c) {
		c.Close()
		return
	}

	srv.wg.Add(1)
	go srv.serve(c)
}

// Listen accepts connections on a loopback TCP port, and returns its address.
func (srv *Server) Listen() (net.Addr, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		ln.Close()
		return nil, errors.New("sshtest: server closed")
	}
	srv.listeners = append(srv.listeners, ln)
	srv.mu.Unlock()

	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()

		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			srv.ServeConn(c)
		}
	}()

	return ln.Addr(), nil
}

// Close stops accepting connections, closes every connection and waits for their goroutines.
func (srv *Server) Close() error {
	srv.mu.Lock()
	srv.closed = true
	for _, ln := range srv.listeners {
		ln.Close()
	}
	for _, c := range srv.conns {
		c.Close()
	}
	srv.listeners, srv.conns = nil, nil
	srv.mu.Unlock()

	srv.wg.Wait()
	return nil
}

func (srv *Server) track(c net.Conn) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.closed {
		return false
	}
	srv.conns = append(srv.conns, c)
	return true
}

func (srv *Server) serve(c net.Conn) {
	defer srv.wg.Done()
	defer c.Close()

	sconn, chans, reqs, err := ssh.NewServerConn(c, srv.conf)
	if err != nil {
		srv.log.Debug("handshake failed", zap.Error(err))
		return
	}
	defer sconn.Close()

	srv.log.Debug("connection", zap.String("user", sconn.User()), zap.ByteString("client", sconn.ClientVersion()))

	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "only session channels are served")
			continue
		}

		ch, creqs, err := nc.Accept()
		if err != nil {
			srv.log.Debug("accepting channel", zap.Error(err))
			continue
		}

		srv.wg.Add(1)
		go srv.serveSession(ch, creqs)
	}
}

// serveSession answers the requests of one session channel.
// The first subsystem or exec request starts the channel's only service.
func (srv *Server) serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer srv.wg.Done()

	started := false
	for req := range reqs {
		var (
			ok    bool
			start func()
		)

		if !started {
			switch req.Type {
			case "subsystem":
				var msg struct{ Name string }
				if ssh.Unmarshal(req.Payload, &msg) == nil && msg.Name == "sftp" {
					ok, start = true, func() { srv.runSFTP(ch) }
				}

			case "exec":
				var msg struct{ Command string }
				if ssh.Unmarshal(req.Payload, &msg) == nil {
					ok, start = true, func() { srv.runExec(ch, msg.Command) }
				}
			}
		}

		srv.log.Debug("channel request", zap.String("type", req.Type), zap.Bool("ok", ok))

		if req.WantReply {
			req.Reply(ok, nil)
		}

		if start != nil {
			started = true
			srv.wg.Add(1)
			go func() {
				defer srv.wg.Done()
				start()
			}()
		}
	}
}

func (srv *Server) runSFTP(ch ssh.Channel) {
	defer ch.Close()

	var err error
	if srv.cfg.Upstream {
		rs := upstream.NewRequestServer(ch, srv.memHandlers)
		err = rs.Serve()
		if errors.Is(err, io.EOF) {
			err = nil
		}
	} else {
		err = NewSFTPServer(ch, srv.cfg.SFTP).Serve()
	}

	if err != nil {
		srv.log.Debug("sftp server", zap.Error(err))
	}

	sendExitStatus(ch, 0)
}

func (srv *Server) runExec(ch ssh.Channel, cmd string) {
	defer ch.Close()

	status := srv.cfg.Exec(cmd, ch, ch, ch.Stderr())

	ch.CloseWrite()
	sendExitStatus(ch, status)
}

func sendExitStatus(ch ssh.Channel, status uint32) {
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
}

package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/pkg/nbsftp"
	"github.com/pkg/nbsftp/coordinator"
	"github.com/pkg/nbsftp/transport"
)

// conn is an authenticated session driven to completion through the coordinator.
type conn struct {
	ctx context.Context
	s   *nbsftp.Session
	reg *prometheus.Registry
	log *zap.Logger
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if !verbose {
		return zap.NewNop(), nil
	}
	return zap.NewDevelopment()
}

// dial connects to cfg.Addr, verifies the server against cfg.KnownHosts and authenticates.
func dial(ctx context.Context, cfg *config) (*conn, error) {
	log, err := newLogger(cfg.Verbose)
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := knownhosts.New(cfg.KnownHosts)
	if err != nil {
		return nil, errors.Wrap(err, "loading known hosts")
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}

	t, err := transport.NewConn(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()

	s, err := nbsftp.NewSession(t,
		nbsftp.WithLogger(log),
		nbsftp.WithHostKeyCallback(hostKeyCallback),
		nbsftp.WithHostname(cfg.Addr),
		nbsftp.WithMetrics(nbsftp.NewMetrics(reg)),
	)
	if err != nil {
		t.Close()
		return nil, err
	}
	s.SetTimeout(cfg.Timeout)

	c := &conn{ctx: ctx, s: s, reg: reg, log: log}

	if err := c.do(s.BeginHandshake); err != nil {
		c.s.Disconnect("")
		return nil, errors.Wrapf(err, "connecting to %s", cfg.Addr)
	}

	log.Debug("connected",
		zap.String("server", s.ServerVersion()),
		zap.String("kex", s.Methods(nbsftp.MethodKex)),
		zap.String("hostkey", s.Methods(nbsftp.MethodHostKey)),
		zap.String("cipher", s.Methods(nbsftp.MethodCipherClientToServer)),
	)

	if err := c.authenticate(cfg); err != nil {
		c.s.Disconnect("")
		return nil, err
	}

	if banner := s.Banner(); banner != "" {
		log.Info("server banner", zap.String("banner", strings.TrimSpace(banner)))
	}

	return c, nil
}

func (c *conn) authenticate(cfg *config) error {
	err := c.do(func() error {
		if cfg.Identity != "" {
			return c.s.AuthenticatePublicKey(cfg.User, "", cfg.Identity, cfg.Passphrase)
		}
		return c.s.AuthenticatePassword(cfg.User, cfg.Password)
	})

	if errors.Is(err, nbsftp.ErrAuthRejected) {
		return errors.Errorf("%s@%s: authentication rejected, server accepts: %s",
			cfg.User, cfg.Addr, strings.Join(c.s.AuthMethods(), ", "))
	}
	return err
}

// do runs fn until it stops returning nbsftp.ErrWouldBlock.
func (c *conn) do(fn func() error) error {
	return coordinator.Do(c.ctx, c.s, fn)
}

// sftp opens a channel and starts an SFTP client on it.
func (c *conn) sftp(opts ...nbsftp.ClientOption) (*nbsftp.Client, error) {
	ch, err := coordinator.Call(c.ctx, c.s, func() (*nbsftp.Channel, error) {
		return c.s.OpenChannel(nbsftp.ChannelSession)
	})
	if err != nil {
		return nil, err
	}

	return coordinator.Call(c.ctx, c.s, func() (*nbsftp.Client, error) {
		return nbsftp.InitSFTP(ch, opts...)
	})
}

// close disconnects, and prints the session counters to w when it is not nil.
func (c *conn) close(w io.Writer) {
	if err := c.s.Disconnect("bye"); err != nil {
		c.log.Debug("disconnect", zap.Error(err))
	}

	if w != nil {
		printStats(w, c.reg)
	}

	_ = c.log.Sync()
}

func printStats(w io.Writer, g prometheus.Gatherer) {
	mfs, err := g.Gather()
	if err != nil {
		fmt.Fprintln(w, "gathering stats:", err)
		return
	}

	var lines []string
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()

			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}

			value := m.GetCounter().GetValue()
			if m.GetGauge() != nil {
				value = m.GetGauge().GetValue()
			}
			if value == 0 {
				continue
			}

			lines = append(lines, fmt.Sprintf("%-60s %g", name, value))
		}
	}

	sort.Strings(lines)
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
}

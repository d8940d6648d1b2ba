package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/pkg/nbsftp"
	"github.com/pkg/nbsftp/coordinator"
)

// exitError carries the exit status of a remote command.
type exitError struct {
	status int
	signal string
}

func (e *exitError) Error() string {
	if e.signal != "" {
		return "remote command killed by signal " + e.signal
	}
	return fmt.Sprintf("remote command exited with status %d", e.status)
}

func newExecCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "exec command [args...]",
		Short: "Run a command on the server",
		Long: `exec runs a command on the server, copies its output and error streams
to the local ones and exits with its exit status.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, false, func(c *conn, _ *nbsftp.Client) error {
				return execute(c, strings.Join(args, " "), cmd.OutOrStdout(), cmd.ErrOrStderr())
			})
		},
	}
}

func execute(c *conn, command string, stdout, stderr io.Writer) error {
	ch, err := coordinator.Call(c.ctx, c.s, func() (*nbsftp.Channel, error) {
		return c.s.OpenChannel(nbsftp.ChannelSession)
	})
	if err != nil {
		return err
	}

	if err := c.do(func() error { return ch.Exec(command) }); err != nil {
		return err
	}

	if err := c.do(ch.SendEOF); err != nil {
		return err
	}

	if err := copyOutput(c, ch, stdout, stderr); err != nil {
		return err
	}

	if err := c.do(ch.Close); err != nil {
		return err
	}

	if sig := ch.ExitSignal(); sig != "" {
		return &exitError{signal: sig}
	}
	if status, ok := ch.ExitStatus(); ok && status != 0 {
		return &exitError{status: status}
	}

	return nil
}

// copyOutput drains both streams of ch until the server sends EOF, waiting
// on the session only when neither stream has anything to read.
func copyOutput(c *conn, ch *nbsftp.Channel, stdout, stderr io.Writer) error {
	buf := make([]byte, 32*1024)

	for {
		progress := false

		for i, stream := range []struct {
			read func([]byte) (int, error)
			w    io.Writer
		}{
			{ch.Read, stdout},
			{ch.ReadStderr, stderr},
		} {
			n, err := stream.read(buf)
			if n > 0 {
				if _, werr := stream.w.Write(buf[:n]); werr != nil {
					return werr
				}
				progress = true
			}

			switch {
			case err == nil, errors.Is(err, nbsftp.ErrWouldBlock):
			case err == io.EOF:
				if i == 0 {
					// Both streams end together; what is left on stderr is already buffered.
					return drainStderr(ch, stderr, buf)
				}
			default:
				return err
			}
		}

		if progress {
			continue
		}

		if err := coordinator.Wait(c.ctx, c.s); err != nil {
			return err
		}
	}
}

func drainStderr(ch *nbsftp.Channel, w io.Writer, buf []byte) error {
	for {
		n, err := ch.ReadStderr(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

package main

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/pkg/nbsftp"
)

// app carries the settings resolved before any subcommand runs.
type app struct {
	cfg *config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "nbsftp",
		Short: "SFTP client on a non-blocking SSH session",
		Long: `nbsftp connects to an SSH server, authenticates with a password or a
private key, and runs a single SFTP or exec command against it.

The server's host key must be listed in the known_hosts file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd.Flags())
			if err != nil {
				return err
			}

			a.cfg, err = loadConfig(v)
			return err
		},
	}

	addConnectionFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		newLsCmd(a),
		newGetCmd(a),
		newPutCmd(a),
		newMkdirCmd(a),
		newRmCmd(a),
		newMvCmd(a),
		newExecCmd(a),
	)

	return rootCmd
}

// run connects, opens an SFTP client when wantSFTP is set, and calls fn.
// An interrupt cancels whatever fn is waiting on.
func (a *app) run(cmd *cobra.Command, wantSFTP bool, fn func(c *conn, cl *nbsftp.Client) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	c, err := dial(ctx, a.cfg)
	if err != nil {
		return err
	}

	if a.cfg.Stats {
		defer c.close(cmd.ErrOrStderr())
	} else {
		defer c.close(nil)
	}

	var cl *nbsftp.Client
	if wantSFTP {
		if cl, err = c.sftp(); err != nil {
			return err
		}
	}

	return fn(c, cl)
}

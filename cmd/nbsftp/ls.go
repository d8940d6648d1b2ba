package main

import (
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/pkg/nbsftp"
	"github.com/pkg/nbsftp/coordinator"
	sshfx "github.com/pkg/nbsftp/encoding/ssh/filexfer"
)

func newLsCmd(a *app) *cobra.Command {
	var long, recursive bool

	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List a remote directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}

			return a.run(cmd, true, func(c *conn, cl *nbsftp.Client) error {
				w := cmd.OutOrStdout()
				if recursive {
					return walkDir(c, cl, w, dir, long)
				}
				return listDir(c, cl, w, dir, long)
			})
		},
	}

	cmd.Flags().BoolVarP(&long, "long", "l", false, "use a long listing format")
	cmd.Flags().BoolVarP(&recursive, "recursive", "R", false, "list subdirectories recursively")

	return cmd
}

func listDir(c *conn, cl *nbsftp.Client, w io.Writer, dir string, long bool) error {
	h, err := coordinator.Call(c.ctx, c.s, func() (*nbsftp.Handle, error) {
		return cl.OpenDir(dir)
	})
	if err != nil {
		return err
	}
	defer coordinator.Do(c.ctx, c.s, func() error { return cl.CloseDir(h) })

	now := time.Now()
	for {
		e, err := coordinator.Call(c.ctx, c.s, func() (*nbsftp.DirEntry, error) {
			return cl.ReadDir(h)
		})
		if errors.Is(err, nbsftp.ErrEndOfDirectory) {
			return nil
		}
		if err != nil {
			return err
		}

		if e.Name() == "." || e.Name() == ".." {
			continue
		}

		if !long {
			fmt.Fprintln(w, e.Name())
			continue
		}

		line := e.Longname()
		if line == "" {
			line = sshfx.FormatLongname(e, now)
		}
		fmt.Fprintln(w, line)
	}
}

func walkDir(c *conn, cl *nbsftp.Client, w io.Writer, root string, long bool) error {
	now := time.Now()

	walker := cl.Walk(c.ctx, root)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			c.log.Sugar().Warnf("%s: %v", walker.Path(), err)
			continue
		}

		if long {
			fmt.Fprintln(w, sshfx.FormatLongname(walker.Stat(), now)+"\t"+walker.Path())
			continue
		}
		fmt.Fprintln(w, walker.Path())
	}

	return nil
}

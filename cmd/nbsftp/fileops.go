package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/pkg/nbsftp"
	"github.com/pkg/nbsftp/coordinator"
)

func newMkdirCmd(a *app) *cobra.Command {
	var mode uint32

	cmd := &cobra.Command{
		Use:   "mkdir path...",
		Short: "Create remote directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, true, func(c *conn, cl *nbsftp.Client) error {
				for _, p := range args {
					if err := coordinator.Do(c.ctx, c.s, func() error {
						return cl.Mkdir(p, os.FileMode(mode))
					}); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().Uint32VarP(&mode, "mode", "m", 0o755, "permissions of the new directories")

	return cmd
}

func newRmCmd(a *app) *cobra.Command {
	var dir bool

	cmd := &cobra.Command{
		Use:   "rm path...",
		Short: "Remove remote files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, true, func(c *conn, cl *nbsftp.Client) error {
				remove := cl.Unlink
				if dir {
					remove = cl.Rmdir
				}

				for _, p := range args {
					if err := coordinator.Do(c.ctx, c.s, func() error {
						return remove(p)
					}); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&dir, "dir", "d", false, "remove empty directories instead of files")

	return cmd
}

func newMvCmd(a *app) *cobra.Command {
	var noReplace bool

	cmd := &cobra.Command{
		Use:   "mv old new",
		Short: "Rename a remote file",
		Long: `mv renames a remote file. An existing target is replaced when the server
supports posix-rename@openssh.com, unless --no-replace is given.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, false, func(c *conn, _ *nbsftp.Client) error {
				var opts []nbsftp.ClientOption
				if noReplace {
					opts = append(opts, nbsftp.WithPOSIXRename(false))
				}

				cl, err := c.sftp(opts...)
				if err != nil {
					return err
				}

				return coordinator.Do(c.ctx, c.s, func() error {
					return cl.Rename(args[0], args[1])
				})
			})
		},
	}

	cmd.Flags().BoolVar(&noReplace, "no-replace", false, "fail if the target already exists")

	return cmd
}

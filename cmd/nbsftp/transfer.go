package main

import (
	"io"
	"os"
	"path"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/pkg/nbsftp"
	"github.com/pkg/nbsftp/coordinator"
)

const transferBufferSize = 32 * 1024

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get remote [local|-]",
		Short: "Download a remote file",
		Long: `get copies a remote file to a local path. The local path defaults to the
base name of the remote file; "-" writes to standard output.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := args[0]
			local := path.Base(remote)
			if len(args) > 1 {
				local = args[1]
			}

			return a.run(cmd, true, func(c *conn, cl *nbsftp.Client) error {
				if local == "-" {
					_, err := download(c, cl, remote, cmd.OutOrStdout())
					return err
				}

				f, err := os.Create(local)
				if err != nil {
					return err
				}

				n, err := download(c, cl, remote, f)
				if cerr := f.Close(); err == nil {
					err = cerr
				}
				if err != nil {
					return err
				}

				c.log.Sugar().Infof("%s: %d bytes", local, n)
				return nil
			})
		},
	}
}

func download(c *conn, cl *nbsftp.Client, remote string, w io.Writer) (int64, error) {
	h, err := coordinator.Call(c.ctx, c.s, func() (*nbsftp.Handle, error) {
		return cl.Open(remote, nbsftp.OpenRead, 0)
	})
	if err != nil {
		return 0, err
	}

	buf := make([]byte, transferBufferSize)

	var total int64
	for {
		n, err := coordinator.Call(c.ctx, c.s, func() (int, error) {
			return cl.Read(h, buf)
		})
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				err = werr
			}
			total += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = coordinator.Do(c.ctx, c.s, func() error { return cl.Close(h) })
			return total, err
		}
	}

	return total, coordinator.Do(c.ctx, c.s, func() error { return cl.Close(h) })
}

func newPutCmd(a *app) *cobra.Command {
	var mode uint32

	cmd := &cobra.Command{
		Use:   "put local [remote]",
		Short: "Upload a local file",
		Long: `put copies a local file to a remote path, replacing any file already
there. The remote path defaults to the base name of the local file.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			local := args[0]
			remote := path.Base(local)
			if len(args) > 1 {
				remote = args[1]
			}

			f, err := os.Open(local)
			if err != nil {
				return err
			}
			defer f.Close()

			return a.run(cmd, true, func(c *conn, cl *nbsftp.Client) error {
				n, err := upload(c, cl, f, remote, os.FileMode(mode))
				if err != nil {
					return err
				}

				c.log.Sugar().Infof("%s: %d bytes", remote, n)
				return nil
			})
		},
	}

	cmd.Flags().Uint32VarP(&mode, "mode", "m", 0o644, "permissions of a newly created file")

	return cmd
}

func upload(c *conn, cl *nbsftp.Client, r io.Reader, remote string, mode os.FileMode) (int64, error) {
	h, err := coordinator.Call(c.ctx, c.s, func() (*nbsftp.Handle, error) {
		return cl.Open(remote, nbsftp.OpenWrite|nbsftp.OpenCreate|nbsftp.OpenTruncate, mode)
	})
	if err != nil {
		return 0, err
	}

	closeHandle := func() error {
		return coordinator.Do(c.ctx, c.s, func() error { return cl.Close(h) })
	}

	buf := make([]byte, transferBufferSize)

	var total int64
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, err := coordinator.Call(c.ctx, c.s, func() (int, error) {
				return cl.Write(h, buf[:n])
			}); err != nil {
				_ = closeHandle()
				return total, err
			}
			total += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			_ = closeHandle()
			return total, errors.Wrap(rerr, "reading local file")
		}
	}

	return total, closeHandle()
}

package nbsftp

import (
	"context"
	"os"
	"path"

	"github.com/kr/fs"
	"github.com/pkg/errors"

	"github.com/pkg/nbsftp/coordinator"
	sshfx "github.com/pkg/nbsftp/encoding/ssh/filexfer"
)

// Walk returns a new Walker rooted at root.
//
// Unlike every other method of Client, the Walker blocks: each step drives its
// requests to completion through the coordinator, waiting on the session's
// transport between attempts. ctx bounds those waits.
func (cl *Client) Walk(ctx context.Context, root string) *fs.Walker {
	return fs.WalkFS(root, &walkFS{ctx: ctx, cl: cl})
}

// walkFS adapts Client to fs.FileSystem.
type walkFS struct {
	ctx context.Context
	cl  *Client
}

// ReadDir lists dirname, leaving out "." and "..".
func (w *walkFS) ReadDir(dirname string) ([]os.FileInfo, error) {
	cl, s := w.cl, w.cl.s

	h, err := coordinator.Call(w.ctx, s, func() (*Handle, error) {
		return cl.OpenDir(dirname)
	})
	if err != nil {
		return nil, err
	}

	var list []os.FileInfo
	for {
		e, err := coordinator.Call(w.ctx, s, func() (*DirEntry, error) {
			return cl.ReadDir(h)
		})
		if errors.Is(err, ErrEndOfDirectory) {
			break
		}
		if err != nil {
			_ = coordinator.Do(w.ctx, s, func() error { return cl.CloseDir(h) })
			return nil, err
		}

		if e.Name() == "." || e.Name() == ".." {
			continue
		}
		list = append(list, e)
	}

	if err := coordinator.Do(w.ctx, s, func() error { return cl.CloseDir(h) }); err != nil {
		return nil, err
	}

	return list, nil
}

// Lstat returns the attributes of name as an os.FileInfo named after its last element.
func (w *walkFS) Lstat(name string) (os.FileInfo, error) {
	attrs, err := coordinator.Call(w.ctx, w.cl.s, func() (*sshfx.Attributes, error) {
		return w.cl.Lstat(name)
	})
	if err != nil {
		return nil, err
	}

	return &DirEntry{
		name:  path.Base(name),
		attrs: *attrs,
	}, nil
}

// Join joins path elements with the server's "/" separator.
func (w *walkFS) Join(elem ...string) string {
	return path.Join(elem...)
}

package nbsftp

import (
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/pkg/errors"

	sshfx "github.com/pkg/nbsftp/encoding/ssh/filexfer"
	"github.com/pkg/nbsftp/encoding/ssh/filexfer/openssh"
)

func wrapPathError(op, path string, err error) error {
	if err == nil {
		return nil
	}

	if err == io.EOF || err == ErrWouldBlock {
		// Retry signals and end of data are returned bare.
		return err
	}

	return &fs.PathError{Op: op, Path: path, Err: err}
}

func wrapLinkError(op, oldpath, newpath string, err error) error {
	if err == nil {
		return nil
	}

	if err == io.EOF || err == ErrWouldBlock {
		return err
	}

	return &os.LinkError{Op: op, Old: oldpath, New: newpath, Err: err}
}

// attrsDigest keys a call on the encoded form of attrs, which covers exactly the fields present.
func attrsDigest(attrs *sshfx.Attributes) string {
	b, _ := attrs.MarshalBinary()
	return digest(b)
}

// attrsCall is the body shared by Stat and Lstat.
func (cl *Client) attrsCall(name, path string, req request) (*sshfx.Attributes, error) {
	attrs, err := doSFTP(cl, name, path, func(op *sftpOp[*sshfx.Attributes]) (*sshfx.Attributes, error) {
		raw, err := op.primary.exchange(cl, req)
		if err != nil {
			return nil, err
		}

		pkt, err := expect[sshfx.AttrsPacket](raw, name)
		if err != nil {
			return nil, err
		}

		return &pkt.Attrs, nil
	})
	return attrs, wrapPathError(name, path, err)
}

// Stat returns the attributes of the file at path, following symbolic links.
// Only the attributes the server reported are flagged present.
func (cl *Client) Stat(path string) (*sshfx.Attributes, error) {
	return cl.attrsCall("stat", path, &sshfx.StatPacket{Path: path})
}

// Lstat returns the attributes of the file at path without following a final symbolic link.
func (cl *Client) Lstat(path string) (*sshfx.Attributes, error) {
	return cl.attrsCall("lstat", path, &sshfx.LStatPacket{Path: path})
}

// statusCall runs a single request whose response is a bare status.
func (cl *Client) statusCall(name, args string, req request) error {
	_, err := doSFTP(cl, name, args, func(op *sftpOp[struct{}]) (struct{}, error) {
		raw, err := op.primary.exchange(cl, req)
		if err != nil {
			return struct{}{}, err
		}

		return struct{}{}, expectStatus(raw, name)
	})
	return err
}

// Setstat changes the attributes of the file at path.
// Only the fields flagged present in attrs are sent; the server leaves the others untouched.
func (cl *Client) Setstat(path string, attrs *sshfx.Attributes) error {
	if attrs == nil {
		return wrapPathError("setstat", path, newError(CodeInvalidState, "setstat", errors.New("nil attributes")))
	}

	return wrapPathError("setstat", path,
		cl.statusCall("setstat", path+"\x00"+attrsDigest(attrs), &sshfx.SetstatPacket{
			Path:  path,
			Attrs: *attrs,
		}),
	)
}

// Mkdir creates the directory path with the permission bits of mode.
func (cl *Client) Mkdir(path string, mode fs.FileMode) error {
	var attrs sshfx.Attributes
	attrs.SetPermissions(sshfx.FromGoFileMode(mode.Perm()))

	return wrapPathError("mkdir", path,
		cl.statusCall("mkdir", fmt.Sprintf("%s\x00%o", path, mode), &sshfx.MkdirPacket{
			Path:  path,
			Attrs: attrs,
		}),
	)
}

// Rmdir removes the empty directory path.
func (cl *Client) Rmdir(path string) error {
	return wrapPathError("rmdir", path,
		cl.statusCall("rmdir", path, &sshfx.RmdirPacket{Path: path}),
	)
}

// Unlink removes the file at path.
func (cl *Client) Unlink(path string) error {
	return wrapPathError("unlink", path,
		cl.statusCall("unlink", path, &sshfx.RemovePacket{Path: path}),
	)
}

// Symlink creates link as a symbolic link to target.
func (cl *Client) Symlink(target, link string) error {
	return wrapLinkError("symlink", target, link,
		cl.statusCall("symlink", target+"\x00"+link, &sshfx.SymlinkPacket{
			TargetPath: target,
			LinkPath:   link,
		}),
	)
}

// namePath runs a request answered with a single-entry SSH_FXP_NAME and returns that entry's name.
func namePath(raw *sshfx.RawPacket, op string) (string, error) {
	pkt, err := expect[sshfx.NamePacket](raw, op)
	if err != nil {
		return "", err
	}

	if len(pkt.Entries) != 1 {
		return "", protocolErrorf(op, "SSH_FXP_NAME with %d entries, want 1", len(pkt.Entries))
	}

	return pkt.Entries[0].Filename, nil
}

// RealPath returns the server's canonical absolute form of path.
func (cl *Client) RealPath(path string) (string, error) {
	const name = "realpath"

	target, err := doSFTP(cl, name, path, func(op *sftpOp[string]) (string, error) {
		raw, err := op.primary.exchange(cl, &sshfx.RealPathPacket{Path: path})
		if err != nil {
			return "", err
		}

		return namePath(raw, name)
	})
	return target, wrapPathError(name, path, err)
}

// ReadLink returns the target of the symbolic link at path.
//
// When the server refuses, an LSTAT of path tells the reasons apart:
// if path exists and is not a symbolic link, ReadLink fails with ErrNotASymlink.
func (cl *Client) ReadLink(path string) (string, error) {
	const name = "readlink"

	target, err := doSFTP(cl, name, path, func(op *sftpOp[string]) (string, error) {
		raw, err := op.primary.exchange(cl, &sshfx.ReadLinkPacket{Path: path})
		if err != nil {
			return "", err
		}

		target, err := namePath(raw, name)
		if err == nil || CodeOf(err) != CodeSFTPStatus {
			return target, err
		}

		raw, lerr := op.fallback.exchange(cl, &sshfx.LStatPacket{Path: path})
		if lerr != nil {
			return "", lerr
		}

		attrs, lerr := expect[sshfx.AttrsPacket](raw, name)
		if lerr != nil {
			if CodeOf(lerr) == CodeSFTPStatus {
				return "", err
			}
			return "", lerr
		}

		if perm, ok := attrs.Attrs.GetPermissions(); ok && !perm.IsSymlink() {
			return "", newError(CodeNotASymlink, name, nil)
		}

		return "", err
	})
	return target, wrapPathError(name, path, err)
}

// Rename renames oldpath to newpath.
//
// With the POSIX-rename capability (see HasPOSIXRename) an existing newpath is replaced.
// Without it, SSH_FXP_RENAME is used, and an existing newpath makes Rename fail with ErrAlreadyExists:
// servers that only answer SSH_FX_FAILURE are asked for an LSTAT of newpath to tell.
func (cl *Client) Rename(oldpath, newpath string) error {
	const name = "rename"
	args := oldpath + "\x00" + newpath

	if cl.posixRename {
		return wrapLinkError(name, oldpath, newpath,
			cl.statusCall(name, args, &openssh.POSIXRenameExtendedPacket{
				OldPath: oldpath,
				NewPath: newpath,
			}),
		)
	}

	_, err := doSFTP(cl, name, args, func(op *sftpOp[struct{}]) (struct{}, error) {
		raw, err := op.primary.exchange(cl, &sshfx.RenamePacket{
			OldPath: oldpath,
			NewPath: newpath,
		})
		if err != nil {
			return struct{}{}, err
		}

		err = expectStatus(raw, name)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, sshfx.StatusFileAlreadyExists):
			return struct{}{}, newError(CodeAlreadyExists, name, err)
		case !errors.Is(err, sshfx.StatusFailure):
			return struct{}{}, err
		}

		raw, lerr := op.fallback.exchange(cl, &sshfx.LStatPacket{Path: newpath})
		if lerr != nil {
			return struct{}{}, lerr
		}

		if _, lerr := expect[sshfx.AttrsPacket](raw, name); lerr == nil {
			return struct{}{}, newError(CodeAlreadyExists, name, err)
		} else if CodeOf(lerr) != CodeSFTPStatus {
			return struct{}{}, lerr
		}

		return struct{}{}, err
	})
	return wrapLinkError(name, oldpath, newpath, err)
}

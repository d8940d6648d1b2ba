package nbsftp

import (
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/pkg/errors"

	sshfx "github.com/pkg/nbsftp/encoding/ssh/filexfer"
	"github.com/pkg/nbsftp/encoding/ssh/filexfer/openssh"
)

// OpenFlag selects how Open opens a file.
type OpenFlag uint32

// Open flags. OpenAppend, OpenCreate, OpenTruncate and OpenExclusive
// need OpenWrite to be meaningful to most servers.
const (
	OpenRead      OpenFlag = sshfx.FlagRead
	OpenWrite     OpenFlag = sshfx.FlagWrite
	OpenAppend    OpenFlag = sshfx.FlagAppend
	OpenCreate    OpenFlag = sshfx.FlagCreate
	OpenTruncate  OpenFlag = sshfx.FlagTruncate
	OpenExclusive OpenFlag = sshfx.FlagExclusive
)

// HandleType tells file handles from directory handles.
type HandleType int

// Handle types.
const (
	HandleFile HandleType = iota
	HandleDirectory
)

func (t HandleType) String() string {
	switch t {
	case HandleFile:
		return "file"
	case HandleDirectory:
		return "directory"
	default:
		return fmt.Sprintf("HandleType(%d)", int(t))
	}
}

// Handle is an open remote file or directory.
//
// It is valid from the Open or OpenDir that returned it until its Close or CloseDir
// completes, and only while its session is alive. Any use outside that
// window fails with ErrHandleClosed or ErrDisconnected.
type Handle struct {
	cl     *Client
	typ    HandleType
	path   string
	handle string

	closed bool
	offset int64

	entries []*sshfx.NameEntry
	eod     bool
}

// Type returns whether h is a file or a directory handle.
func (h *Handle) Type() HandleType { return h.typ }

// Path returns the path h was opened with.
func (h *Handle) Path() string { return h.path }

// Offset returns the position of the next Read or Write.
func (h *Handle) Offset() int64 {
	h.cl.s.mu.Lock()
	defer h.cl.s.mu.Unlock()

	return h.offset
}

// Closed reports whether h has been closed.
func (h *Handle) Closed() bool {
	h.cl.s.mu.Lock()
	defer h.cl.s.mu.Unlock()

	return h.closed
}

func (h *Handle) key() string {
	return fmt.Sprintf("%p", h)
}

// check fails unless h is an open handle of cl with type want. s.mu must be held.
func (cl *Client) check(h *Handle, want HandleType, op string) error {
	switch {
	case h == nil || h.cl != cl:
		return newError(CodeInvalidState, op, errors.New("handle does not belong to this client"))
	case h.closed:
		return newError(CodeHandleClosed, op, errors.Errorf("%s handle %s", h.typ, h.path))
	case h.typ != want:
		return newError(CodeTypeMismatch, op, errors.Errorf("%s is a %s handle, want %s", h.path, h.typ, want))
	}
	return nil
}

// openCall is the body shared by Open and OpenDir.
func (cl *Client) openCall(name, path string, typ HandleType, args string, req request) (*Handle, error) {
	h, err := doSFTP(cl, name, args, func(op *sftpOp[*Handle]) (*Handle, error) {
		raw, err := op.primary.exchange(cl, req)
		if err != nil {
			return nil, err
		}

		pkt, err := expect[sshfx.HandlePacket](raw, name)
		if err != nil {
			return nil, err
		}

		return &Handle{
			cl:     cl,
			typ:    typ,
			path:   path,
			handle: pkt.Handle,
		}, nil
	})
	return h, wrapPathError(name, path, err)
}

// Open opens the file at path. The permission bits of mode are sent only with OpenCreate.
func (cl *Client) Open(path string, flags OpenFlag, mode fs.FileMode) (*Handle, error) {
	req := &sshfx.OpenPacket{
		Filename: path,
		PFlags:   uint32(flags),
	}

	if flags&OpenCreate != 0 {
		req.Attrs.SetPermissions(sshfx.FromGoFileMode(mode.Perm()))
	}

	return cl.openCall("open", path, HandleFile, fmt.Sprintf("%s\x00%d\x00%o", path, flags, mode), req)
}

// OpenDir opens the directory at path for ReadDir.
func (cl *Client) OpenDir(path string) (*Handle, error) {
	return cl.openCall("opendir", path, HandleDirectory, path, &sshfx.OpenDirPacket{Path: path})
}

// closeCall closes h after checking it is of type want.
// The handle is invalid once the server has answered, whatever the answer.
func (cl *Client) closeCall(name string, h *Handle, want HandleType) error {
	_, err := doSFTP(cl, name, h.key(), func(op *sftpOp[struct{}]) (struct{}, error) {
		if !op.primary.started {
			if err := cl.check(h, want, name); err != nil {
				return struct{}{}, err
			}
		}

		raw, err := op.primary.exchange(cl, &sshfx.ClosePacket{Handle: h.handle})
		if err != nil {
			return struct{}{}, err
		}

		h.closed = true
		h.entries = nil

		return struct{}{}, expectStatus(raw, name)
	})
	return wrapPathError(name, h.path, err)
}

// Close closes a file handle. A directory handle fails with ErrTypeMismatch.
func (cl *Client) Close(h *Handle) error {
	return cl.closeCall("close", h, HandleFile)
}

// CloseDir closes a directory handle. A file handle fails with ErrTypeMismatch.
func (cl *Client) CloseDir(h *Handle) error {
	return cl.closeCall("closedir", h, HandleDirectory)
}

// DirEntry is one name returned by ReadDir. It implements fs.FileInfo.
type DirEntry struct {
	name     string
	longname string
	attrs    sshfx.Attributes
}

func newDirEntry(e *sshfx.NameEntry) *DirEntry {
	return &DirEntry{
		name:     e.Filename,
		longname: e.Longname,
		attrs:    e.Attrs,
	}
}

// Name returns the entry's file name, without any directory.
func (e *DirEntry) Name() string { return e.name }

// Longname returns the server's ls -l style description of the entry.
func (e *DirEntry) Longname() string { return e.longname }

// Attrs returns the attributes the server sent with the entry.
func (e *DirEntry) Attrs() sshfx.Attributes { return e.attrs }

// Size returns the size in bytes, or 0 if the server did not send one.
func (e *DirEntry) Size() int64 {
	size, _ := e.attrs.GetSize()
	return int64(size)
}

// Mode returns the file mode, or 0 if the server did not send permissions.
func (e *DirEntry) Mode() fs.FileMode {
	perm, _ := e.attrs.GetPermissions()
	return perm.ToGoFileMode()
}

// ModTime returns the modification time, or the zero time if the server did not send one.
func (e *DirEntry) ModTime() time.Time {
	_, mtime, ok := e.attrs.GetACModTime()
	if !ok {
		return time.Time{}
	}
	return time.Unix(int64(mtime), 0)
}

// IsDir reports whether the entry is a directory.
func (e *DirEntry) IsDir() bool { return e.Mode().IsDir() }

// Sys returns the entry's *sshfx.Attributes.
func (e *DirEntry) Sys() any { return &e.attrs }

// ReadDir returns the next entry of the directory h.
//
// Entries come in the order and form the server sends them, "." and ".." included.
// Once the directory is exhausted, every further call returns ErrEndOfDirectory.
func (cl *Client) ReadDir(h *Handle) (*DirEntry, error) {
	const name = "readdir"

	entry, err := doSFTP(cl, name, h.key(), func(op *sftpOp[*DirEntry]) (*DirEntry, error) {
		if !op.primary.started {
			if err := cl.check(h, HandleDirectory, name); err != nil {
				return nil, err
			}

			if len(h.entries) > 0 {
				e := h.entries[0]
				h.entries = h.entries[1:]
				return newDirEntry(e), nil
			}

			if h.eod {
				return nil, newError(CodeEndOfDirectory, name, nil)
			}
		}

		raw, err := op.primary.exchange(cl, &sshfx.ReadDirPacket{Handle: h.handle})
		if err != nil {
			return nil, err
		}

		pkt, err := expect[sshfx.NamePacket](raw, name)
		switch {
		case err == io.EOF:
			h.eod = true
			return nil, newError(CodeEndOfDirectory, name, nil)
		case err != nil:
			return nil, err
		case len(pkt.Entries) == 0:
			return nil, protocolErrorf(name, "SSH_FXP_NAME without entries")
		}

		h.entries = pkt.Entries[1:]
		return newDirEntry(pkt.Entries[0]), nil
	})
	if CodeOf(err) == CodeEndOfDirectory {
		return nil, err
	}
	return entry, wrapPathError(name, h.path, err)
}

// Read reads up to len(p) bytes from the file h at its current offset, and advances the offset.
// A single call sends at most one read request, so it may return fewer bytes than asked for.
// At end of file it returns 0, io.EOF.
func (cl *Client) Read(h *Handle, p []byte) (int, error) {
	const name = "read"

	n, err := doSFTP(cl, name, fmt.Sprintf("%s\x00%p\x00%d", h.key(), p, len(p)), func(op *sftpOp[int]) (int, error) {
		if !op.primary.started {
			if err := cl.check(h, HandleFile, name); err != nil {
				return 0, err
			}

			if len(p) == 0 {
				return 0, nil
			}
		}

		raw, err := op.primary.exchange(cl, &sshfx.ReadPacket{
			Handle: h.handle,
			Offset: uint64(h.offset),
			Length: uint32(min(len(p), cl.maxDataLen)),
		})
		if err != nil {
			return 0, err
		}

		pkt, err := expect[sshfx.DataPacket](raw, name)
		if err != nil {
			return 0, err
		}

		if len(pkt.Data) > len(p) {
			return 0, protocolErrorf(name, "server returned %d bytes, asked for at most %d", len(pkt.Data), len(p))
		}

		n := copy(p, pkt.Data)
		h.offset += int64(n)
		return n, nil
	})
	return n, wrapPathError(name, h.path, err)
}

type writeState struct {
	written int
}

// Write writes all of p to the file h at its current offset, and advances the offset.
// Data longer than the maximum data length goes out as several requests, sent one after another.
func (cl *Client) Write(h *Handle, p []byte) (int, error) {
	const name = "write"

	var st writeState
	n, err := doSFTP(cl, name, h.key()+"\x00"+digest(p), func(op *sftpOp[int]) (int, error) {
		if !op.primary.started && st.written == 0 {
			if err := cl.check(h, HandleFile, name); err != nil {
				return 0, err
			}
		}

		for st.written < len(p) {
			chunk := p[st.written:min(len(p), st.written+cl.maxDataLen)]

			raw, err := op.primary.exchange(cl, &sshfx.WritePacket{
				Handle: h.handle,
				Offset: uint64(h.offset),
				Data:   chunk,
			})
			if err != nil {
				return st.written, err
			}

			if err := expectStatus(raw, name); err != nil {
				return st.written, err
			}

			op.primary = call{}
			st.written += len(chunk)
			h.offset += int64(len(chunk))
		}

		return st.written, nil
	})
	return n, wrapPathError(name, h.path, err)
}

// Seek sets the offset of the next Read or Write on the file h, like io.Seeker.
// io.SeekEnd fetches the current size from the server.
func (cl *Client) Seek(h *Handle, offset int64, whence int) (int64, error) {
	const name = "seek"

	pos, err := doSFTP(cl, name, fmt.Sprintf("%s\x00%d\x00%d", h.key(), offset, whence), func(op *sftpOp[int64]) (int64, error) {
		if !op.primary.started {
			if err := cl.check(h, HandleFile, name); err != nil {
				return 0, err
			}
		}

		var base int64
		switch whence {
		case io.SeekStart:
		case io.SeekCurrent:
			base = h.offset
		case io.SeekEnd:
			raw, err := op.primary.exchange(cl, &sshfx.FStatPacket{Handle: h.handle})
			if err != nil {
				return 0, err
			}

			pkt, err := expect[sshfx.AttrsPacket](raw, name)
			if err != nil {
				return 0, err
			}

			size, ok := pkt.Attrs.GetSize()
			if !ok {
				return 0, newError(CodeUnsupported, name, errors.New("server did not report the file size"))
			}
			base = int64(size)
		default:
			return 0, newError(CodeInvalidState, name, errors.Errorf("invalid whence %d", whence))
		}

		if base+offset < 0 {
			return 0, newError(CodeInvalidState, name, errors.New("negative position"))
		}

		h.offset = base + offset
		return h.offset, nil
	})
	return pos, wrapPathError(name, h.path, err)
}

// Fstat returns the attributes of the open file h.
func (cl *Client) Fstat(h *Handle) (*sshfx.Attributes, error) {
	const name = "fstat"

	attrs, err := doSFTP(cl, name, h.key(), func(op *sftpOp[*sshfx.Attributes]) (*sshfx.Attributes, error) {
		if !op.primary.started {
			if err := cl.check(h, HandleFile, name); err != nil {
				return nil, err
			}
		}

		raw, err := op.primary.exchange(cl, &sshfx.FStatPacket{Handle: h.handle})
		if err != nil {
			return nil, err
		}

		pkt, err := expect[sshfx.AttrsPacket](raw, name)
		if err != nil {
			return nil, err
		}

		return &pkt.Attrs, nil
	})
	return attrs, wrapPathError(name, h.path, err)
}

// Fsetstat changes the attributes of the open file h. Only fields flagged present in attrs are sent.
func (cl *Client) Fsetstat(h *Handle, attrs *sshfx.Attributes) error {
	if attrs == nil {
		return wrapPathError("fsetstat", h.path, newError(CodeInvalidState, "fsetstat", errors.New("nil attributes")))
	}

	return cl.handleStatusCall("fsetstat", h, attrsDigest(attrs), func() (request, error) {
		return &sshfx.FSetstatPacket{Handle: h.handle, Attrs: *attrs}, nil
	})
}

// Fsync asks the server to flush the file h to stable storage, using fsync@openssh.com.
//
// It fails with ErrTypeMismatch for a directory handle,
// and with ErrUnsupported when the server did not advertise the extension.
func (cl *Client) Fsync(h *Handle) error {
	return cl.handleStatusCall("fsync", h, "", func() (request, error) {
		if !cl.hasExtension(openssh.ExtensionFSync()) {
			return nil, newError(CodeUnsupported, "fsync", errors.New("server does not support fsync@openssh.com"))
		}
		return &openssh.FSyncExtendedPacket{Handle: h.handle}, nil
	})
}

// handleStatusCall runs a single status-answered request on the file h.
func (cl *Client) handleStatusCall(name string, h *Handle, args string, build func() (request, error)) error {
	_, err := doSFTP(cl, name, h.key()+"\x00"+args, func(op *sftpOp[struct{}]) (struct{}, error) {
		if !op.primary.started {
			if err := cl.check(h, HandleFile, name); err != nil {
				return struct{}{}, err
			}
		}

		req, err := build()
		if err != nil {
			return struct{}{}, err
		}

		raw, err := op.primary.exchange(cl, req)
		if err != nil {
			return struct{}{}, err
		}

		return struct{}{}, expectStatus(raw, name)
	})
	return wrapPathError(name, h.path, err)
}

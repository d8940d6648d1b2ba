package sshtest

import (
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	sshfx "github.com/pkg/nbsftp/encoding/ssh/filexfer"
	"github.com/pkg/nbsftp/encoding/ssh/filexfer/openssh"
)

const sftpProtocolVersion = 3

var registerExtensions sync.Once

// SFTPConfig configures an SFTPServer.
type SFTPConfig struct {
	// Root, when set, is a directory served through afero.BasePathFs,
	// with symbolic link support.
	Root string

	// FS is served when Root is empty. It defaults to an afero.MemMapFs.
	FS afero.Fs

	// Extensions are advertised in SSH_FXP_VERSION. Only posix-rename@openssh.com
	// and fsync@openssh.com are implemented.
	Extensions []*sshfx.ExtensionPair

	Logger *zap.Logger
}

// DefaultExtensions returns the extensions OpenSSH servers advertise that SFTPServer implements.
func DefaultExtensions() []*sshfx.ExtensionPair {
	return []*sshfx.ExtensionPair{
		openssh.ExtensionPOSIXRename(),
		openssh.ExtensionFSync(),
	}
}

// SFTPServer answers SFTP version 3 requests from one stream out of an afero.Fs.
type SFTPServer struct {
	rw   io.ReadWriter
	fs   afero.Fs
	root string
	exts []*sshfx.ExtensionPair
	log  *zap.Logger

	// readdirBatch bounds the entries sent per SSH_FXP_NAME.
	readdirBatch int

	handles map[string]*serverHandle
	lastID  int
}

type serverHandle struct {
	path    string
	file    afero.File
	entries []*sshfx.NameEntry // directories only
	isDir   bool
}

// NewSFTPServer returns a server reading requests from rw and writing responses to it.
func NewSFTPServer(rw io.ReadWriter, cfg SFTPConfig) *SFTPServer {
	registerExtensions.Do(func() {
		openssh.RegisterExtensionPOSIXRename()
		openssh.RegisterExtensionFSync()
	})

	svr := &SFTPServer{
		rw:           rw,
		fs:           cfg.FS,
		root:         cfg.Root,
		exts:         cfg.Extensions,
		log:          cfg.Logger,
		readdirBatch: 2,
		handles:      make(map[string]*serverHandle),
	}

	switch {
	case svr.root != "":
		svr.fs = afero.NewBasePathFs(afero.NewOsFs(), svr.root)
	case svr.fs == nil:
		svr.fs = afero.NewMemMapFs()
	}

	if svr.log == nil {
		svr.log = zap.NewNop()
	}

	return svr
}

// Serve runs the server until the stream ends.
func (svr *SFTPServer) Serve() error {
	defer svr.closeAll()

	if err := svr.handshake(); err != nil {
		return err
	}

	b := make([]byte, sshfx.DefaultMaxPacketLength)
	for {
		var req sshfx.RequestPacket
		if err := req.ReadFrom(svr.rw, b, 256*1024); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Wrap(err, "reading request")
		}

		svr.log.Debug("sftp request", zap.Stringer("type", req.Type()), zap.Uint32("id", req.RequestID))

		resp := svr.respond(req.Request)
		if err := svr.send(req.RequestID, resp); err != nil {
			return err
		}
	}
}

func (svr *SFTPServer) handshake() error {
	var length [4]byte
	if _, err := io.ReadFull(svr.rw, length[:]); err != nil {
		return errors.Wrap(err, "reading init")
	}

	n := sshfx.NewBuffer(length[:]).ConsumeUint32()
	if n < 5 || n > 1024 {
		return errors.Errorf("bad init length %d", n)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(svr.rw, data); err != nil {
		return errors.Wrap(err, "reading init")
	}

	if sshfx.PacketType(data[0]) != sshfx.PacketTypeInit {
		return errors.Errorf("first packet is %v, want SSH_FXP_INIT", sshfx.PacketType(data[0]))
	}

	var pkt sshfx.InitPacket
	if err := pkt.UnmarshalBinary(data[1:]); err != nil {
		return errors.Wrap(err, "decoding init")
	}

	svr.log.Debug("sftp init", zap.Uint32("version", pkt.Version))

	version := sshfx.VersionPacket{
		Version:    sftpProtocolVersion,
		Extensions: svr.exts,
	}

	out, err := version.MarshalBinary()
	if err != nil {
		return err
	}

	_, err = svr.rw.Write(out)
	return err
}

func (svr *SFTPServer) send(id uint32, resp sshfx.PacketMarshaller) error {
	out, err := sshfx.ComposePacket(resp.MarshalPacket(id, nil))
	if err != nil {
		return err
	}

	_, err = svr.rw.Write(out)
	return err
}

func (svr *SFTPServer) closeAll() {
	for id, h := range svr.handles {
		if h.file != nil {
			h.file.Close()
		}
		delete(svr.handles, id)
	}
}

func (svr *SFTPServer) advertised(name string) bool {
	for _, ext := range svr.exts {
		if ext.Name == name {
			return true
		}
	}
	return false
}

func (svr *SFTPServer) respond(req sshfx.Packet) sshfx.PacketMarshaller {
	switch p := req.(type) {
	case *sshfx.OpenPacket:
		return svr.open(p)
	case *sshfx.OpenDirPacket:
		return svr.opendir(p)
	case *sshfx.ReadDirPacket:
		return svr.readdir(p)
	case *sshfx.ClosePacket:
		h, err := svr.handle(p.Handle)
		if err != nil {
			return statusFromError(err)
		}
		delete(svr.handles, p.Handle)
		if h.file != nil {
			return statusFromError(h.file.Close())
		}
		return statusFromError(nil)

	case *sshfx.ReadPacket:
		return svr.read(p)
	case *sshfx.WritePacket:
		h, err := svr.handle(p.Handle)
		if err != nil {
			return statusFromError(err)
		}
		_, err = h.file.WriteAt(p.Data, int64(p.Offset))
		return statusFromError(err)

	case *sshfx.FStatPacket:
		h, err := svr.handle(p.Handle)
		if err != nil {
			return statusFromError(err)
		}
		fi, err := h.file.Stat()
		return attrsOrStatus(fi, err)

	case *sshfx.StatPacket:
		return attrsOrStatus(svr.fs.Stat(p.Path))
	case *sshfx.LStatPacket:
		return attrsOrStatus(svr.lstat(p.Path))

	case *sshfx.SetstatPacket:
		return statusFromError(svr.setstat(p.Path, &p.Attrs))
	case *sshfx.FSetstatPacket:
		h, err := svr.handle(p.Handle)
		if err != nil {
			return statusFromError(err)
		}
		return statusFromError(svr.setstat(h.path, &p.Attrs))

	case *sshfx.MkdirPacket:
		perm := fs.FileMode(0o755)
		if mode, ok := p.Attrs.GetPermissions(); ok {
			perm = mode.ToGoFileMode().Perm()
		}
		return statusFromError(svr.fs.Mkdir(p.Path, perm))

	case *sshfx.RmdirPacket:
		fi, err := svr.lstat(p.Path)
		if err == nil && !fi.IsDir() {
			err = errors.Errorf("%s: not a directory", p.Path)
		}
		if err == nil {
			err = svr.fs.Remove(p.Path)
		}
		return statusFromError(err)

	case *sshfx.RemovePacket:
		fi, err := svr.lstat(p.Path)
		if err == nil && fi.IsDir() {
			err = errors.Errorf("%s: is a directory", p.Path)
		}
		if err == nil {
			err = svr.fs.Remove(p.Path)
		}
		return statusFromError(err)

	case *sshfx.RealPathPacket:
		return &sshfx.NamePacket{
			Entries: []*sshfx.NameEntry{{
				Filename: path.Clean(path.Join("/", p.Path)),
				Longname: path.Clean(path.Join("/", p.Path)),
			}},
		}

	case *sshfx.RenamePacket:
		// Like OpenSSH's sftp-server, an existing target is reported as a generic failure.
		if _, err := svr.lstat(p.NewPath); err == nil {
			return &sshfx.StatusPacket{StatusCode: sshfx.StatusFailure, ErrorMessage: "target exists"}
		}
		return statusFromError(svr.fs.Rename(p.OldPath, p.NewPath))

	case *sshfx.ReadLinkPacket:
		lr, ok := svr.fs.(afero.LinkReader)
		if !ok {
			return &sshfx.StatusPacket{StatusCode: sshfx.StatusOPUnsupported}
		}
		target, err := lr.ReadlinkIfPossible(p.Path)
		if err != nil {
			return statusFromError(err)
		}
		target = svr.unroot(target)
		return &sshfx.NamePacket{
			Entries: []*sshfx.NameEntry{{Filename: target, Longname: target}},
		}

	case *sshfx.SymlinkPacket:
		ln, ok := svr.fs.(afero.Linker)
		if !ok {
			return &sshfx.StatusPacket{StatusCode: sshfx.StatusOPUnsupported}
		}
		return statusFromError(ln.SymlinkIfPossible(p.TargetPath, p.LinkPath))

	case *sshfx.ExtendedPacket:
		return svr.extended(p)
	}

	return &sshfx.StatusPacket{StatusCode: sshfx.StatusOPUnsupported}
}

func (svr *SFTPServer) extended(p *sshfx.ExtendedPacket) sshfx.PacketMarshaller {
	if !svr.advertised(p.ExtendedRequest) {
		return &sshfx.StatusPacket{StatusCode: sshfx.StatusOPUnsupported}
	}

	switch data := p.Data.(type) {
	case *openssh.POSIXRenameExtendedPacket:
		return statusFromError(svr.fs.Rename(data.OldPath, data.NewPath))

	case *openssh.FSyncExtendedPacket:
		h, err := svr.handle(data.Handle)
		if err != nil {
			return statusFromError(err)
		}
		if h.isDir {
			return &sshfx.StatusPacket{StatusCode: sshfx.StatusFailure, ErrorMessage: "not a file"}
		}
		return statusFromError(h.file.Sync())
	}

	return &sshfx.StatusPacket{StatusCode: sshfx.StatusOPUnsupported}
}

func (svr *SFTPServer) newHandle(h *serverHandle) *sshfx.HandlePacket {
	svr.lastID++
	id := strconv.Itoa(svr.lastID)
	svr.handles[id] = h
	return &sshfx.HandlePacket{Handle: id}
}

func (svr *SFTPServer) handle(id string) (*serverHandle, error) {
	h, ok := svr.handles[id]
	if !ok {
		return nil, errors.Errorf("invalid handle %q", id)
	}
	return h, nil
}

func (svr *SFTPServer) open(p *sshfx.OpenPacket) sshfx.PacketMarshaller {
	var flag int
	switch {
	case p.PFlags&sshfx.FlagRead != 0 && p.PFlags&sshfx.FlagWrite != 0:
		flag = os.O_RDWR
	case p.PFlags&sshfx.FlagWrite != 0:
		flag = os.O_WRONLY
	default:
		flag = os.O_RDONLY
	}
	if p.PFlags&sshfx.FlagAppend != 0 {
		flag |= os.O_APPEND
	}
	if p.PFlags&sshfx.FlagCreate != 0 {
		flag |= os.O_CREATE
	}
	if p.PFlags&sshfx.FlagTruncate != 0 {
		flag |= os.O_TRUNC
	}
	if p.PFlags&sshfx.FlagExclusive != 0 {
		flag |= os.O_EXCL
	}

	perm := fs.FileMode(0o644)
	if mode, ok := p.Attrs.GetPermissions(); ok {
		perm = mode.ToGoFileMode().Perm()
	}

	f, err := svr.fs.OpenFile(p.Filename, flag, perm)
	if err != nil {
		return statusFromError(err)
	}

	if fi, err := f.Stat(); err == nil && fi.IsDir() {
		f.Close()
		return &sshfx.StatusPacket{StatusCode: sshfx.StatusFailure, ErrorMessage: "is a directory"}
	}

	return svr.newHandle(&serverHandle{path: p.Filename, file: f})
}

func (svr *SFTPServer) opendir(p *sshfx.OpenDirPacket) sshfx.PacketMarshaller {
	dir, err := svr.fs.Stat(p.Path)
	if err != nil {
		return statusFromError(err)
	}
	if !dir.IsDir() {
		return &sshfx.StatusPacket{StatusCode: sshfx.StatusFailure, ErrorMessage: "not a directory"}
	}

	list, err := afero.ReadDir(svr.fs, p.Path)
	if err != nil {
		return statusFromError(err)
	}

	now := time.Now()
	entries := []*sshfx.NameEntry{
		nameEntry(".", dir, now),
		nameEntry("..", dir, now),
	}
	for _, fi := range list {
		entries = append(entries, nameEntry(fi.Name(), fi, now))
	}

	return svr.newHandle(&serverHandle{path: p.Path, entries: entries, isDir: true})
}

func (svr *SFTPServer) readdir(p *sshfx.ReadDirPacket) sshfx.PacketMarshaller {
	h, err := svr.handle(p.Handle)
	if err != nil {
		return statusFromError(err)
	}
	if !h.isDir {
		return &sshfx.StatusPacket{StatusCode: sshfx.StatusFailure, ErrorMessage: "not a directory"}
	}

	if len(h.entries) == 0 {
		return &sshfx.StatusPacket{StatusCode: sshfx.StatusEOF}
	}

	n := min(len(h.entries), svr.readdirBatch)
	batch := h.entries[:n]
	h.entries = h.entries[n:]

	return &sshfx.NamePacket{Entries: batch}
}

func (svr *SFTPServer) read(p *sshfx.ReadPacket) sshfx.PacketMarshaller {
	h, err := svr.handle(p.Handle)
	if err != nil {
		return statusFromError(err)
	}
	if h.isDir {
		return &sshfx.StatusPacket{StatusCode: sshfx.StatusFailure, ErrorMessage: "is a directory"}
	}

	buf := make([]byte, min(p.Length, sshfx.DefaultMaxDataLength))
	n, err := h.file.ReadAt(buf, int64(p.Offset))
	if n == 0 && err != nil {
		return statusFromError(err)
	}

	return &sshfx.DataPacket{Data: buf[:n]}
}

// unroot turns a link target under Root back into a served path.
func (svr *SFTPServer) unroot(target string) string {
	if svr.root == "" || !filepath.IsAbs(target) {
		return target
	}

	rel, err := filepath.Rel(svr.root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return target
	}

	return path.Join("/", filepath.ToSlash(rel))
}

func (svr *SFTPServer) lstat(name string) (fs.FileInfo, error) {
	if ls, ok := svr.fs.(afero.Lstater); ok {
		fi, _, err := ls.LstatIfPossible(name)
		return fi, err
	}
	return svr.fs.Stat(name)
}

func (svr *SFTPServer) setstat(name string, attrs *sshfx.Attributes) error {
	if size, ok := attrs.GetSize(); ok {
		f, err := svr.fs.OpenFile(name, os.O_WRONLY, 0)
		if err != nil {
			return err
		}
		err = f.Truncate(int64(size))
		f.Close()
		if err != nil {
			return err
		}
	}

	if uid, gid, ok := attrs.GetUIDGID(); ok {
		if err := svr.fs.Chown(name, int(uid), int(gid)); err != nil {
			return err
		}
	}

	if perm, ok := attrs.GetPermissions(); ok {
		if err := svr.fs.Chmod(name, perm.ToGoFileMode().Perm()); err != nil {
			return err
		}
	}

	if atime, mtime, ok := attrs.GetACModTime(); ok {
		if err := svr.fs.Chtimes(name, time.Unix(int64(atime), 0), time.Unix(int64(mtime), 0)); err != nil {
			return err
		}
	}

	return nil
}

func fileAttrs(fi fs.FileInfo) sshfx.Attributes {
	var attrs sshfx.Attributes
	attrs.SetSize(uint64(fi.Size()))
	attrs.SetPermissions(sshfx.FromGoFileMode(fi.Mode()))
	mtime := uint32(fi.ModTime().Unix())
	attrs.SetACModTime(mtime, mtime)
	return attrs
}

func nameEntry(name string, fi fs.FileInfo, now time.Time) *sshfx.NameEntry {
	return &sshfx.NameEntry{
		Filename: name,
		Longname: sshfx.FormatLongname(namedInfo{FileInfo: fi, name: name}, now),
		Attrs:    fileAttrs(fi),
	}
}

// namedInfo renames a FileInfo, for the "." and ".." entries.
type namedInfo struct {
	fs.FileInfo
	name string
}

func (fi namedInfo) Name() string { return fi.name }

func attrsOrStatus(fi fs.FileInfo, err error) sshfx.PacketMarshaller {
	if err != nil {
		return statusFromError(err)
	}
	return &sshfx.AttrsPacket{Attrs: fileAttrs(fi)}
}

func statusFromError(err error) *sshfx.StatusPacket {
	switch {
	case err == nil:
		return &sshfx.StatusPacket{StatusCode: sshfx.StatusOK}
	case errors.Is(err, io.EOF):
		return &sshfx.StatusPacket{StatusCode: sshfx.StatusEOF}
	case errors.Is(err, fs.ErrNotExist):
		return &sshfx.StatusPacket{StatusCode: sshfx.StatusNoSuchFile, ErrorMessage: err.Error()}
	case errors.Is(err, fs.ErrPermission):
		return &sshfx.StatusPacket{StatusCode: sshfx.StatusPermissionDenied, ErrorMessage: err.Error()}
	}
	return &sshfx.StatusPacket{StatusCode: sshfx.StatusFailure, ErrorMessage: err.Error()}
}

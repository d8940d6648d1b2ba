package nbsftp

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkg/nbsftp/coordinator"
	sshfx "github.com/pkg/nbsftp/encoding/ssh/filexfer"
	"github.com/pkg/nbsftp/encoding/ssh/filexfer/openssh"
	"github.com/pkg/nbsftp/internal/sshtest"
	"github.com/pkg/nbsftp/transport"
)

func newSFTP(t *testing.T, cfg sshtest.Config, opts ...ClientOption) (*sshtest.Server, *Session, *Client) {
	t.Helper()

	srv := newTestServer(t, cfg)
	s := connect(t, srv)
	return srv, s, openSFTP(t, s, opts...)
}

func openFile(t *testing.T, cl *Client, path string, flags OpenFlag, mode fs.FileMode) *Handle {
	t.Helper()

	h, err := coordinator.Call(testContext(t), cl.s, func() (*Handle, error) {
		return cl.Open(path, flags, mode)
	})
	require.NoError(t, err)
	require.Equal(t, HandleFile, h.Type())
	return h
}

func openDir(t *testing.T, cl *Client, path string) *Handle {
	t.Helper()

	h, err := coordinator.Call(testContext(t), cl.s, func() (*Handle, error) {
		return cl.OpenDir(path)
	})
	require.NoError(t, err)
	require.Equal(t, HandleDirectory, h.Type())
	return h
}

func readDirAll(t *testing.T, cl *Client, h *Handle) []*DirEntry {
	t.Helper()

	var list []*DirEntry
	for {
		e, err := coordinator.Call(testContext(t), cl.s, func() (*DirEntry, error) {
			return cl.ReadDir(h)
		})
		if errors.Is(err, ErrEndOfDirectory) {
			return list
		}
		require.NoError(t, err)
		list = append(list, e)
	}
}

func readFile(t *testing.T, cl *Client, h *Handle) []byte {
	t.Helper()

	var out bytes.Buffer
	buf := make([]byte, 8192)
	for {
		n, err := coordinator.Call(testContext(t), cl.s, func() (int, error) {
			return cl.Read(h, buf)
		})
		out.Write(buf[:n])

		if err == io.EOF {
			return out.Bytes()
		}
		require.NoError(t, err)
	}
}

func TestInitSFTP(t *testing.T) {
	_, s, cl := newSFTP(t, sshtest.Config{})

	assert.EqualValues(t, 3, cl.Version())
	assert.True(t, cl.HasPOSIXRename())
	assert.Equal(t, map[string]string{
		openssh.ExtensionPOSIXRename().Name: openssh.ExtensionPOSIXRename().Data,
		openssh.ExtensionFSync().Name:       openssh.ExtensionFSync().Data,
	}, cl.Extensions())
	assert.Same(t, s, cl.Channel().Session())

	// The returned map is a copy.
	cl.Extensions()["made-up@example.com"] = "1"
	assert.Len(t, cl.Extensions(), 2)
}

func TestInitSFTPNoExtensions(t *testing.T) {
	srv, s, cl := newSFTP(t, sshtest.Config{NoExtensions: true})

	assert.Empty(t, cl.Extensions())
	assert.False(t, cl.HasPOSIXRename())

	forced := openSFTP(t, s, WithPOSIXRename(true))
	assert.True(t, forced.HasPOSIXRename())

	require.NoError(t, afero.WriteFile(srv.FS(), "/a", []byte("a"), 0o644))

	// The server does not know the extension it was never asked to advertise.
	err := do(t, s, func() error { return forced.Rename("/a", "/b") })
	assert.ErrorIs(t, err, sshfx.StatusOPUnsupported)
}

func TestInitSFTPOptions(t *testing.T) {
	srv := newTestServer(t, sshtest.Config{})
	s := connect(t, srv)
	ch := openChannel(t, s)

	_, err := InitSFTP(ch, WithMaxDataLength(0))
	assert.Error(t, err)

	_, err = InitSFTP(ch, WithMaxDataLength(sshfx.DefaultMaxDataLength+1))
	assert.Error(t, err)

	cl, err := coordinator.Call(testContext(t), s, func() (*Client, error) {
		return InitSFTP(ch, WithMaxDataLength(512), WithPOSIXRename(false))
	})
	require.NoError(t, err)
	assert.False(t, cl.HasPOSIXRename())
}

func TestInitSFTPRefused(t *testing.T) {
	srv := newTestServer(t, sshtest.Config{})
	s := connect(t, srv)
	ch := openChannel(t, s)

	require.NoError(t, do(t, s, func() error { return ch.Exec("cat") }))

	_, err := coordinator.Call(testContext(t), s, func() (*Client, error) {
		return InitSFTP(ch)
	})
	assert.ErrorIs(t, err, ErrChannelFailure)
}

func TestStat(t *testing.T) {
	srv, s, cl := newSFTP(t, sshtest.Config{})
	require.NoError(t, afero.WriteFile(srv.FS(), "/hello.txt", []byte("hello"), 0o640))

	for name, stat := range map[string]func(string) (*sshfx.Attributes, error){
		"stat":  cl.Stat,
		"lstat": cl.Lstat,
	} {
		t.Run(name, func(t *testing.T) {
			attrs, err := coordinator.Call(testContext(t), s, func() (*sshfx.Attributes, error) {
				return stat("/hello.txt")
			})
			require.NoError(t, err)

			size, ok := attrs.GetSize()
			assert.True(t, ok)
			assert.EqualValues(t, 5, size)

			perm, ok := attrs.GetPermissions()
			assert.True(t, ok)
			assert.True(t, perm.IsRegular())
			assert.Equal(t, fs.FileMode(0o640), perm.ToGoFileMode().Perm())

			_, _, ok = attrs.GetUIDGID()
			assert.False(t, ok, "only reported attributes are present")

			_, err = coordinator.Call(testContext(t), s, func() (*sshfx.Attributes, error) {
				return stat("/missing")
			})
			assert.ErrorIs(t, err, fs.ErrNotExist)
			assert.ErrorIs(t, err, ErrSFTPStatus)
			assert.ErrorIs(t, err, sshfx.StatusNoSuchFile)

			var perr *fs.PathError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, "/missing", perr.Path)
			assert.Equal(t, name, perr.Op)
		})
	}

	assert.Equal(t, CodeSFTPStatus, s.LastError())
	assert.Equal(t, StateReady, s.State())
}

func TestSetstat(t *testing.T) {
	srv, s, cl := newSFTP(t, sshtest.Config{})
	require.NoError(t, afero.WriteFile(srv.FS(), "/f", []byte("0123456789"), 0o644))

	mtime := time.Date(2020, 2, 29, 12, 0, 0, 0, time.UTC)

	var attrs sshfx.Attributes
	attrs.SetSize(4)
	attrs.SetPermissions(sshfx.FromGoFileMode(0o600))
	attrs.SetACModTime(uint32(mtime.Unix()), uint32(mtime.Unix()))

	require.NoError(t, do(t, s, func() error { return cl.Setstat("/f", &attrs) }))

	fi, err := srv.FS().Stat("/f")
	require.NoError(t, err)
	assert.EqualValues(t, 4, fi.Size())
	assert.Equal(t, fs.FileMode(0o600), fi.Mode().Perm())
	assert.True(t, mtime.Equal(fi.ModTime()))

	err = do(t, s, func() error { return cl.Setstat("/missing", &attrs) })
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestSetstatPartial(t *testing.T) {
	srv, s, cl := newSFTP(t, sshtest.Config{})
	require.NoError(t, afero.WriteFile(srv.FS(), "/f", []byte("0123456789"), 0o640))

	stat := func() *sshfx.Attributes {
		attrs, err := coordinator.Call(testContext(t), s, func() (*sshfx.Attributes, error) {
			return cl.Stat("/f")
		})
		require.NoError(t, err)
		return attrs
	}

	var attrs sshfx.Attributes
	attrs.SetSize(3)
	require.NoError(t, do(t, s, func() error { return cl.Setstat("/f", &attrs) }))

	after := stat()
	size, ok := after.GetSize()
	require.True(t, ok)
	assert.EqualValues(t, 3, size)

	perm, ok := after.GetPermissions()
	require.True(t, ok)
	assert.Equal(t, fs.FileMode(0o640), perm.ToGoFileMode().Perm(), "permissions were not sent")

	// Now only the permissions; the size set above stays.
	attrs = sshfx.Attributes{}
	attrs.SetPermissions(sshfx.FromGoFileMode(0o600))
	require.NoError(t, do(t, s, func() error { return cl.Setstat("/f", &attrs) }))

	after = stat()
	size, _ = after.GetSize()
	assert.EqualValues(t, 3, size)
	perm, _ = after.GetPermissions()
	assert.Equal(t, fs.FileMode(0o600), perm.ToGoFileMode().Perm())
}

func TestSetstatNil(t *testing.T) {
	_, s, cl := newSFTP(t, sshtest.Config{})

	err := cl.Setstat("/f", nil)
	assert.ErrorIs(t, err, ErrInvalidState)

	h := openFile(t, cl, "/f", OpenWrite|OpenCreate, 0o644)
	err = cl.Fsetstat(h, nil)
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, do(t, s, func() error { return cl.Close(h) }))
}

func TestMkdirRmdir(t *testing.T) {
	srv, s, cl := newSFTP(t, sshtest.Config{})

	require.NoError(t, do(t, s, func() error { return cl.Mkdir("/dir", 0o750) }))

	fi, err := srv.FS().Stat("/dir")
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
	assert.Equal(t, fs.FileMode(0o750), fi.Mode().Perm())

	err = do(t, s, func() error { return cl.Mkdir("/dir", 0o750) })
	assert.ErrorIs(t, err, ErrSFTPStatus, "already exists")

	require.NoError(t, afero.WriteFile(srv.FS(), "/file", nil, 0o644))
	err = do(t, s, func() error { return cl.Rmdir("/file") })
	assert.ErrorIs(t, err, sshfx.StatusFailure)

	err = do(t, s, func() error { return cl.Unlink("/dir") })
	assert.ErrorIs(t, err, sshfx.StatusFailure)

	require.NoError(t, do(t, s, func() error { return cl.Rmdir("/dir") }))
	require.NoError(t, do(t, s, func() error { return cl.Unlink("/file") }))

	ok, err := afero.Exists(srv.FS(), "/dir")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = afero.Exists(srv.FS(), "/file")
	require.NoError(t, err)
	assert.False(t, ok)

	err = do(t, s, func() error { return cl.Unlink("/file") })
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestRealPath(t *testing.T) {
	_, s, cl := newSFTP(t, sshtest.Config{})

	p, err := coordinator.Call(testContext(t), s, func() (string, error) {
		return cl.RealPath("a/b/../c")
	})
	require.NoError(t, err)
	assert.Equal(t, "/a/c", p)
}

func TestOpenReadWrite(t *testing.T) {
	srv, s, cl := newSFTP(t, sshtest.Config{})

	// Larger than one request's data, so Write splits it.
	data := bytes.Repeat([]byte("nbsftp "), 20000)

	h := openFile(t, cl, "/data.bin", OpenRead|OpenWrite|OpenCreate|OpenTruncate, 0o600)
	assert.Equal(t, "/data.bin", h.Path())

	n, err := coordinator.Call(testContext(t), s, func() (int, error) {
		return cl.Write(h, data)
	})
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.EqualValues(t, len(data), h.Offset())

	attrs, err := coordinator.Call(testContext(t), s, func() (*sshfx.Attributes, error) {
		return cl.Fstat(h)
	})
	require.NoError(t, err)
	size, _ := attrs.GetSize()
	assert.EqualValues(t, len(data), size)

	pos, err := coordinator.Call(testContext(t), s, func() (int64, error) {
		return cl.Seek(h, 0, io.SeekStart)
	})
	require.NoError(t, err)
	assert.Zero(t, pos)

	assert.Equal(t, data, readFile(t, cl, h))

	// At end of file, Read keeps reporting io.EOF.
	n, err = coordinator.Call(testContext(t), s, func() (int, error) {
		return cl.Read(h, make([]byte, 16))
	})
	assert.Zero(t, n)
	assert.Equal(t, io.EOF, err)

	pos, err = coordinator.Call(testContext(t), s, func() (int64, error) {
		return cl.Seek(h, -7, io.SeekEnd)
	})
	require.NoError(t, err)
	assert.EqualValues(t, len(data)-7, pos)

	assert.Equal(t, "nbsftp ", string(readFile(t, cl, h)))

	pos, err = coordinator.Call(testContext(t), s, func() (int64, error) {
		return cl.Seek(h, -3, io.SeekCurrent)
	})
	require.NoError(t, err)
	assert.EqualValues(t, len(data)-3, pos)

	_, err = cl.Seek(h, 0, 42)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = cl.Seek(h, -1, io.SeekStart)
	assert.ErrorIs(t, err, ErrInvalidState)

	n, err = cl.Read(h, nil)
	assert.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, do(t, s, func() error { return cl.Close(h) }))
	assert.True(t, h.Closed())

	got, err := afero.ReadFile(srv.FS(), "/data.bin")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	fi, err := srv.FS().Stat("/data.bin")
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o600), fi.Mode().Perm())
}

func TestOpenErrors(t *testing.T) {
	srv, s, cl := newSFTP(t, sshtest.Config{})
	require.NoError(t, afero.WriteFile(srv.FS(), "/exists", []byte("x"), 0o644))
	require.NoError(t, srv.FS().Mkdir("/dir", 0o755))

	_, err := coordinator.Call(testContext(t), s, func() (*Handle, error) {
		return cl.Open("/missing", OpenRead, 0)
	})
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, err = coordinator.Call(testContext(t), s, func() (*Handle, error) {
		return cl.Open("/exists", OpenWrite|OpenCreate|OpenExclusive, 0o644)
	})
	assert.ErrorIs(t, err, ErrSFTPStatus)

	_, err = coordinator.Call(testContext(t), s, func() (*Handle, error) {
		return cl.Open("/dir", OpenRead, 0)
	})
	assert.ErrorIs(t, err, ErrSFTPStatus)

	_, err = coordinator.Call(testContext(t), s, func() (*Handle, error) {
		return cl.OpenDir("/exists")
	})
	assert.ErrorIs(t, err, ErrSFTPStatus)

	_, err = coordinator.Call(testContext(t), s, func() (*Handle, error) {
		return cl.OpenDir("/missing")
	})
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestAppend(t *testing.T) {
	srv, s, cl := newSFTP(t, sshtest.Config{}, WithMaxDataLength(4))
	require.NoError(t, afero.WriteFile(srv.FS(), "/log", []byte("one\n"), 0o644))

	h := openFile(t, cl, "/log", OpenWrite|OpenAppend, 0)

	pos, err := coordinator.Call(testContext(t), s, func() (int64, error) {
		return cl.Seek(h, 0, io.SeekEnd)
	})
	require.NoError(t, err)
	assert.EqualValues(t, 4, pos)

	_, err = coordinator.Call(testContext(t), s, func() (int, error) {
		return cl.Write(h, []byte("two\nthree\n"))
	})
	require.NoError(t, err)
	require.NoError(t, do(t, s, func() error { return cl.Close(h) }))

	got, err := afero.ReadFile(srv.FS(), "/log")
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree\n", string(got))
}

func TestReadDir(t *testing.T) {
	srv, s, cl := newSFTP(t, sshtest.Config{})

	fsys := srv.FS()
	require.NoError(t, fsys.Mkdir("/d", 0o755))
	require.NoError(t, afero.WriteFile(fsys, "/d/a.txt", []byte("aaa"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/d/b.txt", []byte("bb"), 0o600))
	require.NoError(t, fsys.Mkdir("/d/sub", 0o700))

	h := openDir(t, cl, "/d")
	list := readDirAll(t, cl, h)

	var names []string
	for _, e := range list {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{".", "..", "a.txt", "b.txt", "sub"}, names)

	a, sub := list[2], list[4]
	assert.EqualValues(t, 3, a.Size())
	assert.False(t, a.IsDir())
	assert.Equal(t, fs.FileMode(0o644), a.Mode().Perm())
	assert.True(t, strings.HasPrefix(a.Longname(), "-rw-r--r--"), a.Longname())
	assert.True(t, strings.HasSuffix(a.Longname(), " a.txt"), a.Longname())
	assert.False(t, a.ModTime().IsZero())

	assert.True(t, sub.IsDir())
	assert.True(t, strings.HasPrefix(sub.Longname(), "drwx------"), sub.Longname())

	attrs := sub.Attrs()
	assert.Same(t, &sub.attrs, sub.Sys())
	perm, _ := attrs.GetPermissions()
	assert.True(t, perm.IsDir())

	// Exhaustion sticks, and is reported unwrapped.
	for range 2 {
		_, err := cl.ReadDir(h)
		assert.ErrorIs(t, err, ErrEndOfDirectory)
		assert.Equal(t, CodeEndOfDirectory, CodeOf(err))

		var perr *fs.PathError
		assert.False(t, errors.As(err, &perr))
	}

	require.NoError(t, do(t, s, func() error { return cl.CloseDir(h) }))

	_, err := cl.ReadDir(h)
	assert.ErrorIs(t, err, ErrHandleClosed)
}

func TestHandleTypeMismatch(t *testing.T) {
	srv, s, cl := newSFTP(t, sshtest.Config{})
	require.NoError(t, srv.FS().Mkdir("/dir", 0o755))

	f := openFile(t, cl, "/file", OpenWrite|OpenCreate, 0o644)
	d := openDir(t, cl, "/dir")

	assert.ErrorIs(t, cl.Close(d), ErrTypeMismatch)
	assert.ErrorIs(t, cl.CloseDir(f), ErrTypeMismatch)

	_, err := cl.ReadDir(f)
	assert.ErrorIs(t, err, ErrTypeMismatch)
	_, err = cl.Read(d, make([]byte, 8))
	assert.ErrorIs(t, err, ErrTypeMismatch)
	_, err = cl.Write(d, []byte("x"))
	assert.ErrorIs(t, err, ErrTypeMismatch)
	_, err = cl.Seek(d, 0, io.SeekStart)
	assert.ErrorIs(t, err, ErrTypeMismatch)
	_, err = cl.Fstat(d)
	assert.ErrorIs(t, err, ErrTypeMismatch)
	assert.ErrorIs(t, cl.Fsetstat(d, &sshfx.Attributes{}), ErrTypeMismatch)
	assert.ErrorIs(t, cl.Fsync(d), ErrTypeMismatch)

	assert.Equal(t, CodeTypeMismatch, s.LastError())

	// A refused close leaves the handle open.
	assert.False(t, d.Closed())
	require.NoError(t, do(t, s, func() error { return cl.CloseDir(d) }))
	require.NoError(t, do(t, s, func() error { return cl.Close(f) }))
}

func TestHandleClosed(t *testing.T) {
	_, s, cl := newSFTP(t, sshtest.Config{})

	h := openFile(t, cl, "/file", OpenRead|OpenWrite|OpenCreate, 0o644)
	require.NoError(t, do(t, s, func() error { return cl.Close(h) }))

	_, err := cl.Read(h, make([]byte, 8))
	assert.ErrorIs(t, err, ErrHandleClosed)
	_, err = cl.Write(h, []byte("x"))
	assert.ErrorIs(t, err, ErrHandleClosed)
	assert.ErrorIs(t, cl.Close(h), ErrHandleClosed)
	assert.Equal(t, CodeHandleClosed, s.LastError())
}

func TestHandleOtherClient(t *testing.T) {
	_, s, cl := newSFTP(t, sshtest.Config{})
	other := openSFTP(t, s)

	h := openFile(t, cl, "/file", OpenWrite|OpenCreate, 0o644)

	_, err := other.Write(h, []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, do(t, s, func() error { return cl.Close(h) }))
}

func TestFsetstat(t *testing.T) {
	srv, s, cl := newSFTP(t, sshtest.Config{})

	h := openFile(t, cl, "/file", OpenWrite|OpenCreate, 0o644)

	var attrs sshfx.Attributes
	attrs.SetPermissions(sshfx.FromGoFileMode(0o604))
	require.NoError(t, do(t, s, func() error { return cl.Fsetstat(h, &attrs) }))
	require.NoError(t, do(t, s, func() error { return cl.Close(h) }))

	fi, err := srv.FS().Stat("/file")
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o604), fi.Mode().Perm())
}

func TestFsync(t *testing.T) {
	_, s, cl := newSFTP(t, sshtest.Config{})

	h := openFile(t, cl, "/file", OpenWrite|OpenCreate, 0o644)
	require.NoError(t, do(t, s, func() error { return cl.Fsync(h) }))
	require.NoError(t, do(t, s, func() error { return cl.Close(h) }))

	_, s2, cl2 := newSFTP(t, sshtest.Config{NoExtensions: true})

	h2 := openFile(t, cl2, "/file", OpenWrite|OpenCreate, 0o644)
	err := do(t, s2, func() error { return cl2.Fsync(h2) })
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestRename(t *testing.T) {
	srv, s, cl := newSFTP(t, sshtest.Config{})
	fsys := srv.FS()

	require.NoError(t, afero.WriteFile(fsys, "/a", []byte("a"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/b", []byte("b"), 0o644))

	// posix-rename@openssh.com replaces the destination.
	require.True(t, cl.HasPOSIXRename())
	require.NoError(t, do(t, s, func() error { return cl.Rename("/a", "/b") }))

	got, err := afero.ReadFile(fsys, "/b")
	require.NoError(t, err)
	assert.Equal(t, "a", string(got))

	plain := openSFTP(t, s, WithPOSIXRename(false))
	require.NoError(t, afero.WriteFile(fsys, "/c", []byte("c"), 0o644))

	err = do(t, s, func() error { return plain.Rename("/c", "/b") })
	require.ErrorIs(t, err, ErrAlreadyExists)
	assert.Equal(t, CodeAlreadyExists, s.LastError())

	var lerr *os.LinkError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, "/c", lerr.Old)
	assert.Equal(t, "/b", lerr.New)

	got, err = afero.ReadFile(fsys, "/b")
	require.NoError(t, err)
	assert.Equal(t, "a", string(got), "destination untouched")

	require.NoError(t, do(t, s, func() error { return plain.Rename("/c", "/d") }))

	err = do(t, s, func() error { return plain.Rename("/missing", "/e") })
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.NotErrorIs(t, err, ErrAlreadyExists)
}

func TestSymlinkReadLink(t *testing.T) {
	srv, s, cl := newSFTP(t, sshtest.Config{SFTP: sshtest.SFTPConfig{Root: t.TempDir()}})
	require.NoError(t, afero.WriteFile(srv.FS(), "/target.txt", []byte("target"), 0o644))

	require.NoError(t, do(t, s, func() error { return cl.Symlink("/target.txt", "/link") }))

	target, err := coordinator.Call(testContext(t), s, func() (string, error) {
		return cl.ReadLink("/link")
	})
	require.NoError(t, err)
	assert.Equal(t, "/target.txt", target)

	attrs, err := coordinator.Call(testContext(t), s, func() (*sshfx.Attributes, error) {
		return cl.Lstat("/link")
	})
	require.NoError(t, err)
	perm, _ := attrs.GetPermissions()
	assert.True(t, perm.IsSymlink())

	attrs, err = coordinator.Call(testContext(t), s, func() (*sshfx.Attributes, error) {
		return cl.Stat("/link")
	})
	require.NoError(t, err)
	size, _ := attrs.GetSize()
	assert.EqualValues(t, 6, size)

	_, err = coordinator.Call(testContext(t), s, func() (string, error) {
		return cl.ReadLink("/target.txt")
	})
	assert.ErrorIs(t, err, ErrNotASymlink)
	assert.Equal(t, CodeNotASymlink, s.LastError())

	_, err = coordinator.Call(testContext(t), s, func() (string, error) {
		return cl.ReadLink("/missing")
	})
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.NotErrorIs(t, err, ErrNotASymlink)

	err = do(t, s, func() error { return cl.Symlink("/target.txt", "/link") })
	assert.ErrorIs(t, err, ErrSFTPStatus, "link exists")
}

func TestWalk(t *testing.T) {
	srv, _, cl := newSFTP(t, sshtest.Config{})

	fsys := srv.FS()
	require.NoError(t, fsys.MkdirAll("/w/sub/deeper", 0o755))
	require.NoError(t, afero.WriteFile(fsys, "/w/a.txt", []byte("a"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/w/sub/b.txt", []byte("b"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/w/sub/deeper/c.txt", []byte("c"), 0o644))

	var paths, dirs []string
	walker := cl.Walk(testContext(t), "/w")
	for walker.Step() {
		require.NoError(t, walker.Err())

		paths = append(paths, walker.Path())
		if walker.Stat().IsDir() {
			dirs = append(dirs, walker.Path())
		}
	}

	assert.ElementsMatch(t, []string{
		"/w",
		"/w/a.txt",
		"/w/sub",
		"/w/sub/b.txt",
		"/w/sub/deeper",
		"/w/sub/deeper/c.txt",
	}, paths)
	assert.ElementsMatch(t, []string{"/w", "/w/sub", "/w/sub/deeper"}, dirs)
}

func TestSFTPChunkedTransport(t *testing.T) {
	srv := newTestServer(t, sshtest.Config{})
	m := NewMetrics(nil)

	// One byte per transport call, and a tiny pipe, so every operation
	// returns ErrWouldBlock many times before it completes.
	end := srv.Pipe(transport.WithChunkSize(1), transport.WithCapacity(16))
	s := newTestSession(t, srv, end, WithMetrics(m))
	handshake(t, s)
	authenticate(t, s)

	cl := openSFTP(t, s, WithMaxDataLength(1000))

	// Each of these fails if its request is sent twice.
	require.NoError(t, do(t, s, func() error { return cl.Mkdir("/retry", 0o755) }))
	h := openFile(t, cl, "/retry/file", OpenWrite|OpenCreate|OpenExclusive, 0o644)

	data := bytes.Repeat([]byte("0123456789"), 300)
	n, err := coordinator.Call(testContext(t), s, func() (int, error) {
		return cl.Write(h, data)
	})
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	require.NoError(t, do(t, s, func() error { return cl.Close(h) }))

	got, err := afero.ReadFile(srv.FS(), "/retry/file")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, afero.WriteFile(srv.FS(), "/retry/exists", nil, 0o644))
	plain := openSFTP(t, s, WithPOSIXRename(false))
	err = do(t, s, func() error { return plain.Rename("/retry/file", "/retry/exists") })
	assert.ErrorIs(t, err, ErrAlreadyExists)

	assert.Greater(t, testutil.ToFloat64(m.wouldBlocks.WithLabelValues("read")), 10.0)
}

func TestSFTPBusy(t *testing.T) {
	srv := newTestServer(t, sshtest.Config{})
	require.NoError(t, afero.WriteFile(srv.FS(), "/a", []byte("a"), 0o644))

	g := &gatedTransport{PipeEnd: srv.Pipe()}
	s := newTestSession(t, srv, g)
	handshake(t, s)
	authenticate(t, s)
	cl := openSFTP(t, s)

	g.held.Store(true)

	_, err := cl.Stat("/a")
	require.ErrorIs(t, err, ErrWouldBlock)
	assert.Equal(t, transport.DirectionRead, s.BlockedDirection())

	// Different operations, or the same one with other arguments, are refused
	// without disturbing the pending one.
	err = cl.Mkdir("/b", 0o755)
	assert.ErrorIs(t, err, ErrSessionBusy)
	assert.Equal(t, CodeSessionBusy, s.LastError())

	_, err = cl.Stat("/other")
	assert.ErrorIs(t, err, ErrSessionBusy)

	_, err = s.OpenChannel(ChannelSession)
	assert.ErrorIs(t, err, ErrSessionBusy)

	_, err = cl.Channel().Read(make([]byte, 8))
	assert.ErrorIs(t, err, ErrSessionBusy)

	g.held.Store(false)

	attrs, err := coordinator.Call(testContext(t), s, func() (*sshfx.Attributes, error) {
		return cl.Stat("/a")
	})
	require.NoError(t, err)
	size, _ := attrs.GetSize()
	assert.EqualValues(t, 1, size)

	ok, err := afero.Exists(srv.FS(), "/b")
	require.NoError(t, err)
	assert.False(t, ok, "refused call must not reach the server")

	// With the pending operation finished, others run again.
	require.NoError(t, do(t, s, func() error { return cl.Mkdir("/b", 0o755) }))
}

func TestSFTPRetryArguments(t *testing.T) {
	srv := newTestServer(t, sshtest.Config{})
	require.NoError(t, afero.WriteFile(srv.FS(), "/r", []byte("read me"), 0o644))

	g := &gatedTransport{PipeEnd: srv.Pipe()}
	s := newTestSession(t, srv, g)
	handshake(t, s)
	authenticate(t, s)
	cl := openSFTP(t, s)

	w := openFile(t, cl, "/w", OpenWrite|OpenCreate, 0o644)
	r := openFile(t, cl, "/r", OpenRead, 0)

	// A retry must repeat every argument; anything else is another call.
	g.held.Store(true)

	_, err := cl.Write(w, []byte("AAAA"))
	require.ErrorIs(t, err, ErrWouldBlock)

	_, err = cl.Write(w, []byte("BBBB"))
	assert.ErrorIs(t, err, ErrSessionBusy, "same length, other data")
	_, err = cl.Write(w, []byte("BBBBBBBB"))
	assert.ErrorIs(t, err, ErrSessionBusy)

	g.held.Store(false)

	n, err := coordinator.Call(testContext(t), s, func() (int, error) {
		return cl.Write(w, []byte("AAAA"))
	})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.EqualValues(t, 4, w.Offset())

	got, err := afero.ReadFile(srv.FS(), "/w")
	require.NoError(t, err)
	assert.Equal(t, "AAAA", string(got))

	buf, other := make([]byte, 4), make([]byte, 4)

	g.held.Store(true)

	_, err = cl.Read(r, buf)
	require.ErrorIs(t, err, ErrWouldBlock)

	_, err = cl.Read(r, other)
	assert.ErrorIs(t, err, ErrSessionBusy)
	_, err = cl.Read(r, buf[:2])
	assert.ErrorIs(t, err, ErrSessionBusy, "shorter view of the same buffer")

	g.held.Store(false)

	n, err = coordinator.Call(testContext(t), s, func() (int, error) {
		return cl.Read(r, buf)
	})
	require.NoError(t, err)
	assert.Equal(t, "read", string(buf[:n]))
	assert.Equal(t, make([]byte, 4), other)

	var small, large sshfx.Attributes
	small.SetSize(1)
	large.SetSize(2)

	g.held.Store(true)

	require.ErrorIs(t, cl.Setstat("/w", &small), ErrWouldBlock)
	assert.ErrorIs(t, cl.Setstat("/w", &large), ErrSessionBusy)
	assert.ErrorIs(t, cl.Mkdir("/w", 0o700), ErrSessionBusy)

	g.held.Store(false)

	require.NoError(t, do(t, s, func() error { return cl.Setstat("/w", &small) }))

	fi, err := srv.FS().Stat("/w")
	require.NoError(t, err)
	assert.EqualValues(t, 1, fi.Size())
}

// shortFs keeps files at or under limit bytes; a write past it fails.
type shortFs struct {
	afero.Fs
	limit int64
}

func (fsys shortFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	f, err := fsys.Fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return shortFile{File: f, limit: fsys.limit}, nil
}

type shortFile struct {
	afero.File
	limit int64
}

func (f shortFile) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > f.limit {
		return 0, errors.New("no space left on device")
	}
	return f.File.WriteAt(p, off)
}

func TestWritePartial(t *testing.T) {
	mem := afero.NewMemMapFs()
	_, s, cl := newSFTP(t, sshtest.Config{
		SFTP: sshtest.SFTPConfig{FS: shortFs{Fs: mem, limit: 8}},
	}, WithMaxDataLength(4))

	h := openFile(t, cl, "/f", OpenWrite|OpenCreate, 0o644)

	n, err := coordinator.Call(testContext(t), s, func() (int, error) {
		return cl.Write(h, []byte("0123456789ab"))
	})
	assert.ErrorIs(t, err, ErrSFTPStatus)
	assert.ErrorIs(t, err, sshfx.StatusFailure)
	assert.Equal(t, 8, n, "the first two requests got through")
	assert.EqualValues(t, 8, h.Offset())

	got, err := afero.ReadFile(mem, "/f")
	require.NoError(t, err)
	assert.Equal(t, "01234567", string(got))

	require.NoError(t, do(t, s, func() error { return cl.Close(h) }))
}

func TestSFTPDisconnect(t *testing.T) {
	srv, s, cl := newSFTP(t, sshtest.Config{})
	require.NoError(t, afero.WriteFile(srv.FS(), "/a", []byte("a"), 0o644))

	h := openFile(t, cl, "/a", OpenRead, 0)

	require.NoError(t, s.Disconnect("done"))

	_, err := cl.Read(h, make([]byte, 8))
	assert.ErrorIs(t, err, ErrDisconnected)

	_, err = cl.Stat("/a")
	assert.ErrorIs(t, err, ErrDisconnected)

	assert.ErrorIs(t, cl.Close(h), ErrDisconnected)
	assert.Equal(t, ChannelClosed, cl.Channel().State())
}

package sshfx

import (
	"io/fs"
)

// FileMode represents a file’s mode and permission bits.
// The bits are defined according to POSIX standards,
// and may not apply to the OS being built for.
type FileMode uint32

// Permission flags, defined here to avoid potential inconsistencies in individual OS implementations.
const (
	ModePerm       FileMode = 0o0777 // S_IRWXU | S_IRWXG | S_IRWXO
	ModeUserRead   FileMode = 0o0400 // S_IRUSR
	ModeUserWrite  FileMode = 0o0200 // S_IWUSR
	ModeUserExec   FileMode = 0o0100 // S_IXUSR
	ModeGroupRead  FileMode = 0o0040 // S_IRGRP
	ModeGroupWrite FileMode = 0o0020 // S_IWGRP
	ModeGroupExec  FileMode = 0o0010 // S_IXGRP
	ModeOtherRead  FileMode = 0o0004 // S_IROTH
	ModeOtherWrite FileMode = 0o0002 // S_IWOTH
	ModeOtherExec  FileMode = 0o0001 // S_IXOTH

	ModeSetUID FileMode = 0o4000 // S_ISUID
	ModeSetGID FileMode = 0o2000 // S_ISGID
	ModeSticky FileMode = 0o1000 // S_ISVTX

	ModeType       FileMode = 0xF000 // S_IFMT
	ModeNamedPipe  FileMode = 0x1000 // S_IFIFO
	ModeCharDevice FileMode = 0x2000 // S_IFCHR
	ModeDir        FileMode = 0x4000 // S_IFDIR
	ModeDevice     FileMode = 0x6000 // S_IFBLK
	ModeRegular    FileMode = 0x8000 // S_IFREG
	ModeSymlink    FileMode = 0xA000 // S_IFLNK
	ModeSocket     FileMode = 0xC000 // S_IFSOCK
)

// IsDir reports whether m describes a directory.
// That is, it tests for m.Type() == ModeDir.
func (m FileMode) IsDir() bool {
	return (m & ModeType) == ModeDir
}

// IsRegular reports whether m describes a regular file.
// That is, it tests for m.Type() == ModeRegular
func (m FileMode) IsRegular() bool {
	return (m & ModeType) == ModeRegular
}

// IsSymlink reports whether m describes a symbolic link.
func (m FileMode) IsSymlink() bool {
	return (m & ModeType) == ModeSymlink
}

// Perm returns the POSIX permission bits in m (m & ModePerm).
func (m FileMode) Perm() FileMode {
	return (m & ModePerm)
}

// Type returns the type bits in m (m & ModeType).
func (m FileMode) Type() FileMode {
	return (m & ModeType)
}

// ToGoFileMode converts m into the Go-native fs.FileMode.
func (m FileMode) ToGoFileMode() fs.FileMode {
	mode := fs.FileMode(m & ModePerm)

	switch m & ModeType {
	case ModeDevice:
		mode |= fs.ModeDevice
	case ModeCharDevice:
		mode |= fs.ModeDevice | fs.ModeCharDevice
	case ModeDir:
		mode |= fs.ModeDir
	case ModeNamedPipe:
		mode |= fs.ModeNamedPipe
	case ModeSymlink:
		mode |= fs.ModeSymlink
	case ModeRegular:
		// nothing to do
	case ModeSocket:
		mode |= fs.ModeSocket
	}

	if m&ModeSetUID != 0 {
		mode |= fs.ModeSetuid
	}
	if m&ModeSetGID != 0 {
		mode |= fs.ModeSetgid
	}
	if m&ModeSticky != 0 {
		mode |= fs.ModeSticky
	}

	return mode
}

// FromGoFileMode converts the Go-native fs.FileMode into a FileMode.
func FromGoFileMode(mode fs.FileMode) FileMode {
	perms := FileMode(mode.Perm())

	switch mode.Type() {
	case fs.ModeDevice | fs.ModeCharDevice:
		perms |= ModeCharDevice
	case fs.ModeDevice:
		perms |= ModeDevice
	case fs.ModeDir:
		perms |= ModeDir
	case fs.ModeNamedPipe:
		perms |= ModeNamedPipe
	case fs.ModeSymlink:
		perms |= ModeSymlink
	case 0:
		perms |= ModeRegular
	case fs.ModeSocket:
		perms |= ModeSocket
	}

	if mode&fs.ModeSetuid != 0 {
		perms |= ModeSetUID
	}
	if mode&fs.ModeSetgid != 0 {
		perms |= ModeSetGID
	}
	if mode&fs.ModeSticky != 0 {
		perms |= ModeSticky
	}

	return perms
}

// String returns the ls(1) rendering of m, e.g. "drwxr-xr-x".
func (m FileMode) String() string {
	var b [10]byte

	switch m.Type() {
	case ModeDir:
		b[0] = 'd'
	case ModeSymlink:
		b[0] = 'l'
	case ModeNamedPipe:
		b[0] = 'p'
	case ModeCharDevice:
		b[0] = 'c'
	case ModeDevice:
		b[0] = 'b'
	case ModeSocket:
		b[0] = 's'
	case ModeRegular:
		b[0] = '-'
	default:
		b[0] = '?'
	}

	const rwx = "rwxrwxrwx"
	for i := range 9 {
		if m&(1<<(8-i)) != 0 {
			b[i+1] = rwx[i]
		} else {
			b[i+1] = '-'
		}
	}

	// Special bits replace the execute bit they belong to, in upper case when it is unset.
	special := func(pos int, mark byte) {
		if b[pos] == '-' {
			mark -= 'a' - 'A'
		}
		b[pos] = mark
	}

	if m&ModeSetUID != 0 {
		special(3, 's')
	}
	if m&ModeSetGID != 0 {
		special(6, 's')
	}
	if m&ModeSticky != 0 {
		special(9, 't')
	}

	return string(b[:])
}

package sshfx

import (
	"fmt"
)

// PacketType defines the various SFTP packet types.
type PacketType uint8

// Request packet types.
const (
	// https://tools.ietf.org/html/draft-ietf-secsh-filexfer-02#section-3
	PacketTypeInit = PacketType(iota + 1)
	PacketTypeVersion
	PacketTypeOpen
	PacketTypeClose
	PacketTypeRead
	PacketTypeWrite
	PacketTypeLStat
	PacketTypeFStat
	PacketTypeSetstat
	PacketTypeFSetstat
	PacketTypeOpenDir
	PacketTypeReadDir
	PacketTypeRemove
	PacketTypeMkdir
	PacketTypeRmdir
	PacketTypeRealPath
	PacketTypeStat
	PacketTypeRename
	PacketTypeReadLink
	PacketTypeSymlink
)

// Response packet types.
const (
	// https://tools.ietf.org/html/draft-ietf-secsh-filexfer-02#section-3
	PacketTypeStatus = PacketType(iota + 101)
	PacketTypeHandle
	PacketTypeData
	PacketTypeName
	PacketTypeAttrs
)

// Extended packet types.
const (
	// https://tools.ietf.org/html/draft-ietf-secsh-filexfer-02#section-3
	PacketTypeExtended = PacketType(iota + 200)
	PacketTypeExtendedReply
)

var packetTypeNames = map[PacketType]string{
	PacketTypeInit:     "INIT",
	PacketTypeVersion:  "VERSION",
	PacketTypeOpen:     "OPEN",
	PacketTypeClose:    "CLOSE",
	PacketTypeRead:     "READ",
	PacketTypeWrite:    "WRITE",
	PacketTypeLStat:    "LSTAT",
	PacketTypeFStat:    "FSTAT",
	PacketTypeSetstat:  "SETSTAT",
	PacketTypeFSetstat: "FSETSTAT",
	PacketTypeOpenDir:  "OPENDIR",
	PacketTypeReadDir:  "READDIR",
	PacketTypeRemove:   "REMOVE",
	PacketTypeMkdir:    "MKDIR",
	PacketTypeRmdir:    "RMDIR",
	PacketTypeRealPath: "REALPATH",
	PacketTypeStat:     "STAT",
	PacketTypeRename:   "RENAME",
	PacketTypeReadLink: "READLINK",
	PacketTypeSymlink:  "SYMLINK",

	PacketTypeStatus: "STATUS",
	PacketTypeHandle: "HANDLE",
	PacketTypeData:   "DATA",
	PacketTypeName:   "NAME",
	PacketTypeAttrs:  "ATTRS",

	PacketTypeExtended:      "EXTENDED",
	PacketTypeExtendedReply: "EXTENDED_REPLY",
}

func (f PacketType) String() string {
	if name, ok := packetTypeNames[f]; ok {
		return "SSH_FXP_" + name
	}
	return fmt.Sprintf("SSH_FXP_UNKNOWN(%d)", f)
}

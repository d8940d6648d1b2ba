package openssh

import (
	sshfx "github.com/pkg/nbsftp/encoding/ssh/filexfer"
)

const extensionPOSIXRename = "posix-rename@openssh.com"

// RegisterExtensionPOSIXRename lets sshfx decode posix-rename@openssh.com requests
// into *POSIXRenameExtendedPacket.
func RegisterExtensionPOSIXRename() {
	sshfx.RegisterExtendedPacketType(extensionPOSIXRename, func() sshfx.ExtendedData {
		return new(POSIXRenameExtendedPacket)
	})
}

// ExtensionPOSIXRename is the pair a server advertises in SSH_FXP_VERSION when it supports posix-rename.
func ExtensionPOSIXRename() *sshfx.ExtensionPair {
	return extension(extensionPOSIXRename)
}

// POSIXRenameExtendedPacket is rename(2) on the server:
// unlike SSH_FXP_RENAME, an existing NewPath is replaced atomically.
type POSIXRenameExtendedPacket struct {
	OldPath string
	NewPath string
}

// Type returns the SSH_FXP_EXTENDED packet type.
func (ep *POSIXRenameExtendedPacket) Type() sshfx.PacketType {
	return sshfx.PacketTypeExtended
}

// ExtendedRequest returns "posix-rename@openssh.com".
func (ep *POSIXRenameExtendedPacket) ExtendedRequest() string {
	return extensionPOSIXRename
}

// MarshalPacket encodes ep as a whole SSH_FXP_EXTENDED request.
func (ep *POSIXRenameExtendedPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalExtended(extensionPOSIXRename, ep, reqid, b)
}

// MarshalBinary encodes only the request-specific data: string(oldpath) string(newpath).
func (ep *POSIXRenameExtendedPacket) MarshalBinary() ([]byte, error) {
	buf := sshfx.NewBuffer(make([]byte, 0, 4+len(ep.OldPath)+4+len(ep.NewPath)))
	buf.AppendString(ep.OldPath)
	buf.AppendString(ep.NewPath)
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes the request-specific data into ep.
func (ep *POSIXRenameExtendedPacket) UnmarshalBinary(data []byte) error {
	buf := sshfx.NewBuffer(data)
	*ep = POSIXRenameExtendedPacket{
		OldPath: buf.ConsumeString(),
		NewPath: buf.ConsumeString(),
	}
	return buf.Err
}

package openssh

import (
	sshfx "github.com/pkg/nbsftp/encoding/ssh/filexfer"
)

const extensionFSync = "fsync@openssh.com"

// RegisterExtensionFSync lets sshfx decode fsync@openssh.com requests into *FSyncExtendedPacket.
func RegisterExtensionFSync() {
	sshfx.RegisterExtendedPacketType(extensionFSync, func() sshfx.ExtendedData {
		return new(FSyncExtendedPacket)
	})
}

// ExtensionFSync is the pair a server advertises in SSH_FXP_VERSION when it supports fsync.
func ExtensionFSync() *sshfx.ExtensionPair {
	return extension(extensionFSync)
}

// FSyncExtendedPacket asks the server to fsync(2) the file behind Handle.
// The reply is a plain SSH_FXP_STATUS.
type FSyncExtendedPacket struct {
	Handle string
}

// Type returns the SSH_FXP_EXTENDED packet type.
func (ep *FSyncExtendedPacket) Type() sshfx.PacketType {
	return sshfx.PacketTypeExtended
}

// ExtendedRequest returns "fsync@openssh.com".
func (ep *FSyncExtendedPacket) ExtendedRequest() string {
	return extensionFSync
}

// MarshalPacket encodes ep as a whole SSH_FXP_EXTENDED request.
func (ep *FSyncExtendedPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalExtended(extensionFSync, ep, reqid, b)
}

// MarshalBinary encodes only the request-specific data: string(handle).
func (ep *FSyncExtendedPacket) MarshalBinary() ([]byte, error) {
	buf := sshfx.NewBuffer(make([]byte, 0, 4+len(ep.Handle)))
	buf.AppendString(ep.Handle)
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes the request-specific data into ep.
func (ep *FSyncExtendedPacket) UnmarshalBinary(data []byte) error {
	buf := sshfx.NewBuffer(data)
	*ep = FSyncExtendedPacket{
		Handle: buf.ConsumeString(),
	}
	return buf.Err
}

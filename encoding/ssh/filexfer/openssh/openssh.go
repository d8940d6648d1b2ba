// Package openssh implements the openssh secsh-filexfer extensions as described in https://github.com/openssh/openssh-portable/blob/master/PROTOCOL
package openssh

import (
	sshfx "github.com/pkg/nbsftp/encoding/ssh/filexfer"
)

// extension returns an ExtensionPair advertising version "1" of the named extension.
func extension(name string) *sshfx.ExtensionPair {
	return &sshfx.ExtensionPair{
		Name: name,
		Data: "1",
	}
}

func marshalExtended(name string, data sshfx.ExtendedData, reqid uint32, b []byte) (header, payload []byte, err error) {
	p := &sshfx.ExtendedPacket{
		ExtendedRequest: name,
		Data:            data,
	}
	return p.MarshalPacket(reqid, b)
}

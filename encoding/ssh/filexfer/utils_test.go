package sshfx

import (
	"testing"
)

type marshalPacketFunc func(reqid uint32, b []byte) (header, payload []byte, err error)

func mustCompose(t *testing.T, marshal marshalPacketFunc, reqid uint32) []byte {
	t.Helper()

	data, err := ComposePacket(marshal(reqid, nil))
	if err != nil {
		t.Fatal("unexpected error:", err)
	}

	return data
}

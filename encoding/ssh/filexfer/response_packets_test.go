package sshfx

import (
	"bytes"
	"errors"
	"io/fs"
	"testing"
)

var _ Packet = &StatusPacket{}

func TestStatusPacket(t *testing.T) {
	const (
		id     = 42
		status = StatusFileAlreadyExists
		msg    = "file exists"
		lang   = "en"
	)

	p := &StatusPacket{
		StatusCode:   status,
		ErrorMessage: msg,
		LanguageTag:  lang,
	}

	data := mustCompose(t, p.MarshalPacket, id)

	want := []byte{
		0x00, 0x00, 0x00, 30,
		101,
		0x00, 0x00, 0x00, 42,
		0x00, 0x00, 0x00, 11,
		0x00, 0x00, 0x00, 11, 'f', 'i', 'l', 'e', ' ', 'e', 'x', 'i', 's', 't', 's',
		0x00, 0x00, 0x00, 2, 'e', 'n',
	}

	if !bytes.Equal(data, want) {
		t.Fatalf("MarshalPacket() = %X, but wanted %X", data, want)
	}

	*p = StatusPacket{}

	// UnmarshalPacketBody assumes the (length, type, request-id) have already been consumed.
	if err := p.UnmarshalPacketBody(NewBuffer(data[9:])); err != nil {
		t.Fatal("unexpected error:", err)
	}

	if p.StatusCode != status {
		t.Errorf("UnmarshalPacketBody(): StatusCode was %v, but expected %v", p.StatusCode, status)
	}

	if p.ErrorMessage != msg {
		t.Errorf("UnmarshalPacketBody(): ErrorMessage was %q, but expected %q", p.ErrorMessage, msg)
	}

	if p.LanguageTag != lang {
		t.Errorf("UnmarshalPacketBody(): LanguageTag was %q, but expected %q", p.LanguageTag, lang)
	}
}

func TestStatusPacketShortForm(t *testing.T) {
	var p StatusPacket

	if err := p.UnmarshalPacketBody(NewBuffer([]byte{0x00, 0x00, 0x00, 0x04})); err != nil {
		t.Fatal("unexpected error:", err)
	}

	if p.StatusCode != StatusFailure {
		t.Errorf("UnmarshalPacketBody(): StatusCode was %v, but expected %v", p.StatusCode, StatusFailure)
	}
}

func TestStatusPacketIs(t *testing.T) {
	var err error = &StatusPacket{StatusCode: StatusNoSuchFile, ErrorMessage: "no such file"}

	if !errors.Is(err, fs.ErrNotExist) {
		t.Error("errors.Is(NO_SUCH_FILE, fs.ErrNotExist) = false")
	}

	if !errors.Is(err, StatusNoSuchFile) {
		t.Error("errors.Is(NO_SUCH_FILE, StatusNoSuchFile) = false")
	}

	if errors.Is(err, fs.ErrPermission) {
		t.Error("errors.Is(NO_SUCH_FILE, fs.ErrPermission) = true")
	}

	if !errors.Is(&StatusPacket{StatusCode: StatusPermissionDenied}, fs.ErrPermission) {
		t.Error("errors.Is(PERMISSION_DENIED, fs.ErrPermission) = false")
	}

	if got, want := err.Error(), `sftp: SSH_FX_NO_SUCH_FILE: "no such file"`; got != want {
		t.Errorf("Error() = %q, but expected %q", got, want)
	}
}

var _ Packet = &NamePacket{}

func TestNamePacket(t *testing.T) {
	const (
		id = 42
	)

	p := &NamePacket{
		Entries: []*NameEntry{
			{
				Filename: "foo",
				Longname: "bar",
				Attrs: Attributes{
					Flags: AttrUIDGID,
					UID:   1,
					GID:   2,
				},
			},
			{
				Filename: "bar",
				Longname: "baz",
				Attrs: Attributes{
					Flags: AttrUIDGID,
					UID:   2,
					GID:   4,
				},
			},
		},
	}

	data := mustCompose(t, p.MarshalPacket, id)

	want := []byte{
		0x00, 0x00, 0x00, 61,
		104,
		0x00, 0x00, 0x00, 42,
		0x00, 0x00, 0x00, 0x02,
		0x00, 0x00, 0x00, 3, 'f', 'o', 'o',
		0x00, 0x00, 0x00, 3, 'b', 'a', 'r',
		0x00, 0x00, 0x00, 0x02,
		0x00, 0x00, 0x00, 1,
		0x00, 0x00, 0x00, 2,
		0x00, 0x00, 0x00, 3, 'b', 'a', 'r',
		0x00, 0x00, 0x00, 3, 'b', 'a', 'z',
		0x00, 0x00, 0x00, 0x02,
		0x00, 0x00, 0x00, 2,
		0x00, 0x00, 0x00, 4,
	}

	if !bytes.Equal(data, want) {
		t.Fatalf("MarshalPacket() = %X, but wanted %X", data, want)
	}

	*p = NamePacket{}

	// UnmarshalPacketBody assumes the (length, type, request-id) have already been consumed.
	if err := p.UnmarshalPacketBody(NewBuffer(data[9:])); err != nil {
		t.Fatal("unexpected error:", err)
	}

	if count := len(p.Entries); count != 2 {
		t.Fatalf("UnmarshalPacketBody(): len(NameEntries) was %d, but expected %d", count, 2)
	}

	for i, e := range p.Entries {
		if got, want := e.Filename, []string{"foo", "bar"}[i]; got != want {
			t.Errorf("UnmarshalPacketBody(): Entries[%d].Filename was %q, but expected %q", i, got, want)
		}

		if got, want := e.Attrs.UID, uint32(1+i); got != want {
			t.Errorf("UnmarshalPacketBody(): Entries[%d].Attrs.UID was %d, but expected %d", i, got, want)
		}
	}
}

func TestNamePacketImplausibleCount(t *testing.T) {
	var p NamePacket

	err := p.UnmarshalPacketBody(NewBuffer([]byte{0x00, 0x01, 0x00, 0x00}))
	if err != ErrShortPacket {
		t.Fatalf("UnmarshalPacketBody() = %v, but expected %v", err, ErrShortPacket)
	}
}

package nbsftp

import (
	"fmt"
	"io"
	"io/fs"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	sshfx "github.com/pkg/nbsftp/encoding/ssh/filexfer"
	"github.com/pkg/nbsftp/transport"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorCode
	}{
		{nil, CodeNone},
		{io.EOF, CodeNone},
		{ErrWouldBlock, CodeWouldBlock},
		{fmt.Errorf("reading: %w", transport.ErrWouldBlock), CodeWouldBlock},
		{newError(CodeHandleClosed, "read", nil), CodeHandleClosed},
		{&fs.PathError{Op: "stat", Path: "/x", Err: newError(CodeSFTPStatus, "stat", nil)}, CodeSFTPStatus},
		{errors.Wrap(ErrSessionBusy, "context"), CodeSessionBusy},
		{errors.New("something else"), CodeUnknown},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CodeOf(tt.err), "%v", tt.err)
	}
}

func TestErrorIs(t *testing.T) {
	status := &sshfx.StatusPacket{StatusCode: sshfx.StatusNoSuchFile, ErrorMessage: "gone"}
	err := error(&fs.PathError{Op: "stat", Path: "/gone", Err: newError(CodeSFTPStatus, "stat", status)})

	assert.ErrorIs(t, err, ErrSFTPStatus)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.ErrorIs(t, err, sshfx.StatusNoSuchFile)
	assert.NotErrorIs(t, err, ErrHandleClosed)
	assert.NotErrorIs(t, err, fs.ErrPermission)

	var got *sshfx.StatusPacket
	if assert.ErrorAs(t, err, &got) {
		assert.Equal(t, "gone", got.ErrorMessage)
	}
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "nbsftp: read: handle closed: file handle /a",
		newError(CodeHandleClosed, "read", errors.New("file handle /a")).Error())
	assert.Equal(t, "nbsftp: session busy", ErrSessionBusy.Error())
	assert.Equal(t, "ErrorCode(99)", ErrorCode(99).String())
	assert.Equal(t, "none", CodeNone.String())
}

func TestErrorFatal(t *testing.T) {
	for code := CodeNone; code <= CodeUnknown; code++ {
		want := code == CodeProtocolError || code == CodeTransportError ||
			code == CodeHostKeyRejected || code == CodeDisconnected

		assert.Equal(t, want, newError(code, "", nil).fatal(), code.String())
	}
}

package nbsftp

import (
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/pkg/nbsftp/transport"
)

// ErrorCode classifies the outcome of a session operation.
type ErrorCode int

// Error codes reported by LastError and CodeOf.
const (
	CodeNone ErrorCode = iota
	CodeWouldBlock
	CodeAuthRejected
	CodeProtocolError
	CodeTypeMismatch
	CodeAlreadyExists
	CodeNotASymlink
	CodeEndOfDirectory
	CodeSessionBusy
	CodeTransportError
	CodeInvalidState
	CodeDisconnected
	CodeHandleClosed
	CodeChannelFailure
	CodeHostKeyRejected
	CodeUnsupported
	CodeSFTPStatus
	CodeKeyFile
	CodeUnknown
)

var codeNames = [...]string{
	CodeNone:            "none",
	CodeWouldBlock:      "operation would block",
	CodeAuthRejected:    "authentication rejected",
	CodeProtocolError:   "protocol error",
	CodeTypeMismatch:    "handle type mismatch",
	CodeAlreadyExists:   "destination already exists",
	CodeNotASymlink:     "not a symbolic link",
	CodeEndOfDirectory:  "end of directory",
	CodeSessionBusy:     "session busy",
	CodeTransportError:  "transport error",
	CodeInvalidState:    "invalid state",
	CodeDisconnected:    "disconnected",
	CodeHandleClosed:    "handle closed",
	CodeChannelFailure:  "channel failure",
	CodeHostKeyRejected: "host key rejected",
	CodeUnsupported:     "unsupported",
	CodeSFTPStatus:      "sftp status",
	CodeKeyFile:         "key file",
	CodeUnknown:         "unknown error",
}

func (c ErrorCode) String() string {
	if c >= 0 && int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Error is the error type returned by session, channel and SFTP operations.
//
// Two Errors match under errors.Is when their codes are equal,
// so a returned error can be compared against the package sentinels
// regardless of its Op and wrapped cause.
type Error struct {
	Code ErrorCode
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := "nbsftp: "
	if e.Op != "" {
		msg += e.Op + ": "
	}
	msg += e.Code.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// fatal reports whether the error leaves the session unusable.
func (e *Error) fatal() bool {
	switch e.Code {
	case CodeProtocolError, CodeTransportError, CodeHostKeyRejected, CodeDisconnected:
		return true
	}
	return false
}

// Sentinel errors, for use with errors.Is.
var (
	// ErrWouldBlock is returned when an operation cannot proceed without
	// waiting on the transport. Retry the same call once the session's
	// BlockedDirection is ready.
	ErrWouldBlock = transport.ErrWouldBlock

	ErrAuthRejected    = &Error{Code: CodeAuthRejected}
	ErrProtocol        = &Error{Code: CodeProtocolError}
	ErrTypeMismatch    = &Error{Code: CodeTypeMismatch}
	ErrAlreadyExists   = &Error{Code: CodeAlreadyExists}
	ErrNotASymlink     = &Error{Code: CodeNotASymlink}
	ErrEndOfDirectory  = &Error{Code: CodeEndOfDirectory}
	ErrSessionBusy     = &Error{Code: CodeSessionBusy}
	ErrTransport       = &Error{Code: CodeTransportError}
	ErrInvalidState    = &Error{Code: CodeInvalidState}
	ErrDisconnected    = &Error{Code: CodeDisconnected}
	ErrHandleClosed    = &Error{Code: CodeHandleClosed}
	ErrChannelFailure  = &Error{Code: CodeChannelFailure}
	ErrHostKeyRejected = &Error{Code: CodeHostKeyRejected}
	ErrUnsupported     = &Error{Code: CodeUnsupported}
	ErrSFTPStatus      = &Error{Code: CodeSFTPStatus}
	ErrKeyFile         = &Error{Code: CodeKeyFile}
)

func newError(code ErrorCode, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

func protocolErrorf(op, format string, args ...any) *Error {
	return newError(CodeProtocolError, op, errors.Errorf(format, args...))
}

// CodeOf classifies err. A nil error and io.EOF are CodeNone.
func CodeOf(err error) ErrorCode {
	if err == nil || err == io.EOF {
		return CodeNone
	}

	if errors.Is(err, ErrWouldBlock) {
		return CodeWouldBlock
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	return CodeUnknown
}

// DisconnectError describes an SSH_MSG_DISCONNECT received from the server.
type DisconnectError struct {
	Reason  uint32
	Message string
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("server disconnected (reason %d): %s", e.Reason, e.Message)
}

// OpenChannelError describes an SSH_MSG_CHANNEL_OPEN_FAILURE.
type OpenChannelError struct {
	Reason  uint32
	Message string
}

func (e *OpenChannelError) Error() string {
	return fmt.Sprintf("channel open failed (reason %d): %s", e.Reason, e.Message)
}

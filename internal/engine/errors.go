package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Ronifue/peershare/internal/backpressure"
	"github.com/Ronifue/peershare/internal/transport"
)

// Code is a machine-readable transfer error code. Codes travel in
// transfer-error messages and are surfaced as Error.Code locally.
type Code string

const (
	CodeTransferTimeout         Code = "TRANSFER_TIMEOUT"
	CodeReceiverNotReady        Code = "RECEIVER_NOT_READY"
	CodeInvalidFileID           Code = "INVALID_FILE_ID"
	CodeInvalidMetadata         Code = "INVALID_METADATA"
	CodeInvalidChunkSequence    Code = "INVALID_CHUNK_SEQUENCE"
	CodeReceiverBufferExhausted Code = "RECEIVER_BUFFER_EXHAUSTED"
	CodeChecksumMismatch        Code = "CHECKSUM_MISMATCH"
	CodeChunkPersistFailed      Code = "CHUNK_PERSIST_FAILED"
	CodeMessageTooLarge         Code = "MESSAGE_TOO_LARGE"
	CodeRetransmitNotSupported  Code = "RETRANSMIT_NOT_SUPPORTED"
	CodeDataChannelNotReady     Code = "DATA_CHANNEL_NOT_READY"
	CodeDataChannelSendFailed   Code = "DATA_CHANNEL_SEND_FAILED"
	CodeAutoResumeTimeout       Code = "AUTO_RESUME_TIMEOUT"
	CodeControlParseError       Code = "TRANSFER_CONTROL_PARSE_ERROR"
)

// Error is a transfer error with a machine code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// newError builds an Error with a formatted message.
func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// wrapError builds an Error keeping the cause for errors.Is/As.
func wrapError(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf extracts the machine code from err, empty when none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRecoverableSendInterruption classifies errors the auto-resume loop may
// retry: transient channel conditions, send failures, and ready timeouts.
func IsRecoverableSendInterruption(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case CodeDataChannelNotReady, CodeDataChannelSendFailed, CodeTransferTimeout:
		return true
	}
	if errors.Is(err, backpressure.ErrChannelClosed) || errors.Is(err, transport.ErrChannelClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "channel closed") || strings.Contains(msg, "channel is closing")
}

package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/tellerhq/teller/pkg/serialize"
)

// Code classifies a call or stream failure. Codes cross the wire on error
// responses and terminal stream-close frames.
type Code uint8

const (
	CodeOK Code = iota
	// CodeInvalidRequest marks malformed or unacceptable input. Handlers
	// never retry these.
	CodeInvalidRequest
	// CodeProcessingFailure marks a domain-level failure during unary
	// processing, surfaced to the caller.
	CodeProcessingFailure
	// CodeStreamProducerFailure marks a server-stream source that failed
	// mid-sequence; the stream terminates with this code rather than
	// truncating silently.
	CodeStreamProducerFailure
	// CodeSessionError marks a failure on a bidirectional session's inbound
	// or outbound path; it closes that session only.
	CodeSessionError
	// CodeTimeout marks a bounded operation that exceeded its deadline.
	CodeTimeout
	// CodeCancelled marks work cancelled by the caller or by server shutdown.
	CodeCancelled
	// CodeInternal marks everything else.
	CodeInternal
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeInvalidRequest:
		return "invalid_request"
	case CodeProcessingFailure:
		return "processing_failure"
	case CodeStreamProducerFailure:
		return "stream_producer_failure"
	case CodeSessionError:
		return "session_error"
	case CodeTimeout:
		return "timeout"
	case CodeCancelled:
		return "cancelled"
	case CodeInternal:
		return "internal"
	}
	return fmt.Sprintf("code_%d", uint8(c))
}

// Error is a coded error that survives the trip across the wire.
type Error struct {
	Code    Code
	Message string
}

func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Errorf(code Code, format string, a ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, a...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error: code = %s desc = %s", e.Code, e.Message)
}

// AsError unwraps err to a coded *Error if there is one in the chain.
func AsError(err error) (*Error, bool) {
	var rpcErr *Error
	ok := errors.As(err, &rpcErr)
	return rpcErr, ok
}

// CodeOf returns the code carried by err, mapping context errors to their
// codes and everything uncoded to CodeInternal. A nil error is CodeOK.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	if rpcErr, ok := AsError(err); ok {
		return rpcErr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	return CodeInternal
}

// FromContextError converts a context error into its coded equivalent.
// Other errors pass through unchanged.
func FromContextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(CodeTimeout, "deadline exceeded")
	}
	if errors.Is(err, context.Canceled) {
		return NewError(CodeCancelled, "cancelled")
	}
	return err
}

// asWireError coerces any error into a coded error for transmission.
func asWireError(err error) *Error {
	if rpcErr, ok := AsError(err); ok {
		return rpcErr
	}
	err = FromContextError(err)
	if rpcErr, ok := AsError(err); ok {
		return rpcErr
	}
	return NewError(CodeInternal, err.Error())
}

func ByteSizeError(e *Error) int {
	return serialize.ByteSizeUInt8(uint8(e.Code)) + serialize.ByteSizeString(e.Message)
}

func SerializeError(writer *serialize.FixedSizeWriter, e *Error) {
	serialize.SerializeUInt8(writer, uint8(e.Code))
	serialize.SerializeString(writer, e.Message)
}

func DeserializeError(reader *serialize.Reader) (*Error, error) {
	var code uint8
	if err := serialize.DeserializeUInt8(&code, reader); err != nil {
		return nil, err
	}
	var message string
	if err := serialize.DeserializeString(&message, reader); err != nil {
		return nil, err
	}
	return &Error{Code: Code(code), Message: message}, nil
}

// internal/transport/errors.go
package transport

import (
	"errors"
	"fmt"
)

// ErrSessionClosed is wrapped by ConnectionError once a session is unusable.
var ErrSessionClosed = errors.New("transport: session closed")

// Diagnostic codes reported through ErrorCode. Exceptions report their
// protocol code, which is always below 0x100.
const (
	CodeTimeout    uint16 = 0x100
	CodeFrame      uint16 = 0x101
	CodeConnection uint16 = 0x102
)

// TimeoutError means no complete reply arrived before the deadline.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport: %s: timeout", e.Op)
	}
	return fmt.Sprintf("transport: %s: timeout: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error     { return e.Err }
func (e *TimeoutError) ErrorCode() uint16 { return CodeTimeout }

// FrameError is a reply that could not be framed: bad length, CRC
// mismatch, wrong station or function.
type FrameError struct {
	Reason string
	Err    error
}

func (e *FrameError) Error() string {
	if e.Err == nil {
		return "transport: frame: " + e.Reason
	}
	return fmt.Sprintf("transport: frame: %s: %v", e.Reason, e.Err)
}

func (e *FrameError) Unwrap() error     { return e.Err }
func (e *FrameError) ErrorCode() uint16 { return CodeFrame }

// ConnectionError is a dial failure or a dead link. The session that
// returned it is closed.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transport: connection %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error     { return e.Err }
func (e *ConnectionError) ErrorCode() uint16 { return CodeConnection }

// ExceptionError is a Modbus exception response.
type ExceptionError struct {
	Function uint8
	Code     uint8
}

var exceptionText = map[uint8]string{
	0x01: "illegal function",
	0x02: "illegal data address",
	0x03: "illegal data value",
	0x04: "server device failure",
	0x05: "acknowledge",
	0x06: "server device busy",
	0x08: "memory parity error",
	0x0A: "gateway path unavailable",
	0x0B: "gateway target device failed to respond",
}

// Description is the protocol name of the exception code.
func (e *ExceptionError) Description() string {
	if s, ok := exceptionText[e.Code]; ok {
		return s
	}
	return "unknown exception"
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("transport: exception 0x%02x (%s) on function %d", e.Code, e.Description(), e.Function)
}

func (e *ExceptionError) ErrorCode() uint16 { return uint16(e.Code) }

// Retryable reports whether err is worth another attempt: timeouts, frame
// errors and connection errors. Exceptions are the device's answer.
func Retryable(err error) bool {
	var (
		te *TimeoutError
		fe *FrameError
		ce *ConnectionError
	)
	return errors.As(err, &te) || errors.As(err, &fe) || errors.As(err, &ce)
}

// IsConnection reports whether err left its session closed.
func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

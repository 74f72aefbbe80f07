package wire

import "fmt"

// DecodeError is returned for frames that don't match their documented layout.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "wire: decode error: " + e.Reason
}

// ProtocolError is fatal to the connection that produced it.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "wire: protocol violation: " + e.Reason
}

func decodeErrorf(format string, args ...interface{}) error {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

func protocolErrorf(format string, args ...interface{}) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

package codec

import "fmt"

// DecodeError reports a malformed or unsupported inbound payload.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "decode error: " + e.Reason
}

// NewDecodeError builds a DecodeError from a format string.
func NewDecodeError(format string, args ...any) *DecodeError {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

// InvalidParameterError reports a generation parameter outside the target
// upstream's documented bounds. Values are never clamped.
type InvalidParameterError struct {
	Param  string
	Reason string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("invalid parameter %s: %s", e.Param, e.Reason)
}

// EncodeError reports canonical data that cannot be represented in the target
// wire format.
type EncodeError struct {
	Reason string
}

func (e *EncodeError) Error() string {
	return "encode error: " + e.Reason
}

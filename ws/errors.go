package ws

import (
	"errors"
	"fmt"
)

// ProtocolError is any frame that breaks RFC 6455 framing rules: RSV bits
// set, an unmasked client frame, a bad opcode, a fragmented or oversized
// control frame, a bad close code, or a fragmentation-order violation.
// The connection is torn down with CloseReason 1002.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Msg }

// InconsistentDataError is malformed UTF-8 in a text message. The
// connection closes with 1007.
type InconsistentDataError struct {
	Msg string
}

func (e *InconsistentDataError) Error() string { return "inconsistent data: " + e.Msg }

// PolicyViolationError is a control frame received after the server
// initiated close, or a keepalive timeout. The connection closes with
// 1008.
type PolicyViolationError struct {
	Msg string
}

func (e *PolicyViolationError) Error() string { return "policy violation: " + e.Msg }

// MessageTooBigError is raised when an outbound message would exceed
// the maximum representable frame length. Close (or refuse send) with
// 1009.
type MessageTooBigError struct {
	Length uint64
}

func (e *MessageTooBigError) Error() string {
	return fmt.Sprintf("message too big: %d bytes", e.Length)
}

// IncompleteReadError is raised by RingBuffer.ReadIntoExactly when EOF
// arrives before n bytes have been buffered.
type IncompleteReadError struct {
	Available, Expected int
}

func (e *IncompleteReadError) Error() string {
	return fmt.Sprintf("%d bytes available of %d expected bytes", e.Available, e.Expected)
}

// errClosing signals the message reader that its connection is tearing
// down mid-message; surfaced to a blocked application read so it
// unblocks instead of hanging forever.
var errClosing = fmt.Errorf("closing connection in middle of message")

// errBreak unwinds a FragmentContext cleanly when ensure-open fails,
// discarding any queued fragment without sending it.
var errBreak = fmt.Errorf("fragment context broken")

// reasonFor maps an error from the protocol engine to the CloseReason
// that should be echoed to the peer before the transport is dropped. It
// unwraps via errors.As rather than a concrete type switch so a caller
// that wraps one of these (fmt.Errorf("...: %w", err)) still maps
// correctly.
func reasonFor(err error) (Reason, string) {
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return ReasonProtocolError, protoErr.Msg
	}
	var dataErr *InconsistentDataError
	if errors.As(err, &dataErr) {
		return ReasonInconsistentData, dataErr.Msg
	}
	var policyErr *PolicyViolationError
	if errors.As(err, &policyErr) {
		return ReasonPolicyViolation, policyErr.Msg
	}
	var tooBigErr *MessageTooBigError
	if errors.As(err, &tooBigErr) {
		return ReasonMessageTooBig, tooBigErr.Error()
	}
	return ReasonUnexpectedCondition, "internal error"
}

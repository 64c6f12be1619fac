package ws

import (
	"errors"
	"io"
	"sync"
	"unicode/utf8"
)

const maxPayloadLength = uint64(1)<<63 - 1

// ErrConnectionClosed is returned by Send/Ping/Pong when the server has
// already initiated close and the caller did not force the send.
var ErrConnectionClosed = errors.New("connection closed")

// ErrControlFrameTooLong is returned when an outbound ping/pong/close
// payload would exceed the 125-byte control-frame limit.
var ErrControlFrameTooLong = errors.New("control frame payload exceeds 125 bytes")

// flusher is satisfied by *bufio.Writer; StreamFrom uses it to bound the
// kernel buffer every drainEvery bytes, per spec.md §4.6.
type flusher interface {
	Flush() error
}

// OutboundWriter builds and sends frames to the peer. Every write that
// produces a complete frame is serialized under mu so control frames
// never interleave mid-payload with a data frame — grounded on
// original_source/websocket/stream/writer.py's WebSocketWriter, with
// its ad-hoc `self.writer.write(...)` calls collapsed into one
// mutex-guarded writeFrameLocked.
type OutboundWriter struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

// NewOutboundWriter wraps the transport writer for a single connection.
func NewOutboundWriter(w io.Writer) *OutboundWriter {
	return &OutboundWriter{w: w}
}

// Closed reports whether the server has already initiated close on this
// connection (spec.md's server_initiated_close latch).
func (w *OutboundWriter) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *OutboundWriter) writeFrameLocked(opcode Opcode, payload []byte, fin bool) error {
	length := uint64(len(payload))
	if length > maxPayloadLength {
		return &MessageTooBigError{Length: length}
	}
	if err := WriteFrameHeader(w.w, opcode, length, fin); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	_, err := w.w.Write(payload)
	return err
}

func (w *OutboundWriter) writeFrame(opcode Opcode, payload []byte, fin bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeFrameLocked(opcode, payload, fin)
}

func opcodeFor(kind DataKind) Opcode {
	if kind == KindBinary {
		return OpBinary
	}
	return OpText
}

// Send writes a single, unfragmented frame of the given kind. It fails
// with ErrConnectionClosed if the server has initiated close, unless
// force is set.
func (w *OutboundWriter) Send(data []byte, kind DataKind, force bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed && !force {
		return ErrConnectionClosed
	}
	return w.writeFrameLocked(opcodeFor(kind), data, true)
}

// SendText is Send for a UTF-8 text message.
func (w *OutboundWriter) SendText(s string, force bool) error {
	return w.Send([]byte(s), KindText, force)
}

// SendBinary is Send for a binary message.
func (w *OutboundWriter) SendBinary(b []byte, force bool) error {
	return w.Send(b, KindBinary, force)
}

// Ping sends an unfragmented ping control frame.
func (w *OutboundWriter) Ping(payload []byte) error {
	if len(payload) > 125 {
		return ErrControlFrameTooLong
	}
	return w.writeFrame(OpPing, payload, true)
}

// Pong sends an unfragmented pong control frame, normally in reply to a
// received ping with the identical payload.
func (w *OutboundWriter) Pong(payload []byte) error {
	if len(payload) > 125 {
		return ErrControlFrameTooLong
	}
	return w.writeFrame(OpPong, payload, true)
}

// Close is an idempotent latch: the first call writes a close frame
// (empty body if code is ReasonNoStatus, otherwise a 2-byte code plus a
// UTF-8 reason truncated to fit the 123-byte limit on a UTF-8 boundary)
// and marks the writer closed; subsequent calls are no-ops, satisfying
// P6 (close idempotence).
func (w *OutboundWriter) Close(code Reason, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if code == ReasonNoStatus {
		return w.writeFrameLocked(OpClose, nil, true)
	}

	reasonBytes := truncateUTF8([]byte(reason), 123)
	payload := make([]byte, 2+len(reasonBytes))
	payload[0] = byte(code.Code >> 8)
	payload[1] = byte(code.Code)
	copy(payload[2:], reasonBytes)
	return w.writeFrameLocked(OpClose, payload, true)
}

// StreamFrom reads fixed-size chunks from src and emits them as
// fragments: the first fragment carries kind's opcode, the rest carry
// continuation, and FIN is set on the fragment that observes
// src.AtEOF(). The transport is flushed every drainEvery bytes to bound
// the kernel buffer; drainEvery <= 0 disables periodic flushing.
func (w *OutboundWriter) StreamFrom(src *RingBuffer, kind DataKind, chunkSize, drainEvery int) error {
	if chunkSize <= 0 {
		chunkSize = 1024
	}

	first := true
	buf := make([]byte, chunkSize)
	sinceDrain := 0

	for {
		n, err := src.ReadInto(buf, chunkSize)
		if err != nil {
			return err
		}

		fin := src.AtEOF()
		opcode := OpContinuation
		if first {
			opcode = opcodeFor(kind)
			first = false
		}

		if err := w.writeFrame(opcode, buf[:n], fin); err != nil {
			return err
		}

		sinceDrain += n
		if drainEvery > 0 && sinceDrain >= drainEvery {
			if f, ok := w.w.(flusher); ok {
				if err := f.Flush(); err != nil {
					return err
				}
			}
			sinceDrain = 0
		}

		if fin {
			return nil
		}
	}
}

// FragmentContext queues pieces with one-piece look-ahead: the pending
// piece is flushed (FIN=0) when the next arrives, and the last pending
// piece is flushed with FIN=1 when the context finishes. Grounded on
// original_source/websocket/stream/fragment.py's FragmentContext.
type FragmentContext struct {
	w          *OutboundWriter
	kind       DataKind
	firstWrite bool
	pending    []byte
	hasPending bool
	broken     bool
}

// Send queues a fragment. If the writer is closed and force is not set,
// the context is marked broken and errBreak is returned — the caller
// should propagate it straight back up to Fragment, which discards any
// queued data cleanly.
func (f *FragmentContext) Send(piece []byte, force bool) error {
	if f.w.Closed() && !force {
		f.broken = true
		return errBreak
	}

	if f.hasPending {
		if err := f.flush(f.pending, false); err != nil {
			return err
		}
	}

	f.pending = append([]byte(nil), piece...)
	f.hasPending = true
	return nil
}

func (f *FragmentContext) flush(piece []byte, fin bool) error {
	opcode := OpContinuation
	if f.firstWrite {
		opcode = opcodeFor(f.kind)
		f.firstWrite = false
	}
	return f.w.writeFrame(opcode, piece, fin)
}

func (f *FragmentContext) finish() error {
	if f.broken || !f.hasPending {
		return nil
	}
	err := f.flush(f.pending, true)
	f.pending = nil
	f.hasPending = false
	return err
}

// Fragment runs fn with a fragmentation context bound to kind, flushing
// the final queued piece with FIN=1 when fn returns normally. If fn
// returns errBreak (typically because Send observed a closed writer),
// any queued data is discarded instead of flushed.
func (w *OutboundWriter) Fragment(kind DataKind, fn func(*FragmentContext) error) error {
	fc := &FragmentContext{w: w, kind: kind, firstWrite: true}

	if err := fn(fc); err != nil {
		if errors.Is(err, errBreak) {
			return nil
		}
		return err
	}

	return fc.finish()
}

// truncateUTF8 trims b to at most maxLen bytes, backing off further if
// needed so the cut never lands mid-codepoint.
func truncateUTF8(b []byte, maxLen int) []byte {
	if len(b) > maxLen {
		b = b[:maxLen]
	}
	for len(b) > 0 && !utf8.Valid(b) {
		b = b[:len(b)-1]
	}
	return b
}

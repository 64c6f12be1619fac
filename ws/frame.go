package ws

import (
	"encoding/binary"
	"io"
)

// Header is a parsed WebSocket frame header (RFC 6455 Section 5.2),
// everything except the payload bytes themselves.
type Header struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	Length  uint64
	MaskKey [4]byte
}

// ReadFrameHeader reads one frame header from r with exactly-n reads, as
// spec.md §4.2 requires. It is grounded on the teacher's parseFrames
// (server.go) but reads a stream instead of scanning a buffer already
// in memory, matching original_source/websocket/stream/reader.py's
// feed() (readexactly at each step).
func ReadFrameHeader(r io.Reader) (Header, error) {
	var first [1]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		return Header{}, err
	}
	return ReadFrameHeaderAfterFirstByte(r, first[0])
}

// ReadFrameHeaderAfterFirstByte parses a frame header given its already
// -read first byte, and reads the rest from r. The ConnectionMachine's
// main loop reads the first byte itself as a cancellable 1-byte read
// (spec.md §4.7 step 1) before handing the rest of the header off here
// (step 3).
// A frame's wire layout after the first byte is identical whether or
// not RSV is set, so the rest of the header is always parsed fully —
// giving the caller a correct payload length to drain even when it
// must reject the frame. RSV is checked only after parsing, not before,
// matching original_source/websocket/server.py's close_with_read path
// (it re-enters frame parsing at byte 1 purely to drain the right
// number of bytes).
func ReadFrameHeaderAfterFirstByte(r io.Reader, first byte) (Header, error) {
	fin := first&0x80 != 0
	rsv := first & 0x70
	opcode := Opcode(first & 0x0F)

	var second [1]byte
	if _, err := io.ReadFull(r, second[:]); err != nil {
		return Header{}, err
	}

	maskFlag := second[0]&0x80 != 0
	length := uint64(second[0] & 0x7F)

	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Header{}, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Header{}, err
		}
		length = binary.BigEndian.Uint64(ext[:])
		if length&(1<<63) != 0 {
			return Header{}, &ProtocolError{Msg: "payload length MSB set"}
		}
	}

	h := Header{Fin: fin, Opcode: opcode, Masked: maskFlag, Length: length}
	if maskFlag {
		if _, err := io.ReadFull(r, h.MaskKey[:]); err != nil {
			return Header{}, err
		}
	}

	if rsv != 0 {
		return h, &ProtocolError{Msg: "RSV bit(s) set"}
	}
	if !maskFlag {
		return h, &ProtocolError{Msg: "message without mask"}
	}

	return h, nil
}

// WriteFrameHeader writes a server-to-client frame header: never
// masked, length encoded in the shortest of 1/3/9 bytes, mirroring
// ReadFrameHeader in reverse (and the teacher's buildFrame).
func WriteFrameHeader(w io.Writer, opcode Opcode, length uint64, fin bool) error {
	first := byte(opcode & 0x0F)
	if fin {
		first |= 0x80
	}

	switch {
	case length < 126:
		_, err := w.Write([]byte{first, byte(length)})
		return err
	case length <= 0xFFFF:
		header := make([]byte, 4)
		header[0] = first
		header[1] = 126
		binary.BigEndian.PutUint16(header[2:], uint16(length))
		_, err := w.Write(header)
		return err
	default:
		header := make([]byte, 10)
		header[0] = first
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], length)
		_, err := w.Write(header)
		return err
	}
}

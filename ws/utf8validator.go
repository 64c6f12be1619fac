package ws

import (
	"fmt"
	"unicode/utf8"
)

// Utf8Validator incrementally validates that a text message's payload is
// well-formed UTF-8, tolerating arbitrary split points across chunks.
// It is the Go-idiomatic analogue of the incremental decoder
// original_source/websocket/stream/reader.py builds with
// codecs.getincrementaldecoder('utf8') — Go's standard library has no
// incremental UTF-8 decoder, so this is hand-rolled on unicode/utf8's
// DecodeRune/FullRune primitives (see DESIGN.md).
type Utf8Validator struct {
	pending []byte // bytes of a sequence not yet known to be complete
	offset  int    // absolute byte position of pending[0] within the message
}

// Decode validates the next chunk of a text message. Pass final=true on
// the last call (with an empty chunk if there is nothing left to feed)
// to flag a sequence left incomplete at end-of-message.
func (v *Utf8Validator) Decode(chunk []byte, final bool) error {
	data := chunk
	if len(v.pending) > 0 {
		data = make([]byte, 0, len(v.pending)+len(chunk))
		data = append(data, v.pending...)
		data = append(data, chunk...)
		v.pending = nil
	}

	i := 0
	for i < len(data) {
		p := data[i:]
		if !utf8.FullRune(p) {
			if final {
				return &InconsistentDataError{Msg: v.rangeMsg(i, len(data))}
			}
			v.pending = append([]byte(nil), p...)
			v.offset += i
			return nil
		}

		r, size := utf8.DecodeRune(p)
		if r == utf8.RuneError && size == 1 {
			end := i + seqLen(p[0])
			if end > len(data) {
				end = len(data)
			}
			return &InconsistentDataError{Msg: v.rangeMsg(i, end)}
		}
		i += size
	}

	v.offset += len(data)
	return nil
}

func (v *Utf8Validator) rangeMsg(start, end int) string {
	return fmt.Sprintf("%d-%d", v.offset+start, v.offset+end)
}

// seqLen returns the length a UTF-8 sequence declares from its leading
// byte, regardless of whether the sequence that follows is valid. Used
// only to size the byte range reported in a validation error.
func seqLen(lead byte) int {
	switch {
	case lead&0x80 == 0x00:
		return 1
	case lead&0xE0 == 0xC0:
		return 2
	case lead&0xF0 == 0xE0:
		return 3
	case lead&0xF8 == 0xF0:
		return 4
	default:
		return 1
	}
}

// validUTF8 is a plain one-shot check, used for close-reason validation
// where no incremental state is needed.
func validUTF8(b []byte) bool {
	return utf8.Valid(b)
}

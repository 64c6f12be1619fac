package ws

import (
	"errors"
	"testing"
)

func TestUtf8ValidatorAcceptsValidSingleChunk(t *testing.T) {
	var v Utf8Validator
	if err := v.Decode([]byte("hello, 世界"), true); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
}

func TestUtf8ValidatorAcceptsSplitAcrossChunks(t *testing.T) {
	// "世" is E4 B8 96; split the 3-byte sequence across two chunks.
	full := []byte("世")
	var v Utf8Validator
	if err := v.Decode(full[:1], false); err != nil {
		t.Fatalf("Decode() first chunk error = %v", err)
	}
	if err := v.Decode(full[1:], true); err != nil {
		t.Fatalf("Decode() second chunk error = %v", err)
	}
}

func TestUtf8ValidatorRejectsInvalidSequenceWithByteRange(t *testing.T) {
	var v Utf8Validator
	// 0xC0 0xAF is an overlong encoding, invalid per RFC 3629.
	err := v.Decode([]byte{0xC0, 0xAF}, true)

	var inconsistent *InconsistentDataError
	if !errors.As(err, &inconsistent) {
		t.Fatalf("Decode() error = %v, want *InconsistentDataError", err)
	}
	if inconsistent.Msg != "0-2" {
		t.Fatalf("Msg = %q, want %q", inconsistent.Msg, "0-2")
	}
}

func TestUtf8ValidatorRejectsTruncatedSequenceAtFinal(t *testing.T) {
	var v Utf8Validator
	// Lead byte of a 3-byte sequence, nothing else; final=true must fail.
	err := v.Decode([]byte{0xE4}, true)

	var inconsistent *InconsistentDataError
	if !errors.As(err, &inconsistent) {
		t.Fatalf("Decode() error = %v, want *InconsistentDataError", err)
	}
}

func TestUtf8ValidatorToleratesTruncatedSequenceNotFinal(t *testing.T) {
	var v Utf8Validator
	if err := v.Decode([]byte{0xE4}, false); err != nil {
		t.Fatalf("Decode() error = %v, want nil (waiting on more bytes)", err)
	}
}

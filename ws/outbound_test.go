package ws

import (
	"bytes"
	"errors"
	"testing"
)

func TestOutboundWriterSendText(t *testing.T) {
	var buf bytes.Buffer
	w := NewOutboundWriter(&buf)

	if err := w.SendText("hi", false); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}

	h, err := readServerHeader(&buf)
	if err != nil {
		t.Fatalf("ReadFrameHeader() error = %v", err)
	}
	if h.Opcode != OpText || !h.Fin || h.Masked {
		t.Fatalf("header = %+v", h)
	}
	payload := make([]byte, h.Length)
	buf.Read(payload)
	if string(payload) != "hi" {
		t.Fatalf("payload = %q, want %q", payload, "hi")
	}
}

func TestOutboundWriterCloseIsIdempotent(t *testing.T) {
	var buf bytes.Buffer
	w := NewOutboundWriter(&buf)

	if err := w.Close(ReasonNormal, "bye"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	firstLen := buf.Len()

	if err := w.Close(ReasonProtocolError, "ignored"); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if buf.Len() != firstLen {
		t.Fatalf("second Close() wrote more bytes: %d -> %d", firstLen, buf.Len())
	}
	if !w.Closed() {
		t.Fatal("Closed() = false after Close")
	}
}

func TestOutboundWriterSendAfterCloseFails(t *testing.T) {
	var buf bytes.Buffer
	w := NewOutboundWriter(&buf)
	_ = w.Close(ReasonNormal, "")

	err := w.SendText("too late", false)
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("SendText() error = %v, want ErrConnectionClosed", err)
	}

	if err := w.SendText("forced", true); err != nil {
		t.Fatalf("forced SendText() error = %v", err)
	}
}

func TestOutboundWriterControlFrameTooLong(t *testing.T) {
	var buf bytes.Buffer
	w := NewOutboundWriter(&buf)

	if err := w.Ping(make([]byte, 126)); !errors.Is(err, ErrControlFrameTooLong) {
		t.Fatalf("Ping() error = %v, want ErrControlFrameTooLong", err)
	}
}

func TestFragmentContextOnePieceLookahead(t *testing.T) {
	var buf bytes.Buffer
	w := NewOutboundWriter(&buf)

	err := w.Fragment(KindText, func(fc *FragmentContext) error {
		if err := fc.Send([]byte("a"), false); err != nil {
			return err
		}
		return fc.Send([]byte("b"), false)
	})
	if err != nil {
		t.Fatalf("Fragment() error = %v", err)
	}

	h1, err := readServerHeader(&buf)
	if err != nil {
		t.Fatalf("first header error = %v", err)
	}
	p1 := make([]byte, h1.Length)
	buf.Read(p1)
	if h1.Opcode != OpText || h1.Fin || string(p1) != "a" {
		t.Fatalf("first fragment = %+v %q, want text/FIN=false/%q", h1, p1, "a")
	}

	h2, err := readServerHeader(&buf)
	if err != nil {
		t.Fatalf("second header error = %v", err)
	}
	p2 := make([]byte, h2.Length)
	buf.Read(p2)
	if h2.Opcode != OpContinuation || !h2.Fin || string(p2) != "b" {
		t.Fatalf("second fragment = %+v %q, want continuation/FIN=true/%q", h2, p2, "b")
	}

	if buf.Len() != 0 {
		t.Fatalf("unexpected trailing bytes: %d", buf.Len())
	}
}

func TestFragmentContextDiscardsOnBreak(t *testing.T) {
	var buf bytes.Buffer
	w := NewOutboundWriter(&buf)
	_ = w.Close(ReasonNormal, "") // closes the writer before fragmenting starts

	err := w.Fragment(KindBinary, func(fc *FragmentContext) error {
		if err := fc.Send([]byte("x"), false); err != nil {
			return err
		}
		t.Fatal("Send should have returned errBreak on a closed writer")
		return nil
	})
	if err != nil {
		t.Fatalf("Fragment() error = %v, want nil (break is swallowed)", err)
	}
}

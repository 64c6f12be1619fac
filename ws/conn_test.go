package ws

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// newTestConn wires a ConnectionMachine over one end of a net.Pipe and
// runs it in the background, returning the client-side end and the
// machine itself.
func newTestConn(t *testing.T, handlers Handlers, cfg Config) (client net.Conn, cm *ConnectionMachine) {
	t.Helper()
	server, client := net.Pipe()

	cm = NewConnectionMachine(server, bufio.NewReader(server), "test-conn", handlers, cfg, zerolog.Nop())
	go cm.Run()

	t.Cleanup(func() { client.Close() })
	return client, cm
}

func readServerFrame(t *testing.T, r *bufio.Reader) Header {
	t.Helper()
	h, err := readServerHeader(r)
	if err != nil {
		t.Fatalf("ReadFrameHeader() error = %v", err)
	}
	return h
}

func readServerFramePayload(t *testing.T, r *bufio.Reader, h Header) []byte {
	t.Helper()
	payload := make([]byte, h.Length)
	if _, err := readFull(r, payload); err != nil {
		t.Fatalf("read payload error = %v", err)
	}
	return payload
}

// readFull is io.ReadFull, named locally to avoid importing io just for this.
func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func TestConnectionMachineDeliversTextMessage(t *testing.T) {
	received := make(chan string, 1)
	handlers := Handlers{
		OnMessage: func(m *Message) {
			text, err := m.Text()
			if err != nil {
				t.Errorf("Text() error = %v", err)
				return
			}
			received <- text
		},
	}

	client, _ := newTestConn(t, handlers, Config{})

	key := [4]byte{1, 2, 3, 4}
	client.Write(buildClientFrame(true, OpText, key, []byte("hello")))

	select {
	case text := <-received:
		if text != "hello" {
			t.Fatalf("OnMessage text = %q, want %q", text, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("OnMessage was not invoked")
	}
}

func TestConnectionMachineReassemblesFragments(t *testing.T) {
	received := make(chan string, 1)
	handlers := Handlers{
		OnMessage: func(m *Message) {
			text, _ := m.Text()
			received <- text
		},
	}

	client, _ := newTestConn(t, handlers, Config{})

	key := [4]byte{5, 6, 7, 8}
	client.Write(buildClientFrame(false, OpText, key, []byte("foo")))
	client.Write(buildClientFrame(true, OpContinuation, key, []byte("bar")))

	select {
	case text := <-received:
		if text != "foobar" {
			t.Fatalf("reassembled text = %q, want %q", text, "foobar")
		}
	case <-time.After(time.Second):
		t.Fatal("OnMessage was not invoked")
	}
}

func TestConnectionMachineRepliesPong(t *testing.T) {
	client, _ := newTestConn(t, Handlers{}, Config{})
	r := bufio.NewReader(client)

	key := [4]byte{1, 1, 1, 1}
	client.Write(buildClientFrame(true, OpPing, key, []byte("ping")))

	h := readServerFrame(t, r)
	if h.Opcode != OpPong {
		t.Fatalf("response opcode = %v, want pong", h.Opcode)
	}
	payload := readServerFramePayload(t, r, h)
	if string(payload) != "ping" {
		t.Fatalf("pong payload = %q, want %q", payload, "ping")
	}
}

func TestConnectionMachinePeerInitiatedCloseIsEchoed(t *testing.T) {
	var closedCode uint16
	closed := make(chan struct{})
	handlers := Handlers{
		OnClosed: func(code uint16, reason string) {
			closedCode = code
			close(closed)
		},
	}

	client, cm := newTestConn(t, handlers, Config{})
	r := bufio.NewReader(client)

	key := [4]byte{2, 2, 2, 2}
	payload := append([]byte{0x03, 0xE8}, "bye"...) // 1000, "bye"
	client.Write(buildClientFrame(true, OpClose, key, payload))

	h := readServerFrame(t, r)
	if h.Opcode != OpClose {
		t.Fatalf("response opcode = %v, want close", h.Opcode)
	}
	// The echoed close frame's payload must be read off the synchronous
	// pipe before the server's write of it returns.
	readServerFramePayload(t, r, h)

	select {
	case <-closed:
		if closedCode != ReasonNormal.Code {
			t.Fatalf("OnClosed code = %d, want %d", closedCode, ReasonNormal.Code)
		}
	case <-time.After(time.Second):
		t.Fatal("OnClosed was not invoked")
	}

	select {
	case <-cm.Done():
	case <-time.After(time.Second):
		t.Fatal("connection did not tear down after close handshake")
	}
}

func TestConnectionMachineServerInitiatedCloseNoEcho(t *testing.T) {
	client, cm := newTestConn(t, Handlers{}, Config{})
	r := bufio.NewReader(client)

	// RequestClose only acts once Run has moved the machine to Open, and
	// its close frame is written to a synchronous pipe, so it runs in its
	// own goroutine while this one reads the frame.
	for cm.State() != StateOpen {
		time.Sleep(time.Millisecond)
	}
	go cm.RequestClose(ReasonGoingAway, "bye")

	h := readServerFrame(t, r)
	if h.Opcode != OpClose {
		t.Fatalf("response opcode = %v, want close", h.Opcode)
	}
	payload := readServerFramePayload(t, r, h)
	code := uint16(payload[0])<<8 | uint16(payload[1])
	if code != ReasonGoingAway.Code {
		t.Fatalf("close code = %d, want %d", code, ReasonGoingAway.Code)
	}

	// Peer echoes the close back; no second close frame should follow.
	key := [4]byte{3, 3, 3, 3}
	client.Write(buildClientFrame(true, OpClose, key, payload))

	select {
	case <-cm.Done():
	case <-time.After(time.Second):
		t.Fatal("connection did not tear down after close echo")
	}
}

func TestConnectionMachineRejectsUnmaskedFrameWithProtocolError(t *testing.T) {
	closed := make(chan uint16, 1)
	handlers := Handlers{
		OnClosed: func(code uint16, reason string) { closed <- code },
	}

	client, _ := newTestConn(t, handlers, Config{})
	r := bufio.NewReader(client)

	// FIN+text, no mask bit set: malformed per RFC 6455.
	client.Write([]byte{0x81, 0x02, 'h', 'i'})

	h := readServerFrame(t, r)
	if h.Opcode != OpClose {
		t.Fatalf("response opcode = %v, want close", h.Opcode)
	}
	payload := readServerFramePayload(t, r, h)
	code := uint16(payload[0])<<8 | uint16(payload[1])
	if code != ReasonProtocolError.Code {
		t.Fatalf("close code = %d, want %d", code, ReasonProtocolError.Code)
	}
}

func TestConnectionMachineOversizedControlFrameIsDrainedThenClosed(t *testing.T) {
	client, _ := newTestConn(t, Handlers{}, Config{})
	r := bufio.NewReader(client)

	key := [4]byte{4, 4, 4, 4}
	oversized := make([]byte, 200)
	client.Write(buildClientFrame(true, OpPing, key, oversized))

	h := readServerFrame(t, r)
	if h.Opcode != OpClose {
		t.Fatalf("response opcode = %v, want close", h.Opcode)
	}
	payload := readServerFramePayload(t, r, h)
	code := uint16(payload[0])<<8 | uint16(payload[1])
	if code != ReasonProtocolError.Code {
		t.Fatalf("close code = %d, want %d", code, ReasonProtocolError.Code)
	}

	// The stream must stay aligned: nothing else should follow on the wire
	// before the connection tears down (a subsequent Read just sees EOF).
}

func TestConnectionMachineKeepaliveTimeoutClosesWithPolicyViolation(t *testing.T) {
	closed := make(chan uint16, 1)
	handlers := Handlers{
		OnClosed: func(code uint16, reason string) { closed <- code },
	}

	client, _ := newTestConn(t, handlers, Config{ClientTimeoutSeconds: 0.1})
	r := bufio.NewReader(client)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))

	// First frame off the wire should be a keepalive ping (idle > timeout/2).
	h := readServerFrame(t, r)
	if h.Opcode != OpPing {
		t.Fatalf("first frame opcode = %v, want ping", h.Opcode)
	}

	// The peer never replies; eventually the server closes for idling.
	h = readServerFrame(t, r)
	if h.Opcode != OpClose {
		t.Fatalf("second frame opcode = %v, want close", h.Opcode)
	}
	payload := readServerFramePayload(t, r, h)
	code := uint16(payload[0])<<8 | uint16(payload[1])
	if code != ReasonPolicyViolation.Code {
		t.Fatalf("close code = %d, want %d", code, ReasonPolicyViolation.Code)
	}
}

package ws

// Message is a logical sequence of one or more frames of the same data
// kind, delimited by FIN on the last frame. It is handed to the
// application's OnMessage callback as soon as it is created, and the
// frame loop keeps feeding it as continuation frames arrive — the
// ConnectionMachine owns it, the callback only borrows it. Grounded on
// original_source/websocket/stream/reader.py's WebSocketReader, with
// the asyncio.Queue + separate process_text/process_binary goroutine
// collapsed into synchronous feeding through the RingBuffer (the
// consumer side still runs concurrently via the buffer's blocking
// reads).
type Message struct {
	Kind      DataKind
	buf       *RingBuffer
	validator *Utf8Validator // non-nil only when Kind == KindText
}

// Read reads len(p) bytes of the message body into p, blocking until
// that many are buffered, the message ends (it then returns what
// remains), or the message's terminal error is set. It has io.Reader's
// signature; the end of the message is reported as errMessageEOF, which
// is not io.EOF.
func (m *Message) Read(p []byte) (int, error) {
	n, err := m.buf.ReadInto(p, len(p))
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, errMessageEOF
	}
	return n, nil
}

// ReadAll reads the message body to completion.
func (m *Message) ReadAll() ([]byte, error) {
	var out []byte
	chunk := make([]byte, 4096)
	for {
		n, err := m.buf.ReadInto(chunk, len(chunk))
		if err != nil {
			return out, err
		}
		if n == 0 {
			return out, nil
		}
		out = append(out, chunk[:n]...)
	}
}

// Text reads the message to completion and returns it as a string. Only
// meaningful when Kind == KindText; the payload is already known to be
// valid UTF-8 by the time FIN arrives (spec.md invariant 6).
func (m *Message) Text() (string, error) {
	data, err := m.ReadAll()
	return string(data), err
}

// Binary reads the message to completion and returns its raw bytes.
func (m *Message) Binary() ([]byte, error) {
	return m.ReadAll()
}

// errMessageEOF is returned by Message.Read at end of stream, mirroring
// io.EOF's role without importing the io package purely for a sentinel.
var errMessageEOF = &messageEOF{}

type messageEOF struct{}

func (*messageEOF) Error() string { return "EOF" }

// MessageAssembler enforces the fragmentation rules of spec.md §4.5:
// a data frame with no message in progress starts one; a continuation
// frame requires one already in progress; any violation is a protocol
// error. Grounded on original_source/websocket/client.py's
// continuation-kind tracking (`self.continuation`) across
// handle_data/handle_continuation.
type MessageAssembler struct {
	continuationKind DataKind
	current          *Message
}

// InProgress reports whether a message is currently being assembled,
// i.e. continuation_kind != None (spec.md invariant 2).
func (a *MessageAssembler) InProgress() bool {
	return a.continuationKind != KindNone
}

// Start begins a new message of the given kind (Text or Binary). The
// caller must not already have a message in progress.
func (a *MessageAssembler) Start(kind DataKind, ringCapacity int) *Message {
	msg := &Message{Kind: kind, buf: NewRingBuffer(ringCapacity)}
	if kind == KindText {
		msg.validator = &Utf8Validator{}
	}
	a.current = msg
	a.continuationKind = kind
	return msg
}

// Current returns the message presently being assembled, or nil.
func (a *MessageAssembler) Current() *Message {
	return a.current
}

// Finish marks the in-progress message complete (FIN received) and
// clears continuation state.
func (a *MessageAssembler) Finish() {
	if a.current != nil {
		a.current.buf.FeedEOF()
	}
	a.current = nil
	a.continuationKind = KindNone
}

// Abort terminates the in-progress message (if any) with err, so a
// blocked application read unblocks with a clear failure instead of
// hanging — spec.md §4.5's "Closing connection in middle of message".
func (a *MessageAssembler) Abort(err error) {
	if a.current != nil {
		a.current.buf.SetErr(err)
	}
	a.current = nil
	a.continuationKind = KindNone
}

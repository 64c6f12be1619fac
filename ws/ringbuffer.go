package ws

import "sync"

// RingBuffer is a fixed-capacity byte queue shared between exactly one
// producer (the network reader filling a frame's payload) and one
// consumer (the application reading a message). It is the Go-idiomatic
// analogue of original_source/websocket/stream/buffer.py's Buffer: the
// same read_head/write_head/read_available/write_available bookkeeping,
// with the two asyncio.Event wakeups replaced by a pair of condition
// variables over one mutex.
type RingBuffer struct {
	mu sync.Mutex

	backing       []byte
	readHead      int
	writeHead     int
	readAvailable int
	writeAvailable int

	eof bool
	exc error

	readSignal  *sync.Cond // signalled when data becomes available to read
	writeSignal *sync.Cond // signalled when room becomes available to write
}

// NewRingBuffer allocates a RingBuffer with the given fixed capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	rb := &RingBuffer{
		backing:        make([]byte, capacity),
		writeAvailable: capacity,
	}
	rb.readSignal = sync.NewCond(&rb.mu)
	rb.writeSignal = sync.NewCond(&rb.mu)
	return rb
}

// Write blocks until there is room for all of data, then copies it in,
// wrapping at the end of the backing array. Writing after FeedEOF is a
// programming error; writing after SetErr is tolerated: it returns at
// once and the data is dropped (the error already prevents further
// reads from succeeding).
func (rb *RingBuffer) Write(data []byte) {
	length := len(data)
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.writeAvailable < length && rb.exc == nil {
		rb.writeSignal.Wait()
	}
	if rb.exc != nil {
		return
	}

	tail := len(rb.backing) - rb.writeHead
	if tail < length {
		copy(rb.backing[rb.writeHead:], data[:tail])
		copy(rb.backing[:length-tail], data[tail:])
		rb.writeHead = length - tail
	} else {
		copy(rb.backing[rb.writeHead:rb.writeHead+length], data)
		rb.writeHead += length
	}

	rb.readAvailable += length
	rb.writeAvailable -= length

	rb.readSignal.Signal()
}

// ReadInto blocks until either n bytes are available, EOF has been
// signalled, or an error has been set. On error it returns the error.
// On EOF with fewer than n bytes available, it returns as many bytes as
// remain (possibly zero) and a nil error.
func (rb *RingBuffer) ReadInto(buf []byte, n int) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.readIntoLocked(buf, n, false)
}

// ReadIntoExactly is ReadInto but raises IncompleteReadError if EOF
// arrives with fewer than n bytes buffered.
func (rb *RingBuffer) ReadIntoExactly(buf []byte, n int) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.readIntoLocked(buf, n, true)
}

func (rb *RingBuffer) readIntoLocked(buf []byte, n int, exact bool) (int, error) {
	for rb.readAvailable < n && !rb.eof && rb.exc == nil {
		rb.readSignal.Wait()
	}

	if rb.exc != nil {
		return 0, rb.exc
	}

	if rb.eof && rb.readAvailable < n {
		if exact {
			return 0, &IncompleteReadError{Available: rb.readAvailable, Expected: n}
		}
		n = rb.readAvailable
	}

	if n == 0 {
		return 0, nil
	}

	tail := rb.readHead + n
	if tail > len(rb.backing) {
		remaining := len(rb.backing) - rb.readHead
		copy(buf[:remaining], rb.backing[rb.readHead:])
		copy(buf[remaining:n], rb.backing[:n-remaining])
		rb.readHead = n - remaining
	} else {
		copy(buf[:n], rb.backing[rb.readHead:tail])
		rb.readHead = tail
	}

	rb.readAvailable -= n
	rb.writeAvailable += n

	rb.writeSignal.Signal()
	return n, nil
}

// FeedEOF latches eof=true, zeroes write availability so no further
// writes are accepted, and wakes any blocked reader.
func (rb *RingBuffer) FeedEOF() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.eof = true
	rb.writeAvailable = 0
	rb.readSignal.Broadcast()
}

// SetErr latches an error to be returned by subsequent reads, and wakes
// any blocked reader so it observes it. The first error wins: a
// connection that is already tearing down for one reason (e.g. invalid
// UTF-8) must not have that error overwritten by a later, less specific
// one (e.g. the generic "closing in middle of message").
func (rb *RingBuffer) SetErr(err error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.exc != nil {
		return
	}
	rb.exc = err
	rb.writeAvailable = 0
	rb.readSignal.Broadcast()
}

// Empty reports whether there is no more data to read right now.
func (rb *RingBuffer) Empty() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.readAvailable == 0
}

// AtEOF reports whether there is no more data to read AND EOF has been
// fed.
func (rb *RingBuffer) AtEOF() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.eof && rb.readAvailable == 0
}

package ws

import "io"

// InboundReader streams a single frame's payload off the transport in
// fixed-size chunks, unmasking each chunk in place before handing it to
// the message layer. Grounded on the teacher's inline masking loop in
// parseFrames (server.go: `payload[i] ^= maskKey[i%4]`) and
// original_source/websocket/stream/reader.py's feed(), generalized from
// "scan an in-memory buffer" to "read a stream in BUFFER_SIZE pieces".
type InboundReader struct {
	ChunkSize int
}

// NewInboundReader returns an InboundReader that streams payloads in
// chunks of the given size (spec.md's receive_chunk_size, default
// 1024 as in the Python source's WebSocketReader.BUFFER_SIZE).
func NewInboundReader(chunkSize int) *InboundReader {
	if chunkSize <= 0 {
		chunkSize = 1024
	}
	return &InboundReader{ChunkSize: chunkSize}
}

// Stream reads h.Length payload bytes from r, unmasks them in chunks of
// ChunkSize (preserving the mask index across chunk boundaries), and
// hands each unmasked chunk to onChunk in wire order. onChunk is called
// synchronously so a text message's UTF-8 validator can run against the
// exact same chunk boundaries the ring buffer receives (spec.md §4.4).
func (ir *InboundReader) Stream(r io.Reader, h Header, onChunk func([]byte) error) error {
	remaining := h.Length
	var offset uint64
	buf := make([]byte, ir.ChunkSize)

	for remaining > 0 {
		n := ir.ChunkSize
		if uint64(n) > remaining {
			n = int(remaining)
		}
		chunk := buf[:n]
		if _, err := io.ReadFull(r, chunk); err != nil {
			return err
		}
		unmask(chunk, h.MaskKey, offset)
		if err := onChunk(chunk); err != nil {
			return err
		}

		offset += uint64(n)
		remaining -= uint64(n)
	}
	return nil
}

// FeedInto is Stream with no validation hook, for binary payloads.
func (ir *InboundReader) FeedInto(r io.Reader, h Header, dst *RingBuffer) error {
	return ir.Stream(r, h, func(chunk []byte) error {
		dst.Write(chunk)
		return nil
	})
}

// Drain reads and discards h.Length payload bytes from r, used to keep
// the transport aligned when a frame's payload must be consumed but not
// delivered anywhere (the "drain and close" sequence of spec.md §4.5).
func (ir *InboundReader) Drain(r io.Reader, h Header) error {
	remaining := h.Length
	buf := make([]byte, ir.ChunkSize)

	for remaining > 0 {
		n := ir.ChunkSize
		if uint64(n) > remaining {
			n = int(remaining)
		}
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return err
		}
		remaining -= uint64(n)
	}
	return nil
}

// ReadControlPayload reads and unmasks a control frame's payload in one
// shot. Control frames are capped at 125 bytes (spec.md invariant 3) so
// there is no benefit to chunking them.
func (ir *InboundReader) ReadControlPayload(r io.Reader, h Header) ([]byte, error) {
	data := make([]byte, h.Length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	unmask(data, h.MaskKey, 0)
	return data, nil
}

// unmask XORs data in place with key, where offset is the cumulative
// byte position of data[0] within the frame's payload. Preserving the
// running offset (rather than always starting the mask index at 0) is
// what lets masking survive chunk boundaries (spec.md §4.3).
func unmask(data []byte, key [4]byte, offset uint64) {
	for i := range data {
		data[i] ^= key[(offset+uint64(i))%4]
	}
}

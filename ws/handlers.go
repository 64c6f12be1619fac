package ws

// Handlers is the capability set an application registers per
// connection: on_message/on_ping/on_pong/on_closed from spec.md §6's
// callback contract. It replaces the teacher's and the Python source's
// decorator-based registration (`@client.message`, `@self.message`)
// with a plain struct of function values set once at construction,
// per spec.md §9's design note ("avoid mutable registration after the
// loop begins").
type Handlers struct {
	// OnMessage is invoked once per logical message, as soon as its
	// first frame arrives; it is started in a new goroutine and holds
	// a borrow of the Message for as long as it runs. Required: a nil
	// OnMessage is replaced with a handler that drains and discards the
	// message, logging a warning, so a misconfigured server can't
	// deadlock the ring buffer.
	OnMessage func(*Message)

	// OnPing is invoked for every ping frame's payload. The default
	// (used when nil) replies with a pong carrying the identical
	// payload, matching RFC 6455's recommended behavior.
	OnPing func(payload []byte)

	// OnPong is invoked for every pong frame's payload. The default is
	// a no-op.
	OnPong func(payload []byte)

	// OnClosed is invoked once the close handshake completes, with the
	// effective close code and reason. The default is a no-op.
	OnClosed func(code uint16, reason string)
}

// withDefaults returns a copy of h with every nil field replaced by its
// documented default.
func (h Handlers) withDefaults(conn *ConnectionMachine) Handlers {
	if h.OnMessage == nil {
		h.OnMessage = func(m *Message) {
			if _, err := m.ReadAll(); err != nil {
				conn.logger.Warn().Err(err).Msg("discarding message: no OnMessage handler registered")
			} else {
				conn.logger.Warn().Msg("discarding message: no OnMessage handler registered")
			}
		}
	}
	if h.OnPing == nil {
		h.OnPing = func(payload []byte) {
			if err := conn.outbound.Pong(payload); err != nil {
				conn.logger.Warn().Err(err).Msg("failed to send default pong reply")
			}
		}
	}
	if h.OnPong == nil {
		h.OnPong = func([]byte) {}
	}
	if h.OnClosed == nil {
		h.OnClosed = func(uint16, string) {}
	}
	return h
}

package main

import (
	"sync"

	"github.com/regiontog/asws/ws"
)

// chatRoom tracks every open connection so a binary message from one
// peer can be relayed to the rest, while text messages are simply
// echoed back to their sender — the two example behaviors named in
// SPEC_FULL.md §7.7.
type chatRoom struct {
	mu    sync.Mutex
	peers map[*ws.ConnectionMachine]struct{}
}

func newChatRoom() *chatRoom {
	return &chatRoom{peers: make(map[*ws.ConnectionMachine]struct{})}
}

func (r *chatRoom) add(conn *ws.ConnectionMachine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[conn] = struct{}{}
}

func (r *chatRoom) remove(conn *ws.ConnectionMachine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, conn)
}

func (r *chatRoom) broadcast(from *ws.ConnectionMachine, data []byte) {
	r.mu.Lock()
	peers := make([]*ws.ConnectionMachine, 0, len(r.peers))
	for p := range r.peers {
		if p != from {
			peers = append(peers, p)
		}
	}
	r.mu.Unlock()

	for _, p := range peers {
		_ = p.Outbound().SendBinary(data, false)
	}
}

// handlersFor builds the callback set for one connection: text messages
// are echoed back to their sender, binary messages are relayed to every
// other peer in the room, and the connection registers/deregisters
// itself with the room around its own lifecycle.
func (r *chatRoom) handlersFor(conn *ws.ConnectionMachine) ws.Handlers {
	r.add(conn)
	conn.OnTeardown(func(c *ws.ConnectionMachine) { r.remove(c) })

	return ws.Handlers{
		OnMessage: func(msg *ws.Message) {
			switch msg.Kind {
			case ws.KindText:
				text, err := msg.Text()
				if err != nil {
					return
				}
				_ = conn.Outbound().SendText(text, false)
			case ws.KindBinary:
				data, err := msg.Binary()
				if err != nil {
					return
				}
				r.broadcast(conn, data)
			}
		},
		OnClosed: func(uint16, string) {
			r.remove(conn)
		},
	}
}

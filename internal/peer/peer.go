// Package peer defines the connection contract every component talks
// through: fire-and-forget sends, requests with one async response, a
// per-connection extension table, and a disconnect notification.
package peer

import (
	"errors"

	"github.com/danmuck/spawnctl/internal/events"
	"github.com/danmuck/spawnctl/internal/fault"
)

var ErrClosed = errors.New("peer: connection closed")

// ResponseFunc receives the single response to a Request. It is invoked
// exactly once: with the remote status, or with StatusNotConnected /
// StatusTimeout when the connection drops or the deadline passes.
type ResponseFunc func(status Status, payload []byte)

// Peer is one logical connection to the master.
type Peer interface {
	ID() int64
	Connected() bool
	Send(msgType uint32, payload []byte) error
	Request(msgType uint32, payload []byte, fn ResponseFunc) error
	Extensions() *Extensions
	OnDisconnect(fn func(Peer)) events.Subscription
}

// Message is one inbound frame handed to a message handler.
type Message struct {
	Peer    Peer
	Type    uint32
	Payload []byte

	respond func(Status, []byte) error
}

// NewMessage builds a Message. respond may be nil for one-way frames.
func NewMessage(p Peer, msgType uint32, payload []byte, respond func(Status, []byte) error) *Message {
	return &Message{Peer: p, Type: msgType, Payload: payload, respond: respond}
}

// ExpectsResponse reports whether the sender is waiting on a response.
func (m *Message) ExpectsResponse() bool {
	return m.respond != nil
}

// Respond answers the message. One-way messages ignore the call.
func (m *Message) Respond(status Status, payload []byte) error {
	if m.respond == nil {
		return nil
	}
	return m.respond(status, payload)
}

// RespondError maps err to a status and sends its message as the payload.
func (m *Message) RespondError(err error) error {
	return m.Respond(StatusFromError(err), []byte(fault.Message(err)))
}

// Package peertest provides an in-memory peer.Peer for component tests.
package peertest

import (
	"sync"
	"sync/atomic"

	"github.com/danmuck/spawnctl/internal/events"
	"github.com/danmuck/spawnctl/internal/peer"
	"github.com/danmuck/spawnctl/internal/protocol/codec"
)

var nextID atomic.Int64

// Sent is one recorded one-way message.
type Sent struct {
	Type    uint32
	Payload []byte
}

// Decode unmarshals the recorded payload.
func (s Sent) Decode(v any) error {
	return codec.Unmarshal(s.Payload, v)
}

// Call is one recorded request awaiting a response.
type Call struct {
	Type    uint32
	Payload []byte

	once sync.Once
	fn   peer.ResponseFunc
}

// Decode unmarshals the recorded request payload.
func (c *Call) Decode(v any) error {
	return codec.Unmarshal(c.Payload, v)
}

// Respond delivers the response; later calls are ignored.
func (c *Call) Respond(status peer.Status, payload []byte) {
	c.once.Do(func() {
		if c.fn != nil {
			c.fn(status, payload)
		}
	})
}

// RespondValue encodes v as a success response.
func (c *Call) RespondValue(v any) {
	payload, err := codec.Marshal(v)
	if err != nil {
		panic(err)
	}
	c.Respond(peer.StatusSuccess, payload)
}

// Responder answers a request synchronously when it returns true.
type Responder func(call *Call) bool

// Peer records traffic instead of writing it anywhere.
type Peer struct {
	id         int64
	ext        peer.Extensions
	disconnect events.Hub[peer.Peer]

	mu        sync.Mutex
	connected bool
	sent      []Sent
	calls     []*Call
	responder Responder
}

// New returns a connected peer with a unique id.
func New() *Peer {
	return &Peer{id: nextID.Add(1), connected: true}
}

// NewUser returns a connected peer identified as username.
func NewUser(username string) *Peer {
	p := New()
	peer.Store(p, &peer.User{Username: username})
	return p
}

func (p *Peer) ID() int64 { return p.id }

func (p *Peer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *Peer) Extensions() *peer.Extensions { return &p.ext }

func (p *Peer) OnDisconnect(fn func(peer.Peer)) events.Subscription {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		fn(p)
		return events.Subscription{}
	}
	sub := p.disconnect.Subscribe(fn)
	p.mu.Unlock()
	return sub
}

func (p *Peer) Send(msgType uint32, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return peer.ErrClosed
	}
	p.sent = append(p.sent, Sent{Type: msgType, Payload: payload})
	return nil
}

func (p *Peer) Request(msgType uint32, payload []byte, fn peer.ResponseFunc) error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return peer.ErrClosed
	}
	call := &Call{Type: msgType, Payload: payload, fn: fn}
	p.calls = append(p.calls, call)
	responder := p.responder
	p.mu.Unlock()
	if responder != nil {
		responder(call)
	}
	return nil
}

// SetResponder installs a synchronous auto-responder.
func (p *Peer) SetResponder(r Responder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responder = r
}

// Disconnect marks the peer gone, fails pending calls with
// StatusNotConnected and fires disconnect handlers.
func (p *Peer) Disconnect() {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return
	}
	p.connected = false
	calls := p.calls
	p.mu.Unlock()
	for _, c := range calls {
		c.Respond(peer.StatusNotConnected, nil)
	}
	p.disconnect.Emit(p)
}

// DisconnectHandlers reports how many disconnect handlers are registered.
func (p *Peer) DisconnectHandlers() int { return p.disconnect.Len() }

// Sent returns recorded one-way messages of msgType, all when msgType is 0.
func (p *Peer) Sent(msgType uint32) []Sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Sent, 0, len(p.sent))
	for _, s := range p.sent {
		if msgType == 0 || s.Type == msgType {
			out = append(out, s)
		}
	}
	return out
}

// Calls returns recorded requests of msgType, all when msgType is 0.
func (p *Peer) Calls(msgType uint32) []*Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Call, 0, len(p.calls))
	for _, c := range p.calls {
		if msgType == 0 || c.Type == msgType {
			out = append(out, c)
		}
	}
	return out
}

// Reset drops recorded traffic.
func (p *Peer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = nil
	p.calls = nil
}

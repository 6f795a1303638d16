package session

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/spawnctl/internal/events"
	"github.com/danmuck/spawnctl/internal/peer"
	"github.com/danmuck/spawnctl/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// PingType is the reserved message type used for heartbeats.
const PingType uint32 = 1

var ErrOutboundFull = errors.New("session: outbound queue full")

// Handler receives every inbound non-response frame, in arrival order, on
// the connection's read goroutine.
type Handler func(*peer.Message)

type pendingCall struct {
	fn    peer.ResponseFunc
	timer *time.Timer
}

// Conn is one framed stream. It implements peer.Peer.
type Conn struct {
	id      int64
	raw     net.Conn
	cfg     Config
	handler Handler

	out  chan frame.Frame
	done chan struct{}

	ext        peer.Extensions
	disconnect events.Hub[peer.Peer]
	nextMsgID  atomic.Uint64

	mu      sync.Mutex
	closed  bool
	err     error
	pending map[uint64]*pendingCall
}

// NewConn wraps raw. Call Start to begin reading and writing.
func NewConn(id int64, raw net.Conn, cfg Config, handler Handler) *Conn {
	cfg = cfg.WithDefaults()
	return &Conn{
		id:      id,
		raw:     raw,
		cfg:     cfg,
		handler: handler,
		out:     make(chan frame.Frame, cfg.OutboundQueue),
		done:    make(chan struct{}),
		pending: make(map[uint64]*pendingCall),
	}
}

// Start launches the read and write loops.
func (c *Conn) Start() {
	go c.writeLoop()
	go c.readLoop()
}

func (c *Conn) ID() int64 { return c.id }

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *Conn) Extensions() *peer.Extensions { return &c.ext }

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the error that closed the connection, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// OnDisconnect registers fn. On an already closed connection fn runs
// immediately.
func (c *Conn) OnDisconnect(fn func(peer.Peer)) events.Subscription {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn(c)
		return events.Subscription{}
	}
	sub := c.disconnect.Subscribe(fn)
	c.mu.Unlock()
	return sub
}

func (c *Conn) Send(msgType uint32, payload []byte) error {
	return c.enqueue(frame.Request(0, msgType, payload))
}

func (c *Conn) Request(msgType uint32, payload []byte, fn peer.ResponseFunc) error {
	id := c.nextMsgID.Add(1)
	call := &pendingCall{fn: fn}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return peer.ErrClosed
	}
	c.pending[id] = call
	call.timer = time.AfterFunc(c.cfg.RequestTimeout, func() {
		c.complete(id, peer.StatusTimeout, nil)
	})
	c.mu.Unlock()

	if err := c.enqueue(frame.Request(id, msgType, payload)); err != nil {
		c.mu.Lock()
		_, owned := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if !owned {
			// close already answered the call with StatusNotConnected
			return nil
		}
		call.timer.Stop()
		return err
	}
	return nil
}

// Close tears the connection down, fails pending requests with
// StatusNotConnected and notifies disconnect subscribers once.
func (c *Conn) Close() error {
	c.closeWith(nil)
	return nil
}

func (c *Conn) closeWith(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = cause
	pending := c.pending
	c.pending = make(map[uint64]*pendingCall)
	close(c.done)
	c.mu.Unlock()

	_ = c.raw.Close()
	for _, call := range pending {
		call.timer.Stop()
		if call.fn != nil {
			call.fn(peer.StatusNotConnected, nil)
		}
	}
	log.Debug().Int64("peer_id", c.id).Err(cause).Msg("session.Conn closed")
	c.disconnect.Emit(c)
	c.disconnect.Close()
}

func (c *Conn) enqueue(f frame.Frame) error {
	select {
	case <-c.done:
		return peer.ErrClosed
	default:
	}
	select {
	case c.out <- f:
		return nil
	case <-c.done:
		return peer.ErrClosed
	default:
		return ErrOutboundFull
	}
}

func (c *Conn) complete(id uint64, status peer.Status, payload []byte) {
	c.mu.Lock()
	call, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	call.timer.Stop()
	if call.fn != nil {
		call.fn(status, payload)
	}
}

func (c *Conn) respondFunc(id uint64) func(peer.Status, []byte) error {
	if id == 0 {
		return nil
	}
	var once atomic.Bool
	return func(status peer.Status, payload []byte) error {
		if !once.CompareAndSwap(false, true) {
			return nil
		}
		return c.enqueue(frame.Response(id, uint32(status), payload))
	}
}

func (c *Conn) readLoop() {
	for {
		if c.cfg.SessionDeadAfter > 0 {
			_ = c.raw.SetReadDeadline(time.Now().Add(c.cfg.SessionDeadAfter))
		}
		f, err := frame.ReadFrame(c.raw, c.cfg.Limits)
		if err != nil {
			c.closeWith(err)
			return
		}
		h := f.Header
		if h.IsResponse() {
			c.complete(h.MessageID, peer.Status(h.MessageType), f.Payload)
			continue
		}
		if h.MessageType == PingType {
			continue
		}
		respond := c.respondFunc(h.MessageID)
		if c.handler == nil {
			if respond != nil {
				_ = respond(peer.StatusUnhandled, nil)
			}
			continue
		}
		c.handler(peer.NewMessage(c, h.MessageType, f.Payload, respond))
	}
}

func (c *Conn) writeLoop() {
	var heartbeat <-chan time.Time
	if c.cfg.HeartbeatInterval > 0 {
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}
	for {
		select {
		case <-c.done:
			return
		case f := <-c.out:
			if err := c.write(f); err != nil {
				c.closeWith(err)
				return
			}
		case <-heartbeat:
			if err := c.write(frame.Request(0, PingType, nil)); err != nil {
				c.closeWith(err)
				return
			}
		}
	}
}

func (c *Conn) write(f frame.Frame) error {
	_ = c.raw.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return frame.WriteFrame(c.raw, f, c.cfg.Limits)
}

package events

import "sync"

// Mailbox runs posted functions one at a time, in post order, on a single
// goroutine. It is how a component receives callbacks from other
// components without taking their locks.
type Mailbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	closed  bool
	stopped chan struct{}
}

// NewMailbox starts the worker goroutine.
func NewMailbox() *Mailbox {
	m := &Mailbox{stopped: make(chan struct{})}
	m.cond = sync.NewCond(&m.mu)
	go m.run()
	return m
}

// Post queues fn. It never blocks; it returns false once the mailbox is closed.
func (m *Mailbox) Post(fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.queue = append(m.queue, fn)
	m.cond.Signal()
	return true
}

// Sync blocks until everything posted before the call has run.
func (m *Mailbox) Sync() {
	done := make(chan struct{})
	if !m.Post(func() { close(done) }) {
		<-m.stopped
		return
	}
	<-done
}

// Close stops accepting work; already queued work still runs.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Signal()
}

func (m *Mailbox) run() {
	defer close(m.stopped)
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.queue) == 0 && m.closed {
			m.mu.Unlock()
			return
		}
		fn := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.mu.Unlock()
		fn()
	}
}

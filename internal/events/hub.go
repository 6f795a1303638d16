// Package events carries the observer and serial-execution primitives used
// for status-changed, joined/left and destroyed notifications between
// components that each own their own lock.
package events

import "sync"

// Subscription is the registration token returned by Hub.Subscribe.
type Subscription struct {
	id  uint64
	off func(uint64)
}

// Unsubscribe removes the handler. Safe to call more than once and on
// the zero value.
func (s Subscription) Unsubscribe() {
	if s.off != nil {
		s.off(s.id)
	}
}

// Hub is one named notification channel of an entity.
type Hub[T any] struct {
	mu     sync.Mutex
	next   uint64
	order  []uint64
	subs   map[uint64]func(T)
	closed bool
}

// Subscribe registers fn. A closed hub returns an inert subscription.
func (h *Hub[T]) Subscribe(fn func(T)) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || fn == nil {
		return Subscription{}
	}
	if h.subs == nil {
		h.subs = make(map[uint64]func(T))
	}
	h.next++
	id := h.next
	h.subs[id] = fn
	h.order = append(h.order, id)
	return Subscription{id: id, off: h.remove}
}

func (h *Hub[T]) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[id]; !ok {
		return
	}
	delete(h.subs, id)
	for i, v := range h.order {
		if v == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Emit calls every handler in subscription order. Handlers run on the
// caller's goroutine and must not re-enter the emitting entity's lock.
func (h *Hub[T]) Emit(v T) {
	h.mu.Lock()
	handlers := make([]func(T), 0, len(h.order))
	for _, id := range h.order {
		handlers = append(handlers, h.subs[id])
	}
	h.mu.Unlock()
	for _, fn := range handlers {
		fn(v)
	}
}

// Len reports the number of live subscriptions.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close drops every handler and rejects later subscriptions.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.subs = nil
	h.order = nil
}

// Package clock abstracts wall-clock reads and timers so expiry and
// countdown logic can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time and schedules callbacks against it.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f once d has elapsed: on its own goroutine for
	// the real clock, inside Advance for Fake.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop cancels the call; false if it already fired or was stopped.
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Real returns the process wall clock.
func Real() Clock { return realClock{} }

// Fake is a manually advanced clock. AfterFunc callbacks fire
// synchronously during Advance, in deadline order, without the clock's
// lock held.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
}

type fakeTimer struct {
	fake *Fake
	at   time.Time
	fn   func()
	done bool
}

func (t *fakeTimer) Stop() bool {
	t.fake.mu.Lock()
	defer t.fake.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// NewFake returns a fake clock positioned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{fake: f, at: f.now.Add(d), fn: fn}
	f.pending = append(f.pending, t)
	return t
}

// Advance moves the clock forward by d and runs every callback now due.
// Callbacks scheduled while advancing fire on a later Advance.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	f.mu.Unlock()
	for {
		t := f.nextDue(now)
		if t == nil {
			return
		}
		t.fn()
	}
}

func (f *Fake) nextDue(now time.Time) *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var next *fakeTimer
	live := f.pending[:0]
	for _, t := range f.pending {
		if t.done {
			continue
		}
		live = append(live, t)
		if !t.at.After(now) && (next == nil || t.at.Before(next.at)) {
			next = t
		}
	}
	f.pending = live
	if next != nil {
		next.done = true
	}
	return next
}

// Pending reports callbacks scheduled but not yet fired or stopped.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.pending {
		if !t.done {
			n++
		}
	}
	return n
}

// Or returns c, or the real clock when c is nil.
func Or(c Clock) Clock {
	if c == nil {
		return Real()
	}
	return c
}

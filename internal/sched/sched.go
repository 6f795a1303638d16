// Package sched runs the periodic work owned by a host process: dispatch
// ticks, reapers, access sweeps and lobby countdowns.
package sched

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/spawnctl/internal/clock"
)

// Every calls fn each interval until ctx is done or the returned stop
// function is called. stop waits for an in-progress call to return and
// may be called more than once.
func Every(ctx context.Context, interval time.Duration, fn func()) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(cancel)
		<-done
	}
}

// Tick calls fn every interval as measured by clk until stop is called.
// Each call schedules the next one after fn returns. Unlike Every, stop
// does not wait for a call in progress, so fn may call it.
func Tick(clk clock.Clock, interval time.Duration, fn func()) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	clk = clock.Or(clk)
	var (
		mu      sync.Mutex
		timer   clock.Timer
		stopped bool
		arm     func()
	)
	arm = func() {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		timer = clk.AfterFunc(interval, func() {
			mu.Lock()
			done := stopped
			mu.Unlock()
			if done {
				return
			}
			fn()
			arm()
		})
	}
	arm()
	return func() {
		mu.Lock()
		stopped = true
		t := timer
		mu.Unlock()
		if t != nil {
			t.Stop()
		}
	}
}

// Group owns a set of periodic tasks and stops them together.
type Group struct {
	mu    sync.Mutex
	ctx   context.Context
	stops []func()
}

// NewGroup binds the group's tasks to ctx.
func NewGroup(ctx context.Context) *Group {
	return &Group{ctx: ctx}
}

// Every starts fn on interval under the group.
func (g *Group) Every(interval time.Duration, fn func()) {
	stop := Every(g.ctx, interval, fn)
	g.mu.Lock()
	g.stops = append(g.stops, stop)
	g.mu.Unlock()
}

// Stop cancels every task and waits for them to exit.
func (g *Group) Stop() {
	g.mu.Lock()
	stops := g.stops
	g.stops = nil
	g.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}

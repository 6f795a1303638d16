package spawn

import (
	"math"
	"sync"

	"github.com/danmuck/spawnctl/internal/fault"
	"github.com/danmuck/spawnctl/internal/peer"
	"github.com/danmuck/spawnctl/internal/protocol/codec"
	"github.com/danmuck/spawnctl/internal/protocol/schema"
	"github.com/rs/zerolog/log"
)

// MaxConcurrentRequests bounds dispatched tasks still waiting for their
// host to report the process started.
const MaxConcurrentRequests = 8

// Options is what a spawner host declares when it registers.
type Options struct {
	Region    string
	MachineIP string
	// MaxProcesses bounds admission (queued+running) and dispatch
	// (launching+running) separately; 0 is unbounded.
	MaxProcesses int
}

// Registry is the master-side view of one spawner host: admission
// control, a FIFO queue of waiting tasks, and the running-process count
// the host reports.
type Registry struct {
	id   int64
	host peer.Peer
	opts Options

	mu         sync.Mutex
	queue      []*Task
	launching  map[int64]*Task
	dispatched map[int64]*Task
	running    int
	closed     bool
}

// NewRegistry builds the registration for host.
func NewRegistry(id int64, host peer.Peer, opts Options) *Registry {
	if opts.MaxProcesses < 0 {
		opts.MaxProcesses = 0
	}
	return &Registry{
		id:         id,
		host:       host,
		opts:       opts,
		launching:  make(map[int64]*Task),
		dispatched: make(map[int64]*Task),
	}
}

func (r *Registry) ID() int64 { return r.id }

func (r *Registry) Host() peer.Peer { return r.host }

func (r *Registry) Options() Options { return r.opts }

// CanAccept reports whether another task may be queued. Dispatched tasks
// are not counted here, so queued+running can reach capacity+launching;
// DispatchTick holds launching+running at capacity.
func (r *Registry) CanAccept() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canAcceptLocked()
}

func (r *Registry) canAcceptLocked() bool {
	if r.closed {
		return false
	}
	return r.opts.MaxProcesses == 0 || len(r.queue)+r.running < r.opts.MaxProcesses
}

// FreeSlots is capacity minus queued minus running, never negative.
// Unbounded registries report math.MaxInt.
func (r *Registry) FreeSlots() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.opts.MaxProcesses == 0 {
		return math.MaxInt
	}
	return max(0, r.opts.MaxProcesses-len(r.queue)-r.running)
}

// Queued returns the number of tasks waiting for dispatch.
func (r *Registry) Queued() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Launching returns the number of dispatched tasks whose process has not
// been reported started yet.
func (r *Registry) Launching() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.launching)
}

// Running returns the host-reported process count.
func (r *Registry) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Enqueue appends task to the FIFO queue and moves it to
// WaitingForProcess.
func (r *Registry) Enqueue(t *Task) error {
	r.mu.Lock()
	if !r.canAcceptLocked() {
		r.mu.Unlock()
		return fault.New(fault.KindCapacityExceeded, "spawner %d has no free slots", r.id)
	}
	r.queue = append(r.queue, t)
	r.mu.Unlock()
	t.markWaiting(r)
	return nil
}

// DispatchTick sends the head of the queue to the host when the
// concurrency ceiling and capacity allow it. At most one task is
// dispatched per tick.
func (r *Registry) DispatchTick() {
	r.mu.Lock()
	if r.closed || len(r.queue) == 0 || !r.host.Connected() {
		r.mu.Unlock()
		return
	}
	for id, t := range r.launching {
		if t.Status().IsTerminal() {
			delete(r.launching, id)
		}
	}
	for len(r.queue) > 0 && r.queue[0].Status().IsTerminal() {
		r.queue = r.queue[1:]
	}
	if len(r.queue) == 0 || len(r.launching) >= MaxConcurrentRequests {
		r.mu.Unlock()
		return
	}
	if r.opts.MaxProcesses > 0 && r.running+len(r.launching) >= r.opts.MaxProcesses {
		r.mu.Unlock()
		return
	}
	t := r.queue[0]
	r.queue[0] = nil
	r.queue = r.queue[1:]
	r.launching[t.id] = t
	r.dispatched[t.id] = t
	r.mu.Unlock()
	t.markDispatched()

	req := schema.SpawnRequest{
		SpawnerID:  r.id,
		SpawnID:    t.id,
		SpawnCode:  t.code,
		CustomArgs: t.CustomArgs(),
		Properties: t.Properties(),
	}
	log.Info().Int64("spawner_id", r.id).Int64("spawn_id", t.id).Msg("spawn.Registry dispatch")
	err := codec.Request(r.host, schema.MsgSpawnRequest, req, func(status peer.Status, payload []byte) {
		if status == peer.StatusSuccess {
			return
		}
		log.Error().Int64("spawner_id", r.id).Int64("spawn_id", t.id).Str("status", status.String()).
			Str("reason", string(payload)).Msg("spawn.Registry spawn request not handled")
		r.forget(t.id)
		t.Kill()
	})
	if err != nil {
		log.Error().Int64("spawner_id", r.id).Int64("spawn_id", t.id).Err(err).Msg("spawn.Registry spawn request send failed")
		r.forget(t.id)
		t.Kill()
	}
}

func (r *Registry) forget(spawnID int64) {
	r.mu.Lock()
	delete(r.launching, spawnID)
	delete(r.dispatched, spawnID)
	r.mu.Unlock()
}

// Cancel drops a queued task, or asks the host to kill the process of a
// dispatched one.
func (r *Registry) Cancel(t *Task) {
	r.mu.Lock()
	for i, q := range r.queue {
		if q == t {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			r.mu.Unlock()
			return
		}
	}
	_, wasDispatched := r.dispatched[t.id]
	delete(r.launching, t.id)
	r.mu.Unlock()
	if !wasDispatched {
		return
	}
	r.SendKillRequest(t.id, nil)
}

// SendKillRequest asks the host to terminate the process for spawnID.
// done, when set, receives whether the host reported a successful kill.
func (r *Registry) SendKillRequest(spawnID int64, done func(killed bool)) {
	msg := schema.KillSpawnedProcess{SpawnerID: r.id, SpawnID: spawnID}
	err := codec.Request(r.host, schema.MsgKillSpawnedProcess, msg, func(status peer.Status, _ []byte) {
		if status != peer.StatusSuccess {
			log.Warn().Int64("spawner_id", r.id).Int64("spawn_id", spawnID).Str("status", status.String()).Msg("spawn.Registry kill request failed")
		}
		if done != nil {
			done(status == peer.StatusSuccess)
		}
	})
	if err != nil {
		log.Warn().Int64("spawner_id", r.id).Int64("spawn_id", spawnID).Err(err).Msg("spawn.Registry kill request send failed")
		if done != nil {
			done(false)
		}
	}
}

// OnProcessStarted records a started process reported by the host.
func (r *Registry) OnProcessStarted(spawnID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.launching, spawnID)
	r.running++
}

// OnProcessKilled records an exited process reported by the host.
func (r *Registry) OnProcessKilled(spawnID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.launching, spawnID)
	delete(r.dispatched, spawnID)
	if r.running > 0 {
		r.running--
	}
}

// SetProcessCount applies an absolute count reported by the host.
func (r *Registry) SetProcessCount(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = max(0, n)
}

// Close rejects further work and aborts every task still queued.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	queued := r.queue
	r.queue = nil
	r.launching = make(map[int64]*Task)
	r.mu.Unlock()
	for _, t := range queued {
		t.Abort()
	}
}

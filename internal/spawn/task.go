package spawn

import (
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/danmuck/spawnctl/internal/clock"
	"github.com/danmuck/spawnctl/internal/events"
	"github.com/danmuck/spawnctl/internal/fault"
	"github.com/danmuck/spawnctl/internal/peer"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Status is a spawn task state. Negative values are failure exits.
type Status int

const (
	StatusAborted           Status = -2
	StatusKilled            Status = -1
	StatusNone              Status = 0
	StatusWaitingForProcess Status = 1
	StatusProcessRegistered Status = 2
	StatusFinalized         Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusAborted:
		return "aborted"
	case StatusKilled:
		return "killed"
	case StatusNone:
		return "none"
	case StatusWaitingForProcess:
		return "waiting_for_process"
	case StatusProcessRegistered:
		return "process_registered"
	case StatusFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusFinalized || s.IsFailure()
}

// IsFailure reports a failure exit.
func (s Status) IsFailure() bool {
	return s < StatusNone
}

// Request describes one "start me a game server" ask.
type Request struct {
	Region     string
	CustomArgs []string
	Properties map[string]string
	// Requester is told about every status change and owns the task:
	// its disconnect kills an unfinished task.
	Requester peer.Peer
}

// Task is one spawn request lifecycle, correlating the requester, the
// registry it was queued on and the process that eventually registers.
type Task struct {
	id        int64
	code      string
	req       Request
	clock     clock.Clock
	createdAt time.Time

	mu           sync.Mutex
	status       Status
	registry     *Registry
	finalization map[string]string
	dispatchedAt time.Time
	finalizedAt  time.Time

	changed events.Hub[Status]

	// requesterHook is the requester's disconnect handler; guarded by
	// the owning Service's lock.
	requesterHook events.Subscription
}

func newTask(id int64, req Request, clk clock.Clock) *Task {
	clk = clock.Or(clk)
	req.Properties = maps.Clone(req.Properties)
	req.CustomArgs = append([]string(nil), req.CustomArgs...)
	return &Task{
		id:        id,
		code:      uuid.NewString(),
		req:       req,
		clock:     clk,
		createdAt: clk.Now(),
	}
}

func (t *Task) ID() int64 { return t.id }

// Code is the one-time credential the spawned process must present.
func (t *Task) Code() string { return t.code }

func (t *Task) Region() string { return t.req.Region }

func (t *Task) Requester() peer.Peer { return t.req.Requester }

func (t *Task) CreatedAt() time.Time { return t.createdAt }

// Properties returns a copy of the caller-supplied launch properties.
func (t *Task) Properties() map[string]string { return maps.Clone(t.req.Properties) }

func (t *Task) CustomArgs() []string { return append([]string(nil), t.req.CustomArgs...) }

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// FinalizationData returns the data stored by Finalize.
func (t *Task) FinalizationData() (map[string]string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusFinalized {
		return nil, false
	}
	return maps.Clone(t.finalization), true
}

// Subscribe observes every status transition. Handlers run on the
// goroutine that caused the transition, after the task lock is released.
func (t *Task) Subscribe(fn func(Status)) events.Subscription {
	return t.changed.Subscribe(fn)
}

func (t *Task) transition(from func(Status) bool, to Status) (Status, bool) {
	t.mu.Lock()
	prev := t.status
	if !from(prev) {
		t.mu.Unlock()
		return prev, false
	}
	t.status = to
	t.mu.Unlock()
	log.Debug().Int64("spawn_id", t.id).Str("from", prev.String()).Str("to", to.String()).Msg("spawn.Task transition")
	t.changed.Emit(to)
	return prev, true
}

func (t *Task) markWaiting(r *Registry) {
	t.mu.Lock()
	t.registry = r
	t.mu.Unlock()
	t.transition(func(s Status) bool { return s == StatusNone }, StatusWaitingForProcess)
}

// RegisterProcess lets the spawned process claim the task with its code.
// Only valid in WaitingForProcess and only once; a wrong code leaves the
// task untouched.
func (t *Task) RegisterProcess(code string) (map[string]string, error) {
	t.mu.Lock()
	if t.status != StatusWaitingForProcess {
		status := t.status
		t.mu.Unlock()
		return nil, fault.New(fault.KindInvalidState, "spawn %d is %s", t.id, status)
	}
	if code != t.code {
		t.mu.Unlock()
		log.Warn().Int64("spawn_id", t.id).Msg("spawn.Task.RegisterProcess code mismatch")
		return nil, fault.New(fault.KindUnauthorized, "invalid spawn code for spawn %d", t.id)
	}
	t.status = StatusProcessRegistered
	props := maps.Clone(t.req.Properties)
	t.mu.Unlock()

	log.Info().Int64("spawn_id", t.id).Msg("spawn.Task process registered")
	t.changed.Emit(StatusProcessRegistered)
	return props, nil
}

// Finalize stores the process-provided data and completes the task.
func (t *Task) Finalize(data map[string]string) error {
	t.mu.Lock()
	if t.status != StatusProcessRegistered {
		status := t.status
		t.mu.Unlock()
		return fault.New(fault.KindInvalidState, "spawn %d is %s", t.id, status)
	}
	t.status = StatusFinalized
	t.finalization = maps.Clone(data)
	t.finalizedAt = t.clock.Now()
	t.mu.Unlock()

	log.Info().Int64("spawn_id", t.id).Msg("spawn.Task finalized")
	t.changed.Emit(StatusFinalized)
	return nil
}

// Kill moves any non-terminal task to Killed and asks its registry to
// drop it from the queue or terminate its process. Returns false when the
// task had already finished.
func (t *Task) Kill() bool {
	if _, ok := t.transition(func(s Status) bool { return !s.IsTerminal() }, StatusKilled); !ok {
		return false
	}
	t.mu.Lock()
	r := t.registry
	t.mu.Unlock()
	if r != nil {
		r.Cancel(t)
	}
	return true
}

// Abort ends a task whose host went away before it was dispatched.
func (t *Task) Abort() bool {
	_, ok := t.transition(func(s Status) bool { return !s.IsTerminal() }, StatusAborted)
	return ok
}

// processExited marks a still-running task killed after its process went
// away, without asking the host to kill it again.
func (t *Task) processExited() bool {
	_, ok := t.transition(func(s Status) bool { return !s.IsTerminal() }, StatusKilled)
	return ok
}

func (t *Task) markDispatched() {
	t.mu.Lock()
	t.dispatchedAt = t.clock.Now()
	t.mu.Unlock()
}

// DispatchedAt is when the task was sent to its host, zero while queued.
func (t *Task) DispatchedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dispatchedAt
}

func (t *Task) finalizedSince() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalizedAt, t.status == StatusFinalized
}

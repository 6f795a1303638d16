package spawn

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/spawnctl/internal/clock"
	"github.com/danmuck/spawnctl/internal/events"
	"github.com/danmuck/spawnctl/internal/fault"
	"github.com/danmuck/spawnctl/internal/peer"
	"github.com/danmuck/spawnctl/internal/protocol/codec"
	"github.com/danmuck/spawnctl/internal/protocol/schema"
	"github.com/danmuck/spawnctl/internal/sched"
	"github.com/rs/zerolog/log"
)

// Config tunes the master-side spawn service.
type Config struct {
	DispatchInterval       time.Duration
	ReaperInterval         time.Duration
	ProcessRegisterTimeout time.Duration
	// FinalizedRetention keeps finalized tasks around for
	// finalization-data lookups before they are released.
	FinalizedRetention time.Duration
}

func DefaultConfig() Config {
	return Config{
		DispatchInterval:       100 * time.Millisecond,
		ReaperInterval:         time.Second,
		ProcessRegisterTimeout: 60 * time.Second,
		FinalizedRetention:     10 * time.Minute,
	}
}

// spawnerLink is the peer extension listing the registries a host owns.
type spawnerLink struct {
	mu  sync.Mutex
	ids []int64
}

// Service owns every spawner registration and spawn task on the master.
type Service struct {
	cfg   Config
	clock clock.Clock

	nextSpawnerID atomic.Int64
	nextTaskID    atomic.Int64

	mu         sync.RWMutex
	registries map[int64]*Registry
	tasks      map[int64]*Task

	timers *sched.Group
}

func NewService(cfg Config, clk clock.Clock) *Service {
	def := DefaultConfig()
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = def.DispatchInterval
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = def.ReaperInterval
	}
	if cfg.FinalizedRetention <= 0 {
		cfg.FinalizedRetention = def.FinalizedRetention
	}
	return &Service{
		cfg:        cfg,
		clock:      clock.Or(clk),
		registries: make(map[int64]*Registry),
		tasks:      make(map[int64]*Task),
	}
}

// Start runs the dispatch and reaper timers until ctx is done or Stop.
func (s *Service) Start(ctx context.Context) {
	s.timers = sched.NewGroup(ctx)
	s.timers.Every(s.cfg.DispatchInterval, s.DispatchAll)
	s.timers.Every(s.cfg.ReaperInterval, s.Reap)
}

func (s *Service) Stop() {
	if s.timers != nil {
		s.timers.Stop()
	}
}

// RegisterSpawner adds a registry for host. The registry is removed when
// host disconnects.
func (s *Service) RegisterSpawner(host peer.Peer, opts Options) (*Registry, error) {
	if !host.Connected() {
		return nil, fault.ErrNotConnected
	}
	r := NewRegistry(s.nextSpawnerID.Add(1), host, opts)
	s.mu.Lock()
	s.registries[r.id] = r
	s.mu.Unlock()

	link, first := peer.StoreIfAbsent(host, &spawnerLink{})
	link.mu.Lock()
	link.ids = append(link.ids, r.id)
	link.mu.Unlock()
	if first {
		host.OnDisconnect(func(p peer.Peer) {
			link.mu.Lock()
			ids := append([]int64(nil), link.ids...)
			link.mu.Unlock()
			for _, id := range ids {
				s.RemoveSpawner(id)
			}
		})
	}
	log.Info().Int64("spawner_id", r.id).Str("region", opts.Region).Int("max_processes", opts.MaxProcesses).Msg("spawn.Service spawner registered")
	return r, nil
}

// RemoveSpawner drops a registry and aborts its queued tasks.
func (s *Service) RemoveSpawner(id int64) {
	s.mu.Lock()
	r, ok := s.registries[id]
	delete(s.registries, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	r.Close()
	log.Info().Int64("spawner_id", id).Msg("spawn.Service spawner removed")
}

func (s *Service) Registry(id int64) (*Registry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.registries[id]
	return r, ok
}

// Registries returns every registration ordered by id.
func (s *Service) Registries() []*Registry {
	s.mu.RLock()
	out := make([]*Registry, 0, len(s.registries))
	for _, r := range s.registries {
		out = append(out, r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Task looks up a live task by id.
func (s *Service) Task(id int64) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	return t, ok
}

// Spawn queues a task on the registry in req.Region ("" matches any)
// with the most free slots. No accepting registry is CapacityExceeded.
func (s *Service) Spawn(req Request) (*Task, error) {
	if req.Requester != nil && !req.Requester.Connected() {
		return nil, fault.ErrNotConnected
	}
	r := s.pickRegistry(req.Region)
	if r == nil {
		return nil, fault.New(fault.KindCapacityExceeded, "no spawner available in region %q", req.Region)
	}
	t := newTask(s.nextTaskID.Add(1), req, s.clock)

	s.mu.Lock()
	s.tasks[t.id] = t
	s.mu.Unlock()

	t.Subscribe(func(status Status) { s.onTaskStatus(t, status) })
	if err := r.Enqueue(t); err != nil {
		s.release(t.id)
		return nil, err
	}
	if req.Requester != nil {
		sub := req.Requester.OnDisconnect(func(peer.Peer) {
			if t.Kill() {
				log.Info().Int64("spawn_id", t.id).Msg("spawn.Service requester left, task killed")
			}
			s.release(t.id)
		})
		s.mu.Lock()
		_, live := s.tasks[t.id]
		if live {
			t.requesterHook = sub
		}
		s.mu.Unlock()
		if !live {
			sub.Unsubscribe()
		}
	}
	log.Info().Int64("spawn_id", t.id).Int64("spawner_id", r.id).Str("region", req.Region).Msg("spawn.Service task queued")
	return t, nil
}

func (s *Service) pickRegistry(region string) *Registry {
	var best *Registry
	bestFree := -1
	for _, r := range s.Registries() {
		if region != "" && r.opts.Region != region {
			continue
		}
		if !r.host.Connected() || !r.CanAccept() {
			continue
		}
		if free := r.FreeSlots(); free > bestFree {
			best, bestFree = r, free
		}
	}
	return best
}

func (s *Service) onTaskStatus(t *Task, status Status) {
	if p := t.req.Requester; p != nil && p.Connected() {
		msg := schema.SpawnStatusChange{SpawnID: t.id, Status: int(status)}
		if err := codec.Send(p, schema.MsgSpawnStatusChange, msg); err != nil {
			log.Debug().Int64("spawn_id", t.id).Err(err).Msg("spawn.Service status notify failed")
		}
	}
	if status.IsFailure() {
		s.release(t.id)
	}
}

// release forgets a task and detaches it from its requester.
func (s *Service) release(id int64) {
	s.mu.Lock()
	var hook events.Subscription
	if t, ok := s.tasks[id]; ok {
		hook = t.requesterHook
		t.requesterHook = events.Subscription{}
		delete(s.tasks, id)
	}
	s.mu.Unlock()
	hook.Unsubscribe()
}

// RegisterProcess is called by a spawned process presenting its code.
func (s *Service) RegisterProcess(spawnID int64, code string) (map[string]string, error) {
	t, ok := s.Task(spawnID)
	if !ok {
		return nil, fault.New(fault.KindNotFound, "spawn %d not found", spawnID)
	}
	return t.RegisterProcess(code)
}

// Finalize completes a registered task with process-provided data.
func (s *Service) Finalize(spawnID int64, data map[string]string) error {
	t, ok := s.Task(spawnID)
	if !ok {
		return fault.New(fault.KindNotFound, "spawn %d not found", spawnID)
	}
	return t.Finalize(data)
}

// Abort kills a task on behalf of its requester.
func (s *Service) Abort(requester peer.Peer, spawnID int64) error {
	t, ok := s.Task(spawnID)
	if !ok {
		return fault.New(fault.KindNotFound, "spawn %d not found", spawnID)
	}
	if owner := t.req.Requester; owner != nil && (requester == nil || owner.ID() != requester.ID()) {
		return fault.New(fault.KindUnauthorized, "spawn %d belongs to another peer", spawnID)
	}
	if !t.Kill() {
		return fault.New(fault.KindInvalidState, "spawn %d already %s", spawnID, t.Status())
	}
	return nil
}

// FinalizationData returns a finalized task's data.
func (s *Service) FinalizationData(spawnID int64) (map[string]string, error) {
	t, ok := s.Task(spawnID)
	if !ok {
		return nil, fault.New(fault.KindNotFound, "spawn %d not found", spawnID)
	}
	data, ok := t.FinalizationData()
	if !ok {
		return nil, fault.New(fault.KindInvalidState, "spawn %d is %s", spawnID, t.Status())
	}
	return data, nil
}

// OnProcessStarted applies a host's started notification.
func (s *Service) OnProcessStarted(spawnerID, spawnID int64) {
	if r, ok := s.Registry(spawnerID); ok {
		r.OnProcessStarted(spawnID)
	}
}

// OnProcessKilled applies a host's exit notification and fails a task
// whose process died before finishing.
func (s *Service) OnProcessKilled(spawnerID, spawnID int64) {
	if r, ok := s.Registry(spawnerID); ok {
		r.OnProcessKilled(spawnID)
	}
	if t, ok := s.Task(spawnID); ok && t.processExited() {
		log.Warn().Int64("spawn_id", spawnID).Msg("spawn.Service process exited before finalize")
	}
}

// SetProcessCount applies a host's absolute running count.
func (s *Service) SetProcessCount(spawnerID int64, n int) {
	if r, ok := s.Registry(spawnerID); ok {
		r.SetProcessCount(n)
	}
}

// DispatchAll runs one dispatch tick on every registry.
func (s *Service) DispatchAll() {
	for _, r := range s.Registries() {
		r.DispatchTick()
	}
}

// Reap kills dispatched tasks whose process has not registered within
// ProcessRegisterTimeout and forgets old finalized tasks nobody owns.
func (s *Service) Reap() {
	now := s.clock.Now()
	s.mu.RLock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.RUnlock()

	for _, t := range tasks {
		switch t.Status() {
		case StatusWaitingForProcess:
			at := t.DispatchedAt()
			if at.IsZero() || s.cfg.ProcessRegisterTimeout <= 0 {
				continue
			}
			if waited := now.Sub(at); waited > s.cfg.ProcessRegisterTimeout {
				log.Warn().Int64("spawn_id", t.id).Dur("waited", waited).Msg("spawn.Service process never registered, killing task")
				t.Kill()
			}
		case StatusFinalized:
			if at, ok := t.finalizedSince(); ok && now.Sub(at) > s.cfg.FinalizedRetention {
				s.release(t.id)
			}
		}
	}
}

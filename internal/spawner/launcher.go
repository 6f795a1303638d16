package spawner

import (
	"strings"
	"sync"

	"github.com/danmuck/spawnctl/internal/fault"
	"github.com/danmuck/spawnctl/internal/protocol/schema"
	"github.com/danmuck/spawnctl/internal/tools"
	"github.com/rs/zerolog/log"
)

// Notifier receives process lifecycle events for the master.
type Notifier interface {
	ProcessStarted(spawnID int64, pid int, args []string)
	ProcessKilled(spawnID int64)
}

// Launcher turns spawn requests into running processes bound to reserved
// ports. Each process is started and waited on its own goroutine.
type Launcher struct {
	cfg     Config
	starter tools.Starter
	ports   *PortPool
	notify  Notifier

	mu    sync.Mutex
	procs map[int64]*launch
	wg    sync.WaitGroup
}

// launch is a table entry; proc is nil while Start is still running.
type launch struct {
	proc      tools.Process
	cancelled bool
}

func NewLauncher(cfg Config, starter tools.Starter, notify Notifier) *Launcher {
	return &Launcher{
		cfg:     cfg,
		starter: starter,
		ports:   NewPortPool(cfg.PortsStart),
		notify:  notify,
		procs:   make(map[int64]*launch),
	}
}

// Ports exposes the launcher's port pool.
func (l *Launcher) Ports() *PortPool { return l.ports }

// Running returns the number of started processes still tracked.
func (l *Launcher) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.procs {
		if e.proc != nil && !e.cancelled {
			n++
		}
	}
	return n
}

func (l *Launcher) executable(req schema.SpawnRequest) string {
	path := l.cfg.ExecutablePath
	if override := strings.TrimSpace(req.Properties[PropExecutablePath]); override != "" {
		if l.cfg.AllowExecutableOverride {
			path = override
		} else {
			log.Warn().Int64("spawn_id", req.SpawnID).Str("path", override).Msg("spawner.Launcher executable override ignored")
		}
	}
	return path
}

// Launch starts the process for req. ack is called exactly once: with nil
// as soon as the OS handle exists, or with a LaunchFailure. It never
// blocks on the process.
func (l *Launcher) Launch(req schema.SpawnRequest, ack func(error)) {
	if err := req.Validate(); err != nil {
		ack(fault.New(fault.KindInvalid, "%v", err))
		return
	}
	path := l.executable(req)
	if path == "" {
		ack(fault.New(fault.KindLaunchFailure, "no executable configured"))
		return
	}
	entry := &launch{}
	l.mu.Lock()
	if _, exists := l.procs[req.SpawnID]; exists {
		l.mu.Unlock()
		ack(fault.New(fault.KindDuplicateRequest, "spawn %d already running", req.SpawnID))
		return
	}
	l.procs[req.SpawnID] = entry
	l.mu.Unlock()

	port := l.ports.Acquire()
	args := BuildArgs(l.cfg, req, port)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		proc, err := l.starter.Start(path, args)
		if err != nil {
			l.mu.Lock()
			delete(l.procs, req.SpawnID)
			l.mu.Unlock()
			l.ports.Release(port)
			log.Error().Int64("spawn_id", req.SpawnID).Str("path", path).Err(err).Msg("spawner.Launcher start failed")
			ack(fault.New(fault.KindLaunchFailure, "start %s: %v", path, err))
			return
		}

		l.mu.Lock()
		entry.proc = proc
		cancelled := entry.cancelled
		l.mu.Unlock()

		pid := proc.Pid()
		log.Info().Int64("spawn_id", req.SpawnID).Int("pid", pid).Int("port", port).Bool("cancelled", cancelled).Msg("spawner.Launcher process started")
		ack(nil)
		if l.notify != nil {
			l.notify.ProcessStarted(req.SpawnID, pid, args)
		}
		// Killed while starting: the exit below reclaims the port and
		// reports ProcessKilled, balancing the started report.
		if cancelled {
			if err := proc.Kill(); err != nil {
				log.Warn().Int64("spawn_id", req.SpawnID).Err(err).Msg("spawner.Launcher kill after start failed")
			}
		}

		waitErr := proc.Wait()

		l.mu.Lock()
		if cur, ok := l.procs[req.SpawnID]; ok && cur == entry {
			delete(l.procs, req.SpawnID)
		}
		l.mu.Unlock()
		l.ports.Release(port)
		log.Info().Int64("spawn_id", req.SpawnID).Int32("exit_code", tools.ExitCode(waitErr)).Msg("spawner.Launcher process exited")
		if l.notify != nil {
			l.notify.ProcessKilled(req.SpawnID)
		}
	}()
}

// Kill terminates the tracked process for spawnID. A process still
// starting is killed as soon as its handle exists. An unknown id is not an
// error; false means the kill itself failed.
func (l *Launcher) Kill(spawnID int64) bool {
	l.mu.Lock()
	entry, ok := l.procs[spawnID]
	if !ok || entry.cancelled {
		l.mu.Unlock()
		return true
	}
	entry.cancelled = true
	proc := entry.proc
	l.mu.Unlock()
	if proc == nil {
		log.Info().Int64("spawn_id", spawnID).Msg("spawner.Launcher kill pending start")
		return true
	}
	if err := proc.Kill(); err != nil {
		log.Warn().Int64("spawn_id", spawnID).Err(err).Msg("spawner.Launcher kill failed")
		return false
	}
	return true
}

// StopAll kills every tracked process, including those still starting,
// and waits for their exit handling.
func (l *Launcher) StopAll() {
	l.mu.Lock()
	ids := make([]int64, 0, len(l.procs))
	for id := range l.procs {
		ids = append(ids, id)
	}
	l.mu.Unlock()
	for _, id := range ids {
		l.Kill(id)
	}
	l.wg.Wait()
}

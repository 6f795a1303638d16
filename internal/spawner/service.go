package spawner

import (
	"context"
	"errors"
	"math/rand"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/spawnctl/internal/peer"
	"github.com/danmuck/spawnctl/internal/protocol/codec"
	"github.com/danmuck/spawnctl/internal/protocol/schema"
	"github.com/danmuck/spawnctl/internal/protocol/session"
	"github.com/danmuck/spawnctl/internal/sched"
	"github.com/danmuck/spawnctl/internal/tools"
	"github.com/rs/zerolog/log"
)

var ErrRegistrationRejected = errors.New("spawner: registration rejected")

// Service keeps one spawner host registered with the master and serves
// its launch and kill commands.
type Service struct {
	cfg      Config
	launcher *Launcher
	rng      *rand.Rand

	mu        sync.RWMutex
	conn      *session.Conn
	spawnerID int64

	registered atomic.Bool
}

// NewServiceWithConfig builds the service; starter defaults to os/exec.
func NewServiceWithConfig(cfg Config, starter tools.Starter) (*Service, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	if starter == nil {
		starter = tools.ExecStarter{Dir: cfg.WorkDir}
	}
	s := &Service{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.launcher = NewLauncher(cfg, starter, s)
	return s, nil
}

// Launcher exposes the process launcher.
func (s *Service) Launcher() *Launcher { return s.launcher }

// SpawnerID returns the id assigned by the master on the current link.
func (s *Service) SpawnerID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.spawnerID
}

// Registered reports whether the current link completed registration.
func (s *Service) Registered() bool { return s.registered.Load() }

// Spawner runtime entrypoint that blocks until process signal shutdown.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

// Serve connects, registers and re-registers after every lost link until
// ctx is done. Running processes survive reconnects; they are killed when
// Serve returns.
func (s *Service) Serve(ctx context.Context) error {
	defer s.launcher.StopAll()
	attempt := 0
	for {
		err := s.serveOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrRegistrationRejected) {
			return err
		}
		attempt++
		delay := s.cfg.Session.Backoff.Delay(attempt, s.rng)
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("spawner.Service master link lost")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	conn, err := session.Connect(ctx, s.cfg.MasterAddr, s.cfg.Session, s.cfg.MaxConnectAttempts, s.handle)
	if err != nil {
		return err
	}
	defer conn.Close()

	regCtx, cancel := context.WithTimeout(ctx, s.cfg.Session.RequestTimeout)
	defer cancel()
	var ack schema.SpawnerRegistered
	req := schema.RegisterSpawner{
		Region:       s.cfg.Region,
		MachineIP:    s.cfg.MachineIP,
		MaxProcesses: s.cfg.MaxProcesses,
	}
	if err := codec.Call(regCtx, conn, schema.MsgRegisterSpawner, req, &ack); err != nil {
		if errors.Is(err, peer.ErrClosed) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return errors.Join(ErrRegistrationRejected, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.spawnerID = ack.SpawnerID
	s.mu.Unlock()
	s.registered.Store(true)
	defer func() {
		s.registered.Store(false)
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()
	log.Info().Int64("spawner_id", ack.SpawnerID).Str("master", s.cfg.MasterAddr).Msg("spawner.Service registered")

	s.reportCount()
	stopReports := sched.Every(ctx, s.cfg.CountReportInterval, s.reportCount)
	defer stopReports()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-conn.Done():
		return conn.Err()
	}
}

func (s *Service) link() (*session.Conn, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn, s.spawnerID
}

func (s *Service) reportCount() {
	conn, id := s.link()
	if conn == nil {
		return
	}
	msg := schema.UpdateProcessesCount{SpawnerID: id, Count: s.launcher.Running()}
	if err := codec.Send(conn, schema.MsgUpdateProcessesCount, msg); err != nil {
		log.Debug().Err(err).Msg("spawner.Service count report failed")
	}
}

// ProcessStarted implements Notifier.
func (s *Service) ProcessStarted(spawnID int64, pid int, args []string) {
	conn, id := s.link()
	if conn == nil {
		return
	}
	msg := schema.ProcessStarted{SpawnerID: id, SpawnID: spawnID, ProcessID: pid, Args: args}
	if err := codec.Send(conn, schema.MsgProcessStarted, msg); err != nil {
		log.Warn().Int64("spawn_id", spawnID).Err(err).Msg("spawner.Service process started notify failed")
	}
}

// ProcessKilled implements Notifier.
func (s *Service) ProcessKilled(spawnID int64) {
	conn, id := s.link()
	if conn == nil {
		return
	}
	msg := schema.ProcessKilled{SpawnerID: id, SpawnID: spawnID}
	if err := codec.Send(conn, schema.MsgProcessKilled, msg); err != nil {
		log.Warn().Int64("spawn_id", spawnID).Err(err).Msg("spawner.Service process killed notify failed")
	}
}

func (s *Service) handle(msg *peer.Message) {
	switch msg.Type {
	case schema.MsgSpawnRequest:
		var req schema.SpawnRequest
		if err := codec.Decode(msg, &req); err != nil {
			_ = msg.RespondError(err)
			return
		}
		log.Info().Int64("spawn_id", req.SpawnID).Msg("spawner.Service spawn request")
		s.launcher.Launch(req, func(err error) {
			if err != nil {
				_ = msg.RespondError(err)
				return
			}
			_ = msg.Respond(peer.StatusSuccess, nil)
		})
	case schema.MsgKillSpawnedProcess:
		var req schema.KillSpawnedProcess
		if err := codec.Decode(msg, &req); err != nil {
			_ = msg.RespondError(err)
			return
		}
		if s.launcher.Kill(req.SpawnID) {
			_ = msg.Respond(peer.StatusSuccess, nil)
			return
		}
		_ = msg.Respond(peer.StatusFailed, []byte("kill failed"))
	default:
		log.Debug().Str("type", schema.Name(msg.Type)).Msg("spawner.Service unhandled message")
		_ = msg.Respond(peer.StatusUnhandled, nil)
	}
}

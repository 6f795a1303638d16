package master

import (
	"context"
	"errors"
	"net"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/danmuck/spawnctl/internal/lobby"
	"github.com/danmuck/spawnctl/internal/peer"
	"github.com/danmuck/spawnctl/internal/protocol/session"
	"github.com/danmuck/spawnctl/internal/rooms"
	"github.com/danmuck/spawnctl/internal/spawn"
	"github.com/rs/zerolog/log"
)

// Service is the master runtime: one listener, one handler table, and the
// spawn, room and lobby services behind it.
type Service struct {
	cfg ServiceConfig

	spawns  *spawn.Service
	rooms   *rooms.Directory
	lobbies *lobby.Directory
	routes  map[uint32]handlerFunc

	// life bounds lobby countdowns; cancelled when Serve returns.
	life     context.Context
	shutdown context.CancelFunc

	nextPeerID  atomic.Int64
	clientCount atomic.Int64

	usersMu sync.Mutex
	users   map[string]peer.Peer

	connsMu sync.Mutex
	conns   map[*session.Conn]struct{}
}

// NewServiceWithConfig builds the master. Lobby templates are loaded here
// so a bad file fails before anything listens.
func NewServiceWithConfig(cfg ServiceConfig) (*Service, error) {
	cfg = cfg.Normalize()
	var templates map[string]lobby.Options
	if cfg.LobbyTemplatesPath != "" {
		loaded, err := lobby.LoadTemplates(cfg.LobbyTemplatesPath)
		if err != nil {
			return nil, err
		}
		templates = loaded
	}
	life, shutdown := context.WithCancel(context.Background())
	s := &Service{
		cfg:      cfg,
		spawns:   spawn.NewService(cfg.Spawn, nil),
		rooms:    rooms.NewDirectory(cfg.Rooms, nil),
		life:     life,
		shutdown: shutdown,
		conns:    make(map[*session.Conn]struct{}),
		users:    make(map[string]peer.Peer),
	}
	s.lobbies = lobby.NewDirectory(life, nil, templates, s.spawns, s.rooms)
	s.routes = s.buildRoutes()
	return s, nil
}

func (s *Service) Spawns() *spawn.Service { return s.spawns }

func (s *Service) Rooms() *rooms.Directory { return s.rooms }

func (s *Service) Lobbies() *lobby.Directory { return s.lobbies }

// Master runtime entrypoint that blocks until signal shutdown.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := session.Listen(s.cfg.ListenAddr, s.cfg.Session)
	if err != nil {
		return err
	}
	log.Warn().Str("addr", ln.Addr().String()).Msg("master.Service.Run listening")
	return s.Serve(ctx, ln)
}

// Serve runs the timers and the accept loop on ln until ctx is done.
// Every connection and lobby is closed on return.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	s.spawns.Start(ctx)
	s.rooms.Start(ctx)
	defer func() {
		s.spawns.Stop()
		s.rooms.Stop()
		s.lobbies.Close()
		s.rooms.Close()
		s.shutdown()
	}()
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.accept(raw)
	}
}

func (s *Service) accept(raw net.Conn) {
	conn := session.NewConn(s.nextPeerID.Add(1), raw, s.cfg.Session, s.handle)
	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()

	remote := conn.RemoteAddr()
	active := s.clientCount.Add(1)
	log.Info().Int64("peer_id", conn.ID()).Str("remote", remote).Int64("active_clients", active).Msg("master.Service client connected")
	conn.OnDisconnect(func(peer.Peer) {
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		remaining := s.clientCount.Add(-1)
		log.Info().Int64("peer_id", conn.ID()).Str("remote", remote).Int64("active_clients", remaining).Err(conn.Err()).Msg("master.Service client disconnected")
	})
	conn.Start()
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	conns := make([]*session.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// ClientCount reports currently connected peers.
func (s *Service) ClientCount() int64 { return s.clientCount.Load() }

package master

import (
	"maps"
	"slices"
	"strings"

	"github.com/danmuck/spawnctl/internal/fault"
	"github.com/danmuck/spawnctl/internal/lobby"
	"github.com/danmuck/spawnctl/internal/peer"
	"github.com/danmuck/spawnctl/internal/protocol/codec"
	"github.com/danmuck/spawnctl/internal/protocol/schema"
	"github.com/danmuck/spawnctl/internal/spawn"
	"github.com/rs/zerolog/log"
)

// handlerFunc serves one message type. A returned error becomes the
// response; handlers that answer later return nil.
type handlerFunc func(msg *peer.Message) error

type validator interface {
	Validate() error
}

func (s *Service) buildRoutes() map[uint32]handlerFunc {
	return map[uint32]handlerFunc{
		schema.MsgPing:     s.handlePing,
		schema.MsgIdentify: s.handleIdentify,

		schema.MsgRegisterSpawner:      s.handleRegisterSpawner,
		schema.MsgProcessStarted:       s.handleProcessStarted,
		schema.MsgProcessKilled:        s.handleProcessKilled,
		schema.MsgUpdateProcessesCount: s.handleUpdateProcessesCount,

		schema.MsgClientSpawnRequest:       s.handleClientSpawnRequest,
		schema.MsgAbortSpawnRequest:        s.handleAbortSpawnRequest,
		schema.MsgRegisterSpawnedProcess:   s.handleRegisterSpawnedProcess,
		schema.MsgCompleteSpawnProcess:     s.handleCompleteSpawnProcess,
		schema.MsgGetSpawnFinalizationData: s.handleGetSpawnFinalizationData,

		schema.MsgRegisterRoom:       s.handleRegisterRoom,
		schema.MsgDestroyRoom:        s.handleDestroyRoom,
		schema.MsgSaveRoomOptions:    s.handleSaveRoomOptions,
		schema.MsgGetRoomAccess:      s.handleGetRoomAccess,
		schema.MsgValidateRoomAccess: s.handleValidateRoomAccess,
		schema.MsgPlayerLeftRoom:     s.handlePlayerLeftRoom,
		schema.MsgFindGames:          s.handleFindGames,

		schema.MsgCreateLobby:          s.handleCreateLobby,
		schema.MsgJoinLobby:            s.handleJoinLobby,
		schema.MsgLeaveLobby:           s.handleLeaveLobby,
		schema.MsgSetLobbyProperties:   s.handleSetLobbyProperties,
		schema.MsgSetMyLobbyProperties: s.handleSetMyLobbyProperties,
		schema.MsgLobbySetReady:        s.handleLobbySetReady,
		schema.MsgJoinLobbyTeam:        s.handleJoinLobbyTeam,
		schema.MsgLobbyStartGame:       s.handleLobbyStartGame,
		schema.MsgLobbySendChat:        s.handleLobbySendChat,
		schema.MsgGetLobbyRoomAccess:   s.handleGetLobbyRoomAccess,
		schema.MsgGetLobbyInfo:         s.handleGetLobbyInfo,
	}
}

// handle runs on the connection's read goroutine, so handlers never
// wait on a remote peer.
func (s *Service) handle(msg *peer.Message) {
	h, ok := s.routes[msg.Type]
	if !ok {
		log.Debug().Int64("peer_id", msg.Peer.ID()).Uint32("type", msg.Type).Msg("master.Service unhandled message")
		_ = msg.Respond(peer.StatusUnhandled, nil)
		return
	}
	if err := h(msg); err != nil {
		log.Debug().Int64("peer_id", msg.Peer.ID()).Str("type", schema.Name(msg.Type)).Err(err).Msg("master.Service request rejected")
		_ = msg.RespondError(err)
	}
}

// decode unmarshals and, when the payload type can, validates it.
func decode[T any](msg *peer.Message) (T, error) {
	var v T
	if err := codec.Decode(msg, &v); err != nil {
		return v, err
	}
	if val, ok := any(v).(validator); ok {
		if err := val.Validate(); err != nil {
			return v, fault.New(fault.KindInvalid, "%v", err)
		}
	}
	return v, nil
}

func respondOK(msg *peer.Message) error {
	return msg.Respond(peer.StatusSuccess, nil)
}

func (s *Service) handlePing(msg *peer.Message) error {
	return respondOK(msg)
}

// handleIdentify binds a username to the connection. A name is held by
// one connection at a time and a connection keeps its first name.
func (s *Service) handleIdentify(msg *peer.Message) error {
	req, err := decode[schema.Identify](msg)
	if err != nil {
		return err
	}
	name := strings.TrimSpace(req.Username)
	p := msg.Peer
	if cur, ok := peer.Load[peer.User](p); ok {
		if cur.Username != name {
			return fault.New(fault.KindInvalidState, "already identified as %q", cur.Username)
		}
		return codec.Respond(msg, schema.Identified{PeerID: p.ID()})
	}

	s.usersMu.Lock()
	if holder, taken := s.users[name]; taken && holder.ID() != p.ID() {
		s.usersMu.Unlock()
		return fault.New(fault.KindUnauthorized, "%q is already signed in", name)
	}
	s.users[name] = p
	s.usersMu.Unlock()

	if _, first := peer.StoreIfAbsent(p, &peer.User{Username: name}); first {
		p.OnDisconnect(func(p peer.Peer) {
			s.usersMu.Lock()
			if holder, ok := s.users[name]; ok && holder.ID() == p.ID() {
				delete(s.users, name)
			}
			s.usersMu.Unlock()
		})
	}
	log.Info().Int64("peer_id", p.ID()).Str("username", name).Msg("master.Service identified")
	return codec.Respond(msg, schema.Identified{PeerID: p.ID()})
}

func requireUser(p peer.Peer) (string, error) {
	name := peer.Username(p)
	if name == "" {
		return "", fault.New(fault.KindUnauthorized, "identify first")
	}
	return name, nil
}

func (s *Service) handleRegisterSpawner(msg *peer.Message) error {
	req, err := decode[schema.RegisterSpawner](msg)
	if err != nil {
		return err
	}
	r, err := s.spawns.RegisterSpawner(msg.Peer, spawn.Options{
		Region:       strings.TrimSpace(req.Region),
		MachineIP:    strings.TrimSpace(req.MachineIP),
		MaxProcesses: req.MaxProcesses,
	})
	if err != nil {
		return err
	}
	return codec.Respond(msg, schema.SpawnerRegistered{SpawnerID: r.ID()})
}

// ownedSpawner rejects host notifications about registries the sender
// does not own.
func (s *Service) ownedSpawner(p peer.Peer, spawnerID int64) error {
	r, ok := s.spawns.Registry(spawnerID)
	if !ok {
		return fault.New(fault.KindNotFound, "spawner %d not found", spawnerID)
	}
	if r.Host().ID() != p.ID() {
		return fault.New(fault.KindUnauthorized, "spawner %d belongs to another peer", spawnerID)
	}
	return nil
}

func (s *Service) handleProcessStarted(msg *peer.Message) error {
	req, err := decode[schema.ProcessStarted](msg)
	if err != nil {
		return err
	}
	if err := s.ownedSpawner(msg.Peer, req.SpawnerID); err != nil {
		return err
	}
	log.Info().Int64("spawner_id", req.SpawnerID).Int64("spawn_id", req.SpawnID).Int("pid", req.ProcessID).Msg("master.Service process started")
	s.spawns.OnProcessStarted(req.SpawnerID, req.SpawnID)
	return nil
}

func (s *Service) handleProcessKilled(msg *peer.Message) error {
	req, err := decode[schema.ProcessKilled](msg)
	if err != nil {
		return err
	}
	if err := s.ownedSpawner(msg.Peer, req.SpawnerID); err != nil {
		return err
	}
	s.spawns.OnProcessKilled(req.SpawnerID, req.SpawnID)
	return nil
}

func (s *Service) handleUpdateProcessesCount(msg *peer.Message) error {
	req, err := decode[schema.UpdateProcessesCount](msg)
	if err != nil {
		return err
	}
	if err := s.ownedSpawner(msg.Peer, req.SpawnerID); err != nil {
		return err
	}
	s.spawns.SetProcessCount(req.SpawnerID, req.Count)
	return nil
}

func (s *Service) handleClientSpawnRequest(msg *peer.Message) error {
	req, err := decode[schema.ClientSpawnRequest](msg)
	if err != nil {
		return err
	}
	task, err := s.spawns.Spawn(spawn.Request{
		Region:     strings.TrimSpace(req.Region),
		CustomArgs: req.CustomArgs,
		Properties: req.Properties,
		Requester:  msg.Peer,
	})
	if err != nil {
		return err
	}
	return codec.Respond(msg, schema.SpawnAccepted{SpawnID: task.ID()})
}

func (s *Service) handleAbortSpawnRequest(msg *peer.Message) error {
	req, err := decode[schema.AbortSpawnRequest](msg)
	if err != nil {
		return err
	}
	if err := s.spawns.Abort(msg.Peer, req.SpawnID); err != nil {
		return err
	}
	return respondOK(msg)
}

func (s *Service) handleRegisterSpawnedProcess(msg *peer.Message) error {
	req, err := decode[schema.RegisterSpawnedProcess](msg)
	if err != nil {
		return err
	}
	props, err := s.spawns.RegisterProcess(req.SpawnID, req.SpawnCode)
	if err != nil {
		return err
	}
	return codec.Respond(msg, schema.SpawnedProcessRegistered{Properties: props})
}

func (s *Service) handleCompleteSpawnProcess(msg *peer.Message) error {
	req, err := decode[schema.CompleteSpawnProcess](msg)
	if err != nil {
		return err
	}
	if err := s.spawns.Finalize(req.SpawnID, req.FinalizationData); err != nil {
		return err
	}
	return respondOK(msg)
}

func (s *Service) handleGetSpawnFinalizationData(msg *peer.Message) error {
	req, err := decode[schema.GetSpawnFinalizationData](msg)
	if err != nil {
		return err
	}
	data, err := s.spawns.FinalizationData(req.SpawnID)
	if err != nil {
		return err
	}
	return codec.Respond(msg, schema.SpawnFinalizationData{Data: data})
}

func (s *Service) handleRegisterRoom(msg *peer.Message) error {
	opts, err := decode[schema.RoomOptions](msg)
	if err != nil {
		return err
	}
	room, err := s.rooms.Register(msg.Peer, opts)
	if err != nil {
		return err
	}
	return codec.Respond(msg, schema.RoomRegistered{RoomID: room.ID()})
}

func (s *Service) handleDestroyRoom(msg *peer.Message) error {
	req, err := decode[schema.DestroyRoom](msg)
	if err != nil {
		return err
	}
	if err := s.rooms.Destroy(msg.Peer, req.RoomID); err != nil {
		return err
	}
	return respondOK(msg)
}

func (s *Service) handleSaveRoomOptions(msg *peer.Message) error {
	req, err := decode[schema.SaveRoomOptions](msg)
	if err != nil {
		return err
	}
	if err := req.Options.Validate(); err != nil {
		return fault.New(fault.KindInvalid, "%v", err)
	}
	if err := s.rooms.SaveOptions(msg.Peer, req.RoomID, req.Options); err != nil {
		return err
	}
	return respondOK(msg)
}

func (s *Service) handleGetRoomAccess(msg *peer.Message) error {
	req, err := decode[schema.GetRoomAccess](msg)
	if err != nil {
		return err
	}
	return s.rooms.RequestAccess(msg.Peer, req, accessResponder(msg))
}

// accessResponder answers msg once the owning game server decides.
func accessResponder(msg *peer.Message) func(schema.RoomAccess, error) {
	return func(access schema.RoomAccess, err error) {
		if err != nil {
			_ = msg.RespondError(err)
			return
		}
		if err := codec.Respond(msg, access); err != nil {
			log.Debug().Int64("peer_id", msg.Peer.ID()).Err(err).Msg("master.Service access response failed")
		}
	}
}

func (s *Service) handleValidateRoomAccess(msg *peer.Message) error {
	req, err := decode[schema.ValidateRoomAccess](msg)
	if err != nil {
		return err
	}
	p, err := s.rooms.ValidateAccess(msg.Peer, req.RoomID, req.Token)
	if err != nil {
		return err
	}
	return codec.Respond(msg, schema.RoomAccessValidated{PeerID: p.ID(), Username: peer.Username(p)})
}

func (s *Service) handlePlayerLeftRoom(msg *peer.Message) error {
	req, err := decode[schema.PlayerLeftRoom](msg)
	if err != nil {
		return err
	}
	if err := s.rooms.PlayerLeft(msg.Peer, req.RoomID, req.PeerID); err != nil {
		return err
	}
	return respondOK(msg)
}

// handleFindGames lists public rooms followed by open lobbies.
func (s *Service) handleFindGames(msg *peer.Message) error {
	var req schema.FindGames
	if len(msg.Payload) > 0 {
		decoded, err := decode[schema.FindGames](msg)
		if err != nil {
			return err
		}
		req = decoded
	}
	games := s.rooms.FindGames(req.Filters)
	games = append(games, s.lobbies.FindGames(req.Filters)...)
	return codec.Respond(msg, schema.GameList{Games: games})
}

func (s *Service) handleCreateLobby(msg *peer.Message) error {
	if _, err := requireUser(msg.Peer); err != nil {
		return err
	}
	req, err := decode[schema.CreateLobby](msg)
	if err != nil {
		return err
	}
	l, err := s.lobbies.Create(strings.TrimSpace(req.Template), req.Properties)
	if err != nil {
		return err
	}
	return codec.Respond(msg, schema.LobbyCreated{LobbyID: l.ID()})
}

func (s *Service) handleJoinLobby(msg *peer.Message) error {
	req, err := decode[schema.JoinLobby](msg)
	if err != nil {
		return err
	}
	l, err := s.lobbies.Join(msg.Peer, req.LobbyID)
	if err != nil {
		return err
	}
	return codec.Respond(msg, l.Info())
}

func (s *Service) handleLeaveLobby(msg *peer.Message) error {
	if err := s.lobbies.Leave(msg.Peer); err != nil {
		return err
	}
	return respondOK(msg)
}

func currentLobby(p peer.Peer) (*lobby.Lobby, error) {
	l, ok := lobby.Current(p)
	if !ok {
		return nil, fault.New(fault.KindNotFound, "not in a lobby")
	}
	return l, nil
}

func (s *Service) handleSetLobbyProperties(msg *peer.Message) error {
	req, err := decode[schema.PropertyMap](msg)
	if err != nil {
		return err
	}
	l, err := currentLobby(msg.Peer)
	if err != nil {
		return err
	}
	if err := l.SetProperties(msg.Peer, req.Properties); err != nil {
		return err
	}
	return respondOK(msg)
}

func (s *Service) handleSetMyLobbyProperties(msg *peer.Message) error {
	req, err := decode[schema.PropertyMap](msg)
	if err != nil {
		return err
	}
	l, err := currentLobby(msg.Peer)
	if err != nil {
		return err
	}
	for _, key := range slices.Sorted(maps.Keys(req.Properties)) {
		if err := l.SetPlayerProperty(msg.Peer, key, req.Properties[key]); err != nil {
			return err
		}
	}
	return respondOK(msg)
}

func (s *Service) handleLobbySetReady(msg *peer.Message) error {
	req, err := decode[schema.SetReady](msg)
	if err != nil {
		return err
	}
	l, err := currentLobby(msg.Peer)
	if err != nil {
		return err
	}
	if err := l.SetReadyState(msg.Peer, req.Ready); err != nil {
		return err
	}
	return respondOK(msg)
}

func (s *Service) handleJoinLobbyTeam(msg *peer.Message) error {
	req, err := decode[schema.JoinTeam](msg)
	if err != nil {
		return err
	}
	l, err := currentLobby(msg.Peer)
	if err != nil {
		return err
	}
	if err := l.JoinTeam(msg.Peer, req.Team); err != nil {
		return err
	}
	return respondOK(msg)
}

func (s *Service) handleLobbyStartGame(msg *peer.Message) error {
	l, err := currentLobby(msg.Peer)
	if err != nil {
		return err
	}
	if err := l.StartGameManually(msg.Peer); err != nil {
		return err
	}
	return respondOK(msg)
}

func (s *Service) handleLobbySendChat(msg *peer.Message) error {
	req, err := decode[schema.ChatText](msg)
	if err != nil {
		return err
	}
	l, err := currentLobby(msg.Peer)
	if err != nil {
		return err
	}
	if err := l.Chat(msg.Peer, req.Text); err != nil {
		return err
	}
	return respondOK(msg)
}

func (s *Service) handleGetLobbyRoomAccess(msg *peer.Message) error {
	var req schema.PropertyMap
	if len(msg.Payload) > 0 {
		decoded, err := decode[schema.PropertyMap](msg)
		if err != nil {
			return err
		}
		req = decoded
	}
	l, err := currentLobby(msg.Peer)
	if err != nil {
		return err
	}
	return l.RequestGameAccess(msg.Peer, req.Properties, accessResponder(msg))
}

// handleGetLobbyInfo describes lobby LobbyID, or the sender's own lobby
// when the id is zero or absent.
func (s *Service) handleGetLobbyInfo(msg *peer.Message) error {
	var req schema.GetLobbyInfo
	if len(msg.Payload) > 0 {
		decoded, err := decode[schema.GetLobbyInfo](msg)
		if err != nil {
			return err
		}
		req = decoded
	}
	if req.LobbyID == 0 {
		l, err := currentLobby(msg.Peer)
		if err != nil {
			return err
		}
		return codec.Respond(msg, l.Info())
	}
	l, ok := s.lobbies.Lobby(req.LobbyID)
	if !ok {
		return fault.New(fault.KindNotFound, "lobby %d not found", req.LobbyID)
	}
	return codec.Respond(msg, l.Info())
}

package lobby

import (
	"context"
	"fmt"
	"maps"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/spawnctl/internal/clock"
	"github.com/danmuck/spawnctl/internal/events"
	"github.com/danmuck/spawnctl/internal/fault"
	"github.com/danmuck/spawnctl/internal/peer"
	"github.com/danmuck/spawnctl/internal/protocol/codec"
	"github.com/danmuck/spawnctl/internal/protocol/schema"
	"github.com/danmuck/spawnctl/internal/rooms"
	"github.com/danmuck/spawnctl/internal/sched"
	"github.com/danmuck/spawnctl/internal/spawn"
	"github.com/rs/zerolog/log"
)

// SystemSender signs chat messages the lobby itself produces.
const SystemSender = "System"

// Spawner submits spawn tasks. spawn.Service implements it.
type Spawner interface {
	Spawn(req spawn.Request) (*spawn.Task, error)
}

// RoomLocator resolves the room a finalized game server registered.
// rooms.Directory implements it.
type RoomLocator interface {
	Room(id int64) (*rooms.Room, bool)
}

type outgoing struct {
	to      []peer.Peer
	msgType uint32
	body    any
}

// Lobby assembles players into teams and drives one game server through
// a spawn task. Every mutation runs under mu; messages produced under
// the lock are sent after it is released. Task and room notifications
// arrive through the mailbox.
type Lobby struct {
	id      int64
	opts    Options
	ctx     context.Context
	spawner Spawner
	locator RoomLocator
	mailbox *events.Mailbox

	maxPlayers int
	minPlayers int

	mu         sync.Mutex
	state      State
	statusText string
	members    map[string]*Member
	byPeer     map[int64]*Member
	order      []string
	teams      []*Team
	props      map[string]string
	master     string
	destroyed  bool
	starting   bool

	task     *spawn.Task
	taskSub  events.Subscription
	room     *rooms.Room
	roomSub  events.Subscription
	gameAddr string

	countdown time.Duration
	autoGen   uint64
	autoStop  func()
	graceWait clock.Timer

	out []outgoing

	gone events.Hub[*Lobby]
}

// New builds a lobby in Preparations. ctx bounds its countdown timer.
func New(ctx context.Context, id int64, opts Options, spawner Spawner, locator RoomLocator) (*Lobby, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	l := &Lobby{
		id:         id,
		opts:       opts,
		ctx:        ctx,
		spawner:    spawner,
		locator:    locator,
		mailbox:    events.NewMailbox(),
		statusText: StatePreparations.statusText(),
		members:    make(map[string]*Member),
		byPeer:     make(map[int64]*Member),
		props:      maps.Clone(opts.Properties),
	}
	if l.props == nil {
		l.props = make(map[string]string)
	}
	for _, cfg := range opts.Teams {
		l.teams = append(l.teams, newTeam(cfg))
		l.maxPlayers += cfg.MaxPlayers
		l.minPlayers += cfg.MinPlayers
	}
	l.mu.Lock()
	l.startAutomationLocked()
	if !opts.KeepAliveWhenEmpty {
		l.graceWait = opts.Clock.AfterFunc(opts.EmptyGrace, l.destroyIfEmpty)
	}
	l.mu.Unlock()
	return l, nil
}

// destroyIfEmpty ends a lobby that nobody joined within EmptyGrace.
func (l *Lobby) destroyIfEmpty() {
	l.mu.Lock()
	if l.destroyed || len(l.members) > 0 {
		l.unlock()
		return
	}
	log.Info().Int64("lobby_id", l.id).Dur("grace", l.opts.EmptyGrace).Msg("lobby.Lobby nobody joined, destroying")
	task := l.teardownLocked()
	l.unlock()
	l.finishDestroy(task)
}

func (l *Lobby) ID() int64 { return l.id }

func (l *Lobby) Name() string { return l.opts.Name }

func (l *Lobby) MaxPlayers() int { return l.maxPlayers }

func (l *Lobby) MinPlayers() int { return l.minPlayers }

func (l *Lobby) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lobby) StatusText() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statusText
}

func (l *Lobby) GameMaster() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.master
}

func (l *Lobby) MemberCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.members)
}

func (l *Lobby) Destroyed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.destroyed
}

// Property returns a shared lobby property.
func (l *Lobby) Property(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.props[key]
	return v, ok
}

// Task is the spawn task currently bound to the lobby, if any.
func (l *Lobby) Task() *spawn.Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.task
}

// GameAddress is the running room's address, "" when no game is live.
func (l *Lobby) GameAddress() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gameAddr
}

// SubscribeDestroyed fires once when the lobby is destroyed.
func (l *Lobby) SubscribeDestroyed(fn func(*Lobby)) events.Subscription {
	return l.gone.Subscribe(fn)
}

// Sync waits until task and room notifications queued so far have been
// applied.
func (l *Lobby) Sync() { l.mailbox.Sync() }

// unlock releases mu and sends every message queued while it was held.
func (l *Lobby) unlock() {
	out := l.out
	l.out = nil
	l.mu.Unlock()
	for _, o := range out {
		for _, p := range o.to {
			if err := codec.Send(p, o.msgType, o.body); err != nil {
				log.Debug().Int64("lobby_id", l.id).Int64("peer_id", p.ID()).Str("type", schema.Name(o.msgType)).Err(err).Msg("lobby.Lobby send failed")
			}
		}
	}
}

func (l *Lobby) broadcastLocked(msgType uint32, body any, except peer.Peer) {
	to := make([]peer.Peer, 0, len(l.order))
	for _, name := range l.order {
		p := l.members[name].peer
		if except != nil && p.ID() == except.ID() {
			continue
		}
		to = append(to, p)
	}
	if len(to) > 0 {
		l.out = append(l.out, outgoing{to: to, msgType: msgType, body: body})
	}
}

func (l *Lobby) sendLocked(p peer.Peer, msgType uint32, body any) {
	l.out = append(l.out, outgoing{to: []peer.Peer{p}, msgType: msgType, body: body})
}

func (l *Lobby) chatErrorLocked(text string) {
	l.broadcastLocked(schema.MsgLobbyChatMessage, schema.LobbyChatMessage{Sender: SystemSender, Text: text, IsError: true}, nil)
}

// rejectLocked tells only the requester why its request failed.
func (l *Lobby) rejectLocked(p peer.Peer, err error) error {
	l.sendLocked(p, schema.MsgLobbyChatMessage, schema.LobbyChatMessage{Sender: SystemSender, Text: fault.Message(err), IsError: true})
	return err
}

func (l *Lobby) destroyedErr() error {
	return fault.New(fault.KindNotFound, "lobby %d is destroyed", l.id)
}

func (l *Lobby) memberLocked(p peer.Peer) (*Member, error) {
	m, ok := l.byPeer[p.ID()]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "not a member of lobby %d", l.id)
	}
	return m, nil
}

func (l *Lobby) setStatusTextLocked(text string) {
	if l.statusText == text {
		return
	}
	l.statusText = text
	l.broadcastLocked(schema.MsgLobbyStatusTextChange, schema.LobbyStatusText{Text: text}, nil)
}

// setStateLocked applies a transition: ready flags reset, state and
// status text broadcast, countdown started or stopped.
func (l *Lobby) setStateLocked(s State) {
	if l.state == s {
		return
	}
	prev := l.state
	l.state = s
	log.Info().Int64("lobby_id", l.id).Str("from", prev.String()).Str("to", s.String()).Msg("lobby.Lobby transition")
	l.setStatusTextLocked(s.statusText())
	for _, name := range l.order {
		m := l.members[name]
		m.ready = false
		l.broadcastLocked(schema.MsgLobbyMemberReadyChange, schema.LobbyMemberReadyChange{Username: name, Ready: false}, nil)
	}
	l.broadcastLocked(schema.MsgLobbyStateChange, schema.LobbyStateChange{State: int(s)}, nil)
	if s == StatePreparations {
		l.startAutomationLocked()
	} else {
		l.stopAutomationLocked()
	}
}

func (l *Lobby) setMasterLocked(username string) {
	if !l.opts.EnableGameMasters || l.master == username {
		return
	}
	l.master = username
	l.broadcastLocked(schema.MsgLobbyMasterChange, schema.LobbyMasterChange{Username: username}, nil)
}

// pickTeamLocked returns the least populated team with room, earlier
// teams winning ties.
func (l *Lobby) pickTeamLocked() *Team {
	var best *Team
	for _, t := range l.teams {
		if t.full() {
			continue
		}
		if best == nil || t.count() < best.count() {
			best = t
		}
	}
	return best
}

func (l *Lobby) teamLocked(name string) *Team {
	for _, t := range l.teams {
		if t.name == name {
			return t
		}
	}
	return nil
}

func (l *Lobby) lackingTeamLocked() *Team {
	for _, t := range l.teams {
		if t.lacking() {
			return t
		}
	}
	return nil
}

func (l *Lobby) teamsFullLocked() bool {
	for _, t := range l.teams {
		if !t.full() {
			return false
		}
	}
	return true
}

// AddPlayer admits an identified player, placing it in the least
// populated team.
func (l *Lobby) AddPlayer(p peer.Peer) error {
	username := peer.Username(p)
	if username == "" {
		return fault.New(fault.KindUnauthorized, "player is not identified")
	}
	if err := claim(p, l); err != nil {
		return err
	}
	m, err := l.admit(p, username)
	if err != nil {
		release(p, l)
		return err
	}

	sub := p.OnDisconnect(func(p peer.Peer) { l.RemovePlayer(p) })
	l.mu.Lock()
	if cur, ok := l.byPeer[p.ID()]; ok && cur == m {
		m.leaveSub = sub
		sub = events.Subscription{}
	}
	l.mu.Unlock()
	sub.Unsubscribe()
	return nil
}

func (l *Lobby) admit(p peer.Peer, username string) (*Member, error) {
	l.mu.Lock()
	defer l.unlock()
	switch {
	case l.destroyed:
		return nil, l.destroyedErr()
	case l.members[username] != nil:
		return nil, fault.New(fault.KindAlreadyInLobby, "%s is already in lobby %d", username, l.id)
	case l.opts.IsPlayerAllowed != nil && !l.opts.IsPlayerAllowed(username, p):
		return nil, fault.New(fault.KindUnauthorized, "%s is not allowed in lobby %d", username, l.id)
	case len(l.members) >= l.maxPlayers:
		return nil, fault.New(fault.KindCapacityExceeded, "lobby %d is full", l.id)
	case !l.opts.AllowJoiningWhenLive && l.state != StatePreparations:
		return nil, fault.New(fault.KindInvalidState, "lobby %d game is already in progress", l.id)
	}
	team := l.pickTeamLocked()
	if team == nil {
		return nil, fault.New(fault.KindCapacityExceeded, "no team in lobby %d has room", l.id)
	}
	m := &Member{username: username, peer: p, team: team, props: make(map[string]string)}
	team.add(username)
	l.members[username] = m
	l.byPeer[p.ID()] = m
	l.order = append(l.order, username)
	l.stopGraceLocked()
	log.Info().Int64("lobby_id", l.id).Str("username", username).Str("team", team.name).Msg("lobby.Lobby member joined")

	if l.master == "" {
		l.setMasterLocked(l.order[0])
	}
	l.broadcastLocked(schema.MsgLobbyMemberJoined, m.data(), p)
	return m, nil
}

// RemovePlayer detaches p from the lobby. An emptied lobby is destroyed
// unless it is kept alive. Returns false if p was not a member.
func (l *Lobby) RemovePlayer(p peer.Peer) bool {
	l.mu.Lock()
	m, ok := l.byPeer[p.ID()]
	if !ok {
		l.unlock()
		return false
	}
	l.removeLocked(m)
	if len(l.members) == 0 && !l.opts.KeepAliveWhenEmpty {
		task := l.teardownLocked()
		l.unlock()
		l.finishDestroy(task)
		return true
	}
	l.broadcastLocked(schema.MsgLobbyMemberLeft, schema.LobbyMemberLeft{Username: m.username}, nil)
	l.unlock()
	return true
}

func (l *Lobby) removeLocked(m *Member) {
	delete(l.members, m.username)
	delete(l.byPeer, m.peer.ID())
	if i := slices.Index(l.order, m.username); i >= 0 {
		l.order = slices.Delete(l.order, i, i+1)
	}
	m.team.remove(m.username)
	m.leaveSub.Unsubscribe()
	release(m.peer, l)
	if l.master == m.username {
		next := ""
		if len(l.order) > 0 {
			next = l.order[0]
		}
		l.setMasterLocked(next)
	}
	l.sendLocked(m.peer, schema.MsgLeftLobby, schema.LeftLobby{LobbyID: l.id})
	log.Info().Int64("lobby_id", l.id).Str("username", m.username).Msg("lobby.Lobby member left")
}

// Destroy removes every member, kills the bound spawn task and notifies
// subscribers once.
func (l *Lobby) Destroy() {
	l.mu.Lock()
	if l.destroyed {
		l.unlock()
		return
	}
	for _, name := range slices.Clone(l.order) {
		l.removeLocked(l.members[name])
	}
	task := l.teardownLocked()
	l.unlock()
	l.finishDestroy(task)
}

func (l *Lobby) teardownLocked() *spawn.Task {
	l.destroyed = true
	l.stopAutomationLocked()
	l.stopGraceLocked()
	task := l.task
	l.task = nil
	l.taskSub.Unsubscribe()
	l.roomSub.Unsubscribe()
	l.room = nil
	return task
}

// stopGraceLocked disarms the empty-lobby timer; the first join keeps
// the lobby alive from then on.
func (l *Lobby) stopGraceLocked() {
	if l.graceWait != nil {
		l.graceWait.Stop()
		l.graceWait = nil
	}
}

func (l *Lobby) finishDestroy(task *spawn.Task) {
	if task != nil {
		task.Kill()
	}
	l.mailbox.Close()
	log.Info().Int64("lobby_id", l.id).Msg("lobby.Lobby destroyed")
	l.gone.Emit(l)
	l.gone.Close()
}

// SetProperty writes a shared property on behalf of a member.
func (l *Lobby) SetProperty(p peer.Peer, key, value string) error {
	return l.SetProperties(p, map[string]string{key: value})
}

// SetProperties writes several shared properties at once, in key order.
func (l *Lobby) SetProperties(p peer.Peer, props map[string]string) error {
	l.mu.Lock()
	defer l.unlock()
	if l.destroyed {
		return l.destroyedErr()
	}
	m, err := l.memberLocked(p)
	if err != nil {
		return err
	}
	if !l.opts.AllowPropertyChanges {
		return fault.New(fault.KindUnauthorized, "lobby %d properties are locked", l.id)
	}
	if l.opts.EnableGameMasters && l.master != m.username {
		return fault.New(fault.KindUnauthorized, "only the game master can change lobby properties")
	}
	for _, key := range slices.Sorted(maps.Keys(props)) {
		if key == "" {
			return fault.New(fault.KindInvalid, "empty property key")
		}
	}
	for _, key := range slices.Sorted(maps.Keys(props)) {
		l.setPropertyLocked(key, props[key])
	}
	return nil
}

func (l *Lobby) setPropertyLocked(key, value string) {
	l.props[key] = value
	l.broadcastLocked(schema.MsgLobbyPropertyChanged, schema.LobbyPropertyChanged{Key: key, Value: value}, nil)
}

// SetPlayerProperty writes one of the member's own properties.
func (l *Lobby) SetPlayerProperty(p peer.Peer, key, value string) error {
	l.mu.Lock()
	defer l.unlock()
	m, err := l.memberLocked(p)
	if err != nil {
		return err
	}
	if key == "" {
		return fault.New(fault.KindInvalid, "empty property key")
	}
	if l.opts.CanSetPlayerProperty != nil && !l.opts.CanSetPlayerProperty(m.username, key, value) {
		return fault.New(fault.KindUnauthorized, "property %q cannot be changed", key)
	}
	m.props[key] = value
	l.broadcastLocked(schema.MsgLobbyMemberPropertyChange, schema.LobbyMemberPropertyChanged{Username: m.username, Key: key, Value: value}, nil)
	return nil
}

// SetReadyState updates a member's ready flag. When every member is
// ready and StartWhenAllReady is set, the game starts.
func (l *Lobby) SetReadyState(p peer.Peer, ready bool) error {
	l.mu.Lock()
	if !l.opts.EnableReadySystem {
		l.unlock()
		return fault.New(fault.KindInvalidState, "lobby %d has no ready system", l.id)
	}
	m, err := l.memberLocked(p)
	if err != nil {
		l.unlock()
		return err
	}
	m.ready = ready
	l.broadcastLocked(schema.MsgLobbyMemberReadyChange, schema.LobbyMemberReadyChange{Username: m.username, Ready: ready}, nil)
	start := l.opts.StartWhenAllReady && l.state == StatePreparations && l.allReadyLocked("") && l.lackingTeamLocked() == nil
	l.unlock()
	if start {
		if err := l.StartGame(); err != nil {
			log.Debug().Int64("lobby_id", l.id).Err(err).Msg("lobby.Lobby all-ready start failed")
		}
	}
	return nil
}

// allReadyLocked reports whether every member except skip is ready. An
// empty lobby is never ready.
func (l *Lobby) allReadyLocked(skip string) bool {
	if len(l.members) == 0 {
		return false
	}
	for name, m := range l.members {
		if name != skip && !m.ready {
			return false
		}
	}
	return true
}

// JoinTeam moves the member to another team with room.
func (l *Lobby) JoinTeam(p peer.Peer, teamName string) error {
	l.mu.Lock()
	defer l.unlock()
	m, err := l.memberLocked(p)
	if err != nil {
		return err
	}
	if !l.opts.EnableTeamSwitching {
		return l.rejectLocked(p, fault.New(fault.KindInvalidState, "team switching is disabled"))
	}
	team := l.teamLocked(teamName)
	if team == nil {
		return l.rejectLocked(p, fault.New(fault.KindNotFound, "no team %q", teamName))
	}
	if team == m.team {
		return nil
	}
	if team.full() {
		return l.rejectLocked(p, fault.New(fault.KindCapacityExceeded, "Team is full"))
	}
	m.team.remove(m.username)
	team.add(m.username)
	m.team = team
	l.broadcastLocked(schema.MsgLobbyMemberChangedTeam, schema.LobbyMemberChangedTeam{Username: m.username, Team: team.name}, nil)
	return nil
}

// Chat broadcasts a member's text to the lobby.
func (l *Lobby) Chat(p peer.Peer, text string) error {
	l.mu.Lock()
	defer l.unlock()
	m, err := l.memberLocked(p)
	if err != nil {
		return err
	}
	l.broadcastLocked(schema.MsgLobbyChatMessage, schema.LobbyChatMessage{Sender: m.username, Text: text}, nil)
	return nil
}

// Info snapshots the lobby for a joining or refreshing client.
func (l *Lobby) Info() schema.LobbyInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	info := schema.LobbyInfo{
		LobbyID:    l.id,
		Name:       l.opts.Name,
		State:      int(l.state),
		StatusText: l.statusText,
		GameMaster: l.master,
		Properties: maps.Clone(l.props),
		Members:    make([]schema.LobbyMemberData, 0, len(l.order)),
		Teams:      make([]schema.LobbyTeamData, 0, len(l.teams)),
		MaxPlayers: l.maxPlayers,
		MinPlayers: l.minPlayers,
	}
	for _, name := range l.order {
		info.Members = append(info.Members, l.members[name].data())
	}
	for _, t := range l.teams {
		info.Teams = append(info.Teams, t.data())
	}
	return info
}

// StartGameManually starts the game on the game master's request. Every
// rejection is also sent to the requester as an error chat message.
func (l *Lobby) StartGameManually(p peer.Peer) error {
	l.mu.Lock()
	m, err := l.memberLocked(p)
	if err != nil {
		l.unlock()
		return err
	}
	if err := l.manualStartCheckLocked(m); err != nil {
		err = l.rejectLocked(p, err)
		l.unlock()
		return err
	}
	l.unlock()
	return l.StartGame()
}

func (l *Lobby) manualStartCheckLocked(m *Member) error {
	if !l.opts.EnableManualStart {
		return fault.New(fault.KindUnauthorized, "You cannot start the game manually")
	}
	if l.master != m.username {
		return fault.New(fault.KindUnauthorized, "You're not the master of this game")
	}
	if l.state != StatePreparations {
		return fault.New(fault.KindInvalidState, "Invalid lobby state")
	}
	if l.destroyed {
		return fault.New(fault.KindInvalidState, "Lobby is destroyed")
	}
	if !l.allReadyLocked(l.master) {
		return fault.New(fault.KindInvalidState, "Not all players are ready")
	}
	if len(l.members) < l.minPlayers {
		return fault.New(fault.KindInvalidState, "Not enough players. Need %d more", l.minPlayers-len(l.members))
	}
	if t := l.lackingTeamLocked(); t != nil {
		return fault.New(fault.KindInvalidState, "Team %s does not have enough players", t.name)
	}
	return nil
}

// StartGame hides the lobby from listings and submits a spawn task built
// from the lobby properties. When no spawner can take it an error chat
// message is broadcast and the state is unchanged.
func (l *Lobby) StartGame() error {
	l.mu.Lock()
	if l.destroyed {
		l.unlock()
		return l.destroyedErr()
	}
	if l.starting || l.state == StateStartingGameServer || l.state == StateGameInProgress {
		l.unlock()
		return fault.New(fault.KindInvalidState, "lobby %d game already %s", l.id, l.state)
	}
	l.starting = true
	l.setPropertyLocked(PropIsPublic, "false")
	req := spawn.Request{
		Region:     l.props[PropRegion],
		CustomArgs: []string{ArgLobbyID, strconv.FormatInt(l.id, 10)},
		Properties: maps.Clone(l.props),
	}
	l.unlock()

	task, err := l.spawner.Spawn(req)

	l.mu.Lock()
	l.starting = false
	if err != nil {
		log.Warn().Int64("lobby_id", l.id).Err(err).Msg("lobby.Lobby spawn rejected")
		l.chatErrorLocked("Servers are busy")
		l.unlock()
		return err
	}
	if l.destroyed {
		l.unlock()
		task.Kill()
		return l.destroyedErr()
	}
	l.bindTaskLocked(task)
	l.setStateLocked(StateStartingGameServer)
	l.unlock()
	return nil
}

func (l *Lobby) bindTaskLocked(task *spawn.Task) {
	l.taskSub.Unsubscribe()
	l.task = task
	l.taskSub = task.Subscribe(func(status spawn.Status) {
		l.mailbox.Post(func() { l.onSpawnStatus(task, status) })
	})
	// Transitions before the subscription are replayed from the current
	// status.
	status := task.Status()
	l.mailbox.Post(func() { l.onSpawnStatus(task, status) })
}

func (l *Lobby) onSpawnStatus(task *spawn.Task, status spawn.Status) {
	var room *rooms.Room
	var addr, roomErr string
	var roomSub events.Subscription
	if status == spawn.StatusFinalized {
		room, addr, roomErr = l.resolveRoom(task)
	}
	if room != nil {
		roomSub = room.SubscribeDestroyed(func(r *rooms.Room) {
			l.mailbox.Post(func() { l.onRoomDestroyed(r) })
		})
	}

	l.mu.Lock()
	switch {
	case l.destroyed || l.task != task:
	case status > spawn.StatusNone && status < spawn.StatusFinalized:
		l.setStateLocked(StateStartingGameServer)
	case status == spawn.StatusFinalized:
		if l.state == StateGameInProgress {
			break
		}
		l.setStateLocked(StateGameInProgress)
		if roomErr != "" {
			l.chatErrorLocked(roomErr)
		}
		if room != nil {
			l.room, l.gameAddr, l.roomSub = room, addr, roomSub
			roomSub = events.Subscription{}
		}
	case status.IsFailure():
		l.taskSub.Unsubscribe()
		l.task = nil
		if l.state == StateStartingGameServer {
			l.chatErrorLocked("Failed to start a game server")
			l.setStateLocked(l.afterGame(StateFailedToStart))
		} else {
			l.setStateLocked(l.afterGame(StateGameOver))
		}
	}
	bound := room != nil && l.room == room
	l.unlock()

	roomSub.Unsubscribe()
	if bound && room.Destroyed() {
		l.mailbox.Post(func() { l.onRoomDestroyed(room) })
	}
}

func (l *Lobby) afterGame(terminal State) State {
	if l.opts.PlayAgain {
		return StatePreparations
	}
	return terminal
}

// resolveRoom finds the room named by a finalized task's data and its
// address. It runs outside the lobby lock.
func (l *Lobby) resolveRoom(task *spawn.Task) (*rooms.Room, string, string) {
	data, ok := task.FinalizationData()
	if !ok {
		return nil, "", ""
	}
	raw, ok := data[PropRoomID]
	if !ok {
		return nil, "", "Game server finalized, but room id cannot be found"
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, "", fmt.Sprintf("Game server finalized with invalid room id %q", raw)
	}
	if l.locator == nil {
		return nil, "", ""
	}
	room, ok := l.locator.Room(id)
	if !ok {
		return nil, "", ""
	}
	opts := room.Options()
	return room, net.JoinHostPort(opts.RoomIP, strconv.Itoa(opts.RoomPort)), ""
}

func (l *Lobby) onRoomDestroyed(room *rooms.Room) {
	l.mu.Lock()
	if l.destroyed || l.room != room {
		l.unlock()
		return
	}
	l.roomSub.Unsubscribe()
	l.room = nil
	l.gameAddr = ""
	l.taskSub.Unsubscribe()
	l.task = nil
	l.setStateLocked(l.afterGame(StateGameOver))
	l.unlock()
}

// RequestGameAccess asks the running room to admit a member.
func (l *Lobby) RequestGameAccess(p peer.Peer, props map[string]string, done rooms.AccessFunc) error {
	l.mu.Lock()
	if _, err := l.memberLocked(p); err != nil {
		l.unlock()
		return err
	}
	room := l.room
	l.unlock()
	if room == nil {
		return fault.New(fault.KindInvalidState, "Game is not running")
	}
	return room.RequestAccess(p, props, done)
}

func (l *Lobby) startAutomationLocked() {
	if !l.opts.Autostart || l.destroyed || l.autoStop != nil {
		return
	}
	l.countdown = l.opts.WaitAfterMinPlayers
	l.autoGen++
	gen := l.autoGen
	l.autoStop = sched.Tick(l.opts.Clock, l.opts.AutomationTick, func() { l.automationTick(gen) })
}

func (l *Lobby) stopAutomationLocked() {
	if l.autoStop == nil {
		return
	}
	l.autoStop()
	l.autoStop = nil
	l.autoGen++
}

// automationTick advances the countdown by one tick. Unmet minimums
// reset it; full teams cut it to WaitAfterFullTeams; reaching zero
// starts the game.
func (l *Lobby) automationTick(gen uint64) {
	l.mu.Lock()
	if gen != l.autoGen || l.destroyed || l.state != StatePreparations {
		l.unlock()
		return
	}
	if l.ctx.Err() != nil {
		l.stopAutomationLocked()
		l.unlock()
		return
	}
	if n := len(l.members); n < l.minPlayers {
		l.countdown = l.opts.WaitAfterMinPlayers
		l.setStatusTextLocked(fmt.Sprintf("Waiting for players: %d more", l.minPlayers-n))
		l.unlock()
		return
	}
	if t := l.lackingTeamLocked(); t != nil {
		l.countdown = l.opts.WaitAfterMinPlayers
		l.setStatusTextLocked(fmt.Sprintf("Not enough players in team '%s'", t.name))
		l.unlock()
		return
	}
	l.countdown -= l.opts.AutomationTick
	if l.teamsFullLocked() && l.countdown > l.opts.WaitAfterFullTeams {
		l.countdown = l.opts.WaitAfterFullTeams
	}
	if l.countdown > 0 {
		l.setStatusTextLocked(fmt.Sprintf("Starting game in %s", l.countdown))
		l.unlock()
		return
	}
	l.stopAutomationLocked()
	l.unlock()
	if err := l.StartGame(); err != nil {
		log.Debug().Int64("lobby_id", l.id).Err(err).Msg("lobby.Lobby countdown start failed")
		l.mu.Lock()
		if l.state == StatePreparations {
			l.startAutomationLocked()
		}
		l.unlock()
	}
}

package lobby

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/spawnctl/internal/clock"
	"github.com/danmuck/spawnctl/internal/fault"
	"github.com/danmuck/spawnctl/internal/peer"
	"github.com/danmuck/spawnctl/internal/protocol/schema"
	"github.com/danmuck/spawnctl/internal/rooms"
	"github.com/danmuck/spawnctl/internal/spawn"
	"github.com/danmuck/spawnctl/internal/testutil/peertest"
	"github.com/danmuck/spawnctl/internal/testutil/testlog"
)

type harness struct {
	spawns *spawn.Service
	host   *peertest.Peer
	rooms  *rooms.Directory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		spawns: spawn.NewService(spawn.Config{}, nil),
		host:   peertest.New(),
		rooms:  rooms.NewDirectory(rooms.Config{}, nil),
	}
	h.host.SetResponder(func(c *peertest.Call) bool {
		c.Respond(peer.StatusSuccess, nil)
		return true
	})
	if _, err := h.spawns.RegisterSpawner(h.host, spawn.Options{}); err != nil {
		t.Fatalf("register spawner: %v", err)
	}
	return h
}

func twoTeams(max int) Options {
	o := DefaultOptions()
	o.Teams = []TeamConfig{
		{Name: "red", MinPlayers: 1, MaxPlayers: max},
		{Name: "blue", MinPlayers: 1, MaxPlayers: max},
	}
	return o
}

func newLobby(t *testing.T, h *harness, opts Options) *Lobby {
	t.Helper()
	var spawner Spawner
	var locator RoomLocator
	if h != nil {
		spawner, locator = h.spawns, h.rooms
	}
	l, err := New(context.Background(), 1, opts, spawner, locator)
	if err != nil {
		t.Fatalf("new lobby: %v", err)
	}
	t.Cleanup(l.Destroy)
	return l
}

func join(t *testing.T, l *Lobby, name string) *peertest.Peer {
	t.Helper()
	p := peertest.NewUser(name)
	if err := l.AddPlayer(p); err != nil {
		t.Fatalf("add %s: %v", name, err)
	}
	return p
}

func chats(t *testing.T, p *peertest.Peer) []schema.LobbyChatMessage {
	t.Helper()
	var out []schema.LobbyChatMessage
	for _, s := range p.Sent(schema.MsgLobbyChatMessage) {
		var msg schema.LobbyChatMessage
		if err := s.Decode(&msg); err != nil {
			t.Fatalf("decode chat: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

func lastChat(t *testing.T, p *peertest.Peer) schema.LobbyChatMessage {
	t.Helper()
	all := chats(t, p)
	if len(all) == 0 {
		t.Fatalf("expected a chat message")
	}
	return all[len(all)-1]
}

func teamOf(l *Lobby, username string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.members[username]; ok {
		return m.team.name
	}
	return ""
}

func checkTeams(t *testing.T, l *Lobby) {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := make(map[string]int)
	sum := 0
	for _, team := range l.teams {
		sum += team.count()
		for _, name := range team.members {
			seen[name]++
			if m, ok := l.members[name]; !ok || m.team != team {
				t.Fatalf("team %s lists %s but member points elsewhere", team.name, name)
			}
		}
	}
	if sum != len(l.members) {
		t.Fatalf("team sizes sum to %d, lobby has %d members", sum, len(l.members))
	}
	for name := range l.members {
		if seen[name] != 1 {
			t.Fatalf("member %s appears in %d teams", name, seen[name])
		}
	}
}

func TestManualStartRequiresMasterAndTeamMinimums(t *testing.T) {
	testlog.Start(t)
	l := newLobby(t, newHarness(t), twoTeams(2))
	alice := join(t, l, "alice")
	bob := join(t, l, "bob")
	if err := l.JoinTeam(bob, "red"); err != nil {
		t.Fatalf("bob join red: %v", err)
	}
	if teamOf(l, "alice") != "red" || teamOf(l, "bob") != "red" {
		t.Fatalf("expected both players in red")
	}
	if err := l.SetReadyState(bob, true); err != nil {
		t.Fatalf("ready: %v", err)
	}

	if err := l.StartGameManually(bob); !errors.Is(err, fault.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for non-master, got %v", err)
	}
	if msg := lastChat(t, bob); !msg.IsError || !strings.Contains(msg.Text, "master") {
		t.Fatalf("unexpected rejection chat for bob: %+v", msg)
	}

	err := l.StartGameManually(alice)
	if !errors.Is(err, fault.ErrInvalidState) {
		t.Fatalf("expected rejection for lacking team, got %v", err)
	}
	msg := lastChat(t, alice)
	if !msg.IsError || !strings.Contains(msg.Text, "blue") {
		t.Fatalf("rejection should cite team blue: %+v", msg)
	}
	for _, m := range chats(t, bob) {
		if strings.Contains(m.Text, "blue") {
			t.Fatalf("rejection leaked to other members: %+v", m)
		}
	}
	if l.State() != StatePreparations {
		t.Fatalf("state changed on rejected start: %s", l.State())
	}
}

func TestManualStartRequiresReadyMembers(t *testing.T) {
	testlog.Start(t)
	l := newLobby(t, newHarness(t), twoTeams(2))
	alice := join(t, l, "alice")
	join(t, l, "bob")
	if err := l.StartGameManually(alice); !errors.Is(err, fault.ErrInvalidState) {
		t.Fatalf("expected not-ready rejection, got %v", err)
	}
	if msg := lastChat(t, alice); !strings.Contains(msg.Text, "ready") {
		t.Fatalf("unexpected rejection text: %q", msg.Text)
	}
	if err := l.StartGameManually(peertest.NewUser("stranger")); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected not found for stranger, got %v", err)
	}
}

func TestTeamSizesMatchMembershipThroughChurn(t *testing.T) {
	testlog.Start(t)
	opts := DefaultOptions()
	opts.KeepAliveWhenEmpty = true
	opts.Teams = []TeamConfig{
		{Name: "a", MaxPlayers: 3},
		{Name: "b", MaxPlayers: 2},
		{Name: "c", MaxPlayers: 4},
	}
	l := newLobby(t, nil, opts)
	rng := rand.New(rand.NewSource(7))
	var present []*peertest.Peer
	for i := range 200 {
		if len(present) > 0 && rng.Intn(3) == 0 {
			idx := rng.Intn(len(present))
			l.RemovePlayer(present[idx])
			present = slices.Delete(present, idx, idx+1)
		} else {
			p := peertest.NewUser("p" + strconv.Itoa(i))
			if err := l.AddPlayer(p); err == nil {
				present = append(present, p)
			} else if !errors.Is(err, fault.ErrCapacityExceeded) {
				t.Fatalf("unexpected add error: %v", err)
			}
		}
		checkTeams(t, l)
		if l.MemberCount() != len(present) {
			t.Fatalf("member count %d, expected %d", l.MemberCount(), len(present))
		}
	}
}

func TestAddPlayerPicksLeastPopulatedTeam(t *testing.T) {
	testlog.Start(t)
	opts := DefaultOptions()
	opts.Teams = []TeamConfig{
		{Name: "a", MaxPlayers: 2},
		{Name: "b", MaxPlayers: 2},
	}
	l := newLobby(t, nil, opts)
	join(t, l, "p1")
	join(t, l, "p2")
	join(t, l, "p3")
	if teamOf(l, "p1") != "a" || teamOf(l, "p2") != "b" || teamOf(l, "p3") != "a" {
		t.Fatalf("unexpected placement: %s %s %s", teamOf(l, "p1"), teamOf(l, "p2"), teamOf(l, "p3"))
	}
}

func TestAddPlayerRejections(t *testing.T) {
	testlog.Start(t)
	opts := twoTeams(1)
	opts.IsPlayerAllowed = func(username string, _ peer.Peer) bool { return username != "banned" }
	l := newLobby(t, nil, opts)

	if err := l.AddPlayer(peertest.New()); !errors.Is(err, fault.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for anonymous peer, got %v", err)
	}
	if err := l.AddPlayer(peertest.NewUser("banned")); !errors.Is(err, fault.ErrUnauthorized) {
		t.Fatalf("expected hook rejection, got %v", err)
	}
	alice := join(t, l, "alice")
	if err := l.AddPlayer(alice); !errors.Is(err, fault.ErrAlreadyInLobby) {
		t.Fatalf("expected already in lobby, got %v", err)
	}
	if err := l.AddPlayer(peertest.NewUser("alice")); !errors.Is(err, fault.ErrAlreadyInLobby) {
		t.Fatalf("expected duplicate username rejection, got %v", err)
	}
	join(t, l, "bob")
	carol := peertest.NewUser("carol")
	if err := l.AddPlayer(carol); !errors.Is(err, fault.ErrCapacityExceeded) {
		t.Fatalf("expected full lobby, got %v", err)
	}

	other := newLobby(t, nil, twoTeams(2))
	if err := other.AddPlayer(carol); err != nil {
		t.Fatalf("rejected player should be free to join elsewhere: %v", err)
	}
	if err := other.AddPlayer(alice); !errors.Is(err, fault.ErrAlreadyInLobby) {
		t.Fatalf("player in another lobby should be rejected, got %v", err)
	}
	if cur, ok := Current(carol); !ok || cur != other {
		t.Fatalf("expected carol's lobby recorded")
	}
}

func TestJoiningLiveGameCanBeDisallowed(t *testing.T) {
	testlog.Start(t)
	opts := twoTeams(2)
	opts.AllowJoiningWhenLive = false
	l := newLobby(t, newHarness(t), opts)
	join(t, l, "alice")
	join(t, l, "bob")
	if err := l.StartGame(); err != nil {
		t.Fatalf("start game: %v", err)
	}
	if err := l.AddPlayer(peertest.NewUser("late")); !errors.Is(err, fault.ErrInvalidState) {
		t.Fatalf("expected invalid state for late joiner, got %v", err)
	}
}

func TestMembershipBroadcastsAndMasterSuccession(t *testing.T) {
	testlog.Start(t)
	l := newLobby(t, nil, twoTeams(2))
	alice := join(t, l, "alice")
	bob := join(t, l, "bob")

	if got := len(alice.Sent(schema.MsgLobbyMemberJoined)); got != 1 {
		t.Fatalf("alice should see bob join once, got %d", got)
	}
	if got := len(bob.Sent(schema.MsgLobbyMemberJoined)); got != 0 {
		t.Fatalf("joiner should not be told about itself, got %d", got)
	}
	if l.GameMaster() != "alice" {
		t.Fatalf("expected alice as master, got %q", l.GameMaster())
	}

	l.RemovePlayer(alice)
	if l.GameMaster() != "bob" {
		t.Fatalf("expected bob as master, got %q", l.GameMaster())
	}
	if got := len(alice.Sent(schema.MsgLeftLobby)); got != 1 {
		t.Fatalf("alice should be told about leaving, got %d", got)
	}
	var left schema.LobbyMemberLeft
	sent := bob.Sent(schema.MsgLobbyMemberLeft)
	if len(sent) != 1 || sent[0].Decode(&left) != nil || left.Username != "alice" {
		t.Fatalf("bob should see alice leave: %+v", sent)
	}
	if _, ok := Current(alice); ok {
		t.Fatalf("alice membership not released")
	}

	destroyed := 0
	l.SubscribeDestroyed(func(*Lobby) { destroyed++ })
	l.RemovePlayer(bob)
	if !l.Destroyed() || destroyed != 1 {
		t.Fatalf("empty lobby should be destroyed once, destroyed=%v fired=%d", l.Destroyed(), destroyed)
	}
	l.Destroy()
	if destroyed != 1 {
		t.Fatalf("destroy fired again")
	}
}

func TestKeepAliveLobbySurvivesEmpty(t *testing.T) {
	testlog.Start(t)
	opts := twoTeams(2)
	opts.KeepAliveWhenEmpty = true
	l := newLobby(t, nil, opts)
	alice := join(t, l, "alice")
	l.RemovePlayer(alice)
	if l.Destroyed() {
		t.Fatalf("keep-alive lobby destroyed")
	}
	if l.GameMaster() != "" {
		t.Fatalf("empty lobby kept a master: %q", l.GameMaster())
	}
	join(t, l, "bob")
	if l.GameMaster() != "bob" {
		t.Fatalf("expected bob elected, got %q", l.GameMaster())
	}
}

func TestDisconnectRemovesMember(t *testing.T) {
	testlog.Start(t)
	l := newLobby(t, nil, twoTeams(2))
	alice := join(t, l, "alice")
	bob := join(t, l, "bob")
	bob.Disconnect()
	if l.MemberCount() != 1 {
		t.Fatalf("disconnected member still present")
	}
	checkTeams(t, l)
	if len(alice.Sent(schema.MsgLobbyMemberLeft)) != 1 {
		t.Fatalf("alice should see bob leave")
	}
}

func TestPropertyWritesAreGated(t *testing.T) {
	testlog.Start(t)
	opts := twoTeams(2)
	opts.CanSetPlayerProperty = func(_, key, _ string) bool { return key != "locked" }
	l := newLobby(t, nil, opts)
	alice := join(t, l, "alice")
	bob := join(t, l, "bob")

	if err := l.SetProperty(bob, "map", "dust"); !errors.Is(err, fault.ErrUnauthorized) {
		t.Fatalf("non-master property write should fail, got %v", err)
	}
	if err := l.SetProperty(alice, "map", "dust"); err != nil {
		t.Fatalf("master property write: %v", err)
	}
	if v, _ := l.Property("map"); v != "dust" {
		t.Fatalf("property not stored: %q", v)
	}
	var changed schema.LobbyPropertyChanged
	sent := bob.Sent(schema.MsgLobbyPropertyChanged)
	if len(sent) != 1 || sent[0].Decode(&changed) != nil || changed.Key != "map" || changed.Value != "dust" {
		t.Fatalf("bob should see the property change: %+v", sent)
	}

	if err := l.SetPlayerProperty(bob, "locked", "x"); !errors.Is(err, fault.ErrUnauthorized) {
		t.Fatalf("hook should reject, got %v", err)
	}
	if err := l.SetPlayerProperty(bob, "color", "green"); err != nil {
		t.Fatalf("member property: %v", err)
	}
	if len(alice.Sent(schema.MsgLobbyMemberPropertyChange)) != 1 {
		t.Fatalf("alice should see bob's property change")
	}
	info := l.Info()
	if info.Members[1].Properties["color"] != "green" {
		t.Fatalf("member property missing from info: %+v", info.Members)
	}
}

func TestGameLifecycleThroughSpawnAndRoom(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	l := newLobby(t, h, twoTeams(2))
	alice := join(t, l, "alice")
	bob := join(t, l, "bob")
	if err := l.SetReadyState(bob, true); err != nil {
		t.Fatalf("ready: %v", err)
	}

	if err := l.StartGameManually(alice); err != nil {
		t.Fatalf("start: %v", err)
	}
	l.Sync()
	if l.State() != StateStartingGameServer {
		t.Fatalf("expected starting state, got %s", l.State())
	}
	if v, _ := l.Property(PropIsPublic); v != "false" {
		t.Fatalf("started lobby should be private, isPublic=%q", v)
	}
	l.mu.Lock()
	bobReady := l.members["bob"].ready
	l.mu.Unlock()
	if bobReady {
		t.Fatalf("ready flags should reset on transition")
	}
	task := l.Task()
	if task == nil {
		t.Fatalf("expected a bound task")
	}
	if args := task.CustomArgs(); !slices.Equal(args, []string{ArgLobbyID, "1"}) {
		t.Fatalf("unexpected custom args: %v", args)
	}

	h.spawns.DispatchAll()
	if got := len(h.host.Calls(schema.MsgSpawnRequest)); got != 1 {
		t.Fatalf("expected one spawn request, got %d", got)
	}
	if _, err := h.spawns.RegisterProcess(task.ID(), task.Code()); err != nil {
		t.Fatalf("register process: %v", err)
	}
	server := peertest.New()
	server.SetResponder(func(c *peertest.Call) bool {
		c.Respond(peer.StatusSuccess, nil)
		return true
	})
	room, err := h.rooms.Register(server, schema.RoomOptions{RoomIP: "10.0.0.5", RoomPort: 7777, AccessTimeout: 5000})
	if err != nil {
		t.Fatalf("register room: %v", err)
	}
	if err := h.spawns.Finalize(task.ID(), map[string]string{PropRoomID: strconv.FormatInt(room.ID(), 10)}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	l.Sync()
	if l.State() != StateGameInProgress {
		t.Fatalf("expected game in progress, got %s", l.State())
	}
	if l.GameAddress() != "10.0.0.5:7777" {
		t.Fatalf("unexpected game address %q", l.GameAddress())
	}

	var access schema.RoomAccess
	if err := l.RequestGameAccess(bob, nil, func(a schema.RoomAccess, err error) {
		if err != nil {
			t.Errorf("access: %v", err)
		}
		access = a
	}); err != nil {
		t.Fatalf("request game access: %v", err)
	}
	if access.Token == "" || access.RoomID != room.ID() {
		t.Fatalf("unexpected access: %+v", access)
	}

	room.Destroy()
	l.Sync()
	if l.State() != StatePreparations {
		t.Fatalf("expected preparations after room closed, got %s", l.State())
	}
	if l.GameAddress() != "" || l.Task() != nil {
		t.Fatalf("game binding not cleared")
	}
	if err := l.RequestGameAccess(bob, nil, func(schema.RoomAccess, error) {}); !errors.Is(err, fault.ErrInvalidState) {
		t.Fatalf("expected no running game, got %v", err)
	}
}

func TestFinalizeWithoutRoomIDBroadcastsError(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	l := newLobby(t, h, twoTeams(2))
	alice := join(t, l, "alice")
	join(t, l, "bob")
	if err := l.StartGame(); err != nil {
		t.Fatalf("start: %v", err)
	}
	task := l.Task()
	if _, err := h.spawns.RegisterProcess(task.ID(), task.Code()); err != nil {
		t.Fatalf("register process: %v", err)
	}
	if err := h.spawns.Finalize(task.ID(), nil); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	l.Sync()
	if l.State() != StateGameInProgress {
		t.Fatalf("expected game in progress, got %s", l.State())
	}
	if msg := lastChat(t, alice); !msg.IsError || !strings.Contains(msg.Text, "room id") {
		t.Fatalf("expected room id error chat, got %+v", msg)
	}
}

func TestNoSpawnerBroadcastsBusy(t *testing.T) {
	testlog.Start(t)
	h := &harness{spawns: spawn.NewService(spawn.Config{}, nil), rooms: rooms.NewDirectory(rooms.Config{}, nil)}
	l := newLobby(t, h, twoTeams(2))
	alice := join(t, l, "alice")
	bob := join(t, l, "bob")
	if err := l.StartGame(); !errors.Is(err, fault.ErrCapacityExceeded) {
		t.Fatalf("expected capacity exceeded, got %v", err)
	}
	if l.State() != StatePreparations {
		t.Fatalf("state changed: %s", l.State())
	}
	for _, p := range []*peertest.Peer{alice, bob} {
		if msg := lastChat(t, p); !msg.IsError || msg.Text != "Servers are busy" {
			t.Fatalf("expected busy broadcast, got %+v", msg)
		}
	}
}

func TestKilledTaskFailsStartWithoutPlayAgain(t *testing.T) {
	testlog.Start(t)
	opts := twoTeams(2)
	opts.PlayAgain = false
	l := newLobby(t, newHarness(t), opts)
	alice := join(t, l, "alice")
	join(t, l, "bob")
	if err := l.StartGame(); err != nil {
		t.Fatalf("start: %v", err)
	}
	l.Task().Kill()
	l.Sync()
	if l.State() != StateFailedToStart {
		t.Fatalf("expected failed to start, got %s", l.State())
	}
	if msg := lastChat(t, alice); !msg.IsError || !strings.Contains(msg.Text, "Failed to start") {
		t.Fatalf("expected failure chat, got %+v", msg)
	}
	var states []int
	for _, s := range alice.Sent(schema.MsgLobbyStateChange) {
		var change schema.LobbyStateChange
		if err := s.Decode(&change); err != nil {
			t.Fatalf("decode state: %v", err)
		}
		states = append(states, change.State)
	}
	want := []int{int(StateStartingGameServer), int(StateFailedToStart)}
	if !slices.Equal(states, want) {
		t.Fatalf("state broadcasts %v, want %v", states, want)
	}
}

func TestKilledTaskRevertsToPreparationsWithPlayAgain(t *testing.T) {
	testlog.Start(t)
	l := newLobby(t, newHarness(t), twoTeams(2))
	join(t, l, "alice")
	join(t, l, "bob")
	if err := l.StartGame(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := l.StartGame(); !errors.Is(err, fault.ErrInvalidState) {
		t.Fatalf("second start should be rejected, got %v", err)
	}
	l.Task().Kill()
	l.Sync()
	if l.State() != StatePreparations || l.Task() != nil {
		t.Fatalf("expected preparations with no task, got %s", l.State())
	}
}

func TestAllReadyStartsWhenEnabled(t *testing.T) {
	testlog.Start(t)
	opts := twoTeams(2)
	opts.StartWhenAllReady = true
	l := newLobby(t, newHarness(t), opts)
	alice := join(t, l, "alice")
	bob := join(t, l, "bob")
	if err := l.SetReadyState(alice, true); err != nil {
		t.Fatalf("ready: %v", err)
	}
	if l.State() != StatePreparations {
		t.Fatalf("started before everyone was ready")
	}
	if err := l.SetReadyState(bob, true); err != nil {
		t.Fatalf("ready: %v", err)
	}
	if l.State() != StateStartingGameServer {
		t.Fatalf("expected auto start, got %s", l.State())
	}
}

func TestAutomationCountdown(t *testing.T) {
	testlog.Start(t)
	opts := twoTeams(2)
	opts.Autostart = true
	opts.WaitAfterMinPlayers = 10 * time.Second
	opts.WaitAfterFullTeams = 5 * time.Second
	opts.AutomationTick = time.Second
	l := newLobby(t, newHarness(t), opts)

	l.mu.Lock()
	l.stopAutomationLocked()
	gen := l.autoGen
	l.mu.Unlock()
	tick := func() { l.automationTick(gen) }

	join(t, l, "alice")
	tick()
	if got := l.StatusText(); got != "Waiting for players: 1 more" {
		t.Fatalf("unexpected status %q", got)
	}
	bob := join(t, l, "bob")
	if err := l.JoinTeam(bob, "red"); err != nil {
		t.Fatalf("switch team: %v", err)
	}
	tick()
	if got := l.StatusText(); got != "Not enough players in team 'blue'" {
		t.Fatalf("unexpected status %q", got)
	}
	if err := l.JoinTeam(bob, "blue"); err != nil {
		t.Fatalf("switch team: %v", err)
	}
	tick()
	if got := l.StatusText(); got != "Starting game in 9s" {
		t.Fatalf("unexpected status %q", got)
	}

	l.RemovePlayer(bob)
	tick()
	join(t, l, "bob")
	tick()
	if got := l.StatusText(); got != "Starting game in 9s" {
		t.Fatalf("countdown should reset when minimum lost, got %q", got)
	}

	join(t, l, "carol")
	join(t, l, "dave")
	tick()
	if got := l.StatusText(); got != "Starting game in 5s" {
		t.Fatalf("full teams should clamp countdown, got %q", got)
	}
	for range 4 {
		tick()
	}
	if l.State() != StatePreparations {
		t.Fatalf("started early")
	}
	tick()
	if l.State() != StateStartingGameServer {
		t.Fatalf("expected countdown start, got %s", l.State())
	}
}

// countdownLobby is a full 1v1 lobby counting down from 3s on clk.
func countdownLobby(t *testing.T, clk *clock.Fake) *Lobby {
	t.Helper()
	opts := twoTeams(1)
	opts.Autostart = true
	opts.WaitAfterMinPlayers = 3 * time.Second
	opts.WaitAfterFullTeams = 3 * time.Second
	opts.AutomationTick = time.Second
	opts.Clock = clk
	l := newLobby(t, newHarness(t), opts)
	join(t, l, "alice")
	join(t, l, "bob")
	return l
}

func TestCountdownStartsGameOnClock(t *testing.T) {
	testlog.Start(t)
	clk := clock.NewFake(time.Unix(0, 0))
	l := countdownLobby(t, clk)

	clk.Advance(time.Second)
	if got := l.StatusText(); got != "Starting game in 2s" {
		t.Fatalf("unexpected status %q", got)
	}
	clk.Advance(time.Second)
	if l.State() != StatePreparations {
		t.Fatalf("started early: %s", l.State())
	}
	clk.Advance(time.Second)
	if l.State() != StateStartingGameServer || l.Task() == nil {
		t.Fatalf("expected countdown start, got %s", l.State())
	}
	if n := clk.Pending(); n != 0 {
		t.Fatalf("countdown still armed after start: %d", n)
	}
}

func TestDestroyStopsCountdown(t *testing.T) {
	testlog.Start(t)
	clk := clock.NewFake(time.Unix(0, 0))
	l := countdownLobby(t, clk)

	clk.Advance(time.Second)
	l.Destroy()
	text := l.StatusText()
	if n := clk.Pending(); n != 0 {
		t.Fatalf("countdown still armed after destroy: %d", n)
	}
	for range 5 {
		clk.Advance(time.Second)
	}
	if got := l.StatusText(); got != text {
		t.Fatalf("destroyed lobby kept ticking: %q -> %q", text, got)
	}
	if l.Task() != nil {
		t.Fatalf("destroyed lobby started a game")
	}
}

func TestStartGameStopsCountdown(t *testing.T) {
	testlog.Start(t)
	clk := clock.NewFake(time.Unix(0, 0))
	l := countdownLobby(t, clk)

	clk.Advance(time.Second)
	if err := l.StartGame(); err != nil {
		t.Fatalf("start: %v", err)
	}
	text := l.StatusText()
	if n := clk.Pending(); n != 0 {
		t.Fatalf("countdown still armed after start: %d", n)
	}
	for range 5 {
		clk.Advance(time.Second)
	}
	if l.State() != StateStartingGameServer {
		t.Fatalf("unexpected state %s", l.State())
	}
	if got := l.StatusText(); got != text {
		t.Fatalf("countdown kept ticking after start: %q -> %q", text, got)
	}
}

func TestDestroyKillsTaskAndReleasesMembers(t *testing.T) {
	testlog.Start(t)
	l := newLobby(t, newHarness(t), twoTeams(2))
	alice := join(t, l, "alice")
	bob := join(t, l, "bob")
	if err := l.StartGame(); err != nil {
		t.Fatalf("start: %v", err)
	}
	task := l.Task()
	l.Destroy()
	if task.Status() != spawn.StatusKilled {
		t.Fatalf("expected task killed, got %s", task.Status())
	}
	for _, p := range []*peertest.Peer{alice, bob} {
		if _, ok := Current(p); ok {
			t.Fatalf("membership kept after destroy")
		}
		if len(p.Sent(schema.MsgLeftLobby)) != 1 {
			t.Fatalf("member not told about removal")
		}
	}
	if err := l.AddPlayer(peertest.NewUser("late")); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected destroyed lobby rejection, got %v", err)
	}
	if err := l.StartGame(); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected destroyed lobby start rejection, got %v", err)
	}
}

func TestChatAndTeamSwitching(t *testing.T) {
	testlog.Start(t)
	l := newLobby(t, nil, twoTeams(1))
	alice := join(t, l, "alice")
	bob := join(t, l, "bob")
	if err := l.Chat(alice, "gl hf"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if msg := lastChat(t, bob); msg.Sender != "alice" || msg.Text != "gl hf" || msg.IsError {
		t.Fatalf("unexpected chat: %+v", msg)
	}
	if err := l.JoinTeam(alice, "blue"); !errors.Is(err, fault.ErrCapacityExceeded) {
		t.Fatalf("expected full team, got %v", err)
	}
	if err := l.JoinTeam(alice, "green"); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected unknown team, got %v", err)
	}
	checkTeams(t, l)
}

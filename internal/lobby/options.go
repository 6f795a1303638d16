package lobby

import (
	"maps"
	"strings"
	"time"

	"github.com/danmuck/spawnctl/internal/clock"
	"github.com/danmuck/spawnctl/internal/fault"
	"github.com/danmuck/spawnctl/internal/peer"
	"github.com/danmuck/spawnctl/internal/rooms"
)

// Lobby property keys with meaning to the lobby itself.
const (
	PropRegion   = "region"
	PropIsPublic = rooms.PropIsPublic
	// PropRoomID is read from a finalized task's data.
	PropRoomID = "roomId"
)

// ArgLobbyID is passed to the spawned game server, followed by the id.
const ArgLobbyID = "-lobbyId"

const (
	DefaultName                = "Untitled Lobby"
	DefaultWaitAfterMinPlayers = 10 * time.Second
	DefaultWaitAfterFullTeams  = 5 * time.Second
	DefaultAutomationTick      = time.Second
	DefaultEmptyGrace          = 30 * time.Second
)

type TeamConfig struct {
	Name       string
	MinPlayers int
	MaxPlayers int
}

// Options fix a lobby's teams and policies at creation.
type Options struct {
	Name       string
	Teams      []TeamConfig
	Properties map[string]string

	EnableGameMasters    bool
	EnableReadySystem    bool
	EnableTeamSwitching  bool
	EnableManualStart    bool
	AllowJoiningWhenLive bool
	AllowPropertyChanges bool
	StartWhenAllReady    bool
	PlayAgain            bool
	KeepAliveWhenEmpty   bool
	// Autostart runs the countdown that starts the game once every
	// minimum is met.
	Autostart bool

	WaitAfterMinPlayers time.Duration
	WaitAfterFullTeams  time.Duration
	AutomationTick      time.Duration
	// EmptyGrace destroys a lobby nobody has joined once it elapses,
	// unless KeepAliveWhenEmpty is set.
	EmptyGrace time.Duration

	// Clock drives the countdown and the empty grace; nil is the wall
	// clock.
	Clock clock.Clock

	// IsPlayerAllowed vets a joining player; nil admits everyone.
	IsPlayerAllowed func(username string, p peer.Peer) bool
	// CanSetPlayerProperty vets member property writes; nil allows all.
	CanSetPlayerProperty func(username, key, value string) bool
}

func DefaultOptions() Options {
	return Options{
		Name:                 DefaultName,
		Teams:                []TeamConfig{{Name: "players", MinPlayers: 1, MaxPlayers: 10}},
		EnableGameMasters:    true,
		EnableReadySystem:    true,
		EnableTeamSwitching:  true,
		EnableManualStart:    true,
		AllowJoiningWhenLive: true,
		AllowPropertyChanges: true,
		PlayAgain:            true,
		WaitAfterMinPlayers:  DefaultWaitAfterMinPlayers,
		WaitAfterFullTeams:   DefaultWaitAfterFullTeams,
		AutomationTick:       DefaultAutomationTick,
		EmptyGrace:           DefaultEmptyGrace,
	}
}

func (o Options) normalize() (Options, error) {
	if strings.TrimSpace(o.Name) == "" {
		o.Name = DefaultName
	}
	if len(o.Teams) == 0 {
		return o, fault.New(fault.KindInvalid, "lobby %q has no teams", o.Name)
	}
	seen := make(map[string]struct{}, len(o.Teams))
	for _, t := range o.Teams {
		if t.Name == "" {
			return o, fault.New(fault.KindInvalid, "lobby %q has an unnamed team", o.Name)
		}
		if _, dup := seen[t.Name]; dup {
			return o, fault.New(fault.KindInvalid, "lobby %q has duplicate team %q", o.Name, t.Name)
		}
		seen[t.Name] = struct{}{}
		if t.MaxPlayers <= 0 || t.MinPlayers < 0 || t.MinPlayers > t.MaxPlayers {
			return o, fault.New(fault.KindInvalid, "team %q bounds %d..%d", t.Name, t.MinPlayers, t.MaxPlayers)
		}
	}
	o.Teams = append([]TeamConfig(nil), o.Teams...)
	o.Properties = maps.Clone(o.Properties)
	if o.WaitAfterMinPlayers <= 0 {
		o.WaitAfterMinPlayers = DefaultWaitAfterMinPlayers
	}
	if o.WaitAfterFullTeams <= 0 {
		o.WaitAfterFullTeams = DefaultWaitAfterFullTeams
	}
	if o.AutomationTick <= 0 {
		o.AutomationTick = DefaultAutomationTick
	}
	if o.EmptyGrace <= 0 {
		o.EmptyGrace = DefaultEmptyGrace
	}
	o.Clock = clock.Or(o.Clock)
	return o, nil
}

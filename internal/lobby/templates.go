package lobby

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// templateFile is the TOML layout of a lobby templates file:
//
//	[[lobby]]
//	template = "2v2"
//	name = "Two vs Two"
//	autostart = true
//	wait_after_min_players = "10s"
//
//	[[lobby.team]]
//	name = "red"
//	min_players = 1
//	max_players = 2
type templateFile struct {
	Lobbies []templateEntry `toml:"lobby"`
}

type teamEntry struct {
	Name       string `toml:"name"`
	MinPlayers int    `toml:"min_players"`
	MaxPlayers int    `toml:"max_players"`
}

// Unset switches keep DefaultOptions values.
type templateEntry struct {
	Template            string            `toml:"template"`
	Name                string            `toml:"name"`
	Teams               []teamEntry       `toml:"team"`
	Properties          map[string]string `toml:"properties"`
	GameMasters         *bool             `toml:"game_masters"`
	ReadySystem         *bool             `toml:"ready_system"`
	TeamSwitching       *bool             `toml:"team_switching"`
	ManualStart         *bool             `toml:"manual_start"`
	JoinWhenLive        *bool             `toml:"join_when_live"`
	PropertyChanges     *bool             `toml:"property_changes"`
	StartWhenAllReady   *bool             `toml:"start_when_all_ready"`
	PlayAgain           *bool             `toml:"play_again"`
	KeepAlive           *bool             `toml:"keep_alive"`
	Autostart           *bool             `toml:"autostart"`
	WaitAfterMinPlayers string            `toml:"wait_after_min_players"`
	WaitAfterFullTeams  string            `toml:"wait_after_full_teams"`
	EmptyGrace          string            `toml:"empty_grace"`
}

// BuiltinTemplates are served when no templates file is configured.
func BuiltinTemplates() map[string]Options {
	twoTeams := func(name string, size int) Options {
		o := DefaultOptions()
		o.Name = name
		o.Teams = []TeamConfig{
			{Name: "red", MinPlayers: 1, MaxPlayers: size},
			{Name: "blue", MinPlayers: 1, MaxPlayers: size},
		}
		return o
	}
	deathmatch := DefaultOptions()
	deathmatch.Name = "Deathmatch"
	deathmatch.Teams = []TeamConfig{{Name: "players", MinPlayers: 2, MaxPlayers: 10}}
	deathmatch.Autostart = true
	deathmatch.EnableGameMasters = false
	deathmatch.EnableManualStart = false

	return map[string]Options{
		"1v1":        twoTeams("One vs One", 1),
		"2v2":        twoTeams("Two vs Two", 2),
		"3v3":        twoTeams("Three vs Three", 3),
		"deathmatch": deathmatch,
	}
}

// LoadTemplates reads a templates file.
func LoadTemplates(path string) (map[string]Options, error) {
	var raw templateFile
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("load lobby templates: %w", err)
	}
	return buildTemplates(raw)
}

// DecodeTemplates parses templates from TOML text.
func DecodeTemplates(data string) (map[string]Options, error) {
	var raw templateFile
	if _, err := toml.Decode(data, &raw); err != nil {
		return nil, fmt.Errorf("decode lobby templates: %w", err)
	}
	return buildTemplates(raw)
}

func buildTemplates(raw templateFile) (map[string]Options, error) {
	out := make(map[string]Options, len(raw.Lobbies))
	for i, entry := range raw.Lobbies {
		key := strings.TrimSpace(entry.Template)
		if key == "" {
			return nil, fmt.Errorf("lobby template %d: template key is required", i)
		}
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("lobby template %q defined twice", key)
		}
		opts, err := entry.options()
		if err != nil {
			return nil, fmt.Errorf("lobby template %q: %w", key, err)
		}
		out[key] = opts
	}
	return out, nil
}

func (e templateEntry) options() (Options, error) {
	o := DefaultOptions()
	if name := strings.TrimSpace(e.Name); name != "" {
		o.Name = name
	}
	if len(e.Teams) > 0 {
		o.Teams = o.Teams[:0:0]
		for _, t := range e.Teams {
			o.Teams = append(o.Teams, TeamConfig{Name: strings.TrimSpace(t.Name), MinPlayers: t.MinPlayers, MaxPlayers: t.MaxPlayers})
		}
	}
	o.Properties = e.Properties
	for _, sw := range []struct {
		from *bool
		to   *bool
	}{
		{e.GameMasters, &o.EnableGameMasters},
		{e.ReadySystem, &o.EnableReadySystem},
		{e.TeamSwitching, &o.EnableTeamSwitching},
		{e.ManualStart, &o.EnableManualStart},
		{e.JoinWhenLive, &o.AllowJoiningWhenLive},
		{e.PropertyChanges, &o.AllowPropertyChanges},
		{e.StartWhenAllReady, &o.StartWhenAllReady},
		{e.PlayAgain, &o.PlayAgain},
		{e.KeepAlive, &o.KeepAliveWhenEmpty},
		{e.Autostart, &o.Autostart},
	} {
		if sw.from != nil {
			*sw.to = *sw.from
		}
	}
	if raw := strings.TrimSpace(e.WaitAfterMinPlayers); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return o, fmt.Errorf("parse wait_after_min_players: %w", err)
		}
		o.WaitAfterMinPlayers = d
	}
	if raw := strings.TrimSpace(e.WaitAfterFullTeams); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return o, fmt.Errorf("parse wait_after_full_teams: %w", err)
		}
		o.WaitAfterFullTeams = d
	}
	if raw := strings.TrimSpace(e.EmptyGrace); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return o, fmt.Errorf("parse empty_grace: %w", err)
		}
		o.EmptyGrace = d
	}
	if _, err := o.normalize(); err != nil {
		return o, err
	}
	return o, nil
}

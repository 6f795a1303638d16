package lobby

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/spawnctl/internal/clock"
	"github.com/danmuck/spawnctl/internal/fault"
	"github.com/danmuck/spawnctl/internal/testutil/peertest"
	"github.com/danmuck/spawnctl/internal/testutil/testlog"
)

const sampleTemplates = `
[[lobby]]
template = "duel"
name = "Duel"
autostart = true
play_again = false
wait_after_min_players = "3s"
empty_grace = "1m"
properties = { region = "eu" }

[[lobby.team]]
name = "left"
min_players = 1
max_players = 1

[[lobby.team]]
name = "right"
min_players = 1
max_players = 1

[[lobby]]
template = "open"
`

func TestDecodeTemplatesAppliesOverrides(t *testing.T) {
	testlog.Start(t)
	templates, err := DecodeTemplates(sampleTemplates)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	duel, ok := templates["duel"]
	if !ok {
		t.Fatalf("missing duel template: %v", templates)
	}
	if duel.Name != "Duel" || len(duel.Teams) != 2 || duel.Teams[1].Name != "right" {
		t.Fatalf("unexpected duel template: %+v", duel)
	}
	if !duel.Autostart || duel.PlayAgain {
		t.Fatalf("switches not applied: autostart=%v play_again=%v", duel.Autostart, duel.PlayAgain)
	}
	if !duel.EnableGameMasters || !duel.EnableReadySystem {
		t.Fatalf("unset switches should keep defaults")
	}
	if duel.WaitAfterMinPlayers != 3*time.Second || duel.WaitAfterFullTeams != DefaultWaitAfterFullTeams {
		t.Fatalf("unexpected durations: %s %s", duel.WaitAfterMinPlayers, duel.WaitAfterFullTeams)
	}
	if duel.EmptyGrace != time.Minute {
		t.Fatalf("unexpected empty grace: %s", duel.EmptyGrace)
	}
	if duel.Properties["region"] != "eu" {
		t.Fatalf("properties not decoded: %v", duel.Properties)
	}

	open := templates["open"]
	if open.Name != DefaultName || len(open.Teams) != 1 {
		t.Fatalf("bare template should use defaults: %+v", open)
	}
}

func TestDecodeTemplatesRejectsBadEntries(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"missing key":  "[[lobby]]\nname = \"x\"\n",
		"duplicate":    "[[lobby]]\ntemplate = \"a\"\n[[lobby]]\ntemplate = \"a\"\n",
		"bad duration": "[[lobby]]\ntemplate = \"a\"\nwait_after_full_teams = \"soon\"\n",
		"bad grace":    "[[lobby]]\ntemplate = \"a\"\nempty_grace = \"later\"\n",
		"bad team":     "[[lobby]]\ntemplate = \"a\"\n[[lobby.team]]\nname = \"t\"\nmin_players = 3\nmax_players = 2\n",
	}
	for name, data := range cases {
		if _, err := DecodeTemplates(data); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadTemplatesFromFile(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "lobbies.toml")
	if err := os.WriteFile(path, []byte(sampleTemplates), 0o644); err != nil {
		t.Fatalf("write templates: %v", err)
	}
	templates, err := LoadTemplates(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(templates) != 2 {
		t.Fatalf("expected 2 templates, got %d", len(templates))
	}
	if _, err := LoadTemplates(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestBuiltinTemplatesAreValid(t *testing.T) {
	testlog.Start(t)
	for key, opts := range BuiltinTemplates() {
		if _, err := opts.normalize(); err != nil {
			t.Fatalf("builtin %s: %v", key, err)
		}
	}
}

func TestDirectoryCreateJoinLeave(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	d := NewDirectory(context.Background(), nil, nil, h.spawns, h.rooms)
	t.Cleanup(d.Close)

	if got := d.Templates(); !slices.Equal(got, []string{"1v1", "2v2", "3v3", "deathmatch"}) {
		t.Fatalf("unexpected templates: %v", got)
	}
	if _, err := d.Create("nope", nil); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected unknown template, got %v", err)
	}
	l, err := d.Create("2v2", map[string]string{"map": "dust"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if v, _ := l.Property("map"); v != "dust" {
		t.Fatalf("create properties not applied: %q", v)
	}

	alice := peertest.NewUser("alice")
	if _, err := d.Join(alice, l.ID()); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := d.Join(alice, l.ID()+100); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected missing lobby, got %v", err)
	}
	if err := d.Leave(alice); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := d.Leave(alice); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected not in a lobby, got %v", err)
	}
	if _, ok := d.Lobby(l.ID()); ok {
		t.Fatalf("emptied lobby should leave the directory")
	}
}

func TestDirectoryFindGamesHidesStartedLobbies(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	d := NewDirectory(context.Background(), nil, nil, h.spawns, h.rooms)
	t.Cleanup(d.Close)

	eu, err := d.Create("1v1", map[string]string{PropRegion: "eu"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	us, err := d.Create("1v1", map[string]string{PropRegion: "us"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := d.FindGames(nil); len(got) != 2 {
		t.Fatalf("expected both lobbies listed, got %d", len(got))
	}
	got := d.FindGames(map[string]string{PropRegion: "eu"})
	if len(got) != 1 || got[0].ID != eu.ID() || got[0].Kind != "lobby" {
		t.Fatalf("unexpected filtered listing: %+v", got)
	}

	for _, name := range []string{"a", "b"} {
		if _, err := d.Join(peertest.NewUser(name), us.ID()); err != nil {
			t.Fatalf("join %s: %v", name, err)
		}
	}
	if err := us.StartGame(); err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, g := range d.FindGames(nil) {
		if g.ID == us.ID() {
			t.Fatalf("started lobby still listed: %+v", g)
		}
	}
	if !strings.Contains(us.StatusText(), "Starting") {
		t.Fatalf("unexpected status text %q", us.StatusText())
	}
}

func TestDirectoryDropsLobbyNobodyJoined(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	clk := clock.NewFake(time.Unix(0, 0))
	templates := BuiltinTemplates()
	kept := templates["1v1"]
	kept.KeepAliveWhenEmpty = true
	templates["kept"] = kept
	d := NewDirectory(context.Background(), clk, templates, h.spawns, h.rooms)
	t.Cleanup(d.Close)

	idle, err := d.Create("1v1", nil)
	if err != nil {
		t.Fatalf("create idle: %v", err)
	}
	joined, err := d.Create("1v1", nil)
	if err != nil {
		t.Fatalf("create joined: %v", err)
	}
	pinned, err := d.Create("kept", nil)
	if err != nil {
		t.Fatalf("create kept: %v", err)
	}
	alice := peertest.NewUser("alice")
	if _, err := d.Join(alice, joined.ID()); err != nil {
		t.Fatalf("join: %v", err)
	}

	clk.Advance(DefaultEmptyGrace - time.Second)
	if _, ok := d.Lobby(idle.ID()); !ok {
		t.Fatalf("lobby dropped before its grace elapsed")
	}
	clk.Advance(time.Second)
	if _, ok := d.Lobby(idle.ID()); ok || !idle.Destroyed() {
		t.Fatalf("unjoined lobby should be destroyed after its grace")
	}
	if _, ok := d.Lobby(joined.ID()); !ok || joined.Destroyed() {
		t.Fatalf("joined lobby should survive the grace")
	}
	if _, ok := d.Lobby(pinned.ID()); !ok || pinned.Destroyed() {
		t.Fatalf("keep-alive lobby should survive the grace")
	}
	if n := clk.Pending(); n != 0 {
		t.Fatalf("expected no armed timers, got %d", n)
	}
}

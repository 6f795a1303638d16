package lobby

import (
	"maps"
	"slices"

	"github.com/danmuck/spawnctl/internal/events"
	"github.com/danmuck/spawnctl/internal/peer"
	"github.com/danmuck/spawnctl/internal/protocol/schema"
)

// Team is one side of a lobby. Its bounds never change after creation.
type Team struct {
	name       string
	minPlayers int
	maxPlayers int
	members    []string
}

func newTeam(cfg TeamConfig) *Team {
	return &Team{name: cfg.Name, minPlayers: cfg.MinPlayers, maxPlayers: cfg.MaxPlayers}
}

func (t *Team) Name() string { return t.name }

func (t *Team) count() int { return len(t.members) }

func (t *Team) full() bool { return len(t.members) >= t.maxPlayers }

func (t *Team) lacking() bool { return len(t.members) < t.minPlayers }

func (t *Team) add(username string) { t.members = append(t.members, username) }

func (t *Team) remove(username string) {
	if i := slices.Index(t.members, username); i >= 0 {
		t.members = slices.Delete(t.members, i, i+1)
	}
}

func (t *Team) data() schema.LobbyTeamData {
	return schema.LobbyTeamData{
		Name:       t.name,
		MinPlayers: t.minPlayers,
		MaxPlayers: t.maxPlayers,
		Members:    len(t.members),
	}
}

// Member is one player in a lobby. All fields are guarded by the lobby.
type Member struct {
	username string
	peer     peer.Peer
	team     *Team
	ready    bool
	props    map[string]string
	leaveSub events.Subscription
}

func (m *Member) Username() string { return m.username }

func (m *Member) Peer() peer.Peer { return m.peer }

func (m *Member) data() schema.LobbyMemberData {
	return schema.LobbyMemberData{
		Username:   m.username,
		Team:       m.team.name,
		Ready:      m.ready,
		Properties: maps.Clone(m.props),
	}
}

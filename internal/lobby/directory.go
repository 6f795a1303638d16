package lobby

import (
	"context"
	"maps"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/danmuck/spawnctl/internal/clock"
	"github.com/danmuck/spawnctl/internal/fault"
	"github.com/danmuck/spawnctl/internal/peer"
	"github.com/danmuck/spawnctl/internal/protocol/schema"
	"github.com/rs/zerolog/log"
)

// Directory creates lobbies from named templates and tracks the live ones.
type Directory struct {
	ctx     context.Context
	clk     clock.Clock
	spawner Spawner
	locator RoomLocator

	nextID atomic.Int64

	mu        sync.RWMutex
	templates map[string]Options
	lobbies   map[int64]*Lobby
}

// NewDirectory serves templates, BuiltinTemplates when nil. ctx bounds
// every lobby's countdown and clk times it.
func NewDirectory(ctx context.Context, clk clock.Clock, templates map[string]Options, spawner Spawner, locator RoomLocator) *Directory {
	if ctx == nil {
		ctx = context.Background()
	}
	if templates == nil {
		templates = BuiltinTemplates()
	}
	return &Directory{
		ctx:       ctx,
		clk:       clock.Or(clk),
		spawner:   spawner,
		locator:   locator,
		templates: maps.Clone(templates),
		lobbies:   make(map[int64]*Lobby),
	}
}

// Templates returns the template keys in order.
func (d *Directory) Templates() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]string, 0, len(d.templates))
	for k := range d.templates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Create builds a lobby from template with props over the template's
// properties. The lobby leaves the directory when destroyed.
func (d *Directory) Create(template string, props map[string]string) (*Lobby, error) {
	d.mu.RLock()
	opts, ok := d.templates[template]
	d.mu.RUnlock()
	if !ok {
		return nil, fault.New(fault.KindNotFound, "no lobby template %q", template)
	}
	merged := maps.Clone(opts.Properties)
	if merged == nil {
		merged = make(map[string]string)
	}
	maps.Copy(merged, props)
	opts.Properties = merged
	if opts.Clock == nil {
		opts.Clock = d.clk
	}

	l, err := New(d.ctx, d.nextID.Add(1), opts, d.spawner, d.locator)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.lobbies[l.id] = l
	d.mu.Unlock()
	l.SubscribeDestroyed(func(l *Lobby) {
		d.mu.Lock()
		delete(d.lobbies, l.id)
		d.mu.Unlock()
	})
	log.Info().Int64("lobby_id", l.id).Str("template", template).Msg("lobby.Directory lobby created")
	return l, nil
}

func (d *Directory) Lobby(id int64) (*Lobby, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	l, ok := d.lobbies[id]
	return l, ok
}

// Lobbies returns every live lobby ordered by id.
func (d *Directory) Lobbies() []*Lobby {
	d.mu.RLock()
	out := make([]*Lobby, 0, len(d.lobbies))
	for _, l := range d.lobbies {
		out = append(out, l)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Join adds p to lobby id.
func (d *Directory) Join(p peer.Peer, id int64) (*Lobby, error) {
	l, ok := d.Lobby(id)
	if !ok {
		return nil, fault.New(fault.KindNotFound, "lobby %d not found", id)
	}
	if err := l.AddPlayer(p); err != nil {
		return nil, err
	}
	return l, nil
}

// Leave removes p from its current lobby.
func (d *Directory) Leave(p peer.Peer) error {
	l, ok := Current(p)
	if !ok {
		return fault.New(fault.KindNotFound, "not in a lobby")
	}
	l.RemovePlayer(p)
	return nil
}

// FindGames lists lobbies that are still public.
func (d *Directory) FindGames(filters map[string]string) []schema.GameInfo {
	out := make([]schema.GameInfo, 0)
	for _, l := range d.Lobbies() {
		info := l.Info()
		if info.Properties[PropIsPublic] == "false" {
			continue
		}
		if !matches(info.Properties, filters) {
			continue
		}
		out = append(out, schema.GameInfo{
			ID:         info.LobbyID,
			Kind:       "lobby",
			Name:       info.Name,
			MaxPlayers: info.MaxPlayers,
			Players:    len(info.Members),
			Properties: info.Properties,
		})
	}
	return out
}

func matches(props, filters map[string]string) bool {
	for k, v := range filters {
		if props[k] != v {
			return false
		}
	}
	return true
}

// Close destroys every lobby.
func (d *Directory) Close() {
	for _, l := range d.Lobbies() {
		l.Destroy()
	}
}

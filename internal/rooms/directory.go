package rooms

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/spawnctl/internal/clock"
	"github.com/danmuck/spawnctl/internal/fault"
	"github.com/danmuck/spawnctl/internal/peer"
	"github.com/danmuck/spawnctl/internal/protocol/schema"
	"github.com/danmuck/spawnctl/internal/sched"
	"github.com/rs/zerolog/log"
)

type Config struct {
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{SweepInterval: time.Second}
}

// ownedRooms is the peer extension listing rooms a game server registered.
type ownedRooms struct {
	mu  sync.Mutex
	ids map[int64]struct{}
}

// Directory owns every registered room on the master.
type Directory struct {
	cfg   Config
	clock clock.Clock

	nextID atomic.Int64

	mu    sync.RWMutex
	rooms map[int64]*Room

	timers *sched.Group
}

func NewDirectory(cfg Config, clk clock.Clock) *Directory {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Directory{
		cfg:   cfg,
		clock: clock.Or(clk),
		rooms: make(map[int64]*Room),
	}
}

// Start runs the access-token sweep until ctx is done or Stop.
func (d *Directory) Start(ctx context.Context) {
	d.timers = sched.NewGroup(ctx)
	d.timers.Every(d.cfg.SweepInterval, d.SweepExpired)
}

func (d *Directory) Stop() {
	if d.timers != nil {
		d.timers.Stop()
	}
}

// Register creates a room owned by owner. All of owner's rooms are
// destroyed when it disconnects.
func (d *Directory) Register(owner peer.Peer, opts schema.RoomOptions) (*Room, error) {
	if !owner.Connected() {
		return nil, fault.ErrNotConnected
	}
	if err := opts.Validate(); err != nil {
		return nil, fault.New(fault.KindInvalid, "%v", err)
	}
	r := newRoom(d.nextID.Add(1), owner, opts, d.clock)
	d.mu.Lock()
	d.rooms[r.id] = r
	d.mu.Unlock()

	owned, first := peer.StoreIfAbsent(owner, &ownedRooms{ids: make(map[int64]struct{})})
	owned.mu.Lock()
	owned.ids[r.id] = struct{}{}
	owned.mu.Unlock()
	r.SubscribeDestroyed(func(r *Room) {
		owned.mu.Lock()
		delete(owned.ids, r.id)
		owned.mu.Unlock()
		d.mu.Lock()
		delete(d.rooms, r.id)
		d.mu.Unlock()
	})
	if first {
		owner.OnDisconnect(func(peer.Peer) {
			owned.mu.Lock()
			ids := make([]int64, 0, len(owned.ids))
			for id := range owned.ids {
				ids = append(ids, id)
			}
			owned.mu.Unlock()
			for _, id := range ids {
				if r, ok := d.Room(id); ok {
					r.Destroy()
				}
			}
		})
	}
	log.Info().Int64("room_id", r.id).Str("name", opts.Name).Int("max_players", opts.MaxPlayers).Msg("rooms.Directory room registered")
	return r, nil
}

func (d *Directory) Room(id int64) (*Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.rooms[id]
	return r, ok
}

// Rooms returns every live room ordered by id.
func (d *Directory) Rooms() []*Room {
	d.mu.RLock()
	out := make([]*Room, 0, len(d.rooms))
	for _, r := range d.rooms {
		out = append(out, r)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (d *Directory) owned(owner peer.Peer, id int64) (*Room, error) {
	r, ok := d.Room(id)
	if !ok {
		return nil, fault.New(fault.KindNotFound, "room %d not found", id)
	}
	if r.owner.ID() != owner.ID() {
		return nil, fault.New(fault.KindUnauthorized, "room %d belongs to another process", id)
	}
	return r, nil
}

// Destroy removes a room on its owner's request.
func (d *Directory) Destroy(owner peer.Peer, id int64) error {
	r, err := d.owned(owner, id)
	if err != nil {
		return err
	}
	r.Destroy()
	return nil
}

// SaveOptions replaces a room's options on its owner's request.
func (d *Directory) SaveOptions(owner peer.Peer, id int64, opts schema.RoomOptions) error {
	r, err := d.owned(owner, id)
	if err != nil {
		return err
	}
	return r.ChangeOptions(opts)
}

// RequestAccess checks the room password before asking the room.
func (d *Directory) RequestAccess(p peer.Peer, req schema.GetRoomAccess, done AccessFunc) error {
	r, ok := d.Room(req.RoomID)
	if !ok {
		return fault.New(fault.KindNotFound, "room %d not found", req.RoomID)
	}
	if pw := r.Options().Password; pw != "" && pw != req.Password {
		return fault.New(fault.KindUnauthorized, "invalid password for room %d", req.RoomID)
	}
	return r.RequestAccess(p, req.Properties, done)
}

// ValidateAccess consumes a token presented to the room's own process.
func (d *Directory) ValidateAccess(owner peer.Peer, id int64, token string) (peer.Peer, error) {
	r, err := d.owned(owner, id)
	if err != nil {
		return nil, err
	}
	return r.ValidateAccess(token)
}

// PlayerLeft reports that an admitted player left the owner's room.
func (d *Directory) PlayerLeft(owner peer.Peer, id, peerID int64) error {
	r, err := d.owned(owner, id)
	if err != nil {
		return err
	}
	r.PlayerLeft(peerID)
	return nil
}

// SweepExpired sweeps every room.
func (d *Directory) SweepExpired() {
	for _, r := range d.Rooms() {
		if n := r.SweepExpired(); n > 0 {
			log.Debug().Int64("room_id", r.id).Int("expired", n).Msg("rooms.Directory swept access tokens")
		}
	}
}

// FindGames lists public rooms whose properties contain every filter
// pair.
func (d *Directory) FindGames(filters map[string]string) []schema.GameInfo {
	out := make([]schema.GameInfo, 0)
	for _, r := range d.Rooms() {
		opts := r.Options()
		if !opts.IsPublic || !matches(opts.Properties, filters) {
			continue
		}
		out = append(out, r.Info())
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

// Close destroys every room.
func (d *Directory) Close() {
	d.Stop()
	for _, r := range d.Rooms() {
		r.Destroy()
	}
}

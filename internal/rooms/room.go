package rooms

import (
	"maps"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/spawnctl/internal/clock"
	"github.com/danmuck/spawnctl/internal/events"
	"github.com/danmuck/spawnctl/internal/fault"
	"github.com/danmuck/spawnctl/internal/peer"
	"github.com/danmuck/spawnctl/internal/protocol/codec"
	"github.com/danmuck/spawnctl/internal/protocol/schema"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// PropIsPublic in room properties overrides Options.IsPublic.
const PropIsPublic = "isPublic"

// AccessFunc receives the outcome of an asynchronous access request.
type AccessFunc func(schema.RoomAccess, error)

type unconfirmedAccess struct {
	access  schema.RoomAccess
	peer    peer.Peer
	expires time.Time
}

// Room is one game-server process registered with the master. It trades
// an owner-side admission check for a single-use access token.
type Room struct {
	id    int64
	owner peer.Peer
	clock clock.Clock

	mu          sync.Mutex
	opts        schema.RoomOptions
	unconfirmed map[string]*unconfirmedAccess
	tokens      map[int64]string
	confirmed   map[int64]peer.Peer
	inFlight    map[int64]struct{}
	closed      bool

	joined events.Hub[peer.Peer]
	left   events.Hub[peer.Peer]
	gone   events.Hub[*Room]
}

func newRoom(id int64, owner peer.Peer, opts schema.RoomOptions, clk clock.Clock) *Room {
	return &Room{
		id:          id,
		owner:       owner,
		clock:       clock.Or(clk),
		opts:        normalizeOptions(opts),
		unconfirmed: make(map[string]*unconfirmedAccess),
		tokens:      make(map[int64]string),
		confirmed:   make(map[int64]peer.Peer),
		inFlight:    make(map[int64]struct{}),
	}
}

func normalizeOptions(opts schema.RoomOptions) schema.RoomOptions {
	opts.Properties = maps.Clone(opts.Properties)
	if v, ok := opts.Properties[PropIsPublic]; ok {
		if public, err := strconv.ParseBool(v); err == nil {
			opts.IsPublic = public
		}
	}
	return opts
}

func (r *Room) ID() int64 { return r.id }

// Owner is the game-server connection that registered the room.
func (r *Room) Owner() peer.Peer { return r.owner }

// Options returns a copy of the current options.
func (r *Room) Options() schema.RoomOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	opts := r.opts
	opts.Properties = maps.Clone(r.opts.Properties)
	return opts
}

// ChangeOptions replaces the room options.
func (r *Room) ChangeOptions(opts schema.RoomOptions) error {
	if err := opts.Validate(); err != nil {
		return fault.New(fault.KindInvalid, "%v", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fault.New(fault.KindNotFound, "room %d destroyed", r.id)
	}
	r.opts = normalizeOptions(opts)
	return nil
}

// OnlineCount is the number of admitted players.
func (r *Room) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.confirmed)
}

// PendingCount is the number of unconfirmed tokens.
func (r *Room) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.unconfirmed)
}

func (r *Room) Destroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Room) SubscribeJoined(fn func(peer.Peer)) events.Subscription {
	return r.joined.Subscribe(fn)
}

func (r *Room) SubscribeLeft(fn func(peer.Peer)) events.Subscription {
	return r.left.Subscribe(fn)
}

// SubscribeDestroyed fires once. Subscribing after destruction is inert.
func (r *Room) SubscribeDestroyed(fn func(*Room)) events.Subscription {
	return r.gone.Subscribe(fn)
}

func (r *Room) expiry() time.Time {
	return r.clock.Now().Add(time.Duration(r.opts.AccessTimeout) * time.Millisecond)
}

// RequestAccess asks the owner to admit p. Rejections that need no round
// trip are returned directly; otherwise done runs once with the token or
// the owner's refusal. A peer that already holds an unconfirmed token
// gets the same token back with a refreshed expiry.
func (r *Room) RequestAccess(p peer.Peer, props map[string]string, done AccessFunc) error {
	id := p.ID()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fault.New(fault.KindNotFound, "room %d destroyed", r.id)
	}
	if _, ok := r.inFlight[id]; ok {
		r.mu.Unlock()
		return fault.New(fault.KindDuplicateRequest, "access to room %d already requested", r.id)
	}
	if _, ok := r.confirmed[id]; ok {
		r.mu.Unlock()
		return fault.New(fault.KindAlreadyInRoom, "already in room %d", r.id)
	}
	if token, ok := r.tokens[id]; ok {
		entry := r.unconfirmed[token]
		entry.expires = r.expiry()
		access := entry.access
		r.mu.Unlock()
		log.Debug().Int64("room_id", r.id).Int64("peer_id", id).Msg("rooms.Room access refreshed")
		done(access, nil)
		return nil
	}
	if r.opts.MaxPlayers > 0 && len(r.inFlight)+len(r.unconfirmed)+len(r.confirmed) >= r.opts.MaxPlayers {
		r.mu.Unlock()
		return fault.New(fault.KindCapacityExceeded, "room %d is full", r.id)
	}
	r.inFlight[id] = struct{}{}
	r.mu.Unlock()

	check := schema.ProvideRoomAccessCheck{
		RoomID:     r.id,
		PeerID:     id,
		Username:   peer.Username(p),
		Properties: maps.Clone(props),
	}
	err := codec.Request(r.owner, schema.MsgProvideRoomAccessCheck, check, func(status peer.Status, payload []byte) {
		r.completeAccess(p, status, payload, done)
	})
	if err != nil {
		r.mu.Lock()
		delete(r.inFlight, id)
		r.mu.Unlock()
		return fault.New(fault.KindNotConnected, "room %d owner unreachable: %v", r.id, err)
	}
	return nil
}

func (r *Room) completeAccess(p peer.Peer, status peer.Status, payload []byte, done AccessFunc) {
	id := p.ID()
	if err := codec.ResponseErr(status, payload); err != nil {
		r.mu.Lock()
		delete(r.inFlight, id)
		r.mu.Unlock()
		log.Debug().Int64("room_id", r.id).Int64("peer_id", id).Err(err).Msg("rooms.Room access check refused")
		done(schema.RoomAccess{}, err)
		return
	}
	// The owner may attach connection properties for the player.
	var granted schema.RoomAccess
	if len(payload) > 0 {
		if err := codec.Unmarshal(payload, &granted); err != nil {
			log.Warn().Int64("room_id", r.id).Err(err).Msg("rooms.Room malformed access grant")
		}
	}

	r.mu.Lock()
	delete(r.inFlight, id)
	if r.closed {
		r.mu.Unlock()
		done(schema.RoomAccess{}, fault.New(fault.KindNotFound, "room %d destroyed", r.id))
		return
	}
	access := schema.RoomAccess{
		RoomID:     r.id,
		RoomIP:     r.opts.RoomIP,
		RoomPort:   r.opts.RoomPort,
		Token:      uuid.NewString(),
		Properties: granted.Properties,
	}
	r.unconfirmed[access.Token] = &unconfirmedAccess{access: access, peer: p, expires: r.expiry()}
	r.tokens[id] = access.Token
	r.mu.Unlock()

	log.Debug().Int64("room_id", r.id).Int64("peer_id", id).Msg("rooms.Room access granted")
	done(access, nil)
}

// ValidateAccess consumes token and admits its peer. A token validates at
// most once; every outcome other than unknown discards it.
func (r *Room) ValidateAccess(token string) (peer.Peer, error) {
	r.mu.Lock()
	entry, ok := r.unconfirmed[token]
	if !ok {
		r.mu.Unlock()
		return nil, fault.New(fault.KindNotFound, "unknown access token for room %d", r.id)
	}
	delete(r.unconfirmed, token)
	delete(r.tokens, entry.peer.ID())
	if r.clock.Now().After(entry.expires) {
		r.mu.Unlock()
		return nil, fault.New(fault.KindExpired, "access token for room %d expired", r.id)
	}
	if !entry.peer.Connected() {
		r.mu.Unlock()
		return nil, fault.New(fault.KindNotConnected, "player %d disconnected", entry.peer.ID())
	}
	r.confirmed[entry.peer.ID()] = entry.peer
	r.mu.Unlock()

	log.Info().Int64("room_id", r.id).Int64("peer_id", entry.peer.ID()).Msg("rooms.Room player joined")
	r.joined.Emit(entry.peer)
	return entry.peer, nil
}

// SweepExpired drops unconfirmed tokens past their expiry and returns how
// many were dropped. Admitted players and in-flight checks are untouched.
func (r *Room) SweepExpired() int {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for token, entry := range r.unconfirmed {
		if now.After(entry.expires) {
			delete(r.unconfirmed, token)
			delete(r.tokens, entry.peer.ID())
			n++
		}
	}
	return n
}

// PlayerLeft releases an admitted player's slot.
func (r *Room) PlayerLeft(peerID int64) bool {
	r.mu.Lock()
	p, ok := r.confirmed[peerID]
	delete(r.confirmed, peerID)
	r.mu.Unlock()
	if !ok {
		return false
	}
	log.Info().Int64("room_id", r.id).Int64("peer_id", peerID).Msg("rooms.Room player left")
	r.left.Emit(p)
	return true
}

// Destroy clears all access state and notifies subscribers once.
func (r *Room) Destroy() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	clear(r.unconfirmed)
	clear(r.tokens)
	clear(r.confirmed)
	clear(r.inFlight)
	r.mu.Unlock()

	log.Info().Int64("room_id", r.id).Msg("rooms.Room destroyed")
	r.gone.Emit(r)
	r.joined.Close()
	r.left.Close()
	r.gone.Close()
}

// Info is the public listing entry for the room.
func (r *Room) Info() schema.GameInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr := ""
	if r.opts.RoomIP != "" {
		addr = net.JoinHostPort(r.opts.RoomIP, strconv.Itoa(r.opts.RoomPort))
	}
	return schema.GameInfo{
		ID:         r.id,
		Kind:       "room",
		Name:       r.opts.Name,
		Address:    addr,
		MaxPlayers: r.opts.MaxPlayers,
		Players:    len(r.confirmed),
		Properties: maps.Clone(r.opts.Properties),
	}
}

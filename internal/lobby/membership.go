package lobby

import (
	"sync"

	"github.com/danmuck/spawnctl/internal/fault"
	"github.com/danmuck/spawnctl/internal/peer"
)

// membership is the peer extension recording the player's lobby.
type membership struct {
	mu    sync.Mutex
	lobby *Lobby
}

func claim(p peer.Peer, l *Lobby) error {
	m, _ := peer.StoreIfAbsent(p, &membership{})
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lobby != nil {
		return fault.New(fault.KindAlreadyInLobby, "already in lobby %d", m.lobby.id)
	}
	m.lobby = l
	return nil
}

func release(p peer.Peer, l *Lobby) {
	m, ok := peer.Load[membership](p)
	if !ok {
		return
	}
	m.mu.Lock()
	if m.lobby == l {
		m.lobby = nil
	}
	m.mu.Unlock()
}

// Current returns the lobby p is a member of.
func Current(p peer.Peer) (*Lobby, bool) {
	m, ok := peer.Load[membership](p)
	if !ok {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lobby, m.lobby != nil
}

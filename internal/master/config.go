package master

import (
	"strings"

	"github.com/danmuck/spawnctl/internal/protocol/session"
	"github.com/danmuck/spawnctl/internal/rooms"
	"github.com/danmuck/spawnctl/internal/spawn"
)

// ServiceConfig configures the master endpoint and the services it hosts.
type ServiceConfig struct {
	ListenAddr string
	// LobbyTemplatesPath names a TOML lobby templates file; empty serves
	// the builtin templates.
	LobbyTemplatesPath string
	Spawn              spawn.Config
	Rooms              rooms.Config
	Session            session.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr: ":5000",
		Spawn:      spawn.DefaultConfig(),
		Rooms:      rooms.DefaultConfig(),
		Session:    session.DefaultConfig(),
	}
}

// Normalize fills blank fields with defaults.
func (c ServiceConfig) Normalize() ServiceConfig {
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = DefaultServiceConfig().ListenAddr
	}
	c.LobbyTemplatesPath = strings.TrimSpace(c.LobbyTemplatesPath)
	c.Session = c.Session.WithDefaults()
	return c
}

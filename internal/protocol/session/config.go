package session

import (
	"time"

	"github.com/danmuck/spawnctl/internal/protocol/frame"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// SecurityMode selects how strictly transport security is enforced.
type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig configures optional TLS on master links.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// Config defines connection reliability defaults.
type Config struct {
	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	SessionDeadAfter  time.Duration
	RequestTimeout    time.Duration
	OutboundQueue     int
	Limits            frame.Limits
	SecurityMode      SecurityMode
	TLS               TLSConfig
	Backoff           BackoffConfig
}

// DefaultConfig returns the link defaults shared by master and spawners.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    5 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		WriteTimeout:      15 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		SessionDeadAfter:  15 * time.Second,
		RequestTimeout:    20 * time.Second,
		OutboundQueue:     1024,
		Limits:            frame.DefaultLimits(),
		SecurityMode:      SecurityModeDevelopment,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig. Heartbeats stay
// off when both HeartbeatInterval and SessionDeadAfter are zero.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HeartbeatInterval <= 0 && c.SessionDeadAfter > 0 {
		c.HeartbeatInterval = c.SessionDeadAfter / 3
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = def.OutboundQueue
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = def.Limits
	}
	if c.SecurityMode == "" {
		c.SecurityMode = def.SecurityMode
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}

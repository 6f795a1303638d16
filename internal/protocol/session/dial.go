package session

import (
	"context"
	"crypto/tls"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrAddressRequired = errors.New("session: address required")

// Dial opens one framed connection to addr and starts it.
func Dial(ctx context.Context, addr string, cfg Config, handler Handler) (*Conn, error) {
	cfg = cfg.WithDefaults()
	if addr == "" {
		return nil, ErrAddressRequired
	}
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if cfg.TLS.Enabled {
		tlsCfg, err := cfg.clientTLSConfig(addr)
		if err != nil {
			_ = raw.Close()
			return nil, err
		}
		tlsConn := tls.Client(raw, tlsCfg)
		hctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(hctx); err != nil {
			_ = raw.Close()
			return nil, err
		}
		raw = tlsConn
	}
	conn := NewConn(0, raw, cfg, handler)
	conn.Start()
	return conn, nil
}

// Connect dials addr until it succeeds, ctx is done, or maxAttempts
// (when positive) is exhausted, sleeping the configured backoff between
// attempts.
func Connect(ctx context.Context, addr string, cfg Config, maxAttempts int, handler Handler) (*Conn, error) {
	cfg = cfg.WithDefaults()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var attempt int
	for {
		attempt++
		conn, err := Dial(ctx, addr, cfg, handler)
		if err == nil {
			return conn, nil
		}
		log.Warn().Int("attempt", attempt).Str("addr", addr).Err(err).Msg("session.Connect dial failed")
		if maxAttempts > 0 && attempt >= maxAttempts {
			return nil, err
		}
		timer := time.NewTimer(cfg.Backoff.Delay(attempt, rng))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Listen opens the master listener, wrapping it in TLS when configured.
func Listen(addr string, cfg Config) (net.Listener, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateServerTransport(); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return ln, nil
	}
	tlsCfg, err := cfg.serverTLSConfig()
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	return tls.NewListener(ln, tlsCfg), nil
}

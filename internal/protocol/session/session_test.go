package session

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/danmuck/spawnctl/internal/peer"
	"github.com/danmuck/spawnctl/internal/testutil/testlog"
	"github.com/danmuck/spawnctl/internal/testutil/tlstest"
)

type responseResult struct {
	status  peer.Status
	payload []byte
}

func startPair(t *testing.T, cfg Config, serverHandler Handler) (*Conn, *Conn) {
	t.Helper()
	ln, err := Listen("127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	accepted := make(chan *Conn, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		conn := NewConn(1, raw, cfg, serverHandler)
		conn.Start()
		accepted <- conn
	}()

	client, err := Dial(context.Background(), ln.Addr().String(), cfg, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server := <-accepted:
		t.Cleanup(func() { _ = server.Close() })
		return client, server
	case <-time.After(2 * time.Second):
		t.Fatalf("accept timed out")
	}
	return nil, nil
}

func TestRequestResponseRoundTrip(t *testing.T) {
	testlog.Start(t)
	handler := func(msg *peer.Message) {
		if msg.Type != 40 {
			_ = msg.Respond(peer.StatusInvalid, []byte("unexpected type"))
			return
		}
		_ = msg.Respond(peer.StatusSuccess, append([]byte("echo:"), msg.Payload...))
	}
	client, _ := startPair(t, DefaultConfig(), handler)

	got := make(chan responseResult, 1)
	if err := client.Request(40, []byte("hello"), func(status peer.Status, payload []byte) {
		got <- responseResult{status, payload}
	}); err != nil {
		t.Fatalf("request: %v", err)
	}
	select {
	case res := <-got:
		if res.status != peer.StatusSuccess || string(res.payload) != "echo:hello" {
			t.Fatalf("unexpected response: status=%v payload=%q", res.status, string(res.payload))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("response timed out")
	}
}

func TestOneWaySendReachesHandler(t *testing.T) {
	testlog.Start(t)
	received := make(chan *peer.Message, 1)
	client, _ := startPair(t, DefaultConfig(), func(msg *peer.Message) { received <- msg })

	if err := client.Send(41, []byte("note")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case msg := <-received:
		if msg.ExpectsResponse() || string(msg.Payload) != "note" {
			t.Fatalf("unexpected message: expects=%v payload=%q", msg.ExpectsResponse(), string(msg.Payload))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("message not delivered")
	}
}

func TestRequestTimesOut(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	client, _ := startPair(t, cfg, func(msg *peer.Message) {})

	got := make(chan peer.Status, 1)
	if err := client.Request(42, nil, func(status peer.Status, _ []byte) { got <- status }); err != nil {
		t.Fatalf("request: %v", err)
	}
	select {
	case status := <-got:
		if status != peer.StatusTimeout {
			t.Fatalf("expected timeout, got %v", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout callback never fired")
	}
}

func TestCloseFailsPendingAndNotifiesDisconnect(t *testing.T) {
	testlog.Start(t)
	client, server := startPair(t, DefaultConfig(), func(msg *peer.Message) {})

	disconnected := make(chan int64, 1)
	server.OnDisconnect(func(p peer.Peer) { disconnected <- p.ID() })

	got := make(chan peer.Status, 1)
	if err := client.Request(43, nil, func(status peer.Status, _ []byte) { got <- status }); err != nil {
		t.Fatalf("request: %v", err)
	}
	_ = client.Close()

	select {
	case status := <-got:
		if status != peer.StatusNotConnected {
			t.Fatalf("expected not connected, got %v", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending request not failed on close")
	}
	select {
	case id := <-disconnected:
		if id != 1 {
			t.Fatalf("unexpected peer id: %d", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never observed disconnect")
	}
	if client.Connected() {
		t.Fatalf("client still reports connected")
	}
	if err := client.Send(44, nil); !errors.Is(err, peer.ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}

	late := make(chan struct{}, 1)
	client.OnDisconnect(func(peer.Peer) { late <- struct{}{} })
	select {
	case <-late:
	default:
		t.Fatalf("late disconnect subscriber not invoked")
	}
}

func TestUnhandledRequestGetsUnhandledStatus(t *testing.T) {
	testlog.Start(t)
	ln, err := Listen("127.0.0.1:0", DefaultConfig())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		NewConn(2, raw, DefaultConfig(), nil).Start()
	}()
	client, err := Dial(context.Background(), ln.Addr().String(), DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	got := make(chan peer.Status, 1)
	_ = client.Request(45, nil, func(status peer.Status, _ []byte) { got <- status })
	select {
	case status := <-got:
		if status != peer.StatusUnhandled {
			t.Fatalf("expected unhandled, got %v", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no response")
	}
}

func TestConnectGivesUpAfterMaxAttempts(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	cfg := DefaultConfig()
	cfg.Backoff.InitialDelay = time.Millisecond
	cfg.Backoff.MaxDelay = 2 * time.Millisecond
	if _, err := Connect(context.Background(), addr, cfg, 2, nil); err == nil {
		t.Fatalf("expected dial failure")
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	testlog.Start(t)
	b := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := b.Delay(i+1, nil); got != w {
			t.Fatalf("attempt %d: got %v want %v", i+1, got, w)
		}
	}

	b.Jitter = true
	rng := rand.New(rand.NewSource(7))
	for attempt := 1; attempt <= 3; attempt++ {
		base := BackoffConfig{InitialDelay: b.InitialDelay, Multiplier: b.Multiplier, MaxDelay: b.MaxDelay}.Delay(attempt, nil)
		got := b.Delay(attempt, rng)
		if got < base/2 || got >= base*3/2 {
			t.Fatalf("attempt %d: jitter out of range: %v (base %v)", attempt, got, base)
		}
	}
	if got := (BackoffConfig{}).Delay(4, rng); got != 0 {
		t.Fatalf("zero config should not wait, got %v", got)
	}
}

func TestMutualTLSRoundTrip(t *testing.T) {
	testlog.Start(t)
	pki := tlstest.New(t, "master.local")

	serverCfg := DefaultConfig()
	serverCfg.SecurityMode = SecurityModeProduction
	serverCfg.TLS = TLSConfig{Enabled: true, Mutual: true, CertFile: pki.ServerCert, KeyFile: pki.ServerKey, CAFile: pki.CAFile}
	ln, err := Listen("127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		conn := NewConn(1, raw, serverCfg, func(msg *peer.Message) {
			_ = msg.Respond(peer.StatusSuccess, msg.Payload)
		})
		conn.Start()
		t.Cleanup(func() { _ = conn.Close() })
	}()

	clientCfg := DefaultConfig()
	clientCfg.SecurityMode = SecurityModeProduction
	clientCfg.TLS = TLSConfig{Enabled: true, Mutual: true, CertFile: pki.ClientCert, KeyFile: pki.ClientKey, CAFile: pki.CAFile, ServerName: "master.local"}
	client, err := Dial(context.Background(), ln.Addr().String(), clientCfg, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	got := make(chan responseResult, 1)
	if err := client.Request(7, []byte("over tls"), func(status peer.Status, payload []byte) {
		got <- responseResult{status, payload}
	}); err != nil {
		t.Fatalf("request: %v", err)
	}
	select {
	case res := <-got:
		if res.status != peer.StatusSuccess || string(res.payload) != "over tls" {
			t.Fatalf("unexpected response: status=%v payload=%q", res.status, string(res.payload))
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("response timed out")
	}
}

func TestMutualTLSRejectsClientWithoutCert(t *testing.T) {
	testlog.Start(t)
	pki := tlstest.New(t, "master.local")

	serverCfg := DefaultConfig()
	serverCfg.TLS = TLSConfig{Enabled: true, Mutual: true, CertFile: pki.ServerCert, KeyFile: pki.ServerKey, CAFile: pki.CAFile}
	ln, err := Listen("127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			raw, err := ln.Accept()
			if err != nil {
				return
			}
			conn := NewConn(1, raw, serverCfg, nil)
			conn.Start()
		}
	}()

	clientCfg := DefaultConfig()
	clientCfg.TLS = TLSConfig{Enabled: true, CAFile: pki.CAFile, ServerName: "master.local"}
	client, err := Dial(context.Background(), ln.Addr().String(), clientCfg, nil)
	if err != nil {
		return
	}
	t.Cleanup(func() { _ = client.Close() })
	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("server kept a client without a certificate")
	}
}

func TestValidateClientTransportProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
	cfg.TLS.Enabled = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
}

func TestValidateServerTransportMutualRequiresCA(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.TLS.Enabled = true
	cfg.TLS.Mutual = true
	cfg.TLS.CertFile = "/tmp/server.pem"
	cfg.TLS.KeyFile = "/tmp/server.key"
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}
}

package spawner

import (
	"context"
	"testing"
	"time"

	"github.com/danmuck/spawnctl/internal/peer"
	"github.com/danmuck/spawnctl/internal/protocol/codec"
	"github.com/danmuck/spawnctl/internal/protocol/schema"
	"github.com/danmuck/spawnctl/internal/protocol/session"
	"github.com/danmuck/spawnctl/internal/testutil/testlog"
)

type fakeMaster struct {
	conns    chan *session.Conn
	messages chan *peer.Message
}

func startFakeMaster(t *testing.T) (string, *fakeMaster) {
	t.Helper()
	ln, err := session.Listen("127.0.0.1:0", session.DefaultConfig())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	m := &fakeMaster{conns: make(chan *session.Conn, 1), messages: make(chan *peer.Message, 32)}
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		var conn *session.Conn
		conn = session.NewConn(1, raw, session.DefaultConfig(), func(msg *peer.Message) {
			if msg.Type == schema.MsgRegisterSpawner {
				_ = codec.Respond(msg, schema.SpawnerRegistered{SpawnerID: 9})
				m.conns <- conn
				return
			}
			m.messages <- msg
		})
		conn.Start()
	}()
	return ln.Addr().String(), m
}

func (m *fakeMaster) next(t *testing.T, msgType uint32) *peer.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-m.messages:
			if msg.Type == msgType {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", schema.Name(msgType))
			return nil
		}
	}
}

func TestServiceRegistersAndServesCommands(t *testing.T) {
	testlog.Start(t)
	addr, master := startFakeMaster(t)

	cfg := testConfig()
	cfg.MasterAddr = addr
	cfg.MaxProcesses = 4
	starter := &fakeStarter{}
	svc, err := NewServiceWithConfig(cfg, starter)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- svc.Serve(ctx) }()

	conn := waitFor(t, master.conns, "registration")
	deadline := time.Now().Add(2 * time.Second)
	for !svc.Registered() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if svc.SpawnerID() != 9 {
		t.Fatalf("expected spawner id 9, got %d", svc.SpawnerID())
	}

	callCtx, callCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer callCancel()
	req := schema.SpawnRequest{SpawnerID: 9, SpawnID: 21, SpawnCode: "code-21"}
	if err := codec.Call(callCtx, conn, schema.MsgSpawnRequest, req, nil); err != nil {
		t.Fatalf("spawn request: %v", err)
	}
	var started schema.ProcessStarted
	if err := codec.Decode(master.next(t, schema.MsgProcessStarted), &started); err != nil {
		t.Fatalf("decode started: %v", err)
	}
	if started.SpawnerID != 9 || started.SpawnID != 21 || started.ProcessID == 0 {
		t.Fatalf("unexpected started notification: %+v", started)
	}

	if err := codec.Call(callCtx, conn, schema.MsgKillSpawnedProcess, schema.KillSpawnedProcess{SpawnerID: 9, SpawnID: 21}, nil); err != nil {
		t.Fatalf("kill request: %v", err)
	}
	var killed schema.ProcessKilled
	if err := codec.Decode(master.next(t, schema.MsgProcessKilled), &killed); err != nil {
		t.Fatalf("decode killed: %v", err)
	}
	if killed.SpawnID != 21 {
		t.Fatalf("unexpected killed notification: %+v", killed)
	}

	cancel()
	if err := waitFor(t, served, "serve exit"); err != nil {
		t.Fatalf("serve returned %v", err)
	}
}

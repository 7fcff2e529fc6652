package syncproto

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lattice-sync/syncengine/internal/engine"
	"github.com/lattice-sync/syncengine/internal/hlc"
	"github.com/lattice-sync/syncengine/internal/oplog"
)

type pipeStream struct {
	net.Conn
	remoteNetworkID string
}

func (s pipeStream) RemoteNetworkID() string { return s.remoteNetworkID }

// connectedLoopbackPair returns two ends of a real TCP loopback
// connection rather than net.Pipe: the handshake has both sides write
// their Hello before either reads, which deadlocks on net.Pipe's
// unbuffered rendezvous semantics but not on a real socket's kernel
// send buffer.
func connectedLoopbackPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer listener.Close()

	acceptedCh := make(chan net.Conn, 1)
	acceptErrCh := make(chan error, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			acceptErrCh <- err
			return
		}
		acceptedCh <- conn
	}()

	dialed, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}

	select {
	case accepted := <-acceptedCh:
		return dialed, accepted
	case err := <-acceptErrCh:
		t.Fatalf("failed to accept: %v", err)
		return nil, nil
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for accept")
		return nil, nil
	}
}

// waitForHandshake blocks until both remoteUserID fields are populated
// or the deadline passes, so callers can cancel a session's context
// only after its handshake has actually completed rather than racing
// the cancellation against the in-flight Hello exchange.
func waitForHandshake(t *testing.T, fields ...*string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ready := true
		for _, field := range fields {
			if *field == "" {
				ready = false
				break
			}
		}
		if ready {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for handshake to populate remote identity")
}

func mustOpenMergeEngine(t *testing.T, dsn string) (*oplog.Store, *engine.Engine, *PeerStore) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := oplog.Migrate(db); err != nil {
		t.Fatalf("failed to migrate oplog schema: %v", err)
	}
	if err := engine.Migrate(db); err != nil {
		t.Fatalf("failed to migrate engine schema: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("failed to migrate peers schema: %v", err)
	}

	store, err := oplog.New(oplog.Config{Database: db, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to construct oplog store: %v", err)
	}
	mergeEngine, err := engine.New(engine.Config{
		Database: db,
		Clock:    hlc.New(),
		OpLog:    store,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	return store, mergeEngine, NewPeerStore(db)
}

func TestPeerSessionHandshakeConverges(t *testing.T) {
	left, right := connectedLoopbackPair(t)

	leftOplog, leftEngine, leftPeers := mustOpenMergeEngine(t, "file:handshake-left?mode=memory&cache=shared")
	rightOplog, rightEngine, rightPeers := mustOpenMergeEngine(t, "file:handshake-right?mode=memory&cache=shared")

	leftSession := newPeerSession(
		pipeStream{Conn: left, remoteNetworkID: "right"},
		LocalIdentity{NetworkPeerID: "left", DeviceID: "device-left", UserID: "user-1"},
		leftOplog, leftEngine, engine.AllowAllAuthorizer{}, leftPeers, DefaultTransportConfig(), zap.NewNop(),
	)
	rightSession := newPeerSession(
		pipeStream{Conn: right, remoteNetworkID: "left"},
		LocalIdentity{NetworkPeerID: "right", DeviceID: "device-right", UserID: "user-1"},
		rightOplog, rightEngine, engine.AllowAllAuthorizer{}, rightPeers, DefaultTransportConfig(), zap.NewNop(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errs := make(chan error, 2)
	go func() { errs <- leftSession.run(ctx) }()
	go func() { errs <- rightSession.run(ctx) }()

	waitForHandshake(t, &leftSession.remoteUserID, &rightSession.remoteUserID)
	cancel()
	<-errs
	<-errs

	if leftSession.remoteUserID != "user-1" || rightSession.remoteUserID != "user-1" {
		t.Fatalf("expected both sessions to authorize each other's user id")
	}

	record, found, err := leftPeers.Get(context.Background(), "right")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if !found {
		t.Fatalf("expected handshake to persist a peer record")
	}
	if record.UserID != "user-1" || record.DeviceID != "device-right" {
		t.Fatalf("unexpected persisted peer record: %+v", record)
	}
}

func TestPeerSessionRejectsUserMismatch(t *testing.T) {
	left, right := connectedLoopbackPair(t)

	leftOplog, leftEngine, leftPeers := mustOpenMergeEngine(t, "file:mismatch-left?mode=memory&cache=shared")
	rightOplog, rightEngine, rightPeers := mustOpenMergeEngine(t, "file:mismatch-right?mode=memory&cache=shared")

	leftSession := newPeerSession(
		pipeStream{Conn: left, remoteNetworkID: "right"},
		LocalIdentity{NetworkPeerID: "left", DeviceID: "device-left", UserID: "user-1"},
		leftOplog, leftEngine, engine.AllowAllAuthorizer{}, leftPeers, DefaultTransportConfig(), zap.NewNop(),
	)
	rightSession := newPeerSession(
		pipeStream{Conn: right, remoteNetworkID: "left"},
		LocalIdentity{NetworkPeerID: "right", DeviceID: "device-right", UserID: "user-2"},
		rightOplog, rightEngine, engine.AllowAllAuthorizer{}, rightPeers, DefaultTransportConfig(), zap.NewNop(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errs := make(chan error, 2)
	go func() { errs <- leftSession.run(ctx) }()
	go func() { errs <- rightSession.run(ctx) }()

	firstErr := <-errs
	secondErr := <-errs
	cancel()

	if firstErr == nil && secondErr == nil {
		t.Fatalf("expected at least one side to fail the handshake on user mismatch")
	}
}

type denyAllAuthorizer struct{}

func (denyAllAuthorizer) IsDeviceAuthorized(context.Context, engine.UserID, engine.DeviceID) (bool, error) {
	return false, nil
}

func TestPeerSessionRejectsUnauthorizedDevice(t *testing.T) {
	left, right := connectedLoopbackPair(t)

	leftOplog, leftEngine, leftPeers := mustOpenMergeEngine(t, "file:unauth-left?mode=memory&cache=shared")
	rightOplog, rightEngine, rightPeers := mustOpenMergeEngine(t, "file:unauth-right?mode=memory&cache=shared")

	leftSession := newPeerSession(
		pipeStream{Conn: left, remoteNetworkID: "right"},
		LocalIdentity{NetworkPeerID: "left", DeviceID: "device-left", UserID: "user-1"},
		leftOplog, leftEngine, denyAllAuthorizer{}, leftPeers, DefaultTransportConfig(), zap.NewNop(),
	)
	rightSession := newPeerSession(
		pipeStream{Conn: right, remoteNetworkID: "left"},
		LocalIdentity{NetworkPeerID: "right", DeviceID: "device-right", UserID: "user-1"},
		rightOplog, rightEngine, engine.AllowAllAuthorizer{}, rightPeers, DefaultTransportConfig(), zap.NewNop(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errs := make(chan error, 2)
	go func() { errs <- leftSession.run(ctx) }()
	go func() { errs <- rightSession.run(ctx) }()

	firstErr := <-errs
	secondErr := <-errs
	cancel()

	if firstErr == nil && secondErr == nil {
		t.Fatalf("expected at least one side to fail the handshake when the peer's authorizer rejects the device")
	}
}

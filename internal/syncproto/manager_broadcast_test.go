package syncproto

import (
	"bytes"
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/lattice-sync/syncengine/internal/engine"
	"github.com/lattice-sync/syncengine/internal/oplog"
)

type bufferStream struct {
	*bytes.Buffer
	remoteNetworkID string
}

func (s bufferStream) RemoteNetworkID() string { return s.remoteNetworkID }
func (s bufferStream) Close() error            { return nil }

// TestBroadcastChangePushesTheRealOplogEntryUnchanged guards against
// broadcastChange reconstructing a synthetic entry from the row-state
// cache: a locally recorded create must still be a create on the wire,
// under its original op id, when pushed to an idle peer.
func TestBroadcastChangePushesTheRealOplogEntryUnchanged(t *testing.T) {
	oplogStore, mergeEngine, peerStore := mustOpenMergeEngine(t, "file:broadcast-change?mode=memory&cache=shared")

	deviceID, err := engine.NewDeviceID("device-local")
	if err != nil {
		t.Fatalf("NewDeviceID returned error: %v", err)
	}
	table, err := engine.NewTableName("tasks")
	if err != nil {
		t.Fatalf("NewTableName returned error: %v", err)
	}
	opID, err := mergeEngine.RecordLocal(context.Background(), deviceID, table, "id", oplog.OperationCreate, map[string]any{"id": "task-1", "title": "write tests"})
	if err != nil {
		t.Fatalf("RecordLocal returned error: %v", err)
	}

	manager := NewManager(ManagerConfig{
		OpLog:     oplogStore,
		Engine:    mergeEngine,
		PeerStore: peerStore,
		Logger:    zap.NewNop(),
	})

	buffer := &bytes.Buffer{}
	session := newPeerSession(
		bufferStream{Buffer: buffer, remoteNetworkID: "right"},
		LocalIdentity{},
		oplogStore, mergeEngine, engine.AllowAllAuthorizer{}, peerStore,
		DefaultTransportConfig(), zap.NewNop(),
	)
	session.state = PeerIdle
	manager.registerSession("right", session)

	manager.broadcastChange(engine.ChangeNotification{TableName: "tasks", RowKey: "task-1", OpID: opID.String()})

	env, err := ReadFrame(buffer, 0)
	if err != nil {
		t.Fatalf("ReadFrame returned error: %v", err)
	}
	if env.Tag != TagSendOps {
		t.Fatalf("expected a SendOps frame, got %s", env.Tag)
	}
	batch, err := env.decodeSendOps()
	if err != nil {
		t.Fatalf("decodeSendOps returned error: %v", err)
	}
	if len(batch.Entries) != 1 {
		t.Fatalf("expected exactly one pushed entry, got %d", len(batch.Entries))
	}
	if batch.Entries[0].Operation != string(oplog.OperationCreate) {
		t.Fatalf("expected the pushed entry to keep its original create operation, got %q", batch.Entries[0].Operation)
	}
	if batch.Entries[0].OpID != opID.String() {
		t.Fatalf("expected the pushed entry to carry the original op id, got %q", batch.Entries[0].OpID)
	}
}

package syncengine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/lattice-sync/syncengine/internal/oplog"
)

func mustOpenEngine(t *testing.T, deviceID, userID string) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "syncengine.db")
	engine, err := Open(Options{
		DatabasePath:  path,
		SigningSecret: "test-signing-secret",
		DeviceID:      deviceID,
		UserID:        userID,
	})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func TestRegisterLoginAuthorizeAndRecordOperation(t *testing.T) {
	ctx := context.Background()
	engine := mustOpenEngine(t, "device-1", "")

	user, err := engine.RegisterUser(ctx, "alice", "alice@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("RegisterUser returned error: %v", err)
	}

	token, expiresIn, err := engine.Login(ctx, "alice", "correct-horse", "device-1")
	if err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	if token == "" || expiresIn <= 0 {
		t.Fatalf("expected a non-empty token and positive expiry, got %q/%d", token, expiresIn)
	}

	device, err := engine.AuthorizeDevice(ctx, user.UserID, "laptop", "")
	if err != nil {
		t.Fatalf("AuthorizeDevice returned error: %v", err)
	}

	opID, err := engine.RecordOperation(ctx, device.DeviceID, "contacts", "id", oplog.OperationCreate, map[string]any{
		"id": "contact-1", "name": "Bob",
	})
	if err != nil {
		t.Fatalf("RecordOperation returned error: %v", err)
	}
	if opID == "" {
		t.Fatalf("expected a non-empty op id")
	}

	cursor := engine.ScanSince(ctx, 0)
	entry, ok, err := cursor.Next()
	if err != nil {
		t.Fatalf("cursor.Next returned error: %v", err)
	}
	if !ok {
		t.Fatalf("expected one recorded entry")
	}
	if entry.OpID != opID {
		t.Fatalf("expected scanned entry to match recorded op id, got %q want %q", entry.OpID, opID)
	}
}

func TestStopSyncWithoutStartSyncIsANoop(t *testing.T) {
	engine := mustOpenEngine(t, "device-1", "user-1")
	if err := engine.StopSync(context.Background()); err != nil {
		t.Fatalf("StopSync returned error before StartSync: %v", err)
	}
}

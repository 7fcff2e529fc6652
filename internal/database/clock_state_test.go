package database

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/lattice-sync/syncengine/internal/hlc"
)

func TestClockPersisterRoundTripsHighWater(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "clock.db")

	db, err := OpenSyncStore(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("OpenSyncStore returned error: %v", err)
	}

	persister := NewClockPersister(db, "device-1")

	if err := persister.SaveHighWater(hlc.Pack(1000, 3)); err != nil {
		testContext.Fatalf("SaveHighWater returned error: %v", err)
	}
	if err := persister.SaveHighWater(hlc.Pack(2000, 1)); err != nil {
		testContext.Fatalf("second SaveHighWater returned error: %v", err)
	}

	value, ok, err := LoadHighWater(db, "device-1")
	if err != nil {
		testContext.Fatalf("LoadHighWater returned error: %v", err)
	}
	if !ok {
		testContext.Fatalf("expected a persisted high-water value")
	}
	if value != hlc.Pack(2000, 1) {
		testContext.Fatalf("expected the most recent high-water value to win, got %v", value)
	}
}

func TestLoadHighWaterReportsMissingDevice(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "clock2.db")

	db, err := OpenSyncStore(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("OpenSyncStore returned error: %v", err)
	}

	_, ok, err := LoadHighWater(db, "unknown-device")
	if err != nil {
		testContext.Fatalf("LoadHighWater returned error: %v", err)
	}
	if ok {
		testContext.Fatalf("expected no high-water value for an unknown device")
	}
}

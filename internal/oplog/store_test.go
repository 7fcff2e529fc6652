package oplog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustOpenStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&entryRow{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := New(Config{Database: db, Clock: func() time.Time { return time.UnixMilli(1_700_000_000_000) }})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func TestInsertIsIdempotent(t *testing.T) {
	store := mustOpenStore(t)
	ctx := context.Background()

	entry := Entry{OpID: "op-1", DeviceID: "device-a", HLC: 100, TableName: "tasks", RowKey: "row-1", Operation: OperationCreate, Payload: []byte(`{"title":"a"}`)}

	first, err := store.Insert(ctx, entry)
	if err != nil {
		t.Fatalf("Insert returned error: %v", err)
	}
	if first.AlreadyPresent {
		t.Fatalf("expected first insert to report AlreadyPresent=false")
	}

	second, err := store.Insert(ctx, entry)
	if err != nil {
		t.Fatalf("Insert returned error: %v", err)
	}
	if !second.AlreadyPresent {
		t.Fatalf("expected duplicate insert to report AlreadyPresent=true")
	}
	if second.Entry.OpID != entry.OpID {
		t.Fatalf("expected duplicate insert to return the original entry")
	}
}

func TestScanSinceOrdersByHLCThenOpID(t *testing.T) {
	store := mustOpenStore(t)
	ctx := context.Background()

	entries := []Entry{
		{OpID: "op-b", DeviceID: "device-a", HLC: 200, TableName: "t", RowKey: "r1", Operation: OperationCreate},
		{OpID: "op-a", DeviceID: "device-a", HLC: 200, TableName: "t", RowKey: "r2", Operation: OperationCreate},
		{OpID: "op-c", DeviceID: "device-a", HLC: 100, TableName: "t", RowKey: "r3", Operation: OperationCreate},
	}
	for _, entry := range entries {
		if _, err := store.Insert(ctx, entry); err != nil {
			t.Fatalf("Insert returned error: %v", err)
		}
	}

	cursor := store.ScanSince(ctx, 0)
	var seen []string
	for {
		entry, ok, err := cursor.Next()
		if err != nil {
			t.Fatalf("Next returned error: %v", err)
		}
		if !ok {
			break
		}
		seen = append(seen, entry.OpID)
	}

	expected := []string{"op-c", "op-a", "op-b"}
	if len(seen) != len(expected) {
		t.Fatalf("expected %d entries, got %d", len(expected), len(seen))
	}
	for i, opID := range expected {
		if seen[i] != opID {
			t.Fatalf("expected entry %d to be %s, got %s", i, opID, seen[i])
		}
	}
}

func TestScanSinceRespectsWatermark(t *testing.T) {
	store := mustOpenStore(t)
	ctx := context.Background()

	if _, err := store.Insert(ctx, Entry{OpID: "op-1", DeviceID: "d", HLC: 50, TableName: "t", RowKey: "r", Operation: OperationCreate}); err != nil {
		t.Fatalf("Insert returned error: %v", err)
	}
	if _, err := store.Insert(ctx, Entry{OpID: "op-2", DeviceID: "d", HLC: 150, TableName: "t", RowKey: "r", Operation: OperationUpdate}); err != nil {
		t.Fatalf("Insert returned error: %v", err)
	}

	cursor := store.ScanSince(ctx, 100)
	entry, ok, err := cursor.Next()
	if err != nil || !ok {
		t.Fatalf("expected one entry after watermark, err=%v ok=%v", err, ok)
	}
	if entry.OpID != "op-2" {
		t.Fatalf("expected op-2, got %s", entry.OpID)
	}
	_, ok, err = cursor.Next()
	if err != nil {
		t.Fatalf("Next returned error: %v", err)
	}
	if ok {
		t.Fatalf("expected cursor to be exhausted")
	}
}

func TestHighWaterForDeviceIgnoresOtherDevices(t *testing.T) {
	store := mustOpenStore(t)
	ctx := context.Background()

	if _, err := store.Insert(ctx, Entry{OpID: "op-1", DeviceID: "device-a", HLC: 300, TableName: "t", RowKey: "r", Operation: OperationCreate}); err != nil {
		t.Fatalf("Insert returned error: %v", err)
	}
	if _, err := store.Insert(ctx, Entry{OpID: "op-2", DeviceID: "device-b", HLC: 900, TableName: "t", RowKey: "r", Operation: OperationCreate}); err != nil {
		t.Fatalf("Insert returned error: %v", err)
	}

	highWater, ok, err := store.HighWaterForDevice(ctx, "device-a")
	if err != nil || !ok {
		t.Fatalf("expected a high water mark, err=%v ok=%v", err, ok)
	}
	if highWater != 300 {
		t.Fatalf("expected 300, got %d", highWater)
	}
}

func TestInsertTxRollsBackAtomicallyOnLaterFailure(t *testing.T) {
	store := mustOpenStore(t)
	ctx := context.Background()

	txErr := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := store.InsertTx(tx, Entry{OpID: "op-1", DeviceID: "device-a", HLC: 100, TableName: "t", RowKey: "r1", Operation: OperationCreate}); err != nil {
			return err
		}
		return tx.Exec("INSERT INTO table_that_does_not_exist (x) VALUES (1)").Error
	})
	if txErr == nil {
		t.Fatalf("expected the injected mid-transaction failure to abort the whole batch")
	}

	_, ok, err := store.HighWater(ctx)
	if err != nil {
		t.Fatalf("HighWater returned error: %v", err)
	}
	if ok {
		t.Fatalf("expected the rolled-back insert to leave no trace in the log")
	}
}

func TestGetByOpIDReturnsTheExactEntry(t *testing.T) {
	store := mustOpenStore(t)
	ctx := context.Background()

	entry := Entry{OpID: "op-lookup", DeviceID: "device-a", HLC: 42, TableName: "tasks", RowKey: "row-1", Operation: OperationCreate, Payload: []byte(`{"title":"a"}`)}
	if _, err := store.Insert(ctx, entry); err != nil {
		t.Fatalf("Insert returned error: %v", err)
	}

	found, ok, err := store.GetByOpID(ctx, "op-lookup")
	if err != nil {
		t.Fatalf("GetByOpID returned error: %v", err)
	}
	if !ok {
		t.Fatalf("expected the inserted entry to be found")
	}
	if found.Operation != OperationCreate {
		t.Fatalf("expected the original operation to be preserved, got %s", found.Operation)
	}

	_, ok, err = store.GetByOpID(ctx, "op-never-inserted")
	if err != nil {
		t.Fatalf("GetByOpID returned error: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for an unknown op id")
	}
}

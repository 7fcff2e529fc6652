package engine

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/lattice-sync/syncengine/internal/hlc"
	"github.com/lattice-sync/syncengine/internal/oplog"
)

// fixedEntrySet is a deliberately small, fixed set of competing
// writes to the same row, used to exercise commutativity and
// associativity: applying them via any partition and any order within
// each partition must converge to the same winner.
func fixedEntrySet() []oplog.Entry {
	return []oplog.Entry{
		{OpID: "op-1", DeviceID: "device-a", HLC: 10, TableName: "tasks", RowKey: "row-1", Operation: oplog.OperationCreate, Payload: []byte(`{"v":1}`)},
		{OpID: "op-2", DeviceID: "device-b", HLC: 30, TableName: "tasks", RowKey: "row-1", Operation: oplog.OperationUpdate, Payload: []byte(`{"v":2}`)},
		{OpID: "op-3", DeviceID: "device-a", HLC: 30, TableName: "tasks", RowKey: "row-1", Operation: oplog.OperationUpdate, Payload: []byte(`{"v":3}`)},
		{OpID: "op-4", DeviceID: "device-c", HLC: 20, TableName: "tasks", RowKey: "row-1", Operation: oplog.OperationDelete},
		{OpID: "op-5", DeviceID: "device-b", HLC: 40, TableName: "tasks", RowKey: "row-1", Operation: oplog.OperationUpdate, Payload: []byte(`{"v":5}`)},
	}
}

func newPropertyEngine(t *testing.T) *Engine {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, oplog.Migrate(db))
	require.NoError(t, db.AutoMigrate(&rowStateRow{}))
	oplogStore, err := oplog.New(oplog.Config{Database: db, Clock: func() time.Time { return time.UnixMilli(1_700_000_000_000) }})
	require.NoError(t, err)
	eng, err := New(Config{Database: db, Clock: hlc.New(), OpLog: oplogStore})
	require.NoError(t, err)
	return eng
}

func applyAll(t *testing.T, eng *Engine, partitions [][]oplog.Entry) RowState {
	t.Helper()
	ctx := context.Background()
	userID, err := NewUserID("user-1")
	require.NoError(t, err)

	for _, partition := range partitions {
		_, err := eng.Merge(ctx, userID, partition)
		require.NoError(t, err)
	}

	table, err := NewTableName("tasks")
	require.NoError(t, err)
	rowKey, err := NewRowKey("row-1")
	require.NoError(t, err)
	state, ok, err := eng.GetRow(ctx, table, rowKey)
	require.NoError(t, err)
	require.True(t, ok)
	return state
}

func TestMergeConvergesRegardlessOfPartitioning(t *testing.T) {
	entries := fixedEntrySet()

	partitionings := [][][]oplog.Entry{
		{entries},
		{entries[:2], entries[2:]},
		{entries[:1], entries[1:3], entries[3:]},
		{{entries[4]}, {entries[0]}, {entries[2]}, {entries[1]}, {entries[3]}},
		{{entries[3], entries[1]}, {entries[0], entries[4], entries[2]}},
	}

	var reference RowState
	for i, partitioning := range partitionings {
		eng := newPropertyEngine(t)
		state := applyAll(t, eng, partitioning)
		if i == 0 {
			reference = state
			continue
		}
		require.Equal(t, reference.WinningOpID, state.WinningOpID, "partitioning %d diverged", i)
		require.Equal(t, reference.Tombstoned, state.Tombstoned, "partitioning %d diverged on tombstone state", i)
	}

	// The winner must be the entry with the highest HLC (op-5, hlc=40),
	// regardless of how the batch was partitioned or reordered.
	require.Equal(t, "op-5", reference.WinningOpID)
	require.False(t, reference.Tombstoned)
}

func TestMergeReapplyingFullHistoryIsIdempotent(t *testing.T) {
	entries := fixedEntrySet()
	eng := newPropertyEngine(t)

	first := applyAll(t, eng, [][]oplog.Entry{entries})
	second := applyAll(t, eng, [][]oplog.Entry{entries})

	require.Equal(t, first.WinningOpID, second.WinningOpID)
	require.Equal(t, first.Tombstoned, second.Tombstoned)
}

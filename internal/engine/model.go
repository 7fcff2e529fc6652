package engine

import "gorm.io/gorm"

// Migrate ensures the merge engine's schema exists on db.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&rowStateRow{})
}

// rowStateRow materializes, per application row, which op_id currently
// wins and whether that winning operation was a delete. Its contents
// are always fully derivable from the oplog, so the cache itself
// carries no extra invariant obligations beyond staying in sync with
// every apply inside the same transaction.
type rowStateRow struct {
	RowTable    string `gorm:"column:table_name;primaryKey;size:190;not null"`
	RowKey      string `gorm:"column:row_key;primaryKey;size:190;not null"`
	WinningOpID string `gorm:"column:winning_op_id;size:190;not null"`
	WinningHLC  uint64 `gorm:"column:winning_hlc;not null"`
	DeviceID    string `gorm:"column:device_id;size:36;not null"`
	Tombstoned  bool   `gorm:"column:tombstoned;not null;default:false"`
	Payload     []byte `gorm:"column:payload;type:blob"`
}

// RowState is the validated, read-only view of a row's current winning
// state, returned by Engine.GetRow.
type RowState struct {
	TableName   string
	RowKey      string
	WinningOpID string
	WinningHLC  uint64
	DeviceID    string
	Tombstoned  bool
	Payload     []byte
}

func rowStateFromRow(row rowStateRow) RowState {
	return RowState{
		TableName:   row.RowTable,
		RowKey:      row.RowKey,
		WinningOpID: row.WinningOpID,
		WinningHLC:  row.WinningHLC,
		DeviceID:    row.DeviceID,
		Tombstoned:  row.Tombstoned,
		Payload:     row.Payload,
	}
}

// TableName provides the explicit table binding for GORM.
func (rowStateRow) TableName() string {
	return "row_state"
}

// AppliedEntry pairs an oplog entry id with whether applying it changed
// the winning state of its row.
type AppliedEntry struct {
	OpID        string
	TableName   string
	RowKey      string
	WasApplied  bool
	Tombstoned  bool
}

// MergeReport summarizes the outcome of a Merge call.
type MergeReport struct {
	Applied             int
	SkippedDuplicate    int
	SkippedUnauthorized int
	RejectedMalformed   int
	AppliedEntries      []AppliedEntry
}

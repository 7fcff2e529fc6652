package oplog

import "gorm.io/gorm"

// Migrate ensures the oplog schema exists on db. Callers that centralize
// schema setup (internal/database.OpenSyncStore) run this alongside the
// other packages' Migrate functions rather than reaching into oplog's
// private row types.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&entryRow{})
}

// OperationType enumerates the kinds of row-level changes an oplog
// entry can carry.
type OperationType string

const (
	// OperationCreate records the first write to a row.
	OperationCreate OperationType = "create"
	// OperationUpdate records a later write to an existing row.
	OperationUpdate OperationType = "update"
	// OperationDelete records a tombstone for a row.
	OperationDelete OperationType = "delete"
)

// entryRow is the GORM-facing persistence shape for an oplog entry. It
// is kept private to the package; callers only ever see the validated
// Entry type returned by Store methods.
type entryRow struct {
	OpID      string `gorm:"column:op_id;primaryKey;size:36;not null"`
	DeviceID  string `gorm:"column:device_id;size:36;not null;index:idx_oplog_device_hlc,priority:1"`
	HLC       uint64 `gorm:"column:hlc;not null;index:idx_oplog_hlc,priority:1;index:idx_oplog_device_hlc,priority:2"`
	RowTable string `gorm:"column:table_name;size:190;not null"`
	RowKey    string `gorm:"column:row_key;size:190;not null"`
	Operation string `gorm:"column:operation;size:16;not null"`
	Payload   []byte `gorm:"column:payload;type:blob"`
	RecordedAtSeconds int64 `gorm:"column:recorded_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (entryRow) TableName() string {
	return "oplog_entries"
}

// Entry is the validated, immutable domain view of a single append-only
// oplog record.
type Entry struct {
	OpID      string
	DeviceID  string
	HLC       uint64
	TableName string
	RowKey    string
	Operation OperationType
	Payload   []byte
}

func (e Entry) toRow(recordedAtSeconds int64) entryRow {
	return entryRow{
		OpID:              e.OpID,
		DeviceID:          e.DeviceID,
		HLC:               e.HLC,
		RowTable:          e.TableName,
		RowKey:            e.RowKey,
		Operation:         string(e.Operation),
		Payload:           e.Payload,
		RecordedAtSeconds: recordedAtSeconds,
	}
}

func fromRow(row entryRow) Entry {
	return Entry{
		OpID:      row.OpID,
		DeviceID:  row.DeviceID,
		HLC:       row.HLC,
		TableName: row.RowTable,
		RowKey:    row.RowKey,
		Operation: OperationType(row.Operation),
		Payload:   row.Payload,
	}
}

package database

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lattice-sync/syncengine/internal/hlc"
)

// clockStateRow persists the single high-water HLC value a device has
// ever produced or observed, recovered at startup so restarts cannot
// regress the clock's monotonicity guarantee.
type clockStateRow struct {
	DeviceID  string `gorm:"column:device_id;primaryKey;size:36;not null"`
	HighWater uint64 `gorm:"column:high_water;not null"`
}

// TableName provides the explicit table binding for GORM.
func (clockStateRow) TableName() string {
	return "clock_state"
}

// ClockPersister implements hlc.Persister by upserting the clock's
// high-water mark into the clock_state table on every tick.
type ClockPersister struct {
	db       *gorm.DB
	deviceID string
}

// NewClockPersister constructs a ClockPersister scoped to deviceID.
func NewClockPersister(db *gorm.DB, deviceID string) *ClockPersister {
	return &ClockPersister{db: db, deviceID: deviceID}
}

// SaveHighWater implements hlc.Persister.
func (p *ClockPersister) SaveHighWater(value hlc.Value) error {
	row := clockStateRow{DeviceID: p.deviceID, HighWater: value.Uint64()}
	return p.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"high_water"}),
	}).Create(&row).Error
}

// LoadHighWater returns the last persisted high-water HLC value for
// deviceID, or ok=false if none has been recorded yet.
func LoadHighWater(db *gorm.DB, deviceID string) (hlc.Value, bool, error) {
	var row clockStateRow
	err := db.Where("device_id = ?", deviceID).Take(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, false, nil
		}
		return 0, false, err
	}
	return hlc.Value(row.HighWater), true, nil
}

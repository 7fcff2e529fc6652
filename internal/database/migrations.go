package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// migrationRecord is the ledger row recording that a named migration has
// already been applied, so applyMigrations never re-runs it.
type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (migrationRecord) TableName() string {
	return "schema_version"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

// migrations lists every post-AutoMigrate schema fixup, in order. It is
// empty today; a structural change that AutoMigrate cannot express on
// its own (a column rename, a backfill) gets appended here rather than
// baked silently into the row types.
var migrations = []migrationDefinition{}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Package database opens the embedded SQLite store and owns the schema
// every other package's models are migrated onto.
package database

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lattice-sync/syncengine/internal/engine"
	"github.com/lattice-sync/syncengine/internal/identity"
	"github.com/lattice-sync/syncengine/internal/oplog"
	"github.com/lattice-sync/syncengine/internal/syncproto"
)

// OpenSyncStore establishes a SQLite connection and migrates the full
// schema: users and devices (internal/identity), the append-only oplog
// (internal/oplog), the merge engine's row-state cache
// (internal/engine), known remote peers (internal/syncproto), and this
// package's own clock-state and migration ledger tables.
func OpenSyncStore(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&identity.User{}, &identity.Device{}, &clockStateRow{}, &migrationRecord{}); err != nil {
		return nil, err
	}
	if err := oplog.Migrate(db); err != nil {
		return nil, err
	}
	if err := engine.Migrate(db); err != nil {
		return nil, err
	}
	if err := syncproto.Migrate(db); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

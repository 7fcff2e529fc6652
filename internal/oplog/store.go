// Package oplog implements the append-only, HLC-indexed change log that
// backs the merge engine: every accepted local or remote row mutation is
// recorded here exactly once, keyed by a globally unique operation id.
package oplog

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrMissingDatabase is returned when a Store is constructed without a
// database handle.
var ErrMissingDatabase = errors.New("oplog: database handle is required")

// Store persists and queries oplog entries.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// Config describes the dependencies required to construct a Store.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// New constructs an oplog Store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// InsertResult reports whether Insert created a new row or found the
// op_id already present.
type InsertResult struct {
	Entry          Entry
	AlreadyPresent bool
}

// Insert appends entry to the log. Re-inserting an op_id that has
// already been recorded is not an error: Insert reports
// AlreadyPresent and returns the entry as it was first stored, giving
// callers (the merge engine, the sync protocol's flood suppression)
// an idempotent primitive to build exactly-once application on top of.
func (s *Store) Insert(ctx context.Context, entry Entry) (InsertResult, error) {
	return s.insertTx(s.db.WithContext(ctx), entry)
}

// InsertTx is the transactional variant of Insert, for callers (the
// merge engine) that need the append and the corresponding
// application-table write to commit or roll back together.
func (s *Store) InsertTx(tx *gorm.DB, entry Entry) (InsertResult, error) {
	return s.insertTx(tx, entry)
}

func (s *Store) insertTx(tx *gorm.DB, entry Entry) (InsertResult, error) {
	row := entry.toRow(s.clock().UTC().Unix())

	createResult := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if createResult.Error != nil {
		s.logger.Error("oplog insert failed", zap.Error(createResult.Error), zap.String("op_id", entry.OpID))
		return InsertResult{}, createResult.Error
	}

	if createResult.RowsAffected > 0 {
		return InsertResult{Entry: entry, AlreadyPresent: false}, nil
	}

	var existing entryRow
	if err := tx.Where("op_id = ?", entry.OpID).Take(&existing).Error; err != nil {
		return InsertResult{}, err
	}
	return InsertResult{Entry: fromRow(existing), AlreadyPresent: true}, nil
}

// HighWater returns the largest HLC value recorded in the log across
// all devices, or ok=false if the log is empty.
func (s *Store) HighWater(ctx context.Context) (uint64, bool, error) {
	var row entryRow
	err := s.db.WithContext(ctx).Order("hlc DESC").Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return row.HLC, true, nil
}

// HighWaterForDevice returns the largest HLC this log holds for
// entries originated by deviceID, surfaced by the HTTP management
// plane after recording an operation so a caller can confirm how far
// that device's own writes have landed without scanning the full log.
func (s *Store) HighWaterForDevice(ctx context.Context, deviceID string) (uint64, bool, error) {
	var row entryRow
	err := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("hlc DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return row.HLC, true, nil
}

// GetByOpID returns the exact entry recorded under opID, or ok=false if
// no such entry exists. Callers that only have an op id on hand (the
// sync protocol's unsolicited-push path, notified via
// engine.ChangeNotification) use this instead of reconstructing an
// entry from derived state, so the operation type and payload they
// forward are byte-identical to what was actually appended.
func (s *Store) GetByOpID(ctx context.Context, opID string) (Entry, bool, error) {
	var row entryRow
	err := s.db.WithContext(ctx).Where("op_id = ?", opID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return fromRow(row), true, nil
}

// Cursor iterates a bounded HLC range, fetching one page at a time so
// callers can stop early without scanning past a byte or count budget.
type Cursor struct {
	db        *gorm.DB
	sinceHLC  uint64
	pageSize  int
	buffer    []entryRow
	bufferPos int
	lastOpID  string
	lastHLC   uint64
	done      bool
	started   bool
}

const defaultCursorPageSize = 256

// ScanSince returns a Cursor over every entry recorded strictly after
// sinceHLC, ordered by (hlc, op_id) ascending so repeated scans from the
// same watermark are deterministic.
func (s *Store) ScanSince(ctx context.Context, sinceHLC uint64) *Cursor {
	return &Cursor{
		db:       s.db.WithContext(ctx),
		sinceHLC: sinceHLC,
		pageSize: defaultCursorPageSize,
		lastHLC:  sinceHLC,
	}
}

// Next advances the cursor. It returns ok=false once the log is
// exhausted.
func (c *Cursor) Next() (Entry, bool, error) {
	for c.bufferPos >= len(c.buffer) {
		if c.done {
			return Entry{}, false, nil
		}
		if err := c.fetchPage(); err != nil {
			return Entry{}, false, err
		}
	}
	row := c.buffer[c.bufferPos]
	c.bufferPos++
	c.lastHLC = row.HLC
	c.lastOpID = row.OpID
	return fromRow(row), true, nil
}

func (c *Cursor) fetchPage() error {
	query := c.db.Order("hlc ASC, op_id ASC").Limit(c.pageSize)
	if !c.started {
		query = query.Where("hlc > ?", c.sinceHLC)
	} else {
		query = query.Where("hlc > ? OR (hlc = ? AND op_id > ?)", c.lastHLC, c.lastHLC, c.lastOpID)
	}
	c.started = true

	var page []entryRow
	if err := query.Find(&page).Error; err != nil {
		return err
	}
	c.buffer = page
	c.bufferPos = 0
	if len(page) < c.pageSize {
		c.done = true
	}
	return nil
}

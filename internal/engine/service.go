// Package engine implements the merge and apply component: it decides,
// for every oplog entry (locally authored or received from a peer),
// whether that entry wins its row under last-writer-wins and keeps the
// row-state cache and the oplog consistent inside one transaction per
// call.
package engine

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lattice-sync/syncengine/internal/hlc"
	"github.com/lattice-sync/syncengine/internal/oplog"
)

const (
	opRecordLocal = "engine.record_local"
	opMerge       = "engine.merge"
	opGetRow      = "engine.get_row"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingClock    = errors.New("clock is required")
	errMissingOpLog    = errors.New("oplog store is required")
)

// AuthorizationChecker decides whether a device is currently permitted
// to write on behalf of a user. The merge engine consults it for every
// remote entry so a revoked or unknown device's writes are counted as
// SkippedUnauthorized rather than silently applied.
type AuthorizationChecker interface {
	IsDeviceAuthorized(ctx context.Context, userID UserID, deviceID DeviceID) (bool, error)
}

// AllowAllAuthorizer authorizes every device, used when the embedder
// has no device registry of its own (tests, single-device setups).
type AllowAllAuthorizer struct{}

// IsDeviceAuthorized always returns true.
func (AllowAllAuthorizer) IsDeviceAuthorized(context.Context, UserID, DeviceID) (bool, error) {
	return true, nil
}

// Config describes the dependencies required to construct an Engine.
type Config struct {
	Database      *gorm.DB
	Clock         *hlc.Clock
	OpLog         *oplog.Store
	Codec         RowCodec
	Authorizer    AuthorizationChecker
	Dispatcher    *Dispatcher
	Logger        *zap.Logger
}

// Engine is the merge/apply component: RecordLocal stamps and applies
// this device's own writes, Merge applies a remote batch.
type Engine struct {
	db         *gorm.DB
	clock      *hlc.Clock
	oplogStore *oplog.Store
	codec      RowCodec
	authorizer AuthorizationChecker
	dispatcher *Dispatcher
	logger     *zap.Logger
}

// New constructs an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Database == nil {
		return nil, newEngineError(opRecordLocal, "missing_database", errMissingDatabase)
	}
	if cfg.Clock == nil {
		return nil, newEngineError(opRecordLocal, "missing_clock", errMissingClock)
	}
	if cfg.OpLog == nil {
		return nil, newEngineError(opRecordLocal, "missing_oplog", errMissingOpLog)
	}
	codec := cfg.Codec
	if codec == nil {
		codec = JSONRowCodec{}
	}
	authorizer := cfg.Authorizer
	if authorizer == nil {
		authorizer = AllowAllAuthorizer{}
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:         cfg.Database,
		clock:      cfg.Clock,
		oplogStore: cfg.OpLog,
		codec:      codec,
		authorizer: authorizer,
		dispatcher: dispatcher,
		logger:     logger,
	}, nil
}

// Dispatcher exposes the engine's change dispatcher so the sync
// protocol engine can subscribe to locally applied entries.
func (e *Engine) Dispatcher() *Dispatcher {
	return e.dispatcher
}

// RecordLocal stamps row with a fresh HLC value, appends it to the
// oplog, and applies it against the row-state cache, all inside one
// transaction. It is the embedding application's entry point for every
// locally originated write.
func (e *Engine) RecordLocal(ctx context.Context, deviceID DeviceID, table TableName, primaryKeyColumn string, operation oplog.OperationType, row map[string]any) (OpID, error) {
	payload, err := e.codec.EncodeRow(row)
	if err != nil {
		return "", newEngineError(opRecordLocal, "encode_failed", err)
	}
	rawKey, err := e.codec.PrimaryKey(row, primaryKeyColumn)
	if err != nil {
		return "", newEngineError(opRecordLocal, "primary_key_missing", err)
	}
	rowKey, err := NewRowKey(rawKey)
	if err != nil {
		return "", newEngineError(opRecordLocal, "invalid_row_key", err)
	}

	rawOpID, err := uuid.NewV7()
	if err != nil {
		return "", newEngineError(opRecordLocal, "id_generation_failed", err)
	}
	opID, err := NewOpID(rawOpID.String())
	if err != nil {
		return "", newEngineError(opRecordLocal, "invalid_op_id", err)
	}

	hlcValue, err := e.clock.NowLocal()
	if err != nil {
		return "", newEngineError(opRecordLocal, "clock_overflow", err)
	}

	entry := oplog.Entry{
		OpID:      opID.String(),
		DeviceID:  deviceID.String(),
		HLC:       hlcValue.Uint64(),
		TableName: table.String(),
		RowKey:    rowKey.String(),
		Operation: operation,
		Payload:   payload,
	}

	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		insertResult, err := e.oplogStore.InsertTx(tx, entry)
		if err != nil {
			return newEngineError(opRecordLocal, "oplog_insert_failed", err)
		}
		if insertResult.AlreadyPresent {
			return nil
		}
		return e.applyWinnerTx(tx, entry)
	})
	if txErr != nil {
		e.logError(opRecordLocal, "transaction_failed", txErr)
		return "", txErr
	}

	e.dispatcher.Publish(ChangeNotification{TableName: table.String(), RowKey: rowKey.String(), OpID: opID.String()})
	return opID, nil
}

// Merge applies a batch of remote oplog entries, typically a peer's
// SendOps payload, inside one transaction. Entries whose device is not
// currently authorized for userID are rejected without being written to
// the oplog at all (they must never be replayed once access is
// revoked); duplicates and malformed entries are counted without
// aborting the batch.
func (e *Engine) Merge(ctx context.Context, userID UserID, entries []oplog.Entry) (MergeReport, error) {
	report := MergeReport{}

	ordered := make([]oplog.Entry, len(entries))
	copy(ordered, entries)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].HLC != ordered[j].HLC {
			return ordered[i].HLC < ordered[j].HLC
		}
		return ordered[i].DeviceID < ordered[j].DeviceID
	})

	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, entry := range ordered {
			deviceID, err := NewDeviceID(entry.DeviceID)
			if err != nil {
				report.RejectedMalformed++
				continue
			}
			if _, err := NewOpID(entry.OpID); err != nil {
				report.RejectedMalformed++
				continue
			}
			if _, err := NewTableName(entry.TableName); err != nil {
				report.RejectedMalformed++
				continue
			}
			if _, err := NewRowKey(entry.RowKey); err != nil {
				report.RejectedMalformed++
				continue
			}

			authorized, err := e.authorizer.IsDeviceAuthorized(ctx, userID, deviceID)
			if err != nil {
				return newEngineError(opMerge, "authorization_check_failed", err)
			}
			if !authorized {
				report.SkippedUnauthorized++
				continue
			}

			insertResult, err := e.oplogStore.InsertTx(tx, entry)
			if err != nil {
				return newEngineError(opMerge, "oplog_insert_failed", err)
			}
			if insertResult.AlreadyPresent {
				report.SkippedDuplicate++
				continue
			}

			applied, err := e.applyWinnerTxReporting(tx, entry)
			if err != nil {
				return newEngineError(opMerge, "apply_failed", err)
			}
			if _, err := e.clock.Observe(hlc.Value(entry.HLC)); err != nil {
				return newEngineError(opMerge, "clock_overflow", err)
			}
			report.Applied++
			report.AppliedEntries = append(report.AppliedEntries, applied)
		}
		return nil
	})
	if txErr != nil {
		e.logError(opMerge, "transaction_failed", txErr)
		return MergeReport{}, txErr
	}

	for _, applied := range report.AppliedEntries {
		e.dispatcher.Publish(ChangeNotification{TableName: applied.TableName, RowKey: applied.RowKey, OpID: applied.OpID})
	}
	return report, nil
}

// applyWinnerTx resolves entry against the current row-state winner and
// writes the new winner if entry takes the row, without producing a
// caller-visible AppliedEntry (used by RecordLocal, whose caller
// already knows which op it just wrote).
func (e *Engine) applyWinnerTx(tx *gorm.DB, entry oplog.Entry) error {
	_, err := e.applyWinnerTxReporting(tx, entry)
	return err
}

func (e *Engine) applyWinnerTxReporting(tx *gorm.DB, entry oplog.Entry) (AppliedEntry, error) {
	var existing rowStateRow
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("table_name = ? AND row_key = ?", entry.TableName, entry.RowKey).
		Take(&existing).Error

	hasExisting := true
	if errors.Is(err, gorm.ErrRecordNotFound) {
		hasExisting = false
	} else if err != nil {
		return AppliedEntry{}, err
	}

	incoming := candidate{opID: entry.OpID, hlc: entry.HLC, deviceID: entry.DeviceID}
	current := candidate{opID: existing.WinningOpID, hlc: existing.WinningHLC, deviceID: existing.DeviceID}

	chosen := incoming
	if hasExisting {
		chosen = winner(current, incoming)
	}

	if chosen.opID != entry.OpID {
		// The incoming entry lost the tie-break; the row state is
		// unchanged, but it was still durably appended to the oplog
		// above.
		return AppliedEntry{OpID: entry.OpID, TableName: entry.TableName, RowKey: entry.RowKey, WasApplied: false}, nil
	}

	tombstoned := entry.Operation == oplog.OperationDelete
	newState := rowStateRow{
		RowTable:    entry.TableName,
		RowKey:      entry.RowKey,
		WinningOpID: entry.OpID,
		WinningHLC:  entry.HLC,
		DeviceID:    entry.DeviceID,
		Tombstoned:  tombstoned,
		Payload:     entry.Payload,
	}

	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "table_name"}, {Name: "row_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"winning_op_id", "winning_hlc", "device_id", "tombstoned", "payload"}),
	}).Create(&newState).Error; err != nil {
		return AppliedEntry{}, err
	}

	return AppliedEntry{
		OpID:       entry.OpID,
		TableName:  entry.TableName,
		RowKey:     entry.RowKey,
		WasApplied: true,
		Tombstoned: tombstoned,
	}, nil
}

// GetRow returns the current winning state for a row, or ok=false if no
// entry has ever touched it.
func (e *Engine) GetRow(ctx context.Context, table TableName, rowKey RowKey) (RowState, bool, error) {
	var row rowStateRow
	err := e.db.WithContext(ctx).
		Where("table_name = ? AND row_key = ?", table.String(), rowKey.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RowState{}, false, nil
	}
	if err != nil {
		e.logError(opGetRow, "query_failed", err)
		return RowState{}, false, newEngineError(opGetRow, "query_failed", err)
	}
	return rowStateFromRow(row), true, nil
}

func (e *Engine) logError(operation, reason string, err error) {
	e.logger.Error("engine error", zap.String("operation", operation), zap.String("reason", reason), zap.Error(err))
}

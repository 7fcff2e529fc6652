package syncproto

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Migrate ensures the peers schema exists on db. Callers that
// centralize schema setup (internal/database.OpenSyncStore) run this
// alongside the other packages' Migrate functions rather than reaching
// into syncproto's private row types.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&peerRow{})
}

// peerRow is the GORM-facing persistence shape for a known remote
// peer: its last-known transport address, the device/user it
// authenticated as, and the high-water mark of entries received from
// it, so a reconnect can resume a sync session instead of re-scanning
// the oplog from the beginning.
type peerRow struct {
	NetworkPeerID string `gorm:"column:network_peer_id;primaryKey;size:190;not null"`
	UserID        string `gorm:"column:user_id;size:36;not null"`
	DeviceID      string `gorm:"column:device_id;size:36;not null"`
	LastAddress   string `gorm:"column:last_address;size:255;not null"`
	LastSyncHLC   uint64 `gorm:"column:last_sync_hlc;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (peerRow) TableName() string {
	return "peers"
}

// PeerRecord is the validated, read-only view of a persisted peer,
// returned by PeerStore.Get.
type PeerRecord struct {
	NetworkPeerID string
	UserID        string
	DeviceID      string
	LastAddress   string
	LastSyncHLC   uint64
}

// PeerStore persists what is known about each remote peer across
// reconnects and process restarts.
type PeerStore struct {
	db *gorm.DB
}

// NewPeerStore constructs a PeerStore.
func NewPeerStore(db *gorm.DB) *PeerStore {
	return &PeerStore{db: db}
}

// Get returns the persisted record for networkPeerID, or ok=false if
// this peer has never been seen before.
func (s *PeerStore) Get(ctx context.Context, networkPeerID string) (PeerRecord, bool, error) {
	var row peerRow
	err := s.db.WithContext(ctx).Where("network_peer_id = ?", networkPeerID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PeerRecord{}, false, nil
	}
	if err != nil {
		return PeerRecord{}, false, err
	}
	return PeerRecord{
		NetworkPeerID: row.NetworkPeerID,
		UserID:        row.UserID,
		DeviceID:      row.DeviceID,
		LastAddress:   row.LastAddress,
		LastSyncHLC:   row.LastSyncHLC,
	}, true, nil
}

// LowWaterHLC returns the minimum LastSyncHLC across every known peer,
// or ok=false if no peer has been seen yet. An external tombstone
// compactor uses this as the earliest point before which every known
// peer has already received every entry, so nothing before it can
// still be needed to bring a peer up to date.
func (s *PeerStore) LowWaterHLC(ctx context.Context) (uint64, bool, error) {
	var row peerRow
	err := s.db.WithContext(ctx).Order("last_sync_hlc ASC").Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return row.LastSyncHLC, true, nil
}

// Upsert records the latest known address, identity, and sync progress
// for a peer. Called on every successful handshake and batch ack so a
// later reconnect can seed RequestOps.since_hlc from LastSyncHLC rather
// than from zero.
func (s *PeerStore) Upsert(ctx context.Context, record PeerRecord) error {
	row := peerRow{
		NetworkPeerID: record.NetworkPeerID,
		UserID:        record.UserID,
		DeviceID:      record.DeviceID,
		LastAddress:   record.LastAddress,
		LastSyncHLC:   record.LastSyncHLC,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "network_peer_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "device_id", "last_address", "last_sync_hlc"}),
	}).Create(&row).Error
}

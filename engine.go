// Package syncengine is the embedding facade: Open wires every
// internal package into one handle an application links in directly,
// the same way a caller would reach for a single embedded database
// connection rather than its storage engine's internal packages.
package syncengine

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lattice-sync/syncengine/internal/auth"
	"github.com/lattice-sync/syncengine/internal/config"
	"github.com/lattice-sync/syncengine/internal/database"
	"github.com/lattice-sync/syncengine/internal/engine"
	"github.com/lattice-sync/syncengine/internal/hlc"
	"github.com/lattice-sync/syncengine/internal/identity"
	"github.com/lattice-sync/syncengine/internal/oplog"
	"github.com/lattice-sync/syncengine/internal/syncproto"
)

// Options configures a call to Open. DeviceID and UserID identify this
// process's own device in peer handshakes and are required once
// StartSync is called; they may be left empty for a handle that only
// ever serves the local management API.
type Options struct {
	DatabasePath  string
	SigningSecret string
	DeviceID      string
	UserID        string
	Transport     syncproto.Transport
	Logger        *zap.Logger
}

// Engine is the embeddable handle onto one device's local replica of
// the synchronized store: its identity registry, its oplog, its merge
// engine, and (once StartSync is called) its peer sync sessions.
type Engine struct {
	db       *gorm.DB
	logger   *zap.Logger
	clock    *hlc.Clock
	identity  *identity.Service
	oplog     *oplog.Store
	merge     *engine.Engine
	tokens    *auth.TokenIssuer
	peerStore *syncproto.PeerStore
	manager   *syncproto.Manager

	deviceID string
	userID   string
}

// deviceAuthorizer adapts identity.Service's plain-string
// IsDeviceAuthorized to the merge engine's and sync protocol's typed
// engine.AuthorizationChecker interface.
type deviceAuthorizer struct {
	identity *identity.Service
}

func (a deviceAuthorizer) IsDeviceAuthorized(ctx context.Context, userID engine.UserID, deviceID engine.DeviceID) (bool, error) {
	return a.identity.IsDeviceAuthorized(ctx, userID.String(), deviceID.String())
}

// Open establishes the local store and wires every internal component
// together. The returned Engine owns its database connection; callers
// should arrange to call Close when finished.
func Open(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := database.OpenSyncStore(opts.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("syncengine: failed to open store: %w", err)
	}

	var clockOptions []hlc.Option
	if opts.DeviceID != "" {
		persister := database.NewClockPersister(db, opts.DeviceID)
		clockOptions = append(clockOptions, hlc.WithPersister(persister))
	}
	clock := hlc.New(clockOptions...)
	if opts.DeviceID != "" {
		if highWater, found, err := database.LoadHighWater(db, opts.DeviceID); err != nil {
			return nil, fmt.Errorf("syncengine: failed to load clock high-water mark: %w", err)
		} else if found {
			if _, err := clock.Observe(highWater); err != nil {
				return nil, fmt.Errorf("syncengine: failed to seed clock from high-water mark: %w", err)
			}
		}
	}

	hasher := auth.NewPasswordHasher(auth.DefaultArgon2Params())
	identityService, err := identity.NewService(identity.Config{Database: db, Hasher: hasher, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("syncengine: failed to construct identity service: %w", err)
	}

	oplogStore, err := oplog.New(oplog.Config{Database: db, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("syncengine: failed to construct oplog store: %w", err)
	}

	authorizer := engine.AuthorizationChecker(deviceAuthorizer{identity: identityService})
	mergeEngine, err := engine.New(engine.Config{
		Database:   db,
		Clock:      clock,
		OpLog:      oplogStore,
		Authorizer: authorizer,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("syncengine: failed to construct merge engine: %w", err)
	}

	tokens := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(opts.SigningSecret),
		Issuer:        "syncengine",
		Audience:      "syncengine",
	})

	return &Engine{
		db:        db,
		logger:    logger,
		clock:     clock,
		identity:  identityService,
		oplog:     oplogStore,
		merge:     mergeEngine,
		tokens:    tokens,
		peerStore: syncproto.NewPeerStore(db),
		deviceID:  opts.DeviceID,
		userID:    opts.UserID,
	}, nil
}

// Close releases the underlying database connection. It does not stop
// an active sync session; call StopSync first.
func (e *Engine) Close() error {
	sqlDB, err := e.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RegisterUser creates a new account.
func (e *Engine) RegisterUser(ctx context.Context, handle, email, password string) (identity.User, error) {
	return e.identity.RegisterUser(ctx, handle, email, password)
}

// Login verifies a handle/password pair and issues a device capability
// token for deviceID, scoped to the authenticated user.
func (e *Engine) Login(ctx context.Context, handle, password, deviceID string) (string, int64, error) {
	user, err := e.identity.Login(ctx, handle, password)
	if err != nil {
		return "", 0, err
	}
	return e.tokens.IssueDeviceToken(ctx, auth.DeviceClaims{UserID: user.UserID, DeviceID: deviceID})
}

// AuthorizeDevice registers a new device under userID with a freshly
// generated device id. It does not reactivate a revoked device.
func (e *Engine) AuthorizeDevice(ctx context.Context, userID, deviceType, pushToken string) (identity.Device, error) {
	return e.identity.AuthorizeDevice(ctx, userID, deviceType, pushToken)
}

// RecordOperation stamps row with a fresh HLC value and applies it
// locally, the embedding application's entry point for every write it
// makes to a synchronized table.
func (e *Engine) RecordOperation(ctx context.Context, deviceID, tableName, primaryKeyColumn string, operation oplog.OperationType, row map[string]any) (string, error) {
	table, err := engine.NewTableName(tableName)
	if err != nil {
		return "", err
	}
	device, err := engine.NewDeviceID(deviceID)
	if err != nil {
		return "", err
	}
	opID, err := e.merge.RecordLocal(ctx, device, table, primaryKeyColumn, operation, row)
	if err != nil {
		return "", err
	}
	return opID.String(), nil
}

// ScanSince returns every oplog entry with an HLC strictly after sinceHLC,
// in ascending (hlc, op_id) order.
func (e *Engine) ScanSince(ctx context.Context, sinceHLC uint64) *oplog.Cursor {
	return e.oplog.ScanSince(ctx, sinceHLC)
}

// StartSync begins discovering and syncing with peers over transport;
// Options.Transport is not consulted.
// It requires Options.DeviceID and Options.UserID to have been set on
// the Open call that produced this Engine.
func (e *Engine) StartSync(ctx context.Context, transport syncproto.Transport, transportCfg config.TransportConfig) error {
	if e.deviceID == "" || e.userID == "" {
		return fmt.Errorf("syncengine: StartSync requires a device id and user id set at Open")
	}

	e.manager = syncproto.NewManager(syncproto.ManagerConfig{
		Transport:  transport,
		OpLog:      e.oplog,
		Engine:     e.merge,
		Authorizer: deviceAuthorizer{identity: e.identity},
		PeerStore:  e.peerStore,
		Local: syncproto.LocalIdentity{
			NetworkPeerID: transport.LocalNetworkID(),
			DeviceID:      e.deviceID,
			UserID:        e.userID,
		},
		Logger: e.logger,
	})

	return e.manager.StartSync(ctx, translateTransportConfig(transportCfg))
}

// StopSync cancels every active peer session and blocks until they
// have drained.
func (e *Engine) StopSync(ctx context.Context) error {
	if e.manager == nil {
		return nil
	}
	return e.manager.StopSync(ctx)
}

// SyncManager exposes the underlying sync manager, for callers (such as
// the HTTP management plane) that need its Peers snapshot.
func (e *Engine) SyncManager() *syncproto.Manager {
	return e.manager
}

// Identity exposes the underlying identity service, for callers that
// need it directly (the HTTP management plane).
func (e *Engine) Identity() *identity.Service {
	return e.identity
}

// MergeEngine exposes the underlying merge engine, for callers that
// need it directly (the HTTP management plane).
func (e *Engine) MergeEngine() *engine.Engine {
	return e.merge
}

// OpLog exposes the underlying oplog store, for callers that need it
// directly (the HTTP management plane).
func (e *Engine) OpLog() *oplog.Store {
	return e.oplog
}

// TokenIssuer exposes the underlying device token issuer, for callers
// that need it directly (the HTTP management plane's bearer middleware).
func (e *Engine) TokenIssuer() *auth.TokenIssuer {
	return e.tokens
}

// PeerLowWaterHLC returns the minimum last_sync_hlc across every known
// peer, or ok=false if no peer has ever synced. Tombstone GC is left to
// an external compactor; this is the hook it needs to know which
// tombstones are safe to drop, since every known peer has already
// received everything before this point.
func (e *Engine) PeerLowWaterHLC(ctx context.Context) (hlc.Value, bool, error) {
	lowWater, ok, err := e.peerStore.LowWaterHLC(ctx)
	if err != nil {
		return 0, false, err
	}
	return hlc.Value(lowWater), ok, nil
}

func translateTransportConfig(cfg config.TransportConfig) syncproto.TransportConfig {
	return syncproto.TransportConfig{
		EnableLocalDiscovery: cfg.EnableLocalDiscovery,
		EnableRelay:          cfg.EnableRelay,
		RelayAddresses:       cfg.RelayAddresses,
		ListenPort:           cfg.ListenPort,
		HeartbeatIntervalMs:  cfg.HeartbeatIntervalMs,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		BatchMaxEntries:      cfg.BatchMaxEntries,
		RequestTimeoutMs:     cfg.RequestTimeoutMs,
	}
}

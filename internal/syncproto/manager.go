package syncproto

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/lattice-sync/syncengine/internal/engine"
	"github.com/lattice-sync/syncengine/internal/oplog"
)

// PeerStatus is a snapshot of one connected peer's state, returned by
// Manager.Peers for the HTTP management plane's /v1/sync/status route.
type PeerStatus struct {
	NetworkPeerID string
	State         PeerState
	LastSyncHLC   uint64
}

// ManagerConfig bundles the dependencies a Manager needs to drive
// sessions: the transport to discover and dial peers on, the oplog and
// merge engine to serve and apply deltas against, and the identity this
// device presents in every handshake.
type ManagerConfig struct {
	Transport  Transport
	OpLog      *oplog.Store
	Engine     *engine.Engine
	Authorizer engine.AuthorizationChecker
	PeerStore  *PeerStore
	Local      LocalIdentity
	Logger     *zap.Logger
}

// Manager owns every peer session: it discovers and dials peers via its
// Transport, spawns one peerSession per connection, and fans out newly
// applied local entries (via the merge engine's Dispatcher) as
// unsolicited SendOps pushes to every Idle peer.
type Manager struct {
	cfg ManagerConfig

	mu       sync.RWMutex
	sessions map[string]*peerSession
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// NewManager constructs a Manager. Call StartSync to begin discovering
// and syncing with peers.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Authorizer == nil {
		cfg.Authorizer = engine.AllowAllAuthorizer{}
	}
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*peerSession),
		logger:   logger,
	}
}

// StartSync begins peer discovery and dispatcher subscription. It is
// non-blocking: discovered peers are dialed and synced on their own
// goroutines.
func (m *Manager) StartSync(ctx context.Context, transportCfg TransportConfig) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	discovery, err := m.cfg.Transport.Listen(sessionCtx, transportCfg)
	if err != nil {
		cancel()
		return err
	}

	m.wg.Add(1)
	go m.runDiscoveryLoop(sessionCtx, discovery, transportCfg)

	if m.cfg.Engine != nil {
		m.wg.Add(1)
		go m.runDispatchLoop(sessionCtx)
	}

	return nil
}

// StopSync cancels every active session and blocks until every session
// goroutine has returned or ctx is done. Cancelling closes each
// session's stream at once; pending batches and acks are not flushed.
func (m *Manager) StopSync(ctx context.Context) error {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Peers returns a snapshot of every currently connected peer's state.
func (m *Manager) Peers() []PeerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]PeerStatus, 0, len(m.sessions))
	for peerID, session := range m.sessions {
		statuses = append(statuses, PeerStatus{
			NetworkPeerID: peerID,
			State:         session.state,
			LastSyncHLC:   session.lastSyncHLC,
		})
	}
	return statuses
}

func (m *Manager) runDiscoveryLoop(ctx context.Context, discovery <-chan Discovery, transportCfg TransportConfig) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-discovery:
			if !ok {
				return
			}
			if event.Unreachable {
				continue
			}
			m.wg.Add(1)
			go m.dialAndRun(ctx, event.Address, transportCfg)
		}
	}
}

func (m *Manager) dialAndRun(ctx context.Context, addr string, transportCfg TransportConfig) {
	defer m.wg.Done()

	stream, err := m.cfg.Transport.Dial(ctx, addr)
	if err != nil {
		m.logger.Warn("dial failed", zap.String("address", addr), zap.Error(err))
		return
	}

	session := newPeerSession(stream, m.cfg.Local, m.cfg.OpLog, m.cfg.Engine, m.cfg.Authorizer, m.cfg.PeerStore, transportCfg, m.logger)
	m.registerSession(stream.RemoteNetworkID(), session)
	defer m.unregisterSession(stream.RemoteNetworkID())

	backoff := NewBackoff()
	for {
		err := session.run(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			backoff.Reset()
			continue
		}
		m.logger.Warn("peer session ended", zap.String("address", addr), zap.Error(err))

		select {
		case <-ctx.Done():
			return
		default:
		}
		return
	}
}

func (m *Manager) runDispatchLoop(ctx context.Context) {
	defer m.wg.Done()
	changes, unsubscribe := m.cfg.Engine.Dispatcher().Subscribe(ctx)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case notification, ok := <-changes:
			if !ok {
				return
			}
			m.broadcastChange(notification)
		}
	}
}

func (m *Manager) broadcastChange(notification engine.ChangeNotification) {
	m.mu.RLock()
	sessions := make([]*peerSession, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	entry, found, err := m.cfg.OpLog.GetByOpID(context.Background(), notification.OpID)
	if err != nil || !found {
		return
	}

	for _, session := range sessions {
		if session.state != PeerIdle {
			continue
		}
		_ = session.pushUnsolicited([]oplog.Entry{entry})
	}
}

func (m *Manager) registerSession(peerID string, session *peerSession) {
	m.mu.Lock()
	m.sessions[peerID] = session
	m.mu.Unlock()
}

func (m *Manager) unregisterSession(peerID string) {
	m.mu.Lock()
	delete(m.sessions, peerID)
	m.mu.Unlock()
}

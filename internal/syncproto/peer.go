package syncproto

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lattice-sync/syncengine/internal/engine"
	"github.com/lattice-sync/syncengine/internal/oplog"
)

// PeerState enumerates a connected peer's position in the handshake and
// sync state machine.
type PeerState int

const (
	PeerDisconnected PeerState = iota
	PeerHandshaking
	PeerAuthorizing
	PeerSyncing
	PeerIdle
)

func (s PeerState) String() string {
	switch s {
	case PeerDisconnected:
		return "disconnected"
	case PeerHandshaking:
		return "handshaking"
	case PeerAuthorizing:
		return "authorizing"
	case PeerSyncing:
		return "syncing"
	case PeerIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// ErrProtocolVersionMismatch indicates the peer's major protocol
// version differs from ours.
var ErrProtocolVersionMismatch = errors.New("syncproto: incompatible protocol major version")

// ErrUserMismatch indicates the peer claims a different user_id than
// the local device's owning user.
var ErrUserMismatch = errors.New("syncproto: remote user_id does not match local user_id")

// ErrDeviceNotAuthorized indicates the peer's device_id is not an
// active device under the local user's account.
var ErrDeviceNotAuthorized = errors.New("syncproto: remote device_id is not an authorized device")

// LocalIdentity is this device's half of the Hello handshake.
type LocalIdentity struct {
	NetworkPeerID string
	DeviceID      string
	UserID        string
}

// peerSession drives the handshake and sync state machine for one
// connected peer, on its own goroutine. It takes no callbacks: the
// owning Manager reads its state and lastSyncHLC fields directly.
type peerSession struct {
	stream    Stream
	local     LocalIdentity
	oplog     *oplog.Store
	merge     *engine.Engine
	authz     engine.AuthorizationChecker
	peerStore *PeerStore
	cfg       TransportConfig
	logger    *zap.Logger

	state        PeerState
	remoteUserID string
	remoteDevice string
	lastSyncHLC  uint64
	unacked      uint32
}

// newPeerSession constructs a session in the Disconnected state.
// peerStore may be nil, in which case reconnects always resume from
// HLC zero instead of a persisted high-water mark.
func newPeerSession(stream Stream, local LocalIdentity, store *oplog.Store, mergeEngine *engine.Engine, authz engine.AuthorizationChecker, peerStore *PeerStore, cfg TransportConfig, logger *zap.Logger) *peerSession {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &peerSession{
		stream:    stream,
		local:     local,
		oplog:     store,
		merge:     mergeEngine,
		authz:     authz,
		peerStore: peerStore,
		cfg:       cfg,
		logger:    logger,
		state:     PeerDisconnected,
	}
}

// run drives the session until ctx is cancelled or the stream fails. It
// always leaves the session in PeerDisconnected before returning.
func (p *peerSession) run(ctx context.Context) error {
	defer p.stream.Close()
	defer func() { p.state = PeerDisconnected }()

	// ReadFrame below blocks on the underlying connection and is not
	// itself context-aware; closing the stream on cancellation is what
	// actually unblocks it.
	go func() {
		<-ctx.Done()
		p.stream.Close()
	}()

	if err := p.seedLastSyncHLC(ctx); err != nil {
		p.logger.Warn("failed to load persisted peer state", zap.Error(err))
	}

	if err := p.handshake(ctx); err != nil {
		p.sendError(ctx, "handshake_failed", err.Error())
		return err
	}

	p.state = PeerSyncing
	if err := p.requestInitialOps(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		frameBudget := p.cfg.MaxMessageBytes
		if frameBudget == 0 {
			frameBudget = DefaultTransportConfig().MaxMessageBytes
		}
		env, err := ReadFrame(p.stream, frameBudget)
		if err != nil {
			return err
		}
		if err := p.handleEnvelope(ctx, env); err != nil {
			return err
		}
	}
}

// handshake performs the Disconnected -> Handshaking -> Authorizing ->
// Syncing transitions. It returns a non-nil error (and has already
// sent HelloAck{reject}) on any authorization failure.
func (p *peerSession) handshake(ctx context.Context) error {
	p.state = PeerHandshaking
	hello := Hello{
		NetworkPeerID:   p.local.NetworkPeerID,
		DeviceID:        p.local.DeviceID,
		UserID:          p.local.UserID,
		ProtocolVersion: CurrentProtocolVersion,
	}
	env, err := newEnvelope(TagHello, hello)
	if err != nil {
		return err
	}
	if err := WriteFrame(p.stream, env); err != nil {
		return err
	}

	remoteEnv, err := ReadFrame(p.stream, p.cfg.MaxMessageBytes)
	if err != nil {
		return err
	}
	remoteHello, err := remoteEnv.decodeHello()
	if err != nil {
		return err
	}

	p.state = PeerAuthorizing
	if err := p.authorize(ctx, remoteHello); err != nil {
		_ = p.sendHelloAck(ctx, false, err.Error())
		return err
	}

	p.remoteUserID = remoteHello.UserID
	p.remoteDevice = remoteHello.DeviceID
	if err := p.persistPeerState(ctx); err != nil {
		p.logger.Warn("failed to persist peer state", zap.Error(err))
	}
	return p.sendHelloAck(ctx, true, "")
}

// seedLastSyncHLC loads this peer's persisted high-water mark, keyed
// by the stream's stable network identity, so requestInitialOps
// resumes from where the last session left off instead of from zero.
func (p *peerSession) seedLastSyncHLC(ctx context.Context) error {
	if p.peerStore == nil {
		return nil
	}
	record, found, err := p.peerStore.Get(ctx, p.stream.RemoteNetworkID())
	if err != nil {
		return err
	}
	if found {
		p.lastSyncHLC = record.LastSyncHLC
	}
	return nil
}

// persistPeerState upserts this peer's current identity and sync
// progress, called on every successful handshake and batch ack so a
// later reconnect can seed from LastSyncHLC rather than HLC zero.
func (p *peerSession) persistPeerState(ctx context.Context) error {
	if p.peerStore == nil {
		return nil
	}
	address := p.stream.RemoteNetworkID()
	return p.peerStore.Upsert(ctx, PeerRecord{
		NetworkPeerID: address,
		UserID:        p.remoteUserID,
		DeviceID:      p.remoteDevice,
		LastAddress:   address,
		LastSyncHLC:   p.lastSyncHLC,
	})
}

func (p *peerSession) authorize(ctx context.Context, remote Hello) error {
	if remote.ProtocolVersion.Major != CurrentProtocolVersion.Major {
		return ErrProtocolVersionMismatch
	}
	if remote.UserID != p.local.UserID {
		return ErrUserMismatch
	}
	authorized, err := p.authz.IsDeviceAuthorized(ctx, engine.UserID(p.local.UserID), engine.DeviceID(remote.DeviceID))
	if err != nil {
		return err
	}
	if !authorized {
		return ErrDeviceNotAuthorized
	}
	return nil
}

func (p *peerSession) sendHelloAck(ctx context.Context, accepted bool, reason string) error {
	env, err := newEnvelope(TagHelloAck, HelloAck{Accepted: accepted, Reason: reason})
	if err != nil {
		return err
	}
	return WriteFrame(p.stream, env)
}

func (p *peerSession) requestInitialOps(ctx context.Context) error {
	maxCount := p.cfg.BatchMaxEntries
	if maxCount == 0 {
		maxCount = DefaultTransportConfig().BatchMaxEntries
	}
	env, err := newEnvelope(TagRequestOps, RequestOps{SinceHLC: p.lastSyncHLC, MaxCount: maxCount})
	if err != nil {
		return err
	}
	return WriteFrame(p.stream, env)
}

func (p *peerSession) handleEnvelope(ctx context.Context, env Envelope) error {
	switch env.Tag {
	case TagHelloAck:
		ack, err := env.decodeHelloAck()
		if err != nil {
			return err
		}
		if !ack.Accepted {
			return fmt.Errorf("syncproto: peer rejected handshake: %s", ack.Reason)
		}
		return nil
	case TagRequestOps:
		request, err := env.decodeRequestOps()
		if err != nil {
			return err
		}
		return p.handleRequestOps(ctx, request)
	case TagSendOps:
		batch, err := env.decodeSendOps()
		if err != nil {
			return err
		}
		return p.handleSendOps(ctx, batch)
	case TagAck:
		ack, err := env.decodeAck()
		if err != nil {
			return err
		}
		p.handleAck(ack)
		return nil
	case TagPing:
		ping, err := env.decodePing()
		if err != nil {
			return err
		}
		return p.handlePing(ping)
	case TagPong:
		_, err := env.decodePong()
		return err
	case TagError:
		errMsg, err := env.decodeError()
		if err != nil {
			return err
		}
		return fmt.Errorf("syncproto: peer reported error %s: %s", errMsg.Code, errMsg.Message)
	default:
		return fmt.Errorf("syncproto: unexpected tag %s while syncing", env.Tag)
	}
}

func (p *peerSession) handleRequestOps(ctx context.Context, request RequestOps) error {
	p.state = PeerSyncing
	defer func() { p.state = PeerIdle }()

	maxCount := request.MaxCount
	if maxCount == 0 {
		maxCount = DefaultTransportConfig().BatchMaxEntries
	}

	cursor := p.oplog.ScanSince(ctx, request.SinceHLC)
	entries := make([]WireEntry, 0, maxCount)
	for uint32(len(entries)) < maxCount {
		entry, ok, err := cursor.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		entries = append(entries, wireEntryFromOplog(entry))
	}

	more := uint32(len(entries)) == maxCount
	env, err := newEnvelope(TagSendOps, SendOps{Entries: entries, More: more})
	if err != nil {
		return err
	}
	return WriteFrame(p.stream, env)
}

func (p *peerSession) handleSendOps(ctx context.Context, batch SendOps) error {
	p.state = PeerSyncing
	defer func() { p.state = PeerIdle }()

	entries := make([]oplog.Entry, 0, len(batch.Entries))
	for _, wire := range batch.Entries {
		entries = append(entries, wire.toOplog())
	}

	report, err := p.merge.Merge(ctx, engine.UserID(p.remoteUserID), entries)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.HLC > p.lastSyncHLC {
			p.lastSyncHLC = entry.HLC
		}
	}
	if err := p.persistPeerState(ctx); err != nil {
		p.logger.Warn("failed to persist peer state", zap.Error(err))
	}

	ackEnv, err := newEnvelope(TagAck, Ack{UpToHLC: p.lastSyncHLC})
	if err != nil {
		return err
	}
	if err := WriteFrame(p.stream, ackEnv); err != nil {
		return err
	}

	p.logger.Debug("merged remote batch",
		zap.Int("applied", report.Applied),
		zap.Int("skipped_duplicate", report.SkippedDuplicate),
		zap.Int("skipped_unauthorized", report.SkippedUnauthorized),
		zap.Int("rejected_malformed", report.RejectedMalformed))

	if batch.More {
		return p.requestInitialOps(ctx)
	}
	return nil
}

func (p *peerSession) handleAck(ack Ack) {
	p.unacked = 0
	p.state = PeerIdle
	p.logger.Debug("peer acknowledged batch", zap.Uint64("up_to_hlc", ack.UpToHLC))
}

func (p *peerSession) handlePing(ping Ping) error {
	env, err := newEnvelope(TagPong, Pong{TimestampMs: ping.TimestampMs})
	if err != nil {
		return err
	}
	return WriteFrame(p.stream, env)
}

func (p *peerSession) sendError(ctx context.Context, code, message string) {
	env, err := newEnvelope(TagError, ErrorMessage{Code: code, Message: message})
	if err != nil {
		return
	}
	_ = WriteFrame(p.stream, env)
}

// pushUnsolicited sends entries as an unsolicited SendOps, the path
// taken when the merge engine's dispatcher reports a newly applied
// local entry while this peer is Idle. A push leaves the session in
// Syncing, and Manager.broadcastChange pushes only to Idle sessions, so
// the next push to this peer waits for its Ack (handleAck returns the
// session to Idle); entries applied in that window are not pushed. It
// also enforces the unacked backpressure ceiling: once BatchMaxEntries*4
// or more entries are unacknowledged, it declines to push until
// handleAck clears the counter.
func (p *peerSession) pushUnsolicited(entries []oplog.Entry) error {
	ceiling := p.cfg.BatchMaxEntries * 4
	if ceiling == 0 {
		ceiling = DefaultTransportConfig().BatchMaxEntries * 4
	}
	if p.unacked >= ceiling {
		return nil
	}

	wire := make([]WireEntry, 0, len(entries))
	for _, entry := range entries {
		wire = append(wire, wireEntryFromOplog(entry))
	}
	env, err := newEnvelope(TagSendOps, SendOps{Entries: wire, More: false})
	if err != nil {
		return err
	}
	if err := WriteFrame(p.stream, env); err != nil {
		return err
	}
	p.unacked += uint32(len(entries))
	p.state = PeerSyncing
	return nil
}

// Package syncproto implements the peer-to-peer sync protocol engine:
// wire messages, the per-peer handshake/sync state machine, and a
// Manager that drives one session per connected peer, pushing and
// pulling oplog deltas through a pluggable Transport.
package syncproto

import "github.com/lattice-sync/syncengine/internal/oplog"

// Tag identifies which wire message an Envelope carries.
type Tag string

const (
	TagHello      Tag = "Hello"
	TagHelloAck   Tag = "HelloAck"
	TagRequestOps Tag = "RequestOps"
	TagSendOps    Tag = "SendOps"
	TagAck        Tag = "Ack"
	TagPing       Tag = "Ping"
	TagPong       Tag = "Pong"
	TagError      Tag = "Error"
)

// ProtocolVersion is the (major, minor) pair exchanged in Hello. Peers
// with matching major versions are compatible regardless of minor skew.
type ProtocolVersion struct {
	Major uint16 `json:"major"`
	Minor uint16 `json:"minor"`
}

// CurrentProtocolVersion is the version this implementation speaks.
var CurrentProtocolVersion = ProtocolVersion{Major: 1, Minor: 0}

// Hello announces the sender's identity and protocol version, the
// first message sent on every new stream.
type Hello struct {
	NetworkPeerID   string          `json:"network_peer_id"`
	DeviceID        string          `json:"device_id"`
	UserID          string          `json:"user_id"`
	ProtocolVersion ProtocolVersion `json:"protocol_version"`
}

// HelloAck answers a Hello, accepting or rejecting the peer.
type HelloAck struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// RequestOps pulls every entry strictly after SinceHLC, up to MaxCount.
type RequestOps struct {
	SinceHLC uint64 `json:"since_hlc"`
	MaxCount uint32 `json:"max_count"`
}

// WireEntry is the wire representation of a single oplog entry.
type WireEntry struct {
	OpID      string `json:"op_id"`
	DeviceID  string `json:"device_id"`
	HLC       uint64 `json:"hlc"`
	TableName string `json:"table_name"`
	RowKey    string `json:"row_key"`
	Operation string `json:"operation"`
	Payload   []byte `json:"payload"`
}

func wireEntryFromOplog(entry oplog.Entry) WireEntry {
	return WireEntry{
		OpID:      entry.OpID,
		DeviceID:  entry.DeviceID,
		HLC:       entry.HLC,
		TableName: entry.TableName,
		RowKey:    entry.RowKey,
		Operation: string(entry.Operation),
		Payload:   entry.Payload,
	}
}

func (w WireEntry) toOplog() oplog.Entry {
	return oplog.Entry{
		OpID:      w.OpID,
		DeviceID:  w.DeviceID,
		HLC:       w.HLC,
		TableName: w.TableName,
		RowKey:    w.RowKey,
		Operation: oplog.OperationType(w.Operation),
		Payload:   w.Payload,
	}
}

// SendOps pushes a batch of entries. More is true if the sender has
// additional entries beyond this batch that the receiver should pull
// with a follow-up RequestOps.
type SendOps struct {
	Entries []WireEntry `json:"entries"`
	More    bool        `json:"more"`
}

// Ack acknowledges durable application of every entry up to and
// including UpToHLC, governing how aggressively the sender advances.
type Ack struct {
	UpToHLC uint64 `json:"up_to_hlc"`
}

// Ping/Pong carry a timestamp for keepalive and RTT measurement. The
// timestamp is opaque to the peer: it is echoed back in Pong exactly as
// received, never interpreted as wall-clock time by the receiver.
type Ping struct {
	TimestampMs int64 `json:"timestamp_ms"`
}

type Pong struct {
	TimestampMs int64 `json:"timestamp_ms"`
}

// ErrorMessage reports a fatal stream error. Receiving one always
// drives the peer to Disconnected.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

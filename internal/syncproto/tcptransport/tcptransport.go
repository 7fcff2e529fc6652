// Package tcptransport is a development and loopback-only reference
// implementation of syncproto.Transport, built on stdlib net. It
// provides none of the guarantees a production transport must supply:
// no encryption, no authentication, and no NAT traversal. It exists so
// the sync protocol engine is runnable and testable end-to-end without
// a real transport plugin, not as a deployment target.
package tcptransport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/lattice-sync/syncengine/internal/syncproto"
)

// Transport dials and listens on plain TCP, identifying the remote end
// by the dialed/accepted address alone.
type Transport struct {
	localNetworkID string

	mu       sync.Mutex
	listener net.Listener
}

// New constructs a Transport. localNetworkID is the opaque identity
// this process reports as its own in Hello handshakes that embed the
// transport-level peer id alongside the protocol-level device/user id.
func New(localNetworkID string) *Transport {
	return &Transport{localNetworkID: localNetworkID}
}

// LocalNetworkID implements syncproto.Transport.
func (t *Transport) LocalNetworkID() string {
	return t.localNetworkID
}

// Listen binds a TCP listener on cfg.ListenPort (0 for an ephemeral
// port) and emits a Discovery event for every inbound connection it
// accepts, treating "someone connected to us" as equivalent to "we
// discovered a peer" since this transport has no separate announce
// mechanism.
func (t *Transport) Listen(ctx context.Context, cfg syncproto.TransportConfig) (<-chan syncproto.Discovery, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.ListenPort))
	if err != nil {
		return nil, fmt.Errorf("tcptransport: listen: %w", err)
	}
	t.mu.Lock()
	t.listener = listener
	t.mu.Unlock()

	events := make(chan syncproto.Discovery)
	go func() {
		defer close(events)
		go func() {
			<-ctx.Done()
			listener.Close()
		}()
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			addr := conn.RemoteAddr().String()
			acceptedConns.store(addr, conn)
			select {
			case events <- syncproto.Discovery{Address: addr}:
			case <-ctx.Done():
				acceptedConns.take(addr)
				conn.Close()
				return
			}
		}
	}()

	return events, nil
}

// Dial connects to addr and returns the resulting Stream. Manager dials
// back to the exact address a Discovery event reported, which for an
// inbound connection is the peer's ephemeral source port, not anything
// listening. If Listen already accepted a connection from addr, that
// socket is handed back directly instead of attempting a second,
// un-dialable connection.
func (t *Transport) Dial(ctx context.Context, addr string) (syncproto.Stream, error) {
	if conn, ok := acceptedConns.take(addr); ok {
		return &tcpStream{conn: conn, remoteNetworkID: addr}, nil
	}

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcptransport: dial: %w", err)
	}
	return &tcpStream{conn: conn, remoteNetworkID: addr}, nil
}

type tcpStream struct {
	conn            net.Conn
	remoteNetworkID string
}

func (s *tcpStream) Read(p []byte) (int, error)  { return s.conn.Read(p) }
func (s *tcpStream) Write(p []byte) (int, error) { return s.conn.Write(p) }
func (s *tcpStream) Close() error                { return s.conn.Close() }

// RemoteNetworkID implements syncproto.Stream.
func (s *tcpStream) RemoteNetworkID() string {
	return s.remoteNetworkID
}

// acceptedConnRegistry hands an accepted inbound connection to the
// Dial call in the same process that names its remote address, so the
// Manager's dial-back for a Discovery event reuses that socket. It is
// process-local: it does not pair connections across processes.
type acceptedConnRegistry struct {
	mu    sync.Mutex
	conns map[string]net.Conn
}

func (r *acceptedConnRegistry) store(addr string, conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns == nil {
		r.conns = make(map[string]net.Conn)
	}
	r.conns[addr] = conn
}

func (r *acceptedConnRegistry) take(addr string) (net.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[addr]
	if ok {
		delete(r.conns, addr)
	}
	return conn, ok
}

var acceptedConns acceptedConnRegistry

package engine

import (
	"context"
	"sync"
)

// ChangeNotification announces that an oplog entry was just applied
// locally (via RecordLocal or Merge), so any active peer sync session
// can push it onward without waiting for the peer's next poll.
type ChangeNotification struct {
	TableName string
	RowKey    string
	OpID      string
}

// Dispatcher fans out change notifications to subscribers, one
// subscriber per active peer sync session. It is the sync protocol
// engine's hook into locally recorded changes, generalized from the
// teacher's RealtimeDispatcher (which fans out to local HTTP
// long-poll subscribers keyed by user id) to fan out to sync sessions
// keyed by an arbitrary subscription id.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]chan ChangeNotification
	nextID      int64
	bufferSize  int
}

// NewDispatcher constructs a Dispatcher with the default subscriber
// buffer size.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[int64]chan ChangeNotification),
		bufferSize:  64,
	}
}

// Subscribe registers a new subscriber and returns its notification
// channel plus a cancellation function. The subscriber is
// automatically unregistered when ctx is done.
func (d *Dispatcher) Subscribe(ctx context.Context) (<-chan ChangeNotification, func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	stream := make(chan ChangeNotification, d.bufferSize)
	d.subscribers[id] = stream
	d.mu.Unlock()

	cleanup := func() {
		d.mu.Lock()
		delete(d.subscribers, id)
		d.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Publish delivers a notification to every active subscriber. Delivery
// is non-blocking and best-effort: a subscriber whose buffer is full
// misses the notification and nothing re-sends it. There is no periodic
// RequestOps poll; a peer picks up such an entry only through a later
// RequestOps, such as the one each session sends after its handshake.
func (d *Dispatcher) Publish(notification ChangeNotification) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, stream := range d.subscribers {
		select {
		case stream <- notification:
		default:
		}
	}
}

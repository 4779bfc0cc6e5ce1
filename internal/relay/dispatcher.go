package relay

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/relaychat/internal/chat"
)

const defaultQueueSize = 64

// Dispatcher fans encoded frames out to every subscribed connection. Each
// connection owns a bounded queue; a full queue drops the frame for that
// connection only.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[chat.ConnectionRef]*subscriber
	queueSize   int
	onDrop      func(chat.ConnectionRef)
}

type subscriber struct {
	ref    chat.ConnectionRef
	stream chan []byte
	once   sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.stream)
	})
}

// NewDispatcher constructs a dispatcher with the given per-connection queue size.
func NewDispatcher(queueSize int, onDrop func(chat.ConnectionRef)) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if onDrop == nil {
		onDrop = func(chat.ConnectionRef) {}
	}
	return &Dispatcher{
		subscribers: make(map[chat.ConnectionRef]*subscriber),
		queueSize:   queueSize,
		onDrop:      onDrop,
	}
}

// Subscribe registers a connection. The returned stream is closed when the
// cleanup runs, the context ends, or the dispatcher closes.
func (d *Dispatcher) Subscribe(ctx context.Context, ref chat.ConnectionRef) (<-chan []byte, func()) {
	sub := &subscriber{
		ref:    ref,
		stream: make(chan []byte, d.queueSize),
	}
	d.mu.Lock()
	if previous, ok := d.subscribers[ref]; ok {
		previous.close()
	}
	d.subscribers[ref] = sub
	d.mu.Unlock()

	cleanup := func() {
		d.unregister(sub)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish queues the frame on every subscribed connection.
func (d *Dispatcher) Publish(frame []byte) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, sub := range d.subscribers {
		d.offer(sub, frame)
	}
}

// PublishTo queues the frame on a single connection.
func (d *Dispatcher) PublishTo(ref chat.ConnectionRef, frame []byte) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sub, ok := d.subscribers[ref]
	if !ok {
		return false
	}
	return d.offer(sub, frame)
}

// Count returns the number of subscribed connections.
func (d *Dispatcher) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

// CloseAll unsubscribes every connection and closes their streams.
func (d *Dispatcher) CloseAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for ref, sub := range d.subscribers {
		sub.close()
		delete(d.subscribers, ref)
	}
}

// offer must run under at least the read lock so streams are not closed mid-send.
func (d *Dispatcher) offer(sub *subscriber, frame []byte) bool {
	select {
	case sub.stream <- frame:
		return true
	default:
		d.onDrop(sub.ref)
		return false
	}
}

func (d *Dispatcher) unregister(sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if current, ok := d.subscribers[sub.ref]; ok && current == sub {
		delete(d.subscribers, sub.ref)
	}
	sub.close()
}

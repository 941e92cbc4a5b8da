package feed

import (
	"context"
	"sync"
	"time"
)

const defaultBufferSize = 16

// Invalidation is delivered to subscribers when a path becomes stale.
type Invalidation struct {
	Path      string
	Timestamp time.Time
}

// Dispatcher fans invalidations out to in-process subscribers such as open event streams. Slow
// subscribers miss messages rather than block the publisher.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
	watchers    sync.WaitGroup
}

type subscriber struct {
	id     int64
	stream chan Invalidation
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
		clock:       time.Now,
	}
}

// Subscribe registers a subscriber until ctx is done or the returned cleanup is called.
func (d *Dispatcher) Subscribe(ctx context.Context) (<-chan Invalidation, func()) {
	sub := &subscriber{
		stream: make(chan Invalidation, d.bufferSize),
	}
	d.mu.Lock()
	d.nextID++
	sub.id = d.nextID
	d.subscribers[sub.id] = sub
	d.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, sub.id)
			d.mu.Unlock()
			close(done)
		})
	}
	d.watchers.Add(1)
	go func() {
		defer d.watchers.Done()
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return sub.stream, cleanup
}

// Invalidate implements Invalidator by publishing to every subscriber.
func (d *Dispatcher) Invalidate(_ context.Context, path string) error {
	normalized, err := NormalizePath(path)
	if err != nil {
		return err
	}
	d.publish(Invalidation{Path: normalized, Timestamp: d.clock().UTC()})
	return nil
}

// SubscriberCount reports the number of live subscribers.
func (d *Dispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *Dispatcher) publish(message Invalidation) {
	d.mu.RLock()
	copies := make([]*subscriber, 0, len(d.subscribers))
	for _, sub := range d.subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- message:
		default:
		}
	}
}

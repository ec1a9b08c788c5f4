// Package changefeed implements the Change Fan-out (spec.md §4.5): a
// bounded FIFO of change events drained by a single dedicated worker
// that invokes every registered listener in order. It is grounded on
// the teacher's file_watcher_service.go worker-pool shape (bounded
// channel, stopChan, sync.WaitGroup, graceful drain-then-join), pared
// down to one queue instead of watcher's queue-plus-retry-queue pair —
// this package has no retry semantics of its own; a listener failure
// is logged and swallowed, per spec.
package changefeed

import (
	"context"
	"sync"
	"time"

	"github.com/IMAGE-ET/Orthanc-2/internal/index"
	"github.com/IMAGE-ET/Orthanc-2/internal/logger"
)

// dequeueTimeout bounds how long the worker waits on an empty queue
// before re-checking the stop signal, per spec.md §4.5.
const dequeueTimeout = 100 * time.Millisecond

// Event is one change fan-out notification, carrying enough of
// ChangeEntry for listeners to act without an extra Index round trip.
type Event struct {
	ChangeType index.ChangeType
	ResourceID int64
	PublicID   string
	Level      index.Level
	Seq        int64
}

// Listener receives change events in enqueue order. Implementations
// must not block for long: the worker is single-threaded, so a slow
// listener delays every other listener's delivery of the same event
// and every subsequent event.
type Listener func(Event)

// Feed is the bounded queue plus dedicated worker of spec.md §4.5.
type Feed struct {
	queue    chan Event
	stopChan chan struct{}
	wg       sync.WaitGroup

	listenersMu sync.Mutex
	listeners   []Listener

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a Feed with the given queue capacity. capacity bounds
// how far the fan-out can lag behind admission before SignalChange
// blocks the caller.
func New(capacity int) *Feed {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Feed{
		queue:    make(chan Event, capacity),
		stopChan: make(chan struct{}),
	}
}

// Register adds a listener. Listeners are invoked in registration
// order for every subsequent event (spec.md §4.5).
func (f *Feed) Register(l Listener) {
	f.listenersMu.Lock()
	defer f.listenersMu.Unlock()
	f.listeners = append(f.listeners, l)
}

// Start launches the single dedicated worker goroutine. Calling Start
// more than once is a no-op.
func (f *Feed) Start() {
	f.startOnce.Do(func() {
		f.wg.Add(1)
		go f.worker()
	})
}

// SignalChange enqueues event and returns immediately (spec.md §4.5).
// It blocks only if the queue is at capacity, which under normal
// operation means the worker (or a listener) is falling behind.
func (f *Feed) SignalChange(event Event) {
	f.queue <- event
}

// Stop drains the queue, signals the worker to stop, and joins it
// (spec.md §4.5). It is safe to call Stop more than once.
func (f *Feed) Stop() {
	f.stopOnce.Do(func() {
		close(f.stopChan)
		f.wg.Wait()
	})
}

func (f *Feed) worker() {
	defer f.wg.Done()

	for {
		select {
		case event := <-f.queue:
			f.deliver(event)
		case <-time.After(dequeueTimeout):
			select {
			case <-f.stopChan:
				f.drainRemaining()
				return
			default:
			}
		}
	}
}

// drainRemaining delivers every event still buffered in the queue
// before the worker exits, so Stop never silently discards events
// that were already accepted by SignalChange (spec.md §4.5: "The
// queue is lossless across normal operation").
func (f *Feed) drainRemaining() {
	for {
		select {
		case event := <-f.queue:
			f.deliver(event)
		default:
			return
		}
	}
}

func (f *Feed) deliver(event Event) {
	f.listenersMu.Lock()
	listeners := make([]Listener, len(f.listeners))
	copy(listeners, f.listeners)
	f.listenersMu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.WithField("change_type", event.ChangeType.String()).
						Errorf("change listener panicked: %v", r)
				}
			}()
			l(event)
		}()
	}
}

// WaitIdle blocks until the queue is empty or ctx is done. An event the
// worker has already taken off the queue may still be in delivery when
// WaitIdle returns.
func WaitIdle(ctx context.Context, f *Feed) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(f.queue) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

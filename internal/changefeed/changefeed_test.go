package changefeed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/IMAGE-ET/Orthanc-2/internal/index"
)

func TestSignalChangeDeliversToListenersInOrder(t *testing.T) {
	f := New(10)
	f.Start()
	defer f.Stop()

	var mu sync.Mutex
	var order []string
	f.Register(func(Event) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	})
	f.Register(func(Event) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
	})

	f.SignalChange(Event{ChangeType: index.ChangeNewPatient, PublicID: "patient-1"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := WaitIdle(ctx, f); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
	// Give the worker a moment to finish delivering after the queue drains.
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("delivery order = %v, want [first second]", order)
	}
}

func TestListenerPanicDoesNotStopOtherListeners(t *testing.T) {
	f := New(10)
	f.Start()
	defer f.Stop()

	delivered := make(chan struct{}, 1)
	f.Register(func(Event) {
		panic("boom")
	})
	f.Register(func(Event) {
		delivered <- struct{}{}
	})

	f.SignalChange(Event{ChangeType: index.ChangeNewInstance, PublicID: "instance-1"})

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("second listener was never invoked after the first one panicked")
	}
}

func TestStopDrainsRemainingEvents(t *testing.T) {
	f := New(10)

	var mu sync.Mutex
	var count int
	f.Register(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	// Events queued before Start is even called must still be delivered
	// once the worker starts and then stops.
	for i := 0; i < 5; i++ {
		f.SignalChange(Event{ChangeType: index.ChangeNewSeries, PublicID: "series"})
	}
	f.Start()
	f.Stop()

	mu.Lock()
	defer mu.Unlock()
	if count != 5 {
		t.Fatalf("delivered %d events, want all 5 drained before Stop returns", count)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	f := New(1)
	f.Start()
	f.Stop()
	f.Stop()
}

package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitOrFail(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("Timeout waiting for events")
	}
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var received atomic.Int32
	var wg sync.WaitGroup

	err := bus.Subscribe(context.Background(), "test.topic", func(ctx context.Context, event Event) error {
		received.Add(1)
		wg.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	wg.Add(3)
	for i := 0; i < 3; i++ {
		err := bus.Publish(context.Background(), "test.topic", Event{
			ID:   fmt.Sprintf("test-%d", i),
			Type: "log",
		})
		if err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	waitOrFail(t, &wg, time.Second)

	if got := received.Load(); got != 3 {
		t.Errorf("Received %d events, want 3", got)
	}
}

func TestMemoryBus_PreservesOrder(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	const n = 200
	var mu sync.Mutex
	var got []string
	var wg sync.WaitGroup
	wg.Add(n)

	bus.Subscribe(context.Background(), "ordered", func(ctx context.Context, event Event) error {
		mu.Lock()
		got = append(got, event.ID)
		mu.Unlock()
		wg.Done()
		return nil
	})

	for i := 0; i < n; i++ {
		if err := bus.Publish(context.Background(), "ordered", Event{ID: fmt.Sprintf("%03d", i)}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	waitOrFail(t, &wg, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	for i, id := range got {
		if want := fmt.Sprintf("%03d", i); id != want {
			t.Fatalf("event %d = %s, want %s", i, id, want)
		}
	}
}

func TestMemoryBus_MultipleSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var count1, count2 atomic.Int32
	var wg sync.WaitGroup

	bus.Subscribe(context.Background(), "test.topic", func(ctx context.Context, event Event) error {
		count1.Add(1)
		wg.Done()
		return nil
	})

	bus.Subscribe(context.Background(), "test.topic", func(ctx context.Context, event Event) error {
		count2.Add(1)
		wg.Done()
		return nil
	})

	// Publish one event - both subscribers should receive
	wg.Add(2)
	bus.Publish(context.Background(), "test.topic", Event{ID: "test", Type: "log"})

	waitOrFail(t, &wg, time.Second)

	if count1.Load() != 1 || count2.Load() != 1 {
		t.Errorf("Expected both subscribers to receive 1 event, got %d and %d", count1.Load(), count2.Load())
	}
}

func TestMemoryBus_SlowSubscriberIsolated(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	release := make(chan struct{})
	bus.Subscribe(context.Background(), "iso", func(ctx context.Context, event Event) error {
		<-release
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(5)
	bus.Subscribe(context.Background(), "iso", func(ctx context.Context, event Event) error {
		wg.Done()
		return nil
	})

	for i := 0; i < 5; i++ {
		bus.Publish(context.Background(), "iso", Event{ID: fmt.Sprint(i)})
	}

	waitOrFail(t, &wg, time.Second)
	close(release)
}

func TestMemoryBus_NoSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	// Publishing to a topic with no subscribers should not error
	err := bus.Publish(context.Background(), "empty.topic", Event{ID: "test", Type: "log"})
	if err != nil {
		t.Errorf("Publish() to empty topic error = %v", err)
	}
}

func TestMemoryBus_UnsubscribeOnContextCancel(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	bus.Subscribe(ctx, "cancel.topic", func(ctx context.Context, event Event) error { return nil })

	if got := bus.SubscriberCount("cancel.topic"); got != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1", got)
	}

	cancel()

	deadline := time.Now().Add(time.Second)
	for bus.SubscriberCount("cancel.topic") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not removed after context cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMemoryBus_PublishBlockedHonorsContext(t *testing.T) {
	bus := NewMemoryBus(WithQueueSize(1))
	defer bus.Close()

	block := make(chan struct{})
	defer close(block)
	bus.Subscribe(context.Background(), "full", func(ctx context.Context, event Event) error {
		<-block
		return nil
	})

	// First event occupies the worker, second fills the queue.
	bus.Publish(context.Background(), "full", Event{ID: "1"})
	bus.Publish(context.Background(), "full", Event{ID: "2"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var err error
	for i := 0; i < 3 && err == nil; i++ {
		err = bus.Publish(ctx, "full", Event{ID: "3"})
	}
	if err == nil {
		t.Error("Publish() should fail once the queue is full and ctx expires")
	}
}

func TestMemoryBus_Close(t *testing.T) {
	bus := NewMemoryBus()

	if err := bus.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	// Operations should fail after close
	err := bus.Publish(context.Background(), "test", Event{})
	if err == nil {
		t.Error("Publish() after Close() should error")
	}

	err = bus.Subscribe(context.Background(), "test", func(ctx context.Context, event Event) error {
		return nil
	})
	if err == nil {
		t.Error("Subscribe() after Close() should error")
	}
}

func TestMemoryBus_CloseDrainsQueued(t *testing.T) {
	bus := NewMemoryBus()

	var received atomic.Int32
	bus.Subscribe(context.Background(), "drain", func(ctx context.Context, event Event) error {
		time.Sleep(time.Millisecond)
		received.Add(1)
		return nil
	})

	for i := 0; i < 20; i++ {
		bus.Publish(context.Background(), "drain", Event{ID: fmt.Sprint(i)})
	}
	bus.Close()

	if got := received.Load(); got != 20 {
		t.Errorf("received %d events before Close returned, want 20", got)
	}
	if got := bus.InFlightCount(); got != 0 {
		t.Errorf("InFlightCount() = %d after Close, want 0", got)
	}
}

func TestMemoryBus_Concurrent(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var received atomic.Int32
	var wg sync.WaitGroup

	bus.Subscribe(context.Background(), "concurrent", func(ctx context.Context, event Event) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	numPublishers := 10
	eventsPerPublisher := 100
	wg.Add(numPublishers * eventsPerPublisher)

	for p := 0; p < numPublishers; p++ {
		go func(publisher int) {
			for i := 0; i < eventsPerPublisher; i++ {
				bus.Publish(context.Background(), "concurrent", Event{
					ID:   fmt.Sprintf("%d-%d", publisher, i),
					Type: "log",
				})
			}
		}(p)
	}

	waitOrFail(t, &wg, 5*time.Second)

	expected := int32(numPublishers * eventsPerPublisher)
	if got := received.Load(); got != expected {
		t.Errorf("Received %d events, want %d", got, expected)
	}
}

package engine

import (
	"context"
	"testing"
	"time"
)

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("channel closed unexpectedly")
		}
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func assertClosed[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v, ok := <-ch:
		if ok {
			t.Fatalf("Expected closed channel, received %v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel to close")
	}
}

func TestBroadcaster_ReplaysLastValue(t *testing.T) {
	b := newBroadcaster[int](true, 4)
	b.Publish(1)
	b.Publish(2)

	ch := b.Subscribe(context.Background())
	if got := receive(t, ch); got != 2 {
		t.Fatalf("Expected replayed value 2, got %d", got)
	}

	b.Publish(3)
	if got := receive(t, ch); got != 3 {
		t.Errorf("Expected 3, got %d", got)
	}
}

func TestBroadcaster_PresentOnly(t *testing.T) {
	b := newBroadcaster[string](false, 4)
	b.Publish("before")

	ch := b.Subscribe(context.Background())
	select {
	case v := <-ch:
		t.Fatalf("Expected no replay, got %q", v)
	default:
	}

	b.Publish("after")
	if got := receive(t, ch); got != "after" {
		t.Errorf("Expected 'after', got %q", got)
	}
}

func TestBroadcaster_DropsOldestForSlowSubscriber(t *testing.T) {
	b := newBroadcaster[int](false, 2)
	ch := b.Subscribe(context.Background())

	done := make(chan struct{})
	go func() {
		for i := 1; i <= 5; i++ {
			b.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	if got := receive(t, ch); got != 4 {
		t.Errorf("Expected 4 after dropping oldest values, got %d", got)
	}
	if got := receive(t, ch); got != 5 {
		t.Errorf("Expected 5, got %d", got)
	}
}

func TestBroadcaster_Close(t *testing.T) {
	b := newBroadcaster[int](true, 4)
	live := b.Subscribe(context.Background())
	b.Publish(7)
	b.Close()

	if got := receive(t, live); got != 7 {
		t.Fatalf("Expected buffered value 7, got %d", got)
	}
	assertClosed(t, live)

	late := b.Subscribe(context.Background())
	if got := receive(t, late); got != 7 {
		t.Fatalf("Expected late subscriber to get replay 7, got %d", got)
	}
	assertClosed(t, late)

	// Publishing after close is a no-op.
	b.Publish(8)
	if v, _ := b.Last(); v != 7 {
		t.Errorf("Expected last value to stay 7, got %d", v)
	}
}

func TestBroadcaster_UnsubscribesOnContextDone(t *testing.T) {
	b := newBroadcaster[int](false, 4)
	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(ctx)

	cancel()
	assertClosed(t, ch)

	b.mu.Lock()
	n := len(b.subs)
	b.mu.Unlock()
	if n != 0 {
		t.Errorf("Expected no subscribers after cancel, got %d", n)
	}
}

func TestQueue_SlowSubscriberLosesNothing(t *testing.T) {
	q := newQueue[int]()
	ch := q.Subscribe(context.Background(), 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			q.Publish(i)
		}
		q.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	for i := 0; i < 1000; i++ {
		if got := receive(t, ch); got != i {
			t.Fatalf("Expected %d, got %d", i, got)
		}
	}
	assertClosed(t, ch)
}

func TestQueue_ContextDone(t *testing.T) {
	q := newQueue[int]()
	ctx, cancel := context.WithCancel(context.Background())
	ch := q.Subscribe(ctx, 0)
	q.Publish(1)

	cancel()
	timeout := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				q.Publish(2)
				return
			}
		case <-timeout:
			t.Fatal("channel not closed after context cancellation")
		}
	}
}

func TestQueue_SubscribeAfterClose(t *testing.T) {
	q := newQueue[int]()
	q.Publish(1)
	q.Close()
	assertClosed(t, q.Subscribe(context.Background(), 4))
}

package engine

import (
	"context"
	"sync"
)

// broadcaster is a single-writer, multi-reader stream. With replay enabled a
// new subscriber first receives the most recently published value.
//
// Publish never blocks: when a subscriber's buffer is full its oldest value
// is dropped to make room.
type broadcaster[T any] struct {
	mu      sync.Mutex
	replay  bool
	buffer  int
	last    T
	hasLast bool
	subs    map[int]chan T
	nextID  int
	closed  bool
	done    chan struct{}
}

func newBroadcaster[T any](replay bool, buffer int) *broadcaster[T] {
	if buffer < 1 {
		buffer = 1
	}
	return &broadcaster[T]{
		replay: replay,
		buffer: buffer,
		subs:   make(map[int]chan T),
		done:   make(chan struct{}),
	}
}

// Publish delivers v to every current subscriber.
func (b *broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.last = v
	b.hasLast = true

	for _, ch := range b.subs {
		offer(ch, v)
	}
}

// Subscribe returns a channel receiving published values until ctx is done
// or the broadcaster is closed; the channel is closed in both cases.
func (b *broadcaster[T]) Subscribe(ctx context.Context) <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, b.buffer)
	if b.replay && b.hasLast {
		ch <- b.last
	}
	if b.closed {
		close(ch)
		return ch
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	go func() {
		select {
		case <-ctx.Done():
			b.unsubscribe(id)
		case <-b.done:
		}
	}()

	return ch
}

// Last returns the most recently published value.
func (b *broadcaster[T]) Last() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last, b.hasLast
}

// Close completes the stream for all subscribers. Later subscribers receive
// the replayed value, if any, on an already closed channel.
func (b *broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	close(b.done)
}

func (b *broadcaster[T]) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

// offer sends v without blocking, evicting the oldest buffered value if needed.
// Callers hold the broadcaster lock, so they are the only sender on ch.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// queue is a multi-reader stream that never drops values. Each subscriber
// owns an unbounded backlog drained by its own goroutine, so Publish never
// waits for a reader. Values published before Close are all delivered
// unless the subscriber's context ends first.
type queue[T any] struct {
	mu     sync.Mutex
	subs   map[int]*backlog[T]
	nextID int
	closed bool
}

type backlog[T any] struct {
	mu      sync.Mutex
	pending []T
	closed  bool
	wake    chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{subs: make(map[int]*backlog[T])}
}

// Publish appends v to the backlog of every current subscriber.
func (q *queue[T]) Publish(v T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	for _, b := range q.subs {
		b.push(v)
	}
}

// Subscribe returns a channel receiving every value published from now on.
// It is closed after Close once the backlog is drained, or when ctx is done.
func (q *queue[T]) Subscribe(ctx context.Context, buffer int) <-chan T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(chan T, max(buffer, 0))
	if q.closed {
		close(out)
		return out
	}

	id := q.nextID
	q.nextID++
	b := &backlog[T]{wake: make(chan struct{}, 1)}
	q.subs[id] = b

	go func() {
		defer close(out)
		defer q.remove(id)
		b.drain(ctx, out)
	}()
	return out
}

// Close ends the stream. Subscribers still receive their backlog.
func (q *queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	for _, b := range q.subs {
		b.finish()
	}
}

func (q *queue[T]) remove(id int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.subs, id)
}

func (b *backlog[T]) push(v T) {
	b.mu.Lock()
	b.pending = append(b.pending, v)
	b.mu.Unlock()
	b.signal()
}

func (b *backlog[T]) finish() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.signal()
}

func (b *backlog[T]) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *backlog[T]) drain(ctx context.Context, out chan<- T) {
	for {
		b.mu.Lock()
		batch := b.pending
		b.pending = nil
		closed := b.closed
		b.mu.Unlock()

		for _, v := range batch {
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}

		select {
		case <-b.wake:
		case <-ctx.Done():
			return
		}
	}
}

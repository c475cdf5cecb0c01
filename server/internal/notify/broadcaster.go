package notify

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Broadcaster fans values out to any number of subscribers. Every subscriber
// owns a bounded buffer: when it is full the oldest buffered value is dropped
// to make room, so Publish never blocks on a slow consumer and the most
// recent value is always delivered.
type Broadcaster[T any] struct {
	mu       sync.Mutex
	subs     map[string]*Subscription[T]
	capacity int
	dropped  atomic.Uint64
}

type Subscription[T any] struct {
	ID string
	ch chan T
	b  *Broadcaster[T]
}

func New[T any](capacity int) *Broadcaster[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Broadcaster[T]{
		subs:     make(map[string]*Subscription[T]),
		capacity: capacity,
	}
}

func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{
		ID: uuid.NewString(),
		ch: make(chan T, b.capacity),
		b:  b,
	}

	b.mu.Lock()
	b.subs[s.ID] = s
	b.mu.Unlock()

	return s
}

func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subs {
		select {
		case s.ch <- v:
			continue
		default:
		}

		// full: evict the oldest value, then retry once
		select {
		case <-s.ch:
			b.dropped.Add(1)
		default:
		}

		select {
		case s.ch <- v:
		default:
			b.dropped.Add(1)
			slog.Warn("notification dropped", slog.String("subscriber", s.ID))
		}
	}
}

// Dropped is the number of values evicted so far across all subscribers.
func (b *Broadcaster[T]) Dropped() uint64 { return b.dropped.Load() }

func (b *Broadcaster[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// C is closed once the subscription is closed.
func (s *Subscription[T]) C() <-chan T { return s.ch }

func (s *Subscription[T]) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	if _, ok := s.b.subs[s.ID]; !ok {
		return
	}
	delete(s.b.subs, s.ID)
	close(s.ch)
}

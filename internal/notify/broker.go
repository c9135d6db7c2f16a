// Package notify fans committed changes out to subscribers.
//
// Publish never blocks on a subscriber: every subscription owns an unbounded
// FIFO queue drained by its own goroutine, so a slow consumer delays only
// itself. Nothing is coalesced or dropped while a subscription is open.
package notify

import (
	"log/slog"
	"sync"
)

type Broker[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	closed bool
	log    *slog.Logger
}

func NewBroker[T any](log *slog.Logger) *Broker[T] {
	if log == nil {
		log = slog.Default()
	}
	return &Broker[T]{
		subs: make(map[uint64]*Subscription[T]),
		log:  log.With(slog.String("component", "notify")),
	}
}

// Subscribe registers fn. fn is called sequentially, in publish order, on a
// goroutine owned by the subscription.
func (b *Broker[T]) Subscribe(name string, fn func(T)) *Subscription[T] {
	s := &Subscription[T]{
		name:   name,
		fn:     fn,
		broker: b,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.done)
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	b.mu.Unlock()

	go s.run(b.log)
	return s
}

// Publish enqueues v for every current subscriber and returns immediately.
func (b *Broker[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		s.enqueue(v)
	}
}

func (b *Broker[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops accepting publishes and waits for every subscriber to drain
// what was already queued.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription[T], 0, len(b.subs))
	for id, s := range b.subs {
		subs = append(subs, s)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.stop(true)
	}
	for _, s := range subs {
		<-s.done
	}
}

func (b *Broker[T]) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

type Subscription[T any] struct {
	id     uint64
	name   string
	fn     func(T)
	broker *Broker[T]

	mu      sync.Mutex
	queue   []T
	stopped bool
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (s *Subscription[T]) enqueue(v T) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, v)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Unsubscribe detaches the subscription and discards values still queued.
// It does not wait for a running callback; use Done for that.
func (s *Subscription[T]) Unsubscribe() {
	if s.broker != nil {
		s.broker.remove(s.id)
	}
	s.stop(false)
}

// Done is closed once the delivery goroutine has exited.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription[T]) stop(drain bool) {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		if !drain {
			s.queue = nil
		}
		s.mu.Unlock()

		select {
		case s.wake <- struct{}{}:
		default:
		}
	})
}

func (s *Subscription[T]) run(log *slog.Logger) {
	defer close(s.done)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return
			}
			<-s.wake
			continue
		}
		v := s.queue[0]
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(log, v)
	}
}

func (s *Subscription[T]) deliver(log *slog.Logger, v T) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("subscriber panicked", slog.String("subscriber", s.name), slog.Any("panic", r))
		}
	}()
	s.fn(v)
}

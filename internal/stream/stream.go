// Package stream provides multicast callback registries used for document
// events, status updates and auth requests.
package stream

import "sync"

// Observable is the subscribe side of a stream.
type Observable[T any] interface {
	Subscribe(fn func(T)) func()
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Stream delivers every emitted value to all current subscribers in
// subscription order. The zero value is ready to use.
type Stream[T any] struct {
	mu   sync.Mutex
	next uint64
	subs []subscriber[T]
}

// Subscribe registers fn and returns a func that removes it.
func (s *Stream[T]) Subscribe(fn func(T)) func() {
	s.mu.Lock()
	s.next++
	id := s.next
	s.subs = append(s.subs, subscriber[T]{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit calls every subscriber with v. Subscribers run on the emitting
// goroutine, outside the registry lock.
func (s *Stream[T]) Emit(v T) {
	s.mu.Lock()
	subs := make([]subscriber[T], len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(v)
	}
}

// Len returns the number of subscribers.
func (s *Stream[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Latest is a Stream that remembers the last value emitted per key and replays
// those values to new subscribers, in key order, before any live values. A
// subscriber never receives an older value for a key after a newer one.
type Latest[K comparable, T any] struct {
	stream Stream[sequenced[T]]

	mu     sync.Mutex
	seq    uint64
	key    func(T) K
	order  []K
	latest map[K]sequenced[T]
}

type sequenced[T any] struct {
	seq uint64
	v   T
}

// NewLatest creates a replaying stream. Keys not listed in order are replayed
// after the listed ones, in first-seen order.
func NewLatest[K comparable, T any](key func(T) K, order ...K) *Latest[K, T] {
	return &Latest[K, T]{
		key:    key,
		order:  append([]K(nil), order...),
		latest: make(map[K]sequenced[T]),
	}
}

func (l *Latest[K, T]) Subscribe(fn func(T)) func() {
	sub := &latestSubscriber[K, T]{
		fn:         fn,
		key:        l.key,
		delivered:  make(map[K]uint64),
		delivering: true,
	}

	l.mu.Lock()
	for _, k := range l.order {
		if v, ok := l.latest[k]; ok {
			sub.queue = append(sub.queue, v)
		}
	}
	unsubscribe := l.stream.Subscribe(sub.receive)
	l.mu.Unlock()

	sub.drain()
	return unsubscribe
}

func (l *Latest[K, T]) Emit(v T) {
	k := l.key(v)
	l.mu.Lock()
	if _, ok := l.latest[k]; !ok && !l.known(k) {
		l.order = append(l.order, k)
	}
	l.seq++
	e := sequenced[T]{seq: l.seq, v: v}
	l.latest[k] = e
	l.mu.Unlock()

	l.stream.Emit(e)
}

func (l *Latest[K, T]) known(k K) bool {
	for _, o := range l.order {
		if o == k {
			return true
		}
	}
	return false
}

// Get returns the last value emitted for k.
func (l *Latest[K, T]) Get(k K) (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.latest[k]
	return e.v, ok
}

// latestSubscriber delivers one value at a time in arrival order, replay
// first. Values arriving while another goroutine delivers, or from inside fn,
// are queued for the goroutine already delivering. A value older than the last
// one delivered for its key is dropped.
type latestSubscriber[K comparable, T any] struct {
	fn  func(T)
	key func(T) K

	mu         sync.Mutex
	delivered  map[K]uint64
	delivering bool
	queue      []sequenced[T]
}

func (s *latestSubscriber[K, T]) receive(e sequenced[T]) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	if s.delivering {
		s.mu.Unlock()
		return
	}
	s.delivering = true
	s.mu.Unlock()
	s.drain()
}

func (s *latestSubscriber[K, T]) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.delivering = false
			s.mu.Unlock()
			return
		}
		e := s.queue[0]
		s.queue = s.queue[1:]
		k := s.key(e.v)
		fresh := e.seq > s.delivered[k]
		if fresh {
			s.delivered[k] = e.seq
		}
		s.mu.Unlock()

		if fresh {
			s.fn(e.v)
		}
	}
}

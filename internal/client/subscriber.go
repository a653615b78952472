package client

import (
	"context"
	"sync"
)

// subscriber is one consumer of a channel returned by the client. deliver
// blocks until the value is taken or the consumer's context ends; close may
// run concurrently with deliver.
type subscriber[T any] struct {
	ctx    context.Context
	mu     sync.Mutex
	closed bool
	ch     chan T
}

func newSubscriber[T any](ctx context.Context, size int) *subscriber[T] {
	return &subscriber[T]{ctx: ctx, ch: make(chan T, size)}
}

func (s *subscriber[T]) deliver(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliverLocked(v)
}

func (s *subscriber[T]) deliverLocked(v T) {
	if s.closed {
		return
	}
	select {
	case s.ch <- v:
	case <-s.ctx.Done():
	}
}

func (s *subscriber[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// subscribers is a set of subscribers guarded by its own lock.
type subscribers[T any] struct {
	mu  sync.Mutex
	set map[*subscriber[T]]struct{}
}

func (s *subscribers[T]) add(sub *subscriber[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set == nil {
		s.set = make(map[*subscriber[T]]struct{})
	}
	s.set[sub] = struct{}{}
}

// remove reports whether sub was the last subscriber.
func (s *subscribers[T]) remove(sub *subscriber[T]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.set, sub)
	return len(s.set) == 0
}

func (s *subscribers[T]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.set)
}

func (s *subscribers[T]) snapshot() []*subscriber[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*subscriber[T], 0, len(s.set))
	for sub := range s.set {
		out = append(out, sub)
	}
	return out
}

func (s *subscribers[T]) emit(v T) {
	for _, sub := range s.snapshot() {
		sub.deliver(v)
	}
}

func (s *subscribers[T]) closeAll() {
	for _, sub := range s.snapshot() {
		sub.close()
	}
}

// watchSubscription ties a subscriber to the context that ends it.
func watchSubscription[T any](sub *subscriber[T], onDone func()) {
	go func() {
		<-sub.ctx.Done()
		sub.close()
		if onDone != nil {
			onDone()
		}
	}()
}

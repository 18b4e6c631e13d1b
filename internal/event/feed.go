// Package event provides typed subscription lists used by the session, the
// balance tracker and the manager in place of a shared emitter base type.
package event

import "sync"

// Feed is a list of handlers for one event kind. The zero value is ready to
// use. Handlers run synchronously in the emitting goroutine, in registration
// order.
type Feed[T any] struct {
	mu       sync.RWMutex
	handlers []func(T)
}

// Subscribe registers fn for every subsequent Emit.
func (f *Feed[T]) Subscribe(fn func(T)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, fn)
}

// Emit calls every registered handler with v. It must not be called while
// holding a lock that handlers may need.
func (f *Feed[T]) Emit(v T) {
	f.mu.RLock()
	handlers := f.handlers
	f.mu.RUnlock()

	for _, h := range handlers {
		h(v)
	}
}

// Len returns the number of registered handlers.
func (f *Feed[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.handlers)
}

// Signal is a Feed for events that carry no payload.
type Signal struct {
	feed Feed[struct{}]
}

// Subscribe registers fn for every subsequent Fire.
func (s *Signal) Subscribe(fn func()) {
	s.feed.Subscribe(func(struct{}) { fn() })
}

// Fire calls every registered handler.
func (s *Signal) Fire() {
	s.feed.Emit(struct{}{})
}

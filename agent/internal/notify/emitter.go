package notify

import (
	"sort"
	"sync"
)

// Emitter fans a value out to every registered subscriber.
//
// Emit calls subscribers synchronously, in subscription order, on the calling
// goroutine. Subscribers may unsubscribe (themselves or others) from inside a
// callback.
type Emitter[T any] struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]func(T)
}

// Subscribe registers fn and returns a function that removes it.
func (e *Emitter[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	e.mu.Lock()
	if e.subs == nil {
		e.subs = make(map[uint64]func(T))
	}
	id := e.next
	e.next++
	e.subs[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
}

// Emit delivers v to every current subscriber.
func (e *Emitter[T]) Emit(v T) {
	for _, fn := range e.snapshot() {
		fn(v)
	}
}

// Len returns the number of registered subscribers.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

func (e *Emitter[T]) snapshot() []func(T) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]uint64, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]func(T), 0, len(ids))
	for _, id := range ids {
		out = append(out, e.subs[id])
	}
	return out
}

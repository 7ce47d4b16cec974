// Package event is a small typed subscription list. Subscribers are handed back an unsubscribe function instead of
// registering named listeners on a shared map.
package event

import (
	"sync"
)

type Emitter[T any] struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[uint64]func(T)
	order     []uint64
}

// Subscribe adds fn to the emitter. The returned function removes it again and is safe to call more than once.
func (e *Emitter[T]) Subscribe(fn func(T)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[uint64]func(T))
	}
	e.nextID++
	id := e.nextID
	e.listeners[id] = fn
	e.order = append(e.order, id)
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, ok := e.listeners[id]; !ok {
			return
		}
		delete(e.listeners, id)
		for i, o := range e.order {
			if o == id {
				e.order = append(e.order[:i], e.order[i+1:]...)
				break
			}
		}
	}
}

// Emit calls every current subscriber in subscription order. The lock is not held while calling them so a subscriber
// may unsubscribe itself or emit again.
func (e *Emitter[T]) Emit(value T) {
	e.mu.Lock()
	fns := make([]func(T), 0, len(e.order))
	for _, id := range e.order {
		fns = append(fns, e.listeners[id])
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(value)
	}
}

func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.order)
}

// Clear removes every subscriber.
func (e *Emitter[T]) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = nil
	e.order = nil
}

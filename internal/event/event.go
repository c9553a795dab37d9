// Package event provides a small typed publish/subscribe primitive that
// components compose instead of inheriting from a common event source.
package event

import "sync"

// Emitter dispatches values of type T to registered handlers in the order
// they were registered. The zero value is ready to use.
type Emitter[T any] struct {
	mu       sync.Mutex
	nextID   uint64
	handlers []handler[T]
}

type handler[T any] struct {
	id uint64
	fn func(T)
}

// On registers fn and returns a function that removes it. Calling the
// returned function more than once is harmless.
func (e *Emitter[T]) On(fn func(T)) (off func()) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.handlers = append(e.handlers, handler[T]{id: id, fn: fn})
	e.mu.Unlock()

	return func() { e.remove(id) }
}

// Once registers fn to run for the next emission only.
func (e *Emitter[T]) Once(fn func(T)) (off func()) {
	var once sync.Once
	var remove func()
	var mu sync.Mutex

	mu.Lock()
	defer mu.Unlock()
	remove = e.On(func(v T) {
		once.Do(func() {
			mu.Lock()
			r := remove
			mu.Unlock()
			r()
			fn(v)
		})
	})
	return remove
}

// Emit calls every handler registered at the time of the call. Handlers
// run on the caller's goroutine and may register or remove handlers.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	snapshot := make([]handler[T], len(e.handlers))
	copy(snapshot, e.handlers)
	e.mu.Unlock()

	for _, h := range snapshot {
		h.fn(v)
	}
}

// Len returns the number of registered handlers.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers)
}

func (e *Emitter[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, h := range e.handlers {
		if h.id == id {
			e.handlers = append(e.handlers[:i:i], e.handlers[i+1:]...)
			return
		}
	}
}

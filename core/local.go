package core

import (
	"context"
	"sync"
)

// Local holds one value per Task, like a thread-local for Tasks. A Task's
// entry is dropped when the Task finishes.
type Local[T any] struct {
	mu     sync.Mutex
	values map[*Task]T
}

func NewLocal[T any]() *Local[T] {
	return &Local[T]{values: make(map[*Task]T)}
}

// Get returns the current Task's value.
func (l *Local[T]) Get(ctx context.Context) (T, bool) {
	var zero T
	t := GetCurrentTask(ctx)
	if t == nil {
		return zero, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.values[t]
	return v, ok
}

// Set stores v for the current Task.
func (l *Local[T]) Set(ctx context.Context, v T) error {
	t := GetCurrentTask(ctx)
	if t == nil {
		return ErrNotInTask
	}
	l.mu.Lock()
	_, known := l.values[t]
	l.values[t] = v
	l.mu.Unlock()

	if !known {
		t.OnExit(l.forget)
	}
	return nil
}

// Delete removes the current Task's value and reports whether there was one.
func (l *Local[T]) Delete(ctx context.Context) bool {
	t := GetCurrentTask(ctx)
	if t == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.values[t]
	delete(l.values, t)
	return ok
}

// Len returns the number of Tasks holding a value.
func (l *Local[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.values)
}

func (l *Local[T]) forget(t *Task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.values, t)
}

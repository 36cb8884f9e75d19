package core

import (
	"slices"
	"sync"
)

const (
	defaultQueueCap     = 16
	compactMinCap       = 64 // Don't compact if capacity is less than this
	compactShrinkFactor = 4  // Trigger compaction when len < cap/4
)

// =============================================================================
// readyQueue: the Scheduler's ordered run queue
// =============================================================================

// readyQueue holds the runnable Tasks of one Scheduler in dispatch order.
// The Task currently holding the baton stays at the head while it runs; the
// dispatch loop rotates it to the back when it yields.
//
// Only the owning goroutine mutates the queue. The mutex exists so Stats can
// read the length from other goroutines.
type readyQueue struct {
	mu    sync.Mutex
	tasks []*Task
}

func newReadyQueue() *readyQueue {
	return &readyQueue{
		tasks: make([]*Task, 0, defaultQueueCap),
	}
}

func (q *readyQueue) PushBack(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
}

// PushNext places t so that it is the next Task dispatched: directly behind
// current when current is at the head, otherwise at the head.
func (q *readyQueue) PushNext(t, current *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) > 0 && q.tasks[0] == current {
		q.tasks = slices.Insert(q.tasks, 1, t)
		return
	}
	q.tasks = slices.Insert(q.tasks, 0, t)
}

// Head returns the first Task without removing it.
func (q *readyQueue) Head() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil
	}
	return q.tasks[0]
}

// Rotate moves the head to the back.
func (q *readyQueue) Rotate() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) < 2 {
		return
	}
	head := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = append(q.tasks[1:], head)
	q.maybeCompactLocked()
}

// Remove deletes t and reports whether it was queued.
func (q *readyQueue) Remove(t *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := slices.Index(q.tasks, t)
	if i < 0 {
		return false
	}
	if i == 0 {
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
	} else {
		q.tasks = slices.Delete(q.tasks, i, i+1)
	}
	q.maybeCompactLocked()
	return true
}

func (q *readyQueue) Contains(t *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Contains(q.tasks, t)
}

// Only reports whether t is the single queued Task.
func (q *readyQueue) Only(t *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks) == 1 && q.tasks[0] == t
}

func (q *readyQueue) maybeCompactLocked() {
	n := len(q.tasks)
	c := cap(q.tasks)

	if c < compactMinCap {
		return
	}
	if n == 0 {
		q.tasks = make([]*Task, 0, defaultQueueCap)
		return
	}
	if n*compactShrinkFactor >= c {
		return
	}

	newCap := max(max(c/2, defaultQueueCap), n)

	newSlice := make([]*Task, n, newCap)
	copy(newSlice, q.tasks)
	q.tasks = newSlice
}

func (q *readyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *readyQueue) IsEmpty() bool {
	return q.Len() == 0
}

// Snapshot returns a copy of the queue in dispatch order.
func (q *readyQueue) Snapshot() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.tasks)
}

// Clear removes all tasks from the queue and releases references
func (q *readyQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = make([]*Task, 0, defaultQueueCap)
}

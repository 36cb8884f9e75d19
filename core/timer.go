package core

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// TimerFunc is invoked by the timer Task with the firing time. A returned
// error terminates the timer Task and propagates like any Task failure.
type TimerFunc func(now time.Time, t *Timer) error

// Timer fires its callback once after interval and, when period is positive,
// every period afterwards.
type Timer struct {
	callback TimerFunc
	interval time.Duration
	period   time.Duration

	mu    sync.Mutex // guards sched
	sched *Scheduler

	// guarded by sched.timers.mu
	when     time.Time
	deadline time.Time // deadline of the latest firing
	index    int
}

// NewTimer creates an unarmed Timer. A period <= 0 makes it one-shot.
func NewTimer(callback TimerFunc, interval, period time.Duration) (*Timer, error) {
	if callback == nil {
		return nil, ErrNilCallback
	}
	return &Timer{
		callback: callback,
		interval: interval,
		period:   period,
		index:    -1,
	}, nil
}

// AfterFunc arms a one-shot timer that calls fn after d on ctx's Scheduler.
func AfterFunc(ctx context.Context, d time.Duration, fn func(now time.Time)) (*Timer, error) {
	if fn == nil {
		return nil, ErrNilCallback
	}
	t, err := NewTimer(func(now time.Time, _ *Timer) error {
		fn(now)
		return nil
	}, d, 0)
	if err != nil {
		return nil, err
	}
	if err := t.Start(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Timer) Interval() time.Duration { return t.interval }
func (t *Timer) Period() time.Duration   { return t.period }

// Start arms the timer on ctx's Scheduler with deadline now + interval,
// re-arming it if it is already pending.
func (t *Timer) Start(ctx context.Context) error {
	s, err := schedulerFrom(ctx)
	if err != nil {
		return err
	}
	t.arm(s)
	s.kickTimers()
	return nil
}

// StartOn arms the timer on s from any goroutine. The timer Task of s picks
// it up at its next dispatch.
func (t *Timer) StartOn(s *Scheduler) {
	t.arm(s)
	s.Post(s.kickTimers)
}

// Stop removes the timer from its heap. It reports whether the timer was
// pending; stopping a fired or stopped timer does nothing.
func (t *Timer) Stop() bool {
	s := t.scheduler()
	if s == nil {
		return false
	}
	return s.timers.remove(t)
}

// Active reports whether the timer is waiting to fire.
func (t *Timer) Active() bool {
	s := t.scheduler()
	if s == nil {
		return false
	}
	s.timers.mu.Lock()
	defer s.timers.mu.Unlock()
	return t.index >= 0
}

// When returns the next deadline, or the zero time when the timer is not armed.
func (t *Timer) When() time.Time {
	s := t.scheduler()
	if s == nil {
		return time.Time{}
	}
	s.timers.mu.Lock()
	defer s.timers.mu.Unlock()
	if t.index < 0 {
		return time.Time{}
	}
	return t.when
}

func (t *Timer) scheduler() *Scheduler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sched
}

func (t *Timer) arm(s *Scheduler) {
	t.mu.Lock()
	prev := t.sched
	t.sched = s
	t.mu.Unlock()
	if prev != nil && prev != s {
		prev.timers.remove(t)
	}
	s.timers.add(t, time.Now().Add(t.interval))
}

// nextDeadline advances when by whole periods to the first instant strictly
// after now.
func nextDeadline(when time.Time, period time.Duration, now time.Time) time.Time {
	overdue := now.Sub(when)
	if overdue < 0 {
		return when.Add(period)
	}
	n := overdue/period + 1
	return when.Add(n * period)
}

// =============================================================================
// timerHeap: deadline-ordered timers of one Scheduler
// =============================================================================

// timerQueue implements heap.Interface
type timerQueue []*Timer

func (q timerQueue) Len() int           { return len(q) }
func (q timerQueue) Less(i, j int) bool { return q[i].when.Before(q[j].when) }
func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	n := len(*q)
	item := x.(*Timer)
	item.index = n
	*q = append(*q, item)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	item.index = -1
	*q = old[0 : n-1]
	return item
}

// timerHeap is armed from any goroutine and fired only by the owning
// Scheduler's timer Task.
type timerHeap struct {
	mu sync.Mutex
	q  timerQueue
}

func newTimerHeap() *timerHeap {
	h := &timerHeap{q: make(timerQueue, 0)}
	heap.Init(&h.q)
	return h
}

func (h *timerHeap) add(t *Timer, when time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t.index >= 0 {
		heap.Remove(&h.q, t.index)
	}
	t.when = when
	heap.Push(&h.q, t)
}

func (h *timerHeap) remove(t *Timer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t.index < 0 || t.index >= len(h.q) || h.q[t.index] != t {
		return false
	}
	heap.Remove(&h.q, t.index)
	return true
}

// popDue pops the earliest timer if its deadline has passed, re-arming
// periodic timers before returning them.
func (h *timerHeap) popDue(now time.Time) (*Timer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.q) == 0 || h.q[0].when.After(now) {
		return nil, false
	}
	t := heap.Pop(&h.q).(*Timer)
	t.deadline = t.when
	if t.period > 0 {
		t.when = nextDeadline(t.when, t.period, now)
		heap.Push(&h.q, t)
	}
	return t, true
}

// next returns the time until the earliest deadline.
func (h *timerHeap) next() (time.Duration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.q) == 0 {
		return 0, false
	}
	return time.Until(h.q[0].when), true
}

func (h *timerHeap) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.q)
}

// =============================================================================
// Timer Task
// =============================================================================

// kickTimers makes sure the timer Task is running: it is spawned lazily and
// re-inserted when it parked on an empty heap.
func (s *Scheduler) kickTimers() {
	if p := s.timerProc; p != nil && p.Alive() {
		if s.timerSleeping {
			s.timerSleeping = false
			_ = p.Insert()
		}
		return
	}
	s.timerSleeping = false
	p, err := s.Spawn("timers", s.runTimers)
	if err != nil {
		s.logger.Error("failed to start timer task", F("scheduler", s.name), F("error", err))
		return
	}
	s.timerProc = p
}

// runTimers is the timer Task. It fires due timers, yields while the next
// deadline is in the future and parks when the heap is empty.
func (s *Scheduler) runTimers(ctx context.Context) error {
	for {
		if err := s.fireDue(); err != nil {
			return err
		}

		wait, pending := s.timers.next()
		if !pending {
			s.timerSleeping = true
			err := s.ScheduleRemove()
			if errors.Is(err, ErrNoRunnableTask) {
				// Nothing can ever re-arm us; the deadlock belongs to main.
				s.escalate(err)
				continue
			}
			if err != nil {
				return err
			}
			continue
		}

		if s.ready.Only(s.current) {
			s.idleWait(wait)
		}
		if err := s.Schedule(); err != nil {
			return err
		}
	}
}

func (s *Scheduler) fireDue() error {
	for {
		now := time.Now()
		t, ok := s.timers.popDue(now)
		if !ok {
			return nil
		}
		s.timersFired.Add(1)
		s.metrics.RecordTimerFired(s.name, now.Sub(t.deadline))
		if err := t.callback(now, t); err != nil {
			s.logger.Error("timer callback failed", F("scheduler", s.name), F("error", err))
			return fmt.Errorf("tasklet: timer callback: %w", err)
		}
	}
}

// idleWait sleeps the Scheduler's goroutine until d elapses or work is posted.
func (s *Scheduler) idleWait(d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.wake:
	}
}

// escalate throws err into the main Task and makes sure it is runnable.
func (s *Scheduler) escalate(err error) {
	s.interrupt(s.main, err)
	for s.main.blocked {
		// The main Task's wait completed on another goroutine; its wake-up
		// is in flight.
		<-s.wake
		s.drainInbox()
	}
}

package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrBadInterval is returned for non-positive ticker intervals.
var ErrBadInterval = errors.New("tasklet: interval must be positive")

// Sleep blocks the current Task for d. A non-positive d is a plain yield.
func Sleep(ctx context.Context, d time.Duration) error {
	s, err := schedulerFrom(ctx)
	if err != nil {
		return err
	}
	if d <= 0 {
		return s.Schedule()
	}

	curr := s.current
	t, _ := NewTimer(func(time.Time, *Timer) error {
		s.unblock(curr, false)
		return nil
	}, d, 0)
	t.arm(s)
	s.kickTimers()

	if err := s.park(curr, t.Stop); err != nil {
		return err
	}
	return curr.takePending()
}

// =============================================================================
// Timeout
// =============================================================================

// Timeout throws an error into the Task that started it once its duration
// has elapsed. The error surfaces at that Task's current or next suspension
// point; a Task blocked on a channel or sleeping is detached from the wait.
//
// When no error is supplied the *Timeout itself is thrown; it matches
// ErrTimeout with errors.Is.
type Timeout struct {
	duration time.Duration
	err      error
	timer    *Timer
	task     *Task
	fired    bool
}

// NewTimeout creates a Timeout. err may be nil.
func NewTimeout(d time.Duration, err error) *Timeout {
	return &Timeout{duration: d, err: err}
}

func (t *Timeout) Error() string {
	return fmt.Sprintf("tasklet: timeout after %s", t.duration)
}

// Is makes every *Timeout match ErrTimeout.
func (t *Timeout) Is(target error) bool { return target == ErrTimeout }

func (t *Timeout) Duration() time.Duration { return t.duration }

// Start arms the timeout for the current Task. A non-positive duration never
// fires.
func (t *Timeout) Start(ctx context.Context) error {
	s, err := schedulerFrom(ctx)
	if err != nil {
		return err
	}
	if t.duration <= 0 {
		return nil
	}
	t.task = s.current
	t.fired = false
	if t.timer == nil {
		t.timer, _ = NewTimer(t.fire, t.duration, 0)
	}
	t.timer.arm(s)
	s.kickTimers()
	return nil
}

func (t *Timeout) fire(time.Time, *Timer) error {
	t.fired = true
	task := t.task
	if task.pending == nil && task.Alive() {
		task.pendingFrom = t
	}
	task.sched.interrupt(task, t.thrown())
	return nil
}

func (t *Timeout) thrown() error {
	if t.err != nil {
		return t.err
	}
	return t
}

// Cancel disarms the timeout. A timeout that fired but was not observed yet
// is withdrawn as well. It reports whether anything was cancelled.
func (t *Timeout) Cancel() bool {
	if t.timer == nil {
		return false
	}
	if t.timer.Stop() {
		return true
	}
	if t.fired && t.task != nil && t.task.pendingFrom == t {
		t.task.pending = nil
		t.task.pendingFrom = nil
		return true
	}
	return false
}

// Active reports whether the timeout is armed.
func (t *Timeout) Active() bool {
	return t.timer != nil && t.timer.Active()
}

// Fired reports whether the timeout has gone off.
func (t *Timeout) Fired() bool { return t.fired }

// WithTimeout runs fn with a Timeout of d armed for the current Task. If the
// timeout fires, fn observes it at its next suspension point and usually
// returns it.
func WithTimeout(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	to := NewTimeout(d, nil)
	if err := to.Start(ctx); err != nil {
		return err
	}
	defer to.Cancel()
	return fn(ctx)
}

// =============================================================================
// Ticker
// =============================================================================

// Ticker delivers the time on a channel every interval. A tick is dropped
// while the previous one has not been received.
type Ticker struct {
	ch    *Channel[time.Time]
	timer *Timer
	sched *Scheduler
}

// NewTicker starts a Ticker on ctx's Scheduler.
func NewTicker(ctx context.Context, d time.Duration) (*Ticker, error) {
	s, err := schedulerFrom(ctx)
	if err != nil {
		return nil, err
	}
	if d <= 0 {
		return nil, ErrBadInterval
	}
	tk := &Ticker{
		ch:    NewChannel[time.Time](WithCapacity(1), WithLabel("ticker")),
		sched: s,
	}
	tk.timer, _ = NewTimer(tk.tick, d, d)
	tk.timer.arm(s)
	s.kickTimers()
	return tk, nil
}

func (tk *Ticker) tick(now time.Time, _ *Timer) error {
	_ = tk.ch.offer(tk.sched, slot[time.Time]{value: now})
	return nil
}

// C returns the tick channel.
func (tk *Ticker) C() *Channel[time.Time] { return tk.ch }

// Receive waits for the next tick.
func (tk *Ticker) Receive(ctx context.Context) (time.Time, error) {
	return tk.ch.Receive(ctx)
}

// Stop disarms the ticker and closes its channel.
func (tk *Ticker) Stop() {
	tk.timer.Stop()
	tk.ch.Close()
}

package core

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
)

// =============================================================================
// Scheduler: per-thread registry of Tasks
// =============================================================================

// Scheduler interleaves the Tasks created on it. The goroutine that calls
// NewScheduler becomes the main Task; the Scheduler never runs code itself,
// it only decides which parked Task is resumed next.
//
// Scheduler methods that suspend (Schedule, ScheduleRemove, Run, Join) and the
// Task methods must be called by a Task of this Scheduler. Post, Ref, Unref,
// Stats and RecentTasks are safe from any goroutine.
type Scheduler struct {
	name         string
	logger       Logger
	metrics      Metrics
	panicHandler PanicHandler
	onSwitch     SwitchFunc
	onChannel    ChannelFunc
	history      *executionHistory
	ctx          context.Context

	main     *Task
	current  *Task
	last     *Task
	ready    *readyQueue
	runCalls []*Task
	live     map[uint64]*Task

	timers        *timerHeap
	timerProc     *Task
	timerSleeping bool

	inboxMu sync.Mutex
	inbox   []func()
	wake    chan struct{}
	refs    atomix.Int64

	runDepth      atomix.Int64
	switches      atomix.Uint64
	tasksStarted  atomix.Uint64
	tasksFinished atomix.Uint64
	tasksFailed   atomix.Uint64
	timersFired   atomix.Uint64
	deadlocks     atomix.Uint64
}

// NewScheduler creates a Scheduler with default configuration owned by the
// calling goroutine.
func NewScheduler() *Scheduler {
	return NewSchedulerWithConfig(DefaultSchedulerConfig())
}

// NewSchedulerWithConfig creates a Scheduler owned by the calling goroutine.
func NewSchedulerWithConfig(config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}

	s := &Scheduler{
		name:         config.Name,
		logger:       config.Logger,
		metrics:      config.Metrics,
		panicHandler: config.PanicHandler,
		onSwitch:     config.OnSwitch,
		onChannel:    config.OnChannel,
		history:      newExecutionHistory(config.HistoryCapacity),
		ready:        newReadyQueue(),
		live:         make(map[uint64]*Task),
		timers:       newTimerHeap(),
		wake:         make(chan struct{}, 1),
	}
	if s.name == "" {
		s.name = "scheduler"
	}
	if s.logger == nil {
		s.logger = NewNoOpLogger()
	}
	if s.metrics == nil {
		s.metrics = &NilMetrics{}
	}
	if s.panicHandler == nil {
		s.panicHandler = &DefaultPanicHandler{}
	}
	s.ctx = context.WithValue(context.Background(), schedulerKey, s)

	main := newTask(s, "main", nil)
	main.isMain = true
	main.started = true
	main.alive.Store(1)
	s.main = main
	s.current = main
	s.last = main
	s.ready.PushBack(main)
	return s
}

// Name returns the Scheduler's name.
func (s *Scheduler) Name() string { return s.name }

// Context returns the context handed to every Task of this Scheduler.
func (s *Scheduler) Context() context.Context { return s.ctx }

// Main returns the Task representing the creating goroutine.
func (s *Scheduler) Main() *Task { return s.main }

// Current returns the Task holding the baton.
func (s *Scheduler) Current() *Task { return s.current }

// RunCount returns the number of Tasks in the ready queue.
func (s *Scheduler) RunCount() int { return s.ready.Len() }

// SetSwitchCallback installs the trace callback; nil removes it.
func (s *Scheduler) SetSwitchCallback(fn SwitchFunc) { s.onSwitch = fn }

// SetChannelCallback installs the channel observer; nil removes it.
func (s *Scheduler) SetChannelCallback(fn ChannelFunc) { s.onChannel = fn }

// NewTask creates an unstarted Task. fn may be nil and bound later.
func (s *Scheduler) NewTask(label string, fn TaskFunc) *Task {
	return newTask(s, label, fn)
}

// Spawn creates a Task bound to fn and starts it.
func (s *Scheduler) Spawn(label string, fn TaskFunc) (*Task, error) {
	t := newTask(s, label, fn)
	if err := t.Start(); err != nil {
		return nil, err
	}
	return t, nil
}

// Schedule yields the baton to the next runnable Task. It returns once some
// other Task switches back, with any error thrown into the caller meanwhile.
func (s *Scheduler) Schedule() error {
	curr := s.current
	if err := s.dispatch(); err != nil {
		return err
	}
	return curr.takePending()
}

// ScheduleValue yields like Schedule and then returns v, or the current Task
// when v is nil.
func (s *Scheduler) ScheduleValue(v any) (any, error) {
	curr := s.current
	if v == nil {
		v = curr
	}
	if err := s.Schedule(); err != nil {
		return nil, err
	}
	return v, nil
}

// ScheduleRemove takes the caller out of the ready queue and yields. The
// caller stays parked until something inserts it again.
func (s *Scheduler) ScheduleRemove() error {
	curr := s.current
	s.ready.Remove(curr)
	if err := s.dispatch(); err != nil {
		if !s.ready.Contains(curr) {
			s.ready.PushBack(curr)
		}
		return err
	}
	return curr.takePending()
}

// Run drains the ready queue: it keeps dispatching other Tasks until none is
// runnable, then control returns to the caller, which is appended to the
// ready queue again. Run calls nest.
func (s *Scheduler) Run() error {
	curr := s.current
	s.runCalls = append(s.runCalls, curr)
	s.runDepth.Add(1)
	s.ready.Remove(curr)

	err := s.dispatch()

	s.dropRunCall(curr)
	if !s.ready.Contains(curr) {
		s.ready.PushBack(curr)
	}
	if err != nil {
		return err
	}
	return curr.takePending()
}

// Join runs the Scheduler until t has finished and returns t's terminal
// error. While only external events can make progress (Tasks parked on
// cross-thread channels or posted work), the calling goroutine sleeps.
func (s *Scheduler) Join(t *Task) error {
	if t == s.current {
		return ErrTaskRunning
	}
	for t.Alive() {
		if err := s.Run(); err != nil {
			return err
		}
		if !t.Alive() {
			break
		}
		if !s.ready.Only(s.current) || s.inboxPending() {
			continue
		}
		if s.refs.Load() <= 0 {
			s.recordDeadlock()
			return ErrNoRunnableTask
		}
		<-s.wake
	}
	return t.err
}

// Shutdown kills every live Task except the caller, oldest first, and returns
// the errors they ended with.
func (s *Scheduler) Shutdown() error {
	curr := s.current
	ids := slices.Sorted(maps.Keys(s.live))

	var errs []error
	for _, id := range ids {
		t, ok := s.live[id]
		if !ok || t == curr {
			continue
		}
		if err := t.Kill(); err != nil {
			errs = append(errs, fmt.Errorf("kill %s: %w", t, err))
		}
	}
	return errors.Join(errs...)
}

// Post queues fn to run on the Scheduler's goroutine at its next dispatch and
// wakes the Scheduler if it is idle. Safe from any goroutine. fn must not
// suspend.
func (s *Scheduler) Post(fn func()) {
	s.inboxMu.Lock()
	s.inbox = append(s.inbox, fn)
	s.inboxMu.Unlock()
	s.signal()
}

// Ref records an outstanding external event source. While references are
// held an idle Scheduler waits for posted work instead of reporting deadlock.
func (s *Scheduler) Ref() {
	s.refs.Add(1)
}

// Unref releases a reference taken with Ref.
func (s *Scheduler) Unref() {
	s.refs.Add(-1)
	s.signal()
}

// Stats returns a snapshot of the Scheduler's counters.
func (s *Scheduler) Stats() SchedulerStats {
	stats := SchedulerStats{
		Name:          s.name,
		Ready:         s.ready.Len(),
		RunDepth:      int(s.runDepth.Load()),
		TimersPending: s.timers.Len(),
		Refs:          s.refs.Load(),
		Switches:      s.switches.Load(),
		TasksStarted:  s.tasksStarted.Load(),
		TasksFinished: s.tasksFinished.Load(),
		TasksFailed:   s.tasksFailed.Load(),
		TimersFired:   s.timersFired.Load(),
		Deadlocks:     s.deadlocks.Load(),
	}
	if last, ok := s.history.Last(); ok {
		stats.LastTaskLabel = last.Label
		stats.LastTaskAt = last.FinishedAt
	}
	return stats
}

// RecentTasks returns up to limit finished Tasks, newest first.
func (s *Scheduler) RecentTasks(limit int) []TaskExecutionRecord {
	return s.history.Recent(limit)
}

// =============================================================================
// Dispatch internals
// =============================================================================

// dispatch picks the next Task and switches to it. Errors thrown into the
// caller stay pending.
func (s *Scheduler) dispatch() error {
	curr := s.current
	next, err := s.pickNext(curr)
	if err != nil {
		return err
	}
	return s.switchTo(curr, next)
}

// pickNext passes over curr at the head of the ready queue and returns the
// new head, or pops the innermost Run frame when the queue is empty.
func (s *Scheduler) pickNext(curr *Task) (*Task, error) {
	for {
		s.drainInbox()

		if head := s.ready.Head(); head != nil {
			if head == curr {
				s.ready.Rotate()
				head = s.ready.Head()
			}
			s.metrics.RecordReadyDepth(s.name, s.ready.Len())
			return head, nil
		}

		if n := len(s.runCalls); n > 0 {
			t := s.runCalls[n-1]
			s.runCalls = s.runCalls[:n-1]
			s.runDepth.Add(-1)
			return t, nil
		}

		if s.inboxPending() {
			continue
		}
		if s.refs.Load() > 0 {
			<-s.wake
			continue
		}

		s.recordDeadlock()
		return nil, ErrNoRunnableTask
	}
}

// switchTo transfers the baton from curr to next and parks curr until some
// Task switches back.
func (s *Scheduler) switchTo(curr, next *Task) error {
	if next.blocked {
		return ErrTaskBlocked
	}
	s.noteSwitch(next)
	if next == curr {
		return nil
	}
	s.current = next
	s.transfer(next)
	<-curr.resume
	return nil
}

// handoff transfers the baton from a finishing Task. The caller's goroutine
// must not touch the Scheduler afterwards.
func (s *Scheduler) handoff(next *Task) {
	s.noteSwitch(next)
	s.current = next
	s.transfer(next)
}

func (s *Scheduler) noteSwitch(next *Task) {
	prev := s.last
	if prev != next {
		if s.onSwitch != nil {
			s.onSwitch(prev, next)
		}
		s.switches.Add(1)
		s.metrics.RecordSwitch(s.name)
	}
	s.last = next
}

func (s *Scheduler) transfer(next *Task) {
	if !next.started {
		next.started = true
		go next.body()
		return
	}
	next.resume <- struct{}{}
}

// park blocks the current Task: it is marked blocked, leaves the ready queue
// and stays out of it until the primitive that parked it calls unblock, or
// until an interrupt detaches it. The returned error is only the dispatch
// failure; pending errors are left to the caller.
func (s *Scheduler) park(curr *Task, detach func() bool) error {
	curr.blocked = true
	curr.detach = detach
	s.ready.Remove(curr)
	if err := s.dispatch(); err != nil {
		curr.blocked = false
		curr.detach = nil
		if detach != nil {
			detach()
		}
		if !s.ready.Contains(curr) {
			s.ready.PushBack(curr)
		}
		return err
	}
	curr.detach = nil
	return nil
}

// unblock makes a parked Task runnable again. front places it so that it is
// dispatched next.
func (s *Scheduler) unblock(t *Task, front bool) {
	t.blocked = false
	t.detach = nil
	if !t.Alive() || s.ready.Contains(t) {
		return
	}
	if front {
		s.ready.PushNext(t, s.current)
		return
	}
	s.ready.PushBack(t)
}

// yield gives the Task just placed at the front its turn, keeping the caller
// queued behind it.
func (s *Scheduler) yield() {
	curr := s.current
	if !s.ready.Contains(curr) {
		s.ready.PushBack(curr)
	}
	_ = s.dispatch()
}

// interrupt throws err into t at its next resume and makes it runnable next,
// detaching it from whatever it is blocked on.
func (s *Scheduler) interrupt(t *Task, err error) {
	if !t.Alive() {
		return
	}
	if t.pending == nil {
		t.pending = err
	}
	if t == s.current {
		return
	}
	if t.blocked {
		if t.detach != nil && !t.detach() {
			return
		}
		t.blocked = false
		t.detach = nil
	}
	s.dropRunCall(t)
	s.ready.Remove(t)
	s.ready.PushNext(t, s.current)
}

// finish runs on the goroutine of a Task whose function returned and hands
// the baton on: to a killer waiting for it, otherwise to the next runnable
// Task. A failure is thrown into the Task's parent.
func (s *Scheduler) finish(t *Task, err error) {
	if isExit(err) {
		err = nil
	}
	s.retire(t, err)

	if k := t.killer; k != nil {
		t.killer = nil
		if k.Alive() {
			s.handoff(k)
			return
		}
	}

	if err != nil {
		target := t.parent
		if target == nil || !target.Alive() {
			target = s.main
		}
		s.interrupt(target, err)
	}

	next, perr := s.pickNext(nil)
	if perr != nil {
		s.escalate(perr)
		next = s.main
	}
	s.handoff(next)
}

// retire marks t dead and records it.
func (s *Scheduler) retire(t *Task, err error) {
	t.err = err
	t.started = false
	t.blocked = false
	t.detach = nil
	t.pending = nil
	t.pendingFrom = nil
	t.alive.Store(0)
	s.ready.Remove(t)
	s.dropRunCall(t)
	delete(s.live, t.id)

	hooks := t.onExit
	t.onExit = nil
	for _, fn := range hooks {
		fn(t)
	}

	finishedAt := time.Now()
	startedAt := t.startedAt
	if startedAt.IsZero() {
		startedAt = finishedAt
	}
	duration := finishedAt.Sub(startedAt)
	s.history.Add(TaskExecutionRecord{
		TaskID:        t.id,
		Label:         t.label,
		SchedulerName: s.name,
		StartedAt:     startedAt,
		FinishedAt:    finishedAt,
		Duration:      duration,
		Err:           err,
		Panicked:      t.panicked,
	})
	s.tasksFinished.Add(1)
	if err != nil {
		s.tasksFailed.Add(1)
		s.logger.Error("task failed",
			F("scheduler", s.name), F("task", t.label), F("error", err))
	}
	s.metrics.RecordTaskFinished(s.name, duration, err != nil)
	t.startedAt = time.Time{}
}

func (s *Scheduler) dropRunCall(t *Task) {
	for i := len(s.runCalls) - 1; i >= 0; i-- {
		if s.runCalls[i] == t {
			s.runCalls = slices.Delete(s.runCalls, i, i+1)
			s.runDepth.Add(-1)
			return
		}
	}
}

func (s *Scheduler) recordDeadlock() {
	s.deadlocks.Add(1)
	s.metrics.RecordDeadlock(s.name)
	s.logger.Warn("no runnable task left",
		F("scheduler", s.name), F("current", s.current.label))
}

// =============================================================================
// Inbox: work posted from other goroutines
// =============================================================================

func (s *Scheduler) drainInbox() {
	for {
		s.inboxMu.Lock()
		fns := s.inbox
		s.inbox = nil
		s.inboxMu.Unlock()
		if len(fns) == 0 {
			return
		}
		for _, fn := range fns {
			fn()
		}
	}
}

func (s *Scheduler) inboxPending() bool {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	return len(s.inbox) > 0
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// =============================================================================
// Context Helper
// =============================================================================
type schedulerKeyType struct{}

var schedulerKey schedulerKeyType

// GetCurrentScheduler returns the Scheduler carried by ctx, or nil.
func GetCurrentScheduler(ctx context.Context) *Scheduler {
	if ctx == nil {
		return nil
	}
	if v := ctx.Value(schedulerKey); v != nil {
		return v.(*Scheduler)
	}
	return nil
}

// GetCurrentTask returns the Task holding the baton of ctx's Scheduler, or nil.
func GetCurrentTask(ctx context.Context) *Task {
	if s := GetCurrentScheduler(ctx); s != nil {
		return s.current
	}
	return nil
}

func schedulerFrom(ctx context.Context) (*Scheduler, error) {
	s := GetCurrentScheduler(ctx)
	if s == nil {
		return nil, ErrNotInTask
	}
	return s, nil
}

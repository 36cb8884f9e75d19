package core

import (
	"context"
	"fmt"
	"time"

	"code.hybscloud.com/atomix"
)

// TaskFunc is the entry function of a Task. The context carries the owning
// Scheduler; every suspension point takes it.
type TaskFunc func(ctx context.Context) error

// taskSeq is the global monotonic Task id counter.
var taskSeq atomix.Uint64

// =============================================================================
// Task: the schedulable unit
// =============================================================================

// Task is a cooperatively scheduled unit of execution owned by one Scheduler.
//
// Each started Task runs on its own goroutine, but a Scheduler hands a single
// baton between them: exactly one Task of a Scheduler executes at any time and
// every other one is parked. All methods except ID, Label, Alive and String
// must be called by a Task of the owning Scheduler.
type Task struct {
	id     uint64
	label  string
	sched  *Scheduler
	fn     TaskFunc
	parent *Task
	isMain bool

	alive   atomix.Uint32
	started bool // goroutine launched for the current run
	blocked bool
	resume  chan struct{}

	// pending is delivered at the Task's next suspension point.
	pending error
	// pendingFrom identifies the Timeout that set pending, if any.
	pendingFrom *Timeout
	killer  *Task
	detach  func() bool
	err     error

	panicked  bool
	startedAt time.Time
	onExit    []func(*Task)
}

func newTask(s *Scheduler, label string, fn TaskFunc) *Task {
	id := taskSeq.Add(1)
	return &Task{
		id:     id,
		label:  resolveTaskLabel(fn, label, id),
		sched:  s,
		fn:     fn,
		resume: make(chan struct{}, 1),
	}
}

// ID returns the Task's process-wide unique id.
func (t *Task) ID() uint64 { return t.id }

// Label returns the Task's label.
func (t *Task) Label() string { return t.label }

// Scheduler returns the owning Scheduler.
func (t *Task) Scheduler() *Scheduler { return t.sched }

// Alive reports whether the Task has been started and has not finished.
// Safe to call from any goroutine.
func (t *Task) Alive() bool { return t.alive.Load() == 1 }

// Blocked reports whether a synchronization primitive has parked the Task.
func (t *Task) Blocked() bool { return t.blocked }

// IsMain reports whether t represents the Scheduler's original control flow.
func (t *Task) IsMain() bool { return t.isMain }

// Err returns the terminal error of a finished Task. The exit signal is not
// an error.
func (t *Task) Err() error { return t.err }

func (t *Task) String() string {
	return fmt.Sprintf("<task[%s, %d]>", t.label, t.id)
}

// Bind attaches the entry function. A Task can be re-bound once it has
// finished, keeping its identity.
func (t *Task) Bind(fn TaskFunc) error {
	if fn == nil {
		return ErrNilFunc
	}
	if t.Alive() {
		return ErrTaskRunning
	}
	t.fn = fn
	return nil
}

// Start schedules the Task: it becomes alive and is appended to the ready
// queue. It does not run until the Scheduler dispatches it.
func (t *Task) Start() error {
	if t.fn == nil {
		return ErrNilFunc
	}
	if t.Alive() {
		return ErrTaskRunning
	}
	s := t.sched
	t.parent = s.current
	if t.parent == s.timerProc {
		// Started from a timer callback; failures go to main.
		t.parent = nil
	}
	t.err = nil
	t.pending = nil
	t.pendingFrom = nil
	t.killer = nil
	t.panicked = false
	t.started = false
	t.alive.Store(1)
	s.live[t.id] = t
	s.tasksStarted.Add(1)
	s.ready.PushBack(t)
	return nil
}

// Insert appends the Task to the ready queue. It fails for blocked or dead
// Tasks.
func (t *Task) Insert() error {
	if t.blocked {
		return ErrTaskBlocked
	}
	if !t.Alive() {
		return ErrTaskDead
	}
	if !t.sched.ready.Contains(t) {
		t.sched.ready.PushBack(t)
	}
	return nil
}

// Remove takes the Task out of the ready queue. Blocked Tasks belong to the
// primitive that parked them and the running Task cannot remove itself.
func (t *Task) Remove() error {
	if t.blocked {
		return ErrTaskBlocked
	}
	if t == t.sched.current {
		return ErrRemoveCurrent
	}
	t.sched.ready.Remove(t)
	return nil
}

// Run inserts the Task and switches into it immediately.
func (t *Task) Run() error {
	s := t.sched
	curr := s.current
	if t == curr {
		return nil
	}
	if err := t.Insert(); err != nil {
		return err
	}
	if err := s.switchTo(curr, t); err != nil {
		return err
	}
	return curr.takePending()
}

// Kill throws the exit signal into the Task and waits until it has handled
// it. The Task is dead afterwards whatever it did with the signal. Killing a
// dead Task is a no-op. A Task killing itself gets ErrTaskletExit back and
// should return it.
func (t *Task) Kill() error {
	if t == t.sched.current {
		return ErrTaskletExit
	}
	err := t.Raise(ErrTaskletExit)
	if isExit(err) {
		return nil
	}
	return err
}

// Raise throws err into the Task at its current suspension point and switches
// to it. It returns once the Task has finished or parked again, with the
// Task's terminal error. Raising into the current Task returns err.
func (t *Task) Raise(err error) error {
	s := t.sched
	if !t.Alive() {
		return nil
	}
	if t.isMain {
		return ErrMainTask
	}
	curr := s.current
	if t == curr {
		return err
	}
	if !t.started {
		s.retire(t, nil)
		return nil
	}

	t.killer = curr
	s.interrupt(t, err)
	for t.blocked {
		// A peer on another Scheduler already completed the wait; its wake-up
		// is on the way through the inbox.
		<-s.wake
		s.drainInbox()
	}
	serr := s.switchTo(curr, t)

	t.killer = nil
	if t.Alive() {
		// The Task swallowed the signal and parked again.
		s.logger.Warn("task survived kill and was abandoned",
			F("scheduler", s.name), F("task", t.label))
		s.retire(t, nil)
	}
	if serr != nil {
		return serr
	}
	if perr := curr.takePending(); perr != nil {
		return perr
	}
	return t.err
}

// OnExit registers fn to run on the owning Scheduler when the Task finishes.
// Hooks must not suspend.
func (t *Task) OnExit(fn func(*Task)) {
	t.onExit = append(t.onExit, fn)
}

func (t *Task) takePending() error {
	err := t.pending
	t.pending = nil
	t.pendingFrom = nil
	return err
}

// body is the goroutine of a started Task. It receives the baton when the
// goroutine is launched and passes it on in finish.
func (t *Task) body() {
	var err error
	completed := false
	defer func() {
		if !completed {
			err = errTaskGoexit
		}
		t.sched.finish(t, err)
	}()
	t.startedAt = time.Now()
	err = t.invoke()
	completed = true
}

func (t *Task) invoke() (err error) {
	s := t.sched
	defer func() {
		if r := recover(); r != nil {
			pe := newPanicError(r)
			t.panicked = true
			s.panicHandler.HandlePanic(s.ctx, s.name, t.label, r, pe.Stack)
			err = pe
		}
	}()
	if perr := t.takePending(); perr != nil {
		return perr
	}
	return t.fn(s.ctx)
}

package core

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
)

// Main test items:
// 1. Run drains spawned Tasks in FIFO order and returns to the caller.
// 2. Schedule interleaves Tasks round-robin.
// 3. ScheduleRemove parks a Task until it is inserted again.
// 4. Failures and panics propagate to the parent.
// 5. Trace callback, stats and history record every switch.
// 6. Run calls nest.

type recordingPanicHandler struct {
	mu     sync.Mutex
	labels []string
	values []any
}

func (h *recordingPanicHandler) HandlePanic(ctx context.Context, schedulerName string, taskLabel string, panicInfo any, stackTrace []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.labels = append(h.labels, taskLabel)
	h.values = append(h.values, panicInfo)
}

func appendTask(log *[]string, label string) TaskFunc {
	return func(ctx context.Context) error {
		*log = append(*log, label)
		return nil
	}
}

// TestScheduler_RunDrainsReadyQueue verifies Run executes Tasks in start order
// Given: Three spawned Tasks
// When: The main Task calls Run
// Then: Each Task runs once in FIFO order and control returns to main
func TestScheduler_RunDrainsReadyQueue(t *testing.T) {
	// Arrange
	s := NewScheduler()
	var got []string
	for _, label := range []string{"a", "b", "c"} {
		if _, err := s.Spawn(label, appendTask(&got, label)); err != nil {
			t.Fatalf("Spawn(%s) error = %v", label, err)
		}
	}

	// Act
	if err := s.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Assert
	if want := []string{"a", "b", "c"}; !slices.Equal(got, want) {
		t.Fatalf("execution order = %v, want %v", got, want)
	}
	if s.Current() != s.Main() {
		t.Fatalf("Current() = %v, want main", s.Current())
	}
	if n := s.RunCount(); n != 1 {
		t.Fatalf("RunCount() = %d, want 1 (main only)", n)
	}
}

// TestScheduler_RunFollowsReadyQueueOrder verifies a yielding Task does not
// lose its place to a Task spawned after it
// Given: g appends then yields once, f appends and returns; g is spawned first
// When: The main Task calls Run
// Then: The order is g, f and g resumes after f
func TestScheduler_RunFollowsReadyQueueOrder(t *testing.T) {
	// Arrange
	s := NewScheduler()
	var got []string
	s.Spawn("g", func(ctx context.Context) error {
		got = append(got, "g")
		if err := GetCurrentScheduler(ctx).Schedule(); err != nil {
			return err
		}
		got = append(got, "g-resumed")
		return nil
	})
	s.Spawn("f", appendTask(&got, "f"))

	// Act
	if err := s.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Assert
	if want := []string{"g", "f", "g-resumed"}; !slices.Equal(got, want) {
		t.Fatalf("execution order = %v, want %v", got, want)
	}
}

// TestScheduler_ScheduleRoundRobin verifies cooperative interleaving
// Given: Two Tasks that yield after every step
// When: The Scheduler runs them
// Then: Their steps alternate
func TestScheduler_ScheduleRoundRobin(t *testing.T) {
	// Arrange
	s := NewScheduler()
	var got []string
	worker := func(label string) TaskFunc {
		return func(ctx context.Context) error {
			for i := range 3 {
				got = append(got, label+string(rune('0'+i)))
				if err := s.Schedule(); err != nil {
					return err
				}
			}
			return nil
		}
	}
	s.Spawn("a", worker("a"))
	s.Spawn("b", worker("b"))

	// Act
	if err := s.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Assert
	want := []string{"a0", "b0", "a1", "b1", "a2", "b2"}
	if !slices.Equal(got, want) {
		t.Fatalf("interleaving = %v, want %v", got, want)
	}
}

// TestScheduler_ScheduleValue verifies the value passed through a yield
func TestScheduler_ScheduleValue(t *testing.T) {
	s := NewScheduler()

	v, err := s.ScheduleValue(42)
	if err != nil || v != 42 {
		t.Fatalf("ScheduleValue(42) = %v, %v; want 42, nil", v, err)
	}

	v, err = s.ScheduleValue(nil)
	if err != nil || v != s.Main() {
		t.Fatalf("ScheduleValue(nil) = %v, %v; want main task", v, err)
	}
}

// TestScheduler_ScheduleRemove verifies a removed Task stays parked
// Given: A Task that removes itself from the ready queue
// When: Run returns and the Task is inserted again
// Then: The Task only resumes after Insert
func TestScheduler_ScheduleRemove(t *testing.T) {
	// Arrange
	s := NewScheduler()
	var steps []string
	task, _ := s.Spawn("sleeper", func(ctx context.Context) error {
		steps = append(steps, "before")
		if err := s.ScheduleRemove(); err != nil {
			return err
		}
		steps = append(steps, "after")
		return nil
	})

	// Act - first run parks the Task
	if err := s.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Assert
	if !task.Alive() {
		t.Fatal("task should still be alive after ScheduleRemove")
	}
	if want := []string{"before"}; !slices.Equal(steps, want) {
		t.Fatalf("steps = %v, want %v", steps, want)
	}

	// Act - re-insert
	if err := task.Insert(); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := s.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Assert
	if task.Alive() {
		t.Fatal("task should have finished")
	}
	if want := []string{"before", "after"}; !slices.Equal(steps, want) {
		t.Fatalf("steps = %v, want %v", steps, want)
	}
}

// TestScheduler_NestedRun verifies Run frames nest
// Given: A Task that spawns two children and calls Run itself
// When: The main Task runs the Scheduler
// Then: The inner Run returns to the Task once its children are done
func TestScheduler_NestedRun(t *testing.T) {
	s := NewScheduler()
	var got []string
	s.Spawn("outer", func(ctx context.Context) error {
		s.Spawn("b", appendTask(&got, "b"))
		s.Spawn("c", appendTask(&got, "c"))
		if err := s.Run(); err != nil {
			return err
		}
		got = append(got, "outer-after")
		return nil
	})

	if err := s.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if want := []string{"b", "c", "outer-after"}; !slices.Equal(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	if d := s.Stats().RunDepth; d != 0 {
		t.Fatalf("RunDepth = %d, want 0", d)
	}
}

// TestScheduler_FailurePropagatesToParent verifies error propagation
// Given: A Task that returns an error
// When: Its parent runs the Scheduler
// Then: The parent's Run returns the error and the Task records it
func TestScheduler_FailurePropagatesToParent(t *testing.T) {
	// Arrange
	s := NewScheduler()
	errBoom := errors.New("boom")
	task, _ := s.Spawn("failing", func(ctx context.Context) error { return errBoom })

	// Act
	err := s.Run()

	// Assert
	if !errors.Is(err, errBoom) {
		t.Fatalf("Run() error = %v, want %v", err, errBoom)
	}
	if !errors.Is(task.Err(), errBoom) {
		t.Fatalf("task.Err() = %v, want %v", task.Err(), errBoom)
	}
	if stats := s.Stats(); stats.TasksFailed != 1 {
		t.Fatalf("TasksFailed = %d, want 1", stats.TasksFailed)
	}
}

// TestScheduler_PanicBecomesError verifies panic recovery
// Given: A Task that panics and a recording PanicHandler
// When: The Scheduler runs it
// Then: The handler sees the panic and the parent gets a *PanicError
func TestScheduler_PanicBecomesError(t *testing.T) {
	// Arrange
	handler := &recordingPanicHandler{}
	config := DefaultSchedulerConfig()
	config.PanicHandler = handler
	s := NewSchedulerWithConfig(config)
	s.Spawn("panicky", func(ctx context.Context) error { panic("kaboom") })

	// Act
	err := s.Run()

	// Assert
	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("Run() error = %v, want *PanicError", err)
	}
	if pe.Value != "kaboom" {
		t.Errorf("PanicError.Value = %v, want kaboom", pe.Value)
	}
	if len(pe.Stack) == 0 {
		t.Error("PanicError.Stack should not be empty")
	}
	if len(handler.labels) != 1 || handler.labels[0] != "panicky" {
		t.Errorf("panic handler labels = %v, want [panicky]", handler.labels)
	}
	records := s.RecentTasks(1)
	if len(records) != 1 || !records[0].Panicked {
		t.Errorf("RecentTasks(1) = %+v, want one panicked record", records)
	}
}

// TestScheduler_SwitchCallbackAndStats verifies the trace callback
// Given: A switch callback and two Tasks
// When: Run executes them
// Then: Every switch is reported with its previous Task and counted in stats
func TestScheduler_SwitchCallbackAndStats(t *testing.T) {
	// Arrange
	s := NewScheduler()
	var trace []string
	s.SetSwitchCallback(func(prev, next *Task) {
		trace = append(trace, prev.Label()+"->"+next.Label())
	})
	var got []string
	s.Spawn("a", appendTask(&got, "a"))
	s.Spawn("b", appendTask(&got, "b"))

	// Act
	if err := s.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Assert
	want := []string{"main->a", "a->b", "b->main"}
	if !slices.Equal(trace, want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
	stats := s.Stats()
	if stats.Switches != 3 {
		t.Errorf("Switches = %d, want 3", stats.Switches)
	}
	if stats.TasksStarted != 2 || stats.TasksFinished != 2 {
		t.Errorf("TasksStarted/TasksFinished = %d/%d, want 2/2", stats.TasksStarted, stats.TasksFinished)
	}
	if stats.LastTaskLabel != "b" {
		t.Errorf("LastTaskLabel = %q, want b", stats.LastTaskLabel)
	}
	records := s.RecentTasks(10)
	if len(records) != 2 || records[0].Label != "b" || records[1].Label != "a" {
		t.Errorf("RecentTasks(10) = %+v, want [b a]", records)
	}
}

// TestScheduler_JoinWaitsForTask verifies Join returns after the Task ends
func TestScheduler_JoinWaitsForTask(t *testing.T) {
	s := NewScheduler()
	steps := 0
	task, _ := s.Spawn("stepper", func(ctx context.Context) error {
		for range 5 {
			steps++
			if err := s.Schedule(); err != nil {
				return err
			}
		}
		return nil
	})

	if err := s.Join(task); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if task.Alive() || steps != 5 {
		t.Fatalf("after Join: alive=%v steps=%d, want false/5", task.Alive(), steps)
	}
	if err := s.Join(s.Main()); !errors.Is(err, ErrTaskRunning) {
		t.Fatalf("Join(main) error = %v, want %v", err, ErrTaskRunning)
	}
}

// TestScheduler_JoinReportsDeadlock verifies Join on a Task that can never
// finish
// Given: A Task waiting on a channel nobody sends to
// When: The main Task joins it
// Then: Join fails with ErrNoRunnableTask and the deadlock is counted
func TestScheduler_JoinReportsDeadlock(t *testing.T) {
	s := NewScheduler()
	ch := NewChannel[int]()
	task, _ := s.Spawn("stuck", func(ctx context.Context) error {
		_, err := ch.Receive(ctx)
		return err
	})

	err := s.Join(task)

	if !errors.Is(err, ErrNoRunnableTask) {
		t.Fatalf("Join() error = %v, want %v", err, ErrNoRunnableTask)
	}
	if d := s.Stats().Deadlocks; d != 1 {
		t.Fatalf("Deadlocks = %d, want 1", d)
	}
	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if task.Alive() {
		t.Fatal("task should be dead after Shutdown")
	}
}

// TestScheduler_ShutdownKillsLiveTasks verifies Shutdown
func TestScheduler_ShutdownKillsLiveTasks(t *testing.T) {
	s := NewScheduler()
	ch := NewChannel[int]()
	var exits []string
	var tasks []*Task
	for _, label := range []string{"r1", "r2", "r3"} {
		task, _ := s.Spawn(label, func(ctx context.Context) error {
			_, err := ch.Receive(ctx)
			exits = append(exits, label)
			return err
		})
		tasks = append(tasks, task)
	}
	if err := s.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if b := ch.Balance(); b != -3 {
		t.Fatalf("Balance() = %d, want -3", b)
	}

	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	for _, task := range tasks {
		if task.Alive() {
			t.Errorf("%v still alive after Shutdown", task)
		}
	}
	if want := []string{"r1", "r2", "r3"}; !slices.Equal(exits, want) {
		t.Errorf("exit order = %v, want %v", exits, want)
	}
	if b := ch.Balance(); b != 0 {
		t.Errorf("Balance() = %d, want 0", b)
	}
}

// TestScheduler_ContextHelpers verifies the context accessors
func TestScheduler_ContextHelpers(t *testing.T) {
	if GetCurrentScheduler(context.Background()) != nil {
		t.Fatal("GetCurrentScheduler(background) should be nil")
	}
	if GetCurrentTask(context.Background()) != nil {
		t.Fatal("GetCurrentTask(background) should be nil")
	}

	s := NewScheduler()
	var seen *Task
	task, _ := s.Spawn("probe", func(ctx context.Context) error {
		seen = GetCurrentTask(ctx)
		if GetCurrentScheduler(ctx) != s {
			return errors.New("wrong scheduler in context")
		}
		return nil
	})
	if err := s.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if seen != task {
		t.Fatalf("GetCurrentTask inside task = %v, want %v", seen, task)
	}
}

// TestScheduler_PostRunsOnOwner verifies work posted from another goroutine
// runs at the next dispatch
func TestScheduler_PostRunsOnOwner(t *testing.T) {
	s := NewScheduler()
	ran := make(chan struct{})
	var got []string

	go func() {
		s.Post(func() { got = append(got, "posted") })
		close(ran)
	}()
	<-ran

	if err := s.Schedule(); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if want := []string{"posted"}; !slices.Equal(got, want) {
		t.Fatalf("got = %v, want %v", got, want)
	}
}

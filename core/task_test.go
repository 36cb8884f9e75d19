package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
)

// Main test items:
// 1. Bind/Start/Insert/Remove state checks.
// 2. Kill of yielding, blocked, unstarted and self Tasks.
// 3. Raise delivers a custom error.
// 4. Task.Run switches immediately.
// 5. Tasks can be re-bound and restarted after finishing.

// TestTask_LifecycleErrors verifies the guard errors of the Task API
func TestTask_LifecycleErrors(t *testing.T) {
	s := NewScheduler()

	unbound := s.NewTask("unbound", nil)
	if err := unbound.Start(); !errors.Is(err, ErrNilFunc) {
		t.Errorf("Start() on unbound task error = %v, want %v", err, ErrNilFunc)
	}
	if err := unbound.Bind(nil); !errors.Is(err, ErrNilFunc) {
		t.Errorf("Bind(nil) error = %v, want %v", err, ErrNilFunc)
	}
	if err := unbound.Insert(); !errors.Is(err, ErrTaskDead) {
		t.Errorf("Insert() on dead task error = %v, want %v", err, ErrTaskDead)
	}

	noop := func(ctx context.Context) error { return nil }
	if err := unbound.Bind(noop); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if err := unbound.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := unbound.Start(); !errors.Is(err, ErrTaskRunning) {
		t.Errorf("second Start() error = %v, want %v", err, ErrTaskRunning)
	}
	if err := unbound.Bind(noop); !errors.Is(err, ErrTaskRunning) {
		t.Errorf("Bind() on alive task error = %v, want %v", err, ErrTaskRunning)
	}
	if err := s.Main().Remove(); !errors.Is(err, ErrRemoveCurrent) {
		t.Errorf("Remove() on current task error = %v, want %v", err, ErrRemoveCurrent)
	}

	// Remove keeps the Task alive but out of the queue.
	if err := unbound.Remove(); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := s.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !unbound.Alive() {
		t.Fatal("removed task should not have run")
	}
	if err := unbound.Insert(); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := s.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if unbound.Alive() {
		t.Fatal("inserted task should have finished")
	}
}

// TestTask_StringAndLabel verifies identity accessors
func TestTask_StringAndLabel(t *testing.T) {
	s := NewScheduler()
	named := s.NewTask("worker", nil)
	anon := s.NewTask("", nil)

	if named.Label() != "worker" {
		t.Errorf("Label() = %q, want worker", named.Label())
	}
	if want := fmt.Sprintf("task-%d", anon.ID()); anon.Label() != want {
		t.Errorf("Label() = %q, want %q", anon.Label(), want)
	}
	if !strings.Contains(named.String(), "worker") {
		t.Errorf("String() = %q, want it to contain the label", named.String())
	}
	if named.ID() == anon.ID() {
		t.Error("task ids must be unique")
	}
	if !s.Main().IsMain() || named.IsMain() {
		t.Error("IsMain() mismatch")
	}
	if named.Scheduler() != s {
		t.Error("Scheduler() should return the owner")
	}
}

// TestTask_KillYieldingTask verifies Kill of a runnable Task
// Given: A Task looping on Schedule
// When: The main Task kills it
// Then: The Task observes ErrTaskletExit, runs its cleanup and dies
func TestTask_KillYieldingTask(t *testing.T) {
	// Arrange
	s := NewScheduler()
	cleaned := false
	var seen error
	task, _ := s.Spawn("looper", func(ctx context.Context) error {
		defer func() { cleaned = true }()
		for {
			if err := s.Schedule(); err != nil {
				seen = err
				return err
			}
		}
	})
	if err := s.Schedule(); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	// Act
	err := task.Kill()

	// Assert
	if err != nil {
		t.Fatalf("Kill() error = %v", err)
	}
	if task.Alive() {
		t.Fatal("task should be dead after Kill")
	}
	if !cleaned {
		t.Fatal("deferred cleanup did not run")
	}
	if !errors.Is(seen, ErrTaskletExit) {
		t.Fatalf("task observed %v, want %v", seen, ErrTaskletExit)
	}
	if task.Err() != nil {
		t.Fatalf("Err() = %v, want nil for a killed task", task.Err())
	}

	// Killing a dead task is a no-op.
	if err := task.Kill(); err != nil {
		t.Fatalf("Kill() on dead task error = %v", err)
	}
}

// TestTask_KillBlockedTask verifies Kill detaches a Task from a channel
func TestTask_KillBlockedTask(t *testing.T) {
	s := NewScheduler()
	ch := NewChannel[string]()
	var seen error
	task, _ := s.Spawn("receiver", func(ctx context.Context) error {
		_, err := ch.Receive(ctx)
		seen = err
		return err
	})
	if err := s.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !task.Blocked() {
		t.Fatal("task should be blocked on the channel")
	}

	if err := task.Kill(); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}

	if !errors.Is(seen, ErrTaskletExit) {
		t.Fatalf("Receive() returned %v, want %v", seen, ErrTaskletExit)
	}
	if task.Alive() || task.Blocked() {
		t.Fatal("task should be dead and unblocked")
	}
	if b := ch.Balance(); b != 0 {
		t.Fatalf("Balance() = %d, want 0", b)
	}
}

// TestTask_KillUnstartedTask verifies a Task killed before its first run
// never runs
func TestTask_KillUnstartedTask(t *testing.T) {
	s := NewScheduler()
	ran := false
	task, _ := s.Spawn("never", func(ctx context.Context) error {
		ran = true
		return nil
	})

	if err := task.Kill(); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}
	if err := s.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if ran || task.Alive() {
		t.Fatalf("ran=%v alive=%v, want false/false", ran, task.Alive())
	}
}

// TestTask_KillSelf verifies a Task killing itself gets the exit signal back
func TestTask_KillSelf(t *testing.T) {
	s := NewScheduler()
	var seen error
	task, _ := s.Spawn("suicidal", func(ctx context.Context) error {
		seen = GetCurrentTask(ctx).Kill()
		return seen
	})

	if err := s.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !errors.Is(seen, ErrTaskletExit) {
		t.Fatalf("Kill() on self = %v, want %v", seen, ErrTaskletExit)
	}
	if task.Alive() || task.Err() != nil {
		t.Fatalf("alive=%v err=%v, want false/nil", task.Alive(), task.Err())
	}
}

// TestTask_RaiseCustomError verifies Raise returns the Task's terminal error
// Given: A Task that wraps whatever error reaches it
// When: Raise throws a custom error into it
// Then: Raise returns the wrapped error and the parent is not interrupted
func TestTask_RaiseCustomError(t *testing.T) {
	// Arrange
	s := NewScheduler()
	errStop := errors.New("stop")
	task, _ := s.Spawn("handler", func(ctx context.Context) error {
		for {
			if err := s.Schedule(); err != nil {
				return fmt.Errorf("handler stopped: %w", err)
			}
		}
	})
	if err := s.Schedule(); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	// Act
	err := task.Raise(errStop)

	// Assert
	if !errors.Is(err, errStop) {
		t.Fatalf("Raise() = %v, want wrapping %v", err, errStop)
	}
	if task.Alive() {
		t.Fatal("task should be dead")
	}
	if err := s.Schedule(); err != nil {
		t.Fatalf("main should not be interrupted, Schedule() error = %v", err)
	}
}

// TestTask_RaiseIntoMainFails verifies the main Task cannot be raised into
func TestTask_RaiseIntoMainFails(t *testing.T) {
	s := NewScheduler()
	var got error
	s.Spawn("raiser", func(ctx context.Context) error {
		got = s.Main().Raise(errors.New("nope"))
		return nil
	})

	if err := s.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !errors.Is(got, ErrMainTask) {
		t.Fatalf("Raise(main) = %v, want %v", got, ErrMainTask)
	}
}

// TestTask_RunSwitchesImmediately verifies Task.Run bypasses the queue order
func TestTask_RunSwitchesImmediately(t *testing.T) {
	s := NewScheduler()
	var got []string
	s.Spawn("first", appendTask(&got, "first"))
	second, _ := s.Spawn("second", appendTask(&got, "second"))

	if err := second.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got = append(got, "main")
	if err := s.Run(); err != nil {
		t.Fatalf("Scheduler.Run() error = %v", err)
	}

	if want := []string{"second", "main", "first"}; !slices.Equal(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

// TestTask_RestartKeepsIdentity verifies a finished Task can run again
func TestTask_RestartKeepsIdentity(t *testing.T) {
	s := NewScheduler()
	runs := 0
	task, _ := s.Spawn("again", func(ctx context.Context) error {
		runs++
		return nil
	})
	id := task.ID()

	for range 2 {
		if err := s.Run(); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if task.Alive() {
			t.Fatal("task should have finished")
		}
		if runs < 2 {
			if err := task.Start(); err != nil {
				t.Fatalf("restart error = %v", err)
			}
		}
	}

	if runs != 2 || task.ID() != id {
		t.Fatalf("runs=%d id=%d, want 2/%d", runs, task.ID(), id)
	}
}

// TestTask_OnExitHooks verifies exit hooks run once the Task finishes
func TestTask_OnExitHooks(t *testing.T) {
	s := NewScheduler()
	var order []string
	task := s.NewTask("hooked", func(ctx context.Context) error {
		order = append(order, "body")
		return nil
	})
	task.OnExit(func(*Task) { order = append(order, "hook1") })
	task.OnExit(func(*Task) { order = append(order, "hook2") })
	task.Start()

	if err := s.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if want := []string{"body", "hook1", "hook2"}; !slices.Equal(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
}

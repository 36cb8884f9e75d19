package core

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// PanicHandler: Interface for handling task panics
// =============================================================================

// PanicHandler is called when a Task function panics.
// The panic is recovered and the Task fails with a *PanicError; the handler
// only observes it.
//
// Implementations should be thread-safe: Schedulers driven by different
// goroutines may share one handler.
type PanicHandler interface {
	// HandlePanic is called when a task panics.
	//
	// Parameters:
	// - ctx: The context of the panicked task (carries its Scheduler)
	// - schedulerName: The name of the Scheduler owning the task
	// - taskLabel: The label of the panicked task
	// - panicInfo: The panic value recovered from the task
	// - stackTrace: The stack trace at the time of panic
	HandlePanic(ctx context.Context, schedulerName string, taskLabel string, panicInfo any, stackTrace []byte)
}

// DefaultPanicHandler provides a basic panic handler that logs to stdout.
type DefaultPanicHandler struct{}

// HandlePanic prints panic information to stdout.
func (h *DefaultPanicHandler) HandlePanic(ctx context.Context, schedulerName string, taskLabel string, panicInfo any, stackTrace []byte) {
	fmt.Printf("[Task %s @ %s] Panic: %v\nStack trace:\n%s",
		taskLabel, schedulerName, panicInfo, stackTrace)
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics defines the interface for collecting scheduler metrics.
// Implementations can send metrics to monitoring systems (Prometheus, StatsD, etc.).
//
// Methods are called on the Scheduler's own goroutine while it holds the
// baton, so they must be non-blocking and fast.
type Metrics interface {
	// RecordSwitch records a context switch between two different Tasks.
	RecordSwitch(schedulerName string)

	// RecordTaskFinished records that a task terminated.
	//
	// Parameters:
	// - schedulerName: The name of the Scheduler
	// - duration: Time between the task's first resume and its termination
	// - failed: Whether the task ended with an error other than the exit signal
	RecordTaskFinished(schedulerName string, duration time.Duration, failed bool)

	// RecordReadyDepth records the current ready-queue length.
	RecordReadyDepth(schedulerName string, depth int)

	// RecordTimerFired records that a timer callback was invoked.
	//
	// Parameters:
	// - schedulerName: The name of the Scheduler
	// - lateness: How far past its deadline the timer fired
	RecordTimerFired(schedulerName string, lateness time.Duration)

	// RecordDeadlock records that the Scheduler found nothing runnable.
	RecordDeadlock(schedulerName string)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

// RecordSwitch is a no-op.
func (m *NilMetrics) RecordSwitch(schedulerName string) {}

// RecordTaskFinished is a no-op.
func (m *NilMetrics) RecordTaskFinished(schedulerName string, duration time.Duration, failed bool) {
}

// RecordReadyDepth is a no-op.
func (m *NilMetrics) RecordReadyDepth(schedulerName string, depth int) {}

// RecordTimerFired is a no-op.
func (m *NilMetrics) RecordTimerFired(schedulerName string, lateness time.Duration) {}

// RecordDeadlock is a no-op.
func (m *NilMetrics) RecordDeadlock(schedulerName string) {}

// =============================================================================
// Observer callbacks
// =============================================================================

// SwitchFunc observes a context switch. prev is the Task last switched into,
// the main Task before the first switch.
type SwitchFunc func(prev, next *Task)

// ChannelFunc observes a channel operation before it takes effect.
type ChannelFunc func(channel string, task *Task, sending bool, willBlock bool)

// =============================================================================
// SchedulerConfig: Configuration for Scheduler
// =============================================================================

// SchedulerConfig holds configuration options for a Scheduler.
// All handlers are optional; if not provided, default implementations will be used.
type SchedulerConfig struct {
	// Name identifies the Scheduler in logs and metrics. Defaults to "scheduler".
	Name string

	// Logger receives task failures, recovered panics and deadlocks. Defaults to NoOpLogger.
	Logger Logger

	// PanicHandler is called when a task panics. Defaults to DefaultPanicHandler.
	PanicHandler PanicHandler

	// Metrics is called to record scheduler metrics. Defaults to NilMetrics.
	Metrics Metrics

	// HistoryCapacity bounds the finished-task ring buffer.
	HistoryCapacity int

	// OnSwitch is the trace callback invoked on every switch to a new Task.
	OnSwitch SwitchFunc

	// OnChannel observes every channel operation performed on this Scheduler.
	OnChannel ChannelFunc
}

// DefaultSchedulerConfig returns a config with default handlers.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		Name:            "scheduler",
		Logger:          NewNoOpLogger(),
		PanicHandler:    &DefaultPanicHandler{},
		Metrics:         &NilMetrics{},
		HistoryCapacity: defaultTaskHistoryCapacity,
	}
}

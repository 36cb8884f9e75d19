package core

import "time"

// TaskExecutionRecord captures a finished task.
type TaskExecutionRecord struct {
	TaskID        uint64
	Label         string
	SchedulerName string
	StartedAt     time.Time
	FinishedAt    time.Time
	Duration      time.Duration
	Err           error
	Panicked      bool
}

// SchedulerStats represents runtime observability state for a Scheduler.
// It is safe to take from any goroutine.
type SchedulerStats struct {
	Name          string
	Ready         int
	RunDepth      int
	TimersPending int
	Refs          int64
	Switches      uint64
	TasksStarted  uint64
	TasksFinished uint64
	TasksFailed   uint64
	TimersFired   uint64
	Deadlocks     uint64
	LastTaskLabel string
	LastTaskAt    time.Time
}

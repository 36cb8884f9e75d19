package tasklet

import "github.com/Swind/go-tasklet/core"

// Re-export commonly used types from core package for convenience.
// This allows users to import only the tasklet package for most use cases.

// Task is a cooperative micro-thread
type Task = core.Task

// TaskFunc is the body of a Task
type TaskFunc = core.TaskFunc

// Scheduler drives the Tasks owned by one goroutine
type Scheduler = core.Scheduler

// SchedulerConfig configures a Scheduler
type SchedulerConfig = core.SchedulerConfig

// SchedulerStats is a Scheduler snapshot
type SchedulerStats = core.SchedulerStats

// Channel is a synchronous message channel between Tasks
type Channel[T any] = core.Channel[T]

// ChannelOption configures a Channel
type ChannelOption = core.ChannelOption

// Preference selects which side of a channel hand-off keeps running
type Preference = core.Preference

// Bomb carries an error through a Channel
type Bomb = core.Bomb

// Timer fires a callback on a Scheduler
type Timer = core.Timer

// Timeout raises an error into a Task after a duration
type Timeout = core.Timeout

// Ticker delivers periodic ticks on a Channel
type Ticker = core.Ticker

// Local holds one value per Task
type Local[T any] = core.Local[T]

// PanicError wraps a recovered panic
type PanicError = core.PanicError

// Re-export Preference constants
const (
	PreferReceiver = core.PreferReceiver
	PreferNeither  = core.PreferNeither
	PreferSender   = core.PreferSender
)

// Re-export constructors and helpers
var (
	NewScheduler           = core.NewScheduler
	NewSchedulerWithConfig = core.NewSchedulerWithConfig
	DefaultSchedulerConfig = core.DefaultSchedulerConfig
	GetCurrentScheduler    = core.GetCurrentScheduler
	GetCurrentTask         = core.GetCurrentTask
	NewBomb                = core.NewBomb
	NewTimer               = core.NewTimer
	AfterFunc              = core.AfterFunc
	Sleep                  = core.Sleep
	NewTimeout             = core.NewTimeout
	WithTimeout            = core.WithTimeout
	NewTicker              = core.NewTicker
	WithLabel              = core.WithLabel
	WithCapacity           = core.WithCapacity
	WithPreference         = core.WithPreference
	WithScheduleAll        = core.WithScheduleAll
	WithCrossThread        = core.WithCrossThread
)

// NewChannel creates a Channel. Generic functions cannot be aliased as
// variables.
func NewChannel[T any](opts ...ChannelOption) *Channel[T] {
	return core.NewChannel[T](opts...)
}

// NewLocal creates an empty per-Task value.
func NewLocal[T any]() *Local[T] {
	return core.NewLocal[T]()
}

// Re-export error sentinels
var (
	ErrTaskletExit    = core.ErrTaskletExit
	ErrNoRunnableTask = core.ErrNoRunnableTask
	ErrTaskDead       = core.ErrTaskDead
	ErrNotInTask      = core.ErrNotInTask
	ErrChannelClosed  = core.ErrChannelClosed
	ErrTimeout        = core.ErrTimeout
)

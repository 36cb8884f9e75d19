package core

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
)

var (
	// ErrTaskletExit is the exit signal thrown into a Task by Kill.
	// A Task function that returns it (or lets a suspension point return it)
	// terminates normally.
	ErrTaskletExit = errors.New("tasklet: exit")

	// ErrNoRunnableTask is returned when a Scheduler finds neither a runnable
	// Task nor a pending Run frame: every Task is blocked.
	ErrNoRunnableTask = errors.New("tasklet: no runnable task left (deadlock)")

	ErrNilFunc       = errors.New("tasklet: task function must not be nil")
	ErrTaskRunning   = errors.New("tasklet: task is running")
	ErrTaskBlocked   = errors.New("tasklet: task is blocked")
	ErrTaskDead      = errors.New("tasklet: task is not alive")
	ErrRemoveCurrent = errors.New("tasklet: the current task cannot be removed")
	ErrMainTask      = errors.New("tasklet: operation not allowed on the main task")
	ErrNotInTask     = errors.New("tasklet: context does not belong to a scheduler")
	ErrNilCallback   = errors.New("tasklet: timer callback must not be nil")
	ErrChannelClosed = errors.New("tasklet: channel is closed")

	// ErrTimeout matches every *Timeout thrown into a Task.
	ErrTimeout = errors.New("tasklet: timeout")

	errTaskGoexit = errors.New("tasklet: task goroutine exited without returning")
)

// PanicError is the error a Task fails with when its function panics.
type PanicError struct {
	Value any
	Stack []byte
}

func newPanicError(v any) *PanicError {
	return &PanicError{Value: v, Stack: debug.Stack()}
}

func (e *PanicError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "tasklet: panic: %v", e.Value)
	if len(e.Stack) != 0 {
		b.WriteString("\n\n")
		b.Write(e.Stack)
	}
	return b.String()
}

// Unwrap exposes the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// isExit reports whether err is the exit signal, which ends a Task normally.
func isExit(err error) bool {
	return err != nil && errors.Is(err, ErrTaskletExit)
}

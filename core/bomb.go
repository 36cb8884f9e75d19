package core

import (
	"errors"
	"runtime/debug"
)

var errEmptyBomb = errors.New("tasklet: bomb carries no error")

// Bomb is an inert error travelling through a Channel like ordinary data.
// It is raised again, as the error it wraps, when a receiver consumes it.
type Bomb struct {
	err   error
	stack []byte
}

// NewBomb wraps err together with the stack of the caller.
func NewBomb(err error) *Bomb {
	if err == nil {
		err = errEmptyBomb
	}
	return &Bomb{err: err, stack: debug.Stack()}
}

func (b *Bomb) Error() string { return b.err.Error() }

// Unwrap returns the wrapped error.
func (b *Bomb) Unwrap() error { return b.err }

// Stack returns the stack captured when the bomb was made.
func (b *Bomb) Stack() []byte { return b.stack }

// Raise returns the wrapped error unchanged.
func (b *Bomb) Raise() error { return b.err }

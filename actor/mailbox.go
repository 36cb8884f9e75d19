package actor

import (
	"context"
	"sync"

	"github.com/Swind/go-tasklet/core"
)

// Mailbox is a FIFO buffer in front of a Channel. Send never blocks the
// sender: a message goes straight to a waiting receiver or is queued.
// Receive blocks the owner's Task until a message is available.
//
// Receive must be called by Tasks of the owning Scheduler. Send may be called
// from anywhere; deliveries from other Schedulers or goroutines are posted to
// the owner.
type Mailbox[T any] struct {
	owner *core.Scheduler
	ch    *core.Channel[T]

	mu       sync.Mutex
	messages []T
}

// NewMailbox creates a Mailbox owned by s. opts configure the underlying
// channel; pass core.WithCrossThread when other Schedulers deliver to it.
func NewMailbox[T any](s *core.Scheduler, opts ...core.ChannelOption) *Mailbox[T] {
	return &Mailbox[T]{
		owner: s,
		ch:    core.NewChannel[T](append([]core.ChannelOption{core.WithLabel("mailbox")}, opts...)...),
	}
}

// Owner returns the Scheduler whose Tasks receive from the mailbox.
func (m *Mailbox[T]) Owner() *core.Scheduler { return m.owner }

// Send delivers msg without blocking.
func (m *Mailbox[T]) Send(ctx context.Context, msg T) error {
	if core.GetCurrentScheduler(ctx) != m.owner {
		m.owner.Post(func() { m.deliver(msg) })
		return nil
	}
	if m.ch.Balance() < 0 {
		// A receiver is parked, so the send pairs at once.
		return m.ch.Send(ctx, msg)
	}
	m.push(msg)
	return nil
}

// deliver runs on the owner's goroutine outside any suspension point.
func (m *Mailbox[T]) deliver(msg T) {
	if m.ch.Balance() < 0 && m.ch.TrySend(msg) == nil {
		return
	}
	m.push(msg)
}

func (m *Mailbox[T]) push(msg T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
}

// Receive returns the oldest queued message or waits for the next one.
func (m *Mailbox[T]) Receive(ctx context.Context) (T, error) {
	if msg, ok := m.pop(); ok {
		return msg, nil
	}
	return m.ch.Receive(ctx)
}

func (m *Mailbox[T]) pop() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero T
	if len(m.messages) == 0 {
		return zero, false
	}
	msg := m.messages[0]
	m.messages[0] = zero
	m.messages = m.messages[1:]
	return msg, true
}

// Flush removes and returns every queued message.
func (m *Mailbox[T]) Flush() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.messages
	m.messages = nil
	return out
}

// Len returns the number of queued messages.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// Clear drops every queued message.
func (m *Mailbox[T]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}

// Package actor layers addressed, non-blocking messaging on top of the core
// runtime: every actor is a Task with a Mailbox, reachable through a Ref.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"github.com/Swind/go-tasklet/core"
)

var (
	ErrUnknownActor = errors.New("actor: unknown or dead actor")
	ErrUnknownName  = errors.New("actor: unknown name")
	ErrNameTaken    = errors.New("actor: name already registered")
)

// Ref addresses an actor. The zero Ref addresses nobody.
type Ref struct {
	id uint64
}

func (r Ref) ID() uint64     { return r.id }
func (r Ref) IsZero() bool   { return r.id == 0 }
func (r Ref) String() string { return fmt.Sprintf("<actor:%d>", r.id) }

// Message is what actors exchange.
type Message struct {
	From Ref
	Body any
}

// Func is an actor body.
type Func func(ctx context.Context, self *Actor) error

// Actor is a Task with a mailbox.
type Actor struct {
	ref     Ref
	task    *core.Task
	mailbox *Mailbox[Message]

	// pending is set while a delayed spawn has not started the Task yet.
	pending atomix.Uint32
}

func (a *Actor) Ref() Ref                   { return a.ref }
func (a *Actor) Task() *core.Task           { return a.task }
func (a *Actor) Mailbox() *Mailbox[Message] { return a.mailbox }
func (a *Actor) String() string             { return a.ref.String() }

// Alive reports whether the actor can still receive messages.
func (a *Actor) Alive() bool {
	return a.pending.Load() == 1 || a.task.Alive()
}

// Receive waits for the next message.
func (a *Actor) Receive(ctx context.Context) (Message, error) {
	return a.mailbox.Receive(ctx)
}

// Flush removes and returns all queued messages.
func (a *Actor) Flush() []Message {
	return a.mailbox.Flush()
}

// =============================================================================
// System
// =============================================================================

// Option configures a System.
type Option func(*System)

// WithCrossThreadMailboxes lets actors on one Scheduler wait for messages
// sent from other Schedulers without the owner reporting deadlock.
func WithCrossThreadMailboxes() Option {
	return func(s *System) { s.crossThread = true }
}

// WithRegistry shares a registry between systems.
func WithRegistry(r *Registry) Option {
	return func(s *System) { s.registry = r }
}

// System creates actors and routes messages between them.
type System struct {
	registry    *Registry
	crossThread bool
	refSeq      atomix.Uint64

	mu     sync.Mutex
	byTask map[*core.Task]*Actor
}

func NewSystem(opts ...Option) *System {
	s := &System{byTask: make(map[*core.Task]*Actor)}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = NewRegistry()
	}
	return s
}

// Registry returns the system's registry.
func (s *System) Registry() *Registry { return s.registry }

// Spawn starts fn as a new actor on ctx's Scheduler.
func (s *System) Spawn(ctx context.Context, fn Func) (Ref, error) {
	a, err := s.newActor(ctx, fn)
	if err != nil {
		return Ref{}, err
	}
	if err := a.task.Start(); err != nil {
		s.forget(a)
		return Ref{}, err
	}
	return a.ref, nil
}

// SpawnAfter creates the actor now and starts it after d. Messages sent in
// the meantime are queued.
func (s *System) SpawnAfter(ctx context.Context, d time.Duration, fn Func) (Ref, error) {
	a, err := s.newActor(ctx, fn)
	if err != nil {
		return Ref{}, err
	}
	a.pending.Store(1)
	_, err = core.AfterFunc(ctx, d, func(time.Time) {
		a.pending.Store(0)
		if err := a.task.Start(); err != nil {
			s.forget(a)
		}
	})
	if err != nil {
		a.pending.Store(0)
		s.forget(a)
		return Ref{}, err
	}
	return a.ref, nil
}

func (s *System) newActor(ctx context.Context, fn Func) (*Actor, error) {
	if fn == nil {
		return nil, core.ErrNilFunc
	}
	sched := core.GetCurrentScheduler(ctx)
	if sched == nil {
		return nil, core.ErrNotInTask
	}
	a := &Actor{
		ref:     Ref{id: s.refSeq.Add(1)},
		mailbox: s.newMailbox(sched),
	}
	a.task = sched.NewTask(a.ref.String(), func(ctx context.Context) error {
		return fn(ctx, a)
	})
	s.adopt(a)
	return a, nil
}

func (s *System) newMailbox(sched *core.Scheduler) *Mailbox[Message] {
	if s.crossThread {
		return NewMailbox[Message](sched, core.WithCrossThread())
	}
	return NewMailbox[Message](sched)
}

func (s *System) adopt(a *Actor) {
	s.mu.Lock()
	s.byTask[a.task] = a
	s.mu.Unlock()
	s.registry.Insert(a)
	a.task.OnExit(func(*core.Task) { s.forget(a) })
}

func (s *System) forget(a *Actor) {
	s.mu.Lock()
	delete(s.byTask, a.task)
	s.mu.Unlock()
	s.registry.Remove(a.ref)
}

// Wrap returns the actor of the current Task, turning the Task into one if
// needed.
func (s *System) Wrap(ctx context.Context) (*Actor, error) {
	t := core.GetCurrentTask(ctx)
	if t == nil {
		return nil, core.ErrNotInTask
	}
	s.mu.Lock()
	a, ok := s.byTask[t]
	s.mu.Unlock()
	if ok {
		return a, nil
	}
	a = &Actor{
		ref:     Ref{id: s.refSeq.Add(1)},
		task:    t,
		mailbox: s.newMailbox(t.Scheduler()),
	}
	s.adopt(a)
	return a, nil
}

// Self returns the current actor's Ref.
func (s *System) Self(ctx context.Context) (Ref, error) {
	a, err := s.Wrap(ctx)
	if err != nil {
		return Ref{}, err
	}
	return a.ref, nil
}

// Lookup returns the live actor behind ref.
func (s *System) Lookup(ref Ref) (*Actor, error) {
	return s.registry.ByID(ref)
}

// Register names an actor.
func (s *System) Register(name string, ref Ref) error {
	return s.registry.Register(name, ref)
}

// Send delivers body to dest without blocking. The sender is the current
// actor, or the zero Ref when ctx carries no Scheduler.
func (s *System) Send(ctx context.Context, dest Ref, body any) error {
	target, err := s.registry.ByID(dest)
	if err != nil {
		return err
	}
	return target.mailbox.Send(ctx, Message{From: s.source(ctx), Body: body})
}

// SendName is Send addressed by registered name.
func (s *System) SendName(ctx context.Context, name string, body any) error {
	target, err := s.registry.ByName(name)
	if err != nil {
		return err
	}
	return target.mailbox.Send(ctx, Message{From: s.source(ctx), Body: body})
}

// SendAfter delivers body to dest after d. The destination is resolved when
// the delay expires.
func (s *System) SendAfter(ctx context.Context, d time.Duration, dest Ref, body any) error {
	if d <= 0 {
		return s.Send(ctx, dest, body)
	}
	sched := core.GetCurrentScheduler(ctx)
	if sched == nil {
		return core.ErrNotInTask
	}
	msg := Message{From: s.source(ctx), Body: body}
	_, err := core.AfterFunc(ctx, d, func(time.Time) {
		target, err := s.registry.ByID(dest)
		if err != nil {
			return
		}
		_ = target.mailbox.Send(sched.Context(), msg)
	})
	return err
}

// Receive waits for the next message of the current actor.
func (s *System) Receive(ctx context.Context) (Message, error) {
	a, err := s.Wrap(ctx)
	if err != nil {
		return Message{}, err
	}
	return a.Receive(ctx)
}

// Flush removes and returns the queued messages of the current actor.
func (s *System) Flush(ctx context.Context) ([]Message, error) {
	a, err := s.Wrap(ctx)
	if err != nil {
		return nil, err
	}
	return a.Flush(), nil
}

func (s *System) source(ctx context.Context) Ref {
	if core.GetCurrentScheduler(ctx) == nil {
		return Ref{}
	}
	self, err := s.Wrap(ctx)
	if err != nil {
		return Ref{}
	}
	return self.ref
}

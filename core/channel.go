package core

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"code.hybscloud.com/iox"
)

// Preference selects which side of a completed pairing gets the next turn.
type Preference int

const (
	// PreferReceiver makes a sender that pairs with a waiting receiver yield
	// to it immediately.
	PreferReceiver Preference = -1
	// PreferNeither lets the acting side keep running; the woken peer runs in
	// its normal turn.
	PreferNeither Preference = 0
	// PreferSender makes a receiver that pairs with a waiting sender yield to
	// it immediately.
	PreferSender Preference = 1
)

const (
	dirSend    = 1
	dirReceive = -1
)

type outcome int

const (
	outcomeDone outcome = iota
	outcomeWait
	outcomeClosed
)

// slot is the payload exchanged during a hand-off.
type slot[T any] struct {
	value T
	bomb  *Bomb
}

func (s slot[T]) unpack() (T, error) {
	if s.bomb != nil {
		var zero T
		return zero, s.bomb.Raise()
	}
	return s.value, nil
}

// waiter is a Task parked on one side of a Channel.
type waiter[T any] struct {
	task  *Task
	sched *Scheduler
	slot  slot[T]
	done  bool
	ref   bool
}

// ChannelOption configures a Channel.
type ChannelOption func(*channelOptions)

type channelOptions struct {
	label       string
	capacity    int
	preference  Preference
	scheduleAll bool
	crossThread bool
}

// WithLabel names the channel for callbacks and logs.
func WithLabel(label string) ChannelOption {
	return func(o *channelOptions) { o.label = label }
}

// WithCapacity makes the channel a bounded buffer of n items. Zero means
// rendezvous.
func WithCapacity(n int) ChannelOption {
	return func(o *channelOptions) { o.capacity = max(n, 0) }
}

// WithPreference sets the pairing preference. The default is PreferReceiver.
func WithPreference(p Preference) ChannelOption {
	return func(o *channelOptions) { o.preference = p }
}

// WithScheduleAll makes every completed pairing yield to the woken peer.
func WithScheduleAll() ChannelOption {
	return func(o *channelOptions) { o.scheduleAll = true }
}

// WithCrossThread makes parked Tasks hold a reference on their Scheduler, so
// an otherwise idle Scheduler waits for a peer on another goroutine instead of
// reporting deadlock.
func WithCrossThread() ChannelOption {
	return func(o *channelOptions) { o.crossThread = true }
}

// =============================================================================
// Channel: rendezvous point or bounded buffer
// =============================================================================

// Channel synchronizes Tasks and transfers values between them. Channels are
// the only objects that may be shared between Schedulers.
type Channel[T any] struct {
	mu          sync.Mutex
	label       string
	capacity    int
	preference  Preference
	scheduleAll bool
	crossThread bool
	closing     bool

	senders   []*waiter[T]
	receivers []*waiter[T]
	buf       []slot[T]
}

// NewChannel creates a Channel.
func NewChannel[T any](opts ...ChannelOption) *Channel[T] {
	o := channelOptions{preference: PreferReceiver}
	for _, opt := range opts {
		opt(&o)
	}
	return &Channel[T]{
		label:       o.label,
		capacity:    o.capacity,
		preference:  o.preference,
		scheduleAll: o.scheduleAll,
		crossThread: o.crossThread,
	}
}

// Send delivers v to a receiver, blocking the calling Task until one takes
// it. On a bounded channel Send only blocks while the buffer is full.
func (c *Channel[T]) Send(ctx context.Context, v T) error {
	_, err := c.act(ctx, slot[T]{value: v}, dirSend)
	return err
}

// SendError delivers err as a Bomb; the receiver gets err back from Receive.
func (c *Channel[T]) SendError(ctx context.Context, err error) error {
	_, aerr := c.act(ctx, slot[T]{bomb: NewBomb(err)}, dirSend)
	return aerr
}

// SendAll sends every value of seq in order.
func (c *Channel[T]) SendAll(ctx context.Context, seq iter.Seq[T]) error {
	for v := range seq {
		if err := c.Send(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

// Receive takes a value, blocking the calling Task until one is available.
// A Bomb is returned as its error.
func (c *Channel[T]) Receive(ctx context.Context) (T, error) {
	out, err := c.act(ctx, slot[T]{}, dirReceive)
	if err != nil {
		var zero T
		return zero, err
	}
	return out.unpack()
}

// TrySend delivers v if that is possible without waiting and returns
// iox.ErrWouldBlock otherwise. It never yields and may be called from any
// goroutine.
func (c *Channel[T]) TrySend(v T) error {
	return c.offer(nil, slot[T]{value: v})
}

// TryReceive takes a value if one is available without waiting and returns
// iox.ErrWouldBlock otherwise. It never yields and may be called from any
// goroutine.
func (c *Channel[T]) TryReceive() (T, error) {
	var zero T
	c.mu.Lock()
	out, peer, front, res := c.exchangeLocked(slot[T]{}, dirReceive)
	c.mu.Unlock()
	switch res {
	case outcomeClosed:
		return zero, ErrChannelClosed
	case outcomeWait:
		return zero, iox.ErrWouldBlock
	}
	if peer != nil {
		c.wake(nil, peer, front)
	}
	return out.unpack()
}

// Feed delivers v from outside the runtime, such as a reactor callback,
// retrying with adaptive backoff until a receiver or buffer space takes it.
func (c *Channel[T]) Feed(v T) error {
	return c.feed(slot[T]{value: v})
}

// FeedError is Feed for an error delivered as a Bomb.
func (c *Channel[T]) FeedError(err error) error {
	return c.feed(slot[T]{bomb: NewBomb(err)})
}

func (c *Channel[T]) feed(in slot[T]) error {
	var bo iox.Backoff
	for {
		err := c.offer(nil, in)
		if !iox.IsWouldBlock(err) {
			return err
		}
		bo.Wait()
	}
}

// Close stops the channel from growing: operations that would have to wait
// or buffer fail with ErrChannelClosed, while already queued waiters and
// buffered items can still be paired.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closing = true
}

// Open reverts Close.
func (c *Channel[T]) Open() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closing = false
}

// Closing reports whether Close has been called.
func (c *Channel[T]) Closing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// Closed reports whether the channel is closing and fully drained.
func (c *Channel[T]) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing && len(c.buf) == 0 && len(c.senders) == 0 && len(c.receivers) == 0
}

// Balance is the number of queued senders plus buffered items minus the
// number of queued receivers.
func (c *Channel[T]) Balance() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf) + len(c.senders) - len(c.receivers)
}

// Len returns the number of buffered items.
func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// Cap returns the buffer capacity; zero for a rendezvous channel.
func (c *Channel[T]) Cap() int { return c.capacity }

// Label returns the channel's label.
func (c *Channel[T]) Label() string { return c.label }

func (c *Channel[T]) Preference() Preference {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preference
}

func (c *Channel[T]) SetPreference(p Preference) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preference = p
}

func (c *Channel[T]) ScheduleAll() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scheduleAll
}

func (c *Channel[T]) SetScheduleAll(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduleAll = v
}

func (c *Channel[T]) String() string {
	return fmt.Sprintf("channel[%s](%d)", c.label, c.Balance())
}

// =============================================================================
// Hand-off protocol
// =============================================================================

// act performs one send or receive for the current Task of ctx.
func (c *Channel[T]) act(ctx context.Context, in slot[T], dir int) (slot[T], error) {
	s, err := schedulerFrom(ctx)
	if err != nil {
		return slot[T]{}, err
	}
	curr := s.current

	c.mu.Lock()
	out, peer, front, res := c.exchangeLocked(in, dir)
	var w *waiter[T]
	if res == outcomeWait {
		w = &waiter[T]{task: curr, sched: s, slot: in}
		if dir == dirSend {
			c.senders = append(c.senders, w)
		} else {
			c.receivers = append(c.receivers, w)
		}
		if c.crossThread {
			w.ref = true
			s.Ref()
		}
	}
	c.mu.Unlock()

	if s.onChannel != nil {
		s.onChannel(c.label, curr, dir == dirSend, res == outcomeWait)
	}

	switch res {
	case outcomeClosed:
		return slot[T]{}, ErrChannelClosed

	case outcomeDone:
		if peer != nil {
			c.wake(s, peer, front)
			if front && peer.sched == s {
				s.yield()
				// Thrown while the peer ran; the exchange itself stands.
				if err := curr.takePending(); err != nil {
					return slot[T]{}, err
				}
			}
		}
		if out.bomb != nil {
			return slot[T]{}, out.bomb.Raise()
		}
		return out, nil
	}

	if err := s.park(curr, func() bool { return c.cancel(w) }); err != nil {
		return slot[T]{}, err
	}

	c.mu.Lock()
	done, got := w.done, w.slot
	c.mu.Unlock()
	if !done {
		if err := curr.takePending(); err != nil {
			return slot[T]{}, err
		}
		return slot[T]{}, ErrTaskBlocked
	}
	if got.bomb != nil {
		return slot[T]{}, got.bomb.Raise()
	}
	return got, nil
}

// exchangeLocked decides one operation. On outcomeDone, out is what the acting
// side receives and peer, when non-nil, is a dequeued waiter that must be
// woken; front reports whether it should run next.
func (c *Channel[T]) exchangeLocked(in slot[T], dir int) (out slot[T], peer *waiter[T], front bool, res outcome) {
	front = c.scheduleAll || c.preference == Preference(-dir)

	if c.capacity == 0 {
		q := &c.receivers
		if dir == dirReceive {
			q = &c.senders
		}
		if len(*q) > 0 {
			peer = popWaiter(q)
			out, peer.slot = peer.slot, in
			peer.done = true
			return out, peer, front, outcomeDone
		}
		if c.closing {
			return out, nil, false, outcomeClosed
		}
		return out, nil, false, outcomeWait
	}

	if dir == dirSend {
		if len(c.buf) < c.capacity {
			if len(c.receivers) > 0 {
				peer = popWaiter(&c.receivers)
				out, peer.slot = peer.slot, in
				peer.done = true
				return out, peer, front, outcomeDone
			}
			if c.closing {
				return out, nil, false, outcomeClosed
			}
			c.buf = append(c.buf, in)
			return out, nil, false, outcomeDone
		}
		if c.closing {
			return out, nil, false, outcomeClosed
		}
		return out, nil, false, outcomeWait
	}

	if len(c.buf) > 0 {
		out = c.buf[0]
		c.buf[0] = slot[T]{}
		c.buf = c.buf[1:]
		if len(c.senders) > 0 {
			peer = popWaiter(&c.senders)
			c.buf = append(c.buf, peer.slot)
			peer.slot = slot[T]{}
			peer.done = true
			return out, peer, front, outcomeDone
		}
		return out, nil, false, outcomeDone
	}
	if c.closing {
		return out, nil, false, outcomeClosed
	}
	return out, nil, false, outcomeWait
}

// offer is the non-blocking send. s is the caller's Scheduler when known.
func (c *Channel[T]) offer(s *Scheduler, in slot[T]) error {
	c.mu.Lock()
	_, peer, front, res := c.exchangeLocked(in, dirSend)
	c.mu.Unlock()
	switch res {
	case outcomeClosed:
		return ErrChannelClosed
	case outcomeWait:
		return iox.ErrWouldBlock
	}
	if peer != nil {
		c.wake(s, peer, front)
	}
	return nil
}

// wake makes a paired waiter runnable on its own Scheduler. A waiter owned by
// another Scheduler, or woken from outside any Task, is resumed through that
// Scheduler's inbox.
func (c *Channel[T]) wake(s *Scheduler, w *waiter[T], front bool) {
	ws := w.sched
	ref := w.ref
	w.ref = false
	if ws == s {
		ws.unblock(w.task, front)
		if ref {
			ws.Unref()
		}
		return
	}
	ws.Post(func() {
		ws.unblock(w.task, front)
		if ref {
			ws.Unref()
		}
	})
}

// cancel withdraws a waiter that has not been paired yet.
func (c *Channel[T]) cancel(w *waiter[T]) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w.done {
		return false
	}
	if !removeWaiter(&c.senders, w) {
		removeWaiter(&c.receivers, w)
	}
	if w.ref {
		w.ref = false
		w.sched.Unref()
	}
	return true
}

func popWaiter[T any](q *[]*waiter[T]) *waiter[T] {
	w := (*q)[0]
	(*q)[0] = nil
	*q = (*q)[1:]
	return w
}

func removeWaiter[T any](q *[]*waiter[T], w *waiter[T]) bool {
	for i, x := range *q {
		if x == w {
			*q = append((*q)[:i], (*q)[i+1:]...)
			return true
		}
	}
	return false
}

package tasklet

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"slices"
	"sync"

	"code.hybscloud.com/atomix"
	"github.com/Swind/go-tasklet/core"
	"golang.org/x/sync/errgroup"
)

// EntryFunc drives a Scheduler from the goroutine that owns it. The
// Scheduler's main Task is the calling goroutine.
type EntryFunc func(s *core.Scheduler) error

// ThreadGroup runs a set of goroutines, each locked to its OS thread and
// owning a fresh Scheduler, and joins them.
type ThreadGroup struct {
	id     string
	config *core.SchedulerConfig

	g      *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	running atomix.Int64
	seq     atomix.Uint64

	mu         sync.RWMutex
	schedulers map[string]*core.Scheduler
}

// NewThreadGroup creates a ThreadGroup whose Schedulers use the default
// configuration.
func NewThreadGroup(id string) *ThreadGroup {
	return NewThreadGroupWithConfig(id, nil)
}

// NewThreadGroupWithConfig creates a ThreadGroup whose Schedulers copy
// config. The Name field is replaced per goroutine.
func NewThreadGroupWithConfig(id string, config *core.SchedulerConfig) *ThreadGroup {
	if config == nil {
		config = core.DefaultSchedulerConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	return &ThreadGroup{
		id:         id,
		config:     config,
		g:          g,
		ctx:        gctx,
		cancel:     cancel,
		schedulers: make(map[string]*core.Scheduler),
	}
}

// ID returns the ID of the thread group
func (tg *ThreadGroup) ID() string {
	return tg.id
}

// Context is cancelled when any entry fails or Wait returns.
func (tg *ThreadGroup) Context() context.Context {
	return tg.ctx
}

// Running reports how many entries have not returned yet.
func (tg *ThreadGroup) Running() int {
	return int(tg.running.Load())
}

// Go starts entry on a new goroutine locked to its OS thread. The Scheduler
// is named "<id>/<label>". Tasks still alive when entry returns are killed.
func (tg *ThreadGroup) Go(label string, entry EntryFunc) {
	if label == "" {
		label = fmt.Sprintf("thread-%d", tg.seq.Add(1))
	}
	name := tg.id + "/" + label

	tg.running.Add(1)
	tg.g.Go(func() error {
		defer tg.running.Add(-1)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		config := *tg.config
		config.Name = name
		s := core.NewSchedulerWithConfig(&config)

		tg.mu.Lock()
		tg.schedulers[name] = s
		tg.mu.Unlock()
		defer func() {
			tg.mu.Lock()
			delete(tg.schedulers, name)
			tg.mu.Unlock()
		}()

		if entry == nil {
			return fmt.Errorf("%s: %w", name, core.ErrNilFunc)
		}
		err := runEntry(s, entry)
		if cleanup := s.Shutdown(); cleanup != nil {
			err = errors.Join(err, cleanup)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	})
}

func runEntry(s *core.Scheduler, entry EntryFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &core.PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return entry(s)
}

// Wait blocks until every entry has returned and reports the first failure.
func (tg *ThreadGroup) Wait() error {
	defer tg.cancel()
	return tg.g.Wait()
}

// Schedulers returns the Schedulers of the entries still running, sorted by
// name.
func (tg *ThreadGroup) Schedulers() []*core.Scheduler {
	tg.mu.RLock()
	defer tg.mu.RUnlock()

	names := make([]string, 0, len(tg.schedulers))
	for name := range tg.schedulers {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]*core.Scheduler, 0, len(names))
	for _, name := range names {
		out = append(out, tg.schedulers[name])
	}
	return out
}

// Stats snapshots every running Scheduler keyed by name.
func (tg *ThreadGroup) Stats() map[string]core.SchedulerStats {
	tg.mu.RLock()
	defer tg.mu.RUnlock()

	out := make(map[string]core.SchedulerStats, len(tg.schedulers))
	for name, s := range tg.schedulers {
		out[name] = s.Stats()
	}
	return out
}

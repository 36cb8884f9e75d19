package prometheus

import (
	"context"
	"sync"
	"time"

	"github.com/Swind/go-tasklet/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// SchedulerSnapshotProvider provides current scheduler stats snapshots.
// *core.Scheduler implements it.
type SchedulerSnapshotProvider interface {
	Stats() core.SchedulerStats
}

// ChannelSnapshotProvider provides the occupancy of a channel. Every
// *core.Channel[T] implements it.
type ChannelSnapshotProvider interface {
	Balance() int
	Len() int
	Closing() bool
}

// SnapshotPoller periodically exports scheduler Stats() and channel occupancy
// into Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	schedulersMu sync.RWMutex
	schedulers   map[string]SchedulerSnapshotProvider

	channelsMu sync.RWMutex
	channels   map[string]ChannelSnapshotProvider

	schedulerReady         *prom.GaugeVec
	schedulerRunDepth      *prom.GaugeVec
	schedulerTimers        *prom.GaugeVec
	schedulerRefs          *prom.GaugeVec
	schedulerTasksStarted  *prom.GaugeVec
	schedulerTasksFinished *prom.GaugeVec
	schedulerTasksFailed   *prom.GaugeVec

	channelBalance  *prom.GaugeVec
	channelBuffered *prom.GaugeVec
	channelClosing  *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	schedulerGauge := func(name, help string) *prom.GaugeVec {
		return prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "tasklet",
			Subsystem: "scheduler",
			Name:      name,
			Help:      help,
		}, []string{"scheduler"})
	}
	channelGauge := func(name, help string) *prom.GaugeVec {
		return prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "tasklet",
			Subsystem: "channel",
			Name:      name,
			Help:      help,
		}, []string{"channel"})
	}

	p := &SnapshotPoller{
		interval:   interval,
		schedulers: make(map[string]SchedulerSnapshotProvider),
		channels:   make(map[string]ChannelSnapshotProvider),

		schedulerReady:         schedulerGauge("ready", "Runnable tasks per scheduler."),
		schedulerRunDepth:      schedulerGauge("run_depth", "Nested Run calls in progress."),
		schedulerTimers:        schedulerGauge("timers_pending", "Armed timers per scheduler."),
		schedulerRefs:          schedulerGauge("refs", "Outstanding external event sources."),
		schedulerTasksStarted:  schedulerGauge("tasks_started", "Tasks started snapshot."),
		schedulerTasksFinished: schedulerGauge("tasks_finished", "Tasks finished snapshot."),
		schedulerTasksFailed:   schedulerGauge("tasks_failed", "Tasks failed snapshot."),

		channelBalance:  channelGauge("balance", "Waiting senders plus buffered items minus waiting receivers."),
		channelBuffered: channelGauge("buffered", "Buffered items per channel."),
		channelClosing:  channelGauge("closing", "Channel closing state (1=closing, 0=open)."),
	}

	for _, c := range []**prom.GaugeVec{
		&p.schedulerReady, &p.schedulerRunDepth, &p.schedulerTimers, &p.schedulerRefs,
		&p.schedulerTasksStarted, &p.schedulerTasksFinished, &p.schedulerTasksFailed,
		&p.channelBalance, &p.channelBuffered, &p.channelClosing,
	} {
		registered, err := registerCollector(reg, *c)
		if err != nil {
			return nil, err
		}
		*c = registered
	}
	return p, nil
}

// AddScheduler adds or replaces a scheduler snapshot provider by name.
func (p *SnapshotPoller) AddScheduler(name string, provider SchedulerSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "scheduler")
	p.schedulersMu.Lock()
	p.schedulers[name] = provider
	p.schedulersMu.Unlock()
}

// AddChannel adds or replaces a channel snapshot provider by name.
func (p *SnapshotPoller) AddChannel(name string, provider ChannelSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "channel")
	p.channelsMu.Lock()
	p.channels[name] = provider
	p.channelsMu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx, p.done)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func (p *SnapshotPoller) collectOnce() {
	p.schedulersMu.RLock()
	for name, provider := range p.schedulers {
		stats := provider.Stats()
		p.schedulerReady.WithLabelValues(name).Set(float64(stats.Ready))
		p.schedulerRunDepth.WithLabelValues(name).Set(float64(stats.RunDepth))
		p.schedulerTimers.WithLabelValues(name).Set(float64(stats.TimersPending))
		p.schedulerRefs.WithLabelValues(name).Set(float64(stats.Refs))
		p.schedulerTasksStarted.WithLabelValues(name).Set(float64(stats.TasksStarted))
		p.schedulerTasksFinished.WithLabelValues(name).Set(float64(stats.TasksFinished))
		p.schedulerTasksFailed.WithLabelValues(name).Set(float64(stats.TasksFailed))
	}
	p.schedulersMu.RUnlock()

	p.channelsMu.RLock()
	for name, provider := range p.channels {
		p.channelBalance.WithLabelValues(name).Set(float64(provider.Balance()))
		p.channelBuffered.WithLabelValues(name).Set(float64(provider.Len()))
		if provider.Closing() {
			p.channelClosing.WithLabelValues(name).Set(1)
		} else {
			p.channelClosing.WithLabelValues(name).Set(0)
		}
	}
	p.channelsMu.RUnlock()
}

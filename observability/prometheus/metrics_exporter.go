package prometheus

import (
	"errors"
	"fmt"
	"time"

	"github.com/Swind/go-tasklet/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
	LatenessBuckets []float64
}

// MetricsExporter adapts core.Metrics to Prometheus collectors.
type MetricsExporter struct {
	switchesTotal       *prom.CounterVec
	taskDurationSeconds *prom.HistogramVec
	readyDepth          *prom.GaugeVec
	timerLateness       *prom.HistogramVec
	deadlocksTotal      *prom.CounterVec
}

var _ core.Metrics = (*MetricsExporter)(nil)

// defaultLatenessBuckets spans 100µs to about 1.6s.
var defaultLatenessBuckets = prom.ExponentialBuckets(0.0001, 4, 8)

// NewMetricsExporter creates and registers Prometheus collectors for core.Metrics.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "tasklet"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	durationBuckets := opts.DurationBuckets
	if len(durationBuckets) == 0 {
		durationBuckets = prom.DefBuckets
	}
	latenessBuckets := opts.LatenessBuckets
	if len(latenessBuckets) == 0 {
		latenessBuckets = defaultLatenessBuckets
	}

	switchesVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "switches_total",
		Help:      "Total number of context switches between tasks.",
	}, []string{"scheduler"})
	durationVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Task lifetime from first resume to termination in seconds.",
		Buckets:   durationBuckets,
	}, []string{"scheduler", "outcome"})
	readyDepthVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "ready_depth",
		Help:      "Ready queue length seen at the last dispatch.",
	}, []string{"scheduler"})
	latenessVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "timer_lateness_seconds",
		Help:      "How late timer callbacks fired relative to their deadline.",
		Buckets:   latenessBuckets,
	}, []string{"scheduler"})
	deadlocksVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "deadlocks_total",
		Help:      "Total number of times a scheduler found no runnable task.",
	}, []string{"scheduler"})

	var err error
	if switchesVec, err = registerCollector(reg, switchesVec); err != nil {
		return nil, err
	}
	if durationVec, err = registerCollector(reg, durationVec); err != nil {
		return nil, err
	}
	if readyDepthVec, err = registerCollector(reg, readyDepthVec); err != nil {
		return nil, err
	}
	if latenessVec, err = registerCollector(reg, latenessVec); err != nil {
		return nil, err
	}
	if deadlocksVec, err = registerCollector(reg, deadlocksVec); err != nil {
		return nil, err
	}

	return &MetricsExporter{
		switchesTotal:       switchesVec,
		taskDurationSeconds: durationVec,
		readyDepth:          readyDepthVec,
		timerLateness:       latenessVec,
		deadlocksTotal:      deadlocksVec,
	}, nil
}

// RecordSwitch counts a context switch.
func (m *MetricsExporter) RecordSwitch(schedulerName string) {
	if m == nil {
		return
	}
	m.switchesTotal.WithLabelValues(normalizeLabel(schedulerName, "unknown")).Inc()
}

// RecordTaskFinished records the lifetime of a terminated task.
func (m *MetricsExporter) RecordTaskFinished(schedulerName string, duration time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.taskDurationSeconds.WithLabelValues(normalizeLabel(schedulerName, "unknown"), outcomeLabel(failed)).Observe(duration.Seconds())
}

// RecordReadyDepth records the ready queue length.
func (m *MetricsExporter) RecordReadyDepth(schedulerName string, depth int) {
	if m == nil {
		return
	}
	m.readyDepth.WithLabelValues(normalizeLabel(schedulerName, "unknown")).Set(float64(depth))
}

// RecordTimerFired records how late a timer fired.
func (m *MetricsExporter) RecordTimerFired(schedulerName string, lateness time.Duration) {
	if m == nil {
		return
	}
	m.timerLateness.WithLabelValues(normalizeLabel(schedulerName, "unknown")).Observe(max(lateness, 0).Seconds())
}

// RecordDeadlock counts a deadlock.
func (m *MetricsExporter) RecordDeadlock(schedulerName string) {
	if m == nil {
		return
	}
	m.deadlocksTotal.WithLabelValues(normalizeLabel(schedulerName, "unknown")).Inc()
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func outcomeLabel(failed bool) string {
	if failed {
		return "failed"
	}
	return "ok"
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}

// Package scheduler runs the ingestion tasks on their configured cadence.
// Each task gets its own ticker goroutine; a firing that overruns its
// interval causes the next firing to be skipped, never queued.
package scheduler

import (
	"context"
	"flag"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTaskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "busmap",
		Name:      "scheduler_task_runs_total",
		Help:      "Total task firings by outcome.",
	}, []string{"task", "status"})
	metricTaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "busmap",
		Name:      "scheduler_task_duration_seconds",
		Help:      "Duration of task firings.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"task"})
)

// Entry is one scheduled task. Interval is the default cadence and can be
// overridden per task name through Config.Schedule.
type Entry struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type Config struct {
	// Schedule overrides the default interval per task name.
	Schedule map[string]time.Duration `yaml:"schedule"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(string, *flag.FlagSet) {
}

type Scheduler struct {
	services.Service

	cfg     Config
	entries []Entry
	logger  log.Logger
	wg      sync.WaitGroup
}

func New(cfg Config, entries []Entry, logger log.Logger) *Scheduler {
	s := &Scheduler{
		cfg:     cfg,
		entries: entries,
		logger:  logger,
	}
	s.Service = services.NewBasicService(nil, s.running, nil)
	return s
}

func (s *Scheduler) running(ctx context.Context) error {
	for _, e := range s.entries {
		interval := e.Interval
		if override, ok := s.cfg.Schedule[e.Name]; ok {
			interval = override
		}
		if interval <= 0 {
			level.Warn(s.logger).Log("msg", "task disabled", "task", e.Name)
			continue
		}

		level.Info(s.logger).Log("msg", "task scheduled", "task", e.Name, "interval", interval)
		s.wg.Add(1)
		go s.run(ctx, e, interval)
	}

	<-ctx.Done()
	s.wg.Wait()
	return nil
}

func (s *Scheduler) run(ctx context.Context, e Entry, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx, e)
			// Drain a tick that arrived while the task was running so an
			// overrun skips firings instead of queueing them.
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, e Entry) {
	start := time.Now()
	err := e.Run(ctx)
	elapsed := time.Since(start)
	metricTaskDuration.WithLabelValues(e.Name).Observe(elapsed.Seconds())

	if err != nil {
		metricTaskRuns.WithLabelValues(e.Name, "error").Inc()
		level.Error(s.logger).Log("msg", "task failed", "task", e.Name, "duration", elapsed, "err", err)
		return
	}
	metricTaskRuns.WithLabelValues(e.Name, "ok").Inc()
	level.Debug(s.logger).Log("msg", "task complete", "task", e.Name, "duration", elapsed)
}

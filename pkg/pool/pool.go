// Package pool runs batches of jobs on a fixed set of workers and hands back
// one result per job, in input order. The upstream client uses it to cap
// concurrent fan-out.
package pool

import (
	"context"
	"flag"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

var (
	metricQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "busmap",
		Name:      "fetch_queue_length",
		Help:      "Current length of the upstream fetch queue.",
	})
	metricQueueMax = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "busmap",
		Name:      "fetch_queue_max",
		Help:      "Maximum number of items in the upstream fetch queue.",
	})
)

type Config struct {
	MaxWorkers int `yaml:"max_workers"`
	QueueDepth int `yaml:"queue_depth"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.MaxWorkers, prefix+"pool.max-workers", 50, "Number of concurrent workers draining the fetch queue.")
	f.IntVar(&cfg.QueueDepth, prefix+"pool.queue-depth", 10000, "Maximum number of queued jobs.")
}

// JobFunc processes one payload. Results are collected per job; an error
// does not stop the rest of the batch.
type JobFunc func(ctx context.Context, payload interface{}) (interface{}, error)

type job struct {
	ctx     context.Context
	fn      JobFunc
	payload interface{}
	index   int

	wg      *sync.WaitGroup
	results []interface{}
	errs    []error
}

type Pool struct {
	cfg  Config
	size *atomic.Int32

	workQueue chan *job
}

func NewPool(cfg Config) *Pool {
	q := make(chan *job, cfg.QueueDepth)
	p := &Pool{
		cfg:       cfg,
		size:      atomic.NewInt32(0),
		workQueue: q,
	}

	for i := 0; i < cfg.MaxWorkers; i++ {
		go p.worker(q)
	}

	metricQueueMax.Set(float64(cfg.QueueDepth))

	return p
}

// RunJobs executes fn over every payload and returns results and errors
// aligned with the payload order.
func (p *Pool) RunJobs(ctx context.Context, payloads []interface{}, fn JobFunc) ([]interface{}, []error, error) {
	totalJobs := len(payloads)

	// sanity check before we even attempt to start adding jobs
	if int(p.size.Load())+totalJobs > p.cfg.QueueDepth {
		return nil, nil, fmt.Errorf("queue doesn't have room for %d jobs", totalJobs)
	}

	results := make([]interface{}, totalJobs)
	errs := make([]error, totalJobs)
	wg := &sync.WaitGroup{}

	wg.Add(totalJobs)
	// add each job one at a time.  even though we checked length above these might still fail
	for i, payload := range payloads {
		j := &job{
			ctx:     ctx,
			fn:      fn,
			payload: payload,
			index:   i,
			wg:      wg,
			results: results,
			errs:    errs,
		}

		select {
		case p.workQueue <- j:
			p.size.Inc()
			metricQueueLength.Set(float64(p.size.Load()))
		default:
			wg.Add(i - totalJobs) // unwind the jobs that were never queued
			wg.Wait()
			return nil, nil, fmt.Errorf("failed to add a job to work queue")
		}
	}

	wg.Wait()
	return results, errs, nil
}

func (p *Pool) Shutdown() {
	close(p.workQueue)
}

func (p *Pool) worker(q <-chan *job) {
	for j := range q {
		p.size.Dec()
		metricQueueLength.Set(float64(p.size.Load()))

		if err := j.ctx.Err(); err != nil {
			j.errs[j.index] = err
			j.wg.Done()
			continue
		}

		res, err := j.fn(j.ctx, j.payload)
		j.results[j.index] = res
		j.errs[j.index] = err
		j.wg.Done()
	}
}

// Package lock provides cross-process named shared/exclusive locks backed by
// Redis. Many shared holders or one exclusive holder may own a name at a
// time; entries carry an expiry so crashed holders can be evicted by later
// acquirers.
package lock

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/grafana/dskit/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	exclusiveKeyPrefix = "busmap-lock-x-"
	sharedKeyPrefix    = "busmap-lock-s-"
)

// ErrLockTimeout is returned when a lock could not be acquired within the
// configured timeout. The next scheduled firing retries.
var ErrLockTimeout = errors.New("could not acquire lock before timeout")

var (
	metricAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "busmap",
		Name:      "lock_acquisitions_total",
		Help:      "Total successful lock acquisitions.",
	}, []string{"name", "mode"})
	metricTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "busmap",
		Name:      "lock_timeouts_total",
		Help:      "Total lock acquisitions that timed out.",
	}, []string{"name", "mode"})
	metricStaleEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "busmap",
		Name:      "lock_stale_evictions_total",
		Help:      "Total stale lock entries deleted during acquisition.",
	}, []string{"name", "mode"})
)

type Config struct {
	// Expiry is how long a held entry is considered live. A holder that
	// neither releases nor renews within this window is treated as crashed.
	Expiry time.Duration `yaml:"expiry"`
	// Timeout bounds how long an acquisition waits.
	Timeout time.Duration `yaml:"timeout"`
	// Step is the sleep between acquisition attempts.
	Step time.Duration `yaml:"step"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.Expiry, prefix+"lock.expiry", 25*time.Second, "Time after which a held lock entry is considered stale.")
	f.DurationVar(&cfg.Timeout, prefix+"lock.timeout", 30*time.Second, "Maximum time to wait for a lock.")
	f.DurationVar(&cfg.Step, prefix+"lock.step", 500*time.Millisecond, "Sleep between lock acquisition attempts.")
}

// Registry hands out locks on names. The Redis keyspace holds pure
// coordination state, never data.
type Registry struct {
	cfg    Config
	client redis.UniversalClient
	owner  string
	logger log.Logger
}

func NewRegistry(cfg Config, client redis.UniversalClient, logger log.Logger) *Registry {
	hostname, _ := os.Hostname()
	return &Registry{
		cfg:    cfg,
		client: client,
		owner:  fmt.Sprintf("%s/%d", hostname, os.Getpid()),
		logger: logger,
	}
}

// Lock is one held entry. Release is idempotent.
type Lock struct {
	registry *Registry
	name     string
	entry    string
	shared   bool
	released bool
}

func (r *Registry) AcquireShared(ctx context.Context, name string) (*Lock, error) {
	return r.acquireShared(ctx, name, r.cfg.Timeout)
}

// TryAcquireShared makes a single attempt without waiting.
func (r *Registry) TryAcquireShared(ctx context.Context, name string) (*Lock, error) {
	return r.acquireShared(ctx, name, 0)
}

func (r *Registry) AcquireExclusive(ctx context.Context, name string) (*Lock, error) {
	return r.acquireExclusive(ctx, name, r.cfg.Timeout)
}

// TryAcquireExclusive makes a single attempt without waiting.
func (r *Registry) TryAcquireExclusive(ctx context.Context, name string) (*Lock, error) {
	return r.acquireExclusive(ctx, name, 0)
}

func (r *Registry) acquireShared(ctx context.Context, name string, timeout time.Duration) (*Lock, error) {
	var (
		deadline = time.Now().Add(timeout)
		wait     = r.newWaiter(ctx)
	)
	for {
		// A shared lock only needs the exclusive slot to be empty; it never
		// takes it.
		_, err := r.client.Get(ctx, exclusiveKeyPrefix+name).Result()
		if err == redis.Nil {
			entry := r.newEntry()
			if err := r.client.LPush(ctx, sharedKeyPrefix+name, entry).Err(); err != nil {
				return nil, fmt.Errorf("failed to push shared lock %q: %w", name, err)
			}
			metricAcquisitions.WithLabelValues(name, "shared").Inc()
			return &Lock{registry: r, name: name, entry: entry, shared: true}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read exclusive lock %q: %w", name, err)
		}

		r.evictStaleExclusive(ctx, name, "shared")

		if !time.Now().Before(deadline) {
			metricTimeouts.WithLabelValues(name, "shared").Inc()
			return nil, fmt.Errorf("%w: shared %q", ErrLockTimeout, name)
		}
		if err := wait(); err != nil {
			return nil, err
		}
	}
}

func (r *Registry) acquireExclusive(ctx context.Context, name string, timeout time.Duration) (*Lock, error) {
	var (
		deadline = time.Now().Add(timeout)
		wait     = r.newWaiter(ctx)
	)
	for {
		entry := r.newEntry()
		ok, err := r.client.SetNX(ctx, exclusiveKeyPrefix+name, entry, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to set exclusive lock %q: %w", name, err)
		}
		if ok {
			l := &Lock{registry: r, name: name, entry: entry}
			// The slot is ours, but readers may still be inside. Only return
			// once every shared entry has drained or expired.
			if err := r.waitForSharedDrain(ctx, name, deadline, wait); err != nil {
				if relErr := l.Release(ctx); relErr != nil {
					level.Warn(r.logger).Log("msg", "failed to release exclusive lock after drain timeout", "name", name, "err", relErr)
				}
				metricTimeouts.WithLabelValues(name, "exclusive").Inc()
				return nil, err
			}
			metricAcquisitions.WithLabelValues(name, "exclusive").Inc()
			return l, nil
		}

		r.evictStaleExclusive(ctx, name, "exclusive")

		if !time.Now().Before(deadline) {
			metricTimeouts.WithLabelValues(name, "exclusive").Inc()
			return nil, fmt.Errorf("%w: exclusive %q", ErrLockTimeout, name)
		}
		if err := wait(); err != nil {
			return nil, err
		}
	}
}

func (r *Registry) waitForSharedDrain(ctx context.Context, name string, deadline time.Time, wait func() error) error {
	key := sharedKeyPrefix + name
	for {
		n, err := r.client.LLen(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to count shared locks %q: %w", name, err)
		}
		if n == 0 {
			return nil
		}

		entries, err := r.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return fmt.Errorf("failed to list shared locks %q: %w", name, err)
		}
		for _, e := range entries {
			if expiryOf(e).Before(time.Now()) {
				if r.client.LRem(ctx, key, 0, e).Val() > 0 {
					metricStaleEvictions.WithLabelValues(name, "shared").Inc()
				}
			}
		}

		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: shared locks still present on %q", ErrLockTimeout, name)
		}
		if err := wait(); err != nil {
			return err
		}
	}
}

// evictStaleExclusive deletes an exclusive entry whose expiry is in the past
// so a crashed holder does not wedge the name forever.
func (r *Registry) evictStaleExclusive(ctx context.Context, name, mode string) {
	val, err := r.client.Get(ctx, exclusiveKeyPrefix+name).Result()
	if err != nil {
		return
	}
	if expiryOf(val).Before(time.Now()) {
		if r.client.Del(ctx, exclusiveKeyPrefix+name).Val() > 0 {
			metricStaleEvictions.WithLabelValues(name, mode).Inc()
			level.Warn(r.logger).Log("msg", "deleted stale exclusive lock", "name", name, "entry", val)
		}
	}
}

// newWaiter returns a function that sleeps one step, honoring ctx.
func (r *Registry) newWaiter(ctx context.Context) func() error {
	b := backoff.New(ctx, backoff.Config{
		MinBackoff: r.cfg.Step,
		MaxBackoff: r.cfg.Step,
	})
	return func() error {
		b.Wait()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	}
}

// newEntry encodes (expiry, owner) plus a nonce so concurrent shared entries
// from one process stay distinct in the Redis list.
func (r *Registry) newEntry() string {
	expiry := time.Now().Add(r.cfg.Expiry)
	return fmt.Sprintf("%d:%s:%s", expiry.UnixNano(), r.owner, uuid.NewString())
}

func expiryOf(entry string) time.Time {
	fields := strings.SplitN(entry, ":", 2)
	nanos, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		// Unparseable entries are treated as fresh; deleting them blind
		// could break a live holder written by a newer version.
		return time.Now().Add(time.Hour)
	}
	return time.Unix(0, nanos)
}

// Release removes the caller's own entry. It never touches other holders'
// entries and may be called more than once.
func (l *Lock) Release(ctx context.Context) error {
	if l.released {
		return nil
	}
	l.released = true

	if l.shared {
		if err := l.registry.client.LRem(ctx, sharedKeyPrefix+l.name, 0, l.entry).Err(); err != nil {
			return fmt.Errorf("failed to release shared lock %q: %w", l.name, err)
		}
		return nil
	}
	if err := l.registry.client.Del(ctx, exclusiveKeyPrefix+l.name).Err(); err != nil {
		return fmt.Errorf("failed to release exclusive lock %q: %w", l.name, err)
	}
	return nil
}

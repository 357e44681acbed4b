// Package quota meters upstream bytes against the feed's sliding-window
// budget. The bill is kept in the store (the api_call table) rather than in
// memory so multiple worker processes share one accurate ledger.
package quota

import (
	"context"
	"errors"
	"flag"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/busmap/busmapd/pkg/store"
)

// ErrQuotaExhausted is returned by Precheck when the window budget is spent.
// Callers abort the current batch; they do not retry inline.
var ErrQuotaExhausted = errors.New("upstream byte quota exhausted")

var metricRejections = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "busmap",
	Name:      "quota_rejections_total",
	Help:      "Total number of upstream requests refused by the quota meter.",
})

type Config struct {
	// Window is the width of the sliding accounting window.
	Window time.Duration `yaml:"window"`
	// MaxBytes is the byte budget per window.
	MaxBytes int64 `yaml:"max_bytes"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.Window, prefix+"quota.window", 20*time.Second, "Sliding window over which upstream bytes are accounted.")
	f.Int64Var(&cfg.MaxBytes, prefix+"quota.max-bytes", 2<<20, "Upstream byte budget per window.")
}

// Meter answers "may I spend bytes now?". It is advisory: a request in
// flight when the budget runs out still completes and is billed, which is
// why the invariant allows a one-request overshoot.
type Meter struct {
	cfg   Config
	store store.QuotaReader
	now   func() time.Time
}

func NewMeter(cfg Config, store store.QuotaReader) *Meter {
	return &Meter{
		cfg:   cfg,
		store: store,
		now:   time.Now,
	}
}

// SetNowFunc overrides the clock. Used by tests.
func (m *Meter) SetNowFunc(now func() time.Time) {
	m.now = now
}

// Remaining returns the unspent bytes in the current window, floored at zero.
func (m *Meter) Remaining(ctx context.Context) (int64, error) {
	spent, err := m.store.BytesFetchedSince(ctx, m.now().Add(-m.cfg.Window))
	if err != nil {
		return 0, err
	}
	if spent >= m.cfg.MaxBytes {
		return 0, nil
	}
	return m.cfg.MaxBytes - spent, nil
}

// Precheck returns ErrQuotaExhausted when no budget remains.
func (m *Meter) Precheck(ctx context.Context) error {
	remaining, err := m.Remaining(ctx)
	if err != nil {
		return err
	}
	if remaining <= 0 {
		metricRejections.Inc()
		return ErrQuotaExhausted
	}
	return nil
}

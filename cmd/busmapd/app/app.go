// Package app wires configuration, logging, the store, the lock registry,
// the upstream client and the long-running services into one process.
package app

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	dslog "github.com/grafana/dskit/log"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/busmap/busmapd/modules/api"
	"github.com/busmap/busmapd/modules/ingester"
	"github.com/busmap/busmapd/modules/scheduler"
	"github.com/busmap/busmapd/pkg/lock"
	"github.com/busmap/busmapd/pkg/nextbus"
	"github.com/busmap/busmapd/pkg/quota"
	"github.com/busmap/busmapd/pkg/store/sqlitestore"
	"github.com/busmap/busmapd/pkg/util/log"
)

// Default task cadence. Overridable per task through scheduler.schedule.
const (
	defaultAgenciesInterval    = 7 * 24 * time.Hour
	defaultRoutesInterval      = 24 * time.Hour
	defaultPredictionsInterval = 9 * time.Second
	defaultLocationsInterval   = 4 * time.Second
	defaultEvictionInterval    = 5 * time.Minute
)

// Config is the root config for the busmapd process.
type Config struct {
	LogLevel  dslog.Level `yaml:"log_level"`
	LogFormat string      `yaml:"log_format"`

	RedisAddress         string `yaml:"redis_address"`
	MetricsListenAddress string `yaml:"metrics_listen_address"`

	DB        sqlitestore.Config `yaml:"db"`
	Nextbus   nextbus.Config     `yaml:"nextbus"`
	Lock      lock.Config        `yaml:"lock"`
	Ingester  ingester.Config    `yaml:"ingester"`
	Scheduler scheduler.Config   `yaml:"scheduler"`
	API       api.Config         `yaml:"api"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.LogLevel.RegisterFlags(f)
	f.StringVar(&c.LogFormat, "log.format", "logfmt", "Log format, logfmt or json.")
	f.StringVar(&c.RedisAddress, "redis.address", "127.0.0.1:6379", "Address of the Redis instance backing the lock registry.")
	f.StringVar(&c.MetricsListenAddress, "metrics.listen-address", ":9090", "Address the metrics endpoint listens on.")

	c.DB.RegisterFlagsAndApplyDefaults(prefix, f)
	c.Nextbus.RegisterFlagsAndApplyDefaults(prefix, f)
	c.Lock.RegisterFlagsAndApplyDefaults(prefix, f)
	c.Ingester.RegisterFlagsAndApplyDefaults(prefix, f)
	c.Scheduler.RegisterFlagsAndApplyDefaults(prefix, f)
	c.API.RegisterFlagsAndApplyDefaults(prefix, f)
}

// App owns every wired component of the process.
type App struct {
	cfg    Config
	logger kitlog.Logger

	store       *sqlitestore.Store
	redisClient *redis.Client
	client      *nextbus.Client
	ingester    *ingester.Ingester
	scheduler   *scheduler.Scheduler
	api         *api.API
}

func New(cfg Config) (*App, error) {
	logger := log.Logger

	s, err := sqlitestore.New(cfg.DB)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open store")
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
	locks := lock.NewRegistry(cfg.Lock, redisClient, logger)

	meter := quota.NewMeter(cfg.Nextbus.Quota, s)
	client := nextbus.NewClient(cfg.Nextbus, meter, s, logger)

	ing := ingester.New(cfg.Ingester, s, locks, client, logger)

	a := &App{
		cfg:         cfg,
		logger:      logger,
		store:       s,
		redisClient: redisClient,
		client:      client,
		ingester:    ing,
		api:         api.New(cfg.API, s, logger),
	}
	a.scheduler = scheduler.New(cfg.Scheduler, a.scheduleEntries(), logger)
	return a, nil
}

func (a *App) scheduleEntries() []scheduler.Entry {
	agencies := []string(a.cfg.Ingester.Agencies)
	return []scheduler.Entry{
		{
			Name:     "refresh_agencies",
			Interval: defaultAgenciesInterval,
			Run: func(ctx context.Context) error {
				_, err := a.ingester.RefreshAgencies(ctx, true)
				return err
			},
		},
		{
			Name:     "refresh_routes",
			Interval: defaultRoutesInterval,
			Run: func(ctx context.Context) error {
				_, err := a.ingester.RefreshRoutes(ctx, agencies, true)
				return err
			},
		},
		{
			Name:     "refresh_predictions",
			Interval: defaultPredictionsInterval,
			Run: func(ctx context.Context) error {
				_, err := a.ingester.RefreshPredictions(ctx, agencies, true)
				return err
			},
		},
		{
			Name:     "refresh_vehicle_locations",
			Interval: defaultLocationsInterval,
			Run: func(ctx context.Context) error {
				_, err := a.ingester.RefreshVehicleLocations(ctx, agencies)
				return err
			},
		},
		{
			Name:     "evict_stale_predictions",
			Interval: defaultEvictionInterval,
			Run: func(ctx context.Context) error {
				_, err := a.ingester.EvictStalePredictions(ctx)
				return err
			},
		},
		{
			Name:     "evict_stale_vehicle_locations",
			Interval: defaultEvictionInterval,
			Run: func(ctx context.Context) error {
				_, err := a.ingester.EvictStaleVehicleLocations(ctx)
				return err
			},
		},
	}
}

// bootstrap seeds an empty store so the map is usable before the first
// scheduled agency refresh, which may be days away.
func (a *App) bootstrap(ctx context.Context) {
	agencies, err := a.store.Agencies(ctx)
	if err != nil {
		level.Error(a.logger).Log("msg", "bootstrap store check failed", "err", err)
		return
	}
	if len(agencies) > 0 {
		return
	}

	level.Info(a.logger).Log("msg", "store is empty, seeding agencies and routes")
	if _, err := a.ingester.RefreshAgencies(ctx, true); err != nil {
		level.Warn(a.logger).Log("msg", "bootstrap agency refresh failed", "err", err)
		return
	}
	if _, err := a.ingester.RefreshRoutes(ctx, a.cfg.Ingester.Agencies, true); err != nil {
		level.Warn(a.logger).Log("msg", "bootstrap route refresh failed", "err", err)
	}
}

// Run starts the services and blocks until shutdown.
func (a *App) Run() error {
	defer func() {
		a.client.Shutdown()
		_ = a.redisClient.Close()
		if err := a.store.Close(); err != nil {
			level.Warn(a.logger).Log("msg", "failed to close store", "err", err)
		}
	}()

	a.bootstrap(context.Background())

	sm, err := services.NewManager(a.scheduler, a.api)
	if err != nil {
		return fmt.Errorf("failed to create service manager: %w", err)
	}

	healthy := func() { level.Info(a.logger).Log("msg", "busmapd started") }
	stopped := func() { level.Info(a.logger).Log("msg", "busmapd stopped") }
	serviceFailed := func(service services.Service) {
		sm.StopAsync()
		level.Error(a.logger).Log("msg", "service failed", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !sm.IsHealthy() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ready")
	})
	go func() {
		if err := http.ListenAndServe(a.cfg.MetricsListenAddress, mux); err != nil && err != http.ErrServerClosed {
			level.Error(a.logger).Log("msg", "metrics server failed", "err", err)
		}
	}()

	// Stop the manager, and with it every service, on SIGINT/SIGTERM.
	handler := signals.NewHandler(a.logger)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()

	if err := sm.StartAsync(context.Background()); err != nil {
		return fmt.Errorf("failed to start services: %w", err)
	}
	return sm.AwaitStopped(context.Background())
}

// Package ingester implements the refresh tasks that pull agency, route,
// prediction and vehicle-location data from the upstream feed into the store.
// Tasks are serialized against each other through the lock registry so
// readers never observe a half-truncated agency or route set.
package ingester

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/busmap/busmapd/pkg/lock"
	"github.com/busmap/busmapd/pkg/model"
	"github.com/busmap/busmapd/pkg/nextbus"
	"github.com/busmap/busmapd/pkg/store"
)

// Lock names. Agency refresh takes agencies exclusive. Route refresh takes
// agencies shared and routes exclusive. Prediction and location pulls take
// both shared.
const (
	lockAgencies = "agencies"
	lockRoutes   = "routes"
)

const (
	// predictionBatchLimit is the upstream cap on route|stop pairs per
	// predictionsForMultiStops call.
	predictionBatchLimit = 150
)

// ErrProtocolViolation means an upstream response referenced data the feed
// itself never announced, e.g. a prediction for an unknown stop. It indicates
// schema drift between our route snapshot and the feed.
var ErrProtocolViolation = errors.New("upstream response references unknown data")

var (
	metricRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "busmap",
		Name:      "ingest_records_total",
		Help:      "Total records persisted per ingestion task.",
	}, []string{"task"})
	metricEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "busmap",
		Name:      "ingest_evicted_rows_total",
		Help:      "Total rows deleted by age-based eviction.",
	}, []string{"kind"})
)

type Config struct {
	// Agencies is the list of agency tags the scheduler refreshes.
	Agencies flagext.StringSlice `yaml:"agencies"`

	PredictionsMaxAge time.Duration `yaml:"predictions_max_age"`
	LocationsMaxAge   time.Duration `yaml:"locations_max_age"`

	// SameStopLat and SameStopLon are the degree tolerances within which two
	// same-titled upstream stops are coalesced into one.
	SameStopLat float64 `yaml:"same_stop_lat"`
	SameStopLon float64 `yaml:"same_stop_lon"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.Var(&cfg.Agencies, prefix+"ingester.agencies", "Agency tags to refresh. Repeat the flag for multiple agencies.")
	f.DurationVar(&cfg.PredictionsMaxAge, prefix+"ingester.predictions-max-age", 5*time.Minute, "Age past which predictions are evicted.")
	f.DurationVar(&cfg.LocationsMaxAge, prefix+"ingester.locations-max-age", 30*time.Minute, "Age past which vehicle locations are evicted.")
	f.Float64Var(&cfg.SameStopLat, prefix+"ingester.same-stop-lat", 0.005, "Latitude tolerance in degrees for stop coalescing.")
	f.Float64Var(&cfg.SameStopLon, prefix+"ingester.same-stop-lon", 0.005, "Longitude tolerance in degrees for stop coalescing.")
}

type Ingester struct {
	cfg    Config
	store  store.Store
	locks  *lock.Registry
	client *nextbus.Client
	logger log.Logger
	now    func() time.Time
}

func New(cfg Config, s store.Store, locks *lock.Registry, client *nextbus.Client, logger log.Logger) *Ingester {
	return &Ingester{
		cfg:    cfg,
		store:  s,
		locks:  locks,
		client: client,
		logger: logger,
		now:    time.Now,
	}
}

// RefreshAgencies replaces the agency set from one agencyList call. Truncate
// deletes all agencies first; the cascade wipes their routes.
func (i *Ingester) RefreshAgencies(ctx context.Context, truncate bool) (int, error) {
	l, err := i.locks.AcquireExclusive(ctx, lockAgencies)
	if err != nil {
		return 0, err
	}
	defer func() { _ = l.Release(ctx) }()

	elements, call, err := i.client.Request(ctx, url.Values{"command": {"agencyList"}}, "agency")
	if err != nil {
		return 0, err
	}
	if elements == nil {
		level.Warn(i.logger).Log("msg", "agency refresh skipped, upstream unavailable")
		return 0, nil
	}

	records := nextbus.NormalizeAgencies(elements)
	err = i.store.WithTx(ctx, func(tx store.Tx) error {
		if truncate {
			if err := tx.DeleteAgencies(); err != nil {
				return err
			}
		}
		for _, rec := range records {
			region, err := tx.GetOrCreateRegion(rec.RegionTitle, callID(call))
			if err != nil {
				return err
			}
			if err := tx.UpsertAgency(&model.Agency{
				Tag:        rec.Tag,
				Title:      rec.Title,
				ShortTitle: rec.ShortTitle,
				RegionID:   region.ID,
				APICallID:  callID(call),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	metricRecords.WithLabelValues("agencies").Add(float64(len(records)))
	level.Info(i.logger).Log("msg", "agencies refreshed", "count", len(records))
	return len(records), nil
}

// routeFetch is one normalized route plus the call that produced it.
type routeFetch struct {
	rec  nextbus.RouteRecord
	call *model.APICall
}

// RefreshRoutes replaces routes, directions and route-stop associations for
// the given agencies. A routeList call yields the tags; an unqualified
// routeConfig call yields full configs for the first hundred routes; the
// remainder is fetched concurrently one route per call. Stops survive the
// truncate and are coalesced into existing rows.
func (i *Ingester) RefreshRoutes(ctx context.Context, agencyTags []string, truncate bool) (int, error) {
	shared, err := i.locks.AcquireShared(ctx, lockAgencies)
	if err != nil {
		return 0, err
	}
	defer func() { _ = shared.Release(ctx) }()

	excl, err := i.locks.AcquireExclusive(ctx, lockRoutes)
	if err != nil {
		return 0, err
	}
	defer func() { _ = excl.Release(ctx) }()

	total := 0
	for _, tag := range agencyTags {
		agency, err := i.store.AgencyByTag(ctx, tag)
		if err != nil {
			return total, err
		}
		if agency == nil {
			level.Warn(i.logger).Log("msg", "skipping unknown agency", "agency", tag)
			continue
		}

		fetches, err := i.fetchRoutes(ctx, tag)
		if err != nil {
			return total, err
		}
		if fetches == nil {
			continue
		}

		err = i.store.WithTx(ctx, func(tx store.Tx) error {
			if truncate {
				if err := tx.DeleteRoutesForAgency(agency.ID); err != nil {
					return err
				}
			}
			for _, f := range fetches {
				if err := i.saveRoute(tx, agency.ID, f); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return total, err
		}

		total += len(fetches)
		metricRecords.WithLabelValues("routes").Add(float64(len(fetches)))
		level.Info(i.logger).Log("msg", "routes refreshed", "agency", tag, "count", len(fetches))
	}
	return total, nil
}

// fetchRoutes pulls all route configs for one agency. Returns nil when the
// routeList itself was transiently unavailable.
func (i *Ingester) fetchRoutes(ctx context.Context, agencyTag string) ([]routeFetch, error) {
	listed, _, err := i.client.Request(ctx, url.Values{
		"command": {"routeList"},
		"a":       {agencyTag},
	}, "route")
	if err != nil {
		return nil, err
	}
	if listed == nil {
		level.Warn(i.logger).Log("msg", "route refresh skipped, routeList unavailable", "agency", agencyTag)
		return nil, nil
	}

	// The unqualified routeConfig returns full configs for up to 100 routes
	// in one response.
	batch, batchCall, err := i.client.Request(ctx, url.Values{
		"command": {"routeConfig"},
		"a":       {agencyTag},
	}, "route")
	if err != nil {
		return nil, err
	}

	var fetches []routeFetch
	done := map[string]bool{}
	for _, rec := range nextbus.NormalizeRoutes(batch) {
		fetches = append(fetches, routeFetch{rec: rec, call: batchCall})
		done[rec.Tag] = true
	}

	var remainder []nextbus.BatchRequest
	for _, el := range listed {
		routeTag := el.Attr("tag")
		if routeTag == "" || done[routeTag] {
			continue
		}
		remainder = append(remainder, nextbus.BatchRequest{
			Params: url.Values{
				"command": {"routeConfig"},
				"a":       {agencyTag},
				"route":   {routeTag},
			},
			TagName: "route",
		})
	}
	if len(remainder) > 0 {
		results, err := i.client.Batch(ctx, remainder)
		if err != nil {
			return nil, err
		}
		for _, res := range results {
			if res.Err != nil {
				return nil, res.Err
			}
			if res.Elements == nil {
				continue
			}
			for _, rec := range nextbus.NormalizeRoutes(res.Elements) {
				fetches = append(fetches, routeFetch{rec: rec, call: res.Call})
			}
		}
	}
	return fetches, nil
}

func (i *Ingester) saveRoute(tx store.Tx, agencyID int64, f routeFetch) error {
	route := &model.Route{
		AgencyID:      agencyID,
		Tag:           f.rec.Tag,
		Title:         f.rec.Title,
		ShortTitle:    f.rec.ShortTitle,
		Color:         f.rec.Color,
		OppositeColor: f.rec.OppositeColor,
		LatMin:        f.rec.LatMin,
		LatMax:        f.rec.LatMax,
		LonMin:        f.rec.LonMin,
		LonMax:        f.rec.LonMax,
		APICallID:     callID(f.call),
	}
	if err := tx.InsertRoute(route); err != nil {
		return err
	}

	for _, d := range f.rec.Directions {
		if err := tx.InsertDirection(&model.Direction{
			RouteID:   route.ID,
			Tag:       d.Tag,
			Title:     d.Title,
			Name:      d.Name,
			APICallID: callID(f.call),
		}); err != nil {
			return err
		}
	}

	for _, s := range f.rec.Stops {
		stop, err := tx.GetOrCreateStop(store.StopCandidate{
			Title:     s.Title,
			Lat:       s.Lat,
			Lon:       s.Lon,
			StopID:    s.StopID,
			APICallID: callID(f.call),
		}, i.cfg.SameStopLat, i.cfg.SameStopLon)
		if err != nil {
			return err
		}
		if err := tx.UpsertRouteStop(&model.RouteStop{
			RouteID: route.ID,
			StopID:  stop.ID,
			StopTag: s.Tag,
		}); err != nil {
			return err
		}
	}
	return nil
}

// routeLookups are the pre-loaded maps a prediction or location pull resolves
// upstream tags against. They are read before dispatch, under the shared
// routes lock, so the snapshot is consistent for the whole pull.
type routeLookups struct {
	routeByTag map[string]*model.Route
	stopTags   map[int64]map[string]int64 // route id → stop tag → stop id
	directions map[int64]map[string]int64 // route id → direction tag → id
}

func (i *Ingester) loadRouteLookups(ctx context.Context, agencyID int64) ([]*model.Route, *routeLookups, error) {
	routes, err := i.store.RoutesForAgency(ctx, agencyID)
	if err != nil {
		return nil, nil, err
	}
	lookups := &routeLookups{
		routeByTag: make(map[string]*model.Route, len(routes)),
		stopTags:   make(map[int64]map[string]int64, len(routes)),
		directions: make(map[int64]map[string]int64, len(routes)),
	}
	for _, r := range routes {
		lookups.routeByTag[r.Tag] = r

		tags, err := i.store.StopTagsForRoute(ctx, r.ID)
		if err != nil {
			return nil, nil, err
		}
		lookups.stopTags[r.ID] = tags

		dirs, err := i.store.DirectionsForRoute(ctx, r.ID)
		if err != nil {
			return nil, nil, err
		}
		byTag := make(map[string]int64, len(dirs))
		for _, d := range dirs {
			byTag[d.Tag] = d.ID
		}
		lookups.directions[r.ID] = byTag
	}
	return routes, lookups, nil
}

// RefreshPredictions pulls arrival predictions for every stop of every route
// of the given agencies. Requests are grouped per agency and batched at the
// upstream's 150 route|stop pair cap. A prediction for a stop the route never
// announced is a protocol violation; an unknown direction tag is recorded as
// a null direction.
func (i *Ingester) RefreshPredictions(ctx context.Context, agencyTags []string, truncate bool) (int, error) {
	shared, err := i.locks.AcquireShared(ctx, lockAgencies)
	if err != nil {
		return 0, err
	}
	defer func() { _ = shared.Release(ctx) }()

	sharedRoutes, err := i.locks.AcquireShared(ctx, lockRoutes)
	if err != nil {
		return 0, err
	}
	defer func() { _ = sharedRoutes.Release(ctx) }()

	total := 0
	for _, tag := range agencyTags {
		agency, err := i.store.AgencyByTag(ctx, tag)
		if err != nil {
			return total, err
		}
		if agency == nil {
			continue
		}

		routes, lookups, err := i.loadRouteLookups(ctx, agency.ID)
		if err != nil {
			return total, err
		}

		var pairs []string
		for _, r := range routes {
			for stopTag := range lookups.stopTags[r.ID] {
				pairs = append(pairs, r.Tag+"|"+stopTag)
			}
		}
		if len(pairs) == 0 {
			continue
		}

		var reqs []nextbus.BatchRequest
		for start := 0; start < len(pairs); start += predictionBatchLimit {
			end := start + predictionBatchLimit
			if end > len(pairs) {
				end = len(pairs)
			}
			reqs = append(reqs, nextbus.BatchRequest{
				Params: url.Values{
					"command": {"predictionsForMultiStops"},
					"a":       {tag},
					"stops":   pairs[start:end],
				},
				TagName: "predictions",
			})
		}

		results, err := i.client.Batch(ctx, reqs)
		if err != nil {
			return total, err
		}

		var rows []*model.Prediction
		for _, res := range results {
			if res.Err != nil {
				return total, res.Err
			}
			if res.Elements == nil {
				continue
			}
			batchRows, err := i.predictionRows(nextbus.NormalizePredictions(res.Elements), lookups, res.Call)
			if err != nil {
				return total, err
			}
			rows = append(rows, batchRows...)
		}

		err = i.store.WithTx(ctx, func(tx store.Tx) error {
			if truncate {
				routeIDs := make([]int64, 0, len(routes))
				for _, r := range routes {
					routeIDs = append(routeIDs, r.ID)
				}
				if _, err := tx.DeletePredictionsForRoutes(routeIDs); err != nil {
					return err
				}
			}
			return tx.InsertPredictions(rows)
		})
		if err != nil {
			return total, err
		}

		total += len(rows)
		metricRecords.WithLabelValues("predictions").Add(float64(len(rows)))
		level.Debug(i.logger).Log("msg", "predictions refreshed", "agency", tag, "count", len(rows))
	}
	return total, nil
}

func (i *Ingester) predictionRows(sets []nextbus.PredictionSet, lookups *routeLookups, call *model.APICall) ([]*model.Prediction, error) {
	var rows []*model.Prediction
	for _, set := range sets {
		route, ok := lookups.routeByTag[set.RouteTag]
		if !ok {
			return nil, fmt.Errorf("%w: predictions for route %q", ErrProtocolViolation, set.RouteTag)
		}
		stopID, ok := lookups.stopTags[route.ID][set.StopTag]
		if !ok {
			return nil, fmt.Errorf("%w: predictions for stop %q on route %q", ErrProtocolViolation, set.StopTag, set.RouteTag)
		}
		for _, p := range set.Predictions {
			var directionID *int64
			if id, ok := lookups.directions[route.ID][p.DirTag]; ok {
				directionID = &id
			}
			rows = append(rows, &model.Prediction{
				RouteID:     route.ID,
				StopID:      stopID,
				DirectionID: directionID,
				Vehicle:     p.Vehicle,
				Block:       p.Block,
				Prediction:  p.Time,
				IsDeparture: p.IsDeparture,
				HasLayover:  p.HasLayover,
				APICallID:   callID(call),
			})
		}
	}
	return rows, nil
}

// RefreshVehicleLocations pulls GPS samples for every route of the given
// agencies. Each request carries t=<ms-epoch> of the latest sample already
// stored for that route so the upstream only returns newer samples.
func (i *Ingester) RefreshVehicleLocations(ctx context.Context, agencyTags []string) (int, error) {
	shared, err := i.locks.AcquireShared(ctx, lockAgencies)
	if err != nil {
		return 0, err
	}
	defer func() { _ = shared.Release(ctx) }()

	sharedRoutes, err := i.locks.AcquireShared(ctx, lockRoutes)
	if err != nil {
		return 0, err
	}
	defer func() { _ = sharedRoutes.Release(ctx) }()

	total := 0
	for _, tag := range agencyTags {
		agency, err := i.store.AgencyByTag(ctx, tag)
		if err != nil {
			return total, err
		}
		if agency == nil {
			continue
		}

		routes, lookups, err := i.loadRouteLookups(ctx, agency.ID)
		if err != nil {
			return total, err
		}
		if len(routes) == 0 {
			continue
		}

		reqs := make([]nextbus.BatchRequest, 0, len(routes))
		for _, r := range routes {
			last, err := i.store.LatestVehicleLocationTime(ctx, r.ID)
			if err != nil {
				return total, err
			}
			var lastMillis int64
			if !last.IsZero() {
				lastMillis = last.UnixMilli()
			}
			reqs = append(reqs, nextbus.BatchRequest{
				Params: url.Values{
					"command": {"vehicleLocations"},
					"a":       {tag},
					"r":       {r.Tag},
					"t":       {strconv.FormatInt(lastMillis, 10)},
				},
				TagName: "vehicle",
			})
		}

		results, err := i.client.Batch(ctx, reqs)
		if err != nil {
			return total, err
		}

		now := i.now()
		var rows []*model.VehicleLocation
		for ri, res := range results {
			if res.Err != nil {
				return total, res.Err
			}
			if res.Elements == nil {
				continue
			}
			route := routes[ri]
			for _, v := range nextbus.NormalizeVehicles(res.Elements, now) {
				var directionID *int64
				if id, ok := lookups.directions[route.ID][v.DirTag]; ok {
					directionID = &id
				}
				rows = append(rows, &model.VehicleLocation{
					Vehicle:     v.Vehicle,
					RouteID:     route.ID,
					DirectionID: directionID,
					Lat:         v.Lat,
					Lon:         v.Lon,
					Time:        v.Time,
					Predictable: v.Predictable,
					Heading:     v.Heading,
					Speed:       v.SpeedKmHr,
					APICallID:   callID(res.Call),
				})
			}
		}

		if len(rows) > 0 {
			err = i.store.WithTx(ctx, func(tx store.Tx) error {
				return tx.InsertVehicleLocations(rows)
			})
			if err != nil {
				return total, err
			}
		}

		total += len(rows)
		metricRecords.WithLabelValues("vehicle_locations").Add(float64(len(rows)))
		level.Debug(i.logger).Log("msg", "vehicle locations refreshed", "agency", tag, "count", len(rows))
	}
	return total, nil
}

// EvictStalePredictions deletes predictions older than the configured age.
func (i *Ingester) EvictStalePredictions(ctx context.Context) (int64, error) {
	var deleted int64
	err := i.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		deleted, err = tx.DeletePredictionsBefore(i.now().Add(-i.cfg.PredictionsMaxAge))
		return err
	})
	if err != nil {
		return 0, err
	}
	metricEvicted.WithLabelValues("predictions").Add(float64(deleted))
	return deleted, nil
}

// EvictStaleVehicleLocations deletes samples older than the configured age.
func (i *Ingester) EvictStaleVehicleLocations(ctx context.Context) (int64, error) {
	var deleted int64
	err := i.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		deleted, err = tx.DeleteVehicleLocationsBefore(i.now().Add(-i.cfg.LocationsMaxAge))
		return err
	})
	if err != nil {
		return 0, err
	}
	metricEvicted.WithLabelValues("vehicle_locations").Add(float64(deleted))
	return deleted, nil
}

// SetNowFunc overrides the clock. Used by tests.
func (i *Ingester) SetNowFunc(now func() time.Time) {
	i.now = now
}

func callID(c *model.APICall) *int64 {
	if c == nil || c.ID == 0 {
		return nil
	}
	id := c.ID
	return &id
}

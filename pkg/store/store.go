// Package store defines the persistence contract of the ingestion engine.
// Implementations live in subpackages; tasks and the API surface depend only
// on these interfaces.
package store

import (
	"context"
	"time"

	"github.com/busmap/busmapd/pkg/model"
)

// APICallWriter appends upstream-call records. Every byte drawn from the
// upstream must land here, including failures, so the quota stays truthful.
type APICallWriter interface {
	InsertAPICall(ctx context.Context, c *model.APICall) error
	// InsertAPICalls writes a batch atomically. Used after concurrent fan-in.
	InsertAPICalls(ctx context.Context, cs []*model.APICall) error
}

// QuotaReader answers how many upstream bytes were consumed since a point in
// time. Rows with unknown size count as zero.
type QuotaReader interface {
	BytesFetchedSince(ctx context.Context, since time.Time) (int64, error)
}

// StopOnRoute pairs a stop with the tag the route uses to address it.
type StopOnRoute struct {
	Stop model.Stop
	Tag  string
}

// Reader is the read surface shared by the ingestion tasks (pre-loaded
// lookup maps) and the JSON API.
type Reader interface {
	Agencies(ctx context.Context) ([]*model.Agency, error)
	AgencyByTag(ctx context.Context, tag string) (*model.Agency, error)
	AgencyBounds(ctx context.Context, agencyID int64) (*model.AgencyBounds, error)
	RegionTitle(ctx context.Context, regionID int64) (string, error)

	RoutesForAgency(ctx context.Context, agencyID int64) ([]*model.Route, error)
	DirectionsForRoute(ctx context.Context, routeID int64) ([]*model.Direction, error)
	StopsForRoute(ctx context.Context, routeID int64) ([]StopOnRoute, error)
	// StopTagsForRoute returns the route's local stop_tag → stop id map.
	StopTagsForRoute(ctx context.Context, routeID int64) (map[string]int64, error)

	PredictionsForRoute(ctx context.Context, routeID int64) ([]*model.Prediction, error)
	VehicleLocationsForRoute(ctx context.Context, routeID int64) ([]*model.VehicleLocation, error)
	// LatestVehicleLocationTime returns the zero time when the route has no
	// samples yet.
	LatestVehicleLocationTime(ctx context.Context, routeID int64) (time.Time, error)
}

// StopCandidate is one upstream stop observation to be coalesced.
type StopCandidate struct {
	Title     string
	Lat       float64
	Lon       float64
	StopID    *int64
	APICallID *int64
}

// Tx is the write surface available inside a transaction. Deletes cascade
// per the schema: agencies → routes → directions/locations/route_stop.
type Tx interface {
	DeleteAgencies() error
	GetOrCreateRegion(title string, apiCallID *int64) (*model.Region, error)
	UpsertAgency(a *model.Agency) error

	DeleteRoutesForAgency(agencyID int64) error
	InsertRoute(r *model.Route) error
	InsertDirection(d *model.Direction) error
	// GetOrCreateStop applies the streaming-mean coalescing rule with the
	// given degree tolerances.
	GetOrCreateStop(c StopCandidate, latTol, lonTol float64) (*model.Stop, error)
	UpsertRouteStop(rs *model.RouteStop) error

	DeletePredictionsForRoutes(routeIDs []int64) (int64, error)
	InsertPredictions(ps []*model.Prediction) error
	InsertVehicleLocations(ls []*model.VehicleLocation) error

	DeletePredictionsBefore(t time.Time) (int64, error)
	DeleteVehicleLocationsBefore(t time.Time) (int64, error)
}

// Store is the full persistence handle. WithTx runs fn inside a transaction,
// committing on nil and rolling back on error.
type Store interface {
	APICallWriter
	QuotaReader
	Reader

	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

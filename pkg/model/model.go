// Package model declares the entities persisted by the store. All ids are
// surrogate integers assigned by the database.
package model

import (
	"net/url"
	"time"
)

// Source identifies where an APICall's data came from.
type Source string

// SourceNextbus is the only upstream currently ingested.
const SourceNextbus Source = "Nextbus"

// APICall records one retrieval from the upstream feed. It doubles as the
// quota ledger (Size is summed over a sliding window) and as provenance on
// every other entity.
type APICall struct {
	ID     int64
	URL    string
	Params url.Values
	Size   int64
	Status int
	Error  string
	Source Source
	Time   time.Time
}

// Region is a named geographic area. Created on first reference and never
// mutated.
type Region struct {
	ID        int64
	Title     string
	APICallID *int64
}

// Agency is a transit operator. Its bounding box is derived from its routes
// and is never stored (see store.AgencyBounds).
type Agency struct {
	ID         int64
	Tag        string
	Title      string
	ShortTitle string
	RegionID   int64
	APICallID  *int64
}

// AgencyBounds is the derived min/max extent of an agency's routes. Nil
// fields mean the agency has no routes yet.
type AgencyBounds struct {
	LatMin *float64
	LatMax *float64
	LonMin *float64
	LonMax *float64
}

// Route is a transit line owned by an agency.
type Route struct {
	ID            int64
	AgencyID      int64
	Tag           string
	Title         string
	ShortTitle    string
	Color         string
	OppositeColor string
	LatMin        float64
	LatMax        float64
	LonMin        float64
	LonMax        float64
	APICallID     *int64
}

// Direction is a named operating direction of a route.
type Direction struct {
	ID        int64
	RouteID   int64
	Tag       string
	Title     string
	Name      string
	APICallID *int64
}

// Stop is a physical boarding location shared across routes. (Lat, Lon) is
// the streaming mean of all upstream samples coalesced into this stop and
// LatLonCount is how many samples contributed.
type Stop struct {
	ID          int64
	StopID      *int64
	Title       string
	Lat         float64
	Lon         float64
	LatLonCount int
	APICallID   *int64
}

// RouteStop associates a route with a stop and carries the tag the route
// uses locally to refer to the stop. Stop tags are not unique globally.
type RouteStop struct {
	RouteID int64
	StopID  int64
	StopTag string
}

// Prediction is an arrival-time forecast. Immutable; evicted by age.
type Prediction struct {
	ID          int64
	RouteID     int64
	StopID      int64
	DirectionID *int64
	Vehicle     string
	Block       string
	Prediction  time.Time
	Created     time.Time
	IsDeparture bool
	HasLayover  bool
	APICallID   *int64
}

// VehicleLocation is a timestamped GPS sample. Immutable; evicted by age.
type VehicleLocation struct {
	ID          int64
	Vehicle     string
	RouteID     int64
	DirectionID *int64
	Lat         float64
	Lon         float64
	Time        time.Time
	Predictable bool
	Heading     *int
	Speed       float64
	APICallID   *int64
}

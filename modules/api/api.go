// Package api serves the read-only JSON surface consumed by the map UI. It
// never writes; the ingestion tasks own all mutation.
package api

import (
	"context"
	"flag"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/busmap/busmapd/pkg/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "busmap",
	Name:      "api_requests_total",
	Help:      "Total API requests by handler and status code.",
}, []string{"handler", "code"})

type Config struct {
	ListenAddress string `yaml:"listen_address"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.ListenAddress, prefix+"api.listen-address", ":8080", "Address the JSON API listens on.")
}

type API struct {
	services.Service

	cfg    Config
	reader store.Reader
	logger log.Logger

	router   *mux.Router
	server   *http.Server
	listener net.Listener
}

func New(cfg Config, reader store.Reader, logger log.Logger) *API {
	a := &API{
		cfg:    cfg,
		reader: reader,
		logger: logger,
		router: mux.NewRouter(),
	}

	a.router.HandleFunc("/api/agencies", a.instrument("agencies", a.handleAgencies)).Methods(http.MethodGet)
	a.router.HandleFunc("/api/agencies/{tag}/routes", a.instrument("agency_routes", a.handleAgencyRoutes)).Methods(http.MethodGet)
	a.router.HandleFunc("/api/routes/{id}/predictions", a.instrument("route_predictions", a.handleRoutePredictions)).Methods(http.MethodGet)
	a.router.HandleFunc("/api/routes/{id}/locations", a.instrument("route_locations", a.handleRouteLocations)).Methods(http.MethodGet)

	a.Service = services.NewIdleService(a.starting, a.stopping)
	return a
}

// Handler exposes the router. Used by tests and by the metrics mux.
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) starting(_ context.Context) error {
	listener, err := net.Listen("tcp", a.cfg.ListenAddress)
	if err != nil {
		return errors.Wrap(err, "failed to listen for api")
	}
	a.listener = listener
	a.server = &http.Server{Handler: a.router}

	go func() {
		if err := a.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			level.Error(a.logger).Log("msg", "api server failed", "err", err)
		}
	}()

	level.Info(a.logger).Log("msg", "api listening", "addr", listener.Addr())
	return nil
}

func (a *API) stopping(_ error) error {
	if a.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.server.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (a *API) instrument(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r)
		metricRequests.WithLabelValues(name, strconv.Itoa(rec.code)).Inc()
	}
}

func (a *API) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		level.Warn(a.logger).Log("msg", "failed to encode api response", "err", err)
	}
}

func (a *API) serverError(w http.ResponseWriter, err error) {
	level.Error(a.logger).Log("msg", "api request failed", "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

type boundsJSON struct {
	LatMin *float64 `json:"lat_min"`
	LatMax *float64 `json:"lat_max"`
	LonMin *float64 `json:"lon_min"`
	LonMax *float64 `json:"lon_max"`
}

type agencyJSON struct {
	Tag        string     `json:"tag"`
	Title      string     `json:"title"`
	ShortTitle string     `json:"short_title,omitempty"`
	Region     string     `json:"region"`
	Bounds     boundsJSON `json:"bounds"`
}

func (a *API) handleAgencies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	agencies, err := a.reader.Agencies(ctx)
	if err != nil {
		a.serverError(w, err)
		return
	}

	out := make([]agencyJSON, 0, len(agencies))
	for _, agency := range agencies {
		region, err := a.reader.RegionTitle(ctx, agency.RegionID)
		if err != nil {
			a.serverError(w, err)
			return
		}
		bounds, err := a.reader.AgencyBounds(ctx, agency.ID)
		if err != nil {
			a.serverError(w, err)
			return
		}
		out = append(out, agencyJSON{
			Tag:        agency.Tag,
			Title:      agency.Title,
			ShortTitle: agency.ShortTitle,
			Region:     region,
			Bounds: boundsJSON{
				LatMin: bounds.LatMin,
				LatMax: bounds.LatMax,
				LonMin: bounds.LonMin,
				LonMax: bounds.LonMax,
			},
		})
	}
	a.writeJSON(w, out)
}

type directionJSON struct {
	ID    int64  `json:"id"`
	Tag   string `json:"tag"`
	Title string `json:"title"`
	Name  string `json:"name,omitempty"`
}

type stopJSON struct {
	ID     int64   `json:"id"`
	Tag    string  `json:"tag"`
	Title  string  `json:"title"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	StopID *int64  `json:"stop_id,omitempty"`
}

type routeJSON struct {
	ID            int64           `json:"id"`
	Tag           string          `json:"tag"`
	Title         string          `json:"title"`
	Color         string          `json:"color,omitempty"`
	OppositeColor string          `json:"opposite_color,omitempty"`
	LatMin        float64         `json:"lat_min"`
	LatMax        float64         `json:"lat_max"`
	LonMin        float64         `json:"lon_min"`
	LonMax        float64         `json:"lon_max"`
	Directions    []directionJSON `json:"directions"`
	Stops         []stopJSON      `json:"stops"`
}

func (a *API) handleAgencyRoutes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	agency, err := a.reader.AgencyByTag(ctx, mux.Vars(r)["tag"])
	if err != nil {
		a.serverError(w, err)
		return
	}
	if agency == nil {
		http.Error(w, "unknown agency", http.StatusNotFound)
		return
	}

	routes, err := a.reader.RoutesForAgency(ctx, agency.ID)
	if err != nil {
		a.serverError(w, err)
		return
	}

	out := make([]routeJSON, 0, len(routes))
	for _, route := range routes {
		rj := routeJSON{
			ID:            route.ID,
			Tag:           route.Tag,
			Title:         route.Title,
			Color:         route.Color,
			OppositeColor: route.OppositeColor,
			LatMin:        route.LatMin,
			LatMax:        route.LatMax,
			LonMin:        route.LonMin,
			LonMax:        route.LonMax,
			Directions:    []directionJSON{},
			Stops:         []stopJSON{},
		}

		dirs, err := a.reader.DirectionsForRoute(ctx, route.ID)
		if err != nil {
			a.serverError(w, err)
			return
		}
		for _, d := range dirs {
			rj.Directions = append(rj.Directions, directionJSON{ID: d.ID, Tag: d.Tag, Title: d.Title, Name: d.Name})
		}

		stops, err := a.reader.StopsForRoute(ctx, route.ID)
		if err != nil {
			a.serverError(w, err)
			return
		}
		for _, s := range stops {
			rj.Stops = append(rj.Stops, stopJSON{
				ID:     s.Stop.ID,
				Tag:    s.Tag,
				Title:  s.Stop.Title,
				Lat:    s.Stop.Lat,
				Lon:    s.Stop.Lon,
				StopID: s.Stop.StopID,
			})
		}
		out = append(out, rj)
	}
	a.writeJSON(w, out)
}

type predictionJSON struct {
	StopID      int64     `json:"stop_id"`
	DirectionID *int64    `json:"direction_id"`
	Vehicle     string    `json:"vehicle"`
	Block       string    `json:"block,omitempty"`
	Prediction  time.Time `json:"prediction"`
	IsDeparture bool      `json:"is_departure"`
	HasLayover  bool      `json:"has_layover"`
}

func (a *API) handleRoutePredictions(w http.ResponseWriter, r *http.Request) {
	routeID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid route id", http.StatusBadRequest)
		return
	}

	preds, err := a.reader.PredictionsForRoute(r.Context(), routeID)
	if err != nil {
		a.serverError(w, err)
		return
	}

	out := make([]predictionJSON, 0, len(preds))
	for _, p := range preds {
		out = append(out, predictionJSON{
			StopID:      p.StopID,
			DirectionID: p.DirectionID,
			Vehicle:     p.Vehicle,
			Block:       p.Block,
			Prediction:  p.Prediction,
			IsDeparture: p.IsDeparture,
			HasLayover:  p.HasLayover,
		})
	}
	a.writeJSON(w, out)
}

type locationJSON struct {
	Vehicle     string    `json:"vehicle"`
	DirectionID *int64    `json:"direction_id"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	Time        time.Time `json:"time"`
	Predictable bool      `json:"predictable"`
	Heading     *int      `json:"heading"`
	Speed       float64   `json:"speed"`
}

func (a *API) handleRouteLocations(w http.ResponseWriter, r *http.Request) {
	routeID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid route id", http.StatusBadRequest)
		return
	}

	locs, err := a.reader.VehicleLocationsForRoute(r.Context(), routeID)
	if err != nil {
		a.serverError(w, err)
		return
	}

	out := make([]locationJSON, 0, len(locs))
	for _, l := range locs {
		out = append(out, locationJSON{
			Vehicle:     l.Vehicle,
			DirectionID: l.DirectionID,
			Lat:         l.Lat,
			Lon:         l.Lon,
			Time:        l.Time,
			Predictable: l.Predictable,
			Heading:     l.Heading,
			Speed:       l.Speed,
		})
	}
	a.writeJSON(w, out)
}

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/busmap/busmapd/pkg/model"
	"github.com/busmap/busmapd/pkg/store"
	"github.com/busmap/busmapd/pkg/store/sqlitestore"
)

// seedStore loads one agency with one route, one direction, one stop, a
// prediction and a vehicle location.
func seedStore(t *testing.T) (*sqlitestore.Store, *model.Route) {
	t.Helper()

	s, err := sqlitestore.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	route := &model.Route{
		Tag:    "a",
		Title:  "Route A",
		Color:  "cc0000",
		LatMin: 40.1, LatMax: 40.5, LonMin: -74.5, LonMax: -74.1,
	}
	err = s.WithTx(ctx, func(tx store.Tx) error {
		region, err := tx.GetOrCreateRegion("New Jersey", nil)
		if err != nil {
			return err
		}
		agency := &model.Agency{Tag: "rutgers", Title: "Rutgers University", RegionID: region.ID}
		if err := tx.UpsertAgency(agency); err != nil {
			return err
		}
		route.AgencyID = agency.ID
		if err := tx.InsertRoute(route); err != nil {
			return err
		}

		dir := &model.Direction{RouteID: route.ID, Tag: "loop", Title: "Campus Loop", Name: "Loop"}
		if err := tx.InsertDirection(dir); err != nil {
			return err
		}
		stop, err := tx.GetOrCreateStop(store.StopCandidate{Title: "Hill Center", Lat: 40.503, Lon: -74.4526}, 0.005, 0.005)
		if err != nil {
			return err
		}
		if err := tx.UpsertRouteStop(&model.RouteStop{RouteID: route.ID, StopID: stop.ID, StopTag: "hill"}); err != nil {
			return err
		}

		if err := tx.InsertPredictions([]*model.Prediction{{
			RouteID:     route.ID,
			StopID:      stop.ID,
			DirectionID: &dir.ID,
			Vehicle:     "1701",
			Prediction:  time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC),
		}}); err != nil {
			return err
		}
		heading := 217
		return tx.InsertVehicleLocations([]*model.VehicleLocation{{
			Vehicle:     "1701",
			RouteID:     route.ID,
			DirectionID: &dir.ID,
			Lat:         40.51,
			Lon:         -74.45,
			Time:        time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
			Predictable: true,
			Heading:     &heading,
			Speed:       20,
		}})
	})
	require.NoError(t, err)
	return s, route
}

func get(t *testing.T, a *API, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAgenciesEndpoint(t *testing.T) {
	s, _ := seedStore(t)
	a := New(Config{}, s, log.NewNopLogger())

	rec := get(t, a, "/api/agencies")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var agencies []agencyJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agencies))
	require.Len(t, agencies, 1)
	require.Equal(t, "rutgers", agencies[0].Tag)
	require.Equal(t, "New Jersey", agencies[0].Region)
	require.NotNil(t, agencies[0].Bounds.LatMin)
	require.Equal(t, 40.1, *agencies[0].Bounds.LatMin)
}

func TestAgencyRoutesEndpoint(t *testing.T) {
	s, _ := seedStore(t)
	a := New(Config{}, s, log.NewNopLogger())

	rec := get(t, a, "/api/agencies/rutgers/routes")
	require.Equal(t, http.StatusOK, rec.Code)

	var routes []routeJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &routes))
	require.Len(t, routes, 1)
	require.Equal(t, "a", routes[0].Tag)
	require.Len(t, routes[0].Directions, 1)
	require.Len(t, routes[0].Stops, 1)
	require.Equal(t, "hill", routes[0].Stops[0].Tag)
}

func TestAgencyRoutesUnknownAgency(t *testing.T) {
	s, _ := seedStore(t)
	a := New(Config{}, s, log.NewNopLogger())

	rec := get(t, a, "/api/agencies/nope/routes")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoutePredictionsEndpoint(t *testing.T) {
	s, route := seedStore(t)
	a := New(Config{}, s, log.NewNopLogger())

	rec := get(t, a, "/api/routes/"+formatID(route.ID)+"/predictions")
	require.Equal(t, http.StatusOK, rec.Code)

	var preds []predictionJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &preds))
	require.Len(t, preds, 1)
	require.Equal(t, "1701", preds[0].Vehicle)
	require.NotNil(t, preds[0].DirectionID)
	require.True(t, preds[0].Prediction.Equal(time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)))
}

func TestRouteLocationsEndpoint(t *testing.T) {
	s, route := seedStore(t)
	a := New(Config{}, s, log.NewNopLogger())

	rec := get(t, a, "/api/routes/"+formatID(route.ID)+"/locations")
	require.Equal(t, http.StatusOK, rec.Code)

	var locs []locationJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &locs))
	require.Len(t, locs, 1)
	require.Equal(t, "1701", locs[0].Vehicle)
	require.NotNil(t, locs[0].Heading)
	require.Equal(t, 217, *locs[0].Heading)
}

func TestRoutePredictionsBadID(t *testing.T) {
	s, _ := seedStore(t)
	a := New(Config{}, s, log.NewNopLogger())

	rec := get(t, a, "/api/routes/banana/predictions")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

package sqlitestore

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/busmap/busmapd/pkg/model"
	"github.com/busmap/busmapd/pkg/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// seedRoute creates region → agency → route and returns the route.
func seedRoute(t *testing.T, s *Store, agencyTag, routeTag string) *model.Route {
	t.Helper()
	ctx := context.Background()

	route := &model.Route{Tag: routeTag, Title: routeTag,
		LatMin: 40.0, LatMax: 40.1, LonMin: -74.1, LonMax: -74.0}
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		region, err := tx.GetOrCreateRegion("New Jersey", nil)
		require.NoError(t, err)

		agency := &model.Agency{Tag: agencyTag, Title: "Test Agency", RegionID: region.ID}
		require.NoError(t, tx.UpsertAgency(agency))

		route.AgencyID = agency.ID
		return tx.InsertRoute(route)
	}))
	return route
}

func TestStopStreamingMean(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		first, err := tx.GetOrCreateStop(store.StopCandidate{
			Title: "Main & 1st", Lat: 40.00000, Lon: -74.00000,
		}, 0.005, 0.005)
		require.NoError(t, err)
		require.Equal(t, 1, first.LatLonCount)

		second, err := tx.GetOrCreateStop(store.StopCandidate{
			Title: "Main & 1st", Lat: 40.00200, Lon: -74.00200,
		}, 0.005, 0.005)
		require.NoError(t, err)

		require.Equal(t, first.ID, second.ID)
		require.InDelta(t, 40.00100, second.Lat, 1e-9)
		require.InDelta(t, -74.00100, second.Lon, 1e-9)
		require.Equal(t, 2, second.LatLonCount)
		return nil
	}))
}

func TestStopIdempotentSameCoordinates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 5
	var lastCount int
	var firstID int64
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		for i := 0; i < n; i++ {
			stop, err := tx.GetOrCreateStop(store.StopCandidate{
				Title: "Broad St Station", Lat: 40.5, Lon: -74.5,
			}, 0.005, 0.005)
			require.NoError(t, err)
			if i == 0 {
				firstID = stop.ID
			}
			require.Equal(t, firstID, stop.ID)
			lastCount = stop.LatLonCount
			require.Equal(t, 40.5, stop.Lat)
			require.Equal(t, -74.5, stop.Lon)
		}
		return nil
	}))
	require.Equal(t, n, lastCount)
}

func TestStopOutsideToleranceCreatesNew(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		a, err := tx.GetOrCreateStop(store.StopCandidate{Title: "Main & 1st", Lat: 40.0, Lon: -74.0}, 0.005, 0.005)
		require.NoError(t, err)

		b, err := tx.GetOrCreateStop(store.StopCandidate{Title: "Main & 1st", Lat: 40.1, Lon: -74.1}, 0.005, 0.005)
		require.NoError(t, err)

		require.NotEqual(t, a.ID, b.ID)
		require.Equal(t, 1, b.LatLonCount)
		return nil
	}))
}

func TestStopClosestMatchWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		far, err := tx.GetOrCreateStop(store.StopCandidate{Title: "Park Ave", Lat: 40.0040, Lon: -74.0}, 0.0001, 0.0001)
		require.NoError(t, err)
		near, err := tx.GetOrCreateStop(store.StopCandidate{Title: "Park Ave", Lat: 40.0010, Lon: -74.0}, 0.0001, 0.0001)
		require.NoError(t, err)
		require.NotEqual(t, far.ID, near.ID)

		// Candidate within tolerance of both; nearer survivor must absorb it.
		got, err := tx.GetOrCreateStop(store.StopCandidate{Title: "Park Ave", Lat: 40.0020, Lon: -74.0}, 0.005, 0.005)
		require.NoError(t, err)
		require.Equal(t, near.ID, got.ID)
		require.Equal(t, 2, got.LatLonCount)
		return nil
	}))
}

func TestAgencyUpsertIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
			region, err := tx.GetOrCreateRegion("New Jersey", nil)
			if err != nil {
				return err
			}
			return tx.UpsertAgency(&model.Agency{Tag: "rutgers", Title: "Rutgers", RegionID: region.ID})
		}))
	}

	agencies, err := s.Agencies(ctx)
	require.NoError(t, err)
	require.Len(t, agencies, 1)
	require.Equal(t, "rutgers", agencies[0].Tag)
}

func TestAgencyDeleteCascadesToRoutes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	route := seedRoute(t, s, "rutgers", "a")

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		return tx.DeleteAgencies()
	}))

	routes, err := s.RoutesForAgency(ctx, route.AgencyID)
	require.NoError(t, err)
	require.Empty(t, routes)
}

func TestRouteStopAssociationAndTags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	route := seedRoute(t, s, "rutgers", "a")

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		stop, err := tx.GetOrCreateStop(store.StopCandidate{Title: "Student Center", Lat: 40.5, Lon: -74.45}, 0.005, 0.005)
		if err != nil {
			return err
		}
		return tx.UpsertRouteStop(&model.RouteStop{RouteID: route.ID, StopID: stop.ID, StopTag: "stctr"})
	}))

	tags, err := s.StopTagsForRoute(ctx, route.ID)
	require.NoError(t, err)
	require.Len(t, tags, 1)
	require.Contains(t, tags, "stctr")

	stops, err := s.StopsForRoute(ctx, route.ID)
	require.NoError(t, err)
	require.Len(t, stops, 1)
	require.Equal(t, "Student Center", stops[0].Stop.Title)
	require.Equal(t, "stctr", stops[0].Tag)
}

func TestAPICallQuotaSum(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertAPICall(ctx, &model.APICall{
			URL:    "http://example.com",
			Params: url.Values{"command": {"agencyList"}},
			Size:   1000,
			Status: 200,
			Time:   now.Add(-time.Duration(i) * time.Second),
		}))
	}
	// Outside the window; must not be billed.
	require.NoError(t, s.InsertAPICall(ctx, &model.APICall{
		URL: "http://example.com", Size: 5000, Status: 200, Time: now.Add(-time.Minute),
	}))

	total, err := s.BytesFetchedSince(ctx, now.Add(-20*time.Second))
	require.NoError(t, err)
	require.Equal(t, int64(3000), total)
}

func TestEviction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	route := seedRoute(t, s, "rutgers", "a")

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		stop, err := tx.GetOrCreateStop(store.StopCandidate{Title: "Stop", Lat: 40.0, Lon: -74.0}, 0.005, 0.005)
		require.NoError(t, err)
		require.NoError(t, tx.InsertPredictions([]*model.Prediction{
			{RouteID: route.ID, StopID: stop.ID, Prediction: now, Created: now.Add(-time.Hour)},
			{RouteID: route.ID, StopID: stop.ID, Prediction: now, Created: now},
		}))
		return tx.InsertVehicleLocations([]*model.VehicleLocation{
			{RouteID: route.ID, Vehicle: "1234", Lat: 40, Lon: -74, Time: now.Add(-time.Hour)},
			{RouteID: route.ID, Vehicle: "1234", Lat: 40, Lon: -74, Time: now},
		})
	}))

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		deleted, err := tx.DeletePredictionsBefore(now.Add(-time.Minute))
		require.NoError(t, err)
		require.Equal(t, int64(1), deleted)

		deleted, err = tx.DeleteVehicleLocationsBefore(now.Add(-time.Minute))
		require.NoError(t, err)
		require.Equal(t, int64(1), deleted)
		return nil
	}))

	preds, err := s.PredictionsForRoute(ctx, route.ID)
	require.NoError(t, err)
	require.Len(t, preds, 1)

	locs, err := s.VehicleLocationsForRoute(ctx, route.ID)
	require.NoError(t, err)
	require.Len(t, locs, 1)
}

func TestLatestVehicleLocationTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	route := seedRoute(t, s, "rutgers", "a")

	got, err := s.LatestVehicleLocationTime(ctx, route.ID)
	require.NoError(t, err)
	require.True(t, got.IsZero())

	latest := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertVehicleLocations([]*model.VehicleLocation{
			{RouteID: route.ID, Vehicle: "1", Lat: 40, Lon: -74, Time: latest.Add(-time.Minute)},
			{RouteID: route.ID, Vehicle: "2", Lat: 40, Lon: -74, Time: latest},
		})
	}))

	got, err = s.LatestVehicleLocationTime(ctx, route.ID)
	require.NoError(t, err)
	require.Equal(t, latest.Unix(), got.Unix())
}

func TestAgencyBoundsDerived(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	route := seedRoute(t, s, "rutgers", "a")

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertRoute(&model.Route{AgencyID: route.AgencyID, Tag: "b",
			LatMin: 39.9, LatMax: 40.3, LonMin: -74.2, LonMax: -73.9})
	}))

	bounds, err := s.AgencyBounds(ctx, route.AgencyID)
	require.NoError(t, err)
	require.Equal(t, 39.9, *bounds.LatMin)
	require.Equal(t, 40.3, *bounds.LatMax)
	require.Equal(t, -74.2, *bounds.LonMin)
	require.Equal(t, -73.9, *bounds.LonMax)
}

func TestDeletePredictionsForRoutes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	route := seedRoute(t, s, "rutgers", "a")

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		stop, err := tx.GetOrCreateStop(store.StopCandidate{Title: "Stop", Lat: 40.0, Lon: -74.0}, 0.005, 0.005)
		require.NoError(t, err)
		return tx.InsertPredictions([]*model.Prediction{
			{RouteID: route.ID, StopID: stop.ID, Prediction: now, Created: now},
		})
	}))

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		deleted, err := tx.DeletePredictionsForRoutes([]int64{route.ID})
		require.NoError(t, err)
		require.Equal(t, int64(1), deleted)
		return nil
	}))
}

package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/busmap/busmapd/pkg/model"
	"github.com/busmap/busmapd/pkg/store"
)

func (s *Store) Agencies(ctx context.Context) ([]*model.Agency, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tag, title, short_title, region_id, api_call_id FROM agency ORDER BY tag`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agencies: %w", err)
	}
	defer rows.Close()

	var agencies []*model.Agency
	for rows.Next() {
		a := &model.Agency{}
		if err := rows.Scan(&a.ID, &a.Tag, &a.Title, &a.ShortTitle, &a.RegionID, &a.APICallID); err != nil {
			return nil, err
		}
		agencies = append(agencies, a)
	}
	return agencies, rows.Err()
}

func (s *Store) AgencyByTag(ctx context.Context, tag string) (*model.Agency, error) {
	a := &model.Agency{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tag, title, short_title, region_id, api_call_id FROM agency WHERE tag = ?`, tag).
		Scan(&a.ID, &a.Tag, &a.Title, &a.ShortTitle, &a.RegionID, &a.APICallID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query agency %q: %w", tag, err)
	}
	return a, nil
}

// AgencyBounds computes the derived bounding box over the agency's routes.
func (s *Store) AgencyBounds(ctx context.Context, agencyID int64) (*model.AgencyBounds, error) {
	b := &model.AgencyBounds{}
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(lat_min), MAX(lat_max), MIN(lon_min), MAX(lon_max) FROM route WHERE agency_id = ?`,
		agencyID).Scan(&b.LatMin, &b.LatMax, &b.LonMin, &b.LonMax)
	if err != nil {
		return nil, fmt.Errorf("failed to compute bounds for agency %d: %w", agencyID, err)
	}
	return b, nil
}

func (s *Store) RegionTitle(ctx context.Context, regionID int64) (string, error) {
	var title string
	err := s.db.QueryRowContext(ctx, `SELECT title FROM region WHERE id = ?`, regionID).Scan(&title)
	if err != nil {
		return "", fmt.Errorf("failed to query region %d: %w", regionID, err)
	}
	return title, nil
}

func (s *Store) RoutesForAgency(ctx context.Context, agencyID int64) ([]*model.Route, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agency_id, tag, title, short_title, color, opposite_color,
			lat_min, lat_max, lon_min, lon_max, api_call_id
		 FROM route WHERE agency_id = ? ORDER BY tag`, agencyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query routes for agency %d: %w", agencyID, err)
	}
	defer rows.Close()

	var routes []*model.Route
	for rows.Next() {
		r := &model.Route{}
		if err := rows.Scan(&r.ID, &r.AgencyID, &r.Tag, &r.Title, &r.ShortTitle, &r.Color,
			&r.OppositeColor, &r.LatMin, &r.LatMax, &r.LonMin, &r.LonMax, &r.APICallID); err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

func (s *Store) DirectionsForRoute(ctx context.Context, routeID int64) ([]*model.Direction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, route_id, tag, title, name, api_call_id FROM direction WHERE route_id = ?`, routeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query directions for route %d: %w", routeID, err)
	}
	defer rows.Close()

	var dirs []*model.Direction
	for rows.Next() {
		d := &model.Direction{}
		if err := rows.Scan(&d.ID, &d.RouteID, &d.Tag, &d.Title, &d.Name, &d.APICallID); err != nil {
			return nil, err
		}
		dirs = append(dirs, d)
	}
	return dirs, rows.Err()
}

func (s *Store) StopsForRoute(ctx context.Context, routeID int64) ([]store.StopOnRoute, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT st.id, st.stop_id, st.title, st.lat, st.lon, st.lat_lon_count, st.api_call_id, rs.stop_tag
		 FROM route_stop rs JOIN stop st ON st.id = rs.stop_id
		 WHERE rs.route_id = ?`, routeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stops for route %d: %w", routeID, err)
	}
	defer rows.Close()

	var stops []store.StopOnRoute
	for rows.Next() {
		var sr store.StopOnRoute
		if err := rows.Scan(&sr.Stop.ID, &sr.Stop.StopID, &sr.Stop.Title, &sr.Stop.Lat,
			&sr.Stop.Lon, &sr.Stop.LatLonCount, &sr.Stop.APICallID, &sr.Tag); err != nil {
			return nil, err
		}
		stops = append(stops, sr)
	}
	return stops, rows.Err()
}

func (s *Store) StopTagsForRoute(ctx context.Context, routeID int64) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stop_tag, stop_id FROM route_stop WHERE route_id = ?`, routeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stop tags for route %d: %w", routeID, err)
	}
	defer rows.Close()

	tags := make(map[string]int64)
	for rows.Next() {
		var (
			tag string
			id  int64
		)
		if err := rows.Scan(&tag, &id); err != nil {
			return nil, err
		}
		tags[tag] = id
	}
	return tags, rows.Err()
}

func (s *Store) PredictionsForRoute(ctx context.Context, routeID int64) ([]*model.Prediction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, route_id, stop_id, direction_id, vehicle, block, prediction, created,
			is_departure, has_layover, api_call_id
		 FROM prediction WHERE route_id = ? ORDER BY prediction`, routeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query predictions for route %d: %w", routeID, err)
	}
	defer rows.Close()

	var preds []*model.Prediction
	for rows.Next() {
		p := &model.Prediction{}
		if err := rows.Scan(&p.ID, &p.RouteID, &p.StopID, &p.DirectionID, &p.Vehicle, &p.Block,
			&p.Prediction, &p.Created, &p.IsDeparture, &p.HasLayover, &p.APICallID); err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, rows.Err()
}

func (s *Store) VehicleLocationsForRoute(ctx context.Context, routeID int64) ([]*model.VehicleLocation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, vehicle, route_id, direction_id, lat, lon, time, predictable, heading, speed, api_call_id
		 FROM vehicle_location WHERE route_id = ? ORDER BY time DESC`, routeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query vehicle locations for route %d: %w", routeID, err)
	}
	defer rows.Close()

	var locs []*model.VehicleLocation
	for rows.Next() {
		l := &model.VehicleLocation{}
		if err := rows.Scan(&l.ID, &l.Vehicle, &l.RouteID, &l.DirectionID, &l.Lat, &l.Lon,
			&l.Time, &l.Predictable, &l.Heading, &l.Speed, &l.APICallID); err != nil {
			return nil, err
		}
		locs = append(locs, l)
	}
	return locs, rows.Err()
}

func (s *Store) LatestVehicleLocationTime(ctx context.Context, routeID int64) (time.Time, error) {
	var t sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(time) FROM vehicle_location WHERE route_id = ?`, routeID).Scan(&t)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query latest location time for route %d: %w", routeID, err)
	}
	if !t.Valid {
		return time.Time{}, nil
	}
	return t.Time, nil
}

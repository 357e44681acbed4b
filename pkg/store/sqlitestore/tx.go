package sqlitestore

import (
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/busmap/busmapd/pkg/model"
	"github.com/busmap/busmapd/pkg/store"
)

type sqlTx struct {
	tx  *sql.Tx
	now func() time.Time
}

var _ store.Tx = (*sqlTx)(nil)

func (t *sqlTx) DeleteAgencies() error {
	if _, err := t.tx.Exec(`DELETE FROM agency`); err != nil {
		return fmt.Errorf("failed to delete agencies: %w", err)
	}
	return nil
}

func (t *sqlTx) GetOrCreateRegion(title string, apiCallID *int64) (*model.Region, error) {
	r := &model.Region{Title: title, APICallID: apiCallID}
	err := t.tx.QueryRow(`SELECT id FROM region WHERE title = ?`, title).Scan(&r.ID)
	switch {
	case err == nil:
		return r, nil
	case err != sql.ErrNoRows:
		return nil, fmt.Errorf("failed to query region %q: %w", title, err)
	}

	res, err := t.tx.Exec(`INSERT INTO region (title, api_call_id) VALUES (?, ?)`, title, apiCallID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert region %q: %w", title, err)
	}
	r.ID, err = res.LastInsertId()
	return r, err
}

func (t *sqlTx) UpsertAgency(a *model.Agency) error {
	var id int64
	err := t.tx.QueryRow(`SELECT id FROM agency WHERE tag = ?`, a.Tag).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		res, err := t.tx.Exec(
			`INSERT INTO agency (tag, title, short_title, region_id, api_call_id) VALUES (?, ?, ?, ?, ?)`,
			a.Tag, a.Title, a.ShortTitle, a.RegionID, a.APICallID)
		if err != nil {
			return fmt.Errorf("failed to insert agency %q: %w", a.Tag, err)
		}
		a.ID, err = res.LastInsertId()
		return err
	case err != nil:
		return fmt.Errorf("failed to query agency %q: %w", a.Tag, err)
	}

	a.ID = id
	_, err = t.tx.Exec(
		`UPDATE agency SET title = ?, short_title = ?, region_id = ?, api_call_id = ? WHERE id = ?`,
		a.Title, a.ShortTitle, a.RegionID, a.APICallID, id)
	if err != nil {
		return fmt.Errorf("failed to update agency %q: %w", a.Tag, err)
	}
	return nil
}

func (t *sqlTx) DeleteRoutesForAgency(agencyID int64) error {
	if _, err := t.tx.Exec(`DELETE FROM route WHERE agency_id = ?`, agencyID); err != nil {
		return fmt.Errorf("failed to delete routes for agency %d: %w", agencyID, err)
	}
	return nil
}

func (t *sqlTx) InsertRoute(r *model.Route) error {
	res, err := t.tx.Exec(
		`INSERT INTO route (agency_id, tag, title, short_title, color, opposite_color,
			lat_min, lat_max, lon_min, lon_max, api_call_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.AgencyID, r.Tag, r.Title, r.ShortTitle, r.Color, r.OppositeColor,
		r.LatMin, r.LatMax, r.LonMin, r.LonMax, r.APICallID)
	if err != nil {
		return fmt.Errorf("failed to insert route %q: %w", r.Tag, err)
	}
	r.ID, err = res.LastInsertId()
	return err
}

func (t *sqlTx) InsertDirection(d *model.Direction) error {
	res, err := t.tx.Exec(
		`INSERT INTO direction (route_id, tag, title, name, api_call_id) VALUES (?, ?, ?, ?, ?)`,
		d.RouteID, d.Tag, d.Title, d.Name, d.APICallID)
	if err != nil {
		return fmt.Errorf("failed to insert direction %q: %w", d.Tag, err)
	}
	d.ID, err = res.LastInsertId()
	return err
}

// GetOrCreateStop coalesces the candidate into an existing stop when one with
// the same title lies within the given tolerances, updating the survivor's
// position as a streaming mean. The upstream reports slightly different
// coordinates for the same shelter across routes; the mean keeps positions
// stable without retaining each sample.
func (t *sqlTx) GetOrCreateStop(c store.StopCandidate, latTol, lonTol float64) (*model.Stop, error) {
	rows, err := t.tx.Query(
		`SELECT id, lat, lon, lat_lon_count FROM stop
		 WHERE title = ? AND lat BETWEEN ? AND ? AND lon BETWEEN ? AND ?
		 ORDER BY id`,
		c.Title, c.Lat-latTol, c.Lat+latTol, c.Lon-lonTol, c.Lon+lonTol)
	if err != nil {
		return nil, fmt.Errorf("failed to query stops near %q: %w", c.Title, err)
	}
	defer rows.Close()

	var (
		best     *model.Stop
		bestDist float64
	)
	for rows.Next() {
		s := &model.Stop{Title: c.Title}
		if err := rows.Scan(&s.ID, &s.Lat, &s.Lon, &s.LatLonCount); err != nil {
			return nil, err
		}
		dist := math.Abs(s.Lat-c.Lat) + math.Abs(s.Lon-c.Lon)
		// Strict less-than keeps the lowest id on a distance tie.
		if best == nil || dist < bestDist {
			best, bestDist = s, dist
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if best == nil {
		s := &model.Stop{
			StopID:      c.StopID,
			Title:       c.Title,
			Lat:         c.Lat,
			Lon:         c.Lon,
			LatLonCount: 1,
			APICallID:   c.APICallID,
		}
		res, err := t.tx.Exec(
			`INSERT INTO stop (stop_id, title, lat, lon, lat_lon_count, api_call_id) VALUES (?, ?, ?, ?, 1, ?)`,
			s.StopID, s.Title, s.Lat, s.Lon, s.APICallID)
		if err != nil {
			return nil, fmt.Errorf("failed to insert stop %q: %w", c.Title, err)
		}
		s.ID, err = res.LastInsertId()
		return s, err
	}

	n := float64(best.LatLonCount)
	best.Lat = round5((best.Lat*n + c.Lat) / (n + 1))
	best.Lon = round5((best.Lon*n + c.Lon) / (n + 1))
	best.LatLonCount++
	_, err = t.tx.Exec(
		`UPDATE stop SET lat = ?, lon = ?, lat_lon_count = ? WHERE id = ?`,
		best.Lat, best.Lon, best.LatLonCount, best.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update stop %d: %w", best.ID, err)
	}
	return best, nil
}

func round5(v float64) float64 {
	return math.Round(v*1e5) / 1e5
}

func (t *sqlTx) UpsertRouteStop(rs *model.RouteStop) error {
	_, err := t.tx.Exec(
		`INSERT INTO route_stop (route_id, stop_id, stop_tag) VALUES (?, ?, ?)
		 ON CONFLICT (route_id, stop_id) DO UPDATE SET stop_tag = excluded.stop_tag`,
		rs.RouteID, rs.StopID, rs.StopTag)
	if err != nil {
		return fmt.Errorf("failed to upsert route_stop (%d, %d): %w", rs.RouteID, rs.StopID, err)
	}
	return nil
}

func (t *sqlTx) DeletePredictionsForRoutes(routeIDs []int64) (int64, error) {
	if len(routeIDs) == 0 {
		return 0, nil
	}
	args := make([]interface{}, len(routeIDs))
	marks := make([]string, len(routeIDs))
	for i, id := range routeIDs {
		args[i] = id
		marks[i] = "?"
	}
	res, err := t.tx.Exec(
		`DELETE FROM prediction WHERE route_id IN (`+strings.Join(marks, ", ")+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete predictions: %w", err)
	}
	return res.RowsAffected()
}

func (t *sqlTx) InsertPredictions(ps []*model.Prediction) error {
	for _, p := range ps {
		if p.Created.IsZero() {
			p.Created = t.now()
		}
		res, err := t.tx.Exec(
			`INSERT INTO prediction (route_id, stop_id, direction_id, vehicle, block,
				prediction, created, is_departure, has_layover, api_call_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.RouteID, p.StopID, p.DirectionID, p.Vehicle, p.Block,
			p.Prediction, p.Created, p.IsDeparture, p.HasLayover, p.APICallID)
		if err != nil {
			return fmt.Errorf("failed to insert prediction: %w", err)
		}
		if p.ID, err = res.LastInsertId(); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqlTx) InsertVehicleLocations(ls []*model.VehicleLocation) error {
	for _, l := range ls {
		res, err := t.tx.Exec(
			`INSERT INTO vehicle_location (vehicle, route_id, direction_id, lat, lon,
				time, predictable, heading, speed, api_call_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.Vehicle, l.RouteID, l.DirectionID, l.Lat, l.Lon,
			l.Time, l.Predictable, l.Heading, l.Speed, l.APICallID)
		if err != nil {
			return fmt.Errorf("failed to insert vehicle location: %w", err)
		}
		if l.ID, err = res.LastInsertId(); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqlTx) DeletePredictionsBefore(cutoff time.Time) (int64, error) {
	res, err := t.tx.Exec(`DELETE FROM prediction WHERE created < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale predictions: %w", err)
	}
	return res.RowsAffected()
}

func (t *sqlTx) DeleteVehicleLocationsBefore(cutoff time.Time) (int64, error) {
	res, err := t.tx.Exec(`DELETE FROM vehicle_location WHERE time < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale vehicle locations: %w", err)
	}
	return res.RowsAffected()
}

package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"busrate/internal/transit"
)

const departureColumns = `bus_stop_id, stop_ref, line_ref, direction, vehicle_ref, block_ref,
dated_vehicle_journey_ref, departure_time, headway, previous_departure_id, interpolated`

const departureColumnCount = 11

const selectDepartures = `SELECT id, ` + departureColumns + `, created_at FROM historical_departures `

func scanDeparture(r scanner) (transit.HistoricalDeparture, error) {
	var d transit.HistoricalDeparture
	var dir, headway, prev sql.NullInt64
	err := r.Scan(&d.ID, &d.BusStopID, &d.StopRef, &d.LineRef, &dir, &d.VehicleRef, &d.BlockRef,
		&d.DatedVehicleJourneyRef, &d.DepartureTime, &headway, &prev, &d.Interpolated, &d.CreatedAt)
	d.Direction = intPtr(dir)
	d.Headway = int64Ptr(headway)
	d.PreviousDepartureID = int64Ptr(prev)
	return d, err
}

func (s *Store) queryDepartures(ctx context.Context, where string, args ...any) ([]transit.HistoricalDeparture, error) {
	rows, err := s.db.QueryContext(ctx, selectDepartures+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query departures: %w", err)
	}
	defer rows.Close()
	var out []transit.HistoricalDeparture
	for rows.Next() {
		d, err := scanDeparture(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecentDepartures returns departures after since, oldest first.
func (s *Store) RecentDepartures(ctx context.Context, since time.Time) ([]transit.HistoricalDeparture, error) {
	return s.queryDepartures(ctx, `WHERE departure_time > $1 ORDER BY departure_time, id`, since)
}

// DeparturesBetween returns departures with from <= departure_time < to.
func (s *Store) DeparturesBetween(ctx context.Context, from, to time.Time) ([]transit.HistoricalDeparture, error) {
	return s.queryDepartures(ctx, `WHERE departure_time >= $1 AND departure_time < $2 ORDER BY departure_time, id`, from, to)
}

func (s *Store) DeparturesForStop(ctx context.Context, lineRef, stopRef string, since time.Time) ([]transit.HistoricalDeparture, error) {
	return s.queryDepartures(ctx,
		`WHERE line_ref = $1 AND stop_ref = $2 AND departure_time > $3 ORDER BY departure_time DESC`, lineRef, stopRef, since)
}

func (s *Store) DeparturesForDirection(ctx context.Context, lineRef string, direction int, since time.Time) ([]transit.HistoricalDeparture, error) {
	return s.queryDepartures(ctx,
		`WHERE line_ref = $1 AND direction = $2 AND departure_time > $3 ORDER BY departure_time DESC`, lineRef, direction, since)
}

// InsertDepartures bulk inserts deps and returns them with their ids. Rows
// without a bus stop id get one from their stop ref.
func (s *Store) InsertDepartures(ctx context.Context, deps []transit.HistoricalDeparture) ([]transit.HistoricalDeparture, error) {
	var missing []string
	seen := make(map[string]struct{})
	for _, d := range deps {
		if d.BusStopID != 0 {
			continue
		}
		if _, ok := seen[d.StopRef]; !ok {
			seen[d.StopRef] = struct{}{}
			missing = append(missing, d.StopRef)
		}
	}
	var stopIDs map[string]int64
	if len(missing) > 0 {
		var err error
		if stopIDs, err = s.EnsureStops(ctx, missing); err != nil {
			return nil, err
		}
	}

	out := make([]transit.HistoricalDeparture, 0, len(deps))
	size := chunkSize(departureColumnCount)
	for start := 0; start < len(deps); start += size {
		batch := deps[start:min(start+size, len(deps))]
		args := make([]any, 0, len(batch)*departureColumnCount)
		for i := range batch {
			d := &batch[i]
			if d.BusStopID == 0 {
				d.BusStopID = stopIDs[d.StopRef]
			}
			args = append(args, d.BusStopID, d.StopRef, d.LineRef, nullInt(d.Direction), d.VehicleRef, d.BlockRef,
				d.DatedVehicleJourneyRef, d.DepartureTime, nullInt64(d.Headway), nullInt64(d.PreviousDepartureID), d.Interpolated)
		}
		q := `INSERT INTO historical_departures (` + departureColumns + `) VALUES ` +
			placeholders(len(batch), departureColumnCount) + ` RETURNING id`
		ids, err := s.insertReturningIDs(ctx, q, args, len(batch))
		if err != nil {
			return nil, fmt.Errorf("insert departures: %w", err)
		}
		for i, d := range batch {
			d.ID = ids[i]
			out = append(out, d)
		}
	}
	return out, nil
}

// DeleteDepartures removes departures by id.
func (s *Store) DeleteDepartures(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM historical_departures WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete departures: %w", err)
	}
	return nil
}

// PurgeDuplicateDepartures deletes every departure created after since that
// repeats an older row's (departure_time, stop, vehicle), keeping the smallest id.
func (s *Store) PurgeDuplicateDepartures(ctx context.Context, since time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM historical_departures t1
USING historical_departures t2
WHERE t1.id > t2.id
  AND t1.departure_time = t2.departure_time
  AND t1.stop_ref = t2.stop_ref
  AND t1.vehicle_ref = t2.vehicle_ref
  AND t1.created_at >= $1`, since)
	if err != nil {
		return 0, fmt.Errorf("purge duplicate departures: %w", err)
	}
	return res.RowsAffected()
}

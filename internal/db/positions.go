package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"busrate/internal/transit"
)

const positionColumns = `vehicle_id, vehicle_ref, bus_line_id, line_ref, direction, bus_stop_id, stop_ref,
arrival_state, distance_from_stop, block_ref, dated_vehicle_journey_ref, recorded_at`

const positionColumnCount = 12

// RecentPositions returns positions recorded after since, oldest first.
func (s *Store) RecentPositions(ctx context.Context, since time.Time) ([]transit.VehiclePosition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, `+positionColumns+` FROM vehicle_positions WHERE recorded_at > $1 ORDER BY recorded_at, id`, since)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []transit.VehiclePosition
	for rows.Next() {
		var p transit.VehiclePosition
		var dir, dist sql.NullInt64
		var state string
		if err := rows.Scan(&p.ID, &p.VehicleID, &p.VehicleRef, &p.BusLineID, &p.LineRef, &dir,
			&p.BusStopID, &p.StopRef, &state, &dist, &p.BlockRef, &p.DatedVehicleJourneyRef, &p.Timestamp); err != nil {
			return nil, err
		}
		p.Direction = intPtr(dir)
		p.DistanceFromStop = intPtr(dist)
		p.ArrivalState = transit.ArrivalState(state)
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertPositions bulk inserts ps and returns them with their ids.
func (s *Store) InsertPositions(ctx context.Context, ps []transit.VehiclePosition) ([]transit.VehiclePosition, error) {
	out := make([]transit.VehiclePosition, 0, len(ps))
	size := chunkSize(positionColumnCount)
	for start := 0; start < len(ps); start += size {
		end := min(start+size, len(ps))
		batch := ps[start:end]
		args := make([]any, 0, len(batch)*positionColumnCount)
		for _, p := range batch {
			args = append(args, p.VehicleID, p.VehicleRef, p.BusLineID, p.LineRef, nullInt(p.Direction),
				p.BusStopID, p.StopRef, string(p.ArrivalState), nullInt(p.DistanceFromStop),
				p.BlockRef, p.DatedVehicleJourneyRef, p.Timestamp)
		}
		q := `INSERT INTO vehicle_positions (` + positionColumns + `) VALUES ` +
			placeholders(len(batch), positionColumnCount) + ` RETURNING id`
		ids, err := s.insertReturningIDs(ctx, q, args, len(batch))
		if err != nil {
			return nil, fmt.Errorf("insert positions: %w", err)
		}
		for i, p := range batch {
			p.ID = ids[i]
			out = append(out, p)
		}
	}
	return out, nil
}

// DeletePositions removes positions by id.
func (s *Store) DeletePositions(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM vehicle_positions WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete positions: %w", err)
	}
	return nil
}

// PrunePositions deletes positions recorded before now - retention.
func (s *Store) PrunePositions(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM vehicle_positions WHERE recorded_at < now() - make_interval(secs => $1)`, retention.Seconds())
	if err != nil {
		return 0, fmt.Errorf("prune positions: %w", err)
	}
	return res.RowsAffected()
}

// insertReturningIDs runs a multi-row INSERT ... RETURNING id. Postgres
// returns rows in VALUES order for a plain insert.
func (s *Store) insertReturningIDs(ctx context.Context, q string, args []any, n int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) != n {
		return nil, fmt.Errorf("insert returned %d ids for %d rows", len(ids), n)
	}
	return ids, nil
}

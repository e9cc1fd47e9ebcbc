package db

import (
	"context"
	"fmt"
)

// EnsureVehicles creates any missing vehicles and maps every ref to its id.
func (s *Store) EnsureVehicles(ctx context.Context, refs []string) (map[string]int64, error) {
	return s.ensureRefs(ctx, "vehicles", "vehicle_ref", refs)
}

// EnsureStops creates any missing stops and maps every ref to its id.
func (s *Store) EnsureStops(ctx context.Context, refs []string) (map[string]int64, error) {
	return s.ensureRefs(ctx, "bus_stops", "stop_ref", refs)
}

// ensureRefs is safe to race: conflicting inserts are ignored and the ids are
// read back afterwards.
func (s *Store) ensureRefs(ctx context.Context, table, column string, refs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(refs))
	if len(refs) == 0 {
		return out, nil
	}
	insert := fmt.Sprintf(`INSERT INTO %s (%s) SELECT unnest($1::text[]) ON CONFLICT (%s) DO NOTHING`, table, column, column)
	if _, err := s.db.ExecContext(ctx, insert, refs); err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, %s FROM %s WHERE %s = ANY($1)`, column, table, column), refs)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var ref string
		if err := rows.Scan(&id, &ref); err != nil {
			return nil, err
		}
		out[ref] = id
	}
	return out, rows.Err()
}

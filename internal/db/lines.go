package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"busrate/internal/transit"
)

// LineIDs maps every provisioned line ref to its id.
func (s *Store) LineIDs(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, line_ref FROM bus_lines`)
	if err != nil {
		return nil, fmt.Errorf("query lines: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int64)
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

// Lines returns every provisioned line, ordered by line ref.
func (s *Store) Lines(ctx context.Context) ([]transit.BusLine, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, line_ref, name, stop_lists, stops_refreshed_at FROM bus_lines ORDER BY line_ref`)
	if err != nil {
		return nil, fmt.Errorf("query lines: %w", err)
	}
	defer rows.Close()
	var out []transit.BusLine
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// LineByRef looks up one line.
func (s *Store) LineByRef(ctx context.Context, lineRef string) (transit.BusLine, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, line_ref, name, stop_lists, stops_refreshed_at FROM bus_lines WHERE line_ref = $1`, lineRef)
	l, err := scanLine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return transit.BusLine{}, false, nil
	}
	if err != nil {
		return transit.BusLine{}, false, fmt.Errorf("query line %s: %w", lineRef, err)
	}
	return l, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLine(r scanner) (transit.BusLine, error) {
	var l transit.BusLine
	var lists []byte
	var refreshed sql.NullTime
	if err := r.Scan(&l.ID, &l.LineRef, &l.Name, &lists, &refreshed); err != nil {
		return l, err
	}
	if refreshed.Valid {
		l.StopsRefreshedAt = refreshed.Time
	}
	if len(lists) > 0 {
		decoded, err := decodeStopLists(lists)
		if err != nil {
			return l, fmt.Errorf("decode stop lists of %s: %w", l.LineRef, err)
		}
		l.StopLists = decoded
	}
	return l, nil
}

// Stop lists are stored as {"0": [...], "1": [...]}.
func decodeStopLists(b []byte) (map[int][]string, error) {
	var raw map[string][]string
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	out := make(map[int][]string, len(raw))
	for k, v := range raw {
		dir, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("invalid direction %q", k)
		}
		out[dir] = v
	}
	return out, nil
}

func encodeStopLists(lists map[int][]string) ([]byte, error) {
	raw := make(map[string][]string, len(lists))
	for k, v := range lists {
		raw[strconv.Itoa(k)] = v
	}
	return json.Marshal(raw)
}

func (s *Store) SaveStopLists(ctx context.Context, lineID int64, lists map[int][]string, refreshedAt time.Time) error {
	b, err := encodeStopLists(lists)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE bus_lines SET stop_lists = $2::jsonb, stops_refreshed_at = $3 WHERE id = $1`, lineID, string(b), refreshedAt)
	if err != nil {
		return fmt.Errorf("update stop lists: %w", err)
	}
	return nil
}

// UpsertLine provisions a line, updating its name if it exists.
func (s *Store) UpsertLine(ctx context.Context, lineRef, name string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
INSERT INTO bus_lines (line_ref, name) VALUES ($1, $2)
ON CONFLICT (line_ref) DO UPDATE SET name = EXCLUDED.name
RETURNING id`, lineRef, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert line %s: %w", lineRef, err)
	}
	return id, nil
}

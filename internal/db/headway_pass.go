package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"busrate/internal/headway"
	"busrate/internal/transit"
)

// headwayLockKey is the transaction-scoped advisory lock that serializes
// headway passes across processes.
const headwayLockKey int64 = 0x62757368 // "bush"

const headwayPageSize = 2000

// BeginHeadwayPass opens a transaction holding the headway lock and a server
// side cursor over [from, to).
func (s *Store) BeginHeadwayPass(ctx context.Context, from, to time.Time) (headway.Pass, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	var locked bool
	if err := tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock($1)`, headwayLockKey).Scan(&locked); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("headway lock: %w", err)
	}
	if !locked {
		_ = tx.Rollback()
		return nil, headway.ErrPassInProgress
	}
	_, err = tx.ExecContext(ctx, `DECLARE headway_pass NO SCROLL CURSOR FOR `+selectDepartures+`
WHERE departure_time >= $1 AND departure_time < $2
ORDER BY stop_ref, line_ref, departure_time DESC, id DESC`, from, to)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("declare headway cursor: %w", err)
	}
	return &headwayPass{tx: tx}, nil
}

type headwayPass struct {
	tx   *sql.Tx
	done bool
}

// Next drains each page before returning so the connection is free for the
// updates made between pages.
func (p *headwayPass) Next(ctx context.Context) ([]transit.HistoricalDeparture, error) {
	if p.done {
		return nil, nil
	}
	rows, err := p.tx.QueryContext(ctx, fmt.Sprintf(`FETCH FORWARD %d FROM headway_pass`, headwayPageSize))
	if err != nil {
		return nil, err
	}
	var page []transit.HistoricalDeparture
	for rows.Next() {
		d, err := scanDeparture(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		page = append(page, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(page) < headwayPageSize {
		p.done = true
	}
	return page, nil
}

func (p *headwayPass) SetHeadway(ctx context.Context, id int64, h, previousID *int64) (bool, error) {
	res, err := p.tx.ExecContext(ctx,
		`UPDATE historical_departures SET headway = $2, previous_departure_id = $3 WHERE id = $1`,
		id, nullInt64(h), nullInt64(previousID))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *headwayPass) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := p.tx.ExecContext(ctx, `DELETE FROM historical_departures WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *headwayPass) Commit() error   { return p.tx.Commit() }
func (p *headwayPass) Rollback() error { return p.tx.Rollback() }

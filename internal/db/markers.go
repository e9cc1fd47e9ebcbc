package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"busrate/internal/ingest"
)

// fetchMarkerLockKey serializes marker acquisition even when the table is
// empty and there is no row for FOR UPDATE to lock.
const fetchMarkerLockKey int64 = 0x66657463 // "fetc"

// AcquireFetchMarker takes the marker lock without waiting. If the lock is
// taken or the marker is younger than minInterval (by database time) the
// cycle is skipped; otherwise a new marker is committed and its id returned.
func (s *Store) AcquireFetchMarker(ctx context.Context, minInterval time.Duration) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin marker tx: %w", err)
	}
	defer tx.Rollback()

	var locked bool
	if err := tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock($1)`, fetchMarkerLockKey).Scan(&locked); err != nil {
		return 0, fmt.Errorf("fetch marker lock: %w", err)
	}
	if !locked {
		return 0, ingest.ErrRateLimited
	}

	var lastID int64
	var age float64
	err = tx.QueryRowContext(ctx, `
SELECT id, EXTRACT(EPOCH FROM (now() - called_at))::float8
FROM fetch_markers
ORDER BY called_at DESC, id DESC
LIMIT 1
FOR UPDATE NOWAIT`).Scan(&lastID, &age)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case isPgCode(err, codeLockNotAvailable):
		return 0, ingest.ErrRateLimited
	case err != nil:
		return 0, fmt.Errorf("lock fetch marker: %w", err)
	case age < minInterval.Seconds():
		return 0, ingest.ErrRateLimited
	}

	var id int64
	if err := tx.QueryRowContext(ctx, `INSERT INTO fetch_markers DEFAULT VALUES RETURNING id`).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert fetch marker: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit fetch marker: %w", err)
	}
	return id, nil
}

// LatestFetchMarker returns the id of the most recent marker, 0 if none.
func (s *Store) LatestFetchMarker(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM fetch_markers ORDER BY called_at DESC, id DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query latest fetch marker: %w", err)
	}
	return id, nil
}

// PruneFetchMarkers deletes markers older than retention, keeping the latest.
func (s *Store) PruneFetchMarkers(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM fetch_markers
WHERE called_at < now() - make_interval(secs => $1)
  AND id <> (SELECT id FROM fetch_markers ORDER BY called_at DESC, id DESC LIMIT 1)`, retention.Seconds())
	if err != nil {
		return 0, fmt.Errorf("prune fetch markers: %w", err)
	}
	return res.RowsAffected()
}

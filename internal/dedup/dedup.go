// Package dedup removes duplicate records from a candidate batch and from the
// already-persisted window it is compared against.
//
// Two processes running Suppress over overlapping windows converge on the same
// survivor for every fingerprint: among persisted duplicates the smallest id is
// always kept, independent of evaluation order.
package dedup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"busrate/internal/transit"
)

// Record is anything that can be compared by fingerprint. Persisted records
// report their id; candidates report ok=false.
type Record interface {
	RecordID() (id int64, ok bool)
	Fingerprint() string
}

// Result is the outcome of a suppression fold.
type Result[T Record] struct {
	Fresh []T     // not-yet-persisted records with unique fingerprints
	Purge []int64 // persisted duplicates to delete, ascending
}

// Suppress folds existing then candidates into a fingerprint map. The first
// record seen for a fingerprint wins, except that between two persisted
// records the smaller id wins and between a persisted and an unpersisted
// record the persisted one wins.
func Suppress[T Record](candidates, existing []T) Result[T] {
	seen := make(map[string]int, len(existing)+len(candidates))
	survivors := make([]T, 0, len(existing)+len(candidates))
	purge := make(map[int64]struct{})

	fold := func(r T) {
		key := r.Fingerprint()
		idx, dup := seen[key]
		if !dup {
			seen[key] = len(survivors)
			survivors = append(survivors, r)
			return
		}
		kept := survivors[idx]
		keptID, keptOK := kept.RecordID()
		id, ok := r.RecordID()
		switch {
		case keptOK && ok:
			if id == keptID {
				return
			}
			if id < keptID {
				purge[keptID] = struct{}{}
				survivors[idx] = r
			} else {
				purge[id] = struct{}{}
			}
		case ok && !keptOK:
			survivors[idx] = r
		}
	}

	for _, r := range existing {
		fold(r)
	}
	for _, r := range candidates {
		fold(r)
	}

	res := Result[T]{}
	for _, r := range survivors {
		if _, ok := r.RecordID(); !ok {
			res.Fresh = append(res.Fresh, r)
		}
	}
	for id := range purge {
		res.Purge = append(res.Purge, id)
	}
	sort.Slice(res.Purge, func(i, j int) bool { return res.Purge[i] < res.Purge[j] })
	return res
}

// Purger deletes persisted records by id.
type Purger interface {
	Purge(ctx context.Context, ids []int64) error
}

// PurgerFunc adapts a function to Purger.
type PurgerFunc func(ctx context.Context, ids []int64) error

func (f PurgerFunc) Purge(ctx context.Context, ids []int64) error { return f(ctx, ids) }

// Apply runs Suppress, deletes the persisted duplicates through p and returns
// the records that still need inserting.
func Apply[T Record](ctx context.Context, kind string, p Purger, candidates, existing []T) (Result[T], error) {
	start := time.Now()
	res := Suppress(candidates, existing)
	if len(res.Purge) > 0 {
		if err := p.Purge(ctx, res.Purge); err != nil {
			return res, fmt.Errorf("purge duplicate %s: %w", kind, err)
		}
	}
	prevented := len(candidates) - len(res.Fresh)
	if prevented > 0 || len(res.Purge) > 0 {
		log.Info().
			Str("kind", kind).
			Int("purged", len(res.Purge)).
			Int("prevented", prevented).
			Int("fresh", len(res.Fresh)).
			Dur("took", time.Since(start)).
			Msg("duplicates suppressed")
	}
	return res, nil
}

// Position fingerprints a vehicle position by its exact
// (timestamp, vehicle, stop) triple.
type Position transit.VehiclePosition

func (p Position) RecordID() (int64, bool) { return p.ID, p.ID != 0 }

func (p Position) Fingerprint() string {
	return fmt.Sprintf("%d|%s|%s", p.Timestamp.UnixMicro(), p.VehicleRef, p.StopRef)
}

// Departure fingerprints a departure by (departure time in whole seconds,
// vehicle, stop). Two bunched departures a couple of minutes apart stay
// distinct.
type Departure transit.HistoricalDeparture

func (d Departure) RecordID() (int64, bool) { return d.ID, d.ID != 0 }

func (d Departure) Fingerprint() string {
	return fmt.Sprintf("%d|%s|%s", d.DepartureTime.Unix(), d.VehicleRef, d.StopRef)
}

// Positions converts domain positions into dedup records.
func Positions(in []transit.VehiclePosition) []Position {
	out := make([]Position, len(in))
	for i, p := range in {
		out[i] = Position(p)
	}
	return out
}

// Departures converts domain departures into dedup records.
func Departures(in []transit.HistoricalDeparture) []Departure {
	out := make([]Departure, len(in))
	for i, d := range in {
		out[i] = Departure(d)
	}
	return out
}

// PositionValues converts dedup records back into domain positions.
func PositionValues(in []Position) []transit.VehiclePosition {
	out := make([]transit.VehiclePosition, len(in))
	for i, p := range in {
		out[i] = transit.VehiclePosition(p)
	}
	return out
}

// DepartureValues converts dedup records back into domain departures.
func DepartureValues(in []Departure) []transit.HistoricalDeparture {
	out := make([]transit.HistoricalDeparture, len(in))
	for i, d := range in {
		out[i] = transit.HistoricalDeparture(d)
	}
	return out
}

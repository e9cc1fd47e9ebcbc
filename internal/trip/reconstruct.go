package trip

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"busrate/internal/dedup"
	"busrate/internal/headway"
	"busrate/internal/transit"
)

// RecomputeMargin widens the forced headway pass around inserted rows.
const RecomputeMargin = time.Hour

type Store interface {
	// DeparturesBetween returns every departure with from <= time < to.
	DeparturesBetween(ctx context.Context, from, to time.Time) ([]transit.HistoricalDeparture, error)
	DeleteDepartures(ctx context.Context, ids []int64) error
	InsertDepartures(ctx context.Context, deps []transit.HistoricalDeparture) ([]transit.HistoricalDeparture, error)
}

// StopLists resolves a line's direction-indexed stop order.
type StopLists interface {
	Lookup(ctx context.Context, lineRef string) (map[int][]string, bool, error)
}

// HeadwayRunner recomputes headways, typically a *headway.Calculator.
type HeadwayRunner interface {
	ProcessWindow(ctx context.Context, w headway.Window) (headway.Counts, error)
}

type Metrics interface {
	InterpolatedAdd(n int)
}

type Reconstructor struct {
	Store    Store
	Stops    StopLists
	Headways HeadwayRunner
	Metrics  Metrics // optional
}

// Stats summarizes one reconstruction pass.
type Stats struct {
	Trips        int
	Sequences    int
	Interpolated int
	Inserted     []transit.HistoricalDeparture
}

type tripKey struct {
	ref       string
	vehicle   string
	line      string
	direction int
}

// ReconstructAndInterpolate rebuilds every trip with departures in [from, to),
// stores the interpolated stops and recomputes headways around them.
func (r *Reconstructor) ReconstructAndInterpolate(ctx context.Context, from, to time.Time) (Stats, error) {
	var stats Stats
	start := time.Now()
	logger := log.With().Str("job", "interpolate").Str("run", uuid.NewString()[:8]).Logger()

	deps, err := r.Store.DeparturesBetween(ctx, from, to)
	if err != nil {
		return stats, fmt.Errorf("load departures: %w", err)
	}

	trips := make(map[tripKey][]transit.HistoricalDeparture)
	var keys []tripKey
	for _, d := range deps {
		if d.Interpolated || d.Direction == nil || d.TripRef() == "" {
			continue
		}
		k := tripKey{ref: d.TripRef(), vehicle: d.VehicleRef, line: d.LineRef, direction: *d.Direction}
		if _, ok := trips[k]; !ok {
			keys = append(keys, k)
		}
		trips[k] = append(trips[k], d)
	}

	var candidates []transit.HistoricalDeparture
	for _, k := range keys {
		lists, found, err := r.Stops.Lookup(ctx, k.line)
		if err != nil {
			logger.Warn().Err(err).Str("line", k.line).Msg("stop list lookup failed; skipping trip")
			continue
		}
		stops := lists[k.direction]
		if !found || len(stops) == 0 {
			logger.Debug().Str("line", k.line).Int("direction", k.direction).Msg("no stop list")
			continue
		}
		stats.Trips++
		template := trips[k][0]
		for _, seq := range AllSequences(View(stops, trips[k])) {
			stats.Sequences++
			for _, e := range Interpolate(seq) {
				if e.Interpolated.IsZero() {
					continue
				}
				candidates = append(candidates, synthetic(template, e))
			}
		}
	}

	if len(candidates) == 0 {
		logger.Info().Int("trips", stats.Trips).Int("sequences", stats.Sequences).Msg("nothing to interpolate")
		return stats, nil
	}

	fresh, err := dedup.Apply(ctx, "departures", dedup.PurgerFunc(r.Store.DeleteDepartures),
		dedup.Departures(candidates), dedup.Departures(deps))
	if err != nil {
		return stats, err
	}
	if len(fresh.Fresh) > 0 {
		stats.Inserted, err = r.Store.InsertDepartures(ctx, dedup.DepartureValues(fresh.Fresh))
		if err != nil {
			return stats, fmt.Errorf("insert interpolated departures: %w", err)
		}
	}
	stats.Interpolated = len(stats.Inserted)
	if r.Metrics != nil {
		r.Metrics.InterpolatedAdd(stats.Interpolated)
	}

	if len(stats.Inserted) > 0 && r.Headways != nil {
		lo, hi := span(stats.Inserted)
		w := headway.Window{From: lo.Add(-RecomputeMargin), To: hi.Add(RecomputeMargin), Force: true}
		if _, err := r.Headways.ProcessWindow(ctx, w); err != nil {
			if !errors.Is(err, headway.ErrPassInProgress) {
				return stats, fmt.Errorf("recompute headways: %w", err)
			}
			logger.Warn().Time("from", w.From).Time("to", w.To).Msg("headway recompute skipped; pass in progress")
		}
	}

	logger.Info().
		Int("trips", stats.Trips).
		Int("sequences", stats.Sequences).
		Int("candidates", len(candidates)).
		Int("interpolated", stats.Interpolated).
		Dur("took", time.Since(start)).
		Msg("interpolation done")
	return stats, nil
}

func synthetic(template transit.HistoricalDeparture, e Entry) transit.HistoricalDeparture {
	return transit.HistoricalDeparture{
		StopRef:                e.StopRef,
		LineRef:                template.LineRef,
		Direction:              template.Direction,
		VehicleRef:             template.VehicleRef,
		BlockRef:               template.BlockRef,
		DatedVehicleJourneyRef: template.DatedVehicleJourneyRef,
		DepartureTime:          e.Interpolated,
		Interpolated:           true,
	}
}

func span(deps []transit.HistoricalDeparture) (lo, hi time.Time) {
	times := make([]time.Time, len(deps))
	for i, d := range deps {
		times[i] = d.DepartureTime
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	return times[0], times[len(times)-1]
}

// Package ingest pulls the vehicle feed at most once per interval and stores
// new positions.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"busrate/internal/dedup"
	"busrate/internal/mta"
	"busrate/internal/transit"
)

// ErrRateLimited means another process fetched recently or holds the marker.
var ErrRateLimited = errors.New("fetch skipped: rate limited")

type Feed interface {
	VehicleMonitoring(ctx context.Context) (*mta.VehicleMonitoring, error)
}

type Store interface {
	// AcquireFetchMarker commits a new marker and returns its id, or
	// ErrRateLimited if the latest marker is locked or younger than minInterval.
	AcquireFetchMarker(ctx context.Context, minInterval time.Duration) (int64, error)
	LatestFetchMarker(ctx context.Context) (int64, error)

	LineIDs(ctx context.Context) (map[string]int64, error)
	EnsureVehicles(ctx context.Context, refs []string) (map[string]int64, error)
	EnsureStops(ctx context.Context, refs []string) (map[string]int64, error)

	RecentPositions(ctx context.Context, since time.Time) ([]transit.VehiclePosition, error)
	DeletePositions(ctx context.Context, ids []int64) error
	InsertPositions(ctx context.Context, ps []transit.VehiclePosition) ([]transit.VehiclePosition, error)
}

type Metrics interface {
	FetchSkippedInc()
	FeedObserve(d time.Duration, err error)
	EntriesDroppedAdd(reason string, n int)
	PositionsIngestedAdd(n int)
}

type Ingestor struct {
	Store   Store
	Feed    Feed
	Metrics Metrics // optional

	MinInterval time.Duration // between upstream fetches
	DedupWindow time.Duration // stored positions compared against
	Now         func() time.Time
}

func (in *Ingestor) now() time.Time {
	if in.Now != nil {
		return in.Now()
	}
	return time.Now()
}

// FetchAndStore takes the fetch marker, reads the feed and inserts the new
// positions. A skipped cycle returns ErrRateLimited.
func (in *Ingestor) FetchAndStore(ctx context.Context) ([]transit.VehiclePosition, error) {
	start := in.now()
	logger := log.With().Str("job", "fetch").Str("run", uuid.NewString()[:8]).Logger()

	mine, err := in.Store.AcquireFetchMarker(ctx, in.MinInterval)
	if err == nil {
		var latest int64
		latest, err = in.Store.LatestFetchMarker(ctx)
		if err == nil && latest != mine {
			err = ErrRateLimited
		}
	}
	if errors.Is(err, ErrRateLimited) {
		if in.Metrics != nil {
			in.Metrics.FetchSkippedInc()
		}
		logger.Info().Msg("skipping fetch; must wait between upstream calls")
		return nil, ErrRateLimited
	}
	if err != nil {
		return nil, fmt.Errorf("fetch marker: %w", err)
	}

	feedStart := in.now()
	vm, err := in.Feed.VehicleMonitoring(ctx)
	if in.Metrics != nil {
		in.Metrics.FeedObserve(in.now().Sub(feedStart), err)
	}
	if err != nil {
		return nil, err
	}

	lines, err := in.Store.LineIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load lines: %w", err)
	}

	obs, dropped := observations(vm.Activities(), lines)
	for reason, n := range dropped {
		logger.Debug().Str("reason", reason).Int("count", n).Msg("dropped feed entries")
		if in.Metrics != nil {
			in.Metrics.EntriesDroppedAdd(reason, n)
		}
	}
	if len(obs) == 0 {
		logger.Info().Int("activities", len(vm.Activities())).Msg("no usable positions")
		return nil, nil
	}

	candidates, err := in.build(ctx, obs, lines)
	if err != nil {
		return nil, err
	}

	existing, err := in.Store.RecentPositions(ctx, start.Add(-in.DedupWindow))
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	res, err := dedup.Apply(ctx, "positions", dedup.PurgerFunc(in.Store.DeletePositions),
		dedup.Positions(candidates), dedup.Positions(existing))
	if err != nil {
		return nil, err
	}

	var inserted []transit.VehiclePosition
	if len(res.Fresh) > 0 {
		inserted, err = in.Store.InsertPositions(ctx, dedup.PositionValues(res.Fresh))
		if err != nil {
			return nil, fmt.Errorf("insert positions: %w", err)
		}
	}
	if in.Metrics != nil {
		in.Metrics.PositionsIngestedAdd(len(inserted))
	}

	logger.Info().
		Int64("marker", mine).
		Int("activities", len(vm.Activities())).
		Int("usable", len(obs)).
		Int("inserted", len(inserted)).
		Dur("took", in.now().Sub(start)).
		Msg("fetch complete")
	return inserted, nil
}

const reasonUnknownLine = "unknown line"

// observations keeps the well-formed activities on provisioned lines and
// tallies the rest by reason.
func observations(acts []*mta.VehicleActivity, lines map[string]int64) ([]mta.Observation, map[string]int) {
	dropped := make(map[string]int)
	out := make([]mta.Observation, 0, len(acts))
	for _, a := range acts {
		o, err := a.Observation()
		if err != nil {
			dropped[err.Error()]++
			continue
		}
		if _, ok := lines[o.LineRef]; !ok {
			dropped[reasonUnknownLine]++
			continue
		}
		out = append(out, o)
	}
	return out, dropped
}

func (in *Ingestor) build(ctx context.Context, obs []mta.Observation, lines map[string]int64) ([]transit.VehiclePosition, error) {
	vehicleRefs := make(map[string]struct{})
	stopRefs := make(map[string]struct{})
	for _, o := range obs {
		vehicleRefs[o.VehicleRef] = struct{}{}
		stopRefs[o.StopRef] = struct{}{}
	}
	vehicles, err := in.Store.EnsureVehicles(ctx, keys(vehicleRefs))
	if err != nil {
		return nil, fmt.Errorf("ensure vehicles: %w", err)
	}
	stops, err := in.Store.EnsureStops(ctx, keys(stopRefs))
	if err != nil {
		return nil, fmt.Errorf("ensure stops: %w", err)
	}

	out := make([]transit.VehiclePosition, 0, len(obs))
	for _, o := range obs {
		out = append(out, transit.VehiclePosition{
			VehicleID:              vehicles[o.VehicleRef],
			VehicleRef:             o.VehicleRef,
			BusLineID:              lines[o.LineRef],
			LineRef:                o.LineRef,
			Direction:              o.Direction,
			BusStopID:              stops[o.StopRef],
			StopRef:                o.StopRef,
			ArrivalState:           o.ArrivalState,
			DistanceFromStop:       o.DistanceFromStop,
			BlockRef:               o.BlockRef,
			DatedVehicleJourneyRef: o.DatedVehicleJourneyRef,
			Timestamp:              o.RecordedAt,
		})
	}
	return out, nil
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

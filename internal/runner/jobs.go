package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"busrate/internal/db"
	"busrate/internal/headway"
	"busrate/internal/trip"
)

// DuplicatePurgeLookback bounds how far back each cleanup looks for
// duplicate departures.
const DuplicatePurgeLookback = time.Hour

// Maintenance prunes the tables that only grow.
type Maintenance interface {
	PrunePositions(ctx context.Context, retention time.Duration) (int64, error)
	PruneFetchMarkers(ctx context.Context, retention time.Duration) (int64, error)
	PurgeDuplicateDepartures(ctx context.Context, since time.Time) (int64, error)
}

type HealthSource interface {
	Health(ctx context.Context) (db.Health, error)
}

type HealthObserver interface {
	ObserveHealth(h db.Health)
}

// Pipeline holds one instance of every batch job.
type Pipeline struct {
	Fetch       func(ctx context.Context) error
	Detect      func(ctx context.Context) error
	Headways    *headway.Calculator
	Reconstruct *trip.Reconstructor
	Maintenance Maintenance
	Health      HealthSource
	Observer    HealthObserver // optional

	HeadwayLookback       time.Duration
	InterpolationLookback time.Duration
	PositionRetention     time.Duration
	MarkerRetention       time.Duration
	Now                   func() time.Time
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// RunHeadways fills missing headways for departures in the lookback.
func (p *Pipeline) RunHeadways(ctx context.Context) error {
	now := p.now()
	_, err := p.Headways.ProcessWindow(ctx, headway.Window{From: now.Add(-p.HeadwayLookback), To: now.Add(time.Minute)})
	return err
}

func (p *Pipeline) RunInterpolation(ctx context.Context) error {
	now := p.now()
	_, err := p.Reconstruct.ReconstructAndInterpolate(ctx, now.Add(-p.InterpolationLookback), now.Add(time.Minute))
	return err
}

// RunHealth logs a health snapshot and feeds it to the observer.
func (p *Pipeline) RunHealth(ctx context.Context) error {
	h, err := p.Health.Health(ctx)
	if err != nil {
		return err
	}
	if p.Observer != nil {
		p.Observer.ObserveHealth(h)
	}
	ev := log.Info()
	if h.RecentFetches == 0 {
		ev = log.Warn()
	}
	ev.Str("job", "health").
		Int64("recent_fetches", h.RecentFetches).
		Int64("recent_departures", h.RecentDepartures).
		Int64("recent_positions", h.RecentPositions).
		Interface("headway_success_rate", h.HeadwaySuccessRate).
		Interface("interpolation_rate", h.InterpolationRate).
		Msg("health")
	return nil
}

// RunCleanup prunes old positions and markers and removes duplicate
// departures created in the last DuplicatePurgeLookback.
func (p *Pipeline) RunCleanup(ctx context.Context) error {
	logger := log.With().Str("job", "cleanup").Str("run", uuid.NewString()[:8]).Logger()
	positions, err := p.Maintenance.PrunePositions(ctx, p.PositionRetention)
	if err != nil {
		return err
	}
	markers, err := p.Maintenance.PruneFetchMarkers(ctx, p.MarkerRetention)
	if err != nil {
		return err
	}
	dupes, err := p.Maintenance.PurgeDuplicateDepartures(ctx, p.now().Add(-DuplicatePurgeLookback))
	if err != nil {
		return fmt.Errorf("purge duplicates: %w", err)
	}
	logger.Info().
		Int64("positions", positions).
		Int64("markers", markers).
		Int64("duplicate_departures", dupes).
		Msg("cleanup done")
	return nil
}

// Intervals are the job periods.
type Intervals struct {
	Fetch, Detect, Headways, Interpolate, Health, Cleanup time.Duration
}

// Jobs returns the pipeline as runner jobs.
func (p *Pipeline) Jobs(iv Intervals) []Job {
	return []Job{
		{Name: "fetch", Every: iv.Fetch, Run: p.Fetch},
		{Name: "detect", Every: iv.Detect, Run: p.Detect},
		{Name: "headways", Every: iv.Headways, Run: p.RunHeadways},
		{Name: "interpolate", Every: iv.Interpolate, Run: p.RunInterpolation},
		{Name: "health", Every: iv.Health, Run: p.RunHealth},
		{Name: "cleanup", Every: iv.Cleanup, Run: p.RunCleanup},
	}
}

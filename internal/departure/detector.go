package departure

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"busrate/internal/dedup"
	"busrate/internal/transit"
)

// Store is the persistence the detector needs.
type Store interface {
	RecentPositions(ctx context.Context, since time.Time) ([]transit.VehiclePosition, error)
	DeletePositions(ctx context.Context, ids []int64) error
	RecentDepartures(ctx context.Context, since time.Time) ([]transit.HistoricalDeparture, error)
	DeleteDepartures(ctx context.Context, ids []int64) error
	InsertDepartures(ctx context.Context, deps []transit.HistoricalDeparture) ([]transit.HistoricalDeparture, error)
}

// Publisher receives every departure after it is stored.
type Publisher interface {
	PublishDeparture(d transit.HistoricalDeparture) error
}

type Metrics interface {
	DeparturesDetectedAdd(n int)
	PositionsConsumedAdd(n int)
}

type Detector struct {
	Store     Store
	Publisher Publisher // optional
	Metrics   Metrics   // optional

	Window      time.Duration // positions considered per pass
	DedupWindow time.Duration // stored departures compared against
	Now         func() time.Time
}

func (d *Detector) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// DetectDepartures runs one pass: purge duplicate positions, infer departures,
// drop those already stored, insert the rest and purge consumed positions.
// It returns the inserted departures.
func (d *Detector) DetectDepartures(ctx context.Context) ([]transit.HistoricalDeparture, error) {
	start := d.now()
	logger := log.With().Str("job", "detect").Str("run", uuid.NewString()[:8]).Logger()

	positions, err := d.Store.RecentPositions(ctx, start.Add(-d.Window))
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	purgePositions := dedup.PurgerFunc(d.Store.DeletePositions)
	cleaned, err := dedup.Apply(ctx, "positions", purgePositions, nil, dedup.Positions(positions))
	if err != nil {
		return nil, err
	}
	positions = dropIDs(positions, cleaned.Purge)

	res := Detect(positions)
	if len(res.Departures) == 0 {
		logger.Debug().Int("positions", len(positions)).Msg("no departures")
		return nil, nil
	}

	existing, err := d.Store.RecentDepartures(ctx, start.Add(-d.DedupWindow))
	if err != nil {
		return nil, fmt.Errorf("load departures: %w", err)
	}
	unique, err := dedup.Apply(ctx, "departures", dedup.PurgerFunc(d.Store.DeleteDepartures),
		dedup.Departures(res.Departures), dedup.Departures(existing))
	if err != nil {
		return nil, err
	}

	var inserted []transit.HistoricalDeparture
	if len(unique.Fresh) > 0 {
		inserted, err = d.Store.InsertDepartures(ctx, dedup.DepartureValues(unique.Fresh))
		if err != nil {
			return nil, fmt.Errorf("insert departures: %w", err)
		}
	}
	if len(res.Consumed) > 0 {
		if err := d.Store.DeletePositions(ctx, res.Consumed); err != nil {
			return inserted, fmt.Errorf("purge consumed positions: %w", err)
		}
	}

	if d.Metrics != nil {
		d.Metrics.DeparturesDetectedAdd(len(inserted))
		d.Metrics.PositionsConsumedAdd(len(res.Consumed))
	}
	if d.Publisher != nil {
		for _, dep := range inserted {
			if err := d.Publisher.PublishDeparture(dep); err != nil {
				logger.Warn().Err(err).Int64("departure", dep.ID).Msg("publish departure")
			}
		}
	}

	logger.Info().
		Int("positions", len(positions)).
		Int("detected", len(res.Departures)).
		Int("created", len(inserted)).
		Int("inferred_from_approach", res.Inferred).
		Int("consumed", len(res.Consumed)).
		Dur("took", d.now().Sub(start)).
		Msg("departures created")
	return inserted, nil
}

func dropIDs(ps []transit.VehiclePosition, ids []int64) []transit.VehiclePosition {
	if len(ids) == 0 {
		return ps
	}
	gone := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		gone[id] = struct{}{}
	}
	out := ps[:0:0]
	for _, p := range ps {
		if _, ok := gone[p.ID]; !ok {
			out = append(out, p)
		}
	}
	return out
}

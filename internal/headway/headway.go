// Package headway links departures at a stop into chains and stores the
// interval between consecutive departures.
package headway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"busrate/internal/transit"
)

// ErrPassInProgress is returned when another pass holds the headway lock.
var ErrPassInProgress = errors.New("headway pass already in progress")

// ResidualDuplicateGap is the spacing under which two departures of the same
// vehicle at the same stop are treated as one.
const ResidualDuplicateGap = 10 * time.Minute

// Window selects departures with From <= departure_time < To.
type Window struct {
	From  time.Time
	To    time.Time
	Force bool // recompute headways that are already set
}

type Counts struct {
	Updated   int
	Skipped   int
	Errors    int
	Discarded int
	Runs      int
	Exhausted bool // stopped early on the time budget
}

// Store opens an exclusive pass over a window. It returns ErrPassInProgress
// without blocking if another pass is running.
type Store interface {
	BeginHeadwayPass(ctx context.Context, from, to time.Time) (Pass, error)
}

// Pass streams a window ordered by (stop, line, departure_time desc). Every
// write it makes becomes visible on Commit.
type Pass interface {
	// Next returns the next page; an empty page means the window is exhausted.
	Next(ctx context.Context) ([]transit.HistoricalDeparture, error)
	// SetHeadway reports false when the row no longer exists.
	SetHeadway(ctx context.Context, id int64, headway, previousID *int64) (bool, error)
	Delete(ctx context.Context, id int64) (bool, error)
	Commit() error
	Rollback() error
}

type Metrics interface {
	HeadwayPassObserve(updated, skipped, errors, discarded int, d time.Duration)
}

type Calculator struct {
	Store   Store
	Budget  time.Duration
	Metrics Metrics // optional
	Now     func() time.Time
}

func (c *Calculator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// ProcessWindow computes headways across w. Progress made before the budget
// runs out is committed; the remaining runs are left for the next pass.
func (c *Calculator) ProcessWindow(ctx context.Context, w Window) (Counts, error) {
	var counts Counts
	start := c.now()
	logger := log.With().Str("job", "headways").Str("run", uuid.NewString()[:8]).Logger()

	pass, err := c.Store.BeginHeadwayPass(ctx, w.From, w.To)
	if errors.Is(err, ErrPassInProgress) {
		logger.Info().Msg("skipping; another headway pass holds the lock")
		return counts, err
	}
	if err != nil {
		return counts, fmt.Errorf("begin headway pass: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = pass.Rollback()
		}
	}()

	var run []transit.HistoricalDeparture
scan:
	for {
		page, err := pass.Next(ctx)
		if err != nil {
			return counts, fmt.Errorf("read departures: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for _, d := range page {
			if len(run) > 0 && (d.StopRef != run[0].StopRef || d.LineRef != run[0].LineRef) {
				if err := c.processRun(ctx, pass, run, w.Force, start, &counts); err != nil {
					return counts, err
				}
				run = run[:0]
				if counts.Exhausted || c.overBudget(start) {
					counts.Exhausted = true
					break scan
				}
			}
			run = append(run, d)
		}
	}
	if !counts.Exhausted && len(run) > 0 {
		if err := c.processRun(ctx, pass, run, w.Force, start, &counts); err != nil {
			return counts, err
		}
	}

	if err := pass.Commit(); err != nil {
		return counts, fmt.Errorf("commit headway pass: %w", err)
	}
	committed = true

	took := c.now().Sub(start)
	if c.Metrics != nil {
		c.Metrics.HeadwayPassObserve(counts.Updated, counts.Skipped, counts.Errors, counts.Discarded, took)
	}
	ev := logger.Info()
	if counts.Exhausted {
		ev = logger.Warn().Dur("budget", c.Budget)
	}
	ev.Time("from", w.From).Time("to", w.To).Bool("force", w.Force).
		Int("runs", counts.Runs).
		Int("updated", counts.Updated).
		Int("skipped", counts.Skipped).
		Int("errors", counts.Errors).
		Int("discarded", counts.Discarded).
		Bool("exhausted", counts.Exhausted).
		Dur("took", took).
		Msg("headway pass done")
	return counts, nil
}

func (c *Calculator) overBudget(start time.Time) bool {
	return c.Budget > 0 && c.now().Sub(start) > c.Budget
}

// processRun handles departures sharing (stop, line), newest first. The budget
// is checked after every write, so a long run can stop part way; the rest of
// it is left for the next pass.
func (c *Calculator) processRun(ctx context.Context, pass Pass, run []transit.HistoricalDeparture, force bool, start time.Time, counts *Counts) error {
	counts.Runs++
	kept, discarded := dropResidualDuplicates(run)
	gone := make(map[int64]struct{}, len(discarded))
	for _, d := range discarded {
		if _, err := pass.Delete(ctx, d.ID); err != nil {
			return fmt.Errorf("discard departure %d: %w", d.ID, err)
		}
		gone[d.ID] = struct{}{}
		counts.Discarded++
	}

	for i := 0; i < len(kept)-1; i++ {
		cur, prev := kept[i], kept[i+1]
		relink := false
		if cur.PreviousDepartureID != nil {
			_, relink = gone[*cur.PreviousDepartureID]
		}
		if cur.Headway != nil && !force && !relink {
			counts.Skipped++
			continue
		}
		h := Compute(cur.DepartureTime, prev.DepartureTime)
		prevID := prev.ID
		ok, err := pass.SetHeadway(ctx, cur.ID, h, &prevID)
		if err != nil {
			return fmt.Errorf("update departure %d: %w", cur.ID, err)
		}
		if !ok {
			counts.Errors++
		} else {
			counts.Updated++
		}
		if c.overBudget(start) {
			counts.Exhausted = true
			return nil
		}
	}
	return nil
}

// Compute returns the rounded seconds from prev to cur, nil when it rounds to
// zero.
func Compute(cur, prev time.Time) *int64 {
	return transit.NormalizeHeadway(int64(math.Round(cur.Sub(prev).Seconds())))
}

// dropResidualDuplicates walks a newest-first run from the oldest end and
// discards any departure that follows the last kept one by the same vehicle
// within ResidualDuplicateGap. It returns the kept rows newest first.
func dropResidualDuplicates(run []transit.HistoricalDeparture) (kept, discarded []transit.HistoricalDeparture) {
	if len(run) == 0 {
		return nil, nil
	}
	asc := make([]transit.HistoricalDeparture, 0, len(run))
	last := run[len(run)-1]
	asc = append(asc, last)
	for i := len(run) - 2; i >= 0; i-- {
		d := run[i]
		if d.VehicleRef == last.VehicleRef && d.DepartureTime.Sub(last.DepartureTime) < ResidualDuplicateGap {
			discarded = append(discarded, d)
			continue
		}
		asc = append(asc, d)
		last = d
	}
	kept = make([]transit.HistoricalDeparture, len(asc))
	for i, d := range asc {
		kept[len(asc)-1-i] = d
	}
	return kept, discarded
}

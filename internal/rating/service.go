package rating

import (
	"context"
	"fmt"
	"strings"
	"time"

	"busrate/internal/transit"
)

// Period restricts which departures take part in a rating, judged in the
// service's local time zone.
type Period string

const (
	AllDay      Period = "all"
	Weekdays    Period = "weekdays"
	Weekends    Period = "weekends"
	MorningRush Period = "morning_rush" // weekdays 07:00-08:59
	EveningRush Period = "evening_rush" // weekdays 16:00-18:59
)

// ParsePeriod accepts the period names above; empty means AllDay.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return AllDay, nil
	case AllDay, Weekdays, Weekends, MorningRush, EveningRush:
		return p, nil
	default:
		return "", fmt.Errorf("invalid period: %q", s)
	}
}

// Contains reports whether t falls inside the period in loc.
func (p Period) Contains(t time.Time, loc *time.Location) bool {
	local := t.In(loc)
	wd := local.Weekday()
	weekday := wd != time.Saturday && wd != time.Sunday
	h := local.Hour()
	switch p {
	case Weekdays:
		return weekday
	case Weekends:
		return !weekday
	case MorningRush:
		return weekday && h >= 7 && h < 9
	case EveningRush:
		return weekday && h >= 16 && h < 19
	default:
		return true
	}
}

// Store returns departures newer than since, most recent first.
type Store interface {
	DeparturesForStop(ctx context.Context, lineRef, stopRef string, since time.Time) ([]transit.HistoricalDeparture, error)
	DeparturesForDirection(ctx context.Context, lineRef string, direction int, since time.Time) ([]transit.HistoricalDeparture, error)
}

// Service computes recent ratings from stored departures.
type Service struct {
	Store            Store
	AllowableMinutes int
	Window           time.Duration
	Location         *time.Location
	Now              func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) loc() *time.Location {
	if s.Location != nil {
		return s.Location
	}
	return time.UTC
}

// RatingForStop rates one stop of a line over the recent window. The gap since
// the latest departure is scored as the current headway.
func (s *Service) RatingForStop(ctx context.Context, lineRef, stopRef string, period Period) (*Rating, error) {
	deps, err := s.Store.DeparturesForStop(ctx, lineRef, stopRef, s.now().Add(-s.Window))
	if err != nil {
		return nil, fmt.Errorf("rating for %s/%s: %w", lineRef, stopRef, err)
	}
	return s.score(deps, period), nil
}

// RatingForDirection rates every stop of a line in one direction together.
func (s *Service) RatingForDirection(ctx context.Context, lineRef string, direction int, period Period) (*Rating, error) {
	deps, err := s.Store.DeparturesForDirection(ctx, lineRef, direction, s.now().Add(-s.Window))
	if err != nil {
		return nil, fmt.Errorf("rating for %s dir %d: %w", lineRef, direction, err)
	}
	return s.score(deps, period), nil
}

func (s *Service) score(deps []transit.HistoricalDeparture, period Period) *Rating {
	loc := s.loc()
	kept := deps[:0:0]
	var latest time.Time
	for _, d := range deps {
		if !period.Contains(d.DepartureTime, loc) {
			continue
		}
		kept = append(kept, d)
		if d.DepartureTime.After(latest) {
			latest = d.DepartureTime
		}
	}
	var current *int64
	if !latest.IsZero() {
		if gap := int64(s.now().Sub(latest).Round(time.Second) / time.Second); gap > 0 {
			current = &gap
		}
	}
	return Score(kept, s.AllowableMinutes, current)
}

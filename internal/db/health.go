package db

import (
	"context"
	"fmt"
	"time"
)

// Health is a snapshot of how the pipeline has been doing recently.
type Health struct {
	RecentFetches      int64     `json:"recent_fetches"`
	RecentDepartures   int64     `json:"recent_departures"`
	RecentPositions    int64     `json:"recent_positions"`
	HeadwaySuccessRate *float64  `json:"headway_success_rate"`
	InterpolationRate  *float64  `json:"interpolation_rate"`
	DeparturesLastHour int64     `json:"departures_last_hour"`
	ObservedAt         time.Time `json:"observed_at"`
}

// HealthWindow bounds the fetch, departure and position counters.
const HealthWindow = 150 * time.Second

// Health counts markers, departures and positions created within
// HealthWindow, and the share of departures in the last hour that have a
// headway or were interpolated. Rates are nil when there were no departures.
func (s *Store) Health(ctx context.Context) (Health, error) {
	var h Health
	window := HealthWindow.Seconds()
	err := s.db.QueryRowContext(ctx, `
SELECT
  (SELECT count(*) FROM fetch_markers WHERE called_at > now() - make_interval(secs => $1)),
  (SELECT count(*) FROM historical_departures WHERE created_at > now() - make_interval(secs => $1)),
  (SELECT count(*) FROM vehicle_positions WHERE created_at > now() - make_interval(secs => $1)),
  now()`, window).Scan(&h.RecentFetches, &h.RecentDepartures, &h.RecentPositions, &h.ObservedAt)
	if err != nil {
		return h, fmt.Errorf("query health counters: %w", err)
	}

	var withHeadway, interpolated int64
	err = s.db.QueryRowContext(ctx, `
SELECT count(*), count(headway), count(*) FILTER (WHERE interpolated)
FROM historical_departures
WHERE departure_time > now() - interval '1 hour'`).Scan(&h.DeparturesLastHour, &withHeadway, &interpolated)
	if err != nil {
		return h, fmt.Errorf("query health rates: %w", err)
	}
	h.HeadwaySuccessRate = rate(withHeadway, h.DeparturesLastHour)
	h.InterpolationRate = rate(interpolated, h.DeparturesLastHour)
	return h, nil
}

func rate(n, total int64) *float64 {
	if total == 0 {
		return nil
	}
	v := float64(n) / float64(total)
	return &v
}

package rating

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busrate/internal/transit"
)

func ptr(v int64) *int64 { return &v }

func TestScoreHeadways(t *testing.T) {
	tests := []struct {
		name        string
		headways    []int64
		current     *int64
		wantScore   int64
		wantRaw     int64
		wantBunched int
		wantPct     float64
		wantAnti    float64
		wantAvg     float64
		wantSD      float64
	}{
		{
			name:      "perfectly regular beats allowance and clamps",
			headways:  []int64{300, 300, 300, 300},
			wantScore: 100, wantRaw: 160, wantAvg: 300,
		},
		{
			name:        "one bunched pair",
			headways:    []int64{60, 540},
			wantScore:   0,
			wantRaw:     0,
			wantBunched: 2,
			wantPct:     100.0,
			wantAnti:    960,
			wantAvg:     540,
			wantSD:      240,
		},
		{
			name:        "all bunched goes negative before clamping",
			headways:    []int64{60, 60, 60},
			wantScore:   0,
			wantRaw:     -800,
			wantBunched: 6,
			wantPct:     200.0,
			wantAnti:    2880,
		},
		{
			name:      "current headway lengthens the actual total",
			headways:  []int64{480, 480},
			current:   ptr(960),
			wantScore: 50, wantRaw: 50, wantAvg: 640, wantSD: 226.27,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := ScoreHeadways(tt.headways, 8, tt.current)
			require.NotNil(t, r)
			assert.Equal(t, tt.wantScore, r.BusrateScore)
			assert.Equal(t, tt.wantRaw, r.RawScore)
			assert.Equal(t, tt.wantBunched, r.BunchedHeadwaysCount)
			assert.InDelta(t, tt.wantPct, r.PercentOfDepsBunched, 1e-9)
			assert.InDelta(t, tt.wantAnti, r.AntiBonus, 1e-9)
			assert.InDelta(t, tt.wantAvg, r.AverageHeadway, 1e-9)
			assert.InDelta(t, tt.wantSD, r.StandardDeviation, 1e-9)
			assert.Equal(t, len(tt.headways), r.HeadwaysCount)
			assert.Equal(t, tt.current != nil, r.ScoreIncorporatesCurrentHeadway)
			assert.GreaterOrEqual(t, r.BusrateScore, int64(0))
			assert.LessOrEqual(t, r.BusrateScore, int64(100))
		})
	}
}

func TestScoreIsBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		n := 2 + rng.Intn(20)
		hs := make([]int64, n)
		for j := range hs {
			hs[j] = rng.Int63n(3600)
		}
		var cur *int64
		if rng.Intn(2) == 0 {
			cur = ptr(rng.Int63n(7200))
		}
		r := ScoreHeadways(hs, 1+rng.Intn(20), cur)
		require.NotNil(t, r)
		assert.GreaterOrEqual(t, r.BusrateScore, int64(0), "headways %v", hs)
		assert.LessOrEqual(t, r.BusrateScore, int64(100), "headways %v", hs)
	}
}

func TestScoreNeedsTwoHeadways(t *testing.T) {
	assert.Nil(t, ScoreHeadways(nil, 8, nil))
	assert.Nil(t, ScoreHeadways([]int64{480}, 8, ptr(60)))

	deps := []transit.HistoricalDeparture{{Headway: ptr(480)}, {}, {}}
	assert.Nil(t, Score(deps, 8, nil))

	deps = append(deps, transit.HistoricalDeparture{Headway: ptr(500)})
	assert.NotNil(t, Score(deps, 8, nil))
}

func TestRatingJSONFieldNames(t *testing.T) {
	r := ScoreHeadways([]int64{300, 300}, 8, nil)
	b, err := json.Marshal(r)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	for _, k := range []string{
		"average_headway", "headways_count", "standard_deviation", "bunched_headways_count",
		"percent_of_deps_bunched", "anti_bonus", "allowable_total", "actual_total",
		"raw_score", "busrate_score", "current_headway", "score_incorporates_current_headway",
	} {
		assert.Contains(t, m, k)
	}
}

var est = time.FixedZone("EST", -5*3600)

func TestPeriodContains(t *testing.T) {
	monday := func(h, m int) time.Time { return time.Date(2024, 3, 4, h, m, 0, 0, est) }
	saturday := time.Date(2024, 3, 9, 8, 0, 0, 0, est)

	assert.True(t, MorningRush.Contains(monday(7, 0), est))
	assert.True(t, MorningRush.Contains(monday(8, 59), est))
	assert.False(t, MorningRush.Contains(monday(9, 0), est))
	assert.False(t, MorningRush.Contains(saturday, est))
	assert.True(t, EveningRush.Contains(monday(18, 30), est))
	assert.False(t, EveningRush.Contains(monday(15, 59), est))
	assert.True(t, Weekends.Contains(saturday, est))
	assert.False(t, Weekdays.Contains(saturday, est))
	assert.True(t, AllDay.Contains(saturday, est))

	// 12:30 UTC on a Monday is 07:30 in New York winter time.
	assert.True(t, MorningRush.Contains(time.Date(2024, 3, 4, 12, 30, 0, 0, time.UTC), est))
}

func TestParsePeriod(t *testing.T) {
	p, err := ParsePeriod("")
	require.NoError(t, err)
	assert.Equal(t, AllDay, p)

	p, err = ParsePeriod("Morning_Rush")
	require.NoError(t, err)
	assert.Equal(t, MorningRush, p)

	_, err = ParsePeriod("lunch")
	assert.Error(t, err)
}

type fakeStore struct {
	deps  []transit.HistoricalDeparture
	since time.Time
	err   error
}

func (f *fakeStore) DeparturesForStop(_ context.Context, _, _ string, since time.Time) ([]transit.HistoricalDeparture, error) {
	f.since = since
	return f.deps, f.err
}

func (f *fakeStore) DeparturesForDirection(_ context.Context, _ string, _ int, since time.Time) ([]transit.HistoricalDeparture, error) {
	f.since = since
	return f.deps, f.err
}

func TestServiceRatingForStopIncludesCurrentGap(t *testing.T) {
	now := time.Date(2024, 3, 4, 13, 30, 0, 0, time.UTC)
	store := &fakeStore{deps: []transit.HistoricalDeparture{
		{DepartureTime: now.Add(-10 * time.Minute), Headway: ptr(480)},
		{DepartureTime: now.Add(-18 * time.Minute), Headway: ptr(480)},
		{DepartureTime: now.Add(-26 * time.Minute)},
	}}
	svc := &Service{Store: store, AllowableMinutes: 8, Window: 2 * time.Hour, Location: est, Now: func() time.Time { return now }}

	r, err := svc.RatingForStop(context.Background(), "B63", "305423", MorningRush)

	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, now.Add(-2*time.Hour), store.since)
	require.NotNil(t, r.CurrentHeadway)
	assert.Equal(t, int64(600), *r.CurrentHeadway)
	assert.Equal(t, int64(62), r.BusrateScore)
}

func TestServiceFiltersByPeriod(t *testing.T) {
	now := time.Date(2024, 3, 4, 13, 30, 0, 0, time.UTC)
	store := &fakeStore{deps: []transit.HistoricalDeparture{
		{DepartureTime: now.Add(-10 * time.Minute), Headway: ptr(480)},
		{DepartureTime: now.Add(-18 * time.Minute), Headway: ptr(480)},
	}}
	svc := &Service{Store: store, AllowableMinutes: 8, Window: 2 * time.Hour, Location: est, Now: func() time.Time { return now }}

	r, err := svc.RatingForDirection(context.Background(), "B63", 1, EveningRush)

	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestServiceWrapsStoreError(t *testing.T) {
	boom := errors.New("db down")
	svc := &Service{Store: &fakeStore{err: boom}, Window: time.Hour}

	_, err := svc.RatingForStop(context.Background(), "B63", "1", AllDay)

	assert.ErrorIs(t, err, boom)
}

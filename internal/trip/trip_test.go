package trip

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busrate/internal/headway"
	"busrate/internal/transit"
)

var t0 = time.Date(2024, 3, 4, 13, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

// entries builds a view from offsets in seconds; -1 means unknown.
func entries(offsets ...int) []Entry {
	out := make([]Entry, len(offsets))
	for i, o := range offsets {
		out[i] = Entry{StopRef: string(rune('a' + i))}
		if o >= 0 {
			out[i].Observed = at(o)
		}
	}
	return out
}

func observed(seq []Entry) []int {
	out := make([]int, len(seq))
	for i, e := range seq {
		out[i] = -1
		if e.Known() {
			out[i] = int(e.Observed.Sub(t0) / time.Second)
		}
	}
	return out
}

func TestViewUsesLatestObservation(t *testing.T) {
	deps := []transit.HistoricalDeparture{
		{StopRef: "b", DepartureTime: at(100)},
		{StopRef: "b", DepartureTime: at(160)},
		{StopRef: "x", DepartureTime: at(50)},
	}

	view := View([]string{"a", "b", "c"}, deps)

	require.Len(t, view, 3)
	assert.False(t, view[0].Known())
	assert.Equal(t, at(160), view[1].Observed)
	assert.False(t, view[2].Known())
}

func TestSequence(t *testing.T) {
	view := entries(0, 60, 30, 120, 120+21*60, 240)

	assert.Equal(t, []int{0, 60, -1, 120, -1, 240}, observed(Sequence(view, 0)))
	assert.Equal(t, []int{-1, -1, 30, 120, -1, 240}, observed(Sequence(view, 2)))
	assert.Equal(t, []int{-1, -1, -1, -1, 120 + 21*60, -1}, observed(Sequence(view, 4)))
}

func TestSequenceSeedsFromFirstObservedAfterKey(t *testing.T) {
	view := entries(-1, -1, 300, 400)

	assert.Equal(t, []int{-1, -1, 300, 400}, observed(Sequence(view, 0)))
}

func TestAllSequencesDropsSubsetsAndSparse(t *testing.T) {
	// two runs by the same vehicle an hour apart over a four stop route.
	view := entries(0, 60, 3600+120, 3600+180)

	seqs := AllSequences(view)

	require.Len(t, seqs, 2)
	assert.Equal(t, []int{0, 60, -1, -1}, observed(seqs[0]))
	assert.Equal(t, []int{-1, -1, 3720, 3780}, observed(seqs[1]))
}

func TestAllSequencesDropsRedundantLaterKeys(t *testing.T) {
	// key 0 yields only {a}, too sparse. Later keys repeat part of key 1's run.
	view := entries(5000, 100, 200, 300)

	seqs := AllSequences(view)

	require.Len(t, seqs, 1)
	assert.Equal(t, []int{-1, 100, 200, 300}, observed(seqs[0]))
}

func TestSubset(t *testing.T) {
	full := entries(0, 60, 120)
	part := entries(-1, 60, 120)

	assert.True(t, subset(part, full))
	assert.False(t, subset(full, part))
	assert.True(t, subset(full, full))
	assert.False(t, subset(entries(-1, 61, 120), full))
}

func TestAllSequencesEmptyWhenTooSparse(t *testing.T) {
	assert.Empty(t, AllSequences(entries(0, -1, -1, -1, -1, -1)))
}

func TestInterpolateFillsShortGaps(t *testing.T) {
	out := Interpolate(entries(-1, 100, -1, -1, 400, -1))

	require.Len(t, out, 4)
	assert.Equal(t, "b", out[0].StopRef)
	assert.Equal(t, at(200), out[1].Interpolated)
	assert.Equal(t, at(300), out[2].Interpolated)
	assert.True(t, out[0].Interpolated.IsZero())
	assert.False(t, out[1].Known(), "observed field stays empty")
}

func TestInterpolateRoundsToSecond(t *testing.T) {
	out := Interpolate(entries(0, -1, -1, 100))

	assert.Equal(t, at(33), out[1].Interpolated)
	assert.Equal(t, at(67), out[2].Interpolated)
}

func TestInterpolateLeavesLongGaps(t *testing.T) {
	out := Interpolate(entries(0, -1, -1, -1, -1, -1, -1, 700, -1, 900))

	for i := 1; i <= 6; i++ {
		assert.True(t, out[i].Interpolated.IsZero(), "stop %d", i)
	}
	assert.Equal(t, at(800), out[8].Interpolated)
}

func TestInterpolateFillsExactlyFive(t *testing.T) {
	out := Interpolate(entries(0, -1, -1, -1, -1, -1, 600))

	for i := 1; i <= 5; i++ {
		assert.Equal(t, at(i*100), out[i].Interpolated)
	}
}

func TestInterpolateAllUnknown(t *testing.T) {
	assert.Empty(t, Interpolate(entries(-1, -1)))
}

type fakeStore struct {
	deps     []transit.HistoricalDeparture
	inserted []transit.HistoricalDeparture
	deleted  []int64
}

func (f *fakeStore) DeparturesBetween(context.Context, time.Time, time.Time) ([]transit.HistoricalDeparture, error) {
	return f.deps, nil
}

func (f *fakeStore) DeleteDepartures(_ context.Context, ids []int64) error {
	f.deleted = append(f.deleted, ids...)
	return nil
}

func (f *fakeStore) InsertDepartures(_ context.Context, deps []transit.HistoricalDeparture) ([]transit.HistoricalDeparture, error) {
	out := make([]transit.HistoricalDeparture, len(deps))
	for i, d := range deps {
		d.ID = int64(1000 + len(f.inserted) + i)
		out[i] = d
	}
	f.inserted = append(f.inserted, out...)
	return out, nil
}

type staticStops map[string]map[int][]string

func (s staticStops) Lookup(_ context.Context, line string) (map[int][]string, bool, error) {
	l, ok := s[line]
	return l, ok, nil
}

type fakeHeadways struct{ windows []headway.Window }

func (f *fakeHeadways) ProcessWindow(_ context.Context, w headway.Window) (headway.Counts, error) {
	f.windows = append(f.windows, w)
	return headway.Counts{}, nil
}

func observedDep(id int64, stop string, sec int) transit.HistoricalDeparture {
	dir := 0
	return transit.HistoricalDeparture{
		ID:                     id,
		StopRef:                stop,
		LineRef:                "B63",
		Direction:              &dir,
		VehicleRef:             "v1",
		DatedVehicleJourneyRef: "trip-1",
		DepartureTime:          at(sec),
	}
}

func TestReconstructAndInterpolate(t *testing.T) {
	store := &fakeStore{deps: []transit.HistoricalDeparture{
		observedDep(1, "a", 100),
		observedDep(2, "d", 400),
		observedDep(3, "e", 500),
	}}
	hw := &fakeHeadways{}
	r := &Reconstructor{
		Store:    store,
		Stops:    staticStops{"B63": {0: {"a", "b", "c", "d", "e"}}},
		Headways: hw,
	}

	stats, err := r.ReconstructAndInterpolate(context.Background(), t0, t0.Add(time.Hour))

	require.NoError(t, err)
	assert.Equal(t, 1, stats.Trips)
	require.Len(t, store.inserted, 2)
	assert.Equal(t, "b", store.inserted[0].StopRef)
	assert.Equal(t, at(200), store.inserted[0].DepartureTime)
	assert.Equal(t, "c", store.inserted[1].StopRef)
	assert.Equal(t, at(300), store.inserted[1].DepartureTime)
	for _, d := range store.inserted {
		assert.True(t, d.Interpolated)
		assert.Equal(t, "trip-1", d.DatedVehicleJourneyRef)
		assert.Equal(t, "v1", d.VehicleRef)
	}

	require.Len(t, hw.windows, 1)
	assert.True(t, hw.windows[0].Force)
	assert.Equal(t, at(200).Add(-time.Hour), hw.windows[0].From)
	assert.Equal(t, at(300).Add(time.Hour), hw.windows[0].To)
}

func TestReconstructIsIdempotent(t *testing.T) {
	store := &fakeStore{deps: []transit.HistoricalDeparture{
		observedDep(1, "a", 100),
		observedDep(2, "c", 300),
	}}
	hw := &fakeHeadways{}
	r := &Reconstructor{Store: store, Stops: staticStops{"B63": {0: {"a", "b", "c"}}}, Headways: hw}

	_, err := r.ReconstructAndInterpolate(context.Background(), t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, store.inserted, 1)

	store.deps = append(store.deps, store.inserted...)
	stats, err := r.ReconstructAndInterpolate(context.Background(), t0, t0.Add(time.Hour))

	require.NoError(t, err)
	assert.Zero(t, stats.Interpolated)
	assert.Len(t, store.inserted, 1)
	assert.Len(t, hw.windows, 1)
}

func TestReconstructSkipsUnknownLines(t *testing.T) {
	store := &fakeStore{deps: []transit.HistoricalDeparture{observedDep(1, "a", 0), observedDep(2, "c", 200)}}
	r := &Reconstructor{Store: store, Stops: staticStops{}}

	stats, err := r.ReconstructAndInterpolate(context.Background(), t0, t0.Add(time.Hour))

	require.NoError(t, err)
	assert.Zero(t, stats.Trips)
	assert.Empty(t, store.inserted)
}

type failingStops struct {
	staticStops
	bad string
}

func (f failingStops) Lookup(ctx context.Context, line string) (map[int][]string, bool, error) {
	if line == f.bad {
		return nil, false, errors.New("fetch stops for " + line + ": status 500")
	}
	return f.staticStops.Lookup(ctx, line)
}

func TestReconstructContinuesPastFailedStopLookup(t *testing.T) {
	bad := observedDep(10, "x", 100)
	bad.LineRef = "BAD"
	bad.DatedVehicleJourneyRef = "trip-bad"
	store := &fakeStore{deps: []transit.HistoricalDeparture{
		bad,
		observedDep(1, "a", 100),
		observedDep(2, "d", 400),
		observedDep(3, "e", 500),
	}}
	r := &Reconstructor{
		Store:    store,
		Stops:    failingStops{staticStops: staticStops{"B63": {0: {"a", "b", "c", "d", "e"}}}, bad: "BAD"},
		Headways: &fakeHeadways{},
	}

	stats, err := r.ReconstructAndInterpolate(context.Background(), t0, t0.Add(time.Hour))

	require.NoError(t, err)
	assert.Equal(t, 1, stats.Trips)
	require.Len(t, store.inserted, 2)
	assert.Equal(t, "b", store.inserted[0].StopRef)
	assert.Equal(t, "c", store.inserted[1].StopRef)
}

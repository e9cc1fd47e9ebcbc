package departure

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busrate/internal/transit"
)

var t0 = time.Date(2024, 3, 4, 13, 0, 0, 0, time.UTC)

func intp(v int) *int { return &v }

func pos(id int64, at time.Duration, vehicle, stop string, state transit.ArrivalState) transit.VehiclePosition {
	return transit.VehiclePosition{
		ID:           id,
		VehicleRef:   vehicle,
		LineRef:      "MTA NYCT_B63",
		StopRef:      stop,
		BusStopID:    int64(len(stop)),
		ArrivalState: state,
		Timestamp:    t0.Add(at),
	}
}

func TestIsDeparture(t *testing.T) {
	old := pos(1, 0, "v1", "s1", transit.AtStop)
	tests := []struct {
		name string
		mod  func(o, n *transit.VehiclePosition)
		want bool
	}{
		{"moved to next stop", func(o, n *transit.VehiclePosition) {}, true},
		{"89s apart", func(o, n *transit.VehiclePosition) { n.Timestamp = t0.Add(89 * time.Second) }, true},
		{"exactly 90s apart", func(o, n *transit.VehiclePosition) { n.Timestamp = t0.Add(90 * time.Second) }, false},
		{"same timestamp", func(o, n *transit.VehiclePosition) { n.Timestamp = t0 }, false},
		{"newer is older", func(o, n *transit.VehiclePosition) { n.Timestamp = t0.Add(-time.Second) }, false},
		{"other vehicle", func(o, n *transit.VehiclePosition) { n.VehicleRef = "v2" }, false},
		{"same stop", func(o, n *transit.VehiclePosition) { n.StopRef = "s1" }, false},
		{"approaching counts", func(o, n *transit.VehiclePosition) { o.ArrivalState = transit.Approaching }, true},
		{"less than one stop counts", func(o, n *transit.VehiclePosition) { o.ArrivalState = transit.LessThanOneStopAway }, true},
		{"far from stop", func(o, n *transit.VehiclePosition) { o.ArrivalState = transit.OtherState }, false},
		{"direction flipped", func(o, n *transit.VehiclePosition) { o.Direction, n.Direction = intp(0), intp(1) }, false},
		{"same direction", func(o, n *transit.VehiclePosition) { o.Direction, n.Direction = intp(1), intp(1) }, true},
		{"one direction unknown", func(o, n *transit.VehiclePosition) { n.Direction = intp(1) }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := old
			n := pos(2, 40*time.Second, "v1", "s2", transit.OtherState)
			tt.mod(&o, &n)
			assert.Equal(t, tt.want, IsDeparture(o, n))
		})
	}
}

func TestDetectEmitsAtOldStopWithNewerRefs(t *testing.T) {
	old := pos(1, 0, "v1", "s1", transit.AtStop)
	next := pos(2, 40*time.Second, "v1", "s2", transit.Approaching)
	next.BlockRef = "blk"
	next.DatedVehicleJourneyRef = "trip-9"
	next.Direction = intp(1)

	res := Detect([]transit.VehiclePosition{next, old})

	require.Len(t, res.Departures, 1)
	d := res.Departures[0]
	assert.Equal(t, "s1", d.StopRef)
	assert.Equal(t, old.BusStopID, d.BusStopID)
	assert.Equal(t, "trip-9", d.DatedVehicleJourneyRef)
	assert.Equal(t, "blk", d.BlockRef)
	assert.Equal(t, 1, *d.Direction)
	assert.Equal(t, t0.Add(10*time.Second), d.DepartureTime)
	assert.Equal(t, []int64{1}, res.Consumed)
	assert.Zero(t, res.Inferred)
}

func TestDetectOneDeparturePerOldPosition(t *testing.T) {
	positions := []transit.VehiclePosition{
		pos(1, 0, "v1", "s1", transit.AtStop),
		pos(2, 30*time.Second, "v1", "s2", transit.Approaching),
		pos(3, 60*time.Second, "v1", "s3", transit.AtStop),
		pos(4, 0, "v2", "s1", transit.OtherState),
		pos(5, 30*time.Second, "v2", "s2", transit.OtherState),
	}

	res := Detect(positions)

	require.Len(t, res.Departures, 2)
	assert.Equal(t, "s1", res.Departures[0].StopRef)
	assert.Equal(t, "s2", res.Departures[1].StopRef)
	assert.Equal(t, []int64{1, 2}, res.Consumed)
	assert.Equal(t, 1, res.Inferred)
}

func TestDetectLeavesUnmatchedPositions(t *testing.T) {
	positions := []transit.VehiclePosition{
		pos(1, 0, "v1", "s1", transit.AtStop),
		pos(2, 2*time.Minute, "v1", "s2", transit.AtStop),
		pos(3, 0, "lonely", "s9", transit.AtStop),
	}

	res := Detect(positions)

	assert.Empty(t, res.Departures)
	assert.Empty(t, res.Consumed)
}

type fakeStore struct {
	positions       []transit.VehiclePosition
	departures      []transit.HistoricalDeparture
	deletedPos      []int64
	deletedDeps     []int64
	inserted        []transit.HistoricalDeparture
	nextID          int64
	insertErr       error
	positionsSince  time.Time
	departuresSince time.Time
}

func (f *fakeStore) RecentPositions(_ context.Context, since time.Time) ([]transit.VehiclePosition, error) {
	f.positionsSince = since
	return f.positions, nil
}

func (f *fakeStore) DeletePositions(_ context.Context, ids []int64) error {
	f.deletedPos = append(f.deletedPos, ids...)
	return nil
}

func (f *fakeStore) RecentDepartures(_ context.Context, since time.Time) ([]transit.HistoricalDeparture, error) {
	f.departuresSince = since
	return f.departures, nil
}

func (f *fakeStore) DeleteDepartures(_ context.Context, ids []int64) error {
	f.deletedDeps = append(f.deletedDeps, ids...)
	return nil
}

func (f *fakeStore) InsertDepartures(_ context.Context, deps []transit.HistoricalDeparture) ([]transit.HistoricalDeparture, error) {
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	out := make([]transit.HistoricalDeparture, len(deps))
	for i, d := range deps {
		f.nextID++
		d.ID = 100 + f.nextID
		out[i] = d
	}
	f.inserted = append(f.inserted, out...)
	return out, nil
}

type fakePublisher struct{ got []int64 }

func (p *fakePublisher) PublishDeparture(d transit.HistoricalDeparture) error {
	p.got = append(p.got, d.ID)
	return nil
}

func newDetector(store *fakeStore, pub Publisher) *Detector {
	return &Detector{
		Store:       store,
		Publisher:   pub,
		Window:      4 * time.Minute,
		DedupWindow: 20 * time.Minute,
		Now:         func() time.Time { return t0.Add(3 * time.Minute) },
	}
}

func TestDetectDeparturesPipeline(t *testing.T) {
	store := &fakeStore{
		positions: []transit.VehiclePosition{
			pos(1, 0, "v1", "s1", transit.AtStop),
			pos(2, 0, "v1", "s1", transit.AtStop), // exact duplicate of 1
			pos(3, 40*time.Second, "v1", "s2", transit.OtherState),
			pos(4, 0, "v2", "s5", transit.AtStop),
			pos(5, 30*time.Second, "v2", "s6", transit.OtherState),
		},
		// v2's departure was stored by a concurrent pass already.
		departures: []transit.HistoricalDeparture{{ID: 50, VehicleRef: "v2", StopRef: "s5", DepartureTime: t0}},
	}
	pub := &fakePublisher{}

	created, err := newDetector(store, pub).DetectDepartures(context.Background())

	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "v1", created[0].VehicleRef)
	assert.Equal(t, "s1", created[0].StopRef)
	assert.Equal(t, []int64{created[0].ID}, pub.got)
	assert.Equal(t, []int64{2, 1, 4}, store.deletedPos)
	assert.Empty(t, store.deletedDeps)
	assert.Equal(t, t0.Add(-time.Minute), store.positionsSince)
	assert.Equal(t, t0.Add(-17*time.Minute), store.departuresSince)
}

func TestDetectDeparturesNothingToDo(t *testing.T) {
	store := &fakeStore{positions: []transit.VehiclePosition{pos(1, 0, "v1", "s1", transit.AtStop)}}

	created, err := newDetector(store, nil).DetectDepartures(context.Background())

	require.NoError(t, err)
	assert.Empty(t, created)
	assert.Empty(t, store.deletedPos)
}

func TestDetectDeparturesInsertFailureKeepsPositions(t *testing.T) {
	boom := errors.New("insert failed")
	store := &fakeStore{
		positions: []transit.VehiclePosition{
			pos(1, 0, "v1", "s1", transit.AtStop),
			pos(2, 40*time.Second, "v1", "s2", transit.OtherState),
		},
		insertErr: boom,
	}

	_, err := newDetector(store, nil).DetectDepartures(context.Background())

	assert.ErrorIs(t, err, boom)
	assert.Empty(t, store.deletedPos)
}

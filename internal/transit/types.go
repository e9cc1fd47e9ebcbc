package transit

import (
	"strconv"
	"strings"
	"time"
)

// ArrivalState is the normalized proximity of a vehicle to its next stop.
type ArrivalState string

const (
	AtStop              ArrivalState = "at_stop"
	Approaching         ArrivalState = "approaching"
	LessThanOneStopAway ArrivalState = "less_than_one_stop_away"
	OtherState          ArrivalState = "other"
)

// ParseArrivalState maps upstream proximity text ("at stop", "< 1 stop away", ...)
// to an ArrivalState. Unknown text maps to OtherState.
func ParseArrivalState(text string) ArrivalState {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "at stop", "at_stop":
		return AtStop
	case "approaching":
		return Approaching
	case "< 1 stop away", "less_than_one_stop_away":
		return LessThanOneStopAway
	default:
		return OtherState
	}
}

// NearStop reports whether a vehicle in this state can be departing its stop.
func (s ArrivalState) NearStop() bool {
	return s == AtStop || s == Approaching || s == LessThanOneStopAway
}

type Vehicle struct {
	ID         int64
	VehicleRef string
}

type BusStop struct {
	ID      int64
	StopRef string
}

// BusLine is a route with its cached, direction-indexed stop order.
type BusLine struct {
	ID               int64
	LineRef          string
	Name             string
	StopLists        map[int][]string // direction -> ordered stop refs
	StopsRefreshedAt time.Time        // zero if never fetched
}

type VehiclePosition struct {
	ID                     int64 // 0 until persisted
	VehicleID              int64
	VehicleRef             string
	BusLineID              int64
	LineRef                string
	Direction              *int
	BusStopID              int64
	StopRef                string
	ArrivalState           ArrivalState
	DistanceFromStop       *int // meters
	BlockRef               string
	DatedVehicleJourneyRef string
	Timestamp              time.Time
}

type HistoricalDeparture struct {
	ID                     int64 // 0 until persisted
	BusStopID              int64
	StopRef                string
	LineRef                string
	Direction              *int
	VehicleRef             string
	BlockRef               string
	DatedVehicleJourneyRef string
	DepartureTime          time.Time
	Headway                *int64 // seconds; never zero
	PreviousDepartureID    *int64
	Interpolated           bool
	CreatedAt              time.Time
}

// TripRef is the identifier linking departures into one logical trip:
// the dated journey ref when present, otherwise the block ref.
func (d HistoricalDeparture) TripRef() string {
	if d.DatedVehicleJourneyRef != "" {
		return d.DatedVehicleJourneyRef
	}
	return d.BlockRef
}

// HeadwayMinutes returns the headway rounded down to whole minutes.
func (d HistoricalDeparture) HeadwayMinutes() (int64, bool) {
	if d.Headway == nil {
		return 0, false
	}
	return *d.Headway / 60, true
}

// NormalizeHeadway turns a raw second count into a storable headway.
// Zero and negative values carry no information and become nil.
func NormalizeHeadway(seconds int64) *int64 {
	if seconds <= 0 {
		return nil
	}
	return &seconds
}

// DirectionString renders an optional direction for logs and subjects.
func DirectionString(d *int) string {
	if d == nil {
		return "-"
	}
	return strconv.Itoa(*d)
}

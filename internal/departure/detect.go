// Package departure infers discrete departure events from consecutive
// vehicle positions.
package departure

import (
	"sort"
	"time"

	"busrate/internal/transit"
)

const (
	// MaxGap is the longest interval between two positions that can still
	// describe one departure.
	MaxGap = 90 * time.Second
	// DepartureOffset is subtracted from the later position's timestamp to
	// estimate when the vehicle actually left.
	DepartureOffset = 30 * time.Second
)

// IsDeparture reports whether a vehicle seen at old and then at next left
// old's stop in between.
func IsDeparture(old, next transit.VehiclePosition) bool {
	if !next.Timestamp.After(old.Timestamp) {
		return false
	}
	if next.VehicleRef != old.VehicleRef {
		return false
	}
	if next.Timestamp.Sub(old.Timestamp) >= MaxGap {
		return false
	}
	if !old.ArrivalState.NearStop() {
		return false
	}
	if next.StopRef == old.StopRef {
		return false
	}
	if old.Direction != nil && next.Direction != nil && *old.Direction != *next.Direction {
		return false
	}
	return true
}

// Result is the output of one detection pass over a position window.
type Result struct {
	Departures []transit.HistoricalDeparture
	Consumed   []int64 // ids of positions that produced a departure
	Inferred   int     // departures from positions not yet at the stop
}

// Detect walks each vehicle's positions oldest first. Each position is
// compared with every newer one until a departure matches; the matched older
// position is consumed. Unmatched positions are left for a later pass.
func Detect(positions []transit.VehiclePosition) Result {
	byVehicle := make(map[string][]transit.VehiclePosition)
	for _, p := range positions {
		byVehicle[p.VehicleRef] = append(byVehicle[p.VehicleRef], p)
	}
	vehicles := make([]string, 0, len(byVehicle))
	for v, ps := range byVehicle {
		if len(ps) > 1 {
			vehicles = append(vehicles, v)
		}
	}
	sort.Strings(vehicles)

	var res Result
	for _, v := range vehicles {
		ps := byVehicle[v]
		sort.SliceStable(ps, func(i, j int) bool { return ps[i].Timestamp.Before(ps[j].Timestamp) })

		for len(ps) > 1 {
			old := ps[0]
			ps = ps[1:]
			for _, next := range ps {
				if !IsDeparture(old, next) {
					continue
				}
				res.Departures = append(res.Departures, fromPair(old, next))
				if old.ID != 0 {
					res.Consumed = append(res.Consumed, old.ID)
				}
				if old.ArrivalState != transit.AtStop {
					res.Inferred++
				}
				break
			}
		}
	}
	return res
}

func fromPair(old, next transit.VehiclePosition) transit.HistoricalDeparture {
	return transit.HistoricalDeparture{
		BusStopID:              old.BusStopID,
		StopRef:                old.StopRef,
		LineRef:                next.LineRef,
		Direction:              next.Direction,
		VehicleRef:             next.VehicleRef,
		BlockRef:               next.BlockRef,
		DatedVehicleJourneyRef: next.DatedVehicleJourneyRef,
		DepartureTime:          next.Timestamp.Add(-DepartureOffset),
	}
}

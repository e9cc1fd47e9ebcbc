// Package mta reads the MTA Bus Time vehicle monitoring and route topology
// feeds.
package mta

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"busrate/internal/transit"
)

// VehicleMonitoring is the SIRI VM v2 JSON envelope.
type VehicleMonitoring struct {
	Siri struct {
		ServiceDelivery struct {
			ResponseTimestamp         string                      `json:"ResponseTimestamp"`
			VehicleMonitoringDelivery []VehicleMonitoringDelivery `json:"VehicleMonitoringDelivery"`
		} `json:"ServiceDelivery"`
	} `json:"Siri"`
}

type VehicleMonitoringDelivery struct {
	ResponseTimestamp string             `json:"ResponseTimestamp"`
	VehicleActivity   []*VehicleActivity `json:"VehicleActivity"`
}

type VehicleActivity struct {
	RecordedAtTime          string                   `json:"RecordedAtTime"`
	MonitoredVehicleJourney *MonitoredVehicleJourney `json:"MonitoredVehicleJourney"`
}

type MonitoredVehicleJourney struct {
	LineRef                 string `json:"LineRef"`
	DirectionRef            string `json:"DirectionRef"`
	FramedVehicleJourneyRef struct {
		DataFrameRef           string `json:"DataFrameRef"`
		DatedVehicleJourneyRef string `json:"DatedVehicleJourneyRef"`
	} `json:"FramedVehicleJourneyRef"`
	BlockRef      string         `json:"BlockRef"`
	VehicleRef    string         `json:"VehicleRef"`
	MonitoredCall *MonitoredCall `json:"MonitoredCall"`
}

type MonitoredCall struct {
	StopPointRef         string   `json:"StopPointRef"`
	ArrivalProximityText string   `json:"ArrivalProximityText"`
	DistanceFromStop     *float64 `json:"DistanceFromStop"`
}

// Activities flattens every delivery's vehicle activity.
func (vm *VehicleMonitoring) Activities() []*VehicleActivity {
	var out []*VehicleActivity
	for _, d := range vm.Siri.ServiceDelivery.VehicleMonitoringDelivery {
		out = append(out, d.VehicleActivity...)
	}
	return out
}

// Observation is one well-formed vehicle sighting.
type Observation struct {
	VehicleRef             string
	LineRef                string
	Direction              *int
	StopRef                string
	ArrivalState           transit.ArrivalState
	DistanceFromStop       *int
	BlockRef               string
	DatedVehicleJourneyRef string
	RecordedAt             time.Time
}

var (
	ErrNoJourney       = errors.New("missing monitored vehicle journey")
	ErrNoMonitoredCall = errors.New("missing monitored call")
	ErrNoVehicle       = errors.New("missing vehicle ref")
	ErrNoLine          = errors.New("missing line ref")
	ErrNoStop          = errors.New("missing stop ref")
	ErrBadTimestamp    = errors.New("bad recorded-at time")
)

// Observation validates the activity. The returned error says why an entry
// is malformed.
func (a *VehicleActivity) Observation() (Observation, error) {
	var o Observation
	if a == nil || a.MonitoredVehicleJourney == nil {
		return o, ErrNoJourney
	}
	j := a.MonitoredVehicleJourney
	if j.MonitoredCall == nil {
		return o, ErrNoMonitoredCall
	}
	if strings.TrimSpace(j.VehicleRef) == "" {
		return o, ErrNoVehicle
	}
	if strings.TrimSpace(j.LineRef) == "" {
		return o, ErrNoLine
	}
	if strings.TrimSpace(j.MonitoredCall.StopPointRef) == "" {
		return o, ErrNoStop
	}
	ts, err := time.Parse(time.RFC3339Nano, a.RecordedAtTime)
	if err != nil {
		return o, ErrBadTimestamp
	}

	o = Observation{
		VehicleRef:             j.VehicleRef,
		LineRef:                j.LineRef,
		StopRef:                j.MonitoredCall.StopPointRef,
		ArrivalState:           transit.ParseArrivalState(j.MonitoredCall.ArrivalProximityText),
		BlockRef:               j.BlockRef,
		DatedVehicleJourneyRef: j.FramedVehicleJourneyRef.DatedVehicleJourneyRef,
		RecordedAt:             ts.UTC().Truncate(time.Microsecond),
	}
	if dir, err := strconv.Atoi(strings.TrimSpace(j.DirectionRef)); err == nil {
		o.Direction = &dir
	}
	if d := j.MonitoredCall.DistanceFromStop; d != nil {
		m := int(*d + 0.5)
		o.DistanceFromStop = &m
	}
	return o, nil
}

// StopsForRoute is the stops-for-route response, reduced to the groupings.
type StopsForRoute struct {
	Code int `json:"code"`
	Data struct {
		Entry struct {
			RouteID       string `json:"routeId"`
			StopGroupings []struct {
				Type       string `json:"type"`
				StopGroups []struct {
					ID   string `json:"id"`
					Name struct {
						Name string `json:"name"`
					} `json:"name"`
					StopIDs []string `json:"stopIds"`
				} `json:"stopGroups"`
			} `json:"stopGroupings"`
		} `json:"entry"`
	} `json:"data"`
}

// Directions indexes ordered stop ids by direction. Groups whose id is not a
// direction number are ignored.
func (s *StopsForRoute) Directions() map[int][]string {
	out := make(map[int][]string)
	for _, g := range s.Data.Entry.StopGroupings {
		for _, sg := range g.StopGroups {
			dir, err := strconv.Atoi(sg.ID)
			if err != nil || len(sg.StopIDs) == 0 {
				continue
			}
			if _, seen := out[dir]; !seen {
				out[dir] = append([]string(nil), sg.StopIDs...)
			}
		}
	}
	return out
}

// Package trip rebuilds per-vehicle trip timelines from departures and fills
// short gaps by linear interpolation.
package trip

import (
	"time"

	"busrate/internal/transit"
)

const (
	// MaxStopGap is the longest plausible time between two consecutive
	// observed stops of one run.
	MaxStopGap = 20 * time.Minute
	// MaxFill is the longest run of missing stops that is interpolated.
	MaxFill = 5
)

// Entry is one stop of a trip. Zero times mean unknown.
type Entry struct {
	StopRef      string
	Observed     time.Time
	Interpolated time.Time
}

func (e Entry) Known() bool { return !e.Observed.IsZero() }

// View lays the departures of one trip over the route's ordered stops. When a
// stop was observed more than once the latest observation is used.
func View(stops []string, deps []transit.HistoricalDeparture) []Entry {
	latest := make(map[string]time.Time, len(deps))
	for _, d := range deps {
		if t, ok := latest[d.StopRef]; !ok || d.DepartureTime.After(t) {
			latest[d.StopRef] = d.DepartureTime
		}
	}
	view := make([]Entry, len(stops))
	for i, s := range stops {
		view[i] = Entry{StopRef: s, Observed: latest[s]}
	}
	return view
}

// Sequence extracts the run starting at view[key]. Stops before key are
// unknown. The first observed stop at or after key anchors the run; each later
// stop is kept only if it is no earlier than the last kept one and at most
// MaxStopGap after it.
func Sequence(view []Entry, key int) []Entry {
	seq := make([]Entry, len(view))
	for i, e := range view {
		seq[i] = Entry{StopRef: e.StopRef}
	}
	var prev time.Time
	for i := key; i < len(view); i++ {
		t := view[i].Observed
		if t.IsZero() {
			continue
		}
		if prev.IsZero() {
			seq[i].Observed = t
			prev = t
			continue
		}
		if t.Before(prev) || t.Sub(prev) > MaxStopGap {
			continue
		}
		seq[i].Observed = t
		prev = t
	}
	return seq
}

// AllSequences returns the distinct maximal runs in view. Sequences with fewer
// known stops than half the route are dropped, as is any sequence whose known
// stops are all contained in another.
func AllSequences(view []Entry) [][]Entry {
	var accepted [][]Entry
	for key := range view {
		seq := Sequence(view, key)
		if known(seq)*2 < len(view) {
			continue
		}
		redundant := false
		for _, a := range accepted {
			if subset(seq, a) {
				redundant = true
				break
			}
		}
		if redundant {
			continue
		}
		kept := accepted[:0]
		for _, a := range accepted {
			if !subset(a, seq) {
				kept = append(kept, a)
			}
		}
		accepted = append(kept, seq)
	}
	return accepted
}

// Interpolate trims unknown stops from both ends of seq and fills every
// interior gap of at most MaxFill stops with evenly spaced times, rounded to
// the second. Observed times are left untouched.
func Interpolate(seq []Entry) []Entry {
	lo, hi := 0, len(seq)-1
	for lo <= hi && !seq[lo].Known() {
		lo++
	}
	for hi >= lo && !seq[hi].Known() {
		hi--
	}
	if lo > hi {
		return nil
	}
	out := make([]Entry, hi-lo+1)
	copy(out, seq[lo:hi+1])

	last := 0
	for i := 1; i < len(out); i++ {
		if !out[i].Known() {
			continue
		}
		gap := i - last - 1
		if gap > 0 && gap <= MaxFill {
			from, to := out[last].Observed, out[i].Observed
			chunk := to.Sub(from) / time.Duration(gap+1)
			for k := 1; k <= gap; k++ {
				out[last+k].Interpolated = from.Add(chunk * time.Duration(k)).Round(time.Second)
			}
		}
		last = i
	}
	return out
}

func known(seq []Entry) int {
	n := 0
	for _, e := range seq {
		if e.Known() {
			n++
		}
	}
	return n
}

// subset reports whether every known entry of a appears in b.
func subset(a, b []Entry) bool {
	for i, e := range a {
		if !e.Known() {
			continue
		}
		if i >= len(b) || !b[i].Observed.Equal(e.Observed) {
			return false
		}
	}
	return true
}

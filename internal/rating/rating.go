// Package rating turns headways into a bounded 0-100 regularity score.
package rating

import (
	"math"

	"busrate/internal/transit"
)

// BunchedBelowSec is the headway under which two departures count as bunched.
const BunchedBelowSec = 120

// Rating carries the score and every intermediate quantity used to derive it.
type Rating struct {
	AverageHeadway                  float64 `json:"average_headway"`
	HeadwaysCount                   int     `json:"headways_count"`
	StandardDeviation               float64 `json:"standard_deviation"`
	BunchedHeadwaysCount            int     `json:"bunched_headways_count"`
	PercentOfDepsBunched            float64 `json:"percent_of_deps_bunched"`
	AntiBonus                       float64 `json:"anti_bonus"`
	AllowableTotal                  float64 `json:"allowable_total"`
	ActualTotal                     int64   `json:"actual_total"`
	RawScore                        int64   `json:"raw_score"`
	BusrateScore                    int64   `json:"busrate_score"`
	CurrentHeadway                  *int64  `json:"current_headway"`
	ScoreIncorporatesCurrentHeadway bool    `json:"score_incorporates_current_headway"`
}

// Score rates the non-null headways of departures. It returns nil when fewer
// than two headways are known.
func Score(departures []transit.HistoricalDeparture, allowableMinutes int, current *int64) *Rating {
	headways := make([]int64, 0, len(departures))
	for _, d := range departures {
		if d.Headway != nil {
			headways = append(headways, *d.Headway)
		}
	}
	return ScoreHeadways(headways, allowableMinutes, current)
}

// ScoreHeadways rates raw headways in seconds. The current, still-open gap is
// prepended when given: it lengthens the actual total and joins the bunching
// and spread statistics, but earns no allowance of its own.
func ScoreHeadways(headways []int64, allowableMinutes int, current *int64) *Rating {
	if len(headways) < 2 {
		return nil
	}
	count := len(headways)

	all := headways
	if current != nil {
		all = append([]int64{*current}, headways...)
	}

	var unbunchedSum, actual int64
	var unbunched, bunched int
	for _, h := range all {
		actual += h
		if h < BunchedBelowSec {
			bunched++
			continue
		}
		unbunched++
		unbunchedSum += h
	}

	avg := 0.0
	if unbunched > 0 {
		avg = float64(unbunchedSum) / float64(unbunched)
	}
	avg = round2(avg)
	sd := round2(stddev(all))

	allowableSec := float64(allowableMinutes * 60)
	bunchedDeps := bunched * 2

	antiBonus := math.Max(0, sd-avg) * float64(count)
	antiBonus += allowableSec * float64(bunchedDeps)
	allowable := float64(count)*allowableSec - antiBonus

	var raw int64
	if actual > 0 {
		raw = int64(math.Round(allowable / float64(actual) * 100))
	}

	return &Rating{
		AverageHeadway:                  avg,
		HeadwaysCount:                   count,
		StandardDeviation:               sd,
		BunchedHeadwaysCount:            bunchedDeps,
		PercentOfDepsBunched:            math.Round(float64(bunchedDeps)/float64(len(all))*1000) / 10,
		AntiBonus:                       antiBonus,
		AllowableTotal:                  allowable,
		ActualTotal:                     actual,
		RawScore:                        raw,
		BusrateScore:                    clamp(raw, 0, 100),
		CurrentHeadway:                  current,
		ScoreIncorporatesCurrentHeadway: current != nil,
	}
}

// stddev is the population standard deviation.
func stddev(xs []int64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += float64(x)
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		d := float64(x) - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(xs)))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

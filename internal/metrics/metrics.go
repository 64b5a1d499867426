// Package metrics derives presentation-ready statistics from completed
// change-detection results. Every function is pure.
package metrics

import (
	"math"

	"github.com/robert-malhotra/canopy-watch/internal/analysis"
)

// DefaultVisualScaleCap is the percentage magnitude at which the visual
// scale saturates.
const DefaultVisualScaleCap = 5.0

// Direction classifies a cover change.
type Direction int

const (
	None Direction = iota
	Gain
	Loss
)

// String returns the lower-case direction name.
func (d Direction) String() string {
	switch d {
	case Gain:
		return "gain"
	case Loss:
		return "loss"
	default:
		return "none"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// PercentageChange returns the relative change from past to present in
// percent. A baseline of zero or below has no meaningful ratio and yields 0.
func PercentageChange(past, present float64) float64 {
	if past <= 0 {
		return 0
	}
	return (present - past) / past * 100
}

// Classify returns the direction of changeHa.
func Classify(changeHa float64) Direction {
	switch {
	case changeHa > 0:
		return Gain
	case changeHa < 0:
		return Loss
	default:
		return None
	}
}

// VisualScale maps a percentage magnitude onto [0,1], saturating at
// capPercent. A non-positive cap falls back to DefaultVisualScaleCap.
func VisualScale(pct, capPercent float64) float64 {
	if capPercent <= 0 {
		capPercent = DefaultVisualScaleCap
	}
	return math.Min(math.Abs(pct), capPercent) / capPercent
}

// DroneSatelliteDifference returns how far the drone estimate deviates from
// the satellite estimate in percent, or nil when there is no drone estimate
// or the satellite baseline is not positive.
func DroneSatelliteDifference(droneHa *float64, satelliteHa float64) *float64 {
	if droneHa == nil || satelliteHa <= 0 {
		return nil
	}
	diff := (*droneHa - satelliteHa) / satelliteHa * 100
	return &diff
}

// AnnualRate spreads PercentageChange over years.
func AnnualRate(past, present float64, years int) float64 {
	if past <= 0 || years <= 0 {
		return 0
	}
	return (present - past) / past / float64(years) * 100
}

// Options tunes Derive.
type Options struct {
	VisualScaleCap float64
}

// Derived is the set of metrics computed from one result.
type Derived struct {
	PercentageChange      float64   `json:"percentage_change"`
	IsGain                bool      `json:"is_gain"`
	IsLoss                bool      `json:"is_loss"`
	Direction             Direction `json:"direction"`
	AbsoluteChangeHa      float64   `json:"absolute_change_ha"`
	VisualScaleFraction   float64   `json:"visual_scale_fraction"`
	DroneSatelliteDiffPct *float64  `json:"drone_satellite_diff_pct,omitempty"`
	AnnualRatePct         float64   `json:"annual_rate_pct"`
}

// Derive computes all metrics for r. Drone data that carries an error is
// treated as absent. A nil result yields the zero value.
func Derive(r *analysis.Result, opts Options) Derived {
	if r == nil {
		return Derived{}
	}

	sat := r.SatelliteComparison
	pct := PercentageChange(sat.PastCoverHa, sat.PresentCoverHa)
	dir := Classify(sat.ChangeHa)

	d := Derived{
		PercentageChange:    pct,
		IsGain:              dir == Gain,
		IsLoss:              dir == Loss,
		Direction:           dir,
		AbsoluteChangeHa:    math.Abs(sat.ChangeHa),
		VisualScaleFraction: VisualScale(pct, opts.VisualScaleCap),
		AnnualRatePct:       AnnualRate(sat.PastCoverHa, sat.PresentCoverHa, sat.PresentYear-sat.PastYear),
	}

	if r.DroneData.Available() {
		droneHa := r.DroneData.VegetationAreaHa
		d.DroneSatelliteDiffPct = DroneSatelliteDifference(&droneHa, sat.PresentCoverHa)
	}

	return d
}

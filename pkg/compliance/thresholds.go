package compliance

import (
	"fmt"
	"sort"

	"github.com/OpenTraceLab/OpenTracePCIe/pkg/device"
)

// Threshold is the pass limit for one link speed.
type Threshold struct {
	MinWidthUI  float64 `json:"min_width_ui" yaml:"min_width_ui"`
	MinHeightMV float64 `json:"min_height_mv" yaml:"min_height_mv"`
	MaxBER      float64 `json:"max_ber" yaml:"max_ber"`
}

// Thresholds is a complete threshold profile.
type Thresholds struct {
	Name     string                     `json:"name" yaml:"name"`
	PerSpeed map[device.Speed]Threshold `json:"per_speed" yaml:"per_speed"`
	// OutlierTolerance is the fraction below the per-port average at which
	// a lane is reported as an outlier.
	OutlierTolerance float64 `json:"outlier_tolerance" yaml:"outlier_tolerance"`
	// BalanceTolerance is the allowed deviation of a PAM4 eye height from
	// the mean of the lane's three eyes.
	BalanceTolerance float64 `json:"balance_tolerance" yaml:"balance_tolerance"`
}

// DefaultThresholds returns the built-in limits for Gen3 through Gen6.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Name: "default",
		PerSpeed: map[device.Speed]Threshold{
			device.Gen3: {MinWidthUI: 0.30, MinHeightMV: 15, MaxBER: 1e-12},
			device.Gen4: {MinWidthUI: 0.25, MinHeightMV: 15, MaxBER: 1e-12},
			device.Gen5: {MinWidthUI: 0.20, MinHeightMV: 10, MaxBER: 1e-6},
			device.Gen6: {MinWidthUI: 0.15, MinHeightMV: 8, MaxBER: 1e-6},
		},
		OutlierTolerance: 0.30,
		BalanceTolerance: 0.20,
	}
}

// For returns the row for speed.
func (t Thresholds) For(speed device.Speed) (Threshold, bool) {
	th, ok := t.PerSpeed[speed]
	return th, ok
}

// Speeds lists the speeds the profile covers, ascending.
func (t Thresholds) Speeds() []device.Speed {
	out := make([]device.Speed, 0, len(t.PerSpeed))
	for s := range t.PerSpeed {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CheckEye compares a measured eye against the row. Height is only checked
// when the receiver margined voltage.
func (th Threshold) CheckEye(widthUI, heightMV float64, hasVoltage bool) []string {
	var problems []string
	if widthUI < th.MinWidthUI {
		problems = append(problems, fmt.Sprintf("width %.3f UI < %.3f UI", widthUI, th.MinWidthUI))
	}
	if hasVoltage && heightMV < th.MinHeightMV {
		problems = append(problems, fmt.Sprintf("height %.1f mV < %.1f mV", heightMV, th.MinHeightMV))
	}
	return problems
}

// CheckBER reports whether ber is within the row's limit.
func (th Threshold) CheckBER(ber float64) bool {
	return ber <= th.MaxBER
}

package margin

import (
	"math"

	"github.com/OpenTraceLab/OpenTracePCIe/pkg/device"
)

// DefaultBalanceTolerance is the allowed relative deviation of a PAM4 eye's
// height from the mean of the three eyes.
const DefaultBalanceTolerance = 0.20

// AnalyzeOptions controls how grid points are judged.
type AnalyzeOptions struct {
	// ErrorLimit is the highest error count a passing point may have.
	ErrorLimit int
}

// Geometry is the eye extracted from one scan. Margins are in steps; width
// and height are also given in UI and mV.
type Geometry struct {
	Receiver device.Receiver `json:"receiver" yaml:"receiver"`
	NoData   bool            `json:"no_data" yaml:"no_data"`

	Left  int `json:"left" yaml:"left"`
	Right int `json:"right" yaml:"right"`
	Up    int `json:"up" yaml:"up"`
	Down  int `json:"down" yaml:"down"`

	WidthSteps  int     `json:"width_steps" yaml:"width_steps"`
	HeightSteps int     `json:"height_steps" yaml:"height_steps"`
	WidthUI     float64 `json:"width_ui" yaml:"width_ui"`
	HeightMV    float64 `json:"height_mv" yaml:"height_mv"`
	// HasVoltage is false when the receiver cannot margin voltage, in which
	// case the height carries no information.
	HasVoltage bool `json:"has_voltage" yaml:"has_voltage"`

	PassCount  int `json:"pass_count" yaml:"pass_count"`
	TotalCount int `json:"total_count" yaml:"total_count"`

	// Center-row and center-column error profiles normalized to [0,1].
	TimingProfile  []float64 `json:"timing_profile,omitempty" yaml:"timing_profile,omitempty"`
	VoltageProfile []float64 `json:"voltage_profile,omitempty" yaml:"voltage_profile,omitempty"`
}

// Closed reports whether the scan had data but no open eye.
func (g Geometry) Closed() bool {
	return !g.NoData && g.WidthSteps == 0
}

// Analyze reduces a scan to eye geometry. A NoData scan yields a NoData
// geometry; a scan whose center point fails yields a closed eye.
func Analyze(scan EyeScan, opts AnalyzeOptions) Geometry {
	g := Geometry{Receiver: scan.Receiver}
	if scan.NoData || len(scan.Points) == 0 {
		g.NoData = true
		return g
	}

	pass := func(p Point) bool {
		return !p.TimedOut && p.Errors <= opts.ErrorLimit
	}
	for _, p := range scan.Points {
		if pass(p) {
			g.PassCount++
		}
	}
	g.TotalCount = len(scan.Points)
	g.HasVoltage = scan.Caps.VoltageSteps > 0

	tc := indexOf(scan.TimingAxis, 0)
	vc := indexOf(scan.VoltageAxis, 0)
	row := make([]Point, len(scan.TimingAxis))
	for ti := range scan.TimingAxis {
		row[ti] = scan.At(ti, vc)
	}
	col := make([]Point, len(scan.VoltageAxis))
	for vi := range scan.VoltageAxis {
		col[vi] = scan.At(tc, vi)
	}
	g.TimingProfile = profile(scan.TimingAxis, row)
	g.VoltageProfile = profile(scan.VoltageAxis, col)

	if pass(scan.At(tc, vc)) {
		g.Left, g.Right = walk(scan.TimingAxis, tc, func(i int) bool { return pass(row[i]) })
		g.Down, g.Up = walk(scan.VoltageAxis, vc, func(i int) bool { return pass(col[i]) })
	}

	g.WidthSteps = g.Left + g.Right
	g.HeightSteps = g.Up + g.Down
	g.WidthUI = float64(g.WidthSteps) * UIPerStep(scan.Caps)
	g.HeightMV = float64(g.HeightSteps) * MVPerStep(scan.Caps)
	return g
}

// AnalyzeResult analyzes every scan of a sweep.
func AnalyzeResult(r Result, opts AnalyzeOptions) []Geometry {
	out := make([]Geometry, 0, len(r.Scans))
	for _, s := range r.Scans {
		out = append(out, Analyze(s, opts))
	}
	return out
}

// walk returns the last passing offset on each side of the center before the
// first failure. An axis with no negative side is mirrored.
func walk(axis []int, center int, pass func(int) bool) (neg, pos int) {
	for i := center + 1; i < len(axis) && pass(i); i++ {
		pos = axis[i]
	}
	if center == 0 {
		return pos, pos
	}
	for i := center - 1; i >= 0 && pass(i); i-- {
		neg = -axis[i]
	}
	return neg, pos
}

// profile scales error counts along an axis to [0,1]. Timed-out points count
// as one more than the worst measured point. A flat profile falls back to
// distance from the center.
func profile(axis []int, pts []Point) []float64 {
	worst := 0
	for _, p := range pts {
		if !p.TimedOut && p.Errors > worst {
			worst = p.Errors
		}
	}
	vals := make([]float64, len(pts))
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, p := range pts {
		v := float64(p.Errors)
		if p.TimedOut {
			v = float64(worst + 1)
		}
		vals[i] = v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}

	if hi > lo {
		for i := range vals {
			vals[i] = (vals[i] - lo) / (hi - lo)
		}
		return vals
	}

	axisMax := 0
	for _, off := range axis {
		axisMax = max(axisMax, abs(off))
	}
	for i, off := range axis {
		vals[i] = 0
		if axisMax > 0 {
			vals[i] = float64(abs(off)) / float64(axisMax)
		}
	}
	return vals
}

// Aggregate combines the per-receiver geometries of a triple-eye sweep.
type Aggregate struct {
	NoData           bool    `json:"no_data" yaml:"no_data"`
	Eyes             int     `json:"eyes" yaml:"eyes"`
	WorstWidthSteps  int     `json:"worst_width_steps" yaml:"worst_width_steps"`
	WorstHeightSteps int     `json:"worst_height_steps" yaml:"worst_height_steps"`
	WorstWidthUI     float64 `json:"worst_width_ui" yaml:"worst_width_ui"`
	WorstHeightMV    float64 `json:"worst_height_mv" yaml:"worst_height_mv"`
	MeanHeightMV     float64 `json:"mean_height_mv" yaml:"mean_height_mv"`
	MaxDeviation     float64 `json:"max_deviation" yaml:"max_deviation"`
	Imbalanced       bool    `json:"imbalanced" yaml:"imbalanced"`
	HasVoltage       bool    `json:"has_voltage" yaml:"has_voltage"`
}

// Combine aggregates geometries using DefaultBalanceTolerance.
func Combine(geoms []Geometry) Aggregate {
	return CombineWith(geoms, DefaultBalanceTolerance)
}

// CombineWith takes the worst width and height over the data-bearing
// geometries and flags imbalance when any height deviates from their mean
// by more than tolerance. Balance needs at least two eyes.
func CombineWith(geoms []Geometry, tolerance float64) Aggregate {
	var agg Aggregate
	var sum float64
	var heights []float64
	for _, g := range geoms {
		if g.NoData {
			continue
		}
		if agg.Eyes == 0 || g.WidthUI < agg.WorstWidthUI {
			agg.WorstWidthUI, agg.WorstWidthSteps = g.WidthUI, g.WidthSteps
		}
		if agg.Eyes == 0 || g.HeightMV < agg.WorstHeightMV {
			agg.WorstHeightMV, agg.WorstHeightSteps = g.HeightMV, g.HeightSteps
		}
		agg.HasVoltage = agg.HasVoltage || g.HasVoltage
		agg.Eyes++
		sum += g.HeightMV
		heights = append(heights, g.HeightMV)
	}
	if agg.Eyes == 0 {
		agg.NoData = true
		return agg
	}

	agg.MeanHeightMV = sum / float64(agg.Eyes)
	if agg.Eyes < 2 || agg.MeanHeightMV <= 0 {
		return agg
	}
	for _, h := range heights {
		agg.MaxDeviation = math.Max(agg.MaxDeviation, math.Abs(h-agg.MeanHeightMV)/agg.MeanHeightMV)
	}
	agg.Imbalanced = agg.MaxDeviation > tolerance
	return agg
}

func indexOf(axis []int, off int) int {
	for i, v := range axis {
		if v == off {
			return i
		}
	}
	return 0
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

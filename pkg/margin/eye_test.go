package margin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTracePCIe/pkg/device"
)

// gridScan builds a scan over the given axes using errs(t, v) for each point.
func gridScan(caps device.MarginCapabilities, errs func(t, v int) (int, bool)) EyeScan {
	scan := EyeScan{
		Caps:        caps,
		TimingAxis:  Axis(caps.TimingSteps, caps.IndependentLeftRight, 1),
		VoltageAxis: Axis(caps.VoltageSteps, caps.IndependentUpDown, 1),
	}
	for _, v := range scan.VoltageAxis {
		for _, t := range scan.TimingAxis {
			n, timedOut := errs(t, v)
			scan.Points = append(scan.Points, Point{Timing: t, Voltage: v, Errors: n, TimedOut: timedOut})
		}
	}
	return scan
}

var smallCaps = device.MarginCapabilities{
	TimingSteps:          4,
	VoltageSteps:         4,
	MaxTimingOffset:      40,
	MaxVoltageOffset:     20,
	IndependentLeftRight: true,
	IndependentUpDown:    true,
}

func TestAnalyzeAsymmetricEye(t *testing.T) {
	sim := device.BuildHealthyGen5x4()
	res, err := quietEngine(sim).Sweep(context.Background(), 0, 0, ModeSingle)
	require.NoError(t, err)

	g := Analyze(res.Scans[0], AnalyzeOptions{})
	assert.False(t, g.NoData)
	assert.Equal(t, 6, g.Left)
	assert.Equal(t, 7, g.Right)
	assert.Equal(t, 10, g.Up)
	assert.Equal(t, 9, g.Down)
	assert.Equal(t, 13, g.WidthSteps)
	assert.Equal(t, 19, g.HeightSteps)
	assert.InDelta(t, 0.40625, g.WidthUI, 1e-9)
	assert.InDelta(t, 296.875, g.HeightMV, 1e-9)
	assert.Equal(t, 14*20, g.PassCount)
	assert.Equal(t, 33*65, g.TotalCount)
}

func TestAnalyzeClosedEyeIsNotNoData(t *testing.T) {
	scan := gridScan(smallCaps, func(t, v int) (int, bool) { return 5, false })
	g := Analyze(scan, AnalyzeOptions{})

	assert.False(t, g.NoData)
	assert.True(t, g.Closed())
	assert.Zero(t, g.WidthSteps)
	assert.Zero(t, g.HeightSteps)
	assert.Zero(t, g.PassCount)

	// Raising the limit above the floor opens the whole grid.
	g = Analyze(scan, AnalyzeOptions{ErrorLimit: 5})
	assert.Equal(t, 8, g.WidthSteps)
	assert.Equal(t, 8, g.HeightSteps)
}

func TestAnalyzeStopsAtFirstFailure(t *testing.T) {
	// Right side has an island of passing points beyond a failure at +2.
	scan := gridScan(smallCaps, func(t, v int) (int, bool) {
		if t == 2 {
			return 1, false
		}
		return 0, false
	})
	g := Analyze(scan, AnalyzeOptions{})
	assert.Equal(t, 1, g.Right)
	assert.Equal(t, 4, g.Left)
}

func TestAnalyzeUnits(t *testing.T) {
	scan := gridScan(smallCaps, func(t, v int) (int, bool) {
		if abs(t) > 2 || abs(v) > 1 {
			return 3, false
		}
		return 0, false
	})
	g := Analyze(scan, AnalyzeOptions{})
	// 0.40 UI / 4 steps and 200 mV / 4 steps.
	assert.InDelta(t, 0.4, g.WidthUI, 1e-9)
	assert.InDelta(t, 100, g.HeightMV, 1e-9)
}

func TestProfiles(t *testing.T) {
	scan := gridScan(smallCaps, func(t, v int) (int, bool) {
		switch {
		case t == -4:
			return 0, true
		case abs(t) > 2:
			return 8, false
		}
		return 0, false
	})
	g := Analyze(scan, AnalyzeOptions{})

	// The timed-out column counts as worst+1 = 9.
	require.Len(t, g.TimingProfile, 9)
	assert.InDelta(t, 1.0, g.TimingProfile[0], 1e-9)
	assert.InDelta(t, 8.0/9.0, g.TimingProfile[1], 1e-9)
	assert.InDelta(t, 0.0, g.TimingProfile[4], 1e-9)

	// The center column is flat, so distance from center stands in.
	require.Len(t, g.VoltageProfile, 9)
	assert.Equal(t, []float64{1, 0.75, 0.5, 0.25, 0, 0.25, 0.5, 0.75, 1}, g.VoltageProfile)
}

func TestAnalyzeResultKeepsOrder(t *testing.T) {
	r := Result{Mode: ModeTriple, Scans: []EyeScan{
		gridScan(smallCaps, func(t, v int) (int, bool) { return 0, false }),
		{Receiver: device.ReceiverB, NoData: true},
		gridScan(smallCaps, func(t, v int) (int, bool) { return 0, false }),
	}}
	geoms := AnalyzeResult(r, AnalyzeOptions{})
	require.Len(t, geoms, 3)
	assert.False(t, geoms[0].NoData)
	assert.True(t, geoms[1].NoData)
	assert.Equal(t, device.ReceiverB, geoms[1].Receiver)
}

func heights(hs ...float64) []Geometry {
	out := make([]Geometry, len(hs))
	for i, h := range hs {
		out[i] = Geometry{HeightMV: h, WidthUI: 0.3, HasVoltage: true}
	}
	return out
}

func TestCombineBalance(t *testing.T) {
	assert.True(t, Combine(heights(10, 10, 14)).Imbalanced)
	assert.False(t, Combine(heights(10, 11, 9)).Imbalanced)

	agg := Combine(heights(10, 11, 9))
	assert.InDelta(t, 10, agg.MeanHeightMV, 1e-9)
	assert.InDelta(t, 9, agg.WorstHeightMV, 1e-9)
	assert.Equal(t, 3, agg.Eyes)

	assert.False(t, CombineWith(heights(10, 10, 14), 0.5).Imbalanced)
}

func TestCombineIgnoresNoData(t *testing.T) {
	geoms := append(heights(12), Geometry{NoData: true}, Geometry{NoData: true})
	agg := Combine(geoms)
	assert.Equal(t, 1, agg.Eyes)
	assert.False(t, agg.Imbalanced, "one eye cannot be unbalanced")
	assert.InDelta(t, 12, agg.WorstHeightMV, 1e-9)

	assert.True(t, Combine([]Geometry{{NoData: true}}).NoData)
}

func TestCombinePAM4Scenario(t *testing.T) {
	sim := device.BuildPAM4Gen6x2()
	e := quietEngine(sim)

	res, err := e.Sweep(context.Background(), 0, 1, ModeTriple)
	require.NoError(t, err)
	agg := Combine(AnalyzeResult(res, AnalyzeOptions{}))
	assert.True(t, agg.Imbalanced)
	assert.InDelta(t, 0.25, agg.WorstWidthUI, 1e-9)

	res, err = e.Sweep(context.Background(), 0, 0, ModeTriple)
	require.NoError(t, err)
	assert.False(t, Combine(AnalyzeResult(res, AnalyzeOptions{})).Imbalanced)
}

func TestStepUnitsDefaults(t *testing.T) {
	caps := device.MarginCapabilities{TimingSteps: 10, VoltageSteps: 50}
	assert.InDelta(t, 0.05, UIPerStep(caps), 1e-12)
	assert.InDelta(t, 10, MVPerStep(caps), 1e-12)
	assert.Zero(t, UIPerStep(device.MarginCapabilities{}))
	assert.Zero(t, MVPerStep(device.MarginCapabilities{}))
}

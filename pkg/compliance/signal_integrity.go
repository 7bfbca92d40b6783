package compliance

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/OpenTraceLab/OpenTracePCIe/pkg/device"
	"github.com/OpenTraceLab/OpenTracePCIe/pkg/margin"
)

var signalIntegritySuite = suiteDef{
	id: SuiteSignalIntegrity,
	tests: []testDef{
		{
			id:       "T4.1",
			name:     "Eye measurement",
			specRef:  "PCIe Base 6.0 §8.4.4 (Lane Margining at the Receiver)",
			criteria: "every lane sweeps (Gen4+; triple eye at Gen6)",
			run:      testEyeMeasurement,
			sweeps:   true,
		},
		{
			id:       "T4.2",
			name:     "Eye threshold check",
			specRef:  "PCIe Base 6.0 §8.4.4",
			criteria: "worst-case width and height at or above the speed's minimum",
			run:      testEyeThresholds,
		},
		{
			id:       "T4.3",
			name:     "Lane comparison",
			specRef:  "PCIe Base 6.0 §8.4.4",
			criteria: "no lane far below the port average, PAM4 eyes balanced",
			run:      testLaneComparison,
		},
	},
}

func testEyeMeasurement(ctx context.Context, x *env, p PortConfig) outcome {
	status, err := x.linkStatus(p.Number)
	if err != nil {
		return errored(err, "reading link status")
	}
	if status.Speed < device.Gen4 {
		return skipped("lane margining applies to Gen4 and above (link at %s)", status.Speed)
	}

	mode := margin.ModeForSpeed(status.Speed)
	lanes := activeLanes(p, status)
	opts := margin.AnalyzeOptions{ErrorLimit: x.errorLimit}

	var eyes []laneEye
	for lane := 0; lane < lanes; lane++ {
		r, err := x.engine.Sweep(ctx, p.Number, lane, mode)
		if err != nil {
			return errored(err, fmt.Sprintf("sweeping lane %d", lane))
		}
		geoms := margin.AnalyzeResult(r, opts)
		eye := laneEye{
			Lane:  lane,
			Speed: status.Speed,
			Mode:  mode,
			Geoms: geoms,
			Agg:   margin.CombineWith(geoms, x.th.BalanceTolerance),
		}
		x.log.WithFields(logrus.Fields{
			"port":     p.Number,
			"lane":     lane,
			"width_ui": eye.Agg.WorstWidthUI,
			"height":   eye.Agg.WorstHeightMV,
		}).Debug("compliance: lane eye measured")
		eyes = append(eyes, eye)
	}
	x.eyes[p.Number] = eyes

	measured := 0
	widths := make(map[string]float64)
	for _, e := range eyes {
		if e.Agg.NoData {
			continue
		}
		measured++
		widths[fmt.Sprintf("lane%d", e.Lane)] = e.Agg.WorstWidthUI
	}
	if measured == 0 {
		return skipped("no lane reported margining data")
	}
	return passed("%d of %d lanes measured in %s mode", measured, lanes, mode).
		with("lanes", measured).
		with("mode", mode.String()).
		with("width_ui", widths)
}

func testEyeThresholds(ctx context.Context, x *env, p PortConfig) outcome {
	eyes := measuredEyes(x.eyes[p.Number])
	if len(eyes) == 0 {
		return skipped("no eye measurements")
	}
	speed := eyes[0].Speed
	th, ok := x.th.For(speed)
	if !ok {
		return skipped("no %s row in threshold profile %q", speed, x.th.Name)
	}

	var problems []string
	worstWidth, worstHeight := eyes[0].Agg.WorstWidthUI, eyes[0].Agg.WorstHeightMV
	for _, e := range eyes {
		worstWidth = min(worstWidth, e.Agg.WorstWidthUI)
		worstHeight = min(worstHeight, e.Agg.WorstHeightMV)
		for _, pr := range th.CheckEye(e.Agg.WorstWidthUI, e.Agg.WorstHeightMV, e.Agg.HasVoltage) {
			problems = append(problems, fmt.Sprintf("lane %d: %s", e.Lane, pr))
		}
	}

	out := passed("all lanes meet %s limits", speed)
	if len(problems) > 0 {
		out = failed("%s", strings.Join(problems, "; "))
	}
	return out.
		with("worst_width_ui", worstWidth).
		with("worst_height_mv", worstHeight).
		with("min_width_ui", th.MinWidthUI).
		with("min_height_mv", th.MinHeightMV)
}

func testLaneComparison(ctx context.Context, x *env, p PortConfig) outcome {
	eyes := measuredEyes(x.eyes[p.Number])
	if len(eyes) < 2 {
		return skipped("lane comparison needs at least 2 measured lanes (have %d)", len(eyes))
	}

	var sumW, sumH float64
	for _, e := range eyes {
		sumW += e.Agg.WorstWidthUI
		sumH += e.Agg.WorstHeightMV
	}
	avgW, avgH := sumW/float64(len(eyes)), sumH/float64(len(eyes))
	floor := 1 - x.th.OutlierTolerance

	var problems []string
	for _, e := range eyes {
		if e.Agg.WorstWidthUI < avgW*floor {
			problems = append(problems, fmt.Sprintf("lane %d width %.3f UI below average %.3f UI", e.Lane, e.Agg.WorstWidthUI, avgW))
		}
		if e.Agg.HasVoltage && e.Agg.WorstHeightMV < avgH*floor {
			problems = append(problems, fmt.Sprintf("lane %d height %.1f mV below average %.1f mV", e.Lane, e.Agg.WorstHeightMV, avgH))
		}
		if e.Agg.Imbalanced {
			problems = append(problems, fmt.Sprintf("lane %d PAM4 eyes unbalanced (%.0f%% deviation)", e.Lane, e.Agg.MaxDeviation*100))
		}
	}

	out := passed("%d lanes consistent", len(eyes))
	if len(problems) > 0 {
		out = warned("%s", strings.Join(problems, "; "))
	}
	return out.
		with("avg_width_ui", avgW).
		with("avg_height_mv", avgH)
}

func measuredEyes(eyes []laneEye) []laneEye {
	var out []laneEye
	for _, e := range eyes {
		if !e.Agg.NoData {
			out = append(out, e)
		}
	}
	return out
}

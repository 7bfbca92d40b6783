package margin

import "github.com/OpenTraceLab/OpenTracePCIe/pkg/device"

// Receivers that leave the max offsets unreported are assumed to margin to
// half a UI and 500 mV.
const (
	defaultMaxTimingUI = 0.5
	defaultMaxVoltage  = 500.0
)

// UIPerStep converts one timing step to unit intervals.
func UIPerStep(caps device.MarginCapabilities) float64 {
	if caps.TimingSteps <= 0 {
		return 0
	}
	maxUI := defaultMaxTimingUI
	if caps.MaxTimingOffset > 0 {
		maxUI = float64(caps.MaxTimingOffset) / 100
	}
	return maxUI / float64(caps.TimingSteps)
}

// MVPerStep converts one voltage step to millivolts.
func MVPerStep(caps device.MarginCapabilities) float64 {
	if caps.VoltageSteps <= 0 {
		return 0
	}
	maxMV := defaultMaxVoltage
	if caps.MaxVoltageOffset > 0 {
		maxMV = float64(caps.MaxVoltageOffset) * 10
	}
	return maxMV / float64(caps.VoltageSteps)
}

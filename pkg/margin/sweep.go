// Package margin runs lane margining sweeps and reduces them to eye
// geometry.
//
// A sweep walks a timing × voltage grid of offsets, measuring the receiver's
// error count at each point. NRZ lanes are swept once through the broadcast
// receiver; PAM4 lanes are swept in triple mode, once per stacked eye.
package margin

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/OpenTraceLab/OpenTracePCIe/pkg/device"
)

// Mode selects single-eye (NRZ) or triple-eye (PAM4) sweeping.
type Mode int

const (
	ModeSingle Mode = iota
	ModeTriple
)

func (m Mode) String() string {
	switch m {
	case ModeSingle:
		return "single"
	case ModeTriple:
		return "triple"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// ParseMode accepts "single" or "triple".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "single", "nrz":
		return ModeSingle, nil
	case "triple", "pam4":
		return ModeTriple, nil
	}
	return 0, fmt.Errorf("margin: unknown mode %q", s)
}

// ModeForSpeed picks triple mode for PAM4 speeds.
func ModeForSpeed(s device.Speed) Mode {
	if s.PAM4() {
		return ModeTriple
	}
	return ModeSingle
}

// Point is one measured grid point.
type Point struct {
	Timing   int  `json:"timing" yaml:"timing"`
	Voltage  int  `json:"voltage" yaml:"voltage"`
	Errors   int  `json:"errors" yaml:"errors"`
	TimedOut bool `json:"timed_out,omitempty" yaml:"timed_out,omitempty"`
}

// EyeScan is the sweep of one receiver. Points are stored row-major: one
// row per voltage offset, one column per timing offset.
type EyeScan struct {
	Receiver    device.Receiver           `json:"receiver" yaml:"receiver"`
	Caps        device.MarginCapabilities `json:"caps" yaml:"caps"`
	TimingAxis  []int                     `json:"timing_axis" yaml:"timing_axis"`
	VoltageAxis []int                     `json:"voltage_axis" yaml:"voltage_axis"`
	Points      []Point                   `json:"points" yaml:"points"`
	SampleCount int                       `json:"sample_count" yaml:"sample_count"`
	DurationMs  int64                     `json:"duration_ms" yaml:"duration_ms"`
	NoData      bool                      `json:"no_data" yaml:"no_data"`
	Reason      string                    `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// At returns the point at the given axis indexes.
func (s *EyeScan) At(ti, vi int) Point {
	return s.Points[vi*len(s.TimingAxis)+ti]
}

// Result is the outcome of a sweep: one scan in single mode, three in
// triple mode.
type Result struct {
	Port  int       `json:"port" yaml:"port"`
	Lane  int       `json:"lane" yaml:"lane"`
	Mode  Mode      `json:"mode" yaml:"mode"`
	Scans []EyeScan `json:"scans" yaml:"scans"`
}

// NoData reports whether no scan produced measurements.
func (r Result) NoData() bool {
	for _, s := range r.Scans {
		if !s.NoData {
			return false
		}
	}
	return true
}

// Options tunes a sweep. Zero values take defaults.
type Options struct {
	Samples      int           // samples per point (default: capability sample count, else 64)
	PointTimeout time.Duration // per-point device timeout (default: 200ms)
	Stride       int           // grid step stride (default: 1)
	Logger       logrus.FieldLogger
	// OnPoint is called after every measured point.
	OnPoint func(rcv device.Receiver, p Point)
}

const (
	defaultSamples      = 64
	defaultPointTimeout = 200 * time.Millisecond
)

// Progress is a snapshot of a running sweep.
type Progress struct {
	Port        int             `json:"port"`
	Lane        int             `json:"lane"`
	PointsDone  int             `json:"points_done"`
	PointsTotal int             `json:"points_total"`
	Pass        int             `json:"pass"`
	Passes      int             `json:"passes"`
	Receiver    device.Receiver `json:"receiver"`
}

// Engine sweeps margining grids on one device. One sweep runs at a time per
// engine; Progress may be called from any goroutine.
type Engine struct {
	dev  device.Device
	opts Options

	port        atomic.Int32
	lane        atomic.Int32
	pointsDone  atomic.Int64
	pointsTotal atomic.Int64
	pass        atomic.Int32
	passes      atomic.Int32
	receiver    atomic.Int32
}

// NewEngine creates a sweep engine for dev.
func NewEngine(dev device.Device, opts Options) *Engine {
	if opts.PointTimeout <= 0 {
		opts.PointTimeout = defaultPointTimeout
	}
	if opts.Stride < 1 {
		opts.Stride = 1
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Engine{dev: dev, opts: opts}
}

// Progress returns the current sweep counters.
func (e *Engine) Progress() Progress {
	return Progress{
		Port:        int(e.port.Load()),
		Lane:        int(e.lane.Load()),
		PointsDone:  int(e.pointsDone.Load()),
		PointsTotal: int(e.pointsTotal.Load()),
		Pass:        int(e.pass.Load()),
		Passes:      int(e.passes.Load()),
		Receiver:    device.Receiver(e.receiver.Load()),
	}
}

func (e *Engine) reset() {
	e.pointsDone.Store(0)
	e.pointsTotal.Store(0)
	e.pass.Store(0)
	e.passes.Store(0)
	e.receiver.Store(0)
}

// Axis returns the offsets swept for a margining direction with the given
// step limit: -limit..+limit when both sides can be margined independently,
// else 0..+limit. A zero limit yields the single offset 0.
func Axis(limit int, independent bool, stride int) []int {
	if stride < 1 {
		stride = 1
	}
	var pos []int
	for off := stride; off <= limit; off += stride {
		pos = append(pos, off)
	}
	axis := make([]int, 0, 2*len(pos)+1)
	if independent {
		for i := len(pos) - 1; i >= 0; i-- {
			axis = append(axis, -pos[i])
		}
	}
	axis = append(axis, 0)
	return append(axis, pos...)
}

// Sweep probes the lane's margining capabilities and sweeps the grid for
// every receiver the mode covers. A lane reporting no timing steps yields
// NoData scans without any measurement. Per-point device errors become
// timed-out points; device.ErrUnreachable aborts the sweep.
func (e *Engine) Sweep(ctx context.Context, port, lane int, mode Mode) (Result, error) {
	e.reset()
	e.port.Store(int32(port))
	e.lane.Store(int32(lane))
	log := e.opts.Logger.WithFields(logrus.Fields{"port": port, "lane": lane, "mode": mode})
	result := Result{Port: port, Lane: lane, Mode: mode}

	caps, err := e.dev.ProbeMarginCapabilities(port, lane)
	if err != nil {
		return result, fmt.Errorf("probing margin capabilities: %w", err)
	}

	receivers := []device.Receiver{device.ReceiverBroadcast}
	if mode == ModeTriple {
		receivers = device.PAM4Receivers
	}

	if caps.TimingSteps == 0 {
		log.Info("margin: lane reports no timing steps")
		for _, rcv := range receivers {
			result.Scans = append(result.Scans, EyeScan{
				Receiver: rcv,
				Caps:     caps,
				NoData:   true,
				Reason:   "margining not supported",
			})
		}
		return result, nil
	}

	timing := Axis(caps.TimingSteps, caps.IndependentLeftRight, e.opts.Stride)
	voltage := Axis(caps.VoltageSteps, caps.IndependentUpDown, e.opts.Stride)
	gridSize := len(timing) * len(voltage)

	var active []device.Receiver
	for _, rcv := range receivers {
		if mode == ModeSingle {
			active = append(active, rcv)
			continue
		}
		ok, err := e.dev.ProbeReceiverResponsive(port, lane, rcv)
		if errors.Is(err, device.ErrUnreachable) {
			return result, fmt.Errorf("probing receiver %s: %w", rcv, err)
		}
		if err != nil {
			log.WithError(err).WithField("receiver", rcv).Warn("margin: receiver probe failed")
		}
		if ok && err == nil {
			active = append(active, rcv)
		}
	}
	e.pointsTotal.Store(int64(len(active) * gridSize))
	e.passes.Store(int32(len(active)))

	samples := e.opts.Samples
	if samples <= 0 {
		samples = caps.SampleCount
	}
	if samples <= 0 {
		samples = defaultSamples
	}

	pass := 0
	for _, rcv := range receivers {
		scan := EyeScan{Receiver: rcv, Caps: caps, SampleCount: samples}
		if !slices.Contains(active, rcv) {
			scan.NoData = true
			scan.Reason = "receiver not responsive"
			result.Scans = append(result.Scans, scan)
			continue
		}
		pass++
		e.pass.Store(int32(pass))
		e.receiver.Store(int32(rcv))

		scan.TimingAxis, scan.VoltageAxis = timing, voltage
		if err := e.sweepScan(ctx, port, lane, &scan); err != nil {
			return result, err
		}
		result.Scans = append(result.Scans, scan)
		log.WithFields(logrus.Fields{"receiver": rcv, "points": len(scan.Points), "duration_ms": scan.DurationMs}).
			Debug("margin: receiver swept")
	}
	return result, nil
}

func (e *Engine) sweepScan(ctx context.Context, port, lane int, scan *EyeScan) error {
	start := time.Now()
	scan.Points = make([]Point, 0, len(scan.TimingAxis)*len(scan.VoltageAxis))
	for _, v := range scan.VoltageAxis {
		for _, t := range scan.TimingAxis {
			if err := ctx.Err(); err != nil {
				return err
			}
			sample, err := e.dev.MeasureMarginPoint(port, lane, device.MarginRequest{
				Receiver: scan.Receiver,
				Timing:   t,
				Voltage:  v,
				Samples:  scan.SampleCount,
				Timeout:  e.opts.PointTimeout,
			})
			if errors.Is(err, device.ErrUnreachable) {
				return fmt.Errorf("measuring point (%d,%d): %w", t, v, err)
			}
			p := Point{Timing: t, Voltage: v, Errors: sample.ErrorCount, TimedOut: sample.TimedOut}
			if err != nil {
				p = Point{Timing: t, Voltage: v, TimedOut: true}
			}
			scan.Points = append(scan.Points, p)
			e.pointsDone.Add(1)
			if e.opts.OnPoint != nil {
				e.opts.OnPoint(scan.Receiver, p)
			}
		}
	}
	scan.DurationMs = time.Since(start).Milliseconds()
	return nil
}

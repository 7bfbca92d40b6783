// Package retrain forces a PCIe link to retrain and records the LTSSM states
// it walks through until it settles in L0 or the timeout expires.
package retrain

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/OpenTraceLab/OpenTracePCIe/pkg/device"
	"github.com/OpenTraceLab/OpenTracePCIe/pkg/ltssm"
)

// Phase is the tracer's position in a retrain.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePulsing
	PhasePolling
	PhaseSettled
	PhaseTimedOut
)

var phaseNames = map[Phase]string{
	PhaseIdle:     "idle",
	PhasePulsing:  "pulsing",
	PhasePolling:  "polling",
	PhaseSettled:  "settled",
	PhaseTimedOut: "timed-out",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Phase(%d)", p)
}

// Transition is one recorded change of LTSSM state.
type Transition struct {
	Index    int             `json:"index" yaml:"index"`
	OffsetMs int64           `json:"offset_ms" yaml:"offset_ms"`
	State    ltssm.LinkState `json:"state" yaml:"state"`
}

// Trace is the outcome of a retrain.
type Trace struct {
	Port        int             `json:"port" yaml:"port"`
	Transitions []Transition    `json:"transitions" yaml:"transitions"`
	Final       ltssm.LinkState `json:"final" yaml:"final"`
	FinalSpeed  device.Speed    `json:"final_speed" yaml:"final_speed"`
	Settled     bool            `json:"settled" yaml:"settled"`
	DurationMs  int64           `json:"duration_ms" yaml:"duration_ms"`
}

// Options controls retrain timing.
type Options struct {
	PulseWidth   time.Duration // link disable time (default: 50ms)
	PollInterval time.Duration // delay between state reads (default: 20ms)
	ConfirmDelay time.Duration // L0 re-check delay (default: 100ms)
	Logger       logrus.FieldLogger
}

// DefaultOptions returns the timing used against real hardware.
func DefaultOptions() Options {
	return Options{
		PulseWidth:   50 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
		ConfirmDelay: 100 * time.Millisecond,
		Logger:       logrus.StandardLogger(),
	}
}

func (o *Options) fill() {
	def := DefaultOptions()
	if o.PulseWidth <= 0 {
		o.PulseWidth = def.PulseWidth
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.ConfirmDelay <= 0 {
		o.ConfirmDelay = def.ConfirmDelay
	}
	if o.Logger == nil {
		o.Logger = def.Logger
	}
}

// Tracer drives retrains on one device. It does not serialize access; the
// caller owns exclusivity for the device.
type Tracer struct {
	dev  device.Device
	opts Options
}

// NewTracer creates a tracer. Zero-valued options take their defaults.
func NewTracer(dev device.Device, opts Options) *Tracer {
	opts.fill()
	return &Tracer{dev: dev, opts: opts}
}

type recorder struct {
	start time.Time
	trace Trace
	last  ltssm.LinkState
}

// observe decodes code and appends a transition when the state changed.
func (r *recorder) observe(code uint16) ltssm.LinkState {
	state := ltssm.Decode(code)
	if len(r.trace.Transitions) > 0 && state.Same(r.last) {
		return state
	}
	r.trace.Transitions = append(r.trace.Transitions, Transition{
		Index:    len(r.trace.Transitions),
		OffsetMs: time.Since(r.start).Milliseconds(),
		State:    state,
	})
	r.last = state
	return state
}

// Run pulses the port's link and polls its state until it settles in L0 or
// timeout elapses. An expired timeout is not an error: the trace comes back
// with Settled false. Device errors and context cancellation are returned.
func (t *Tracer) Run(ctx context.Context, port int, timeout time.Duration) (Trace, error) {
	log := t.opts.Logger.WithFields(logrus.Fields{"port": port, "timeout": timeout})
	rec := &recorder{start: time.Now(), trace: Trace{Port: port}}

	code, err := t.dev.ReadState(port)
	if err != nil {
		return rec.trace, fmt.Errorf("reading initial state: %w", err)
	}
	state := rec.observe(code)
	log.WithField("state", state.Name()).Debug("retrain: initial state")

	log.WithField("phase", PhasePulsing).Debug("retrain: pulsing link")
	if err := t.dev.PulseLink(port, t.opts.PulseWidth); err != nil {
		return rec.trace, fmt.Errorf("pulsing link: %w", err)
	}

	phase := PhasePolling
	for phase == PhasePolling {
		if time.Since(rec.start) >= timeout {
			phase = PhaseTimedOut
			break
		}
		if err := sleep(ctx, t.opts.PollInterval); err != nil {
			return rec.trace, err
		}
		if code, err = t.dev.ReadState(port); err != nil {
			return rec.trace, fmt.Errorf("polling state: %w", err)
		}
		if state = rec.observe(code); !state.IsL0() {
			continue
		}

		if err := sleep(ctx, t.opts.ConfirmDelay); err != nil {
			return rec.trace, err
		}
		if code, err = t.dev.ReadState(port); err != nil {
			return rec.trace, fmt.Errorf("confirming L0: %w", err)
		}
		if state = rec.observe(code); state.IsL0() {
			phase = PhaseSettled
		}
	}

	rec.trace.Final = rec.last
	rec.trace.Settled = phase == PhaseSettled
	if rec.trace.Settled {
		v, err := t.dev.ReadRegister(port, device.Reg(device.RegLinkStatus))
		if err != nil {
			return rec.trace, fmt.Errorf("reading link status: %w", err)
		}
		rec.trace.FinalSpeed = device.DecodeLinkStatus(v).Speed
	}
	rec.trace.DurationMs = time.Since(rec.start).Milliseconds()

	log.WithFields(logrus.Fields{
		"phase":       phase,
		"final":       rec.trace.Final.Name(),
		"transitions": len(rec.trace.Transitions),
	}).Info("retrain finished")
	return rec.trace, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Snapshot is a point-in-time view of a port's link.
type Snapshot struct {
	Port       int             `json:"port" yaml:"port"`
	State      ltssm.LinkState `json:"state" yaml:"state"`
	Speed      device.Speed    `json:"speed" yaml:"speed"`
	Width      int             `json:"width" yaml:"width"`
	Up         bool            `json:"up" yaml:"up"`
	Recoveries uint32          `json:"recoveries" yaml:"recoveries"`
	RxEvals    uint32          `json:"rx_evals" yaml:"rx_evals"`
}

// Snapshot reads the port's current state and link counters without
// disturbing the link.
func (t *Tracer) Snapshot(port int) (Snapshot, error) {
	snap := Snapshot{Port: port}

	code, err := t.dev.ReadState(port)
	if err != nil {
		return snap, fmt.Errorf("reading state: %w", err)
	}
	snap.State = ltssm.Decode(code)

	v, err := t.dev.ReadRegister(port, device.Reg(device.RegLinkStatus))
	if err != nil {
		return snap, fmt.Errorf("reading link status: %w", err)
	}
	status := device.DecodeLinkStatus(v)
	snap.Speed, snap.Width, snap.Up = status.Speed, status.Width, status.Up()

	if snap.Recoveries, err = t.dev.ReadRegister(port, device.Reg(device.RegRecoveryCount)); err != nil {
		return snap, fmt.Errorf("reading recovery count: %w", err)
	}
	if snap.RxEvals, err = t.dev.ReadRegister(port, device.Reg(device.RegRxEvalCount)); err != nil {
		return snap, fmt.Errorf("reading rx eval count: %w", err)
	}
	return snap, nil
}

// ClearRecoveryCount resets the port's recovery counter.
func (t *Tracer) ClearRecoveryCount(port int) error {
	if err := t.dev.WriteRegister(port, device.Reg(device.RegRecoveryCount), 0); err != nil {
		return fmt.Errorf("clearing recovery count: %w", err)
	}
	return nil
}

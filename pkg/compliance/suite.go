package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/OpenTraceLab/OpenTracePCIe/pkg/device"
	"github.com/OpenTraceLab/OpenTracePCIe/pkg/margin"
	"github.com/OpenTraceLab/OpenTracePCIe/pkg/retrain"
)

// testDef declares one compliance test.
type testDef struct {
	id       string
	name     string
	specRef  string
	criteria string
	run      func(ctx context.Context, x *env, port PortConfig) outcome
	// sweeps marks tests driving env.engine; their sweep progress is live.
	sweeps bool
}

// suiteDef is a suite's tests in execution order. perRun suites execute
// once per run instead of once per port.
type suiteDef struct {
	id     SuiteID
	perRun bool
	tests  []testDef
}

func suiteByID(id SuiteID) suiteDef {
	switch id {
	case SuiteLinkTraining:
		return linkTrainingSuite
	case SuiteErrorAudit:
		return errorAuditSuite
	case SuiteConfigAudit:
		return configAuditSuite
	case SuiteSignalIntegrity:
		return signalIntegritySuite
	case SuiteBER:
		return berSuite
	case SuitePortSweep:
		return portSweepSuite
	}
	return suiteDef{id: id}
}

// TestInfo describes a declared test for listings.
type TestInfo struct {
	Suite    SuiteID `json:"suite" yaml:"suite"`
	ID       string  `json:"id" yaml:"id"`
	Name     string  `json:"name" yaml:"name"`
	SpecRef  string  `json:"spec_ref" yaml:"spec_ref"`
	Criteria string  `json:"criteria" yaml:"criteria"`
	PerRun   bool    `json:"per_run" yaml:"per_run"`
}

// Catalog lists every declared test in execution order.
func Catalog() []TestInfo {
	var out []TestInfo
	for _, id := range AllSuites {
		s := suiteByID(id)
		for _, t := range s.tests {
			out = append(out, TestInfo{Suite: id, ID: t.id, Name: t.name, SpecRef: t.specRef, Criteria: t.criteria, PerRun: s.perRun})
		}
	}
	return out
}

// planned is one test case the run will produce.
type planned struct {
	suite SuiteID
	def   testDef
	port  PortConfig
	// portNum is AllPorts for per-run suites.
	portNum int
}

// buildPlan expands the config into the ordered list of cases. The length
// of the plan is the run's test total.
func buildPlan(cfg RunConfig) []planned {
	var plan []planned
	for _, id := range AllSuites {
		if !cfg.Has(id) {
			continue
		}
		s := suiteByID(id)
		if s.perRun {
			for _, t := range s.tests {
				plan = append(plan, planned{suite: id, def: t, portNum: AllPorts})
			}
			continue
		}
		for _, p := range cfg.Ports {
			for _, t := range s.tests {
				plan = append(plan, planned{suite: id, def: t, port: p, portNum: p.Number})
			}
		}
	}
	return plan
}

// outcome is what a test function reports.
type outcome struct {
	verdict  Verdict
	message  string
	measured map[string]any
	err      error
}

func result(v Verdict, format string, args ...any) outcome {
	return outcome{verdict: v, message: fmt.Sprintf(format, args...)}
}

func passed(format string, args ...any) outcome { return result(VerdictPass, format, args...) }
func failed(format string, args ...any) outcome { return result(VerdictFail, format, args...) }
func warned(format string, args ...any) outcome { return result(VerdictWarn, format, args...) }
func skipped(format string, args ...any) outcome {
	return result(VerdictSkip, format, args...)
}

// errored reports a test that could not complete.
func errored(err error, what string) outcome {
	return outcome{verdict: VerdictError, message: fmt.Sprintf("%s: %v", what, err), err: err}
}

func (o outcome) with(key string, value any) outcome {
	if o.measured == nil {
		o.measured = make(map[string]any)
	}
	o.measured[key] = value
	return o
}

// laneEye is one lane's analyzed sweep, shared by the signal integrity
// tests of a port.
type laneEye struct {
	Lane  int
	Speed device.Speed
	Mode  margin.Mode
	Geoms []margin.Geometry
	Agg   margin.Aggregate
}

// env is what tests see of the run: the device, config and the helpers
// built on it.
type env struct {
	dev          device.Device
	cfg          RunConfig
	th           Thresholds
	tracer       *retrain.Tracer
	engine       *margin.Engine
	sleep        func(context.Context, time.Duration) error
	log          logrus.FieldLogger
	pulseWidth   time.Duration
	traceTimeout time.Duration
	errorLimit   int

	eyes map[int][]laneEye
}

func (x *env) read(port int, id device.RegisterID) (uint32, error) {
	v, err := x.dev.ReadRegister(port, device.Reg(id))
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", id, err)
	}
	return v, nil
}

func (x *env) linkStatus(port int) (device.LinkStatus, error) {
	v, err := x.read(port, device.RegLinkStatus)
	return device.DecodeLinkStatus(v), err
}

func (x *env) supportedSpeeds(port int) (device.SpeedVector, error) {
	v, err := x.read(port, device.RegLinkCapabilities2)
	return device.DecodeSpeedVector(v), err
}

// retrainAt sets the target link speed, retrains and waits speed_settle
// before reading back the link status.
func (x *env) retrainAt(ctx context.Context, port int, speed device.Speed) (device.LinkStatus, error) {
	ctl, err := x.read(port, device.RegLinkControl2)
	if err != nil {
		return device.LinkStatus{}, err
	}
	ctl = ctl&^0xF | uint32(speed)
	if err := x.dev.WriteRegister(port, device.Reg(device.RegLinkControl2), ctl); err != nil {
		return device.LinkStatus{}, fmt.Errorf("setting target speed %s: %w", speed, err)
	}
	if err := x.dev.PulseLink(port, x.pulseWidth); err != nil {
		return device.LinkStatus{}, fmt.Errorf("retraining at %s: %w", speed, err)
	}
	if err := x.sleep(ctx, x.cfg.speedSettle()); err != nil {
		return device.LinkStatus{}, err
	}
	return x.linkStatus(port)
}

// restoreSpeed writes back the original Link Control 2 value and retrains.
func (x *env) restoreSpeed(ctx context.Context, port int, ctl uint32) error {
	if err := x.dev.WriteRegister(port, device.Reg(device.RegLinkControl2), ctl); err != nil {
		return fmt.Errorf("restoring target speed: %w", err)
	}
	if err := x.dev.PulseLink(port, x.pulseWidth); err != nil {
		return fmt.Errorf("retraining after restore: %w", err)
	}
	return x.sleep(ctx, x.cfg.speedSettle())
}

// activeLanes is the number of lanes to exercise: the configured count,
// capped at the negotiated width when the link reports one.
func activeLanes(p PortConfig, status device.LinkStatus) int {
	if status.Width > 0 && status.Width < p.Lanes {
		return status.Width
	}
	return p.Lanes
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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

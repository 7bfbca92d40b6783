package compliance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/OpenTraceLab/OpenTracePCIe/pkg/device"
)

var berSuite = suiteDef{
	id: SuiteBER,
	tests: []testDef{
		{
			id:       "T5.1",
			name:     "PRBS bit error rate",
			specRef:  "PCIe Base 6.0 §4.2.7 (Compliance Pattern)",
			criteria: "every lane's BER at or below the speed's maximum",
			run:      testBER,
		},
		{
			id:       "T5.2",
			name:     "Multi-speed BER",
			specRef:  "PCIe Base 6.0 §4.2.7",
			criteria: "BER within limits at every other supported Gen3+ speed",
			run:      testMultiSpeedBER,
		},
	},
}

var errPRBSUnsynced = errors.New("PRBS checker not synchronized")

// laneBER is one lane's checker result.
type laneBER struct {
	Lane   int     `json:"lane"`
	Errors uint32  `json:"errors"`
	BER    float64 `json:"ber"`
}

// measureBER runs the PRBS checker on lanes for d and returns the per-lane
// error rate at speed. The checkers run concurrently; d is waited once.
func (x *env) measureBER(ctx context.Context, port, lanes int, speed device.Speed, d time.Duration) ([]laneBER, error) {
	for lane := 0; lane < lanes; lane++ {
		if err := x.dev.WriteRegister(port, device.LaneReg(device.RegPRBSControl, lane), device.PRBSStart); err != nil {
			return nil, fmt.Errorf("starting PRBS on lane %d: %w", lane, err)
		}
	}
	defer func() {
		for lane := 0; lane < lanes; lane++ {
			if err := x.dev.WriteRegister(port, device.LaneReg(device.RegPRBSControl, lane), 0); err != nil {
				x.log.WithError(err).WithField("lane", lane).Warn("compliance: stopping PRBS failed")
			}
		}
	}()

	if err := x.sleep(ctx, d); err != nil {
		return nil, err
	}

	bits := speed.BitsPerSecond() * d.Seconds()
	out := make([]laneBER, 0, lanes)
	for lane := 0; lane < lanes; lane++ {
		status, err := x.dev.ReadRegister(port, device.LaneReg(device.RegPRBSStatus, lane))
		if err != nil {
			return nil, fmt.Errorf("reading PRBS status of lane %d: %w", lane, err)
		}
		if status&device.PRBSSynced == 0 {
			return nil, fmt.Errorf("lane %d: %w", lane, errPRBSUnsynced)
		}
		count, err := x.dev.ReadRegister(port, device.LaneReg(device.RegPRBSErrorCount, lane))
		if err != nil {
			return nil, fmt.Errorf("reading PRBS error count of lane %d: %w", lane, err)
		}
		r := laneBER{Lane: lane, Errors: count}
		if bits > 0 {
			r.BER = float64(count) / bits
		}
		out = append(out, r)
	}
	return out, nil
}

// berProblems lists lanes over the limit.
func berProblems(results []laneBER, th Threshold, label string) []string {
	var problems []string
	for _, r := range results {
		if !th.CheckBER(r.BER) {
			problems = append(problems, fmt.Sprintf("%slane %d BER %.2e > %.0e", label, r.Lane, r.BER, th.MaxBER))
		}
	}
	return problems
}

func berMap(results []laneBER) map[string]float64 {
	m := make(map[string]float64, len(results))
	for _, r := range results {
		m[fmt.Sprintf("lane%d", r.Lane)] = r.BER
	}
	return m
}

func testBER(ctx context.Context, x *env, p PortConfig) outcome {
	status, err := x.linkStatus(p.Number)
	if err != nil {
		return errored(err, "reading link status")
	}
	if !status.Up() {
		return skipped("link down")
	}
	th, ok := x.th.For(status.Speed)
	if !ok {
		return skipped("no %s row in threshold profile %q", status.Speed, x.th.Name)
	}

	results, err := x.measureBER(ctx, p.Number, activeLanes(p, status), status.Speed, x.cfg.berDuration())
	if errors.Is(err, device.ErrNotImplemented) {
		return skipped("PRBS checker not available")
	}
	if err != nil {
		return errored(err, "measuring BER")
	}

	out := passed("%d lanes within %.0e at %s", len(results), th.MaxBER, status.Speed)
	if problems := berProblems(results, th, ""); len(problems) > 0 {
		out = failed("%s", strings.Join(problems, "; "))
	}
	return out.
		with("ber", berMap(results)).
		with("duration_s", x.cfg.BERDuration).
		with("max_ber", th.MaxBER)
}

func testMultiSpeedBER(ctx context.Context, x *env, p PortConfig) outcome {
	status, err := x.linkStatus(p.Number)
	if err != nil {
		return errored(err, "reading link status")
	}
	vec, err := x.supportedSpeeds(p.Number)
	if err != nil {
		return errored(err, "reading supported speeds")
	}
	var eligible, others []device.Speed
	for _, s := range vec.Speeds() {
		if s < device.Gen3 {
			continue
		}
		eligible = append(eligible, s)
		if s != status.Speed {
			others = append(others, s)
		}
	}
	if len(eligible) < 2 || len(others) == 0 {
		return skipped("fewer than 2 supported speeds at Gen3 or above")
	}

	origCtl, err := x.read(p.Number, device.RegLinkControl2)
	if err != nil {
		return errored(err, "reading link control 2")
	}
	restore := func() {
		if err := x.restoreSpeed(ctx, p.Number, origCtl); err != nil {
			x.log.WithError(err).WithField("port", p.Number).Warn("compliance: speed restore failed")
		}
	}

	perSpeed := make(map[string]map[string]float64)
	var problems []string
	tested := 0
	for _, s := range others {
		th, ok := x.th.For(s)
		if !ok {
			continue
		}
		st, err := x.retrainAt(ctx, p.Number, s)
		if err != nil {
			restore()
			return errored(err, fmt.Sprintf("changing speed to %s", s))
		}
		if !st.Up() || st.Speed != s {
			problems = append(problems, fmt.Sprintf("%s: link trained at %s", s, st.Speed))
			continue
		}
		results, err := x.measureBER(ctx, p.Number, activeLanes(p, st), s, x.cfg.berDuration()/2)
		if err != nil {
			restore()
			if errors.Is(err, device.ErrNotImplemented) {
				return skipped("PRBS checker not available")
			}
			return errored(err, fmt.Sprintf("measuring BER at %s", s))
		}
		tested++
		perSpeed[s.String()] = berMap(results)
		problems = append(problems, berProblems(results, th, s.String()+" ")...)
	}
	if err := x.restoreSpeed(ctx, p.Number, origCtl); err != nil {
		return errored(err, "restoring original speed")
	}

	out := passed("BER within limits at %d other speeds", tested)
	switch {
	case len(problems) > 0:
		out = failed("%s", strings.Join(problems, "; "))
	case tested == 0:
		out = skipped("no threshold rows for the other supported speeds")
	}
	return out.with("ber", perSpeed)
}

package compliance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/OpenTraceLab/OpenTracePCIe/pkg/device"
	"github.com/OpenTraceLab/OpenTracePCIe/pkg/ltssm"
)

var linkTrainingSuite = suiteDef{
	id: SuiteLinkTraining,
	tests: []testDef{
		{
			id:       "T1.1",
			name:     "Speed negotiation",
			specRef:  "PCIe Base 6.0 §4.2.6.4",
			criteria: "every advertised speed trains when targeted",
			run:      testSpeedNegotiation,
		},
		{
			id:       "T1.2",
			name:     "LTSSM validation",
			specRef:  "PCIe Base 6.0 §4.2.5",
			criteria: "link retrains and settles in L0",
			run:      testLTSSM,
		},
		{
			id:       "T1.3",
			name:     "Equalization phase verification",
			specRef:  "PCIe Base 6.0 §4.2.3",
			criteria: "equalization complete with phases 1-3 successful (Gen3+)",
			run:      testEqualization,
		},
		{
			id:       "T1.4",
			name:     "Recovery baseline",
			specRef:  "PCIe Base 6.0 §4.2.6.5",
			criteria: "no recovery entries while idle",
			run:      testRecoveryBaseline,
		},
	},
}

func testSpeedNegotiation(ctx context.Context, x *env, p PortConfig) outcome {
	vec, err := x.supportedSpeeds(p.Number)
	if err != nil {
		return errored(err, "reading supported speeds")
	}
	speeds := vec.Speeds()
	if len(speeds) == 0 {
		return skipped("no supported speeds advertised")
	}
	origCtl, err := x.read(p.Number, device.RegLinkControl2)
	if err != nil {
		return errored(err, "reading link control 2")
	}

	achieved := make(map[string]string)
	var missed []string
	for _, s := range speeds {
		status, err := x.retrainAt(ctx, p.Number, s)
		if err != nil {
			if rerr := x.restoreSpeed(ctx, p.Number, origCtl); rerr != nil {
				x.log.WithError(rerr).Warn("speed restore failed")
			}
			return errored(err, fmt.Sprintf("training at %s", s))
		}
		achieved[s.String()] = status.Speed.String()
		if !status.Up() || status.Speed != s {
			missed = append(missed, s.String())
		}
	}
	if err := x.restoreSpeed(ctx, p.Number, origCtl); err != nil {
		return errored(err, "restoring original speed")
	}

	var out outcome
	if len(missed) > 0 {
		out = failed("speeds not achieved: %s", strings.Join(missed, ", "))
	} else {
		out = passed("all %d advertised speeds trained", len(speeds))
	}
	return out.with("achieved", achieved).with("highest", vec.Highest().String())
}

func testLTSSM(ctx context.Context, x *env, p PortConfig) outcome {
	trace, err := x.tracer.Run(ctx, p.Number, x.traceTimeout)
	if err != nil {
		return errored(err, "retrain trace")
	}

	path := make([]string, len(trace.Transitions))
	for i, t := range trace.Transitions {
		path[i] = t.State.Name()
	}

	var out outcome
	switch {
	case trace.Settled:
		out = passed("settled in L0 at %s after %d transitions", trace.FinalSpeed, len(trace.Transitions))
	case trace.Final.Category == ltssm.CategoryL0:
		out = warned("reached L0 but did not stay there within %s", x.traceTimeout)
	default:
		out = failed("did not reach L0; final state %s", trace.Final)
	}
	return out.
		with("transitions", path).
		with("duration_ms", trace.DurationMs).
		with("final_state", trace.Final.Name())
}

func testEqualization(ctx context.Context, x *env, p PortConfig) outcome {
	status, err := x.linkStatus(p.Number)
	if err != nil {
		return errored(err, "reading link status")
	}
	if status.Speed < device.Gen3 {
		return skipped("equalization applies to Gen3 and above (link at %s)", status.Speed)
	}
	v, err := x.read(p.Number, device.RegLinkStatus2)
	if err != nil {
		return errored(err, "reading link status 2")
	}
	eq := device.DecodeEQStatus(v)

	var out outcome
	switch {
	case !eq.Complete:
		out = failed("equalization not complete")
	case !eq.AllPhases():
		out = warned("equalization complete with failed phase(s)")
	default:
		out = passed("equalization complete, phases 1-3 successful")
	}
	return out.
		with("complete", eq.Complete).
		with("phase1", eq.Phase1).
		with("phase2", eq.Phase2).
		with("phase3", eq.Phase3)
}

func testRecoveryBaseline(ctx context.Context, x *env, p PortConfig) outcome {
	if err := x.tracer.ClearRecoveryCount(p.Number); err != nil {
		if errors.Is(err, device.ErrNotImplemented) {
			return skipped("recovery counter not available")
		}
		return errored(err, "clearing recovery count")
	}
	if err := x.sleep(ctx, x.cfg.idleWait()); err != nil {
		return errored(err, "idle wait")
	}
	count, err := x.read(p.Number, device.RegRecoveryCount)
	if err != nil {
		return errored(err, "reading recovery count")
	}

	out := passed("no recoveries in %gs idle", x.cfg.IdleWait)
	if count > 0 {
		out = failed("%d recoveries in %gs idle", count, x.cfg.IdleWait)
	}
	return out.with("recoveries", count)
}

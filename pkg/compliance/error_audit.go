package compliance

import (
	"context"
	"errors"

	"github.com/OpenTraceLab/OpenTracePCIe/pkg/device"
)

var errorAuditSuite = suiteDef{
	id: SuiteErrorAudit,
	tests: []testDef{
		{
			id:       "T2.1",
			name:     "AER status",
			specRef:  "PCIe Base 6.0 §7.8.4",
			criteria: "no uncorrectable or correctable status bits set",
			run:      testAERStatus,
		},
		{
			id:       "T2.2",
			name:     "Error reporting enables",
			specRef:  "PCIe Base 6.0 §7.5.3.4",
			criteria: "correctable, non-fatal and fatal reporting enabled",
			run:      testReportingEnables,
		},
		{
			id:       "T2.3",
			name:     "Error-free operation",
			specRef:  "PCIe Base 6.0 §6.2",
			criteria: "no new AER status after clearing and idling",
			run:      testErrorFreeOperation,
		},
	},
}

type aerStatus struct {
	uncorrectable uint32
	correctable   uint32
}

// readAER returns the AER status registers. ok is false when the port has
// no AER capability.
func (x *env) readAER(port int) (st aerStatus, ok bool, err error) {
	if st.uncorrectable, err = x.read(port, device.RegAERUncorrectableStatus); err != nil {
		if errors.Is(err, device.ErrNotImplemented) {
			return st, false, nil
		}
		return st, false, err
	}
	if st.correctable, err = x.read(port, device.RegAERCorrectableStatus); err != nil {
		if errors.Is(err, device.ErrNotImplemented) {
			return st, false, nil
		}
		return st, false, err
	}
	return st, true, nil
}

func (st aerStatus) verdict(clean, correctable, uncorrectable string) outcome {
	var out outcome
	switch {
	case st.uncorrectable != 0:
		out = failed("%s (0x%08X)", uncorrectable, st.uncorrectable)
	case st.correctable != 0:
		out = warned("%s (0x%08X)", correctable, st.correctable)
	default:
		out = passed("%s", clean)
	}
	return out.
		with("uncorrectable", st.uncorrectable).
		with("correctable", st.correctable)
}

func testAERStatus(ctx context.Context, x *env, p PortConfig) outcome {
	st, ok, err := x.readAER(p.Number)
	if err != nil {
		return errored(err, "reading AER status")
	}
	if !ok {
		return skipped("AER capability not present")
	}
	return st.verdict("AER status clean", "correctable errors logged", "uncorrectable errors logged")
}

func testReportingEnables(ctx context.Context, x *env, p PortConfig) outcome {
	v, err := x.read(p.Number, device.RegDeviceControl)
	if err != nil {
		return errored(err, "reading device control")
	}
	dc := device.DecodeDeviceControl(v)

	out := passed("error reporting enabled")
	if !dc.CorrectableReporting || !dc.NonFatalReporting || !dc.FatalReporting {
		out = warned("error reporting partially disabled")
	}
	return out.
		with("cere", dc.CorrectableReporting).
		with("nfere", dc.NonFatalReporting).
		with("fere", dc.FatalReporting).
		with("urre", dc.UnsupportedReporting)
}

func testErrorFreeOperation(ctx context.Context, x *env, p PortConfig) outcome {
	for _, id := range []device.RegisterID{device.RegAERUncorrectableStatus, device.RegAERCorrectableStatus} {
		// Status bits are write-one-to-clear.
		err := x.dev.WriteRegister(p.Number, device.Reg(id), 0xFFFFFFFF)
		if errors.Is(err, device.ErrNotImplemented) {
			return skipped("AER capability not present")
		}
		if err != nil {
			return errored(err, "clearing AER status")
		}
	}
	if err := x.sleep(ctx, x.cfg.idleWait()); err != nil {
		return errored(err, "idle wait")
	}
	st, ok, err := x.readAER(p.Number)
	if err != nil {
		return errored(err, "reading AER status")
	}
	if !ok {
		return skipped("AER capability not present")
	}
	return st.verdict("no new errors while idle", "new correctable errors while idle", "new uncorrectable errors while idle").
		with("idle_s", x.cfg.IdleWait)
}

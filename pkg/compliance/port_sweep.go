package compliance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/OpenTraceLab/OpenTracePCIe/pkg/device"
)

var portSweepSuite = suiteDef{
	id:     SuitePortSweep,
	perRun: true,
	tests: []testDef{
		{
			id:       "T6.1",
			name:     "Port link status",
			specRef:  "PCIe Base 6.0 §7.5.3.8",
			criteria: "at least one configured port has its link up",
			run:      testPortLinks,
		},
		{
			id:       "T6.2",
			name:     "Port error sweep",
			specRef:  "PCIe Base 6.0 §7.8.4",
			criteria: "no uncorrectable errors on any port",
			run:      testPortErrors,
		},
		{
			id:       "T6.3",
			name:     "Port recovery count",
			specRef:  "PCIe Base 6.0 §4.2.6.5",
			criteria: "no recoveries on any port with its link up",
			run:      testPortRecoveries,
		},
	},
}

func portKey(n int) string { return fmt.Sprintf("port%d", n) }

func testPortLinks(ctx context.Context, x *env, _ PortConfig) outcome {
	links := make(map[string]string)
	up := 0
	for _, p := range x.cfg.Ports {
		status, err := x.linkStatus(p.Number)
		if err != nil {
			return errored(err, fmt.Sprintf("port %d", p.Number))
		}
		if status.Up() {
			up++
			links[portKey(p.Number)] = fmt.Sprintf("%s x%d", status.Speed, status.Width)
		} else {
			links[portKey(p.Number)] = "down"
		}
	}

	out := passed("%d of %d ports up", up, len(x.cfg.Ports))
	if up == 0 {
		out = warned("no configured port has its link up")
	}
	return out.with("links", links)
}

func testPortErrors(ctx context.Context, x *env, _ PortConfig) outcome {
	var uncorrectable, correctable []string
	checked := 0
	for _, p := range x.cfg.Ports {
		st, ok, err := x.readAER(p.Number)
		if err != nil {
			return errored(err, fmt.Sprintf("port %d", p.Number))
		}
		if !ok {
			continue
		}
		checked++
		if st.uncorrectable != 0 {
			uncorrectable = append(uncorrectable, fmt.Sprintf("port %d (0x%08X)", p.Number, st.uncorrectable))
		}
		if st.correctable != 0 {
			correctable = append(correctable, fmt.Sprintf("port %d (0x%08X)", p.Number, st.correctable))
		}
	}

	var out outcome
	switch {
	case checked == 0:
		return skipped("no port has an AER capability")
	case len(uncorrectable) > 0:
		out = failed("uncorrectable errors: %s", strings.Join(uncorrectable, ", "))
	case len(correctable) > 0:
		out = warned("correctable errors: %s", strings.Join(correctable, ", "))
	default:
		out = passed("%d ports clean", checked)
	}
	return out.with("ports_checked", checked)
}

func testPortRecoveries(ctx context.Context, x *env, _ PortConfig) outcome {
	counts := make(map[string]uint32)
	var noisy []string
	for _, p := range x.cfg.Ports {
		status, err := x.linkStatus(p.Number)
		if err != nil {
			return errored(err, fmt.Sprintf("port %d", p.Number))
		}
		if !status.Up() {
			continue
		}
		n, err := x.read(p.Number, device.RegRecoveryCount)
		if errors.Is(err, device.ErrNotImplemented) {
			continue
		}
		if err != nil {
			return errored(err, fmt.Sprintf("port %d", p.Number))
		}
		counts[portKey(p.Number)] = n
		if n > 0 {
			noisy = append(noisy, fmt.Sprintf("port %d: %d", p.Number, n))
		}
	}

	if len(counts) == 0 {
		return skipped("no up port reports a recovery count")
	}
	out := passed("no recoveries on %d up ports", len(counts))
	if len(noisy) > 0 {
		out = warned("recoveries recorded: %s", strings.Join(noisy, ", "))
	}
	return out.with("recoveries", counts)
}

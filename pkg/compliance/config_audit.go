package compliance

import (
	"context"
	"fmt"
	"strings"

	"github.com/OpenTraceLab/OpenTracePCIe/pkg/device"
)

var configAuditSuite = suiteDef{
	id: SuiteConfigAudit,
	tests: []testDef{
		{
			id:       "T3.1",
			name:     "Capability list integrity",
			specRef:  "PCIe Base 6.0 §7.5.1, §7.6",
			criteria: "standard and extended lists terminate without loops or bad pointers",
			run:      testCapabilityList,
		},
		{
			id:       "T3.2",
			name:     "MPS/MRRS validation",
			specRef:  "PCIe Base 6.0 §7.5.3.4",
			criteria: "MPS and MRRS in 128..4096, MPS within the supported maximum",
			run:      testPayloadSizes,
		},
		{
			id:       "T3.3",
			name:     "Link capability consistency",
			specRef:  "PCIe Base 6.0 §7.5.3.6",
			criteria: "negotiated speed and width within advertised maximums",
			run:      testLinkCapabilities,
		},
		{
			id:       "T3.4",
			name:     "Speed vector contiguity",
			specRef:  "PCIe Base 6.0 §7.5.3.18",
			criteria: "supported speeds contiguous from Gen1",
			run:      testSpeedVector,
		},
	},
}

// Walk limits: a 192-byte standard area holds at most 48 dword headers and
// the 3840-byte extended area at most 960; 480 is the practical bound for
// 8-byte extended headers.
const (
	maxStdCapabilities = 48
	maxExtCapabilities = 480
)

var capabilityNames = map[uint16]string{
	device.CapIDPowerManagement: "PM",
	device.CapIDMSI:             "MSI",
	device.CapIDPCIExpress:      "PCIe",
	device.CapIDMSIX:            "MSI-X",
}

var extCapabilityNames = map[uint16]string{
	device.ExtCapIDAER:            "AER",
	device.ExtCapIDSecondaryPCIe:  "SecondaryPCIe",
	device.ExtCapIDPhysicalLayer:  "PhysicalLayer16",
	device.ExtCapIDLaneMargining:  "LaneMargining",
	device.ExtCapIDPhysicalLayer2: "PhysicalLayer32",
}

func capabilityName(c device.Capability) string {
	names := capabilityNames
	if c.Extended {
		names = extCapabilityNames
	}
	if n, ok := names[c.ID]; ok {
		return n
	}
	return fmt.Sprintf("0x%02X", c.ID)
}

// CapabilityWalk is the result of walking a port's capability lists.
type CapabilityWalk struct {
	Capabilities []device.Capability
	Issues       []string
}

// WalkCapabilities follows the standard list from the capability pointer
// and the extended list from 0x100, collecting structural problems rather
// than stopping at the first one.
func WalkCapabilities(dev device.Device, port int) (CapabilityWalk, error) {
	var w CapabilityWalk
	read := func(off int) (uint32, error) {
		v, err := dev.ReadRegister(port, device.ConfigReg(off))
		if err != nil {
			return 0, fmt.Errorf("reading config 0x%03X: %w", off, err)
		}
		return v, nil
	}

	ptrReg, err := read(device.CapabilityPointerOffset)
	if err != nil {
		return w, err
	}
	ptr := int(ptrReg & 0xFF)
	seen := make(map[int]bool)
	for count := 0; ptr != 0; count++ {
		if count >= maxStdCapabilities {
			w.Issues = append(w.Issues, fmt.Sprintf("standard list exceeds %d entries", maxStdCapabilities))
			break
		}
		if ptr&0x3 != 0 {
			w.Issues = append(w.Issues, fmt.Sprintf("standard pointer 0x%02X misaligned", ptr))
			break
		}
		if ptr < device.StdCapabilityStart || ptr >= device.StdCapabilityEnd {
			w.Issues = append(w.Issues, fmt.Sprintf("standard pointer 0x%02X out of range", ptr))
			break
		}
		if seen[ptr] {
			w.Issues = append(w.Issues, fmt.Sprintf("standard list loops back to 0x%02X", ptr))
			break
		}
		seen[ptr] = true

		hdr, err := read(ptr)
		if err != nil {
			return w, err
		}
		w.Capabilities = append(w.Capabilities, device.Capability{ID: uint16(hdr & 0xFF), Offset: ptr})
		ptr = int(hdr>>8) & 0xFF
	}

	ptr = device.ExtCapabilityStart
	clear(seen)
	for count := 0; ptr != 0; count++ {
		if count >= maxExtCapabilities {
			w.Issues = append(w.Issues, fmt.Sprintf("extended list exceeds %d entries", maxExtCapabilities))
			break
		}
		if ptr&0x3 != 0 {
			w.Issues = append(w.Issues, fmt.Sprintf("extended pointer 0x%03X misaligned", ptr))
			break
		}
		if ptr < device.ExtCapabilityStart || ptr >= device.ExtCapabilityEnd {
			w.Issues = append(w.Issues, fmt.Sprintf("extended pointer 0x%03X out of range", ptr))
			break
		}
		if seen[ptr] {
			w.Issues = append(w.Issues, fmt.Sprintf("extended list loops back to 0x%03X", ptr))
			break
		}
		seen[ptr] = true

		hdr, err := read(ptr)
		if err != nil {
			return w, err
		}
		// An empty or all-ones header at 0x100 means no extended capabilities.
		if hdr == 0 || hdr == 0xFFFFFFFF {
			break
		}
		w.Capabilities = append(w.Capabilities, device.Capability{ID: uint16(hdr & 0xFFFF), Offset: ptr, Extended: true})
		ptr = int(hdr >> 20)
	}
	return w, nil
}

// Has reports whether the walk found capability id.
func (w CapabilityWalk) Has(id uint16, extended bool) bool {
	for _, c := range w.Capabilities {
		if c.ID == id && c.Extended == extended {
			return true
		}
	}
	return false
}

func testCapabilityList(ctx context.Context, x *env, p PortConfig) outcome {
	w, err := WalkCapabilities(x.dev, p.Number)
	if err != nil {
		return errored(err, "walking capabilities")
	}
	if !w.Has(device.CapIDPCIExpress, false) {
		w.Issues = append(w.Issues, "PCI Express capability missing")
	}

	names := make([]string, len(w.Capabilities))
	for i, c := range w.Capabilities {
		names[i] = fmt.Sprintf("%s@0x%03X", capabilityName(c), c.Offset)
	}

	out := passed("%d capabilities, lists intact", len(w.Capabilities))
	if len(w.Issues) > 0 {
		out = failed("%s", strings.Join(w.Issues, "; "))
	}
	return out.with("capabilities", names)
}

var validPayloadSizes = map[int]bool{128: true, 256: true, 512: true, 1024: true, 2048: true, 4096: true}

func testPayloadSizes(ctx context.Context, x *env, p PortConfig) outcome {
	ctl, err := x.read(p.Number, device.RegDeviceControl)
	if err != nil {
		return errored(err, "reading device control")
	}
	capReg, err := x.read(p.Number, device.RegDeviceCapabilities)
	if err != nil {
		return errored(err, "reading device capabilities")
	}
	dc := device.DecodeDeviceControl(ctl)
	supported := device.DecodeDeviceCapabilities(capReg).MaxPayloadSupported

	var problems []string
	if !validPayloadSizes[dc.MaxPayload] {
		problems = append(problems, fmt.Sprintf("MPS %d invalid", dc.MaxPayload))
	}
	if !validPayloadSizes[dc.MaxReadRequest] {
		problems = append(problems, fmt.Sprintf("MRRS %d invalid", dc.MaxReadRequest))
	}
	if dc.MaxPayload > supported {
		problems = append(problems, fmt.Sprintf("MPS %d exceeds supported %d", dc.MaxPayload, supported))
	}

	out := passed("MPS %d, MRRS %d", dc.MaxPayload, dc.MaxReadRequest)
	if len(problems) > 0 {
		out = failed("%s", strings.Join(problems, "; "))
	}
	return out.
		with("mps", dc.MaxPayload).
		with("mrrs", dc.MaxReadRequest).
		with("mps_supported", supported)
}

func testLinkCapabilities(ctx context.Context, x *env, p PortConfig) outcome {
	status, err := x.linkStatus(p.Number)
	if err != nil {
		return errored(err, "reading link status")
	}
	capReg, err := x.read(p.Number, device.RegLinkCapabilities)
	if err != nil {
		return errored(err, "reading link capabilities")
	}
	lc := device.DecodeLinkCapabilities(capReg)

	var problems []string
	if status.Speed > lc.MaxSpeed {
		problems = append(problems, fmt.Sprintf("speed %s above max %s", status.Speed, lc.MaxSpeed))
	}
	if status.Width > lc.MaxWidth {
		problems = append(problems, fmt.Sprintf("width x%d above max x%d", status.Width, lc.MaxWidth))
	}

	out := passed("%s x%d within %s x%d", status.Speed, status.Width, lc.MaxSpeed, lc.MaxWidth)
	if len(problems) > 0 {
		out = failed("%s", strings.Join(problems, "; "))
	}
	return out.
		with("speed", status.Speed.String()).
		with("width", status.Width).
		with("max_speed", lc.MaxSpeed.String()).
		with("max_width", lc.MaxWidth)
}

func testSpeedVector(ctx context.Context, x *env, p PortConfig) outcome {
	vec, err := x.supportedSpeeds(p.Number)
	if err != nil {
		return errored(err, "reading supported speeds")
	}
	highest := vec.Highest()
	if highest == device.SpeedUnknown {
		return failed("supported speeds vector empty")
	}

	var gaps []string
	for s := device.Gen1; s < highest; s++ {
		if !vec.Has(s) {
			gaps = append(gaps, s.String())
		}
	}

	out := passed("Gen1 through %s supported", highest)
	if len(gaps) > 0 {
		out = warned("gaps in supported speeds: %s", strings.Join(gaps, ", "))
	}
	return out.with("vector", fmt.Sprintf("0x%02X", uint8(vec)))
}

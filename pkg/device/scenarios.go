package device

import (
	"fmt"
	"sort"
)

// PortSpec describes a simulated port in terms of its trained link.
type PortSpec struct {
	Speed     Speed
	Width     int
	MaxSpeed  Speed
	MaxWidth  int
	Supported SpeedVector
	Caps      MarginCapabilities
	Eye       SimEye
}

// DefaultMarginCaps are the lane margining limits used by the predefined
// scenarios: 16 timing steps to 0.5 UI and 32 voltage steps to 500 mV.
var DefaultMarginCaps = MarginCapabilities{
	TimingSteps:          16,
	VoltageSteps:         32,
	MaxTimingOffset:      50,
	MaxVoltageOffset:     50,
	SampleCount:          64,
	IndependentUpDown:    true,
	IndependentLeftRight: true,
}

// DefaultEye is a comfortably open NRZ eye for DefaultMarginCaps.
var DefaultEye = SimEye{Left: 6, Right: 7, Up: 10, Down: 9}

// ScenarioBuilder helps construct simulated switches for tests and dry runs.
type ScenarioBuilder struct {
	info  Info
	ports map[int]*SimPort
}

// NewScenarioBuilder creates a builder for a switch described by info.
func NewScenarioBuilder(info Info) *ScenarioBuilder {
	return &ScenarioBuilder{info: info, ports: make(map[int]*SimPort)}
}

// AddPort adds a healthy, trained port: link up at spec.Speed, equalization
// complete, error reporting enabled, clean AER status and a standard
// capability layout. Every lane gets spec.Caps and spec.Eye; PAM4 speeds get
// the eye on all three receivers.
func (sb *ScenarioBuilder) AddPort(number int, spec PortSpec) *SimPort {
	if spec.MaxSpeed == SpeedUnknown {
		spec.MaxSpeed = spec.Speed
	}
	if spec.MaxWidth == 0 {
		spec.MaxWidth = spec.Width
	}
	if spec.Supported == 0 {
		for s := Gen1; s <= spec.MaxSpeed; s++ {
			spec.Supported |= NewSpeedVector(s)
		}
	}

	p := &SimPort{
		Supported: spec.Supported,
		Registers: map[Register]uint32{
			Reg(RegLinkStatus):         LinkStatus{Speed: spec.Speed, Width: spec.Width, DLLActive: spec.Width > 0}.Encode(),
			Reg(RegLinkCapabilities):   LinkCapabilities{MaxSpeed: spec.MaxSpeed, MaxWidth: spec.MaxWidth}.Encode(),
			Reg(RegLinkCapabilities2):  uint32(spec.Supported),
			Reg(RegLinkControl2):       uint32(spec.Speed),
			Reg(RegLinkStatus2):        EQStatus{Complete: true, Phase1: true, Phase2: true, Phase3: true}.Encode(),
			Reg(RegDeviceCapabilities): DeviceCapabilities{MaxPayloadSupported: 512}.Encode(),
			Reg(RegDeviceControl): DeviceControl{
				CorrectableReporting: true,
				NonFatalReporting:    true,
				FatalReporting:       true,
				MaxPayload:           256,
				MaxReadRequest:       512,
			}.Encode(),
		},
		Config: BuildConfigSpace(
			[]Capability{
				{ID: CapIDPowerManagement, Offset: 0x40},
				{ID: CapIDMSI, Offset: 0x50},
				{ID: CapIDPCIExpress, Offset: 0x70},
			},
			[]Capability{
				{ID: ExtCapIDAER, Offset: 0x100, Extended: true},
				{ID: ExtCapIDSecondaryPCIe, Offset: 0x148, Extended: true},
				{ID: ExtCapIDPhysicalLayer, Offset: 0x178, Extended: true},
				{ID: ExtCapIDLaneMargining, Offset: 0x1A0, Extended: true},
			},
		),
	}

	for i := 0; i < spec.Width; i++ {
		lane := SimLane{Caps: spec.Caps, Eyes: map[Receiver]SimEye{}}
		if spec.Speed.PAM4() {
			for _, rcv := range PAM4Receivers {
				lane.Eyes[rcv] = spec.Eye
			}
		} else {
			lane.Eyes[ReceiverBroadcast] = spec.Eye
		}
		p.Lanes = append(p.Lanes, lane)
	}

	sb.ports[number] = p
	return p
}

// Port returns a port added earlier so callers can degrade it.
func (sb *ScenarioBuilder) Port(number int) *SimPort {
	return sb.ports[number]
}

// Build creates the SimDevice.
func (sb *ScenarioBuilder) Build() *SimDevice {
	sim := NewSimDevice(sb.info)
	sim.InfoData.Ports = len(sb.ports)
	numbers := make([]int, 0, len(sb.ports))
	for n := range sb.ports {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	for _, n := range numbers {
		sim.AddPort(n, sb.ports[n])
	}
	return sim
}

func simInfo(description string) Info {
	return Info{
		Name:        "Simulated PCIe switch",
		VendorID:    0x1000,
		DeviceID:    0xC040,
		Revision:    0xB0,
		Description: description,
	}
}

// Predefined scenarios for common testing needs

// BuildHealthyGen5x4 creates a switch with one clean Gen5 x4 port (port 0).
func BuildHealthyGen5x4() *SimDevice {
	sb := NewScenarioBuilder(simInfo("healthy Gen5 x4"))
	sb.AddPort(0, PortSpec{Speed: Gen5, Width: 4, Caps: DefaultMarginCaps, Eye: DefaultEye})
	return sb.Build()
}

// BuildDegradedLaneGen5x4 creates a Gen5 x4 port whose lane 2 has a narrow
// eye and whose AER correctable status keeps re-latching a receiver error.
func BuildDegradedLaneGen5x4() *SimDevice {
	sb := NewScenarioBuilder(simInfo("Gen5 x4 with degraded lane 2"))
	p := sb.AddPort(0, PortSpec{Speed: Gen5, Width: 4, Caps: DefaultMarginCaps, Eye: DefaultEye})
	p.Lanes[2].Eyes[ReceiverBroadcast] = SimEye{Left: 2, Right: 3, Up: 4, Down: 4}
	p.Lanes[2].PRBSErrors = 5_000_000
	p.Registers[Reg(RegAERCorrectableStatus)] = 1 << 0
	p.RecurringCorrectable = 1 << 0
	return sb.Build()
}

// BuildPAM4Gen6x2 creates a Gen6 x2 port; lane 1's lower eye (receiver C)
// is noticeably taller than the other two.
func BuildPAM4Gen6x2() *SimDevice {
	sb := NewScenarioBuilder(simInfo("Gen6 x2 PAM4"))
	eye := SimEye{Left: 4, Right: 4, Up: 3, Down: 3}
	p := sb.AddPort(0, PortSpec{Speed: Gen6, Width: 2, Caps: DefaultMarginCaps, Eye: eye})
	p.Lanes[1].Eyes[ReceiverC] = SimEye{Left: 4, Right: 4, Up: 5, Down: 5}
	return sb.Build()
}

// BuildNoMarginingGen4 creates a Gen4 x2 port whose receivers report zero
// margining steps.
func BuildNoMarginingGen4() *SimDevice {
	sb := NewScenarioBuilder(simInfo("Gen4 x2 without lane margining"))
	sb.AddPort(0, PortSpec{Speed: Gen4, Width: 2, Caps: MarginCapabilities{}, Eye: DefaultEye})
	return sb.Build()
}

var scenarios = map[string]func() *SimDevice{
	"healthy-gen5x4":  BuildHealthyGen5x4,
	"degraded-gen5x4": BuildDegradedLaneGen5x4,
	"pam4-gen6x2":     BuildPAM4Gen6x2,
	"no-margin-gen4":  BuildNoMarginingGen4,
}

// ScenarioNames lists the predefined scenarios in sorted order.
func ScenarioNames() []string {
	names := make([]string, 0, len(scenarios))
	for name := range scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Scenario builds a predefined scenario by name.
func Scenario(name string) (*SimDevice, error) {
	build, ok := scenarios[name]
	if !ok {
		return nil, fmt.Errorf("device: unknown scenario %q (have %v)", name, ScenarioNames())
	}
	return build(), nil
}

package device

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Info describes the switch behind a Device implementation.
type Info struct {
	Name        string
	VendorID    uint16
	DeviceID    uint16
	Revision    uint8
	Description string
	Ports       int
	Notes       string
}

// Device abstracts register and PHY telemetry access to one PCIe switch.
//
// Every call is synchronous and may block for the duration of the hardware
// operation. Implementations do not retry; callers decide what a failure
// means. Callers guarantee exclusive access for the duration of a call.
type Device interface {
	Info() (Info, error)

	// ReadState returns the raw 12-bit LTSSM code for a port.
	ReadState(port int) (uint16, error)
	// PulseLink disables the port's link for d and re-enables it, forcing
	// the link to retrain.
	PulseLink(port int, d time.Duration) error

	ProbeMarginCapabilities(port, lane int) (MarginCapabilities, error)
	ProbeReceiverResponsive(port, lane int, rcv Receiver) (bool, error)
	MeasureMarginPoint(port, lane int, req MarginRequest) (MarginSample, error)

	ReadRegister(port int, reg Register) (uint32, error)
	WriteRegister(port int, reg Register, value uint32) error
}

var (
	// ErrNotImplemented lets backends report a missing capability (for
	// example no AER extended capability) without a custom error each time.
	ErrNotImplemented = errors.New("device: not implemented")

	// ErrUnreachable means the device could not be reached at all, as
	// opposed to one operation failing.
	ErrUnreachable = errors.New("device: unreachable")

	// ErrNoSuchPort is returned for port numbers the switch does not have.
	ErrNoSuchPort = errors.New("device: no such port")
)

// PortLister is implemented by backends that know their port numbers
// without asking the hardware.
type PortLister interface {
	PortNumbers() []int
}

// HasPort reports whether dev has the given port. Backends that are not a
// PortLister are assumed to number their ports 0 through Info().Ports-1.
func HasPort(dev Device, port int) (bool, error) {
	if pl, ok := dev.(PortLister); ok {
		return slices.Contains(pl.PortNumbers(), port), nil
	}
	info, err := dev.Info()
	if err != nil {
		return false, err
	}
	return port >= 0 && port < info.Ports, nil
}

// Receiver addresses a margining receiver on a lane.
type Receiver uint8

const (
	ReceiverBroadcast Receiver = 0
	// PAM4 eyes: A is the upper eye, B the middle and C the lower.
	ReceiverA             Receiver = 1
	ReceiverB             Receiver = 2
	ReceiverC             Receiver = 3
	ReceiverPAM4Broadcast Receiver = 7
)

var receiverNames = map[Receiver]string{
	ReceiverBroadcast:     "broadcast",
	ReceiverA:             "A",
	ReceiverB:             "B",
	ReceiverC:             "C",
	ReceiverPAM4Broadcast: "pam4-broadcast",
}

func (r Receiver) String() string {
	if name, ok := receiverNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Receiver(%d)", r)
}

func (r Receiver) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// PAM4Receivers lists the three stacked eyes in sweep order.
var PAM4Receivers = []Receiver{ReceiverA, ReceiverB, ReceiverC}

// MarginCapabilities are the lane margining step limits a receiver reports.
type MarginCapabilities struct {
	TimingSteps int `json:"timing_steps" yaml:"timing_steps"`
	// VoltageSteps is zero when the receiver cannot margin voltage.
	VoltageSteps int `json:"voltage_steps" yaml:"voltage_steps"`
	// MaxTimingOffset is the offset at TimingSteps in percent of a UI.
	MaxTimingOffset int `json:"max_timing_offset" yaml:"max_timing_offset"`
	// MaxVoltageOffset is the offset at VoltageSteps in units of 10 mV.
	MaxVoltageOffset     int  `json:"max_voltage_offset" yaml:"max_voltage_offset"`
	SampleCount          int  `json:"sample_count" yaml:"sample_count"`
	IndependentUpDown    bool `json:"independent_up_down" yaml:"independent_up_down"`
	IndependentLeftRight bool `json:"independent_left_right" yaml:"independent_left_right"`
}

// MarginRequest is a single margin point measurement. Negative offsets are
// left (timing) and down (voltage).
type MarginRequest struct {
	Receiver Receiver
	Timing   int
	Voltage  int
	Samples  int
	Timeout  time.Duration
}

// MarginSample is the outcome of one margin point.
type MarginSample struct {
	ErrorCount int
	TimedOut   bool
}

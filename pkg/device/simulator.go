package device

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// Operation names reported to SimDevice.OnCall and counted by Calls.
const (
	OpInfo            = "info"
	OpReadState       = "read-state"
	OpPulseLink       = "pulse-link"
	OpProbeMargin     = "probe-margin"
	OpProbeReceiver   = "probe-receiver"
	OpMeasureMargin   = "measure-margin"
	OpReadRegister    = "read-register"
	OpWriteRegister   = "write-register"
	defaultErrorSlope = 8
)

// CallHook lets tests inject failures for any simulator operation.
type CallHook func(op string, port int) error

// MeasureHook replaces the simulator's eye model for margin points.
type MeasureHook func(port, lane int, req MarginRequest) (MarginSample, error)

// SimEye models one receiver's eye as a passing rectangle in step space.
// Points outside the rectangle accumulate ErrorSlope errors per step of
// overshoot on top of NoiseFloor.
type SimEye struct {
	Left       int `yaml:"left"`
	Right      int `yaml:"right"`
	Up         int `yaml:"up"`
	Down       int `yaml:"down"`
	NoiseFloor int `yaml:"noise_floor"`
	ErrorSlope int `yaml:"error_slope"`
}

// SimLane is the simulated PHY state of one lane.
type SimLane struct {
	Caps         MarginCapabilities
	Eyes         map[Receiver]SimEye
	Unresponsive map[Receiver]bool
	PRBSErrors   uint32
	PRBSUnsynced bool
}

// SimPort is the simulated state of one switch port.
type SimPort struct {
	// Script is consumed by ReadState, one code per call.
	Script []uint16
	// RetrainScript is queued behind Script every time the link is pulsed.
	RetrainScript []uint16

	Registers map[Register]uint32
	Config    map[int]uint32
	Lanes     []SimLane

	Supported  SpeedVector
	FailSpeeds map[Speed]bool
	NoAER      bool

	// Recurring values are re-latched after a clear, modelling errors and
	// recoveries that keep happening while the link idles.
	RecurringRecoveries    uint32
	RecurringCorrectable   uint32
	RecurringUncorrectable uint32

	queue   []uint16
	last    uint16
	started bool
}

// SimDevice is an in-memory Device useful for tests and dry runs. It is safe
// for concurrent use.
type SimDevice struct {
	InfoData Info
	Ports    map[int]*SimPort

	OnCall    CallHook
	OnMeasure MeasureHook

	mu    sync.Mutex
	calls map[string]int
}

// NewSimDevice constructs a simulator with no ports.
func NewSimDevice(info Info) *SimDevice {
	return &SimDevice{
		InfoData: info,
		Ports:    make(map[int]*SimPort),
		calls:    make(map[string]int),
	}
}

// AddPort registers a port and returns it for further setup.
func (s *SimDevice) AddPort(number int, p *SimPort) *SimPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Registers == nil {
		p.Registers = make(map[Register]uint32)
	}
	if p.Config == nil {
		p.Config = make(map[int]uint32)
	}
	s.Ports[number] = p
	return p
}

// Calls reports how many times op has been invoked.
func (s *SimDevice) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// PortNumbers lists the simulated ports in ascending order.
func (s *SimDevice) PortNumbers() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.Ports))
}

// enter records the call and runs the hook. The caller holds s.mu.
func (s *SimDevice) enter(op string, port int) (*SimPort, error) {
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[op]++
	if s.OnCall != nil {
		if err := s.OnCall(op, port); err != nil {
			return nil, err
		}
	}
	if op == OpInfo {
		return nil, nil
	}
	p, ok := s.Ports[port]
	if !ok {
		return nil, fmt.Errorf("sim: port %d: %w", port, ErrNoSuchPort)
	}
	return p, nil
}

func (s *SimDevice) Info() (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.enter(OpInfo, -1); err != nil {
		return Info{}, err
	}
	return s.InfoData, nil
}

func (s *SimDevice) ReadState(port int) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.enter(OpReadState, port)
	if err != nil {
		return 0, err
	}
	p.start()
	if len(p.queue) > 0 {
		p.last = p.queue[0]
		p.queue = p.queue[1:]
	}
	return p.last, nil
}

func (s *SimDevice) PulseLink(port int, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.enter(OpPulseLink, port)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("sim: invalid pulse width %s", d)
	}
	p.start()
	p.queue = append(p.queue, p.RetrainScript...)
	p.retrain()
	return nil
}

// start loads the state script on first use. A port whose link is up idles
// in L0 once its script runs out.
func (p *SimPort) start() {
	if p.started {
		return
	}
	p.started = true
	p.queue = append(p.queue, p.Script...)
	if DecodeLinkStatus(p.Registers[Reg(RegLinkStatus)]).Up() {
		p.last = 0x300
	}
}

// retrain settles the link at the target speed, falling back to the fastest
// supported speed below it when the target is unsupported or marked failing.
func (p *SimPort) retrain() {
	status := DecodeLinkStatus(p.Registers[Reg(RegLinkStatus)])
	target := Speed(p.Registers[Reg(RegLinkControl2)] & linkSpeedMask)
	if target == SpeedUnknown {
		target = p.Supported.Highest()
	}
	achieved := SpeedUnknown
	for s := target; s >= Gen1; s-- {
		if p.Supported.Has(s) && !p.FailSpeeds[s] {
			achieved = s
			break
		}
	}
	if achieved == SpeedUnknown {
		status.DLLActive = false
		status.Width = 0
	} else {
		status.Speed = achieved
		status.Training = false
	}
	p.Registers[Reg(RegLinkStatus)] = status.Encode()
}

func (s *SimDevice) ProbeMarginCapabilities(port, lane int) (MarginCapabilities, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.enter(OpProbeMargin, port)
	if err != nil {
		return MarginCapabilities{}, err
	}
	l, err := p.lane(lane)
	if err != nil {
		return MarginCapabilities{}, err
	}
	return l.Caps, nil
}

func (s *SimDevice) ProbeReceiverResponsive(port, lane int, rcv Receiver) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.enter(OpProbeReceiver, port)
	if err != nil {
		return false, err
	}
	l, err := p.lane(lane)
	if err != nil {
		return false, err
	}
	if l.Unresponsive[rcv] {
		return false, nil
	}
	_, ok := l.eye(rcv)
	return ok, nil
}

func (s *SimDevice) MeasureMarginPoint(port, lane int, req MarginRequest) (MarginSample, error) {
	s.mu.Lock()
	p, err := s.enter(OpMeasureMargin, port)
	hook := s.OnMeasure
	s.mu.Unlock()
	if err != nil {
		return MarginSample{}, err
	}
	if hook != nil {
		return hook(port, lane, req)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := p.lane(lane)
	if err != nil {
		return MarginSample{}, err
	}
	return l.model(req), nil
}

// ModelMargin evaluates the simulator's eye model without going through
// hooks or call accounting. Hooks use it to perturb individual points.
func (s *SimDevice) ModelMargin(port, lane int, req MarginRequest) (MarginSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.Ports[port]
	if !ok {
		return MarginSample{}, fmt.Errorf("sim: port %d: %w", port, ErrNoSuchPort)
	}
	l, err := p.lane(lane)
	if err != nil {
		return MarginSample{}, err
	}
	return l.model(req), nil
}

func (s *SimDevice) ReadRegister(port int, reg Register) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.enter(OpReadRegister, port)
	if err != nil {
		return 0, err
	}
	switch reg.ID {
	case RegAERUncorrectableStatus, RegAERCorrectableStatus:
		if p.NoAER {
			return 0, fmt.Errorf("sim: %s: %w", reg, ErrNotImplemented)
		}
	case RegConfigDword:
		return p.Config[reg.Index&^3], nil
	}
	return p.Registers[reg], nil
}

func (s *SimDevice) WriteRegister(port int, reg Register, value uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.enter(OpWriteRegister, port)
	if err != nil {
		return err
	}
	switch reg.ID {
	case RegAERUncorrectableStatus:
		if p.NoAER {
			return fmt.Errorf("sim: %s: %w", reg, ErrNotImplemented)
		}
		p.Registers[reg] = p.Registers[reg]&^value | p.RecurringUncorrectable
	case RegAERCorrectableStatus:
		if p.NoAER {
			return fmt.Errorf("sim: %s: %w", reg, ErrNotImplemented)
		}
		p.Registers[reg] = p.Registers[reg]&^value | p.RecurringCorrectable
	case RegRecoveryCount:
		p.Registers[reg] = p.RecurringRecoveries
	case RegPRBSControl:
		l, err := p.lane(reg.Index)
		if err != nil {
			return err
		}
		p.Registers[reg] = value
		if value&PRBSStart != 0 {
			p.Registers[LaneReg(RegPRBSErrorCount, reg.Index)] = l.PRBSErrors
			var status uint32
			if !l.PRBSUnsynced {
				status = PRBSSynced
			}
			p.Registers[LaneReg(RegPRBSStatus, reg.Index)] = status
		}
	case RegConfigDword:
		p.Config[reg.Index&^3] = value
	default:
		p.Registers[reg] = value
	}
	return nil
}

func (p *SimPort) lane(lane int) (*SimLane, error) {
	if lane < 0 || lane >= len(p.Lanes) {
		return nil, fmt.Errorf("sim: no such lane %d", lane)
	}
	return &p.Lanes[lane], nil
}

func (l *SimLane) eye(rcv Receiver) (SimEye, bool) {
	if e, ok := l.Eyes[rcv]; ok {
		return e, true
	}
	if rcv == ReceiverPAM4Broadcast || rcv == ReceiverBroadcast {
		e, ok := l.Eyes[ReceiverBroadcast]
		return e, ok
	}
	return SimEye{}, false
}

func (l *SimLane) model(req MarginRequest) MarginSample {
	if l.Unresponsive[req.Receiver] {
		return MarginSample{TimedOut: true}
	}
	e, ok := l.eye(req.Receiver)
	if !ok {
		return MarginSample{TimedOut: true}
	}
	over := overshoot(req.Timing, e.Left, e.Right)
	if v := overshoot(req.Voltage, e.Down, e.Up); v > over {
		over = v
	}
	slope := e.ErrorSlope
	if slope == 0 {
		slope = defaultErrorSlope
	}
	errs := e.NoiseFloor + over*slope
	if req.Samples > 0 && errs > req.Samples {
		errs = req.Samples
	}
	return MarginSample{ErrorCount: errs}
}

// overshoot returns how many steps offset lies outside [-neg, pos].
func overshoot(offset, neg, pos int) int {
	switch {
	case offset > pos:
		return offset - pos
	case offset < -neg:
		return -neg - offset
	}
	return 0
}

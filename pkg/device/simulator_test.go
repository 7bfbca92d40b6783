package device

import (
	"errors"
	"testing"
	"time"
)

func TestSimReadStateScriptThenRepeatsLast(t *testing.T) {
	sim := NewSimDevice(Info{Name: "sim"})
	sim.AddPort(0, &SimPort{Script: []uint16{0x400, 0x401, 0x300}})

	want := []uint16{0x400, 0x401, 0x300, 0x300, 0x300}
	for i, w := range want {
		got, err := sim.ReadState(0)
		if err != nil {
			t.Fatalf("ReadState #%d: %v", i, err)
		}
		if got != w {
			t.Fatalf("ReadState #%d = 0x%03X, want 0x%03X", i, got, w)
		}
	}
	if n := sim.Calls(OpReadState); n != len(want) {
		t.Fatalf("Calls(read-state) = %d, want %d", n, len(want))
	}
}

func TestSimIdleLinkReportsL0(t *testing.T) {
	sim := BuildHealthyGen5x4()
	code, err := sim.ReadState(0)
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if code != 0x300 {
		t.Fatalf("idle code = 0x%03X, want 0x300", code)
	}
}

func TestSimPulseQueuesRetrainScript(t *testing.T) {
	sim := BuildHealthyGen5x4()
	sim.Ports[0].RetrainScript = []uint16{0x000, 0x100, 0x200}

	if err := sim.PulseLink(0, 50*time.Millisecond); err != nil {
		t.Fatalf("PulseLink: %v", err)
	}
	for _, w := range []uint16{0x000, 0x100, 0x200, 0x200} {
		got, _ := sim.ReadState(0)
		if got != w {
			t.Fatalf("got 0x%03X, want 0x%03X", got, w)
		}
	}

	if err := sim.PulseLink(0, 0); err == nil {
		t.Fatal("expected error for zero pulse width")
	}
}

func TestSimRetrainHonoursTargetSpeed(t *testing.T) {
	sim := BuildHealthyGen5x4()
	if err := sim.WriteRegister(0, Reg(RegLinkControl2), uint32(Gen3)); err != nil {
		t.Fatalf("WriteRegister: %v", err)
	}
	if err := sim.PulseLink(0, time.Millisecond); err != nil {
		t.Fatalf("PulseLink: %v", err)
	}
	v, _ := sim.ReadRegister(0, Reg(RegLinkStatus))
	if got := DecodeLinkStatus(v).Speed; got != Gen3 {
		t.Fatalf("speed after retrain = %s, want Gen3", got)
	}

	sim.Ports[0].FailSpeeds = map[Speed]bool{Gen4: true}
	sim.WriteRegister(0, Reg(RegLinkControl2), uint32(Gen4))
	sim.PulseLink(0, time.Millisecond)
	v, _ = sim.ReadRegister(0, Reg(RegLinkStatus))
	if got := DecodeLinkStatus(v).Speed; got != Gen3 {
		t.Fatalf("failing Gen4 should fall back to Gen3, got %s", got)
	}
}

func TestSimMarginModel(t *testing.T) {
	sim := BuildHealthyGen5x4()

	inside, err := sim.MeasureMarginPoint(0, 0, MarginRequest{Timing: 3, Voltage: -4, Samples: 64})
	if err != nil {
		t.Fatalf("MeasureMarginPoint: %v", err)
	}
	if inside.ErrorCount != 0 || inside.TimedOut {
		t.Fatalf("inside point = %+v, want clean", inside)
	}

	// DefaultEye.Right is 7, so timing 9 overshoots by 2 steps.
	outside, _ := sim.MeasureMarginPoint(0, 0, MarginRequest{Timing: 9, Samples: 64})
	if outside.ErrorCount != 2*defaultErrorSlope {
		t.Fatalf("outside error count = %d, want %d", outside.ErrorCount, 2*defaultErrorSlope)
	}

	far, _ := sim.MeasureMarginPoint(0, 0, MarginRequest{Timing: 16, Samples: 10})
	if far.ErrorCount != 10 {
		t.Fatalf("error count should clamp to samples, got %d", far.ErrorCount)
	}
}

func TestSimReceiverResponsiveness(t *testing.T) {
	sim := BuildPAM4Gen6x2()
	sim.Ports[0].Lanes[0].Unresponsive = map[Receiver]bool{ReceiverB: true}

	for rcv, want := range map[Receiver]bool{ReceiverA: true, ReceiverB: false, ReceiverC: true} {
		got, err := sim.ProbeReceiverResponsive(0, 0, rcv)
		if err != nil {
			t.Fatalf("probe %s: %v", rcv, err)
		}
		if got != want {
			t.Errorf("receiver %s responsive = %v, want %v", rcv, got, want)
		}
	}
	s, _ := sim.MeasureMarginPoint(0, 0, MarginRequest{Receiver: ReceiverB})
	if !s.TimedOut {
		t.Fatal("unresponsive receiver should time out")
	}
}

func TestSimAERWriteOneToClear(t *testing.T) {
	sim := BuildDegradedLaneGen5x4()
	reg := Reg(RegAERCorrectableStatus)

	if err := sim.WriteRegister(0, reg, 0xFFFFFFFF); err != nil {
		t.Fatalf("WriteRegister: %v", err)
	}
	v, _ := sim.ReadRegister(0, reg)
	if v != 1 {
		t.Fatalf("recurring correctable bit should re-latch, got 0x%X", v)
	}

	sim.Ports[0].NoAER = true
	if _, err := sim.ReadRegister(0, reg); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented without AER, got %v", err)
	}
}

func TestSimPRBSStartLatchesCounters(t *testing.T) {
	sim := BuildDegradedLaneGen5x4()
	if err := sim.WriteRegister(0, LaneReg(RegPRBSControl, 2), PRBSStart); err != nil {
		t.Fatalf("start PRBS: %v", err)
	}
	count, _ := sim.ReadRegister(0, LaneReg(RegPRBSErrorCount, 2))
	status, _ := sim.ReadRegister(0, LaneReg(RegPRBSStatus, 2))
	if count != 5_000_000 {
		t.Fatalf("lane 2 error count = %d", count)
	}
	if status&PRBSSynced == 0 {
		t.Fatal("lane 2 should be synced")
	}
}

func TestSimCallHook(t *testing.T) {
	sim := BuildHealthyGen5x4()
	sim.OnCall = func(op string, port int) error {
		if op == OpReadRegister {
			return ErrUnreachable
		}
		return nil
	}
	if _, err := sim.ReadRegister(0, Reg(RegLinkStatus)); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if _, err := sim.ReadState(0); err != nil {
		t.Fatalf("unhooked op failed: %v", err)
	}
	if _, err := sim.ReadState(7); err == nil {
		t.Fatal("expected error for unknown port")
	}
}

func TestScenarioLookup(t *testing.T) {
	for _, name := range ScenarioNames() {
		sim, err := Scenario(name)
		if err != nil {
			t.Fatalf("Scenario(%q): %v", name, err)
		}
		if len(sim.Ports) == 0 {
			t.Fatalf("scenario %q has no ports", name)
		}
	}
	if _, err := Scenario("nope"); err == nil {
		t.Fatal("expected error for unknown scenario")
	}
}

// countedPorts hides PortNumbers so HasPort falls back to Info().Ports.
type countedPorts struct {
	Device
}

func TestHasPort(t *testing.T) {
	sim := NewSimDevice(Info{Name: "sim", Ports: 1})
	sim.AddPort(2, &SimPort{})

	for _, tc := range []struct {
		port int
		want bool
	}{{2, true}, {0, false}, {7, false}, {-1, false}} {
		got, err := HasPort(sim, tc.port)
		if err != nil {
			t.Fatalf("HasPort(%d): %v", tc.port, err)
		}
		if got != tc.want {
			t.Errorf("HasPort(%d) = %v, want %v", tc.port, got, tc.want)
		}
	}

	counted := countedPorts{sim}
	if ok, _ := HasPort(counted, 0); !ok {
		t.Errorf("counted HasPort(0) = false, want true")
	}
	if ok, _ := HasPort(counted, 2); ok {
		t.Errorf("counted HasPort(2) = true, want false")
	}

	if _, err := sim.ReadRegister(7, Reg(RegLinkStatus)); !errors.Is(err, ErrNoSuchPort) {
		t.Errorf("ReadRegister(7) err = %v, want ErrNoSuchPort", err)
	}

	sim.OnCall = func(string, int) error { return ErrUnreachable }
	if _, err := HasPort(counted, 0); !errors.Is(err, ErrUnreachable) {
		t.Errorf("HasPort with unreachable device: err = %v", err)
	}
}

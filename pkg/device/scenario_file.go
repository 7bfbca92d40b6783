package device

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ScenarioFile is the YAML form of a simulated switch, for dry runs against
// link conditions that the predefined scenarios do not cover.
type ScenarioFile struct {
	Description string         `yaml:"description"`
	Ports       []ScenarioPort `yaml:"ports"`
}

// ---- PORT ----

type ScenarioPort struct {
	Number    int      `yaml:"number"`
	Speed     int      `yaml:"speed"`
	Width     int      `yaml:"width"`
	MaxSpeed  int      `yaml:"max_speed"`
	MaxWidth  int      `yaml:"max_width"`
	Supported []int    `yaml:"supported_speeds"`
	FailSpeed []int    `yaml:"fail_speeds"`
	NoAER     bool     `yaml:"no_aer"`
	Retrain   []uint16 `yaml:"retrain_states"`

	Margin *MarginCapabilities `yaml:"margin"`
	Eye    *SimEye             `yaml:"eye"`
	Lanes  []ScenarioLane      `yaml:"lanes"`

	Recoveries    uint32 `yaml:"recoveries"`
	Correctable   uint32 `yaml:"correctable"`
	Uncorrectable uint32 `yaml:"uncorrectable"`
}

// ---- LANE OVERRIDES ----

type ScenarioLane struct {
	Lane         int               `yaml:"lane"`
	Eye          *SimEye           `yaml:"eye"`
	Eyes         map[string]SimEye `yaml:"eyes"` // keyed by receiver name: A, B, C
	Unresponsive []string          `yaml:"unresponsive"`
	PRBSErrors   uint32            `yaml:"prbs_errors"`
	PRBSUnsynced bool              `yaml:"prbs_unsynced"`
}

// LoadScenarioFile reads a YAML scenario and builds the simulator. Unknown
// keys are rejected.
func LoadScenarioFile(path string) (*SimDevice, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario builds a simulator from YAML scenario bytes.
func ParseScenario(data []byte) (*SimDevice, error) {
	var f ScenarioFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	if len(f.Ports) == 0 {
		return nil, fmt.Errorf("scenario: no ports defined")
	}

	sb := NewScenarioBuilder(simInfo(f.Description))
	for _, sp := range f.Ports {
		if err := sp.apply(sb); err != nil {
			return nil, fmt.Errorf("scenario port %d: %w", sp.Number, err)
		}
	}
	return sb.Build(), nil
}

func (sp ScenarioPort) apply(sb *ScenarioBuilder) error {
	if sp.Speed < int(Gen1) || sp.Speed > int(MaxSpeed) {
		return fmt.Errorf("speed %d out of range", sp.Speed)
	}
	if sp.Width < 0 || sp.Width > 16 {
		return fmt.Errorf("width %d out of range", sp.Width)
	}

	spec := PortSpec{
		Speed:    Speed(sp.Speed),
		Width:    sp.Width,
		MaxSpeed: Speed(sp.MaxSpeed),
		MaxWidth: sp.MaxWidth,
		Caps:     DefaultMarginCaps,
		Eye:      DefaultEye,
	}
	for _, s := range sp.Supported {
		spec.Supported |= NewSpeedVector(Speed(s))
	}
	if sp.Margin != nil {
		spec.Caps = *sp.Margin
	}
	if sp.Eye != nil {
		spec.Eye = *sp.Eye
	}

	p := sb.AddPort(sp.Number, spec)
	p.NoAER = sp.NoAER
	p.RetrainScript = sp.Retrain
	p.RecurringRecoveries = sp.Recoveries
	p.RecurringCorrectable = sp.Correctable
	p.RecurringUncorrectable = sp.Uncorrectable
	p.Registers[Reg(RegRecoveryCount)] = sp.Recoveries
	p.Registers[Reg(RegAERCorrectableStatus)] = sp.Correctable
	p.Registers[Reg(RegAERUncorrectableStatus)] = sp.Uncorrectable
	if len(sp.FailSpeed) > 0 {
		p.FailSpeeds = make(map[Speed]bool)
		for _, s := range sp.FailSpeed {
			p.FailSpeeds[Speed(s)] = true
		}
	}

	for _, sl := range sp.Lanes {
		if sl.Lane < 0 || sl.Lane >= len(p.Lanes) {
			return fmt.Errorf("lane %d out of range", sl.Lane)
		}
		lane := &p.Lanes[sl.Lane]
		if sl.Eye != nil {
			for rcv := range lane.Eyes {
				lane.Eyes[rcv] = *sl.Eye
			}
		}
		for name, eye := range sl.Eyes {
			rcv, err := parseReceiver(name)
			if err != nil {
				return err
			}
			lane.Eyes[rcv] = eye
		}
		for _, name := range sl.Unresponsive {
			rcv, err := parseReceiver(name)
			if err != nil {
				return err
			}
			if lane.Unresponsive == nil {
				lane.Unresponsive = make(map[Receiver]bool)
			}
			lane.Unresponsive[rcv] = true
		}
		lane.PRBSErrors = sl.PRBSErrors
		lane.PRBSUnsynced = sl.PRBSUnsynced
	}
	return nil
}

func parseReceiver(name string) (Receiver, error) {
	for rcv, n := range receiverNames {
		if n == name {
			return rcv, nil
		}
	}
	return 0, fmt.Errorf("unknown receiver %q", name)
}

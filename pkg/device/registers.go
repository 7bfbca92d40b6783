package device

import "fmt"

// RegisterID names an abstracted telemetry register. The mapping to vendor
// register offsets belongs to the Device implementation.
type RegisterID uint8

const (
	RegLinkStatus RegisterID = iota + 1
	RegLinkStatus2
	RegLinkCapabilities
	RegLinkCapabilities2
	RegLinkControl2
	RegDeviceCapabilities
	RegDeviceControl
	RegAERUncorrectableStatus
	RegAERCorrectableStatus
	RegRecoveryCount
	RegRxEvalCount
	// Per-lane PRBS checker registers; Register.Index is the lane.
	RegPRBSControl
	RegPRBSStatus
	RegPRBSErrorCount
	// RegConfigDword reads raw configuration space; Register.Index is the
	// byte offset, rounded down to a dword.
	RegConfigDword
)

var registerNames = map[RegisterID]string{
	RegLinkStatus:             "link-status",
	RegLinkStatus2:            "link-status-2",
	RegLinkCapabilities:       "link-capabilities",
	RegLinkCapabilities2:      "link-capabilities-2",
	RegLinkControl2:           "link-control-2",
	RegDeviceCapabilities:     "device-capabilities",
	RegDeviceControl:          "device-control",
	RegAERUncorrectableStatus: "aer-uncorrectable-status",
	RegAERCorrectableStatus:   "aer-correctable-status",
	RegRecoveryCount:          "recovery-count",
	RegRxEvalCount:            "rx-eval-count",
	RegPRBSControl:            "prbs-control",
	RegPRBSStatus:             "prbs-status",
	RegPRBSErrorCount:         "prbs-error-count",
	RegConfigDword:            "config-dword",
}

func (id RegisterID) String() string {
	if name, ok := registerNames[id]; ok {
		return name
	}
	return fmt.Sprintf("RegisterID(%d)", id)
}

// Register selects a register, with Index carrying the lane or offset for
// indexed registers.
type Register struct {
	ID    RegisterID
	Index int
}

// Reg returns an unindexed register.
func Reg(id RegisterID) Register { return Register{ID: id} }

// LaneReg returns a per-lane register.
func LaneReg(id RegisterID, lane int) Register { return Register{ID: id, Index: lane} }

// ConfigReg returns the configuration space dword containing offset.
func ConfigReg(offset int) Register { return Register{ID: RegConfigDword, Index: offset &^ 3} }

func (r Register) String() string {
	if r.ID == RegConfigDword {
		return fmt.Sprintf("%s@0x%03X", r.ID, r.Index)
	}
	if r.Index != 0 {
		return fmt.Sprintf("%s[%d]", r.ID, r.Index)
	}
	return r.ID.String()
}

// Speed is a PCIe link speed code (1 = 2.5 GT/s ... 6 = 64 GT/s).
type Speed uint8

const (
	SpeedUnknown Speed = iota
	Gen1
	Gen2
	Gen3
	Gen4
	Gen5
	Gen6
)

// MaxSpeed is the fastest speed code this package understands.
const MaxSpeed = Gen6

var transferRates = map[Speed]float64{
	Gen1: 2.5,
	Gen2: 5.0,
	Gen3: 8.0,
	Gen4: 16.0,
	Gen5: 32.0,
	Gen6: 64.0,
}

func (s Speed) String() string {
	if s >= Gen1 && s <= MaxSpeed {
		return fmt.Sprintf("Gen%d", s)
	}
	return fmt.Sprintf("Speed(%d)", s)
}

func (s Speed) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// GTs returns the transfer rate in GT/s, or 0 for unknown codes.
func (s Speed) GTs() float64 { return transferRates[s] }

// BitsPerSecond approximates the per-lane raw bit rate.
func (s Speed) BitsPerSecond() float64 { return transferRates[s] * 1e9 }

// PAM4 reports whether the speed uses four-level signaling.
func (s Speed) PAM4() bool { return s >= Gen6 }

// LinkStatus is the decoded PCIe Link Status register.
type LinkStatus struct {
	Speed     Speed
	Width     int
	Training  bool
	DLLActive bool
}

const (
	linkSpeedMask  = 0x000F
	linkWidthShift = 4
	linkWidthMask  = 0x3F
	linkTraining   = 1 << 11
	linkDLLActive  = 1 << 13
)

// DecodeLinkStatus decodes the Link Status register value.
func DecodeLinkStatus(v uint32) LinkStatus {
	return LinkStatus{
		Speed:     Speed(v & linkSpeedMask),
		Width:     int((v >> linkWidthShift) & linkWidthMask),
		Training:  v&linkTraining != 0,
		DLLActive: v&linkDLLActive != 0,
	}
}

// Encode packs the status back into register form.
func (s LinkStatus) Encode() uint32 {
	v := uint32(s.Speed)&linkSpeedMask | (uint32(s.Width)&linkWidthMask)<<linkWidthShift
	if s.Training {
		v |= linkTraining
	}
	if s.DLLActive {
		v |= linkDLLActive
	}
	return v
}

// Up reports whether the link is trained and the data link layer active.
func (s LinkStatus) Up() bool {
	return s.DLLActive && s.Width > 0 && !s.Training
}

// LinkCapabilities carries the max speed and width a port advertises.
type LinkCapabilities struct {
	MaxSpeed Speed
	MaxWidth int
}

func DecodeLinkCapabilities(v uint32) LinkCapabilities {
	return LinkCapabilities{
		MaxSpeed: Speed(v & linkSpeedMask),
		MaxWidth: int((v >> linkWidthShift) & linkWidthMask),
	}
}

func (c LinkCapabilities) Encode() uint32 {
	return uint32(c.MaxSpeed)&linkSpeedMask | (uint32(c.MaxWidth)&linkWidthMask)<<linkWidthShift
}

// SpeedVector is the Supported Link Speeds Vector from Link Capabilities 2,
// bit 1 = Gen1 through bit 7.
type SpeedVector uint8

// DecodeSpeedVector extracts bits [7:1] of Link Capabilities 2.
func DecodeSpeedVector(v uint32) SpeedVector {
	return SpeedVector(v & 0xFE)
}

// NewSpeedVector builds a vector with the listed speeds set.
func NewSpeedVector(speeds ...Speed) SpeedVector {
	var v SpeedVector
	for _, s := range speeds {
		v |= 1 << s
	}
	return v
}

func (v SpeedVector) Has(s Speed) bool { return v&(1<<s) != 0 }

// Speeds lists supported speeds in ascending order.
func (v SpeedVector) Speeds() []Speed {
	var out []Speed
	for s := Gen1; s <= MaxSpeed; s++ {
		if v.Has(s) {
			out = append(out, s)
		}
	}
	return out
}

// Highest returns the fastest supported speed, or SpeedUnknown.
func (v SpeedVector) Highest() Speed {
	for s := MaxSpeed; s >= Gen1; s-- {
		if v.Has(s) {
			return s
		}
	}
	return SpeedUnknown
}

// EQStatus is the equalization subset of Link Status 2.
type EQStatus struct {
	Complete bool
	Phase1   bool
	Phase2   bool
	Phase3   bool
}

const (
	eqComplete = 1 << 1
	eqPhase1   = 1 << 2
	eqPhase2   = 1 << 3
	eqPhase3   = 1 << 4
)

func DecodeEQStatus(v uint32) EQStatus {
	return EQStatus{
		Complete: v&eqComplete != 0,
		Phase1:   v&eqPhase1 != 0,
		Phase2:   v&eqPhase2 != 0,
		Phase3:   v&eqPhase3 != 0,
	}
}

func (e EQStatus) Encode() uint32 {
	var v uint32
	if e.Complete {
		v |= eqComplete
	}
	if e.Phase1 {
		v |= eqPhase1
	}
	if e.Phase2 {
		v |= eqPhase2
	}
	if e.Phase3 {
		v |= eqPhase3
	}
	return v
}

// AllPhases reports whether every equalization phase succeeded.
func (e EQStatus) AllPhases() bool {
	return e.Complete && e.Phase1 && e.Phase2 && e.Phase3
}

// DeviceControl is the decoded PCIe Device Control register.
type DeviceControl struct {
	CorrectableReporting bool
	NonFatalReporting    bool
	FatalReporting       bool
	UnsupportedReporting bool
	MaxPayload           int // bytes
	MaxReadRequest       int // bytes
}

const (
	devCtlCERE      = 1 << 0
	devCtlNFERE     = 1 << 1
	devCtlFERE      = 1 << 2
	devCtlURRE      = 1 << 3
	devCtlMPSShift  = 5
	devCtlMRRSShift = 12
	sizeFieldMask   = 0x7
)

func DecodeDeviceControl(v uint32) DeviceControl {
	return DeviceControl{
		CorrectableReporting: v&devCtlCERE != 0,
		NonFatalReporting:    v&devCtlNFERE != 0,
		FatalReporting:       v&devCtlFERE != 0,
		UnsupportedReporting: v&devCtlURRE != 0,
		MaxPayload:           128 << ((v >> devCtlMPSShift) & sizeFieldMask),
		MaxReadRequest:       128 << ((v >> devCtlMRRSShift) & sizeFieldMask),
	}
}

func (c DeviceControl) Encode() uint32 {
	var v uint32
	if c.CorrectableReporting {
		v |= devCtlCERE
	}
	if c.NonFatalReporting {
		v |= devCtlNFERE
	}
	if c.FatalReporting {
		v |= devCtlFERE
	}
	if c.UnsupportedReporting {
		v |= devCtlURRE
	}
	v |= sizeCode(c.MaxPayload) << devCtlMPSShift
	v |= sizeCode(c.MaxReadRequest) << devCtlMRRSShift
	return v
}

// DeviceCapabilities carries the max payload the function supports.
type DeviceCapabilities struct {
	MaxPayloadSupported int // bytes
}

func DecodeDeviceCapabilities(v uint32) DeviceCapabilities {
	return DeviceCapabilities{MaxPayloadSupported: 128 << (v & sizeFieldMask)}
}

func (c DeviceCapabilities) Encode() uint32 {
	return sizeCode(c.MaxPayloadSupported)
}

// sizeCode maps 128..4096 bytes onto the 3-bit encoding used by MPS/MRRS.
func sizeCode(bytes int) uint32 {
	var code uint32
	for size := 128; size < bytes && code < sizeFieldMask; size <<= 1 {
		code++
	}
	return code
}

// PRBS checker control and status bits.
const (
	PRBSStart  = 1 << 0
	PRBSSynced = 1 << 0
)

package ltssm

import (
	"fmt"
)

// Category is the top-level LTSSM group a state code belongs to.
type Category uint8

const (
	CategoryDetect Category = iota
	CategoryPolling
	CategoryConfiguration
	CategoryL0
	CategoryRecovery
	CategoryLoopback
	CategoryHotReset
	CategoryDisabled
	CategoryL0s
	CategoryL1
	CategoryL2
	CategoryUnknown
)

var categoryNames = map[Category]string{
	CategoryDetect:        "Detect",
	CategoryPolling:       "Polling",
	CategoryConfiguration: "Configuration",
	CategoryL0:            "L0",
	CategoryRecovery:      "Recovery",
	CategoryLoopback:      "Loopback",
	CategoryHotReset:      "HotReset",
	CategoryDisabled:      "Disabled",
	CategoryL0s:           "L0s",
	CategoryL1:            "L1",
	CategoryL2:            "L2",
	CategoryUnknown:       "Unknown",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Category(%d)", c)
}

// MarshalText lets categories appear by name in JSON and YAML output.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Severity weights a category for display. It never feeds a verdict.
type Severity uint8

const (
	SeverityNominal Severity = iota
	SeverityPowerManagement
	SeverityInformational
	SeverityCaution
	SeverityElevated
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityNominal:         "nominal",
	SeverityPowerManagement: "power-management",
	SeverityInformational:   "informational",
	SeverityCaution:         "caution",
	SeverityElevated:        "elevated",
	SeverityCritical:        "critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Severity(%d)", s)
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var categorySeverity = map[Category]Severity{
	CategoryDetect:        SeverityCritical,
	CategoryDisabled:      SeverityCritical,
	CategoryHotReset:      SeverityCritical,
	CategoryPolling:       SeverityElevated,
	CategoryLoopback:      SeverityElevated,
	CategoryConfiguration: SeverityCaution,
	CategoryRecovery:      SeverityInformational,
	CategoryL0:            SeverityNominal,
	CategoryL0s:           SeverityPowerManagement,
	CategoryL1:            SeverityPowerManagement,
	CategoryL2:            SeverityPowerManagement,
	CategoryUnknown:       SeverityCritical,
}

// Severity reports the display weight of the category.
func (c Category) Severity() Severity {
	if s, ok := categorySeverity[c]; ok {
		return s
	}
	return SeverityCritical
}

// CodeMask keeps the 12 meaningful bits of a raw state code.
const CodeMask = 0x0FFF

// SubStateUnknown is reported for codes that are not in the sub-state table.
const SubStateUnknown = "Unknown"

// LinkState is a decoded LTSSM state code.
type LinkState struct {
	Category Category `json:"category" yaml:"category"`
	SubState string   `json:"sub_state" yaml:"sub_state"`
	Code     uint16   `json:"code" yaml:"code"`
}

// Name returns "Category.SubState", e.g. "Recovery.RcvrLock".
func (s LinkState) Name() string {
	return s.Category.String() + "." + s.SubState
}

func (s LinkState) String() string {
	return fmt.Sprintf("%s (0x%03X)", s.Name(), s.Code)
}

// Same reports whether two states decode to the same category and sub-state.
// Distinct raw codes that alias one state (legacy L0 encodings) compare equal.
func (s LinkState) Same(other LinkState) bool {
	return s.Category == other.Category && s.SubState == other.SubState
}

// IsL0 reports whether the link is in the nominal operating state.
func (s LinkState) IsL0() bool {
	return s.Category == CategoryL0
}

type entry struct {
	category Category
	subState string
}

// topLevel maps bits [11:8] to the eight top-level groups.
var topLevel = map[uint16]Category{
	0x0: CategoryDetect,
	0x1: CategoryPolling,
	0x2: CategoryConfiguration,
	0x3: CategoryL0,
	0x4: CategoryRecovery,
	0x5: CategoryLoopback,
	0x6: CategoryHotReset,
	0x7: CategoryDisabled,
}

// subStates is keyed by the full 12-bit code. Entries under 0x3xx split the
// L0 group into the L0s/L1/L2 power states.
var subStates = map[uint16]entry{
	0x000: {CategoryDetect, "Quiet"},
	0x001: {CategoryDetect, "Active"},

	0x100: {CategoryPolling, "Active"},
	0x101: {CategoryPolling, "Compliance"},
	0x102: {CategoryPolling, "Configuration"},

	0x200: {CategoryConfiguration, "Linkwidth.Start"},
	0x201: {CategoryConfiguration, "Linkwidth.Accept"},
	0x202: {CategoryConfiguration, "Lanenum.Wait"},
	0x203: {CategoryConfiguration, "Lanenum.Accept"},
	0x204: {CategoryConfiguration, "Complete"},
	0x205: {CategoryConfiguration, "Idle"},

	0x300: {CategoryL0, "Active"},
	0x301: {CategoryL0s, "Entry"},
	0x302: {CategoryL0s, "Idle"},
	0x303: {CategoryL0s, "FTS"},
	0x304: {CategoryL1, "Entry"},
	0x305: {CategoryL1, "Idle"},
	0x306: {CategoryL2, "Idle"},
	0x307: {CategoryL2, "TransmitWake"},

	0x400: {CategoryRecovery, "RcvrLock"},
	0x401: {CategoryRecovery, "RcvrCfg"},
	0x402: {CategoryRecovery, "Idle"},
	0x403: {CategoryRecovery, "Speed"},
	0x404: {CategoryRecovery, "Equalization.Phase0"},
	0x405: {CategoryRecovery, "Equalization.Phase1"},
	0x406: {CategoryRecovery, "Equalization.Phase2"},
	0x407: {CategoryRecovery, "Equalization.Phase3"},

	0x500: {CategoryLoopback, "Entry"},
	0x501: {CategoryLoopback, "Active"},
	0x502: {CategoryLoopback, "Exit"},

	0x600: {CategoryHotReset, "Active"},

	0x700: {CategoryDisabled, "Disabled"},

	// Legacy 8-bit L0 encoding still reported by older switch firmware.
	0x016: {CategoryL0, "Active"},
}

// Decode maps a raw state code to its LinkState. Every 12-bit value has a
// result; bits above bit 11 are ignored.
func Decode(code uint16) LinkState {
	code &= CodeMask
	if e, ok := subStates[code]; ok {
		return LinkState{Category: e.category, SubState: e.subState, Code: code}
	}
	category, ok := topLevel[code>>8]
	if !ok {
		category = CategoryUnknown
	}
	return LinkState{Category: category, SubState: SubStateUnknown, Code: code}
}

// Categories lists every category in declaration order.
func Categories() []Category {
	out := make([]Category, 0, len(categoryNames))
	for c := CategoryDetect; c <= CategoryUnknown; c++ {
		out = append(out, c)
	}
	return out
}

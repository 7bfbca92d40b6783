package ltssm

import (
	"testing"
)

func TestDecodeKnownCodes(t *testing.T) {
	tests := []struct {
		code     uint16
		category Category
		sub      string
	}{
		{0x000, CategoryDetect, "Quiet"},
		{0x102, CategoryPolling, "Configuration"},
		{0x204, CategoryConfiguration, "Complete"},
		{0x300, CategoryL0, "Active"},
		{0x302, CategoryL0s, "Idle"},
		{0x305, CategoryL1, "Idle"},
		{0x307, CategoryL2, "TransmitWake"},
		{0x400, CategoryRecovery, "RcvrLock"},
		{0x401, CategoryRecovery, "RcvrCfg"},
		{0x406, CategoryRecovery, "Equalization.Phase2"},
		{0x501, CategoryLoopback, "Active"},
		{0x600, CategoryHotReset, "Active"},
		{0x700, CategoryDisabled, "Disabled"},
		{0x016, CategoryL0, "Active"},
	}

	for _, tt := range tests {
		got := Decode(tt.code)
		if got.Category != tt.category || got.SubState != tt.sub {
			t.Errorf("Decode(0x%03X) = %s/%s, want %s/%s",
				tt.code, got.Category, got.SubState, tt.category, tt.sub)
		}
		if got.Code != tt.code {
			t.Errorf("Decode(0x%03X).Code = 0x%03X", tt.code, got.Code)
		}
	}
}

func TestDecodeUnknownSubStateKeepsTopLevel(t *testing.T) {
	got := Decode(0x4FF)
	if got.Category != CategoryRecovery {
		t.Fatalf("expected Recovery, got %s", got.Category)
	}
	if got.SubState != SubStateUnknown {
		t.Fatalf("expected unknown sub-state, got %q", got.SubState)
	}

	got = Decode(0x9A0)
	if got.Category != CategoryUnknown {
		t.Fatalf("expected Unknown for nibble 9, got %s", got.Category)
	}
}

func TestDecodeIsTotalAndDeterministic(t *testing.T) {
	for code := uint16(0); code <= CodeMask; code++ {
		a := Decode(code)
		b := Decode(code)
		if a != b {
			t.Fatalf("Decode(0x%03X) not deterministic: %v vs %v", code, a, b)
		}
		if a.SubState == "" {
			t.Fatalf("Decode(0x%03X) has empty sub-state", code)
		}
		if _, ok := categoryNames[a.Category]; !ok {
			t.Fatalf("Decode(0x%03X) produced undefined category %d", code, a.Category)
		}
	}
}

func TestDecodeMasksHighBits(t *testing.T) {
	if got := Decode(0xF400); got.Category != CategoryRecovery || got.Code != 0x400 {
		t.Fatalf("expected high bits ignored, got %v", got)
	}
}

func TestSameTreatsLegacyL0AsL0(t *testing.T) {
	if !Decode(0x016).Same(Decode(0x300)) {
		t.Fatal("legacy L0 code should compare equal to 0x300")
	}
	if Decode(0x400).Same(Decode(0x401)) {
		t.Fatal("distinct recovery sub-states compared equal")
	}
}

func TestCategorySeverity(t *testing.T) {
	tests := map[Category]Severity{
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
	}
	for c, want := range tests {
		if got := c.Severity(); got != want {
			t.Errorf("%s.Severity() = %s, want %s", c, got, want)
		}
	}
}

func TestNames(t *testing.T) {
	if got := Decode(0x400).Name(); got != "Recovery.RcvrLock" {
		t.Fatalf("unexpected name %q", got)
	}
	if got := Decode(0x305).String(); got != "L1.Idle (0x305)" {
		t.Fatalf("unexpected string %q", got)
	}
	if got := Category(99).String(); got != "Category(99)" {
		t.Fatalf("unexpected fallback %q", got)
	}
	if len(Categories()) != 12 {
		t.Fatalf("expected 12 categories, got %d", len(Categories()))
	}
}

package compliance

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTracePCIe/pkg/device"
)

func TestDefaultThresholdsGen5(t *testing.T) {
	th, ok := DefaultThresholds().For(device.Gen5)
	require.True(t, ok)
	assert.Equal(t, Threshold{MinWidthUI: 0.20, MinHeightMV: 10, MaxBER: 1e-6}, th)

	assert.NotEmpty(t, th.CheckEye(0.18, 50, true))
	assert.Empty(t, th.CheckEye(0.22, 50, true))
	assert.NotEmpty(t, th.CheckEye(0.22, 5, true))
	assert.Empty(t, th.CheckEye(0.22, 0, false), "height ignored without voltage margining")

	assert.True(t, th.CheckBER(1e-6))
	assert.False(t, th.CheckBER(2e-6))

	_, ok = DefaultThresholds().For(device.Gen2)
	assert.False(t, ok)
	assert.Equal(t, []device.Speed{device.Gen3, device.Gen4, device.Gen5, device.Gen6}, DefaultThresholds().Speeds())
}

const labProfiles = `
# tighter limits for the lab
profile "strict" {
    gen 5 { width 0.22 height 12 ber 1e-9 }
    outlier 25
    balance 15
}

profile "gen3-only" {
    gen 3 { width 0.35 }
}
`

func TestParseProfiles(t *testing.T) {
	profiles, err := ParseProfiles(strings.NewReader(labProfiles))
	require.NoError(t, err)
	require.Len(t, profiles, 2)

	strict := profiles[0]
	assert.Equal(t, "strict", strict.Name)
	assert.Equal(t, Threshold{MinWidthUI: 0.22, MinHeightMV: 12, MaxBER: 1e-9}, strict.PerSpeed[device.Gen5])
	assert.Equal(t, DefaultThresholds().PerSpeed[device.Gen4], strict.PerSpeed[device.Gen4])
	assert.InDelta(t, 0.25, strict.OutlierTolerance, 1e-9)
	assert.InDelta(t, 0.15, strict.BalanceTolerance, 1e-9)

	g3 := profiles[1]
	assert.Equal(t, 0.35, g3.PerSpeed[device.Gen3].MinWidthUI)
	assert.Equal(t, 15.0, g3.PerSpeed[device.Gen3].MinHeightMV)
	assert.Equal(t, 0.30, g3.OutlierTolerance)
}

func TestParseProfilesErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"syntax", `profile "x" { gen 5 { width } }`, "parse error"},
		{"unknown key", `profile "x" { gen 5 { depth 1 } }`, "parse error"},
		{"unknown gen", `profile "x" { gen 9 { width 0.2 } }`, "unknown gen 9"},
		{"width range", `profile "x" { gen 5 { width 1.5 } }`, "width"},
		{"ber range", `profile "x" { gen 5 { ber 2 } }`, "ber"},
		{"outlier range", `profile "x" { outlier 150 }`, "outlier"},
		{"duplicate", `profile "x" { } profile "x" { }`, "duplicate profile"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseProfiles(strings.NewReader(tt.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lab.profile")
	require.NoError(t, os.WriteFile(path, []byte(labProfiles), 0o644))

	th, err := LoadProfile(path, "gen3-only")
	require.NoError(t, err)
	assert.Equal(t, "gen3-only", th.Name)

	_, err = LoadProfile(path, "")
	assert.ErrorContains(t, err, "pick one by name")
	_, err = LoadProfile(path, "missing")
	assert.ErrorContains(t, err, "not found")
}

package compliance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTracePCIe/pkg/device"
)

func extHeader(id uint16, next int) uint32 {
	return uint32(id) | 1<<16 | uint32(next)<<20
}

func configSim(config map[int]uint32) *device.SimDevice {
	sim := device.NewSimDevice(device.Info{Name: "cfg"})
	sim.AddPort(0, &device.SimPort{Config: config})
	return sim
}

func TestWalkCapabilitiesScenario(t *testing.T) {
	w, err := WalkCapabilities(device.BuildHealthyGen5x4(), 0)
	require.NoError(t, err)
	assert.Empty(t, w.Issues)
	assert.Len(t, w.Capabilities, 7)
	assert.True(t, w.Has(device.CapIDPCIExpress, false))
	assert.True(t, w.Has(device.ExtCapIDLaneMargining, true))
	assert.False(t, w.Has(device.CapIDMSIX, false))
}

func TestWalkCapabilitiesIssues(t *testing.T) {
	tests := []struct {
		name   string
		config map[int]uint32
		want   string
		caps   int
	}{
		{
			name: "standard loop",
			config: map[int]uint32{
				0x34: 0x40,
				0x40: 0x10 | 0x50<<8,
				0x50: 0x05 | 0x40<<8,
			},
			want: "standard list loops back to 0x40",
			caps: 2,
		},
		{
			name: "misaligned",
			config: map[int]uint32{
				0x34: 0x40,
				0x40: 0x10 | 0x52<<8,
			},
			want: "standard pointer 0x52 misaligned",
			caps: 1,
		},
		{
			name:   "out of range",
			config: map[int]uint32{0x34: 0x20},
			want:   "standard pointer 0x20 out of range",
		},
		{
			name: "extended loop",
			config: map[int]uint32{
				0x34:  0x40,
				0x40:  0x10,
				0x100: extHeader(device.ExtCapIDAER, 0x140),
				0x140: extHeader(device.ExtCapIDLaneMargining, 0x100),
			},
			want: "extended list loops back to 0x100",
			caps: 3,
		},
		{
			name: "extended points below 0x100",
			config: map[int]uint32{
				0x34:  0x40,
				0x40:  0x10,
				0x100: extHeader(device.ExtCapIDAER, 0x80),
			},
			want: "extended pointer 0x080 out of range",
			caps: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := WalkCapabilities(configSim(tt.config), 0)
			require.NoError(t, err)
			require.Len(t, w.Issues, 1)
			assert.Equal(t, tt.want, w.Issues[0])
			assert.Len(t, w.Capabilities, tt.caps)
		})
	}
}

func TestWalkCapabilitiesNoExtended(t *testing.T) {
	for _, hdr := range []uint32{0, 0xFFFFFFFF} {
		w, err := WalkCapabilities(configSim(map[int]uint32{0x34: 0x40, 0x40: 0x10, 0x100: hdr}), 0)
		require.NoError(t, err)
		assert.Empty(t, w.Issues)
		assert.Len(t, w.Capabilities, 1)
	}
}

package device

// Configuration space layout constants used by capability list walks.
const (
	CapabilityPointerOffset = 0x34
	StdCapabilityStart      = 0x40
	StdCapabilityEnd        = 0x100
	ExtCapabilityStart      = 0x100
	ExtCapabilityEnd        = 0x1000
)

// Well known capability IDs.
const (
	CapIDPowerManagement uint16 = 0x01
	CapIDMSI             uint16 = 0x05
	CapIDPCIExpress      uint16 = 0x10
	CapIDMSIX            uint16 = 0x11

	ExtCapIDAER            uint16 = 0x0001
	ExtCapIDSecondaryPCIe  uint16 = 0x0019
	ExtCapIDPhysicalLayer  uint16 = 0x0026
	ExtCapIDLaneMargining  uint16 = 0x0027
	ExtCapIDPhysicalLayer2 uint16 = 0x002A
)

// Capability is one entry of a standard or extended capability list.
type Capability struct {
	ID       uint16 `json:"id" yaml:"id"`
	Offset   int    `json:"offset" yaml:"offset"`
	Extended bool   `json:"extended" yaml:"extended"`
}

// BuildConfigSpace lays out the given capabilities as linked lists and
// returns the resulting configuration dwords keyed by byte offset. Offsets
// come from the Capability entries; the lists are chained in slice order.
func BuildConfigSpace(std, ext []Capability) map[int]uint32 {
	space := make(map[int]uint32)
	if len(std) > 0 {
		space[CapabilityPointerOffset] = uint32(std[0].Offset)
	}
	for i, c := range std {
		next := 0
		if i+1 < len(std) {
			next = std[i+1].Offset
		}
		space[c.Offset] = uint32(c.ID&0xFF) | uint32(next&0xFF)<<8
	}
	for i, c := range ext {
		next := 0
		if i+1 < len(ext) {
			next = ext[i+1].Offset
		}
		space[c.Offset] = uint32(c.ID) | 1<<16 | uint32(next&0xFFF)<<20
	}
	return space
}

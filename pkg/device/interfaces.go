package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/gousb"
)

// Transport is how a switch's management plane is reached.
type Transport string

const (
	TransportUART Transport = "uart"
	TransportI2C  Transport = "i2c"
	TransportSim  Transport = "simulator"
)

// Endpoint is one place a switch could be driven from. Only simulator
// endpoints carry a Target; there is no register backend for the USB
// bridges, so those are reported for cabling checks only.
type Endpoint struct {
	Transport Transport `json:"transport"`
	Name      string    `json:"name"`
	// Target is the scenario name that selects this endpoint for a run.
	Target string `json:"target,omitempty"`

	VendorID  gousb.ID `json:"vendor_id,omitempty"`
	ProductID gousb.ID `json:"product_id,omitempty"`
	Bus       int      `json:"bus,omitempty"`
	Address   int      `json:"address,omitempty"`
}

// Runnable reports whether the endpoint can be passed as a run target.
func (e Endpoint) Runnable() bool { return e.Target != "" }

func (e Endpoint) String() string {
	if e.Transport == TransportSim {
		return fmt.Sprintf("%s [%s]", e.Name, e.Target)
	}
	return fmt.Sprintf("%s (%s:%s, bus %d addr %d)", e.Name, e.VendorID, e.ProductID, e.Bus, e.Address)
}

type usbID struct {
	vendor, product gousb.ID
}

type bridge struct {
	transport Transport
	name      string
}

var bridges = map[usbID]bridge{
	{0x0403, 0x6001}: {TransportUART, "FTDI FT232R UART bridge"},
	{0x0403, 0x6014}: {TransportUART, "FTDI FT232H UART bridge"},
	{0x10C4, 0xEA60}: {TransportUART, "Silicon Labs CP210x UART bridge"},
	{0x04D8, 0x00DD}: {TransportI2C, "Microchip MCP2221 I2C bridge"},
	{0x0403, 0xE0D0}: {TransportI2C, "Total Phase Aardvark I2C host adapter"},
}

// bridgeEndpoint matches desc against the bridge table.
func bridgeEndpoint(desc *gousb.DeviceDesc) (Endpoint, bool) {
	b, ok := bridges[usbID{desc.Vendor, desc.Product}]
	if !ok {
		return Endpoint{}, false
	}
	return Endpoint{
		Transport: b.transport,
		Name:      b.name,
		VendorID:  desc.Vendor,
		ProductID: desc.Product,
		Bus:       desc.Bus,
		Address:   desc.Address,
	}, true
}

// SimEndpoints returns one runnable endpoint per built-in scenario.
func SimEndpoints() []Endpoint {
	names := ScenarioNames()
	out := make([]Endpoint, 0, len(names))
	for _, name := range names {
		dev, err := Scenario(name)
		if err != nil {
			continue
		}
		out = append(out, Endpoint{
			Transport: TransportSim,
			Name:      dev.InfoData.Description,
			Target:    name,
		})
	}
	return out
}

// ScanEndpoints lists the simulator scenarios, then any USB bridges known
// to sit on a switch's management UART or sideband I2C. A libusb access
// error is not fatal: whatever could be enumerated is still returned.
func ScanEndpoints(ctx context.Context) ([]Endpoint, error) {
	out := SimEndpoints()

	usb := gousb.NewContext()
	defer usb.Close()
	_, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if ctx.Err() != nil {
			return false
		}
		if ep, ok := bridgeEndpoint(desc); ok {
			out = append(out, ep)
		}
		return false
	})
	if err != nil && !errors.Is(err, gousb.ErrorAccess) {
		return out, fmt.Errorf("enumerating usb: %w", err)
	}
	return out, ctx.Err()
}

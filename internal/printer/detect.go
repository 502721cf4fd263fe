package printer

import (
	"fmt"
	"sort"

	"github.com/google/gousb"
	"go.bug.st/serial"
)

// KnownVendors maps USB vendor ids of common receipt printers and
// USB-serial adapters to a display name.
var KnownVendors = map[gousb.ID]string{
	0x04b8: "Epson",
	0x0519: "Star Micronics",
	0x1504: "Bixolon",
	0x0dd4: "Citizen",
	0x0416: "Winbond",
	0x067b: "Prolific",
	0x0403: "FTDI",
}

type Candidate struct {
	Type        Kind   `json:"type"`
	VendorID    string `json:"vendor_id,omitempty"`
	ProductID   string `json:"product_id,omitempty"`
	VendorName  string `json:"vendor_name,omitempty"`
	Port        string `json:"port,omitempty"`
	Description string `json:"description"`
}

// Detect lists USB printers from known vendors and every serial port.
// Either half may fail independently; the error reports the first failure.
func Detect() ([]Candidate, error) {
	usb, usbErr := DetectUSB()
	ports, serialErr := DetectSerial()

	candidates := append(usb, ports...)
	if usbErr != nil {
		return candidates, usbErr
	}
	return candidates, serialErr
}

func DetectUSB() ([]Candidate, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	var found []Candidate
	_, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if c, ok := usbCandidate(desc.Vendor, desc.Product, desc.Bus, desc.Address); ok {
			found = append(found, c)
		}
		return false
	})
	if err != nil {
		return found, fmt.Errorf("failed to enumerate usb devices: %w", err)
	}
	return found, nil
}

func usbCandidate(vendor, product gousb.ID, bus, address int) (Candidate, bool) {
	name, ok := KnownVendors[vendor]
	if !ok {
		return Candidate{}, false
	}
	return Candidate{
		Type:        KindUSB,
		VendorID:    fmt.Sprintf("0x%s", vendor),
		ProductID:   fmt.Sprintf("0x%s", product),
		VendorName:  name,
		Description: fmt.Sprintf("%s device on bus %03d address %03d", name, bus, address),
	}, true
}

func DetectSerial() ([]Candidate, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	sort.Strings(ports)

	found := make([]Candidate, 0, len(ports))
	for _, p := range ports {
		found = append(found, Candidate{
			Type:        KindSerial,
			Port:        p,
			Description: fmt.Sprintf("Serial Port (%s)", p),
		})
	}
	return found, nil
}

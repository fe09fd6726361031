package transport

import (
	"sort"

	bugserial "go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// PortInfo describes one enumerated serial port.
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"isUsb"`
	VendorID     string `json:"vendorId,omitempty"`
	ProductID    string `json:"productId,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	Product      string `json:"product,omitempty"`
}

// allow tests to override enumeration
var (
	getDetailedPortsList = enumerator.GetDetailedPortsList
	getPortsList         = bugserial.GetPortsList
)

// ListPorts enumerates the platform serial ports, sorted by name. USB details
// are filled when the platform exposes them; otherwise only names are listed.
func ListPorts() ([]PortInfo, error) {
	var out []PortInfo

	details, err := getDetailedPortsList()
	if err == nil {
		for _, d := range details {
			out = append(out, PortInfo{
				Name:         d.Name,
				IsUSB:        d.IsUSB,
				VendorID:     d.VID,
				ProductID:    d.PID,
				SerialNumber: d.SerialNumber,
				Product:      d.Product,
			})
		}
	} else {
		names, err := getPortsList()
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			out = append(out, PortInfo{Name: n})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// PortNames is ListPorts reduced to names.
func PortNames() ([]string, error) {
	ports, err := ListPorts()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(ports))
	for i, p := range ports {
		names[i] = p.Name
	}
	return names, nil
}

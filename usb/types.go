// SPDX-License-Identifier: Apache-2.0

package usb

import "fmt"

type Speed uint32

const (
	SpeedUnknown Speed = iota
	SpeedLow
	SpeedFull
	SpeedHigh
	SpeedWireless
	SpeedSuper
)

func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "low"
	case SpeedFull:
		return "full"
	case SpeedHigh:
		return "high"
	case SpeedWireless:
		return "wireless"
	case SpeedSuper:
		return "super"
	default:
		return "unknown"
	}
}

// ID is a USB vendor or product ID.
type ID uint16

func (id ID) String() string {
	return fmt.Sprintf("%04x", uint16(id))
}

type DeviceInfo struct {
	// BusID is the sysfs name of the device, such as 1-1.2. It is the path
	// used to select and open a device.
	BusID string `json:"bus_id"`
	// Vendor is the USB Vendor ID of the device.
	Vendor ID `json:"vendor"`
	// Product is the USB Product ID of the device.
	Product ID `json:"product"`

	BusNum uint16 `json:"busnum"`
	DevNum uint16 `json:"devnum"`
	Speed  Speed  `json:"speed"`

	// Manufacturer and ProductName are the strings reported by the device,
	// empty when it has none.
	Manufacturer string `json:"manufacturer"`
	ProductName  string `json:"product_name"`
}

// DevPath returns the usbfs node of the device.
func (d DeviceInfo) DevPath() string {
	return fmt.Sprintf("/dev/bus/usb/%03d/%03d", d.BusNum, d.DevNum)
}

// Status is the outcome of a transfer.
type Status uint8

const (
	Completed Status = iota
	TimedOut
	Stalled
	Cancelled
	Failed
	NoDevice
)

var statusNames = map[Status]string{
	Completed: "completed",
	TimedOut:  "timed_out",
	Stalled:   "stalled",
	Cancelled: "cancelled",
	Failed:    "failed",
	NoDevice:  "no_device",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Transfer is a completed transfer as reported by a Device.
type Transfer struct {
	// Endpoint is the source endpoint address, 0 for control transfers.
	Endpoint uint8
	// Out is set for OUT transfers, including control requests without a
	// data stage to read.
	Out bool
	// Data holds the bytes read by an IN transfer.
	Data   []byte
	Status Status
	Err    error
}

// SPDX-License-Identifier: Apache-2.0

package usb

import (
	baseerrors "errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const (
	Sys         = "/sys"
	sysBus      = "bus"
	devicesPath = "bus/usb/devices"
)

// Enumerator lists the USB devices known to sysfs.
type Enumerator struct {
	fsys   fs.FS
	logger log.Logger
}

// NewEnumerator reads devices from fsys, which is expected to be rooted at
// /sys.
func NewEnumerator(fsys fs.FS, logger log.Logger) *Enumerator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Enumerator{fsys: fsys, logger: logger}
}

func usbSysPath(busID string) string {
	return path.Join(sysBus, "usb", "devices", busID)
}

func (e *Enumerator) readDeviceAttribute(sysPath string, attributeName string) (string, error) {
	content, err := fs.ReadFile(e.fsys, path.Join(sysPath, attributeName))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(content)), nil
}

func (e *Enumerator) readDeviceUint16Attribute(sysPath string, attributeName string) (uint16, error) {
	attrStr, err := e.readDeviceAttribute(sysPath, attributeName)
	if err != nil {
		return 0, err
	}
	var result uint16 = 0
	_, err = fmt.Sscanf(attrStr, "%d", &result)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read device attribute %s", attributeName)
	}
	return result, nil
}

func (e *Enumerator) readDeviceUint16HexAttribute(sysPath string, attributeName string) (uint16, error) {
	attrStr, err := e.readDeviceAttribute(sysPath, attributeName)
	if err != nil {
		return 0, err
	}
	var result uint16 = 0
	_, err = fmt.Sscanf(attrStr, "%04x", &result)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read device attribute %s", attributeName)
	}
	return result, nil
}

// parseSpeed converts the speed attribute, in Mbit/s, to a Speed.
func parseSpeed(attr string) Speed {
	switch attr {
	case "1.5":
		return SpeedLow
	case "12":
		return SpeedFull
	case "480":
		return SpeedHigh
	case "53.3-480":
		return SpeedWireless
	case "5000", "10000", "20000":
		return SpeedSuper
	default:
		return SpeedUnknown
	}
}

// isDeviceEntry filters out interfaces (1-1:1.0) and root hubs (usb1).
func isDeviceEntry(name string) bool {
	return !strings.Contains(name, ":") && !strings.HasPrefix(name, "usb")
}

// Describe reads the attributes of the device with the given bus id.
func (e *Enumerator) Describe(busID string) (DeviceInfo, error) {
	sysPath := usbSysPath(busID)

	vendor, vendErr := e.readDeviceUint16HexAttribute(sysPath, "idVendor")
	product, prodErr := e.readDeviceUint16HexAttribute(sysPath, "idProduct")
	busnum, busnumErr := e.readDeviceUint16Attribute(sysPath, "busnum")
	devnum, devnumErr := e.readDeviceUint16Attribute(sysPath, "devnum")

	totalErr := baseerrors.Join(vendErr, prodErr, busnumErr, devnumErr)
	if totalErr != nil {
		return DeviceInfo{}, errors.Wrapf(totalErr, "failed to describe device %s", busID)
	}

	info := DeviceInfo{
		BusID:   busID,
		Vendor:  ID(vendor),
		Product: ID(product),
		BusNum:  busnum,
		DevNum:  devnum,
	}
	// optional attributes
	if speed, err := e.readDeviceAttribute(sysPath, "speed"); err == nil {
		info.Speed = parseSpeed(speed)
	}
	info.Manufacturer, _ = e.readDeviceAttribute(sysPath, "manufacturer")
	info.ProductName, _ = e.readDeviceAttribute(sysPath, "product")
	return info, nil
}

// List returns the devices matching vendor and product, sorted by bus id.
// A zero vendor or product matches any device.
func (e *Enumerator) List(vendor, product ID) ([]DeviceInfo, error) {
	entries, err := fs.ReadDir(e.fsys, devicesPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read usb sysdir")
	}

	var devices []DeviceInfo
	for _, entry := range entries {
		if !isDeviceEntry(entry.Name()) {
			continue
		}
		info, err := e.Describe(entry.Name())
		if err != nil {
			// devices may disappear while we walk the directory
			_ = level.Warn(e.logger).Log("msg", "skipping device", "busId", entry.Name(), "err", err)
			continue
		}
		if vendor != 0 && info.Vendor != vendor {
			continue
		}
		if product != 0 && info.Product != product {
			continue
		}
		devices = append(devices, info)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].BusID < devices[j].BusID
	})
	return devices, nil
}

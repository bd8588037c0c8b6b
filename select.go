// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/MatthiasValvekens/serialusb-proxy/usb"
	"github.com/efficientgo/core/errors"
)

var errNoDevice = errors.New("no matching device found")

// selectDevice picks the device to proxy: the one with the given bus id, the
// only candidate, or the one the user chooses from the printed list.
func selectDevice(devices []usb.DeviceInfo, busID string, in io.Reader, out io.Writer) (usb.DeviceInfo, error) {
	if busID != "" {
		for _, d := range devices {
			if d.BusID == busID {
				return d, nil
			}
		}
		return usb.DeviceInfo{}, errors.Wrapf(errNoDevice, "no device at %s", busID)
	}
	switch len(devices) {
	case 0:
		return usb.DeviceInfo{}, errNoDevice
	case 1:
		return devices[0], nil
	}

	usb.RenderDevices(out, devices)
	scanner := bufio.NewScanner(in)
	for {
		_, _ = fmt.Fprint(out, "Select the device to proxy: ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return usb.DeviceInfo{}, errors.Wrap(err, "failed to read selection")
			}
			return usb.DeviceInfo{}, errors.New("no device selected")
		}
		i, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
		if err != nil || i < 0 || i >= len(devices) {
			_, _ = fmt.Fprintf(out, "Enter a number between 0 and %d.\n", len(devices)-1)
			continue
		}
		return devices[i], nil
	}
}

// SPDX-License-Identifier: GPL-2.0-only

package usb

import (
	"fmt"
	"io"

	"github.com/google/gousb"
	"github.com/google/gousb/usbid"
	"github.com/olekukonko/tablewriter"
)

// Names returns readable vendor and product names, preferring the strings
// reported by the device over the usb.ids database.
func (d DeviceInfo) Names() (vendor, product string) {
	vendor, product = d.Manufacturer, d.ProductName
	if v, ok := usbid.Vendors[gousb.ID(d.Vendor)]; ok {
		if vendor == "" {
			vendor = v.Name
		}
		if p, ok := v.Product[gousb.ID(d.Product)]; ok && product == "" {
			product = p.Name
		}
	}
	if vendor == "" {
		vendor = "unknown vendor"
	}
	if product == "" {
		product = "unknown product"
	}
	return vendor, product
}

// RenderDevices prints a numbered device list, as used for the interactive
// selection.
func RenderDevices(w io.Writer, devices []DeviceInfo) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "VID", "PID", "Vendor", "Product", "Path", "Speed"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for i, d := range devices {
		vendor, product := d.Names()
		table.Append([]string{
			fmt.Sprintf("%d", i),
			"0x" + d.Vendor.String(),
			"0x" + d.Product.String(),
			vendor,
			product,
			d.BusID,
			d.Speed.String(),
		})
	}
	table.Render()
}

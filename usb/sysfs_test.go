package usb

import (
	"bytes"
	"strings"
	"testing"
	"testing/fstest"
)

func device(fsys fstest.MapFS, busID, vendor, product, busnum, devnum string) {
	base := "bus/usb/devices/" + busID + "/"
	fsys[base+"idVendor"] = &fstest.MapFile{Data: []byte(vendor + "\n")}
	fsys[base+"idProduct"] = &fstest.MapFile{Data: []byte(product + "\n")}
	fsys[base+"busnum"] = &fstest.MapFile{Data: []byte(busnum + "\n")}
	fsys[base+"devnum"] = &fstest.MapFile{Data: []byte(devnum + "\n")}
}

func TestDeviceEnumeration(t *testing.T) {
	fsys := fstest.MapFS{
		"bus/usb/devices/usb1/idVendor":    {Data: []byte("1d6b\n")},
		"bus/usb/devices/1-1:1.0/bInterfaceClass": {Data: []byte("03\n")},
	}
	device(fsys, "1-1", "045e", "028e", "1", "5")
	device(fsys, "1-1.2", "dead", "beef", "1", "7")
	device(fsys, "2-1", "045e", "0719", "2", "3")
	fsys["bus/usb/devices/1-1/speed"] = &fstest.MapFile{Data: []byte("12\n")}
	fsys["bus/usb/devices/1-1/manufacturer"] = &fstest.MapFile{Data: []byte("Acme\n")}
	fsys["bus/usb/devices/1-1/product"] = &fstest.MapFile{Data: []byte("Pad\n")}
	fsys["bus/usb/devices/1-1.2/speed"] = &fstest.MapFile{Data: []byte("480\n")}

	for _, tc := range []struct {
		name     string
		vendor   ID
		product  ID
		expected []DeviceInfo
	}{
		{
			name: "all",
			expected: []DeviceInfo{
				{BusID: "1-1", Vendor: 0x045e, Product: 0x028e, BusNum: 1, DevNum: 5, Speed: SpeedFull, Manufacturer: "Acme", ProductName: "Pad"},
				{BusID: "1-1.2", Vendor: 0xdead, Product: 0xbeef, BusNum: 1, DevNum: 7, Speed: SpeedHigh},
				{BusID: "2-1", Vendor: 0x045e, Product: 0x0719, BusNum: 2, DevNum: 3},
			},
		},
		{
			name:   "vendor",
			vendor: 0x045e,
			expected: []DeviceInfo{
				{BusID: "1-1", Vendor: 0x045e, Product: 0x028e, BusNum: 1, DevNum: 5, Speed: SpeedFull, Manufacturer: "Acme", ProductName: "Pad"},
				{BusID: "2-1", Vendor: 0x045e, Product: 0x0719, BusNum: 2, DevNum: 3},
			},
		},
		{
			name:    "vendor and product",
			vendor:  0x045e,
			product: 0x0719,
			expected: []DeviceInfo{
				{BusID: "2-1", Vendor: 0x045e, Product: 0x0719, BusNum: 2, DevNum: 3},
			},
		},
		{
			name:    "no match",
			product: 0x1234,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			devices, err := NewEnumerator(fsys, nil).List(tc.vendor, tc.product)
			if err != nil {
				t.Fatal(err)
			}
			if len(devices) != len(tc.expected) {
				t.Fatalf("got %d devices; want %d", len(devices), len(tc.expected))
			}
			for i := range devices {
				if devices[i] != tc.expected[i] {
					t.Errorf("device %d: got %v; want %v", i, devices[i], tc.expected[i])
				}
			}
		})
	}
}

func TestEnumerationSkipsIncompleteDevices(t *testing.T) {
	fsys := fstest.MapFS{}
	device(fsys, "1-1", "045e", "028e", "1", "5")
	fsys["bus/usb/devices/1-2/idVendor"] = &fstest.MapFile{Data: []byte("dead\n")}

	devices, err := NewEnumerator(fsys, nil).List(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 || devices[0].BusID != "1-1" {
		t.Errorf("unexpected devices %v", devices)
	}
}

func TestEnumerationWithoutSysfs(t *testing.T) {
	_, err := NewEnumerator(fstest.MapFS{}, nil).List(0, 0)
	if err == nil {
		t.Error("expected an error")
	}
}

func TestDescribe(t *testing.T) {
	fsys := fstest.MapFS{}
	device(fsys, "3-4", "xyz", "beef", "3", "2")

	if _, err := NewEnumerator(fsys, nil).Describe("3-4"); err == nil {
		t.Error("expected an error for a malformed vendor id")
	}

	device(fsys, "3-4", "dead", "beef", "3", "2")
	info, err := NewEnumerator(fsys, nil).Describe("3-4")
	if err != nil {
		t.Fatal(err)
	}
	if info.DevPath() != "/dev/bus/usb/003/002" {
		t.Errorf("got %s", info.DevPath())
	}
}

func TestRenderDevices(t *testing.T) {
	var buf bytes.Buffer
	RenderDevices(&buf, []DeviceInfo{
		{BusID: "1-1", Vendor: 0x045e, Product: 0x028e, Manufacturer: "Acme", ProductName: "Pad"},
		{BusID: "1-2", Vendor: 0xdead, Product: 0xbeef, Speed: SpeedFull},
	})
	out := buf.String()
	for _, expected := range []string{"0x045e", "Acme", "Pad", "1-2", "0xbeef", "full"} {
		if !strings.Contains(out, expected) {
			t.Errorf("missing %q in\n%s", expected, out)
		}
	}
}

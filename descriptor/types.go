// SPDX-License-Identifier: GPL-2.0-only

package descriptor

import "encoding/binary"

// Descriptor types.
const (
	TypeDevice          = 0x01
	TypeConfig          = 0x02
	TypeString          = 0x03
	TypeInterface       = 0x04
	TypeEndpoint        = 0x05
	TypeDeviceQualifier = 0x06
	TypeHID             = 0x21
	TypeReport          = 0x22
)

// Standard request and request type values.
const (
	RequestGetDescriptor = 0x06

	RequestDirIn       = 0x80
	RequestRecipMask   = 0x1f
	RecipientInterface = 0x01
	RecipientEndpoint  = 0x02
	TransferTypeMask   = 0x03
	EndpointNumberMask = 0x0f
	EndpointDirMask    = 0x80
)

const (
	deviceDescriptorLen = 18
	configHeaderLen     = 9
	interfaceLen        = 9
	endpointLen         = 7
	hidLen              = 9
	stringHeaderLen     = 4
)

// Endpoint transfer types as found in bmAttributes.
const (
	TransferControl     = 0
	TransferIsochronous = 1
	TransferBulk        = 2
	TransferInterrupt   = 3
)

// Selector builds the wValue of a GET_DESCRIPTOR request.
func Selector(descriptorType, index uint8) uint16 {
	return uint16(descriptorType)<<8 | uint16(index)
}

// Tree holds the raw descriptors of a device. Endpoint, interface and HID
// views point into the raw configuration bytes, so changes made through them
// are visible in what gets sent to the peer.
type Tree struct {
	Device         []byte
	LangID0        []byte
	Configurations []*Configuration
	Others         []Other
}

// Other is a descriptor fetched with its own request, such as a string or a
// HID report descriptor.
type Other struct {
	Value uint16
	Index uint16
	Data  []byte
}

func (t *Tree) VendorID() uint16 {
	return binary.LittleEndian.Uint16(t.Device[8:10])
}

func (t *Tree) ProductID() uint16 {
	return binary.LittleEndian.Uint16(t.Device[10:12])
}

func (t *Tree) NumConfigurations() uint8 {
	return t.Device[17]
}

// LangID returns the first language advertised by the device, 0 if unknown.
func (t *Tree) LangID() uint16 {
	if len(t.LangID0) < stringHeaderLen {
		return 0
	}
	return binary.LittleEndian.Uint16(t.LangID0[2:4])
}

func (t *Tree) hasOther(value, index uint16) bool {
	for _, o := range t.Others {
		if o.Value == value && o.Index == index {
			return true
		}
	}
	return false
}

// Configuration is one configuration descriptor with everything that follows
// it up to wTotalLength.
type Configuration struct {
	Raw        []byte
	Interfaces []*Interface

	order []*AltSetting
}

func (c *Configuration) altSettingsInOrder() []*AltSetting {
	return c.order
}

func (c *Configuration) Value() uint8 {
	return c.Raw[5]
}

func (c *Configuration) StringIndex() uint8 {
	return c.Raw[6]
}

func (c *Configuration) TotalLength() uint16 {
	return binary.LittleEndian.Uint16(c.Raw[2:4])
}

// Interface groups the alternate settings sharing an interface number.
type Interface struct {
	AltSettings []*AltSetting
}

type AltSetting struct {
	raw       []byte
	Endpoints []*Endpoint
	HID       *HID
}

func (a *AltSetting) Number() uint8 {
	return a.raw[2]
}

func (a *AltSetting) Alternate() uint8 {
	return a.raw[3]
}

func (a *AltSetting) NumEndpoints() uint8 {
	return a.raw[4]
}

func (a *AltSetting) StringIndex() uint8 {
	return a.raw[8]
}

type Endpoint struct {
	raw []byte
}

func (e *Endpoint) Address() uint8 {
	return e.raw[2]
}

func (e *Endpoint) Number() uint8 {
	return e.raw[2] & EndpointNumberMask
}

func (e *Endpoint) IsIn() bool {
	return e.raw[2]&EndpointDirMask != 0
}

func (e *Endpoint) TransferType() uint8 {
	return e.raw[3] & TransferTypeMask
}

func (e *Endpoint) MaxPacketSize() uint16 {
	return binary.LittleEndian.Uint16(e.raw[4:6])
}

// Disabled reports whether the endpoint was pruned from the configuration.
func (e *Endpoint) Disabled() bool {
	return e.raw[1] != TypeEndpoint
}

type HID struct {
	raw []byte
}

// ReportLength is the size of the first class descriptor, the report descriptor.
func (h *HID) ReportLength() uint16 {
	return binary.LittleEndian.Uint16(h.raw[7:9])
}

// TransferTypeName returns a readable name of an endpoint transfer type.
func TransferTypeName(t uint8) string {
	switch t & TransferTypeMask {
	case TransferInterrupt:
		return "interrupt"
	case TransferBulk:
		return "bulk"
	case TransferIsochronous:
		return "isochronous"
	default:
		return "control"
	}
}

// SPDX-License-Identifier: GPL-2.0-only

package descriptor

import (
	"github.com/efficientgo/core/errors"
)

// ParseConfiguration indexes the interfaces, endpoints and HID descriptors of
// a raw configuration descriptor. raw is kept, not copied, and is truncated
// to wTotalLength.
func ParseConfiguration(raw []byte) (*Configuration, error) {
	if len(raw) < configHeaderLen {
		return nil, errors.Newf("configuration descriptor too short: %d bytes", len(raw))
	}
	if raw[1] != TypeConfig {
		return nil, errors.Newf("unexpected descriptor type 0x%02x in configuration", raw[1])
	}
	c := &Configuration{Raw: raw}
	total := int(c.TotalLength())
	if total > len(raw) {
		return nil, errors.Newf("configuration truncated: wTotalLength is %d but only %d bytes were read", total, len(raw))
	}
	c.Raw = raw[:total]
	c.Interfaces = make([]*Interface, raw[4])
	for i := range c.Interfaces {
		c.Interfaces[i] = &Interface{}
	}

	var current *AltSetting
	for offset := int(raw[0]); offset < total; {
		if total-offset < 2 {
			return nil, errors.Newf("trailing byte at offset %d", offset)
		}
		length := int(c.Raw[offset])
		if length < 2 || offset+length > total {
			return nil, errors.Newf("bad descriptor length %d at offset %d", length, offset)
		}
		desc := c.Raw[offset : offset+length]

		switch desc[1] {
		case TypeInterface:
			if length < interfaceLen {
				return nil, errors.Newf("interface descriptor too short at offset %d", offset)
			}
			number := int(desc[2])
			if number >= len(c.Interfaces) {
				return nil, errors.Newf("bad interface number %d at offset %d", number, offset)
			}
			current = &AltSetting{raw: desc}
			c.Interfaces[number].AltSettings = append(c.Interfaces[number].AltSettings, current)
			c.order = append(c.order, current)
		case TypeEndpoint:
			if current == nil {
				return nil, errors.Newf("endpoint descriptor outside of an interface at offset %d", offset)
			}
			if length < endpointLen {
				return nil, errors.Newf("endpoint descriptor too short at offset %d", offset)
			}
			current.Endpoints = append(current.Endpoints, &Endpoint{raw: desc})
		case TypeHID:
			if current == nil {
				return nil, errors.Newf("HID descriptor outside of an interface at offset %d", offset)
			}
			if length < hidLen {
				return nil, errors.Newf("HID descriptor too short at offset %d", offset)
			}
			current.HID = &HID{raw: desc}
		}
		offset += length
	}
	return c, nil
}

// SPDX-License-Identifier: GPL-2.0-only

package protocol

import "fmt"

// Type identifies the content of a packet. The values are shared with the
// firmware and must not change.
type Type uint8

const (
	TypeDescriptors Type = iota
	TypeIndex
	TypeEndpoints
	TypeReset
	TypeControl
	TypeControlStall
	TypeIn
	TypeOut
	TypeDebug
)

const (
	// MaxPacketSize is the size of the packet buffer on both sides of the link.
	MaxPacketSize = 256
	HeaderSize    = 2
	// MaxValueSize is the largest payload a single packet can carry.
	MaxValueSize = MaxPacketSize - HeaderSize

	MaxDescriptorsSize = 1024
	MaxDescriptors     = 32
	MaxEndpoints       = 6
	MaxPacketSizeEP0   = 64
	MaxPayloadSizeEP   = 64

	DefaultBaudRate = 500000
)

var typeNames = map[Type]string{
	TypeDescriptors:  "descriptors",
	TypeIndex:        "index",
	TypeEndpoints:    "endpoints",
	TypeReset:        "reset",
	TypeControl:      "control",
	TypeControlStall: "control_stall",
	TypeIn:           "in",
	TypeOut:          "out",
	TypeDebug:        "debug",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02x)", uint8(t))
}

// Packet is one framed unit exchanged with the peer.
type Packet struct {
	Type  Type
	Value []byte
}

// IndexEntry locates one descriptor inside the descriptor blob.
type IndexEntry struct {
	Offset uint16
	Value  uint16
	Index  uint16
	Length uint16
}

// EndpointConfig describes an endpoint the peer has to configure.
// Number carries the direction bit (0x80 for IN).
type EndpointConfig struct {
	Number uint8
	Type   uint8
	Size   uint8
}

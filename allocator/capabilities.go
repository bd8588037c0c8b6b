// SPDX-License-Identifier: GPL-2.0-only

package allocator

// TransferTypes is a set of endpoint transfer types.
type TransferTypes uint8

const (
	Interrupt TransferTypes = 1 << iota
	Bulk
	Isochronous

	NoTransfer  TransferTypes = 0
	AnyTransfer               = Interrupt | Bulk | Isochronous
)

// Capabilities describes what one endpoint slot can do, independently for
// each direction. The used flags are only ever set on target slots while
// binding.
type Capabilities uint16

const (
	outShift = 0
	inShift  = 4

	// Bidirectional marks a slot that may carry both directions at once.
	Bidirectional Capabilities = 1 << 8
	inUsed        Capabilities = 1 << 9
	outUsed       Capabilities = 1 << 10

	InAll  = Capabilities(AnyTransfer) << inShift
	OutAll = Capabilities(AnyTransfer) << outShift
)

// In returns the capabilities of an IN endpoint supporting t.
func In(t TransferTypes) Capabilities {
	return Capabilities(t) << inShift
}

// Out returns the capabilities of an OUT endpoint supporting t.
func Out(t TransferTypes) Capabilities {
	return Capabilities(t) << outShift
}

// Bidir returns the capabilities of a slot supporting t in both directions
// at the same time. Bidir(NoTransfer) is just the Bidirectional flag.
func Bidir(t TransferTypes) Capabilities {
	return In(t) | Out(t) | Bidirectional
}

func (c Capabilities) InTypes() TransferTypes {
	return TransferTypes((c & InAll) >> inShift)
}

func (c Capabilities) OutTypes() TransferTypes {
	return TransferTypes((c & OutAll) >> outShift)
}

func (c Capabilities) IsBidir() bool {
	return c&Bidirectional != 0
}

// Covers reports whether c offers everything other requires.
func (c Capabilities) Covers(other Capabilities) bool {
	return c&other == other
}

// MaxEndpointNumber is the highest endpoint number a USB device may use.
const MaxEndpointNumber = 15

// Set holds the capabilities of endpoint slots 1 to 15. Slot i+1 lives at
// index i, a zero value means the slot does not exist.
type Set [MaxEndpointNumber]Capabilities

// Slot returns the capabilities of the endpoint with the given number.
func (s *Set) Slot(number uint8) Capabilities {
	if number == 0 || number > MaxEndpointNumber {
		return 0
	}
	return s[number-1]
}

// Add merges caps into the slot of the endpoint with the given number.
func (s *Set) Add(number uint8, caps Capabilities) {
	if number == 0 || number > MaxEndpointNumber {
		return
	}
	s[number-1] |= caps
}

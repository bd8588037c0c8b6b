// SPDX-License-Identifier: GPL-2.0-only

package allocator

const (
	// DirIn is the direction bit of an IN endpoint address.
	DirIn = 0x80

	numberMask = 0x0f
)

// Table maps endpoint addresses of one side to endpoint addresses of the
// other. The first index is the direction (0 for OUT, 1 for IN), the second
// one the endpoint number minus one. Values carry the direction bit, zero
// means unmapped.
type Table [2][MaxEndpointNumber]uint8

func (t *Table) lookup(address uint8) uint8 {
	number := address & numberMask
	if number == 0 {
		return 0
	}
	return t[address>>7][number-1]
}

func (t *Table) set(address, value uint8) {
	t[address>>7][(address&numberMask)-1] = value
}

// Map binds source endpoints to target endpoints. It is computed once per
// session and never modified afterwards.
type Map struct {
	SourceToTarget     Table
	TargetToSource     Table
	SourceToTargetStub Table
}

// Target returns the target address bound to a source address, 0 if none.
func (m *Map) Target(source uint8) uint8 {
	return m.SourceToTarget.lookup(source)
}

// Source returns the source address bound to a target address, 0 if none.
func (m *Map) Source(target uint8) uint8 {
	return m.TargetToSource.lookup(target)
}

// Stub returns the stub address borrowed for an unbound source address, 0 if none.
func (m *Map) Stub(source uint8) uint8 {
	return m.SourceToTargetStub.lookup(source)
}

func (m *Map) bind(dir, source, target uint8) {
	m.SourceToTarget.set(dir|source, dir|target)
	m.TargetToSource.set(dir|target, dir|source)
}

// Bind computes the endpoint map of source onto target. If any source slot
// is not covered by the target slot with the same number, every endpoint is
// renumbered and true is returned. Otherwise endpoints keep their numbers.
// Target slots are scanned in ascending order and the first eligible one
// wins. Source endpoints that cannot be bound borrow a stub target endpoint
// when one is left. The in-use flags of target are updated in place.
func Bind(source Set, target *Set) (Map, bool) {
	var m Map
	renumber := needsRenumbering(&source, target)

	for i, caps := range source {
		number := uint8(i + 1)
		targetNumber := number
		if caps.IsBidir() {
			if renumber {
				targetNumber = allocate(caps, target)
			}
			if targetNumber != 0 {
				m.bind(DirIn, number, targetNumber)
				m.bind(0, number, targetNumber)
				continue
			}
			// fall back to one target endpoint per direction
		}
		if caps&InAll != 0 {
			if renumber {
				targetNumber = allocate(caps&InAll, target)
			}
			if targetNumber != 0 {
				m.bind(DirIn, number, targetNumber)
			}
		}
		if caps&OutAll != 0 {
			if renumber {
				targetNumber = allocate(caps&OutAll, target)
			}
			if targetNumber != 0 {
				m.bind(0, number, targetNumber)
			}
		}
	}

	for i, caps := range source {
		number := uint8(i + 1)
		if caps&InAll != 0 {
			m.allocateStub(DirIn | number)
		}
		if caps&OutAll != 0 {
			m.allocateStub(number)
		}
	}

	return m, renumber
}

func needsRenumbering(source, target *Set) bool {
	for i, caps := range source {
		if caps != 0 && !target[i].Covers(caps) {
			return true
		}
	}
	return false
}

// allocate reserves the first target slot able to serve caps and returns its
// number, or 0 when there is none.
func allocate(caps Capabilities, target *Set) uint8 {
	wantIn := caps&InAll != 0
	wantOut := caps&OutAll != 0
	for i, slot := range target {
		if !slot.Covers(caps) {
			continue
		}
		// a slot used in the other direction is only shared when bidirectional
		if wantIn && (slot&inUsed != 0 || slot&outUsed != 0 && !slot.IsBidir()) {
			continue
		}
		if wantOut && (slot&outUsed != 0 || slot&inUsed != 0 && !slot.IsBidir()) {
			continue
		}
		if wantIn {
			target[i] |= inUsed
		}
		if wantOut {
			target[i] |= outUsed
		}
		return uint8(i + 1)
	}
	return 0
}

// allocateStub records a stub for source unless it is already bound. Stubs
// are target endpoints no source is bound to and no other source borrows.
func (m *Map) allocateStub(source uint8) {
	if m.Target(source) != 0 {
		return
	}
	dir := source & DirIn
	for number := uint8(1); number <= MaxEndpointNumber; number++ {
		candidate := dir | number
		if m.Source(candidate) != 0 || m.stubTaken(candidate) {
			continue
		}
		m.SourceToTargetStub.set(source, candidate)
		return
	}
}

func (m *Map) stubTaken(target uint8) bool {
	for _, stub := range m.SourceToTargetStub[target>>7] {
		if stub == target {
			return true
		}
	}
	return false
}

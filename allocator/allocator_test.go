package allocator

import (
	"bytes"
	"strings"
	"testing"

	"github.com/efficientgo/core/testutil"
)

var (
	x360Source = Set{In(Interrupt), Out(Interrupt), In(Interrupt), Out(Interrupt), Bidir(Interrupt), In(Interrupt)}
	xOneSource = Set{In(Interrupt), Out(Interrupt), In(Isochronous), Out(Isochronous), Bidir(Bulk), In(Bulk)}
	ds4Source  = Set{0, 0, Out(Interrupt), In(Interrupt)}
	ds3Source  = Set{In(Interrupt), Out(Interrupt)}
)

func table(out, in []uint8) Table {
	var t Table
	copy(t[0][:], out)
	copy(t[1][:], in)
	return t
}

func TestBind(t *testing.T) {
	for _, tc := range []struct {
		name     string
		source   Set
		target   Set
		expected Map
		renumber bool
	}{
		{
			name:   "x360 controller to avr8",
			source: x360Source,
			target: AVR8(),
			expected: Map{
				SourceToTarget:     table([]uint8{0x00, 0x02, 0x00, 0x04, 0x06, 0x00}, []uint8{0x81, 0x00, 0x83, 0x00, 0x85, 0x00}),
				TargetToSource:     table([]uint8{0x00, 0x02, 0x00, 0x04, 0x00, 0x05}, []uint8{0x81, 0x00, 0x83, 0x00, 0x85, 0x00}),
				SourceToTargetStub: table(nil, []uint8{0x00, 0x00, 0x00, 0x00, 0x00, 0x82}),
			},
			renumber: true,
		},
		{
			name:   "xOne controller to avr8",
			source: xOneSource,
			target: AVR8(),
			expected: Map{
				SourceToTarget:     table([]uint8{0x00, 0x02}, []uint8{0x81}),
				TargetToSource:     table([]uint8{0x00, 0x02}, []uint8{0x81}),
				SourceToTargetStub: table([]uint8{0x00, 0x00, 0x00, 0x01, 0x03, 0x00}, []uint8{0x00, 0x00, 0x82, 0x00, 0x83, 0x84}),
			},
			renumber: true,
		},
		{
			name:   "ds4 controller to avr8",
			source: ds4Source,
			target: AVR8(),
			expected: Map{
				SourceToTarget: table([]uint8{0x00, 0x00, 0x03, 0x00}, []uint8{0x00, 0x00, 0x00, 0x84}),
				TargetToSource: table([]uint8{0x00, 0x00, 0x03, 0x00}, []uint8{0x00, 0x00, 0x00, 0x84}),
			},
		},
		{
			name:   "ds3 controller to avr8",
			source: ds3Source,
			target: AVR8(),
			expected: Map{
				SourceToTarget: table([]uint8{0x00, 0x02}, []uint8{0x81}),
				TargetToSource: table([]uint8{0x00, 0x02}, []uint8{0x81}),
			},
		},
		{
			name:   "x360 controller to dummy_hcd",
			source: x360Source,
			target: DummyHCD(),
			expected: Map{
				SourceToTarget: table([]uint8{0x00, 0x03, 0x00, 0x05, 0x0a}, []uint8{0x84, 0x00, 0x85, 0x00, 0x8a, 0x87}),
				TargetToSource: table([]uint8{0x00, 0x00, 0x02, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00, 0x05}, []uint8{0x00, 0x00, 0x00, 0x81, 0x83, 0x00, 0x86, 0x00, 0x00, 0x85}),
			},
			renumber: true,
		},
		{
			name:   "xOne controller to dummy_hcd",
			source: xOneSource,
			target: DummyHCD(),
			expected: Map{
				SourceToTarget: table([]uint8{0x00, 0x03, 0x00, 0x04, 0x01}, []uint8{0x84, 0x00, 0x83, 0x00, 0x81, 0x82}),
				TargetToSource: table([]uint8{0x05, 0x00, 0x02, 0x04}, []uint8{0x85, 0x86, 0x83, 0x81}),
			},
			renumber: true,
		},
		{
			name:   "ds4 controller to dummy_hcd",
			source: ds4Source,
			target: DummyHCD(),
			expected: Map{
				SourceToTarget: table([]uint8{0x00, 0x00, 0x03, 0x00}, []uint8{0x00, 0x00, 0x00, 0x84}),
				TargetToSource: table([]uint8{0x00, 0x00, 0x03, 0x00}, []uint8{0x00, 0x00, 0x00, 0x84}),
			},
		},
		{
			name:   "ds3 controller to dummy_hcd",
			source: ds3Source,
			target: DummyHCD(),
			expected: Map{
				SourceToTarget: table([]uint8{0x00, 0x03}, []uint8{0x84}),
				TargetToSource: table([]uint8{0x00, 0x00, 0x02}, []uint8{0x00, 0x00, 0x00, 0x81}),
			},
			renumber: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			target := tc.target
			m, renumber := Bind(tc.source, &target)
			testutil.Equals(t, tc.renumber, renumber)
			testutil.Equals(t, tc.expected, m)
			checkInvariants(t, tc.source, tc.target, m, renumber)
		})
	}
}

func checkInvariants(t *testing.T, source, target Set, m Map, renumber bool) {
	t.Helper()
	for dir := 0; dir < 2; dir++ {
		seen := map[uint8]uint8{}
		for i, tgt := range m.SourceToTarget[dir] {
			if tgt == 0 {
				continue
			}
			src := uint8(dir<<7) | uint8(i+1)
			testutil.Equals(t, src, m.Source(tgt))
			if other, ok := seen[tgt]; ok {
				t.Errorf("sources 0x%02x and 0x%02x share target 0x%02x", other, src, tgt)
			}
			seen[tgt] = src
		}
		for i, stub := range m.SourceToTargetStub[dir] {
			if stub == 0 {
				continue
			}
			src := uint8(dir<<7) | uint8(i+1)
			testutil.Equals(t, uint8(0), m.Target(src))
			testutil.Equals(t, uint8(0), m.Source(stub))
			if other, ok := seen[stub]; ok {
				t.Errorf("sources 0x%02x and 0x%02x share target 0x%02x", other, src, stub)
			}
			seen[stub] = src
		}
	}
	if !renumber {
		for i, caps := range source {
			testutil.Assert(t, target[i].Covers(caps), "slot %d: identity mapping used but 0x%04x does not cover 0x%04x", i+1, target[i], caps)
		}
	}
}

func TestBindIsDeterministic(t *testing.T) {
	for _, source := range []Set{x360Source, xOneSource, ds4Source, ds3Source} {
		for _, target := range []Set{AVR8(), DummyHCD()} {
			first, second := target, target
			m1, r1 := Bind(source, &first)
			m2, r2 := Bind(source, &second)
			testutil.Equals(t, r1, r2)
			testutil.Equals(t, m1, m2)
			testutil.Equals(t, first, second)
		}
	}
}

func TestBindDoesNotShareStubs(t *testing.T) {
	// none of these fit an interrupt-only target, so all of them need stubs
	source := Set{In(Isochronous), In(Isochronous), Out(Bulk), In(Bulk), Out(Isochronous)}
	target := AVR8()
	m, renumber := Bind(source, &target)
	testutil.Assert(t, renumber, "expected renumbering")
	testutil.Equals(t, table([]uint8{0, 0, 0x01, 0, 0x02}, []uint8{0x81, 0x82, 0, 0x83}), m.SourceToTargetStub)
	testutil.Equals(t, Table{}, m.SourceToTarget)
	checkInvariants(t, source, AVR8(), m, renumber)
}

func TestStubsSpanAllEndpointNumbers(t *testing.T) {
	var source Set
	for i := range source {
		source[i] = In(Bulk)
	}
	target := Set{In(Interrupt), In(Interrupt)}
	m, _ := Bind(source, &target)
	testutil.Equals(t, uint8(0x81), m.Stub(0x81))
	testutil.Equals(t, uint8(0x82), m.Stub(0x82))
	// stubs are not limited to slots the target declares
	testutil.Equals(t, uint8(0x8f), m.Stub(0x8f))
	testutil.Equals(t, uint8(0), m.Stub(0x01))
}

func TestBindMarksTargetSlots(t *testing.T) {
	target := AVR8()
	Bind(ds3Source, &target)
	// identity mapping does not reserve anything
	testutil.Equals(t, AVR8(), target)

	target = DummyHCD()
	Bind(ds3Source, &target)
	testutil.Equals(t, DummyHCD()[2]|outUsed, target[2])
	testutil.Equals(t, DummyHCD()[3]|inUsed, target[3])
}

func TestLookups(t *testing.T) {
	target := AVR8()
	m, _ := Bind(x360Source, &target)
	testutil.Equals(t, uint8(0x06), m.Target(0x05))
	testutil.Equals(t, uint8(0x85), m.Target(0x85))
	testutil.Equals(t, uint8(0x05), m.Source(0x06))
	testutil.Equals(t, uint8(0x82), m.Stub(0x86))
	testutil.Equals(t, uint8(0), m.Target(0x00))
	testutil.Equals(t, uint8(0), m.Source(0x80))
}

func TestProfileSpec(t *testing.T) {
	spec := ProfileSpec{
		Name: "custom",
		Slots: []SlotSpec{
			{In: []string{"interrupt"}, Out: []string{"int"}},
			{In: []string{"bulk"}, Out: []string{"all"}, Bidirectional: true},
		},
	}
	s, err := ResolveProfile("custom", []ProfileSpec{spec})
	testutil.Ok(t, err)
	testutil.Equals(t, In(Interrupt)|Out(Interrupt), s[0])
	testutil.Equals(t, In(Bulk)|Out(AnyTransfer)|Bidirectional, s[1])

	_, err = ProfileSpec{Name: "bad", Slots: []SlotSpec{{In: []string{"control"}}}}.Set()
	testutil.NotOk(t, err)
	_, err = ProfileSpec{Name: "bad", Slots: []SlotSpec{{In: []string{"bulk"}, Bidirectional: true}}}.Set()
	testutil.NotOk(t, err)

	s, err = ResolveProfile(ProfileDummyHCD, nil)
	testutil.Ok(t, err)
	testutil.Equals(t, DummyHCD(), s)

	_, err = ResolveProfile("nope", nil)
	testutil.NotOk(t, err)
}

func TestRender(t *testing.T) {
	target := AVR8()
	m, _ := Bind(x360Source, &target)

	var buf bytes.Buffer
	m.Render(&buf)
	testutil.Assert(t, strings.Contains(buf.String(), "0x86"), "missing stubbed source in %q", buf.String())
	testutil.Assert(t, strings.Contains(buf.String(), "stub"), "missing stub marker in %q", buf.String())

	buf.Reset()
	RenderSet(&buf, &x360Source)
	testutil.Equals(t, 8, strings.Count(buf.String(), "X"))
}

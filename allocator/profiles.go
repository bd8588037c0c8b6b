// SPDX-License-Identifier: GPL-2.0-only

package allocator

import (
	"sort"
	"strings"

	"github.com/efficientgo/core/errors"
)

const (
	ProfileAVR8     = "avr8"
	ProfileDummyHCD = "dummy_hcd"
)

// AVR8 is the endpoint layout of the AVR USB controllers running the proxy
// firmware: six endpoints, each usable for interrupt IN and interrupt OUT.
func AVR8() Set {
	var s Set
	for i := 0; i < 6; i++ {
		s[i] = In(Interrupt) | Out(Interrupt)
	}
	return s
}

// DummyHCD is the endpoint layout of the Linux dummy_hcd gadget controller.
func DummyHCD() Set {
	shared := Bidir(NoTransfer)
	return Set{
		Bidir(Bulk),
		Bidir(Bulk),
		In(Isochronous) | Out(AnyTransfer) | shared,
		In(AnyTransfer) | Out(Isochronous) | shared,
		In(Interrupt) | Out(AnyTransfer) | shared,
		In(Bulk) | Out(AnyTransfer) | shared,
		In(AnyTransfer) | Out(Bulk) | shared,
		In(Isochronous) | Out(AnyTransfer) | shared,
		In(AnyTransfer) | Out(Isochronous) | shared,
		In(Interrupt) | Out(AnyTransfer) | shared,
		In(Bulk) | Out(AnyTransfer) | shared,
		In(AnyTransfer) | Out(Bulk) | shared,
		In(Isochronous) | Out(AnyTransfer) | shared,
		In(AnyTransfer) | Out(Isochronous) | shared,
		In(Interrupt) | Out(AnyTransfer) | shared,
	}
}

var builtinProfiles = map[string]func() Set{
	ProfileAVR8:     AVR8,
	ProfileDummyHCD: DummyHCD,
}

// BuiltinProfiles lists the names of the predefined target layouts.
func BuiltinProfiles() []string {
	names := make([]string, 0, len(builtinProfiles))
	for name := range builtinProfiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SlotSpec describes one target endpoint slot in a configuration file.
type SlotSpec struct {
	In            []string `json:"in"`
	Out           []string `json:"out"`
	Bidirectional bool     `json:"bidirectional"`
}

// ProfileSpec is a target layout defined in a configuration file.
type ProfileSpec struct {
	Name  string     `json:"name"`
	Slots []SlotSpec `json:"slots"`
}

func parseTransferTypes(names []string) (TransferTypes, error) {
	var t TransferTypes
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "interrupt", "int":
			t |= Interrupt
		case "bulk", "blk":
			t |= Bulk
		case "isochronous", "iso":
			t |= Isochronous
		case "all", "any":
			t |= AnyTransfer
		default:
			return 0, errors.Newf("unknown transfer type %q", name)
		}
	}
	return t, nil
}

// Set converts the profile into a capability set.
func (p ProfileSpec) Set() (Set, error) {
	var s Set
	if len(p.Slots) > MaxEndpointNumber {
		return s, errors.Newf("profile %s: %d slots exceed the %d endpoint numbers", p.Name, len(p.Slots), MaxEndpointNumber)
	}
	for i, slot := range p.Slots {
		in, err := parseTransferTypes(slot.In)
		if err != nil {
			return s, errors.Wrapf(err, "profile %s: slot %d", p.Name, i+1)
		}
		out, err := parseTransferTypes(slot.Out)
		if err != nil {
			return s, errors.Wrapf(err, "profile %s: slot %d", p.Name, i+1)
		}
		s[i] = In(in) | Out(out)
		if slot.Bidirectional {
			if in == NoTransfer || out == NoTransfer {
				return s, errors.Newf("profile %s: slot %d is bidirectional but lacks a direction", p.Name, i+1)
			}
			s[i] |= Bidirectional
		}
	}
	return s, nil
}

// ResolveProfile returns the target layout with the given name, looking at
// custom profiles before the builtin ones.
func ResolveProfile(name string, custom []ProfileSpec) (Set, error) {
	for _, spec := range custom {
		if spec.Name == name {
			return spec.Set()
		}
	}
	if f, ok := builtinProfiles[name]; ok {
		return f(), nil
	}
	return Set{}, errors.Newf("unknown target profile %q; builtin profiles are: %s", name, strings.Join(BuiltinProfiles(), ", "))
}

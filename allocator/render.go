// SPDX-License-Identifier: GPL-2.0-only

package allocator

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

var stubColor = color.New(color.FgRed).SprintFunc()

func mark(present bool) string {
	if present {
		return "X"
	}
	return ""
}

// RenderSet prints the existing slots of s as a table.
func RenderSet(w io.Writer, s *Set) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"EP", "IN INT", "IN BLK", "IN ISO", "OUT INT", "OUT BLK", "OUT ISO", "BIDIR"})
	table.SetAlignment(tablewriter.ALIGN_CENTER)
	for i, caps := range s {
		if caps == 0 {
			continue
		}
		in, out := caps.InTypes(), caps.OutTypes()
		table.Append([]string{
			fmt.Sprintf("%d", i+1),
			mark(in&Interrupt != 0),
			mark(in&Bulk != 0),
			mark(in&Isochronous != 0),
			mark(out&Interrupt != 0),
			mark(out&Bulk != 0),
			mark(out&Isochronous != 0),
			mark(caps.IsBidir()),
		})
	}
	table.Render()
}

// Render prints every bound and stubbed source endpoint of m as a table.
func (m *Map) Render(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Source", "Target", "Kind"})
	for i := 0; i < MaxEndpointNumber; i++ {
		for _, dir := range []uint8{0, DirIn} {
			source := dir | uint8(i+1)
			if target := m.Target(source); target != 0 {
				table.Append([]string{fmt.Sprintf("0x%02x", source), fmt.Sprintf("0x%02x", target), "bound"})
			}
			if stub := m.Stub(source); stub != 0 {
				table.Append([]string{fmt.Sprintf("0x%02x", source), fmt.Sprintf("0x%02x", stub), stubColor("stub")})
			}
		}
	}
	table.Render()
}

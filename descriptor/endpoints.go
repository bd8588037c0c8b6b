// SPDX-License-Identifier: GPL-2.0-only

package descriptor

import (
	baseerrors "errors"
	"fmt"
	"io"

	"github.com/MatthiasValvekens/serialusb-proxy/allocator"
	"github.com/MatthiasValvekens/serialusb-proxy/protocol"
	"github.com/efficientgo/core/errors"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

var ErrEndpointTableFull = errors.New("endpoint table full")

func capabilityOf(transferType uint8) allocator.TransferTypes {
	switch transferType {
	case TransferInterrupt:
		return allocator.Interrupt
	case TransferBulk:
		return allocator.Bulk
	case TransferIsochronous:
		return allocator.Isochronous
	default:
		return allocator.NoTransfer
	}
}

// Capabilities collects what the endpoints of every interface and alternate
// setting of c require. A slot used in both directions is bidirectional.
func (c *Configuration) Capabilities() allocator.Set {
	var s allocator.Set
	for _, intf := range c.Interfaces {
		for _, alt := range intf.AltSettings {
			for _, ep := range alt.Endpoints {
				t := capabilityOf(ep.TransferType())
				if ep.IsIn() {
					s.Add(ep.Number(), allocator.In(t))
				} else {
					s.Add(ep.Number(), allocator.Out(t))
				}
				if caps := s.Slot(ep.Number()); caps&allocator.InAll != 0 && caps&allocator.OutAll != 0 {
					s.Add(ep.Number(), allocator.Bidirectional)
				}
			}
		}
	}
	return s
}

type Action int

const (
	Kept Action = iota
	Remapped
	Stubbed
	Pruned
)

func (a Action) String() string {
	switch a {
	case Kept:
		return "kept"
	case Remapped:
		return "remapped"
	case Stubbed:
		return "stub"
	default:
		return "no stub available"
	}
}

// FixedEndpoint records what happened to one endpoint descriptor.
type FixedEndpoint struct {
	Interface     uint8
	Alternate     uint8
	Source        uint8
	Target        uint8
	TransferType  uint8
	MaxPacketSize uint16
	Action        Action
	// Configured is set when the peer has to configure the endpoint.
	Configured bool
	Oversized  bool
}

// FixReport describes the fix-up of a configuration.
type FixReport struct {
	Endpoints []FixedEndpoint
	// Table lists the endpoints the peer has to configure.
	Table []protocol.EndpointConfig
}

// Pruned returns the number of endpoints removed from the configuration.
func (r *FixReport) Pruned() int {
	n := 0
	for _, ep := range r.Endpoints {
		if ep.Action == Pruned {
			n++
		}
	}
	return n
}

// Fix rewrites the endpoint addresses of c through m. Endpoints bound to a
// stub keep the stub address but are not configured on the peer. Endpoints
// with neither are removed: their descriptor type is cleared and the
// endpoint count of their interface decremented. Endpoints whose packets
// exceed what the peer can buffer are renumbered but left unconfigured.
// Endpoint table overflows are reported in the returned error.
func (c *Configuration) Fix(m *allocator.Map) (*FixReport, error) {
	report := &FixReport{}
	var errs []error
	for _, intf := range c.Interfaces {
		for _, alt := range intf.AltSettings {
			for _, ep := range alt.Endpoints {
				source := ep.Address()
				fixed := FixedEndpoint{
					Interface:     alt.Number(),
					Alternate:     alt.Alternate(),
					Source:        source,
					TransferType:  ep.TransferType(),
					MaxPacketSize: ep.MaxPacketSize(),
				}
				if target := m.Target(source); target != 0 {
					fixed.Target = target
					if target != source {
						fixed.Action = Remapped
					}
				} else if stub := m.Stub(source); stub != 0 {
					fixed.Target = stub
					fixed.Action = Stubbed
				} else {
					fixed.Action = Pruned
				}

				switch fixed.Action {
				case Pruned:
					ep.raw[1] = 0
					alt.raw[4]--
				case Stubbed:
					ep.raw[2] = fixed.Target
				default:
					ep.raw[2] = fixed.Target
					if fixed.MaxPacketSize > protocol.MaxPayloadSizeEP {
						// the peer cannot buffer it, the endpoint stays silent
						fixed.Oversized = true
					} else if err := report.configure(fixed); err != nil {
						errs = append(errs, err)
					} else {
						fixed.Configured = true
					}
				}
				report.Endpoints = append(report.Endpoints, fixed)
			}
		}
	}
	return report, baseerrors.Join(errs...)
}

func (r *FixReport) configure(ep FixedEndpoint) error {
	for _, cfg := range r.Table {
		if cfg.Number == ep.Target {
			// already configured through another alternate setting
			return nil
		}
	}
	if len(r.Table) >= protocol.MaxEndpoints {
		return errors.Wrapf(ErrEndpointTableFull, "unable to configure endpoint 0x%02x", ep.Target)
	}
	r.Table = append(r.Table, protocol.EndpointConfig{
		Number: ep.Target,
		Type:   ep.TransferType,
		Size:   uint8(ep.MaxPacketSize),
	})
	return nil
}

var (
	remappedColor = color.New(color.FgYellow).SprintFunc()
	degradedColor = color.New(color.FgRed).SprintFunc()
)

// Render prints the report as a table.
func (r *FixReport) Render(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Interface", "Direction", "Type", "Size", "Source", "Target", "Result"})
	for _, ep := range r.Endpoints {
		dir := "OUT"
		if ep.Source&EndpointDirMask != 0 {
			dir = "IN"
		}
		target := "-"
		if ep.Action != Pruned {
			target = fmt.Sprintf("%d", ep.Target&EndpointNumberMask)
		}
		result := ep.Action.String()
		switch {
		case ep.Oversized:
			result = degradedColor(result + " (packet size too large)")
		case ep.Action == Remapped:
			result = remappedColor(result)
		case ep.Action == Stubbed || ep.Action == Pruned:
			result = degradedColor(result)
		}
		table.Append([]string{
			fmt.Sprintf("%d:%d", ep.Interface, ep.Alternate),
			dir,
			TransferTypeName(ep.TransferType),
			fmt.Sprintf("%d", ep.MaxPacketSize),
			fmt.Sprintf("%d", ep.Source&EndpointNumberMask),
			target,
			result,
		})
	}
	table.Render()
}

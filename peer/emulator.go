// SPDX-License-Identifier: GPL-2.0-only

// Package peer emulates the microcontroller side of the proxy: it receives
// the descriptors and the endpoint table, answers control requests with what
// the host replies and hands IN data over once the host offers it.
package peer

import (
	"context"
	"encoding/binary"
	baseerrors "errors"
	"io"
	"sync"

	"github.com/MatthiasValvekens/serialusb-proxy/protocol"
	"github.com/MatthiasValvekens/serialusb-proxy/serial"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

const indexSize = protocol.MaxDescriptors * 8

var (
	ErrDescriptorsOverflow = errors.New("descriptor buffer overflow")
	ErrIndexOverflow       = errors.New("index buffer overflow")
	ErrInSlotBusy          = errors.New("IN packet received while the previous one is not sent")
	ErrControlTooLarge     = errors.New("control request too large")

	errReset = errors.New("reset")
)

// State is what the emulated device knows at some point.
type State struct {
	Descriptors []byte
	Index       []byte
	Endpoints   []protocol.EndpointConfig
	// Started is set once the endpoint table arrived.
	Started bool
	Reset   bool

	ControlReady   bool
	ControlStalled bool
	ControlReply   []byte

	InFull     bool
	InEndpoint uint8
	InData     []byte
}

func (s State) clone() State {
	c := s
	c.Descriptors = append([]byte(nil), s.Descriptors...)
	c.Index = append([]byte(nil), s.Index...)
	c.Endpoints = append([]protocol.EndpointConfig(nil), s.Endpoints...)
	c.ControlReply = append([]byte(nil), s.ControlReply...)
	c.InData = append([]byte(nil), s.InData...)
	return c
}

// Emulator speaks the device side of the link.
type Emulator struct {
	link   *serial.Link
	logger log.Logger

	mtx     sync.Mutex
	state   State
	changed chan struct{}
}

func NewEmulator(port io.ReadWriteCloser, logger log.Logger, reg prometheus.Registerer) *Emulator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Emulator{
		link:    serial.NewLink(port, logger, reg),
		logger:  logger,
		changed: make(chan struct{}),
	}
}

// Run processes packets from the host until the link breaks or the host
// resets the device.
func (e *Emulator) Run() error {
	err := e.link.Run(e.handle)
	if baseerrors.Is(err, errReset) {
		return nil
	}
	return err
}

func (e *Emulator) Close() error {
	return e.link.Close()
}

func (e *Emulator) update(fn func(s *State) error) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if err := fn(&e.state); err != nil {
		return err
	}
	close(e.changed)
	e.changed = make(chan struct{})
	return nil
}

func appendBounded(buf, value []byte, limit int, overflow error) ([]byte, error) {
	if len(buf)+len(value) > limit {
		return buf, errors.Wrapf(overflow, "%d bytes received, %d stored, room for %d", len(value), len(buf), limit)
	}
	return append(buf, value...), nil
}

func (e *Emulator) handle(p protocol.Packet) error {
	var err error
	switch p.Type {
	case protocol.TypeDescriptors:
		err = e.update(func(s *State) error {
			buf, err := appendBounded(s.Descriptors, p.Value, protocol.MaxDescriptorsSize, ErrDescriptorsOverflow)
			s.Descriptors = buf
			return err
		})
	case protocol.TypeIndex:
		err = e.update(func(s *State) error {
			buf, err := appendBounded(s.Index, p.Value, indexSize, ErrIndexOverflow)
			s.Index = buf
			return err
		})
	case protocol.TypeEndpoints:
		err = e.update(func(s *State) error {
			endpoints, err := protocol.DecodeEndpoints(p.Value)
			if err != nil {
				return err
			}
			s.Endpoints = endpoints
			s.Started = true
			return nil
		})
	case protocol.TypeControl:
		err = e.update(func(s *State) error {
			s.ControlReply = append([]byte(nil), p.Value...)
			s.ControlStalled = false
			s.ControlReady = true
			return nil
		})
	case protocol.TypeControlStall:
		return e.update(func(s *State) error {
			s.ControlReply = nil
			s.ControlStalled = true
			s.ControlReady = true
			return nil
		})
	case protocol.TypeIn:
		return e.update(func(s *State) error {
			if s.InFull {
				return ErrInSlotBusy
			}
			endpoint, data, err := protocol.DecodeEndpointPacket(p.Value)
			if err != nil {
				return err
			}
			s.InFull = true
			s.InEndpoint = endpoint
			s.InData = append([]byte(nil), data...)
			return nil
		})
	case protocol.TypeReset:
		_ = e.update(func(s *State) error {
			s.Reset = true
			return nil
		})
		return errReset
	default:
		_ = level.Warn(e.logger).Log("msg", "ignoring packet", "type", p.Type)
		return nil
	}
	if err != nil {
		return err
	}
	return e.link.Send(p.Type, nil)
}

// Snapshot returns a copy of the current state.
func (e *Emulator) Snapshot() State {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.state.clone()
}

// Await blocks until cond holds for the current state or ctx is done.
func (e *Emulator) Await(ctx context.Context, cond func(State) bool) error {
	for {
		e.mtx.Lock()
		s := e.state.clone()
		changed := e.changed
		e.mtx.Unlock()

		if cond(s) {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Descriptor looks up a descriptor the way the device answers GET_DESCRIPTOR.
func (e *Emulator) Descriptor(value, index uint16) ([]byte, bool) {
	s := e.Snapshot()
	entries, err := protocol.DecodeIndex(s.Index)
	if err != nil {
		return nil, false
	}
	for _, entry := range entries {
		if entry.Value == 0 {
			break
		}
		if entry.Value != value || entry.Index != index {
			continue
		}
		end := int(entry.Offset) + int(entry.Length)
		if end > len(s.Descriptors) {
			return nil, false
		}
		return s.Descriptors[entry.Offset:end], true
	}
	return nil, false
}

// RequestControl forwards a control request received from the USB host. data
// is the data stage of OUT requests. Requests the host could not answer in a
// single packet are reported through a debug message instead.
func (e *Emulator) RequestControl(setup, data []byte) error {
	if len(setup) != 8 {
		return errors.Newf("setup packet of %d bytes", len(setup))
	}
	if binary.LittleEndian.Uint16(setup[6:8]) > protocol.MaxValueSize {
		if err := e.SendDebug(setup); err != nil {
			return err
		}
		return ErrControlTooLarge
	}
	_ = e.update(func(s *State) error {
		s.ControlReady = false
		s.ControlStalled = false
		s.ControlReply = nil
		return nil
	})
	return e.link.Send(protocol.TypeControl, append(append([]byte(nil), setup...), data...))
}

// CompleteIN hands the pending IN packet to the USB host and acknowledges it.
func (e *Emulator) CompleteIN() (uint8, []byte, error) {
	var (
		endpoint uint8
		data     []byte
		full     bool
	)
	_ = e.update(func(s *State) error {
		endpoint, data, full = s.InEndpoint, s.InData, s.InFull
		s.InFull = false
		s.InEndpoint = 0
		s.InData = nil
		return nil
	})
	if !full {
		return 0, nil, errors.New("no IN packet pending")
	}
	return endpoint, data, e.link.Send(protocol.TypeIn, nil)
}

// SendOUT forwards data the USB host wrote to an OUT endpoint.
func (e *Emulator) SendOUT(endpoint uint8, data []byte) error {
	value, err := protocol.EncodeEndpointPacket(endpoint, data)
	if err != nil {
		return err
	}
	return e.link.Send(protocol.TypeOut, value)
}

func (e *Emulator) SendDebug(message []byte) error {
	return e.link.Send(protocol.TypeDebug, message)
}

// SendReset asks the host to end the session.
func (e *Emulator) SendReset() error {
	return e.link.Send(protocol.TypeReset, nil)
}

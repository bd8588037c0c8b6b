// SPDX-License-Identifier: GPL-2.0-only

package usb

import (
	"context"
	baseerrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/gousb"
)

const (
	outTimeout     = 20 * time.Millisecond
	controlTimeout = 1000 * time.Millisecond
	closeTimeout   = time.Second

	setupSize = 8
	dirIn     = 0x80
)

var (
	ErrDeviceGone  = errors.New("device disconnected")
	ErrTransfer    = errors.New("transfer failed")
	ErrNotFound    = errors.New("no such device")
	ErrClosePended = errors.New("transfers still pending")
)

// Engine owns the libusb context.
type Engine struct {
	ctx    *gousb.Context
	logger log.Logger
}

func NewEngine(logger log.Logger) *Engine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Engine{ctx: gousb.NewContext(), logger: logger}
}

func (e *Engine) Close() error {
	return e.ctx.Close()
}

// busID formats a device location the way sysfs names it.
func busID(desc *gousb.DeviceDesc) string {
	ports := make([]string, len(desc.Path))
	for i, p := range desc.Path {
		ports[i] = fmt.Sprintf("%d", p)
	}
	return fmt.Sprintf("%d-%s", desc.Bus, strings.Join(ports, "."))
}

// Device is an opened source device. Transfers are submitted asynchronously;
// their outcome is handed to the completion callback from the goroutine that
// ran the transfer.
type Device struct {
	dev    *gousb.Device
	config *gousb.Config
	intfs  []*gousb.Interface
	in     map[uint8]*gousb.InEndpoint
	out    map[uint8]*gousb.OutEndpoint

	complete func(Transfer)
	logger   log.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	pending sync.WaitGroup
	control sync.Mutex
}

// Open opens the device at the sysfs bus id path. Kernel drivers are detached
// and every interface of the active configuration is claimed.
func (e *Engine) Open(path string, complete func(Transfer)) (*Device, error) {
	devs, err := e.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return busID(desc) == path
	})
	if err != nil {
		for _, d := range devs {
			_ = d.Close()
		}
		return nil, errors.Wrapf(err, "failed to open device %s", path)
	}
	if len(devs) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "failed to open device %s", path)
	}

	d := &Device{
		dev:      devs[0],
		in:       map[uint8]*gousb.InEndpoint{},
		out:      map[uint8]*gousb.OutEndpoint{},
		complete: complete,
		logger:   log.With(e.logger, "device", path),
	}
	d.dev.ControlTimeout = controlTimeout
	d.ctx, d.cancel = context.WithCancel(context.Background())

	if err := d.claim(); err != nil {
		_ = d.release()
		return nil, errors.Wrapf(err, "failed to claim device %s", path)
	}
	return d, nil
}

func (d *Device) claim() error {
	if err := d.dev.SetAutoDetach(true); err != nil {
		return errors.Wrap(err, "failed to enable kernel driver auto-detach")
	}
	cfgNum, err := d.dev.ActiveConfigNum()
	if err != nil || cfgNum == 0 {
		cfgNum = 1
	}
	d.config, err = d.dev.Config(cfgNum)
	if err != nil {
		return errors.Wrapf(err, "failed to select configuration %d", cfgNum)
	}
	for _, desc := range d.config.Desc.Interfaces {
		intf, err := d.config.Interface(desc.Number, 0)
		if err != nil {
			return errors.Wrapf(err, "failed to claim interface %d", desc.Number)
		}
		d.intfs = append(d.intfs, intf)
		for _, ep := range intf.Setting.Endpoints {
			address := uint8(ep.Address)
			if ep.Direction == gousb.EndpointDirectionIn {
				in, err := intf.InEndpoint(ep.Number)
				if err != nil {
					return errors.Wrapf(err, "failed to open endpoint 0x%02x", address)
				}
				d.in[address] = in
			} else {
				out, err := intf.OutEndpoint(ep.Number)
				if err != nil {
					return errors.Wrapf(err, "failed to open endpoint 0x%02x", address)
				}
				d.out[address] = out
			}
		}
	}
	_ = level.Debug(d.logger).Log("msg", "claimed device", "configuration", cfgNum, "interfaces", len(d.intfs), "in", len(d.in), "out", len(d.out))
	return nil
}

// Control performs a synchronous control transfer. It is used to read the
// descriptors before any asynchronous transfer is submitted.
func (d *Device) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	d.control.Lock()
	defer d.control.Unlock()
	return d.dev.Control(rType, request, val, idx, data)
}

func (d *Device) submit(fn func(ctx context.Context) Transfer) {
	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		t := fn(d.ctx)
		if d.ctx.Err() != nil {
			// closing, nobody is listening anymore
			return
		}
		d.complete(t)
	}()
}

// Poll arms one read on the IN endpoint with the given address. A read that
// times out is submitted again.
func (d *Device) Poll(endpoint uint8) error {
	ep, ok := d.in[endpoint]
	if !ok {
		return errors.Newf("endpoint 0x%02x is not a claimed IN endpoint", endpoint)
	}
	d.submit(func(ctx context.Context) Transfer {
		buf := make([]byte, ep.Desc.MaxPacketSize)
		for {
			n, err := ep.ReadContext(ctx, buf)
			status := statusFromError(ctx, err)
			if status == TimedOut {
				continue
			}
			return Transfer{Endpoint: endpoint, Data: buf[:n], Status: status, Err: err}
		}
	})
	return nil
}

// Write submits an OUT transfer on the endpoint with the given address.
func (d *Device) Write(endpoint uint8, data []byte) error {
	ep, ok := d.out[endpoint]
	if !ok {
		return errors.Newf("endpoint 0x%02x is not a claimed OUT endpoint", endpoint)
	}
	buf := append([]byte(nil), data...)
	d.submit(func(ctx context.Context) Transfer {
		ctx, cancel := context.WithTimeout(ctx, outTimeout)
		defer cancel()
		_, err := ep.WriteContext(ctx, buf)
		return Transfer{Endpoint: endpoint, Out: true, Status: statusFromError(ctx, err), Err: err}
	})
	return nil
}

// Submit forwards a control request, given as its 8-byte setup packet
// followed by the data stage of OUT requests, to the default endpoint.
func (d *Device) Submit(request []byte) error {
	if len(request) < setupSize {
		return errors.Newf("control request too short: %d bytes", len(request))
	}
	rType := request[0]
	req := request[1]
	value := uint16(request[2]) | uint16(request[3])<<8
	index := uint16(request[4]) | uint16(request[5])<<8
	length := int(uint16(request[6]) | uint16(request[7])<<8)

	out := rType&dirIn == 0
	var buf []byte
	if out {
		buf = append([]byte(nil), request[setupSize:]...)
		if len(buf) > length {
			buf = buf[:length]
		}
	} else {
		buf = make([]byte, length)
	}
	d.submit(func(ctx context.Context) Transfer {
		n, err := d.Control(rType, req, value, index, buf)
		t := Transfer{Out: out, Status: statusFromError(ctx, err), Err: err}
		if !out && err == nil {
			t.Data = buf[:n]
		}
		return t
	})
	return nil
}

// Close cancels every transfer in flight, waits for them to finish and
// releases the device. If transfers do not finish in time the device is left
// open and ErrClosePended is returned.
func (d *Device) Close() error {
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeTimeout):
		_ = level.Error(d.logger).Log("msg", "transfers did not complete after cancellation", "timeout", closeTimeout)
		return ErrClosePended
	}
	return d.release()
}

func (d *Device) release() error {
	for _, intf := range d.intfs {
		intf.Close()
	}
	var errs []error
	if d.config != nil {
		errs = append(errs, d.config.Close())
	}
	errs = append(errs, d.dev.Close())
	if d.cancel != nil {
		d.cancel()
	}
	return baseerrors.Join(errs...)
}

// statusFromError classifies the error returned by a transfer. ctx is the
// context the transfer ran with.
func statusFromError(ctx context.Context, err error) Status {
	switch {
	case err == nil:
		return Completed
	case baseerrors.Is(err, gousb.TransferStall), baseerrors.Is(err, gousb.ErrorPipe):
		return Stalled
	case baseerrors.Is(err, gousb.TransferTimedOut), baseerrors.Is(err, gousb.ErrorTimeout):
		return TimedOut
	case baseerrors.Is(err, gousb.TransferNoDevice), baseerrors.Is(err, gousb.ErrorNoDevice):
		return NoDevice
	case baseerrors.Is(err, gousb.TransferCancelled), baseerrors.Is(err, context.Canceled), baseerrors.Is(err, context.DeadlineExceeded):
		if baseerrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return TimedOut
		}
		return Cancelled
	default:
		return Failed
	}
}

// Failure converts a failed transfer to an error, nil for recoverable
// outcomes.
func (t Transfer) Failure() error {
	switch t.Status {
	case NoDevice:
		return errors.Wrapf(baseerrors.Join(ErrDeviceGone, t.Err), "endpoint 0x%02x", t.Endpoint)
	case Failed:
		return errors.Wrapf(baseerrors.Join(ErrTransfer, t.Err), "endpoint 0x%02x", t.Endpoint)
	default:
		return nil
	}
}

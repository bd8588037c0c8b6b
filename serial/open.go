// SPDX-License-Identifier: GPL-2.0-only

package serial

import (
	"io"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.bug.st/serial"
)

const openAttempts = 5

// boards running the proxy firmware reset when the port is opened
var openRetryStep = 500 * time.Millisecond

// Opener opens a serial port at the given baud rate.
type Opener func(name string, baudRate int) (io.ReadWriteCloser, error)

// OpenPort opens a serial port in 8N1 mode.
func OpenPort(name string, baudRate int) (io.ReadWriteCloser, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	return port, nil
}

// Open opens the port, retrying a bounded number of times.
func Open(open Opener, name string, baudRate int, logger log.Logger) (io.ReadWriteCloser, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	var err error
	for i := 0; i < openAttempts; i++ {
		var port io.ReadWriteCloser
		if port, err = open(name, baudRate); err == nil {
			return port, nil
		}
		_ = level.Debug(logger).Log("msg", "failed to open serial port", "port", name, "attempt", i+1, "err", err)
		if i < openAttempts-1 {
			time.Sleep(openRetryStep)
		}
	}
	if ports, listErr := serial.GetPortsList(); listErr == nil {
		_ = level.Warn(logger).Log("msg", "failed to open serial port", "port", name, "available", len(ports), "ports", ports)
	}
	return nil, errors.Wrapf(err, "failed to open serial port %s", name)
}

// SPDX-License-Identifier: GPL-2.0-only

package serial

import (
	baseerrors "errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/MatthiasValvekens/serialusb-proxy/protocol"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

// Link carries packets over a serial port.
type Link struct {
	port   io.ReadWriteCloser
	dec    protocol.Decoder
	logger log.Logger

	sendMtx   sync.Mutex
	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool

	// metrics
	bytesRead     prometheus.Counter
	bytesWritten  prometheus.Counter
	framingErrors prometheus.Counter
}

func NewLink(port io.ReadWriteCloser, logger log.Logger, reg prometheus.Registerer) *Link {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	l := &Link{
		port:   port,
		logger: logger,
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "serial_read_bytes_total",
			Help: "The number of bytes read from the serial port.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "serial_written_bytes_total",
			Help: "The number of bytes written to the serial port.",
		}),
		framingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "serial_framing_errors_total",
			Help: "The number of times the byte stream could not be split into packets.",
		}),
	}

	if reg != nil {
		reg.MustRegister(l.bytesRead, l.bytesWritten, l.framingErrors)
	}

	return l
}

type countingWriter struct {
	w       io.Writer
	written prometheus.Counter
}

func (c countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.written.Add(float64(n))
	return n, err
}

// Send writes value as one or more packets of type t. Concurrent calls are
// serialized so packets never interleave.
func (l *Link) Send(t protocol.Type, value []byte) error {
	l.sendMtx.Lock()
	defer l.sendMtx.Unlock()
	_, err := protocol.Send(countingWriter{w: l.port, written: l.bytesWritten}, t, value)
	return err
}

// Run reads packets and hands them to handle in arrival order until the port
// fails, the stream breaks, handle returns an error or the link is closed.
// Reads never go past the packet being received.
func (l *Link) Run(handle func(protocol.Packet) error) error {
	buf := make([]byte, protocol.MaxPacketSize)
	for {
		n, err := l.port.Read(buf[:l.dec.Remaining()])
		if n > 0 {
			l.bytesRead.Add(float64(n))
			if feedErr := l.dec.Feed(buf[:n], handle); feedErr != nil {
				if baseerrors.Is(feedErr, protocol.ErrFraming) {
					l.framingErrors.Inc()
					_ = level.Error(l.logger).Log("msg", "lost packet alignment", "err", feedErr)
				}
				return feedErr
			}
		}
		if err != nil {
			if l.closed.Load() {
				return nil
			}
			return errors.Wrap(err, "failed to read from serial port")
		}
	}
}

// Close closes the port. It is safe to call more than once.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		l.closeErr = l.port.Close()
	})
	return l.closeErr
}

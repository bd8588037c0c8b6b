// SPDX-License-Identifier: GPL-2.0-only

package proxy

import (
	"encoding/binary"
	"encoding/hex"
	baseerrors "errors"
	"time"

	"github.com/MatthiasValvekens/serialusb-proxy/allocator"
	"github.com/MatthiasValvekens/serialusb-proxy/descriptor"
	"github.com/MatthiasValvekens/serialusb-proxy/protocol"
	"github.com/MatthiasValvekens/serialusb-proxy/usb"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultHandshakeTimeout = time.Second
	DefaultFlushDelay       = 10 * time.Millisecond

	setupSize = 8
)

var (
	ErrHandshakeTimeout = errors.New("initialization timeout expired")
	ErrQueueFull        = errors.New("IN packet queue full")
	ErrPeerReset        = errors.New("reset requested by peer")
	ErrStubbedEndpoint  = errors.New("OUT transfer directed to a stubbed endpoint")
	ErrNoConfiguration  = errors.New("device has no usable configuration")
)

// Source is the USB device whose traffic is proxied. Completed transfers
// are delivered to Session.HandleTransfer.
type Source interface {
	Poll(endpoint uint8) error
	Write(endpoint uint8, data []byte) error
	Submit(request []byte) error
	Close() error
}

// Peer is the framed link to the device emulating the source.
type Peer interface {
	Send(t protocol.Type, value []byte) error
	Close() error
}

// Scheduler runs delayed callbacks on the goroutine that drives the session.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func() error) func() bool
}

type Options struct {
	// Target describes the endpoints the peer offers.
	Target           allocator.Set
	HandshakeTimeout time.Duration
	FlushDelay       time.Duration
}

type inPacket struct {
	source uint8
	value  []byte
}

// Session proxies one source device to one peer. Apart from Terminate, its
// methods must be called from a single goroutine.
type Session struct {
	opts    Options
	logger  log.Logger
	metrics *metrics

	tree       *descriptor.Tree
	endpoints  allocator.Map
	renumbered bool
	report     *descriptor.FixReport
	blob       *descriptor.Blob

	peer   Peer
	device Source
	state  State

	stage        stage
	acksExpected int
	startedAt    time.Time
	stopWatchdog func() bool

	queue     []inPacket
	inPending uint8
}

// New computes the endpoint map of the first configuration of tree onto the
// target, fixes the configuration accordingly and assembles the descriptors
// for the peer. tree is modified in place.
func New(tree *descriptor.Tree, opts Options, logger log.Logger, reg prometheus.Registerer) (*Session, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.FlushDelay == 0 {
		opts.FlushDelay = DefaultFlushDelay
	}
	s := &Session{
		opts:    opts,
		logger:  logger,
		metrics: newMetrics(reg),
		tree:    tree,
	}
	s.setState(Fixing)

	if len(tree.Configurations) == 0 {
		return nil, ErrNoConfiguration
	}
	cfg := tree.Configurations[0]
	if len(cfg.Interfaces) == 0 || len(cfg.Interfaces[0].AltSettings) == 0 {
		return nil, errors.Wrap(ErrNoConfiguration, "configuration has no interface")
	}

	s.endpoints, s.renumbered = allocator.Bind(cfg.Capabilities(), &opts.Target)
	if s.renumbered {
		_ = level.Warn(logger).Log("msg", "endpoints do not fit the target, renumbering")
	}

	report, err := cfg.Fix(&s.endpoints)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fix configuration")
	}
	s.report = report
	for _, ep := range report.Endpoints {
		switch {
		case ep.Action == descriptor.Pruned:
			_ = level.Warn(logger).Log("msg", "endpoint removed, no target available", "interface", ep.Interface, "alternate", ep.Alternate, "endpoint", hexByte(ep.Source))
		case ep.Action == descriptor.Stubbed:
			_ = level.Warn(logger).Log("msg", "endpoint bound to a stub", "endpoint", hexByte(ep.Source), "stub", hexByte(ep.Target))
		case ep.Oversized:
			_ = level.Warn(logger).Log("msg", "endpoint packets too large for the peer, endpoint left unconfigured", "endpoint", hexByte(ep.Source), "size", ep.MaxPacketSize)
		}
	}

	s.blob, err = descriptor.Assemble(tree)
	if err != nil {
		return nil, errors.Wrap(err, "failed to assemble descriptors")
	}
	return s, nil
}

func hexByte(b uint8) string {
	return "0x" + hex.EncodeToString([]byte{b})
}

func (s *Session) Map() *allocator.Map {
	return &s.endpoints
}

// Renumbered reports whether endpoints had to be moved to other numbers.
func (s *Session) Renumbered() bool {
	return s.renumbered
}

func (s *Session) Report() *descriptor.FixReport {
	return s.report
}

func (s *Session) Blob() *descriptor.Blob {
	return s.blob
}

func (s *Session) State() State {
	return s.state
}

func (s *Session) setState(state State) {
	if state != s.state {
		_ = level.Debug(s.logger).Log("msg", "session state changed", "from", s.state, "to", state)
	}
	s.state = state
	s.metrics.state.Set(float64(state))
}

func (s *Session) send(t protocol.Type, value []byte) error {
	if err := s.peer.Send(t, value); err != nil {
		return errors.Wrapf(err, "failed to send %s packet", t)
	}
	s.metrics.packetsSent.WithLabelValues(t.String()).Inc()
	return nil
}

// packetCount is the number of packets, hence acks, a payload travels in.
func packetCount(n int) int {
	if n == 0 {
		return 1
	}
	return (n + protocol.MaxValueSize - 1) / protocol.MaxValueSize
}

func (s *Session) sendStage(t protocol.Type, value []byte, next stage) error {
	s.stage = next
	s.acksExpected = packetCount(len(value))
	return s.send(t, value)
}

// Start begins the handshake: the descriptors are sent and the watchdog is
// armed. The session is running once the peer acknowledged the descriptors,
// the index and the endpoint table, in that order.
func (s *Session) Start(device Source, peer Peer, sched Scheduler) error {
	if s.state != Fixing {
		return errors.Newf("cannot start a session in state %s", s.state)
	}
	s.device = device
	s.peer = peer
	s.setState(Handshaking)
	s.startedAt = time.Now()
	s.stopWatchdog = sched.AfterFunc(s.opts.HandshakeTimeout, func() error {
		if s.state != Handshaking {
			return nil
		}
		_ = level.Error(s.logger).Log("msg", "peer did not complete the handshake", "timeout", s.opts.HandshakeTimeout)
		return ErrHandshakeTimeout
	})
	_ = level.Info(s.logger).Log("msg", "sending descriptors", "bytes", len(s.blob.Bytes()), "descriptors", len(s.blob.Index()))
	return s.sendStage(protocol.TypeDescriptors, s.blob.Bytes(), awaitingDescriptorsAck)
}

// expectedAck maps each handshake stage to the packet type it waits for.
var expectedAck = map[stage]protocol.Type{
	awaitingDescriptorsAck: protocol.TypeDescriptors,
	awaitingIndexAck:       protocol.TypeIndex,
	awaitingEndpointsAck:   protocol.TypeEndpoints,
}

func (s *Session) handleHandshakeAck(t protocol.Type) error {
	if s.state != Handshaking || expectedAck[s.stage] != t || s.acksExpected == 0 {
		_ = level.Debug(s.logger).Log("msg", "ignoring unexpected ack", "type", t, "state", s.state)
		return nil
	}
	s.acksExpected--
	if s.acksExpected > 0 {
		return nil
	}

	switch s.stage {
	case awaitingDescriptorsAck:
		return s.sendStage(protocol.TypeIndex, protocol.EncodeIndex(s.blob.Index()), awaitingIndexAck)
	case awaitingIndexAck:
		return s.sendStage(protocol.TypeEndpoints, protocol.EncodeEndpoints(s.report.Table), awaitingEndpointsAck)
	}

	s.stage = handshakeDone
	if s.stopWatchdog != nil {
		s.stopWatchdog()
	}
	s.metrics.handshakeDuration.Observe(time.Since(s.startedAt).Seconds())
	s.setState(Running)
	_ = level.Info(s.logger).Log("msg", "peer ready", "endpoints", len(s.report.Table))

	for _, cfg := range s.report.Table {
		if cfg.Number&descriptor.EndpointDirMask == 0 {
			continue
		}
		source := s.endpoints.Source(cfg.Number)
		if source == 0 {
			continue
		}
		if err := s.device.Poll(source); err != nil {
			return errors.Wrapf(err, "failed to poll endpoint 0x%02x", source)
		}
	}
	return nil
}

// HandlePacket processes one packet received from the peer. A returned
// error ends the session.
func (s *Session) HandlePacket(p protocol.Packet) error {
	s.metrics.packetsReceived.WithLabelValues(p.Type.String()).Inc()

	switch p.Type {
	case protocol.TypeDescriptors, protocol.TypeIndex, protocol.TypeEndpoints:
		return s.handleHandshakeAck(p.Type)
	case protocol.TypeDebug:
		_ = level.Info(s.logger).Log("msg", "debug message from peer", "data", hex.EncodeToString(p.Value))
		return nil
	case protocol.TypeReset:
		return ErrPeerReset
	}

	if s.state != Running {
		_ = level.Warn(s.logger).Log("msg", "ignoring packet before the peer is ready", "type", p.Type, "state", s.state)
		return nil
	}

	switch p.Type {
	case protocol.TypeIn:
		return s.handleInAck()
	case protocol.TypeOut:
		return s.handleOut(p.Value)
	case protocol.TypeControl:
		if len(p.Value) == 0 {
			// ack of a control reply
			return nil
		}
		return s.handleControl(p.Value)
	default:
		_ = level.Warn(s.logger).Log("msg", "ignoring unexpected packet", "type", p.Type, "length", len(p.Value))
		return nil
	}
}

func (s *Session) handleInAck() error {
	if s.inPending == 0 {
		_ = level.Warn(s.logger).Log("msg", "IN ack without a pending packet")
		return nil
	}
	source := s.inPending
	s.inPending = 0
	if err := s.device.Poll(source); err != nil {
		return errors.Wrapf(err, "failed to poll endpoint 0x%02x", source)
	}
	return s.sendNextIn()
}

func (s *Session) handleOut(value []byte) error {
	target, data, err := protocol.DecodeEndpointPacket(value)
	if err != nil {
		return errors.Wrap(err, "invalid OUT packet")
	}
	source := s.endpoints.Source(target)
	if source == 0 {
		return errors.Wrapf(ErrStubbedEndpoint, "endpoint 0x%02x", target)
	}
	if err := s.device.Write(source, data); err != nil {
		return errors.Wrapf(err, "failed to write endpoint 0x%02x", source)
	}
	return nil
}

func isDeviceQualifierRequest(setup []byte) bool {
	return setup[0] == descriptor.RequestDirIn &&
		setup[1] == descriptor.RequestGetDescriptor &&
		setup[3] == descriptor.TypeDeviceQualifier
}

func (s *Session) handleControl(request []byte) error {
	if len(request) < setupSize {
		return errors.Newf("control request too short: %d bytes", len(request))
	}
	request = append([]byte(nil), request...)

	if request[0]&descriptor.RequestRecipMask == descriptor.RecipientEndpoint {
		index := binary.LittleEndian.Uint16(request[4:6])
		if index != 0 {
			source := s.endpoints.Source(uint8(index))
			if source == 0 {
				_ = level.Warn(s.logger).Log("msg", "control request for an unmapped endpoint", "endpoint", hexByte(uint8(index)))
				return nil
			}
			binary.LittleEndian.PutUint16(request[4:6], uint16(source))
		}
	}

	if isDeviceQualifierRequest(request) {
		// full speed only, there is no qualifier to give
		return s.send(protocol.TypeControlStall, nil)
	}

	if err := s.device.Submit(request); err != nil {
		return errors.Wrap(err, "failed to submit control request")
	}
	return nil
}

// HandleTransfer processes the completion of a transfer on the source
// device. A returned error ends the session.
func (s *Session) HandleTransfer(t usb.Transfer) error {
	s.metrics.transfers.WithLabelValues(t.Status.String()).Inc()

	if err := t.Failure(); err != nil {
		return err
	}
	if t.Status == usb.Cancelled || s.state != Running {
		return nil
	}

	switch {
	case t.Endpoint == 0:
		return s.handleControlTransfer(t)
	case t.Out:
		if t.Status != usb.Completed {
			_ = level.Warn(s.logger).Log("msg", "OUT transfer failed", "endpoint", hexByte(t.Endpoint), "status", t.Status)
		}
		return nil
	default:
		return s.handleInTransfer(t)
	}
}

func (s *Session) handleControlTransfer(t usb.Transfer) error {
	switch t.Status {
	case usb.Completed:
		if len(t.Data) > protocol.MaxValueSize {
			return errors.Newf("control reply of %d bytes does not fit a packet", len(t.Data))
		}
		return s.send(protocol.TypeControl, t.Data)
	default:
		if t.Status == usb.TimedOut {
			_ = level.Warn(s.logger).Log("msg", "control request timed out")
		}
		return s.send(protocol.TypeControlStall, nil)
	}
}

func (s *Session) handleInTransfer(t usb.Transfer) error {
	switch t.Status {
	case usb.Completed:
	case usb.TimedOut:
		return s.device.Poll(t.Endpoint)
	default:
		_ = level.Warn(s.logger).Log("msg", "IN transfer failed", "endpoint", hexByte(t.Endpoint), "status", t.Status)
		return nil
	}

	if len(t.Data) > protocol.MaxPayloadSizeEP {
		return errors.Newf("IN transfer of %d bytes on endpoint 0x%02x does not fit a packet", len(t.Data), t.Endpoint)
	}
	target := s.endpoints.Target(t.Endpoint)
	if target == 0 {
		_ = level.Warn(s.logger).Log("msg", "IN data from an unmapped endpoint", "endpoint", hexByte(t.Endpoint))
		return nil
	}
	if len(s.queue) >= protocol.MaxEndpoints {
		return errors.Wrapf(ErrQueueFull, "dropping data of endpoint 0x%02x", t.Endpoint)
	}
	value, err := protocol.EncodeEndpointPacket(target, t.Data)
	if err != nil {
		return err
	}
	s.queue = append(s.queue, inPacket{source: t.Endpoint, value: value})
	s.metrics.inQueueLength.Set(float64(len(s.queue)))
	return s.sendNextIn()
}

// sendNextIn sends the head of the IN queue unless a packet is still
// waiting for its ack.
func (s *Session) sendNextIn() error {
	if s.inPending != 0 || len(s.queue) == 0 {
		return nil
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	s.metrics.inQueueLength.Set(float64(len(s.queue)))
	s.inPending = next.source
	return s.send(protocol.TypeIn, next.value)
}

// Terminate resets the peer and closes both sides. It may be called more
// than once and from any goroutine once the session stopped processing
// events.
func (s *Session) Terminate() error {
	if s.state == Terminating {
		return nil
	}
	s.setState(Terminating)
	if s.stopWatchdog != nil {
		s.stopWatchdog()
	}

	var errs []error
	if s.peer != nil {
		if err := s.send(protocol.TypeReset, nil); err != nil {
			_ = level.Debug(s.logger).Log("msg", "failed to reset peer", "err", err)
		}
		time.Sleep(s.opts.FlushDelay)
		errs = append(errs, s.peer.Close())
	}
	if s.device != nil {
		errs = append(errs, s.device.Close())
	}
	return baseerrors.Join(errs...)
}

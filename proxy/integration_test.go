package proxy_test

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/MatthiasValvekens/serialusb-proxy/allocator"
	"github.com/MatthiasValvekens/serialusb-proxy/descriptor"
	"github.com/MatthiasValvekens/serialusb-proxy/event"
	"github.com/MatthiasValvekens/serialusb-proxy/peer"
	"github.com/MatthiasValvekens/serialusb-proxy/protocol"
	"github.com/MatthiasValvekens/serialusb-proxy/proxy"
	"github.com/MatthiasValvekens/serialusb-proxy/serial"
	"github.com/MatthiasValvekens/serialusb-proxy/usb"
	"github.com/efficientgo/core/errors"
	"github.com/efficientgo/core/testutil"
	"github.com/prometheus/client_golang/prometheus"
)

var joystick = []byte{18, descriptor.TypeDevice, 0x10, 0x01, 0, 0, 0, 8, 0x6d, 0x04, 0x15, 0xc2, 0x00, 0x02, 0, 0, 0, 1}

func joystickConfiguration() []byte {
	raw := []byte{
		9, descriptor.TypeConfig, 0, 0, 1, 1, 0, 0x80, 50,
		9, descriptor.TypeInterface, 0, 0, 2, 3, 0, 0, 0,
		7, descriptor.TypeEndpoint, 0x81, descriptor.TransferInterrupt, 8, 0, 10,
		7, descriptor.TypeEndpoint, 0x02, descriptor.TransferInterrupt, 8, 0, 10,
	}
	raw[2] = byte(len(raw))
	return raw
}

// source answers control requests on the loop and records everything else.
type source struct {
	loop    *event.Loop
	session *proxy.Session

	mtx    sync.Mutex
	polls  []uint8
	writes chan []byte
	closed bool
}

func (s *source) Poll(endpoint uint8) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.polls = append(s.polls, endpoint)
	return nil
}

func (s *source) Write(endpoint uint8, data []byte) error {
	s.writes <- append([]byte{endpoint}, data...)
	return nil
}

func (s *source) Submit(request []byte) error {
	t := usb.Transfer{Status: usb.Stalled}
	if request[0] == descriptor.RequestDirIn && request[1] == descriptor.RequestGetDescriptor && request[3] == descriptor.TypeDevice {
		t = usb.Transfer{Status: usb.Completed, Data: joystick}
	}
	s.loop.Post(func() error {
		return s.session.HandleTransfer(t)
	})
	return nil
}

func (s *source) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.closed = true
	return nil
}

func (s *source) pollCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.polls)
}

type setup struct {
	session *proxy.Session
	source  *source
	loop    *event.Loop
	link    *serial.Link
	emu     *peer.Emulator
	cancel  context.CancelFunc
	result  chan error
}

func start(t *testing.T) *setup {
	t.Helper()
	cfg, err := descriptor.ParseConfiguration(joystickConfiguration())
	testutil.Ok(t, err)
	tree := &descriptor.Tree{Device: append([]byte(nil), joystick...), Configurations: []*descriptor.Configuration{cfg}}

	session, err := proxy.New(tree, proxy.Options{Target: allocator.AVR8(), FlushDelay: time.Millisecond}, nil, prometheus.NewRegistry())
	testutil.Ok(t, err)

	hostEnd, peerEnd := net.Pipe()
	s := &setup{
		session: session,
		loop:    event.NewLoop(),
		link:    serial.NewLink(hostEnd, nil, nil),
		emu:     peer.NewEmulator(peerEnd, nil, nil),
		result:  make(chan error, 1),
	}
	s.source = &source{loop: s.loop, session: session, writes: make(chan []byte, 4)}
	t.Cleanup(func() {
		s.cancel()
		_ = s.emu.Close()
	})

	go func() { _ = s.emu.Run() }()
	go func() {
		_ = s.link.Run(func(p protocol.Packet) error {
			s.loop.Post(func() error { return session.HandlePacket(p) })
			return nil
		})
	}()

	var ctx context.Context
	ctx, s.cancel = context.WithCancel(context.Background())
	s.loop.Post(func() error { return session.Start(s.source, s.link, s.loop) })
	go func() {
		err := s.loop.Run(ctx)
		_ = session.Terminate()
		s.result <- err
	}()
	return s
}

func (s *setup) await(t *testing.T, cond func(peer.State) bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	testutil.Ok(t, s.emu.Await(ctx, cond))
}

func (s *setup) stop(t *testing.T) error {
	t.Helper()
	s.cancel()
	select {
	case err := <-s.result:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop")
		return nil
	}
}

func TestProxySession(t *testing.T) {
	s := start(t)

	s.await(t, func(st peer.State) bool { return st.Started })
	desc, ok := s.emu.Descriptor(descriptor.Selector(descriptor.TypeDevice, 0), 0)
	testutil.Assert(t, ok)
	testutil.Equals(t, joystick, desc)
	desc, ok = s.emu.Descriptor(descriptor.Selector(descriptor.TypeConfig, 0), 0)
	testutil.Assert(t, ok)
	testutil.Equals(t, joystickConfiguration(), desc)
	testutil.Equals(t, []protocol.EndpointConfig{
		{Number: 0x81, Type: descriptor.TransferInterrupt, Size: 8},
		{Number: 0x02, Type: descriptor.TransferInterrupt, Size: 8},
	}, s.emu.Snapshot().Endpoints)

	// control requests are answered by the source device
	testutil.Ok(t, s.emu.RequestControl([]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}, nil))
	s.await(t, func(st peer.State) bool { return st.ControlReady })
	testutil.Equals(t, joystick, s.emu.Snapshot().ControlReply)

	// full speed devices have no qualifier
	testutil.Ok(t, s.emu.RequestControl([]byte{0x80, 0x06, 0x00, 0x06, 0x00, 0x00, 0x0a, 0x00}, nil))
	s.await(t, func(st peer.State) bool { return st.ControlReady })
	testutil.Assert(t, s.emu.Snapshot().ControlStalled)

	// IN data reaches the peer one packet at a time
	for _, b := range []byte{1, 2} {
		data := []byte{b}
		s.loop.Post(func() error {
			return s.session.HandleTransfer(usb.Transfer{Endpoint: 0x81, Data: data, Status: usb.Completed})
		})
	}
	for _, want := range []byte{1, 2} {
		s.await(t, func(st peer.State) bool { return st.InFull })
		endpoint, data, err := s.emu.CompleteIN()
		testutil.Ok(t, err)
		testutil.Equals(t, uint8(0x81), endpoint)
		testutil.Equals(t, []byte{want}, data)
	}
	// the first poll follows the handshake, the second the first ack
	testutil.Assert(t, s.source.pollCount() >= 2)

	testutil.Ok(t, s.emu.SendOUT(0x02, []byte{7, 7}))
	select {
	case w := <-s.source.writes:
		testutil.Equals(t, []byte{0x02, 7, 7}, w)
	case <-time.After(5 * time.Second):
		t.Fatal("OUT data did not reach the source")
	}

	testutil.Ok(t, s.stop(t))
	s.await(t, func(st peer.State) bool { return st.Reset })
	testutil.Equals(t, proxy.Terminating, s.session.State())
}

func TestProxySessionPeerReset(t *testing.T) {
	s := start(t)
	s.await(t, func(st peer.State) bool { return st.Started })

	testutil.Ok(t, s.emu.SendReset())
	select {
	case err := <-s.result:
		testutil.Assert(t, errors.Is(err, proxy.ErrPeerReset), "unexpected error %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop")
	}
}

func TestProxySessionHandshakeTimeout(t *testing.T) {
	cfg, err := descriptor.ParseConfiguration(joystickConfiguration())
	testutil.Ok(t, err)
	tree := &descriptor.Tree{Device: append([]byte(nil), joystick...), Configurations: []*descriptor.Configuration{cfg}}
	session, err := proxy.New(tree, proxy.Options{Target: allocator.AVR8(), HandshakeTimeout: 50 * time.Millisecond, FlushDelay: time.Millisecond}, nil, nil)
	testutil.Ok(t, err)

	hostEnd, peerEnd := net.Pipe()
	// a peer that never answers
	go func() { _, _ = io.Copy(io.Discard, peerEnd) }()
	defer func() { _ = peerEnd.Close() }()

	loop := event.NewLoop()
	link := serial.NewLink(hostEnd, nil, nil)
	src := &source{loop: loop, session: session, writes: make(chan []byte, 1)}
	loop.Post(func() error { return session.Start(src, link, loop) })

	err = loop.Run(context.Background())
	testutil.Assert(t, errors.Is(err, proxy.ErrHandshakeTimeout), "unexpected error %v", err)
	testutil.Ok(t, session.Terminate())
	testutil.Assert(t, src.closed)
}

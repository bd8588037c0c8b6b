// SPDX-License-Identifier: GPL-2.0-only

package protocol

import (
	"github.com/efficientgo/core/errors"
)

// ErrFraming is returned once the byte stream can no longer be split into packets.
var ErrFraming = errors.New("framing violation")

type decoderState uint8

const (
	awaitingHeader decoderState = iota
	awaitingBody
	broken
)

// Decoder reassembles packets from a byte stream delivered in arbitrary chunks.
// It never blocks: callers feed whatever bytes they have.
type Decoder struct {
	buf   [MaxPacketSize]byte
	read  int
	state decoderState
}

// Remaining returns the number of bytes that complete the header or the body
// currently being received.
func (d *Decoder) Remaining() int {
	switch d.state {
	case awaitingHeader:
		return HeaderSize - d.read
	case awaitingBody:
		return int(d.buf[1]) - (d.read - HeaderSize)
	default:
		return 0
	}
}

// Reset drops any partial packet and clears a previous framing violation.
func (d *Decoder) Reset() {
	d.read = 0
	d.state = awaitingHeader
}

// Feed appends chunk to the packet being received and calls emit for every
// packet completed by it, in arrival order. An error returned by emit stops
// decoding and is returned as is.
func (d *Decoder) Feed(chunk []byte, emit func(Packet) error) error {
	if d.state == broken {
		return ErrFraming
	}
	for len(chunk) > 0 {
		n := min(d.Remaining(), len(chunk))
		copy(d.buf[d.read:], chunk[:n])
		d.read += n
		chunk = chunk[n:]

		if d.state == awaitingHeader {
			if d.read < HeaderSize {
				continue
			}
			// the body would not fit in the peer's packet buffer
			if d.buf[1] > MaxValueSize {
				d.state = broken
				return errors.Wrapf(ErrFraming, "declared length %d exceeds %d", d.buf[1], MaxValueSize)
			}
			d.state = awaitingBody
		}
		if d.Remaining() > 0 {
			continue
		}

		value := make([]byte, d.read-HeaderSize)
		copy(value, d.buf[HeaderSize:d.read])
		pkt := Packet{Type: Type(d.buf[0]), Value: value}
		d.Reset()
		if err := emit(pkt); err != nil {
			return err
		}
	}
	return nil
}

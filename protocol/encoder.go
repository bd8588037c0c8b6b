// SPDX-License-Identifier: GPL-2.0-only

package protocol

import (
	"bytes"
	"encoding/binary"
	baseerrors "errors"
	"io"

	"github.com/efficientgo/core/errors"
)

// ErrWrite wraps transport failures while sending packets.
var ErrWrite = errors.New("failed to write packet")

// Send frames value into as many packets of type t as needed and writes them
// to w in order. A zero-length value still produces one packet. The first
// failed write aborts the remaining chunks. The number of packets written is
// returned.
func Send(w io.Writer, t Type, value []byte) (int, error) {
	var pkt [MaxPacketSize]byte
	sent := 0
	for {
		n := min(len(value), MaxValueSize)
		pkt[0] = byte(t)
		pkt[1] = byte(n)
		copy(pkt[HeaderSize:], value[:n])
		if _, err := w.Write(pkt[:HeaderSize+n]); err != nil {
			return sent, errors.Wrapf(
				baseerrors.Join(ErrWrite, err),
				"%s packet %d (%d bytes left)", t, sent, len(value),
			)
		}
		sent++
		value = value[n:]
		if len(value) == 0 {
			return sent, nil
		}
	}
}

// EncodeIndex serializes the descriptor index for an INDEX packet.
func EncodeIndex(entries []IndexEntry) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 8*len(entries)))
	// writing fixed-size structs to a bytes.Buffer cannot fail
	_ = binary.Write(buf, binary.LittleEndian, entries)
	return buf.Bytes()
}

// DecodeIndex is the inverse of EncodeIndex.
func DecodeIndex(raw []byte) ([]IndexEntry, error) {
	if len(raw)%8 != 0 {
		return nil, errors.Newf("index length %d is not a multiple of 8", len(raw))
	}
	entries := make([]IndexEntry, len(raw)/8)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, entries); err != nil {
		return nil, errors.Wrap(err, "failed to decode index")
	}
	return entries, nil
}

// EncodeEndpoints serializes an endpoint table for an ENDPOINTS packet. A
// table shorter than MaxEndpoints is terminated by a zero entry.
func EncodeEndpoints(configs []EndpointConfig) []byte {
	buf := bytes.NewBuffer(nil)
	_ = binary.Write(buf, binary.LittleEndian, configs)
	if len(configs) < MaxEndpoints {
		_ = binary.Write(buf, binary.LittleEndian, EndpointConfig{})
	}
	return buf.Bytes()
}

// DecodeEndpoints reads an endpoint table up to the zero terminator.
func DecodeEndpoints(raw []byte) ([]EndpointConfig, error) {
	var configs []EndpointConfig
	for len(raw) >= 3 && len(configs) < MaxEndpoints {
		cfg := EndpointConfig{Number: raw[0], Type: raw[1], Size: raw[2]}
		if cfg.Number == 0 {
			return configs, nil
		}
		configs = append(configs, cfg)
		raw = raw[3:]
	}
	if len(raw) != 0 && len(configs) < MaxEndpoints {
		return nil, errors.Newf("trailing %d bytes in endpoint table", len(raw))
	}
	return configs, nil
}

// EncodeEndpointPacket builds the value of an IN or OUT packet.
func EncodeEndpointPacket(endpoint uint8, data []byte) ([]byte, error) {
	if len(data) > MaxPayloadSizeEP {
		return nil, errors.Newf("endpoint 0x%02x: %d bytes exceed the %d byte payload limit", endpoint, len(data), MaxPayloadSizeEP)
	}
	value := make([]byte, 1+len(data))
	value[0] = endpoint
	copy(value[1:], data)
	return value, nil
}

// DecodeEndpointPacket splits the value of an IN or OUT packet.
func DecodeEndpointPacket(value []byte) (uint8, []byte, error) {
	if len(value) == 0 {
		return 0, nil, errors.New("empty endpoint packet")
	}
	if len(value)-1 > MaxPayloadSizeEP {
		return 0, nil, errors.Newf("endpoint 0x%02x: %d bytes exceed the %d byte payload limit", value[0], len(value)-1, MaxPayloadSizeEP)
	}
	return value[0], value[1:], nil
}

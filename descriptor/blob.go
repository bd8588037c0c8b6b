// SPDX-License-Identifier: GPL-2.0-only

package descriptor

import (
	baseerrors "errors"

	"github.com/MatthiasValvekens/serialusb-proxy/protocol"
	"github.com/efficientgo/core/errors"
)

var (
	ErrBlobFull  = errors.New("descriptor buffer full")
	ErrIndexFull = errors.New("descriptor index full")
)

// Blob is the flat descriptor buffer sent to the peer together with the
// index locating each descriptor in it.
type Blob struct {
	buf        []byte
	maxEntries int
	entries    []protocol.IndexEntry
}

// NewBlob returns an empty blob holding at most capacity bytes and maxEntries
// descriptors.
func NewBlob(capacity, maxEntries int) *Blob {
	return &Blob{
		buf:        make([]byte, 0, capacity),
		maxEntries: maxEntries,
	}
}

// Add appends a descriptor that the peer will serve for GET_DESCRIPTOR
// requests with the given wValue and wIndex. A descriptor that does not fit
// is refused and leaves the blob untouched.
func (b *Blob) Add(value, index uint16, data []byte) error {
	if len(b.entries) >= b.maxEntries {
		return errors.Wrapf(ErrIndexFull, "unable to add descriptor wValue=0x%04x wIndex=0x%04x wLength=%d", value, index, len(data))
	}
	if len(data) > b.Available() {
		return errors.Wrapf(ErrBlobFull, "unable to add descriptor wValue=0x%04x wIndex=0x%04x wLength=%d (available=%d)", value, index, len(data), b.Available())
	}
	b.entries = append(b.entries, protocol.IndexEntry{
		Offset: uint16(len(b.buf)),
		Value:  value,
		Index:  index,
		Length: uint16(len(data)),
	})
	b.buf = append(b.buf, data...)
	return nil
}

// Available returns the number of free bytes.
func (b *Blob) Available() int {
	return cap(b.buf) - len(b.buf)
}

func (b *Blob) Bytes() []byte {
	return b.buf
}

func (b *Blob) Index() []protocol.IndexEntry {
	return b.entries
}

// Lookup returns the descriptor registered for wValue and wIndex.
func (b *Blob) Lookup(value, index uint16) ([]byte, bool) {
	for _, e := range b.entries {
		if e.Value == value && e.Index == index {
			return b.buf[e.Offset : e.Offset+e.Length], true
		}
	}
	return nil, false
}

// Assemble flattens t into a blob sized for the peer: the device descriptor,
// the language list, every configuration in ascending order, then the other
// descriptors in the order they were fetched. Descriptors that do not fit are
// skipped and reported together in the returned error; the blob must not be
// sent when the error is not nil.
func Assemble(t *Tree) (*Blob, error) {
	b := NewBlob(protocol.MaxDescriptorsSize, protocol.MaxDescriptors)
	var errs []error
	add := func(value, index uint16, data []byte) {
		if err := b.Add(value, index, data); err != nil {
			errs = append(errs, err)
		}
	}

	add(Selector(TypeDevice, 0), 0, t.Device)
	if len(t.LangID0) > 0 {
		add(Selector(TypeString, 0), 0, t.LangID0)
	}
	for i, cfg := range t.Configurations {
		add(Selector(TypeConfig, uint8(i)), 0, cfg.Raw)
	}
	for _, o := range t.Others {
		add(o.Value, o.Index, o.Data)
	}
	return b, baseerrors.Join(errs...)
}

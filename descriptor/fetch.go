// SPDX-License-Identifier: GPL-2.0-only

package descriptor

import (
	"encoding/binary"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Controller performs synchronous control transfers on a device.
// *gousb.Device satisfies it.
type Controller interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
}

type fetcher struct {
	ctrl   Controller
	tree   *Tree
	logger log.Logger
}

// Fetch reads every descriptor of a device with GET_DESCRIPTOR requests.
// Descriptors are kept byte for byte as the device returned them.
func Fetch(ctrl Controller, logger log.Logger) (*Tree, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	f := &fetcher{ctrl: ctrl, tree: &Tree{}, logger: logger}

	f.fetchLangID0()
	if err := f.fetchDevice(); err != nil {
		return nil, err
	}
	for i := uint8(0); i < f.tree.NumConfigurations(); i++ {
		if err := f.fetchConfiguration(i); err != nil {
			return nil, errors.Wrapf(err, "failed to fetch configuration %d", i)
		}
	}
	return f.tree, nil
}

func (f *fetcher) get(rType uint8, value, index uint16, length int) ([]byte, error) {
	buf := make([]byte, length)
	n, err := f.ctrl.Control(rType, RequestGetDescriptor, value, index, buf)
	if err != nil {
		return nil, errors.Wrapf(err, "GET_DESCRIPTOR wValue=0x%04x wIndex=0x%04x wLength=%d failed", value, index, length)
	}
	return buf[:n], nil
}

func (f *fetcher) fetchLangID0() {
	data, err := f.get(RequestDirIn, Selector(TypeString, 0), 0, stringHeaderLen)
	if err != nil {
		// some devices have no strings at all
		_ = level.Warn(f.logger).Log("msg", "failed to read language IDs", "err", err)
		return
	}
	f.tree.LangID0 = data
}

func (f *fetcher) fetchDevice() error {
	data, err := f.get(RequestDirIn, Selector(TypeDevice, 0), 0, deviceDescriptorLen)
	if err != nil {
		return err
	}
	if len(data) < deviceDescriptorLen {
		return errors.Newf("device descriptor too short: %d bytes", len(data))
	}
	f.tree.Device = data
	for _, index := range []uint8{data[14], data[15], data[16]} {
		if err := f.fetchString(index); err != nil {
			return err
		}
	}
	return nil
}

func (f *fetcher) fetchString(index uint8) error {
	if index == 0 {
		return nil
	}
	value := Selector(TypeString, index)
	langID := f.tree.LangID()
	if f.tree.hasOther(value, langID) {
		return nil
	}
	header, err := f.get(RequestDirIn, value, langID, stringHeaderLen)
	if err != nil {
		return err
	}
	if len(header) < 2 {
		return errors.Newf("string descriptor %d too short", index)
	}
	data, err := f.get(RequestDirIn, value, langID, int(header[0]))
	if err != nil {
		return err
	}
	f.tree.Others = append(f.tree.Others, Other{Value: value, Index: langID, Data: data})
	return nil
}

func (f *fetcher) fetchConfiguration(index uint8) error {
	value := Selector(TypeConfig, index)
	header, err := f.get(RequestDirIn, value, 0, configHeaderLen)
	if err != nil {
		return err
	}
	if len(header) < 4 {
		return errors.Newf("configuration header too short: %d bytes", len(header))
	}
	raw, err := f.get(RequestDirIn, value, 0, int(binary.LittleEndian.Uint16(header[2:4])))
	if err != nil {
		return err
	}
	cfg, err := ParseConfiguration(raw)
	if err != nil {
		return err
	}
	f.tree.Configurations = append(f.tree.Configurations, cfg)

	if err := f.fetchString(cfg.StringIndex()); err != nil {
		return err
	}
	// interface strings and report descriptors are collected in the order
	// their interfaces appear in the configuration
	for _, alt := range cfg.altSettingsInOrder() {
		if err := f.fetchString(alt.StringIndex()); err != nil {
			return err
		}
		if alt.HID != nil && alt.HID.ReportLength() > 0 {
			if err := f.fetchReport(alt); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *fetcher) fetchReport(alt *AltSetting) error {
	value := Selector(TypeReport, 0)
	index := uint16(alt.Number())
	if f.tree.hasOther(value, index) {
		return nil
	}
	data, err := f.get(RequestDirIn|RecipientInterface, value, index, int(alt.HID.ReportLength()))
	if err != nil {
		return err
	}
	f.tree.Others = append(f.tree.Others, Other{Value: value, Index: index, Data: data})
	return nil
}

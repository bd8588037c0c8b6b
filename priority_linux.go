// SPDX-License-Identifier: GPL-2.0-only

//go:build linux

package main

import (
	"github.com/efficientgo/core/errors"
	"golang.org/x/sys/unix"
)

const highPriority = -20

// raisePriority gives the process the highest scheduling priority, which
// needs CAP_SYS_NICE.
func raisePriority() error {
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, highPriority); err != nil {
		return errors.Wrap(err, "failed to raise process priority")
	}
	return nil
}

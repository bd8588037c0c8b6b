// SPDX-License-Identifier: GPL-2.0-only

//go:build !linux

package main

import "github.com/efficientgo/core/errors"

func raisePriority() error {
	return errors.New("raising the process priority is only supported on linux")
}

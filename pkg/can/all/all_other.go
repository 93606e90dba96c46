//go:build !linux

// Package all registers the CAN drivers that have no Linux-specific
// syscalls, for platforms other than linux (the virtual loopback bus is
// the only one usable there; socketcan/socketcanv2 require AF_CAN).
package all

import (
	_ "github.com/go-canopen/canopen/pkg/can/virtual"
)

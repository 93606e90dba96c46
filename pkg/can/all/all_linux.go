//go:build linux

// Package all registers the socketcan, socketcanv2 and virtual CAN drivers,
// so that importing it for side effects makes Network.NewBus recognize their
// names without the caller having to know which concrete driver package
// backs them. The kvaser driver, also listed in can.ImplementedInterfaces,
// is not imported here.
package all

import (
	_ "github.com/go-canopen/canopen/pkg/can/socketcan"
	_ "github.com/go-canopen/canopen/pkg/can/socketcanv2"
	_ "github.com/go-canopen/canopen/pkg/can/virtual"
)

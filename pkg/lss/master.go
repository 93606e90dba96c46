package lss

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	canopen "github.com/go-canopen/canopen"
	"github.com/go-canopen/canopen/pkg/config"
)

var DefaultTimeout = 1000 * time.Millisecond

type LSSMaster struct {
	*canopen.BusManager
	logger  *slog.Logger
	mu      sync.Mutex
	rx      chan LSSMessage
	timeout time.Duration
}

// Handle [LSSMaster] related RX CAN frames
func (l *LSSMaster) Handle(frame canopen.Frame) {
	if frame.DLC != 8 {
		return
	}
	msg := LSSMessage{raw: frame.Data}
	select {
	case l.rx <- msg:
	default:
		l.logger.Warn("dropped LSS slave RX frame")
		// Drop frame
	}
}

// Wait for an answer from slave with a given command
// Any other command is ignored until timeout is elapsed
func (l *LSSMaster) WaitForResponse(cmd LSSCommand) (LSSMessage, error) {

	begin := time.Now()

	for {
		elapsed := time.Since(begin)
		if elapsed >= l.timeout {
			return LSSMessage{}, ErrTimeout
		}

		timeout := l.timeout - elapsed

		select {
		case resp := <-l.rx:
			if cmd == resp.Command() {
				return resp, nil
			} else {
				// Unexpected response, ignore
				l.logger.Warn("received unexpected response, ignoring", "response", resp)
			}
		case <-time.After(timeout):
			l.logger.Warn("no response received from slave, expecting", "command", cmd)
			return LSSMessage{}, ErrTimeout
		}
	}
}

// Send a switch state global command to all nodes
// i.e. waiting or configuration
// No answer is expected
func (l *LSSMaster) SwitchStateGlobal(mode LSSMode) error {
	frame := canopen.NewFrame(ServiceMasterId, 0, 8)
	frame.Data[0] = byte(CmdSwitchStateGlobal)
	frame.Data[1] = byte(mode)
	return l.Send(frame)
}

// Send a switch state selective command to the desired node
// based on the LSS address.
// If no answer is received, command will timeout
func (l *LSSMaster) SwitchStateSelective(address LSSAddress) error {

	frame := canopen.NewFrame(ServiceMasterId, 0, 8)
	frame.Data[0] = byte(CmdSwitchStateSelectiveVendor)
	binary.LittleEndian.PutUint32(frame.Data[1:], address.VendorId)
	l.Send(frame)

	frame.Data[0] = byte(CmdSwitchStateSelectiveProduct)
	binary.LittleEndian.PutUint32(frame.Data[1:], address.ProductCode)
	l.Send(frame)

	frame.Data[0] = byte(CmdSwitchStateSelectiveRevision)
	binary.LittleEndian.PutUint32(frame.Data[1:], address.RevisionNumber)
	l.Send(frame)

	frame.Data[0] = byte(CmdSwitchStateSelectiveSerialNb)
	binary.LittleEndian.PutUint32(frame.Data[1:], address.SerialNumber)
	l.Send(frame)

	_, err := l.WaitForResponse(CmdSwitchStateSelectiveResult)
	return err
}

// Query the identity of the slave currently in configuration state.
// The slave must have already been switched into configuration mode
// (see SwitchStateGlobal/SwitchStateSelective).
func (l *LSSMaster) InquireIdentity() (config.Identity, error) {
	var identity config.Identity

	frame := canopen.NewFrame(ServiceMasterId, 0, 8)

	frame.Data[0] = byte(CmdInquireVendor)
	resp, err := l.request(frame, CmdInquireVendor)
	if err != nil {
		return identity, err
	}
	identity.VendorId = binary.LittleEndian.Uint32(resp.raw[1:5])

	frame.Data[0] = byte(CmdInquireProduct)
	resp, err = l.request(frame, CmdInquireProduct)
	if err != nil {
		return identity, err
	}
	identity.ProductCode = binary.LittleEndian.Uint32(resp.raw[1:5])

	frame.Data[0] = byte(CmdInquireRevision)
	resp, err = l.request(frame, CmdInquireRevision)
	if err != nil {
		return identity, err
	}
	identity.RevisionNumber = binary.LittleEndian.Uint32(resp.raw[1:5])

	frame.Data[0] = byte(CmdInquireSerial)
	resp, err = l.request(frame, CmdInquireSerial)
	if err != nil {
		return identity, err
	}
	identity.SerialNumber = binary.LittleEndian.Uint32(resp.raw[1:5])

	return identity, nil
}

// Configure a pending node-id on the slave currently in configuration state.
// Returns the error code reported by the slave (0 = ok).
func (l *LSSMaster) ConfigureNodeId(nodeId uint8) (uint8, error) {
	frame := canopen.NewFrame(ServiceMasterId, 0, 8)
	frame.Data[0] = byte(CmdConfigureNodeId)
	frame.Data[1] = nodeId
	resp, err := l.request(frame, CmdConfigureNodeId)
	if err != nil {
		return 0, err
	}
	return resp.raw[1], nil
}

// Fastscan performs a CiA 305 identify fastscan: a binary search over the four
// 32bit identity fields (vendorId, productCode, revisionNumber, serialNumber)
// of whichever single unconfigured slave is listening on the bus. On success
// the matched slave transitions to LSS configuration state. probeTimeout is
// the per-probe response timeout; there is no built-in default, and the
// master's previous timeout is restored when the scan returns.
func (l *LSSMaster) Fastscan(probeTimeout time.Duration) (config.Identity, error) {
	previous := l.timeout
	l.SetTimeout(probeTimeout)
	defer l.SetTimeout(previous)

	present, err := l.fastscanProbe(0, FastscanProbeAny, 0, 0)
	if err != nil {
		return config.Identity{}, ErrTimeout
	}
	if !present {
		return config.Identity{}, ErrTimeout
	}

	var fields [FastscanMaxFields]uint32
	for sub := 0; sub < FastscanMaxFields; sub++ {
		value := uint32(0)
		for bit := 31; bit >= 1; bit-- {
			test := value | (1 << uint(bit))
			ok, err := l.fastscanProbe(test, uint8(bit), uint8(sub), uint8(sub))
			if err != nil {
				return config.Identity{}, err
			}
			if ok {
				value = test
			}
		}

		// Last bit doubles as the advance-to-next-field request.
		test := value | 1
		ok, err := l.fastscanProbe(test, 0, uint8(sub), uint8(sub+1))
		if err != nil {
			return config.Identity{}, err
		}
		if ok {
			value = test
		} else {
			ok, err = l.fastscanProbe(value, 0, uint8(sub), uint8(sub+1))
			if err != nil {
				return config.Identity{}, err
			}
			if !ok {
				return config.Identity{}, ErrTimeout
			}
		}
		fields[sub] = value
	}

	return config.Identity{
		VendorId:       fields[0],
		ProductCode:    fields[1],
		RevisionNumber: fields[2],
		SerialNumber:   fields[3],
	}, nil
}

// fastscanProbe sends a single identify fastscan request and reports whether
// a slave answered before the current timeout elapsed.
func (l *LSSMaster) fastscanProbe(idNumber uint32, bitCheck, lssSub, lssNext uint8) (bool, error) {
	frame := canopen.NewFrame(ServiceMasterId, 0, 8)
	frame.Data[0] = byte(CmdIdentifyFastscan)
	binary.LittleEndian.PutUint32(frame.Data[1:], idNumber)
	frame.Data[5] = bitCheck
	frame.Data[6] = lssSub
	frame.Data[7] = lssNext

	if err := l.Send(frame); err != nil {
		return false, err
	}
	_, err := l.WaitForResponse(CmdIdentifySlave)
	if err == ErrTimeout {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// request sends frame and waits for a response carrying the given command.
func (l *LSSMaster) request(frame canopen.Frame, cmd LSSCommand) (LSSMessage, error) {
	if err := l.Send(frame); err != nil {
		return LSSMessage{}, err
	}
	return l.WaitForResponse(cmd)
}

// Update timeout for answer from slave nodes
func (l *LSSMaster) SetTimeout(timeout time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.timeout = timeout
}

func NewLSSMaster(bm *canopen.BusManager, logger *slog.Logger, timeout time.Duration) (*LSSMaster, error) {

	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("service", "[LSSMaster]")
	lss := &LSSMaster{BusManager: bm, logger: logger}
	lss.rx = make(chan LSSMessage, 2)
	lss.SetTimeout(timeout)
	_, err := lss.Subscribe(ServiceSlaveId, 0x7FF, false, lss)
	if err != nil {
		return nil, err
	}

	return lss, nil
}

package sync

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	canopen "github.com/go-canopen/canopen"
	"github.com/go-canopen/canopen/pkg/emergency"
	"github.com/go-canopen/canopen/pkg/od"
)

// Status values returned to callers that still poll for a SYNC event
// (kept for compatibility with remote-node bookkeeping).
const (
	EventNone         uint8 = 0 // No SYNC event since last check
	EventRxOrTx       uint8 = 1 // SYNC message was received or transmitted
	EventPassedWindow uint8 = 2 // Time has just passed SYNC window (0x1007)
)

// SYNC produces or consumes the CANopen synchronization object (0x1005,
// 0x1006, 0x1007, 0x1019). Producers drive a [time.Timer] at
// syncCyclePeriod; consumers arm a timeout timer on 1.5 times that period and
// raise EmSyncTimeOut if no SYNC arrives in time. Every SYNC event
// (transmitted or received) fans out to subscriber channels so TPDOs and
// RPDOs can drive their own synchronous-processing goroutines without
// polling.
type SYNC struct {
	bm     *canopen.BusManager
	logger *slog.Logger
	mu     sync.Mutex
	emcy   *emergency.EMCY

	cobId           uint32
	isProducer      bool
	counterOverflow uint8
	counter         uint8
	rxToggle        bool
	timeoutRaised   bool

	syncCyclePeriod  time.Duration
	syncWindowLength time.Duration

	rxCancel      func()
	producerTimer *time.Timer
	timeoutTimer  *time.Timer

	txBuffer canopen.Frame

	subMu       sync.Mutex
	subscribers map[chan uint8]struct{}
}

// Handle implements [canopen.FrameListener] for received SYNC frames.
func (sy *SYNC) Handle(frame canopen.Frame) {
	sy.mu.Lock()

	expectedDLC := uint8(0)
	if sy.counterOverflow != 0 {
		expectedDLC = 1
	}
	if frame.DLC != expectedDLC {
		errorCode := uint16(frame.DLC) | 0x40
		if expectedDLC == 1 {
			errorCode = uint16(frame.DLC) | 0x80
		}
		sy.mu.Unlock()
		if sy.emcy != nil {
			sy.emcy.Error(true, emergency.EmSyncLength, emergency.ErrSyncDataLength, uint32(errorCode))
		}
		return
	}

	counter := uint8(0)
	if expectedDLC == 1 {
		counter = frame.Data[0]
	}
	sy.counter = counter
	sy.rxToggle = !sy.rxToggle

	if sy.timeoutTimer != nil {
		sy.timeoutTimer.Stop()
	}
	if sy.syncCyclePeriod > 0 {
		periodTimeout := sy.syncCyclePeriod + sy.syncCyclePeriod/2
		if sy.timeoutTimer == nil {
			sy.timeoutTimer = time.AfterFunc(periodTimeout, sy.timeoutHandler)
		} else {
			sy.timeoutTimer.Reset(periodTimeout)
		}
	}
	if sy.timeoutRaised {
		sy.timeoutRaised = false
		sy.mu.Unlock()
		if sy.emcy != nil {
			sy.emcy.Error(false, emergency.EmSyncTimeOut, 0, 0)
		}
		sy.broadcast(counter)
		return
	}

	sy.mu.Unlock()
	sy.broadcast(counter)
}

func (sy *SYNC) timeoutHandler() {
	sy.mu.Lock()
	if sy.isProducer {
		sy.mu.Unlock()
		return
	}
	sy.timeoutRaised = true
	sy.mu.Unlock()
	sy.logger.Warn("timeout error, SYNC not received inside of expected window")
	if sy.emcy != nil {
		sy.emcy.Error(true, emergency.EmSyncTimeOut, emergency.ErrCommunication, 0)
	}
}

// send transmits a SYNC frame, advances the counter and fans the event
// out to subscribers. Caller must not hold sy.mu.
func (sy *SYNC) send() {
	sy.mu.Lock()
	sy.counter++
	if sy.counter > sy.counterOverflow {
		sy.counter = 1
	}
	sy.rxToggle = !sy.rxToggle
	counter := sy.counter
	frame := sy.txBuffer
	if sy.counterOverflow != 0 {
		frame.Data[0] = counter
	}
	sy.mu.Unlock()

	_ = sy.bm.Send(frame)
	sy.broadcast(counter)
}

func (sy *SYNC) producerHandler() {
	sy.send()
	sy.mu.Lock()
	period := sy.syncCyclePeriod
	timer := sy.producerTimer
	sy.mu.Unlock()
	if timer != nil && period > 0 {
		timer.Reset(period)
	}
}

// Subscribe registers a channel that receives the SYNC counter value on
// every produced or consumed SYNC event. Buffered by 1 so a slow reader
// never blocks the SYNC dispatch path; while a value is still unread, newer
// values for that channel are dropped.
func (sy *SYNC) Subscribe() chan uint8 {
	ch := make(chan uint8, 1)
	sy.subMu.Lock()
	defer sy.subMu.Unlock()
	if sy.subscribers == nil {
		sy.subscribers = make(map[chan uint8]struct{})
	}
	sy.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a channel previously returned by Subscribe.
// The channel is closed so that consumer goroutines ranging over it exit.
func (sy *SYNC) Unsubscribe(ch chan uint8) {
	sy.subMu.Lock()
	defer sy.subMu.Unlock()
	if _, ok := sy.subscribers[ch]; ok {
		delete(sy.subscribers, ch)
		close(ch)
	}
}

func (sy *SYNC) broadcast(counter uint8) {
	sy.subMu.Lock()
	defer sy.subMu.Unlock()
	for ch := range sy.subscribers {
		select {
		case ch <- counter:
		default:
		}
	}
}

func (sy *SYNC) Counter() uint8 {
	sy.mu.Lock()
	defer sy.mu.Unlock()
	return sy.counter
}

func (sy *SYNC) RxToggle() bool {
	sy.mu.Lock()
	defer sy.mu.Unlock()
	return sy.rxToggle
}

func (sy *SYNC) CounterOverflow() uint8 {
	sy.mu.Lock()
	defer sy.mu.Unlock()
	return sy.counterOverflow
}

// Start subscribes to the bus and, for a producer, begins ticking at
// syncCyclePeriod. Safe to call more than once.
func (sy *SYNC) Start() error {
	sy.mu.Lock()
	defer sy.mu.Unlock()

	if sy.rxCancel == nil {
		rxCancel, err := sy.bm.Subscribe(sy.cobId, 0x7FF, false, sy)
		if err != nil {
			return err
		}
		sy.rxCancel = rxCancel
	}

	if sy.isProducer && sy.syncCyclePeriod > 0 && sy.producerTimer == nil {
		sy.producerTimer = time.AfterFunc(sy.syncCyclePeriod, sy.producerHandler)
	}
	return nil
}

// Stop cancels the bus subscription and any running timers.
func (sy *SYNC) Stop() {
	sy.mu.Lock()
	defer sy.mu.Unlock()

	if sy.rxCancel != nil {
		sy.rxCancel()
		sy.rxCancel = nil
	}
	if sy.producerTimer != nil {
		sy.producerTimer.Stop()
		sy.producerTimer = nil
	}
	if sy.timeoutTimer != nil {
		sy.timeoutTimer.Stop()
		sy.timeoutTimer = nil
	}
	sy.timeoutRaised = false
}

// resetTimers restarts the producer ticking cadence after 0x1006 changes
// while already running.
func (sy *SYNC) resetTimers() {
	sy.mu.Lock()
	defer sy.mu.Unlock()

	if sy.producerTimer != nil {
		sy.producerTimer.Stop()
		sy.producerTimer = nil
	}
	if sy.isProducer && sy.syncCyclePeriod > 0 {
		sy.producerTimer = time.AfterFunc(sy.syncCyclePeriod, sy.producerHandler)
	}
}

func NewSYNC(
	bm *canopen.BusManager,
	logger *slog.Logger,
	emcy *emergency.EMCY,
	entry1005 *od.Entry,
	entry1006 *od.Entry,
	entry1007 *od.Entry,
	entry1019 *od.Entry,
) (*SYNC, error) {
	if bm == nil || entry1005 == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("service", "[SYNC]")

	sy := &SYNC{bm: bm, logger: logger, emcy: emcy}

	cobIdSync, err := entry1005.Uint32(0)
	if err != nil {
		logger.Error("read error", "index", entry1005.Index, "name", entry1005.Name)
		return nil, canopen.ErrOdParameters
	}
	entry1005.AddExtension(sy, od.ReadEntryDefault, writeEntry1005)

	if entry1006 == nil {
		logger.Error("COMM CYCLE PERIOD not found")
		return nil, canopen.ErrOdParameters
	}
	if entry1007 == nil {
		logger.Error("SYNCHRONOUS WINDOW LENGTH not found")
		return nil, canopen.ErrOdParameters
	}
	entry1006.AddExtension(sy, od.ReadEntryDefault, writeEntry1006)
	rawCyclePeriod, err := entry1006.GetRawData(0, 4)
	if err != nil {
		logger.Error("read error", "index", entry1006.Index, "name", entry1006.Name)
		return nil, canopen.ErrOdParameters
	}
	sy.syncCyclePeriod = time.Duration(binary.LittleEndian.Uint32(rawCyclePeriod)) * time.Microsecond

	entry1007.AddExtension(sy, od.ReadEntryDefault, writeEntry1007)
	rawWindowLength, err := entry1007.GetRawData(0, 4)
	if err != nil {
		logger.Error("read error", "index", entry1007.Index, "name", entry1007.Name)
		return nil, canopen.ErrOdParameters
	}
	sy.syncWindowLength = time.Duration(binary.LittleEndian.Uint32(rawWindowLength)) * time.Microsecond

	var counterOverflow uint8
	if entry1019 != nil {
		counterOverflow, err = entry1019.Uint8(0)
		if err != nil {
			logger.Error("read error", "index", entry1019.Index, "name", entry1019.Name)
			return nil, canopen.ErrOdParameters
		}
		if counterOverflow == 1 {
			counterOverflow = 2
		} else if counterOverflow > 240 {
			counterOverflow = 240
		}
		entry1019.AddExtension(sy, od.ReadEntryDefault, writeEntry1019)
	}
	sy.counterOverflow = counterOverflow
	sy.isProducer = (cobIdSync & 0x40000000) != 0
	sy.cobId = cobIdSync & 0x7FF

	var frameSize uint8
	if counterOverflow != 0 {
		frameSize = 1
	}
	sy.txBuffer = canopen.NewFrame(sy.cobId, 0, frameSize)

	if err := sy.Start(); err != nil {
		return nil, err
	}
	logger.Debug("finished initializing", "cobId", sy.cobId, "producer", sy.isProducer)
	return sy, nil
}

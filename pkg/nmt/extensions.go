package nmt

import (
	"encoding/binary"
	"time"

	"github.com/go-canopen/canopen/pkg/od"
	log "github.com/sirupsen/logrus"
)

// [NMT] update heartbeat period
func writeEntry1017(stream *od.Stream, data []byte) (uint16, error) {
	if stream == nil || data == nil || stream.Subindex != 0 || len(data) != 2 {
		return 0, od.ErrDevIncompat
	}
	nmt, ok := stream.Object.(*NMT)
	if !ok {
		return 0, od.ErrDevIncompat
	}
	nmt.mu.Lock()
	defer nmt.mu.Unlock()

	nmt.hearbeatProducerTimeUs = uint32(binary.LittleEndian.Uint16(data)) * 1000
	// Re-arm (or stop) the producer with the new period straight away
	if nmt.hearbeatProducerTimeUs == 0 {
		if nmt.timer != nil {
			nmt.timer.Stop()
		}
	} else {
		period := time.Duration(nmt.hearbeatProducerTimeUs) * time.Microsecond
		if nmt.timer == nil {
			nmt.timer = time.AfterFunc(period, nmt.heartbeatTimeout)
		} else {
			nmt.timer.Reset(period)
		}
	}
	log.Debugf("[OD][EXTENSION][NMT] updated heartbeat period to %v ms", nmt.hearbeatProducerTimeUs/1000)
	return od.WriteEntryDefault(stream, data)
}

package time

import (
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSetInternalTime(t *testing.T) {
	now := time.Now()
	// Check that reading and setting time is precise
	now = now.Round(1 * time.Millisecond)
	timeInstance := &TIME{logger: slog.Default()}
	timeInstance.SetInternalTime(now)
	internalTime := timeInstance.InternalTime()
	timeDiff := internalTime.Sub(now)
	assert.LessOrEqual(t, math.Abs(float64(timeDiff.Milliseconds())), 2.0)
	nowPlus1Day := now.Add(24 * time.Hour)
	timeInstance.SetInternalTime(nowPlus1Day)
	timeDiff = timeInstance.InternalTime().Sub(nowPlus1Day)
	assert.LessOrEqual(t, math.Abs(float64(timeDiff.Milliseconds())), 2.0)
}

// The 6-byte wire codec is relative to the 1984 UTC epoch : the all-zero
// encoding decodes to exactly that instant, and any later timestamp
// survives a round trip to millisecond precision.
func TestTimestampCodec(t *testing.T) {
	var zero [8]byte
	assert.Equal(t, TimestampOrigin, convertByteToTime(zero))

	stamp := time.Date(2024, time.June, 15, 13, 37, 42, 11e6, time.UTC)
	raw := convertTimeToByte(stamp)
	decoded := convertByteToTime(raw)
	assert.Equal(t, stamp.UnixMilli(), decoded.UnixMilli())
}

func TestSetProducerInterval(t *testing.T) {
	timeInstance := &TIME{logger: slog.Default()}
	timeInstance.SetProducerInterval(1000 * time.Millisecond)
	assert.Equal(t, 1000*time.Millisecond, timeInstance.timeProducer)
}

package od

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// Encode / decode round trips for every supported scalar datatype
func TestDecodeEncodeRoundTrip(t *testing.T) {

	unsignedCases := map[uint8]uint64{
		UNSIGNED8:  0xFE,
		UNSIGNED16: 0xFEDC,
		UNSIGNED24: 0xFEDCBA,
		UNSIGNED32: 0xFEDCBA98,
		UNSIGNED40: 0xFEDCBA9876,
		UNSIGNED48: 0xFEDCBA987654,
		UNSIGNED56: 0xFEDCBA98765432,
		UNSIGNED64: 0xFEDCBA9876543210,
	}
	for dataType, value := range unsignedCases {
		data, err := EncodeFromString("0x"+strconv.FormatUint(value, 16), dataType, 0)
		assert.Nil(t, err, "datatype x%x", dataType)
		decoded, err := DecodeToType(data, dataType)
		assert.Nil(t, err, "datatype x%x", dataType)
		assert.EqualValues(t, value, decoded, "datatype x%x", dataType)
	}

	signedCases := map[uint8]int64{
		INTEGER8:  -100,
		INTEGER16: -30000,
		INTEGER24: -8000000,
		INTEGER32: -2000000000,
		INTEGER40: -500000000000,
		INTEGER48: -100000000000000,
		INTEGER56: -30000000000000000,
		INTEGER64: -9000000000000000000,
	}
	for dataType, value := range signedCases {
		data, err := EncodeFromString(strconv.FormatInt(value, 10), dataType, 0)
		assert.Nil(t, err, "datatype x%x", dataType)
		decoded, err := DecodeToType(data, dataType)
		assert.Nil(t, err, "datatype x%x", dataType)
		assert.EqualValues(t, value, decoded, "datatype x%x", dataType)
	}
}

func TestUnicodeStringRoundTrip(t *testing.T) {
	data, err := EncodeFromString("hello, world", UNICODE_STRING, 0)
	assert.Nil(t, err)
	// UTF-16LE is always an even number of bytes
	assert.Equal(t, 0, len(data)%2)
	decoded, err := DecodeToType(data, UNICODE_STRING)
	assert.Nil(t, err)
	assert.Equal(t, "hello, world", decoded)
}

func TestTimeOfDayRoundTrip(t *testing.T) {
	// The all-zero encoding is the epoch : 1st of january 1984, UTC
	epoch, err := DecodeToType(make([]byte, 6), TIME_OF_DAY)
	assert.Nil(t, err)
	assert.Equal(t, timeOfDayOrigin, epoch)

	stamp := time.Date(2024, time.June, 15, 13, 37, 42, 11e6, time.UTC)
	encoded, err := EncodeFromTypeExact(stamp)
	assert.Nil(t, err)
	assert.Len(t, encoded, 6)
	decoded, err := DecodeToType(encoded, TIME_OF_DAY)
	assert.Nil(t, err)
	assert.Equal(t, stamp.UnixMilli(), decoded.(time.Time).UnixMilli())
}

func TestTimeDifferenceRoundTrip(t *testing.T) {
	diff := 49*time.Hour + 12*time.Minute + 345*time.Millisecond
	encoded, err := EncodeFromTypeExact(diff)
	assert.Nil(t, err)
	assert.Len(t, encoded, 6)
	decoded, err := DecodeToType(encoded, TIME_DIFF)
	assert.Nil(t, err)
	assert.Equal(t, diff, decoded)
}

func TestDecodeSizeChecks(t *testing.T) {
	_, err := DecodeToType([]byte{1, 2}, UNSIGNED24)
	assert.Equal(t, ErrTypeMismatch, err)
	_, err = DecodeToType([]byte{1, 2, 3, 4, 5}, TIME_OF_DAY)
	assert.Equal(t, ErrTypeMismatch, err)
	_, err = DecodeToType([]byte{1}, UNICODE_STRING)
	assert.Equal(t, ErrTypeMismatch, err)
}

package od

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncode(t *testing.T) {

	data, err := EncodeFromString("0x10", UNSIGNED8, 0)
	assert.Nil(t, err)
	assert.EqualValues(t, []byte{0x10}, data)

	data, _ = EncodeFromString("0x10", UNSIGNED16, 0)
	assert.EqualValues(t, []byte{0x10, 0x00}, data)

	data, _ = EncodeFromString("0x10", UNSIGNED32, 0)
	assert.EqualValues(t, []byte{0x10, 0x00, 0x00, 0x00}, data)

	data, _ = EncodeFromString("0x20", INTEGER8, 0)
	assert.EqualValues(t, []byte{0x20}, data)

	data, _ = EncodeFromString("0x20", INTEGER16, 0)
	assert.EqualValues(t, []byte{0x20, 0x00}, data)

	data, _ = EncodeFromString("0x20", INTEGER32, 0)
	assert.EqualValues(t, []byte{0x20, 0x00, 0x00, 0x00}, data)

	data, _ = EncodeFromString("0x1", BOOLEAN, 0)
	assert.EqualValues(t, []byte{0x1}, data)

	_, err = EncodeFromString("90000", UNSIGNED8, 0)
	assert.NotNil(t, err)

}

func TestScaledReadWrite(t *testing.T) {
	variable, err := NewVariable(0, "scaled", UNSIGNED16, AttributeSdoRw, "0x0")
	assert.Nil(t, err)
	// 0.1 units per count : writing 12.3 stores 123, reading scales back
	err = variable.SetScale(0.1)
	assert.Nil(t, err)
	err = variable.PutScaled(12.3)
	assert.Nil(t, err)
	raw, err := variable.Uint16()
	assert.Nil(t, err)
	assert.EqualValues(t, 123, raw)
	scaled, err := variable.Scaled()
	assert.Nil(t, err)
	assert.InDelta(t, 12.3, scaled, 1e-9)

	// Assignments are truncated to the declared integer type
	err = variable.PutScaled(1.26)
	assert.Nil(t, err)
	raw, _ = variable.Uint16()
	assert.EqualValues(t, 12, raw)

	// Scale factors only apply to numeric entries
	str, err := NewVariable(0, "name", VISIBLE_STRING, AttributeSdoRw, "abc")
	assert.Nil(t, err)
	assert.Equal(t, ErrTypeMismatch, str.SetScale(2))
}

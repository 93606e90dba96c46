package od

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func createOD() *ObjectDictionary {
	od := NewOD()
	od.AddVariableType(0x3016, "entry3016", UNSIGNED8, AttributeSdoRw, "0x10")
	od.AddVariableType(0x3017, "entry3017", UNSIGNED16, AttributeSdoRw, "0x20")
	od.AddVariableType(0x3018, "entry3018", UNSIGNED32, AttributeSdoRw, "0x30")
	record := NewRecord()
	record.AddSubObject(0, "sub0", UNSIGNED8, AttributeSdoRw, "0x11")
	od.AddVariableList(0x3030, "entry3030", record)
	return od
}

func TestFind(t *testing.T) {
	od := createOD()
	entry := od.Index(0x1118)
	assert.Nil(t, entry)
	entry = od.Index(0x3016)
	assert.NotNil(t, entry)
	variable, err := od.Index(0x3016).SubIndex(0)
	assert.Nil(t, err)
	assert.NotNil(t, variable)
}

// Test reading OD variables
func TestEntryUint(t *testing.T) {
	odParsed := Default()

	entry := odParsed.Index(0x2003)
	assert.NotNil(t, entry)

	data, _ := entry.Uint16(0)
	assert.EqualValues(t, 0x4444, data)

	_, err := entry.Uint8(0)
	assert.Equal(t, ErrTypeMismatch, err)
}

// Test reading SDO client parameter entry
func TestReadSDO1280(t *testing.T) {
	od := Default()
	entry := od.Index(0x1280)
	assert.NotNil(t, entry)
	_, err := NewStreamer(entry, 0, true)
	assert.Nil(t, err)
}

// Test reader writer disabled
func TestReadWriteDisabled(t *testing.T) {
	od := Default()
	entry := od.Index(0x2001)
	assert.NotNil(t, entry)
	extension := extension{object: nil, read: ReadEntryDisabled, write: WriteEntryDisabled, flagsPDO: [FlagsPdoSize]uint8{0}}
	entry.extension = &extension
	streamer, err := NewStreamer(entry, 0, false)
	assert.Nil(t, err)

	_, err = streamer.Read([]byte{0})
	assert.Equal(t, ErrUnsuppAccess, err)

	_, err = streamer.reader(&streamer.Stream, []byte{0})
	assert.Equal(t, ErrUnsuppAccess, err)
}

func TestAddRPDO(t *testing.T) {
	od := NewOD()
	err := od.AddRPDO(1)
	assert.Nil(t, err)
}

func TestAddReader(t *testing.T) {
	od := NewOD()
	buffer := bytes.NewReader(make([]byte, 10))
	od.AddReader(0x1, "hello", buffer)
}

func TestFindEntry(t *testing.T) {
	od := createOD()
	od.AddVariableType(0x3019, "entry3016", UNSIGNED8, AttributeSdoRw, "0x10")
	// Same name twice : both returned, lowest index first
	entries := od.FindEntry("entry3016")
	assert.Len(t, entries, 2)
	assert.EqualValues(t, 0x3016, entries[0].Index)
	assert.EqualValues(t, 0x3019, entries[1].Index)
	assert.Len(t, od.FindEntry("does not exist"), 0)
}

func TestRemoveSubEntry(t *testing.T) {
	od := createOD()
	record := NewRecord()
	record.AddSubObject(0, "Highest sub-index supported", UNSIGNED8, AttributeSdoR, "0x2")
	record.AddSubObject(1, "first", UNSIGNED8, AttributeSdoRw, "0x11")
	record.AddSubObject(2, "second", UNSIGNED8, AttributeSdoRw, "0x22")
	od.AddVariableList(0x3031, "entry3031", record)

	// Sub-index 0 can never be removed
	err := od.RemoveSubEntry(0x3031, 0)
	assert.Equal(t, ErrUnsuppAccess, err)

	err = od.RemoveSubEntry(0x3031, 2)
	assert.Nil(t, err)
	_, err = od.Index(0x3031).SubIndex(2)
	assert.Equal(t, ErrSubNotExist, err)
	// Count at sub-index 0 follows the highest remaining sub-index
	count, err := od.Index(0x3031).Uint8(0)
	assert.Nil(t, err)
	assert.EqualValues(t, 1, count)

	err = od.RemoveSubEntry(0x3031, 2)
	assert.Equal(t, ErrSubNotExist, err)
}

func TestRemoveEntry(t *testing.T) {
	od := createOD()
	var removed *Entry
	err := od.OnRemoveEntry("test", func(entry *Entry) { removed = entry })
	assert.Nil(t, err)
	// Duplicate listener keys are rejected
	err = od.OnRemoveEntry("test", func(entry *Entry) {})
	assert.NotNil(t, err)

	err = od.RemoveEntry(0x3016)
	assert.Nil(t, err)
	assert.Nil(t, od.Index(0x3016))
	assert.NotNil(t, removed)
	assert.EqualValues(t, 0x3016, removed.Index)

	err = od.RemoveEntry(0x3016)
	assert.Equal(t, ErrIdxNotExist, err)
}

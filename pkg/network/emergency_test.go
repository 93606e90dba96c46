package network

import (
	"testing"

	"github.com/go-canopen/canopen/pkg/emergency"
	"github.com/go-canopen/canopen/pkg/od"
	"github.com/stretchr/testify/assert"
)

// with2SlotErrorHistory shrinks the default 0x1003 down to a 2-entry history
// (sub-0 count plus sub-1/sub-2), so that a third report has to evict the
// oldest one instead of just appending.
func with2SlotErrorHistory(dict *od.ObjectDictionary) *od.ObjectDictionary {
	history := od.NewArray(3)
	history.AddSubObject(0, "Number of errors", od.UNSIGNED8, od.AttributeSdoRw, "0x0")
	history.AddSubObject(1, "Standard error field", od.UNSIGNED32, od.AttributeSdoR, "0x0")
	history.AddSubObject(2, "Standard error field", od.UNSIGNED32, od.AttributeSdoR, "0x0")
	dict.AddVariableList(od.EntryManufacturerStatusRegister, "Pre-defined error field", history)
	return dict
}

// TestEmergencyHistory checks that 0x1003, sized to a 2-entry history, keeps
// only the 2 most recent errors with the latest report in sub-index 1: after
// writing codes 0x1000, 0x2000, 0x3000 in order, 0x1000 is evicted.
func TestEmergencyHistory(t *testing.T) {
	network := CreateNetworkEmptyTest()
	defer network.Disconnect()

	node, err := network.CreateLocalNode(NodeIdTest, with2SlotErrorHistory(od.Default()))
	assert.Nil(t, err)

	node.EMCY.ErrorReport(emergency.EmCanBusWarning, emergency.ErrGeneric, 0)
	node.EMCY.ErrorReport(emergency.EmRxMsgWrongLength, emergency.ErrCurrent, 0)
	node.EMCY.ErrorReport(emergency.EmRxMsgOverflow, emergency.ErrVoltage, 0)

	count, err := network.SDOClient.ReadUint8(NodeIdTest, od.EntryManufacturerStatusRegister, 0)
	assert.Nil(t, err)
	assert.Equal(t, uint8(2), count)

	mostRecent, err := network.SDOClient.ReadUint32(NodeIdTest, od.EntryManufacturerStatusRegister, 1)
	assert.Nil(t, err)
	assert.Equal(t, uint16(emergency.ErrVoltage), uint16(mostRecent))

	secondMostRecent, err := network.SDOClient.ReadUint32(NodeIdTest, od.EntryManufacturerStatusRegister, 2)
	assert.Nil(t, err)
	assert.Equal(t, uint16(emergency.ErrCurrent), uint16(secondMostRecent))

	// Clearing the history resets the error count back to 0.
	err = network.SDOClient.WriteRaw(NodeIdTest, od.EntryManufacturerStatusRegister, 0, uint8(0), false)
	assert.Nil(t, err)
	count, err = network.SDOClient.ReadUint8(NodeIdTest, od.EntryManufacturerStatusRegister, 0)
	assert.Nil(t, err)
	assert.Equal(t, uint8(0), count)
}

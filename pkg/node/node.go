package node

import (
	"encoding/binary"
	"log/slog"
	"math"
	"sync"

	canopen "github.com/go-canopen/canopen"
	"github.com/go-canopen/canopen/pkg/config"
	"github.com/go-canopen/canopen/pkg/od"
	"github.com/go-canopen/canopen/pkg/sdo"
)

// BaseNode carries the bus access, logger and SDO client shared by both
// [LocalNode] and [RemoteNode].
type BaseNode struct {
	*canopen.BusManager
	*sdo.SDOClient
	mu     sync.Mutex
	logger *slog.Logger
	od     *od.ObjectDictionary
	id     uint8
}

func newBaseNode(
	bm *canopen.BusManager,
	logger *slog.Logger,
	odict *od.ObjectDictionary,
	nodeId uint8,
) (*BaseNode, error) {
	if logger == nil {
		logger = slog.Default()
	}
	base := &BaseNode{
		BusManager: bm,
		logger:     logger,
		od:         odict,
		id:         nodeId,
	}
	sdoClient, err := sdo.NewSDOClient(bm, logger, odict, nodeId, sdo.DefaultClientTimeout, nil)
	if err != nil {
		return nil, err
	}
	base.SDOClient = sdoClient
	return base, nil
}

func (node *BaseNode) GetOD() *od.ObjectDictionary {
	return node.od
}

func (node *BaseNode) GetID() uint8 {
	return node.id
}

func (node *BaseNode) Configurator() *config.NodeConfigurator {
	return config.NewNodeConfigurator(node.id, node.logger, node.SDOClient)
}

// Export dumps the node's current OD to an EDS file
func (node *BaseNode) Export(filename string) error {
	return od.ExportEDS(node.od, false, filename)
}

// readBytes finds the OD variable at index/subindex on the remote node and
// reads it into a correctly sized buffer, returning its declared datatype.
func (node *BaseNode) readBytes(index any, subindex any) ([]byte, uint8, error) {
	entry := node.od.Index(index)
	odVar, err := entry.SubIndex(subindex)
	if err != nil {
		return nil, 0, err
	}
	data := make([]byte, odVar.DataLength())
	nbRead, err := node.ReadRaw(entry.Index, odVar.SubIndex, data)
	if err != nil {
		return nil, 0, err
	}
	return data[:nbRead], odVar.DataType, nil
}

// ReadRemote reads an entry on the remote node over SDO.
// index and subindex can either be strings or integers; this requires the
// corresponding node OD to be loaded. The returned value is one of
// string, uint64, int64 or float64, or time.Time / time.Duration for
// TIME_OF_DAY / TIME_DIFF.
func (node *BaseNode) ReadRemote(index any, subindex any) (value any, e error) {
	data, dataType, err := node.readBytes(index, subindex)
	if err != nil {
		return nil, err
	}
	return od.DecodeToType(data, dataType)
}

// ReadUintRemote is like ReadRemote but enforces the returned type as uint64.
func (node *BaseNode) ReadUintRemote(index any, subindex any) (value uint64, e error) {
	data, dataType, err := node.readBytes(index, subindex)
	if err != nil {
		return 0, err
	}
	if e = od.CheckSize(len(data), dataType); e != nil {
		return 0, e
	}
	switch dataType {
	case od.BOOLEAN, od.UNSIGNED8:
		return uint64(data[0]), nil
	case od.UNSIGNED16:
		return uint64(binary.LittleEndian.Uint16(data)), nil
	case od.UNSIGNED32:
		return uint64(binary.LittleEndian.Uint32(data)), nil
	case od.UNSIGNED64:
		return binary.LittleEndian.Uint64(data), nil
	default:
		return 0, od.ErrTypeMismatch
	}
}

// ReadIntRemote is like ReadRemote but enforces the returned type as int64.
func (node *BaseNode) ReadIntRemote(index any, subindex any) (value int64, e error) {
	data, dataType, err := node.readBytes(index, subindex)
	if err != nil {
		return 0, err
	}
	if e = od.CheckSize(len(data), dataType); e != nil {
		return 0, e
	}
	switch dataType {
	case od.BOOLEAN:
		return int64(data[0]), nil
	case od.INTEGER8:
		return int64(int8(data[0])), nil
	case od.INTEGER16:
		return int64(int16(binary.LittleEndian.Uint16(data))), nil
	case od.INTEGER32:
		return int64(int32(binary.LittleEndian.Uint32(data))), nil
	case od.INTEGER64:
		return int64(binary.LittleEndian.Uint64(data)), nil
	default:
		return 0, od.ErrTypeMismatch
	}
}

// ReadFloatRemote is like ReadRemote but enforces the returned type as float64.
func (node *BaseNode) ReadFloatRemote(index any, subindex any) (value float64, e error) {
	data, dataType, err := node.readBytes(index, subindex)
	if err != nil {
		return 0, err
	}
	if e = od.CheckSize(len(data), dataType); e != nil {
		return 0, e
	}
	switch dataType {
	case od.REAL32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(data))), nil
	case od.REAL64:
		return math.Float64frombits(binary.LittleEndian.Uint64(data)), nil
	default:
		return 0, od.ErrTypeMismatch
	}
}

// ReadStringRemote is like ReadRemote but enforces the returned type as string.
func (node *BaseNode) ReadStringRemote(index any, subindex any) (value string, e error) {
	data, dataType, err := node.readBytes(index, subindex)
	if err != nil {
		return "", err
	}
	if e = od.CheckSize(len(data), dataType); e != nil {
		return "", e
	}
	switch dataType {
	case od.OCTET_STRING, od.VISIBLE_STRING, od.UNICODE_STRING:
		return string(data), nil
	default:
		return "", od.ErrTypeMismatch
	}
}

// ReadRaw reads an entry from a remote node as a raw byte slice, without
// requiring the corresponding OD to be loaded. Does not support block
// transfer.
func (node *BaseNode) ReadRaw(index uint16, subIndex uint8, data []byte) (int, error) {
	return node.SDOClient.ReadRaw(node.id, index, subIndex, data)
}

// WriteRemote writes an entry to a remote node over SDO.
// index and subindex can either be strings or integers; this requires the
// corresponding node OD to be loaded.
func (node *BaseNode) WriteRemote(index any, subindex any, value any) error {
	entry := node.od.Index(index)
	odVar, err := entry.SubIndex(subindex)
	if err != nil {
		return err
	}
	return node.SDOClient.WriteRaw(node.id, entry.Index, odVar.SubIndex, value, false)
}

// WriteRaw writes an entry to a remote node as a raw byte slice, without
// requiring the corresponding OD to be loaded. Does not support block
// transfer.
func (node *BaseNode) WriteRaw(index uint16, subIndex uint8, data []byte) error {
	return node.SDOClient.WriteRaw(node.id, index, subIndex, data, false)
}

// Node is implemented by [LocalNode] and [RemoteNode] and is what a
// [NodeProcessor] drives.
type Node interface {
	GetOD() *od.ObjectDictionary
	GetID() uint8
	ProcessSYNC(timeDifferenceUs uint32) bool
	ProcessPDO(syncWas bool, timeDifferenceUs uint32)
	ProcessMain(enableGateway bool, timeDifferenceUs uint32) uint8
	Servers() []*sdo.SDOServer
	Reset() error
}

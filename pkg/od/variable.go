package od

import (
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/ini.v1"
)

// Variable is the main data representation for a value stored inside of OD
// It is used to store a "VAR" or "DOMAIN" object type as well as
// any sub entry of a "RECORD" or "ARRAY" object type
type Variable struct {
	mu           sync.RWMutex
	valueDefault []byte
	value        []byte
	// Name of this variable
	Name string
	// The CiA 301 data type of this variable
	DataType byte
	// Attribute contains the access type as well as the mapping
	// information. e.g. AttributeSdoRw | AttributeRpdo
	Attribute uint8
	// StorageLocation has information on which medium is the data
	// stored. Currently this is unused, everything is stored in RAM
	StorageLocation string
	// The minimum value for this variable
	lowLimit []byte
	// The maximum value for this variable
	highLimit []byte
	// The subindex for this variable if part of an ARRAY or RECORD
	SubIndex uint8
	// Optional numeric scale factor, 0 or 1 means identity
	scale float64
}

// Return number of bytes
func (variable *Variable) DataLength() uint32 {
	return uint32(len(variable.value))
}

// Return default value as byte slice
func (variable *Variable) DefaultValue() []byte {
	return variable.valueDefault
}

// Create variable from section entry
func NewVariableFromSection(
	section *ini.Section,
	name string,
	nodeId uint8,
	index uint16,
	subindex uint8,
) (*Variable, error) {

	variable := &Variable{
		Name:     name,
		SubIndex: subindex,
	}

	// Get AccessType
	accessType, err := section.GetKey("AccessType")
	if err != nil {
		return nil, fmt.Errorf("failed to get 'AccessType' for %x : %x", index, subindex)
	}

	// Get PDOMapping to know if pdo mappable
	var pdoMapping bool
	if pM, err := section.GetKey("PDOMapping"); err == nil {
		pdoMapping, err = pM.Bool()
		if err != nil {
			return nil, err
		}
	} else {
		pdoMapping = true
	}

	// TODO maybe add support for datatype particularities (>1B)
	dataType, err := strconv.ParseInt(section.Key("DataType").Value(), 0, 8)
	if err != nil {
		return nil, fmt.Errorf("failed to parse 'DataType' for %x : %x, because %v", index, subindex, err)
	}
	variable.DataType = byte(dataType)
	variable.Attribute = EncodeAttribute(accessType.String(), pdoMapping, variable.DataType)

	if highLimit, err := section.GetKey("HighLimit"); err == nil {
		variable.highLimit, err = EncodeFromString(highLimit.Value(), variable.DataType, 0)
		if err != nil {
			_logger.Warn("error parsing HighLimit",
				"index", fmt.Sprintf("x%x", index),
				"subindex", fmt.Sprintf("x%x", subindex),
				"error", err,
			)
		}
	}

	if lowLimit, err := section.GetKey("LowLimit"); err == nil {
		variable.lowLimit, err = EncodeFromString(lowLimit.Value(), variable.DataType, 0)
		if err != nil {
			_logger.Warn("error parsing LowLimit",
				"index", fmt.Sprintf("x%x", index),
				"subindex", fmt.Sprintf("x%x", subindex),
				"error", err,
			)
		}
	}

	if defaultValue, err := section.GetKey("DefaultValue"); err == nil {
		defaultValueStr := defaultValue.Value()
		// If $NODEID is in default value then remove it, and add it afterwards
		if strings.Contains(defaultValueStr, "$NODEID") {
			re := regexp.MustCompile(`\+?\$NODEID\+?`)
			defaultValueStr = re.ReplaceAllString(defaultValueStr, "")
		} else {
			nodeId = 0
		}
		variable.valueDefault, err = EncodeFromString(defaultValueStr, variable.DataType, nodeId)
		if err != nil {
			return nil, fmt.Errorf("failed to parse 'DefaultValue' for x%x|x%x, because %v (datatype :x%x)", index, subindex, err, variable.DataType)
		}
		variable.value = make([]byte, len(variable.valueDefault))
		copy(variable.value, variable.valueDefault)
	}

	return variable, nil
}

// Create a new variable
func NewVariable(
	subindex uint8,
	name string,
	datatype uint8,
	attribute uint8,
	value string,
) (*Variable, error) {
	encoded, err := EncodeFromString(value, datatype, 0)
	encodedCopy := make([]byte, len(encoded))
	copy(encodedCopy, encoded)
	if err != nil {
		return nil, err
	}
	variable := &Variable{
		SubIndex:     subindex,
		Name:         name,
		value:        encoded,
		valueDefault: encodedCopy,
		Attribute:    attribute,
		DataType:     datatype,
	}
	return variable, nil
}

// Encode from generic type
func EncodeFromGeneric(data any) ([]byte, error) {
	var encoded []byte
	switch val := data.(type) {
	case uint8:
		encoded = []byte{val}
	case int8:
		encoded = []byte{byte(val)}
	case uint16:
		encoded = make([]byte, 2)
		binary.LittleEndian.PutUint16(encoded, val)
	case int16:
		encoded = make([]byte, 2)
		binary.LittleEndian.PutUint16(encoded, uint16(val))
	case uint32:
		encoded = make([]byte, 4)
		binary.LittleEndian.PutUint32(encoded, val)
	case int32:
		encoded = make([]byte, 4)
		binary.LittleEndian.PutUint32(encoded, uint32(val))
	case uint64:
		encoded = make([]byte, 8)
		binary.LittleEndian.PutUint64(encoded, val)
	case int64:
		encoded = make([]byte, 8)
		binary.LittleEndian.PutUint64(encoded, uint64(val))
	case string:
		encoded = []byte(val)
	case float32:
		encoded = make([]byte, 4)
		binary.LittleEndian.PutUint32(encoded, math.Float32bits(val))
	case float64:
		encoded = make([]byte, 8)
		binary.LittleEndian.PutUint64(encoded, math.Float64bits(val))
	case []byte:
		encoded = val
	default:
		return nil, ErrTypeMismatch
	}
	return encoded, nil
}

// Bytes returns a copy of the raw bytes stored inside of OD
func (variable *Variable) Bytes() []byte {
	variable.mu.RLock()
	defer variable.mu.RUnlock()
	b := make([]byte, len(variable.value))
	copy(b, variable.value)
	return b
}

// PutBytes writes the given raw bytes to OD.
// Only the length is checked, no assumptions are made on the data.
func (variable *Variable) PutBytes(b []byte) error {
	variable.mu.Lock()
	defer variable.mu.Unlock()
	if len(b) != len(variable.value) {
		return ErrTypeMismatch
	}
	copy(variable.value, b)
	return nil
}

// Any returns the value stored inside of OD as one of the
// "base" datatypes : uint64, int64, float64, string, or time.Time /
// time.Duration for TIME_OF_DAY / TIME_DIFF
func (variable *Variable) Any() (any, error) {
	variable.mu.RLock()
	defer variable.mu.RUnlock()
	return DecodeToType(variable.value, variable.DataType)
}

// AnyExact returns the value stored inside of OD with its exact datatype
// i.e. one of : uint8, ..., uint64, int8, ..., int64,
// float32, float64, string, []byte
func (variable *Variable) AnyExact() (any, error) {
	variable.mu.RLock()
	defer variable.mu.RUnlock()
	return DecodeToTypeExact(variable.value, variable.DataType)
}

// PutAnyExact writes any exact datatype to OD
// i.e. one of : uint8, ..., uint64, int8, ..., int64,
// float32, float64, string, []byte
// Stored length should match the encoded length exactly.
func (variable *Variable) PutAnyExact(value any) error {
	encoded, err := EncodeFromTypeExact(value)
	if err != nil {
		return err
	}
	variable.mu.Lock()
	defer variable.mu.Unlock()
	if len(encoded) != len(variable.value) {
		return ErrTypeMismatch
	}
	copy(variable.value, encoded)
	return nil
}

// Bool reads value as a BOOLEAN
func (variable *Variable) Bool() (bool, error) {
	variable.mu.RLock()
	defer variable.mu.RUnlock()
	if variable.DataType != BOOLEAN || len(variable.value) != 1 {
		return false, ErrTypeMismatch
	}
	return variable.value[0] != 0, nil
}

// String reads value as a string (VISIBLE_STRING or OCTET_STRING)
func (variable *Variable) String() (string, error) {
	variable.mu.RLock()
	defer variable.mu.RUnlock()
	v, err := DecodeToType(variable.value, variable.DataType)
	if err != nil {
		return "", err
	}
	str, ok := v.(string)
	if !ok {
		return "", ErrTypeMismatch
	}
	return str, nil
}

// Uint reads any unsigned value as a uint64
func (variable *Variable) Uint() (uint64, error) {
	variable.mu.RLock()
	defer variable.mu.RUnlock()
	v, err := DecodeToType(variable.value, variable.DataType)
	if err != nil {
		return 0, err
	}
	value, ok := v.(uint64)
	if !ok {
		return 0, ErrTypeMismatch
	}
	return value, nil
}

// Int reads any signed value as an int64
func (variable *Variable) Int() (int64, error) {
	variable.mu.RLock()
	defer variable.mu.RUnlock()
	v, err := DecodeToType(variable.value, variable.DataType)
	if err != nil {
		return 0, err
	}
	value, ok := v.(int64)
	if !ok {
		return 0, ErrTypeMismatch
	}
	return value, nil
}

// Float reads any float value as a float64
func (variable *Variable) Float() (float64, error) {
	variable.mu.RLock()
	defer variable.mu.RUnlock()
	v, err := DecodeToType(variable.value, variable.DataType)
	if err != nil {
		return 0, err
	}
	value, ok := v.(float64)
	if !ok {
		return 0, ErrTypeMismatch
	}
	return value, nil
}

// Uint8 reads value as an UNSIGNED8
func (variable *Variable) Uint8() (uint8, error) {
	variable.mu.RLock()
	defer variable.mu.RUnlock()
	if len(variable.value) != 1 {
		return 0, ErrTypeMismatch
	}
	return variable.value[0], nil
}

// Uint16 reads value as an UNSIGNED16
func (variable *Variable) Uint16() (uint16, error) {
	variable.mu.RLock()
	defer variable.mu.RUnlock()
	if len(variable.value) != 2 {
		return 0, ErrTypeMismatch
	}
	return binary.LittleEndian.Uint16(variable.value), nil
}

// Uint32 reads value as an UNSIGNED32
func (variable *Variable) Uint32() (uint32, error) {
	variable.mu.RLock()
	defer variable.mu.RUnlock()
	if len(variable.value) != 4 {
		return 0, ErrTypeMismatch
	}
	return binary.LittleEndian.Uint32(variable.value), nil
}

// Uint64 reads value as an UNSIGNED64
func (variable *Variable) Uint64() (uint64, error) {
	variable.mu.RLock()
	defer variable.mu.RUnlock()
	if len(variable.value) != 8 {
		return 0, ErrTypeMismatch
	}
	return binary.LittleEndian.Uint64(variable.value), nil
}

// Int8 reads value as an INTEGER8
func (variable *Variable) Int8() (int8, error) {
	variable.mu.RLock()
	defer variable.mu.RUnlock()
	if len(variable.value) != 1 {
		return 0, ErrTypeMismatch
	}
	return int8(variable.value[0]), nil
}

// Int16 reads value as an INTEGER16
func (variable *Variable) Int16() (int16, error) {
	variable.mu.RLock()
	defer variable.mu.RUnlock()
	if len(variable.value) != 2 {
		return 0, ErrTypeMismatch
	}
	return int16(binary.LittleEndian.Uint16(variable.value)), nil
}

// Int32 reads value as an INTEGER32
func (variable *Variable) Int32() (int32, error) {
	variable.mu.RLock()
	defer variable.mu.RUnlock()
	if len(variable.value) != 4 {
		return 0, ErrTypeMismatch
	}
	return int32(binary.LittleEndian.Uint32(variable.value)), nil
}

// Int64 reads value as an INTEGER64
func (variable *Variable) Int64() (int64, error) {
	variable.mu.RLock()
	defer variable.mu.RUnlock()
	if len(variable.value) != 8 {
		return 0, ErrTypeMismatch
	}
	return int64(binary.LittleEndian.Uint64(variable.value)), nil
}

// Float32 reads value as a REAL32
func (variable *Variable) Float32() (float32, error) {
	variable.mu.RLock()
	defer variable.mu.RUnlock()
	if variable.DataType != REAL32 || len(variable.value) != 4 {
		return 0, ErrTypeMismatch
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(variable.value)), nil
}

// Float64 reads value as a REAL64
func (variable *Variable) Float64() (float64, error) {
	variable.mu.RLock()
	defer variable.mu.RUnlock()
	if variable.DataType != REAL64 || len(variable.value) != 8 {
		return 0, ErrTypeMismatch
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(variable.value)), nil
}

// SetScale attaches a numeric scale factor to the variable. Reads through
// Scaled expose (stored value × factor), writes through PutScaled divide
// by it before storage, truncating to the declared integer type. A factor
// of 0 or 1 is identity. Non-numeric datatypes are rejected.
func (variable *Variable) SetScale(factor float64) error {
	switch variable.DataType {
	case BOOLEAN, VISIBLE_STRING, OCTET_STRING, UNICODE_STRING,
		TIME_OF_DAY, TIME_DIFF, DOMAIN:
		return ErrTypeMismatch
	}
	variable.mu.Lock()
	defer variable.mu.Unlock()
	variable.scale = factor
	return nil
}

// Scale returns the configured scale factor, 1 if none was set
func (variable *Variable) Scale() float64 {
	variable.mu.RLock()
	defer variable.mu.RUnlock()
	if variable.scale == 0 {
		return 1
	}
	return variable.scale
}

// Scaled reads the stored value multiplied by the scale factor.
// The scaled view is computed on demand, storage stays raw.
func (variable *Variable) Scaled() (float64, error) {
	variable.mu.RLock()
	defer variable.mu.RUnlock()
	factor := variable.scale
	if factor == 0 {
		factor = 1
	}
	v, err := DecodeToType(variable.value, variable.DataType)
	if err != nil {
		return 0, err
	}
	switch num := v.(type) {
	case uint64:
		return float64(num) * factor, nil
	case int64:
		return float64(num) * factor, nil
	case float64:
		return num * factor, nil
	default:
		return 0, ErrTypeMismatch
	}
}

// PutScaled stores (value ÷ scale factor), truncated to the declared
// integer type when the entry is not a REAL.
func (variable *Variable) PutScaled(value float64) error {
	variable.mu.Lock()
	defer variable.mu.Unlock()
	factor := variable.scale
	if factor == 0 {
		factor = 1
	}
	raw := value / factor

	switch variable.DataType {
	case REAL32:
		binary.LittleEndian.PutUint32(variable.value, math.Float32bits(float32(raw)))
	case REAL64:
		binary.LittleEndian.PutUint64(variable.value, math.Float64bits(raw))
	case UNSIGNED8, UNSIGNED16, UNSIGNED24, UNSIGNED32,
		UNSIGNED40, UNSIGNED48, UNSIGNED56, UNSIGNED64:
		u := uint64(raw)
		for i := range variable.value {
			variable.value[i] = byte(u >> (8 * i))
		}
	case INTEGER8, INTEGER16, INTEGER24, INTEGER32,
		INTEGER40, INTEGER48, INTEGER56, INTEGER64:
		s := int64(raw)
		for i := range variable.value {
			variable.value[i] = byte(s >> (8 * i))
		}
	default:
		return ErrTypeMismatch
	}
	return nil
}

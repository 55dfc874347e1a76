package stack

import (
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// EIRType is the data type of one Extended Inquiry Response field
type EIRType byte

// EIR data types used by the core
const (
	EIRFlags         EIRType = 0x01
	EIRIncomplete16  EIRType = 0x02
	EIRComplete16    EIRType = 0x03
	EIRIncomplete128 EIRType = 0x06
	EIRComplete128   EIRType = 0x07
	EIRShortName     EIRType = 0x08
	EIRCompleteName  EIRType = 0x09
	EIRTxPower       EIRType = 0x0a
	EIRManufacturer  EIRType = 0xff
)

const (
	// MaxEIRLength is the size of the EIR block carried in an inquiry response.
	MaxEIRLength = 240
	// MaxNameLength caps a device name in bytes.
	MaxNameLength = 248
)

func (t EIRType) String() string {
	switch t {
	case EIRFlags:
		return "flags"
	case EIRIncomplete16:
		return "uuid16_incomplete"
	case EIRComplete16:
		return "uuid16_complete"
	case EIRIncomplete128:
		return "uuid128_incomplete"
	case EIRComplete128:
		return "uuid128_complete"
	case EIRShortName:
		return "short_name"
	case EIRCompleteName:
		return "complete_name"
	case EIRTxPower:
		return "tx_power"
	case EIRManufacturer:
		return "manufacturer"
	default:
		return fmt.Sprintf("eir(0x%02x)", byte(t))
	}
}

// EIRField is one length-type-value field
type EIRField struct {
	Type EIRType
	Data []byte
}

// EIR is parsed Extended Inquiry Response data. Fields keep the order in
// which they were advertised; the first occurrence of a type wins.
type EIR struct {
	fields *orderedmap.OrderedMap[EIRType, []byte]
}

// ParseEIR parses length-type-value fields. A zero length byte ends the data
// (the rest is padding). A field whose length runs past the end of data
// yields the fields parsed so far together with ErrTruncatedEIR.
func ParseEIR(data []byte) (*EIR, error) {
	eir := &EIR{fields: orderedmap.New[EIRType, []byte]()}

	for i := 0; i < len(data); {
		length := int(data[i])
		if length == 0 {
			break
		}
		if i+1+length > len(data) {
			return eir, fmt.Errorf("%w: field at %d declares %d bytes, %d left", ErrTruncatedEIR, i, length, len(data)-i-1)
		}
		t := EIRType(data[i+1])
		if _, exists := eir.fields.Get(t); !exists {
			value := make([]byte, length-1)
			copy(value, data[i+2:i+1+length])
			eir.fields.Set(t, value)
		}
		i += 1 + length
	}

	return eir, nil
}

// Field returns the payload of the field with type t
func (e *EIR) Field(t EIRType) ([]byte, bool) {
	if e == nil || e.fields == nil {
		return nil, false
	}
	return e.fields.Get(t)
}

// Types lists field types in advertised order
func (e *EIR) Types() []EIRType {
	if e == nil || e.fields == nil {
		return nil
	}
	types := make([]EIRType, 0, e.fields.Len())
	for pair := e.fields.Oldest(); pair != nil; pair = pair.Next() {
		types = append(types, pair.Key)
	}
	return types
}

// Len returns the number of distinct field types
func (e *EIR) Len() int {
	if e == nil || e.fields == nil {
		return 0
	}
	return e.fields.Len()
}

// Name returns the advertised device name: the complete local name when
// present, otherwise the shortened one. The result is capped at
// MaxNameLength bytes.
func (e *EIR) Name() (string, bool) {
	name, ok := e.Field(EIRCompleteName)
	if !ok {
		name, ok = e.Field(EIRShortName)
	}
	if !ok {
		return "", false
	}
	if len(name) > MaxNameLength {
		name = name[:MaxNameLength]
	}
	return string(name), true
}

// EncodeEIR serializes fields into length-type-value form. Fields whose data
// does not fit a single length byte are truncated to 254 bytes.
func EncodeEIR(fields ...EIRField) []byte {
	var out []byte
	for _, f := range fields {
		data := f.Data
		if len(data) > 254 {
			data = data[:254]
		}
		out = append(out, byte(len(data)+1), byte(f.Type))
		out = append(out, data...)
	}
	return out
}

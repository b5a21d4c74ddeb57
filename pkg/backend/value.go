package backend

import "fmt"

// Value is the typed encoding of a scalar. CBOR and JSON lose the
// distinction between int32/int64 and float32/float64, so the type
// travels with the value.
type Value struct {
	Type  DataType `cbor:"t"`
	Bool  bool     `cbor:"b,omitempty"`
	Int   int64    `cbor:"i,omitempty"`
	Float float64  `cbor:"f,omitempty"`
	Bytes []byte   `cbor:"s,omitempty"`
}

// NewValue encodes a scalar.
func NewValue(v any) (Value, error) {
	switch x := v.(type) {
	case bool:
		return Value{Type: DataTypeBoolean, Bool: x}, nil
	case int32:
		return Value{Type: DataTypeInteger, Int: int64(x)}, nil
	case int64:
		return Value{Type: DataTypeLong, Int: x}, nil
	case int:
		return Value{Type: DataTypeLong, Int: int64(x)}, nil
	case float32:
		return Value{Type: DataTypeFloat, Float: float64(x)}, nil
	case float64:
		return Value{Type: DataTypeDouble, Float: x}, nil
	case []byte:
		return Value{Type: DataTypeBinary, Bytes: x}, nil
	case string:
		return Value{Type: DataTypeBinary, Bytes: []byte(x)}, nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", v)
	}
}

// Any decodes the scalar back to its Go type.
func (v Value) Any() any {
	switch v.Type {
	case DataTypeBoolean:
		return v.Bool
	case DataTypeInteger:
		return int32(v.Int)
	case DataTypeLong:
		return v.Int
	case DataTypeFloat:
		return float32(v.Float)
	case DataTypeDouble:
		return v.Float
	default:
		if v.Bytes == nil {
			return []byte{}
		}
		return v.Bytes
	}
}

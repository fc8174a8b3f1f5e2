// Package param implements the tagged-union parameter value that flows
// through every serialized command and command response.
package param

import (
	"encoding/json"
	"fmt"

	"github.com/teranos/instrument-server/errors"
)

// Type identifies the variant carried by a Value.
type Type string

const (
	TypeInt32      Type = "int32"
	TypeUint32     Type = "uint32"
	TypeInt64      Type = "int64"
	TypeUint64     Type = "uint64"
	TypeFloat32    Type = "float32"
	TypeFloat64    Type = "float64"
	TypeBool       Type = "bool"
	TypeString     Type = "string"
	TypeBytes      Type = "bytes"
	TypeFloat64Vec Type = "float64_vec"
	TypeInt32Vec   Type = "int32_vec"
	TypeNone       Type = "none"
)

// Value is a closed sum type over the parameter variants the plugin ABI
// supports. Every value carries its type tag explicitly so a JSON round
// trip across a process boundary preserves it. The zero Value is the
// "none"/unit variant.
type Value struct {
	typ        Type
	i32        int32
	u32        uint32
	i64        int64
	u64        uint64
	f32        float32
	f64        float64
	b          bool
	str        string
	bytes      []byte
	float64Vec []float64
	int32Vec   []int32
}

func Int32(v int32) Value      { return Value{typ: TypeInt32, i32: v} }
func Uint32(v uint32) Value    { return Value{typ: TypeUint32, u32: v} }
func Int64(v int64) Value      { return Value{typ: TypeInt64, i64: v} }
func Uint64(v uint64) Value    { return Value{typ: TypeUint64, u64: v} }
func Float32(v float32) Value  { return Value{typ: TypeFloat32, f32: v} }
func Float64(v float64) Value  { return Value{typ: TypeFloat64, f64: v} }
func Bool(v bool) Value        { return Value{typ: TypeBool, b: v} }
func String(v string) Value    { return Value{typ: TypeString, str: v} }
func Bytes(v []byte) Value     { return Value{typ: TypeBytes, bytes: append([]byte(nil), v...)} }
func None() Value              { return Value{typ: TypeNone} }
func Float64Vec(v []float64) Value {
	return Value{typ: TypeFloat64Vec, float64Vec: append([]float64(nil), v...)}
}
func Int32Vec(v []int32) Value {
	return Value{typ: TypeInt32Vec, int32Vec: append([]int32(nil), v...)}
}

// Type returns the variant tag carried by v.
func (v Value) Type() Type { return v.typ }

func (v Value) Int32() (int32, bool)          { return v.i32, v.typ == TypeInt32 }
func (v Value) Uint32() (uint32, bool)        { return v.u32, v.typ == TypeUint32 }
func (v Value) Int64() (int64, bool)          { return v.i64, v.typ == TypeInt64 }
func (v Value) Uint64() (uint64, bool)        { return v.u64, v.typ == TypeUint64 }
func (v Value) Float32() (float32, bool)      { return v.f32, v.typ == TypeFloat32 }
func (v Value) Float64() (float64, bool)      { return v.f64, v.typ == TypeFloat64 }
func (v Value) Bool() (bool, bool)            { return v.b, v.typ == TypeBool }
func (v Value) String() (string, bool)        { return v.str, v.typ == TypeString }
func (v Value) Bytes() ([]byte, bool)         { return v.bytes, v.typ == TypeBytes }
func (v Value) Float64Vec() ([]float64, bool) { return v.float64Vec, v.typ == TypeFloat64Vec }
func (v Value) Int32Vec() ([]int32, bool)     { return v.int32Vec, v.typ == TypeInt32Vec }

// wireForm is the JSON wire representation: {"type": <tag>, "value": <payload>}.
type wireForm struct {
	Type  Type            `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// MarshalJSON implements json.Marshaler, emitting the {type, value} wire form.
func (v Value) MarshalJSON() ([]byte, error) {
	var payload interface{}
	switch v.typ {
	case TypeInt32:
		payload = v.i32
	case TypeUint32:
		payload = v.u32
	case TypeInt64:
		payload = v.i64
	case TypeUint64:
		payload = v.u64
	case TypeFloat32:
		payload = v.f32
	case TypeFloat64:
		payload = v.f64
	case TypeBool:
		payload = v.b
	case TypeString:
		payload = v.str
	case TypeBytes:
		payload = v.bytes
	case TypeFloat64Vec:
		payload = v.float64Vec
	case TypeInt32Vec:
		payload = v.int32Vec
	case TypeNone, "":
		return json.Marshal(wireForm{Type: TypeNone})
	default:
		return nil, errors.Newf("param: unknown type tag %q", v.typ)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "param: marshal payload")
	}
	return json.Marshal(wireForm{Type: v.typ, Value: raw})
}

// UnmarshalJSON implements json.Unmarshaler. An unrecognized type tag
// degrades to the None variant per the spec's tagged-variant design note,
// rather than failing the whole command decode.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireForm
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.Wrap(err, "param: decode wire form")
	}

	switch w.Type {
	case TypeInt32:
		var n int32
		if err := json.Unmarshal(w.Value, &n); err != nil {
			return errors.Wrap(err, "param: decode int32")
		}
		*v = Int32(n)
	case TypeUint32:
		var n uint32
		if err := json.Unmarshal(w.Value, &n); err != nil {
			return errors.Wrap(err, "param: decode uint32")
		}
		*v = Uint32(n)
	case TypeInt64:
		var n int64
		if err := json.Unmarshal(w.Value, &n); err != nil {
			return errors.Wrap(err, "param: decode int64")
		}
		*v = Int64(n)
	case TypeUint64:
		var n uint64
		if err := json.Unmarshal(w.Value, &n); err != nil {
			return errors.Wrap(err, "param: decode uint64")
		}
		*v = Uint64(n)
	case TypeFloat32:
		var f float32
		if err := json.Unmarshal(w.Value, &f); err != nil {
			return errors.Wrap(err, "param: decode float32")
		}
		*v = Float32(f)
	case TypeFloat64:
		var f float64
		if err := json.Unmarshal(w.Value, &f); err != nil {
			return errors.Wrap(err, "param: decode float64")
		}
		*v = Float64(f)
	case TypeBool:
		var b bool
		if err := json.Unmarshal(w.Value, &b); err != nil {
			return errors.Wrap(err, "param: decode bool")
		}
		*v = Bool(b)
	case TypeString:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return errors.Wrap(err, "param: decode string")
		}
		*v = String(s)
	case TypeBytes:
		var b []byte
		if err := json.Unmarshal(w.Value, &b); err != nil {
			return errors.Wrap(err, "param: decode bytes")
		}
		*v = Bytes(b)
	case TypeFloat64Vec:
		var fv []float64
		if err := json.Unmarshal(w.Value, &fv); err != nil {
			return errors.Wrap(err, "param: decode float64 vector")
		}
		*v = Float64Vec(fv)
	case TypeInt32Vec:
		var iv []int32
		if err := json.Unmarshal(w.Value, &iv); err != nil {
			return errors.Wrap(err, "param: decode int32 vector")
		}
		*v = Int32Vec(iv)
	default:
		// Unknown tag degrades to the unit variant rather than failing
		// the decode of the enclosing command/response.
		*v = None()
	}
	return nil
}

// GoString renders a Value for log messages and CLI display.
func (v Value) GoString() string {
	switch v.typ {
	case TypeNone, "":
		return "none"
	default:
		return fmt.Sprintf("%s(%v)", v.typ, v.raw())
	}
}

func (v Value) raw() interface{} {
	switch v.typ {
	case TypeInt32:
		return v.i32
	case TypeUint32:
		return v.u32
	case TypeInt64:
		return v.i64
	case TypeUint64:
		return v.u64
	case TypeFloat32:
		return v.f32
	case TypeFloat64:
		return v.f64
	case TypeBool:
		return v.b
	case TypeString:
		return v.str
	case TypeBytes:
		return v.bytes
	case TypeFloat64Vec:
		return v.float64Vec
	case TypeInt32Vec:
		return v.int32Vec
	default:
		return nil
	}
}

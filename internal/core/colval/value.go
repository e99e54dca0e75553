// Package colval provides the typed column values the engine moves between
// the local store, the change log, and the wire. A Value is a tagged union
// over the column types a synchronized table may carry; a RowSnapshot is one
// row keyed by column name.
//
// Wire rules: binary columns travel base64-encoded, and integers that may
// exceed 2^53 travel as decimal strings so they survive JSON's float64
// number representation. Decoding reverses both given the local column
// types.
package colval

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Kind tags the type carried by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
)

// String returns the kind name for logs and errors.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// maxSafeJSONInt is the largest integer JSON numbers represent exactly.
const maxSafeJSONInt = 1<<53 - 1

// Value is one column value.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	raw  []byte
}

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Bool returns a boolean value.
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// Int returns an integer value.
func Int(v int64) Value { return Value{kind: KindInt, i: v} }

// Float returns a floating-point value.
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }

// String returns a text value.
func String(v string) Value { return Value{kind: KindString, s: v} }

// Bytes returns a binary value. The slice is not copied.
func Bytes(v []byte) Value { return Value{kind: KindBytes, raw: v} }

// Kind returns the type tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// BoolVal returns the boolean payload, or false for other kinds.
func (v Value) BoolVal() bool { return v.b }

// IntVal returns the integer payload, or 0 for other kinds.
func (v Value) IntVal() int64 { return v.i }

// FloatVal returns the float payload, or 0 for other kinds.
func (v Value) FloatVal() float64 { return v.f }

// StringVal returns the text payload, or "" for other kinds.
func (v Value) StringVal() string { return v.s }

// BytesVal returns the binary payload, or nil for other kinds.
func (v Value) BytesVal() []byte { return v.raw }

// Equal reports deep equality of two values.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindString:
		return v.s == o.s
	case KindBytes:
		return bytes.Equal(v.raw, o.raw)
	}
	return false
}

// Any returns the value in database/sql driver form
// (nil, bool, int64, float64, string or []byte).
func (v Value) Any() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindBytes:
		return v.raw
	}
	return nil
}

// FromAny converts a Go or database scan value into a Value.
// Times are stored as RFC 3339 text so they survive every backend.
func FromAny(v any) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return Int(int64(t)), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case string:
		return String(t), nil
	case []byte:
		return Bytes(t), nil
	case time.Time:
		return String(t.UTC().Format(time.RFC3339Nano)), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("unparseable number %q", t.String())
		}
		return Float(f), nil
	}
	return Value{}, fmt.Errorf("unsupported column type %T", v)
}

// MarshalJSON encodes the value with the wire rules.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindInt:
		if v.i > maxSafeJSONInt || v.i < -maxSafeJSONInt {
			return json.Marshal(strconv.FormatInt(v.i, 10))
		}
		return json.Marshal(v.i)
	case KindFloat:
		return json.Marshal(v.f)
	case KindString:
		return json.Marshal(v.s)
	case KindBytes:
		return json.Marshal(base64.StdEncoding.EncodeToString(v.raw))
	}
	return nil, fmt.Errorf("marshal: unknown kind %v", v.kind)
}

// Decode converts a JSON-decoded raw value into a Value of the declared
// kind, reversing the wire rules. Raw values must come from a decoder with
// UseNumber enabled; plain float64 is accepted for tolerance.
func Decode(raw any, kind Kind) (Value, error) {
	if raw == nil {
		return Null(), nil
	}
	switch kind {
	case KindBool:
		switch t := raw.(type) {
		case bool:
			return Bool(t), nil
		case json.Number:
			i, err := t.Int64()
			if err != nil {
				return Value{}, fmt.Errorf("bool column: %w", err)
			}
			return Bool(i != 0), nil
		case float64:
			return Bool(t != 0), nil
		}
	case KindInt:
		switch t := raw.(type) {
		case json.Number:
			i, err := t.Int64()
			if err != nil {
				return Value{}, fmt.Errorf("int column: %w", err)
			}
			return Int(i), nil
		case string:
			i, err := strconv.ParseInt(t, 10, 64)
			if err != nil {
				return Value{}, fmt.Errorf("int column: %w", err)
			}
			return Int(i), nil
		case float64:
			return Int(int64(t)), nil
		}
	case KindFloat:
		switch t := raw.(type) {
		case json.Number:
			f, err := t.Float64()
			if err != nil {
				return Value{}, fmt.Errorf("float column: %w", err)
			}
			return Float(f), nil
		case string:
			f, err := strconv.ParseFloat(t, 64)
			if err != nil {
				return Value{}, fmt.Errorf("float column: %w", err)
			}
			return Float(f), nil
		case float64:
			return Float(t), nil
		}
	case KindString:
		switch t := raw.(type) {
		case string:
			return String(t), nil
		case json.Number:
			return String(t.String()), nil
		}
	case KindBytes:
		if s, ok := raw.(string); ok {
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return Value{}, fmt.Errorf("bytes column: %w", err)
			}
			return Bytes(b), nil
		}
	}
	return Value{}, fmt.Errorf("cannot decode %T as %v", raw, kind)
}

// Infer converts a JSON-decoded raw value without a declared kind.
// Integral numbers become ints, everything else keeps its JSON type.
func Infer(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("unparseable number %q", t.String())
		}
		return Float(f), nil
	case float64:
		return Float(t), nil
	case string:
		return String(t), nil
	}
	return Value{}, fmt.Errorf("unsupported wire value %T", raw)
}

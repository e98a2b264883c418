// internal/reading/value.go
package reading

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind identifies which variant a Value carries.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInt
	KindFloat
	KindBit
	KindRaw
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBit:
		return "bit"
	case KindRaw:
		return "raw"
	default:
		return "invalid"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "int":
		return KindInt, nil
	case "float":
		return KindFloat, nil
	case "bit":
		return KindBit, nil
	case "raw":
		return KindRaw, nil
	case "invalid", "":
		return KindInvalid, nil
	}
	return KindInvalid, fmt.Errorf("reading: unknown value kind %q", s)
}

// Value is a decoded tag value: Int | Float | Bit | Raw.
// The variant is fixed at decode time and a Value is never mutated.
// The zero Value is KindInvalid and is used for readings without data.
type Value struct {
	kind Kind
	i    int64
	f    float64
	b    bool
	raw  string // immutable copy of the raw bytes
}

func Int(v int64) Value     { return Value{kind: KindInt, i: v} }
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }
func Bit(v bool) Value      { return Value{kind: KindBit, b: v} }

// Raw copies p.
func Raw(p []byte) Value { return Value{kind: KindRaw, raw: string(p)} }

func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsValid() bool { return v.kind != KindInvalid }

func (v Value) Int() (int64, bool) {
	return v.i, v.kind == KindInt
}

func (v Value) Float() (float64, bool) {
	return v.f, v.kind == KindFloat
}

func (v Value) Bit() (bool, bool) {
	return v.b, v.kind == KindBit
}

// Raw returns a copy of the raw bytes.
func (v Value) Raw() ([]byte, bool) {
	if v.kind != KindRaw {
		return nil, false
	}
	return []byte(v.raw), true
}

// Equal reports whether both values carry the same variant and payload.
// NaN floats compare equal to each other.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInt:
		return v.i == o.i
	case KindFloat:
		if math.IsNaN(v.f) && math.IsNaN(o.f) {
			return true
		}
		return v.f == o.f
	case KindBit:
		return v.b == o.b
	case KindRaw:
		return v.raw == o.raw
	}
	return true
}

// String renders the payload in the text form used by backup files.
// Raw values are hex encoded, bits are "0"/"1".
func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBit:
		if v.b {
			return "1"
		}
		return "0"
	case KindRaw:
		return hex.EncodeToString([]byte(v.raw))
	}
	return ""
}

// ParseValue rebuilds a Value from its kind and String form.
func ParseValue(kind Kind, s string) (Value, error) {
	switch kind {
	case KindInt:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("reading: int value %q: %w", s, err)
		}
		return Int(n), nil
	case KindFloat:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, fmt.Errorf("reading: float value %q: %w", s, err)
		}
		return Float(f), nil
	case KindBit:
		switch s {
		case "1", "true":
			return Bit(true), nil
		case "0", "false":
			return Bit(false), nil
		}
		return Value{}, fmt.Errorf("reading: bit value %q", s)
	case KindRaw:
		p, err := hex.DecodeString(s)
		if err != nil {
			return Value{}, fmt.Errorf("reading: raw value %q: %w", s, err)
		}
		return Raw(p), nil
	case KindInvalid:
		return Value{}, nil
	}
	return Value{}, fmt.Errorf("reading: unknown kind %d", kind)
}

// internal/codec/value.go
package codec

import (
	"encoding/json"
	"math"
	"strconv"
)

// Kind discriminates the variants of Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindInt
	KindFloat
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindText:
		return "text"
	default:
		return "invalid"
	}
}

// Value is one decoded register value.
// Exactly one payload field is meaningful, selected by Kind.
type Value struct {
	Kind  Kind
	Bool  bool
	Int   int64
	Float float64
	Text  string
}

func BoolValue(b bool) Value       { return Value{Kind: KindBool, Bool: b} }
func IntValue(i int64) Value       { return Value{Kind: KindInt, Int: i} }
func FloatValue(f float64) Value   { return Value{Kind: KindFloat, Float: f} }
func TextValue(s string) Value     { return Value{Kind: KindText, Text: s} }
func (v Value) IsValid() bool      { return v.Kind != KindInvalid }
func (v Value) Equal(o Value) bool { return v == o }

// Float64 returns the numeric view of v.
// Booleans map to 0/1. Text has no numeric view.
func (v Value) Float64() (float64, bool) {
	switch v.Kind {
	case KindBool:
		if v.Bool {
			return 1, true
		}
		return 0, true
	case KindInt:
		return float64(v.Int), true
	case KindFloat:
		return v.Float, true
	default:
		return 0, false
	}
}

// String renders v as payload text.
func (v Value) String() string {
	return v.Format(-1)
}

// Format renders v with prec digits after the decimal point for floats.
// prec < 0 uses the shortest exact representation.
func (v Value) Format(prec int) string {
	switch v.Kind {
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		if prec >= 0 {
			return strconv.FormatFloat(round(v.Float, prec), 'f', -1, 64)
		}
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	case KindText:
		return v.Text
	default:
		return ""
	}
}

// MarshalJSON emits the native JSON form of the variant.
// NaN and infinities have no JSON form and are written as null.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindBool:
		return json.Marshal(v.Bool)
	case KindInt:
		return json.Marshal(v.Int)
	case KindFloat:
		if math.IsNaN(v.Float) || math.IsInf(v.Float, 0) {
			return []byte("null"), nil
		}
		return json.Marshal(v.Float)
	case KindText:
		return json.Marshal(v.Text)
	default:
		return []byte("null"), nil
	}
}

func round(f float64, prec int) float64 {
	p := math.Pow10(prec)
	return math.Round(f*p) / p
}

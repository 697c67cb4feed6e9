// internal/codec/decode.go
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

// DecodeError is a per-register failure. It never aborts a poll cycle.
type DecodeError struct {
	Type   DataType
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec: decode %s: %s", e.Type, e.Reason)
}

// Decode interprets raw words according to f, then applies scale and offset.
func Decode(words []uint16, f Field) (Value, error) {
	width, err := f.Width()
	if err != nil {
		return Value{}, err
	}
	if len(words) != width {
		return Value{}, &DecodeError{
			Type:   f.Type,
			Reason: fmt.Sprintf("got %d words, want %d", len(words), width),
		}
	}

	switch f.Type {
	case Bool8:
		b := Reorder(words, f.Order)
		return BoolValue(b[1] != 0), nil
	case Bool16:
		return BoolValue(words[0] != 0), nil
	case String:
		return TextValue(decodeString(words, f.Order)), nil
	}

	b := Reorder(words, f.Order)

	var v Value
	switch f.Type {
	case Int16:
		v = IntValue(int64(int16(binary.BigEndian.Uint16(b))))
	case Uint16:
		v = IntValue(int64(binary.BigEndian.Uint16(b)))
	case Int32:
		v = IntValue(int64(int32(binary.BigEndian.Uint32(b))))
	case Uint32:
		v = IntValue(int64(binary.BigEndian.Uint32(b)))
	case Int64:
		v = IntValue(int64(binary.BigEndian.Uint64(b)))
	case Uint64:
		u := binary.BigEndian.Uint64(b)
		if u > math.MaxInt64 {
			// Beyond the integer variant; keep magnitude as float.
			v = FloatValue(float64(u))
		} else {
			v = IntValue(int64(u))
		}
	case Float16:
		v = FloatValue(float64(float16.Frombits(binary.BigEndian.Uint16(b)).Float32()))
	case Float32:
		v = FloatValue(float64(math.Float32frombits(binary.BigEndian.Uint32(b))))
	case Float64:
		v = FloatValue(math.Float64frombits(binary.BigEndian.Uint64(b)))
	default:
		return Value{}, &DecodeError{Type: f.Type, Reason: "unrecognized data type"}
	}

	return applyScale(v, f), nil
}

// applyScale runs after type interpretation, never before. Booleans and
// text are not numeric and pass through unscaled.
func applyScale(v Value, f Field) Value {
	if !f.scaled() || v.Kind == KindBool || v.Kind == KindText {
		return v
	}
	x, ok := v.Float64()
	if !ok {
		return v
	}
	return FloatValue(x*f.scale() + f.Offset)
}

// decodeString packs two ASCII bytes per word. Only the byte half of the
// order applies; text has no word order.
func decodeString(words []uint16, o Order) string {
	buf := make([]byte, 0, 2*len(words))
	for _, w := range words {
		hi, lo := byte(w>>8), byte(w)
		if o.swapsBytes() {
			hi, lo = lo, hi
		}
		buf = append(buf, hi, lo)
	}
	return strings.TrimRight(string(buf), "\x00")
}

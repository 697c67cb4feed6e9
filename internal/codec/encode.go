// internal/codec/encode.go
package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// EncodeError reports a value that cannot be represented by a field.
type EncodeError struct {
	Type   DataType
	Reason string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("codec: encode %s: %s", e.Type, e.Reason)
}

// Encode is the inverse of Decode: it removes scale and offset, encodes the
// value as canonical big-endian bytes and lays them out as wire words.
func Encode(v Value, f Field) ([]uint16, error) {
	width, err := f.Width()
	if err != nil {
		return nil, err
	}

	switch f.Type {
	case Bool8, Bool16:
		on, err := truth(v, f.Type)
		if err != nil {
			return nil, err
		}
		var lo byte
		if on {
			lo = 1
		}
		if f.Type == Bool16 {
			return []uint16{uint16(lo)}, nil
		}
		return Canonical([]byte{0, lo}, f.Order), nil
	case String:
		return encodeString(v, f, width)
	}

	b := make([]byte, 2*width)

	// Unscaled integers take the exact path so 64-bit values survive.
	if v.Kind == KindInt && !f.scaled() {
		if err := putInt(b, v.Int, f.Type); err != nil {
			return nil, err
		}
		return Canonical(b, f.Order), nil
	}

	x, ok := v.Float64()
	if !ok {
		return nil, &EncodeError{Type: f.Type, Reason: fmt.Sprintf("cannot encode %s value", v.Kind)}
	}
	if f.scaled() {
		x = (x - f.Offset) / f.scale()
	}

	switch f.Type {
	case Float16:
		binary.BigEndian.PutUint16(b, float16.Fromfloat32(float32(x)).Bits())
	case Float32:
		binary.BigEndian.PutUint32(b, math.Float32bits(float32(x)))
	case Float64:
		binary.BigEndian.PutUint64(b, math.Float64bits(x))
	case Uint64:
		r := math.Round(x)
		if r < 0 || r >= 1<<64 {
			return nil, outOfRange(f.Type, x)
		}
		binary.BigEndian.PutUint64(b, uint64(r))
	default:
		r := math.Round(x)
		if r < math.MinInt64 || r >= math.MaxInt64 {
			return nil, outOfRange(f.Type, x)
		}
		if err := putInt(b, int64(r), f.Type); err != nil {
			return nil, err
		}
	}
	return Canonical(b, f.Order), nil
}

func putInt(b []byte, i int64, dt DataType) error {
	switch dt {
	case Int16:
		if i < math.MinInt16 || i > math.MaxInt16 {
			return outOfRange(dt, float64(i))
		}
		binary.BigEndian.PutUint16(b, uint16(int16(i)))
	case Uint16:
		if i < 0 || i > math.MaxUint16 {
			return outOfRange(dt, float64(i))
		}
		binary.BigEndian.PutUint16(b, uint16(i))
	case Int32:
		if i < math.MinInt32 || i > math.MaxInt32 {
			return outOfRange(dt, float64(i))
		}
		binary.BigEndian.PutUint32(b, uint32(int32(i)))
	case Uint32:
		if i < 0 || i > math.MaxUint32 {
			return outOfRange(dt, float64(i))
		}
		binary.BigEndian.PutUint32(b, uint32(i))
	case Int64:
		binary.BigEndian.PutUint64(b, uint64(i))
	case Uint64:
		if i < 0 {
			return outOfRange(dt, float64(i))
		}
		binary.BigEndian.PutUint64(b, uint64(i))
	case Float16:
		binary.BigEndian.PutUint16(b, float16.Fromfloat32(float32(i)).Bits())
	case Float32:
		binary.BigEndian.PutUint32(b, math.Float32bits(float32(i)))
	case Float64:
		binary.BigEndian.PutUint64(b, math.Float64bits(float64(i)))
	default:
		return &EncodeError{Type: dt, Reason: "unrecognized data type"}
	}
	return nil
}

func truth(v Value, dt DataType) (bool, error) {
	switch v.Kind {
	case KindBool:
		return v.Bool, nil
	case KindInt:
		return v.Int != 0, nil
	case KindFloat:
		return v.Float != 0, nil
	}
	return false, &EncodeError{Type: dt, Reason: fmt.Sprintf("cannot encode %s value", v.Kind)}
}

func encodeString(v Value, f Field, width int) ([]uint16, error) {
	if v.Kind != KindText {
		return nil, &EncodeError{Type: f.Type, Reason: fmt.Sprintf("cannot encode %s value", v.Kind)}
	}
	if len(v.Text) > 2*width {
		return nil, &EncodeError{
			Type:   f.Type,
			Reason: fmt.Sprintf("text of %d bytes exceeds %d words", len(v.Text), width),
		}
	}
	buf := make([]byte, 2*width)
	copy(buf, v.Text)

	out := make([]uint16, width)
	for i := range out {
		hi, lo := buf[2*i], buf[2*i+1]
		if f.Order.swapsBytes() {
			hi, lo = lo, hi
		}
		out[i] = uint16(hi)<<8 | uint16(lo)
	}
	return out, nil
}

func outOfRange(dt DataType, x float64) error {
	return &EncodeError{Type: dt, Reason: fmt.Sprintf("value %v out of range", x)}
}

// internal/codec/types.go
package codec

import (
	"fmt"
	"strconv"
	"strings"
)

// DataType names the binary encoding of a register value.
type DataType string

const (
	Bool8   DataType = "bool8"
	Bool16  DataType = "bool16"
	Int16   DataType = "int16"
	Uint16  DataType = "uint16"
	Int32   DataType = "int32"
	Uint32  DataType = "uint32"
	Int64   DataType = "int64"
	Uint64  DataType = "uint64"
	Float16 DataType = "float16"
	Float32 DataType = "float32"
	Float64 DataType = "float64"
	String  DataType = "string"
)

var widths = map[DataType]int{
	Bool8:   1,
	Bool16:  1,
	Int16:   1,
	Uint16:  1,
	Float16: 1,
	Int32:   2,
	Uint32:  2,
	Float32: 2,
	Int64:   4,
	Uint64:  4,
	Float64: 4,
}

// Known reports whether dt is a recognized data type.
func (dt DataType) Known() bool {
	if dt == String {
		return true
	}
	_, ok := widths[dt]
	return ok
}

// IsBool reports whether dt is one of the boolean types.
func (dt DataType) IsBool() bool {
	return dt == Bool8 || dt == Bool16
}

// ParseDataType accepts the canonical names plus the "bool" alias and the
// "stringN" form, where N is a character count. For "stringN" the returned
// word count is ceil(N/2); for every other type it is 0.
// Unrecognized names are returned verbatim so the caller can decide.
func ParseDataType(s string) (DataType, int) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "bool" {
		return Bool8, 0
	}
	if strings.HasPrefix(s, "string") && len(s) > len("string") {
		n, err := strconv.Atoi(s[len("string"):])
		if err == nil && n > 0 {
			return String, (n + 1) / 2
		}
	}
	return DataType(s), 0
}

// Order is the byte/word permutation of a multi-word value.
// Letters name the bytes of the canonical big-endian value.
type Order uint8

const (
	ABCD Order = iota // big-endian words, big-endian bytes
	BADC              // big-endian words, little-endian bytes
	CDAB              // little-endian words, big-endian bytes
	DCBA              // little-endian words, little-endian bytes
)

func (o Order) String() string {
	switch o {
	case ABCD:
		return "ABCD"
	case BADC:
		return "BADC"
	case CDAB:
		return "CDAB"
	case DCBA:
		return "DCBA"
	default:
		return fmt.Sprintf("Order(%d)", uint8(o))
	}
}

func (o Order) swapsBytes() bool { return o == BADC || o == DCBA }
func (o Order) swapsWords() bool { return o == CDAB || o == DCBA }

// ParseOrder accepts ABCD/BADC/CDAB/DCBA, and the byte_word aliases
// be_be, le_be, be_le and le_le. Empty means ABCD.
func ParseOrder(s string) (Order, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "ABCD", "BE_BE", "BIG":
		return ABCD, nil
	case "BADC", "LE_BE":
		return BADC, nil
	case "CDAB", "BE_LE":
		return CDAB, nil
	case "DCBA", "LE_LE", "LITTLE":
		return DCBA, nil
	}
	return ABCD, fmt.Errorf("codec: unknown byte order %q", s)
}

// MarshalText lets orders appear by name in config and JSON.
func (o Order) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Order) UnmarshalText(b []byte) error {
	v, err := ParseOrder(string(b))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// Field is everything the codec needs to interpret one register.
type Field struct {
	Type   DataType
	Order  Order
	Words  int // string length in words; ignored for fixed-width types
	Scale  float64
	Offset float64
}

// Width returns the number of 16-bit words f occupies.
func (f Field) Width() (int, error) {
	if f.Type == String {
		if f.Words <= 0 {
			return 0, &DecodeError{Type: f.Type, Reason: "string width not configured"}
		}
		return f.Words, nil
	}
	w, ok := widths[f.Type]
	if !ok {
		return 0, &DecodeError{Type: f.Type, Reason: "unrecognized data type"}
	}
	return w, nil
}

func (f Field) scaled() bool {
	return (f.Scale != 0 && f.Scale != 1) || f.Offset != 0
}

func (f Field) scale() float64 {
	if f.Scale == 0 {
		return 1
	}
	return f.Scale
}

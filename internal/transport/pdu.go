// internal/transport/pdu.go
package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/tbrandon/mbserver"
)

// PDU helpers shared by the self-framed links (udp, rtu). Framing is
// mbserver's; this file only builds and checks the data part.

// readFrame fills the request data of a read (start, quantity).
func readFrame(f mbserver.Framer, addr, qty uint16) {
	mbserver.SetDataWithRegisterAndNumber(f, addr, qty)
}

// writeData builds the request data of a write function.
func writeData(fc uint8, addr uint16, words []uint16) ([]byte, error) {
	if len(words) == 0 {
		return nil, fmt.Errorf("transport: write of zero objects")
	}
	b := make([]byte, 4, 5+2*len(words))
	binary.BigEndian.PutUint16(b[0:2], addr)

	switch fc {
	case FuncWriteSingleCoil:
		if len(words) != 1 {
			return nil, fmt.Errorf("transport: function 5 writes one coil, got %d", len(words))
		}
		if words[0] != 0 {
			binary.BigEndian.PutUint16(b[2:4], 0xFF00)
		}
		return b, nil

	case FuncWriteSingleRegister:
		if len(words) != 1 {
			return nil, fmt.Errorf("transport: function 6 writes one register, got %d", len(words))
		}
		binary.BigEndian.PutUint16(b[2:4], words[0])
		return b, nil

	case FuncWriteMultipleCoils:
		if len(words) > 1968 {
			return nil, fmt.Errorf("transport: %d coils exceed one request", len(words))
		}
		packed := packBits(words)
		binary.BigEndian.PutUint16(b[2:4], uint16(len(words)))
		b = append(b, byte(len(packed)))
		return append(b, packed...), nil

	case FuncWriteMultipleRegisters:
		if len(words) > 123 {
			return nil, fmt.Errorf("transport: %d registers exceed one request", len(words))
		}
		binary.BigEndian.PutUint16(b[2:4], uint16(len(words)))
		b = append(b, byte(2*len(words)))
		return append(b, packRegisters(words)...), nil
	}
	return nil, fmt.Errorf("transport: unsupported write function %d", fc)
}

// checkFunction maps an exception reply to *ExceptionError and any other
// function mismatch to *FrameError.
func checkFunction(want, got uint8, data []byte) error {
	if got == want|0x80 {
		e := &ExceptionError{Function: want}
		if len(data) > 0 {
			e.Code = data[0]
		}
		return e
	}
	if got != want {
		return &FrameError{Reason: fmt.Sprintf("function mismatch: got=%d want=%d", got, want)}
	}
	return nil
}

// readValues validates the byte count of a read reply and unpacks it.
func readValues(fc uint8, qty uint16, data []byte) ([]uint16, error) {
	if len(data) < 1 {
		return nil, &FrameError{Reason: "short read payload"}
	}
	n := int(data[0])
	if len(data)-1 != n {
		return nil, &FrameError{Reason: fmt.Sprintf("byte count %d, payload %d", n, len(data)-1)}
	}
	p := data[1:]

	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs:
		if n != (int(qty)+7)/8 {
			return nil, &FrameError{Reason: fmt.Sprintf("byte count %d for %d bits", n, qty)}
		}
		return unpackBits(p, int(qty)), nil
	default:
		if n != 2*int(qty) {
			return nil, &FrameError{Reason: fmt.Sprintf("byte count %d for %d registers", n, qty)}
		}
		return unpackRegisters(p), nil
	}
}

// checkWriteEcho validates the reply data of a write: the start address
// comes back for every write function.
func checkWriteEcho(addr uint16, data []byte) error {
	if len(data) != 4 {
		return &FrameError{Reason: fmt.Sprintf("write reply of %d bytes", len(data))}
	}
	if got := binary.BigEndian.Uint16(data[0:2]); got != addr {
		return &FrameError{Reason: fmt.Sprintf("write reply address %d, want %d", got, addr)}
	}
	return nil
}

func unpackBits(data []byte, count int) []uint16 {
	out := make([]uint16, count)
	for i := 0; i < count; i++ {
		byteIdx := i / 8
		if byteIdx >= len(data) {
			continue
		}
		if data[byteIdx]&(1<<uint(i%8)) != 0 {
			out[i] = 1
		}
	}
	return out
}

func unpackRegisters(data []byte) []uint16 {
	n := len(data) / 2
	out := make([]uint16, n)
	for i := 0; i < n; i++ {
		out[i] = uint16(data[2*i])<<8 | uint16(data[2*i+1])
	}
	return out
}

func packBits(bits []uint16) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, v := range bits {
		if v != 0 {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

func packRegisters(regs []uint16) []byte {
	out := make([]byte, len(regs)*2)
	for i, r := range regs {
		out[2*i] = byte(r >> 8)
		out[2*i+1] = byte(r)
	}
	return out
}

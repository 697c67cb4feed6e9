// internal/transport/rtu_test.go
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/tbrandon/mbserver"
)

// fakeLine runs a station on the far end of a pipe. Every request is an
// 8 byte frame (reads, fc5, fc6); handle returns the raw bytes to send back.
func fakeLine(t *testing.T, handle func(n int, req *mbserver.RTUFrame) []byte) *rtuSession {
	t.Helper()
	near, far := net.Pipe()
	t.Cleanup(func() { near.Close(); far.Close() })

	go func() {
		buf := make([]byte, 8)
		for n := 0; ; n++ {
			if _, err := io.ReadFull(far, buf); err != nil {
				return
			}
			req, err := mbserver.NewRTUFrame(append([]byte(nil), buf...))
			if err != nil {
				return
			}
			if out := handle(n, req); out != nil {
				if _, err := far.Write(out); err != nil {
					return
				}
			}
		}
	}()

	return newRTUSession(near, Config{
		Kind:    KindRTU,
		Serial:  "pipe",
		Baud:    19200,
		UnitID:  17,
		Timeout: 300 * time.Millisecond,
	})
}

func rtuReply(addr, fn uint8, data []byte) []byte {
	f := mbserver.RTUFrame{Address: addr, Function: fn, Data: data}
	return f.Bytes()
}

func TestRTU_ReadRegisters(t *testing.T) {
	s := fakeLine(t, func(_ int, req *mbserver.RTUFrame) []byte {
		return rtuReply(req.Address, req.Function, []byte{4, 0x40, 0x49, 0x0F, 0xDB})
	})

	regs, err := s.Read(context.Background(), FuncReadHoldingRegisters, 0, 2)
	if err != nil {
		t.Fatalf("Read err=%v", err)
	}
	if regs[0] != 0x4049 || regs[1] != 0x0FDB {
		t.Fatalf("got %04x", regs)
	}
}

func TestRTU_ReadCoilsOneWordPerBit(t *testing.T) {
	s := fakeLine(t, func(_ int, req *mbserver.RTUFrame) []byte {
		return rtuReply(req.Address, req.Function, []byte{1, 0b00000101})
	})

	bits, err := s.Read(context.Background(), FuncReadCoils, 0, 3)
	if err != nil {
		t.Fatalf("Read err=%v", err)
	}
	if bits[0] != 1 || bits[1] != 0 || bits[2] != 1 {
		t.Fatalf("got %v", bits)
	}
}

func TestRTU_CRCMismatchResyncs(t *testing.T) {
	s := fakeLine(t, func(n int, req *mbserver.RTUFrame) []byte {
		good := rtuReply(req.Address, req.Function, []byte{2, 0, 42})
		if n == 0 {
			bad := append([]byte(nil), good...)
			bad[len(bad)-1] ^= 0xFF
			// trailing line noise after the broken frame
			return append(bad, 0x55, 0x55, 0x55)
		}
		return good
	})

	ctx := context.Background()
	_, err := s.Read(ctx, FuncReadHoldingRegisters, 0, 1)
	var fe *FrameError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FrameError, got %v", err)
	}
	if IsConnection(err) {
		t.Fatalf("frame errors must not close the session")
	}

	regs, err := s.Read(ctx, FuncReadHoldingRegisters, 0, 1)
	if err != nil {
		t.Fatalf("read after resync err=%v", err)
	}
	if regs[0] != 42 {
		t.Fatalf("got %v", regs)
	}
}

func TestRTU_WrongStationIsFrameError(t *testing.T) {
	s := fakeLine(t, func(_ int, req *mbserver.RTUFrame) []byte {
		return rtuReply(req.Address+1, req.Function, []byte{2, 0, 1})
	})

	_, err := s.Read(context.Background(), FuncReadInputRegisters, 0, 1)
	var fe *FrameError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FrameError, got %v", err)
	}
}

func TestRTU_Exception(t *testing.T) {
	s := fakeLine(t, func(_ int, req *mbserver.RTUFrame) []byte {
		return rtuReply(req.Address, req.Function|0x80, []byte{0x02})
	})

	_, err := s.Read(context.Background(), FuncReadHoldingRegisters, 100, 1)
	var ex *ExceptionError
	if !errors.As(err, &ex) || ex.Code != 0x02 {
		t.Fatalf("expected illegal data address, got %v", err)
	}
}

func TestRTU_SilentStationTimesOut(t *testing.T) {
	s := fakeLine(t, func(int, *mbserver.RTUFrame) []byte { return nil })

	_, err := s.Read(context.Background(), FuncReadHoldingRegisters, 0, 1)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
}

func TestRTU_WriteSingleRegister(t *testing.T) {
	var got []byte
	s := fakeLine(t, func(_ int, req *mbserver.RTUFrame) []byte {
		got = append([]byte(nil), req.Data...)
		return rtuReply(req.Address, req.Function, req.Data)
	})

	if err := s.Write(context.Background(), FuncWriteSingleRegister, 9, []uint16{0xBEEF}); err != nil {
		t.Fatalf("Write err=%v", err)
	}
	if len(got) != 4 || got[2] != 0xBE || got[3] != 0xEF {
		t.Fatalf("device saw % x", got)
	}
}

func TestCharDelay(t *testing.T) {
	d := charDelay(serialConfig(Config{Baud: 9600}))
	// 10 bits * 3.5 / 9600
	if d < 3*time.Millisecond || d > 4*time.Millisecond {
		t.Fatalf("9600 baud delay %v", d)
	}
	if d := charDelay(serialConfig(Config{Baud: 115200})); d != 1750*time.Microsecond {
		t.Fatalf("fast line delay %v", d)
	}
}

// internal/transport/rtu.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/goburrow/serial"
	"github.com/tbrandon/mbserver"
)

// Per-read timeout on the serial port. Reads return serial.ErrTimeout after
// this much silence; the request deadline is enforced on top of it.
const serialReadTimeout = 100 * time.Millisecond

type deadliner interface {
	SetDeadline(t time.Time) error
}

// rtuSession is one serial line to one station. Frames and CRCs are
// mbserver RTUFrame.
type rtuSession struct {
	mu      sync.Mutex
	path    string
	port    io.ReadWriteCloser
	unitID  uint8
	timeout time.Duration
	t35     time.Duration
	last    time.Time
	closed  bool
}

func openRTU(cfg Config) (*rtuSession, error) {
	if cfg.Serial == "" {
		return nil, errors.New("transport: rtu serial device required")
	}
	sc := serialConfig(cfg)
	port, err := serial.Open(sc)
	if err != nil {
		return nil, &ConnectionError{Addr: cfg.Serial, Err: err}
	}
	return newRTUSession(port, cfg), nil
}

func serialConfig(cfg Config) *serial.Config {
	sc := &serial.Config{
		Address:  cfg.Serial,
		BaudRate: cfg.Baud,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   strings.ToUpper(cfg.Parity),
		Timeout:  serialReadTimeout,
	}
	if sc.BaudRate <= 0 {
		sc.BaudRate = 9600
	}
	if sc.DataBits <= 0 {
		sc.DataBits = 8
	}
	if sc.StopBits <= 0 {
		sc.StopBits = 1
	}
	if sc.Parity == "" {
		sc.Parity = "N"
	}
	return sc
}

func newRTUSession(port io.ReadWriteCloser, cfg Config) *rtuSession {
	return &rtuSession{
		path:    cfg.Serial,
		port:    port,
		unitID:  cfg.UnitID,
		timeout: cfg.timeout(),
		t35:     charDelay(serialConfig(cfg)),
	}
}

// charDelay is 3.5 character times. Above 19200 baud the line uses the
// fixed 1750us interframe delay.
func charDelay(sc *serial.Config) time.Duration {
	if sc.BaudRate > 19200 {
		return 1750 * time.Microsecond
	}
	bits := 1 + sc.DataBits + sc.StopBits
	if sc.Parity != "N" {
		bits++
	}
	return time.Duration(float64(bits) * 3.5 * float64(time.Second) / float64(sc.BaudRate))
}

func (s *rtuSession) Read(ctx context.Context, fc uint8, addr, qty uint16) ([]uint16, error) {
	if err := checkRead(fc, qty); err != nil {
		return nil, err
	}
	req := &mbserver.RTUFrame{Address: s.unitID, Function: fc}
	readFrame(req, addr, qty)

	data, err := s.roundTrip(ctx, fmt.Sprintf("read fc=%d %d+%d", fc, addr, qty), req)
	if err != nil {
		return nil, err
	}
	return readValues(fc, qty, data)
}

func (s *rtuSession) Write(ctx context.Context, fc uint8, addr uint16, words []uint16) error {
	data, err := writeData(fc, addr, words)
	if err != nil {
		return err
	}
	req := &mbserver.RTUFrame{Address: s.unitID, Function: fc, Data: data}

	reply, err := s.roundTrip(ctx, fmt.Sprintf("write fc=%d %d", fc, addr), req)
	if err != nil {
		return err
	}
	return checkWriteEcho(addr, reply)
}

func (s *rtuSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.port.Close()
}

func (s *rtuSession) roundTrip(ctx context.Context, op string, req *mbserver.RTUFrame) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, &ConnectionError{Addr: s.path, Err: ErrSessionClosed}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// interframe silence
	if wait := time.Until(s.last.Add(s.t35)); wait > 0 {
		time.Sleep(wait)
	}
	defer func() { s.last = time.Now() }()

	deadline := requestDeadline(ctx, s.timeout)
	if d, ok := s.port.(deadliner); ok {
		_ = d.SetDeadline(deadline)
	}
	if _, err := s.port.Write(req.Bytes()); err != nil {
		if isTimeout(err) {
			return nil, &TimeoutError{Op: op, Err: err}
		}
		return nil, s.fail(err)
	}

	// station, function, then byte count or exception code
	head := make([]byte, 3)
	if err := s.readFull(head, deadline); err != nil {
		return nil, s.readErr(op, err)
	}

	var rest int
	switch fn := head[1]; {
	case fn&0x80 != 0:
		rest = 2
	case fn == FuncReadCoils, fn == FuncReadDiscreteInputs,
		fn == FuncReadHoldingRegisters, fn == FuncReadInputRegisters:
		rest = int(head[2]) + 2
	case fn == FuncWriteSingleCoil, fn == FuncWriteSingleRegister,
		fn == FuncWriteMultipleCoils, fn == FuncWriteMultipleRegisters:
		rest = 5
	default:
		s.resync()
		return nil, &FrameError{Reason: fmt.Sprintf("unexpected function %d", fn)}
	}

	adu := make([]byte, 3+rest)
	copy(adu, head)
	if err := s.readFull(adu[3:], deadline); err != nil {
		return nil, s.readErr(op, err)
	}

	resp, err := mbserver.NewRTUFrame(adu)
	if err != nil {
		s.resync()
		return nil, &FrameError{Reason: "crc", Err: err}
	}
	if resp.Address != req.Address {
		s.resync()
		return nil, &FrameError{Reason: fmt.Sprintf("station mismatch: got=%d want=%d", resp.Address, req.Address)}
	}

	if err := checkFunction(req.Function, resp.Function, resp.Data); err != nil {
		return nil, err
	}

	out := make([]byte, len(resp.Data))
	copy(out, resp.Data)
	return out, nil
}

var errShortRead = errors.New("short read")

func (s *rtuSession) readFull(buf []byte, deadline time.Time) error {
	n := 0
	for n < len(buf) {
		if !time.Now().Before(deadline) {
			if n > 0 {
				return errShortRead
			}
			return context.DeadlineExceeded
		}
		m, err := s.port.Read(buf[n:])
		n += m
		if err != nil && !isTimeout(err) {
			return err
		}
	}
	return nil
}

func (s *rtuSession) readErr(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &TimeoutError{Op: op}
	case errors.Is(err, errShortRead):
		s.resync()
		return &FrameError{Reason: "truncated frame"}
	}
	return s.fail(err)
}

// resync drains the line until it stays silent, so the next request starts
// on a frame boundary.
func (s *rtuSession) resync() {
	silence := 10 * s.t35
	if silence < 20*time.Millisecond {
		silence = 20 * time.Millisecond
	}
	limit := time.Now().Add(s.timeout)
	buf := make([]byte, 256)
	d, canDeadline := s.port.(deadliner)

	for time.Now().Before(limit) {
		if canDeadline {
			_ = d.SetDeadline(time.Now().Add(silence))
		}
		n, err := s.port.Read(buf)
		if n == 0 || err != nil {
			return
		}
	}
}

func (s *rtuSession) fail(err error) error {
	s.closed = true
	_ = s.port.Close()
	return &ConnectionError{Addr: s.path, Err: err}
}

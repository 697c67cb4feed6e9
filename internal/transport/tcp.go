// internal/transport/tcp.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/goburrow/modbus"
)

// tcpSession is one Modbus TCP connection. MBAP framing and transaction
// id checks belong to goburrow; the mutex serializes requests.
type tcpSession struct {
	mu      sync.Mutex
	addr    string
	handler *modbus.TCPClientHandler
	client  modbus.Client
	closed  bool
}

func openTCP(cfg Config) (*tcpSession, error) {
	if cfg.Host == "" {
		return nil, errors.New("transport: tcp host required")
	}
	addr := cfg.Address()

	h := modbus.NewTCPClientHandler(addr)
	h.Timeout = cfg.timeout()
	h.SlaveId = cfg.UnitID

	if err := h.Connect(); err != nil {
		return nil, &ConnectionError{Addr: addr, Err: err}
	}

	return &tcpSession{
		addr:    addr,
		handler: h,
		client:  modbus.NewClient(h),
	}, nil
}

func (s *tcpSession) Read(ctx context.Context, fc uint8, addr, qty uint16) ([]uint16, error) {
	if err := checkRead(fc, qty); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	var (
		raw []byte
		err error
	)
	switch fc {
	case FuncReadCoils:
		raw, err = s.client.ReadCoils(addr, qty)
	case FuncReadDiscreteInputs:
		raw, err = s.client.ReadDiscreteInputs(addr, qty)
	case FuncReadHoldingRegisters:
		raw, err = s.client.ReadHoldingRegisters(addr, qty)
	case FuncReadInputRegisters:
		raw, err = s.client.ReadInputRegisters(addr, qty)
	}
	if err != nil {
		return nil, s.classify(fmt.Sprintf("read fc=%d %d+%d", fc, addr, qty), fc, err)
	}

	if fc == FuncReadCoils || fc == FuncReadDiscreteInputs {
		return unpackBits(raw, int(qty)), nil
	}
	if len(raw) != 2*int(qty) {
		return nil, &FrameError{Reason: fmt.Sprintf("%d bytes for %d registers", len(raw), qty)}
	}
	return unpackRegisters(raw), nil
}

func (s *tcpSession) Write(ctx context.Context, fc uint8, addr uint16, words []uint16) error {
	if len(words) == 0 {
		return errors.New("transport: write of zero objects")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ready(ctx); err != nil {
		return err
	}

	var err error
	switch fc {
	case FuncWriteSingleCoil:
		var v uint16
		if words[0] != 0 {
			v = 0xFF00
		}
		_, err = s.client.WriteSingleCoil(addr, v)
	case FuncWriteSingleRegister:
		_, err = s.client.WriteSingleRegister(addr, words[0])
	case FuncWriteMultipleCoils:
		_, err = s.client.WriteMultipleCoils(addr, uint16(len(words)), packBits(words))
	case FuncWriteMultipleRegisters:
		_, err = s.client.WriteMultipleRegisters(addr, uint16(len(words)), packRegisters(words))
	default:
		return fmt.Errorf("transport: unsupported write function %d", fc)
	}
	if err != nil {
		return s.classify(fmt.Sprintf("write fc=%d %d", fc, addr), fc, err)
	}
	return nil
}

func (s *tcpSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.handler.Close()
}

func (s *tcpSession) ready(ctx context.Context) error {
	if s.closed {
		return &ConnectionError{Addr: s.addr, Err: ErrSessionClosed}
	}
	return ctx.Err()
}

// classify maps goburrow errors onto the taxonomy. After a timeout or a
// framing problem the stream is dropped so a late reply cannot be taken for
// the next request; goburrow redials on the next send.
func (s *tcpSession) classify(op string, fc uint8, err error) error {
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return &ExceptionError{Function: fc, Code: mbErr.ExceptionCode}
	}

	if isTimeout(err) {
		_ = s.handler.Close()
		return &TimeoutError{Op: op, Err: err}
	}

	var opErr *net.OpError
	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, net.ErrClosed) ||
		errors.As(err, &opErr) {
		s.closed = true
		_ = s.handler.Close()
		return &ConnectionError{Addr: s.addr, Err: err}
	}

	_ = s.handler.Close()
	return &FrameError{Reason: op, Err: err}
}

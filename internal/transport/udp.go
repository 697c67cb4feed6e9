// internal/transport/udp.go
package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tbrandon/mbserver"
)

// MBAP(7) + max PDU(253)
const udpMaxADU = 260

// udpSession frames MBAP itself over a datagram socket. Replies are matched
// by transaction id; anything else is discarded until the deadline.
type udpSession struct {
	mu      sync.Mutex
	addr    string
	conn    net.Conn
	unitID  uint8
	timeout time.Duration
	tid     uint16
	closed  bool
}

func openUDP(ctx context.Context, cfg Config) (*udpSession, error) {
	if cfg.Host == "" {
		return nil, errors.New("transport: udp host required")
	}
	addr := cfg.Address()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Err: err}
	}

	s := &udpSession{
		addr:    addr,
		conn:    conn,
		unitID:  cfg.UnitID,
		timeout: cfg.timeout(),
	}

	// Randomize starting TID (best effort).
	var b [2]byte
	if _, err := rand.Read(b[:]); err == nil {
		s.tid = binary.BigEndian.Uint16(b[:])
	}
	return s, nil
}

func (s *udpSession) nextTID() uint16 {
	s.tid++
	return s.tid
}

func (s *udpSession) Read(ctx context.Context, fc uint8, addr, qty uint16) ([]uint16, error) {
	if err := checkRead(fc, qty); err != nil {
		return nil, err
	}
	req := &mbserver.TCPFrame{Device: s.unitID, Function: fc}
	readFrame(req, addr, qty)

	data, err := s.roundTrip(ctx, fmt.Sprintf("read fc=%d %d+%d", fc, addr, qty), req)
	if err != nil {
		return nil, err
	}
	return readValues(fc, qty, data)
}

func (s *udpSession) Write(ctx context.Context, fc uint8, addr uint16, words []uint16) error {
	data, err := writeData(fc, addr, words)
	if err != nil {
		return err
	}
	req := &mbserver.TCPFrame{Device: s.unitID, Function: fc, Data: data}

	reply, err := s.roundTrip(ctx, fmt.Sprintf("write fc=%d %d", fc, addr), req)
	if err != nil {
		return err
	}
	return checkWriteEcho(addr, reply)
}

func (s *udpSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

func (s *udpSession) roundTrip(ctx context.Context, op string, req *mbserver.TCPFrame) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, &ConnectionError{Addr: s.addr, Err: ErrSessionClosed}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req.TransactionIdentifier = s.nextTID()
	req.ProtocolIdentifier = 0

	if err := s.conn.SetDeadline(requestDeadline(ctx, s.timeout)); err != nil {
		return nil, s.fail(err)
	}
	if _, err := s.conn.Write(req.Bytes()); err != nil {
		return nil, s.fail(err)
	}

	buf := make([]byte, udpMaxADU)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			if isTimeout(err) {
				return nil, &TimeoutError{Op: op, Err: err}
			}
			return nil, s.fail(err)
		}

		resp, err := mbserver.NewTCPFrame(buf[:n])
		if err != nil {
			return nil, &FrameError{Reason: "malformed datagram", Err: err}
		}
		if resp.TransactionIdentifier != req.TransactionIdentifier {
			// stale or foreign reply
			continue
		}
		if resp.ProtocolIdentifier != 0 {
			return nil, &FrameError{Reason: fmt.Sprintf("protocol id %d", resp.ProtocolIdentifier)}
		}
		if resp.Device != req.Device {
			return nil, &FrameError{Reason: fmt.Sprintf("unit id mismatch: got=%d want=%d", resp.Device, req.Device)}
		}
		if err := checkFunction(req.Function, resp.Function, resp.Data); err != nil {
			return nil, err
		}

		out := make([]byte, len(resp.Data))
		copy(out, resp.Data)
		return out, nil
	}
}

// fail closes the session on a socket error.
func (s *udpSession) fail(err error) error {
	s.closed = true
	_ = s.conn.Close()
	return &ConnectionError{Addr: s.addr, Err: err}
}

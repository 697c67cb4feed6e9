// internal/transport/transport.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/goburrow/serial"
)

// Kind selects the link.
type Kind string

const (
	KindTCP Kind = "tcp"
	KindUDP Kind = "udp"
	KindRTU Kind = "rtu"
)

// Function codes used by sessions.
const (
	FuncReadCoils              uint8 = 1
	FuncReadDiscreteInputs     uint8 = 2
	FuncReadHoldingRegisters   uint8 = 3
	FuncReadInputRegisters     uint8 = 4
	FuncWriteSingleCoil        uint8 = 5
	FuncWriteSingleRegister    uint8 = 6
	FuncWriteMultipleCoils     uint8 = 15
	FuncWriteMultipleRegisters uint8 = 16
)

const defaultTimeout = 3 * time.Second

// Config is the per-device link configuration.
type Config struct {
	Kind Kind

	// tcp, udp
	Host string
	Port int

	// rtu
	Serial   string
	Baud     int
	Parity   string
	StopBits int
	DataBits int

	UnitID  uint8
	Timeout time.Duration
}

// Address is host:port for network kinds and the device path for rtu.
func (c Config) Address() string {
	if c.Kind == KindRTU {
		return c.Serial
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return defaultTimeout
	}
	return c.Timeout
}

// Session is one open link to one unit. Requests on a session are
// serialized. Bit reads return one word per bit, valued 0 or 1.
type Session interface {
	Read(ctx context.Context, fc uint8, addr, qty uint16) ([]uint16, error)
	Write(ctx context.Context, fc uint8, addr uint16, words []uint16) error
	Close() error
}

// Open dials one session. A dial failure is a *ConnectionError.
func Open(ctx context.Context, cfg Config) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		s   Session
		err error
	)
	switch cfg.Kind {
	case KindTCP, "":
		s, err = openTCP(cfg)
	case KindUDP:
		s, err = openUDP(ctx, cfg)
	case KindRTU:
		s, err = openRTU(cfg)
	default:
		return nil, fmt.Errorf("transport: unsupported kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// requestDeadline is now+timeout, or the context deadline when earlier.
func requestDeadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}

func isTimeout(err error) bool {
	if errors.Is(err, serial.ErrTimeout) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func checkRead(fc uint8, qty uint16) error {
	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs:
		if qty == 0 || qty > 2000 {
			return fmt.Errorf("transport: bit quantity %d out of range", qty)
		}
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		if qty == 0 || qty > 125 {
			return fmt.Errorf("transport: register quantity %d out of range", qty)
		}
	default:
		return fmt.Errorf("transport: unsupported read function %d", fc)
	}
	return nil
}

// internal/poller/builder.go
package poller

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/gavinying/modpoll/internal/codec"
	cfg "github.com/gavinying/modpoll/internal/config"
	"github.com/gavinying/modpoll/internal/regmap"
	"github.com/gavinying/modpoll/internal/status"
	"github.com/gavinying/modpoll/internal/transport"
)

// Options are the process-wide collaborators of Build.
type Options struct {
	Limits  regmap.Limits
	Once    bool
	Log     *logrus.Entry
	Tracker *status.Tracker
}

// Build constructs a Poller and wires session lifecycle.
// The session is opened lazily by the worker and reused while healthy.
// On transport death the poller discards it and uses the factory again.
func Build(d cfg.DeviceConfig, opts Options) (*Poller, error) {
	regs, err := Registers(d)
	if err != nil {
		return nil, err
	}
	m, err := regmap.Build(d.ID, regs, opts.Limits)
	if err != nil {
		return nil, err
	}

	tc := TransportConfig(d)

	// session factory: ONE attempt per call
	factory := func(ctx context.Context) (transport.Session, error) {
		return transport.Open(ctx, tc)
	}

	tracker := opts.Tracker
	if tracker != nil {
		tracker.Register(d.ID, d.Name)
	}

	return New(
		Config{
			DeviceID:     d.ID,
			DeviceName:   d.Name,
			Interval:     d.Interval,
			Retries:      d.Retries,
			FirstDelay:   d.FirstDelay,
			Timeout:      d.Timeout,
			BackoffTicks: d.BackoffTicks,
			DisableAfter: d.DisableAfter,
			Once:         opts.Once,
			Log:          opts.Log,
			OnEvent: func(ev Event) {
				if tracker == nil {
					return
				}
				switch ev.Kind {
				case EventPolled:
					tracker.Success(ev.Device, ev.At, ev.Err)
				case EventUnavailable:
					tracker.Failure(ev.Device, ev.At, ev.Err)
				}
			},
		},
		m,
		factory,
	)
}

// Registers converts register configuration to regmap definitions.
func Registers(d cfg.DeviceConfig) ([]regmap.Register, error) {
	out := make([]regmap.Register, 0, len(d.Registers))
	for _, rc := range d.Registers {
		cat, err := regmap.ParseCategory(rc.Category)
		if err != nil {
			return nil, fmt.Errorf("device %q register %q: %w", d.ID, rc.Name, err)
		}
		order, err := codec.ParseOrder(rc.Order)
		if err != nil {
			return nil, fmt.Errorf("device %q register %q: %w", d.ID, rc.Name, err)
		}

		dt, words := codec.ParseDataType(rc.DataType)
		if rc.Words > 0 {
			words = rc.Words
		}

		out = append(out, regmap.Register{
			Name:     rc.Name,
			Category: cat,
			Address:  rc.Address,
			Field: codec.Field{
				Type:   dt,
				Order:  order,
				Words:  words,
				Scale:  rc.Scale,
				Offset: rc.Offset,
			},
			Unit:     rc.Unit,
			Writable: rc.Writable,
		})
	}
	return out, nil
}

// TransportConfig converts the device transport section.
func TransportConfig(d cfg.DeviceConfig) transport.Config {
	t := d.Transport
	return transport.Config{
		Kind:     transport.Kind(t.Kind),
		Host:     t.Host,
		Port:     t.Port,
		Serial:   t.Serial,
		Baud:     t.Baud,
		Parity:   t.Parity,
		StopBits: t.StopBits,
		DataBits: t.DataBits,
		UnitID:   d.UnitID,
		Timeout:  d.Timeout,
	}
}

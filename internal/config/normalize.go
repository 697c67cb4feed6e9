// internal/config/normalize.go
package config

import (
	"strings"
	"time"

	"github.com/gavinying/modpoll/internal/codec"
	"github.com/gavinying/modpoll/internal/regmap"
)

// Normalize applies post-validation normalization.
// It is allowed to mutate configuration.
// It MUST be called only after Validate().
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	for di := range cfg.Devices {
		d := &cfg.Devices[di]

		if d.Name == "" {
			d.Name = d.ID
		}
		if d.Interval == 0 {
			d.Interval = 10 * time.Second
		}
		if d.Timeout == 0 {
			d.Timeout = 3 * time.Second
		}
		if d.Retries == 0 {
			d.Retries = 1
		}

		t := &d.Transport
		t.Kind = strings.ToLower(t.Kind)
		if t.Kind == "" {
			t.Kind = "tcp"
		}
		if t.Kind == "rtu" {
			if t.Baud == 0 {
				t.Baud = 9600
			}
			if t.DataBits == 0 {
				t.DataBits = 8
			}
			if t.StopBits == 0 {
				t.StopBits = 1
			}
			t.Parity = strings.ToUpper(t.Parity)
			if t.Parity == "" {
				t.Parity = "N"
			}
		} else if t.Port == 0 {
			t.Port = 502
		}

		for ri := range d.Registers {
			r := &d.Registers[ri]
			if r.Order == "" {
				r.Order = codec.ABCD.String()
			}
			if r.DataType == "" {
				r.DataType = string(codec.Uint16)
				if c, err := regmap.ParseCategory(r.Category); err == nil && c.IsBit() {
					r.DataType = string(codec.Bool8)
				}
			}
		}
	}

	for si := range cfg.Sinks {
		s := &cfg.Sinks[si]
		s.Kind = strings.ToLower(s.Kind)

		switch s.Kind {
		case "file":
			s.Format = strings.ToLower(s.Format)
			if s.Format == "" {
				s.Format = "csv"
			}
		case "mqtt":
			if s.TopicPrefix == "" {
				s.TopicPrefix = "modpoll"
			}
			s.TopicPrefix = strings.TrimSuffix(s.TopicPrefix, "/")
			if s.Buffer == 0 {
				s.Buffer = 1000
			}
			s.Drop = strings.ToLower(s.Drop)
			if s.Drop == "" {
				s.Drop = "oldest"
			}
			if s.ReconnectMin == 0 {
				s.ReconnectMin = time.Second
			}
			if s.ReconnectMax == 0 {
				s.ReconnectMax = 30 * time.Second
			}
			if s.ReconnectMax < s.ReconnectMin {
				s.ReconnectMax = s.ReconnectMin
			}
			if s.FlushTimeout == 0 {
				s.FlushTimeout = 5 * time.Second
			}
		}
	}
}

// RegmapLimits converts the limits section to batching policy.
func (c *Config) RegmapLimits() regmap.Limits {
	lim := regmap.DefaultLimits()
	if c.Limits.MaxRegisters > 0 {
		lim.MaxRegisters = c.Limits.MaxRegisters
	}
	if c.Limits.MaxBits > 0 {
		lim.MaxBits = c.Limits.MaxBits
	}
	if c.Limits.MergeGap != nil {
		lim.MergeGap = *c.Limits.MergeGap
	}
	lim.Strict = c.Limits.Strict
	return lim
}

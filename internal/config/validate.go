// internal/config/validate.go
package config

import (
	"fmt"
	"strings"

	"github.com/gavinying/modpoll/internal/codec"
	"github.com/gavinying/modpoll/internal/regmap"
)

// Validate checks configuration correctness.
// It performs declarative validation only.
// It MUST NOT mutate configuration.
//
// Register geometry (widths, address space, request limits) is checked
// again by regmap.Build with the effective limits.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil config")
	}
	if len(cfg.Devices) == 0 {
		return fmt.Errorf("config: at least one device required")
	}

	switch strings.ToLower(cfg.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log: unknown format %q", cfg.Log.Format)
	}

	if cfg.Limits.MaxRegisters < 0 || cfg.Limits.MaxRegisters > 125 {
		return fmt.Errorf("limits: max_registers must be 1..125")
	}
	if cfg.Limits.MaxBits < 0 || cfg.Limits.MaxBits > 2000 {
		return fmt.Errorf("limits: max_bits must be 1..2000")
	}
	if cfg.Limits.MergeGap != nil && *cfg.Limits.MergeGap < 0 {
		return fmt.Errorf("limits: merge_gap must be >= 0")
	}

	// ------------------------------------------------------------
	// DEVICES
	// ------------------------------------------------------------

	hasMQTT := false
	for _, s := range cfg.Sinks {
		if strings.EqualFold(s.Kind, "mqtt") {
			hasMQTT = true
		}
	}

	seen := make(map[string]bool)
	for _, d := range cfg.Devices {
		if d.ID == "" {
			return fmt.Errorf("device: id required")
		}
		if strings.ContainsAny(d.ID, "/+#") {
			return fmt.Errorf("device %q: id must not contain MQTT topic characters", d.ID)
		}
		if seen[d.ID] {
			return fmt.Errorf("device %q: duplicate id", d.ID)
		}
		seen[d.ID] = true

		if err := validateTransport(d); err != nil {
			return err
		}
		if d.Interval < 0 || d.Timeout < 0 || d.FirstDelay < 0 {
			return fmt.Errorf("device %q: durations must not be negative", d.ID)
		}
		if d.Retries < 0 || d.BackoffTicks < 0 || d.DisableAfter < 0 {
			return fmt.Errorf("device %q: retries, backoff_ticks and disable_after must be >= 0", d.ID)
		}
		if len(d.Registers) == 0 {
			return fmt.Errorf("device %q: at least one register required", d.ID)
		}

		names := make(map[string]bool)
		for _, r := range d.Registers {
			if r.Name == "" {
				return fmt.Errorf("device %q: register name required", d.ID)
			}
			if names[r.Name] {
				return fmt.Errorf("device %q: duplicate register %q", d.ID, r.Name)
			}
			names[r.Name] = true

			// per-reference topics share {prefix}/{device}/ with these
			if hasMQTT && ReservedName(r.Name) {
				return fmt.Errorf("device %q: register name %q is reserved for MQTT topics", d.ID, r.Name)
			}
			if hasMQTT && strings.ContainsAny(r.Name, "/+#") {
				return fmt.Errorf("device %q: register %q must not contain MQTT topic characters", d.ID, r.Name)
			}

			if _, err := regmap.ParseCategory(r.Category); err != nil {
				return fmt.Errorf("device %q register %q: %v", d.ID, r.Name, err)
			}
			if _, err := codec.ParseOrder(r.Order); err != nil {
				return fmt.Errorf("device %q register %q: %v", d.ID, r.Name, err)
			}
			if r.Words < 0 {
				return fmt.Errorf("device %q register %q: words must be >= 0", d.ID, r.Name)
			}
			if dt, _ := codec.ParseDataType(r.DataType); r.DataType != "" && !dt.Known() && cfg.Limits.Strict {
				return fmt.Errorf("device %q register %q: unknown data_type %q", d.ID, r.Name, r.DataType)
			}
		}
	}

	// ------------------------------------------------------------
	// SINKS
	// ------------------------------------------------------------

	for i, s := range cfg.Sinks {
		if err := validateSink(i, s, len(cfg.Devices)); err != nil {
			return err
		}
	}

	return nil
}

// Reserved topic levels under {prefix}/{device}/.
const (
	TopicDiagnostics = "diagnostics"
	TopicSet         = "set"
)

// ReservedName reports whether name collides with a reserved topic level.
func ReservedName(name string) bool {
	return name == TopicDiagnostics || name == TopicSet
}

func validateTransport(d DeviceConfig) error {
	t := d.Transport
	switch strings.ToLower(t.Kind) {
	case "", "tcp", "udp":
		if t.Host == "" {
			return fmt.Errorf("device %q: transport host required", d.ID)
		}
		if t.Port < 0 || t.Port > 65535 {
			return fmt.Errorf("device %q: transport port %d out of range", d.ID, t.Port)
		}
	case "rtu":
		if t.Serial == "" {
			return fmt.Errorf("device %q: rtu transport requires serial", d.ID)
		}
		if t.Baud < 0 {
			return fmt.Errorf("device %q: baud must be > 0", d.ID)
		}
		switch strings.ToUpper(t.Parity) {
		case "", "N", "E", "O":
		default:
			return fmt.Errorf("device %q: parity must be N, E or O", d.ID)
		}
		if t.StopBits != 0 && t.StopBits != 1 && t.StopBits != 2 {
			return fmt.Errorf("device %q: stop_bits must be 1 or 2", d.ID)
		}
		if t.DataBits != 0 && (t.DataBits < 5 || t.DataBits > 8) {
			return fmt.Errorf("device %q: data_bits must be 5..8", d.ID)
		}
	default:
		return fmt.Errorf("device %q: unknown transport kind %q", d.ID, t.Kind)
	}
	return nil
}

func validateSink(i int, s SinkConfig, devices int) error {
	switch strings.ToLower(s.Kind) {
	case "console":
	case "file":
		if s.Path == "" {
			return fmt.Errorf("sink %d (file): path required", i)
		}
		switch strings.ToLower(s.Format) {
		case "", "csv", "jsonl":
		default:
			return fmt.Errorf("sink %d (file): unknown format %q", i, s.Format)
		}
		// one csv file holds one device layout
		if devices > 1 && !strings.Contains(s.Path, "{device}") &&
			(s.Format == "" || strings.EqualFold(s.Format, "csv")) {
			return fmt.Errorf("sink %d (file): csv path must contain {device} with several devices", i)
		}
	case "sqlite":
		if s.Path == "" {
			return fmt.Errorf("sink %d (sqlite): path required", i)
		}
	case "mqtt":
		if s.Broker == "" {
			return fmt.Errorf("sink %d (mqtt): broker required", i)
		}
		if s.QoS > 2 {
			return fmt.Errorf("sink %d (mqtt): qos must be 0, 1 or 2", i)
		}
		if s.Buffer < 0 {
			return fmt.Errorf("sink %d (mqtt): buffer must be >= 0", i)
		}
		switch strings.ToLower(s.Drop) {
		case "", "oldest", "newest":
		default:
			return fmt.Errorf("sink %d (mqtt): drop must be oldest or newest", i)
		}
		if s.ReconnectMin < 0 || s.ReconnectMax < 0 || s.FlushTimeout < 0 || s.DiagnosticsInterval < 0 {
			return fmt.Errorf("sink %d (mqtt): durations must not be negative", i)
		}
		if s.ReconnectMax > 0 && s.ReconnectMin > s.ReconnectMax {
			return fmt.Errorf("sink %d (mqtt): reconnect_min exceeds reconnect_max", i)
		}
		if strings.ContainsAny(s.TopicPrefix, "+#") {
			return fmt.Errorf("sink %d (mqtt): topic_prefix must not contain wildcards", i)
		}
	default:
		return fmt.Errorf("sink %d: unknown kind %q", i, s.Kind)
	}
	return nil
}

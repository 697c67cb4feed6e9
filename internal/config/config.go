// internal/config/config.go
package config

import "time"

type Config struct {
	Log     LogConfig      `yaml:"log"`
	HTTP    HTTPConfig     `yaml:"http"`
	Once    bool           `yaml:"once"`
	Limits  LimitsConfig   `yaml:"limits"`
	Devices []DeviceConfig `yaml:"devices"`
	Sinks   []SinkConfig   `yaml:"sinks"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

type HTTPConfig struct {
	Listen string `yaml:"listen"` // empty disables the status API
}

// ---- LIMITS ----

type LimitsConfig struct {
	MaxRegisters int  `yaml:"max_registers"`
	MaxBits      int  `yaml:"max_bits"`
	MergeGap     *int `yaml:"merge_gap"` // nil = default
	Strict       bool `yaml:"strict"`
}

// ---- DEVICE ----

type DeviceConfig struct {
	ID        string           `yaml:"id"`
	Name      string           `yaml:"name"`
	Transport TransportConfig  `yaml:"transport"`
	UnitID    uint8            `yaml:"unit_id"`
	Interval  time.Duration    `yaml:"interval"`
	Timeout   time.Duration    `yaml:"timeout"`
	Retries   int              `yaml:"retries"`
	Registers []RegisterConfig `yaml:"registers"`

	FirstDelay   time.Duration `yaml:"first_delay"`
	BackoffTicks int           `yaml:"backoff_ticks"`
	DisableAfter int           `yaml:"disable_after"`
}

// ---- TRANSPORT ----

type TransportConfig struct {
	Kind string `yaml:"kind"` // tcp | udp | rtu

	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	Serial   string `yaml:"serial"`
	Baud     int    `yaml:"baud"`
	Parity   string `yaml:"parity"` // N | E | O
	StopBits int    `yaml:"stop_bits"`
	DataBits int    `yaml:"data_bits"`
}

// ---- REGISTER ----

type RegisterConfig struct {
	Name     string  `yaml:"name"`
	Category string  `yaml:"category"` // coil | discrete | holding | input
	Address  uint16  `yaml:"address"`
	DataType string  `yaml:"data_type"`
	Order    string  `yaml:"order"`
	Scale    float64 `yaml:"scale"`
	Offset   float64 `yaml:"offset"`
	Unit     string  `yaml:"unit"`
	Words    int     `yaml:"words"` // strings only
	Writable bool    `yaml:"writable"`
}

// ---- SINKS ----

type SinkConfig struct {
	Kind string `yaml:"kind"` // console | file | sqlite | mqtt

	// file, sqlite
	Path   string `yaml:"path"`
	Format string `yaml:"format"` // csv | jsonl

	// mqtt
	Broker              string        `yaml:"broker"`
	ClientID            string        `yaml:"client_id"`
	Username            string        `yaml:"username"`
	Password            string        `yaml:"password"`
	TopicPrefix         string        `yaml:"topic_prefix"`
	QoS                 byte          `yaml:"qos"`
	Retained            bool          `yaml:"retained"`
	Aggregate           bool          `yaml:"aggregate"`
	OnChange            bool          `yaml:"on_change"`
	Timestamp           bool          `yaml:"timestamp"`
	Buffer              int           `yaml:"buffer"`
	Drop                string        `yaml:"drop"` // oldest | newest
	ReconnectMin        time.Duration `yaml:"reconnect_min"`
	ReconnectMax        time.Duration `yaml:"reconnect_max"`
	FlushTimeout        time.Duration `yaml:"flush_timeout"`
	DiagnosticsInterval time.Duration `yaml:"diagnostics_interval"`
	SubscribeWrites     bool          `yaml:"subscribe_writes"`
	TLS                 TLSConfig     `yaml:"tls"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CAFile   string `yaml:"ca_file"`
	Insecure bool   `yaml:"insecure"`
}

// cmd/modpoll/settings.go
package main

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/gavinying/modpoll/internal/config"
)

const envPrefix = "MODPOLL"

// newFlags declares every process setting. Names double as viper keys;
// MODPOLL_<NAME> (dashes become underscores) sets the same key from the
// environment.
func newFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("modpoll", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringSliceP("config", "f", nil, "configuration file(s), YAML or modpoll CSV")
	fs.BoolP("once", "1", false, "poll every device once and exit")
	fs.BoolP("daemon", "d", false, "do not print results to the console")
	fs.String("loglevel", "", "log level (debug, info, warn, error)")
	fs.String("logformat", "", "log format (text, json)")
	fs.String("http", "", "listen address of the status API, empty disables it")

	// device overrides
	fs.DurationP("rate", "r", 0, "poll interval of every device")
	fs.Duration("timeout", 0, "response timeout of every device")
	fs.Int("retries", 0, "attempts per poll cycle")
	fs.Duration("delay", 0, "delay before the first poll")
	fs.Bool("autoremove", false, "stop polling a batch after 3 consecutive exceptions")

	// transport for devices loaded from CSV
	fs.String("tcp", "", "Modbus TCP host")
	fs.Int("tcp-port", 502, "Modbus TCP port")
	fs.String("udp", "", "Modbus UDP host")
	fs.Int("udp-port", 502, "Modbus UDP port")
	fs.String("rtu", "", "serial device for Modbus RTU")
	fs.Int("rtu-baud", 9600, "serial baud rate")
	fs.String("rtu-parity", "none", "serial parity (none, odd, even)")

	// sinks
	fs.StringP("export", "o", "", "append results to a file (.csv or .jsonl)")
	fs.String("mqtt-host", "", "MQTT broker host, empty skips MQTT")
	fs.Int("mqtt-port", 1883, "MQTT broker port")
	fs.String("mqtt-clientid", "", "MQTT client id")
	fs.String("mqtt-topic-prefix", "modpoll", "MQTT topic prefix")
	fs.Int("mqtt-qos", 0, "MQTT QoS (0, 1, 2)")
	fs.String("mqtt-user", "", "MQTT username")
	fs.String("mqtt-pass", "", "MQTT password")
	fs.Bool("mqtt-use-tls", false, "connect to the broker over TLS")
	fs.Bool("mqtt-insecure", false, "skip broker certificate verification")
	fs.String("mqtt-cacerts", "", "CA bundle for the broker certificate")
	fs.Bool("mqtt-single", false, "publish each value on its own topic")
	fs.Bool("mqtt-on-change", false, "publish a value only when it changed")
	fs.Bool("timestamp", false, "add a timestamp to published messages")
	fs.Duration("diagnostics-rate", 0, "publish period of device diagnostics")
	fs.Bool("subscribe-writes", false, "accept write commands on <prefix>/+/set")

	return fs
}

// loadSettings parses args and binds flags and environment into a viper
// instance. Only explicitly set keys override the configuration file.
func loadSettings(args []string) (*viper.Viper, *pflag.FlagSet, error) {
	fs := newFlags()
	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fs, err
	}

	// positional arguments are configuration files too
	if rest := fs.Args(); len(rest) > 0 {
		v.Set("config", append(v.GetStringSlice("config"), rest...))
	}
	return v, fs, nil
}

// buildConfig loads every configuration file, merges them and applies the
// settings held by v. The result is validated and normalized.
func buildConfig(v *viper.Viper) (*config.Config, error) {
	paths := v.GetStringSlice("config")
	if len(paths) == 0 {
		return nil, errors.New("no configuration file given (--config)")
	}

	var cfg *config.Config
	for _, p := range paths {
		c, err := config.Load(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		if cfg == nil {
			cfg = c
			continue
		}
		cfg.Devices = append(cfg.Devices, c.Devices...)
		cfg.Sinks = append(cfg.Sinks, c.Sinks...)
	}

	if err := applySettings(cfg, v); err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	config.Normalize(cfg)
	return cfg, nil
}

func applySettings(cfg *config.Config, v *viper.Viper) error {
	if v.IsSet("once") {
		cfg.Once = v.GetBool("once")
	}
	if v.IsSet("loglevel") {
		cfg.Log.Level = strings.ToLower(v.GetString("loglevel"))
	}
	if v.IsSet("logformat") {
		cfg.Log.Format = strings.ToLower(v.GetString("logformat"))
	}
	if v.IsSet("http") {
		cfg.HTTP.Listen = v.GetString("http")
	}

	tr, haveTransport, err := transportSetting(v)
	if err != nil {
		return err
	}
	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		if haveTransport {
			d.Transport = tr
		}
		if v.IsSet("rate") {
			d.Interval = v.GetDuration("rate")
		}
		if v.IsSet("timeout") {
			d.Timeout = v.GetDuration("timeout")
		}
		if v.IsSet("retries") {
			d.Retries = v.GetInt("retries")
		}
		if v.IsSet("delay") {
			d.FirstDelay = v.GetDuration("delay")
		}
		if v.GetBool("autoremove") && d.DisableAfter == 0 {
			d.DisableAfter = 3
		}
	}

	if path := v.GetString("export"); path != "" {
		cfg.Sinks = append(cfg.Sinks, exportSink(path, len(cfg.Devices)))
	}
	if v.GetString("mqtt-host") != "" {
		cfg.Sinks = append(cfg.Sinks, mqttSink(v))
	}

	if v.GetBool("daemon") {
		kept := cfg.Sinks[:0]
		for _, s := range cfg.Sinks {
			if !strings.EqualFold(s.Kind, "console") {
				kept = append(kept, s)
			}
		}
		cfg.Sinks = kept
	} else if len(cfg.Sinks) == 0 {
		cfg.Sinks = []config.SinkConfig{{Kind: "console"}}
	}
	return nil
}

// transportSetting returns the transport named by --tcp, --udp or --rtu.
func transportSetting(v *viper.Viper) (config.TransportConfig, bool, error) {
	var (
		tr    config.TransportConfig
		count int
	)
	if h := v.GetString("tcp"); h != "" {
		tr = config.TransportConfig{Kind: "tcp", Host: h, Port: v.GetInt("tcp-port")}
		count++
	}
	if h := v.GetString("udp"); h != "" {
		tr = config.TransportConfig{Kind: "udp", Host: h, Port: v.GetInt("udp-port")}
		count++
	}
	if s := v.GetString("rtu"); s != "" {
		parity, err := parseParity(v.GetString("rtu-parity"))
		if err != nil {
			return tr, false, err
		}
		tr = config.TransportConfig{Kind: "rtu", Serial: s, Baud: v.GetInt("rtu-baud"), Parity: parity}
		count++
	}
	if count > 1 {
		return tr, false, errors.New("--tcp, --udp and --rtu are mutually exclusive")
	}
	return tr, count == 1, nil
}

func parseParity(s string) (string, error) {
	switch strings.ToLower(s) {
	case "", "none", "n":
		return "N", nil
	case "even", "e":
		return "E", nil
	case "odd", "o":
		return "O", nil
	}
	return "", fmt.Errorf("unknown parity %q", s)
}

// exportSink maps --export to a file sink. CSV needs one file per device
// layout, so several devices get a {device} placeholder before the extension.
func exportSink(path string, devices int) config.SinkConfig {
	ext := filepath.Ext(path)
	format := "csv"
	if strings.EqualFold(ext, ".jsonl") || strings.EqualFold(ext, ".json") {
		format = "jsonl"
	}
	if format == "csv" && devices > 1 && !strings.Contains(path, "{device}") {
		path = strings.TrimSuffix(path, ext) + "-{device}" + ext
	}
	return config.SinkConfig{Kind: "file", Path: path, Format: format}
}

func mqttSink(v *viper.Viper) config.SinkConfig {
	scheme := "tcp"
	if v.GetBool("mqtt-use-tls") {
		scheme = "ssl"
	}
	host := net.JoinHostPort(v.GetString("mqtt-host"), strconv.Itoa(v.GetInt("mqtt-port")))
	return config.SinkConfig{
		Kind:                "mqtt",
		Broker:              scheme + "://" + host,
		ClientID:            v.GetString("mqtt-clientid"),
		Username:            v.GetString("mqtt-user"),
		Password:            v.GetString("mqtt-pass"),
		TopicPrefix:         v.GetString("mqtt-topic-prefix"),
		QoS:                 byte(v.GetInt("mqtt-qos")),
		Aggregate:           !v.GetBool("mqtt-single"),
		OnChange:            v.GetBool("mqtt-on-change"),
		Timestamp:           v.GetBool("timestamp"),
		DiagnosticsInterval: v.GetDuration("diagnostics-rate"),
		SubscribeWrites:     v.GetBool("subscribe-writes"),
		TLS: config.TLSConfig{
			Enabled:  v.GetBool("mqtt-use-tls"),
			CAFile:   v.GetString("mqtt-cacerts"),
			Insecure: v.GetBool("mqtt-insecure"),
		},
	}
}

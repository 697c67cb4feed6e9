// internal/sink/builder.go
package sink

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	cfg "github.com/gavinying/modpoll/internal/config"
)

// Set is the outcome of Build. MQTT lists the broker sinks again so the
// caller can attach subscriptions and diagnostics.
type Set struct {
	Sinks []Sink
	MQTT  []*MQTTSink
}

// MQTTSink pairs a broker sink with its configuration.
type MQTTSink struct {
	*MQTT
	Config cfg.SinkConfig
}

// Close closes every sink built so far.
func (s Set) Close() {
	for _, sk := range s.Sinks {
		_ = sk.Close()
	}
}

// Build opens every configured sink. On error the sinks already opened
// are closed.
func Build(ctx context.Context, sinks []cfg.SinkConfig, log *logrus.Entry) (Set, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	var set Set
	for i, sc := range sinks {
		var (
			s   Sink
			err error
		)
		switch sc.Kind {
		case "console":
			s = NewConsole(os.Stdout, -1)
		case "file":
			s, err = NewFile(sc.Path, sc.Format, -1)
		case "sqlite":
			s, err = OpenSQLite(ctx, sc.Path)
		case "mqtt":
			var m *MQTT
			m, err = NewMQTT(mqttConfig(sc), log)
			if err == nil {
				set.MQTT = append(set.MQTT, &MQTTSink{MQTT: m, Config: sc})
				s = m
			}
		default:
			err = fmt.Errorf("unknown kind %q", sc.Kind)
		}
		if err != nil {
			set.Close()
			return Set{}, fmt.Errorf("sink %d (%s): %w", i, sc.Kind, err)
		}
		log.WithField("sink", s.Name()).Info("sink ready")
		set.Sinks = append(set.Sinks, s)
	}
	return set, nil
}

func mqttConfig(sc cfg.SinkConfig) MQTTConfig {
	mc := MQTTConfig{
		Broker:       sc.Broker,
		ClientID:     sc.ClientID,
		Username:     sc.Username,
		Password:     sc.Password,
		TopicPrefix:  sc.TopicPrefix,
		QoS:          sc.QoS,
		Retained:     sc.Retained,
		Aggregate:    sc.Aggregate,
		OnChange:     sc.OnChange,
		Timestamp:    sc.Timestamp,
		Precision:    -1,
		Buffer:       sc.Buffer,
		DropNewest:   sc.Drop == "newest",
		ReconnectMin: sc.ReconnectMin,
		ReconnectMax: sc.ReconnectMax,
		FlushTimeout: sc.FlushTimeout,
	}
	if sc.TLS.Enabled {
		mc.TLS = &TLSOptions{CAFile: sc.TLS.CAFile, Insecure: sc.TLS.Insecure}
	}
	return mc
}

// internal/writer/status_writer.go
package writer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gavinying/modpoll/internal/config"
	"github.com/gavinying/modpoll/internal/status"
)

// DiagnosticsName is the last topic level of diagnostics messages.
const DiagnosticsName = config.TopicDiagnostics

// Publisher is the delivery side of diagnostics (the MQTT sink).
type Publisher interface {
	Topic(device, name string) string
	Publish(topic string, payload []byte) error
}

// StatusWriter is the delivery-only contract for device status.
// It receives a snapshot and writes it verbatim.
type StatusWriter interface {
	WriteStatus(s status.Snapshot) error
}

// deviceStatusWriter publishes one device's diagnostics. A snapshot is
// published when something moved since the last successful publish, or
// in full after any failure.
type deviceStatusWriter struct {
	pub   Publisher
	topic string

	needFull bool
	last     status.Snapshot
}

// NewDeviceStatusWriter builds the diagnostics writer of one device.
func NewDeviceStatusWriter(pub Publisher, device string) (StatusWriter, error) {
	if pub == nil {
		return nil, errors.New("status writer: publisher required")
	}
	if device == "" {
		return nil, errors.New("status writer: device required")
	}
	return &deviceStatusWriter{
		pub:      pub,
		topic:    pub.Topic(device, DiagnosticsName),
		needFull: true, // full assert on first write
	}, nil
}

// WriteStatus publishes s if it differs from the last published snapshot.
func (sw *deviceStatusWriter) WriteStatus(s status.Snapshot) error {
	if s.SecondsInError > status.SecondsInErrorMax {
		s.SecondsInError = status.SecondsInErrorMax
	}

	if !sw.needFull && !moved(sw.last, s) {
		return nil
	}

	payload, err := status.Encode(s)
	if err != nil {
		return fmt.Errorf("status writer: encode: %w", err)
	}
	if err := sw.pub.Publish(sw.topic, payload); err != nil {
		// any failure introduces doubt; re-assert on next call
		sw.needFull = true
		return fmt.Errorf("status writer: publish %s: %w", sw.topic, err)
	}

	sw.needFull = false
	sw.last = s
	return nil
}

func moved(a, b status.Snapshot) bool {
	return a.Health != b.Health ||
		a.LastErrorCode != b.LastErrorCode ||
		a.SecondsInError != b.SecondsInError ||
		a.PollCount != b.PollCount ||
		a.ErrorCount != b.ErrorCount ||
		!a.LastSuccess.Equal(b.LastSuccess)
}

// RunDiagnostics publishes every tracked device each interval until ctx
// is done.
func RunDiagnostics(ctx context.Context, tr *status.Tracker, pub Publisher, interval time.Duration, log *logrus.Entry) {
	if interval <= 0 || tr == nil || pub == nil {
		return
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	writers := make(map[string]StatusWriter)
	publish := func() {
		for _, snap := range tr.Snapshots() {
			sw, ok := writers[snap.Device]
			if !ok {
				w, err := NewDeviceStatusWriter(pub, snap.Device)
				if err != nil {
					log.WithError(err).WithField("device", snap.Device).Warn("diagnostics disabled")
					continue
				}
				writers[snap.Device] = w
				sw = w
			}
			if err := sw.WriteStatus(snap); err != nil {
				log.WithError(err).WithField("device", snap.Device).Warn("diagnostics publish failed")
			}
		}
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			publish()
		}
	}
}

// internal/sink/helpers_test.go
package sink

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gavinying/modpoll/internal/codec"
	"github.com/gavinying/modpoll/internal/poller"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func sampleResult(at time.Time) poller.PollResult {
	return poller.PollResult{
		DeviceID:   "meter1",
		DeviceName: "Energy meter",
		At:         at,
		Readings: []poller.Reading{
			{Name: "voltage", Value: codec.FloatValue(234.5), Unit: "V"},
			{Name: "running", Value: codec.BoolValue(true)},
			{Name: "broken", Err: &codec.DecodeError{Type: "int128", Reason: "unrecognized data type"}},
			{Name: "count", Value: codec.IntValue(42)},
		},
	}
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", d)
}

var errBoom = errors.New("boom")

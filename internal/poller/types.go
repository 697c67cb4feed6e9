// internal/poller/types.go
package poller

import (
	"errors"
	"fmt"
	"time"

	"github.com/gavinying/modpoll/internal/codec"
)

var (
	// ErrBatchDisabled marks readings of a batch switched off after
	// repeated exceptions.
	ErrBatchDisabled = errors.New("poller: batch disabled")

	// ErrStopped is returned by Write once Run has returned.
	ErrStopped = errors.New("poller: stopped")
)

// Reading is one reference of one cycle. Exactly one of Value and Err is
// meaningful.
type Reading struct {
	Name  string
	Value codec.Value
	Err   error
	Unit  string
}

// OK reports whether the reading carries a value.
func (r Reading) OK() bool { return r.Err == nil && r.Value.IsValid() }

// PollResult is a snapshot produced by one poll cycle. Readings follow
// configuration order. A result is never modified after it is sent.
type PollResult struct {
	DeviceID   string
	DeviceName string
	At         time.Time
	Readings   []Reading
}

// Lookup returns the reading of one reference.
func (r PollResult) Lookup(name string) (Reading, bool) {
	for _, rd := range r.Readings {
		if rd.Name == name {
			return rd, true
		}
	}
	return Reading{}, false
}

// Err returns the first reading error, if any.
func (r PollResult) Err() error {
	for _, rd := range r.Readings {
		if rd.Err != nil {
			return rd.Err
		}
	}
	return nil
}

// State is the scheduler state of one device.
type State int32

const (
	Idle State = iota
	Polling
	BackingOff
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case BackingOff:
		return "backing_off"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// EventKind classifies scheduler events.
type EventKind int

const (
	EventPolled EventKind = iota + 1
	EventSkipped
	EventRetry
	EventUnavailable
	EventRecovered
	EventBatchDisabled
)

func (k EventKind) String() string {
	switch k {
	case EventPolled:
		return "polled"
	case EventSkipped:
		return "skipped"
	case EventRetry:
		return "retry"
	case EventUnavailable:
		return "unavailable"
	case EventRecovered:
		return "recovered"
	case EventBatchDisabled:
		return "batch_disabled"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is emitted through Config.OnEvent. Err is the failure behind retry,
// unavailable and batch_disabled events, and the first reading error of a
// polled event.
type Event struct {
	Device  string
	Kind    EventKind
	At      time.Time
	Attempt int
	Err     error
}

// UnavailableError is returned by PollOnce when every attempt failed.
type UnavailableError struct {
	Device   string
	Attempts int
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("poller: device %q unavailable after %d attempts: %v", e.Device, e.Attempts, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// internal/status/tracker.go
package status

import (
	"sort"
	"sync"
	"time"
)

type entry struct {
	snap       Snapshot
	errorSince time.Time
}

// Tracker holds device-level truth for every poller. Safe for concurrent
// use: pollers write, the API and the MQTT diagnostics publisher read.
type Tracker struct {
	mu   sync.Mutex
	devs map[string]*entry
	now  func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{devs: make(map[string]*entry), now: time.Now}
}

// Register adds a device in HealthUnknown.
func (t *Tracker) Register(device, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(device).snap.Name = name
}

func (t *Tracker) get(device string) *entry {
	e, ok := t.devs[device]
	if !ok {
		e = &entry{snap: Snapshot{Device: device, Name: device, Health: HealthUnknown}}
		t.devs[device] = e
	}
	return e
}

// Success records a completed cycle. partial is the first reading error
// of the cycle, if any.
func (t *Tracker) Success(device string, at time.Time, partial error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.get(device)
	e.snap.PollCount++
	e.snap.LastSuccess = at
	e.errorSince = time.Time{}
	e.snap.SecondsInError = 0

	if partial != nil {
		e.snap.Health = HealthPartial
		e.snap.LastErrorCode = ErrorCode(partial)
		e.snap.LastError = partial.Error()
		return
	}

	// Reset last error code when healthy.
	e.snap.Health = HealthOK
	e.snap.LastErrorCode = 0
	e.snap.LastError = ""
}

// Failure records a cycle that produced no result.
func (t *Tracker) Failure(device string, at time.Time, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.get(device)
	e.snap.PollCount++
	e.snap.ErrorCount++
	if e.snap.Health != HealthError || e.errorSince.IsZero() {
		e.errorSince = at
	}
	e.snap.Health = HealthError
	e.snap.LastErrorCode = ErrorCode(err)
	if err != nil {
		e.snap.LastError = err.Error()
	}
}

// Stopped marks a device whose poller has exited.
func (t *Tracker) Stopped(device string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(device).snap.Health = HealthStopped
}

// Snapshot returns one device, with SecondsInError computed now.
func (t *Tracker) Snapshot(device string) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.devs[device]
	if !ok {
		return Snapshot{}, false
	}
	return t.view(e), true
}

// Snapshots returns every device sorted by id.
func (t *Tracker) Snapshots() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Snapshot, 0, len(t.devs))
	for _, e := range t.devs {
		out = append(out, t.view(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out
}

func (t *Tracker) view(e *entry) Snapshot {
	s := e.snap
	s.HealthText = HealthText(s.Health)
	if s.Health == HealthError && !e.errorSince.IsZero() {
		secs := int64(t.now().Sub(e.errorSince) / time.Second)
		switch {
		case secs < 0:
			secs = 0
		case secs > SecondsInErrorMax:
			secs = SecondsInErrorMax
		}
		s.SecondsInError = uint16(secs)
	}
	return s
}

// internal/status/snapshot.go
package status

import "time"

// Snapshot is the diagnostics view of one device.
type Snapshot struct {
	Device         string    `json:"device"`
	Name           string    `json:"name"`
	Health         uint16    `json:"health"`
	HealthText     string    `json:"health_text"`
	LastErrorCode  uint16    `json:"last_error_code"`
	LastError      string    `json:"last_error,omitempty"`
	SecondsInError uint16    `json:"seconds_in_error"`
	PollCount      uint64    `json:"poll_count"`
	ErrorCount     uint64    `json:"error_count"`
	LastSuccess    time.Time `json:"last_success"`
}

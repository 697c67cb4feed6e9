// internal/status/constants.go
package status

// ---- HEALTH CODES ----

// HealthUnknown represents an unknown or boot state.
const HealthUnknown uint16 = 0

// HealthOK represents a healthy device.
const HealthOK uint16 = 1

// HealthError represents a device error state.
const HealthError uint16 = 2

// HealthPartial means the last cycle completed but some readings failed.
const HealthPartial uint16 = 3

// HealthStopped means the poller has exited.
const HealthStopped uint16 = 4

// SecondsInErrorMax caps SecondsInError.
const SecondsInErrorMax = 65535

// HealthText names a health code.
func HealthText(h uint16) string {
	switch h {
	case HealthOK:
		return "ok"
	case HealthError:
		return "error"
	case HealthPartial:
		return "partial"
	case HealthStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// internal/status/encode.go
package status

import (
	"encoding/json"
	"errors"
)

// Encode renders a Snapshot as the diagnostics payload.
// No IO. No side effects.
func Encode(s Snapshot) ([]byte, error) {
	s.HealthText = HealthText(s.Health)
	return json.Marshal(s)
}

// ErrorCode extracts a best-effort uint16 code from an error without assuming concrete types.
// If the error does not expose a code, returns 1 (generic error).
func ErrorCode(err error) uint16 {
	if err == nil {
		return 0
	}

	type coderA interface{ Code() uint16 }
	type coderB interface{ ErrorCode() uint16 }

	var a coderA
	if errors.As(err, &a) {
		return a.Code()
	}
	var b coderB
	if errors.As(err, &b) {
		return b.ErrorCode()
	}

	return 1
}

package codeassist

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// DeviceFingerprint is the per-process synthetic device identity the
// Antigravity style folds into its User-Agent header. Callers generate
// one via NewDeviceFingerprint at process startup and thread it through
// every Adapter they construct, the same way the process session id is
// handled.
type DeviceFingerprint string

// NewDeviceFingerprint generates a new random fingerprint.
func NewDeviceFingerprint() (DeviceFingerprint, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("codeassist: generate device fingerprint: %w", err)
	}
	return DeviceFingerprint(hex.EncodeToString(buf)), nil
}

func (f DeviceFingerprint) userAgent() string {
	if f == "" {
		return "antigravity/1.0.0"
	}
	return "antigravity/1.0.0 (" + string(f) + ")"
}

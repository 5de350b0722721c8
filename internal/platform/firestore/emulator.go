package firestore

import (
	"os"
	"strings"
)

// EnvEmulatorHost is read by the Firestore client library when dialing.
const EnvEmulatorHost = "FIRESTORE_EMULATOR_HOST"

// UseEmulator points Firestore clients created afterwards at host. An emulator host already
// present in the process environment wins. It returns the effective host, empty when none.
func UseEmulator(host string) (string, error) {
	if current := strings.TrimSpace(os.Getenv(EnvEmulatorHost)); current != "" {
		return current, nil
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "", nil
	}
	if err := os.Setenv(EnvEmulatorHost, host); err != nil {
		return "", err
	}
	return host, nil
}

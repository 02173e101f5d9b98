package sentlicense

import (
	"crypto/sha256"
	"fmt"
	"net"
	"os"
	"runtime"
	"sort"
	"strings"
)

// FingerprintProvider derives the stable identity of the machine the licensed
// application runs on. Implementations must be deterministic across process
// restarts on the same machine.
type FingerprintProvider interface {
	Fingerprint() (string, error)
}

// StaticFingerprint is a FingerprintProvider returning a fixed value. Useful
// in tests and in environments where the operator manages machine identity.
type StaticFingerprint string

func (s StaticFingerprint) Fingerprint() (string, error) {
	if s == "" {
		return "", ErrFingerprintIndeterminate
	}
	return string(s), nil
}

// DeviceFingerprint is the default provider. It hashes hostname, sorted
// non-loopback MAC addresses, OS, architecture, and the machine-id (Linux)
// into a SHA-256 hex string.
//
// At least two of the machine-identifying attribute classes (hostname, MAC
// addresses, machine-id) must be available; otherwise Fingerprint returns
// ErrFingerprintIndeterminate. Hashing a near-constant input would produce
// the same identity for every machine missing those attributes, which defeats
// hardware binding entirely.
//
// The SENTINEL_FINGERPRINT environment variable overrides derivation, for
// container and Kubernetes deployments where none of the attributes are
// stable.
type DeviceFingerprint struct{}

// NewDeviceFingerprint creates the default fingerprint provider.
func NewDeviceFingerprint() *DeviceFingerprint {
	return &DeviceFingerprint{}
}

func (d *DeviceFingerprint) Fingerprint() (string, error) {
	if fp := os.Getenv("SENTINEL_FINGERPRINT"); fp != "" {
		return fp, nil
	}

	var parts []string
	sources := 0

	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		parts = append(parts, strings.ToLower(strings.TrimSpace(hostname)))
		sources++
	}

	if macs, err := macAddresses(); err == nil && len(macs) > 0 {
		parts = append(parts, macs...)
		sources++
	}

	if machineID, err := os.ReadFile("/etc/machine-id"); err == nil {
		if id := strings.TrimSpace(string(machineID)); id != "" {
			parts = append(parts, id)
			sources++
		}
	}

	if sources < 2 {
		return "", fmt.Errorf("%w: %d of 3 attribute sources available", ErrFingerprintIndeterminate, sources)
	}

	parts = append(parts, runtime.GOOS, runtime.GOARCH)

	h := sha256.New()
	h.Write([]byte(strings.Join(parts, "|")))
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// macAddresses returns sorted, non-loopback hardware MAC addresses.
func macAddresses() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var macs []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		mac := iface.HardwareAddr.String()
		if mac != "" && mac != "00:00:00:00:00:00" {
			macs = append(macs, mac)
		}
	}
	sort.Strings(macs)
	return macs, nil
}

// Package guard provides execution environment attestation for the local
// license validator: self-integrity hashing of the running binary plus
// heuristic detection of debuggers and virtualized execution.
//
// Check never returns an error and never panics. Any internal failure is
// reported as Suspicious, and the validator maps Suspicious to an ordinary
// deny. A crash or a distinct error would reveal where the check lives and
// invite patching around it.
package guard

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"
)

// Result is the outcome of an attestation check.
type Result string

const (
	Clean      Result = "clean"
	Suspicious Result = "suspicious"
)

// Attestor checks the integrity of the execution environment.
type Attestor interface {
	Check() Result
}

// Environment variables commonly set when a debugger drives the process.
var debugEnvVars = []string{
	"DELVE_PORT",
	"DEBUG_MODE",
	"GO_DEBUG_TARGET",
}

// Environment key prefixes injected by common hypervisor guest tooling.
var vmEnvPrefixes = []string{
	"VBOX_",
	"VMWARE_",
	"VIRTUAL_",
}

// Guard is the default Attestor.
type Guard struct {
	expectedHash string
}

// New creates a Guard. expectedHash is the lowercase hex SHA-256 of the
// shipped binary, fixed at build time (typically injected via -ldflags -X).
// An empty expectedHash disables the self-hash comparison but keeps the
// environment heuristics.
func New(expectedHash string) *Guard {
	return &Guard{expectedHash: strings.ToLower(expectedHash)}
}

// Check runs all detections. Any positive signal yields Suspicious.
func (g *Guard) Check() (result Result) {
	defer func() {
		if recover() != nil {
			result = Suspicious
		}
	}()

	if g.expectedHash != "" {
		actual, err := ExecutableHash()
		if err != nil || actual != g.expectedHash {
			return Suspicious
		}
	}
	if debuggerPresent() {
		return Suspicious
	}
	if virtualizedEnvironment() {
		return Suspicious
	}
	return Clean
}

// ExecutableHash computes the lowercase hex SHA-256 of the running binary.
// Exposed for build tooling that embeds the expected hash.
func ExecutableHash() (string, error) {
	path, err := os.Executable()
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func debuggerPresent() bool {
	for _, v := range debugEnvVars {
		if os.Getenv(v) != "" {
			return true
		}
	}
	return false
}

func virtualizedEnvironment() bool {
	for _, kv := range os.Environ() {
		key := strings.ToUpper(kv)
		for _, prefix := range vmEnvPrefixes {
			if strings.HasPrefix(key, prefix) {
				return true
			}
		}
	}
	return false
}

// Static is an Attestor returning a fixed result. Useful in tests and for
// hosts that supply their own attestation.
type Static Result

func (s Static) Check() Result { return Result(s) }

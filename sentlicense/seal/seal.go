// Package seal implements the layered cipher protecting license payloads.
//
// A stored license blob is produced by two nested stages: a base stage keyed
// from the server secret alone, and a hardware stage keyed from the server
// secret and the machine fingerprint. A third, short-lived window stage
// protects the freshness token exchanged during live validation and is never
// applied to the stored blob.
//
// Each stage fails distinctly: a corrupted blob surfaces as ErrTamperDetected,
// a blob opened on the wrong machine as ErrHardwareMismatch, and a freshness
// token outside its rotation window as ErrStaleToken. Callers rely on that
// distinction to pick the right remediation, so the stages must not be
// collapsed.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// Sentinel errors for the individual cipher stages.
var (
	ErrTamperDetected   = errors.New("license blob failed integrity check")
	ErrHardwareMismatch = errors.New("license is bound to a different machine")
	ErrStaleToken       = errors.New("freshness token outside rotation window")
)

const (
	envelopeVersion = 0x01

	// PBKDF2 iteration counts per stage. The base and MAC keys are derived
	// once at construction; the hardware key is derived per fingerprint.
	baseIterations     = 100_000
	hardwareIterations = 50_000
	windowIterations   = 25_000

	keyLen    = 32
	macLen    = sha256.Size
	nonceLen  = 12 // standard GCM nonce
	minSecret = 16
)

var (
	baseSalt = []byte("sentinel/seal/base/v1")
	macSalt  = []byte("sentinel/seal/mac/v1")
)

// Payload is the license content protected by the cipher.
type Payload struct {
	LicenseID      string     `json:"license_id"`
	CustomerID     string     `json:"customer_id"`
	InstallationID string     `json:"installation_id"`
	Type           string     `json:"type"`
	IssuedAt       time.Time  `json:"issued_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Features       []string   `json:"features,omitempty"`
}

// Sealer encrypts and decrypts license payloads. The same secret must be used
// on both sides of the validation protocol.
type Sealer struct {
	secret  []byte
	baseKey []byte
	macKey  []byte
}

// New creates a Sealer from the shared secret. The base-stage and MAC keys
// are derived eagerly since their salts are fixed.
func New(secret []byte) (*Sealer, error) {
	if len(secret) < minSecret {
		return nil, fmt.Errorf("seal secret must be at least %d bytes", minSecret)
	}
	s := &Sealer{secret: secret}
	s.baseKey = pbkdf2.Key(secret, baseSalt, baseIterations, keyLen, sha256.New)
	s.macKey = pbkdf2.Key(secret, macSalt, baseIterations, keyLen, sha256.New)
	return s, nil
}

// hardwareKey derives the stage-2 key binding a blob to one machine.
func (s *Sealer) hardwareKey(fingerprint string) []byte {
	return pbkdf2.Key(s.secret, []byte("sentinel/seal/hw/v1:"+fingerprint), hardwareIterations, keyLen, sha256.New)
}

// windowKey derives the stage-3 key for the day bucket containing t.
func (s *Sealer) windowKey(t time.Time) []byte {
	bucket := t.UTC().Format("2006-01-02")
	return pbkdf2.Key(s.secret, []byte("sentinel/seal/window/v1:"+bucket), windowIterations, keyLen, sha256.New)
}

// Encrypt seals a payload for the machine identified by fingerprint.
//
// Layout of the returned blob:
//
//	version(1) | hw nonce(12) | hw ciphertext | hmac-sha256(32)
//
// where the hardware ciphertext wraps the base-stage nonce and ciphertext.
// The trailing MAC is keyed from the server secret alone so that a corrupted
// blob is distinguishable from a blob opened on the wrong machine.
func (s *Sealer) Encrypt(p Payload, fingerprint string) ([]byte, error) {
	if fingerprint == "" {
		return nil, errors.New("fingerprint is required")
	}
	plain, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	inner, err := gcmSeal(s.baseKey, plain)
	if err != nil {
		return nil, fmt.Errorf("base stage: %w", err)
	}
	outer, err := gcmSeal(s.hardwareKey(fingerprint), inner)
	if err != nil {
		return nil, fmt.Errorf("hardware stage: %w", err)
	}

	blob := make([]byte, 0, 1+len(outer)+macLen)
	blob = append(blob, envelopeVersion)
	blob = append(blob, outer...)

	mac := hmac.New(sha256.New, s.macKey)
	mac.Write(blob)
	return mac.Sum(blob), nil
}

// Decrypt opens a blob on the machine identified by fingerprint, reversing
// the stages. Failure modes, in the order they are detected:
//
//   - ErrTamperDetected: truncated envelope, unknown version, MAC mismatch,
//     or a base-stage authentication failure
//   - ErrHardwareMismatch: the envelope is intact but the hardware stage does
//     not open under this fingerprint
func (s *Sealer) Decrypt(blob []byte, fingerprint string) (*Payload, error) {
	if fingerprint == "" {
		return nil, errors.New("fingerprint is required")
	}
	if len(blob) < 1+nonceLen+macLen || blob[0] != envelopeVersion {
		return nil, ErrTamperDetected
	}

	body, tag := blob[:len(blob)-macLen], blob[len(blob)-macLen:]
	mac := hmac.New(sha256.New, s.macKey)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), tag) {
		return nil, ErrTamperDetected
	}

	// The envelope is authentic, so a failure here means wrong machine.
	inner, err := gcmOpen(s.hardwareKey(fingerprint), body[1:])
	if err != nil {
		return nil, ErrHardwareMismatch
	}

	plain, err := gcmOpen(s.baseKey, inner)
	if err != nil {
		return nil, ErrTamperDetected
	}

	var p Payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return nil, ErrTamperDetected
	}
	return &p, nil
}

// SealToken wraps a freshness nonce under the key of the current day bucket.
// Captured tokens replay for at most the bucket granularity.
func (s *Sealer) SealToken(nonce string, now time.Time) ([]byte, error) {
	sealed, err := gcmSeal(s.windowKey(now), []byte(nonce))
	if err != nil {
		return nil, fmt.Errorf("window stage: %w", err)
	}
	return append([]byte{envelopeVersion}, sealed...), nil
}

// OpenToken recovers the freshness nonce from a sealed token. The current and
// the immediately preceding day bucket are accepted, so a token issued just
// before a bucket boundary remains usable. Anything else is ErrStaleToken.
func (s *Sealer) OpenToken(blob []byte, now time.Time) (string, error) {
	if len(blob) < 1+nonceLen || blob[0] != envelopeVersion {
		return "", ErrStaleToken
	}
	for _, t := range []time.Time{now, now.Add(-24 * time.Hour)} {
		if plain, err := gcmOpen(s.windowKey(t), blob[1:]); err == nil {
			return string(plain), nil
		}
	}
	return "", ErrStaleToken
}

func gcmSeal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func gcmOpen(key, blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	return gcm.Open(nil, blob[:gcm.NonceSize()], blob[gcm.NonceSize():], nil)
}

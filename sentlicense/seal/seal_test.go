package seal

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

var testSecret = []byte("unit-test-secret-0123456789abcdef")

func testPayload() Payload {
	expires := time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)
	return Payload{
		LicenseID:      "9a1f7c2e-0000-4000-8000-000000000001",
		CustomerID:     "CUST001",
		InstallationID: "INST001",
		Type:           "paid-lifetime",
		IssuedAt:       time.Date(2025, 1, 15, 9, 30, 0, 0, time.UTC),
		ExpiresAt:      &expires,
		Features:       []string{"export", "premium_support"},
	}
}

func TestNew_RejectsShortSecret(t *testing.T) {
	if _, err := New([]byte("short")); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	s, err := New(testSecret)
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}

	want := testPayload()
	blob, err := s.Encrypt(want, "fingerprint-a")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	got, err := s.Decrypt(blob, "fingerprint-a")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got.LicenseID != want.LicenseID {
		t.Errorf("license id: got %q, want %q", got.LicenseID, want.LicenseID)
	}
	if got.CustomerID != want.CustomerID || got.InstallationID != want.InstallationID {
		t.Errorf("identity fields mismatch: %+v", got)
	}
	if got.Type != want.Type {
		t.Errorf("type: got %q, want %q", got.Type, want.Type)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(*want.ExpiresAt) {
		t.Errorf("expires_at: got %v, want %v", got.ExpiresAt, want.ExpiresAt)
	}
	if len(got.Features) != 2 || got.Features[0] != "export" {
		t.Errorf("features: got %v", got.Features)
	}
}

func TestEncrypt_RequiresFingerprint(t *testing.T) {
	s, _ := New(testSecret)
	if _, err := s.Encrypt(testPayload(), ""); err == nil {
		t.Fatal("expected error for empty fingerprint")
	}
	if _, err := s.Decrypt([]byte{envelopeVersion}, ""); err == nil {
		t.Fatal("expected error for empty fingerprint")
	}
}

func TestDecrypt_WrongFingerprint(t *testing.T) {
	s, _ := New(testSecret)
	blob, err := s.Encrypt(testPayload(), "fingerprint-a")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	for _, fp := range []string{"fingerprint-b", "FINGERPRINT-A", "fingerprint-a "} {
		_, err := s.Decrypt(blob, fp)
		if !errors.Is(err, ErrHardwareMismatch) {
			t.Errorf("fingerprint %q: got %v, want ErrHardwareMismatch", fp, err)
		}
	}
}

func TestDecrypt_TamperedBlob(t *testing.T) {
	s, _ := New(testSecret)
	blob, err := s.Encrypt(testPayload(), "fingerprint-a")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"empty", func(b []byte) []byte { return nil }},
		{"truncated", func(b []byte) []byte { return b[:10] }},
		{"wrong version", func(b []byte) []byte {
			c := bytes.Clone(b)
			c[0] = 0x7f
			return c
		}},
		{"flipped ciphertext bit", func(b []byte) []byte {
			c := bytes.Clone(b)
			c[len(c)/2] ^= 0x01
			return c
		}},
		{"flipped mac bit", func(b []byte) []byte {
			c := bytes.Clone(b)
			c[len(c)-1] ^= 0x01
			return c
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Decrypt(tt.mutate(blob), "fingerprint-a")
			if !errors.Is(err, ErrTamperDetected) {
				t.Errorf("got %v, want ErrTamperDetected", err)
			}
		})
	}
}

func TestDecrypt_DifferentSecret(t *testing.T) {
	s1, _ := New(testSecret)
	s2, _ := New([]byte("another-secret-0123456789abcdef00"))

	blob, err := s1.Encrypt(testPayload(), "fingerprint-a")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	// A different server secret invalidates the envelope MAC before the
	// hardware stage is ever consulted.
	if _, err := s2.Decrypt(blob, "fingerprint-a"); !errors.Is(err, ErrTamperDetected) {
		t.Errorf("got %v, want ErrTamperDetected", err)
	}
}

func TestToken_RoundTrip(t *testing.T) {
	s, _ := New(testSecret)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	blob, err := s.SealToken("nonce-42", now)
	if err != nil {
		t.Fatalf("seal token: %v", err)
	}
	got, err := s.OpenToken(blob, now)
	if err != nil {
		t.Fatalf("open token: %v", err)
	}
	if got != "nonce-42" {
		t.Errorf("nonce: got %q, want %q", got, "nonce-42")
	}
}

func TestToken_PreviousBucketAccepted(t *testing.T) {
	s, _ := New(testSecret)
	sealed := time.Date(2025, 3, 10, 23, 50, 0, 0, time.UTC)
	opened := time.Date(2025, 3, 11, 0, 10, 0, 0, time.UTC)

	blob, err := s.SealToken("nonce-boundary", sealed)
	if err != nil {
		t.Fatalf("seal token: %v", err)
	}
	if _, err := s.OpenToken(blob, opened); err != nil {
		t.Errorf("token sealed just before bucket boundary should open: %v", err)
	}
}

func TestToken_Stale(t *testing.T) {
	s, _ := New(testSecret)
	sealed := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	blob, err := s.SealToken("nonce-old", sealed)
	if err != nil {
		t.Fatalf("seal token: %v", err)
	}
	_, err = s.OpenToken(blob, sealed.Add(72*time.Hour))
	if !errors.Is(err, ErrStaleToken) {
		t.Errorf("got %v, want ErrStaleToken", err)
	}

	// Garbage tokens are indistinguishable from stale ones on purpose.
	if _, err := s.OpenToken([]byte("junk"), sealed); !errors.Is(err, ErrStaleToken) {
		t.Errorf("got %v, want ErrStaleToken", err)
	}
}

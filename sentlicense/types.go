package sentlicense

import (
	"time"
)

// Verdict is the outcome of a validation attempt. Only the abstract verdict
// crosses the trust boundary; the server never explains a denial beyond it.
type Verdict string

const (
	VerdictValid            Verdict = "Valid"
	VerdictRevoked          Verdict = "Revoked"
	VerdictExpired          Verdict = "Expired"
	VerdictTrialExceeded    Verdict = "TrialExceeded"
	VerdictHardwareMismatch Verdict = "HardwareMismatch"
	VerdictTamperDetected   Verdict = "TamperDetected"
	VerdictInvalid          Verdict = "Invalid"
)

// Terminal reports whether a verdict is final for this installation. Terminal
// verdicts are never masked by cached state or the offline grace window; only
// an explicit re-issuance clears them.
func (v Verdict) Terminal() bool {
	switch v {
	case VerdictRevoked, VerdictTrialExceeded, VerdictHardwareMismatch, VerdictTamperDetected:
		return true
	}
	return false
}

// ValidateRequest is the request body for the /v1/validate endpoint.
type ValidateRequest struct {
	LicenseBlob    []byte `json:"license_blob"`
	InstallationID string `json:"installation_id"`
	Nonce          string `json:"nonce"`
	Timestamp      int64  `json:"timestamp"`
}

// ValidateResponse is the response from the /v1/validate endpoint. Token is a
// freshness token sealed under the rotating window key; clients open it to
// rule out replayed responses.
type ValidateResponse struct {
	Verdict         Verdict `json:"verdict"`
	Message         string  `json:"message,omitempty"`
	ServerTimestamp int64   `json:"server_timestamp"`
	Token           []byte  `json:"token,omitempty"`
}

// GenerateRequest is the admin request body for issuing a new license.
type GenerateRequest struct {
	CustomerID     string   `json:"customer_id" validate:"required"`
	InstallationID string   `json:"installation_id" validate:"required"`
	Fingerprint    string   `json:"fingerprint" validate:"required"`
	Type           string   `json:"type" validate:"required,oneof=trial paid-lifetime"`
	Features       []string `json:"features,omitempty"`
}

// GenerateResponse carries the issued license back to the administrator.
type GenerateResponse struct {
	LicenseID   string     `json:"license_id"`
	LicenseBlob []byte     `json:"license_blob"`
	Type        string     `json:"type"`
	IssuedAt    time.Time  `json:"issued_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// RevokeRequest is the admin request body for revoking a license.
type RevokeRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// RebindRequest is the admin request body for rebinding a license to
// replacement hardware. Rebinding is always an explicit override.
type RebindRequest struct {
	Fingerprint string `json:"fingerprint" validate:"required"`
}

// RebindResponse carries the re-sealed blob for the new machine.
type RebindResponse struct {
	LicenseID   string `json:"license_id"`
	LicenseBlob []byte `json:"license_blob"`
}

// LicenseStatus is the admin view of a stored license record.
type LicenseStatus struct {
	LicenseID       string     `json:"license_id"`
	CustomerID      string     `json:"customer_id"`
	InstallationID  string     `json:"installation_id"`
	Type            string     `json:"type"`
	Status          string     `json:"status"`
	IssuedAt        time.Time  `json:"issued_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	ValidationCount int        `json:"validation_count"`
	LastValidatedAt *time.Time `json:"last_validated_at,omitempty"`
}

// ServerStatus is the response from the /v1/status endpoint.
type ServerStatus struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Timestamp int64  `json:"timestamp"`
}

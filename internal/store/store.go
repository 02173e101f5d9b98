// Package store persists the issuing authority's state: customers, license
// records, the blacklist, and the append-only validation attempt log.
//
// License records are never physically deleted. Revocation is a status change
// plus a blacklist insert, preserving audit history. The attempt log has no
// update or delete operation at all.
package store

import (
	"context"
	"errors"
	"time"
)

// License lifecycle status.
const (
	StatusActive  = "active"
	StatusRevoked = "revoked"
	StatusExpired = "expired"
)

// License types.
const (
	TypeTrial        = "trial"
	TypePaidLifetime = "paid-lifetime"
)

// Customer status.
const (
	CustomerActive    = "active"
	CustomerSuspended = "suspended"
)

// Sentinel errors shared by all implementations.
var (
	ErrNotFound   = errors.New("record not found")
	ErrDuplicate  = errors.New("record already exists")
	ErrCapReached = errors.New("validation cap reached")
)

// Customer is a license-holding customer.
type Customer struct {
	ID        string    `json:"id" bson:"_id"`
	Name      string    `json:"name" bson:"name"`
	Email     string    `json:"email" bson:"email"`
	Status    string    `json:"status" bson:"status"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// License is the authoritative server-held record of one issued license.
// Signature is the base64 HMAC over Blob; it must verify before any other
// field is trusted.
type License struct {
	ID              string     `json:"id" bson:"_id"`
	CustomerID      string     `json:"customer_id" bson:"customer_id"`
	InstallationID  string     `json:"installation_id" bson:"installation_id"`
	Fingerprint     string     `json:"fingerprint" bson:"fingerprint"`
	Type            string     `json:"type" bson:"type"`
	Status          string     `json:"status" bson:"status"`
	IssuedAt        time.Time  `json:"issued_at" bson:"issued_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty" bson:"expires_at,omitempty"`
	Features        []string   `json:"features,omitempty" bson:"features,omitempty"`
	ValidationCount int        `json:"validation_count" bson:"validation_count"`
	LastValidatedAt *time.Time `json:"last_validated_at,omitempty" bson:"last_validated_at,omitempty"`
	Blob            []byte     `json:"blob" bson:"blob"`
	Signature       string     `json:"signature" bson:"signature"`
}

// BlacklistEntry is a fast-path deny keyed by license or installation id.
type BlacklistEntry struct {
	LicenseID      string    `json:"license_id,omitempty" bson:"license_id,omitempty"`
	InstallationID string    `json:"installation_id,omitempty" bson:"installation_id,omitempty"`
	Reason         string    `json:"reason" bson:"reason"`
	RevokedAt      time.Time `json:"revoked_at" bson:"revoked_at"`
}

// Attempt is one append-only validation attempt record.
type Attempt struct {
	Timestamp      time.Time `json:"timestamp" bson:"timestamp"`
	LicenseID      string    `json:"license_id" bson:"license_id"`
	InstallationID string    `json:"installation_id" bson:"installation_id"`
	Result         string    `json:"result" bson:"result"`
	SourceAddr     string    `json:"source_addr" bson:"source_addr"`
	UserAgent      string    `json:"user_agent,omitempty" bson:"user_agent,omitempty"`
}

// Store is the record store behind the issuing authority. All mutations on a
// single license must be serialized per record by the implementation;
// IncrementValidation in particular is a single atomic conditional unit.
type Store interface {
	CreateCustomer(ctx context.Context, c Customer) error
	GetCustomer(ctx context.Context, id string) (*Customer, error)
	SetCustomerStatus(ctx context.Context, id, status string) error

	CreateLicense(ctx context.Context, l License) error
	GetLicense(ctx context.Context, id string) (*License, error)

	// GetLicenseByInstallation returns the license bound to an
	// installation, preferring an active one, then the most recently
	// issued. Validation requests identify themselves by installation id
	// only; the license id is not known until the blob is opened.
	GetLicenseByInstallation(ctx context.Context, installationID string) (*License, error)

	SetLicenseStatus(ctx context.Context, id, status string) error

	// UpdateBinding replaces a license's fingerprint, blob, and signature
	// for an administrative hardware rebind.
	UpdateBinding(ctx context.Context, id, fingerprint string, blob []byte, signature string) error

	// IncrementValidation atomically increments the validation count of an
	// active license, provided cap is zero (uncapped) or the current count
	// is below cap. Returns the post-increment count, ErrCapReached when
	// the cap is hit, or ErrNotFound when no active license matches. Two
	// concurrent calls at count cap-1 cannot both succeed.
	IncrementValidation(ctx context.Context, id string, cap int, at time.Time) (int, error)

	AddBlacklist(ctx context.Context, e BlacklistEntry) error
	IsBlacklisted(ctx context.Context, licenseID, installationID string) (bool, error)

	AppendAttempt(ctx context.Context, a Attempt) error
	ListAttempts(ctx context.Context, licenseID string, since time.Time) ([]Attempt, error)

	Close(ctx context.Context) error
}

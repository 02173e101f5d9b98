// Package authority implements the server-side license issuing authority:
// generation, revocation, hardware rebinding, and the validation protocol.
package authority

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/SentinelSoftworks/sentinel-license-engine/internal/store"
	"github.com/SentinelSoftworks/sentinel-license-engine/sentlicense"
	"github.com/SentinelSoftworks/sentinel-license-engine/sentlicense/seal"
)

const (
	// DefaultTrialCap bounds how many validations a trial license may
	// perform. Enforced purely server-side; nothing from the client is
	// trusted for it.
	DefaultTrialCap = 10

	// DefaultTrialValidity is the calendar lifetime of a trial license,
	// independent of the usage cap.
	DefaultTrialValidity = 30 * 24 * time.Hour
)

// Operation errors surfaced to the admin API.
var (
	ErrCustomerNotFound  = errors.New("customer not found")
	ErrCustomerSuspended = errors.New("customer is suspended")
	ErrLicenseNotFound   = errors.New("license not found")
	ErrLicenseNotActive  = errors.New("license is not active")
	ErrInvalidType       = errors.New("invalid license type")
)

// Config carries the authority's secrets and policy knobs.
type Config struct {
	SealSecret    []byte
	SigningSecret []byte
	TrialCap      int           // 0 selects DefaultTrialCap
	TrialValidity time.Duration // 0 selects DefaultTrialValidity
}

// Authority issues, revokes, and validates licenses against a Store.
type Authority struct {
	store         store.Store
	sealer        *seal.Sealer
	signingSecret []byte
	trialCap      int
	trialValidity time.Duration
	log           *slog.Logger
	now           func() time.Time
}

// New creates an Authority.
func New(st store.Store, cfg Config, log *slog.Logger) (*Authority, error) {
	sealer, err := seal.New(cfg.SealSecret)
	if err != nil {
		return nil, fmt.Errorf("seal secret: %w", err)
	}
	if len(cfg.SigningSecret) < 16 {
		return nil, errors.New("signing secret must be at least 16 bytes")
	}
	if log == nil {
		log = slog.Default()
	}
	a := &Authority{
		store:         st,
		sealer:        sealer,
		signingSecret: cfg.SigningSecret,
		trialCap:      cfg.TrialCap,
		trialValidity: cfg.TrialValidity,
		log:           log,
		now:           time.Now,
	}
	if a.trialCap == 0 {
		a.trialCap = DefaultTrialCap
	}
	if a.trialValidity == 0 {
		a.trialValidity = DefaultTrialValidity
	}
	return a, nil
}

// sign computes the record signature over an encrypted blob.
func (a *Authority) sign(blob []byte) string {
	mac := hmac.New(sha256.New, a.signingSecret)
	mac.Write(blob)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (a *Authority) signatureValid(blob []byte, signature string) bool {
	want, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, a.signingSecret)
	mac.Write(blob)
	return hmac.Equal(mac.Sum(nil), want)
}

// GenerateInput describes a license to issue.
type GenerateInput struct {
	CustomerID     string
	InstallationID string
	Fingerprint    string
	Type           string
	Features       []string
}

// Generate issues a new license bound to the given installation fingerprint
// and persists the record. The customer must exist and be active.
func (a *Authority) Generate(ctx context.Context, in GenerateInput) (*store.License, error) {
	if in.Type != store.TypeTrial && in.Type != store.TypePaidLifetime {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, in.Type)
	}

	customer, err := a.store.GetCustomer(ctx, in.CustomerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load customer: %w", err)
	}
	if customer.Status != store.CustomerActive {
		return nil, ErrCustomerSuspended
	}

	now := a.now().UTC()
	lic := store.License{
		ID:             uuid.NewString(),
		CustomerID:     in.CustomerID,
		InstallationID: in.InstallationID,
		Fingerprint:    in.Fingerprint,
		Type:           in.Type,
		Status:         store.StatusActive,
		IssuedAt:       now,
		Features:       in.Features,
	}
	if in.Type == store.TypeTrial {
		expires := now.Add(a.trialValidity)
		lic.ExpiresAt = &expires
	}

	blob, err := a.sealer.Encrypt(seal.Payload{
		LicenseID:      lic.ID,
		CustomerID:     lic.CustomerID,
		InstallationID: lic.InstallationID,
		Type:           lic.Type,
		IssuedAt:       lic.IssuedAt,
		ExpiresAt:      lic.ExpiresAt,
		Features:       lic.Features,
	}, in.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("seal license: %w", err)
	}
	lic.Blob = blob
	lic.Signature = a.sign(blob)

	if err := a.store.CreateLicense(ctx, lic); err != nil {
		return nil, fmt.Errorf("persist license: %w", err)
	}

	a.log.Info("license issued",
		slog.String("license_id", lic.ID),
		slog.String("customer_id", lic.CustomerID),
		slog.String("installation_id", lic.InstallationID),
		slog.String("type", lic.Type),
	)
	return &lic, nil
}

// Revoke marks a license revoked and blacklists both its identifiers. The
// blacklist insert happens first so the effect reaches the very next
// validation attempt even if the status update lags.
func (a *Authority) Revoke(ctx context.Context, licenseID, reason string) error {
	lic, err := a.store.GetLicense(ctx, licenseID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrLicenseNotFound
	}
	if err != nil {
		return fmt.Errorf("load license: %w", err)
	}

	if err := a.store.AddBlacklist(ctx, store.BlacklistEntry{
		LicenseID:      lic.ID,
		InstallationID: lic.InstallationID,
		Reason:         reason,
		RevokedAt:      a.now().UTC(),
	}); err != nil {
		return fmt.Errorf("blacklist license: %w", err)
	}
	if err := a.store.SetLicenseStatus(ctx, lic.ID, store.StatusRevoked); err != nil {
		return fmt.Errorf("revoke license: %w", err)
	}

	a.log.Info("license revoked",
		slog.String("license_id", lic.ID),
		slog.String("reason", reason),
	)
	return nil
}

// Rebind re-seals an active license for replacement hardware. This is the
// only path that changes a license's fingerprint; validation never rebinds.
func (a *Authority) Rebind(ctx context.Context, licenseID, fingerprint string) (*store.License, error) {
	lic, err := a.store.GetLicense(ctx, licenseID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrLicenseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load license: %w", err)
	}
	if lic.Status != store.StatusActive {
		return nil, ErrLicenseNotActive
	}

	blob, err := a.sealer.Encrypt(seal.Payload{
		LicenseID:      lic.ID,
		CustomerID:     lic.CustomerID,
		InstallationID: lic.InstallationID,
		Type:           lic.Type,
		IssuedAt:       lic.IssuedAt,
		ExpiresAt:      lic.ExpiresAt,
		Features:       lic.Features,
	}, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("seal license: %w", err)
	}
	signature := a.sign(blob)

	if err := a.store.UpdateBinding(ctx, lic.ID, fingerprint, blob, signature); err != nil {
		return nil, fmt.Errorf("update binding: %w", err)
	}

	a.log.Info("license rebound", slog.String("license_id", lic.ID))

	lic.Fingerprint = fingerprint
	lic.Blob = blob
	lic.Signature = signature
	return lic, nil
}

// ValidateInput is one validation protocol request plus transport metadata
// for the attempt log.
type ValidateInput struct {
	Blob           []byte
	InstallationID string
	Nonce          string
	Timestamp      int64
	SourceAddr     string
	UserAgent      string
}

// ValidateResult is the verdict returned to the client. Token is the sealed
// freshness token proving the response was minted inside the current window.
type ValidateResult struct {
	Verdict sentlicense.Verdict
	Message string
	Token   []byte
}

// Validate runs the validation protocol. Steps short-circuit in a fixed
// order: blacklist, record lookup, layered decryption, signature, status,
// expiry, trial cap. Every attempt, including denials, is appended to the
// audit log.
func (a *Authority) Validate(ctx context.Context, in ValidateInput) ValidateResult {
	result, licenseID := a.validate(ctx, in)

	if err := a.store.AppendAttempt(ctx, store.Attempt{
		Timestamp:      a.now().UTC(),
		LicenseID:      licenseID,
		InstallationID: in.InstallationID,
		Result:         string(result.Verdict),
		SourceAddr:     in.SourceAddr,
		UserAgent:      in.UserAgent,
	}); err != nil {
		// The verdict stands; losing one audit row is logged, not fatal.
		a.log.Error("append validation attempt", slog.String("error", err.Error()))
	}
	return result
}

func (a *Authority) validate(ctx context.Context, in ValidateInput) (ValidateResult, string) {
	deny := func(v sentlicense.Verdict, msg string) ValidateResult {
		return ValidateResult{Verdict: v, Message: msg}
	}

	// Blacklist first: a revoked installation costs one indexed lookup and
	// exposes no slow-path behavior to probe.
	listed, err := a.store.IsBlacklisted(ctx, "", in.InstallationID)
	if err != nil {
		a.log.Error("blacklist lookup", slog.String("error", err.Error()))
		return deny(sentlicense.VerdictInvalid, "validation unavailable"), ""
	}
	if listed {
		return deny(sentlicense.VerdictRevoked, "license revoked"), ""
	}

	lic, err := a.store.GetLicenseByInstallation(ctx, in.InstallationID)
	if errors.Is(err, store.ErrNotFound) {
		return deny(sentlicense.VerdictInvalid, "license not found"), ""
	}
	if err != nil {
		a.log.Error("license lookup", slog.String("error", err.Error()))
		return deny(sentlicense.VerdictInvalid, "validation unavailable"), ""
	}

	listed, err = a.store.IsBlacklisted(ctx, lic.ID, "")
	if err == nil && listed {
		return deny(sentlicense.VerdictRevoked, "license revoked"), lic.ID
	}

	payload, err := a.sealer.Decrypt(in.Blob, lic.Fingerprint)
	switch {
	case errors.Is(err, seal.ErrHardwareMismatch):
		return deny(sentlicense.VerdictHardwareMismatch, "license is bound to a different machine"), lic.ID
	case err != nil:
		return deny(sentlicense.VerdictTamperDetected, "license failed integrity checks"), lic.ID
	}
	if payload.LicenseID != lic.ID || payload.InstallationID != in.InstallationID {
		return deny(sentlicense.VerdictHardwareMismatch, "license is not valid for this installation"), lic.ID
	}

	if !a.signatureValid(in.Blob, lic.Signature) {
		return deny(sentlicense.VerdictInvalid, "license signature invalid"), lic.ID
	}

	switch lic.Status {
	case store.StatusActive:
	case store.StatusRevoked:
		return deny(sentlicense.VerdictRevoked, "license revoked"), lic.ID
	default:
		return deny(sentlicense.VerdictExpired, "license expired"), lic.ID
	}

	now := a.now().UTC()
	if lic.ExpiresAt != nil && now.After(*lic.ExpiresAt) {
		if err := a.store.SetLicenseStatus(ctx, lic.ID, store.StatusExpired); err != nil {
			a.log.Error("expire license", slog.String("error", err.Error()))
		}
		return deny(sentlicense.VerdictExpired, "license expired"), lic.ID
	}

	cap := 0
	if lic.Type == store.TypeTrial {
		cap = a.trialCap
	}
	count, err := a.store.IncrementValidation(ctx, lic.ID, cap, now)
	switch {
	case errors.Is(err, store.ErrCapReached):
		return deny(sentlicense.VerdictTrialExceeded, "trial validation limit reached"), lic.ID
	case errors.Is(err, store.ErrNotFound):
		// The license stopped being active between the status check and
		// the increment; report the revocation.
		return deny(sentlicense.VerdictRevoked, "license revoked"), lic.ID
	case err != nil:
		a.log.Error("increment validation", slog.String("error", err.Error()))
		return deny(sentlicense.VerdictInvalid, "validation unavailable"), lic.ID
	}

	token, err := a.sealer.SealToken(in.Nonce, now)
	if err != nil {
		a.log.Error("seal freshness token", slog.String("error", err.Error()))
		return deny(sentlicense.VerdictInvalid, "validation unavailable"), lic.ID
	}

	a.log.Debug("license validated",
		slog.String("license_id", lic.ID),
		slog.Int("validation_count", count),
	)
	return ValidateResult{
		Verdict: sentlicense.VerdictValid,
		Message: "license validated",
		Token:   token,
	}, lic.ID
}

// Status returns the stored record for the admin status endpoint.
func (a *Authority) Status(ctx context.Context, licenseID string) (*store.License, error) {
	lic, err := a.store.GetLicense(ctx, licenseID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrLicenseNotFound
	}
	return lic, err
}

// Attempts returns the audit trail for a license since the given time,
// newest last. Used for abuse analysis.
func (a *Authority) Attempts(ctx context.Context, licenseID string, since time.Time) ([]store.Attempt, error) {
	return a.store.ListAttempts(ctx, licenseID, since)
}

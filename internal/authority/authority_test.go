package authority

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SentinelSoftworks/sentinel-license-engine/internal/store"
	"github.com/SentinelSoftworks/sentinel-license-engine/sentlicense"
)

const (
	testFingerprint = "fp-test-0001"
	testInstall     = "install-0001"
)

func newTestAuthority(t *testing.T, st store.Store) *Authority {
	t.Helper()
	a, err := New(st, Config{
		SealSecret:    []byte("seal-secret-0123456789abcdef"),
		SigningSecret: []byte("sign-secret-0123456789abcdef"),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return a
}

func seedCustomer(t *testing.T, st store.Store, id string) {
	t.Helper()
	require.NoError(t, st.CreateCustomer(context.Background(), store.Customer{
		ID:        id,
		Name:      "Acme Corp",
		Email:     "ops@acme.test",
		Status:    store.CustomerActive,
		CreatedAt: time.Now().UTC(),
	}))
}

func issueTestLicense(t *testing.T, a *Authority, typ string) *store.License {
	t.Helper()
	lic, err := a.Generate(context.Background(), GenerateInput{
		CustomerID:     "cust-1",
		InstallationID: testInstall,
		Fingerprint:    testFingerprint,
		Type:           typ,
		Features:       []string{"export", "reporting"},
	})
	require.NoError(t, err)
	return lic
}

func validateInput(lic *store.License) ValidateInput {
	return ValidateInput{
		Blob:           lic.Blob,
		InstallationID: lic.InstallationID,
		Nonce:          "nonce-1",
		Timestamp:      time.Now().Unix(),
		SourceAddr:     "203.0.113.9",
		UserAgent:      "sentinel-license-engine-go/1.0",
	}
}

func TestGenerate(t *testing.T) {
	st := store.NewMemStore()
	a := newTestAuthority(t, st)
	seedCustomer(t, st, "cust-1")

	lic := issueTestLicense(t, a, store.TypePaidLifetime)
	assert.NotEmpty(t, lic.ID)
	assert.Equal(t, store.StatusActive, lic.Status)
	assert.Nil(t, lic.ExpiresAt)
	assert.NotEmpty(t, lic.Blob)
	assert.NotEmpty(t, lic.Signature)

	stored, err := st.GetLicense(context.Background(), lic.ID)
	require.NoError(t, err)
	assert.Equal(t, lic.Blob, stored.Blob)
}

func TestGenerateTrialGetsExpiry(t *testing.T) {
	st := store.NewMemStore()
	a := newTestAuthority(t, st)
	seedCustomer(t, st, "cust-1")

	lic := issueTestLicense(t, a, store.TypeTrial)
	require.NotNil(t, lic.ExpiresAt)
	assert.WithinDuration(t, lic.IssuedAt.Add(DefaultTrialValidity), *lic.ExpiresAt, time.Second)
}

func TestGenerateUnknownCustomer(t *testing.T) {
	st := store.NewMemStore()
	a := newTestAuthority(t, st)

	_, err := a.Generate(context.Background(), GenerateInput{
		CustomerID:     "nope",
		InstallationID: testInstall,
		Fingerprint:    testFingerprint,
		Type:           store.TypeTrial,
	})
	assert.ErrorIs(t, err, ErrCustomerNotFound)
}

func TestGenerateSuspendedCustomer(t *testing.T) {
	st := store.NewMemStore()
	a := newTestAuthority(t, st)
	seedCustomer(t, st, "cust-1")
	require.NoError(t, st.SetCustomerStatus(context.Background(), "cust-1", store.CustomerSuspended))

	_, err := a.Generate(context.Background(), GenerateInput{
		CustomerID:     "cust-1",
		InstallationID: testInstall,
		Fingerprint:    testFingerprint,
		Type:           store.TypeTrial,
	})
	assert.ErrorIs(t, err, ErrCustomerSuspended)
}

func TestGenerateBadType(t *testing.T) {
	st := store.NewMemStore()
	a := newTestAuthority(t, st)
	seedCustomer(t, st, "cust-1")

	_, err := a.Generate(context.Background(), GenerateInput{
		CustomerID:     "cust-1",
		InstallationID: testInstall,
		Fingerprint:    testFingerprint,
		Type:           "subscription",
	})
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestValidateHappyPath(t *testing.T) {
	st := store.NewMemStore()
	a := newTestAuthority(t, st)
	seedCustomer(t, st, "cust-1")
	lic := issueTestLicense(t, a, store.TypePaidLifetime)

	res := a.Validate(context.Background(), validateInput(lic))
	assert.Equal(t, sentlicense.VerdictValid, res.Verdict)
	assert.NotEmpty(t, res.Token)

	// The token must open back to the request nonce.
	nonce, err := a.sealer.OpenToken(res.Token, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "nonce-1", nonce)

	stored, err := st.GetLicense(context.Background(), lic.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ValidationCount)
}

func TestValidateAppendsAttemptOnDenial(t *testing.T) {
	st := store.NewMemStore()
	a := newTestAuthority(t, st)
	seedCustomer(t, st, "cust-1")
	lic := issueTestLicense(t, a, store.TypePaidLifetime)
	require.NoError(t, a.Revoke(context.Background(), lic.ID, "chargeback"))

	res := a.Validate(context.Background(), validateInput(lic))
	assert.Equal(t, sentlicense.VerdictRevoked, res.Verdict)

	attempts, err := a.Attempts(context.Background(), "", time.Time{})
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, string(sentlicense.VerdictRevoked), attempts[0].Result)
	assert.Equal(t, "203.0.113.9", attempts[0].SourceAddr)
	assert.Equal(t, "sentinel-license-engine-go/1.0", attempts[0].UserAgent)
}

func TestValidateUnknownInstallation(t *testing.T) {
	st := store.NewMemStore()
	a := newTestAuthority(t, st)

	res := a.Validate(context.Background(), ValidateInput{
		Blob:           []byte("garbage"),
		InstallationID: "unknown",
		Nonce:          "n",
	})
	assert.Equal(t, sentlicense.VerdictInvalid, res.Verdict)
}

func TestValidateBlacklistShortCircuits(t *testing.T) {
	st := store.NewMemStore()
	a := newTestAuthority(t, st)
	seedCustomer(t, st, "cust-1")
	lic := issueTestLicense(t, a, store.TypePaidLifetime)
	require.NoError(t, a.Revoke(context.Background(), lic.ID, "abuse"))

	// Even a garbage blob is answered with the revocation verdict; the
	// blacklist check runs before any decryption.
	res := a.Validate(context.Background(), ValidateInput{
		Blob:           []byte("garbage"),
		InstallationID: lic.InstallationID,
		Nonce:          "n",
	})
	assert.Equal(t, sentlicense.VerdictRevoked, res.Verdict)
}

func TestValidateTamperedBlob(t *testing.T) {
	st := store.NewMemStore()
	a := newTestAuthority(t, st)
	seedCustomer(t, st, "cust-1")
	lic := issueTestLicense(t, a, store.TypePaidLifetime)

	in := validateInput(lic)
	in.Blob = append([]byte(nil), lic.Blob...)
	in.Blob[len(in.Blob)-1] ^= 0x01

	res := a.Validate(context.Background(), in)
	assert.Equal(t, sentlicense.VerdictTamperDetected, res.Verdict)
}

func TestValidateSignatureMismatch(t *testing.T) {
	st := store.NewMemStore()
	a := newTestAuthority(t, st)
	seedCustomer(t, st, "cust-1")
	lic := issueTestLicense(t, a, store.TypePaidLifetime)

	// Corrupt the stored signature; the blob itself still decrypts.
	bogus := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, st.UpdateBinding(context.Background(), lic.ID, lic.Fingerprint, lic.Blob, bogus))

	res := a.Validate(context.Background(), validateInput(lic))
	assert.Equal(t, sentlicense.VerdictInvalid, res.Verdict)
}

func TestValidateExpiredTrial(t *testing.T) {
	st := store.NewMemStore()
	a := newTestAuthority(t, st)
	seedCustomer(t, st, "cust-1")
	lic := issueTestLicense(t, a, store.TypeTrial)

	a.now = func() time.Time {
		return lic.ExpiresAt.Add(time.Hour)
	}

	res := a.Validate(context.Background(), validateInput(lic))
	assert.Equal(t, sentlicense.VerdictExpired, res.Verdict)

	// The record status flips so later lookups do not re-run the expiry path.
	stored, err := st.GetLicense(context.Background(), lic.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusExpired, stored.Status)
}

func TestValidateTrialCap(t *testing.T) {
	st := store.NewMemStore()
	a := newTestAuthority(t, st)
	a.trialCap = 3
	seedCustomer(t, st, "cust-1")
	lic := issueTestLicense(t, a, store.TypeTrial)

	for i := 0; i < 3; i++ {
		res := a.Validate(context.Background(), validateInput(lic))
		require.Equal(t, sentlicense.VerdictValid, res.Verdict, "validation %d", i+1)
	}
	res := a.Validate(context.Background(), validateInput(lic))
	assert.Equal(t, sentlicense.VerdictTrialExceeded, res.Verdict)
}

func TestValidatePaidLifetimeUncapped(t *testing.T) {
	st := store.NewMemStore()
	a := newTestAuthority(t, st)
	a.trialCap = 2
	seedCustomer(t, st, "cust-1")
	lic := issueTestLicense(t, a, store.TypePaidLifetime)

	for i := 0; i < 10; i++ {
		res := a.Validate(context.Background(), validateInput(lic))
		require.Equal(t, sentlicense.VerdictValid, res.Verdict)
	}
}

func TestRevoke(t *testing.T) {
	st := store.NewMemStore()
	a := newTestAuthority(t, st)
	seedCustomer(t, st, "cust-1")
	lic := issueTestLicense(t, a, store.TypePaidLifetime)

	require.NoError(t, a.Revoke(context.Background(), lic.ID, "refund"))

	stored, err := st.GetLicense(context.Background(), lic.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRevoked, stored.Status)

	// Both identifiers land on the blacklist.
	byLicense, err := st.IsBlacklisted(context.Background(), lic.ID, "")
	require.NoError(t, err)
	assert.True(t, byLicense)
	byInstall, err := st.IsBlacklisted(context.Background(), "", lic.InstallationID)
	require.NoError(t, err)
	assert.True(t, byInstall)
}

func TestRevokeUnknownLicense(t *testing.T) {
	st := store.NewMemStore()
	a := newTestAuthority(t, st)
	err := a.Revoke(context.Background(), "nope", "reason")
	assert.ErrorIs(t, err, ErrLicenseNotFound)
}

func TestRebind(t *testing.T) {
	st := store.NewMemStore()
	a := newTestAuthority(t, st)
	seedCustomer(t, st, "cust-1")
	lic := issueTestLicense(t, a, store.TypePaidLifetime)

	rebound, err := a.Rebind(context.Background(), lic.ID, "fp-new-hardware")
	require.NoError(t, err)
	assert.Equal(t, "fp-new-hardware", rebound.Fingerprint)
	assert.NotEqual(t, lic.Blob, rebound.Blob)

	// The old blob no longer validates against the new binding.
	res := a.Validate(context.Background(), validateInput(lic))
	assert.Equal(t, sentlicense.VerdictHardwareMismatch, res.Verdict)

	// The new blob does.
	res = a.Validate(context.Background(), validateInput(rebound))
	assert.Equal(t, sentlicense.VerdictValid, res.Verdict)
}

func TestRebindRevokedLicense(t *testing.T) {
	st := store.NewMemStore()
	a := newTestAuthority(t, st)
	seedCustomer(t, st, "cust-1")
	lic := issueTestLicense(t, a, store.TypePaidLifetime)
	require.NoError(t, a.Revoke(context.Background(), lic.ID, "abuse"))

	_, err := a.Rebind(context.Background(), lic.ID, "fp-new")
	assert.ErrorIs(t, err, ErrLicenseNotActive)
}

func TestNewRejectsShortSigningSecret(t *testing.T) {
	_, err := New(store.NewMemStore(), Config{
		SealSecret:    []byte("seal-secret-0123456789abcdef"),
		SigningSecret: []byte("short"),
	}, nil)
	assert.Error(t, err)
}

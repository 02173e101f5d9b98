package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLicense(id string) License {
	return License{
		ID:             id,
		CustomerID:     "CUST001",
		InstallationID: "INST001",
		Fingerprint:    "fp-1",
		Type:           TypeTrial,
		Status:         StatusActive,
		IssuedAt:       time.Now().UTC(),
		Features:       []string{"export"},
		Blob:           []byte{0x01, 0x02},
		Signature:      "sig",
	}
}

func TestMemStore_CustomerLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	c := Customer{ID: "CUST001", Name: "Acme", Status: CustomerActive, CreatedAt: time.Now()}
	require.NoError(t, s.CreateCustomer(ctx, c))
	require.ErrorIs(t, s.CreateCustomer(ctx, c), ErrDuplicate)

	got, err := s.GetCustomer(ctx, "CUST001")
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Name)

	require.NoError(t, s.SetCustomerStatus(ctx, "CUST001", CustomerSuspended))
	got, err = s.GetCustomer(ctx, "CUST001")
	require.NoError(t, err)
	assert.Equal(t, CustomerSuspended, got.Status)

	_, err = s.GetCustomer(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStore_LicenseLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	l := newTestLicense("lic-1")
	require.NoError(t, s.CreateLicense(ctx, l))
	require.ErrorIs(t, s.CreateLicense(ctx, l), ErrDuplicate)

	got, err := s.GetLicense(ctx, "lic-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, 0, got.ValidationCount)

	require.NoError(t, s.SetLicenseStatus(ctx, "lic-1", StatusRevoked))
	got, err = s.GetLicense(ctx, "lic-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, got.Status)

	require.NoError(t, s.UpdateBinding(ctx, "lic-1", "fp-2", []byte{0x03}, "sig2"))
	got, err = s.GetLicense(ctx, "lic-1")
	require.NoError(t, err)
	assert.Equal(t, "fp-2", got.Fingerprint)
}

func TestMemStore_GetLicenseByInstallation(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	_, err := s.GetLicenseByInstallation(ctx, "INST001")
	assert.ErrorIs(t, err, ErrNotFound)

	old := newTestLicense("lic-old")
	old.Status = StatusRevoked
	old.IssuedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, s.CreateLicense(ctx, old))

	// With only a revoked record it is still returned.
	got, err := s.GetLicenseByInstallation(ctx, "INST001")
	require.NoError(t, err)
	assert.Equal(t, "lic-old", got.ID)

	// An active record wins over the older revoked one.
	require.NoError(t, s.CreateLicense(ctx, newTestLicense("lic-new")))
	got, err = s.GetLicenseByInstallation(ctx, "INST001")
	require.NoError(t, err)
	assert.Equal(t, "lic-new", got.ID)
}

func TestMemStore_IncrementValidation(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.CreateLicense(ctx, newTestLicense("lic-1")))

	for i := 1; i <= 10; i++ {
		n, err := s.IncrementValidation(ctx, "lic-1", 10, time.Now())
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	_, err := s.IncrementValidation(ctx, "lic-1", 10, time.Now())
	assert.ErrorIs(t, err, ErrCapReached)

	// cap 0 means uncapped
	require.NoError(t, s.CreateLicense(ctx, newTestLicense("lic-2")))
	for i := 1; i <= 25; i++ {
		_, err := s.IncrementValidation(ctx, "lic-2", 0, time.Now())
		require.NoError(t, err)
	}

	_, err = s.IncrementValidation(ctx, "missing", 10, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)

	// inactive licenses do not increment
	require.NoError(t, s.SetLicenseStatus(ctx, "lic-2", StatusRevoked))
	_, err = s.IncrementValidation(ctx, "lic-2", 0, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStore_IncrementValidation_Concurrent(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	l := newTestLicense("lic-1")
	l.ValidationCount = 9
	require.NoError(t, s.CreateLicense(ctx, l))

	const n = 16
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = s.IncrementValidation(ctx, "lic-1", 10, time.Now())
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		} else {
			require.True(t, errors.Is(err, ErrCapReached))
		}
	}
	assert.Equal(t, 1, successes, "exactly one increment may win at the cap boundary")

	got, err := s.GetLicense(ctx, "lic-1")
	require.NoError(t, err)
	assert.Equal(t, 10, got.ValidationCount)
}

func TestMemStore_Blacklist(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	found, err := s.IsBlacklisted(ctx, "lic-1", "INST001")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.AddBlacklist(ctx, BlacklistEntry{
		LicenseID: "lic-1", InstallationID: "INST001",
		Reason: "fraud", RevokedAt: time.Now(),
	}))

	found, err = s.IsBlacklisted(ctx, "lic-1", "")
	require.NoError(t, err)
	assert.True(t, found, "lookup by license id")

	found, err = s.IsBlacklisted(ctx, "", "INST001")
	require.NoError(t, err)
	assert.True(t, found, "lookup by installation id")

	found, err = s.IsBlacklisted(ctx, "other", "OTHER")
	require.NoError(t, err)
	assert.False(t, found)

	// empty keys never match anything
	found, err = s.IsBlacklisted(ctx, "", "")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemStore_Attempts(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	base := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendAttempt(ctx, Attempt{
			Timestamp:      base.Add(time.Duration(i) * time.Hour),
			LicenseID:      "lic-1",
			InstallationID: "INST001",
			Result:         "Valid",
			SourceAddr:     "10.0.0.1",
		}))
	}
	require.NoError(t, s.AppendAttempt(ctx, Attempt{
		Timestamp: base, LicenseID: "lic-2", Result: "Revoked",
	}))

	attempts, err := s.ListAttempts(ctx, "lic-1", base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, attempts, 3)

	attempts, err = s.ListAttempts(ctx, "lic-1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, attempts, 5)
}

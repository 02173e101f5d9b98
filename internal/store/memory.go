package store

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-memory Store. It backs tests and single-binary
// evaluation deployments; nothing survives a restart.
type MemStore struct {
	mu        sync.Mutex
	customers map[string]Customer
	licenses  map[string]License
	blacklist []BlacklistEntry
	attempts  []Attempt
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		customers: make(map[string]Customer),
		licenses:  make(map[string]License),
	}
}

func (m *MemStore) CreateCustomer(_ context.Context, c Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.customers[c.ID]; ok {
		return ErrDuplicate
	}
	m.customers[c.ID] = c
	return nil
}

func (m *MemStore) GetCustomer(_ context.Context, id string) (*Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *MemStore) SetCustomerStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	m.customers[id] = c
	return nil
}

func (m *MemStore) CreateLicense(_ context.Context, l License) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.licenses[l.ID]; ok {
		return ErrDuplicate
	}
	m.licenses[l.ID] = l
	return nil
}

func (m *MemStore) GetLicense(_ context.Context, id string) (*License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.licenses[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &l, nil
}

func (m *MemStore) GetLicenseByInstallation(_ context.Context, installationID string) (*License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *License
	for id := range m.licenses {
		l := m.licenses[id]
		if l.InstallationID != installationID {
			continue
		}
		switch {
		case best == nil:
			best = &l
		case l.Status == StatusActive && best.Status != StatusActive:
			best = &l
		case l.Status == best.Status && l.IssuedAt.After(best.IssuedAt):
			best = &l
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	out := *best
	return &out, nil
}

func (m *MemStore) SetLicenseStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.licenses[id]
	if !ok {
		return ErrNotFound
	}
	l.Status = status
	m.licenses[id] = l
	return nil
}

func (m *MemStore) UpdateBinding(_ context.Context, id, fingerprint string, blob []byte, signature string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.licenses[id]
	if !ok {
		return ErrNotFound
	}
	l.Fingerprint = fingerprint
	l.Blob = blob
	l.Signature = signature
	m.licenses[id] = l
	return nil
}

func (m *MemStore) IncrementValidation(_ context.Context, id string, cap int, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.licenses[id]
	if !ok || l.Status != StatusActive {
		return 0, ErrNotFound
	}
	if cap > 0 && l.ValidationCount >= cap {
		return 0, ErrCapReached
	}
	l.ValidationCount++
	l.LastValidatedAt = &at
	m.licenses[id] = l
	return l.ValidationCount, nil
}

func (m *MemStore) AddBlacklist(_ context.Context, e BlacklistEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blacklist = append(m.blacklist, e)
	return nil
}

func (m *MemStore) IsBlacklisted(_ context.Context, licenseID, installationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.blacklist {
		if licenseID != "" && e.LicenseID == licenseID {
			return true, nil
		}
		if installationID != "" && e.InstallationID == installationID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) AppendAttempt(_ context.Context, a Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, a)
	return nil
}

func (m *MemStore) ListAttempts(_ context.Context, licenseID string, since time.Time) ([]Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Attempt
	for _, a := range m.attempts {
		if a.LicenseID == licenseID && !a.Timestamp.Before(since) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemStore) Close(_ context.Context) error { return nil }

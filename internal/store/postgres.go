package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed store. It auto-creates the
// tables and indexes on initialization.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS sentinel_customers (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			email      TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS sentinel_licenses (
			id                TEXT PRIMARY KEY,
			customer_id       TEXT NOT NULL REFERENCES sentinel_customers(id),
			installation_id   TEXT NOT NULL,
			fingerprint       TEXT NOT NULL,
			type              TEXT NOT NULL,
			status            TEXT NOT NULL,
			issued_at         TIMESTAMPTZ NOT NULL,
			expires_at        TIMESTAMPTZ,
			features          TEXT[] NOT NULL DEFAULT '{}',
			validation_count  INTEGER NOT NULL DEFAULT 0,
			last_validated_at TIMESTAMPTZ,
			blob              BYTEA NOT NULL,
			signature         TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sentinel_licenses_installation
			ON sentinel_licenses (installation_id);
		CREATE TABLE IF NOT EXISTS sentinel_blacklist (
			license_id      TEXT,
			installation_id TEXT,
			reason          TEXT NOT NULL,
			revoked_at      TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sentinel_blacklist_license
			ON sentinel_blacklist (license_id);
		CREATE INDEX IF NOT EXISTS idx_sentinel_blacklist_installation
			ON sentinel_blacklist (installation_id);
		CREATE TABLE IF NOT EXISTS sentinel_attempts (
			ts              TIMESTAMPTZ NOT NULL,
			license_id      TEXT NOT NULL,
			installation_id TEXT NOT NULL,
			result          TEXT NOT NULL,
			source_addr     TEXT NOT NULL DEFAULT '',
			user_agent      TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_sentinel_attempts_license_ts
			ON sentinel_attempts (license_id, ts);
	`
	_, err := s.pool.Exec(ctx, query)
	return err
}

func (s *PostgresStore) CreateCustomer(ctx context.Context, c Customer) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO sentinel_customers (id, name, email, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, c.ID, c.Name, c.Email, c.Status, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("create customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *PostgresStore) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	var c Customer
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, email, status, created_at
		FROM sentinel_customers WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.Email, &c.Status, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) SetCustomerStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sentinel_customers SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set customer status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateLicense(ctx context.Context, l License) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO sentinel_licenses
			(id, customer_id, installation_id, fingerprint, type, status,
			 issued_at, expires_at, features, validation_count, last_validated_at,
			 blob, signature)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING
	`, l.ID, l.CustomerID, l.InstallationID, l.Fingerprint, l.Type, l.Status,
		l.IssuedAt, l.ExpiresAt, l.Features, l.ValidationCount, l.LastValidatedAt,
		l.Blob, l.Signature)
	if err != nil {
		return fmt.Errorf("create license: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *PostgresStore) GetLicense(ctx context.Context, id string) (*License, error) {
	var l License
	err := s.pool.QueryRow(ctx, `
		SELECT id, customer_id, installation_id, fingerprint, type, status,
		       issued_at, expires_at, features, validation_count, last_validated_at,
		       blob, signature
		FROM sentinel_licenses WHERE id = $1
	`, id).Scan(&l.ID, &l.CustomerID, &l.InstallationID, &l.Fingerprint, &l.Type,
		&l.Status, &l.IssuedAt, &l.ExpiresAt, &l.Features, &l.ValidationCount,
		&l.LastValidatedAt, &l.Blob, &l.Signature)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get license: %w", err)
	}
	return &l, nil
}

func (s *PostgresStore) GetLicenseByInstallation(ctx context.Context, installationID string) (*License, error) {
	var l License
	err := s.pool.QueryRow(ctx, `
		SELECT id, customer_id, installation_id, fingerprint, type, status,
		       issued_at, expires_at, features, validation_count, last_validated_at,
		       blob, signature
		FROM sentinel_licenses
		WHERE installation_id = $1
		ORDER BY (status = 'active') DESC, issued_at DESC
		LIMIT 1
	`, installationID).Scan(&l.ID, &l.CustomerID, &l.InstallationID, &l.Fingerprint,
		&l.Type, &l.Status, &l.IssuedAt, &l.ExpiresAt, &l.Features,
		&l.ValidationCount, &l.LastValidatedAt, &l.Blob, &l.Signature)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get license by installation: %w", err)
	}
	return &l, nil
}

func (s *PostgresStore) SetLicenseStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sentinel_licenses SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set license status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateBinding(ctx context.Context, id, fingerprint string, blob []byte, signature string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sentinel_licenses
		SET fingerprint = $2, blob = $3, signature = $4
		WHERE id = $1
	`, id, fingerprint, blob, signature)
	if err != nil {
		return fmt.Errorf("update binding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementValidation relies on a single conditional UPDATE for atomicity:
// the row is locked for the duration of the statement, so concurrent
// increments at the cap boundary serialize and at most one succeeds.
func (s *PostgresStore) IncrementValidation(ctx context.Context, id string, cap int, at time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		UPDATE sentinel_licenses
		SET validation_count = validation_count + 1, last_validated_at = $2
		WHERE id = $1 AND status = 'active'
		  AND ($3 = 0 OR validation_count < $3)
		RETURNING validation_count
	`, id, at, cap).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish a capped license from a missing or inactive one.
		var exists bool
		checkErr := s.pool.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM sentinel_licenses WHERE id = $1 AND status = 'active'
			)
		`, id).Scan(&exists)
		if checkErr != nil {
			return 0, fmt.Errorf("increment validation: %w", checkErr)
		}
		if exists {
			return 0, ErrCapReached
		}
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment validation: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) AddBlacklist(ctx context.Context, e BlacklistEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sentinel_blacklist (license_id, installation_id, reason, revoked_at)
		VALUES ($1, $2, $3, $4)
	`, e.LicenseID, e.InstallationID, e.Reason, e.RevokedAt)
	if err != nil {
		return fmt.Errorf("add blacklist entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsBlacklisted(ctx context.Context, licenseID, installationID string) (bool, error) {
	var found bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sentinel_blacklist
			WHERE (license_id = $1 AND $1 <> '')
			   OR (installation_id = $2 AND $2 <> '')
		)
	`, licenseID, installationID).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("blacklist lookup: %w", err)
	}
	return found, nil
}

func (s *PostgresStore) AppendAttempt(ctx context.Context, a Attempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sentinel_attempts (ts, license_id, installation_id, result, source_addr, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, a.Timestamp, a.LicenseID, a.InstallationID, a.Result, a.SourceAddr, a.UserAgent)
	if err != nil {
		return fmt.Errorf("append attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAttempts(ctx context.Context, licenseID string, since time.Time) ([]Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ts, license_id, installation_id, result, source_addr, user_agent
		FROM sentinel_attempts
		WHERE license_id = $1 AND ts >= $2
		ORDER BY ts
	`, licenseID, since)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.Timestamp, &a.LicenseID, &a.InstallationID,
			&a.Result, &a.SourceAddr, &a.UserAgent); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (s *PostgresStore) Close(_ context.Context) error {
	return nil // caller manages the pgxpool.Pool lifecycle
}

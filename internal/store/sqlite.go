package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using an embedded SQLite database. It is the
// default store for single-host deployments of the authority.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and ensures
// the schema. Writes are serialized through a single connection, which keeps
// the conditional increment atomic without explicit transactions.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS customers (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			email      TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS licenses (
			id                TEXT PRIMARY KEY,
			customer_id       TEXT NOT NULL REFERENCES customers(id),
			installation_id   TEXT NOT NULL,
			fingerprint       TEXT NOT NULL,
			type              TEXT NOT NULL,
			status            TEXT NOT NULL,
			issued_at         TIMESTAMP NOT NULL,
			expires_at        TIMESTAMP,
			features          TEXT NOT NULL DEFAULT '',
			validation_count  INTEGER NOT NULL DEFAULT 0,
			last_validated_at TIMESTAMP,
			blob              BLOB NOT NULL,
			signature         TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_licenses_installation ON licenses (installation_id);
		CREATE TABLE IF NOT EXISTS blacklist (
			license_id      TEXT,
			installation_id TEXT,
			reason          TEXT NOT NULL,
			revoked_at      TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_blacklist_license ON blacklist (license_id);
		CREATE INDEX IF NOT EXISTS idx_blacklist_installation ON blacklist (installation_id);
		CREATE TABLE IF NOT EXISTS attempts (
			ts              TIMESTAMP NOT NULL,
			license_id      TEXT NOT NULL,
			installation_id TEXT NOT NULL,
			result          TEXT NOT NULL,
			source_addr     TEXT NOT NULL DEFAULT '',
			user_agent      TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_attempts_license_ts ON attempts (license_id, ts);
	`)
	return err
}

func (s *SQLiteStore) CreateCustomer(ctx context.Context, c Customer) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO customers (id, name, email, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, c.ID, c.Name, c.Email, c.Status, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("create customer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *SQLiteStore) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	var c Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, status, created_at FROM customers WHERE id = ?
	`, id).Scan(&c.ID, &c.Name, &c.Email, &c.Status, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return &c, nil
}

func (s *SQLiteStore) SetCustomerStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE customers SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set customer status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CreateLicense(ctx context.Context, l License) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO licenses
			(id, customer_id, installation_id, fingerprint, type, status,
			 issued_at, expires_at, features, validation_count, last_validated_at,
			 blob, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.CustomerID, l.InstallationID, l.Fingerprint, l.Type, l.Status,
		l.IssuedAt, nullTime(l.ExpiresAt), strings.Join(l.Features, ","),
		l.ValidationCount, nullTime(l.LastValidatedAt), l.Blob, l.Signature)
	if err != nil {
		return fmt.Errorf("create license: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *SQLiteStore) GetLicense(ctx context.Context, id string) (*License, error) {
	var (
		l         License
		features  string
		expires   sql.NullTime
		validated sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, customer_id, installation_id, fingerprint, type, status,
		       issued_at, expires_at, features, validation_count, last_validated_at,
		       blob, signature
		FROM licenses WHERE id = ?
	`, id).Scan(&l.ID, &l.CustomerID, &l.InstallationID, &l.Fingerprint, &l.Type,
		&l.Status, &l.IssuedAt, &expires, &features, &l.ValidationCount,
		&validated, &l.Blob, &l.Signature)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get license: %w", err)
	}
	if features != "" {
		l.Features = strings.Split(features, ",")
	}
	if expires.Valid {
		l.ExpiresAt = &expires.Time
	}
	if validated.Valid {
		l.LastValidatedAt = &validated.Time
	}
	return &l, nil
}

func (s *SQLiteStore) GetLicenseByInstallation(ctx context.Context, installationID string) (*License, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM licenses
		WHERE installation_id = ?
		ORDER BY (status = 'active') DESC, issued_at DESC
		LIMIT 1
	`, installationID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get license by installation: %w", err)
	}
	return s.GetLicense(ctx, id)
}

func (s *SQLiteStore) SetLicenseStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set license status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) UpdateBinding(ctx context.Context, id, fingerprint string, blob []byte, signature string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE licenses SET fingerprint = ?, blob = ?, signature = ? WHERE id = ?
	`, fingerprint, blob, signature, id)
	if err != nil {
		return fmt.Errorf("update binding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) IncrementValidation(ctx context.Context, id string, cap int, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE licenses
		SET validation_count = validation_count + 1, last_validated_at = ?
		WHERE id = ? AND status = 'active'
		  AND (? = 0 OR validation_count < ?)
	`, at, id, cap, cap)
	if err != nil {
		return 0, fmt.Errorf("increment validation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		checkErr := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM licenses WHERE id = ? AND status = 'active'`, id).Scan(&exists)
		if checkErr != nil {
			return 0, fmt.Errorf("increment validation: %w", checkErr)
		}
		if exists > 0 {
			return 0, ErrCapReached
		}
		return 0, ErrNotFound
	}

	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT validation_count FROM licenses WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("increment validation: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) AddBlacklist(ctx context.Context, e BlacklistEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blacklist (license_id, installation_id, reason, revoked_at)
		VALUES (?, ?, ?, ?)
	`, e.LicenseID, e.InstallationID, e.Reason, e.RevokedAt)
	if err != nil {
		return fmt.Errorf("add blacklist entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) IsBlacklisted(ctx context.Context, licenseID, installationID string) (bool, error) {
	var found int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM blacklist
		WHERE (license_id = ? AND ? <> '')
		   OR (installation_id = ? AND ? <> '')
	`, licenseID, licenseID, installationID, installationID).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("blacklist lookup: %w", err)
	}
	return found > 0, nil
}

func (s *SQLiteStore) AppendAttempt(ctx context.Context, a Attempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (ts, license_id, installation_id, result, source_addr, user_agent)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.Timestamp, a.LicenseID, a.InstallationID, a.Result, a.SourceAddr, a.UserAgent)
	if err != nil {
		return fmt.Errorf("append attempt: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, licenseID string, since time.Time) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, license_id, installation_id, result, source_addr, user_agent
		FROM attempts
		WHERE license_id = ? AND ts >= ?
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

func (s *SQLiteStore) Close(_ context.Context) error {
	return s.db.Close()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

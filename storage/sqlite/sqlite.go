// Package sqlite implements storage.Store and storage.BlobStore backed by a
// SQLite database. The unique index on (document_id, sig_index) backstops the
// ledger's contiguity invariant at the storage layer.
package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sealdoc/sealdoc/storage"
)

// Store persists records in a SQLite database.
type Store struct {
	db *sql.DB
}

var (
	_ storage.Store     = (*Store)(nil)
	_ storage.BlobStore = (*Store)(nil)
)

// Open opens the database at path, applies connection pragmas and ensures the
// schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying %q: %w", strings.TrimSuffix(pragma, ";"), err)
		}
	}
	if err := createSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func createSchema(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS certificates (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		archive BLOB NOT NULL,
		passphrase TEXT NOT NULL,
		serial_number TEXT NOT NULL,
		common_name TEXT NOT NULL,
		issued_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		revoked_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_certificates_user_status ON certificates(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_certificates_status_expires ON certificates(status, expires_at);

	CREATE TABLE IF NOT EXISTS org_certificates (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		is_default INTEGER NOT NULL DEFAULT 0,
		archive BLOB NOT NULL,
		passphrase TEXT NOT NULL,
		serial_number TEXT NOT NULL,
		common_name TEXT NOT NULL,
		issued_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		revoked_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_org_certificates_org ON org_certificates(org_id, is_default);

	CREATE TABLE IF NOT EXISTS signatures (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		recipient_id TEXT,
		field_id TEXT,
		certificate_id TEXT,
		org_certificate_id TEXT,
		sig_index INTEGER NOT NULL,
		reason TEXT,
		location TEXT,
		contact_info TEXT,
		signed_at TIMESTAMP NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS uniq_signatures_doc_index ON signatures(document_id, sig_index);
	CREATE INDEX IF NOT EXISTS idx_signatures_doc_recipient ON signatures(document_id, recipient_id);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		title TEXT NOT NULL,
		status TEXT NOT NULL,
		original_blob TEXT NOT NULL DEFAULT '',
		current_blob TEXT NOT NULL DEFAULT '',
		recipients TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS blobs (
		handle TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		mime_type TEXT NOT NULL,
		data BLOB NOT NULL
	);
	`
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return tx.Commit()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func (s *Store) PutCertificate(ctx context.Context, cert *storage.Certificate) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO certificates (id, user_id, archive, passphrase, serial_number, common_name, issued_at, expires_at, status, revoked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, revoked_at = excluded.revoked_at`,
		cert.ID, cert.UserID, cert.Archive, cert.Passphrase, cert.SerialNumber,
		cert.CommonName, cert.IssuedAt, cert.ExpiresAt, string(cert.Status), nullableTime(cert.RevokedAt))
	return err
}

func scanCertificate(row interface{ Scan(...any) error }) (*storage.Certificate, error) {
	var cert storage.Certificate
	var status string
	var revokedAt sql.NullTime
	err := row.Scan(&cert.ID, &cert.UserID, &cert.Archive, &cert.Passphrase,
		&cert.SerialNumber, &cert.CommonName, &cert.IssuedAt, &cert.ExpiresAt,
		&status, &revokedAt)
	if err != nil {
		return nil, err
	}
	cert.Status = storage.CertStatus(status)
	if revokedAt.Valid {
		t := revokedAt.Time
		cert.RevokedAt = &t
	}
	return &cert, nil
}

const certColumns = `id, user_id, archive, passphrase, serial_number, common_name, issued_at, expires_at, status, revoked_at`

func (s *Store) GetCertificate(ctx context.Context, id string) (*storage.Certificate, error) {
	cert, err := scanCertificate(s.db.QueryRowContext(ctx,
		`SELECT `+certColumns+` FROM certificates WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("certificate %s: %w", id, storage.ErrNotFound)
	}
	return cert, err
}

func (s *Store) ActiveCertificate(ctx context.Context, userID string, now time.Time) (*storage.Certificate, error) {
	cert, err := scanCertificate(s.db.QueryRowContext(ctx,
		`SELECT `+certColumns+` FROM certificates
		 WHERE user_id = ? AND status = ? AND expires_at > ?
		 ORDER BY expires_at DESC LIMIT 1`,
		userID, string(storage.CertActive), now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active certificate for user %s: %w", userID, storage.ErrNotFound)
	}
	return cert, err
}

func (s *Store) CertificatesByStatus(ctx context.Context, status storage.CertStatus) ([]*storage.Certificate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+certColumns+` FROM certificates WHERE status = ?`, string(status))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*storage.Certificate
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cert)
	}
	return out, rows.Err()
}

func (s *Store) PutOrgCertificate(ctx context.Context, cert *storage.OrgCertificate) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO org_certificates (id, org_id, is_default, archive, passphrase, serial_number, common_name, issued_at, expires_at, status, revoked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET is_default = excluded.is_default, status = excluded.status, revoked_at = excluded.revoked_at`,
		cert.ID, cert.OrgID, cert.Default, cert.Archive, cert.Passphrase,
		cert.SerialNumber, cert.CommonName, cert.IssuedAt, cert.ExpiresAt,
		string(cert.Status), nullableTime(cert.RevokedAt))
	return err
}

func scanOrgCertificate(row interface{ Scan(...any) error }) (*storage.OrgCertificate, error) {
	var cert storage.OrgCertificate
	var status string
	var revokedAt sql.NullTime
	err := row.Scan(&cert.ID, &cert.OrgID, &cert.Default, &cert.Archive,
		&cert.Passphrase, &cert.SerialNumber, &cert.CommonName,
		&cert.IssuedAt, &cert.ExpiresAt, &status, &revokedAt)
	if err != nil {
		return nil, err
	}
	cert.Status = storage.CertStatus(status)
	if revokedAt.Valid {
		t := revokedAt.Time
		cert.RevokedAt = &t
	}
	return &cert, nil
}

const orgCertColumns = `id, org_id, is_default, archive, passphrase, serial_number, common_name, issued_at, expires_at, status, revoked_at`

func (s *Store) GetOrgCertificate(ctx context.Context, id string) (*storage.OrgCertificate, error) {
	cert, err := scanOrgCertificate(s.db.QueryRowContext(ctx,
		`SELECT `+orgCertColumns+` FROM org_certificates WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("org certificate %s: %w", id, storage.ErrNotFound)
	}
	return cert, err
}

func (s *Store) DefaultOrgCertificate(ctx context.Context, orgID string) (*storage.OrgCertificate, error) {
	cert, err := scanOrgCertificate(s.db.QueryRowContext(ctx,
		`SELECT `+orgCertColumns+` FROM org_certificates
		 WHERE org_id = ? AND is_default = 1 LIMIT 1`, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("default org certificate for %s: %w", orgID, storage.ErrNotFound)
	}
	return cert, err
}

func (s *Store) AppendSignature(ctx context.Context, rec *storage.SignatureRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO signatures (id, document_id, recipient_id, field_id, certificate_id, org_certificate_id, sig_index, reason, location, contact_info, signed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.DocumentID, rec.RecipientID, rec.FieldID, rec.CertificateID,
		rec.OrgCertificateID, rec.Index, rec.Reason, rec.Location, rec.ContactInfo, rec.SignedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("document %s index %d: %w", rec.DocumentID, rec.Index, storage.ErrDuplicateIndex)
	}
	return err
}

func (s *Store) SignaturesByDocument(ctx context.Context, documentID string) ([]*storage.SignatureRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, recipient_id, field_id, certificate_id, org_certificate_id, sig_index, reason, location, contact_info, signed_at
		 FROM signatures WHERE document_id = ? ORDER BY sig_index ASC`, documentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*storage.SignatureRecord
	for rows.Next() {
		var rec storage.SignatureRecord
		err := rows.Scan(&rec.ID, &rec.DocumentID, &rec.RecipientID, &rec.FieldID,
			&rec.CertificateID, &rec.OrgCertificateID, &rec.Index,
			&rec.Reason, &rec.Location, &rec.ContactInfo, &rec.SignedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *Store) PutDocument(ctx context.Context, doc *storage.Document) error {
	recipients, err := json.Marshal(doc.Recipients)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (id, org_id, title, status, original_blob, current_blob, recipients)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status,
			original_blob = excluded.original_blob,
			current_blob = excluded.current_blob,
			recipients = excluded.recipients`,
		doc.ID, doc.OrgID, doc.Title, string(doc.Status), doc.OriginalBlob, doc.CurrentBlob, string(recipients))
	return err
}

func (s *Store) GetDocument(ctx context.Context, id string) (*storage.Document, error) {
	var doc storage.Document
	var status, recipients string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, title, status, original_blob, current_blob, recipients
		 FROM documents WHERE id = ?`, id).
		Scan(&doc.ID, &doc.OrgID, &doc.Title, &status, &doc.OriginalBlob, &doc.CurrentBlob, &recipients)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	doc.Status = storage.DocStatus(status)
	if err := json.Unmarshal([]byte(recipients), &doc.Recipients); err != nil {
		return nil, fmt.Errorf("decoding recipients: %w", err)
	}
	return &doc, nil
}

func (s *Store) TransitionDocument(ctx context.Context, id string, from []storage.DocStatus, to storage.DocStatus) error {
	placeholders := make([]string, len(from))
	args := []any{string(to), id}
	for i, f := range from {
		placeholders[i] = "?"
		args = append(args, string(f))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ? WHERE id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)`,
		args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetDocument(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("document %s: %w", id, storage.ErrConflict)
	}
	return nil
}

func (s *Store) GetBlob(ctx context.Context, handle string) ([]byte, string, error) {
	var data []byte
	var mime string
	err := s.db.QueryRowContext(ctx,
		`SELECT data, mime_type FROM blobs WHERE handle = ?`, handle).Scan(&data, &mime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("blob %s: %w", handle, storage.ErrNotFound)
	}
	if err != nil {
		return nil, "", err
	}
	return data, mime, nil
}

func (s *Store) PutBlob(ctx context.Context, name, mimeType string, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	handle := hex.EncodeToString(sum[:])
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs (handle, name, mime_type, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT(handle) DO NOTHING`,
		handle, name, mimeType, data)
	if err != nil {
		return "", err
	}
	return handle, nil
}

// Package certs manages the lifecycle of per-user and organizational signing
// certificates: provisioning through the CA client, encryption at rest
// through the vault, expiry sweeps and revocation.
package certs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sealdoc/sealdoc/scepca"
	"github.com/sealdoc/sealdoc/sign"
	"github.com/sealdoc/sealdoc/storage"
	"github.com/sealdoc/sealdoc/vault"

	"github.com/google/uuid"
)

// ErrInvalidState is returned when a lifecycle transition is not allowed,
// e.g. revoking an already revoked certificate. Revocation is terminal.
var ErrInvalidState = errors.New("certs: invalid certificate state")

// CAClient is the slice of the certificate authority client the manager
// needs. *scepca.Client satisfies it.
type CAClient interface {
	RequestCertificate(ctx context.Context, subject scepca.Subject) (*scepca.Issued, error)
	Revoke(ctx context.Context, serialNumber, reason string) error
}

// Secret is decrypted credential material: the PKCS#12 archive and its
// passphrase. It is only ever produced when a caller explicitly asks for it.
type Secret struct {
	Archive    []byte
	Passphrase string
}

// Manager owns certificate state transitions.
type Manager struct {
	store  storage.Store
	ca     CAClient
	vault  *vault.Vault
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
}

// NewManager wires a Manager.
func NewManager(store storage.Store, ca CAClient, v *vault.Vault, logger *zap.Logger) *Manager {
	return &Manager{
		store:     store,
		ca:        ca,
		vault:     v,
		logger:    logger.With(zap.String("component", "certs")),
		now:       time.Now,
		userLocks: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		m.userLocks[userID] = lock
	}
	return lock
}

// Provision returns the user's active certificate, enrolling a new one when
// none exists. It is idempotent and serialized per user: two concurrent calls
// for the same user cannot both create a live certificate. No partial row is
// persisted when the CA fails.
func (m *Manager) Provision(ctx context.Context, userID string) (*storage.Certificate, error) {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if existing, err := m.store.ActiveCertificate(ctx, userID, m.now()); err == nil {
		return existing, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	issued, err := m.ca.RequestCertificate(ctx, scepca.Subject{CommonName: userID})
	if err != nil {
		return nil, fmt.Errorf("requesting certificate for user %s: %w", userID, err)
	}

	encArchive, err := m.vault.Encrypt(issued.Archive)
	if err != nil {
		return nil, fmt.Errorf("encrypting archive: %w", err)
	}
	encPassphrase, err := m.vault.EncryptString(issued.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("encrypting passphrase: %w", err)
	}

	cert := &storage.Certificate{
		ID:           uuid.NewString(),
		UserID:       userID,
		Archive:      encArchive,
		Passphrase:   encPassphrase,
		SerialNumber: issued.SerialNumber,
		CommonName:   issued.CommonName,
		IssuedAt:     issued.IssuedAt,
		ExpiresAt:    issued.ExpiresAt,
		Status:       storage.CertActive,
	}
	if err := m.store.PutCertificate(ctx, cert); err != nil {
		return nil, fmt.Errorf("persisting certificate: %w", err)
	}
	m.logger.Info("certificate provisioned",
		zap.String("user_id", userID),
		zap.String("certificate_id", cert.ID),
		zap.String("serial", cert.SerialNumber),
		zap.Time("expires_at", cert.ExpiresAt))
	return cert, nil
}

// GetActive returns the user's active, unexpired certificate. When
// includeSecret is false the returned record has its encrypted material
// blanked and no decrypted secret is produced, so listing endpoints can
// never leak key material. Returns storage.ErrNotFound when there is none.
func (m *Manager) GetActive(ctx context.Context, userID string, includeSecret bool) (*storage.Certificate, *Secret, error) {
	cert, err := m.store.ActiveCertificate(ctx, userID, m.now())
	if err != nil {
		return nil, nil, err
	}
	if !includeSecret {
		cert.Archive = nil
		cert.Passphrase = ""
		return cert, nil, nil
	}
	secret, err := m.DecryptSecret(cert.Archive, cert.Passphrase)
	if err != nil {
		return nil, nil, err
	}
	return cert, secret, nil
}

// DecryptSecret decrypts an encrypted archive and passphrase pair.
func (m *Manager) DecryptSecret(archive []byte, passphrase string) (*Secret, error) {
	plainArchive, err := m.vault.Decrypt(archive)
	if err != nil {
		return nil, fmt.Errorf("decrypting archive: %w", err)
	}
	plainPassphrase, err := m.vault.DecryptString(passphrase)
	if err != nil {
		return nil, fmt.Errorf("decrypting passphrase: %w", err)
	}
	return &Secret{Archive: plainArchive, Passphrase: plainPassphrase}, nil
}

// CertificateSecret looks up any certificate by id and decrypts its material.
// Used by signature replay, which must be able to re-sign with certificates
// that are no longer active.
func (m *Manager) CertificateSecret(ctx context.Context, certID string) (*storage.Certificate, *Secret, error) {
	cert, err := m.store.GetCertificate(ctx, certID)
	if err != nil {
		return nil, nil, err
	}
	secret, err := m.DecryptSecret(cert.Archive, cert.Passphrase)
	if err != nil {
		return nil, nil, err
	}
	return cert, secret, nil
}

// OrgCertificateSecret looks up an organization certificate by id and
// decrypts its material.
func (m *Manager) OrgCertificateSecret(ctx context.Context, certID string) (*storage.OrgCertificate, *Secret, error) {
	cert, err := m.store.GetOrgCertificate(ctx, certID)
	if err != nil {
		return nil, nil, err
	}
	secret, err := m.DecryptSecret(cert.Archive, cert.Passphrase)
	if err != nil {
		return nil, nil, err
	}
	return cert, secret, nil
}

// DefaultOrgSecret resolves the org's default certificate and decrypts it.
func (m *Manager) DefaultOrgSecret(ctx context.Context, orgID string) (*storage.OrgCertificate, *Secret, error) {
	cert, err := m.store.DefaultOrgCertificate(ctx, orgID)
	if err != nil {
		return nil, nil, err
	}
	secret, err := m.DecryptSecret(cert.Archive, cert.Passphrase)
	if err != nil {
		return nil, nil, err
	}
	return cert, secret, nil
}

// RegisterOrgCertificate encrypts an externally supplied PKCS#12 archive and
// persists it as an organization certificate, so later replays can resolve
// the credential through the store like any other. The archive is decoded
// once to pull out serial, subject and validity.
func (m *Manager) RegisterOrgCertificate(ctx context.Context, orgID string, archive []byte, passphrase string, isDefault bool) (*storage.OrgCertificate, error) {
	cred, err := sign.LoadCredential(archive, passphrase)
	if err != nil {
		return nil, err
	}

	encArchive, err := m.vault.Encrypt(archive)
	if err != nil {
		return nil, fmt.Errorf("encrypting archive: %w", err)
	}
	encPassphrase, err := m.vault.EncryptString(passphrase)
	if err != nil {
		return nil, fmt.Errorf("encrypting passphrase: %w", err)
	}

	cert := &storage.OrgCertificate{
		Certificate: storage.Certificate{
			ID:           uuid.NewString(),
			Archive:      encArchive,
			Passphrase:   encPassphrase,
			SerialNumber: cred.Certificate.SerialNumber.String(),
			CommonName:   cred.Certificate.Subject.CommonName,
			IssuedAt:     cred.Certificate.NotBefore,
			ExpiresAt:    cred.Certificate.NotAfter,
			Status:       storage.CertActive,
		},
		OrgID:   orgID,
		Default: isDefault,
	}
	if err := m.store.PutOrgCertificate(ctx, cert); err != nil {
		return nil, err
	}

	m.logger.Info("registered organization certificate",
		zap.String("org_id", orgID),
		zap.String("certificate_id", cert.ID),
		zap.String("common_name", cert.CommonName),
		zap.Bool("default", isDefault))

	return cert, nil
}

// Revoke revokes the certificate. It fails with storage.ErrNotFound when the
// certificate does not exist or is not owned by userID, and with
// ErrInvalidState when already revoked. The CA call is best-effort-forward:
// its failure is logged and the local transition still happens, accepting an
// eventual-consistency window on the CA's revocation list.
func (m *Manager) Revoke(ctx context.Context, certID, userID, reason string) (*storage.Certificate, error) {
	cert, err := m.store.GetCertificate(ctx, certID)
	if err != nil {
		return nil, err
	}
	if cert.UserID != userID {
		return nil, fmt.Errorf("certificate %s not owned by user %s: %w", certID, userID, storage.ErrNotFound)
	}
	if cert.Status == storage.CertRevoked {
		return nil, fmt.Errorf("certificate %s already revoked: %w", certID, ErrInvalidState)
	}

	if err := m.ca.Revoke(ctx, cert.SerialNumber, reason); err != nil {
		m.logger.Warn("CA revocation failed, local state transitions anyway",
			zap.String("certificate_id", certID),
			zap.String("serial", cert.SerialNumber),
			zap.Error(err))
	}

	now := m.now()
	cert.Status = storage.CertRevoked
	cert.RevokedAt = &now
	if err := m.store.PutCertificate(ctx, cert); err != nil {
		return nil, fmt.Errorf("persisting revocation: %w", err)
	}
	m.logger.Info("certificate revoked",
		zap.String("certificate_id", certID),
		zap.String("user_id", userID),
		zap.String("reason", reason))
	return cert, nil
}

// SweepExpired transitions active certificates whose expiry has passed to
// expired and returns the count. Safe to run concurrently with provisioning
// of other users' certificates.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	active, err := m.store.CertificatesByStatus(ctx, storage.CertActive)
	if err != nil {
		return 0, err
	}
	now := m.now()
	count := 0
	for _, cert := range active {
		if cert.ExpiresAt.After(now) {
			continue
		}
		cert.Status = storage.CertExpired
		if err := m.store.PutCertificate(ctx, cert); err != nil {
			return count, fmt.Errorf("expiring certificate %s: %w", cert.ID, err)
		}
		m.logger.Info("certificate expired",
			zap.String("certificate_id", cert.ID),
			zap.String("user_id", cert.UserID))
		count++
	}
	return count, nil
}

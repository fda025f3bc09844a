package certs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sealdoc/sealdoc/internal/testpki"
	"github.com/sealdoc/sealdoc/scepca"
	"github.com/sealdoc/sealdoc/storage"
	"github.com/sealdoc/sealdoc/storage/memory"
	"github.com/sealdoc/sealdoc/vault"
)

// stubCA fabricates issued certificates without a real SCEP exchange. The
// archive bytes are opaque to the manager, which only encrypts and stores
// them, so they do not need to be a real PKCS#12 file here.
type stubCA struct {
	mu        sync.Mutex
	issued    atomic.Int64
	requests  []scepca.Subject
	revoked   []string
	issueErr  error
	revokeErr error
	lifetime  time.Duration
}

func (c *stubCA) RequestCertificate(ctx context.Context, subject scepca.Subject) (*scepca.Issued, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.issueErr != nil {
		return nil, c.issueErr
	}
	n := c.issued.Add(1)
	lifetime := c.lifetime
	if lifetime == 0 {
		lifetime = 24 * time.Hour
	}
	c.requests = append(c.requests, subject)
	now := time.Now()
	return &scepca.Issued{
		SerialNumber: fmt.Sprintf("serial-%d", n),
		CommonName:   subject.CommonName,
		Archive:      []byte(fmt.Sprintf("archive-%d", n)),
		Passphrase:   fmt.Sprintf("passphrase-%d", n),
		IssuedAt:     now,
		ExpiresAt:    now.Add(lifetime),
	}, nil
}

func (c *stubCA) Revoke(ctx context.Context, serialNumber, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.revokeErr != nil {
		return c.revokeErr
	}
	c.revoked = append(c.revoked, serialNumber)
	return nil
}

func newManager(t *testing.T, ca *stubCA) *Manager {
	t.Helper()
	v, err := vault.New("certs-test-secret")
	require.NoError(t, err)
	return NewManager(memory.New(), ca, v, zaptest.NewLogger(t))
}

func TestProvisionEnrollsAndEncrypts(t *testing.T) {
	ca := &stubCA{}
	m := newManager(t, ca)
	ctx := context.Background()

	cert, err := m.Provision(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", cert.UserID)
	assert.Equal(t, "serial-1", cert.SerialNumber)
	assert.Equal(t, storage.CertActive, cert.Status)

	// What hit the store is ciphertext, not the CA's material.
	assert.NotEqual(t, []byte("archive-1"), cert.Archive)
	assert.NotEqual(t, "passphrase-1", cert.Passphrase)

	secret, err := m.DecryptSecret(cert.Archive, cert.Passphrase)
	require.NoError(t, err)
	assert.Equal(t, []byte("archive-1"), secret.Archive)
	assert.Equal(t, "passphrase-1", secret.Passphrase)
}

func TestProvisionIsIdempotent(t *testing.T) {
	ca := &stubCA{}
	m := newManager(t, ca)
	ctx := context.Background()

	first, err := m.Provision(ctx, "alice")
	require.NoError(t, err)
	second, err := m.Provision(ctx, "alice")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(1), ca.issued.Load())
}

func TestProvisionConcurrentSameUser(t *testing.T) {
	ca := &stubCA{}
	m := newManager(t, ca)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cert, err := m.Provision(ctx, "alice")
			require.NoError(t, err)
			ids[i] = cert.ID
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), ca.issued.Load())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestProvisionCAFailureLeavesNoRow(t *testing.T) {
	ca := &stubCA{issueErr: errors.New("ca down")}
	m := newManager(t, ca)
	ctx := context.Background()

	_, err := m.Provision(ctx, "alice")
	require.Error(t, err)

	_, _, err = m.GetActive(ctx, "alice", false)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// A later retry against a recovered CA succeeds.
	ca.issueErr = nil
	_, err = m.Provision(ctx, "alice")
	assert.NoError(t, err)
}

func TestGetActiveRedactsSecretMaterial(t *testing.T) {
	ca := &stubCA{}
	m := newManager(t, ca)
	ctx := context.Background()

	_, err := m.Provision(ctx, "alice")
	require.NoError(t, err)

	cert, secret, err := m.GetActive(ctx, "alice", false)
	require.NoError(t, err)
	assert.Nil(t, secret)
	assert.Nil(t, cert.Archive)
	assert.Empty(t, cert.Passphrase)

	cert, secret, err = m.GetActive(ctx, "alice", true)
	require.NoError(t, err)
	require.NotNil(t, secret)
	assert.Equal(t, []byte("archive-1"), secret.Archive)
	assert.NotEmpty(t, cert.Archive)
}

func TestRevoke(t *testing.T) {
	ca := &stubCA{}
	m := newManager(t, ca)
	ctx := context.Background()

	cert, err := m.Provision(ctx, "alice")
	require.NoError(t, err)

	revoked, err := m.Revoke(ctx, cert.ID, "alice", "key compromise")
	require.NoError(t, err)
	assert.Equal(t, storage.CertRevoked, revoked.Status)
	require.NotNil(t, revoked.RevokedAt)
	assert.Equal(t, []string{"serial-1"}, ca.revoked)

	// Revocation is terminal.
	_, err = m.Revoke(ctx, cert.ID, "alice", "again")
	assert.ErrorIs(t, err, ErrInvalidState)

	// A revoked certificate is no longer active.
	_, _, err = m.GetActive(ctx, "alice", false)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRevokeRejectsForeignCertificate(t *testing.T) {
	ca := &stubCA{}
	m := newManager(t, ca)
	ctx := context.Background()

	cert, err := m.Provision(ctx, "alice")
	require.NoError(t, err)

	_, err = m.Revoke(ctx, cert.ID, "mallory", "not yours")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRevokeProceedsWhenCAFails(t *testing.T) {
	ca := &stubCA{}
	m := newManager(t, ca)
	ctx := context.Background()

	cert, err := m.Provision(ctx, "alice")
	require.NoError(t, err)

	ca.revokeErr = errors.New("ca unreachable")
	revoked, err := m.Revoke(ctx, cert.ID, "alice", "lost token")
	require.NoError(t, err)
	assert.Equal(t, storage.CertRevoked, revoked.Status)
}

func TestSweepExpired(t *testing.T) {
	ca := &stubCA{lifetime: time.Minute}
	m := newManager(t, ca)
	ctx := context.Background()

	expired, err := m.Provision(ctx, "alice")
	require.NoError(t, err)
	ca.lifetime = 24 * time.Hour
	fresh, err := m.Provision(ctx, "bob")
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(time.Hour) }

	count, err := m.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := m.store.GetCertificate(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.CertExpired, got.Status)

	got, err = m.store.GetCertificate(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.CertActive, got.Status)

	// A second sweep finds nothing left to expire.
	count, err = m.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestCertificateSecretResolvesInactiveCertificates(t *testing.T) {
	ca := &stubCA{}
	m := newManager(t, ca)
	ctx := context.Background()

	cert, err := m.Provision(ctx, "alice")
	require.NoError(t, err)
	_, err = m.Revoke(ctx, cert.ID, "alice", "rotated")
	require.NoError(t, err)

	got, secret, err := m.CertificateSecret(ctx, cert.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.CertRevoked, got.Status)
	assert.Equal(t, []byte("archive-1"), secret.Archive)
}

func TestRegisterOrgCertificate(t *testing.T) {
	ca := &stubCA{}
	m := newManager(t, ca)
	ctx := context.Background()

	pki := testpki.NewCA(t)
	archive := pki.IssueP12(t, "Acme Corp Seal", "org-pw")

	cert, err := m.RegisterOrgCertificate(ctx, "org-1", archive, "org-pw", true)
	require.NoError(t, err)
	assert.Equal(t, "org-1", cert.OrgID)
	assert.True(t, cert.Default)
	assert.Equal(t, "Acme Corp Seal", cert.CommonName)
	assert.NotEmpty(t, cert.SerialNumber)

	// Registered material resolves back through the default lookup.
	resolved, secret, err := m.DefaultOrgSecret(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, cert.ID, resolved.ID)
	assert.Equal(t, archive, secret.Archive)
	assert.Equal(t, "org-pw", secret.Passphrase)
}

func TestRegisterOrgCertificateRejectsBadArchive(t *testing.T) {
	ca := &stubCA{}
	m := newManager(t, ca)

	_, err := m.RegisterOrgCertificate(context.Background(), "org-1", []byte("junk"), "pw", false)
	assert.Error(t, err)
}

// Package storagetest runs a single conformance suite over every metadata and
// blob store backend, so the contract lives in one place instead of three.
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealdoc/sealdoc/storage"
)

// Backend hands the suite a fresh store per subtest.
type Backend interface {
	storage.Store
	storage.BlobStore
}

// Run exercises the storage contract against the backend produced by open.
func Run(t *testing.T, open func(t *testing.T) Backend) {
	t.Run("CertificateRoundTrip", func(t *testing.T) { testCertificateRoundTrip(t, open(t)) })
	t.Run("ActiveCertificate", func(t *testing.T) { testActiveCertificate(t, open(t)) })
	t.Run("CertificatesByStatus", func(t *testing.T) { testCertificatesByStatus(t, open(t)) })
	t.Run("OrgCertificateDefault", func(t *testing.T) { testOrgCertificateDefault(t, open(t)) })
	t.Run("AppendSignature", func(t *testing.T) { testAppendSignature(t, open(t)) })
	t.Run("SignatureOrdering", func(t *testing.T) { testSignatureOrdering(t, open(t)) })
	t.Run("DocumentRoundTrip", func(t *testing.T) { testDocumentRoundTrip(t, open(t)) })
	t.Run("TransitionDocument", func(t *testing.T) { testTransitionDocument(t, open(t)) })
	t.Run("BlobRoundTrip", func(t *testing.T) { testBlobRoundTrip(t, open(t)) })
}

func newCertificate(id, userID string, status storage.CertStatus, expiresAt time.Time) *storage.Certificate {
	return &storage.Certificate{
		ID:           id,
		UserID:       userID,
		Archive:      []byte("encrypted-archive-" + id),
		Passphrase:   "encrypted-passphrase-" + id,
		SerialNumber: "serial-" + id,
		CommonName:   userID,
		IssuedAt:     time.Now().Add(-time.Hour).Truncate(time.Second).UTC(),
		ExpiresAt:    expiresAt.Truncate(time.Second).UTC(),
		Status:       status,
	}
}

func testCertificateRoundTrip(t *testing.T, s Backend) {
	ctx := context.Background()

	_, err := s.GetCertificate(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	cert := newCertificate("cert-1", "alice", storage.CertActive, time.Now().Add(24*time.Hour))
	require.NoError(t, s.PutCertificate(ctx, cert))

	got, err := s.GetCertificate(ctx, "cert-1")
	require.NoError(t, err)
	assert.Equal(t, cert.UserID, got.UserID)
	assert.Equal(t, cert.Archive, got.Archive)
	assert.Equal(t, cert.SerialNumber, got.SerialNumber)
	assert.Equal(t, cert.Status, got.Status)
	assert.True(t, cert.ExpiresAt.Equal(got.ExpiresAt))

	// Put with the same id updates in place.
	got.Status = storage.CertRevoked
	now := time.Now().Truncate(time.Second).UTC()
	got.RevokedAt = &now
	require.NoError(t, s.PutCertificate(ctx, got))

	updated, err := s.GetCertificate(ctx, "cert-1")
	require.NoError(t, err)
	assert.Equal(t, storage.CertRevoked, updated.Status)
	require.NotNil(t, updated.RevokedAt)
}

func testActiveCertificate(t *testing.T, s Backend) {
	ctx := context.Background()
	now := time.Now()

	_, err := s.ActiveCertificate(ctx, "alice", now)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.PutCertificate(ctx, newCertificate("expired", "alice", storage.CertActive, now.Add(-time.Hour))))
	require.NoError(t, s.PutCertificate(ctx, newCertificate("revoked", "alice", storage.CertRevoked, now.Add(24*time.Hour))))
	require.NoError(t, s.PutCertificate(ctx, newCertificate("other-user", "bob", storage.CertActive, now.Add(24*time.Hour))))

	_, err = s.ActiveCertificate(ctx, "alice", now)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.PutCertificate(ctx, newCertificate("live", "alice", storage.CertActive, now.Add(24*time.Hour))))

	got, err := s.ActiveCertificate(ctx, "alice", now)
	require.NoError(t, err)
	assert.Equal(t, "live", got.ID)
}

func testCertificatesByStatus(t *testing.T, s Backend) {
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.PutCertificate(ctx, newCertificate("a", "alice", storage.CertActive, now.Add(time.Hour))))
	require.NoError(t, s.PutCertificate(ctx, newCertificate("b", "bob", storage.CertActive, now.Add(time.Hour))))
	require.NoError(t, s.PutCertificate(ctx, newCertificate("c", "carol", storage.CertExpired, now.Add(-time.Hour))))

	active, err := s.CertificatesByStatus(ctx, storage.CertActive)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	expired, err := s.CertificatesByStatus(ctx, storage.CertExpired)
	require.NoError(t, err)
	assert.Len(t, expired, 1)

	revoked, err := s.CertificatesByStatus(ctx, storage.CertRevoked)
	require.NoError(t, err)
	assert.Empty(t, revoked)
}

func testOrgCertificateDefault(t *testing.T, s Backend) {
	ctx := context.Background()
	now := time.Now()

	_, err := s.DefaultOrgCertificate(ctx, "org-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	nonDefault := &storage.OrgCertificate{
		Certificate: *newCertificate("org-cert-1", "", storage.CertActive, now.Add(24*time.Hour)),
		OrgID:       "org-1",
	}
	require.NoError(t, s.PutOrgCertificate(ctx, nonDefault))

	_, err = s.DefaultOrgCertificate(ctx, "org-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	def := &storage.OrgCertificate{
		Certificate: *newCertificate("org-cert-2", "", storage.CertActive, now.Add(24*time.Hour)),
		OrgID:       "org-1",
		Default:     true,
	}
	require.NoError(t, s.PutOrgCertificate(ctx, def))

	got, err := s.DefaultOrgCertificate(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, "org-cert-2", got.ID)
	assert.True(t, got.Default)

	// Default resolution is scoped per org.
	_, err = s.DefaultOrgCertificate(ctx, "org-2")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	byID, err := s.GetOrgCertificate(ctx, "org-cert-1")
	require.NoError(t, err)
	assert.Equal(t, "org-1", byID.OrgID)
}

func signatureRecord(id, docID string, index int) *storage.SignatureRecord {
	return &storage.SignatureRecord{
		ID:            id,
		DocumentID:    docID,
		RecipientID:   "rec-" + id,
		FieldID:       "field-" + id,
		CertificateID: "cert-" + id,
		Index:         index,
		Reason:        "Signed by recipient",
		SignedAt:      time.Now().Truncate(time.Second).UTC(),
	}
}

func testAppendSignature(t *testing.T, s Backend) {
	ctx := context.Background()

	require.NoError(t, s.AppendSignature(ctx, signatureRecord("r1", "doc-1", 1)))

	// The (document, index) pair is unique even for a different record id.
	err := s.AppendSignature(ctx, signatureRecord("r2", "doc-1", 1))
	assert.ErrorIs(t, err, storage.ErrDuplicateIndex)

	// The same index on another document is fine.
	require.NoError(t, s.AppendSignature(ctx, signatureRecord("r3", "doc-2", 1)))

	records, err := s.SignaturesByDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "r1", records[0].ID)
	assert.Equal(t, "rec-r1", records[0].RecipientID)
	assert.Equal(t, "cert-r1", records[0].CertificateID)
}

func testSignatureOrdering(t *testing.T, s Backend) {
	ctx := context.Background()

	// Insert out of order; reads must come back ascending by index.
	for _, index := range []int{3, 1, 4, 2} {
		require.NoError(t, s.AppendSignature(ctx, signatureRecord(fmt.Sprintf("r%d", index), "doc-1", index)))
	}

	records, err := s.SignaturesByDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, records, 4)
	for i, rec := range records {
		assert.Equal(t, i+1, rec.Index)
	}

	none, err := s.SignaturesByDocument(ctx, "doc-unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testDocumentRoundTrip(t *testing.T, s Backend) {
	ctx := context.Background()

	_, err := s.GetDocument(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	doc := &storage.Document{
		ID:           "doc-1",
		OrgID:        "org-1",
		Title:        "Master Service Agreement",
		Status:       storage.DocAwaitingRecipients,
		OriginalBlob: "blob-original",
		Recipients: []storage.Recipient{
			{
				ID:     "rec-1",
				UserID: "alice",
				Role:   storage.RoleSigner,
				Status: storage.RecipientPending,
				Fields: []storage.Field{{ID: "field-1", Name: "Signature", Required: true}},
			},
			{ID: "rec-2", UserID: "bob", Role: storage.RoleObserver, Status: storage.RecipientPending},
		},
	}
	require.NoError(t, s.PutDocument(ctx, doc))

	got, err := s.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, doc.Title, got.Title)
	require.Len(t, got.Recipients, 2)
	assert.Equal(t, storage.RoleSigner, got.Recipients[0].Role)
	require.Len(t, got.Recipients[0].Fields, 1)
	assert.True(t, got.Recipients[0].Fields[0].Required)

	got.Recipients[0].Status = storage.RecipientCompleted
	got.CurrentBlob = "blob-signed"
	require.NoError(t, s.PutDocument(ctx, got))

	updated, err := s.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, storage.RecipientCompleted, updated.Recipients[0].Status)
	assert.Equal(t, "blob-signed", updated.CurrentBlob)
}

func testTransitionDocument(t *testing.T, s Backend) {
	ctx := context.Background()

	err := s.TransitionDocument(ctx, "missing", []storage.DocStatus{storage.DocReadyToSeal}, storage.DocSealing)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.PutDocument(ctx, &storage.Document{
		ID:     "doc-1",
		Status: storage.DocAwaitingRecipients,
	}))

	// Source state mismatch leaves the document untouched.
	err = s.TransitionDocument(ctx, "doc-1", []storage.DocStatus{storage.DocReadyToSeal}, storage.DocSealing)
	assert.ErrorIs(t, err, storage.ErrConflict)
	got, err := s.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, storage.DocAwaitingRecipients, got.Status)

	require.NoError(t, s.TransitionDocument(ctx, "doc-1",
		[]storage.DocStatus{storage.DocAwaitingRecipients}, storage.DocReadyToSeal))

	// Any listed source state admits the transition.
	require.NoError(t, s.TransitionDocument(ctx, "doc-1",
		[]storage.DocStatus{storage.DocReadyToSeal, storage.DocSealing}, storage.DocSealing))
	require.NoError(t, s.TransitionDocument(ctx, "doc-1",
		[]storage.DocStatus{storage.DocReadyToSeal, storage.DocSealing}, storage.DocSealing))

	require.NoError(t, s.TransitionDocument(ctx, "doc-1",
		[]storage.DocStatus{storage.DocSealing}, storage.DocSealed))

	// The sealing claim cannot be re-taken once the document is sealed.
	err = s.TransitionDocument(ctx, "doc-1", []storage.DocStatus{storage.DocReadyToSeal, storage.DocSealing}, storage.DocSealing)
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func testBlobRoundTrip(t *testing.T, s Backend) {
	ctx := context.Background()

	_, _, err := s.GetBlob(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	data := []byte("%PDF-1.7 not really a pdf")
	handle, err := s.PutBlob(ctx, "agreement.pdf", "application/pdf", data)
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	got, mimeType, err := s.GetBlob(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, "application/pdf", mimeType)

	// New content yields a new handle; the earlier blob stays intact.
	other, err := s.PutBlob(ctx, "agreement.pdf", "application/pdf", []byte("second version"))
	require.NoError(t, err)
	assert.NotEqual(t, handle, other)

	got, _, err = s.GetBlob(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

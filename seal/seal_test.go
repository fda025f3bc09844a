package seal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sealdoc/sealdoc/certs"
	"github.com/sealdoc/sealdoc/internal/testpki"
	"github.com/sealdoc/sealdoc/ledger"
	"github.com/sealdoc/sealdoc/scepca"
	"github.com/sealdoc/sealdoc/storage"
	"github.com/sealdoc/sealdoc/storage/memory"
	"github.com/sealdoc/sealdoc/vault"
	"github.com/sealdoc/sealdoc/verify"
)

// fakeCA satisfies certs.CAClient by issuing from an in-process test CA.
type fakeCA struct {
	t  *testing.T
	ca *testpki.CA
}

func (f *fakeCA) RequestCertificate(_ context.Context, subject scepca.Subject) (*scepca.Issued, error) {
	archive := f.ca.IssueP12(f.t, subject.CommonName, "enroll-pw")
	now := time.Now()
	return &scepca.Issued{
		SerialNumber: fmt.Sprintf("serial-%s", subject.CommonName),
		CommonName:   subject.CommonName,
		Archive:      archive,
		Passphrase:   "enroll-pw",
		IssuedAt:     now,
		ExpiresAt:    now.Add(12 * time.Hour),
	}, nil
}

func (f *fakeCA) Revoke(context.Context, string, string) error { return nil }

type env struct {
	store  *memory.Store
	vault  *vault.Vault
	certs  *certs.Manager
	ledger *ledger.Ledger
	orch   *Orchestrator
	testCA *testpki.CA
}

func newEnv(t *testing.T) *env {
	t.Helper()

	store := memory.New()
	v, err := vault.New("test-vault-secret")
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	testCA := testpki.NewCA(t)
	manager := certs.NewManager(store, &fakeCA{t: t, ca: testCA}, v, logger)
	ldg := ledger.New(store)

	orch := New(store, store, ldg, manager, PassthroughRenderer{},
		[]CredentialProvider{
			&StoreProvider{Certs: manager},
			&EphemeralProvider{Certs: manager, Organization: "SealDoc Test Org"},
		}, logger)

	return &env{store: store, vault: v, certs: manager, ledger: ldg, orch: orch, testCA: testCA}
}

func (e *env) newDocument(t *testing.T, recipients []storage.Recipient) *storage.Document {
	t.Helper()
	ctx := context.Background()

	handle, err := e.store.PutBlob(ctx, "agreement.pdf", "application/pdf", testpki.BuildPDF(t))
	require.NoError(t, err)

	doc := &storage.Document{
		ID:           "doc-1",
		OrgID:        "org-1",
		Title:        "agreement",
		Status:       storage.DocAwaitingRecipients,
		OriginalBlob: handle,
		Recipients:   recipients,
	}
	require.NoError(t, e.store.PutDocument(ctx, doc))
	return doc
}

func signerRecipient(id, userID string) storage.Recipient {
	return storage.Recipient{
		ID:     id,
		UserID: userID,
		Role:   storage.RoleSigner,
		Status: storage.RecipientPending,
		Fields: []storage.Field{{ID: "field-" + id, Name: "Sign here", Required: true}},
	}
}

func TestSealFullFlow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.newDocument(t, []storage.Recipient{
		signerRecipient("rec-a", "alice"),
		signerRecipient("rec-b", "bob"),
		signerRecipient("rec-c", "carol"),
		{ID: "rec-o", UserID: "olivia", Role: storage.RoleObserver, Status: storage.RecipientPending},
	})

	for _, user := range []string{"alice", "bob", "carol"} {
		require.NoError(t, e.orch.OnRecipientCertificateNeeded(ctx, user))
	}
	for _, rec := range []string{"rec-a", "rec-b", "rec-c"} {
		require.NoError(t, e.orch.OnRecipientSigningComplete(ctx, "doc-1", rec, "field-"+rec))
	}

	require.NoError(t, e.orch.OnAllRecipientsComplete(ctx, "doc-1"))

	doc, err := e.store.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, storage.DocSealed, doc.Status)

	records, err := e.ledger.ListOrdered(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, records, 4)
	for i, rec := range records {
		assert.Equal(t, i+1, rec.Index)
	}
	seal := records[3]
	assert.Empty(t, seal.RecipientID)
	assert.Empty(t, seal.CertificateID)
	assert.NotEmpty(t, seal.OrgCertificateID)
	assert.Equal(t, "Document Sealed", seal.Reason)

	sealed, _, err := e.store.GetBlob(ctx, doc.CurrentBlob)
	require.NoError(t, err)
	for i := 1; i <= 4; i++ {
		assert.Contains(t, string(sealed), fmt.Sprintf("/T (Signature-%d)", i), "replayed slot %d", i)
	}
	assert.Contains(t, string(sealed), "/Reason (Document Sealed)")

	result, err := verify.Bytes(sealed)
	require.NoError(t, err)
	require.Len(t, result.Signatures, 4)
	assert.True(t, result.AllValid())
	assert.True(t, result.Signatures[3].CoversDocument)
	assert.Equal(t, "Document Sealed", result.Signatures[3].Reason)
}

func TestSealPersistsStatusAlongsideSealedBlob(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.newDocument(t, []storage.Recipient{signerRecipient("rec-a", "alice")})
	require.NoError(t, e.orch.OnRecipientCertificateNeeded(ctx, "alice"))
	require.NoError(t, e.orch.OnRecipientSigningComplete(ctx, "doc-1", "rec-a", "field-rec-a"))
	require.NoError(t, e.store.TransitionDocument(ctx,
		"doc-1", []storage.DocStatus{storage.DocAwaitingRecipients}, storage.DocReadyToSeal))

	require.NoError(t, e.orch.Seal(ctx, "doc-1"))

	// The blob pointer and the final status are written by separate store
	// calls; both must land on the same row.
	doc, err := e.store.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, storage.DocSealed, doc.Status)
	assert.NotEmpty(t, doc.CurrentBlob)
	assert.NotEqual(t, doc.OriginalBlob, doc.CurrentBlob)

	_, _, err = e.store.GetBlob(ctx, doc.CurrentBlob)
	require.NoError(t, err)
}

func TestSealReplaySkipsUnresolvableCertificate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.newDocument(t, []storage.Recipient{
		signerRecipient("rec-a", "alice"),
		signerRecipient("rec-b", "bob"),
	})

	require.NoError(t, e.orch.OnRecipientCertificateNeeded(ctx, "alice"))
	require.NoError(t, e.orch.OnRecipientCertificateNeeded(ctx, "bob"))
	require.NoError(t, e.orch.OnRecipientSigningComplete(ctx, "doc-1", "rec-a", "field-rec-a"))
	require.NoError(t, e.orch.OnRecipientSigningComplete(ctx, "doc-1", "rec-b", "field-rec-b"))

	// Corrupt alice's stored archive so replay cannot decrypt it.
	records, err := e.ledger.ListOrdered(ctx, "doc-1")
	require.NoError(t, err)
	aliceCert, err := e.store.GetCertificate(ctx, records[0].CertificateID)
	require.NoError(t, err)
	aliceCert.Archive = []byte("garbage")
	require.NoError(t, e.store.PutCertificate(ctx, aliceCert))

	require.NoError(t, e.orch.OnAllRecipientsComplete(ctx, "doc-1"))

	doc, err := e.store.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, storage.DocSealed, doc.Status)

	sealed, _, err := e.store.GetBlob(ctx, doc.CurrentBlob)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "/T (Signature-1)", "skipped slot must stay empty")
	assert.Contains(t, string(sealed), "/T (Signature-2)")
	assert.Contains(t, string(sealed), "/T (Signature-3)", "seal still lands at the next index")
}

func TestSealRequiresCompletion(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.newDocument(t, []storage.Recipient{signerRecipient("rec-a", "alice")})
	require.NoError(t, e.store.TransitionDocument(ctx, "doc-1",
		[]storage.DocStatus{storage.DocAwaitingRecipients}, storage.DocReadyToSeal))

	err := e.orch.Seal(ctx, "doc-1")
	require.ErrorIs(t, err, ErrNotComplete)

	doc, err := e.store.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, storage.DocReadyToSeal, doc.Status, "claim must be handed back")
}

type blockingRenderer struct {
	started chan struct{}
	release chan struct{}
}

func (r *blockingRenderer) Flatten(_ context.Context, original []byte, _ *storage.Document) ([]byte, error) {
	close(r.started)
	<-r.release
	return original, nil
}

func (r *blockingRenderer) StampRejection(_ context.Context, original []byte, _ *storage.Document) ([]byte, error) {
	return original, nil
}

func TestSealRejectsConcurrentTrigger(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	renderer := &blockingRenderer{started: make(chan struct{}), release: make(chan struct{})}
	e.orch.renderer = renderer

	e.newDocument(t, []storage.Recipient{signerRecipient("rec-a", "alice")})
	require.NoError(t, e.orch.OnRecipientCertificateNeeded(ctx, "alice"))
	require.NoError(t, e.orch.OnRecipientSigningComplete(ctx, "doc-1", "rec-a", "field-rec-a"))
	require.NoError(t, e.store.TransitionDocument(ctx, "doc-1",
		[]storage.DocStatus{storage.DocAwaitingRecipients}, storage.DocReadyToSeal))

	done := make(chan error, 1)
	go func() { done <- e.orch.Seal(ctx, "doc-1") }()
	<-renderer.started

	err := e.orch.Seal(ctx, "doc-1")
	assert.ErrorIs(t, err, ErrSealingInProgress)

	close(renderer.release)
	require.NoError(t, <-done)
}

func TestSealIdempotentReentry(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.newDocument(t, []storage.Recipient{signerRecipient("rec-a", "alice")})
	require.NoError(t, e.orch.OnRecipientCertificateNeeded(ctx, "alice"))
	require.NoError(t, e.orch.OnRecipientSigningComplete(ctx, "doc-1", "rec-a", "field-rec-a"))
	require.NoError(t, e.orch.OnAllRecipientsComplete(ctx, "doc-1"))

	records, err := e.ledger.ListOrdered(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, records, 2)

	// A sealed document is left alone.
	require.NoError(t, e.orch.Seal(ctx, "doc-1"))

	// Simulate a crash after the seal was recorded but before the final
	// transition: re-entry replays everything without duplicating records.
	require.NoError(t, e.store.TransitionDocument(ctx, "doc-1",
		[]storage.DocStatus{storage.DocSealed}, storage.DocSealing))
	require.NoError(t, e.orch.Seal(ctx, "doc-1"))

	records, err = e.ledger.ListOrdered(ctx, "doc-1")
	require.NoError(t, err)
	assert.Len(t, records, 2, "re-entry must not duplicate the seal record")

	doc, err := e.store.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, storage.DocSealed, doc.Status)
}

func TestSealRejectionPath(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	rejecting := signerRecipient("rec-b", "bob")
	rejecting.Status = storage.RecipientRejected
	e.newDocument(t, []storage.Recipient{signerRecipient("rec-a", "alice"), rejecting})
	require.NoError(t, e.store.TransitionDocument(ctx, "doc-1",
		[]storage.DocStatus{storage.DocAwaitingRecipients}, storage.DocReadyToSeal))

	require.NoError(t, e.orch.Seal(ctx, "doc-1"))

	doc, err := e.store.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, storage.DocRejected, doc.Status)

	// The rejected document is still sealed cryptographically.
	sealed, _, err := e.store.GetBlob(ctx, doc.CurrentBlob)
	require.NoError(t, err)
	assert.Contains(t, string(sealed), "/Reason (Document Sealed)")
}

func TestSealEphemeralProviderRegistersDefault(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.newDocument(t, []storage.Recipient{signerRecipient("rec-a", "alice")})
	require.NoError(t, e.orch.OnRecipientCertificateNeeded(ctx, "alice"))
	require.NoError(t, e.orch.OnRecipientSigningComplete(ctx, "doc-1", "rec-a", "field-rec-a"))
	require.NoError(t, e.orch.OnAllRecipientsComplete(ctx, "doc-1"))

	// The generated credential must be resolvable for later replays.
	cert, err := e.store.DefaultOrgCertificate(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, cert.Default)
	assert.Equal(t, "SealDoc Test Org", cert.CommonName)
}

func TestRecipientSigningIsBestEffort(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.newDocument(t, []storage.Recipient{signerRecipient("rec-a", "alice")})

	// No certificate provisioned: the visual completion must still stick.
	require.NoError(t, e.orch.OnRecipientSigningComplete(ctx, "doc-1", "rec-a", "field-rec-a"))

	doc, err := e.store.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, storage.RecipientCompleted, doc.Recipient("rec-a").Status)

	records, err := e.ledger.ListOrdered(ctx, "doc-1")
	require.NoError(t, err)
	assert.Empty(t, records, "no cryptographic signature without a certificate")
}

func TestRecipientDoesNotDoubleSign(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.newDocument(t, []storage.Recipient{{
		ID:     "rec-a",
		UserID: "alice",
		Role:   storage.RoleSigner,
		Status: storage.RecipientPending,
		Fields: []storage.Field{
			{ID: "f1", Name: "Sign here", Required: true},
			{ID: "f2", Name: "Initial here", Required: true},
		},
	}})

	require.NoError(t, e.orch.OnRecipientCertificateNeeded(ctx, "alice"))
	require.NoError(t, e.orch.OnRecipientSigningComplete(ctx, "doc-1", "rec-a", "f1"))
	require.NoError(t, e.orch.OnRecipientSigningComplete(ctx, "doc-1", "rec-a", "f2"))

	records, err := e.ledger.ListOrdered(ctx, "doc-1")
	require.NoError(t, err)
	assert.Len(t, records, 1, "one cryptographic signature per recipient")

	doc, err := e.store.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, storage.RecipientCompleted, doc.Recipient("rec-a").Status)
}

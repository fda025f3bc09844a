// Package seal drives the per-document sealing state machine: it reacts to
// recipient completion events, rebuilds the document from its original bytes
// when all parties are done, replays every recorded signature over the
// rebuilt bytes in ledger order and applies the final system seal.
package seal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sealdoc/sealdoc/certs"
	"github.com/sealdoc/sealdoc/ledger"
	"github.com/sealdoc/sealdoc/sign"
	"github.com/sealdoc/sealdoc/storage"
)

var (
	// ErrSealingInProgress rejects a second concurrent seal trigger for the
	// same document.
	ErrSealingInProgress = errors.New("seal: sealing already in progress")

	// ErrNotComplete is returned when a seal is requested before every
	// signing recipient has completed.
	ErrNotComplete = errors.New("seal: document not complete")
)

const sealReason = "Document Sealed"

// Orchestrator coordinates recipient signing and document sealing. Safe for
// concurrent use across documents; operations on the same document are
// serialized.
type Orchestrator struct {
	store     storage.Store
	blobs     storage.BlobStore
	ledger    *ledger.Ledger
	certs     *certs.Manager
	renderer  Renderer
	providers []CredentialProvider
	logger    *zap.Logger
	now       func() time.Time

	// TSA, when configured, timestamps every signature applied by the
	// orchestrator.
	TSA sign.TSA

	mu       sync.Mutex
	docLocks map[string]*sync.Mutex
}

// New wires an Orchestrator. Providers are consulted in order for the system
// seal credential.
func New(store storage.Store, blobs storage.BlobStore, ldg *ledger.Ledger, manager *certs.Manager, renderer Renderer, providers []CredentialProvider, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:     store,
		blobs:     blobs,
		ledger:    ldg,
		certs:     manager,
		renderer:  renderer,
		providers: providers,
		logger:    logger.With(zap.String("component", "seal")),
		now:       time.Now,
		docLocks:  make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) docLock(documentID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.docLocks[documentID]
	if !ok {
		lock = &sync.Mutex{}
		o.docLocks[documentID] = lock
	}
	return lock
}

// OnRecipientCertificateNeeded provisions a signing certificate for the
// user, idempotently.
func (o *Orchestrator) OnRecipientCertificateNeeded(ctx context.Context, userID string) error {
	_, err := o.certs.Provision(ctx, userID)
	return err
}

// OnRecipientSigningComplete marks the recipient's field complete and
// appends their cryptographic signature to the document's current bytes. The
// cryptographic layer is best effort: its failure is logged, the visual
// completion stands and the workflow moves on.
func (o *Orchestrator) OnRecipientSigningComplete(ctx context.Context, documentID, recipientID, fieldID string) error {
	lock := o.docLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	recipient := doc.Recipient(recipientID)
	if recipient == nil {
		return fmt.Errorf("recipient %s: %w", recipientID, storage.ErrNotFound)
	}

	for i := range recipient.Fields {
		if recipient.Fields[i].ID == fieldID {
			recipient.Fields[i].Completed = true
		}
	}
	completed := true
	for _, field := range recipient.Fields {
		if field.Required && !field.Completed {
			completed = false
		}
	}
	if completed {
		recipient.Status = storage.RecipientCompleted
	}

	signed, err := o.ledger.HasSigned(ctx, documentID, recipientID)
	if err != nil {
		return err
	}
	if !signed {
		// Downgrading a signing failure to a log line is deliberate: the
		// recipient's action already succeeded visually and must not block.
		if err := o.signCurrent(ctx, doc, recipient, fieldID); err != nil {
			o.logger.Warn("recipient signature skipped",
				zap.String("document_id", documentID),
				zap.String("recipient_id", recipientID),
				zap.Error(err))
		}
	}

	return o.store.PutDocument(ctx, doc)
}

func (o *Orchestrator) signCurrent(ctx context.Context, doc *storage.Document, recipient *storage.Recipient, fieldID string) error {
	cert, secret, err := o.certs.GetActive(ctx, recipient.UserID, true)
	if err != nil {
		return fmt.Errorf("active certificate: %w", err)
	}
	cred, err := sign.LoadCredential(secret.Archive, secret.Passphrase)
	if err != nil {
		return err
	}

	handle := doc.CurrentBlob
	if handle == "" {
		handle = doc.OriginalBlob
	}
	current, _, err := o.blobs.GetBlob(ctx, handle)
	if err != nil {
		return err
	}

	index, err := o.ledger.NextIndex(ctx, doc.ID)
	if err != nil {
		return err
	}

	signed, err := sign.SignBytes(current, sign.Request{
		Credential: cred,
		FieldName:  fmt.Sprintf("Signature-%d", index),
		Info: sign.SignerInfo{
			Name:   cert.CommonName,
			Reason: "Signed by recipient",
			Date:   o.now(),
		},
		TSA: o.TSA,
	})
	if err != nil {
		return err
	}

	newHandle, err := o.blobs.PutBlob(ctx, doc.Title+".pdf", "application/pdf", signed)
	if err != nil {
		return err
	}

	if _, err := o.ledger.Record(ctx, ledger.Entry{
		DocumentID:    doc.ID,
		RecipientID:   recipient.ID,
		FieldID:       fieldID,
		CertificateID: cert.ID,
		Index:         index,
		Reason:        "Signed by recipient",
	}); err != nil {
		return err
	}

	doc.CurrentBlob = newHandle
	return nil
}

// OnAllRecipientsComplete moves the document to ready_to_seal and seals it.
func (o *Orchestrator) OnAllRecipientsComplete(ctx context.Context, documentID string) error {
	err := o.store.TransitionDocument(ctx, documentID, []storage.DocStatus{storage.DocAwaitingRecipients}, storage.DocReadyToSeal)
	if err != nil && !errors.Is(err, storage.ErrConflict) {
		return err
	}
	return o.Seal(ctx, documentID)
}

// OnDailyExpirationSweep expires certificates past their validity window.
func (o *Orchestrator) OnDailyExpirationSweep(ctx context.Context) error {
	_, err := o.certs.SweepExpired(ctx)
	return err
}

// Seal rebuilds the document from its original bytes, replays all recorded
// signatures in index order and applies the system seal. Re-entry after a
// partial failure is safe: the ledger, not in-memory state, decides the next
// index, and a seal already recorded is replayed rather than duplicated.
func (o *Orchestrator) Seal(ctx context.Context, documentID string) error {
	lock := o.docLock(documentID)
	if !lock.TryLock() {
		return ErrSealingInProgress
	}
	defer lock.Unlock()

	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.Status == storage.DocSealed || doc.Status == storage.DocRejected {
		return nil
	}

	// Claim the sealing state. Allowing sealing -> sealing re-admits a run
	// that died partway; true concurrent triggers are stopped by the lock
	// above before they reach this point.
	if err := o.store.TransitionDocument(ctx, documentID,
		[]storage.DocStatus{storage.DocReadyToSeal, storage.DocSealing}, storage.DocSealing); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return fmt.Errorf("document %s in status %s: %w", documentID, doc.Status, ErrSealingInProgress)
		}
		return err
	}
	// The claim changed the persisted status; keep the in-memory copy in
	// step so the PutDocument below does not write the old status back.
	doc.Status = storage.DocSealing

	rejected := false
	for _, recipient := range doc.Recipients {
		if recipient.Status == storage.RecipientRejected {
			rejected = true
		}
	}
	if !rejected {
		for _, recipient := range doc.Recipients {
			if recipient.Role == storage.RoleSigner && recipient.Status != storage.RecipientCompleted {
				// Hand the claim back so a later completion can seal.
				if terr := o.store.TransitionDocument(ctx, documentID,
					[]storage.DocStatus{storage.DocSealing}, storage.DocReadyToSeal); terr != nil {
					return terr
				}
				return fmt.Errorf("recipient %s not complete: %w", recipient.ID, ErrNotComplete)
			}
		}
	}

	original, _, err := o.blobs.GetBlob(ctx, doc.OriginalBlob)
	if err != nil {
		return fmt.Errorf("load original bytes: %w", err)
	}

	var rebuilt []byte
	if rejected {
		rebuilt, err = o.renderer.StampRejection(ctx, original, doc)
	} else {
		rebuilt, err = o.renderer.Flatten(ctx, original, doc)
	}
	if err != nil {
		return fmt.Errorf("rebuild document: %w", err)
	}

	records, err := o.ledger.ListOrdered(ctx, documentID)
	if err != nil {
		return err
	}

	report := &Report{DocumentID: documentID}
	current := rebuilt
	sealRecorded := false
	for _, record := range records {
		out, err := o.replayRecord(ctx, current, record)
		if err != nil {
			report.skipped(record.Index, record.RecipientID, err.Error())
			o.logger.Warn("replay slot skipped",
				zap.String("document_id", documentID),
				zap.Int("index", record.Index),
				zap.String("recipient_id", record.RecipientID),
				zap.Error(err))
			continue
		}
		current = out
		report.applied(record.Index, record.RecipientID)
		if record.RecipientID == "" {
			sealRecorded = true
			report.SealIndex = record.Index
		}
	}

	if !sealRecorded {
		current, err = o.applySeal(ctx, doc, rebuilt, current, report)
		if err != nil {
			return err
		}
	}

	handle, err := o.blobs.PutBlob(ctx, doc.Title+"-sealed.pdf", "application/pdf", current)
	if err != nil {
		return fmt.Errorf("persist sealed bytes: %w", err)
	}
	doc.CurrentBlob = handle
	if err := o.store.PutDocument(ctx, doc); err != nil {
		return err
	}

	final := storage.DocSealed
	if rejected {
		final = storage.DocRejected
	}
	if err := o.store.TransitionDocument(ctx, documentID, []storage.DocStatus{storage.DocSealing}, final); err != nil {
		return err
	}

	o.logger.Info("document sealed",
		zap.String("document_id", documentID),
		zap.String("status", string(final)),
		zap.Int("replayed", len(report.Results)),
		zap.Int("skipped", report.Skips()),
		zap.Int("seal_index", report.SealIndex),
		zap.Bool("fallback", report.Fallback))

	return nil
}

// replayRecord re-signs the current bytes for one ledger record using the
// certificate the record references, keeping its original field ordinal.
func (o *Orchestrator) replayRecord(ctx context.Context, current []byte, record *storage.SignatureRecord) ([]byte, error) {
	var (
		secret     *certs.Secret
		commonName string
		err        error
	)
	if record.CertificateID != "" {
		var cert *storage.Certificate
		cert, secret, err = o.certs.CertificateSecret(ctx, record.CertificateID)
		if err == nil {
			commonName = cert.CommonName
		}
	} else {
		var cert *storage.OrgCertificate
		cert, secret, err = o.certs.OrgCertificateSecret(ctx, record.OrgCertificateID)
		if err == nil {
			commonName = cert.CommonName
		}
	}
	if err != nil {
		return nil, fmt.Errorf("resolve certificate: %w", err)
	}

	cred, err := sign.LoadCredential(secret.Archive, secret.Passphrase)
	if err != nil {
		return nil, err
	}

	return sign.SignBytes(current, sign.Request{
		Credential: cred,
		FieldName:  fmt.Sprintf("Signature-%d", record.Index),
		Info: sign.SignerInfo{
			Name:        commonName,
			Reason:      record.Reason,
			Location:    record.Location,
			ContactInfo: record.ContactInfo,
			Date:        o.now(),
		},
		TSA: o.TSA,
	})
}

// applySeal appends the system seal at the next index. When incremental
// signing over the replayed chain fails, it falls back to signing the
// rebuilt bytes single-shot: no per-recipient slots, but a validly signed
// document rather than an unsealed one.
func (o *Orchestrator) applySeal(ctx context.Context, doc *storage.Document, rebuilt, current []byte, report *Report) ([]byte, error) {
	cred, orgCertID, err := o.sealCredential(ctx, doc)
	if err != nil {
		return nil, err
	}

	index, err := o.ledger.NextIndex(ctx, doc.ID)
	if err != nil {
		return nil, err
	}

	request := sign.Request{
		Credential: cred,
		FieldName:  fmt.Sprintf("Signature-%d", index),
		Info: sign.SignerInfo{
			Name:   cred.Certificate.Subject.CommonName,
			Reason: sealReason,
			Date:   o.now(),
		},
		TSA: o.TSA,
	}

	sealed, err := sign.SignBytes(current, request)
	if err != nil {
		o.logger.Warn("incremental seal failed, using single-shot fallback",
			zap.String("document_id", doc.ID),
			zap.Error(err))
		report.Fallback = true
		request.FieldName = "Signature-1"
		sealed, err = sign.SignBytes(rebuilt, request)
		if err != nil {
			return nil, fmt.Errorf("fallback seal: %w", err)
		}
	}

	if _, err := o.ledger.Record(ctx, ledger.Entry{
		DocumentID:       doc.ID,
		OrgCertificateID: orgCertID,
		Index:            index,
		Reason:           sealReason,
	}); err != nil {
		return nil, err
	}
	report.SealIndex = index

	return sealed, nil
}

// sealCredential walks the provider chain and returns the first credential.
func (o *Orchestrator) sealCredential(ctx context.Context, doc *storage.Document) (*sign.Credential, string, error) {
	for _, provider := range o.providers {
		cred, orgCertID, err := provider.SealCredential(ctx, doc)
		if errors.Is(err, ErrNoCredential) {
			continue
		}
		if err != nil {
			o.logger.Warn("seal credential provider failed", zap.Error(err))
			continue
		}
		return cred, orgCertID, nil
	}
	return nil, "", ErrNoCredential
}

// Package ledger keeps the append-only record of every cryptographic
// signature applied to a document and owns the per-document signature
// ordinal. The ordered record set is the authoritative replay sequence when
// a document's bytes must be regenerated.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sealdoc/sealdoc/storage"
)

// ErrIndexGap is returned by Record when the supplied index would break the
// contiguous 1..n sequence for the document.
var ErrIndexGap = errors.New("ledger: signature index not contiguous")

// Entry describes a signature to be recorded. Exactly one of CertificateID
// or OrgCertificateID must be set; RecipientID and FieldID are empty for the
// system seal.
type Entry struct {
	DocumentID       string
	RecipientID      string
	FieldID          string
	CertificateID    string
	OrgCertificateID string
	Index            int
	Reason           string
	Location         string
	ContactInfo      string
}

// Ledger is a thin, stateless layer over the metadata store.
type Ledger struct {
	store storage.Store
	now   func() time.Time
}

// New returns a Ledger over the store.
func New(store storage.Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// NextIndex returns max(signatureIndex)+1 for the document, or 1 when no
// signatures exist. It reads the durable store on every call; the value is
// never cached, so re-entry after a partial failure self-heals.
func (l *Ledger) NextIndex(ctx context.Context, documentID string) (int, error) {
	records, err := l.store.SignaturesByDocument(ctx, documentID)
	if err != nil {
		return 0, err
	}
	max := 0
	for _, rec := range records {
		if rec.Index > max {
			max = rec.Index
		}
	}
	return max + 1, nil
}

// Record appends one signature record. Records are never updated or deleted.
func (l *Ledger) Record(ctx context.Context, entry Entry) (*storage.SignatureRecord, error) {
	if entry.Index < 1 {
		return nil, fmt.Errorf("index %d: %w", entry.Index, ErrIndexGap)
	}
	if (entry.CertificateID == "") == (entry.OrgCertificateID == "") {
		return nil, errors.New("ledger: exactly one certificate reference required")
	}
	next, err := l.NextIndex(ctx, entry.DocumentID)
	if err != nil {
		return nil, err
	}
	if entry.Index != next {
		return nil, fmt.Errorf("index %d, next contiguous is %d: %w", entry.Index, next, ErrIndexGap)
	}

	rec := &storage.SignatureRecord{
		ID:               uuid.NewString(),
		DocumentID:       entry.DocumentID,
		RecipientID:      entry.RecipientID,
		FieldID:          entry.FieldID,
		CertificateID:    entry.CertificateID,
		OrgCertificateID: entry.OrgCertificateID,
		Index:            entry.Index,
		Reason:           entry.Reason,
		Location:         entry.Location,
		ContactInfo:      entry.ContactInfo,
		SignedAt:         l.now(),
	}
	// The store's (document, index) uniqueness backstops races between the
	// NextIndex read and this insert.
	if err := l.store.AppendSignature(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListOrdered returns all records for the document ascending by index.
func (l *Ledger) ListOrdered(ctx context.Context, documentID string) ([]*storage.SignatureRecord, error) {
	return l.store.SignaturesByDocument(ctx, documentID)
}

// HasSigned reports whether the recipient already has a signature recorded
// on the document, guarding against double-signing on workflow re-triggers.
func (l *Ledger) HasSigned(ctx context.Context, documentID, recipientID string) (bool, error) {
	records, err := l.store.SignaturesByDocument(ctx, documentID)
	if err != nil {
		return false, err
	}
	for _, rec := range records {
		if rec.RecipientID != "" && rec.RecipientID == recipientID {
			return true, nil
		}
	}
	return false, nil
}

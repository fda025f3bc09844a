// Package storage defines the metadata-store and blob-store contracts used by
// the certificate lifecycle, the signature ledger and the sealing
// orchestrator, together with the record types they persist.
//
// The backends (memory, bboltstore, sqlite) are deliberately simple
// create/read/update stores; ordering and uniqueness semantics beyond the
// (document, index) constraint are enforced by the packages that use them.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: record not found")

	// ErrDuplicateIndex is returned by AppendSignature when a record with
	// the same (document, index) pair already exists.
	ErrDuplicateIndex = errors.New("storage: duplicate signature index")

	// ErrConflict is returned by TransitionDocument when the document is not
	// in any of the expected source states.
	ErrConflict = errors.New("storage: document status conflict")
)

// CertStatus is the lifecycle state of a signing certificate.
type CertStatus string

const (
	CertPending CertStatus = "pending"
	CertActive  CertStatus = "active"
	CertExpired CertStatus = "expired"
	CertRevoked CertStatus = "revoked"
)

// Certificate is a per-user signing credential. Archive and Passphrase hold
// vault-encrypted material; they are never stored in the clear.
type Certificate struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Archive      []byte     `json:"archive"`
	Passphrase   string     `json:"passphrase"`
	SerialNumber string     `json:"serial_number"`
	CommonName   string     `json:"common_name"`
	IssuedAt     time.Time  `json:"issued_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	Status       CertStatus `json:"status"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

// Usable reports whether the certificate may be used for signing at the
// given time.
func (c *Certificate) Usable(now time.Time) bool {
	return c.Status == CertActive && c.ExpiresAt.After(now)
}

// OrgCertificate is a signing credential scoped to an organizational unit,
// used for the final system seal. At most one per org may be flagged Default.
type OrgCertificate struct {
	Certificate
	OrgID   string `json:"org_id"`
	Default bool   `json:"default"`
}

// SignatureRecord is one append-only entry of the per-document signature
// ledger. Exactly one of CertificateID or OrgCertificateID is set;
// RecipientID and FieldID are empty for the system seal.
type SignatureRecord struct {
	ID               string    `json:"id"`
	DocumentID       string    `json:"document_id"`
	RecipientID      string    `json:"recipient_id,omitempty"`
	FieldID          string    `json:"field_id,omitempty"`
	CertificateID    string    `json:"certificate_id,omitempty"`
	OrgCertificateID string    `json:"org_certificate_id,omitempty"`
	Index            int       `json:"index"`
	Reason           string    `json:"reason,omitempty"`
	Location         string    `json:"location,omitempty"`
	ContactInfo      string    `json:"contact_info,omitempty"`
	SignedAt         time.Time `json:"signed_at"`
}

// DocStatus is the sealing state machine status of a document.
type DocStatus string

const (
	DocAwaitingRecipients DocStatus = "awaiting_recipients"
	DocReadyToSeal        DocStatus = "ready_to_seal"
	DocSealing            DocStatus = "sealing"
	DocSealed             DocStatus = "sealed"
	DocRejected           DocStatus = "rejected"
)

// RecipientRole distinguishes signers from non-signing observers.
type RecipientRole string

const (
	RoleSigner   RecipientRole = "signer"
	RoleObserver RecipientRole = "observer"
)

// RecipientStatus tracks a recipient's progress through the document.
type RecipientStatus string

const (
	RecipientPending   RecipientStatus = "pending"
	RecipientCompleted RecipientStatus = "completed"
	RecipientRejected  RecipientStatus = "rejected"
)

// Field is a single fillable field assigned to a recipient.
type Field struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Required  bool   `json:"required"`
	Completed bool   `json:"completed"`
}

// Recipient is one party on a document envelope.
type Recipient struct {
	ID     string          `json:"id"`
	UserID string          `json:"user_id"`
	Role   RecipientRole   `json:"role"`
	Status RecipientStatus `json:"status"`
	Fields []Field         `json:"fields,omitempty"`
}

// Document is the envelope: recipients plus pointers to the original
// (pre-signature) and current PDF bytes in the blob store.
type Document struct {
	ID           string      `json:"id"`
	OrgID        string      `json:"org_id"`
	Title        string      `json:"title"`
	Status       DocStatus   `json:"status"`
	OriginalBlob string      `json:"original_blob"`
	CurrentBlob  string      `json:"current_blob"`
	Recipients   []Recipient `json:"recipients"`
}

// Recipient returns the recipient with the given id, or nil.
func (d *Document) Recipient(id string) *Recipient {
	for i := range d.Recipients {
		if d.Recipients[i].ID == id {
			return &d.Recipients[i]
		}
	}
	return nil
}

// Store is the relational metadata store contract. Implementations must be
// safe for concurrent use.
type Store interface {
	PutCertificate(ctx context.Context, cert *Certificate) error
	GetCertificate(ctx context.Context, id string) (*Certificate, error)
	// ActiveCertificate returns the user's certificate in status active with
	// ExpiresAt after now, or ErrNotFound.
	ActiveCertificate(ctx context.Context, userID string, now time.Time) (*Certificate, error)
	// CertificatesByStatus returns all certificates in the given status.
	CertificatesByStatus(ctx context.Context, status CertStatus) ([]*Certificate, error)

	PutOrgCertificate(ctx context.Context, cert *OrgCertificate) error
	GetOrgCertificate(ctx context.Context, id string) (*OrgCertificate, error)
	// DefaultOrgCertificate returns the org's certificate flagged as default,
	// or ErrNotFound.
	DefaultOrgCertificate(ctx context.Context, orgID string) (*OrgCertificate, error)

	// AppendSignature inserts a ledger record. It fails with
	// ErrDuplicateIndex when (DocumentID, Index) already exists.
	AppendSignature(ctx context.Context, rec *SignatureRecord) error
	// SignaturesByDocument returns all records for the document sorted
	// ascending by Index.
	SignaturesByDocument(ctx context.Context, documentID string) ([]*SignatureRecord, error)

	PutDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, id string) (*Document, error)
	// TransitionDocument atomically moves the document from one of the
	// expected source states to the target state. It fails with ErrConflict
	// when the current status is not in from, making the sealing state an
	// exclusively held single-writer resource.
	TransitionDocument(ctx context.Context, id string, from []DocStatus, to DocStatus) error
}

// BlobStore is opaque content storage for PDF bytes. Handles are opaque;
// callers must not assume filesystem semantics.
type BlobStore interface {
	GetBlob(ctx context.Context, handle string) ([]byte, string, error)
	PutBlob(ctx context.Context, name, mimeType string, data []byte) (string, error)
}

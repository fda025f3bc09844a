// Package memory implements storage.Store and storage.BlobStore with
// in-process maps. It backs tests and single-process development setups.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sealdoc/sealdoc/storage"
)

// Store is an in-memory metadata and blob store.
type Store struct {
	mu        sync.RWMutex
	certs     map[string]*storage.Certificate
	orgCerts  map[string]*storage.OrgCertificate
	sigs      map[string][]*storage.SignatureRecord // by document id
	documents map[string]*storage.Document
	blobs     map[string]blob
}

type blob struct {
	mime string
	data []byte
}

var (
	_ storage.Store     = (*Store)(nil)
	_ storage.BlobStore = (*Store)(nil)
)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		certs:     make(map[string]*storage.Certificate),
		orgCerts:  make(map[string]*storage.OrgCertificate),
		sigs:      make(map[string][]*storage.SignatureRecord),
		documents: make(map[string]*storage.Document),
		blobs:     make(map[string]blob),
	}
}

func (s *Store) PutCertificate(_ context.Context, cert *storage.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cert
	s.certs[cert.ID] = &c
	return nil
}

func (s *Store) GetCertificate(_ context.Context, id string) (*storage.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.certs[id]
	if !ok {
		return nil, fmt.Errorf("certificate %s: %w", id, storage.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ActiveCertificate(_ context.Context, userID string, now time.Time) (*storage.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.certs {
		if c.UserID == userID && c.Usable(now) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("active certificate for user %s: %w", userID, storage.ErrNotFound)
}

func (s *Store) CertificatesByStatus(_ context.Context, status storage.CertStatus) ([]*storage.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.Certificate
	for _, c := range s.certs {
		if c.Status == status {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) PutOrgCertificate(_ context.Context, cert *storage.OrgCertificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cert
	s.orgCerts[cert.ID] = &c
	return nil
}

func (s *Store) GetOrgCertificate(_ context.Context, id string) (*storage.OrgCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.orgCerts[id]
	if !ok {
		return nil, fmt.Errorf("org certificate %s: %w", id, storage.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) DefaultOrgCertificate(_ context.Context, orgID string) (*storage.OrgCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.orgCerts {
		if c.OrgID == orgID && c.Default {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("default org certificate for %s: %w", orgID, storage.ErrNotFound)
}

func (s *Store) AppendSignature(_ context.Context, rec *storage.SignatureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sigs[rec.DocumentID] {
		if existing.Index == rec.Index {
			return fmt.Errorf("document %s index %d: %w", rec.DocumentID, rec.Index, storage.ErrDuplicateIndex)
		}
	}
	r := *rec
	s.sigs[rec.DocumentID] = append(s.sigs[rec.DocumentID], &r)
	return nil
}

func (s *Store) SignaturesByDocument(_ context.Context, documentID string) ([]*storage.SignatureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.sigs[documentID]
	out := make([]*storage.SignatureRecord, 0, len(recs))
	for _, r := range recs {
		rp := *r
		out = append(out, &rp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *Store) PutDocument(_ context.Context, doc *storage.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := cloneDocument(doc)
	s.documents[doc.ID] = d
	return nil
}

func (s *Store) GetDocument(_ context.Context, id string) (*storage.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.documents[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, storage.ErrNotFound)
	}
	return cloneDocument(d), nil
}

func (s *Store) TransitionDocument(_ context.Context, id string, from []storage.DocStatus, to storage.DocStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[id]
	if !ok {
		return fmt.Errorf("document %s: %w", id, storage.ErrNotFound)
	}
	for _, f := range from {
		if d.Status == f {
			d.Status = to
			return nil
		}
	}
	return fmt.Errorf("document %s is %s: %w", id, d.Status, storage.ErrConflict)
}

func (s *Store) GetBlob(_ context.Context, handle string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[handle]
	if !ok {
		return nil, "", fmt.Errorf("blob %s: %w", handle, storage.ErrNotFound)
	}
	data := make([]byte, len(b.data))
	copy(data, b.data)
	return data, b.mime, nil
}

func (s *Store) PutBlob(_ context.Context, name, mimeType string, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	handle := hex.EncodeToString(sum[:])
	cp := make([]byte, len(data))
	copy(cp, data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[handle] = blob{mime: mimeType, data: cp}
	_ = name // handles are content-addressed; the name is advisory
	return handle, nil
}

func cloneDocument(doc *storage.Document) *storage.Document {
	d := *doc
	d.Recipients = make([]storage.Recipient, len(doc.Recipients))
	copy(d.Recipients, doc.Recipients)
	for i := range d.Recipients {
		fields := make([]storage.Field, len(doc.Recipients[i].Fields))
		copy(fields, doc.Recipients[i].Fields)
		d.Recipients[i].Fields = fields
	}
	return &d
}

// Package bboltstore implements storage.Store and storage.BlobStore on top of
// a single BBolt database file.
package bboltstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/sealdoc/sealdoc/storage"
)

var (
	bucketCertificates    = []byte("certificates")
	bucketOrgCertificates = []byte("org_certificates")
	bucketSignatures      = []byte("signatures")
	bucketDocuments       = []byte("documents")
	bucketBlobs           = []byte("blobs")
	bucketBlobMeta        = []byte("blob_meta")
)

// Store persists records in a BBolt database.
type Store struct {
	db *bbolt.DB
}

var (
	_ storage.Store     = (*Store)(nil)
	_ storage.BlobStore = (*Store)(nil)
)

// Open opens (creating if needed) a BBolt database at path and ensures all
// buckets exist.
func Open(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketCertificates, bucketOrgCertificates, bucketSignatures,
			bucketDocuments, bucketBlobs, bucketBlobMeta,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func putJSON(tx *bbolt.Tx, bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

func getJSON(tx *bbolt.Tx, bucket []byte, key string, v any) error {
	data := tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return fmt.Errorf("%s/%s: %w", bucket, key, storage.ErrNotFound)
	}
	return json.Unmarshal(data, v)
}

func (s *Store) PutCertificate(_ context.Context, cert *storage.Certificate) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, bucketCertificates, cert.ID, cert)
	})
}

func (s *Store) GetCertificate(_ context.Context, id string) (*storage.Certificate, error) {
	var cert storage.Certificate
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx, bucketCertificates, id, &cert)
	})
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (s *Store) ActiveCertificate(_ context.Context, userID string, now time.Time) (*storage.Certificate, error) {
	var found *storage.Certificate
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCertificates).ForEach(func(_, v []byte) error {
			if found != nil {
				return nil
			}
			var cert storage.Certificate
			if err := json.Unmarshal(v, &cert); err != nil {
				return err
			}
			if cert.UserID == userID && cert.Usable(now) {
				found = &cert
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("active certificate for user %s: %w", userID, storage.ErrNotFound)
	}
	return found, nil
}

func (s *Store) CertificatesByStatus(_ context.Context, status storage.CertStatus) ([]*storage.Certificate, error) {
	var out []*storage.Certificate
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCertificates).ForEach(func(_, v []byte) error {
			var cert storage.Certificate
			if err := json.Unmarshal(v, &cert); err != nil {
				return err
			}
			if cert.Status == status {
				out = append(out, &cert)
			}
			return nil
		})
	})
	return out, err
}

func (s *Store) PutOrgCertificate(_ context.Context, cert *storage.OrgCertificate) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, bucketOrgCertificates, cert.ID, cert)
	})
}

func (s *Store) GetOrgCertificate(_ context.Context, id string) (*storage.OrgCertificate, error) {
	var cert storage.OrgCertificate
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx, bucketOrgCertificates, id, &cert)
	})
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (s *Store) DefaultOrgCertificate(_ context.Context, orgID string) (*storage.OrgCertificate, error) {
	var found *storage.OrgCertificate
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOrgCertificates).ForEach(func(_, v []byte) error {
			if found != nil {
				return nil
			}
			var cert storage.OrgCertificate
			if err := json.Unmarshal(v, &cert); err != nil {
				return err
			}
			if cert.OrgID == orgID && cert.Default {
				found = &cert
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("default org certificate for %s: %w", orgID, storage.ErrNotFound)
	}
	return found, nil
}

// Signature records are keyed document_id:index so that (document, index)
// uniqueness falls out of the key space and range scans return one document.
func sigKey(documentID string, index int) []byte {
	return []byte(fmt.Sprintf("%s:%010d", documentID, index))
}

func (s *Store) AppendSignature(_ context.Context, rec *storage.SignatureRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSignatures)
		key := sigKey(rec.DocumentID, rec.Index)
		if b.Get(key) != nil {
			return fmt.Errorf("document %s index %d: %w", rec.DocumentID, rec.Index, storage.ErrDuplicateIndex)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *Store) SignaturesByDocument(_ context.Context, documentID string) ([]*storage.SignatureRecord, error) {
	var out []*storage.SignatureRecord
	prefix := []byte(documentID + ":")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketSignatures).Cursor()
		for k, v := c.Seek(prefix); k != nil && len(k) > len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
			var rec storage.SignatureRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Keys are zero-padded so the cursor already yields ascending order;
	// sort anyway to keep the contract independent of the key encoding.
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *Store) PutDocument(_ context.Context, doc *storage.Document) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, bucketDocuments, doc.ID, doc)
	})
}

func (s *Store) GetDocument(_ context.Context, id string) (*storage.Document, error) {
	var doc storage.Document
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx, bucketDocuments, id, &doc)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *Store) TransitionDocument(_ context.Context, id string, from []storage.DocStatus, to storage.DocStatus) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		var doc storage.Document
		if err := getJSON(tx, bucketDocuments, id, &doc); err != nil {
			return err
		}
		for _, f := range from {
			if doc.Status == f {
				doc.Status = to
				return putJSON(tx, bucketDocuments, id, &doc)
			}
		}
		return fmt.Errorf("document %s is %s: %w", id, doc.Status, storage.ErrConflict)
	})
}

func (s *Store) GetBlob(_ context.Context, handle string) ([]byte, string, error) {
	var data []byte
	var mime string
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketBlobs).Get([]byte(handle))
		if raw == nil {
			return fmt.Errorf("blob %s: %w", handle, storage.ErrNotFound)
		}
		data = make([]byte, len(raw))
		copy(data, raw)
		mime = string(tx.Bucket(bucketBlobMeta).Get([]byte(handle)))
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return data, mime, nil
}

func (s *Store) PutBlob(_ context.Context, name, mimeType string, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	handle := hex.EncodeToString(sum[:])
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketBlobs).Put([]byte(handle), data); err != nil {
			return err
		}
		return tx.Bucket(bucketBlobMeta).Put([]byte(handle), []byte(mimeType))
	})
	if err != nil {
		return "", err
	}
	_ = name
	return handle, nil
}

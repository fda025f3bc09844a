// Package testpki provides throwaway PKI material and an in-process SCEP
// responder for tests: a self-signed CA, leaf issuance, PKCS#12 bundling and
// a minimal single-page PDF with a classic xref table.
package testpki

import (
	"bytes"
	"compress/zlib"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/micromdm/scep/v2/scep"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// CA is a throwaway certificate authority. The key is RSA because the SCEP
// envelope requires RSA decryption on the CA side.
type CA struct {
	Key  *rsa.PrivateKey
	Cert *x509.Certificate

	mu      sync.Mutex
	serial  int64
	revoked map[string]time.Time
}

// NewCA creates a fresh self-signed CA.
func NewCA(t *testing.T) *CA {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate CA key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   "SealDoc Test CA",
			Organization: []string{"SealDoc Test Org"},
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		t.Fatalf("create CA cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse CA cert: %v", err)
	}

	return &CA{Key: key, Cert: cert, serial: 1, revoked: make(map[string]time.Time)}
}

// IssueLeaf issues a signing certificate for the common name.
func (ca *CA) IssueLeaf(t *testing.T, commonName string) (crypto.Signer, *x509.Certificate) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate leaf key: %v", err)
	}
	cert := ca.signKey(t, commonName, key.Public())
	return key, cert
}

func (ca *CA) signKey(t *testing.T, commonName string, pub crypto.PublicKey) *x509.Certificate {
	t.Helper()

	ca.mu.Lock()
	ca.serial++
	serial := big.NewInt(ca.serial)
	ca.mu.Unlock()

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"SealDoc Test Org"},
		},
		NotBefore:   time.Now().Add(-1 * time.Hour),
		NotAfter:    time.Now().Add(12 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.Cert, pub, ca.Key)
	if err != nil {
		t.Fatalf("issue leaf cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse leaf cert: %v", err)
	}
	return cert
}

// IssueP12 issues a leaf and wraps key, certificate and CA chain into a
// PKCS#12 archive protected by passphrase.
func (ca *CA) IssueP12(t *testing.T, commonName, passphrase string) []byte {
	t.Helper()

	key, cert := ca.IssueLeaf(t, commonName)
	archive, err := pkcs12.Modern.Encode(key, cert, []*x509.Certificate{ca.Cert}, passphrase)
	if err != nil {
		t.Fatalf("encode p12: %v", err)
	}
	return archive
}

// Revoke marks a serial revoked for the admin endpoints.
func (ca *CA) Revoke(serial string) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.revoked[serial] = time.Now()
}

// SCEPServer starts an httptest server speaking enough SCEP for enrollment
// (GetCACert, PKIOperation with PKCSReq) plus the JSON admin endpoints for
// certificate status and revocation. Enrollment requests with a challenge
// password different from challenge are rejected with a FAILURE PKIMessage.
func (ca *CA) SCEPServer(t *testing.T, challenge string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/scep", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("operation") {
		case "GetCACert":
			w.Header().Set("Content-Type", "application/x-x509-ca-cert")
			_, _ = w.Write(ca.Cert.Raw)
		case "PKIOperation":
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			ca.servePKIOperation(t, w, body, challenge)
		default:
			http.Error(w, "unsupported operation", http.StatusBadRequest)
		}
	})
	mux.HandleFunc("/admin/certificates/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/admin/certificates/")
		if r.Method == http.MethodPost && strings.HasSuffix(rest, "/revoke") {
			ca.Revoke(strings.TrimSuffix(rest, "/revoke"))
			w.WriteHeader(http.StatusOK)
			return
		}
		ca.mu.Lock()
		_, revoked := ca.revoked[rest]
		ca.mu.Unlock()
		status := "valid"
		if revoked {
			status = "revoked"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func (ca *CA) servePKIOperation(t *testing.T, w http.ResponseWriter, body []byte, challenge string) {
	msg, err := scep.ParsePKIMessage(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := msg.DecryptPKIEnvelope(ca.Cert, ca.Key); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var reply *scep.PKIMessage
	if challenge != "" && msg.CSRReqMessage.ChallengePassword != challenge {
		reply, err = msg.Fail(ca.Cert, ca.Key, scep.BadRequest)
	} else {
		csr := msg.CSRReqMessage.CSR
		crt := ca.signKey(t, csr.Subject.CommonName, csr.PublicKey)
		reply, err = msg.Success(ca.Cert, ca.Key, crt)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-pki-message")
	_, _ = w.Write(reply.Raw)
}

// BuildXrefStreamPDF assembles a minimal document whose cross-reference
// section is a stream object instead of a classic table.
func BuildXrefStreamPDF(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.5\n")

	var offsets []int64
	addObject := func(body string) {
		offsets = append(offsets, int64(buf.Len()))
		buf.WriteString(body)
	}

	stream := "BT /F1 24 Tf 72 720 Td (Agreement) Tj ET"
	addObject("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	addObject("2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n")
	addObject("3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R >>\nendobj\n")
	addObject(fmt.Sprintf("4 0 obj\n<< /Length %d >>\nstream\n%s\nendstream\nendobj\n", len(stream), stream))

	// xref stream object covering objects 0..5, W [1 4 1], no predictor.
	xrefStart := int64(buf.Len())
	var entries bytes.Buffer
	writeEntry := func(kind byte, offset int64) {
		entries.WriteByte(kind)
		entries.Write([]byte{byte(offset >> 24), byte(offset >> 16), byte(offset >> 8), byte(offset)})
		entries.WriteByte(0)
	}
	writeEntry(0, 0)
	for _, offset := range offsets {
		writeEntry(1, offset)
	}
	writeEntry(1, xrefStart)

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write(entries.Bytes()); err != nil {
		t.Fatalf("compress xref stream: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close xref stream writer: %v", err)
	}

	fmt.Fprintf(&buf, "5 0 obj\n<< /Type /XRef /Size 6 /W [1 4 1] /Filter /FlateDecode /Length %d /Root 1 0 R >>\nstream\n", compressed.Len())
	buf.Write(compressed.Bytes())
	buf.WriteString("\nendstream\nendobj\n")
	fmt.Fprintf(&buf, "startxref\n%d\n%%%%EOF\n", xrefStart)

	return buf.Bytes()
}

// BuildPDF assembles a minimal one-page document with a classic xref table.
// Offsets are computed while writing, so the table is always consistent.
func BuildPDF(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")

	var offsets []int64
	addObject := func(body string) {
		offsets = append(offsets, int64(buf.Len()))
		buf.WriteString(body)
	}

	stream := "BT /F1 24 Tf 72 720 Td (Agreement) Tj ET"
	addObject("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	addObject("2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n")
	addObject("3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 5 0 R >> >> /Contents 4 0 R >>\nendobj\n")
	addObject(fmt.Sprintf("4 0 obj\n<< /Length %d >>\nstream\n%s\nendstream\nendobj\n", len(stream), stream))
	addObject("5 0 obj\n<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>\nendobj\n")

	xrefStart := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, offset := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", offset)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xrefStart)

	return buf.Bytes()
}

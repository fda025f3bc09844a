package revocation

import (
	"crypto/rand"
	"crypto/x509"
	"math/big"
	"testing"
	"time"

	"github.com/sealdoc/sealdoc/internal/testpki"
)

func TestAddAppendsRawMaterial(t *testing.T) {
	var info InfoArchival

	if err := info.AddCRL([]byte("crl-bytes")); err != nil {
		t.Fatalf("AddCRL: %v", err)
	}
	if err := info.AddOCSP([]byte("ocsp-bytes")); err != nil {
		t.Fatalf("AddOCSP: %v", err)
	}

	if len(info.CRL) != 1 || len(info.OCSP) != 1 {
		t.Fatalf("expected 1 CRL and 1 OCSP entry, got %d and %d", len(info.CRL), len(info.OCSP))
	}
}

func TestIsRevokedByCRL(t *testing.T) {
	ca := testpki.NewCA(t)
	_, revokedCert := ca.IssueLeaf(t, "revoked-leaf")
	_, validCert := ca.IssueLeaf(t, "valid-leaf")

	crl, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:     big.NewInt(1),
		ThisUpdate: time.Now(),
		NextUpdate: time.Now().Add(24 * time.Hour),
		RevokedCertificateEntries: []x509.RevocationListEntry{
			{SerialNumber: revokedCert.SerialNumber, RevocationTime: time.Now()},
		},
	}, ca.Cert, ca.Key)
	if err != nil {
		t.Fatalf("CreateRevocationList: %v", err)
	}

	var info InfoArchival
	if err := info.AddCRL(crl); err != nil {
		t.Fatalf("AddCRL: %v", err)
	}

	if !info.IsRevoked(revokedCert) {
		t.Error("certificate listed in the CRL should be revoked")
	}
	if info.IsRevoked(validCert) {
		t.Error("certificate absent from the CRL should not be revoked")
	}
}

func TestIsRevokedSkipsUnparsableMaterial(t *testing.T) {
	ca := testpki.NewCA(t)
	_, cert := ca.IssueLeaf(t, "leaf")

	var info InfoArchival
	if err := info.AddCRL([]byte("not a crl")); err != nil {
		t.Fatalf("AddCRL: %v", err)
	}
	if err := info.AddOCSP([]byte("not an ocsp response")); err != nil {
		t.Fatalf("AddOCSP: %v", err)
	}

	if info.IsRevoked(cert) {
		t.Error("garbage material must not mark a certificate revoked")
	}
}

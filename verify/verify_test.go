package verify_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sealdoc/sealdoc/internal/testpki"
	"github.com/sealdoc/sealdoc/sign"
	"github.com/sealdoc/sealdoc/verify"
)

func TestBytesUnsignedDocument(t *testing.T) {
	_, err := verify.Bytes(testpki.BuildPDF(t))
	if !errors.Is(err, verify.ErrNoSignatures) {
		t.Fatalf("expected ErrNoSignatures, got %v", err)
	}
}

func TestBytesSingleSignature(t *testing.T) {
	ca := testpki.NewCA(t)
	signer, cert := ca.IssueLeaf(t, "Alice Example")

	signed, err := sign.SignBytes(testpki.BuildPDF(t), sign.Request{
		Credential: &sign.Credential{Signer: signer, Certificate: cert},
		FieldName:  "Signature-1",
		Info: sign.SignerInfo{
			Name:     "Alice Example",
			Reason:   "Signed by recipient",
			Location: "Amsterdam",
			Date:     time.Now(),
		},
	})
	if err != nil {
		t.Fatalf("SignBytes: %v", err)
	}

	result, err := verify.Bytes(signed)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if len(result.Signatures) != 1 {
		t.Fatalf("expected 1 signature, got %d", len(result.Signatures))
	}

	sig := result.Signatures[0]
	if !sig.Valid {
		t.Fatalf("signature did not verify: %s", sig.VerifyError)
	}
	if !sig.CoversDocument {
		t.Fatal("single signature should cover the whole document")
	}
	if sig.FieldName != "Signature-1" {
		t.Errorf("field name = %q, want Signature-1", sig.FieldName)
	}
	if sig.SignerName != "Alice Example" {
		t.Errorf("signer name = %q, want Alice Example", sig.SignerName)
	}
	if sig.Reason != "Signed by recipient" {
		t.Errorf("reason = %q, want Signed by recipient", sig.Reason)
	}
	if sig.Location != "Amsterdam" {
		t.Errorf("location = %q, want Amsterdam", sig.Location)
	}
	if sig.SigningTime.IsZero() {
		t.Error("signing time not parsed from /M")
	}
	if !result.AllValid() {
		t.Error("AllValid should be true")
	}
}

func TestBytesIncrementalChain(t *testing.T) {
	ca := testpki.NewCA(t)

	current := testpki.BuildPDF(t)
	for i, name := range []string{"Alice Example", "Bob Example"} {
		signer, cert := ca.IssueLeaf(t, name)
		signed, err := sign.SignBytes(current, sign.Request{
			Credential: &sign.Credential{Signer: signer, Certificate: cert},
			FieldName:  fmt.Sprintf("Signature-%d", i+1),
			Info:       sign.SignerInfo{Name: name, Date: time.Now()},
		})
		if err != nil {
			t.Fatalf("SignBytes %s: %v", name, err)
		}
		current = signed
	}

	result, err := verify.Bytes(current)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if len(result.Signatures) != 2 {
		t.Fatalf("expected 2 signatures, got %d", len(result.Signatures))
	}
	if !result.AllValid() {
		for _, sig := range result.Signatures {
			if !sig.Valid {
				t.Errorf("slot %s invalid: %s", sig.FieldName, sig.VerifyError)
			}
		}
		t.Fatal("chain did not verify")
	}

	// The first signature covers its own revision only; the last one covers
	// the whole file.
	if result.Signatures[0].CoversDocument {
		t.Error("first signature should not cover the final document")
	}
	if !result.Signatures[1].CoversDocument {
		t.Error("final signature should cover the whole document")
	}
	if result.Signatures[0].SignerName != "Alice Example" {
		t.Errorf("first signer = %q", result.Signatures[0].SignerName)
	}
	if result.Signatures[1].SignerName != "Bob Example" {
		t.Errorf("second signer = %q", result.Signatures[1].SignerName)
	}
}

func TestBytesDetectsTampering(t *testing.T) {
	ca := testpki.NewCA(t)
	signer, cert := ca.IssueLeaf(t, "Alice Example")

	signed, err := sign.SignBytes(testpki.BuildPDF(t), sign.Request{
		Credential: &sign.Credential{Signer: signer, Certificate: cert},
		Info:       sign.SignerInfo{Name: "Alice Example", Date: time.Now()},
	})
	if err != nil {
		t.Fatalf("SignBytes: %v", err)
	}

	// Flip a content byte inside the signed revision.
	tampered := make([]byte, len(signed))
	copy(tampered, signed)
	tampered[100] ^= 0x01

	result, err := verify.Bytes(tampered)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if result.AllValid() {
		t.Fatal("tampered document must not verify")
	}
	if result.Signatures[0].VerifyError == "" {
		t.Error("expected a verification error on the tampered slot")
	}
}

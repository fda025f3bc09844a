package sign

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
)

var (
	ErrNilSigner      = errors.New("signer cannot be nil")
	ErrNilPublicKey   = errors.New("public key cannot be nil")
	ErrNilCertificate = errors.New("certificate cannot be nil")
	ErrUnsupportedKey = errors.New("unsupported key type")
	ErrKeyMismatch    = errors.New("signer public key does not match certificate")
)

// DefaultSignatureSize is the fallback for unrecognized key types.
const DefaultSignatureSize = 8192

// PublicKeySignatureSize returns the maximum signature size in bytes for a
// public key. Do not use Certificate.SignatureAlgorithm for this - that's how
// the CA signed the cert, not the size of signatures this key produces.
func PublicKeySignatureSize(pub crypto.PublicKey) (int, error) {
	if pub == nil {
		return 0, ErrNilPublicKey
	}

	switch k := pub.(type) {
	case *rsa.PublicKey:
		if k.N == nil {
			return 0, fmt.Errorf("%w: RSA key has nil modulus", ErrUnsupportedKey)
		}
		return k.Size(), nil

	case *ecdsa.PublicKey:
		if k.Curve == nil {
			return 0, fmt.Errorf("%w: ECDSA key has nil curve", ErrUnsupportedKey)
		}
		// DER SEQUENCE { r INTEGER, s INTEGER } per RFC 3279: two coords plus
		// 9 bytes of tag/length/padding overhead.
		coordSize := (k.Curve.Params().BitSize + 7) / 8
		return 2*coordSize + 9, nil

	case ed25519.PublicKey:
		return ed25519.SignatureSize, nil

	default:
		return 0, fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
}

// ValidateSignerCertificateMatch checks that the signer's public key matches
// the certificate.
func ValidateSignerCertificateMatch(signer crypto.Signer, cert *x509.Certificate) error {
	if signer == nil {
		return ErrNilSigner
	}
	if cert == nil {
		return ErrNilCertificate
	}

	signerPub := signer.Public()
	if signerPub == nil {
		return ErrNilPublicKey
	}

	signerPubBytes, err := x509.MarshalPKIXPublicKey(signerPub)
	if err != nil {
		return fmt.Errorf("failed to marshal signer public key: %w", err)
	}

	certPubBytes, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to marshal certificate public key: %w", err)
	}

	if !bytes.Equal(signerPubBytes, certPubBytes) {
		return ErrKeyMismatch
	}

	return nil
}

package seal

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/sealdoc/sealdoc/certs"
	"github.com/sealdoc/sealdoc/sign"
	"github.com/sealdoc/sealdoc/storage"
)

// ErrNoCredential is returned by a provider that has nothing to offer; the
// chain moves on to the next one.
var ErrNoCredential = errors.New("seal: no seal credential available")

// CredentialProvider yields the credential for the final system seal,
// together with the id of the organization certificate row backing it so the
// ledger record stays resolvable for later replays.
type CredentialProvider interface {
	SealCredential(ctx context.Context, doc *storage.Document) (*sign.Credential, string, error)
}

// StoreProvider resolves the org's default certificate from the metadata
// store. First in the chain.
type StoreProvider struct {
	Certs *certs.Manager
}

func (p *StoreProvider) SealCredential(ctx context.Context, doc *storage.Document) (*sign.Credential, string, error) {
	cert, secret, err := p.Certs.DefaultOrgSecret(ctx, doc.OrgID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, "", ErrNoCredential
	}
	if err != nil {
		return nil, "", err
	}
	cred, err := sign.LoadCredential(secret.Archive, secret.Passphrase)
	if err != nil {
		return nil, "", err
	}
	return cred, cert.ID, nil
}

// ExternalProvider registers an externally supplied PKCS#12 archive as the
// org default on first use, so subsequent seals resolve it through the
// store. Backs both the environment and the file configuration sources.
type ExternalProvider struct {
	Certs      *certs.Manager
	Archive    []byte
	Passphrase string
}

// NewEnvProvider reads a base64 PKCS#12 archive and its passphrase from the
// given environment variables, returning nil when the archive is unset.
func NewEnvProvider(manager *certs.Manager, archiveVar, passphraseVar string) *ExternalProvider {
	encoded := os.Getenv(archiveVar)
	if encoded == "" {
		return nil
	}
	archive, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil
	}
	return &ExternalProvider{
		Certs:      manager,
		Archive:    archive,
		Passphrase: os.Getenv(passphraseVar),
	}
}

// NewFileProvider reads a PKCS#12 archive from disk, returning nil when the
// path is unset or unreadable.
func NewFileProvider(manager *certs.Manager, path, passphrase string) *ExternalProvider {
	if path == "" {
		return nil
	}
	archive, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return &ExternalProvider{Certs: manager, Archive: archive, Passphrase: passphrase}
}

func (p *ExternalProvider) SealCredential(ctx context.Context, doc *storage.Document) (*sign.Credential, string, error) {
	if len(p.Archive) == 0 {
		return nil, "", ErrNoCredential
	}
	cert, err := p.Certs.RegisterOrgCertificate(ctx, doc.OrgID, p.Archive, p.Passphrase, true)
	if err != nil {
		return nil, "", err
	}
	cred, err := sign.LoadCredential(p.Archive, p.Passphrase)
	if err != nil {
		return nil, "", err
	}
	return cred, cert.ID, nil
}

// EphemeralProvider generates a self-signed seal credential when nothing
// else is configured. The document still comes out validly signed, just not
// by a CA-backed identity; the generated credential is registered as the org
// default so re-entry and replay resolve the same certificate.
type EphemeralProvider struct {
	Certs        *certs.Manager
	Organization string
}

func (p *EphemeralProvider) SealCredential(ctx context.Context, doc *storage.Document) (*sign.Credential, string, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, "", err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, "", err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   p.Organization,
			Organization: []string{p.Organization},
		},
		NotBefore: time.Now().Add(-5 * time.Minute),
		NotAfter:  time.Now().AddDate(10, 0, 0),
		KeyUsage:  x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, "", fmt.Errorf("generate seal certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, "", err
	}

	passphraseBytes := make([]byte, 24)
	if _, err := rand.Read(passphraseBytes); err != nil {
		return nil, "", err
	}
	passphrase := base64.RawURLEncoding.EncodeToString(passphraseBytes)

	archive, err := pkcs12.Modern.Encode(key, cert, nil, passphrase)
	if err != nil {
		return nil, "", fmt.Errorf("encode seal archive: %w", err)
	}

	stored, err := p.Certs.RegisterOrgCertificate(ctx, doc.OrgID, archive, passphrase, true)
	if err != nil {
		return nil, "", err
	}

	return &sign.Credential{Signer: key, Certificate: cert}, stored.ID, nil
}

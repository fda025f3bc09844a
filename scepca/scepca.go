// Package scepca obtains, inspects and revokes signing certificates against
// an external certificate authority over SCEP.
//
// Enrollment follows the usual flow: generate a key pair and CSR locally,
// authenticate the request with the shared challenge secret, submit a PKCSReq
// PKIOperation, poll while the CA reports PENDING, then bundle the issued
// certificate and private key into a password-protected PKCS#12 archive with
// a freshly generated passphrase that is independent of the SCEP transaction.
// Status and revocation go to the CA's admin surface; SCEP itself has no
// revocation operation.
package scepca

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/micromdm/scep/v2/cryptoutil/x509util"
	"github.com/micromdm/scep/v2/scep"
	"go.uber.org/zap"
	"software.sslmate.com/src/go-pkcs12"
)

var (
	// ErrDisabled is returned by every operation when the CA subsystem is
	// switched off by configuration.
	ErrDisabled = errors.New("scepca: certificate authority is disabled")

	// ErrUnavailable marks retryable failures: the CA is unreachable, timed
	// out, or rejected the request. Callers must not persist partial state.
	ErrUnavailable = errors.New("scepca: certificate authority unavailable")
)

// Status mirrors the CA's view of a certificate.
type Status string

const (
	StatusValid   Status = "valid"
	StatusRevoked Status = "revoked"
	StatusUnknown Status = "unknown"
)

// Config is the CA client configuration surface.
type Config struct {
	// URL is the SCEP enrollment endpoint.
	URL string
	// AdminURL is the CA's status/revocation endpoint. Defaults to URL.
	AdminURL string
	// ChallengeSecret authenticates enrollment requests.
	ChallengeSecret string
	// Profile names the certificate profile, sent as the GetCACert message.
	Profile string
	// Organization is placed in issued certificate subjects.
	Organization string
	// Enabled switches the whole subsystem; when false every call fails
	// with ErrDisabled.
	Enabled bool
	// Timeout bounds individual HTTP exchanges.
	Timeout time.Duration
	// PollInterval and MaxPolls bound the issuance wait while PENDING.
	PollInterval time.Duration
	MaxPolls     int
}

// Issued is the result of a successful enrollment.
type Issued struct {
	SerialNumber string
	CommonName   string
	// Archive is the password-protected PKCS#12 bundle of private key,
	// certificate and CA chain.
	Archive    []byte
	Passphrase string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// Subject is the requested certificate identity.
type Subject struct {
	CommonName   string
	Organization string
}

// Client speaks SCEP to the CA.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New returns a configured Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.AdminURL == "" {
		cfg.AdminURL = cfg.URL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxPolls == 0 {
		cfg.MaxPolls = 5
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "scepca")),
	}
}

// RequestCertificate enrolls a new signing certificate for the subject.
func (c *Client) RequestCertificate(ctx context.Context, subject Subject) (*Issued, error) {
	if !c.cfg.Enabled {
		return nil, ErrDisabled
	}
	if subject.Organization == "" {
		subject.Organization = c.cfg.Organization
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}

	csrDER, err := x509util.CreateCertificateRequest(rand.Reader, &x509util.CertificateRequest{
		CertificateRequest: x509.CertificateRequest{
			Subject: pkix.Name{
				CommonName:   subject.CommonName,
				Organization: []string{subject.Organization},
			},
			SignatureAlgorithm: x509.SHA256WithRSA,
		},
		ChallengePassword: c.cfg.ChallengeSecret,
	}, key)
	if err != nil {
		return nil, fmt.Errorf("creating csr: %w", err)
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, fmt.Errorf("parsing csr: %w", err)
	}

	// SCEP wraps the CSR in an enveloped message signed by a throwaway
	// self-signed certificate for the same key.
	signerCert, err := selfSign(key, subject.CommonName)
	if err != nil {
		return nil, fmt.Errorf("creating self-signed requester certificate: %w", err)
	}

	caCerts, err := c.getCACerts(ctx)
	if err != nil {
		return nil, err
	}

	tmpl := &scep.PKIMessage{
		MessageType: scep.PKCSReq,
		Recipients:  caCerts,
		SignerKey:   key,
		SignerCert:  signerCert,
	}
	msg, err := scep.NewCSRRequest(csr, tmpl)
	if err != nil {
		return nil, fmt.Errorf("building PKCSReq: %w", err)
	}

	respMsg, err := c.submitAndWait(ctx, msg.Raw, caCerts)
	if err != nil {
		return nil, err
	}
	if err := respMsg.DecryptPKIEnvelope(signerCert, key); err != nil {
		return nil, fmt.Errorf("decrypting CertRep envelope: %w", err)
	}
	cert := respMsg.CertRepMessage.Certificate
	if cert == nil {
		return nil, fmt.Errorf("%w: CertRep carried no certificate", ErrUnavailable)
	}

	passphrase, err := newPassphrase()
	if err != nil {
		return nil, err
	}
	archive, err := pkcs12.Modern.Encode(key, cert, caCerts, passphrase)
	if err != nil {
		return nil, fmt.Errorf("encoding pkcs12 archive: %w", err)
	}

	c.logger.Info("certificate issued",
		zap.String("common_name", cert.Subject.CommonName),
		zap.String("serial", cert.SerialNumber.String()),
		zap.Time("expires_at", cert.NotAfter))

	return &Issued{
		SerialNumber: cert.SerialNumber.String(),
		CommonName:   cert.Subject.CommonName,
		Archive:      archive,
		Passphrase:   passphrase,
		IssuedAt:     cert.NotBefore,
		ExpiresAt:    cert.NotAfter,
	}, nil
}

// submitAndWait posts the PKIOperation and, while the CA answers PENDING,
// resubmits the same transaction at PollInterval up to MaxPolls times.
func (c *Client) submitAndWait(ctx context.Context, raw []byte, caCerts []*x509.Certificate) (*scep.PKIMessage, error) {
	for attempt := 0; ; attempt++ {
		respBytes, err := c.pkiOperation(ctx, raw)
		if err != nil {
			return nil, err
		}
		respMsg, err := scep.ParsePKIMessage(respBytes, scep.WithCACerts(caCerts))
		if err != nil {
			return nil, fmt.Errorf("parsing CertRep: %w", err)
		}
		switch respMsg.PKIStatus {
		case scep.SUCCESS:
			return respMsg, nil
		case scep.FAILURE:
			return nil, fmt.Errorf("%w: enrollment rejected (fail info %s)", ErrUnavailable, respMsg.FailInfo)
		case scep.PENDING:
			if attempt >= c.cfg.MaxPolls {
				return nil, fmt.Errorf("%w: enrollment still pending after %d polls", ErrUnavailable, attempt)
			}
			c.logger.Debug("enrollment pending", zap.Int("attempt", attempt+1))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			case <-time.After(c.cfg.PollInterval):
			}
		default:
			return nil, fmt.Errorf("%w: unexpected pkiStatus %q", ErrUnavailable, respMsg.PKIStatus)
		}
	}
}

// CertificateStatus asks the CA's admin surface for the certificate status.
func (c *Client) CertificateStatus(ctx context.Context, serialNumber string) (Status, error) {
	if !c.cfg.Enabled {
		return StatusUnknown, ErrDisabled
	}
	endpoint := fmt.Sprintf("%s/certificates/%s", c.cfg.AdminURL, url.PathEscape(serialNumber))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return StatusUnknown, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return StatusUnknown, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return StatusUnknown, fmt.Errorf("%w: status query returned %d", ErrUnavailable, resp.StatusCode)
	}
	var body struct {
		Status Status `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return StatusUnknown, fmt.Errorf("decoding status response: %w", err)
	}
	return body.Status, nil
}

// Revoke asks the CA to revoke the certificate. Failures surface to the
// caller, who treats local revocation as best-effort-forward.
func (c *Client) Revoke(ctx context.Context, serialNumber, reason string) error {
	if !c.cfg.Enabled {
		return ErrDisabled
	}
	endpoint := fmt.Sprintf("%s/certificates/%s/revoke", c.cfg.AdminURL, url.PathEscape(serialNumber))
	payload, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%w: revocation returned %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func (c *Client) getCACerts(ctx context.Context) ([]*x509.Certificate, error) {
	endpoint := fmt.Sprintf("%s?operation=GetCACert&message=%s", c.cfg.URL, url.QueryEscape(c.cfg.Profile))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: GetCACert returned %d", ErrUnavailable, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading GetCACert response: %w", err)
	}

	if resp.Header.Get("Content-Type") == "application/x-x509-ca-cert" {
		cert, err := x509.ParseCertificate(body)
		if err != nil {
			return nil, fmt.Errorf("parsing CA certificate: %w", err)
		}
		return []*x509.Certificate{cert}, nil
	}
	// Degenerate PKCS#7 carrying the CA/RA chain.
	certs, err := scep.CACerts(body)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate chain: %w", err)
	}
	return certs, nil
}

func (c *Client) pkiOperation(ctx context.Context, raw []byte) ([]byte, error) {
	endpoint := c.cfg.URL + "?operation=PKIOperation"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-pki-message")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: PKIOperation returned %d", ErrUnavailable, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading PKIOperation response: %w", err)
	}
	return body, nil
}

func selfSign(key *rsa.PrivateKey, commonName string) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-10 * time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

func newPassphrase() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating passphrase: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

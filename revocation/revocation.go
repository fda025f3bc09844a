// Package revocation models the Adobe revocation-information archival
// attribute (1.2.840.113583.1.1.8): CRLs and OCSP responses captured at
// signing time and embedded in the CMS object, so a signature can be audited
// long after the issuing CA stopped answering for the certificate.
package revocation

import (
	"crypto/x509"
	"encoding/asn1"

	"golang.org/x/crypto/ocsp"
)

// InfoArchival is the archival attribute payload carrying revocation
// information for the embedded certificate chain.
type InfoArchival struct {
	CRL   CRL   `asn1:"tag:0,optional,explicit"`
	OCSP  OCSP  `asn1:"tag:1,optional,explicit"`
	Other Other `asn1:"tag:2,optional,explicit"`
}

// AddCRL embeds the raw bytes of a DER-encoded CRL.
func (r *InfoArchival) AddCRL(b []byte) error {
	r.CRL = append(r.CRL, asn1.RawValue{FullBytes: b})
	return nil
}

// AddOCSP embeds the raw bytes of a DER-encoded OCSP response.
func (r *InfoArchival) AddOCSP(b []byte) error {
	r.OCSP = append(r.OCSP, asn1.RawValue{FullBytes: b})
	return nil
}

// IsRevoked reports whether the archived material marks the certificate as
// revoked. Material that fails to parse is skipped; absence of any statement
// about the certificate means not revoked.
func (r *InfoArchival) IsRevoked(c *x509.Certificate) bool {
	for _, raw := range r.CRL {
		crl, err := x509.ParseRevocationList(raw.FullBytes)
		if err != nil {
			continue
		}
		for _, entry := range crl.RevokedCertificateEntries {
			if entry.SerialNumber.Cmp(c.SerialNumber) == 0 {
				return true
			}
		}
	}

	for _, raw := range r.OCSP {
		resp, err := ocsp.ParseResponseForCert(raw.FullBytes, c, nil)
		if err != nil {
			continue
		}
		if resp.Status == ocsp.Revoked {
			return true
		}
	}

	return false
}

// CRL holds raw DER-encoded certificate revocation lists.
type CRL []asn1.RawValue

// OCSP holds raw DER-encoded OCSP responses.
type OCSP []asn1.RawValue

// Other carries revocation information in a format outside CRL and OCSP.
type Other struct {
	Type  asn1.ObjectIdentifier
	Value []byte
}

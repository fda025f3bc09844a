// Package verify inspects the signature chain of a sealed document: it walks
// the AcroForm signature fields, checks every detached CMS signature against
// its ByteRange and reports per-slot results. Revocation status is not
// evaluated; sealed documents carry their revocation material as an archival
// attribute for out-of-band auditing.
package verify

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/digitorus/pdf"
	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"
)

// ErrNoSignatures is returned when the document carries no signature fields.
var ErrNoSignatures = errors.New("verify: document has no signatures")

// oidTimestampToken is the RFC 3161 id-aa-timeStampToken unsigned attribute.
var oidTimestampToken = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}

// Signature is one verified signature slot.
type Signature struct {
	// FieldName is the AcroForm field name, e.g. "Signature-3".
	FieldName string
	// SignerName is the common name of the signing certificate's subject.
	SignerName string

	Name        string
	Reason      string
	Location    string
	ContactInfo string

	// Valid reports whether the CMS signature verifies over the byte range.
	Valid bool
	// VerifyError carries the verification failure when Valid is false.
	VerifyError string

	// CoversDocument reports whether the ByteRange extends to the end of the
	// file. In an incremental chain only the final signature covers
	// everything; earlier slots cover the revision they were applied to.
	CoversDocument bool

	// SigningTime is the claimed time from the signature dictionary's /M
	// entry. It is asserted by the signer, not proven.
	SigningTime time.Time
	// Timestamp is the RFC 3161 token when one is attached; its GenTime is
	// backed by the TSA rather than the signer.
	Timestamp *timestamp.Timestamp

	Certificates []*x509.Certificate
}

// Result is the outcome of verifying one document.
type Result struct {
	Signatures []Signature
}

// AllValid reports whether every signature slot verified.
func (r *Result) AllValid() bool {
	for _, sig := range r.Signatures {
		if !sig.Valid {
			return false
		}
	}
	return len(r.Signatures) > 0
}

// Bytes verifies all signatures in the document.
func Bytes(input []byte) (*Result, error) {
	return Reader(bytes.NewReader(input), int64(len(input)))
}

// Reader verifies all signatures in the document read from r.
func Reader(r io.ReaderAt, size int64) (*Result, error) {
	rdr, err := pdf.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("parsing document: %w", err)
	}

	fields := rdr.Trailer().Key("Root").Key("AcroForm").Key("Fields")
	if fields.IsNull() || fields.Len() == 0 {
		return nil, ErrNoSignatures
	}

	result := &Result{}
	for i := 0; i < fields.Len(); i++ {
		field := fields.Index(i)
		if field.Key("FT").Name() != "Sig" {
			continue
		}
		v := field.Key("V")
		if v.IsNull() {
			continue
		}

		sig := Signature{
			FieldName:   field.Key("T").Text(),
			Name:        v.Key("Name").Text(),
			Reason:      v.Key("Reason").Text(),
			Location:    v.Key("Location").Text(),
			ContactInfo: v.Key("ContactInfo").Text(),
		}
		if m := v.Key("M"); !m.IsNull() {
			if t, err := parsePDFDate(m.Text()); err == nil {
				sig.SigningTime = t
			}
		}

		verifySlot(r, size, v, &sig)
		result.Signatures = append(result.Signatures, sig)
	}

	if len(result.Signatures) == 0 {
		return nil, ErrNoSignatures
	}
	return result, nil
}

// verifySlot checks one signature dictionary's CMS object against the bytes
// its ByteRange names.
func verifySlot(r io.ReaderAt, size int64, v pdf.Value, sig *Signature) {
	p7, err := pkcs7.Parse([]byte(v.Key("Contents").RawString()))
	if err != nil {
		sig.VerifyError = fmt.Sprintf("parsing CMS object: %v", err)
		return
	}

	// ByteRange is pairs of (offset, length); the digest covers their
	// concatenation, leaving only the Contents hex hole uncovered.
	byteRange := v.Key("ByteRange")
	var content []byte
	var rangeEnd int64
	for i := 0; i+1 < byteRange.Len(); i += 2 {
		offset := byteRange.Index(i).Int64()
		length := byteRange.Index(i + 1).Int64()
		part := make([]byte, length)
		if _, err := r.ReadAt(part, offset); err != nil {
			sig.VerifyError = fmt.Sprintf("reading byte range [%d %d]: %v", offset, length, err)
			return
		}
		content = append(content, part...)
		if offset+length > rangeEnd {
			rangeEnd = offset + length
		}
	}
	p7.Content = content
	sig.CoversDocument = rangeEnd == size

	sig.Certificates = p7.Certificates
	if signerCert := p7.GetOnlySigner(); signerCert != nil {
		sig.SignerName = signerCert.Subject.CommonName
	}

	for _, signerInfo := range p7.Signers {
		for _, attr := range signerInfo.UnauthenticatedAttributes {
			if attr.Type.Equal(oidTimestampToken) {
				if ts, err := timestamp.Parse(attr.Value.Bytes); err == nil {
					sig.Timestamp = ts
				}
			}
		}
	}

	if err := p7.Verify(); err != nil {
		sig.VerifyError = err.Error()
		return
	}
	sig.Valid = true
}

// parsePDFDate parses the D:YYYYMMDDHHmmSS±HH'mm' date form.
func parsePDFDate(v string) (time.Time, error) {
	// Offsets are written ±HH'mm'; strip the apostrophes so the stdlib
	// -0700 layout accepts any minute part, not just '00'.
	v = strings.ReplaceAll(v, "'", "")
	for _, layout := range []string{
		"D:20060102150405-0700",
		"D:20060102150405Z0700",
		"D:20060102150405-07",
		"D:20060102150405Z",
		"D:20060102150405",
	} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", v)
}

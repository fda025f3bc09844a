package sign

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"
	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

const signatureByteRangePlaceholder = "/ByteRange[0 ********** ********** **********]"

// createSignaturePlaceholder renders the signature dictionary with a zeroed
// Contents hex hole. The returned offsets locate the ByteRange placeholder
// and the first Contents hex digit relative to the start of the returned
// bytes.
func (context *SignContext) createSignaturePlaceholder() (object []byte, byteRangeStart, contentsStart int64) {
	var buffer bytes.Buffer
	buffer.WriteString("<< /Type /Sig")
	buffer.WriteString(" /Filter /Adobe.PPKLite")
	buffer.WriteString(" /SubFilter /adbe.pkcs7.detached")

	buffer.WriteString(" ")
	byteRangeStart = int64(buffer.Len())
	buffer.WriteString(signatureByteRangePlaceholder)

	buffer.WriteString(" /Contents<")
	contentsStart = int64(buffer.Len())
	buffer.Write(bytes.Repeat([]byte("0"), int(context.sigMaxLength)))
	buffer.WriteString(">")

	info := context.Request.Info
	if info.Name != "" {
		buffer.WriteString(" /Name ")
		buffer.WriteString(pdfString(info.Name))
	}
	if info.Location != "" {
		buffer.WriteString(" /Location ")
		buffer.WriteString(pdfString(info.Location))
	}
	if info.Reason != "" {
		buffer.WriteString(" /Reason ")
		buffer.WriteString(pdfString(info.Reason))
	}
	if info.ContactInfo != "" {
		buffer.WriteString(" /ContactInfo ")
		buffer.WriteString(pdfString(info.ContactInfo))
	}
	buffer.WriteString(" /M ")
	buffer.WriteString(pdfDateTime(info.Date))
	buffer.WriteString(" >>")

	return buffer.Bytes(), byteRangeStart, contentsStart
}

// fetchRevocationData runs the configured revocation callback over the chain
// and grows the placeholder by the collected CRL and OCSP sizes.
func (context *SignContext) fetchRevocationData() error {
	if context.Request.RevocationFunction != nil {
		chain := append([]*x509.Certificate{context.Request.Credential.Certificate}, context.Request.Credential.CAChain...)
		for i, cert := range chain {
			var issuer *x509.Certificate
			if i < len(chain)-1 {
				issuer = chain[i+1]
			}
			if err := context.Request.RevocationFunction(cert, issuer, &context.Request.RevocationData); err != nil {
				return err
			}
		}
	}

	for _, crl := range context.Request.RevocationData.CRL {
		context.sigMaxLength += uint32(hex.EncodedLen(len(crl.FullBytes)))
	}
	for _, ocsp := range context.Request.RevocationData.OCSP {
		context.sigMaxLength += uint32(hex.EncodedLen(len(ocsp.FullBytes)))
	}

	return nil
}

// createSigningCertificateAttribute builds the ESS signing-certificate
// attribute binding the CMS signature to the exact signing certificate
// (SigningCertificateV2, or SigningCertificate for SHA-1).
func (context *SignContext) createSigningCertificateAttribute() (*pkcs7.Attribute, error) {
	hash := context.Request.DigestAlgorithm.New()
	hash.Write(context.Request.Credential.Certificate.Raw)

	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) { // SigningCertificate
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) { // []ESSCertID, []ESSCertIDv2
			b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) { // ESSCertID, ESSCertIDv2
				if context.Request.DigestAlgorithm != crypto.SHA1 &&
					context.Request.DigestAlgorithm != crypto.SHA256 { // default SHA-256
					b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) { // AlgorithmIdentifier
						b.AddASN1ObjectIdentifier(getOIDFromHashAlgorithm(context.Request.DigestAlgorithm))
					})
				}
				b.AddASN1OctetString(hash.Sum(nil)) // certHash
			})
		})
	})

	sse, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	attribute := pkcs7.Attribute{
		Type:  asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}, // SigningCertificateV2
		Value: asn1.RawValue{FullBytes: sse},
	}
	if context.Request.DigestAlgorithm == crypto.SHA1 {
		attribute.Type = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 12} // SigningCertificate
	}
	return &attribute, nil
}

// createSignature signs the two ByteRange parts of the assembled output and
// returns the detached CMS container.
func (context *SignContext) createSignature() ([]byte, error) {
	fileContent := context.OutputBuffer.Buff.Bytes()

	signContent := make([]byte, 0, context.byteRangeValues[1]+context.byteRangeValues[3])
	signContent = append(signContent, fileContent[context.byteRangeValues[0]:context.byteRangeValues[0]+context.byteRangeValues[1]]...)
	signContent = append(signContent, fileContent[context.byteRangeValues[2]:context.byteRangeValues[2]+context.byteRangeValues[3]]...)

	signedData, err := pkcs7.NewSignedData(signContent)
	if err != nil {
		return nil, fmt.Errorf("new signed data: %w", err)
	}
	signedData.SetDigestAlgorithm(getOIDFromHashAlgorithm(context.Request.DigestAlgorithm))

	signingCertificate, err := context.createSigningCertificateAttribute()
	if err != nil {
		return nil, fmt.Errorf("signing certificate attribute: %w", err)
	}

	signerConfig := pkcs7.SignerInfoConfig{
		ExtraSignedAttributes: []pkcs7.Attribute{
			{
				Type:  asn1.ObjectIdentifier{1, 2, 840, 113583, 1, 1, 8}, // Adobe revocation info archival
				Value: context.Request.RevocationData,
			},
			*signingCertificate,
		},
	}

	cred := context.Request.Credential
	if err := signedData.AddSignerChain(cred.Certificate, cred.Signer, cred.CAChain, signerConfig); err != nil {
		return nil, fmt.Errorf("add signer chain: %w", err)
	}

	// The ByteRange mechanism requires a detached signature.
	signedData.Detach()

	if context.Request.TSA.URL != "" {
		signatureData := signedData.GetSignedData()

		timestampResponse, err := context.fetchTimestamp(signatureData.SignerInfos[0].EncryptedDigest)
		if err != nil {
			return nil, fmt.Errorf("get timestamp: %w", err)
		}

		ts, err := timestamp.ParseResponse(timestampResponse)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}

		if _, err := pkcs7.Parse(ts.RawToken); err != nil {
			return nil, fmt.Errorf("parse timestamp token: %w", err)
		}

		timestampAttribute := pkcs7.Attribute{
			Type:  asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14},
			Value: asn1.RawValue{FullBytes: ts.RawToken},
		}
		if err := signatureData.SignerInfos[0].SetUnauthenticatedAttributes([]pkcs7.Attribute{timestampAttribute}); err != nil {
			return nil, err
		}
	}

	return signedData.Finish()
}

func (context *SignContext) fetchTimestamp(signature []byte) ([]byte, error) {
	tsRequest, err := timestamp.CreateRequest(bytes.NewReader(signature), &timestamp.RequestOptions{
		Certificates: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create timestamp request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, context.Request.TSA.URL, bytes.NewReader(tsRequest))
	if err != nil {
		return nil, fmt.Errorf("prepare timestamp request (%s): %w", context.Request.TSA.URL, err)
	}

	req.Header.Add("Content-Type", "application/timestamp-query")
	req.Header.Add("Content-Transfer-Encoding", "binary")

	if context.Request.TSA.Username != "" && context.Request.TSA.Password != "" {
		req.SetBasicAuth(context.Request.TSA.Username, context.Request.TSA.Password)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("timestamp request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read timestamp response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("timestamp authority returned %s: %s", strconv.Itoa(resp.StatusCode), string(body))
	}

	return body, nil
}

// replaceSignature fills the Contents hole with the hex-encoded CMS
// container, right-padded with zeros to the reserved length.
func (context *SignContext) replaceSignature() error {
	signature, err := context.createSignature()
	if err != nil {
		return fmt.Errorf("create signature: %w", err)
	}

	dst := make([]byte, hex.EncodedLen(len(signature)))
	hex.Encode(dst, signature)

	if uint32(len(dst)) > context.sigMaxLength {
		return errPlaceholderTooSmall{needed: uint32(len(dst))}
	}

	fileContent := context.OutputBuffer.Buff.Bytes()
	copy(fileContent[context.sigContentsStart:], dst)

	return nil
}

// Package sign appends PAdES-style digital signatures to PDF documents as
// incremental updates. Existing bytes are never rewritten, so every earlier
// signature on the document stays verifiable after each new one is added.
package sign

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/digitorus/pdf"
	"github.com/digitorus/pkcs7"
	"github.com/mattetti/filebuffer"
)

// errPlaceholderTooSmall signals that the finished CMS container did not fit
// the reserved Contents hole and the update must be rebuilt with a wider one.
type errPlaceholderTooSmall struct {
	needed uint32
}

func (e errPlaceholderTooSmall) Error() string {
	return fmt.Sprintf("signature placeholder too small, need %d hex bytes", e.needed)
}

// SignFile reads input, appends one signature and writes the result to
// output.
func SignFile(input, output string, request Request) error {
	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}

	signed, err := SignBytes(data, request)
	if err != nil {
		return err
	}

	return os.WriteFile(output, signed, 0o644)
}

// SignBytes appends one incremental signature update to the document and
// returns the new document bytes. The input slice is not modified.
func SignBytes(input []byte, request Request) ([]byte, error) {
	if request.Credential == nil || request.Credential.Signer == nil {
		return nil, fmt.Errorf("%w: no signer", ErrCredential)
	}
	if request.Credential.Certificate == nil {
		return nil, fmt.Errorf("%w: no certificate", ErrCredential)
	}
	if err := ValidateSignerCertificateMatch(request.Credential.Signer, request.Credential.Certificate); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredential, err)
	}
	if request.FieldName == "" {
		request.FieldName = "Signature-1"
	}
	if !request.DigestAlgorithm.Available() {
		request.DigestAlgorithm = crypto.SHA256
	}
	if request.Info.Date.IsZero() {
		request.Info.Date = time.Now()
	}

	reader, err := pdf.NewReader(bytes.NewReader(input), int64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	if reader.XrefInformation.Type != "table" {
		return nil, fmt.Errorf("%w: %s", ErrXrefStream, reader.XrefInformation.Type)
	}

	context := &SignContext{
		InputFile:        bytes.NewReader(input),
		PDFReader:        reader,
		InputSize:        int64(len(input)),
		Request:          request,
		sigMaxLengthBase: uint32(hex.EncodedLen(512)),
	}

	// One retry with a widened placeholder covers variable-size CMS parts
	// such as TSA responses that overflow the initial estimate.
	for attempt := 0; attempt < 2; attempt++ {
		out, err := context.signPDF()
		var tooSmall errPlaceholderTooSmall
		if errors.As(err, &tooSmall) && attempt == 0 {
			context.sigMaxLengthBase += tooSmall.needed - context.sigMaxLength + 1
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, errors.New("sign: signature did not fit widened placeholder")
}

func (context *SignContext) signPDF() ([]byte, error) {
	// Reset per-attempt state so the retry starts from a clean slate.
	context.newXrefEntries = nil
	context.newXrefStart = 0
	context.byteRangeValues = nil
	context.catalog = catalogData{}
	context.nextObjectID = uint32(context.PDFReader.XrefInformation.ItemCount)
	context.OutputBuffer = filebuffer.New([]byte{})

	if _, err := context.InputFile.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if _, err := io.Copy(context.OutputBuffer, context.InputFile); err != nil {
		return nil, err
	}

	// The update must not glue onto the last %%EOF line.
	if _, err := context.OutputBuffer.Write([]byte("\n")); err != nil {
		return nil, err
	}

	if err := context.computeSignatureMaxLength(); err != nil {
		return nil, err
	}

	sigObject, relByteRange, relContents := context.createSignaturePlaceholder()
	// addObject prefixes "<id> 0 obj\n"; account for it when translating the
	// placeholder-relative offsets to absolute file positions.
	headerLen := int64(len(fmt.Sprintf("%d 0 obj\n", context.nextObjectID)))
	sigOffset := context.currentOffset()
	id, err := context.addObject(sigObject)
	if err != nil {
		return nil, fmt.Errorf("add signature object: %w", err)
	}
	context.sigObjectID = id
	context.byteRangeStart = sigOffset + headerLen + relByteRange
	context.sigContentsStart = sigOffset + headerLen + relContents

	widget, err := context.createSignatureWidget()
	if err != nil {
		return nil, fmt.Errorf("create signature widget: %w", err)
	}
	if context.widgetObjectID, err = context.addObject(widget); err != nil {
		return nil, fmt.Errorf("add signature widget: %w", err)
	}

	catalog, err := context.createCatalog()
	if err != nil {
		return nil, fmt.Errorf("create catalog: %w", err)
	}
	if context.catalog.objectID, err = context.addObject(catalog); err != nil {
		return nil, fmt.Errorf("add catalog object: %w", err)
	}

	if err := context.writeXrefTable(); err != nil {
		return nil, fmt.Errorf("write xref table: %w", err)
	}
	if err := context.writeTrailer(); err != nil {
		return nil, fmt.Errorf("write trailer: %w", err)
	}
	if err := context.updateByteRange(); err != nil {
		return nil, fmt.Errorf("update byte range: %w", err)
	}
	if err := context.replaceSignature(); err != nil {
		return nil, err
	}

	out := context.OutputBuffer.Buff.Bytes()
	result := make([]byte, len(out))
	copy(result, out)
	return result, nil
}

// computeSignatureMaxLength sizes the Contents hex hole from everything that
// ends up inside the CMS container: the signature itself, message and
// certificate digests, the full certificate chain and any revocation data.
func (context *SignContext) computeSignatureMaxLength() error {
	context.sigMaxLength = context.sigMaxLengthBase

	cred := context.Request.Credential

	sigSize := int(context.Request.SignatureSizeOverride)
	if sigSize == 0 {
		var err error
		sigSize, err = PublicKeySignatureSize(cred.Certificate.PublicKey)
		if err != nil {
			sigSize = DefaultSignatureSize
		}
	}
	context.sigMaxLength += uint32(hex.EncodedLen(sigSize))

	// Digest appears twice: the file digest and the signing certificate
	// attribute hash.
	context.sigMaxLength += uint32(hex.EncodedLen(context.Request.DigestAlgorithm.Size() * 2))

	chain := append([]*x509.Certificate{cred.Certificate}, cred.CAChain...)
	for _, cert := range chain {
		degenerated, err := pkcs7.DegenerateCertificate(cert.Raw)
		if err != nil {
			return fmt.Errorf("degenerate certificate: %w", err)
		}
		context.sigMaxLength += uint32(hex.EncodedLen(len(degenerated)))
	}
	context.sigMaxLength += uint32(hex.EncodedLen(len(cred.Certificate.RawIssuer)))

	// Revocation data is collected before the placeholder is written because
	// CRLs can be large.
	if err := context.fetchRevocationData(); err != nil {
		return fmt.Errorf("fetch revocation data: %w", err)
	}

	// TSA response size is unknown until after signing; reserve generously.
	if context.Request.TSA.URL != "" {
		context.sigMaxLength += uint32(hex.EncodedLen(9000))
	}

	return nil
}

func (context *SignContext) currentOffset() int64 {
	return int64(context.OutputBuffer.Buff.Len())
}

// addObject appends "<id> 0 obj ... endobj" to the output and records the
// xref entry. Object IDs are handed out sequentially after the last existing
// object of the document.
func (context *SignContext) addObject(object []byte) (uint32, error) {
	id := context.nextObjectID
	context.nextObjectID++

	context.newXrefEntries = append(context.newXrefEntries, xrefEntry{
		ID:     id,
		Offset: context.currentOffset(),
	})

	if _, err := fmt.Fprintf(context.OutputBuffer, "%d 0 obj\n", id); err != nil {
		return 0, err
	}
	if _, err := context.OutputBuffer.Write(object); err != nil {
		return 0, err
	}
	if _, err := context.OutputBuffer.Write([]byte("\nendobj\n")); err != nil {
		return 0, err
	}

	return id, nil
}

package sign

import (
	"crypto"
	"crypto/x509"
	"errors"
	"io"
	"time"

	"github.com/digitorus/pdf"
	"github.com/mattetti/filebuffer"

	"github.com/sealdoc/sealdoc/revocation"
)

var (
	// ErrCredential marks a signing credential that could not be decoded:
	// wrong passphrase, truncated or corrupt archive. Distinct from transport
	// and CA errors so callers can tell "retry later" from "re-enroll".
	ErrCredential = errors.New("sign: invalid signing credential")

	// ErrXrefStream is returned for documents whose last cross-reference
	// section is a stream. Only classic xref tables are supported.
	ErrXrefStream = errors.New("sign: cross-reference streams not supported")
)

// Credential is a ready-to-use signing identity: the private key, its
// end-entity certificate and any intermediate chain shipped with it.
type Credential struct {
	Signer      crypto.Signer
	Certificate *x509.Certificate
	CAChain     []*x509.Certificate
}

// SignerInfo is the human-readable metadata recorded in the signature
// dictionary. Date defaults to time.Now at signing when zero.
type SignerInfo struct {
	Name        string
	Reason      string
	Location    string
	ContactInfo string
	Date        time.Time
}

// TSA configures an optional RFC 3161 timestamp authority. When URL is empty
// no timestamp is requested.
type TSA struct {
	URL      string
	Username string
	Password string
}

// RevocationFunction fills the archival container for one certificate of the
// signing chain; issuer is nil for the last element.
type RevocationFunction func(cert, issuer *x509.Certificate, i *revocation.InfoArchival) error

// Request describes one incremental signature to append.
type Request struct {
	Credential *Credential

	// FieldName is the /T value of the signature widget. Callers derive it
	// from the signature ordinal ("Signature-3") so repeated signing of the
	// same document never collides on field names.
	FieldName string

	Info            SignerInfo
	DigestAlgorithm crypto.Hash

	TSA                TSA
	RevocationData     revocation.InfoArchival
	RevocationFunction RevocationFunction

	// SignatureSizeOverride fixes the Contents placeholder size in bytes
	// instead of deriving it from the key and chain.
	SignatureSizeOverride uint32
}

type catalogData struct {
	objectID   uint32
	rootString string
}

type xrefEntry struct {
	ID     uint32
	Offset int64
}

// SignContext carries the state of one incremental update while it is being
// assembled in the output buffer.
type SignContext struct {
	InputFile    io.ReadSeeker
	PDFReader    *pdf.Reader
	InputSize    int64
	OutputBuffer *filebuffer.Buffer
	Request      Request

	catalog        catalogData
	sigObjectID    uint32
	widgetObjectID uint32
	nextObjectID   uint32
	newXrefEntries []xrefEntry
	newXrefStart   int64

	byteRangeValues []int64
	// Absolute offsets of the ByteRange placeholder and of the first hex
	// digit inside the Contents literal.
	byteRangeStart   int64
	sigContentsStart int64
	sigMaxLength     uint32
	sigMaxLengthBase uint32
}

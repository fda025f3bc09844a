package sign

import (
	"crypto"
	"fmt"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// LoadCredential decodes a PKCS#12 archive into a usable signing credential.
// Any decode failure, including a wrong passphrase, is reported as
// ErrCredential; the archive bytes are typically ciphertext fresh out of the
// vault, so there is nothing to retry.
func LoadCredential(archive []byte, passphrase string) (*Credential, error) {
	key, cert, caCerts, err := pkcs12.DecodeChain(archive, passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredential, err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: private key type %T cannot sign", ErrCredential, key)
	}

	if err := ValidateSignerCertificateMatch(signer, cert); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredential, err)
	}

	return &Credential{
		Signer:      signer,
		Certificate: cert,
		CAChain:     caCerts,
	}, nil
}

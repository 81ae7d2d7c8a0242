// Package validation runs the ETSI EN 319 102-1 signature validation
// processes over signature containers: basic validation, timestamp
// validation and long-term validation, combined per signature by a Validator.
package validation

import (
	"bytes"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"math/big"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/georgepadayatti/etsival/certvalidator"
	"github.com/georgepadayatti/etsival/sign/ades"
)

// Validation errors.
var (
	ErrUnsupportedHash     = errors.New("unsupported hash algorithm")
	ErrNoSigningCertRef    = errors.New("signing certificate reference missing")
	ErrSigningCertMismatch = errors.New("signing certificate does not match reference")
	ErrDigestMismatch      = errors.New("message digest mismatch")
	ErrImprintMismatch     = errors.New("message imprint mismatch")
)

// SignatureContainer yields one signature and the validation material
// embedded with it. Implementations are produced by format codecs.
type SignatureContainer interface {
	// ID names the signature in reports.
	ID() string

	// SigningCertificate returns the certificate identified as the
	// signer's, or nil.
	SigningCertificate() *x509.Certificate
	// SigningCertificateRef returns the signed reference to the signing
	// certificate, or nil when the signature carries none.
	SigningCertificateRef() *SigningCertificateRef
	CertificateChainHint() []*x509.Certificate

	EmbeddedCRLs() [][]byte
	EmbeddedOCSPResponses() [][]byte
	EmbeddedTimestamps() []*TimestampToken

	// SignedData is the content covered by the signature.
	SignedData() []byte
	// SignatureBytes is the signature value.
	SignatureBytes() []byte
	// SignedBytes is the exact input of the signature value: the encoded
	// signed attributes, or the content when there are none.
	SignedBytes() []byte
	// MessageDigest is the signed digest of the content, nil without
	// signed attributes.
	MessageDigest() []byte

	DigestAlgorithm() crypto.Hash
	SignatureAlgorithm() x509.SignatureAlgorithm

	// ClaimedSigningTime is the signer's claim, zero if absent.
	ClaimedSigningTime() time.Time
}

// SignedProperties is implemented by containers that decode the signer's
// commitment and policy attributes. They are reported, not enforced.
type SignedProperties interface {
	Commitments() []ades.Commitment
	SignaturePolicy() *ades.SignaturePolicy
}

// Malformed is implemented by containers whose signature block may have
// failed to decode. Such a signature is reported INDETERMINATE/FORMAT_FAILURE
// without running the validation processes.
type Malformed interface {
	ParseError() error
}

// IssuerSerial references a certificate by issuer name and serial number.
type IssuerSerial struct {
	Issuer pkix.Name
	Serial *big.Int
}

// SigningCertificateRef is the signed reference to the signing certificate
// (ESS signing-certificate or signing-certificate-v2).
type SigningCertificateRef struct {
	Hash   crypto.Hash
	Digest []byte
	// IssuerSerial is optional.
	IssuerSerial *IssuerSerial
}

// Matches reports whether cert is the referenced certificate.
func (r *SigningCertificateRef) Matches(c Crypto, cert *x509.Certificate) error {
	if len(r.Digest) > 0 {
		d, err := c.Digest(r.Hash, cert.Raw)
		if err != nil {
			return err
		}
		if !bytes.Equal(d, r.Digest) {
			return fmt.Errorf("%w: certificate digest differs", ErrSigningCertMismatch)
		}
	}
	if is := r.IssuerSerial; is != nil {
		if is.Serial == nil || cert.SerialNumber.Cmp(is.Serial) != 0 {
			return fmt.Errorf("%w: serial number differs", ErrSigningCertMismatch)
		}
		if !certvalidator.NamesEqual(cert.Issuer, is.Issuer) {
			return fmt.Errorf("%w: issuer differs", ErrSigningCertMismatch)
		}
	}
	return nil
}

// TimestampType tells what a timestamp token covers.
type TimestampType int

const (
	ContentTimestamp TimestampType = iota
	SignatureTimestamp
	ValidationDataRefsTimestamp
	ValidationDataTimestamp
	ArchiveTimestamp
)

func (t TimestampType) String() string {
	switch t {
	case ContentTimestamp:
		return "content"
	case SignatureTimestamp:
		return "signature"
	case ValidationDataRefsTimestamp:
		return "validation-data-refs"
	case ValidationDataTimestamp:
		return "validation-data"
	case ArchiveTimestamp:
		return "archive"
	default:
		return fmt.Sprintf("TimestampType(%d)", int(t))
	}
}

// TimestampToken is an RFC 3161 token as decoded by a codec.
type TimestampToken struct {
	Type TimestampType
	Raw  []byte

	HashAlgorithm  crypto.Hash
	MessageImprint []byte
	GenerationTime time.Time

	Certificates []*x509.Certificate
	// Signer is the TSA certificate that signed the token, nil if the
	// codec could not identify it.
	Signer *x509.Certificate
	// SignatureError is the outcome of the codec's check of the token's
	// own CMS signature.
	SignatureError error

	// CoveredData is the data the imprint was computed over.
	CoveredData []byte
}

// ID returns the proof-of-existence token identifier.
func (t *TimestampToken) ID() string {
	sum := sha256.Sum256(t.Raw)
	return "tst:" + hex.EncodeToString(sum[:])
}

// SignatureID returns the proof-of-existence token identifier of a signature value.
func SignatureID(sig []byte) string {
	sum := sha256.Sum256(sig)
	return "sig:" + hex.EncodeToString(sum[:])
}

// Crypto is the cryptographic black box of the validation processes.
type Crypto interface {
	Digest(h crypto.Hash, data []byte) ([]byte, error)
	// Verify checks sig over signed with the public key of cert.
	Verify(alg x509.SignatureAlgorithm, cert *x509.Certificate, signed, sig []byte) error
}

// DefaultCrypto implements Crypto with the standard library and SHA-3.
type DefaultCrypto struct{}

var _ Crypto = DefaultCrypto{}

func newHash(h crypto.Hash) (hash.Hash, error) {
	switch h {
	case crypto.SHA3_224:
		return sha3.New224(), nil
	case crypto.SHA3_256:
		return sha3.New256(), nil
	case crypto.SHA3_384:
		return sha3.New384(), nil
	case crypto.SHA3_512:
		return sha3.New512(), nil
	}
	if h == 0 || !h.Available() {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedHash, h)
	}
	return h.New(), nil
}

// Digest implements Crypto.
func (DefaultCrypto) Digest(h crypto.Hash, data []byte) ([]byte, error) {
	hh, err := newHash(h)
	if err != nil {
		return nil, err
	}
	hh.Write(data)
	return hh.Sum(nil), nil
}

// Verify implements Crypto.
func (DefaultCrypto) Verify(alg x509.SignatureAlgorithm, cert *x509.Certificate, signed, sig []byte) error {
	return cert.CheckSignature(alg, signed, sig)
}

// Package revinfo provides revocation information handling for certificate validation.
//
// CRLs and OCSP responses are both represented as a Token so that chain
// validation can reason about "revocation evidence" without caring about
// the wire format it came in.
package revinfo

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/georgepadayatti/etsival/certvalidator/source"
)

// Common errors
var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrIssuerMismatch   = errors.New("issuer mismatch")
	ErrCRLParseFailed   = errors.New("CRL parse failed")
	ErrOCSPParseFailed  = errors.New("OCSP parse failed")
	ErrNotAuthorized    = errors.New("OCSP responder not authorized by issuer")
)

// Kind is the encoding of a revocation token.
type Kind int

const (
	KindCRL Kind = iota
	KindOCSP
)

func (k Kind) String() string {
	if k == KindOCSP {
		return "OCSP"
	}
	return "CRL"
}

// RevocationReason represents the reason for certificate revocation.
type RevocationReason int

const (
	ReasonUnspecified          RevocationReason = 0
	ReasonKeyCompromise        RevocationReason = 1
	ReasonCACompromise         RevocationReason = 2
	ReasonAffiliationChanged   RevocationReason = 3
	ReasonSuperseded           RevocationReason = 4
	ReasonCessationOfOperation RevocationReason = 5
	ReasonCertificateHold      RevocationReason = 6
	ReasonRemoveFromCRL        RevocationReason = 8
	ReasonPrivilegeWithdrawn   RevocationReason = 9
	ReasonAACompromise         RevocationReason = 10
)

// String returns the string representation of a revocation reason.
func (r RevocationReason) String() string {
	switch r {
	case ReasonUnspecified:
		return "unspecified"
	case ReasonKeyCompromise:
		return "keyCompromise"
	case ReasonCACompromise:
		return "cACompromise"
	case ReasonAffiliationChanged:
		return "affiliationChanged"
	case ReasonSuperseded:
		return "superseded"
	case ReasonCessationOfOperation:
		return "cessationOfOperation"
	case ReasonCertificateHold:
		return "certificateHold"
	case ReasonRemoveFromCRL:
		return "removeFromCRL"
	case ReasonPrivilegeWithdrawn:
		return "privilegeWithdrawn"
	case ReasonAACompromise:
		return "aACompromise"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// RevocationStatus is the status a token asserts for one certificate.
type RevocationStatus int

const (
	StatusUnknown RevocationStatus = iota
	StatusGood
	StatusRevoked
)

func (s RevocationStatus) String() string {
	switch s {
	case StatusGood:
		return "good"
	case StatusRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Entry is the status of one certificate according to one token.
type Entry struct {
	Status    RevocationStatus
	RevokedAt time.Time
	Reason    RevocationReason
}

// Token is a CRL or an OCSP response.
type Token struct {
	Kind Kind

	// ID is "crl:<sha256>" or "ocsp:<sha256>" of the raw encoding.
	ID  string
	Raw []byte

	// IssuerName is the CRL issuer or the OCSP responder name when known.
	IssuerName pkix.Name

	// Issuance is the time the asserted status is known to be correct:
	// thisUpdate for both CRLs and OCSP responses.
	Issuance   time.Time
	ThisUpdate time.Time
	NextUpdate time.Time
	ProducedAt time.Time

	SignatureAlgorithm x509.SignatureAlgorithm
	Provenance         source.Provenance

	crl  *x509.RevocationList
	ocsp *ocsp.Response
}

func tokenID(kind Kind, raw []byte) string {
	sum := sha256.Sum256(raw)
	prefix := "crl:"
	if kind == KindOCSP {
		prefix = "ocsp:"
	}
	return prefix + hex.EncodeToString(sum[:])
}

// ParseCRL parses a DER-encoded CRL.
func ParseCRL(der []byte, prov source.Provenance) (*Token, error) {
	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCRLParseFailed, err)
	}
	return &Token{
		Kind:               KindCRL,
		ID:                 tokenID(KindCRL, der),
		Raw:                der,
		IssuerName:         crl.Issuer,
		Issuance:           crl.ThisUpdate,
		ThisUpdate:         crl.ThisUpdate,
		NextUpdate:         crl.NextUpdate,
		SignatureAlgorithm: crl.SignatureAlgorithm,
		Provenance:         prov,
		crl:                crl,
	}, nil
}

// ParseOCSP parses a DER-encoded OCSPResponse holding a single response.
// A responder certificate embedded in the response is checked against the
// response signature; the link to the issuing CA is checked by CheckSignature.
func ParseOCSP(der []byte, prov source.Provenance) (*Token, error) {
	resp, err := ocsp.ParseResponse(der, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOCSPParseFailed, err)
	}
	t := &Token{
		Kind:               KindOCSP,
		ID:                 tokenID(KindOCSP, der),
		Raw:                der,
		Issuance:           resp.ThisUpdate,
		ThisUpdate:         resp.ThisUpdate,
		ProducedAt:         resp.ProducedAt,
		NextUpdate:         resp.NextUpdate,
		SignatureAlgorithm: resp.SignatureAlgorithm,
		Provenance:         prov,
		ocsp:               resp,
	}
	if resp.Certificate != nil {
		t.IssuerName = resp.Certificate.Subject
	}
	return t, nil
}

// ResponderCertificate returns the certificate embedded in an OCSP response.
func (t *Token) ResponderCertificate() *x509.Certificate {
	if t.ocsp == nil {
		return nil
	}
	return t.ocsp.Certificate
}

// CheckSignature verifies that the token was issued on behalf of issuer.
// OCSP responses may be signed by a delegated responder certified by issuer.
func (t *Token) CheckSignature(issuer *x509.Certificate) error {
	switch t.Kind {
	case KindCRL:
		if !bytes.Equal(t.crl.RawIssuer, issuer.RawSubject) && t.crl.Issuer.String() != issuer.Subject.String() {
			return fmt.Errorf("%w: CRL issuer %s", ErrIssuerMismatch, t.crl.Issuer)
		}
		if err := t.crl.CheckSignatureFrom(issuer); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil
	default:
		responder := t.ocsp.Certificate
		if responder == nil || bytes.Equal(responder.Raw, issuer.Raw) {
			if err := t.ocsp.CheckSignatureFrom(issuer); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
			}
			return nil
		}
		if err := responder.CheckSignatureFrom(issuer); err != nil {
			return fmt.Errorf("%w: responder certificate: %v", ErrInvalidSignature, err)
		}
		if !hasEKU(responder, x509.ExtKeyUsageOCSPSigning) {
			return ErrNotAuthorized
		}
		return nil
	}
}

func hasEKU(cert *x509.Certificate, eku x509.ExtKeyUsage) bool {
	for _, u := range cert.ExtKeyUsage {
		if u == eku {
			return true
		}
	}
	return false
}

// Covers reports whether the token carries status for cert.
func (t *Token) Covers(cert *x509.Certificate) bool {
	switch t.Kind {
	case KindCRL:
		return bytes.Equal(t.crl.RawIssuer, cert.RawIssuer) || t.crl.Issuer.String() == cert.Issuer.String()
	default:
		return t.ocsp.SerialNumber != nil && t.ocsp.SerialNumber.Cmp(cert.SerialNumber) == 0
	}
}

// StatusOf returns the status of cert. The boolean is false when the token
// does not cover the certificate.
func (t *Token) StatusOf(cert *x509.Certificate) (Entry, bool) {
	if !t.Covers(cert) {
		return Entry{}, false
	}
	switch t.Kind {
	case KindCRL:
		for _, e := range t.crl.RevokedCertificateEntries {
			if e.SerialNumber.Cmp(cert.SerialNumber) != 0 {
				continue
			}
			if RevocationReason(e.ReasonCode) == ReasonRemoveFromCRL {
				return Entry{Status: StatusGood}, true
			}
			return Entry{
				Status:    StatusRevoked,
				RevokedAt: e.RevocationTime,
				Reason:    RevocationReason(e.ReasonCode),
			}, true
		}
		return Entry{Status: StatusGood}, true
	default:
		switch t.ocsp.Status {
		case ocsp.Good:
			return Entry{Status: StatusGood}, true
		case ocsp.Revoked:
			return Entry{
				Status:    StatusRevoked,
				RevokedAt: t.ocsp.RevokedAt,
				Reason:    RevocationReason(t.ocsp.RevocationReason),
			}, true
		default:
			return Entry{Status: StatusUnknown}, true
		}
	}
}

// MaxAge returns the freshness window of the token: the policy maximum if
// set, otherwise nextUpdate - thisUpdate. Zero means unbounded.
func (t *Token) MaxAge(policyMaxAge time.Duration) time.Duration {
	if policyMaxAge > 0 {
		return policyMaxAge
	}
	if t.NextUpdate.IsZero() || !t.NextUpdate.After(t.ThisUpdate) {
		return 0
	}
	return t.NextUpdate.Sub(t.ThisUpdate)
}

// FreshAt reports whether the token is recent enough for ref: its issuance
// must not be older than ref minus the freshness window and skew. It does
// not check that the token existed at ref; see IssuedBy.
func (t *Token) FreshAt(ref time.Time, policyMaxAge, skew time.Duration) bool {
	age := t.MaxAge(policyMaxAge)
	if age == 0 {
		return true
	}
	return !t.Issuance.Before(ref.Add(-age - skew))
}

// IssuedBy reports whether the token was issued no later than ref plus skew.
// A token issued after ref cannot attest the status at ref.
func (t *Token) IssuedBy(ref time.Time, skew time.Duration) bool {
	return !t.Issuance.After(ref.Add(skew))
}

// FreshUntil returns the last instant for which the token is fresh.
// The boolean is false when the window is unbounded.
func (t *Token) FreshUntil(policyMaxAge, skew time.Duration) (time.Time, bool) {
	age := t.MaxAge(policyMaxAge)
	if age == 0 {
		return time.Time{}, false
	}
	return t.Issuance.Add(age + skew), true
}

func (t *Token) String() string {
	return fmt.Sprintf("%s issued %s", t.Kind, t.Issuance.UTC().Format(time.RFC3339))
}

// Select orders tokens by preference: the preferred kind first, then the
// most recently issued.
func Select(tokens []*Token, preferOCSP bool) []*Token {
	out := append([]*Token(nil), tokens...)
	preferred := KindCRL
	if preferOCSP {
		preferred = KindOCSP
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].Kind == preferred, out[j].Kind == preferred
		if pi != pj {
			return pi
		}
		return out[i].Issuance.After(out[j].Issuance)
	})
	return out
}

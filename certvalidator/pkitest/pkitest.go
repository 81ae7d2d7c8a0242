// Package pkitest builds throwaway PKIs for tests: CAs, end-entity
// certificates, CRLs and OCSP responses with controlled timestamps.
package pkitest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ocsp"
)

var serial atomic.Int64

func nextSerial() *big.Int {
	return big.NewInt(1000 + serial.Add(1))
}

// Authority is a CA with its private key.
type Authority struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey
}

// CertOptions describes a certificate to issue.
type CertOptions struct {
	CommonName  string
	NotBefore   time.Time
	NotAfter    time.Time
	IsCA        bool
	KeyUsage    x509.KeyUsage
	ExtKeyUsage []x509.ExtKeyUsage
	PolicyOIDs  []asn1.ObjectIdentifier
	Extensions  []pkix.Extension
	OCSPServer  []string
	CRLURLs     []string
	IssuerURLs  []string
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

func name(cn string) pkix.Name {
	return pkix.Name{CommonName: cn, Organization: []string{"Test Org"}, Country: []string{"BE"}}
}

// NewRoot creates a self-signed root CA.
func NewRoot(t testing.TB, cn string, notBefore, notAfter time.Time) *Authority {
	t.Helper()
	key := newKey(t)
	tmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               name(cn),
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatalf("failed to create root: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse root: %v", err)
	}
	return &Authority{Cert: cert, Key: key}
}

// Issue signs a new certificate and returns it with its key.
func (a *Authority) Issue(t testing.TB, opts CertOptions) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key := newKey(t)
	tmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               name(opts.CommonName),
		NotBefore:             opts.NotBefore,
		NotAfter:              opts.NotAfter,
		IsCA:                  opts.IsCA,
		BasicConstraintsValid: true,
		KeyUsage:              opts.KeyUsage,
		ExtKeyUsage:           opts.ExtKeyUsage,
		PolicyIdentifiers:     opts.PolicyOIDs,
		ExtraExtensions:       opts.Extensions,
		OCSPServer:            opts.OCSPServer,
		CRLDistributionPoints: opts.CRLURLs,
		IssuingCertificateURL: opts.IssuerURLs,
	}
	for _, oid := range opts.PolicyOIDs {
		ints := make([]uint64, len(oid))
		for i, v := range oid {
			ints[i] = uint64(v)
		}
		policy, err := x509.OIDFromInts(ints)
		if err != nil {
			t.Fatalf("bad policy OID %s: %v", oid, err)
		}
		tmpl.Policies = append(tmpl.Policies, policy)
	}
	if opts.IsCA && tmpl.KeyUsage == 0 {
		tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	}
	if !opts.IsCA && tmpl.KeyUsage == 0 {
		tmpl.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.Cert, key.Public(), a.Key)
	if err != nil {
		t.Fatalf("failed to issue %s: %v", opts.CommonName, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse %s: %v", opts.CommonName, err)
	}
	return cert, key
}

// NewIntermediate issues a subordinate CA.
func (a *Authority) NewIntermediate(t testing.TB, cn string, notBefore, notAfter time.Time) *Authority {
	t.Helper()
	cert, key := a.Issue(t, CertOptions{CommonName: cn, NotBefore: notBefore, NotAfter: notAfter, IsCA: true})
	return &Authority{Cert: cert, Key: key}
}

// Signer returns the CA key as a crypto.Signer.
func (a *Authority) Signer() crypto.Signer {
	return a.Key
}

// RevokedEntry builds a CRL entry for cert.
func RevokedEntry(cert *x509.Certificate, at time.Time) x509.RevocationListEntry {
	return x509.RevocationListEntry{SerialNumber: cert.SerialNumber, RevocationTime: at}
}

// CRL issues a DER CRL.
func (a *Authority) CRL(t testing.TB, thisUpdate, nextUpdate time.Time, revoked ...x509.RevocationListEntry) []byte {
	t.Helper()
	tmpl := &x509.RevocationList{
		Number:                    nextSerial(),
		ThisUpdate:                thisUpdate,
		NextUpdate:                nextUpdate,
		RevokedCertificateEntries: revoked,
	}
	der, err := x509.CreateRevocationList(rand.Reader, tmpl, a.Cert, a.Key)
	if err != nil {
		t.Fatalf("failed to create CRL: %v", err)
	}
	return der
}

// OCSPOptions describes an OCSP response.
type OCSPOptions struct {
	Status     int
	ThisUpdate time.Time
	NextUpdate time.Time
	RevokedAt  time.Time
}

// OCSP issues a DER OCSP response for cert signed directly by the CA.
func (a *Authority) OCSP(t testing.TB, cert *x509.Certificate, opts OCSPOptions) []byte {
	t.Helper()
	tmpl := ocsp.Response{
		Status:       opts.Status,
		SerialNumber: cert.SerialNumber,
		ThisUpdate:   opts.ThisUpdate,
		NextUpdate:   opts.NextUpdate,
	}
	if opts.Status == ocsp.Revoked {
		tmpl.RevokedAt = opts.RevokedAt
		tmpl.RevocationReason = ocsp.KeyCompromise
	}
	der, err := ocsp.CreateResponse(a.Cert, a.Cert, tmpl, a.Key)
	if err != nil {
		t.Fatalf("failed to create OCSP response: %v", err)
	}
	return der
}

// Good is shorthand for a good OCSP response.
func (a *Authority) Good(t testing.TB, cert *x509.Certificate, thisUpdate, nextUpdate time.Time) []byte {
	t.Helper()
	return a.OCSP(t, cert, OCSPOptions{Status: ocsp.Good, ThisUpdate: thisUpdate, NextUpdate: nextUpdate})
}

// Revoked is shorthand for a revoked OCSP response.
func (a *Authority) Revoked(t testing.TB, cert *x509.Certificate, revokedAt, thisUpdate, nextUpdate time.Time) []byte {
	t.Helper()
	return a.OCSP(t, cert, OCSPOptions{Status: ocsp.Revoked, RevokedAt: revokedAt, ThisUpdate: thisUpdate, NextUpdate: nextUpdate})
}

// Date returns a UTC date at midnight.
func Date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

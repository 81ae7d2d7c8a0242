// Package certvalidator builds and checks the certificate chains of signatures.
// This file contains the certificate pool shared by every signature of a document.
package certvalidator

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"sync"

	"github.com/georgepadayatti/etsival/certvalidator/source"
)

// CertificateID is the stable identity of a certificate: the hex SHA-256 of its DER encoding.
type CertificateID string

// IDOf computes the identity of a certificate.
func IDOf(cert *x509.Certificate) CertificateID {
	sum := sha256.Sum256(cert.Raw)
	return CertificateID(hex.EncodeToString(sum[:]))
}

// Token returns the proof-of-existence token identifier for the certificate.
func (id CertificateID) Token() string {
	return "cert:" + string(id)
}

// Short returns an abbreviated form for log messages.
func (id CertificateID) Short() string {
	if len(id) > 12 {
		return string(id[:12])
	}
	return string(id)
}

// CertificateAndContext is a pooled certificate with what is known about it.
type CertificateAndContext struct {
	ID          CertificateID
	Certificate *x509.Certificate

	// Provenances lists every source the certificate was seen in.
	Provenances source.Set

	// SignatureVerified is set once the certificate's signature has been
	// checked against a confirmed issuer.
	SignatureVerified bool
	VerifiedIssuer    CertificateID
}

// SelfSigned reports whether the certificate is self-issued and self-signed.
func (c *CertificateAndContext) SelfSigned() bool {
	cert := c.Certificate
	if !bytes.Equal(cert.RawIssuer, cert.RawSubject) && !NamesEqual(cert.Issuer, cert.Subject) {
		return false
	}
	return cert.CheckSignatureFrom(cert) == nil
}

// CertificatePool is a deduplicated registry of certificates.
// Bit-identical certificates share one entry; entries are never removed.
type CertificatePool struct {
	mu sync.RWMutex

	entries map[CertificateID]*CertificateAndContext
	order   []CertificateID

	// Index by canonical subject name
	bySubject map[string][]CertificateID

	// Index by subject key identifier
	byKeyID map[string][]CertificateID
}

// NewCertificatePool creates an empty pool.
func NewCertificatePool() *CertificatePool {
	return &CertificatePool{
		entries:   make(map[CertificateID]*CertificateAndContext),
		bySubject: make(map[string][]CertificateID),
		byKeyID:   make(map[string][]CertificateID),
	}
}

// Intern adds a certificate, or merges the provenance into the existing entry.
func (p *CertificatePool) Intern(cert *x509.Certificate, prov source.Provenance) CertificateID {
	id := IDOf(cert)

	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.entries[id]; ok {
		entry.Provenances = entry.Provenances.With(prov)
		return id
	}

	p.entries[id] = &CertificateAndContext{
		ID:          id,
		Certificate: cert,
		Provenances: source.Set(0).With(prov),
	}
	p.order = append(p.order, id)

	subjectKey := CanonicalName(cert.Subject)
	p.bySubject[subjectKey] = append(p.bySubject[subjectKey], id)

	if len(cert.SubjectKeyId) > 0 {
		keyID := string(cert.SubjectKeyId)
		p.byKeyID[keyID] = append(p.byKeyID[keyID], id)
	}
	return id
}

// InternAll interns every certificate of an offline source.
func (p *CertificatePool) InternAll(src *source.Offline[*x509.Certificate]) []CertificateID {
	items := src.Items()
	ids := make([]CertificateID, 0, len(items))
	for _, it := range items {
		if it.Value == nil {
			continue
		}
		ids = append(ids, p.Intern(it.Value, it.Provenance))
	}
	return ids
}

// Lookup returns a copy of the entry for id.
func (p *CertificatePool) Lookup(id CertificateID) (*CertificateAndContext, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entry, ok := p.entries[id]
	if !ok {
		return nil, false
	}
	c := *entry
	return &c, true
}

// Certificate returns the certificate for id, or nil.
func (p *CertificatePool) Certificate(id CertificateID) *x509.Certificate {
	if entry, ok := p.Lookup(id); ok {
		return entry.Certificate
	}
	return nil
}

// FindBySubject returns every certificate whose subject matches name.
func (p *CertificatePool) FindBySubject(name pkix.Name) []*CertificateAndContext {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.collect(p.bySubject[CanonicalName(name)])
}

// FindByKeyID returns every certificate with the given subject key identifier.
func (p *CertificatePool) FindByKeyID(keyID []byte) []*CertificateAndContext {
	if len(keyID) == 0 {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.collect(p.byKeyID[string(keyID)])
}

func (p *CertificatePool) collect(ids []CertificateID) []*CertificateAndContext {
	out := make([]*CertificateAndContext, 0, len(ids))
	for _, id := range ids {
		c := *p.entries[id]
		out = append(out, &c)
	}
	return out
}

// MarkSignatureVerified records that id was found to be signed by issuer.
func (p *CertificatePool) MarkSignatureVerified(id, issuer CertificateID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.entries[id]; ok {
		entry.SignatureVerified = true
		entry.VerifiedIssuer = issuer
	}
}

// All returns every entry in interning order.
func (p *CertificatePool) All() []*CertificateAndContext {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.collect(p.order)
}

// Len returns the number of distinct certificates.
func (p *CertificatePool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Snapshot returns an independent copy of the pool. Interning into the copy
// does not affect the original.
func (p *CertificatePool) Snapshot() *CertificatePool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	cp := NewCertificatePool()
	for _, id := range p.order {
		c := *p.entries[id]
		cp.entries[id] = &c
	}
	cp.order = append(cp.order, p.order...)
	for k, v := range p.bySubject {
		cp.bySubject[k] = append([]CertificateID(nil), v...)
	}
	for k, v := range p.byKeyID {
		cp.byKeyID[k] = append([]CertificateID(nil), v...)
	}
	return cp
}

package certvalidator

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"

	"github.com/containerd/log"

	"github.com/georgepadayatti/etsival/certvalidator/source"
)

// SignatureVerifier checks that child was signed by issuer.
type SignatureVerifier interface {
	CheckCertificateSignature(child, issuer *x509.Certificate) error
}

// SignatureVerifierFunc adapts a function to SignatureVerifier.
type SignatureVerifierFunc func(child, issuer *x509.Certificate) error

// CheckCertificateSignature implements SignatureVerifier.
func (f SignatureVerifierFunc) CheckCertificateSignature(child, issuer *x509.Certificate) error {
	return f(child, issuer)
}

// X509Verifier verifies certificate signatures with crypto/x509.
var X509Verifier SignatureVerifier = SignatureVerifierFunc(func(child, issuer *x509.Certificate) error {
	return child.CheckSignatureFrom(issuer)
})

// IssuerFetcher retrieves candidate issuers that are not in the pool,
// typically by following the AIA caIssuers URLs of cert.
type IssuerFetcher interface {
	FetchIssuers(ctx context.Context, cert *x509.Certificate) ([]*x509.Certificate, error)
}

// ChainOptions controls chain building.
type ChainOptions struct {
	// MaxLength is the maximum number of certificates in a chain,
	// trust anchor included. Zero means unlimited.
	MaxLength int

	// RequireSelfSignedAnchors only accepts self-signed trust anchors.
	RequireSelfSignedAnchors bool

	// Verifier checks issuer signatures. Defaults to X509Verifier.
	Verifier SignatureVerifier

	// Fetcher is consulted when the pool has no candidate issuer.
	Fetcher IssuerFetcher
}

// Chain is a certification path from the leaf to a trust anchor.
type Chain struct {
	// Certificates, leaf first and trust anchor last.
	Certificates []*CertificateAndContext
}

// Len returns the number of certificates in the chain.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Certificates)
}

// Leaf returns the first certificate.
func (c *Chain) Leaf() *CertificateAndContext {
	if c.Len() == 0 {
		return nil
	}
	return c.Certificates[0]
}

// Anchor returns the trust anchor.
func (c *Chain) Anchor() *CertificateAndContext {
	if c.Len() == 0 {
		return nil
	}
	return c.Certificates[len(c.Certificates)-1]
}

// IssuerOf returns the issuer of the i-th certificate. The anchor is its own issuer.
func (c *Chain) IssuerOf(i int) *CertificateAndContext {
	if i+1 < len(c.Certificates) {
		return c.Certificates[i+1]
	}
	return c.Certificates[i]
}

// IDs returns the certificate identities in chain order.
func (c *Chain) IDs() []CertificateID {
	ids := make([]CertificateID, 0, c.Len())
	for _, cc := range c.Certificates {
		ids = append(ids, cc.ID)
	}
	return ids
}

// IsTrustAnchor reports whether a pooled certificate may terminate a chain.
func IsTrustAnchor(cc *CertificateAndContext, requireSelfSigned bool) bool {
	if !cc.Provenances.Trusted() {
		return false
	}
	return !requireSelfSigned || cc.SelfSigned()
}

// isPotentialIssuer checks if issuer could have issued cert: the issuer
// name must match and, when both are present, so must the key identifiers.
func isPotentialIssuer(issuer, cert *x509.Certificate) bool {
	if !NamesEqual(cert.Issuer, issuer.Subject) {
		return false
	}
	if len(cert.AuthorityKeyId) > 0 && len(issuer.SubjectKeyId) > 0 {
		return bytes.Equal(cert.AuthorityKeyId, issuer.SubjectKeyId)
	}
	return true
}

// BuildChain builds the first chain from leaf to a trust anchor found in pool.
// The leaf is interned with Signature provenance if the pool does not hold it yet.
// Issuers fetched through opts.Fetcher are interned with AIA provenance.
func BuildChain(ctx context.Context, leaf *x509.Certificate, pool *CertificatePool, opts ChainOptions) (*Chain, error) {
	if leaf == nil {
		return nil, ErrNoSigningCertificate
	}
	if opts.Verifier == nil {
		opts.Verifier = X509Verifier
	}

	id := IDOf(leaf)
	if _, ok := pool.Lookup(id); !ok {
		pool.Intern(leaf, source.Signature)
	}
	start, _ := pool.Lookup(id)

	if IsTrustAnchor(start, opts.RequireSelfSignedAnchors) {
		return &Chain{Certificates: []*CertificateAndContext{start}}, nil
	}

	w := &chainWalker{
		ctx:  ctx,
		pool: pool,
		opts: opts,
		seen: map[CertificateID]bool{id: true},
	}
	path, err := w.walk([]*CertificateAndContext{start})
	if err != nil {
		return nil, err
	}
	if path == nil {
		if w.tooLong {
			return nil, fmt.Errorf("%w: limit is %d", ErrChainTooLong, opts.MaxLength)
		}
		return nil, fmt.Errorf("%w: for %s", ErrNoChain, leaf.Subject)
	}
	return &Chain{Certificates: path}, nil
}

// chainWalker walks the issuer graph depth first.
type chainWalker struct {
	ctx     context.Context
	pool    *CertificatePool
	opts    ChainOptions
	seen    map[CertificateID]bool
	tooLong bool
}

func (w *chainWalker) walk(path []*CertificateAndContext) ([]*CertificateAndContext, error) {
	if err := w.ctx.Err(); err != nil {
		return nil, err
	}
	if w.opts.MaxLength > 0 && len(path) >= w.opts.MaxLength {
		w.tooLong = true
		return nil, nil
	}

	current := path[len(path)-1]
	for _, cand := range w.candidates(current.Certificate) {
		if w.seen[cand.ID] {
			continue
		}
		if current.VerifiedIssuer != cand.ID {
			if err := w.opts.Verifier.CheckCertificateSignature(current.Certificate, cand.Certificate); err != nil {
				log.G(w.ctx).WithError(err).Debugf("candidate issuer %s rejected for %s", cand.ID.Short(), current.ID.Short())
				continue
			}
			w.pool.MarkSignatureVerified(current.ID, cand.ID)
		}

		next := append(append([]*CertificateAndContext(nil), path...), cand)
		if IsTrustAnchor(cand, w.opts.RequireSelfSignedAnchors) {
			return next, nil
		}

		w.seen[cand.ID] = true
		found, err := w.walk(next)
		delete(w.seen, cand.ID)
		if err != nil || found != nil {
			return found, err
		}
	}
	return nil, nil
}

// candidates lists potential issuers of cert, trusted ones first.
func (w *chainWalker) candidates(cert *x509.Certificate) []*CertificateAndContext {
	found := w.lookup(cert)
	if len(found) == 0 && w.opts.Fetcher != nil {
		fetched, err := w.opts.Fetcher.FetchIssuers(w.ctx, cert)
		if err != nil {
			log.G(w.ctx).WithError(err).Warnf("failed to fetch issuers of %s", cert.Subject)
		}
		for _, c := range fetched {
			w.pool.Intern(c, source.AIA)
		}
		found = w.lookup(cert)
	}

	var trusted, other []*CertificateAndContext
	for _, cc := range found {
		if cc.Provenances.Trusted() {
			trusted = append(trusted, cc)
		} else {
			other = append(other, cc)
		}
	}
	return append(trusted, other...)
}

func (w *chainWalker) lookup(cert *x509.Certificate) []*CertificateAndContext {
	seen := make(map[CertificateID]bool)
	var out []*CertificateAndContext
	add := func(list []*CertificateAndContext) {
		for _, cc := range list {
			if seen[cc.ID] || !isPotentialIssuer(cc.Certificate, cert) {
				continue
			}
			seen[cc.ID] = true
			out = append(out, cc)
		}
	}
	add(w.pool.FindByKeyID(cert.AuthorityKeyId))
	add(w.pool.FindBySubject(cert.Issuer))
	return out
}

package revinfo

import (
	"context"
	"crypto/x509"
	"errors"

	"github.com/georgepadayatti/etsival/certvalidator/source"
)

// Source finds revocation tokens for a certificate issued by issuer.
// Implementations may block on network I/O.
type Source interface {
	FindCRL(ctx context.Context, cert, issuer *x509.Certificate) ([]*Token, error)
	FindOCSP(ctx context.Context, cert, issuer *x509.Certificate) ([]*Token, error)
}

// OfflineSource serves tokens that are already at hand, whatever their origin.
type OfflineSource struct {
	sources []*source.Offline[*Token]
}

// NewOfflineSource combines offline token lists.
func NewOfflineSource(srcs ...*source.Offline[*Token]) *OfflineSource {
	return &OfflineSource{sources: srcs}
}

// Add appends another token list.
func (s *OfflineSource) Add(src *source.Offline[*Token]) {
	s.sources = append(s.sources, src)
}

// Tokens returns every token of every list.
func (s *OfflineSource) Tokens() []*Token {
	var out []*Token
	for _, src := range s.sources {
		for _, it := range src.Items() {
			if it.Value != nil {
				out = append(out, it.Value)
			}
		}
	}
	return out
}

func (s *OfflineSource) find(kind Kind, cert *x509.Certificate) []*Token {
	var out []*Token
	for _, t := range s.Tokens() {
		if t.Kind == kind && t.Covers(cert) {
			out = append(out, t)
		}
	}
	return out
}

// FindCRL implements Source.
func (s *OfflineSource) FindCRL(_ context.Context, cert, _ *x509.Certificate) ([]*Token, error) {
	return s.find(KindCRL, cert), nil
}

// FindOCSP implements Source.
func (s *OfflineSource) FindOCSP(_ context.Context, cert, _ *x509.Certificate) ([]*Token, error) {
	return s.find(KindOCSP, cert), nil
}

// ParseAll parses raw CRLs and OCSP responses of one provenance.
// Unparsable entries are reported in the joined error and skipped.
func ParseAll(crls, ocsps [][]byte, prov source.Provenance) ([]*Token, error) {
	var tokens []*Token
	var errs []error
	for _, der := range crls {
		t, err := ParseCRL(der, prov)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		tokens = append(tokens, t)
	}
	for _, der := range ocsps {
		t, err := ParseOCSP(der, prov)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		tokens = append(tokens, t)
	}
	return tokens, errors.Join(errs...)
}

// MultiSource queries several sources and merges their answers.
type MultiSource []Source

func (m MultiSource) collect(fn func(Source) ([]*Token, error)) ([]*Token, error) {
	seen := make(map[string]bool)
	var out []*Token
	var errs []error
	for _, src := range m {
		if src == nil {
			continue
		}
		tokens, err := fn(src)
		if err != nil {
			errs = append(errs, err)
		}
		for _, t := range tokens {
			if !seen[t.ID] {
				seen[t.ID] = true
				out = append(out, t)
			}
		}
	}
	return out, errors.Join(errs...)
}

// FindCRL implements Source.
func (m MultiSource) FindCRL(ctx context.Context, cert, issuer *x509.Certificate) ([]*Token, error) {
	return m.collect(func(s Source) ([]*Token, error) { return s.FindCRL(ctx, cert, issuer) })
}

// FindOCSP implements Source.
func (m MultiSource) FindOCSP(ctx context.Context, cert, issuer *x509.Certificate) ([]*Token, error) {
	return m.collect(func(s Source) ([]*Token, error) { return s.FindOCSP(ctx, cert, issuer) })
}

// FindAll returns OCSP and CRL tokens for cert.
func FindAll(ctx context.Context, src Source, cert, issuer *x509.Certificate) ([]*Token, error) {
	if src == nil {
		return nil, nil
	}
	ocsps, errOCSP := src.FindOCSP(ctx, cert, issuer)
	crls, errCRL := src.FindCRL(ctx, cert, issuer)
	return append(ocsps, crls...), errors.Join(errOCSP, errCRL)
}

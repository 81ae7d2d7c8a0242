package certvalidator

import (
	"context"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/containerd/log"

	"github.com/georgepadayatti/etsival/certvalidator/revinfo"
	"github.com/georgepadayatti/etsival/certvalidator/source"
	"github.com/georgepadayatti/etsival/policy"
	"github.com/georgepadayatti/etsival/sign/ades"
)

// POELookup returns the proof-of-existence time of a token.
type POELookup interface {
	Get(tokenID string) time.Time
}

// XCVInput is the input of the X.509 certificate validation sub-process.
type XCVInput struct {
	Leaf   *x509.Certificate
	Pool   *CertificatePool
	Policy *policy.Policy

	// ReferenceTime is the time the chain is validated at.
	ReferenceTime time.Time

	// BestSignatureTime, when set, lets a revocation before it be
	// reported as INVALID/REVOKED instead of REVOKED_NO_POE.
	BestSignatureTime time.Time

	Revocation revinfo.Source
	POE        POELookup
	Verifier   SignatureVerifier
	Fetcher    IssuerFetcher

	// SkipRevocation disables the revocation requirement. Evidence is still collected.
	SkipRevocation bool
}

// CertificateEvidence is what was established about one chain certificate.
type CertificateEvidence struct {
	ID          CertificateID
	Certificate *x509.Certificate
	Subject     string
	Issuer      string
	NotBefore   time.Time
	NotAfter    time.Time
	Provenances source.Set
	TrustAnchor bool

	// Tokens are the revocation tokens covering the certificate whose
	// signature checked out, in preference order.
	Tokens []*revinfo.Token

	// Chosen is the first token fresh at the reference time, if any.
	Chosen    *revinfo.Token
	Status    revinfo.RevocationStatus
	RevokedAt time.Time
	Reason    revinfo.RevocationReason
	Fresh     bool

	// POE is the proof-of-existence time of the certificate.
	POE time.Time
}

// Revocation returns the earliest revocation asserted by any token, regardless of freshness.
func (e *CertificateEvidence) Revocation() (time.Time, bool) {
	var at time.Time
	found := false
	for _, t := range e.Tokens {
		entry, ok := t.StatusOf(e.Certificate)
		if !ok || entry.Status != revinfo.StatusRevoked {
			continue
		}
		if !found || entry.RevokedAt.Before(at) {
			at, found = entry.RevokedAt, true
		}
	}
	return at, found
}

// FreshTokens returns the tokens that can attest status at ref.
func (e *CertificateEvidence) FreshTokens(ref time.Time, c policy.RevocationConstraints) []*revinfo.Token {
	var out []*revinfo.Token
	for _, t := range e.Tokens {
		if t.FreshAt(ref, c.MaxAge, c.Skew) {
			out = append(out, t)
		}
	}
	return out
}

// XCVResult is the outcome of XCV.
type XCVResult struct {
	ades.Result
	Chain    *Chain
	Evidence []*CertificateEvidence
	Messages []string
}

func (r *XCVResult) fail(res ades.Result, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.Messages = append(r.Messages, msg)
	if worse(res, r.Result) {
		r.Result = res
	}
}

// worse reports whether a should replace b as the chain verdict.
// INVALID dominates INDETERMINATE; otherwise the first failure is kept.
func worse(a, b ades.Result) bool {
	switch {
	case b.Indication == ades.Valid:
		return a.Indication != ades.Valid
	case b.Indication == ades.Indeterminate:
		return a.Indication == ades.Invalid
	default:
		return false
	}
}

// XCV builds the chain of the input leaf and checks validity periods and
// revocation status of every chain certificate at the reference time.
func XCV(ctx context.Context, in XCVInput) *XCVResult {
	res := &XCVResult{Result: ades.ValidResult()}
	p := in.Policy
	if p == nil {
		p = policy.Default()
	}

	chain, err := BuildChain(ctx, in.Leaf, in.Pool, ChainOptions{
		MaxLength:                p.MaxChainLength,
		RequireSelfSignedAnchors: p.RequireSelfSignedAnchors,
		Verifier:                 in.Verifier,
		Fetcher:                  in.Fetcher,
	})
	if err != nil {
		res.fail(ades.NewIndeterminate(ades.NoCertificateChainFound), "chain building failed: %v", err)
		return res
	}
	res.Chain = chain

	for i, cc := range chain.Certificates {
		issuer := chain.IssuerOf(i)
		ev := collectEvidence(ctx, in, p, cc, issuer, i == chain.Len()-1)
		res.Evidence = append(res.Evidence, ev)

		if !ev.TrustAnchor {
			checkNesting(res, cc.Certificate, issuer.Certificate)
		}
		if ev.TrustAnchor && !p.Revocation.CheckTrustAnchor {
			continue
		}
		checkCertificate(res, in, p, ev)
	}

	log.G(ctx).WithField("chain", len(res.Evidence)).Debugf("XCV at %s: %s", in.ReferenceTime.UTC().Format(time.RFC3339), res.Result)
	return res
}

// collectEvidence gathers the revocation tokens of one chain certificate.
// Trust anchors are not looked up unless the policy checks them.
func collectEvidence(ctx context.Context, in XCVInput, p *policy.Policy, cc, issuer *CertificateAndContext, anchor bool) *CertificateEvidence {
	cert := cc.Certificate
	ev := &CertificateEvidence{
		ID:          cc.ID,
		Certificate: cert,
		Subject:     cert.Subject.String(),
		Issuer:      cert.Issuer.String(),
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
		Provenances: cc.Provenances,
		TrustAnchor: anchor,
	}
	if in.POE != nil {
		ev.POE = in.POE.Get(cc.ID.Token())
	}
	if anchor && !p.Revocation.CheckTrustAnchor {
		return ev
	}

	tokens, err := revinfo.FindAll(ctx, in.Revocation, cert, issuer.Certificate)
	if err != nil {
		log.G(ctx).WithError(err).Warnf("revocation lookup for %s incomplete", ev.Subject)
	}
	for _, t := range tokens {
		if entry, ok := t.StatusOf(cert); !ok || entry.Status == revinfo.StatusUnknown {
			continue
		}
		if err := t.CheckSignature(issuer.Certificate); err != nil {
			log.G(ctx).WithError(err).Debugf("ignoring %s for %s", t, ev.Subject)
			continue
		}
		ev.Tokens = append(ev.Tokens, t)
	}
	ev.Tokens = revinfo.Select(ev.Tokens, p.Revocation.PreferOCSP)

	if fresh := ev.FreshTokens(in.ReferenceTime, p.Revocation); len(fresh) > 0 {
		ev.Chosen = fresh[0]
		ev.Fresh = true
		entry, _ := ev.Chosen.StatusOf(cert)
		ev.Status = entry.Status
		ev.RevokedAt = entry.RevokedAt
		ev.Reason = entry.Reason
	}
	if at, revoked := ev.Revocation(); revoked && !at.After(in.ReferenceTime) {
		ev.Status = revinfo.StatusRevoked
		ev.RevokedAt = at
	}
	return ev
}

// checkNesting rejects a certificate whose validity lies entirely outside its issuer's.
func checkNesting(res *XCVResult, cert, issuer *x509.Certificate) {
	if cert.NotAfter.Before(issuer.NotBefore) || cert.NotBefore.After(issuer.NotAfter) {
		res.fail(ades.NewInvalid(ades.InconsistentChain), "%s: %v", cert.Subject, ErrInconsistentValidity)
	}
}

func checkCertificate(res *XCVResult, in XCVInput, p *policy.Policy, ev *CertificateEvidence) {
	ref := in.ReferenceTime
	if ref.Before(ev.NotBefore) || ref.After(ev.NotAfter) {
		res.fail(ades.NewIndeterminate(ades.OutOfBoundsNoPOE),
			"%s: reference time %s outside validity [%s, %s]", ev.Subject,
			ref.UTC().Format(time.RFC3339), ev.NotBefore.UTC().Format(time.RFC3339), ev.NotAfter.UTC().Format(time.RFC3339))
	}

	if ev.Status == revinfo.StatusRevoked {
		hint := in.BestSignatureTime
		if !hint.IsZero() && ev.RevokedAt.Before(hint) {
			res.fail(ades.NewInvalid(ades.Revoked), "%s: revoked at %s, before best signature time", ev.Subject, ev.RevokedAt.UTC().Format(time.RFC3339))
		} else {
			res.fail(ades.NewIndeterminate(ades.RevokedNoPOE), "%s: revoked at %s", ev.Subject, ev.RevokedAt.UTC().Format(time.RFC3339))
		}
		return
	}

	if in.SkipRevocation || p.Revocation.Missing == policy.MissingRevocationIgnore {
		return
	}
	if !ev.Fresh {
		if len(ev.Tokens) == 0 {
			res.fail(ades.NewIndeterminate(ades.NoCertificateRevocationInfo), "%s: no revocation data", ev.Subject)
		} else {
			res.fail(ades.NewIndeterminate(ades.NoCertificateRevocationInfo), "%s: no revocation data fresh at %s", ev.Subject, ref.UTC().Format(time.RFC3339))
		}
	}
}

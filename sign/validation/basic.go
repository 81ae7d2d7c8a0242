package validation

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"

	"github.com/containerd/log"

	"github.com/georgepadayatti/etsival/certvalidator"
	"github.com/georgepadayatti/etsival/sign/ades"
)

// BasicResult is the outcome of the basic validation process.
type BasicResult struct {
	ades.Result

	// SigningCertificate is the identified signer certificate, if any.
	SigningCertificate *x509.Certificate

	// XCV is nil when the process stopped before chain validation.
	XCV      *certvalidator.XCVResult
	Messages []string
}

func (r *BasicResult) fail(res ades.Result, format string, args ...any) *BasicResult {
	r.Result = res
	r.Messages = append(r.Messages, fmt.Sprintf(format, args...))
	return r
}

// Evidence returns the chain evidence gathered by XCV, leaf first.
func (r *BasicResult) Evidence() []*certvalidator.CertificateEvidence {
	if r.XCV == nil {
		return nil
	}
	return r.XCV.Evidence
}

// BasicValidation identifies the signing certificate, checks that a policy is
// loaded, checks the signature's integrity and validates the signer's chain
// at the current time. It stops at the first failing step.
func BasicValidation(ctx context.Context, in Inputs) *BasicResult {
	res := &BasicResult{Result: ades.ValidResult()}
	c := in.Container

	cert, err := identifySigner(in)
	if err != nil {
		return res.fail(ades.NewIndeterminate(ades.NoSigningCertificate), "signing certificate: %v", err)
	}
	res.SigningCertificate = cert

	if in.Policy == nil {
		return res.fail(ades.NewIndeterminate(ades.NoPolicy), "no validation policy loaded")
	}

	cr := in.crypto()
	if md := c.MessageDigest(); md != nil {
		d, err := cr.Digest(c.DigestAlgorithm(), c.SignedData())
		if err != nil {
			return res.fail(ades.NewIndeterminate(ades.CryptoConstraintsFailure), "content digest: %v", err)
		}
		if !bytes.Equal(d, md) {
			return res.fail(ades.NewInvalid(ades.HashFailure), "%v", ErrDigestMismatch)
		}
	}
	if err := cr.Verify(c.SignatureAlgorithm(), cert, c.SignedBytes(), c.SignatureBytes()); err != nil {
		return res.fail(ades.NewInvalid(ades.SigCryptoFailure), "signature value: %v", err)
	}

	res.XCV = certvalidator.XCV(ctx, certvalidator.XCVInput{
		Leaf:          cert,
		Pool:          in.Pool,
		Policy:        in.Policy,
		ReferenceTime: in.CurrentTime,
		Revocation:    in.Revocation,
		Fetcher:       in.Fetcher,
	})
	res.Messages = append(res.Messages, res.XCV.Messages...)
	res.Result = res.XCV.Result

	log.G(ctx).WithField("signature", c.ID()).Debugf("basic validation: %s", res.Result)
	return res
}

// identifySigner resolves the signing certificate and checks it against the
// signed reference. Without an embedded certificate the pool is searched for
// one matching the reference.
func identifySigner(in Inputs) (*x509.Certificate, error) {
	c := in.Container
	cr := in.crypto()
	ref := c.SigningCertificateRef()

	cert := c.SigningCertificate()
	if cert == nil && ref != nil && in.Pool != nil {
		for _, cc := range in.Pool.All() {
			if ref.Matches(cr, cc.Certificate) == nil {
				cert = cc.Certificate
				break
			}
		}
	}
	if cert == nil {
		return nil, certvalidator.ErrNoSigningCertificate
	}

	requireDigest := in.Policy != nil && in.Policy.RequireSigningCertificateDigest
	switch {
	case ref == nil && requireDigest:
		return nil, ErrNoSigningCertRef
	case ref == nil:
		return cert, nil
	case len(ref.Digest) == 0 && requireDigest:
		return nil, fmt.Errorf("%w: reference carries no certificate digest", ErrNoSigningCertRef)
	}
	if err := ref.Matches(cr, cert); err != nil {
		return nil, err
	}
	return cert, nil
}

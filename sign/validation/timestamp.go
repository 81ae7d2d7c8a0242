package validation

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"sort"
	"time"

	"github.com/containerd/log"

	"github.com/georgepadayatti/etsival/certvalidator"
	"github.com/georgepadayatti/etsival/certvalidator/ltv"
	"github.com/georgepadayatti/etsival/policy"
	"github.com/georgepadayatti/etsival/sign/ades"
)

// TimestampCheck is the validation outcome of one timestamp token.
type TimestampCheck struct {
	ades.Result
	Token *TimestampToken
	// XCV is the validation of the TSA chain at the generation time.
	XCV      *certvalidator.XCVResult
	Messages []string
}

func (c *TimestampCheck) fail(res ades.Result, format string, args ...any) *TimestampCheck {
	c.Result = res
	c.Messages = append(c.Messages, fmt.Sprintf(format, args...))
	return c
}

// TimestampResult is the outcome of the timestamp validation process.
type TimestampResult struct {
	// Result fails only on algorithm constraints at the best signature
	// time or on inconsistent timestamp ordering.
	ades.Result

	// BestSignatureTime is the earliest generation time of a valid
	// signature timestamp, or the current time without one.
	BestSignatureTime time.Time

	// Marker is NoTimestamp or NoValidTimestamp when no valid signature
	// timestamp backs BestSignatureTime, SubNone otherwise.
	Marker ades.SubIndication

	Timestamps []*TimestampCheck

	// POE holds the proofs of existence established by the valid timestamps.
	POE      *ltv.POEManager
	Messages []string
}

func (r *TimestampResult) fail(res ades.Result, format string, args ...any) {
	if r.Result.IsValid() {
		r.Result = res
	}
	r.Messages = append(r.Messages, fmt.Sprintf(format, args...))
}

func (r *TimestampResult) note(format string, args ...any) {
	r.Messages = append(r.Messages, fmt.Sprintf(format, args...))
}

// TimestampValidation validates every embedded timestamp, derives the best
// signature time, records the proofs of existence the valid timestamps
// establish and checks that the algorithms of the signature were reliable
// at the best signature time.
func TimestampValidation(ctx context.Context, in Inputs, basic *BasicResult) *TimestampResult {
	p := in.Policy
	if p == nil {
		p = policy.Default()
	}
	res := &TimestampResult{
		Result:            ades.ValidResult(),
		BestSignatureTime: in.CurrentTime,
		POE:               ltv.NewPOEManager(in.CurrentTime),
	}

	tokens := append([]*TimestampToken(nil), in.Container.EmbeddedTimestamps()...)
	sort.SliceStable(tokens, func(i, j int) bool {
		return tokens[i].GenerationTime.Before(tokens[j].GenerationTime)
	})

	claimed := in.Container.ClaimedSigningTime()
	var signatureStamps, validSignatureStamps int
	var validIDs []string
	var validTimes []time.Time

	for _, tok := range tokens {
		chk := checkTimestamp(ctx, in, p, tok)
		res.Timestamps = append(res.Timestamps, chk)

		if tok.Type == SignatureTimestamp {
			signatureStamps++
			if chk.IsValid() && !claimed.IsZero() && tok.GenerationTime.Before(claimed.Add(-p.Timestamp.Tolerance)) {
				chk.fail(ades.NewIndeterminate(ades.TimestampOrderFailure), "generated at %s, before claimed signing time %s", stamp(tok.GenerationTime), stamp(claimed))
			}
		}
		if !chk.IsValid() {
			res.note("%s timestamp %s rejected: %s", tok.Type, stamp(tok.GenerationTime), chk.Result)
			continue
		}

		if tok.Type == SignatureTimestamp {
			validSignatureStamps++
			if validSignatureStamps == 1 || tok.GenerationTime.Before(res.BestSignatureTime) {
				res.BestSignatureTime = tok.GenerationTime
			}
		}

		var earlier []string
		for i, id := range validIDs {
			if validTimes[i].Before(tok.GenerationTime) {
				earlier = append(earlier, id)
			}
		}
		if covers := coverage(in, basic, tok, earlier); len(covers) > 0 {
			res.POE.AddTimestamp(ltv.TimestampRef{ID: tok.ID(), GenerationTime: tok.GenerationTime}, covers)
		}
		validIDs = append(validIDs, tok.ID())
		validTimes = append(validTimes, tok.GenerationTime)
	}

	switch {
	case signatureStamps == 0:
		res.Marker = ades.NoTimestamp
	case validSignatureStamps == 0:
		res.Marker = ades.NoValidTimestamp
	}

	if res.Marker == ades.SubNone {
		for _, chk := range res.Timestamps {
			if chk.Token.Type == ContentTimestamp && chk.IsValid() && chk.Token.GenerationTime.After(res.BestSignatureTime) {
				res.fail(ades.NewIndeterminate(ades.TimestampOrderFailure), "content timestamp %s is later than the best signature time %s",
					stamp(chk.Token.GenerationTime), stamp(res.BestSignatureTime))
			}
		}
	}

	checkAlgorithms(res, in, p, basic)

	log.G(ctx).WithField("signature", in.Container.ID()).Debugf("best signature time %s (%d of %d signature timestamps valid)",
		stamp(res.BestSignatureTime), validSignatureStamps, signatureStamps)
	return res
}

func checkTimestamp(ctx context.Context, in Inputs, p *policy.Policy, tok *TimestampToken) *TimestampCheck {
	chk := &TimestampCheck{Result: ades.ValidResult(), Token: tok}

	d, err := in.crypto().Digest(tok.HashAlgorithm, tok.CoveredData)
	if err != nil {
		return chk.fail(ades.NewIndeterminate(ades.CryptoConstraintsFailure), "message imprint: %v", err)
	}
	if !bytes.Equal(d, tok.MessageImprint) {
		return chk.fail(ades.NewInvalid(ades.HashFailure), "%v", ErrImprintMismatch)
	}
	if tok.SignatureError != nil {
		return chk.fail(ades.NewInvalid(ades.SigCryptoFailure), "token signature: %v", tok.SignatureError)
	}
	if tok.Signer == nil {
		return chk.fail(ades.NewIndeterminate(ades.NoSigningCertificate), "TSA certificate not found in token")
	}
	if ok, why := p.AlgorithmReliableAt(policy.HashName(tok.HashAlgorithm), tok.GenerationTime); !ok {
		return chk.fail(ades.NewIndeterminate(ades.CryptoConstraintsFailure), "%s", why)
	}
	if !hasTimestampingUsage(tok.Signer) {
		chk.Messages = append(chk.Messages, fmt.Sprintf("%s lacks the timeStamping extended key usage", tok.Signer.Subject.CommonName))
	}

	chk.XCV = certvalidator.XCV(ctx, certvalidator.XCVInput{
		Leaf:              tok.Signer,
		Pool:              in.Pool,
		Policy:            p,
		ReferenceTime:     tok.GenerationTime,
		BestSignatureTime: tok.GenerationTime,
		Revocation:        in.Revocation,
		Fetcher:           in.Fetcher,
		SkipRevocation:    !p.Timestamp.RequireRevocation,
	})
	chk.Messages = append(chk.Messages, chk.XCV.Messages...)
	chk.Result = chk.XCV.Result
	return chk
}

func hasTimestampingUsage(cert *x509.Certificate) bool {
	for _, u := range cert.ExtKeyUsage {
		if u == x509.ExtKeyUsageTimeStamping {
			return true
		}
	}
	return false
}

// coverage lists the tokens whose existence a valid timestamp proves.
// Archive timestamps also cover the earlier timestamps.
func coverage(in Inputs, basic *BasicResult, tok *TimestampToken, earlier []string) []string {
	var covers []string
	seen := make(map[string]bool)
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			covers = append(covers, id)
		}
	}
	addCert := func(cert *x509.Certificate) {
		if cert != nil {
			add(certvalidator.IDOf(cert).Token())
		}
	}

	switch tok.Type {
	case ContentTimestamp:
		return nil
	case SignatureTimestamp:
		add(in.SignatureID())
		addCert(basic.SigningCertificate)
		return covers
	}

	add(in.SignatureID())
	addCert(basic.SigningCertificate)
	for _, cert := range in.Container.CertificateChainHint() {
		addCert(cert)
	}
	for _, ev := range basic.Evidence() {
		add(ev.ID.Token())
	}
	for _, t := range in.Embedded {
		add(t.ID)
	}
	if tok.Type == ArchiveTimestamp {
		for _, id := range earlier {
			add(id)
		}
	}
	return covers
}

// checkAlgorithms requires the signature and chain algorithms to be
// reliable at the best signature time.
func checkAlgorithms(res *TimestampResult, in Inputs, p *policy.Policy, basic *BasicResult) {
	at := res.BestSignatureTime
	c := in.Container
	names := []string{policy.SignatureAlgorithmName(c.SignatureAlgorithm())}
	if c.MessageDigest() != nil {
		names = append(names, policy.HashName(c.DigestAlgorithm()))
	}
	for _, ev := range basic.Evidence() {
		if ev.TrustAnchor {
			continue
		}
		names = append(names, policy.SignatureAlgorithmName(ev.Certificate.SignatureAlgorithm))
	}

	seen := make(map[string]bool)
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		if ok, why := p.AlgorithmReliableAt(name, at); !ok {
			res.fail(ades.NewIndeterminate(ades.CryptoConstraintsFailure), "at %s: %s", stamp(at), why)
		}
	}
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

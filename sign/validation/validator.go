package validation

import (
	"context"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/containerd/log"
	"github.com/jonboulle/clockwork"

	"github.com/georgepadayatti/etsival/certvalidator"
	"github.com/georgepadayatti/etsival/certvalidator/revinfo"
	"github.com/georgepadayatti/etsival/certvalidator/source"
	"github.com/georgepadayatti/etsival/policy"
	"github.com/georgepadayatti/etsival/sign/ades"
	"github.com/georgepadayatti/etsival/sign/validation/qualified"
	"github.com/georgepadayatti/etsival/sign/validation/report"
)

// Stage names used in reports.
const (
	StageBasic     = "basic"
	StageTimestamp = "timestamp"
	StageLongTerm  = "long-term"
)

// Option configures a Validator.
type Option func(*Validator)

// WithClock sets the clock that supplies the validation time.
func WithClock(c clockwork.Clock) Option {
	return func(v *Validator) { v.clock = c }
}

// WithTrustList sets the trust-list provider. The service certificates of
// an in-memory TrustList become trust anchors.
func WithTrustList(tl qualified.TrustListProvider) Option {
	return func(v *Validator) { v.trustList = tl }
}

// WithRevocationSource adds a revocation source, typically an online one,
// consulted after the data embedded in each signature.
func WithRevocationSource(src revinfo.Source) Option {
	return func(v *Validator) { v.revocation = src }
}

// WithIssuerFetcher lets chain building download missing issuers.
func WithIssuerFetcher(f certvalidator.IssuerFetcher) Option {
	return func(v *Validator) { v.fetcher = f }
}

// WithCrypto replaces the cryptographic black box.
func WithCrypto(c Crypto) Option {
	return func(v *Validator) { v.crypto = c }
}

// Validator validates the signatures of documents. The certificate pool
// holding the trust anchors is shared by every run; each signature works on
// its own snapshot of it.
type Validator struct {
	policy     *policy.Policy
	trustList  qualified.TrustListProvider
	revocation revinfo.Source
	fetcher    certvalidator.IssuerFetcher
	crypto     Crypto
	clock      clockwork.Clock
	pool       *certvalidator.CertificatePool
}

// NewValidator creates a validator for the constraint policy p. A nil policy
// makes every signature INDETERMINATE/NO_POLICY.
func NewValidator(p *policy.Policy, opts ...Option) *Validator {
	v := &Validator{
		policy: p,
		crypto: DefaultCrypto{},
		clock:  clockwork.NewRealClock(),
		pool:   certvalidator.NewCertificatePool(),
	}
	for _, opt := range opts {
		opt(v)
	}
	if tl, ok := v.trustList.(*qualified.TrustList); ok {
		v.AddCertificates(source.TrustedList, tl.Certificates(qualified.ServiceTypeUnknown)...)
	}
	return v
}

// AddTrustAnchors registers trust-store certificates.
func (v *Validator) AddTrustAnchors(certs ...*x509.Certificate) {
	v.AddCertificates(source.TrustStore, certs...)
}

// AddCertificates interns certificates of the given provenance into the shared pool.
func (v *Validator) AddCertificates(prov source.Provenance, certs ...*x509.Certificate) {
	for _, cert := range certs {
		if cert != nil {
			v.pool.Intern(cert, prov)
		}
	}
}

// Pool returns the shared certificate pool.
func (v *Validator) Pool() *certvalidator.CertificatePool {
	return v.pool
}

// ValidateDocument validates every signature of a document at one
// validation time. A failure in one signature never affects the others.
func (v *Validator) ValidateDocument(ctx context.Context, containers []SignatureContainer) *report.DocumentReport {
	now := v.clock.Now()
	if v.policy == nil {
		log.G(ctx).Error("no validation policy loaded")
	}

	sigs := make([]report.SignatureReport, 0, len(containers))
	for _, c := range containers {
		sigs = append(sigs, v.validate(ctx, c, now))
	}

	name := ""
	if v.policy != nil {
		name = v.policy.Name
	}
	return report.NewDocumentReport(now, name, sigs)
}

// ValidateSignature validates a single signature at the current time.
func (v *Validator) ValidateSignature(ctx context.Context, c SignatureContainer) report.SignatureReport {
	return v.validate(ctx, c, v.clock.Now())
}

func (v *Validator) validate(ctx context.Context, c SignatureContainer, now time.Time) (rep report.SignatureReport) {
	id := c.ID()
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("signature", id))
	defer func() {
		if r := recover(); r != nil {
			log.G(ctx).Errorf("validation aborted: %v", r)
			rep = report.SignatureReport{
				SignatureID: id,
				Indication:  ades.Indeterminate,
				Info:        []string{fmt.Sprintf("validation aborted: %v", r)},
			}
		}
	}()

	if m, ok := c.(Malformed); ok {
		if err := m.ParseError(); err != nil {
			log.G(ctx).WithError(err).Warn("undecodable signature")
			return report.SignatureReport{
				SignatureID:   id,
				Indication:    ades.Indeterminate,
				SubIndication: ades.FormatFailure,
				Info:          []string{fmt.Sprintf("signature block could not be decoded: %v", err)},
			}
		}
	}

	if v.policy == nil {
		return report.SignatureReport{
			SignatureID:   id,
			Indication:    ades.Indeterminate,
			SubIndication: ades.NoPolicy,
			Info:          []string{"no validation policy loaded"},
		}
	}

	log.G(ctx).Debugf("validating at %s", stamp(now))
	in, notes := v.inputs(ctx, c, now)

	basic := BasicValidation(ctx, in)
	var ts *TimestampResult
	var lt *LTVResult
	if basic.IsValid() || basic.Salvageable() {
		ts = TimestampValidation(ctx, in, basic)
		lt = LongTermValidation(ctx, in, basic, ts)
	}

	final, info := Merge(in.Policy, basic, ts, lt)
	rep = buildReport(c, basic, ts, lt, final, append(notes, info...))
	log.G(ctx).Debugf("validated: %s", final)
	return rep
}

// inputs assembles the context of one signature: a pool snapshot holding
// the embedded certificates and a revocation source serving the embedded
// tokens ahead of the configured source.
func (v *Validator) inputs(ctx context.Context, c SignatureContainer, now time.Time) (Inputs, []string) {
	var notes []string

	pool := v.pool.Snapshot()
	if cert := c.SigningCertificate(); cert != nil {
		pool.Intern(cert, source.Signature)
	}
	for _, cert := range c.CertificateChainHint() {
		pool.Intern(cert, source.ChainHint)
	}
	for _, tok := range c.EmbeddedTimestamps() {
		for _, cert := range tok.Certificates {
			pool.Intern(cert, source.Timestamp)
		}
	}

	embedded, err := revinfo.ParseAll(c.EmbeddedCRLs(), c.EmbeddedOCSPResponses(), source.Signature)
	if err != nil {
		log.G(ctx).WithError(err).Warn("skipping unparsable embedded revocation data")
		notes = append(notes, fmt.Sprintf("unparsable embedded revocation data: %v", err))
	}
	for _, t := range embedded {
		if responder := t.ResponderCertificate(); responder != nil {
			pool.Intern(responder, source.RevocationData)
		}
	}

	var src revinfo.Source = revinfo.NewOfflineSource(source.FromSlice(source.Signature, embedded))
	if v.revocation != nil {
		src = revinfo.MultiSource{src, v.revocation}
	}

	return Inputs{
		Container:   c,
		Pool:        pool,
		Policy:      v.policy,
		TrustList:   v.trustList,
		Revocation:  src,
		Embedded:    embedded,
		Fetcher:     v.fetcher,
		Crypto:      v.crypto,
		CurrentTime: now,
	}, notes
}

// Merge combines the stage results into the verdict of the signature and
// collects the messages of every stage that ran.
//
// A failing basic result that long-term validation cannot salvage is final.
// Otherwise an INVALID long-term result wins, then a timestamp stage
// failure, then a VALID long-term result. When both basic and long-term
// validation are INDETERMINATE the basic result is kept.
func Merge(p *policy.Policy, basic *BasicResult, ts *TimestampResult, lt *LTVResult) (ades.Result, []string) {
	info := append([]string(nil), basic.Messages...)
	if (!basic.IsValid() && !basic.Salvageable()) || ts == nil || lt == nil {
		return basic.Result, info
	}
	info = append(info, ts.Messages...)
	info = append(info, lt.Messages...)
	switch ts.Marker {
	case ades.NoTimestamp:
		info = append(info, ades.NoTimestamp.String()+": no signature timestamp, best signature time is the validation time")
	case ades.NoValidTimestamp:
		info = append(info, ades.NoValidTimestamp.String()+": no signature timestamp is valid, best signature time is the validation time")
	}
	if !lt.QualificationResult.IsValid() {
		info = append(info, lt.QualificationResult.String())
	}

	var res ades.Result
	switch {
	case lt.Indication == ades.Invalid:
		res = lt.Result
	case !ts.IsValid():
		res = ts.Result
	case lt.IsValid():
		res = ades.ValidResult()
	case basic.IsValid():
		res = lt.Result
	default:
		res = basic.Result
	}

	if res.IsValid() && p != nil && p.Timestamp.Required && ts.Marker != ades.SubNone {
		res = ades.NewIndeterminate(ts.Marker)
	}
	return res, info
}

func stageResult(name string, r ades.Result) report.StageResult {
	return report.StageResult{Name: name, Indication: r.Indication, SubIndication: r.SubIndication}
}

func buildReport(c SignatureContainer, basic *BasicResult, ts *TimestampResult, lt *LTVResult, res ades.Result, info []string) report.SignatureReport {
	rep := report.SignatureReport{
		SignatureID:        c.ID(),
		Indication:         res.Indication,
		SubIndication:      res.SubIndication,
		Info:               info,
		ClaimedSigningTime: c.ClaimedSigningTime(),
		Stages:             []report.StageResult{stageResult(StageBasic, basic.Result)},
	}
	if basic.SigningCertificate != nil {
		rep.SigningCertificate = basic.SigningCertificate.Subject.String()
	}
	if sp, ok := c.(SignedProperties); ok {
		for _, cm := range sp.Commitments() {
			rep.Commitments = append(rep.Commitments, cm.String())
		}
		if pol := sp.SignaturePolicy(); pol != nil {
			rep.SignaturePolicy = pol.String()
		}
	}

	for _, ev := range basic.Evidence() {
		ce := certificateEvidence(ev)
		if ts != nil && ts.POE.HasProof(ev.ID.Token()) {
			ce.POE = ts.POE.Get(ev.ID.Token())
		}
		rep.Certificates = append(rep.Certificates, ce)
	}

	if ts != nil {
		rep.BestSignatureTime = ts.BestSignatureTime
		rep.Stages = append(rep.Stages, stageResult(StageTimestamp, ts.Result))
		for _, chk := range ts.Timestamps {
			te := report.TimestampEvidence{
				ID:             chk.Token.ID(),
				Type:           chk.Token.Type.String(),
				GenerationTime: chk.Token.GenerationTime,
				Indication:     chk.Indication,
				SubIndication:  chk.SubIndication,
				Info:           chk.Messages,
			}
			if chk.Token.Signer != nil {
				te.Signer = chk.Token.Signer.Subject.String()
			}
			rep.Timestamps = append(rep.Timestamps, te)
		}
	}

	if lt != nil {
		rep.ControlTime = lt.ControlTime
		rep.Stages = append(rep.Stages, stageResult(StageLongTerm, lt.Result))
		if a := lt.Qualification; a != nil {
			rep.Qualified = a.Qualified
			for _, q := range a.Qualifiers {
				rep.Qualifiers = append(rep.Qualifiers, string(q))
			}
		}
	}
	return rep
}

func certificateEvidence(ev *certvalidator.CertificateEvidence) report.CertificateEvidence {
	ce := report.CertificateEvidence{
		ID:               string(ev.ID),
		Subject:          ev.Subject,
		Issuer:           ev.Issuer,
		Serial:           ev.Certificate.SerialNumber.Text(16),
		NotBefore:        ev.NotBefore,
		NotAfter:         ev.NotAfter,
		TrustAnchor:      ev.TrustAnchor,
		RevocationStatus: ev.Status.String(),
	}
	for _, p := range ev.Provenances.List() {
		ce.Provenances = append(ce.Provenances, p.String())
	}
	if ev.Status == revinfo.StatusRevoked {
		ce.RevokedAt = ev.RevokedAt
		ce.RevocationReason = ev.Reason.String()
	}
	if ev.Chosen != nil {
		ce.RevocationToken = ev.Chosen.ID
		ce.RevocationIssuance = ev.Chosen.Issuance
	}
	return ce
}

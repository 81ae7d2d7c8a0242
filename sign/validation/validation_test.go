package validation

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"

	"github.com/georgepadayatti/etsival/certvalidator/pkitest"
	"github.com/georgepadayatti/etsival/policy"
	"github.com/georgepadayatti/etsival/sign/ades"
	"github.com/georgepadayatti/etsival/sign/validation/report"
)

const day = 24 * time.Hour

type fakeContainer struct {
	id         string
	cert       *x509.Certificate
	ref        *SigningCertificateRef
	hint       []*x509.Certificate
	crls       [][]byte
	ocsps      [][]byte
	timestamps []*TimestampToken
	content    []byte
	signed     []byte
	sig        []byte
	digest     []byte
	claimed    time.Time
}

func (c *fakeContainer) ID() string                                    { return c.id }
func (c *fakeContainer) SigningCertificate() *x509.Certificate         { return c.cert }
func (c *fakeContainer) SigningCertificateRef() *SigningCertificateRef { return c.ref }
func (c *fakeContainer) CertificateChainHint() []*x509.Certificate     { return c.hint }
func (c *fakeContainer) EmbeddedCRLs() [][]byte                        { return c.crls }
func (c *fakeContainer) EmbeddedOCSPResponses() [][]byte               { return c.ocsps }
func (c *fakeContainer) EmbeddedTimestamps() []*TimestampToken         { return c.timestamps }
func (c *fakeContainer) SignedData() []byte                            { return c.content }
func (c *fakeContainer) SignatureBytes() []byte                        { return c.sig }
func (c *fakeContainer) SignedBytes() []byte                           { return c.signed }
func (c *fakeContainer) MessageDigest() []byte                         { return c.digest }
func (c *fakeContainer) DigestAlgorithm() crypto.Hash                  { return crypto.SHA256 }
func (c *fakeContainer) SignatureAlgorithm() x509.SignatureAlgorithm   { return x509.ECDSAWithSHA256 }
func (c *fakeContainer) ClaimedSigningTime() time.Time                 { return c.claimed }

type panickingContainer struct {
	*fakeContainer
}

func (panickingContainer) SignatureBytes() []byte { panic("corrupt signature block") }

type fixture struct {
	root    *pkitest.Authority
	ca      *pkitest.Authority
	leaf    *x509.Certificate
	leafKey *ecdsa.PrivateKey
	tsaRoot *pkitest.Authority
	tsa     *x509.Certificate
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := pkitest.NewRoot(t, "Root CA", pkitest.Date(2020, 1, 1), pkitest.Date(2040, 1, 1))
	ca := root.NewIntermediate(t, "Issuing CA", pkitest.Date(2021, 1, 1), pkitest.Date(2035, 1, 1))
	leaf, key := ca.Issue(t, pkitest.CertOptions{
		CommonName: "Signer",
		NotBefore:  pkitest.Date(2023, 1, 1),
		NotAfter:   pkitest.Date(2027, 1, 1),
	})
	tsaRoot := pkitest.NewRoot(t, "TSA Root", pkitest.Date(2020, 1, 1), pkitest.Date(2040, 1, 1))
	tsa, _ := tsaRoot.Issue(t, pkitest.CertOptions{
		CommonName:  "TSA",
		NotBefore:   pkitest.Date(2021, 1, 1),
		NotAfter:    pkitest.Date(2030, 1, 1),
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
	})
	return &fixture{
		root: root, ca: ca, leaf: leaf, leafKey: key,
		tsaRoot: tsaRoot, tsa: tsa,
		now: pkitest.Date(2025, 6, 1),
	}
}

func (f *fixture) validator(p *policy.Policy, opts ...Option) *Validator {
	opts = append([]Option{WithClock(clockwork.NewFakeClockAt(f.now))}, opts...)
	v := NewValidator(p, opts...)
	v.AddTrustAnchors(f.root.Cert, f.tsaRoot.Cert)
	return v
}

// container signs content with signed attributes referencing the leaf.
func (f *fixture) container(t *testing.T, content string) *fakeContainer {
	t.Helper()
	digest := sha256.Sum256([]byte(content))
	signed := append([]byte("signed-attributes:"), digest[:]...)
	h := sha256.Sum256(signed)
	sig, err := ecdsa.SignASN1(rand.Reader, f.leafKey, h[:])
	if err != nil {
		t.Fatal(err)
	}
	certDigest := sha256.Sum256(f.leaf.Raw)
	return &fakeContainer{
		id:      "sig-" + content,
		cert:    f.leaf,
		ref:     &SigningCertificateRef{Hash: crypto.SHA256, Digest: certDigest[:]},
		hint:    []*x509.Certificate{f.ca.Cert},
		content: []byte(content),
		signed:  signed,
		sig:     sig,
		digest:  digest[:],
	}
}

func (f *fixture) timestamp(typ TimestampType, at time.Time, covered []byte) *TimestampToken {
	sum := sha256.Sum256(covered)
	return &TimestampToken{
		Type:           typ,
		Raw:            []byte(fmt.Sprintf("%s@%d:%x", typ, at.Unix(), sum[:8])),
		HashAlgorithm:  crypto.SHA256,
		MessageImprint: sum[:],
		GenerationTime: at,
		Certificates:   []*x509.Certificate{f.tsa},
		Signer:         f.tsa,
		CoveredData:    covered,
	}
}

// caCRL is a root CRL issued a month before the validation time and still
// fresh at it.
func (f *fixture) caCRL(t *testing.T) []byte {
	return f.root.CRL(t, f.now.Add(-30*day), f.now.Add(7*day))
}

// leafOCSP is a "good" response for the leaf with the same window as caCRL.
func (f *fixture) leafOCSP(t *testing.T) []byte {
	return f.ca.Good(t, f.leaf, f.now.Add(-30*day), f.now.Add(7*day))
}

func hasInfo(rep report.SignatureReport, substr string) bool {
	for _, msg := range rep.Info {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

func checkResult(t *testing.T, rep report.SignatureReport, want ades.Result) {
	t.Helper()
	if got := rep.Result(); got != want {
		t.Errorf("result = %s, want %s\ninfo: %s", got, want, strings.Join(rep.Info, "\n      "))
	}
}

func TestValidSignatureWithFreshOCSP(t *testing.T) {
	f := newFixture(t)
	c := f.container(t, "scenario A")
	c.ocsps = [][]byte{f.leafOCSP(t)}
	c.crls = [][]byte{f.caCRL(t)}

	rep := f.validator(policy.Default()).ValidateSignature(context.Background(), c)
	checkResult(t, rep, ades.ValidResult())

	if len(rep.Certificates) != 3 {
		t.Fatalf("chain length = %d, want 3", len(rep.Certificates))
	}
	if rep.Certificates[0].RevocationStatus != "good" || !strings.HasPrefix(rep.Certificates[0].RevocationToken, "ocsp:") {
		t.Errorf("leaf evidence = %+v", rep.Certificates[0])
	}
	if !rep.Certificates[2].TrustAnchor {
		t.Error("root should be the trust anchor")
	}
	if !rep.BestSignatureTime.Equal(f.now) || !rep.ControlTime.Equal(f.now) {
		t.Errorf("best signature time %v, control time %v, want %v", rep.BestSignatureTime, rep.ControlTime, f.now)
	}
	if !hasInfo(rep, "NO_TIMESTAMP") {
		t.Error("missing NO_TIMESTAMP marker")
	}
	wantStages := []report.StageResult{
		{Name: StageBasic, Indication: ades.Valid},
		{Name: StageTimestamp, Indication: ades.Valid},
		{Name: StageLongTerm, Indication: ades.Valid},
	}
	if diff := cmp.Diff(wantStages, rep.Stages); diff != "" {
		t.Errorf("stages mismatch (-want +got):\n%s", diff)
	}
}

func TestRevokedSigner(t *testing.T) {
	f := newFixture(t)
	revokedAt := f.now.Add(-30 * day)

	t.Run("revoked before best signature time", func(t *testing.T) {
		c := f.container(t, "scenario B")
		c.ocsps = [][]byte{f.ca.Revoked(t, f.leaf, revokedAt, f.now.Add(-time.Hour), f.now.Add(7*day))}
		c.crls = [][]byte{f.caCRL(t)}

		rep := f.validator(policy.Default()).ValidateSignature(context.Background(), c)
		checkResult(t, rep, ades.NewInvalid(ades.Revoked))
		if rep.Stages[0].SubIndication != ades.RevokedNoPOE {
			t.Errorf("basic stage = %v, want REVOKED_NO_POE", rep.Stages[0])
		}
	})

	t.Run("signature timestamp before revocation", func(t *testing.T) {
		c := f.container(t, "scenario B timestamped")
		stampedAt := f.now.Add(-60 * day)
		c.ocsps = [][]byte{
			f.ca.Revoked(t, f.leaf, revokedAt, f.now.Add(-time.Hour), f.now.Add(7*day)),
			f.ca.Good(t, f.leaf, stampedAt.Add(-time.Hour), stampedAt.Add(7*day)),
		}
		c.crls = [][]byte{f.caCRL(t), f.root.CRL(t, stampedAt.Add(-day), stampedAt.Add(30*day))}
		c.timestamps = []*TimestampToken{f.timestamp(SignatureTimestamp, stampedAt, c.sig)}

		rep := f.validator(policy.Default()).ValidateSignature(context.Background(), c)
		checkResult(t, rep, ades.ValidResult())
		if !rep.BestSignatureTime.Equal(stampedAt) {
			t.Errorf("best signature time = %v, want %v", rep.BestSignatureTime, stampedAt)
		}
	})

	t.Run("signature timestamp after revocation", func(t *testing.T) {
		c := f.container(t, "scenario B late timestamp")
		c.ocsps = [][]byte{f.ca.Revoked(t, f.leaf, revokedAt, f.now.Add(-time.Hour), f.now.Add(7*day))}
		c.crls = [][]byte{f.caCRL(t)}
		c.timestamps = []*TimestampToken{f.timestamp(SignatureTimestamp, f.now.Add(-10*day), c.sig)}

		rep := f.validator(policy.Default()).ValidateSignature(context.Background(), c)
		checkResult(t, rep, ades.NewInvalid(ades.Revoked))
	})
}

func TestNoRevocationDataNoTimestamp(t *testing.T) {
	f := newFixture(t)
	c := f.container(t, "scenario C")

	rep := f.validator(policy.Default()).ValidateSignature(context.Background(), c)
	checkResult(t, rep, ades.NewIndeterminate(ades.NoCertificateRevocationInfo))
	if !hasInfo(rep, "NO_TIMESTAMP") {
		t.Errorf("missing NO_TIMESTAMP info: %v", rep.Info)
	}
	if got := rep.Stages[2].SubIndication; got != ades.NoPOE {
		t.Errorf("long-term stage = %v, want NO_POE", got)
	}
}

func TestMissingRevocationPolicy(t *testing.T) {
	f := newFixture(t)
	c := f.container(t, "ignored revocation")

	p := policy.Default()
	p.Revocation.Missing = policy.MissingRevocationIgnore
	rep := f.validator(p).ValidateSignature(context.Background(), c)
	checkResult(t, rep, ades.ValidResult())
}

func TestArchiveTimestampSlidesControlTime(t *testing.T) {
	f := newFixture(t)
	revokedAt := pkitest.Date(2024, 3, 2)
	issued := pkitest.Date(2024, 3, 5)

	tests := []struct {
		name      string
		archiveAt time.Time
		want      ades.Result
	}{
		{"archive before revocation rescues", pkitest.Date(2024, 3, 1), ades.ValidResult()},
		{"archive after revocation", pkitest.Date(2024, 3, 3), ades.NewInvalid(ades.Revoked)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := f.container(t, "scenario D "+tt.name)
			c.crls = [][]byte{
				f.ca.CRL(t, issued, issued.Add(7*day), pkitest.RevokedEntry(f.leaf, revokedAt)),
				f.ca.CRL(t, pkitest.Date(2024, 2, 28), pkitest.Date(2024, 3, 6)),
				f.root.CRL(t, pkitest.Date(2024, 2, 27), pkitest.Date(2024, 3, 27)),
				f.caCRL(t),
			}
			c.timestamps = []*TimestampToken{f.timestamp(ArchiveTimestamp, tt.archiveAt, c.sig)}

			rep := f.validator(policy.Default()).ValidateSignature(context.Background(), c)
			checkResult(t, rep, tt.want)
			if !rep.ControlTime.Equal(tt.archiveAt) {
				t.Errorf("control time = %v, want %v", rep.ControlTime, tt.archiveAt)
			}
			if !rep.BestSignatureTime.Equal(f.now) {
				t.Errorf("best signature time = %v, want %v", rep.BestSignatureTime, f.now)
			}
			if !rep.Certificates[0].POE.Equal(tt.archiveAt) {
				t.Errorf("leaf POE = %v, want %v", rep.Certificates[0].POE, tt.archiveAt)
			}
			if rep.Stages[0].SubIndication != ades.RevokedNoPOE {
				t.Errorf("basic stage = %v", rep.Stages[0])
			}
		})
	}
}

func TestDeterministicReports(t *testing.T) {
	f := newFixture(t)
	c := f.container(t, "twice")
	c.ocsps = [][]byte{f.leafOCSP(t)}
	c.crls = [][]byte{f.caCRL(t)}
	c.timestamps = []*TimestampToken{
		f.timestamp(SignatureTimestamp, f.now.Add(-2*day), c.sig),
		f.timestamp(ArchiveTimestamp, f.now.Add(-day), c.sig),
	}

	v := f.validator(policy.Default())
	first := v.ValidateDocument(context.Background(), []SignatureContainer{c})
	second := v.ValidateDocument(context.Background(), []SignatureContainer{c})
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("reports differ (-first +second):\n%s", diff)
	}
	if first.Indication != ades.Valid {
		t.Errorf("indication = %v", first.Indication)
	}
}

func TestIntegrityFailures(t *testing.T) {
	f := newFixture(t)
	withOCSP := func(c *fakeContainer) *fakeContainer {
		c.ocsps = [][]byte{f.leafOCSP(t)}
		return c
	}
	other, _ := f.ca.Issue(t, pkitest.CertOptions{CommonName: "Other", NotBefore: pkitest.Date(2023, 1, 1), NotAfter: pkitest.Date(2027, 1, 1)})

	tests := []struct {
		name   string
		mutate func(c *fakeContainer)
		want   ades.Result
	}{
		{"content changed", func(c *fakeContainer) { c.content = []byte("tampered") }, ades.NewInvalid(ades.HashFailure)},
		{"signature changed", func(c *fakeContainer) { c.sig[len(c.sig)-1] ^= 0xff }, ades.NewInvalid(ades.SigCryptoFailure)},
		{"no certificate", func(c *fakeContainer) { c.cert, c.ref = nil, nil }, ades.NewIndeterminate(ades.NoSigningCertificate)},
		{"reference to another certificate", func(c *fakeContainer) { c.cert = other }, ades.NewIndeterminate(ades.NoSigningCertificate)},
		{"certificate found through reference", func(c *fakeContainer) { c.cert, c.hint = nil, []*x509.Certificate{f.ca.Cert, f.leaf} }, ades.ValidResult()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := withOCSP(f.container(t, tt.name))
			c.crls = [][]byte{f.caCRL(t)}
			tt.mutate(c)
			rep := f.validator(policy.Default()).ValidateSignature(context.Background(), c)
			checkResult(t, rep, tt.want)
		})
	}
}

func TestRequireSigningCertificateDigest(t *testing.T) {
	f := newFixture(t)
	c := f.container(t, "issuer serial only")
	c.ref = &SigningCertificateRef{IssuerSerial: &IssuerSerial{Issuer: f.leaf.Issuer, Serial: f.leaf.SerialNumber}}
	c.ocsps = [][]byte{f.leafOCSP(t)}
	c.crls = [][]byte{f.caCRL(t)}

	rep := f.validator(policy.Default()).ValidateSignature(context.Background(), c)
	checkResult(t, rep, ades.ValidResult())

	p := policy.Default()
	p.RequireSigningCertificateDigest = true
	rep = f.validator(p).ValidateSignature(context.Background(), c)
	checkResult(t, rep, ades.NewIndeterminate(ades.NoSigningCertificate))
}

func TestNoPolicy(t *testing.T) {
	f := newFixture(t)
	doc := f.validator(nil).ValidateDocument(context.Background(), []SignatureContainer{
		f.container(t, "one"), f.container(t, "two"),
	})
	if doc.Indication != ades.Indeterminate {
		t.Errorf("overall = %v", doc.Indication)
	}
	for _, s := range doc.Signatures {
		checkResult(t, s, ades.NewIndeterminate(ades.NoPolicy))
	}
}

func TestPanicIsolatedPerSignature(t *testing.T) {
	f := newFixture(t)
	good := f.container(t, "good")
	good.ocsps = [][]byte{f.leafOCSP(t)}
	good.crls = [][]byte{f.caCRL(t)}
	bad := panickingContainer{f.container(t, "bad")}

	doc := f.validator(policy.Default()).ValidateDocument(context.Background(), []SignatureContainer{bad, good})
	if len(doc.Signatures) != 2 {
		t.Fatalf("got %d signatures", len(doc.Signatures))
	}
	checkResult(t, doc.Signatures[0], ades.Result{Indication: ades.Indeterminate})
	if !hasInfo(doc.Signatures[0], "corrupt signature block") {
		t.Errorf("panic message lost: %v", doc.Signatures[0].Info)
	}
	checkResult(t, doc.Signatures[1], ades.ValidResult())
	if doc.Indication != ades.Indeterminate {
		t.Errorf("overall = %v, want INDETERMINATE", doc.Indication)
	}
}

func TestTimestampChecks(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name       string
		claimed    time.Duration
		stamps     func(c *fakeContainer) []*TimestampToken
		require    bool
		want       ades.Result
		wantStamps []ades.Result
	}{
		{
			name: "imprint mismatch",
			stamps: func(c *fakeContainer) []*TimestampToken {
				tok := f.timestamp(SignatureTimestamp, f.now.Add(-day), c.sig)
				tok.CoveredData = []byte("something else")
				return []*TimestampToken{tok}
			},
			want:       ades.ValidResult(),
			wantStamps: []ades.Result{ades.NewInvalid(ades.HashFailure)},
		},
		{
			name: "imprint mismatch with timestamp required",
			stamps: func(c *fakeContainer) []*TimestampToken {
				tok := f.timestamp(SignatureTimestamp, f.now.Add(-day), c.sig)
				tok.MessageImprint = make([]byte, 32)
				return []*TimestampToken{tok}
			},
			require:    true,
			want:       ades.NewIndeterminate(ades.NoValidTimestamp),
			wantStamps: []ades.Result{ades.NewInvalid(ades.HashFailure)},
		},
		{
			name:    "no timestamp with timestamp required",
			stamps:  func(*fakeContainer) []*TimestampToken { return nil },
			require: true,
			want:    ades.NewIndeterminate(ades.NoTimestamp),
		},
		{
			name: "broken token signature",
			stamps: func(c *fakeContainer) []*TimestampToken {
				tok := f.timestamp(SignatureTimestamp, f.now.Add(-day), c.sig)
				tok.SignatureError = fmt.Errorf("crypto/ecdsa: verification error")
				return []*TimestampToken{tok}
			},
			want:       ades.ValidResult(),
			wantStamps: []ades.Result{ades.NewInvalid(ades.SigCryptoFailure)},
		},
		{
			name:    "generated before claimed signing time",
			claimed: -5 * day,
			stamps: func(c *fakeContainer) []*TimestampToken {
				return []*TimestampToken{f.timestamp(SignatureTimestamp, f.now.Add(-20*day), c.sig)}
			},
			want:       ades.ValidResult(),
			wantStamps: []ades.Result{ades.NewIndeterminate(ades.TimestampOrderFailure)},
		},
		{
			name: "TSA certificate expired",
			stamps: func(c *fakeContainer) []*TimestampToken {
				return []*TimestampToken{f.timestamp(SignatureTimestamp, pkitest.Date(2020, 6, 1), c.sig)}
			},
			want:       ades.ValidResult(),
			wantStamps: []ades.Result{ades.NewIndeterminate(ades.OutOfBoundsNoPOE)},
		},
		{
			name: "content timestamp after signature timestamp",
			stamps: func(c *fakeContainer) []*TimestampToken {
				return []*TimestampToken{
					f.timestamp(SignatureTimestamp, f.now.Add(-20*day), c.sig),
					f.timestamp(ContentTimestamp, f.now.Add(-10*day), c.content),
				}
			},
			want:       ades.NewIndeterminate(ades.TimestampOrderFailure),
			wantStamps: []ades.Result{ades.ValidResult(), ades.ValidResult()},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := f.container(t, tt.name)
			c.ocsps = [][]byte{f.leafOCSP(t)}
			c.crls = [][]byte{f.caCRL(t)}
			if tt.claimed != 0 {
				c.claimed = f.now.Add(tt.claimed)
			}
			c.timestamps = tt.stamps(c)

			p := policy.Default()
			p.Timestamp.Required = tt.require
			rep := f.validator(p).ValidateSignature(context.Background(), c)
			checkResult(t, rep, tt.want)

			var got []ades.Result
			for _, ts := range rep.Timestamps {
				got = append(got, ades.Result{Indication: ts.Indication, SubIndication: ts.SubIndication})
			}
			if diff := cmp.Diff(tt.wantStamps, got); diff != "" {
				t.Errorf("timestamp results mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAlgorithmExpiredAtBestSignatureTime(t *testing.T) {
	f := newFixture(t)
	c := f.container(t, "weak algorithm")
	c.ocsps = [][]byte{f.leafOCSP(t)}
	c.crls = [][]byte{f.caCRL(t)}

	p := policy.Default()
	p.SetAlgorithm(policy.AlgorithmExpiry{Name: "ECDSA-SHA256", Expires: pkitest.Date(2025, 1, 1)})
	rep := f.validator(p).ValidateSignature(context.Background(), c)
	checkResult(t, rep, ades.NewIndeterminate(ades.CryptoConstraintsFailure))

	// A signature timestamp from before the expiry keeps the algorithm reliable.
	stampedAt := pkitest.Date(2024, 12, 1)
	c.timestamps = []*TimestampToken{f.timestamp(SignatureTimestamp, stampedAt, c.sig)}
	c.ocsps = append(c.ocsps, f.ca.Good(t, f.leaf, stampedAt.Add(-day), stampedAt.Add(6*day)))
	c.crls = append(c.crls, f.root.CRL(t, stampedAt.Add(-day), stampedAt.Add(30*day)))
	rep = f.validator(p).ValidateSignature(context.Background(), c)
	checkResult(t, rep, ades.ValidResult())
}

package cades

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"
	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"

	"github.com/georgepadayatti/etsival/certvalidator/pkitest"
	"github.com/georgepadayatti/etsival/policy"
	"github.com/georgepadayatti/etsival/sign/ades"
	"github.com/georgepadayatti/etsival/sign/validation"
)

// The CMS library stamps signatures with the wall clock, so the fixture
// PKI is centred on the real current time.
type fixture struct {
	now    time.Time
	root   *pkitest.Authority
	leaf   *x509.Certificate
	key    *ecdsa.PrivateKey
	tsa    *x509.Certificate
	tsaKey *ecdsa.PrivateKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	f := &fixture{now: now}
	f.root = pkitest.NewRoot(t, "CAdES Root", now.AddDate(-5, 0, 0), now.AddDate(10, 0, 0))
	f.leaf, f.key = f.root.Issue(t, pkitest.CertOptions{
		CommonName: "CAdES Signer",
		NotBefore:  now.AddDate(-1, 0, 0),
		NotAfter:   now.AddDate(2, 0, 0),
	})
	f.tsa, f.tsaKey = f.root.Issue(t, pkitest.CertOptions{
		CommonName:  "CAdES TSA",
		NotBefore:   now.AddDate(-1, 0, 0),
		NotAfter:    now.AddDate(5, 0, 0),
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
	})
	return f
}

// token returns an RFC 3161 token over data.
func (f *fixture) token(t *testing.T, data []byte, at time.Time) []byte {
	t.Helper()
	h := sha256.Sum256(data)
	resp, err := (&timestamp.Timestamp{
		HashAlgorithm:     crypto.SHA256,
		HashedMessage:     h[:],
		Time:              at,
		SerialNumber:      big.NewInt(at.Unix()),
		Policy:            asn1.ObjectIdentifier{1, 2, 3, 4, 1},
		AddTSACertificate: true,
	}).CreateResponseWithOpts(f.tsa, f.tsaKey, crypto.SHA256)
	if err != nil {
		t.Fatalf("timestamp response: %v", err)
	}
	ts, err := timestamp.ParseResponse(resp)
	if err != nil {
		t.Fatalf("parse timestamp response: %v", err)
	}
	return ts.RawToken
}

type signOptions struct {
	detached    bool
	timestamped bool
	signedAttrs []pkcs7.Attribute
}

func (f *fixture) sign(t *testing.T, content []byte, o signOptions) []byte {
	t.Helper()
	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		t.Fatal(err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSigner(f.leaf, f.key, pkcs7.SignerInfoConfig{ExtraSignedAttributes: o.signedAttrs}); err != nil {
		t.Fatalf("add signer: %v", err)
	}
	sd.AddCertificate(f.root.Cert)
	if o.detached {
		sd.Detach()
	}
	if o.timestamped {
		si := &sd.GetSignedData().SignerInfos[0]
		tok := f.token(t, si.EncryptedDigest, time.Now().UTC().Truncate(time.Second))
		attr := pkcs7.Attribute{Type: OIDSignatureTimeStampToken, Value: asn1.RawValue{FullBytes: tok}}
		if err := si.SetUnauthenticatedAttributes([]pkcs7.Attribute{attr}); err != nil {
			t.Fatal(err)
		}
	}
	der, err := sd.Finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	return der
}

func (f *fixture) signingCertificateV2() pkcs7.Attribute {
	h := sha256.Sum256(f.leaf.Raw)
	return pkcs7.Attribute{
		Type: OIDSigningCertificateV2,
		Value: signingCertificateV2{Certs: []essCertIDv2{{
			CertHash: h[:],
			IssuerSerial: issuerSerial{
				Issuer:       []asn1.RawValue{{Class: asn1.ClassContextSpecific, Tag: 4, IsCompound: true, Bytes: f.leaf.RawIssuer}},
				SerialNumber: f.leaf.SerialNumber,
			},
		}}},
	}
}

func (f *fixture) revocationArchival(t *testing.T) pkcs7.Attribute {
	ocsp := f.root.Good(t, f.leaf, f.now.Add(-time.Hour), f.now.Add(7*24*time.Hour))
	crl := f.root.CRL(t, f.now.Add(-time.Hour), f.now.Add(7*24*time.Hour))
	return pkcs7.Attribute{
		Type: OIDAdobeRevocationInfoArchival,
		Value: revocationValues{
			CRLs:  []asn1.RawValue{{FullBytes: crl}},
			OCSPs: []asn1.RawValue{{FullBytes: ocsp}},
		},
	}
}

func TestParseAttachedSignature(t *testing.T) {
	f := newFixture(t)
	content := []byte("attached content")
	der := f.sign(t, content, signOptions{
		signedAttrs: []pkcs7.Attribute{f.signingCertificateV2(), f.revocationArchival(t)},
	})

	sig, err := Parse(der, nil)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if sig.SigningCertificate() == nil || !sig.SigningCertificate().Equal(f.leaf) {
		t.Fatal("signer not identified")
	}
	if hints := sig.CertificateChainHint(); len(hints) != 1 || !hints[0].Equal(f.root.Cert) {
		t.Errorf("chain hint = %d certificates", len(hints))
	}
	if !bytes.Equal(sig.SignedData(), content) {
		t.Errorf("SignedData() = %q", sig.SignedData())
	}
	digest := sha256.Sum256(content)
	if !bytes.Equal(sig.MessageDigest(), digest[:]) {
		t.Error("message digest mismatch")
	}
	if sig.DigestAlgorithm() != crypto.SHA256 || sig.SignatureAlgorithm() != x509.ECDSAWithSHA256 {
		t.Errorf("algorithms = %v, %v", sig.DigestAlgorithm(), sig.SignatureAlgorithm())
	}
	if d := sig.ClaimedSigningTime().Sub(f.now); d < -time.Minute || d > time.Minute {
		t.Errorf("claimed signing time = %v", sig.ClaimedSigningTime())
	}

	ref := sig.SigningCertificateRef()
	if ref == nil || ref.IssuerSerial == nil {
		t.Fatalf("signing certificate ref = %+v", ref)
	}
	if err := ref.Matches(validation.DefaultCrypto{}, f.leaf); err != nil {
		t.Errorf("ref.Matches(leaf) = %v", err)
	}

	if len(sig.EmbeddedOCSPResponses()) != 1 || len(sig.EmbeddedCRLs()) != 1 {
		t.Errorf("embedded revocation data: %d OCSP, %d CRL", len(sig.EmbeddedOCSPResponses()), len(sig.EmbeddedCRLs()))
	}

	err = validation.DefaultCrypto{}.Verify(sig.SignatureAlgorithm(), f.leaf, sig.SignedBytes(), sig.SignatureBytes())
	if err != nil {
		t.Errorf("signature over signed bytes does not verify: %v", err)
	}
}

func TestParseDetachedSignature(t *testing.T) {
	f := newFixture(t)
	content := []byte("detached content")
	der := f.sign(t, content, signOptions{detached: true})

	sig, err := Parse(der, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sig.SignedData() != nil {
		t.Error("detached signature without content must have no signed data")
	}

	sig, err = Parse(der, content)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sig.SignedData(), content) {
		t.Error("detached content not used")
	}

	attached := f.sign(t, content, signOptions{})
	if _, err := Parse(attached, []byte("other")); !errors.Is(err, ErrContentConflict) {
		t.Errorf("Parse() error = %v, want ErrContentConflict", err)
	}
}

func TestParseSignatureTimestamp(t *testing.T) {
	f := newFixture(t)
	der := f.sign(t, []byte("stamped"), signOptions{timestamped: true})

	sig, err := Parse(der, nil)
	if err != nil {
		t.Fatal(err)
	}
	toks := sig.EmbeddedTimestamps()
	if len(toks) != 1 {
		t.Fatalf("got %d timestamps", len(toks))
	}
	tok := toks[0]
	if tok.Type != validation.SignatureTimestamp {
		t.Errorf("type = %s", tok.Type)
	}
	if tok.SignatureError != nil {
		t.Errorf("SignatureError = %v", tok.SignatureError)
	}
	if tok.Signer == nil || !tok.Signer.Equal(f.tsa) {
		t.Error("TSA signer not identified")
	}
	if !bytes.Equal(tok.CoveredData, sig.SignatureBytes()) {
		t.Error("signature timestamp must cover the signature value")
	}
	imprint := sha256.Sum256(sig.SignatureBytes())
	if tok.HashAlgorithm != crypto.SHA256 || !bytes.Equal(tok.MessageImprint, imprint[:]) {
		t.Error("imprint mismatch")
	}
	if d := tok.GenerationTime.Sub(f.now); d < 0 || d > time.Minute {
		t.Errorf("generation time = %v", tok.GenerationTime)
	}
}

func TestParseErrors(t *testing.T) {
	notCMS, _ := asn1.Marshal(contentInfo{ContentType: OIDData})
	tests := []struct {
		name string
		der  []byte
		want error
	}{
		{"garbage", []byte{0x01, 0x02}, ErrNotSignedData},
		{"data content", notCMS, ErrNotSignedData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseAll(tt.der, nil); !errors.Is(err, tt.want) {
				t.Errorf("ParseAll() error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := ParseTimestampToken(validation.SignatureTimestamp, []byte("nope"), nil); !errors.Is(err, ErrMalformedTimestamp) {
		t.Errorf("ParseTimestampToken() error = %v", err)
	}
}

func TestWrapBasicOCSP(t *testing.T) {
	f := newFixture(t)
	full := f.root.Good(t, f.leaf, f.now, f.now.Add(time.Hour))

	var resp ocspResponse
	if _, err := asn1.Unmarshal(full, &resp); err != nil {
		t.Fatal(err)
	}
	wrapped, err := wrapBasicOCSP(resp.ResponseBytes.Response)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(wrapped, full) {
		t.Error("re-wrapped response differs from the original")
	}
}

func TestValidateTimestampedSignature(t *testing.T) {
	f := newFixture(t)
	content := []byte("validated content")
	der := f.sign(t, content, signOptions{timestamped: true, signedAttrs: []pkcs7.Attribute{f.signingCertificateV2()}})

	sigs, err := ParseAll(der, nil)
	if err != nil {
		t.Fatal(err)
	}
	genTime := sigs[0].EmbeddedTimestamps()[0].GenerationTime

	v := validation.NewValidator(policy.Default(), validation.WithClock(clockwork.NewFakeClockAt(genTime.Add(2*time.Hour))))
	v.AddTrustAnchors(f.root.Cert)

	// Revocation data issued after the best signature time cannot vouch for it.
	late := f.root.Good(t, f.leaf, genTime.Add(time.Hour), genTime.Add(7*24*time.Hour))
	sigs[0].ocsps = [][]byte{late}
	doc := v.ValidateDocument(context.Background(), Containers(sigs))
	if got := doc.Signatures[0].Result(); got != ades.NewIndeterminate(ades.NoPOE) {
		t.Errorf("with late revocation data = %s, want INDETERMINATE/NO_POE", got)
	}

	sigs[0].ocsps = [][]byte{f.root.Good(t, f.leaf, genTime.Add(-time.Hour), genTime.Add(7*24*time.Hour))}
	doc = v.ValidateDocument(context.Background(), Containers(sigs))
	if doc.Indication != ades.Valid {
		t.Fatalf("overall = %s, info: %v", doc.Indication, doc.Signatures[0].Info)
	}
	rep := doc.Signatures[0]
	if !rep.BestSignatureTime.Equal(genTime) {
		t.Errorf("best signature time = %v, want %v", rep.BestSignatureTime, genTime)
	}
	if len(rep.Timestamps) != 1 || rep.Timestamps[0].Indication != ades.Valid {
		t.Errorf("timestamps = %+v", rep.Timestamps)
	}
}

func TestParseSignedProperties(t *testing.T) {
	f := newFixture(t)
	custom := asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 99}
	policyOID := asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 100}
	policyDigest := sha256.Sum256([]byte("policy document"))
	spURI, _ := asn1.Marshal("https://example.com/policy.der")

	tests := []struct {
		name        string
		attrs       []pkcs7.Attribute
		commitments []ades.Commitment
		policy      *ades.SignaturePolicy
	}{
		{
			name: "explicit policy",
			attrs: []pkcs7.Attribute{
				{Type: OIDCommitmentTypeIndication, Value: commitmentTypeIndication{CommitmentTypeID: ades.OIDProofOfApproval}},
				{Type: OIDSignaturePolicyIdentifier, Value: signaturePolicyID{
					SigPolicyID: policyOID,
					SigPolicyHash: otherHashAlgAndValue{
						HashAlgorithm: pkix.AlgorithmIdentifier{Algorithm: OIDSHA256},
						HashValue:     policyDigest[:],
					},
					SigPolicyQualifiers: []sigPolicyQualifierInfo{{ID: oidSPURI, Qualifier: asn1.RawValue{FullBytes: spURI}}},
				}},
			},
			commitments: []ades.Commitment{{Type: ades.CommitmentProofOfApproval, OID: ades.OIDProofOfApproval}},
			policy: &ades.SignaturePolicy{
				OID:    policyOID,
				Hash:   crypto.SHA256,
				Digest: policyDigest[:],
				URI:    "https://example.com/policy.der",
			},
		},
		{
			name: "implied policy",
			attrs: []pkcs7.Attribute{
				{Type: OIDCommitmentTypeIndication, Value: commitmentTypeIndication{CommitmentTypeID: custom}},
				{Type: OIDSignaturePolicyIdentifier, Value: asn1.NullRawValue},
			},
			commitments: []ades.Commitment{{Type: ades.CommitmentUnknown, OID: custom}},
			policy:      &ades.SignaturePolicy{Implied: true},
		},
		{name: "none"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			der := f.sign(t, []byte("properties"), signOptions{signedAttrs: tt.attrs})
			sig, err := Parse(der, nil)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if diff := cmp.Diff(tt.commitments, sig.Commitments()); diff != "" {
				t.Errorf("Commitments() mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.policy, sig.SignaturePolicy()); diff != "" {
				t.Errorf("SignaturePolicy() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseAllKeepsDecodableSigners(t *testing.T) {
	f := newFixture(t)
	sd, err := pkcs7.NewSignedData([]byte("two signers"))
	if err != nil {
		t.Fatal(err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSigner(f.leaf, f.key, pkcs7.SignerInfoConfig{}); err != nil {
		t.Fatalf("add signer: %v", err)
	}
	// An OCTET STRING where a CommitmentTypeIndication SEQUENCE belongs.
	corrupt := pkcs7.Attribute{Type: OIDCommitmentTypeIndication, Value: asn1.RawValue{FullBytes: []byte{0x04, 0x01, 0x00}}}
	if err := sd.AddSigner(f.leaf, f.key, pkcs7.SignerInfoConfig{ExtraSignedAttributes: []pkcs7.Attribute{corrupt}}); err != nil {
		t.Fatalf("add signer: %v", err)
	}
	sd.AddCertificate(f.root.Cert)
	der, err := sd.Finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}

	sigs, err := ParseAll(der, nil)
	if err != nil {
		t.Fatalf("ParseAll() error = %v", err)
	}
	if len(sigs) != 2 {
		t.Fatalf("got %d signatures, want 2", len(sigs))
	}
	if err := sigs[0].ParseError(); err != nil {
		t.Errorf("signer 0 ParseError() = %v", err)
	}
	if err := sigs[1].ParseError(); !errors.Is(err, ErrMalformedAttribute) {
		t.Errorf("signer 1 ParseError() = %v, want ErrMalformedAttribute", err)
	}
	if sigs[0].ID() == sigs[1].ID() {
		t.Error("signatures share an ID")
	}
	if _, err := Parse(der, nil); err != nil {
		t.Errorf("Parse() error = %v", err)
	}

	p := policy.Default()
	p.Revocation.Missing = policy.MissingRevocationIgnore
	v := validation.NewValidator(p, validation.WithClock(clockwork.NewFakeClockAt(f.now.Add(time.Hour))))
	v.AddTrustAnchors(f.root.Cert)

	doc := v.ValidateDocument(context.Background(), Containers(sigs))
	if len(doc.Signatures) != 2 {
		t.Fatalf("got %d reports, want 2", len(doc.Signatures))
	}
	if got := doc.Signatures[0].Result(); got != ades.ValidResult() {
		t.Errorf("signer 0 = %s, info: %v", got, doc.Signatures[0].Info)
	}
	bad := doc.Signatures[1]
	if got := bad.Result(); got != ades.NewIndeterminate(ades.FormatFailure) {
		t.Errorf("signer 1 = %s, want INDETERMINATE/FORMAT_FAILURE", got)
	}
	if len(bad.Info) == 0 || !strings.Contains(bad.Info[0], "signer 1") {
		t.Errorf("signer 1 info = %v", bad.Info)
	}
	if doc.Indication != ades.Indeterminate {
		t.Errorf("overall = %v, want INDETERMINATE", doc.Indication)
	}
}

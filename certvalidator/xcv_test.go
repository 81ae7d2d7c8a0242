package certvalidator

import (
	"context"
	"crypto/x509"
	"testing"
	"time"

	"github.com/georgepadayatti/etsival/certvalidator/pkitest"
	"github.com/georgepadayatti/etsival/certvalidator/revinfo"
	"github.com/georgepadayatti/etsival/certvalidator/source"
	"github.com/georgepadayatti/etsival/policy"
	"github.com/georgepadayatti/etsival/sign/ades"
)

func tokens(t *testing.T, crls, ocsps [][]byte) revinfo.Source {
	t.Helper()
	parsed, err := revinfo.ParseAll(crls, ocsps, source.Signature)
	if err != nil {
		t.Fatalf("ParseAll() error = %v", err)
	}
	return revinfo.NewOfflineSource(source.FromSlice(source.Signature, parsed))
}

type fixedPOE map[string]time.Time

func (f fixedPOE) Get(id string) time.Time { return f[id] }

func TestXCV(t *testing.T) {
	pki := newTestPKI(t)
	ref := pkitest.Date(2024, 6, 1)
	day := 24 * time.Hour

	goodLeaf := pki.ca.Good(t, pki.leaf, ref.Add(-day), ref.Add(day))
	goodCA := pki.root.Good(t, pki.ca.Cert, ref.Add(-day), ref.Add(day))
	caCRL := pki.root.CRL(t, ref.Add(-day), ref.Add(6*day))
	staleLeaf := pki.ca.Good(t, pki.leaf, ref.Add(-30*day), ref.Add(-29*day))
	revokedLeaf := pki.ca.Revoked(t, pki.leaf, pkitest.Date(2024, 1, 1), ref.Add(-day), ref.Add(day))

	tests := []struct {
		name   string
		src    revinfo.Source
		bst    time.Time
		ref    time.Time
		mutate func(*policy.Policy)
		want   ades.Result
	}{
		{
			name: "fresh OCSP for every certificate",
			src:  tokens(t, nil, [][]byte{goodLeaf, goodCA}),
			want: ades.ValidResult(),
		},
		{
			name: "CRL for the intermediate",
			src:  tokens(t, [][]byte{caCRL}, [][]byte{goodLeaf}),
			want: ades.ValidResult(),
		},
		{
			name: "no revocation data",
			src:  tokens(t, nil, nil),
			want: ades.NewIndeterminate(ades.NoCertificateRevocationInfo),
		},
		{
			name: "no revocation data ignored by policy",
			src:  tokens(t, nil, nil),
			mutate: func(p *policy.Policy) {
				p.Revocation.Missing = policy.MissingRevocationIgnore
			},
			want: ades.ValidResult(),
		},
		{
			name: "stale revocation data",
			src:  tokens(t, nil, [][]byte{staleLeaf, goodCA}),
			want: ades.NewIndeterminate(ades.NoCertificateRevocationInfo),
		},
		{
			name: "stale data accepted with a long max age",
			src:  tokens(t, nil, [][]byte{staleLeaf, goodCA}),
			mutate: func(p *policy.Policy) {
				p.Revocation.MaxAge = 60 * day
			},
			want: ades.ValidResult(),
		},
		{
			name: "revoked without best signature time",
			src:  tokens(t, nil, [][]byte{revokedLeaf, goodCA}),
			want: ades.NewIndeterminate(ades.RevokedNoPOE),
		},
		{
			name: "revoked before best signature time",
			src:  tokens(t, nil, [][]byte{revokedLeaf, goodCA}),
			bst:  pkitest.Date(2024, 2, 1),
			want: ades.NewInvalid(ades.Revoked),
		},
		{
			name: "revoked after best signature time",
			src:  tokens(t, nil, [][]byte{revokedLeaf, goodCA}),
			bst:  pkitest.Date(2023, 6, 1),
			want: ades.NewIndeterminate(ades.RevokedNoPOE),
		},
		{
			name: "expired leaf",
			src:  tokens(t, nil, [][]byte{goodCA}),
			ref:  pkitest.Date(2027, 1, 1),
			mutate: func(p *policy.Policy) {
				p.Revocation.Missing = policy.MissingRevocationIgnore
			},
			want: ades.NewIndeterminate(ades.OutOfBoundsNoPOE),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := policy.Default()
			if tt.mutate != nil {
				tt.mutate(p)
			}
			at := ref
			if !tt.ref.IsZero() {
				at = tt.ref
			}
			res := XCV(context.Background(), XCVInput{
				Leaf:              pki.leaf,
				Pool:              pki.pool(),
				Policy:            p,
				ReferenceTime:     at,
				BestSignatureTime: tt.bst,
				Revocation:        tt.src,
			})
			if res.Result != tt.want {
				t.Errorf("XCV() = %s, want %s (messages %v)", res.Result, tt.want, res.Messages)
			}
		})
	}
}

func TestXCVEvidence(t *testing.T) {
	pki := newTestPKI(t)
	ref := pkitest.Date(2024, 6, 1)
	day := 24 * time.Hour

	crl := pki.ca.CRL(t, ref.Add(-2*day), ref.Add(5*day))
	resp := pki.ca.Good(t, pki.leaf, ref.Add(-day), ref.Add(day))
	foreign := pki.root.Good(t, pki.leaf, ref.Add(-day), ref.Add(day))
	poe := fixedPOE{IDOf(pki.leaf).Token(): pkitest.Date(2023, 1, 1)}

	res := XCV(context.Background(), XCVInput{
		Leaf:          pki.leaf,
		Pool:          pki.pool(),
		Policy:        policy.Default(),
		ReferenceTime: ref,
		Revocation:    tokens(t, [][]byte{crl}, [][]byte{resp, foreign, pki.root.Good(t, pki.ca.Cert, ref, ref.Add(day))}),
		POE:           poe,
	})
	if !res.IsValid() {
		t.Fatalf("XCV() = %s, messages %v", res.Result, res.Messages)
	}
	if len(res.Evidence) != 3 {
		t.Fatalf("evidence for %d certificates, want 3", len(res.Evidence))
	}

	leaf := res.Evidence[0]
	if len(leaf.Tokens) != 2 {
		t.Errorf("leaf tokens = %d, want 2 (the foreign OCSP response is dropped)", len(leaf.Tokens))
	}
	if leaf.Chosen == nil || leaf.Chosen.Kind != revinfo.KindOCSP {
		t.Errorf("chosen token = %v, want OCSP", leaf.Chosen)
	}
	if !leaf.POE.Equal(pkitest.Date(2023, 1, 1)) {
		t.Errorf("leaf POE = %v", leaf.POE)
	}
	if !res.Evidence[2].TrustAnchor || res.Evidence[0].TrustAnchor {
		t.Error("only the last certificate is the trust anchor")
	}

	p := policy.Default()
	p.Revocation.PreferOCSP = false
	res = XCV(context.Background(), XCVInput{
		Leaf:          pki.leaf,
		Pool:          pki.pool(),
		Policy:        p,
		ReferenceTime: ref,
		Revocation:    tokens(t, [][]byte{crl}, [][]byte{resp}),
	})
	if c := res.Evidence[0].Chosen; c == nil || c.Kind != revinfo.KindCRL {
		t.Errorf("chosen token = %v, want CRL when OCSP is not preferred", c)
	}
}

// lookupRecorder records the certificates revocation data is requested for.
type lookupRecorder struct {
	revinfo.Source
	asked map[string]int
}

func (r *lookupRecorder) FindCRL(ctx context.Context, cert, issuer *x509.Certificate) ([]*revinfo.Token, error) {
	r.asked[cert.Subject.CommonName]++
	return r.Source.FindCRL(ctx, cert, issuer)
}

func (r *lookupRecorder) FindOCSP(ctx context.Context, cert, issuer *x509.Certificate) ([]*revinfo.Token, error) {
	r.asked[cert.Subject.CommonName]++
	return r.Source.FindOCSP(ctx, cert, issuer)
}

func TestXCVTrustAnchorLookup(t *testing.T) {
	pki := newTestPKI(t)
	ref := pkitest.Date(2024, 6, 1)
	day := 24 * time.Hour
	src := tokens(t, nil, [][]byte{
		pki.ca.Good(t, pki.leaf, ref.Add(-day), ref.Add(day)),
		pki.root.Good(t, pki.ca.Cert, ref.Add(-day), ref.Add(day)),
	})

	for _, check := range []bool{false, true} {
		rec := &lookupRecorder{Source: src, asked: make(map[string]int)}
		p := policy.Default()
		p.Revocation.CheckTrustAnchor = check
		res := XCV(context.Background(), XCVInput{
			Leaf:          pki.leaf,
			Pool:          pki.pool(),
			Policy:        p,
			ReferenceTime: ref,
			Revocation:    rec,
		})
		if len(res.Evidence) != 3 {
			t.Fatalf("evidence for %d certificates, want 3", len(res.Evidence))
		}
		root := res.Evidence[2].Certificate.Subject.CommonName
		if got := rec.asked[root] > 0; got != check {
			t.Errorf("CheckTrustAnchor=%v: trust anchor looked up %d times", check, rec.asked[root])
		}
		if rec.asked[res.Evidence[0].Certificate.Subject.CommonName] == 0 {
			t.Errorf("CheckTrustAnchor=%v: leaf not looked up", check)
		}
	}
}

func TestXCVInconsistentChain(t *testing.T) {
	root := pkitest.NewRoot(t, "Root CA", pkitest.Date(2020, 1, 1), pkitest.Date(2040, 1, 1))
	ca := root.NewIntermediate(t, "Issuing CA", pkitest.Date(2021, 1, 1), pkitest.Date(2022, 1, 1))
	leaf, _ := ca.Issue(t, pkitest.CertOptions{CommonName: "Signer", NotBefore: pkitest.Date(2023, 1, 1), NotAfter: pkitest.Date(2025, 1, 1)})

	pool := NewCertificatePool()
	pool.Intern(root.Cert, source.TrustStore)
	pool.Intern(ca.Cert, source.Signature)

	p := policy.Default()
	p.Revocation.Missing = policy.MissingRevocationIgnore
	res := XCV(context.Background(), XCVInput{
		Leaf:          leaf,
		Pool:          pool,
		Policy:        p,
		ReferenceTime: pkitest.Date(2024, 1, 1),
	})
	if want := ades.NewInvalid(ades.InconsistentChain); res.Result != want {
		t.Errorf("XCV() = %s, want %s", res.Result, want)
	}
}

func TestXCVNoChain(t *testing.T) {
	pki := newTestPKI(t)
	pool := NewCertificatePool()
	res := XCV(context.Background(), XCVInput{Leaf: pki.leaf, Pool: pool, ReferenceTime: pkitest.Date(2024, 1, 1)})
	if want := ades.NewIndeterminate(ades.NoCertificateChainFound); res.Result != want {
		t.Errorf("XCV() = %s, want %s", res.Result, want)
	}
	if res.Chain != nil {
		t.Error("no chain expected")
	}
}

package validation

import (
	"testing"

	"github.com/georgepadayatti/etsival/policy"
	"github.com/georgepadayatti/etsival/sign/ades"
)

func TestMerge(t *testing.T) {
	valid := ades.ValidResult()
	indet := ades.NewIndeterminate
	invalid := ades.NewInvalid

	tests := []struct {
		name     string
		basic    ades.Result
		ts       ades.Result
		marker   ades.SubIndication
		lt       ades.Result
		required bool
		skipped  bool
		want     ades.Result
	}{
		{name: "all valid", basic: valid, ts: valid, lt: valid, want: valid},
		{name: "basic invalid is final", basic: invalid(ades.HashFailure), skipped: true, want: invalid(ades.HashFailure)},
		{name: "unsalvageable basic is final", basic: indet(ades.NoSigningCertificate), skipped: true, want: indet(ades.NoSigningCertificate)},
		{name: "long-term rescues revoked no poe", basic: indet(ades.RevokedNoPOE), ts: valid, lt: valid, want: valid},
		{name: "long-term rescues out of bounds", basic: indet(ades.OutOfBoundsNoPOE), ts: valid, lt: valid, want: valid},
		{name: "basic valid keeps long-term failure", basic: valid, ts: valid, lt: indet(ades.NoPOE), want: indet(ades.NoPOE)},
		{name: "both indeterminate keeps basic", basic: indet(ades.NoCertificateRevocationInfo), ts: valid, lt: indet(ades.NoPOE), want: indet(ades.NoCertificateRevocationInfo)},
		{name: "long-term invalid wins", basic: indet(ades.RevokedNoPOE), ts: valid, lt: invalid(ades.Revoked), want: invalid(ades.Revoked)},
		{name: "long-term invalid beats crypto failure", basic: valid, ts: indet(ades.CryptoConstraintsFailure), lt: invalid(ades.Revoked), want: invalid(ades.Revoked)},
		{name: "timestamp crypto failure", basic: valid, ts: indet(ades.CryptoConstraintsFailure), lt: valid, want: indet(ades.CryptoConstraintsFailure)},
		{name: "missing timestamp tolerated", basic: valid, ts: valid, marker: ades.NoTimestamp, lt: valid, want: valid},
		{name: "missing timestamp required", basic: valid, ts: valid, marker: ades.NoTimestamp, lt: valid, required: true, want: indet(ades.NoTimestamp)},
		{name: "invalid timestamps required", basic: valid, ts: valid, marker: ades.NoValidTimestamp, lt: valid, required: true, want: indet(ades.NoValidTimestamp)},
		{name: "required marker does not mask failures", basic: valid, ts: valid, marker: ades.NoTimestamp, lt: invalid(ades.Revoked), required: true, want: invalid(ades.Revoked)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := policy.Default()
			p.Timestamp.Required = tt.required

			basic := &BasicResult{Result: tt.basic}
			var ts *TimestampResult
			var lt *LTVResult
			if !tt.skipped {
				ts = &TimestampResult{Result: tt.ts, Marker: tt.marker}
				lt = &LTVResult{Result: tt.lt, QualificationResult: ades.ValidResult()}
			}
			got, _ := Merge(p, basic, ts, lt)
			if got != tt.want {
				t.Errorf("Merge() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMergeInfo(t *testing.T) {
	basic := &BasicResult{Result: ades.NewIndeterminate(ades.NoCertificateRevocationInfo), Messages: []string{"basic"}}
	ts := &TimestampResult{Result: ades.ValidResult(), Marker: ades.NoValidTimestamp, Messages: []string{"timestamp"}}
	lt := &LTVResult{
		Result:              ades.NewIndeterminate(ades.NoPOE),
		QualificationResult: ades.NewIndeterminate(ades.QualificationFailure),
		Messages:            []string{"long-term"},
	}

	_, info := Merge(policy.Default(), basic, ts, lt)
	want := []string{"basic", "timestamp", "long-term", "NO_VALID_TIMESTAMP", "INDETERMINATE/QUALIFICATION_FAILURE"}
	if len(info) != len(want) {
		t.Fatalf("info = %q", info)
	}
	for i, w := range want {
		if len(info[i]) < len(w) || info[i][:len(w)] != w {
			t.Errorf("info[%d] = %q, want prefix %q", i, info[i], w)
		}
	}
}

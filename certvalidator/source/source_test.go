package source

import "testing"

func TestSet(t *testing.T) {
	var s Set
	if s.Trusted() {
		t.Error("empty set should not be trusted")
	}
	s = s.With(Signature).With(AIA)
	if !s.Has(Signature) || !s.Has(AIA) || s.Has(TrustStore) {
		t.Errorf("unexpected membership: %s", s)
	}
	if s.Trusted() {
		t.Error("set without trust sources should not be trusted")
	}
	s = s.With(TrustedList)
	if !s.Trusted() {
		t.Error("set with trusted-list should be trusted")
	}
	if got, want := s.String(), "signature,trusted-list,aia"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestOffline(t *testing.T) {
	calls := 0
	src := NewOffline(ChainHint, func() []string {
		calls++
		return []string{"a", "b"}
	})
	items := src.Items()
	if len(items) != 2 || calls != 1 {
		t.Fatalf("Items() = %v after %d calls", items, calls)
	}
	for _, it := range items {
		if it.Provenance != ChainHint {
			t.Errorf("provenance = %v, want chain-hint", it.Provenance)
		}
	}

	var nilSrc *Offline[int]
	if got := nilSrc.Items(); got != nil {
		t.Errorf("nil source Items() = %v", got)
	}

	fixed := FromSlice(TrustStore, []int{1})
	if fixed.Provenance() != TrustStore || len(fixed.Items()) != 1 {
		t.Error("FromSlice did not keep its items")
	}
}

// Package source tags validation material with where it came from.
//
// Certificates and revocation tokens can be found in many places: inside the
// signature, in a trust store, in a trusted list, behind an AIA URL. Rather
// than one source type per origin, every offline source is an Offline[T]
// carrying a Provenance.
package source

import (
	"fmt"
	"strings"
)

// Provenance identifies the origin of a certificate or revocation token.
type Provenance int

const (
	Signature Provenance = iota
	ChainHint
	Timestamp
	RevocationData
	TrustStore
	TrustedList
	AIA
	Online
)

var provenanceNames = [...]string{
	Signature:      "signature",
	ChainHint:      "chain-hint",
	Timestamp:      "timestamp",
	RevocationData: "revocation-data",
	TrustStore:     "trust-store",
	TrustedList:    "trusted-list",
	AIA:            "aia",
	Online:         "online",
}

func (p Provenance) String() string {
	if p >= 0 && int(p) < len(provenanceNames) {
		return provenanceNames[p]
	}
	return fmt.Sprintf("Provenance(%d)", int(p))
}

// Trusted reports whether material of this provenance is a trust anchor source.
func (p Provenance) Trusted() bool {
	return p == TrustStore || p == TrustedList
}

// Set is a set of provenances.
type Set uint16

// With returns the set with p added.
func (s Set) With(p Provenance) Set {
	return s | 1<<uint(p)
}

// Has reports whether p is in the set.
func (s Set) Has(p Provenance) bool {
	return s&(1<<uint(p)) != 0
}

// Trusted reports whether any trusted provenance is in the set.
func (s Set) Trusted() bool {
	return s.Has(TrustStore) || s.Has(TrustedList)
}

// List returns the members in declaration order.
func (s Set) List() []Provenance {
	var out []Provenance
	for p := Signature; int(p) < len(provenanceNames); p++ {
		if s.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

func (s Set) String() string {
	list := s.List()
	names := make([]string, len(list))
	for i, p := range list {
		names[i] = p.String()
	}
	return strings.Join(names, ",")
}

// Tagged is a value with its provenance.
type Tagged[T any] struct {
	Value      T
	Provenance Provenance
}

// Offline is a source of already available material of one provenance.
// The list function is called on every Items call.
type Offline[T any] struct {
	provenance Provenance
	list       func() []T
}

// NewOffline creates a source that lists its items through fn.
func NewOffline[T any](p Provenance, fn func() []T) *Offline[T] {
	return &Offline[T]{provenance: p, list: fn}
}

// FromSlice creates a source over a fixed slice.
func FromSlice[T any](p Provenance, items []T) *Offline[T] {
	return NewOffline(p, func() []T { return items })
}

// Provenance returns the provenance of every item of the source.
func (o *Offline[T]) Provenance() Provenance {
	return o.provenance
}

// Items returns the tagged items of the source.
func (o *Offline[T]) Items() []Tagged[T] {
	if o == nil || o.list == nil {
		return nil
	}
	values := o.list()
	out := make([]Tagged[T], 0, len(values))
	for _, v := range values {
		out = append(out, Tagged[T]{Value: v, Provenance: o.provenance})
	}
	return out
}

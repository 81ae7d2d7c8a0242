// Package ades defines the validation indications of ETSI EN 319 102-1.
package ades

import (
	"fmt"
	"strings"
)

// Indication is the main status of a validation process.
type Indication int

const (
	Valid Indication = iota
	Indeterminate
	Invalid
)

// String returns the ETSI name of the indication.
func (i Indication) String() string {
	switch i {
	case Valid:
		return "VALID"
	case Indeterminate:
		return "INDETERMINATE"
	case Invalid:
		return "INVALID"
	default:
		return fmt.Sprintf("Indication(%d)", int(i))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (i Indication) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// SubIndication qualifies a non-VALID indication.
type SubIndication int

const (
	SubNone SubIndication = iota
	FormatFailure
	HashFailure
	SigCryptoFailure
	Revoked
	NoSigningCertificate
	NoPolicy
	NoCertificateChainFound
	InconsistentChain
	NoCertificateRevocationInfo
	RevokedNoPOE
	OutOfBoundsNoPOE
	CryptoConstraintsFailure
	NoTimestamp
	NoValidTimestamp
	NoPOE
	TryLater
	QualificationFailure
	TimestampOrderFailure
)

var subIndicationNames = map[SubIndication]string{
	SubNone:                     "",
	FormatFailure:               "FORMAT_FAILURE",
	HashFailure:                 "HASH_FAILURE",
	SigCryptoFailure:            "SIG_CRYPTO_FAILURE",
	Revoked:                     "REVOKED",
	NoSigningCertificate:        "NO_SIGNING_CERTIFICATE_FOUND",
	NoPolicy:                    "NO_POLICY",
	NoCertificateChainFound:     "NO_CERTIFICATE_CHAIN_FOUND",
	InconsistentChain:           "INCONSISTENT_CHAIN",
	NoCertificateRevocationInfo: "NO_CERTIFICATE_REVOCATION_INFO",
	RevokedNoPOE:                "REVOKED_NO_POE",
	OutOfBoundsNoPOE:            "OUT_OF_BOUNDS_NO_POE",
	CryptoConstraintsFailure:    "CRYPTO_CONSTRAINTS_FAILURE",
	NoTimestamp:                 "NO_TIMESTAMP",
	NoValidTimestamp:            "NO_VALID_TIMESTAMP",
	NoPOE:                       "NO_POE",
	TryLater:                    "TRY_LATER",
	QualificationFailure:        "QUALIFICATION_FAILURE",
	TimestampOrderFailure:       "TIMESTAMP_ORDER_FAILURE",
}

// String returns the ETSI name of the sub-indication, or "" for SubNone.
func (s SubIndication) String() string {
	if name, ok := subIndicationNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SubIndication(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s SubIndication) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseSubIndication is the inverse of SubIndication.String.
func ParseSubIndication(name string) (SubIndication, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for s, n := range subIndicationNames {
		if n == name {
			return s, true
		}
	}
	return SubNone, false
}

// Result is a terminal verdict of one validation stage.
type Result struct {
	Indication    Indication
	SubIndication SubIndication
}

// ValidResult returns the passing verdict.
func ValidResult() Result {
	return Result{Indication: Valid}
}

// NewIndeterminate returns an INDETERMINATE result with the given sub-indication.
func NewIndeterminate(sub SubIndication) Result {
	return Result{Indication: Indeterminate, SubIndication: sub}
}

// NewInvalid returns an INVALID result with the given sub-indication.
func NewInvalid(sub SubIndication) Result {
	return Result{Indication: Invalid, SubIndication: sub}
}

// IsValid reports whether the result is VALID.
func (r Result) IsValid() bool {
	return r.Indication == Valid
}

// Salvageable reports whether a later long-term validation stage may still
// turn this result into VALID using proofs of existence.
func (r Result) Salvageable() bool {
	if r.Indication != Indeterminate {
		return false
	}
	switch r.SubIndication {
	case NoCertificateRevocationInfo, RevokedNoPOE, OutOfBoundsNoPOE, TryLater:
		return true
	}
	return false
}

func (r Result) String() string {
	if r.SubIndication == SubNone {
		return r.Indication.String()
	}
	return r.Indication.String() + "/" + r.SubIndication.String()
}

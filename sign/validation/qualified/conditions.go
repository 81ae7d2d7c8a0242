// Package qualified evaluates trust-service conditions over certificates and
// derives qualified status from trust-list service information.
package qualified

import (
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"strings"
)

// Condition is a predicate over a certificate.
type Condition interface {
	Evaluate(cert *x509.Certificate) bool
}

// Matching defines how a CompositeCondition combines its children.
type Matching int

const (
	MatchAll Matching = iota
	MatchAny
	MatchNone
)

func (m Matching) String() string {
	switch m {
	case MatchAny:
		return "atLeastOne"
	case MatchNone:
		return "none"
	default:
		return "all"
	}
}

// ParseMatching accepts the trust-list assertion names.
func ParseMatching(s string) (Matching, error) {
	switch strings.ToLower(s) {
	case "all", "":
		return MatchAll, nil
	case "atleastone", "any":
		return MatchAny, nil
	case "none":
		return MatchNone, nil
	}
	return MatchAll, fmt.Errorf("unknown assert %q", s)
}

// KeyUsageCondition holds when the key usage bit is set.
type KeyUsageCondition struct {
	Bit x509.KeyUsage
	// Forbidden inverts the check.
	Forbidden bool
}

// Evaluate implements Condition.
func (c KeyUsageCondition) Evaluate(cert *x509.Certificate) bool {
	set := cert.KeyUsage&c.Bit != 0
	return set != c.Forbidden
}

var keyUsageNames = map[string]x509.KeyUsage{
	"digitalsignature":  x509.KeyUsageDigitalSignature,
	"nonrepudiation":    x509.KeyUsageContentCommitment,
	"contentcommitment": x509.KeyUsageContentCommitment,
	"keyencipherment":   x509.KeyUsageKeyEncipherment,
	"dataencipherment":  x509.KeyUsageDataEncipherment,
	"keyagreement":      x509.KeyUsageKeyAgreement,
	"keycertsign":       x509.KeyUsageCertSign,
	"crlsign":           x509.KeyUsageCRLSign,
	"encipheronly":      x509.KeyUsageEncipherOnly,
	"decipheronly":      x509.KeyUsageDecipherOnly,
}

// KeyUsageBit resolves a key usage name such as "nonRepudiation" or
// "digital_signature".
func KeyUsageBit(name string) (x509.KeyUsage, bool) {
	key := strings.ToLower(strings.ReplaceAll(name, "_", ""))
	bit, ok := keyUsageNames[key]
	return bit, ok
}

// PolicyIDCondition holds when the certificate asserts the policy OID.
type PolicyIDCondition struct {
	OID asn1.ObjectIdentifier
}

// Evaluate implements Condition.
func (c PolicyIDCondition) Evaluate(cert *x509.Certificate) bool {
	for _, oid := range cert.PolicyIdentifiers {
		if oid.Equal(c.OID) {
			return true
		}
	}
	want := c.OID.String()
	for _, p := range cert.Policies {
		if p.String() == want {
			return true
		}
	}
	return false
}

// QCStatementCondition holds when the certificate carries the QC statement.
// For QcType, Type additionally selects the statement value.
type QCStatementCondition struct {
	OID  asn1.ObjectIdentifier
	Type asn1.ObjectIdentifier
}

// Evaluate implements Condition.
func (c QCStatementCondition) Evaluate(cert *x509.Certificate) bool {
	stmts, err := ParseQCStatements(cert)
	if err != nil {
		return false
	}
	if len(c.Type) > 0 {
		for _, t := range stmts.Types() {
			if t.Equal(c.Type) {
				return true
			}
		}
		return false
	}
	return stmts.Has(c.OID)
}

// CompositeCondition combines child conditions.
// On an empty list All and None are true and Any is false.
type CompositeCondition struct {
	Matching   Matching
	Conditions []Condition
}

// Evaluate implements Condition.
func (c CompositeCondition) Evaluate(cert *x509.Certificate) bool {
	switch c.Matching {
	case MatchAll:
		for _, sub := range c.Conditions {
			if !sub.Evaluate(cert) {
				return false
			}
		}
		return true
	case MatchAny:
		for _, sub := range c.Conditions {
			if sub.Evaluate(cert) {
				return true
			}
		}
		return false
	case MatchNone:
		for _, sub := range c.Conditions {
			if sub.Evaluate(cert) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// All is shorthand for a CompositeCondition with MatchAll.
func All(conds ...Condition) CompositeCondition {
	return CompositeCondition{Matching: MatchAll, Conditions: conds}
}

// Any is shorthand for a CompositeCondition with MatchAny.
func Any(conds ...Condition) CompositeCondition {
	return CompositeCondition{Matching: MatchAny, Conditions: conds}
}

// None is shorthand for a CompositeCondition with MatchNone.
func None(conds ...Condition) CompositeCondition {
	return CompositeCondition{Matching: MatchNone, Conditions: conds}
}

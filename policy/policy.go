// Package policy holds the constraint policy that drives signature validation.
//
// A policy is loaded once per run (YAML or XML) and is read-only afterwards.
// Revocation freshness, OCSP/CRL precedence and the handling of certificates
// without any revocation data are all configuration, never constants.
package policy

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Common errors
var (
	ErrInvalidPolicy = errors.New("invalid validation policy")
	ErrUnknownFormat = errors.New("unknown policy format")
)

// Error describes a problem found while loading or checking a policy.
type Error struct {
	Source string
	Field  string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("policy")
	if e.Source != "" {
		b.WriteString(" ")
		b.WriteString(e.Source)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field '%s'", e.Field)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func fieldError(field, format string, args ...any) *Error {
	return &Error{Field: field, Err: fmt.Errorf("%w: "+format, append([]any{ErrInvalidPolicy}, args...)...)}
}

// MissingRevocation selects what long-term validation does with a
// certificate for which no revocation data exists at all.
type MissingRevocation int

const (
	// MissingRevocationFail rejects the certificate with NO_POE.
	MissingRevocationFail MissingRevocation = iota
	// MissingRevocationPOE accepts the certificate when a timestamp proves it
	// existed before control time and before it expired.
	MissingRevocationPOE
	// MissingRevocationIgnore skips the revocation requirement.
	MissingRevocationIgnore
)

// String returns the configuration keyword for the mode.
func (m MissingRevocation) String() string {
	switch m {
	case MissingRevocationFail:
		return "fail"
	case MissingRevocationPOE:
		return "poe"
	case MissingRevocationIgnore:
		return "ignore"
	default:
		return fmt.Sprintf("MissingRevocation(%d)", int(m))
	}
}

// ParseMissingRevocation parses a configuration keyword.
func ParseMissingRevocation(s string) (MissingRevocation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fail":
		return MissingRevocationFail, nil
	case "poe":
		return MissingRevocationPOE, nil
	case "ignore":
		return MissingRevocationIgnore, nil
	}
	return MissingRevocationFail, fmt.Errorf("%w: unknown missing-revocation mode %q", ErrInvalidPolicy, s)
}

// RevocationConstraints configures revocation freshness and selection.
type RevocationConstraints struct {
	// MaxAge is the maximum distance between a revocation token's issuance
	// and the time it is used for. Zero means the token's own
	// nextUpdate - thisUpdate window is used.
	MaxAge time.Duration

	// Skew is the clock skew tolerated in every freshness comparison.
	Skew time.Duration

	// PreferOCSP selects OCSP over CRL evidence when both are fresh.
	PreferOCSP bool

	// CheckTrustAnchor also requires revocation data for trust anchors.
	CheckTrustAnchor bool

	// Missing is the long-term validation behaviour without revocation data.
	Missing MissingRevocation
}

// TimestampConstraints configures timestamp handling.
type TimestampConstraints struct {
	// Required turns a missing valid signature timestamp into a failure.
	Required bool

	// Tolerance is the allowed gap between a timestamp and a later claimed signing time.
	Tolerance time.Duration

	// RequireRevocation makes revocation data mandatory for TSA chains.
	RequireRevocation bool
}

// AlgorithmExpiry records until when an algorithm is considered reliable.
type AlgorithmExpiry struct {
	Name string
	// Expires is the zero time for algorithms without a known expiration.
	Expires time.Time
}

// Policy is a complete set of validation constraints.
type Policy struct {
	// Name identifies the policy in reports.
	Name string

	// MaxChainLength bounds chain building, trust anchor included.
	MaxChainLength int

	// RequireSelfSignedAnchors restricts trust anchors to self-signed certificates.
	RequireSelfSignedAnchors bool

	// RequireSigningCertificateDigest rejects signatures that reference the
	// signing certificate by issuer and serial only.
	RequireSigningCertificateDigest bool

	Revocation RevocationConstraints
	Timestamp  TimestampConstraints

	// Algorithms is keyed by upper-case algorithm name.
	Algorithms map[string]AlgorithmExpiry
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Default returns the built-in policy.
func Default() *Policy {
	p := &Policy{
		Name:           "default",
		MaxChainLength: 10,
		Revocation: RevocationConstraints{
			Skew:       5 * time.Minute,
			PreferOCSP: true,
			Missing:    MissingRevocationFail,
		},
		Timestamp: TimestampConstraints{
			Tolerance: 5 * time.Minute,
		},
		Algorithms: make(map[string]AlgorithmExpiry),
	}
	for _, a := range []AlgorithmExpiry{
		{Name: "MD5", Expires: date(2004, time.August, 1)},
		{Name: "MD5-RSA", Expires: date(2004, time.August, 1)},
		{Name: "SHA-1", Expires: date(2012, time.August, 1)},
		{Name: "SHA1-RSA", Expires: date(2012, time.August, 1)},
		{Name: "ECDSA-SHA1", Expires: date(2012, time.August, 1)},
		{Name: "SHA-224"},
		{Name: "SHA-256"},
		{Name: "SHA-384"},
		{Name: "SHA-512"},
		{Name: "SHA3-256"},
		{Name: "SHA3-384"},
		{Name: "SHA3-512"},
		{Name: "SHA256-RSA"},
		{Name: "SHA384-RSA"},
		{Name: "SHA512-RSA"},
		{Name: "SHA256-RSAPSS"},
		{Name: "SHA384-RSAPSS"},
		{Name: "SHA512-RSAPSS"},
		{Name: "ECDSA-SHA256"},
		{Name: "ECDSA-SHA384"},
		{Name: "ECDSA-SHA512"},
		{Name: "ED25519"},
	} {
		p.SetAlgorithm(a)
	}
	return p
}

// SetAlgorithm adds or replaces an algorithm entry.
func (p *Policy) SetAlgorithm(a AlgorithmExpiry) {
	if p.Algorithms == nil {
		p.Algorithms = make(map[string]AlgorithmExpiry)
	}
	a.Name = strings.ToUpper(strings.TrimSpace(a.Name))
	p.Algorithms[a.Name] = a
}

// AlgorithmNames returns the configured algorithm names in sorted order.
func (p *Policy) AlgorithmNames() []string {
	names := make([]string, 0, len(p.Algorithms))
	for n := range p.Algorithms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// AlgorithmReliableAt reports whether the named algorithm may be relied on
// at t. The second return value explains a negative answer.
func (p *Policy) AlgorithmReliableAt(name string, t time.Time) (bool, string) {
	a, ok := p.Algorithms[strings.ToUpper(name)]
	if !ok {
		return false, fmt.Sprintf("algorithm %s is not accepted by policy %s", name, p.Name)
	}
	if !a.Expires.IsZero() && !t.Before(a.Expires) {
		return false, fmt.Sprintf("algorithm %s expired on %s", name, a.Expires.Format(time.DateOnly))
	}
	return true, ""
}

// SignatureAlgorithmName returns the policy key for a signature algorithm.
func SignatureAlgorithmName(a x509.SignatureAlgorithm) string {
	return strings.ToUpper(a.String())
}

// HashName returns the policy key for a digest algorithm.
func HashName(h crypto.Hash) string {
	return strings.ToUpper(h.String())
}

// Validate checks the policy for internal consistency.
func (p *Policy) Validate() error {
	if p.MaxChainLength < 1 {
		return fieldError("max-chain-length", "must be at least 1, got %d", p.MaxChainLength)
	}
	if p.Revocation.MaxAge < 0 {
		return fieldError("revocation.max-age", "must not be negative")
	}
	if p.Revocation.Skew < 0 {
		return fieldError("revocation.skew", "must not be negative")
	}
	if p.Timestamp.Tolerance < 0 {
		return fieldError("timestamp.tolerance", "must not be negative")
	}
	if len(p.Algorithms) == 0 {
		return fieldError("algorithms", "at least one algorithm must be accepted")
	}
	return nil
}

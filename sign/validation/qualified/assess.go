package qualified

import (
	"crypto/x509"
	"fmt"
	"sort"
	"time"
)

// Qualifiers derives the qualifiers that the active services grant cert at t.
// The result is sorted and free of duplicates.
func Qualifiers(cert *x509.Certificate, services []ServiceInfo, at time.Time) []Qualifier {
	set := make(map[Qualifier]bool)
	for i := range services {
		if !services[i].ActiveAt(at) {
			continue
		}
		for _, cq := range services[i].Qualifiers {
			if cq.Condition != nil && !cq.Condition.Evaluate(cert) {
				continue
			}
			for _, q := range cq.Qualifiers {
				set[q] = true
			}
		}
	}
	out := make([]Qualifier, 0, len(set))
	for q := range set {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Assessment is the qualified status of a certificate at a point in time.
type Assessment struct {
	// At is the time the assessment refers to.
	At time.Time
	// Service is the name of the first matching CA/QC service, if any.
	Service string
	// Status is the status of that service at At.
	Status ServiceStatus
	// Granted reports an active CA/QC service at At.
	Granted bool

	QCCompliance bool
	QSCD         bool
	Qualifiers   []Qualifier

	// Qualified combines the above: a granted service, a QC claim from the
	// certificate or the trust list, and no NotQualified override.
	Qualified bool
	Messages  []string
}

func (a *Assessment) notef(format string, args ...any) {
	a.Messages = append(a.Messages, fmt.Sprintf(format, args...))
}

func hasQualifier(qs []Qualifier, want ...Qualifier) bool {
	for _, q := range qs {
		for _, w := range want {
			if q == w {
				return true
			}
		}
	}
	return false
}

// Assess evaluates cert, issued by issuer, against the services the provider
// lists for issuer at time at.
func Assess(cert, issuer *x509.Certificate, provider TrustListProvider, at time.Time) Assessment {
	a := Assessment{At: at}
	if provider == nil || issuer == nil {
		a.notef("no trust list available")
		return a
	}

	var caServices []ServiceInfo
	for _, s := range provider.ServicesFor(issuer) {
		if s.ServiceType == ServiceTypeCAQC {
			caServices = append(caServices, s)
		}
	}
	if len(caServices) == 0 {
		a.notef("issuer %s is not a trust-listed CA/QC service", issuer.Subject.CommonName)
		return a
	}

	a.Service = caServices[0].ServiceName
	a.Status = caServices[0].StatusAt(at)
	for i := range caServices {
		if caServices[i].ActiveAt(at) {
			a.Granted = true
			a.Service = caServices[i].ServiceName
			a.Status = caServices[i].StatusAt(at)
			break
		}
	}
	if !a.Granted {
		a.notef("service %s was %s at %s", a.Service, a.Status, at.UTC().Format(time.RFC3339))
	}

	a.Qualifiers = Qualifiers(cert, caServices, at)

	if stmts, err := ParseQCStatements(cert); err == nil {
		a.QCCompliance = stmts.Compliant()
		a.QSCD = stmts.QSCD()
	}
	switch {
	case hasQualifier(a.Qualifiers, QualifierWithQSCD, QualifierWithSSCD):
		a.QSCD = true
	case hasQualifier(a.Qualifiers, QualifierNoQSCD, QualifierNoSSCD):
		a.QSCD = false
	}

	claimed := a.QCCompliance || hasQualifier(a.Qualifiers, QualifierQCStatement)
	switch {
	case hasQualifier(a.Qualifiers, QualifierNotQualified):
		a.notef("trust list marks the certificate as not qualified")
	case !claimed:
		a.notef("certificate does not claim QC compliance")
	default:
		a.Qualified = a.Granted
	}
	return a
}

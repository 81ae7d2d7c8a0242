package qualified

import (
	"bytes"
	"crypto/x509"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/georgepadayatti/etsival/certvalidator"
)

// URI bases for ETSI trust service identifiers.
const (
	TrstSvcURIBase     = "http://uri.etsi.org/TrstSvc"
	TrustedListURIBase = TrstSvcURIBase + "/TrustedList"
	SvcInfoExtURIBase  = TrustedListURIBase + "/SvcInfoExt"
	SvcStatusURIBase   = TrustedListURIBase + "/Svcstatus"
	SvcTypeURIBase     = TrstSvcURIBase + "/Svctype"
)

// ServiceType represents the type of trust service.
type ServiceType int

const (
	ServiceTypeUnknown ServiceType = iota
	ServiceTypeCAQC
	ServiceTypeCAPKC
	ServiceTypeTSAQTST
	ServiceTypeTSA
	ServiceTypeOCSPQC
)

var serviceTypeURIs = map[ServiceType]string{
	ServiceTypeCAQC:    SvcTypeURIBase + "/CA/QC",
	ServiceTypeCAPKC:   SvcTypeURIBase + "/CA/PKC",
	ServiceTypeTSAQTST: SvcTypeURIBase + "/TSA/QTST",
	ServiceTypeTSA:     SvcTypeURIBase + "/TSA",
	ServiceTypeOCSPQC:  SvcTypeURIBase + "/Certstatus/OCSP/QC",
}

func (t ServiceType) String() string {
	if uri, ok := serviceTypeURIs[t]; ok {
		return strings.TrimPrefix(uri, SvcTypeURIBase+"/")
	}
	return "unknown"
}

// URI returns the ETSI service type identifier.
func (t ServiceType) URI() string { return serviceTypeURIs[t] }

// ParseServiceType accepts a full URI or its short form, e.g. "CA/QC".
func ParseServiceType(s string) ServiceType {
	for t, uri := range serviceTypeURIs {
		if s == uri || s == strings.TrimPrefix(uri, SvcTypeURIBase+"/") {
			return t
		}
	}
	return ServiceTypeUnknown
}

// ServiceStatus represents the status of a trust service.
type ServiceStatus int

const (
	ServiceStatusUnknown ServiceStatus = iota
	ServiceStatusGranted
	ServiceStatusWithdrawn
	ServiceStatusRecognisedAtNationalLevel
	ServiceStatusDeprecatedAtNationalLevel
	ServiceStatusAccredited
	ServiceStatusSupervisionInCessation
	ServiceStatusSupervisionCeased
	ServiceStatusSupervisionRevoked
)

var serviceStatusNames = map[ServiceStatus]string{
	ServiceStatusGranted:                   "granted",
	ServiceStatusWithdrawn:                 "withdrawn",
	ServiceStatusRecognisedAtNationalLevel: "recognisedatnationallevel",
	ServiceStatusDeprecatedAtNationalLevel: "deprecatedatnationallevel",
	ServiceStatusAccredited:                "accredited",
	ServiceStatusSupervisionInCessation:    "supervisionincessation",
	ServiceStatusSupervisionCeased:         "supervisionceased",
	ServiceStatusSupervisionRevoked:        "supervisionrevoked",
}

func (s ServiceStatus) String() string {
	if name, ok := serviceStatusNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseServiceStatus accepts a status URI or its last path segment.
func ParseServiceStatus(s string) ServiceStatus {
	key := strings.ToLower(s[strings.LastIndex(s, "/")+1:])
	for st, name := range serviceStatusNames {
		if name == key {
			return st
		}
	}
	return ServiceStatusUnknown
}

// Active reports whether the status is an operational one.
// Pre-eIDAS accreditation and supervision statuses count as active.
func (s ServiceStatus) Active() bool {
	switch s {
	case ServiceStatusGranted, ServiceStatusRecognisedAtNationalLevel,
		ServiceStatusAccredited, ServiceStatusSupervisionInCessation:
		return true
	}
	return false
}

// Qualifier represents a qualifier as specified in ETSI TS 119 612, 5.5.9.2.
type Qualifier string

const (
	QualifierWithSSCD            Qualifier = "QCWithSSCD"
	QualifierNoSSCD              Qualifier = "QCNoSSCD"
	QualifierWithQSCD            Qualifier = "QCWithQSCD"
	QualifierNoQSCD              Qualifier = "QCNoQSCD"
	QualifierQSCDAsInCert        Qualifier = "QCQSCDStatusAsInCert"
	QualifierQSCDManagedOnBehalf Qualifier = "QCQSCDManagedOnBehalf"
	QualifierLegalPerson         Qualifier = "QCForLegalPerson"
	QualifierForESig             Qualifier = "QCForESig"
	QualifierForESeal            Qualifier = "QCForESeal"
	QualifierForWSA              Qualifier = "QCForWSA"
	QualifierNotQualified        Qualifier = "NotQualified"
	QualifierQCStatement         Qualifier = "QCStatement"
)

// URI returns the ETSI URI for this qualifier.
func (q Qualifier) URI() string {
	return SvcInfoExtURIBase + "/" + string(q)
}

// ParseQualifier accepts a qualifier URI or its short name.
func ParseQualifier(s string) Qualifier {
	return Qualifier(strings.TrimPrefix(s, SvcInfoExtURIBase+"/"))
}

// ConditionalQualifiers applies Qualifiers to certificates matching Condition.
// A nil Condition matches every certificate.
type ConditionalQualifiers struct {
	Qualifiers []Qualifier
	Condition  Condition
}

// StatusChange is a past status of a service.
type StatusChange struct {
	Status             ServiceStatus
	StatusStartingDate time.Time
}

// ServiceInfo describes one trust service of a trust list.
type ServiceInfo struct {
	TSPName     string
	ServiceName string
	ServiceType ServiceType

	// Status is the current status, in force since StatusStartingDate.
	Status             ServiceStatus
	StatusStartingDate time.Time
	History            []StatusChange

	// Certificates are the service digital identities.
	Certificates []*x509.Certificate
	Qualifiers   []ConditionalQualifiers
}

// StatusAt returns the status in force at t.
func (s *ServiceInfo) StatusAt(t time.Time) ServiceStatus {
	if !t.Before(s.StatusStartingDate) {
		return s.Status
	}
	history := make([]StatusChange, len(s.History))
	copy(history, s.History)
	sort.Slice(history, func(i, j int) bool {
		return history[i].StatusStartingDate.After(history[j].StatusStartingDate)
	})
	for _, h := range history {
		if !t.Before(h.StatusStartingDate) {
			return h.Status
		}
	}
	return ServiceStatusUnknown
}

// ActiveAt reports whether the service was operational at t.
func (s *ServiceInfo) ActiveAt(t time.Time) bool {
	return s.StatusAt(t).Active()
}

// TrustListProvider yields the trust services whose digital identity is cert.
type TrustListProvider interface {
	ServicesFor(cert *x509.Certificate) []ServiceInfo
}

// TrustList is an in-memory TrustListProvider keyed by subject key
// identifier and canonical subject name.
type TrustList struct {
	mu     sync.RWMutex
	bySKI  map[string][]int
	byName map[string][]int
	items  []ServiceInfo
}

// NewTrustList creates a trust list holding services.
func NewTrustList(services ...ServiceInfo) *TrustList {
	tl := &TrustList{bySKI: make(map[string][]int), byName: make(map[string][]int)}
	for _, s := range services {
		tl.Add(s)
	}
	return tl
}

// Add registers a service.
func (tl *TrustList) Add(s ServiceInfo) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	idx := len(tl.items)
	tl.items = append(tl.items, s)
	for _, cert := range s.Certificates {
		if len(cert.SubjectKeyId) > 0 {
			key := hex.EncodeToString(cert.SubjectKeyId)
			tl.bySKI[key] = append(tl.bySKI[key], idx)
		}
		name := certvalidator.CanonicalName(cert.Subject)
		tl.byName[name] = append(tl.byName[name], idx)
	}
}

// Len returns the number of services.
func (tl *TrustList) Len() int {
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	return len(tl.items)
}

// Certificates returns the digital identities of every service of type st,
// or of all services when st is ServiceTypeUnknown.
func (tl *TrustList) Certificates(st ServiceType) []*x509.Certificate {
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	var out []*x509.Certificate
	for _, s := range tl.items {
		if st == ServiceTypeUnknown || s.ServiceType == st {
			out = append(out, s.Certificates...)
		}
	}
	return out
}

// ServicesFor implements TrustListProvider. A service matches when one of
// its certificates has the same subject and public key as cert.
func (tl *TrustList) ServicesFor(cert *x509.Certificate) []ServiceInfo {
	if cert == nil {
		return nil
	}
	tl.mu.RLock()
	defer tl.mu.RUnlock()

	candidates := tl.byName[certvalidator.CanonicalName(cert.Subject)]
	if len(cert.SubjectKeyId) > 0 {
		candidates = append(candidates, tl.bySKI[hex.EncodeToString(cert.SubjectKeyId)]...)
	}

	seen := make(map[int]bool)
	var out []ServiceInfo
	for _, idx := range candidates {
		if seen[idx] {
			continue
		}
		seen[idx] = true
		for _, sc := range tl.items[idx].Certificates {
			if sameIdentity(sc, cert) {
				out = append(out, tl.items[idx])
				break
			}
		}
	}
	return out
}

func sameIdentity(a, b *x509.Certificate) bool {
	return bytes.Equal(a.RawSubjectPublicKeyInfo, b.RawSubjectPublicKeyInfo) &&
		certvalidator.NamesEqual(a.Subject, b.Subject)
}

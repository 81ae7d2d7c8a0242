// Package report holds the validation report of a document and renders it
// as text, JSON or XML.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/georgepadayatti/etsival/sign/ades"
)

// CertificateEvidence is what was established about one chain certificate.
type CertificateEvidence struct {
	ID          string    `json:"id"`
	Subject     string    `json:"subject"`
	Issuer      string    `json:"issuer"`
	Serial      string    `json:"serial"`
	NotBefore   time.Time `json:"notBefore"`
	NotAfter    time.Time `json:"notAfter"`
	Provenances []string  `json:"provenances,omitempty"`
	TrustAnchor bool      `json:"trustAnchor,omitempty"`

	// RevocationStatus is good, revoked or unknown.
	RevocationStatus string    `json:"revocationStatus"`
	RevokedAt        time.Time `json:"revokedAt,omitzero"`
	RevocationReason string    `json:"revocationReason,omitempty"`
	// RevocationToken is the identifier of the token the status comes from.
	RevocationToken    string    `json:"revocationToken,omitempty"`
	RevocationIssuance time.Time `json:"revocationIssuance,omitzero"`

	POE time.Time `json:"poe,omitzero"`
}

// TimestampEvidence is the validation outcome of one timestamp token.
type TimestampEvidence struct {
	ID             string             `json:"id"`
	Type           string             `json:"type"`
	GenerationTime time.Time          `json:"generationTime"`
	Signer         string             `json:"signer,omitempty"`
	Indication     ades.Indication    `json:"indication"`
	SubIndication  ades.SubIndication `json:"subIndication,omitempty"`
	Info           []string           `json:"info,omitempty"`
}

// StageResult is the verdict of one validation process.
type StageResult struct {
	Name          string             `json:"name"`
	Indication    ades.Indication    `json:"indication"`
	SubIndication ades.SubIndication `json:"subIndication,omitempty"`
}

// SignatureReport is the validation result of one signature.
type SignatureReport struct {
	SignatureID   string             `json:"signatureId"`
	Indication    ades.Indication    `json:"indication"`
	SubIndication ades.SubIndication `json:"subIndication,omitempty"`
	Info          []string           `json:"info,omitempty"`

	SigningCertificate string    `json:"signingCertificate,omitempty"`
	Commitments        []string  `json:"commitments,omitempty"`
	SignaturePolicy    string    `json:"signaturePolicy,omitempty"`
	ClaimedSigningTime time.Time `json:"claimedSigningTime,omitzero"`
	BestSignatureTime  time.Time `json:"bestSignatureTime,omitzero"`
	ControlTime        time.Time `json:"controlTime,omitzero"`

	Stages       []StageResult         `json:"stages,omitempty"`
	Certificates []CertificateEvidence `json:"certificates,omitempty"`
	Timestamps   []TimestampEvidence   `json:"timestamps,omitempty"`

	Qualified  bool     `json:"qualified"`
	Qualifiers []string `json:"qualifiers,omitempty"`
}

// Result returns the verdict of the signature.
func (s *SignatureReport) Result() ades.Result {
	return ades.Result{Indication: s.Indication, SubIndication: s.SubIndication}
}

// DocumentReport is the validation result of every signature of a document.
type DocumentReport struct {
	ValidationTime time.Time         `json:"validationTime"`
	Policy         string            `json:"policy,omitempty"`
	Indication     ades.Indication   `json:"indication"`
	Signatures     []SignatureReport `json:"signatures"`
}

// NewDocumentReport builds a report and computes the overall indication.
func NewDocumentReport(at time.Time, policyName string, sigs []SignatureReport) *DocumentReport {
	return &DocumentReport{
		ValidationTime: at,
		Policy:         policyName,
		Indication:     Overall(sigs),
		Signatures:     sigs,
	}
}

// Overall combines signature indications: INVALID if any signature is
// INVALID, else INDETERMINATE if any is INDETERMINATE, else VALID.
// A document without signatures is INDETERMINATE.
func Overall(sigs []SignatureReport) ades.Indication {
	if len(sigs) == 0 {
		return ades.Indeterminate
	}
	overall := ades.Valid
	for i := range sigs {
		switch sigs[i].Indication {
		case ades.Invalid:
			return ades.Invalid
		case ades.Indeterminate:
			overall = ades.Indeterminate
		}
	}
	return overall
}

// Counts returns the number of VALID, INDETERMINATE and INVALID signatures.
func (r *DocumentReport) Counts() (valid, indeterminate, invalid int) {
	for i := range r.Signatures {
		switch r.Signatures[i].Indication {
		case ades.Valid:
			valid++
		case ades.Indeterminate:
			indeterminate++
		case ades.Invalid:
			invalid++
		}
	}
	return valid, indeterminate, invalid
}

// WriteTo renders the report in format: text, json or xml.
func (r *DocumentReport) WriteTo(w io.Writer, format string) error {
	switch strings.ToLower(format) {
	case "json":
		return r.WriteJSON(w)
	case "xml":
		return r.WriteXML(w)
	case "", "text":
		_, err := io.WriteString(w, r.Summary())
		return err
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}

// WriteJSON writes the report as indented JSON.
func (r *DocumentReport) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteXML writes the report as an XML document.
func (r *DocumentReport) WriteXML(w io.Writer) error {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	doc.SetRoot(r.Element())
	doc.Indent(2)
	_, err := doc.WriteTo(w)
	return err
}

func timeText(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func addTime(parent *etree.Element, tag string, t time.Time) {
	if !t.IsZero() {
		parent.CreateElement(tag).SetText(timeText(t))
	}
}

func addIndication(el *etree.Element, ind ades.Indication, sub ades.SubIndication) {
	el.CreateAttr("Indication", ind.String())
	if sub != ades.SubNone {
		el.CreateAttr("SubIndication", sub.String())
	}
}

// Element builds the XML tree of the report.
func (r *DocumentReport) Element() *etree.Element {
	root := etree.NewElement("ValidationReport")
	root.CreateAttr("ValidationTime", timeText(r.ValidationTime))
	if r.Policy != "" {
		root.CreateAttr("Policy", r.Policy)
	}
	root.CreateAttr("Indication", r.Indication.String())
	for i := range r.Signatures {
		root.AddChild(r.Signatures[i].Element())
	}
	return root
}

// Element builds the XML tree of one signature.
func (s *SignatureReport) Element() *etree.Element {
	el := etree.NewElement("Signature")
	el.CreateAttr("Id", s.SignatureID)
	addIndication(el, s.Indication, s.SubIndication)

	if s.SigningCertificate != "" {
		el.CreateElement("SigningCertificate").SetText(s.SigningCertificate)
	}
	for _, c := range s.Commitments {
		el.CreateElement("CommitmentType").SetText(c)
	}
	if s.SignaturePolicy != "" {
		el.CreateElement("SignaturePolicy").SetText(s.SignaturePolicy)
	}
	addTime(el, "ClaimedSigningTime", s.ClaimedSigningTime)
	addTime(el, "BestSignatureTime", s.BestSignatureTime)
	addTime(el, "ControlTime", s.ControlTime)

	for _, st := range s.Stages {
		stage := el.CreateElement("Stage")
		stage.CreateAttr("Name", st.Name)
		addIndication(stage, st.Indication, st.SubIndication)
	}

	if len(s.Certificates) > 0 {
		chain := el.CreateElement("CertificateChain")
		for _, c := range s.Certificates {
			ce := chain.CreateElement("Certificate")
			ce.CreateAttr("Id", c.ID)
			if c.TrustAnchor {
				ce.CreateAttr("TrustAnchor", "true")
			}
			ce.CreateElement("Subject").SetText(c.Subject)
			ce.CreateElement("Issuer").SetText(c.Issuer)
			ce.CreateElement("SerialNumber").SetText(c.Serial)
			addTime(ce, "NotBefore", c.NotBefore)
			addTime(ce, "NotAfter", c.NotAfter)
			for _, p := range c.Provenances {
				ce.CreateElement("Source").SetText(p)
			}
			rev := ce.CreateElement("Revocation")
			rev.CreateAttr("Status", c.RevocationStatus)
			if c.RevocationToken != "" {
				rev.CreateAttr("Token", c.RevocationToken)
			}
			addTime(rev, "Issuance", c.RevocationIssuance)
			addTime(rev, "RevokedAt", c.RevokedAt)
			if c.RevocationReason != "" {
				rev.CreateElement("Reason").SetText(c.RevocationReason)
			}
			addTime(ce, "ProofOfExistence", c.POE)
		}
	}

	for _, ts := range s.Timestamps {
		te := el.CreateElement("Timestamp")
		te.CreateAttr("Id", ts.ID)
		te.CreateAttr("Type", ts.Type)
		addIndication(te, ts.Indication, ts.SubIndication)
		addTime(te, "GenerationTime", ts.GenerationTime)
		if ts.Signer != "" {
			te.CreateElement("Signer").SetText(ts.Signer)
		}
		for _, msg := range ts.Info {
			te.CreateElement("Info").SetText(msg)
		}
	}

	q := el.CreateElement("Qualification")
	q.CreateAttr("Qualified", fmt.Sprint(s.Qualified))
	for _, qual := range s.Qualifiers {
		q.CreateElement("Qualifier").SetText(qual)
	}

	for _, msg := range s.Info {
		el.CreateElement("Info").SetText(msg)
	}
	return el
}

// Summary renders the report as plain text.
func (r *DocumentReport) Summary() string {
	var sb strings.Builder
	valid, indeterminate, invalid := r.Counts()

	sb.WriteString("=== VALIDATION SUMMARY ===\n\n")
	fmt.Fprintf(&sb, "Overall Result: %s\n", r.Indication)
	fmt.Fprintf(&sb, "Validation Time: %s\n", timeText(r.ValidationTime))
	if r.Policy != "" {
		fmt.Fprintf(&sb, "Policy: %s\n", r.Policy)
	}
	fmt.Fprintf(&sb, "\nSignatures: %d (valid %d, indeterminate %d, invalid %d)\n",
		len(r.Signatures), valid, indeterminate, invalid)

	for i := range r.Signatures {
		s := &r.Signatures[i]
		fmt.Fprintf(&sb, "\n[%s] %s\n", s.SignatureID, s.Result())
		if s.SigningCertificate != "" {
			fmt.Fprintf(&sb, "  Signer: %s\n", s.SigningCertificate)
		}
		if len(s.Commitments) > 0 {
			fmt.Fprintf(&sb, "  Commitment: %s\n", strings.Join(s.Commitments, ", "))
		}
		if s.SignaturePolicy != "" {
			fmt.Fprintf(&sb, "  Signature policy: %s\n", s.SignaturePolicy)
		}
		if !s.BestSignatureTime.IsZero() {
			fmt.Fprintf(&sb, "  Best signature time: %s\n", timeText(s.BestSignatureTime))
		}
		if !s.ControlTime.IsZero() {
			fmt.Fprintf(&sb, "  Control time: %s\n", timeText(s.ControlTime))
		}
		for _, st := range s.Stages {
			fmt.Fprintf(&sb, "  %-10s %s\n", st.Name+":", ades.Result{Indication: st.Indication, SubIndication: st.SubIndication})
		}
		if len(s.Certificates) > 0 {
			sb.WriteString("  Chain:\n")
			sb.WriteString(VisualizeChain(s.Certificates, "    "))
		}
		if len(s.Timestamps) > 0 {
			sb.WriteString("  Timestamps:\n")
			for _, ts := range s.Timestamps {
				fmt.Fprintf(&sb, "    %s %s %s\n", ts.Type, timeText(ts.GenerationTime),
					ades.Result{Indication: ts.Indication, SubIndication: ts.SubIndication})
			}
		}
		if s.Qualified {
			fmt.Fprintf(&sb, "  Qualified: yes %v\n", s.Qualifiers)
		}
		for _, msg := range s.Info {
			fmt.Fprintf(&sb, "  - %s\n", msg)
		}
	}
	return sb.String()
}

// VisualizeChain renders a leaf-first chain from the anchor down.
func VisualizeChain(chain []CertificateEvidence, indent string) string {
	var sb strings.Builder
	for i := len(chain) - 1; i >= 0; i-- {
		c := chain[i]
		prefix := indent + strings.Repeat("  ", len(chain)-1-i)
		label := "[Intermediate]"
		switch {
		case c.TrustAnchor:
			label = "[Trust Anchor]"
		case i == 0:
			label = "[End Entity]"
		}
		fmt.Fprintf(&sb, "%s%s %s\n", prefix, label, c.Subject)
		fmt.Fprintf(&sb, "%s  Valid: %s to %s, revocation %s\n", prefix,
			c.NotBefore.Format(time.DateOnly), c.NotAfter.Format(time.DateOnly), c.RevocationStatus)
	}
	return sb.String()
}

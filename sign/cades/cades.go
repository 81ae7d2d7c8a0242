// Package cades decodes CMS and CAdES signatures into the containers the
// validation processes work on.
package cades

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"time"

	"github.com/digitorus/pkcs7"

	"github.com/georgepadayatti/etsival/sign/ades"
	"github.com/georgepadayatti/etsival/sign/validation"
)

// Decoding errors.
var (
	ErrNotSignedData      = errors.New("not a CMS SignedData")
	ErrNoSigners          = errors.New("no signer infos")
	ErrContentConflict    = errors.New("detached content given for a signature with embedded content")
	ErrMalformedAttribute = errors.New("malformed attribute")
	ErrMalformedTimestamp = errors.New("malformed timestamp token")
)

// Attribute OIDs.
var (
	OIDData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}

	OIDContentType          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDMessageDigest        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDSigningTime          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
	OIDSigningCertificate   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 12}
	OIDSigningCertificateV2 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}
	OIDContentTimeStamp     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 20}

	OIDSignaturePolicyIdentifier = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 15}
	OIDCommitmentTypeIndication  = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 16}

	OIDSignatureTimeStampToken = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}
	OIDCompleteCertificateRefs = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 21}
	OIDCompleteRevocationRefs  = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 22}
	OIDCertificateValues       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 23}
	OIDRevocationValues        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 24}
	OIDESCTimeStamp            = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 25}
	OIDCertCRLTimestamp        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 26}
	OIDArchiveTimeStampV2      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 48}

	OIDAdobeRevocationInfoArchival = asn1.ObjectIdentifier{1, 2, 840, 113583, 1, 1, 8}

	// id-ri-ocsp-response (RFC 5940)
	OIDRevocationInfoOCSP = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 16, 2}
)

// Signature is one SignerInfo of a CMS SignedData. It implements
// validation.SignatureContainer.
type Signature struct {
	index int
	raw   []byte
	err   error

	signer *x509.Certificate
	ref    *validation.SigningCertificateRef
	certs  []*x509.Certificate

	crls       [][]byte
	ocsps      [][]byte
	timestamps []*validation.TimestampToken

	content       []byte
	signedBytes   []byte
	value         []byte
	messageDigest []byte
	digest        crypto.Hash
	sigAlg        x509.SignatureAlgorithm
	signingTime   time.Time

	commitments []ades.Commitment
	policy      *ades.SignaturePolicy
}

var (
	_ validation.SignatureContainer = (*Signature)(nil)
	_ validation.SignedProperties   = (*Signature)(nil)
	_ validation.Malformed          = (*Signature)(nil)
)

// Index is the position of the SignerInfo in the SignedData.
func (s *Signature) Index() int { return s.index }

// ID returns the proof-of-existence identifier of the signature value.
// An undecodable SignerInfo is named after its encoding.
func (s *Signature) ID() string {
	if len(s.value) == 0 {
		return validation.SignatureID(s.raw)
	}
	return validation.SignatureID(s.value)
}

// ParseError returns why the SignerInfo could not be decoded, or nil.
func (s *Signature) ParseError() error { return s.err }

func (s *Signature) SigningCertificate() *x509.Certificate { return s.signer }

func (s *Signature) SigningCertificateRef() *validation.SigningCertificateRef { return s.ref }

// CertificateChainHint returns every certificate shipped with the signature
// except the signer's.
func (s *Signature) CertificateChainHint() []*x509.Certificate {
	var out []*x509.Certificate
	for _, c := range s.certs {
		if s.signer == nil || !c.Equal(s.signer) {
			out = append(out, c)
		}
	}
	return out
}

func (s *Signature) EmbeddedCRLs() [][]byte                           { return s.crls }
func (s *Signature) EmbeddedOCSPResponses() [][]byte                  { return s.ocsps }
func (s *Signature) EmbeddedTimestamps() []*validation.TimestampToken { return s.timestamps }
func (s *Signature) SignedData() []byte                               { return s.content }
func (s *Signature) SignatureBytes() []byte                           { return s.value }
func (s *Signature) SignedBytes() []byte                              { return s.signedBytes }
func (s *Signature) MessageDigest() []byte                            { return s.messageDigest }
func (s *Signature) DigestAlgorithm() crypto.Hash                     { return s.digest }
func (s *Signature) SignatureAlgorithm() x509.SignatureAlgorithm      { return s.sigAlg }
func (s *Signature) ClaimedSigningTime() time.Time                    { return s.signingTime }

// Commitments returns the commitment-type-indication attributes.
func (s *Signature) Commitments() []ades.Commitment { return s.commitments }

// SignaturePolicy returns the signature-policy-identifier attribute, or nil.
func (s *Signature) SignaturePolicy() *ades.SignaturePolicy { return s.policy }

// Parse decodes the first signature of a CMS SignedData. detached is the
// signed content when it is not encapsulated.
func Parse(der, detached []byte) (*Signature, error) {
	sigs, err := ParseAll(der, detached)
	if err != nil {
		return nil, err
	}
	if err := sigs[0].err; err != nil {
		return nil, err
	}
	return sigs[0], nil
}

// ParseAll decodes every signature of a CMS SignedData. An error means the
// SignedData itself is unusable. A SignerInfo that fails to decode still
// yields a Signature, with ParseError set, so the others can be validated.
func ParseAll(der, detached []byte) ([]*Signature, error) {
	var ci contentInfo
	if _, err := asn1.Unmarshal(der, &ci); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotSignedData, err)
	}
	if !ci.ContentType.Equal(OIDSignedData) {
		return nil, fmt.Errorf("%w: content type %s", ErrNotSignedData, ci.ContentType)
	}
	var sd signedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotSignedData, err)
	}
	if len(sd.SignerInfos) == 0 {
		return nil, ErrNoSigners
	}

	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotSignedData, err)
	}
	content := p7.Content
	switch {
	case len(content) == 0:
		content = detached
	case detached != nil && !bytes.Equal(content, detached):
		return nil, ErrContentConflict
	}

	crls, ocsps, err := revocationChoices(sd.CRLs)
	if err != nil {
		return nil, err
	}

	sigs := make([]*Signature, 0, len(sd.SignerInfos))
	for i, raw := range sd.SignerInfos {
		p := &parser{
			sd:      &sd,
			raw:     raw,
			content: content,
			sig: &Signature{
				index:   i,
				raw:     raw.FullBytes,
				content: content,
				certs:   append([]*x509.Certificate(nil), p7.Certificates...),
				crls:    append([][]byte(nil), crls...),
				ocsps:   append([][]byte(nil), ocsps...),
			},
		}
		if err := p.parse(); err != nil {
			p.sig.err = fmt.Errorf("signer %d: %w", i, err)
		}
		sigs = append(sigs, p.sig)
	}
	return sigs, nil
}

// Containers adapts signatures for validation.Validator.ValidateDocument.
func Containers(sigs []*Signature) []validation.SignatureContainer {
	out := make([]validation.SignatureContainer, len(sigs))
	for i, s := range sigs {
		out[i] = s
	}
	return out
}

// revocationChoices splits the SignedData crls field into CRLs and RFC 5940
// OCSP responses.
func revocationChoices(field asn1.RawValue) (crls, ocsps [][]byte, err error) {
	rest := field.Bytes
	for len(rest) > 0 {
		var choice asn1.RawValue
		if rest, err = asn1.Unmarshal(rest, &choice); err != nil {
			return nil, nil, fmt.Errorf("%w: crls: %v", ErrNotSignedData, err)
		}
		switch {
		case choice.Class == asn1.ClassUniversal && choice.Tag == asn1.TagSequence:
			crls = append(crls, choice.FullBytes)
		case choice.Class == asn1.ClassContextSpecific && choice.Tag == 1:
			var format asn1.ObjectIdentifier
			info, err := asn1.Unmarshal(choice.Bytes, &format)
			if err != nil || !format.Equal(OIDRevocationInfoOCSP) {
				continue
			}
			var resp asn1.RawValue
			if _, err := asn1.Unmarshal(info, &resp); err == nil {
				ocsps = append(ocsps, resp.FullBytes)
			}
		}
	}
	return crls, ocsps, nil
}

type parser struct {
	sd      *signedData
	raw     asn1.RawValue
	content []byte
	si      signerInfo
	sig     *Signature
}

func (p *parser) parse() error {
	if _, err := asn1.Unmarshal(p.raw.FullBytes, &p.si); err != nil {
		return fmt.Errorf("%w: signer info: %v", ErrNotSignedData, err)
	}
	s := p.sig
	s.value = p.si.Signature
	s.digest = HashFromOID(p.si.DigestAlgorithm.Algorithm)
	s.sigAlg = SignatureAlgorithm(p.si.SignatureAlgorithm.Algorithm, s.digest)

	signed, err := parseAttributes(p.si.SignedAttrs.Bytes)
	if err != nil {
		return err
	}
	if len(p.si.SignedAttrs.FullBytes) > 0 {
		// The signature covers the attributes with an explicit SET tag.
		s.signedBytes = append([]byte{0x31}, p.si.SignedAttrs.FullBytes[1:]...)
	} else {
		s.signedBytes = p.content
	}
	if err := p.signedAttributes(signed); err != nil {
		return err
	}

	unsigned, err := parseAttributes(p.si.UnsignedAttrs.Bytes)
	if err != nil {
		return err
	}
	if err := p.unsignedAttributes(unsigned); err != nil {
		return err
	}
	s.signer = p.findSigner()
	return nil
}

func (p *parser) signedAttributes(attrs attributes) error {
	s := p.sig
	if a := attrs.get(OIDMessageDigest); a != nil {
		if err := a.unmarshal(&s.messageDigest); err != nil {
			return err
		}
	}
	if a := attrs.get(OIDSigningTime); a != nil {
		if err := a.unmarshal(&s.signingTime); err != nil {
			return err
		}
	}
	if a := attrs.get(OIDSigningCertificateV2); a != nil {
		var v signingCertificateV2
		if err := a.unmarshal(&v); err != nil {
			return err
		}
		if len(v.Certs) > 0 {
			id := v.Certs[0]
			h := crypto.SHA256
			if len(id.HashAlgorithm.Algorithm) > 0 {
				h = HashFromOID(id.HashAlgorithm.Algorithm)
			}
			s.ref = &validation.SigningCertificateRef{Hash: h, Digest: id.CertHash, IssuerSerial: toIssuerSerial(id.IssuerSerial)}
		}
	} else if a := attrs.get(OIDSigningCertificate); a != nil {
		var v signingCertificate
		if err := a.unmarshal(&v); err != nil {
			return err
		}
		if len(v.Certs) > 0 {
			id := v.Certs[0]
			s.ref = &validation.SigningCertificateRef{Hash: crypto.SHA1, Digest: id.CertHash, IssuerSerial: toIssuerSerial(id.IssuerSerial)}
		}
	}
	if a := attrs.get(OIDAdobeRevocationInfoArchival); a != nil {
		var v revocationValues
		if err := a.unmarshal(&v); err != nil {
			return err
		}
		for _, crl := range v.CRLs {
			s.crls = append(s.crls, crl.FullBytes)
		}
		for _, resp := range v.OCSPs {
			s.ocsps = append(s.ocsps, resp.FullBytes)
		}
	}
	if a := attrs.get(OIDContentTimeStamp); a != nil {
		if err := p.tokens(validation.ContentTimestamp, a, p.content); err != nil {
			return err
		}
	}
	for i := range attrs {
		if attrs[i].Type.Equal(OIDCommitmentTypeIndication) {
			if err := p.commitment(&attrs[i]); err != nil {
				return err
			}
		}
	}
	if a := attrs.get(OIDSignaturePolicyIdentifier); a != nil {
		if err := p.signaturePolicy(a); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) commitment(a *attribute) error {
	vals, err := a.values()
	if err != nil {
		return err
	}
	for _, v := range vals {
		var cti commitmentTypeIndication
		if _, err := asn1.Unmarshal(v, &cti); err != nil {
			return fmt.Errorf("%w %s: %v", ErrMalformedAttribute, a.Type, err)
		}
		p.sig.commitments = append(p.sig.commitments, ades.Commitment{
			Type: ades.CommitmentTypeFromOID(cti.CommitmentTypeID),
			OID:  cti.CommitmentTypeID,
		})
	}
	return nil
}

func (p *parser) signaturePolicy(a *attribute) error {
	var raw asn1.RawValue
	if err := a.unmarshal(&raw); err != nil {
		return err
	}
	if raw.Class == asn1.ClassUniversal && raw.Tag == asn1.TagNull {
		p.sig.policy = &ades.SignaturePolicy{Implied: true}
		return nil
	}
	var id signaturePolicyID
	if _, err := asn1.Unmarshal(raw.FullBytes, &id); err != nil {
		return fmt.Errorf("%w %s: %v", ErrMalformedAttribute, a.Type, err)
	}
	sp := &ades.SignaturePolicy{
		OID:    id.SigPolicyID,
		Hash:   HashFromOID(id.SigPolicyHash.HashAlgorithm.Algorithm),
		Digest: id.SigPolicyHash.HashValue,
	}
	for _, q := range id.SigPolicyQualifiers {
		if q.ID.Equal(oidSPURI) && q.Qualifier.Tag == asn1.TagIA5String {
			sp.URI = string(q.Qualifier.Bytes)
		}
	}
	p.sig.policy = sp
	return nil
}

func toIssuerSerial(is issuerSerial) *validation.IssuerSerial {
	if is.SerialNumber == nil {
		return nil
	}
	name, ok := is.directoryName()
	if !ok {
		return nil
	}
	return &validation.IssuerSerial{Issuer: name, Serial: is.SerialNumber}
}

func (p *parser) unsignedAttributes(attrs attributes) error {
	s := p.sig
	refs := concat(attrs.raw(OIDCompleteCertificateRefs), attrs.raw(OIDCompleteRevocationRefs))

	for i := range attrs {
		a := &attrs[i]
		var err error
		switch {
		case a.Type.Equal(OIDSignatureTimeStampToken):
			err = p.tokens(validation.SignatureTimestamp, a, s.value)
		case a.Type.Equal(OIDESCTimeStamp):
			covered := concat(s.value, attrs.raw(OIDSignatureTimeStampToken), refs)
			err = p.tokens(validation.ValidationDataTimestamp, a, covered)
		case a.Type.Equal(OIDCertCRLTimestamp):
			err = p.tokens(validation.ValidationDataRefsTimestamp, a, refs)
		case a.Type.Equal(OIDArchiveTimeStampV2):
			err = p.tokens(validation.ArchiveTimestamp, a, p.archiveData(attrs[:i]))
		case a.Type.Equal(OIDCertificateValues):
			err = p.certificateValues(a)
		case a.Type.Equal(OIDRevocationValues):
			err = p.revocationValues(a)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// archiveData is the input of an archive-time-stamp-v2 imprint: the
// content, the certificates and crls fields, the SignerInfo fields up to
// the signature value, and the unsigned attributes preceding the
// timestamp.
func (p *parser) archiveData(preceding attributes) []byte {
	fields := p.raw.Bytes[:len(p.raw.Bytes)-len(p.si.UnsignedAttrs.FullBytes)]
	parts := [][]byte{p.content, p.sd.Certificates.FullBytes, p.sd.CRLs.FullBytes, fields}
	for _, a := range preceding {
		parts = append(parts, a.raw)
	}
	return concat(parts...)
}

func (p *parser) certificateValues(a *attribute) error {
	var certs []asn1.RawValue
	if err := a.unmarshal(&certs); err != nil {
		return err
	}
	for _, raw := range certs {
		cert, err := x509.ParseCertificate(raw.FullBytes)
		if err != nil {
			return fmt.Errorf("%w: certificate-values: %v", ErrMalformedAttribute, err)
		}
		p.sig.certs = append(p.sig.certs, cert)
	}
	return nil
}

func (p *parser) revocationValues(a *attribute) error {
	var v revocationValues
	if err := a.unmarshal(&v); err != nil {
		return err
	}
	for _, crl := range v.CRLs {
		p.sig.crls = append(p.sig.crls, crl.FullBytes)
	}
	for _, basic := range v.OCSPs {
		resp, err := wrapBasicOCSP(basic.FullBytes)
		if err != nil {
			return fmt.Errorf("%w: revocation-values: %v", ErrMalformedAttribute, err)
		}
		p.sig.ocsps = append(p.sig.ocsps, resp)
	}
	return nil
}

// findSigner resolves the signer identifier against the certificates
// shipped with the signature.
func (p *parser) findSigner() *x509.Certificate {
	sid := p.si.SID
	for _, c := range p.sig.certs {
		switch {
		case sid.Class == asn1.ClassContextSpecific && sid.Tag == 0:
			if len(c.SubjectKeyId) > 0 && bytes.Equal(c.SubjectKeyId, sid.Bytes) {
				return c
			}
		default:
			var ias issuerAndSerialNumber
			if _, err := asn1.Unmarshal(sid.FullBytes, &ias); err != nil {
				return nil
			}
			if ias.SerialNumber != nil && c.SerialNumber.Cmp(ias.SerialNumber) == 0 &&
				bytes.Equal(c.RawIssuer, ias.Issuer.FullBytes) {
				return c
			}
		}
	}
	return nil
}

func concat(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

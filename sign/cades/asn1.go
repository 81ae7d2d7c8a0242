package cades

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"
)

// The structures below keep the raw encoding of every field that a
// signature or an archive timestamp is computed over.

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type encapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type signedData struct {
	Version          int
	DigestAlgorithms asn1.RawValue
	EncapContentInfo encapsulatedContentInfo
	Certificates     asn1.RawValue   `asn1:"optional,tag:0"`
	CRLs             asn1.RawValue   `asn1:"optional,tag:1"`
	SignerInfos      []asn1.RawValue `asn1:"set"`
}

type signerInfo struct {
	Version            int
	SID                asn1.RawValue
	DigestAlgorithm    pkix.AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1"`
}

type issuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

type attributeValues struct {
	Type   asn1.ObjectIdentifier
	Values asn1.RawValue `asn1:"set"`
}

// attribute is a CMS attribute with its DER encoding.
type attribute struct {
	attributeValues
	raw []byte
}

// values returns the encoding of each attribute value.
func (a *attribute) values() ([][]byte, error) {
	var out [][]byte
	rest := a.Values.Bytes
	for len(rest) > 0 {
		var v asn1.RawValue
		r, err := asn1.Unmarshal(rest, &v)
		if err != nil {
			return nil, fmt.Errorf("%w %s: %v", ErrMalformedAttribute, a.Type, err)
		}
		out = append(out, v.FullBytes)
		rest = r
	}
	return out, nil
}

// unmarshal decodes the first attribute value into out.
func (a *attribute) unmarshal(out any) error {
	if _, err := asn1.Unmarshal(a.Values.Bytes, out); err != nil {
		return fmt.Errorf("%w %s: %v", ErrMalformedAttribute, a.Type, err)
	}
	return nil
}

type attributes []attribute

// parseAttributes decodes the content octets of a SET OF Attribute.
func parseAttributes(b []byte) (attributes, error) {
	var attrs attributes
	for len(b) > 0 {
		var a attribute
		rest, err := asn1.Unmarshal(b, &a.attributeValues)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedAttribute, err)
		}
		a.raw = b[:len(b)-len(rest)]
		attrs = append(attrs, a)
		b = rest
	}
	return attrs, nil
}

func (attrs attributes) get(oid asn1.ObjectIdentifier) *attribute {
	for i := range attrs {
		if attrs[i].Type.Equal(oid) {
			return &attrs[i]
		}
	}
	return nil
}

func (attrs attributes) raw(oid asn1.ObjectIdentifier) []byte {
	if a := attrs.get(oid); a != nil {
		return a.raw
	}
	return nil
}

// ESS signing-certificate references (RFC 2634, RFC 5035).

type issuerSerial struct {
	Issuer       []asn1.RawValue
	SerialNumber *big.Int
}

type essCertID struct {
	CertHash     []byte
	IssuerSerial issuerSerial `asn1:"optional"`
}

type signingCertificate struct {
	Certs    []essCertID
	Policies []asn1.RawValue `asn1:"optional"`
}

type essCertIDv2 struct {
	HashAlgorithm pkix.AlgorithmIdentifier `asn1:"optional"`
	CertHash      []byte
	IssuerSerial  issuerSerial `asn1:"optional"`
}

type signingCertificateV2 struct {
	Certs    []essCertIDv2
	Policies []asn1.RawValue `asn1:"optional"`
}

// directoryName returns the first directoryName of a GeneralNames.
func (is issuerSerial) directoryName() (pkix.Name, bool) {
	for _, gn := range is.Issuer {
		if gn.Class != asn1.ClassContextSpecific || gn.Tag != 4 {
			continue
		}
		var rdn pkix.RDNSequence
		if _, err := asn1.Unmarshal(gn.Bytes, &rdn); err != nil {
			continue
		}
		var name pkix.Name
		name.FillFromRDNSequence(&rdn)
		return name, true
	}
	return pkix.Name{}, false
}

// Signer commitment and signature policy (RFC 5126).

type commitmentTypeIndication struct {
	CommitmentTypeID asn1.ObjectIdentifier
	Qualifiers       []asn1.RawValue `asn1:"optional"`
}

type otherHashAlgAndValue struct {
	HashAlgorithm pkix.AlgorithmIdentifier
	HashValue     []byte
}

type sigPolicyQualifierInfo struct {
	ID        asn1.ObjectIdentifier
	Qualifier asn1.RawValue `asn1:"optional"`
}

type signaturePolicyID struct {
	SigPolicyID         asn1.ObjectIdentifier
	SigPolicyHash       otherHashAlgAndValue
	SigPolicyQualifiers []sigPolicyQualifierInfo `asn1:"optional"`
}

var oidSPURI = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 5, 1}

// revocationValues is both the CAdES revocation-values attribute, whose
// OCSP entries are BasicOCSPResponses, and the Adobe revocation archival
// attribute, whose OCSP entries are complete OCSPResponses.
type revocationValues struct {
	CRLs  []asn1.RawValue `asn1:"optional,explicit,tag:0"`
	OCSPs []asn1.RawValue `asn1:"optional,explicit,tag:1"`
	Other asn1.RawValue   `asn1:"optional,explicit,tag:2"`
}

type responseBytes struct {
	ResponseType asn1.ObjectIdentifier
	Response     []byte
}

type ocspResponse struct {
	Status        asn1.Enumerated
	ResponseBytes responseBytes `asn1:"explicit,tag:0"`
}

var oidOCSPBasic = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 1}

// wrapBasicOCSP encloses a BasicOCSPResponse in a successful OCSPResponse.
func wrapBasicOCSP(basic []byte) ([]byte, error) {
	return asn1.Marshal(ocspResponse{
		ResponseBytes: responseBytes{ResponseType: oidOCSPBasic, Response: basic},
	})
}

// tstInfo is the part of an RFC 3161 TSTInfo read when the token's own
// signature does not verify.
type tstInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint struct {
		HashAlgorithm pkix.AlgorithmIdentifier
		HashedMessage []byte
	}
	SerialNumber *big.Int
	GenTime      time.Time `asn1:"generalized"`
}

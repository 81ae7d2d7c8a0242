package ades

import (
	"crypto"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
)

// Commitment type OIDs (RFC 5126, ETSI TS 119 172-1).
var (
	OIDProofOfOrigin   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 6, 1}
	OIDProofOfReceipt  = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 6, 2}
	OIDProofOfDelivery = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 6, 3}
	OIDProofOfSender   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 6, 4}
	OIDProofOfApproval = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 6, 5}
	OIDProofOfCreation = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 6, 6}
)

// CommitmentType is the commitment a signer declares with a signature.
type CommitmentType int

const (
	CommitmentUnknown CommitmentType = iota
	CommitmentProofOfOrigin
	CommitmentProofOfReceipt
	CommitmentProofOfDelivery
	CommitmentProofOfSender
	CommitmentProofOfApproval
	CommitmentProofOfCreation
)

var commitmentOIDs = map[CommitmentType]asn1.ObjectIdentifier{
	CommitmentProofOfOrigin:   OIDProofOfOrigin,
	CommitmentProofOfReceipt:  OIDProofOfReceipt,
	CommitmentProofOfDelivery: OIDProofOfDelivery,
	CommitmentProofOfSender:   OIDProofOfSender,
	CommitmentProofOfApproval: OIDProofOfApproval,
	CommitmentProofOfCreation: OIDProofOfCreation,
}

// String returns the string representation of the commitment type.
func (c CommitmentType) String() string {
	switch c {
	case CommitmentProofOfOrigin:
		return "proof_of_origin"
	case CommitmentProofOfReceipt:
		return "proof_of_receipt"
	case CommitmentProofOfDelivery:
		return "proof_of_delivery"
	case CommitmentProofOfSender:
		return "proof_of_sender"
	case CommitmentProofOfApproval:
		return "proof_of_approval"
	case CommitmentProofOfCreation:
		return "proof_of_creation"
	default:
		return "unknown"
	}
}

// OID returns the ASN.1 OID for the commitment type.
func (c CommitmentType) OID() asn1.ObjectIdentifier {
	return commitmentOIDs[c]
}

// CommitmentTypeFromOID maps an OID to a commitment type. Unregistered
// OIDs give CommitmentUnknown.
func CommitmentTypeFromOID(oid asn1.ObjectIdentifier) CommitmentType {
	for c, o := range commitmentOIDs {
		if o.Equal(oid) {
			return c
		}
	}
	return CommitmentUnknown
}

// Commitment is a commitment-type-indication signed attribute.
type Commitment struct {
	Type CommitmentType
	OID  asn1.ObjectIdentifier
}

func (c Commitment) String() string {
	if c.Type == CommitmentUnknown {
		return c.OID.String()
	}
	return c.Type.String()
}

// SignaturePolicy is a signature-policy-identifier signed attribute.
// An implied policy carries no identifier.
type SignaturePolicy struct {
	Implied bool
	OID     asn1.ObjectIdentifier
	Hash    crypto.Hash
	Digest  []byte
	URI     string
}

func (p *SignaturePolicy) String() string {
	if p.Implied {
		return "implied"
	}
	s := p.OID.String()
	if len(p.Digest) > 0 {
		s += fmt.Sprintf(" (%s %s)", p.Hash, hex.EncodeToString(p.Digest))
	}
	return s
}

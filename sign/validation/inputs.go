package validation

import (
	"time"

	"github.com/georgepadayatti/etsival/certvalidator"
	"github.com/georgepadayatti/etsival/certvalidator/revinfo"
	"github.com/georgepadayatti/etsival/policy"
	"github.com/georgepadayatti/etsival/sign/validation/qualified"
)

// Inputs is the context of one signature's validation run. Stages read it
// and return their own results; none of them modifies it.
type Inputs struct {
	Container SignatureContainer

	// Pool is a per-signature snapshot of the shared pool holding the
	// trust anchors and every certificate embedded with the signature.
	Pool *certvalidator.CertificatePool

	// Policy is nil when no constraint policy is loaded.
	Policy    *policy.Policy
	TrustList qualified.TrustListProvider

	// Revocation serves embedded and, when configured, online tokens.
	Revocation revinfo.Source
	// Embedded holds the revocation tokens shipped with the signature.
	Embedded []*revinfo.Token

	Fetcher     certvalidator.IssuerFetcher
	Crypto      Crypto
	CurrentTime time.Time
}

// SignatureID returns the proof-of-existence identifier of the signature value.
func (in *Inputs) SignatureID() string {
	return SignatureID(in.Container.SignatureBytes())
}

func (in *Inputs) crypto() Crypto {
	if in.Crypto == nil {
		return DefaultCrypto{}
	}
	return in.Crypto
}

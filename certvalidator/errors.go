package certvalidator

import "errors"

// Common errors for chain building and validation.
var (
	ErrNoSigningCertificate = errors.New("no signing certificate")
	ErrNoChain              = errors.New("no chain to a trust anchor")
	ErrChainTooLong         = errors.New("chain exceeds maximum length")
	ErrInconsistentValidity = errors.New("validity period outside issuer's validity period")
)

// Package keys loads certificates and trust stores from PEM, DER, PKCS#7
// and PKCS#12 encoded files.
package keys

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/digitorus/pkcs7"
	"software.sslmate.com/src/go-pkcs12"
)

// Common errors
var (
	ErrNoCertFound       = errors.New("no certificate found in data")
	ErrUnsupportedFormat = errors.New("unsupported certificate format")
	ErrTrustStore        = errors.New("failed to decode trust store")
)

// LoadCertsFromPemDerData loads certificates from PEM or DER encoded data.
// DER input may be a single certificate, a concatenation of certificates or
// a PKCS#7 certs-only bundle. PEM input may mix CERTIFICATE and PKCS7 blocks.
func LoadCertsFromPemDerData(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate

	if isPEM(data) {
		rest := data
		for len(rest) > 0 {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			switch block.Type {
			case "CERTIFICATE", "TRUSTED CERTIFICATE":
				cert, err := x509.ParseCertificate(block.Bytes)
				if err != nil {
					return nil, fmt.Errorf("failed to parse certificate: %w", err)
				}
				certs = append(certs, cert)
			case "PKCS7":
				bundle, err := parseBundle(block.Bytes)
				if err != nil {
					return nil, err
				}
				certs = append(certs, bundle...)
			}
		}
	} else {
		parsed, err := x509.ParseCertificates(data)
		if err != nil {
			bundle, perr := parseBundle(data)
			if perr != nil {
				return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
			}
			parsed = bundle
		}
		certs = parsed
	}

	if len(certs) == 0 {
		return nil, ErrNoCertFound
	}
	return certs, nil
}

func parseBundle(der []byte) ([]*x509.Certificate, error) {
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PKCS#7 bundle: %w", err)
	}
	return p7.Certificates, nil
}

// LoadCertsFromFile loads certificates from a PEM, DER or PKCS#7 file.
func LoadCertsFromFile(filename string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filename, err)
	}
	certs, err := LoadCertsFromPemDerData(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return certs, nil
}

// LoadCertsFromFiles loads certificates from multiple files.
func LoadCertsFromFiles(filenames []string) ([]*x509.Certificate, error) {
	var all []*x509.Certificate
	for _, filename := range filenames {
		certs, err := LoadCertsFromFile(filename)
		if err != nil {
			return nil, err
		}
		all = append(all, certs...)
	}
	return all, nil
}

// LoadTrustStore reads the certificates of a PKCS#12 file. Trust stores
// holding only trusted-certificate bags are read as such; a key store
// yields its end-entity and CA certificates.
func LoadTrustStore(filename, password string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filename, err)
	}
	return DecodeTrustStore(data, password)
}

// DecodeTrustStore is LoadTrustStore for in-memory data.
func DecodeTrustStore(data []byte, password string) ([]*x509.Certificate, error) {
	certs, err := pkcs12.DecodeTrustStore(data, password)
	if err == nil && len(certs) > 0 {
		return certs, nil
	}
	_, cert, ca, cerr := pkcs12.DecodeChain(data, password)
	if cerr != nil {
		if err == nil {
			err = cerr
		}
		return nil, fmt.Errorf("%w: %v", ErrTrustStore, err)
	}
	return append([]*x509.Certificate{cert}, ca...), nil
}

// LoadTrustRoots loads every file in paths, choosing the decoder by
// extension: .p12 and .pfx are PKCS#12, anything else PEM/DER/PKCS#7.
func LoadTrustRoots(paths []string, password string) ([]*x509.Certificate, error) {
	var all []*x509.Certificate
	for _, p := range paths {
		var (
			certs []*x509.Certificate
			err   error
		)
		switch strings.ToLower(filepath.Ext(p)) {
		case ".p12", ".pfx":
			certs, err = LoadTrustStore(p, password)
		default:
			certs, err = LoadCertsFromFile(p)
		}
		if err != nil {
			return nil, err
		}
		all = append(all, certs...)
	}
	return all, nil
}

func isPEM(data []byte) bool {
	return len(data) > 10 && string(data[:5]) == "-----"
}

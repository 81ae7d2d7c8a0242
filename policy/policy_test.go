package policy

import (
	"crypto"
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultPolicyValidates(t *testing.T) {
	p := Default()
	if err := p.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if !p.Revocation.PreferOCSP {
		t.Error("default policy should prefer OCSP")
	}
	if p.Revocation.Missing != MissingRevocationFail {
		t.Errorf("Missing = %v, want fail", p.Revocation.Missing)
	}
}

func TestAlgorithmReliableAt(t *testing.T) {
	p := Default()
	tests := []struct {
		name string
		alg  string
		at   time.Time
		want bool
	}{
		{"sha256 never expires", HashName(crypto.SHA256), date(2040, 1, 1), true},
		{"sha1 before expiry", HashName(crypto.SHA1), date(2010, 1, 1), true},
		{"sha1 at expiry", HashName(crypto.SHA1), date(2012, time.August, 1), false},
		{"sha1 after expiry", SignatureAlgorithmName(x509.SHA1WithRSA), date(2020, 1, 1), false},
		{"rsa sha256", SignatureAlgorithmName(x509.SHA256WithRSA), date(2020, 1, 1), true},
		{"ecdsa sha256", SignatureAlgorithmName(x509.ECDSAWithSHA256), date(2020, 1, 1), true},
		{"unknown", "GOST", date(2020, 1, 1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := p.AlgorithmReliableAt(tt.alg, tt.at)
			if got != tt.want {
				t.Errorf("AlgorithmReliableAt(%s) = %v (%s), want %v", tt.alg, got, reason, tt.want)
			}
			if !got && reason == "" {
				t.Error("expected a reason for an unreliable algorithm")
			}
		})
	}
}

func TestLoadYAML(t *testing.T) {
	data := []byte(`
name: strict
max-chain-length: 4
revocation:
  max-age: 24h
  skew: 1m
  prefer-ocsp: false
  missing: poe
timestamp:
  required: true
  tolerance: 30s
algorithms:
  - name: sha-256
    expires: 2030-01-01
`)
	p, err := LoadYAML(data)
	if err != nil {
		t.Fatalf("LoadYAML() error = %v", err)
	}

	want := Default()
	want.Name = "strict"
	want.MaxChainLength = 4
	want.Revocation.MaxAge = 24 * time.Hour
	want.Revocation.Skew = time.Minute
	want.Revocation.PreferOCSP = false
	want.Revocation.Missing = MissingRevocationPOE
	want.Timestamp.Required = true
	want.Timestamp.Tolerance = 30 * time.Second
	want.SetAlgorithm(AlgorithmExpiry{Name: "SHA-256", Expires: date(2030, 1, 1)})

	if diff := cmp.Diff(want, p); diff != "" {
		t.Errorf("LoadYAML() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadYAMLErrors(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		field string
	}{
		{"bad duration", "revocation:\n  max-age: soon\n", "revocation.max-age"},
		{"bad missing mode", "revocation:\n  missing: maybe\n", "revocation.missing"},
		{"bad date", "algorithms:\n  - name: SHA-256\n    expires: tomorrow\n", "algorithms[0].expires"},
		{"zero chain", "max-chain-length: 0\n", "max-chain-length"},
		{"empty algorithms", "replace-algorithms: true\n", "algorithms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadYAML([]byte(tt.data))
			var pe *Error
			if !errors.As(err, &pe) {
				t.Fatalf("LoadYAML() error = %v, want *Error", err)
			}
			if pe.Field != tt.field {
				t.Errorf("Field = %q, want %q", pe.Field, tt.field)
			}
		})
	}
}

func TestLoadXML(t *testing.T) {
	data := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<ConstraintsParameters Name="xml-policy">
  <MaxChainLength>6</MaxChainLength>
  <Revocation MaxAge="168h" PreferOCSP="false" CheckTrustAnchor="true" Missing="ignore"/>
  <Timestamp Required="true" Tolerance="1m"/>
  <Cryptographic Replace="true">
    <Algorithm Name="SHA-256"/>
    <Algorithm Name="SHA256-RSA" Expires="2035-12-31"/>
  </Cryptographic>
</ConstraintsParameters>`)

	p, err := LoadXML(data)
	if err != nil {
		t.Fatalf("LoadXML() error = %v", err)
	}

	want := Default()
	want.Name = "xml-policy"
	want.MaxChainLength = 6
	want.Revocation.MaxAge = 168 * time.Hour
	want.Revocation.PreferOCSP = false
	want.Revocation.CheckTrustAnchor = true
	want.Revocation.Missing = MissingRevocationIgnore
	want.Timestamp.Required = true
	want.Timestamp.Tolerance = time.Minute
	want.Algorithms = map[string]AlgorithmExpiry{
		"SHA-256":    {Name: "SHA-256"},
		"SHA256-RSA": {Name: "SHA256-RSA", Expires: date(2035, time.December, 31)},
	}

	if diff := cmp.Diff(want, p); diff != "" {
		t.Errorf("LoadXML() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadXMLWrongRoot(t *testing.T) {
	_, err := LoadXML([]byte(`<Policy/>`))
	if !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("LoadXML() error = %v, want ErrInvalidPolicy", err)
	}
}

func TestLoadByExtension(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "policy.yml")
	if err := os.WriteFile(yamlPath, []byte("name: from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err := Load(yamlPath)
	if err != nil {
		t.Fatalf("Load(yaml) error = %v", err)
	}
	if p.Name != "from-file" {
		t.Errorf("Name = %q, want from-file", p.Name)
	}

	txtPath := filepath.Join(dir, "policy.txt")
	if err := os.WriteFile(txtPath, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(txtPath); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("Load(txt) error = %v, want ErrUnknownFormat", err)
	}

	badPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(badPath, []byte("max-chain-length: -1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err = Load(badPath)
	var pe *Error
	if !errors.As(err, &pe) || pe.Source != badPath {
		t.Errorf("Load(bad) error = %v, want *Error with Source %s", err, badPath)
	}
}

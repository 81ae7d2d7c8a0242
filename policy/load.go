package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"gopkg.in/yaml.v3"
)

// Load reads a policy file, choosing the format from its extension.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var p *Policy
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		p, err = LoadYAML(data)
	case ".xml":
		p, err = LoadXML(data)
	default:
		return nil, &Error{Source: path, Err: fmt.Errorf("%w: %s", ErrUnknownFormat, filepath.Ext(path))}
	}
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) && pe.Source == "" {
			pe.Source = path
		}
		return nil, err
	}
	return p, nil
}

type yamlPolicy struct {
	Name                            string `yaml:"name"`
	MaxChainLength                  *int   `yaml:"max-chain-length"`
	RequireSelfSignedAnchors        *bool  `yaml:"require-self-signed-anchors"`
	RequireSigningCertificateDigest *bool  `yaml:"require-signing-certificate-digest"`
	Revocation                      *struct {
		MaxAge           string `yaml:"max-age"`
		Skew             string `yaml:"skew"`
		PreferOCSP       *bool  `yaml:"prefer-ocsp"`
		CheckTrustAnchor *bool  `yaml:"check-trust-anchor"`
		Missing          string `yaml:"missing"`
	} `yaml:"revocation"`
	Timestamp *struct {
		Required          *bool  `yaml:"required"`
		Tolerance         string `yaml:"tolerance"`
		RequireRevocation *bool  `yaml:"require-revocation"`
	} `yaml:"timestamp"`
	// ReplaceAlgorithms drops the built-in algorithm list before applying Algorithms.
	ReplaceAlgorithms bool `yaml:"replace-algorithms"`
	Algorithms        []struct {
		Name    string `yaml:"name"`
		Expires string `yaml:"expires"`
	} `yaml:"algorithms"`
}

// LoadYAML parses a YAML policy. Unset fields keep their Default() values.
func LoadYAML(data []byte) (*Policy, error) {
	var raw yamlPolicy
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &Error{Err: fmt.Errorf("%w: %v", ErrInvalidPolicy, err)}
	}

	p := Default()
	if raw.Name != "" {
		p.Name = raw.Name
	}
	setInt(&p.MaxChainLength, raw.MaxChainLength)
	setBool(&p.RequireSelfSignedAnchors, raw.RequireSelfSignedAnchors)
	setBool(&p.RequireSigningCertificateDigest, raw.RequireSigningCertificateDigest)

	if r := raw.Revocation; r != nil {
		if err := setDuration(&p.Revocation.MaxAge, r.MaxAge, "revocation.max-age"); err != nil {
			return nil, err
		}
		if err := setDuration(&p.Revocation.Skew, r.Skew, "revocation.skew"); err != nil {
			return nil, err
		}
		setBool(&p.Revocation.PreferOCSP, r.PreferOCSP)
		setBool(&p.Revocation.CheckTrustAnchor, r.CheckTrustAnchor)
		if r.Missing != "" {
			m, err := ParseMissingRevocation(r.Missing)
			if err != nil {
				return nil, &Error{Field: "revocation.missing", Err: err}
			}
			p.Revocation.Missing = m
		}
	}

	if t := raw.Timestamp; t != nil {
		setBool(&p.Timestamp.Required, t.Required)
		setBool(&p.Timestamp.RequireRevocation, t.RequireRevocation)
		if err := setDuration(&p.Timestamp.Tolerance, t.Tolerance, "timestamp.tolerance"); err != nil {
			return nil, err
		}
	}

	if raw.ReplaceAlgorithms {
		p.Algorithms = make(map[string]AlgorithmExpiry)
	}
	for i, a := range raw.Algorithms {
		expires, err := parseDate(a.Expires)
		if err != nil {
			return nil, fieldError(fmt.Sprintf("algorithms[%d].expires", i), "%v", err)
		}
		if strings.TrimSpace(a.Name) == "" {
			return nil, fieldError(fmt.Sprintf("algorithms[%d].name", i), "required field is missing")
		}
		p.SetAlgorithm(AlgorithmExpiry{Name: a.Name, Expires: expires})
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadXML parses an XML constraint document of the form
//
//	<ConstraintsParameters Name="...">
//	  <MaxChainLength>10</MaxChainLength>
//	  <Revocation MaxAge="720h" Skew="5m" PreferOCSP="true" CheckTrustAnchor="false" Missing="fail"/>
//	  <Timestamp Required="false" Tolerance="5m" RequireRevocation="false"/>
//	  <Cryptographic Replace="false">
//	    <Algorithm Name="SHA-1" Expires="2012-08-01"/>
//	  </Cryptographic>
//	</ConstraintsParameters>
func LoadXML(data []byte) (*Policy, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, &Error{Err: fmt.Errorf("%w: %v", ErrInvalidPolicy, err)}
	}
	root := doc.SelectElement("ConstraintsParameters")
	if root == nil {
		return nil, fieldError("ConstraintsParameters", "root element not found")
	}

	p := Default()
	if name := root.SelectAttrValue("Name", ""); name != "" {
		p.Name = name
	}
	if el := root.SelectElement("MaxChainLength"); el != nil {
		n, err := strconv.Atoi(strings.TrimSpace(el.Text()))
		if err != nil {
			return nil, fieldError("MaxChainLength", "%v", err)
		}
		p.MaxChainLength = n
	}
	if el := root.SelectElement("RequireSelfSignedAnchors"); el != nil {
		p.RequireSelfSignedAnchors = strings.TrimSpace(el.Text()) == "true"
	}
	if el := root.SelectElement("RequireSigningCertificateDigest"); el != nil {
		p.RequireSigningCertificateDigest = strings.TrimSpace(el.Text()) == "true"
	}

	if el := root.SelectElement("Revocation"); el != nil {
		if err := setDuration(&p.Revocation.MaxAge, el.SelectAttrValue("MaxAge", ""), "Revocation@MaxAge"); err != nil {
			return nil, err
		}
		if err := setDuration(&p.Revocation.Skew, el.SelectAttrValue("Skew", ""), "Revocation@Skew"); err != nil {
			return nil, err
		}
		if err := setBoolAttr(&p.Revocation.PreferOCSP, el, "PreferOCSP"); err != nil {
			return nil, err
		}
		if err := setBoolAttr(&p.Revocation.CheckTrustAnchor, el, "CheckTrustAnchor"); err != nil {
			return nil, err
		}
		if v := el.SelectAttrValue("Missing", ""); v != "" {
			m, err := ParseMissingRevocation(v)
			if err != nil {
				return nil, &Error{Field: "Revocation@Missing", Err: err}
			}
			p.Revocation.Missing = m
		}
	}

	if el := root.SelectElement("Timestamp"); el != nil {
		if err := setBoolAttr(&p.Timestamp.Required, el, "Required"); err != nil {
			return nil, err
		}
		if err := setBoolAttr(&p.Timestamp.RequireRevocation, el, "RequireRevocation"); err != nil {
			return nil, err
		}
		if err := setDuration(&p.Timestamp.Tolerance, el.SelectAttrValue("Tolerance", ""), "Timestamp@Tolerance"); err != nil {
			return nil, err
		}
	}

	if crypt := root.SelectElement("Cryptographic"); crypt != nil {
		if crypt.SelectAttrValue("Replace", "false") == "true" {
			p.Algorithms = make(map[string]AlgorithmExpiry)
		}
		for i, el := range crypt.SelectElements("Algorithm") {
			name := el.SelectAttrValue("Name", "")
			if name == "" {
				return nil, fieldError(fmt.Sprintf("Algorithm[%d]@Name", i), "required attribute is missing")
			}
			expires, err := parseDate(el.SelectAttrValue("Expires", ""))
			if err != nil {
				return nil, fieldError(fmt.Sprintf("Algorithm[%d]@Expires", i), "%v", err)
			}
			p.SetAlgorithm(AlgorithmExpiry{Name: name, Expires: expires})
		}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setBoolAttr(dst *bool, el *etree.Element, attr string) error {
	v := el.SelectAttrValue(attr, "")
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fieldError(el.Tag+"@"+attr, "%v", err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, v, field string) error {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fieldError(field, "%v", err)
	}
	*dst = d
	return nil
}

func parseDate(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", v)
	}
	return t.UTC(), nil
}

package certvalidator

import (
	"crypto/x509/pkix"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// CanonicalName renders a distinguished name for comparison.
// Attribute values are NFKC-normalised, case folded and whitespace collapsed
// so that two encodings of the same name compare equal.
func CanonicalName(name pkix.Name) string {
	atvs := name.Names
	if len(atvs) == 0 {
		for _, rdn := range name.ToRDNSequence() {
			atvs = append(atvs, rdn...)
		}
	}

	parts := make([]string, 0, len(atvs))
	for _, atv := range atvs {
		parts = append(parts, atv.Type.String()+"="+normalizeValue(atv.Value))
	}
	return strings.Join(parts, ",")
}

func normalizeValue(value any) string {
	s, ok := value.(string)
	if !ok {
		return fmt.Sprint(value)
	}
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// NamesEqual compares two names after canonicalisation.
func NamesEqual(a, b pkix.Name) bool {
	return CanonicalName(a) == CanonicalName(b)
}

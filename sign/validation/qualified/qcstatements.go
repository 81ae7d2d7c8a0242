package qualified

import (
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
)

var ErrQCStatementNotFound = errors.New("QC statement not found")

// QC Statement OIDs from ETSI EN 319 412-5
var (
	OIDQcStatements    = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 3}
	OIDQcCompliance    = asn1.ObjectIdentifier{0, 4, 0, 1862, 1, 1}
	OIDQcLimitValue    = asn1.ObjectIdentifier{0, 4, 0, 1862, 1, 2}
	OIDQcRetention     = asn1.ObjectIdentifier{0, 4, 0, 1862, 1, 3}
	OIDQcSSCD          = asn1.ObjectIdentifier{0, 4, 0, 1862, 1, 4}
	OIDQcPDS           = asn1.ObjectIdentifier{0, 4, 0, 1862, 1, 5}
	OIDQcType          = asn1.ObjectIdentifier{0, 4, 0, 1862, 1, 6}
	OIDQcCCLegislation = asn1.ObjectIdentifier{0, 4, 0, 1862, 1, 7}

	OIDQcTypeEsign = asn1.ObjectIdentifier{0, 4, 0, 1862, 1, 6, 1}
	OIDQcTypeEseal = asn1.ObjectIdentifier{0, 4, 0, 1862, 1, 6, 2}
	OIDQcTypeWeb   = asn1.ObjectIdentifier{0, 4, 0, 1862, 1, 6, 3}
)

// QCStatement is one entry of the qcStatements extension.
type QCStatement struct {
	OID asn1.ObjectIdentifier
	// Info is the raw statementInfo, if any.
	Info asn1.RawValue
}

// QCStatements is the decoded qcStatements extension.
type QCStatements []QCStatement

// ParseQCStatements decodes the qcStatements extension of cert.
func ParseQCStatements(cert *x509.Certificate) (QCStatements, error) {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(OIDQcStatements) {
			return parseQCStatementsExtension(ext.Value)
		}
	}
	return nil, ErrQCStatementNotFound
}

func parseQCStatementsExtension(data []byte) (QCStatements, error) {
	var raw []asn1.RawValue
	if _, err := asn1.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse QC statements: %w", err)
	}
	var out QCStatements
	for _, r := range raw {
		var seq struct {
			OID  asn1.ObjectIdentifier
			Info asn1.RawValue `asn1:"optional"`
		}
		if _, err := asn1.Unmarshal(r.FullBytes, &seq); err != nil {
			return nil, fmt.Errorf("failed to parse QC statement: %w", err)
		}
		out = append(out, QCStatement{OID: seq.OID, Info: seq.Info})
	}
	return out, nil
}

// Has reports whether the statement is present.
func (s QCStatements) Has(oid asn1.ObjectIdentifier) bool {
	for _, stmt := range s {
		if stmt.OID.Equal(oid) {
			return true
		}
	}
	return false
}

// Compliant reports QcCompliance.
func (s QCStatements) Compliant() bool { return s.Has(OIDQcCompliance) }

// QSCD reports QcSSCD.
func (s QCStatements) QSCD() bool { return s.Has(OIDQcSSCD) }

// Types returns the QcType values.
func (s QCStatements) Types() []asn1.ObjectIdentifier {
	for _, stmt := range s {
		if !stmt.OID.Equal(OIDQcType) || len(stmt.Info.FullBytes) == 0 {
			continue
		}
		var types []asn1.ObjectIdentifier
		if _, err := asn1.Unmarshal(stmt.Info.FullBytes, &types); err == nil {
			return types
		}
	}
	return nil
}

// MarshalQCStatements encodes statements as a qcStatements extension value.
// Test fixtures and tooling use it to build qualified certificates.
func MarshalQCStatements(stmts ...QCStatement) ([]byte, error) {
	type stmt struct {
		OID  asn1.ObjectIdentifier
		Info asn1.RawValue `asn1:"optional"`
	}
	seq := make([]stmt, 0, len(stmts))
	for _, s := range stmts {
		seq = append(seq, stmt{OID: s.OID, Info: s.Info})
	}
	return asn1.Marshal(seq)
}

// QcTypeStatement builds a QcType statement with the given types.
func QcTypeStatement(types ...asn1.ObjectIdentifier) (QCStatement, error) {
	der, err := asn1.Marshal(types)
	if err != nil {
		return QCStatement{}, err
	}
	return QCStatement{OID: OIDQcType, Info: asn1.RawValue{FullBytes: der}}, nil
}

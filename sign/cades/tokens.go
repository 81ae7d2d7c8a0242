package cades

import (
	"encoding/asn1"
	"fmt"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"

	"github.com/georgepadayatti/etsival/sign/validation"
)

// ParseTimestampToken decodes an RFC 3161 TimeStampToken. The token's CMS
// signature is checked with the TSA certificate it embeds; a failed check
// is reported in SignatureError rather than as an error.
func ParseTimestampToken(typ validation.TimestampType, der, covered []byte) (*validation.TimestampToken, error) {
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTimestamp, err)
	}
	tok := &validation.TimestampToken{
		Type:         typ,
		Raw:          der,
		Certificates: p7.Certificates,
		Signer:       p7.GetOnlySigner(),
		CoveredData:  covered,
	}

	ts, err := timestamp.Parse(der)
	if err == nil {
		tok.HashAlgorithm = ts.HashAlgorithm
		tok.MessageImprint = ts.HashedMessage
		tok.GenerationTime = ts.Time
		return tok, nil
	}

	var info tstInfo
	if _, ierr := asn1.Unmarshal(p7.Content, &info); ierr != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTimestamp, err)
	}
	tok.SignatureError = err
	tok.HashAlgorithm = HashFromOID(info.MessageImprint.HashAlgorithm.Algorithm)
	tok.MessageImprint = info.MessageImprint.HashedMessage
	tok.GenerationTime = info.GenTime
	return tok, nil
}

func (p *parser) tokens(typ validation.TimestampType, a *attribute, covered []byte) error {
	vals, err := a.values()
	if err != nil {
		return err
	}
	for _, v := range vals {
		tok, err := ParseTimestampToken(typ, v, covered)
		if err != nil {
			return err
		}
		p.sig.timestamps = append(p.sig.timestamps, tok)
	}
	return nil
}

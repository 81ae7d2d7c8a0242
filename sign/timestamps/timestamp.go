// Package timestamps obtains RFC 3161 timestamp tokens.
package timestamps

import (
	"context"
	"crypto"
	"crypto/rand"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"

	"github.com/containerd/log"
	"github.com/digitorus/timestamp"

	"github.com/georgepadayatti/etsival/certvalidator/fetchers"
)

// Common errors
var (
	ErrTimestampFailed   = errors.New("timestamp request failed")
	ErrTimestampMismatch = errors.New("timestamp does not match the request")
)

// Authority issues timestamp tokens over a digest.
type Authority interface {
	Timestamp(ctx context.Context, h crypto.Hash, digest []byte) (*timestamp.Timestamp, error)
}

// HTTPAuthority talks to a TSA over HTTP.
type HTTPAuthority struct {
	URL string
	// Policy requests a TSA policy when set.
	Policy asn1.ObjectIdentifier
	// NoNonce omits the request nonce.
	NoNonce bool

	fetcher *fetchers.Fetcher
	retry   *fetchers.RetryConfig
}

// NewHTTPAuthority creates a TSA client. A nil fetcher uses an uncached
// default one.
func NewHTTPAuthority(url string, fetcher *fetchers.Fetcher, retry *fetchers.RetryConfig) (*HTTPAuthority, error) {
	if fetcher == nil {
		var err error
		if fetcher, err = fetchers.NewFetcher(nil); err != nil {
			return nil, err
		}
	}
	return &HTTPAuthority{URL: url, fetcher: fetcher, retry: retry}, nil
}

// Timestamp implements Authority.
func (a *HTTPAuthority) Timestamp(ctx context.Context, h crypto.Hash, digest []byte) (*timestamp.Timestamp, error) {
	req := &timestamp.Request{
		HashAlgorithm: h,
		HashedMessage: digest,
		Certificates:  true,
	}
	if len(a.Policy) > 0 {
		req.TSAPolicyOID = a.Policy
	}
	if !a.NoNonce {
		nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
		if err != nil {
			return nil, err
		}
		req.Nonce = nonce
	}
	body, err := req.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimestampFailed, err)
	}

	resp, res := fetchers.Retry(ctx, a.retry, func(ctx context.Context) ([]byte, error) {
		return a.fetcher.Post(ctx, a.URL, "application/timestamp-query", body)
	})
	if err := res.Err(); err != nil {
		log.G(ctx).WithError(err).WithField("url", a.URL).Warn("timestamp authority unreachable")
		return nil, fmt.Errorf("%w: %w", ErrTimestampFailed, err)
	}

	ts, err := timestamp.ParseResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimestampFailed, err)
	}
	if err := checkResponse(req, ts); err != nil {
		return nil, err
	}
	log.G(ctx).WithField("url", a.URL).Debugf("timestamp issued at %s", ts.Time)
	return ts, nil
}

func checkResponse(req *timestamp.Request, ts *timestamp.Timestamp) error {
	if ts.HashAlgorithm != req.HashAlgorithm || string(ts.HashedMessage) != string(req.HashedMessage) {
		return fmt.Errorf("%w: message imprint", ErrTimestampMismatch)
	}
	if req.Nonce != nil && (ts.Nonce == nil || ts.Nonce.Cmp(req.Nonce) != 0) {
		return fmt.Errorf("%w: nonce", ErrTimestampMismatch)
	}
	return nil
}

// TimestampData hashes data with h and timestamps the digest.
func TimestampData(ctx context.Context, a Authority, h crypto.Hash, data []byte) (*timestamp.Timestamp, error) {
	if !h.Available() {
		return nil, fmt.Errorf("%w: hash %v unavailable", ErrTimestampFailed, h)
	}
	hh := h.New()
	hh.Write(data)
	return a.Timestamp(ctx, h, hh.Sum(nil))
}

// Package fetchers retrieves CRLs, OCSP responses and issuer certificates
// over HTTP for online validation.
package fetchers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/containerd/log"
	"golang.org/x/crypto/ocsp"

	"github.com/georgepadayatti/etsival/certvalidator"
	"github.com/georgepadayatti/etsival/certvalidator/revinfo"
	"github.com/georgepadayatti/etsival/certvalidator/source"
)

// Common errors
var (
	ErrFetchFailed          = errors.New("fetch failed")
	ErrCertParseFailed      = errors.New("certificate parse failed")
	ErrNoDistributionPoints = errors.New("no CRL distribution points")
	ErrNoOCSPServers        = errors.New("no OCSP servers")
	ErrNoIssuerURLs         = errors.New("no issuer URLs")
)

// FetchError records a URL that could not be fetched.
type FetchError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s (%d attempts): %v", e.URL, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Config configures the fetcher behavior.
type Config struct {
	// MaxResponseSize caps response bodies in bytes.
	MaxResponseSize int64
	// UserAgent is sent with every request.
	UserAgent string
	// CacheTTL is how long successful responses stay cached.
	CacheTTL time.Duration
	// Retry configures backoff. Nil uses DefaultRetryConfig.
	Retry *RetryConfig
	// HTTPClient is used for all requests. Nil builds one with NewHTTPClient.
	HTTPClient *http.Client
	// Cache stores responses. Nil disables caching.
	Cache Cache
}

// DefaultConfig returns the default fetcher configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxResponseSize: 10 * 1024 * 1024,
		UserAgent:       "etsival/1.0",
		CacheTTL:        time.Hour,
		Retry:           DefaultRetryConfig(),
	}
}

// Fetcher performs cached HTTP requests with retries.
type Fetcher struct {
	config *Config
	client *http.Client
}

// NewFetcher creates a new fetcher.
func NewFetcher(config *Config) (*Fetcher, error) {
	if config == nil {
		config = DefaultConfig()
	}
	client := config.HTTPClient
	if client == nil {
		var err error
		client, err = NewHTTPClient(nil)
		if err != nil {
			return nil, err
		}
	}
	if config.MaxResponseSize <= 0 {
		config.MaxResponseSize = DefaultConfig().MaxResponseSize
	}
	return &Fetcher{config: config, client: client}, nil
}

// Fetch performs a GET request.
func (f *Fetcher) Fetch(ctx context.Context, urlStr string) ([]byte, error) {
	return f.do(ctx, http.MethodGet, urlStr, "", nil, urlStr)
}

// Post performs a POST request. Responses are cached by a digest of the body.
func (f *Fetcher) Post(ctx context.Context, urlStr, contentType string, body []byte) ([]byte, error) {
	sum := sha256.Sum256(body)
	return f.do(ctx, http.MethodPost, urlStr, contentType, body, urlStr+"#"+hex.EncodeToString(sum[:]))
}

func (f *Fetcher) do(ctx context.Context, method, urlStr, contentType string, body []byte, cacheKey string) ([]byte, error) {
	if f.config.Cache != nil {
		data, ok, err := f.config.Cache.Get(ctx, cacheKey)
		if err != nil {
			log.G(ctx).WithError(err).Warn("response cache unavailable")
		} else if ok {
			return data, nil
		}
	}

	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid URL: %v", ErrFetchFailed, err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme: %s", ErrFetchFailed, parsedURL.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%w: HTTP %d", ErrFetchFailed, resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, permanent(err)
		}
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	if f.config.Cache != nil {
		if err := f.config.Cache.Set(ctx, cacheKey, data, f.config.CacheTTL); err != nil {
			log.G(ctx).WithError(err).Warn("failed to cache response")
		}
	}
	return data, nil
}

// OnlineSource implements revinfo.Source by querying the CRL distribution
// points and OCSP responders named in certificates.
type OnlineSource struct {
	fetcher *Fetcher
}

var _ revinfo.Source = (*OnlineSource)(nil)

// NewOnlineSource creates an online revocation source.
func NewOnlineSource(fetcher *Fetcher) *OnlineSource {
	return &OnlineSource{fetcher: fetcher}
}

// FindCRL downloads the CRLs published for cert.
func (s *OnlineSource) FindCRL(ctx context.Context, cert, _ *x509.Certificate) ([]*revinfo.Token, error) {
	if len(cert.CRLDistributionPoints) == 0 {
		return nil, ErrNoDistributionPoints
	}
	tokens, err := RetryEachURL(ctx, s.fetcher.config.Retry, cert.CRLDistributionPoints,
		func(ctx context.Context, u string) (*revinfo.Token, error) {
			data, err := s.fetcher.Fetch(ctx, u)
			if err != nil {
				return nil, err
			}
			tok, err := revinfo.ParseCRL(data, source.Online)
			if err != nil {
				return nil, permanent(err)
			}
			return tok, nil
		})
	if err != nil {
		log.G(ctx).WithError(err).WithField("subject", cert.Subject.String()).Warn("CRL download failed")
	}
	if len(tokens) > 0 {
		return tokens, nil
	}
	return nil, err
}

// FindOCSP queries the OCSP responders listed for cert.
func (s *OnlineSource) FindOCSP(ctx context.Context, cert, issuer *x509.Certificate) ([]*revinfo.Token, error) {
	if len(cert.OCSPServer) == 0 {
		return nil, ErrNoOCSPServers
	}
	if issuer == nil {
		return nil, fmt.Errorf("OCSP request for %s requires the issuer", cert.Subject)
	}
	req, err := ocsp.CreateRequest(cert, issuer, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create OCSP request: %w", err)
	}

	tokens, err := RetryEachURL(ctx, s.fetcher.config.Retry, cert.OCSPServer,
		func(ctx context.Context, u string) (*revinfo.Token, error) {
			data, err := s.fetcher.Post(ctx, u, "application/ocsp-request", req)
			if err != nil {
				return nil, err
			}
			tok, err := revinfo.ParseOCSP(data, source.Online)
			if err != nil {
				return nil, permanent(err)
			}
			return tok, nil
		})
	if err != nil {
		log.G(ctx).WithError(err).WithField("subject", cert.Subject.String()).Warn("OCSP query failed")
	}
	if len(tokens) > 0 {
		return tokens, nil
	}
	return nil, err
}

// IssuerFetcher follows AIA caIssuers URLs.
type IssuerFetcher struct {
	fetcher *Fetcher
}

var _ certvalidator.IssuerFetcher = (*IssuerFetcher)(nil)

// NewIssuerFetcher creates an AIA issuer fetcher.
func NewIssuerFetcher(fetcher *Fetcher) *IssuerFetcher {
	return &IssuerFetcher{fetcher: fetcher}
}

// FetchIssuers downloads every certificate published at cert's caIssuers URLs.
func (f *IssuerFetcher) FetchIssuers(ctx context.Context, cert *x509.Certificate) ([]*x509.Certificate, error) {
	if len(cert.IssuingCertificateURL) == 0 {
		return nil, ErrNoIssuerURLs
	}
	batches, err := RetryEachURL(ctx, f.fetcher.config.Retry, cert.IssuingCertificateURL,
		func(ctx context.Context, u string) ([]*x509.Certificate, error) {
			data, err := f.fetcher.Fetch(ctx, u)
			if err != nil {
				return nil, err
			}
			certs, err := ParseCertificates(data)
			if err != nil {
				return nil, permanent(err)
			}
			return certs, nil
		})
	var out []*x509.Certificate
	for _, b := range batches {
		out = append(out, b...)
	}
	if len(out) == 0 && err != nil {
		return nil, err
	}
	return out, nil
}

// ParseCertificates accepts a DER certificate or a PEM bundle.
func ParseCertificates(data []byte) ([]*x509.Certificate, error) {
	if cert, err := x509.ParseCertificate(data); err == nil {
		return []*x509.Certificate{cert}, nil
	}

	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCertParseFailed, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, ErrCertParseFailed
	}
	return certs, nil
}

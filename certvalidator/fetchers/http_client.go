package fetchers

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// HTTPClientConfig configures the HTTP client shared by the OCSP, CRL,
// AIA and TSA clients.
type HTTPClientConfig struct {
	// Timeout is the overall request timeout.
	Timeout time.Duration

	// ProxyURL overrides the proxy from the environment.
	ProxyURL string

	// MinTLSVersion defaults to TLS 1.2.
	MinTLSVersion uint16

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration
}

// DefaultHTTPClientConfig returns the default configuration.
func DefaultHTTPClientConfig() *HTTPClientConfig {
	return &HTTPClientConfig{
		Timeout:       30 * time.Second,
		MinTLSVersion: tls.VersionTLS12,
		DialTimeout:   10 * time.Second,
	}
}

// NewHTTPClient creates an HTTP client with the specified configuration.
func NewHTTPClient(config *HTTPClientConfig) (*http.Client, error) {
	if config == nil {
		config = DefaultHTTPClientConfig()
	}
	minTLS := config.MinTLSVersion
	if minTLS == 0 {
		minTLS = tls.VersionTLS12
	}

	dialer := &net.Dialer{Timeout: config.DialTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{MinVersion: minTLS},
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if config.ProxyURL != "" {
		proxyURL, err := url.Parse(config.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{Transport: transport, Timeout: config.Timeout}, nil
}

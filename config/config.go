// Package config loads the YAML application configuration of etsival.
package config

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/containerd/log"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/georgepadayatti/etsival/certvalidator/fetchers"
	"github.com/georgepadayatti/etsival/keys"
	"github.com/georgepadayatti/etsival/policy"
)

// Common errors
var (
	ErrConfigurationError = errors.New("configuration error")
)

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrConfigurationError
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (trace, debug, info, warn, error).
	Level string `yaml:"level" json:"level,omitempty"`

	// Format is the log format (text, json).
	Format string `yaml:"format" json:"format,omitempty"`

	// Output is the log output (stdout, stderr, or file path).
	Output string `yaml:"output" json:"output,omitempty"`
}

// SetDefaults sets default values for logging configuration.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
}

// Validate checks the level and format names.
func (c *LoggingConfig) Validate() error {
	if _, err := logrus.ParseLevel(c.Level); err != nil {
		return &ConfigError{Field: "logging.level", Message: fmt.Sprintf("unknown level %q", c.Level), Err: err}
	}
	switch c.Format {
	case "text", "json":
	default:
		return NewConfigError("logging.format", fmt.Sprintf("unknown format %q", c.Format))
	}
	return nil
}

// Apply configures the global logger.
func (c *LoggingConfig) Apply() error {
	if err := log.SetLevel(c.Level); err != nil {
		return &ConfigError{Field: "logging.level", Message: err.Error(), Err: err}
	}
	format := log.TextFormat
	if c.Format == "json" {
		format = log.JSONFormat
	}
	if err := log.SetFormat(format); err != nil {
		return &ConfigError{Field: "logging.format", Message: err.Error(), Err: err}
	}

	var out io.Writer
	switch c.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(c.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return &ConfigError{Field: "logging.output", Message: err.Error(), Err: err}
		}
		out = f
	}
	log.L.Logger.SetOutput(out)
	return nil
}

// TrustStoreConfig names a PKCS#12 trust store.
type TrustStoreConfig struct {
	Path     string `yaml:"path" json:"path"`
	Password string `yaml:"password" json:"password,omitempty"`
}

// ValidationConfig contains validation configuration.
type ValidationConfig struct {
	// Policy is a YAML or XML constraint policy file. Empty uses the
	// built-in default policy.
	Policy string `yaml:"policy" json:"policy,omitempty"`

	// TrustAnchors contains paths to PEM/DER trust anchor files.
	TrustAnchors []string `yaml:"trust-anchors" json:"trust_anchors,omitempty"`

	// TrustStores contains PKCS#12 trust stores.
	TrustStores []TrustStoreConfig `yaml:"trust-stores" json:"trust_stores,omitempty"`

	// OtherCerts contains paths to untrusted intermediate certificates.
	OtherCerts []string `yaml:"other-certs" json:"other_certs,omitempty"`

	// ValidationTime overrides the current time (RFC 3339).
	ValidationTime string `yaml:"validation-time" json:"validation_time,omitempty"`
}

// Validate checks the validation time format.
func (c *ValidationConfig) Validate() error {
	if _, _, err := c.Time(); err != nil {
		return err
	}
	for i, ts := range c.TrustStores {
		if ts.Path == "" {
			return NewConfigError(fmt.Sprintf("validation.trust-stores[%d].path", i), "required field is missing")
		}
	}
	return nil
}

// Time returns the configured validation time, if any.
func (c *ValidationConfig) Time() (time.Time, bool, error) {
	if c.ValidationTime == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339, c.ValidationTime)
	if err != nil {
		return time.Time{}, false, &ConfigError{Field: "validation.validation-time", Message: "not an RFC 3339 time", Err: err}
	}
	return t, true, nil
}

// LoadPolicy loads the configured constraint policy.
func (c *ValidationConfig) LoadPolicy() (*policy.Policy, error) {
	if c.Policy == "" {
		return policy.Default(), nil
	}
	return policy.Load(c.Policy)
}

// LoadTrustAnchors loads every configured trust anchor and trust store.
func (c *ValidationConfig) LoadTrustAnchors() ([]*x509.Certificate, error) {
	certs, err := keys.LoadCertsFromFiles(c.TrustAnchors)
	if err != nil {
		return nil, err
	}
	for _, ts := range c.TrustStores {
		store, err := keys.LoadTrustStore(ts.Path, ts.Password)
		if err != nil {
			return nil, err
		}
		certs = append(certs, store...)
	}
	return certs, nil
}

// LoadOtherCerts loads the configured intermediate certificates.
func (c *ValidationConfig) LoadOtherCerts() ([]*x509.Certificate, error) {
	return keys.LoadCertsFromFiles(c.OtherCerts)
}

// RevocationConfig controls online revocation and issuer fetching.
type RevocationConfig struct {
	// Online enables fetching CRLs, OCSP responses and AIA issuers.
	Online bool `yaml:"online" json:"online"`

	// Timeout bounds each HTTP request.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`

	// Retries is the number of attempts per URL.
	Retries int `yaml:"retries" json:"retries,omitempty"`
}

// SetDefaults sets default timeout and retries.
func (c *RevocationConfig) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Retries == 0 {
		c.Retries = fetchers.DefaultRetryConfig().MaxAttempts
	}
}

// Validate rejects negative values.
func (c *RevocationConfig) Validate() error {
	if c.Timeout < 0 {
		return NewConfigError("revocation.timeout", "must not be negative")
	}
	if c.Retries < 0 {
		return NewConfigError("revocation.retries", "must not be negative")
	}
	return nil
}

// Cache types
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheNone   = "none"
)

// CacheConfig selects the response cache of the fetchers.
type CacheConfig struct {
	Type     string        `yaml:"type" json:"type,omitempty"`
	Address  string        `yaml:"address" json:"address,omitempty"`
	Password string        `yaml:"password" json:"password,omitempty"`
	DB       int           `yaml:"db" json:"db,omitempty"`
	TTL      time.Duration `yaml:"ttl" json:"ttl,omitempty"`
}

// SetDefaults uses an in-memory cache with a one hour TTL.
func (c *CacheConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = CacheMemory
	}
	if c.TTL == 0 {
		c.TTL = fetchers.DefaultConfig().CacheTTL
	}
}

// Validate checks the cache type and redis address.
func (c *CacheConfig) Validate() error {
	switch c.Type {
	case CacheMemory, CacheNone:
	case CacheRedis:
		if c.Address == "" {
			return NewConfigError("cache.address", "required for redis cache")
		}
	default:
		return NewConfigError("cache.type", fmt.Sprintf("unknown cache type %q", c.Type))
	}
	if c.TTL < 0 {
		return NewConfigError("cache.ttl", "must not be negative")
	}
	return nil
}

// NewCache builds the configured cache. It returns nil for "none".
func (c *CacheConfig) NewCache(clock clockwork.Clock) (fetchers.Cache, error) {
	switch c.Type {
	case CacheNone:
		return nil, nil
	case CacheRedis:
		return fetchers.NewRedisCache(c.Address, c.Password, c.DB)
	default:
		return fetchers.NewMemoryCache(clock), nil
	}
}

// TimestampConfig contains timestamp service configuration.
type TimestampConfig struct {
	// URL is the timestamp service URL.
	URL string `yaml:"url" json:"url"`

	// Hash is the digest algorithm for requests (sha256, sha384, sha512).
	Hash string `yaml:"hash" json:"hash,omitempty"`

	// Timeout bounds the request.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// Validate checks the hash name.
func (c *TimestampConfig) Validate() error {
	switch strings.ToLower(c.Hash) {
	case "", "sha256", "sha384", "sha512":
		return nil
	}
	return NewConfigError("timestamp.hash", fmt.Sprintf("unsupported hash %q", c.Hash))
}

// AppConfig contains the complete application configuration.
type AppConfig struct {
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	Validation ValidationConfig `yaml:"validation" json:"validation"`
	Revocation RevocationConfig `yaml:"revocation" json:"revocation"`
	Cache      CacheConfig      `yaml:"cache" json:"cache"`
	Timestamp  TimestampConfig  `yaml:"timestamp" json:"timestamp"`
}

// SetDefaults fills in every unset value.
func (c *AppConfig) SetDefaults() {
	c.Logging.SetDefaults()
	c.Revocation.SetDefaults()
	c.Cache.SetDefaults()
}

// Validate validates every section.
func (c *AppConfig) Validate() error {
	for _, v := range []interface{ Validate() error }{
		&c.Logging, &c.Validation, &c.Revocation, &c.Cache, &c.Timestamp,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// FetcherConfig returns the fetcher settings for this configuration.
func (c *AppConfig) FetcherConfig(cache fetchers.Cache) (*fetchers.Config, error) {
	client, err := fetchers.NewHTTPClient(&fetchers.HTTPClientConfig{
		Timeout:     c.Revocation.Timeout,
		DialTimeout: fetchers.DefaultHTTPClientConfig().DialTimeout,
	})
	if err != nil {
		return nil, err
	}
	fc := fetchers.DefaultConfig()
	fc.HTTPClient = client
	fc.Cache = cache
	fc.CacheTTL = c.Cache.TTL
	fc.Retry.MaxAttempts = c.Revocation.Retries
	return fc, nil
}

// DefaultAppConfig returns a configuration with every default applied.
func DefaultAppConfig() *AppConfig {
	c := &AppConfig{}
	c.SetDefaults()
	return c
}

// LoadAppConfig loads the complete application configuration from a file.
func LoadAppConfig(filename string) (*AppConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, &ConfigError{Message: "failed to read config file", Err: err}
	}
	return LoadAppConfigFromBytes(data)
}

// LoadAppConfigFromBytes parses, defaults and validates YAML data.
func LoadAppConfigFromBytes(data []byte) (*AppConfig, error) {
	var config AppConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return nil, &ConfigError{Message: fmt.Sprintf("failed to parse config: %v", err), Err: err}
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

package domain

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values.
const (
	DefaultBaseURL          = "https://hapi.fhir.org/baseR4"
	DefaultHost             = "0.0.0.0"
	DefaultPort             = 8004
	DefaultTransport        = "http"
	DefaultRequestTimeout   = 30 * time.Second
	DefaultUpstreamTimeout  = 20 * time.Second
	DefaultCapabilityTTL    = 5 * time.Minute
	DefaultBranchTimeout    = 10 * time.Second
	DefaultWorkers          = 5
	DefaultObservationCount = 20
	DefaultEncounterCount   = 10
	DefaultSearchCount      = 50
	DefaultMaxSearchCount   = 500
	DefaultMaxPages         = 5
	DefaultRetryAttempts    = 3
	DefaultRetryInitial     = 200 * time.Millisecond
	DefaultRetryMax         = 2 * time.Second
	DefaultTokenSkew        = 30 * time.Second
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FHIR_MCP_"

// Config represents the server configuration.
// It is loaded from an optional YAML file, then environment overrides, then defaults.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	FHIR        FHIRConfig        `yaml:"fhir"`
	Search      SearchConfig      `yaml:"search"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Audit       AuditConfig       `yaml:"audit"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig defines the inbound transport settings.
type ServerConfig struct {
	Transport      string   `yaml:"transport"` // "http" or "stdio"
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	RequestTimeout Duration `yaml:"request_timeout"`
	CapabilityTTL  Duration `yaml:"capability_ttl"`
	CORSOrigins    []string `yaml:"cors_origins"`
}

// FHIRConfig defines the upstream clinical data server.
type FHIRConfig struct {
	BaseURL  string      `yaml:"base_url"`
	Timeout  Duration    `yaml:"timeout"`
	MaxPages int         `yaml:"max_pages"`
	Auth     AuthConfig  `yaml:"auth"`
	Retry    RetryConfig `yaml:"retry"`
}

// AuthConfig defines how requests to the upstream are authenticated.
type AuthConfig struct {
	Type         string   `yaml:"type"` // none, token, token_file, client_credentials
	Token        string   `yaml:"token,omitempty"`
	TokenFile    string   `yaml:"token_file,omitempty"`
	ClientID     string   `yaml:"client_id,omitempty"`
	ClientSecret string   `yaml:"client_secret,omitempty"`
	TokenURL     string   `yaml:"token_url,omitempty"`
	Scope        string   `yaml:"scope,omitempty"`
	ExpirySkew   Duration `yaml:"expiry_skew,omitempty"`
}

// RetryConfig bounds retries of transient upstream failures.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	Initial     Duration `yaml:"initial_backoff"`
	Max         Duration `yaml:"max_backoff"`
}

// SearchConfig restricts and sizes the search and read tools.
type SearchConfig struct {
	AllowedResourceTypes []string `yaml:"allowed_resource_types"`
	DefaultCount         int      `yaml:"default_count"`
	MaxCount             int      `yaml:"max_count"`
}

// AggregationConfig tunes the comprehensive patient record fan-out.
type AggregationConfig struct {
	Workers                 int      `yaml:"workers"`
	BranchTimeout           Duration `yaml:"branch_timeout"`
	ObservationCount        int      `yaml:"observation_count"`
	EncounterCount          int      `yaml:"encounter_count"`
	FailWhenAllBranchesFail bool     `yaml:"fail_when_all_branches_fail"`
}

// AuditConfig enables the invocation audit trail. An empty DBPath disables it.
type AuditConfig struct {
	DBPath string `yaml:"db_path"`
}

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// AuthType defines supported authentication methods.
type AuthType int

const (
	// NoAuth sends no Authorization header
	NoAuth AuthType = iota
	// TokenAuth uses a static bearer token
	TokenAuth
	// TokenFileAuth reads the bearer token from a file that may be rotated
	TokenFileAuth
	// ClientCredentialsAuth exchanges client credentials for a bearer token
	ClientCredentialsAuth
)

// String returns the string representation of AuthType.
func (a AuthType) String() string {
	switch a {
	case NoAuth:
		return "none"
	case TokenAuth:
		return "token"
	case TokenFileAuth:
		return "token_file"
	case ClientCredentialsAuth:
		return "client_credentials"
	default:
		return "unknown"
	}
}

// ParseAuthType converts a string to AuthType.
func ParseAuthType(s string) (AuthType, bool) {
	switch s {
	case "", "none":
		return NoAuth, true
	case "token", "bearer":
		return TokenAuth, true
	case "token_file":
		return TokenFileAuth, true
	case "client_credentials":
		return ClientCredentialsAuth, true
	default:
		return NoAuth, false
	}
}

// Duration is a time.Duration that unmarshals from "30s" or bare seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// ParseDuration accepts Go duration syntax or a bare number of seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}`)

// ExpandEnv substitutes ${VAR} and ${VAR:default} references.
// An unset variable without a default expands to "".
func ExpandEnv(s string, lookup func(string) (string, bool)) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRefPattern.FindStringSubmatch(ref)
		if v, ok := lookup(m[1]); ok {
			return v
		}
		return m[2]
	})
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// LoadConfig reads, overrides and validates configuration.
// path may be empty, in which case only environment and defaults are used.
func LoadConfig(path string) (*Config, error) {
	return LoadConfigWithEnv(path, os.LookupEnv)
}

// LoadConfigWithEnv is LoadConfig with an explicit environment lookup.
func LoadConfigWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	var config Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("configuration file not found: %s", path)
			}
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}

		expanded := ExpandEnv(string(data), lookup)
		if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
			return nil, fmt.Errorf("invalid YAML syntax in configuration file: %w", err)
		}
	}

	if err := config.ApplyEnv(lookup); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}
	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// ApplyEnv overlays FHIR_MCP_* environment variables onto the configuration.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errors []string

	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errors = append(errors, fmt.Sprintf("%s%s must be an integer", EnvPrefix, name))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *Duration) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			d, err := ParseDuration(v)
			if err != nil {
				errors = append(errors, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
				return
			}
			*dst = Duration(d)
		}
	}

	str("FHIR__BASE_URL", &c.FHIR.BaseURL)
	dur("FHIR__TIMEOUT", &c.FHIR.Timeout)
	if v, ok := lookup(EnvPrefix + "FHIR__ACCESS_TOKEN"); ok && v != "" {
		c.FHIR.Auth.Type = TokenAuth.String()
		c.FHIR.Auth.Token = v
	}
	if v, ok := lookup(EnvPrefix + "FHIR__TOKEN_FILE"); ok && v != "" {
		c.FHIR.Auth.Type = TokenFileAuth.String()
		c.FHIR.Auth.TokenFile = v
	}
	str("HOST", &c.Server.Host)
	num("PORT", &c.Server.Port)
	str("TRANSPORT", &c.Server.Transport)
	dur("REQUEST_TIMEOUT", &c.Server.RequestTimeout)
	dur("CAPABILITY_TTL", &c.Server.CapabilityTTL)
	dur("AGGREGATION__BRANCH_TIMEOUT", &c.Aggregation.BranchTimeout)
	num("AGGREGATION__WORKERS", &c.Aggregation.Workers)
	str("AUDIT__DB_PATH", &c.Audit.DBPath)
	str("LOG_LEVEL", &c.Logging.Level)

	if len(errors) > 0 {
		return fmt.Errorf("%s", strings.Join(errors, "; "))
	}
	return nil
}

// ApplyDefaults fills every zero field with its default.
func (c *Config) ApplyDefaults() {
	if c.Server.Transport == "" {
		c.Server.Transport = DefaultTransport
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = Duration(DefaultRequestTimeout)
	}
	if c.Server.CapabilityTTL == 0 {
		c.Server.CapabilityTTL = Duration(DefaultCapabilityTTL)
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"*"}
	}

	if c.FHIR.BaseURL == "" {
		c.FHIR.BaseURL = DefaultBaseURL
	}
	c.FHIR.BaseURL = strings.TrimRight(c.FHIR.BaseURL, "/")
	if c.FHIR.Timeout == 0 {
		c.FHIR.Timeout = Duration(DefaultUpstreamTimeout)
	}
	if c.FHIR.MaxPages == 0 {
		c.FHIR.MaxPages = DefaultMaxPages
	}
	if c.FHIR.Auth.Type == "" {
		c.FHIR.Auth.Type = NoAuth.String()
	}
	if c.FHIR.Auth.ExpirySkew == 0 {
		c.FHIR.Auth.ExpirySkew = Duration(DefaultTokenSkew)
	}
	if c.FHIR.Retry.MaxAttempts == 0 {
		c.FHIR.Retry.MaxAttempts = DefaultRetryAttempts
	}
	if c.FHIR.Retry.Initial == 0 {
		c.FHIR.Retry.Initial = Duration(DefaultRetryInitial)
	}
	if c.FHIR.Retry.Max == 0 {
		c.FHIR.Retry.Max = Duration(DefaultRetryMax)
	}

	if len(c.Search.AllowedResourceTypes) == 0 {
		c.Search.AllowedResourceTypes = []string{"*"}
	}
	if c.Search.DefaultCount == 0 {
		c.Search.DefaultCount = DefaultSearchCount
	}
	if c.Search.MaxCount == 0 {
		c.Search.MaxCount = DefaultMaxSearchCount
	}

	if c.Aggregation.Workers == 0 {
		c.Aggregation.Workers = DefaultWorkers
	}
	if c.Aggregation.BranchTimeout == 0 {
		c.Aggregation.BranchTimeout = Duration(DefaultBranchTimeout)
	}
	if c.Aggregation.ObservationCount == 0 {
		c.Aggregation.ObservationCount = DefaultObservationCount
	}
	if c.Aggregation.EncounterCount == 0 {
		c.Aggregation.EncounterCount = DefaultEncounterCount
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks the configuration for completeness and correctness.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateServer(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.FHIR.Validate(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateTuning(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("validation errors: %s", strings.Join(errors, "; "))
	}

	return nil
}

// validateServer validates the inbound transport configuration.
func (c *Config) validateServer() error {
	var errors []string

	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		errors = append(errors, fmt.Sprintf("invalid transport type '%s': must be 'stdio' or 'http'", c.Server.Transport))
	}

	if c.Server.Transport == "http" {
		if c.Server.Host == "" {
			errors = append(errors, "HTTP host is required when transport type is 'http'")
		}
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errors = append(errors, fmt.Sprintf("invalid HTTP port %d: must be between 1 and 65535", c.Server.Port))
		}
	}

	if c.Server.RequestTimeout <= 0 {
		errors = append(errors, "request_timeout must be positive")
	}
	if c.Server.CapabilityTTL <= 0 {
		errors = append(errors, "capability_ttl must be positive")
	}

	if len(errors) > 0 {
		return fmt.Errorf("%s", strings.Join(errors, "; "))
	}

	return nil
}

// validateTuning validates search and aggregation bounds.
func (c *Config) validateTuning() error {
	var errors []string

	for _, pattern := range c.Search.AllowedResourceTypes {
		if strings.TrimSpace(pattern) == "" {
			errors = append(errors, "allowed_resource_types must not contain empty patterns")
			break
		}
	}
	if c.Search.DefaultCount < 1 || c.Search.DefaultCount > c.Search.MaxCount {
		errors = append(errors, fmt.Sprintf("search default_count %d must be between 1 and max_count %d", c.Search.DefaultCount, c.Search.MaxCount))
	}

	if c.Aggregation.Workers < 1 {
		errors = append(errors, fmt.Sprintf("aggregation workers %d must be at least 1", c.Aggregation.Workers))
	}
	if c.Aggregation.BranchTimeout <= 0 {
		errors = append(errors, "aggregation branch_timeout must be positive")
	} else if c.Aggregation.BranchTimeout > c.Server.RequestTimeout {
		errors = append(errors, "aggregation branch_timeout must not exceed request_timeout")
	}
	if c.Aggregation.ObservationCount < 1 || c.Aggregation.EncounterCount < 1 {
		errors = append(errors, "aggregation observation_count and encounter_count must be at least 1")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errors = append(errors, fmt.Sprintf("invalid log level '%s'", c.Logging.Level))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		errors = append(errors, fmt.Sprintf("invalid log format '%s': must be 'json' or 'text'", c.Logging.Format))
	}

	if len(errors) > 0 {
		return fmt.Errorf("%s", strings.Join(errors, "; "))
	}

	return nil
}

// Validate validates the upstream configuration.
func (fc *FHIRConfig) Validate() error {
	var errors []string

	if fc.BaseURL == "" {
		errors = append(errors, "FHIR base_url is required")
	} else {
		parsedURL, err := url.Parse(fc.BaseURL)
		if err != nil {
			errors = append(errors, fmt.Sprintf("FHIR base_url is invalid: %v", err))
		} else if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
			errors = append(errors, "FHIR base_url must use http or https scheme")
		} else if parsedURL.Host == "" {
			errors = append(errors, "FHIR base_url must include a host")
		}
	}

	if fc.Timeout <= 0 {
		errors = append(errors, "FHIR timeout must be positive")
	}
	if fc.MaxPages < 1 {
		errors = append(errors, "FHIR max_pages must be at least 1")
	}
	if fc.Retry.MaxAttempts < 1 {
		errors = append(errors, "FHIR retry max_attempts must be at least 1")
	}
	if fc.Retry.Initial <= 0 || fc.Retry.Max < fc.Retry.Initial {
		errors = append(errors, "FHIR retry backoff must satisfy 0 < initial_backoff <= max_backoff")
	}

	if err := fc.Auth.Validate(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("%s", strings.Join(errors, "; "))
	}

	return nil
}

// Validate validates authentication configuration.
func (ac *AuthConfig) Validate() error {
	var errors []string

	authType, ok := ParseAuthType(ac.Type)
	if !ok {
		return fmt.Errorf("FHIR auth type '%s' is invalid: must be 'none', 'token', 'token_file' or 'client_credentials'", ac.Type)
	}

	switch authType {
	case TokenAuth:
		if ac.Token == "" {
			errors = append(errors, "FHIR token is required for token auth")
		}
	case TokenFileAuth:
		if ac.TokenFile == "" {
			errors = append(errors, "FHIR token_file is required for token_file auth")
		}
	case ClientCredentialsAuth:
		if ac.ClientID == "" {
			errors = append(errors, "FHIR client_id is required for client_credentials auth")
		}
		if ac.ClientSecret == "" {
			errors = append(errors, "FHIR client_secret is required for client_credentials auth")
		}
		if ac.TokenURL != "" {
			if u, err := url.Parse(ac.TokenURL); err != nil || u.Host == "" {
				errors = append(errors, "FHIR token_url must be an absolute URL")
			}
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("%s", strings.Join(errors, "; "))
	}

	return nil
}

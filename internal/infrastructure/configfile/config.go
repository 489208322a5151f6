package configfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"jwtvalidate/internal/domain/token"
)

const (
	JWKSModeAutoDiscover = "auto_discover"
	JWKSModeCustomURL    = "custom_url"

	DefaultDiscoveryPath = "/.well-known/openid-configuration"
	DefaultAddr          = "0.0.0.0:1337"
)

type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	JWKS       JWKSConfig       `json:"jwks" yaml:"jwks"`
	Validation ValidationConfig `json:"validation" yaml:"validation"`
	Batch      BatchConfig      `json:"batch" yaml:"batch"`
	Log        LogConfig        `json:"log" yaml:"log"`
}

type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
	// Where /v1/introspect looks for the bearer token: headers, params.
	TokenExtractors     []string `json:"token_extractors" yaml:"token_extractors"`
	EnableAuthOnOptions bool     `json:"enable_auth_on_options" yaml:"enable_auth_on_options"`
}

type JWKSConfig struct {
	Mode               string `json:"mode" yaml:"mode"` // auto_discover | custom_url
	URL                string `json:"url" yaml:"url"`
	DiscoveryPath      string `json:"discovery_path" yaml:"discovery_path"`
	CacheTTLSeconds    int    `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
	HTTPTimeoutSeconds int    `json:"http_timeout_seconds" yaml:"http_timeout_seconds"`
}

type ValidationConfig struct {
	Issuer   string `json:"issuer" yaml:"issuer"`
	Audience string `json:"audience" yaml:"audience"`
	// Pointer so an explicit false survives ApplyDefaults.
	CheckExpiry    *bool    `json:"check_expiry" yaml:"check_expiry"`
	RequiredScopes []string `json:"required_scopes" yaml:"required_scopes"`
	ScopeClaimName string   `json:"scope_claim_name" yaml:"scope_claim_name"`
	Algorithms     []string `json:"algorithms" yaml:"algorithms"`
	LeewaySeconds  int      `json:"leeway_seconds" yaml:"leeway_seconds"`
}

type BatchConfig struct {
	ContinueOnFail bool `json:"continue_on_fail" yaml:"continue_on_fail"`
	Concurrency    int  `json:"concurrency" yaml:"concurrency"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug | info | warn | error
	Format string `json:"format" yaml:"format"` // text | json
}

func Default() Config {
	c := Config{}
	c.ApplyDefaults()
	return c
}

// ParseFile reads a JSON or YAML config; the format follows the extension.
func ParseFile(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var c Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &c); err != nil {
			return Config{}, fmt.Errorf("parse yaml %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &c); err != nil {
			return Config{}, fmt.Errorf("parse json %s: %w", path, err)
		}
	}

	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if len(c.Server.TokenExtractors) == 0 {
		c.Server.TokenExtractors = []string{"headers", "params"}
	}

	if c.JWKS.Mode == "" {
		if c.JWKS.URL != "" {
			c.JWKS.Mode = JWKSModeCustomURL
		} else {
			c.JWKS.Mode = JWKSModeAutoDiscover
		}
	}
	if c.JWKS.DiscoveryPath == "" {
		c.JWKS.DiscoveryPath = DefaultDiscoveryPath
	}
	if c.JWKS.CacheTTLSeconds == 0 {
		c.JWKS.CacheTTLSeconds = 600
	}
	if c.JWKS.HTTPTimeoutSeconds == 0 {
		c.JWKS.HTTPTimeoutSeconds = 10
	}

	if c.Validation.CheckExpiry == nil {
		on := true
		c.Validation.CheckExpiry = &on
	}
	if c.Validation.ScopeClaimName == "" {
		c.Validation.ScopeClaimName = token.DefaultScopeClaimName
	}

	if c.Batch.Concurrency == 0 {
		c.Batch.Concurrency = 1
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) ApplyEnv(prefix string) error {
	if v := os.Getenv(prefix + "ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv(prefix + "SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv(prefix + "TOKEN_EXTRACTORS"); v != "" {
		c.Server.TokenExtractors = splitList(v)
	}
	if v := os.Getenv(prefix + "ENABLE_AUTH_ON_OPTIONS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sENABLE_AUTH_ON_OPTIONS: %w", prefix, err)
		}
		c.Server.EnableAuthOnOptions = b
	}

	if v := os.Getenv(prefix + "JWKS_MODE"); v != "" {
		c.JWKS.Mode = v
	}
	if v := os.Getenv(prefix + "JWKS_URL"); v != "" {
		c.JWKS.URL = v
		if os.Getenv(prefix+"JWKS_MODE") == "" {
			c.JWKS.Mode = JWKSModeCustomURL
		}
	}
	if v := os.Getenv(prefix + "JWKS_DISCOVERY_PATH"); v != "" {
		c.JWKS.DiscoveryPath = v
	}
	if err := envInt(prefix+"JWKS_CACHE_TTL_SECONDS", &c.JWKS.CacheTTLSeconds); err != nil {
		return err
	}
	if err := envInt(prefix+"JWKS_HTTP_TIMEOUT_SECONDS", &c.JWKS.HTTPTimeoutSeconds); err != nil {
		return err
	}

	if v := os.Getenv(prefix + "ISSUER"); v != "" {
		c.Validation.Issuer = v
	}
	if v := os.Getenv(prefix + "AUDIENCE"); v != "" {
		c.Validation.Audience = v
	}
	if v := os.Getenv(prefix + "CHECK_EXPIRY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sCHECK_EXPIRY: %w", prefix, err)
		}
		c.Validation.CheckExpiry = &b
	}
	if v := os.Getenv(prefix + "REQUIRED_SCOPES"); v != "" {
		c.Validation.RequiredScopes = splitList(v)
	}
	if v := os.Getenv(prefix + "SCOPE_CLAIM_NAME"); v != "" {
		c.Validation.ScopeClaimName = v
	}
	if v := os.Getenv(prefix + "ALGORITHMS"); v != "" {
		c.Validation.Algorithms = splitList(v)
	}
	if err := envInt(prefix+"LEEWAY_SECONDS", &c.Validation.LeewaySeconds); err != nil {
		return err
	}

	if v := os.Getenv(prefix + "CONTINUE_ON_FAIL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sCONTINUE_ON_FAIL: %w", prefix, err)
		}
		c.Batch.ContinueOnFail = b
	}
	if err := envInt(prefix+"BATCH_CONCURRENCY", &c.Batch.Concurrency); err != nil {
		return err
	}

	if v := os.Getenv(prefix + "LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(prefix + "LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}

	c.ApplyDefaults()
	return c.Validate()
}

func (c Config) Validate() error {
	for _, ex := range c.Server.TokenExtractors {
		switch ex {
		case "headers", "params":
		default:
			return fmt.Errorf("server.token_extractors: unsupported value %q (allowed: headers, params)", ex)
		}
	}

	switch c.JWKS.Mode {
	case JWKSModeAutoDiscover, JWKSModeCustomURL:
	default:
		return fmt.Errorf("jwks.mode: unsupported value %q (allowed: %s, %s)", c.JWKS.Mode, JWKSModeAutoDiscover, JWKSModeCustomURL)
	}
	if c.JWKS.Mode == JWKSModeCustomURL && strings.TrimSpace(c.JWKS.URL) == "" {
		return errors.New("jwks.url: required when jwks.mode is custom_url")
	}
	if c.JWKS.CacheTTLSeconds < 0 || c.JWKS.HTTPTimeoutSeconds < 0 {
		return errors.New("jwks: cache_ttl_seconds and http_timeout_seconds must be >= 0")
	}

	for _, alg := range c.Validation.Algorithms {
		switch alg {
		case "RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512", "EdDSA":
		default:
			return fmt.Errorf("validation.algorithms: unsupported value %q (asymmetric JWS algorithms only)", alg)
		}
	}
	if c.Validation.LeewaySeconds < 0 {
		return errors.New("validation.leeway_seconds: must be >= 0")
	}

	if c.Batch.Concurrency < 0 {
		return errors.New("batch.concurrency: must be >= 0")
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format: unsupported value %q (allowed: text, json)", c.Log.Format)
	}
	return nil
}

// Source returns the JWKS source selected by jwks.mode.
func (c Config) Source() token.JWKSSource {
	if c.JWKS.Mode == JWKSModeCustomURL {
		return token.CustomURL{URL: strings.TrimSpace(c.JWKS.URL)}
	}
	return token.AutoDiscover{}
}

func (c Config) Options() token.Options {
	opts := token.DefaultOptions()
	opts.Issuer = c.Validation.Issuer
	opts.Audience = c.Validation.Audience
	if c.Validation.CheckExpiry != nil {
		opts.CheckExpiry = *c.Validation.CheckExpiry
	}
	opts.RequiredScopes = append([]string(nil), c.Validation.RequiredScopes...)
	if c.Validation.ScopeClaimName != "" {
		opts.ScopeClaimName = c.Validation.ScopeClaimName
	}
	return opts
}

func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.JWKS.CacheTTLSeconds) * time.Second
}

func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.JWKS.HTTPTimeoutSeconds) * time.Second
}

func (c Config) Leeway() time.Duration {
	return time.Duration(c.Validation.LeewaySeconds) * time.Second
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = n
	return nil
}

// splitList accepts comma or whitespace separated values.
func splitList(v string) []string {
	return strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

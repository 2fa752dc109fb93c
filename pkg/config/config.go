// Package config loads connector settings from the environment, then
// overlays the YAML file named by CONNECTOR_CONFIG when set.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/dsconnector/pkg/artifacts"
	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
	"github.com/Mindburn-Labs/dsconnector/pkg/envelope"
	"github.com/Mindburn-Labs/dsconnector/pkg/observability"
	"github.com/Mindburn-Labs/dsconnector/pkg/policy"
)

// Acceptance backends for negotiation.
const (
	AcceptanceNone = "none"
	AcceptanceCEL  = "cel"
	AcceptanceRego = "rego"
)

// PolicyConfig controls negotiation and enforcement.
type PolicyConfig struct {
	Mode          string `yaml:"mode"` // strict | permissive
	OfferMatching bool   `yaml:"offer_matching"`
	// Acceptance selects the hook consulted before an agreement is signed.
	Acceptance string `yaml:"acceptance"` // none | cel | rego
	// AcceptanceExpr is the CEL expression, or the Rego module path.
	AcceptanceExpr string `yaml:"acceptance_expr"`
	RegoQuery      string `yaml:"rego_query"`
	// Guard decides unrecognised rules at access time in permissive mode.
	Guard string `yaml:"guard"`
}

type ResolverConfig struct {
	MaxDepth int `yaml:"max_depth"`
	Workers  int `yaml:"workers"`
}

type IdentityConfig struct {
	RequireToken  bool              `yaml:"require_token"`
	VerifyTimeout time.Duration     `yaml:"verify_timeout"`
	Issuer        string            `yaml:"issuer"`
	Audience      string            `yaml:"audience"`
	TrustedKeys   map[string]string `yaml:"trusted_keys"` // kid -> hex Ed25519 public key
}

type StoreConfig struct {
	DatabaseURL   string `yaml:"database_url"`
	SQLitePath    string `yaml:"sqlite_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type HTTPConfig struct {
	Port         string  `yaml:"port"`
	RateLimit    float64 `yaml:"rate_limit"` // requests per second per client, 0 disables
	RateBurst    int     `yaml:"rate_burst"`
	MaxBodyBytes int64   `yaml:"max_body_bytes"`
}

// Config holds connector configuration.
type Config struct {
	ConnectorID       string        `yaml:"connector_id"`
	BaseURI           string        `yaml:"base_uri"`
	ModelVersion      string        `yaml:"model_version"`
	SupportedVersions []string      `yaml:"supported_versions"`
	LogLevel          string        `yaml:"log_level"`
	LogFormat         string        `yaml:"log_format"`
	CatalogFile       string        `yaml:"catalog_file"`
	KeySeedPath       string        `yaml:"key_seed_path"`
	DataTimeout       time.Duration `yaml:"data_timeout"`
	SecurityProfile   string        `yaml:"security_profile"`

	HTTP          HTTPConfig           `yaml:"http"`
	Policy        PolicyConfig         `yaml:"policy"`
	Resolver      ResolverConfig       `yaml:"resolver"`
	Identity      IdentityConfig       `yaml:"identity"`
	Store         StoreConfig          `yaml:"store"`
	Artifacts     artifacts.Config     `yaml:"artifacts"`
	Observability observability.Config `yaml:"observability"`
}

// Load reads the environment, applies CONNECTOR_CONFIG if set and
// validates the result.
func Load() (*Config, error) {
	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}
	if path := os.Getenv("CONNECTOR_CONFIG"); path != "" {
		if err := cfg.Overlay(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a Config from environment variables and defaults.
func FromEnv() (*Config, error) {
	var p envParser
	obs := observability.DefaultConfig()
	obs.Enabled = p.bool("OTEL_ENABLED", false)
	obs.OTLPEndpoint = envOr("OTEL_EXPORTER_OTLP_ENDPOINT", obs.OTLPEndpoint)
	obs.Insecure = p.bool("OTEL_INSECURE", true)
	obs.Environment = envOr("ENVIRONMENT", obs.Environment)

	cfg := &Config{
		ConnectorID:       envOr("CONNECTOR_ID", "https://localhost:8080"),
		BaseURI:           os.Getenv("BASE_URI"),
		ModelVersion:      envOr("MODEL_VERSION", "4.0.0"),
		SupportedVersions: envList("SUPPORTED_VERSIONS", append([]string(nil), envelope.DefaultSupportedVersions...)),
		LogLevel:          envOr("LOG_LEVEL", "INFO"),
		LogFormat:         envOr("LOG_FORMAT", "text"),
		CatalogFile:       os.Getenv("CATALOG_FILE"),
		KeySeedPath:       os.Getenv("KEY_SEED_PATH"),
		DataTimeout:       p.duration("DATA_TIMEOUT", artifacts.DefaultTimeout),
		SecurityProfile:   envOr("SECURITY_PROFILE", string(contracts.ProfileBase)),
		HTTP: HTTPConfig{
			Port:         envOr("PORT", "8080"),
			RateLimit:    p.float("RATE_LIMIT_RPS", 50),
			RateBurst:    p.int("RATE_LIMIT_BURST", 100),
			MaxBodyBytes: int64(p.int("MAX_BODY_BYTES", 16<<20)),
		},
		Policy: PolicyConfig{
			Mode:           envOr("POLICY_MODE", "strict"),
			OfferMatching:  p.bool("OFFER_MATCHING", true),
			Acceptance:     envOr("ACCEPTANCE_BACKEND", AcceptanceNone),
			AcceptanceExpr: os.Getenv("ACCEPTANCE_EXPR"),
			RegoQuery:      os.Getenv("REGO_QUERY"),
			Guard:          envOr("UNKNOWN_PATTERN_GUARD", "true"),
		},
		Resolver: ResolverConfig{
			MaxDepth: p.int("RESOLVER_MAX_DEPTH", -1),
			Workers:  p.int("RESOLVER_WORKERS", 8),
		},
		Identity: IdentityConfig{
			RequireToken:  p.bool("REQUIRE_TOKEN", false),
			VerifyTimeout: p.duration("VERIFY_TIMEOUT", 5*time.Second),
			Issuer:        os.Getenv("TOKEN_ISSUER"),
			Audience:      os.Getenv("TOKEN_AUDIENCE"),
		},
		Store: StoreConfig{
			DatabaseURL:   os.Getenv("DATABASE_URL"),
			SQLitePath:    envOr("SQLITE_PATH", "data/connector.db"),
			RedisAddr:     os.Getenv("REDIS_ADDR"),
			RedisPassword: os.Getenv("REDIS_PASSWORD"),
			RedisDB:       p.int("REDIS_DB", 0),
		},
		Artifacts: artifacts.Config{
			Backend: artifacts.Backend(envOr("ARTIFACT_BACKEND", string(artifacts.BackendFS))),
			DataDir: envOr("DATA_DIR", "data"),
			S3: artifacts.S3Config{
				Bucket:   os.Getenv("ARTIFACT_S3_BUCKET"),
				Region:   os.Getenv("ARTIFACT_S3_REGION"),
				Endpoint: os.Getenv("ARTIFACT_S3_ENDPOINT"),
				Prefix:   os.Getenv("ARTIFACT_S3_PREFIX"),
			},
			GCS: artifacts.GCSConfig{
				Bucket: os.Getenv("ARTIFACT_GCS_BUCKET"),
				Prefix: os.Getenv("ARTIFACT_GCS_PREFIX"),
			},
		},
		Observability: *obs,
	}
	if p.err != nil {
		return nil, p.err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late at startup.
func (c *Config) Validate() error {
	if c.ConnectorID == "" {
		return fmt.Errorf("config: connector id is required")
	}
	if c.HTTP.Port == "" {
		return fmt.Errorf("config: port is required")
	}
	if len(c.SupportedVersions) == 0 {
		return fmt.Errorf("config: at least one supported version is required")
	}
	if _, err := policy.ParseMode(c.Policy.Mode); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.Policy.Acceptance {
	case "", AcceptanceNone:
	case AcceptanceCEL, AcceptanceRego:
		if c.Policy.AcceptanceExpr == "" {
			return fmt.Errorf("config: acceptance backend %s needs acceptance_expr", c.Policy.Acceptance)
		}
	default:
		return fmt.Errorf("config: unknown acceptance backend %q", c.Policy.Acceptance)
	}
	if !contracts.SecurityProfile(c.SecurityProfile).Known() {
		return fmt.Errorf("config: unknown security profile %q", c.SecurityProfile)
	}
	if c.Resolver.MaxDepth < -1 {
		return fmt.Errorf("config: resolver max depth must be -1 (unbounded) or more")
	}
	if _, err := observability.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// PolicyMode returns the parsed policy mode. Call after Validate.
func (c *Config) PolicyMode() policy.Mode {
	m, _ := policy.ParseMode(c.Policy.Mode)
	return m
}

// Lite reports whether state lives in SQLite rather than Postgres.
func (c *Config) Lite() bool {
	return c.Store.DatabaseURL == ""
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envList splits a semicolon separated value. Commas are left alone since
// version constraints use them.
func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// envParser keeps the first parse failure so FromEnv can stay flat.
type envParser struct{ err error }

func (p *envParser) fail(key, v string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("config: %s=%q: %w", key, v, err)
	}
}

func (p *envParser) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *envParser) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return f
}

func (p *envParser) bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return b
}

func (p *envParser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}

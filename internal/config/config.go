package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/creasty/defaults"
)

// Config is the top-level service configuration. Values come from defaults
// overridden by environment variables.
type Config struct {
	ListenAddr string `default:":8090"`
	LogLevel   string `default:"info"`
	BaseURL    string `default:"http://localhost:8090/scim/v2"`

	// Backend selects the storage implementation: "ldap" or "file".
	Backend string `default:"ldap"`

	Auth    AuthConfig
	LDAP    LDAPConfig
	File    FileConfig
	Tracing TracingConfig
}

// AuthConfig configures bearer-token authentication.
type AuthConfig struct {
	// BearerToken is a static shared secret accepted as-is.
	BearerToken string
	// JWTSecret, when set, additionally accepts HS256-signed JWTs.
	JWTSecret string
}

// LDAPConfig mirrors the directory connection settings.
type LDAPConfig struct {
	URL          string `default:"ldap://localhost:1389"`
	BindDN       string `default:"cn=Directory Manager"`
	BindPassword string `default:"password"`
	BaseDN       string `default:"dc=example,dc=com"`
	UserBaseDN   string `default:"ou=users,dc=example,dc=com"`
	GroupBaseDN  string `default:"ou=groups,dc=example,dc=com"`

	// UseEntryUUIDDN enables entryUUID-based DN naming via the
	// name-with-entryUUID request control on Add.
	UseEntryUUIDDN bool `default:"true"`

	Pool   PoolConfig
	Search SearchConfig
}

// PoolConfig bounds the directory connection pool.
type PoolConfig struct {
	MinConnections      int           `default:"2"`
	MaxConnections      int           `default:"10"`
	MaxConnectionAge    time.Duration `default:"1h"`
	HealthCheckInterval time.Duration `default:"1m"`
	ConnectTimeout      time.Duration `default:"10s"`
}

// SearchConfig bounds individual directory searches.
type SearchConfig struct {
	SizeLimit int           `default:"1000"`
	TimeLimit time.Duration `default:"30s"`
}

// FileConfig configures the flat-file development backend.
type FileConfig struct {
	Path string `default:"scimgate-data.json"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	ServiceName  string `default:"scimgate"`
	Environment  string `default:"development"`
	OTLPEndpoint string
}

// Load builds the configuration from defaults and environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}

	strVar(&cfg.ListenAddr, "SCIMGATE_LISTEN_ADDR")
	strVar(&cfg.LogLevel, "SCIMGATE_LOG_LEVEL")
	strVar(&cfg.BaseURL, "SCIMGATE_BASE_URL")
	strVar(&cfg.Backend, "SCIMGATE_BACKEND")

	strVar(&cfg.Auth.BearerToken, "SCIMGATE_BEARER_TOKEN")
	strVar(&cfg.Auth.JWTSecret, "SCIMGATE_JWT_SECRET")

	strVar(&cfg.LDAP.URL, "LDAP_URL")
	strVar(&cfg.LDAP.BindDN, "LDAP_BIND_DN")
	strVar(&cfg.LDAP.BindPassword, "LDAP_BIND_PASSWORD")
	strVar(&cfg.LDAP.BaseDN, "LDAP_BASE_DN")
	strVar(&cfg.LDAP.UserBaseDN, "LDAP_USER_BASE_DN")
	strVar(&cfg.LDAP.GroupBaseDN, "LDAP_GROUP_BASE_DN")
	boolVar(&cfg.LDAP.UseEntryUUIDDN, "LDAP_USE_ENTRYUUID_DN")

	intVar(&cfg.LDAP.Pool.MinConnections, "LDAP_POOL_MIN")
	intVar(&cfg.LDAP.Pool.MaxConnections, "LDAP_POOL_MAX")
	durVar(&cfg.LDAP.Pool.MaxConnectionAge, "LDAP_POOL_MAX_AGE")
	durVar(&cfg.LDAP.Pool.HealthCheckInterval, "LDAP_POOL_HEALTH_INTERVAL")
	durVar(&cfg.LDAP.Pool.ConnectTimeout, "LDAP_CONNECT_TIMEOUT")

	intVar(&cfg.LDAP.Search.SizeLimit, "LDAP_SEARCH_SIZE_LIMIT")
	durVar(&cfg.LDAP.Search.TimeLimit, "LDAP_SEARCH_TIME_LIMIT")

	strVar(&cfg.File.Path, "SCIMGATE_FILE_PATH")

	strVar(&cfg.Tracing.ServiceName, "OTEL_SERVICE_NAME")
	strVar(&cfg.Tracing.Environment, "SCIMGATE_ENVIRONMENT")
	strVar(&cfg.Tracing.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Backend != "ldap" && c.Backend != "file" {
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	p := c.LDAP.Pool
	if p.MinConnections < 0 || p.MaxConnections <= 0 || p.MinConnections > p.MaxConnections {
		return fmt.Errorf("config: invalid pool bounds min=%d max=%d", p.MinConnections, p.MaxConnections)
	}
	if c.LDAP.Search.SizeLimit <= 0 {
		return fmt.Errorf("config: search size limit must be positive")
	}
	return nil
}

func strVar(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func boolVar(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func intVar(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func durVar(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

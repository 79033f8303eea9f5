package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"

	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendScylla   = "scylla"

	FailClosed = "fail_closed"
	FailOpen   = "fail_open"

	IPPolicyLog   = "log"
	IPPolicyBlock = "block"
)

var (
	current *Config
	mu      sync.RWMutex
)

type Config struct {
	Environment   string
	ServiceName   string
	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Postgres      PostgresConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Bucketing     BucketingConfig
	Auth          AuthConfig
	RateLimit     RateLimitConfig
	CSRF          CSRFConfig
	CORS          CORSConfig
	Storage       StorageConfig
	Audit         AuditConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	TLSPort        int
	EnableTLS      bool
	RequireHTTPS   bool
	AutoCert       bool
	Domain         string
	CertFile       string
	KeyFile        string
	AutoCertDir    string
	Email          string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type PostgresConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	EnsureSchema    bool
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type ElasticsearchConfig struct {
	URL      string
	Username string
	Password string
	Index    string
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
	Table    string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type BucketingConfig struct {
	UserBuckets  int
	EventBuckets int
}

// AuthConfig configures bearer token verification. At least one of
// JWTSecret or JWTPublicKeyPath must be set.
type AuthConfig struct {
	JWTSecret        string
	JWTPublicKeyPath string
	Issuer           string
	Audience         string
}

type QuotaConfig struct {
	MaxRequests int
	Window      time.Duration
}

type RateLimitConfig struct {
	FailurePolicy string
	API           QuotaConfig
	User          QuotaConfig
	IP            QuotaConfig
}

type CSRFConfig struct {
	TokenTTL         time.Duration
	CookieName       string
	CookiePath       string
	CookieDomain     string
	CookieSecure     bool
	ReplayProtection bool
	IPPolicy         string
	MaxBodyBytes     int64
}

type CORSConfig struct {
	AllowedOrigins []string
	MaxAge         int
}

type StorageConfig struct {
	RateLimitBackend string
	CSRFBackend      string
}

type AuditConfig struct {
	Sinks   []string
	Timeout time.Duration
}

// LoadConfig reads the environment (and an optional .env file) into a
// Config, validates it and installs it as the process-wide config.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	env := strings.ToLower(getEnv("ENVIRONMENT", EnvDevelopment))
	production := env == EnvProduction

	cfg := &Config{
		Environment: env,
		ServiceName: getEnv("SERVICE_NAME", "edge-guard"),
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvInt("SERVER_PORT", 8080),
			TLSPort:        getEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:      getEnvBool("ENABLE_TLS", false),
			RequireHTTPS:   getEnvBool("REQUIRE_HTTPS", production),
			AutoCert:       getEnvBool("AUTO_CERT", false),
			Domain:         getEnv("DOMAIN", "localhost"),
			CertFile:       getEnv("TLS_CERT_FILE", ""),
			KeyFile:        getEnv("TLS_KEY_FILE", ""),
			AutoCertDir:    getEnv("AUTO_CERT_DIR", "./certs"),
			Email:          getEnv("ACME_EMAIL", ""),
			ReadTimeout:    getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			RequestTimeout: getEnvDuration("SERVER_REQUEST_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Nodes:    getEnvSlice("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "edge_guard"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Postgres: PostgresConfig{
			URL:             getEnv("DATABASE_URL", "postgres://localhost:5432/edge_guard?sslmode=disable"),
			MaxOpenConns:    getEnvInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			EnsureSchema:    getEnvBool("DATABASE_ENSURE_SCHEMA", !production),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:   getEnv("KAFKA_SECURITY_TOPIC", "security-events"),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:      getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username: getEnv("ELASTICSEARCH_USERNAME", ""),
			Password: getEnv("ELASTICSEARCH_PASSWORD", ""),
			Index:    getEnv("ELASTICSEARCH_SECURITY_INDEX", "security-events"),
		},
		Clickhouse: ClickhouseConfig{
			URL:      getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "default"),
			Table:    getEnv("CLICKHOUSE_SECURITY_TABLE", "security_events"),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("AWS_REGION", "us-east-1"),
		},
		Bucketing: BucketingConfig{
			UserBuckets:  getEnvInt("USER_BUCKETS", 256),
			EventBuckets: getEnvInt("EVENT_BUCKETS", 64),
		},
		Auth: AuthConfig{
			JWTSecret:        getEnv("JWT_SECRET", ""),
			JWTPublicKeyPath: getEnv("JWT_PUBLIC_KEY_PATH", ""),
			Issuer:           getEnv("JWT_ISSUER", ""),
			Audience:         getEnv("JWT_AUDIENCE", ""),
		},
		RateLimit: RateLimitConfig{
			FailurePolicy: getEnv("RATE_LIMIT_FAILURE_POLICY", FailClosed),
			API: QuotaConfig{
				MaxRequests: getEnvInt("RATE_LIMIT_API_MAX", 100),
				Window:      getEnvDuration("RATE_LIMIT_API_WINDOW", time.Hour),
			},
			User: QuotaConfig{
				MaxRequests: getEnvInt("RATE_LIMIT_USER_MAX", 100),
				Window:      getEnvDuration("RATE_LIMIT_USER_WINDOW", 15*time.Minute),
			},
			IP: QuotaConfig{
				MaxRequests: getEnvInt("RATE_LIMIT_IP_MAX", 50),
				Window:      getEnvDuration("RATE_LIMIT_IP_WINDOW", 15*time.Minute),
			},
		},
		CSRF: CSRFConfig{
			TokenTTL:         getEnvDuration("CSRF_TOKEN_TTL", 24*time.Hour),
			CookieName:       getEnv("CSRF_COOKIE_NAME", "csrf_token"),
			CookiePath:       getEnv("CSRF_COOKIE_PATH", "/"),
			CookieDomain:     getEnv("CSRF_COOKIE_DOMAIN", ""),
			CookieSecure:     getEnvBool("CSRF_COOKIE_SECURE", production),
			ReplayProtection: getEnvBool("CSRF_REPLAY_PROTECTION", true),
			IPPolicy:         getEnv("CSRF_IP_POLICY", IPPolicyLog),
			MaxBodyBytes:     int64(getEnvInt("CSRF_MAX_BODY_BYTES", 1<<20)),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{"https://*"}),
			MaxAge:         getEnvInt("CORS_MAX_AGE", 300),
		},
		Storage: StorageConfig{
			RateLimitBackend: getEnv("RATE_LIMIT_BACKEND", BackendRedis),
			CSRFBackend:      getEnv("CSRF_BACKEND", BackendRedis),
		},
		Audit: AuditConfig{
			Sinks:   getEnvSlice("AUDIT_SINKS", []string{"log"}),
			Timeout: getEnvDuration("AUDIT_TIMEOUT", 2*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mu.Lock()
	current = cfg
	mu.Unlock()

	return cfg, nil
}

// Get returns the config installed by the last successful LoadConfig.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Validate checks cross-field constraints that would otherwise surface
// as confusing runtime failures.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.RateLimitBackend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("unsupported RATE_LIMIT_BACKEND %q", c.Storage.RateLimitBackend))
	}

	switch c.Storage.CSRFBackend {
	case BackendMemory, BackendRedis, BackendPostgres, BackendScylla:
	default:
		errs = append(errs, fmt.Errorf("unsupported CSRF_BACKEND %q", c.Storage.CSRFBackend))
	}

	if c.RateLimit.FailurePolicy != FailClosed && c.RateLimit.FailurePolicy != FailOpen {
		errs = append(errs, fmt.Errorf("unsupported RATE_LIMIT_FAILURE_POLICY %q", c.RateLimit.FailurePolicy))
	}

	if c.CSRF.IPPolicy != IPPolicyLog && c.CSRF.IPPolicy != IPPolicyBlock {
		errs = append(errs, fmt.Errorf("unsupported CSRF_IP_POLICY %q", c.CSRF.IPPolicy))
	}

	for name, q := range map[string]QuotaConfig{
		"api":  c.RateLimit.API,
		"user": c.RateLimit.User,
		"ip":   c.RateLimit.IP,
	} {
		if q.MaxRequests <= 0 || q.Window <= 0 {
			errs = append(errs, fmt.Errorf("rate limit quota %q must have positive max and window", name))
		}
	}

	if c.CSRF.TokenTTL <= 0 {
		errs = append(errs, errors.New("CSRF_TOKEN_TTL must be positive"))
	}

	if c.Auth.JWTSecret == "" && c.Auth.JWTPublicKeyPath == "" {
		errs = append(errs, errors.New("one of JWT_SECRET or JWT_PUBLIC_KEY_PATH is required"))
	}

	if c.KMS.Enabled && c.KMS.KeyID == "" {
		errs = append(errs, errors.New("KMS_KEY_ID is required when KMS is enabled"))
	}

	if c.Bucketing.UserBuckets <= 0 {
		errs = append(errs, errors.New("USER_BUCKETS must be positive"))
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// HasAuditSink reports whether the named sink is enabled.
func (c *Config) HasAuditSink(name string) bool {
	for _, s := range c.Audit.Sinks {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

// UsesBackend reports whether either store is configured on the named backend.
func (c *Config) UsesBackend(name string) bool {
	return c.Storage.RateLimitBackend == name || c.Storage.CSRFBackend == name
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

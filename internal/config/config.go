package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"

	UserStoreScylla   = "scylla"
	UserStorePostgres = "postgres"
)

// Config is the full runtime configuration, loaded from the environment.
type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Storage       StorageConfig
	Scylla        ScyllaConfig
	Postgres      PostgresConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	JWT           JWTConfig
	OTP           OTPConfig
	RateLimit     RateLimitConfig
	Sentry        SentryConfig
}

type ServerConfig struct {
	Port           int
	TLSPort        int
	EnableTLS      bool
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
	AllowedOrigins []string
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
	// TLS material, used only for rediss:// URLs.
	TLSCAFile   string
	TLSCertFile string
	TLSKeyFile  string
}

type StorageConfig struct {
	// UserStore selects the credential store backend: "scylla" or "postgres".
	UserStore string
}

type ScyllaConfig struct {
	Nodes        []string
	Keyspace     string
	Username     string
	Password     string
	EnsureSchema bool
	// TLS is enabled when CAPath is set.
	CAPath   string
	CertPath string
	KeyPath  string
}

type PostgresConfig struct {
	DSN           string
	MaxOpenConns  int
	MaxIdleConns  int
	RunMigrations bool
}

type KafkaConfig struct {
	Enabled          bool
	Brokers          []string
	OTPDispatchTopic string
	AuditTopic       string
}

type ElasticsearchConfig struct {
	Enabled    bool
	URL        string
	Username   string
	Password   string
	AuditIndex string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Database string
	CAFile   string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

// Argon2Config is one argon2id cost profile.
type Argon2Config struct {
	MemoryKiB   int
	Iterations  int
	Parallelism int
}

type HashingConfig struct {
	OTP           Argon2Config
	SafeKey       Argon2Config
	Pepper        string
	PepperVersion int
	// OldPeppers holds retired peppers as "version:value" pairs.
	OldPeppers map[int]string
}

type BucketingConfig struct {
	UserBuckets  int
	EventBuckets int
}

type JWTConfig struct {
	Secret         string
	SigningMethod  string
	PrivateKeyPath string
	PublicKeyPath  string
	TTL            time.Duration
	Issuer         string
	Audience       string
	Leeway         time.Duration
}

type OTPConfig struct {
	TTL         time.Duration
	MaxAttempts int
}

type RateLimitConfig struct {
	Enabled       bool
	OTPRequests   int
	OTPWindow     time.Duration
	LoginAttempts int
	LoginWindow   time.Duration
}

type SentryConfig struct {
	DSN string
}

// Load reads .env (when present) and the process environment into a Config
// and validates it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("APP_ENV", EnvDevelopment),
		Server: ServerConfig{
			Port:           getEnvInt("SERVER_PORT", 8080),
			TLSPort:        getEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:      getEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:       getEnvBool("SERVER_AUTOCERT", false),
			Domain:         getEnv("SERVER_DOMAIN", "localhost"),
			CertFile:       getEnv("SERVER_CERT_FILE", ""),
			KeyFile:        getEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:    getEnv("SERVER_AUTOCERT_DIR", "./certs"),
			Email:          getEnv("SERVER_ACME_EMAIL", ""),
			ReadTimeout:    getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			RequestTimeout: getEnvDuration("SERVER_REQUEST_TIMEOUT", 30*time.Second),
			AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"https://*", "http://localhost:*"}),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),

			TLSCAFile:   getEnv("REDIS_TLS_CA_FILE", "/app/certs/ca.crt"),
			TLSCertFile: getEnv("REDIS_TLS_CERT_FILE", "/app/certs/redis.crt"),
			TLSKeyFile:  getEnv("REDIS_TLS_KEY_FILE", "/app/certs/redis.key"),
		},
		Storage: StorageConfig{
			UserStore: strings.ToLower(getEnv("USER_STORE", UserStoreScylla)),
		},
		Scylla: ScyllaConfig{
			Nodes:        getEnvList("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace:     getEnv("SCYLLA_KEYSPACE", "storefront_auth"),
			Username:     getEnv("SCYLLA_USERNAME", ""),
			Password:     getEnv("SCYLLA_PASSWORD", ""),
			EnsureSchema: getEnvBool("SCYLLA_ENSURE_SCHEMA", true),
			CAPath:       getEnv("SCYLLA_TLS_CA_FILE", ""),
			CertPath:     getEnv("SCYLLA_TLS_CERT_FILE", ""),
			KeyPath:      getEnv("SCYLLA_TLS_KEY_FILE", ""),
		},
		Postgres: PostgresConfig{
			DSN:           getEnv("POSTGRES_DSN", ""),
			MaxOpenConns:  getEnvInt("POSTGRES_MAX_OPEN_CONNS", 20),
			MaxIdleConns:  getEnvInt("POSTGRES_MAX_IDLE_CONNS", 5),
			RunMigrations: getEnvBool("POSTGRES_RUN_MIGRATIONS", true),
		},
		Kafka: KafkaConfig{
			Enabled:          getEnvBool("KAFKA_ENABLED", false),
			Brokers:          getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			OTPDispatchTopic: getEnv("OTP_DISPATCH_TOPIC", "auth.otp.dispatch"),
			AuditTopic:       getEnv("AUDIT_TOPIC", "auth.events"),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:    getEnvBool("ELASTICSEARCH_ENABLED", false),
			URL:        getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username:   getEnv("ELASTICSEARCH_USERNAME", ""),
			Password:   getEnv("ELASTICSEARCH_PASSWORD", ""),
			AuditIndex: getEnv("ELASTICSEARCH_AUDIT_INDEX", "auth-events"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
			URL:      getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "auth_analytics"),
			CAFile:   getEnv("CLICKHOUSE_CA_FILE", ""),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("AWS_REGION", "us-east-1"),
		},
		Hashing: HashingConfig{
			OTP: Argon2Config{
				MemoryKiB:   getEnvInt("OTP_ARGON2_MEMORY_KIB", 16*1024),
				Iterations:  getEnvInt("OTP_ARGON2_ITERATIONS", 1),
				Parallelism: getEnvInt("OTP_ARGON2_PARALLELISM", 2),
			},
			SafeKey: Argon2Config{
				MemoryKiB:   getEnvInt("KEY_ARGON2_MEMORY_KIB", 64*1024),
				Iterations:  getEnvInt("KEY_ARGON2_ITERATIONS", 3),
				Parallelism: getEnvInt("KEY_ARGON2_PARALLELISM", 2),
			},
			Pepper:        getEnv("HASH_PEPPER", ""),
			PepperVersion: getEnvInt("HASH_PEPPER_VERSION", 1),
		},
		Bucketing: BucketingConfig{
			UserBuckets:  getEnvInt("USER_BUCKETS", 256),
			EventBuckets: getEnvInt("EVENT_BUCKETS", 64),
		},
		JWT: JWTConfig{
			Secret:         getEnv("JWT_SECRET", ""),
			SigningMethod:  strings.ToUpper(getEnv("JWT_SIGNING_METHOD", "HS256")),
			PrivateKeyPath: getEnv("JWT_PRIVATE_KEY_PATH", ""),
			PublicKeyPath:  getEnv("JWT_PUBLIC_KEY_PATH", ""),
			TTL:            getEnvDuration("JWT_TTL", 15*time.Minute),
			Issuer:         getEnv("JWT_ISSUER", "storefront-auth"),
			Audience:       getEnv("JWT_AUDIENCE", ""),
			Leeway:         getEnvDuration("JWT_LEEWAY", 0),
		},
		OTP: OTPConfig{
			TTL:         getEnvDuration("OTP_TTL", 5*time.Minute),
			MaxAttempts: getEnvInt("OTP_MAX_ATTEMPTS", 5),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getEnvBool("RATE_LIMIT_ENABLED", true),
			OTPRequests:   getEnvInt("RATE_LIMIT_OTP_REQUESTS", 5),
			OTPWindow:     getEnvDuration("RATE_LIMIT_OTP_WINDOW", 15*time.Minute),
			LoginAttempts: getEnvInt("RATE_LIMIT_LOGIN_ATTEMPTS", 10),
			LoginWindow:   getEnvDuration("RATE_LIMIT_LOGIN_WINDOW", 15*time.Minute),
		},
		Sentry: SentryConfig{
			DSN: getEnv("SENTRY_DSN", ""),
		},
	}

	oldPeppers, err := parsePeppers(getEnv("HASH_OLD_PEPPERS", ""))
	if err != nil {
		return nil, err
	}
	cfg.Hashing.OldPeppers = oldPeppers

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. Production is strict about
// secrets; other environments fall back to generated values.
func (c *Config) Validate() error {
	var errs []error

	switch c.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		errs = append(errs, fmt.Errorf("APP_ENV must be one of development, staging, production (got %q)", c.Environment))
	}

	switch c.Storage.UserStore {
	case UserStoreScylla:
		if len(c.Scylla.Nodes) == 0 {
			errs = append(errs, errors.New("SCYLLA_NODES is required for the scylla user store"))
		}
	case UserStorePostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres user store"))
		}
	default:
		errs = append(errs, fmt.Errorf("USER_STORE must be scylla or postgres (got %q)", c.Storage.UserStore))
	}

	switch c.JWT.SigningMethod {
	case "HS256":
		if c.IsProduction() && len(c.JWT.Secret) < 32 {
			errs = append(errs, errors.New("JWT_SECRET must be at least 32 bytes in production"))
		}
	case "EDDSA":
		if c.JWT.PrivateKeyPath == "" || c.JWT.PublicKeyPath == "" {
			errs = append(errs, errors.New("EdDSA signing requires JWT_PRIVATE_KEY_PATH and JWT_PUBLIC_KEY_PATH"))
		}
	default:
		errs = append(errs, fmt.Errorf("JWT_SIGNING_METHOD must be HS256 or EdDSA (got %q)", c.JWT.SigningMethod))
	}
	if c.JWT.TTL <= 0 {
		errs = append(errs, errors.New("JWT_TTL must be positive"))
	}

	if c.OTP.TTL <= 0 {
		errs = append(errs, errors.New("OTP_TTL must be positive"))
	}
	if c.OTP.MaxAttempts <= 0 {
		errs = append(errs, errors.New("OTP_MAX_ATTEMPTS must be positive"))
	}

	if c.IsProduction() {
		if c.Hashing.Pepper == "" {
			errs = append(errs, errors.New("HASH_PEPPER is required in production"))
		}
		if !c.Kafka.Enabled {
			errs = append(errs, errors.New("KAFKA_ENABLED must be true in production: OTP codes are dispatched over Kafka"))
		}
		if c.KMS.Enabled && c.KMS.KeyID == "" {
			errs = append(errs, errors.New("KMS_KEY_ID is required when KMS is enabled"))
		}
	}

	if c.Bucketing.UserBuckets <= 0 || c.Bucketing.EventBuckets <= 0 {
		errs = append(errs, errors.New("USER_BUCKETS and EVENT_BUCKETS must be positive"))
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// GetServerAddress returns the plain HTTP listen address.
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func parsePeppers(raw string) (map[int]string, error) {
	peppers := make(map[int]string)
	if strings.TrimSpace(raw) == "" {
		return peppers, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		version, value, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || value == "" {
			return nil, fmt.Errorf("HASH_OLD_PEPPERS entry %q must be version:value", pair)
		}
		v, err := strconv.Atoi(version)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("HASH_OLD_PEPPERS entry %q has an invalid version", pair)
		}
		peppers[v] = value
	}
	return peppers, nil
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool) bool {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}

// getEnvDuration accepts Go duration strings ("90s", "15m") or a bare number
// of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

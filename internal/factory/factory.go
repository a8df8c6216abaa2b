package factory

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"storefront-auth/internal/audit"
	"storefront-auth/internal/bucketing"
	"storefront-auth/internal/client"
	"storefront-auth/internal/config"
	"storefront-auth/internal/dispatch"
	"storefront-auth/internal/encryption"
	"storefront-auth/internal/hashing"
	"storefront-auth/internal/observability"
	"storefront-auth/internal/repository"
	"storefront-auth/internal/repository/postgres"
	redisrepo "storefront-auth/internal/repository/redis"
	"storefront-auth/internal/repository/scylla"
	"storefront-auth/internal/service"
	servertls "storefront-auth/internal/tls"
	"storefront-auth/internal/token"
	"storefront-auth/internal/util"
)

// Options are process-level inputs that do not come from the environment.
type Options struct {
	Release string
	// DispatchOut receives OTP codes from the console dispatcher in
	// development. Defaults to stderr.
	DispatchOut io.Writer
}

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *servertls.Manager

	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	postgresDB       *sql.DB
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	users          repository.UserRepository
	recorder       *audit.Recorder
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
}

// New connects every backend the configuration asks for and assembles the
// service layer. Any partially opened clients are closed on failure.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Factory, error) {
	f := &Factory{config: cfg}

	if err := observability.InitSentry(cfg.Sentry.DSN, cfg.Environment, opts.Release); err != nil {
		util.Warn("Sentry initialization failed", util.ErrorField(err))
	}

	if cfg.Server.EnableTLS {
		m, err := servertls.NewManager(cfg.Server, cfg.Environment)
		if err != nil {
			return nil, fmt.Errorf("tls: %w", err)
		}
		f.tlsManager = m
	}

	if err := f.initializeClients(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeManagers(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}
	if err := f.initializeServices(ctx, opts); err != nil {
		f.Close()
		return nil, err
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("user_store", cfg.Storage.UserStore),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kafka_enabled", f.kafkaProducer != nil),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)
	return f, nil
}

// initializeClients opens Redis and the user store, which are required, and
// the optional Kafka, Elasticsearch and ClickHouse clients. Outside
// production a failing optional backend is logged and skipped.
func (f *Factory) initializeClients(ctx context.Context) error {
	cfg := f.config

	redisClient, err := client.NewRedisClient(cfg)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	f.redisClient = redisClient

	switch cfg.Storage.UserStore {
	case config.UserStorePostgres:
		db, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		f.postgresDB = db
	default:
		sc, err := scylla.NewScyllaClient(cfg)
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = sc
	}

	if cfg.Kafka.Enabled {
		producer, err := client.NewKafkaProducer(cfg)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		f.kafkaProducer = producer
	}

	if cfg.Elasticsearch.Enabled {
		es, err := client.NewElasticsearchClient(cfg)
		if err := f.optional("elasticsearch", err); err != nil {
			return err
		}
		f.esClient = es
	}

	if cfg.Clickhouse.Enabled {
		ch, err := client.NewClickHouseClient(cfg)
		if err := f.optional("clickhouse", err); err != nil {
			return err
		}
		f.clickhouseClient = ch
	}
	return nil
}

func (f *Factory) optional(name string, err error) error {
	if err == nil {
		return nil
	}
	if f.config.IsProduction() {
		return fmt.Errorf("%s: %w", name, err)
	}
	util.Warn("Optional backend unavailable, continuing without it",
		util.String("backend", name),
		util.ErrorField(err))
	return nil
}

func (f *Factory) initializeManagers(ctx context.Context) error {
	var kmsAPI encryption.KMSAPI
	if f.config.KMS.Enabled {
		kmsClient, err := encryption.NewKMSClient(ctx, f.config.KMS.Region)
		if err != nil {
			return fmt.Errorf("kms: %w", err)
		}
		kmsAPI = kmsClient
	}

	em, err := encryption.NewEncryptionManager(f.config.KMS, kmsAPI)
	if err != nil {
		return err
	}
	f.encryptionManager = em
	f.bucketingManager = bucketing.NewBucketingManager(f.config.Bucketing)
	return nil
}

func (f *Factory) initializeServices(ctx context.Context, opts Options) error {
	cfg := f.config

	if f.postgresDB != nil {
		f.users = postgres.NewUserRepository(f.postgresDB)
	} else {
		f.users = scylla.NewUserRepository(f.scyllaClient, f.bucketingManager)
	}

	sinks, err := f.auditSinks(ctx)
	if err != nil {
		return err
	}
	f.recorder = audit.NewRecorder(f.bucketingManager, 0, sinks...)

	var producer dispatch.Producer
	if f.kafkaProducer != nil {
		producer = f.kafkaProducer
	}
	dispatcher, err := newDispatcher(cfg, producer, f.encryptionManager, opts.DispatchOut)
	if err != nil {
		return err
	}

	tokenCfg, err := tokenConfig(cfg.JWT, cfg.IsProduction())
	if err != nil {
		return err
	}
	tokens, err := token.NewManager(tokenCfg)
	if err != nil {
		return fmt.Errorf("token manager: %w", err)
	}

	f.serviceFactory = service.NewServiceFactory(service.AuthConfig{
		Hashing:        hashingConfig(cfg.Hashing),
		OTPTTL:         cfg.OTP.TTL,
		MaxOTPAttempts: cfg.OTP.MaxAttempts,
		RateLimit:      cfg.RateLimit,
	}, service.Dependencies{
		Users:       f.users,
		Ledger:      redisrepo.NewOTPLedger(f.redisClient),
		Revocations: redisrepo.NewRevocationCache(f.redisClient, nil),
		Limiter:     redisrepo.NewRateLimitCache(f.redisClient),
		Tokens:      tokens,
		Dispatcher:  dispatcher,
		Audit:       f.recorder,
		Logger:      util.Get(),
	})

	// Build now so hashing misconfiguration fails at startup.
	if _, err := f.serviceFactory.AuthService(); err != nil {
		return fmt.Errorf("auth service: %w", err)
	}
	return nil
}

func (f *Factory) auditSinks(ctx context.Context) ([]audit.Sink, error) {
	var sinks []audit.Sink
	if f.kafkaProducer != nil && f.config.Kafka.AuditTopic != "" {
		sinks = append(sinks, audit.NewKafkaSink(f.kafkaProducer, f.config.Kafka.AuditTopic))
	}
	if f.clickhouseClient != nil {
		sink := audit.NewClickHouseSink(f.clickhouseClient)
		if err := f.optional("clickhouse schema", sink.EnsureSchema(ctx)); err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if f.esClient != nil {
		sinks = append(sinks, audit.NewElasticsearchSink(f.esClient, f.config.Elasticsearch.AuditIndex))
	}
	if len(sinks) == 0 {
		util.Warn("No audit sinks configured; security events are not persisted")
	}
	return sinks, nil
}

// newDispatcher picks the OTP delivery channel. Codes only leave the
// process over Kafka in production.
func newDispatcher(cfg *config.Config, producer dispatch.Producer, encryptor dispatch.Encryptor, out io.Writer) (dispatch.Dispatcher, error) {
	if cfg.Kafka.Enabled {
		if producer == nil || encryptor == nil {
			return nil, errors.New("kafka dispatch requires a producer and an encryptor")
		}
		return dispatch.NewKafkaDispatcher(producer, encryptor, cfg.Kafka.OTPDispatchTopic), nil
	}
	if cfg.IsProduction() {
		return nil, errors.New("console OTP dispatch is not allowed in production")
	}
	if out == nil {
		out = os.Stderr
	}
	util.Warn("OTP codes are written to the console; enable Kafka for real delivery")
	return dispatch.NewConsoleDispatcher(out), nil
}

func hashingConfig(cfg config.HashingConfig) hashing.Config {
	return hashing.Config{
		OTP:           argon2Params(cfg.OTP),
		SafeKey:       argon2Params(cfg.SafeKey),
		Pepper:        cfg.Pepper,
		PepperVersion: cfg.PepperVersion,
		OldPeppers:    cfg.OldPeppers,
	}
}

func argon2Params(c config.Argon2Config) hashing.Params {
	return hashing.Params{
		Memory:      uint32(c.MemoryKiB),
		Iterations:  uint32(c.Iterations),
		Parallelism: uint8(c.Parallelism),
	}
}

// tokenConfig reads signing material. Without a configured HS256 secret a
// non-production process signs with a random one, so tokens die with it.
func tokenConfig(cfg config.JWTConfig, production bool) (token.Config, error) {
	tc := token.Config{
		SigningMethod: cfg.SigningMethod,
		TTL:           cfg.TTL,
		Issuer:        cfg.Issuer,
		Audience:      cfg.Audience,
		Leeway:        cfg.Leeway,
	}

	switch cfg.SigningMethod {
	case token.MethodEdDSA:
		priv, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return tc, fmt.Errorf("failed to read JWT private key: %w", err)
		}
		pub, err := os.ReadFile(cfg.PublicKeyPath)
		if err != nil {
			return tc, fmt.Errorf("failed to read JWT public key: %w", err)
		}
		tc.PrivateKey, tc.PublicKey = priv, pub
	default:
		if cfg.Secret != "" {
			tc.Secret = []byte(cfg.Secret)
			break
		}
		if production {
			return tc, errors.New("JWT_SECRET is required in production")
		}
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return tc, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
		tc.Secret = secret
		util.Warn("JWT_SECRET not set; using a random secret for this process")
	}
	return tc, nil
}

// HealthCheck pings every connected backend concurrently and reports the
// failures by name.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	checks := map[string]func(context.Context) error{
		"redis": f.redisClient.HealthCheck,
		"users": f.users.HealthCheck,
	}
	if f.kafkaProducer != nil {
		checks["kafka"] = f.kafkaProducer.HealthCheck
	}
	if f.esClient != nil {
		checks["elasticsearch"] = f.esClient.HealthCheck
	}
	if f.clickhouseClient != nil {
		checks["clickhouse"] = f.clickhouseClient.HealthCheck
	}
	return runChecks(ctx, checks)
}

func runChecks(ctx context.Context, checks map[string]func(context.Context) error) map[string]error {
	var (
		mu     sync.Mutex
		failed = make(map[string]error)
		g      errgroup.Group
	)
	for name, check := range checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := check(cctx); err != nil {
				mu.Lock()
				failed[name] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

func (f *Factory) AuthService() (*service.AuthService, error) {
	return f.serviceFactory.AuthService()
}

// Shutdown flushes pending audit events, bounded by ctx, then closes every
// client.
func (f *Factory) Shutdown(ctx context.Context) error {
	var err error
	if f.serviceFactory != nil {
		err = f.serviceFactory.Cleanup(ctx)
		if err != nil {
			util.Warn("Audit flush did not finish", util.ErrorField(err))
		}
	}
	f.Close()
	return err
}

func (f *Factory) Close() {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}
		if f.kafkaProducer != nil {
			_ = f.kafkaProducer.Close()
		}
		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}
		if f.postgresDB != nil {
			if err := f.postgresDB.Close(); err != nil {
				util.Error("Failed to close Postgres", util.ErrorField(err))
			}
		}
		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}
		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		observability.FlushSentry()
		util.Info("Factory shutdown completed")
	})
}

func (f *Factory) Config() *config.Config {
	return f.config
}

// TLSManager is nil when TLS is disabled.
func (f *Factory) TLSManager() *servertls.Manager {
	return f.tlsManager
}

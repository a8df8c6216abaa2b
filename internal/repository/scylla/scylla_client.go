package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"storefront-auth/internal/config"
	"storefront-auth/internal/util"
)

// CQL statements. Queries are built per call from these strings; gocql
// caches the prepared form per session.
const (
	createKeyspaceCQL = `
        CREATE KEYSPACE IF NOT EXISTS %s
        WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1}`

	createUsersTableCQL = `
        CREATE TABLE IF NOT EXISTS users (
            user_bucket int,
            user_id uuid,
            identifier text,
            identifier_kind text,
            role text,
            status text,
            safe_key_hash text,
            key_updated_at timestamp,
            last_login timestamp,
            created_at timestamp,
            updated_at timestamp,
            PRIMARY KEY ((user_bucket), user_id)
        )`

	createIdentifierTableCQL = `
        CREATE TABLE IF NOT EXISTS identifier_to_user (
            identifier_kind text,
            identifier text,
            user_bucket int,
            user_id uuid,
            created_at timestamp,
            PRIMARY KEY ((identifier_kind, identifier))
        )`

	insertIdentifierCQL = `
        INSERT INTO identifier_to_user (identifier_kind, identifier, user_bucket, user_id, created_at)
        VALUES (?, ?, ?, ?, ?) IF NOT EXISTS`

	releaseIdentifierCQL = `
        DELETE FROM identifier_to_user WHERE identifier_kind = ? AND identifier = ?
        IF user_id = ?`

	insertUserCQL = `
        INSERT INTO users (
            user_bucket, user_id, identifier, identifier_kind, role, status,
            safe_key_hash, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	deleteUserCQL = `
        DELETE FROM users WHERE user_bucket = ? AND user_id = ?`

	selectIdentifierCQL = `
        SELECT user_bucket, user_id FROM identifier_to_user
        WHERE identifier_kind = ? AND identifier = ?`

	selectUserCQL = `
        SELECT user_bucket, user_id, identifier, identifier_kind, role, status,
            safe_key_hash, key_updated_at, last_login, created_at, updated_at
        FROM users WHERE user_bucket = ? AND user_id = ?`

	updateSafeKeyCQL = `
        UPDATE users SET safe_key_hash = ?, key_updated_at = ?, updated_at = ?
        WHERE user_bucket = ? AND user_id = ? IF EXISTS`

	updateLastLoginCQL = `
        UPDATE users SET last_login = ? WHERE user_bucket = ? AND user_id = ? IF EXISTS`
)

type ScyllaClient struct {
	Session *gocql.Session
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	if scyllaConfig.EnsureSchema && cfg.IsDevelopment() {
		if err := ensureKeyspace(scyllaConfig); err != nil {
			return nil, err
		}
	}

	cluster := newCluster(scyllaConfig)
	cluster.Keyspace = scyllaConfig.Keyspace

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{Session: session}

	if scyllaConfig.EnsureSchema {
		if err := client.EnsureSchema(context.Background()); err != nil {
			session.Close()
			return nil, err
		}
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func newCluster(scyllaConfig config.ScyllaConfig) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.CAPath != "" {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 scyllaConfig.CAPath,
			CertPath:               scyllaConfig.CertPath,
			KeyPath:                scyllaConfig.KeyPath,
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}
	return cluster
}

// ensureKeyspace creates a single-replica keyspace for local development.
func ensureKeyspace(scyllaConfig config.ScyllaConfig) error {
	session, err := newCluster(scyllaConfig).CreateSession()
	if err != nil {
		return fmt.Errorf("failed to create scylla bootstrap session: %w", err)
	}
	defer session.Close()

	if err := session.Query(fmt.Sprintf(createKeyspaceCQL, scyllaConfig.Keyspace)).Exec(); err != nil {
		return fmt.Errorf("failed to create keyspace %s: %w", scyllaConfig.Keyspace, err)
	}
	return nil
}

// EnsureSchema creates the credential tables if they do not exist.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{createUsersTableCQL, createIdentifierTableCQL} {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to ensure scylla schema: %w", err)
		}
	}
	util.Info("ScyllaDB schema ensured")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) Exec(ctx context.Context, stmt string, values ...interface{}) error {
	return s.Session.Query(stmt, values...).WithContext(ctx).Exec()
}

// Scan reads the first row into dest. A missing row is gocql.ErrNotFound.
func (s *ScyllaClient) Scan(ctx context.Context, stmt string, values []interface{}, dest ...interface{}) error {
	return s.Session.Query(stmt, values...).WithContext(ctx).Scan(dest...)
}

// ScanCAS runs a lightweight transaction. When it is not applied the
// returned map holds the row that blocked it.
func (s *ScyllaClient) ScanCAS(ctx context.Context, stmt string, values ...interface{}) (bool, map[string]interface{}, error) {
	existing := make(map[string]interface{})
	applied, err := s.Session.Query(stmt, values...).WithContext(ctx).MapScanCAS(existing)
	return applied, existing, err
}

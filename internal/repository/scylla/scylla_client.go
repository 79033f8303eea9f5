// Package scylla stores CSRF tokens in ScyllaDB, partitioned by user
// bucket so one user's tokens live on one partition.
package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"edge-guard/internal/config"
	"edge-guard/internal/util"
)

// Session is the subset of CQL execution the repositories use.
type Session interface {
	Exec(ctx context.Context, stmt string, values ...interface{}) error
	Scan(ctx context.Context, stmt string, values []interface{}, dest ...interface{}) error
	MapScanCAS(ctx context.Context, stmt string, values []interface{}, dest map[string]interface{}) (bool, error)
	Rows(ctx context.Context, stmt string, values ...interface{}) ([]map[string]interface{}, error)
}

type ScyllaClient struct {
	Session    *gocql.Session
	config     *config.ScyllaConfig
	maxRetries int
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if cfg.IsProduction() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 util.GetEnv("SCYLLA_TLS_CA_FILE", "/app/certs/ca.pem"),
			CertPath:               util.GetEnv("SCYLLA_TLS_CERT_FILE", "/app/certs/scylla.pem"),
			KeyPath:                util.GetEnv("SCYLLA_TLS_KEY_FILE", "/app/certs/scylla.key"),
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	logger.Info("ScyllaDB client initialized",
		util.Strings("nodes", scyllaConfig.Nodes),
		util.String("keyspace", scyllaConfig.Keyspace))

	return &ScyllaClient{
		Session:    session,
		config:     &scyllaConfig,
		maxRetries: 2,
	}, nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", util.String("cluster_name", clusterName))
	return nil
}

// Exec retries plain writes. Conditional statements go through
// MapScanCAS, which never retries.
func (s *ScyllaClient) Exec(ctx context.Context, stmt string, values ...interface{}) error {
	var lastErr error
	for i := 0; i <= s.maxRetries; i++ {
		lastErr = s.Session.Query(stmt, values...).WithContext(ctx).Exec()
		if lastErr == nil {
			return nil
		}
		if i < s.maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
			}
		}
	}
	return lastErr
}

func (s *ScyllaClient) Scan(ctx context.Context, stmt string, values []interface{}, dest ...interface{}) error {
	return s.Session.Query(stmt, values...).WithContext(ctx).Scan(dest...)
}

func (s *ScyllaClient) MapScanCAS(ctx context.Context, stmt string, values []interface{}, dest map[string]interface{}) (bool, error) {
	return s.Session.Query(stmt, values...).WithContext(ctx).MapScanCAS(dest)
}

func (s *ScyllaClient) Rows(ctx context.Context, stmt string, values ...interface{}) ([]map[string]interface{}, error) {
	iter := s.Session.Query(stmt, values...).WithContext(ctx).Iter()
	rows, err := iter.SliceMap()
	if err != nil {
		_ = iter.Close()
		return nil, err
	}
	return rows, iter.Close()
}

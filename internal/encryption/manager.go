// Package encryption decrypts configuration secrets sealed with AWS KMS.
// A value of the form "kms:<base64 ciphertext>" is replaced by its
// plaintext at startup; any other value is used as is.
package encryption

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"edge-guard/internal/config"
	"edge-guard/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

const SecretPrefix = "kms:"

var (
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrKMSDisabled      = errors.New("kms secret found but KMS is disabled")
)

// KMSAPI is the part of *kms.Client the manager needs.
type KMSAPI interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type SecretManager struct {
	kmsClient KMSAPI
	config    config.KMSConfig
	cache     sync.Map // ciphertext -> plaintext
}

// NewKMSClient builds a client from the default AWS credential chain.
func NewKMSClient(ctx context.Context, cfg config.KMSConfig) (*kms.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return kms.NewFromConfig(awsCfg), nil
}

func NewSecretManager(cfg config.KMSConfig, kmsClient KMSAPI) *SecretManager {
	return &SecretManager{
		kmsClient: kmsClient,
		config:    cfg,
	}
}

func IsSealed(value string) bool {
	return strings.HasPrefix(value, SecretPrefix)
}

// Resolve returns the plaintext of a sealed value.
func (m *SecretManager) Resolve(ctx context.Context, value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if !m.config.Enabled || m.kmsClient == nil {
		return "", ErrKMSDisabled
	}

	encoded := strings.TrimPrefix(value, SecretPrefix)
	if cached, ok := m.cache.Load(encoded); ok {
		return cached.(string), nil
	}

	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext encoding", ErrDecryptionFailed)
	}

	out, err := m.kmsClient.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: blob,
		KeyId:          aws.String(m.config.KeyID),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	plaintext := string(out.Plaintext)
	m.cache.Store(encoded, plaintext)
	return plaintext, nil
}

// ResolveConfig decrypts every secret-bearing field of cfg in place.
func (m *SecretManager) ResolveConfig(ctx context.Context, cfg *config.Config) error {
	fields := map[string]*string{
		"JWT_SECRET":             &cfg.Auth.JWTSecret,
		"REDIS_PASSWORD":         &cfg.Redis.Password,
		"POSTGRES_URL":           &cfg.Postgres.URL,
		"SCYLLA_PASSWORD":        &cfg.Scylla.Password,
		"ELASTICSEARCH_PASSWORD": &cfg.Elasticsearch.Password,
		"CLICKHOUSE_PASSWORD":    &cfg.Clickhouse.Password,
	}

	var errs []error
	resolved := 0
	for name, field := range fields {
		if !IsSealed(*field) {
			continue
		}
		plain, err := m.Resolve(ctx, *field)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		*field = plain
		resolved++
	}

	if resolved > 0 {
		util.Info("Resolved KMS secrets", util.Int("count", resolved))
	}
	return errors.Join(errs...)
}

func (m *SecretManager) ClearCache() {
	m.cache.Range(func(key, _ interface{}) bool {
		m.cache.Delete(key)
		return true
	})
}

func (m *SecretManager) CacheSize() int {
	count := 0
	m.cache.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

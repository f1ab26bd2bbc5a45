package mio

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
)

// ExpiringPrefixes hold the uploaded scans and their review overlays. The
// durable results under "results/" are immutable and never expire.
var ExpiringPrefixes = []string{"scans/", "overlays/"}

type Config struct {
	Endpoint        string      `yaml:"endpoint"`
	AccessKeyID     string      `yaml:"access_key_id"`
	SecretAccessKey string      `yaml:"secret_access_key"`
	UseSSL          bool        `yaml:"use_ssl"`
	Bucket          string      `yaml:"bucket"`
	Retry           RetryConfig `yaml:"retry"`
	// ExpireDays lets the bucket drop old scans and overlays on its own.
	// Zero leaves the lifecycle untouched.
	ExpireDays int `yaml:"expire_days"`
}

type RetryConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// NewClient connects and makes sure the bucket exists, retrying with a
// doubling interval while MinIO is still starting up.
func NewClient(ctx context.Context, cfg Config) (*minio.Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty MinIO endpoint")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("empty MinIO bucket")
	}

	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry.MaxRetries = 5
	}
	if cfg.Retry.InitialInterval <= 0 {
		cfg.Retry.InitialInterval = time.Second
	}
	if cfg.Retry.MaxInterval <= 0 {
		cfg.Retry.MaxInterval = 30 * time.Second
	}

	var lastErr error
	interval := cfg.Retry.InitialInterval

	for attempt := range cfg.Retry.MaxRetries {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("context canceled before MinIO init: %w", ctx.Err())
		}

		client, err := minio.New(cfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
			Secure: cfg.UseSSL,
		})
		if err != nil {
			lastErr = fmt.Errorf("create MinIO client: %w", err)
		} else if err := ensureBucket(ctx, client, cfg.Bucket); err != nil {
			lastErr = err
		} else if err := applyLifecycle(ctx, client, cfg); err != nil {
			lastErr = err
		} else {
			return client, nil
		}

		if attempt == cfg.Retry.MaxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context canceled while waiting to retry MinIO: %w", ctx.Err())
		case <-time.After(interval):
			interval = min(interval*2, cfg.Retry.MaxInterval)
		}
	}

	return nil, fmt.Errorf("init MinIO failed after %d attempts: %w", cfg.Retry.MaxRetries, lastErr)
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket exists: %w", err)
	}
	if exists {
		return nil
	}

	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

func applyLifecycle(ctx context.Context, client *minio.Client, cfg Config) error {
	if cfg.ExpireDays <= 0 {
		return nil
	}
	if err := client.SetBucketLifecycle(ctx, cfg.Bucket, ScanLifecycle(cfg.ExpireDays)); err != nil {
		return fmt.Errorf("set bucket lifecycle: %w", err)
	}
	return nil
}

// ScanLifecycle expires every ExpiringPrefixes object after days.
func ScanLifecycle(days int) *lifecycle.Configuration {
	cfg := lifecycle.NewConfiguration()
	for _, prefix := range ExpiringPrefixes {
		cfg.Rules = append(cfg.Rules, lifecycle.Rule{
			ID:         "expire-" + strings.TrimSuffix(prefix, "/"),
			Status:     "Enabled",
			RuleFilter: lifecycle.Filter{Prefix: prefix},
			Expiration: lifecycle.Expiration{Days: lifecycle.ExpirationDays(days)},
		})
	}
	return cfg
}
